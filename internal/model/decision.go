package model

import (
	"time"

	"github.com/google/uuid"
)

// ScalingAction is the closed set of actions a ScalingDecision can
// carry. Maintain decisions are never enqueued (see ScalingEngine).
type ScalingAction int

const (
	ActionMaintain ScalingAction = iota
	ActionScaleUp
	ActionScaleDown
	ActionMigrate
	ActionSuspend
	ActionResume
)

func (a ScalingAction) String() string {
	switch a {
	case ActionMaintain:
		return "Maintain"
	case ActionScaleUp:
		return "ScaleUp"
	case ActionScaleDown:
		return "ScaleDown"
	case ActionMigrate:
		return "Migrate"
	case ActionSuspend:
		return "Suspend"
	case ActionResume:
		return "Resume"
	default:
		return "Unknown"
	}
}

// ScalingDecision is a proposed, unapplied scaling action.
type ScalingDecision struct {
	ID           uuid.UUID
	VMName       string
	Action       ScalingAction
	ResourceKind ResourceKind
	Amount       float64
	Confidence   float64
	Reason       string
	Timestamp    time.Time
}
