package vm

import (
	golibvirt "github.com/digitalocean/go-libvirt"

	"vmscaled/internal/model"
)

// StatusFromLibvirtState maps a raw virDomainState code (as returned
// by DomainGetInfo/ConnectGetAllDomainStats) to the status enum used
// throughout this module. Used by VMManager.Reload to reconstruct VM
// records for domains libvirt already knows about.
func StatusFromLibvirtState(state uint8) model.VMStatus {
	switch golibvirt.DomainState(state) {
	case golibvirt.DomainRunning, golibvirt.DomainBlocked:
		return model.StatusRunning
	case golibvirt.DomainPaused:
		return model.StatusPaused
	case golibvirt.DomainPmsuspended:
		return model.StatusSuspended
	case golibvirt.DomainShutoff, golibvirt.DomainShutdown, golibvirt.DomainNostate, golibvirt.DomainCrashed:
		return model.StatusStopped
	default:
		return model.StatusStopped
	}
}
