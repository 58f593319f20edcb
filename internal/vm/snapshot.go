package vm

import (
	"context"
	"time"

	"vmscaled/internal/model"
	"vmscaled/internal/vmerrors"
)

// CreateSnapshot defines a new snapshot of the running or paused
// domain and caches its metadata locally. Snapshot garbage collection
// is an in-memory concern only; nothing here deletes hypervisor-side
// snapshots.
func (v *VM) CreateSnapshot(ctx context.Context, name, description string) (model.VMSnapshot, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.requireStatus(model.StatusRunning, model.StatusPaused); err != nil {
		return model.VMSnapshot{}, err
	}

	xmlDoc, err := buildSnapshotXML(name, description)
	if err != nil {
		return model.VMSnapshot{}, err
	}

	dom, err := v.hv.LookupByName(ctx, v.name)
	if err != nil {
		return model.VMSnapshot{}, err
	}
	client, err := v.hv.Client(ctx)
	if err != nil {
		return model.VMSnapshot{}, err
	}

	if _, err := client.DomainSnapshotCreateXML(dom, xmlDoc, 0); err != nil {
		return model.VMSnapshot{}, vmerrors.Wrap(vmerrors.KindHypervisor, "create snapshot "+name, err)
	}

	snap := model.VMSnapshot{
		Name:         name,
		Description:  description,
		CreatedAt:    time.Now(),
		StatusAtTime: v.status,
	}
	v.snapshots = append(v.snapshots, snap)
	return snap, nil
}

// RevertToSnapshot reverts the domain to a previously cached snapshot
// and restores the VM's status to whatever it was at snapshot time.
func (v *VM) RevertToSnapshot(ctx context.Context, name string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.requireStatus(model.StatusRunning, model.StatusPaused); err != nil {
		return err
	}

	var target *model.VMSnapshot
	for i := range v.snapshots {
		if v.snapshots[i].Name == name {
			target = &v.snapshots[i]
			break
		}
	}
	if target == nil {
		return vmerrors.New(vmerrors.KindInternal, "vm "+v.name+": unknown snapshot "+name)
	}

	dom, err := v.hv.LookupByName(ctx, v.name)
	if err != nil {
		return err
	}
	client, err := v.hv.Client(ctx)
	if err != nil {
		return err
	}

	snap, err := client.DomainSnapshotLookupByName(dom, name, 0)
	if err != nil {
		return vmerrors.Wrap(vmerrors.KindHypervisor, "lookup snapshot "+name, err)
	}
	if err := client.DomainRevertToSnapshot(snap, 0); err != nil {
		return vmerrors.Wrap(vmerrors.KindHypervisor, "revert to snapshot "+name, err)
	}

	v.status = target.StatusAtTime
	return nil
}

// PruneSnapshots drops cached snapshot metadata older than maxAge.
// This never touches the hypervisor; it only forgets local metadata
// for snapshots this process can no longer usefully track.
func (v *VM) PruneSnapshots(maxAge time.Duration, now time.Time) int {
	v.mu.Lock()
	defer v.mu.Unlock()

	kept := v.snapshots[:0]
	dropped := 0
	for _, s := range v.snapshots {
		if now.Sub(s.CreatedAt) > maxAge {
			dropped++
			continue
		}
		kept = append(kept, s)
	}
	v.snapshots = kept
	return dropped
}
