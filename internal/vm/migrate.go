package vm

import (
	"bytes"
	"context"
	"os/exec"

	"go.uber.org/zap"

	"vmscaled/internal/model"
	"vmscaled/internal/vmerrors"
)

// MigrateOptions mirrors the libvirt migration flags: live, persist at
// the destination, undefine at the source.
type MigrateOptions struct {
	Live           bool
	PersistDest    bool
	UndefineSource bool
}

// Migrate moves the domain to destURI. go-libvirt's RPC surface does
// not expose the full Perform3Params migration handshake, so this
// shells out to virsh migrate. Running -> Migrating -> Running on
// success; on failure the VM reverts to Running in place.
func (v *VM) Migrate(ctx context.Context, destURI string, opts MigrateOptions) error {
	v.mu.Lock()
	if err := v.requireStatus(model.StatusRunning); err != nil {
		v.mu.Unlock()
		return err
	}
	v.status = model.StatusMigrating
	name := v.name
	v.mu.Unlock()

	args := []string{"migrate"}
	if opts.Live {
		args = append(args, "--live")
	}
	if opts.PersistDest {
		args = append(args, "--persistent")
	}
	if opts.UndefineSource {
		args = append(args, "--undefinesource")
	}
	args = append(args, name, destURI)

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "virsh", args...)
	cmd.Stderr = &stderr

	err := cmd.Run()

	v.mu.Lock()
	defer v.mu.Unlock()
	if err != nil {
		v.status = model.StatusRunning
		v.logger.Error("migration failed, reverted to running", zap.String("vm", name), zap.String("dest", destURI), zap.Error(err), zap.String("stderr", stderr.String()))
		return vmerrors.Wrap(vmerrors.KindHypervisor, "virsh migrate "+name+" -> "+destURI, err)
	}

	v.status = model.StatusRunning
	return nil
}
