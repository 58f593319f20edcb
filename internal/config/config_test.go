package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "qemu:///system", cfg.LibvirtURI)
	assert.Equal(t, "/sys/fs/cgroup/vmscaled", cfg.CgroupRoot)
	assert.Equal(t, 5*time.Second, cfg.HealthInterval)
	assert.Equal(t, 20*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, "0.0.0.0:7443", cfg.TelemetryProbeAddr)
	assert.NotEmpty(t, cfg.NodeID)
	assert.True(t, cfg.LogJSON)
}

func TestLoadReadsConfigFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	doc := `{
		"node_id": "host-7",
		"libvirt_uri": "qemu+ssh://kvm1/system",
		"migration_dest_uri": "qemu+ssh://kvm2/system",
		"scaling_thresholds": {
			"cpu": {"scale_up": 75, "scale_down": 25}
		}
	}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "vm_manager_config.json"), []byte(doc), 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "host-7", cfg.NodeID)
	assert.Equal(t, "qemu+ssh://kvm1/system", cfg.LibvirtURI)
	assert.Equal(t, "qemu+ssh://kvm2/system", cfg.MigrationDestURI)
	require.Contains(t, cfg.ScalingThresholds, "cpu")
	assert.Equal(t, 75.0, cfg.ScalingThresholds["cpu"].ScaleUp)
	assert.Equal(t, 25.0, cfg.ScalingThresholds["cpu"].ScaleDown)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("VMSCALED_LIBVIRT_URI", "qemu+tcp://10.0.0.5/system")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "qemu+tcp://10.0.0.5/system", cfg.LibvirtURI)
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	cfg, err := Load()
	require.NoError(t, err)
	cfg.NodeID = "host-42"
	cfg.MigrationDestURI = "qemu+ssh://kvm2/system"
	cfg.ScalingThresholds = map[string]ScalingThresholds{
		"memory": {ScaleUp: 88, ScaleDown: 22},
	}

	require.NoError(t, Save(cfg, DefaultPath))

	reloaded, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "host-42", reloaded.NodeID)
	assert.Equal(t, "qemu+ssh://kvm2/system", reloaded.MigrationDestURI)
	require.Contains(t, reloaded.ScalingThresholds, "memory")
	assert.Equal(t, 88.0, reloaded.ScalingThresholds["memory"].ScaleUp)
}

func TestValidateRejectsMissingFields(t *testing.T) {
	cfg := Config{
		NodeID:             "n1",
		LibvirtURI:         "qemu:///system",
		CgroupRoot:         "/sys/fs/cgroup/vmscaled",
		TelemetryProbeAddr: ":7443",
		HealthInterval:     time.Second,
		ShutdownTimeout:    time.Second,
	}
	assert.NoError(t, cfg.Validate())

	bad := cfg
	bad.LibvirtURI = " "
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.HealthInterval = 0
	assert.Error(t, bad.Validate())
}
