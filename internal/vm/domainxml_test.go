package vm

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vmscaled/internal/model"
)

func testConfig() model.VMConfig {
	return model.VMConfig{
		Name:          "vm1",
		DiskImagePath: "/var/lib/libvirt/images/vm1.qcow2",
		VCPUs:         2,
		MemoryMiB:     2048,
		NetworkBridge: "br0",
	}
}

func TestBuildDomainXMLDeclaresRequiredDevices(t *testing.T) {
	out, err := buildDomainXML(testConfig())
	require.NoError(t, err)

	assert.Contains(t, out, `type="kvm"`)
	assert.Contains(t, out, "<name>vm1</name>")
	assert.Contains(t, out, `unit="MiB"`)
	assert.Contains(t, out, `placement="static"`)
	assert.Contains(t, out, `mode="host-passthrough"`)
	assert.Contains(t, out, "<acpi></acpi>")
	assert.Contains(t, out, `type="qcow2"`)
	assert.Contains(t, out, `cache="none"`)
	assert.Contains(t, out, `io="native"`)
	assert.Contains(t, out, `bridge="br0"`)
	assert.Contains(t, out, `org.qemu.guest_agent.0`)
	assert.Contains(t, out, `address="0.0.0.0"`)
	assert.Contains(t, out, `port="-1"`)
	assert.Contains(t, out, "memballoon")
}

func TestBuildDomainXMLGeneratesLocalMAC(t *testing.T) {
	out, err := buildDomainXML(testConfig())
	require.NoError(t, err)

	re := regexp.MustCompile(`52:54:00:[0-9a-f]{2}:[0-9a-f]{2}:[0-9a-f]{2}`)
	assert.Regexp(t, re, out)
}

func TestRandomLocalMACFormat(t *testing.T) {
	re := regexp.MustCompile(`^52:54:00:[0-9a-f]{2}:[0-9a-f]{2}:[0-9a-f]{2}$`)
	for i := 0; i < 32; i++ {
		mac, err := randomLocalMAC()
		require.NoError(t, err)
		assert.Regexp(t, re, mac)
	}
}

func TestParseDomainXMLRoundTrip(t *testing.T) {
	cfg := testConfig()
	out, err := buildDomainXML(cfg)
	require.NoError(t, err)

	parsed, err := ParseDomainXML(out)
	require.NoError(t, err)

	assert.Equal(t, cfg.Name, parsed.Name)
	assert.Equal(t, cfg.VCPUs, parsed.VCPUs)
	assert.Equal(t, cfg.MemoryMiB, parsed.MemoryMiB)
	assert.Equal(t, cfg.DiskImagePath, parsed.DiskImagePath)
	assert.Equal(t, cfg.NetworkBridge, parsed.NetworkBridge)
	assert.Equal(t, "hvm", parsed.OSType)
	assert.Equal(t, "x86_64", parsed.Arch)
}

func TestParseDomainXMLRejectsGarbage(t *testing.T) {
	_, err := ParseDomainXML("not xml at all")
	assert.Error(t, err)
}

func TestMemoryInMiBUnits(t *testing.T) {
	assert.Equal(t, uint64(2048), memoryInMiB(2048, "MiB"))
	assert.Equal(t, uint64(2048), memoryInMiB(2048*1024, "KiB"))
	assert.Equal(t, uint64(2048), memoryInMiB(2, "GiB"))
	assert.Equal(t, uint64(2048), memoryInMiB(2048*1024*1024, "bytes"))
	assert.Equal(t, uint64(2048), memoryInMiB(2048, ""))
}

func TestBuildSnapshotXML(t *testing.T) {
	out, err := buildSnapshotXML("pre-upgrade", "before kernel update")
	require.NoError(t, err)
	assert.Contains(t, out, "<name>pre-upgrade</name>")
	assert.Contains(t, out, "<description>before kernel update</description>")
}
