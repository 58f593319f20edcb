package vm

import (
	"crypto/rand"
	"fmt"

	"libvirt.org/go/libvirtxml"

	"vmscaled/internal/model"
	"vmscaled/internal/vmerrors"
)

// buildDomainXML renders the domain definition: kvm domain, MiB
// memory, static vcpu placement, host-passthrough cpu, a single qcow2
// virtio disk with cache=none/io=native, one bridged virtio NIC with a
// generated locally-administered MAC, a virtio-balloon device, VNC on
// 0.0.0.0:-1, standard controllers, a serial console, and a
// qemu-guest-agent channel.
func buildDomainXML(cfg model.VMConfig) (string, error) {
	mac, err := randomLocalMAC()
	if err != nil {
		return "", vmerrors.Wrap(vmerrors.KindInternal, "generate mac address", err)
	}

	osType := cfg.OSType
	if osType == "" {
		osType = "hvm"
	}
	arch := cfg.Arch
	if arch == "" {
		arch = "x86_64"
	}

	domain := &libvirtxml.Domain{
		Type: "kvm",
		Name: cfg.Name,
		Memory: &libvirtxml.DomainMemory{
			Value: uint(cfg.MemoryMiB),
			Unit:  "MiB",
		},
		CurrentMemory: &libvirtxml.DomainCurrentMemory{
			Value: uint(cfg.MemoryMiB),
			Unit:  "MiB",
		},
		VCPU: &libvirtxml.DomainVCPU{
			Placement: "static",
			Value:     uint(cfg.VCPUs),
		},
		OS: &libvirtxml.DomainOS{
			Type: &libvirtxml.DomainOSType{
				Arch: arch,
				Type: osType,
			},
		},
		Features: &libvirtxml.DomainFeatureList{
			ACPI: &libvirtxml.DomainFeature{},
			APIC: &libvirtxml.DomainFeatureAPIC{},
		},
		CPU: &libvirtxml.DomainCPU{
			Mode: "host-passthrough",
		},
		Clock:      &libvirtxml.DomainClock{Offset: "utc"},
		OnPoweroff: "destroy",
		OnReboot:   "restart",
		OnCrash:    "restart",
		Devices: &libvirtxml.DomainDeviceList{
			Disks: []libvirtxml.DomainDisk{
				{
					Device: "disk",
					Driver: &libvirtxml.DomainDiskDriver{
						Name:  "qemu",
						Type:  "qcow2",
						Cache: "none",
						IO:    "native",
					},
					Source: &libvirtxml.DomainDiskSource{
						File: &libvirtxml.DomainDiskSourceFile{File: cfg.DiskImagePath},
					},
					Target: &libvirtxml.DomainDiskTarget{
						Dev: "vda",
						Bus: "virtio",
					},
				},
			},
			Interfaces: []libvirtxml.DomainInterface{
				{
					Source: &libvirtxml.DomainInterfaceSource{
						Bridge: &libvirtxml.DomainInterfaceSourceBridge{Bridge: cfg.NetworkBridge},
					},
					Model:  &libvirtxml.DomainInterfaceModel{Type: "virtio"},
					MAC:    &libvirtxml.DomainInterfaceMAC{Address: mac},
					Target: &libvirtxml.DomainInterfaceTarget{Dev: "vnet-" + cfg.Name},
				},
			},
			MemBalloon: &libvirtxml.DomainMemBalloon{
				Model: "virtio",
			},
			Videos: []libvirtxml.DomainVideo{
				{
					Model: libvirtxml.DomainVideoModel{
						Type: videoModelOrDefault(cfg.VideoModel),
						VRam: uint(videoVRAMOrDefault(cfg.VideoVRAMKiB)),
					},
				},
			},
			Graphics: []libvirtxml.DomainGraphic{
				{
					VNC: &libvirtxml.DomainGraphicVNC{
						Port:     -1,
						AutoPort: "no",
						Listeners: []libvirtxml.DomainGraphicListener{
							{Address: &libvirtxml.DomainGraphicListenerAddress{Address: "0.0.0.0"}},
						},
					},
				},
			},
			Consoles: []libvirtxml.DomainConsole{
				{
					Target: &libvirtxml.DomainConsoleTarget{Type: "serial"},
				},
			},
			Channels: []libvirtxml.DomainChannel{
				{
					Source: &libvirtxml.DomainChardevSource{
						UNIX: &libvirtxml.DomainChardevSourceUNIX{},
					},
					Target: &libvirtxml.DomainChannelTarget{
						VirtIO: &libvirtxml.DomainChannelTargetVirtIO{Name: "org.qemu.guest_agent.0"},
					},
				},
			},
			Controllers: []libvirtxml.DomainController{
				{Type: "usb", Model: "qemu-xhci"},
				{Type: "pci", Model: "pcie-root"},
			},
		},
	}

	out, err := domain.Marshal()
	if err != nil {
		return "", vmerrors.Wrap(vmerrors.KindInternal, "marshal domain xml", err)
	}
	return out, nil
}

// DiskTargetDev is the fixed target device name every generated
// domain uses for its primary disk, so callers needing DomainBlockStats
// do not have to parse it back out of the domain XML.
const DiskTargetDev = "vda"

// InterfaceTargetDev returns the fixed target device name for a VM's
// primary network interface, for DomainInterfaceStats lookups.
func InterfaceTargetDev(vmName string) string {
	return "vnet-" + vmName
}

func videoModelOrDefault(model string) string {
	if model == "" {
		return "vga"
	}
	return model
}

func videoVRAMOrDefault(vramKiB uint64) uint64 {
	if vramKiB == 0 {
		return 16384
	}
	return vramKiB
}

// randomLocalMAC produces a locally-administered unicast MAC of the
// form 52:54:00:XX:XX:XX (three random bytes), the QEMU/libvirt
// convention.
func randomLocalMAC() (string, error) {
	var suffix [3]byte
	if _, err := rand.Read(suffix[:]); err != nil {
		return "", err
	}
	return fmt.Sprintf("52:54:00:%02x:%02x:%02x", suffix[0], suffix[1], suffix[2]), nil
}

// buildSnapshotXML renders a minimal snapshot definition: name and
// description only.
func buildSnapshotXML(name, description string) (string, error) {
	snap := &libvirtxml.DomainSnapshot{
		Name:        name,
		Description: description,
	}
	out, err := snap.Marshal()
	if err != nil {
		return "", vmerrors.Wrap(vmerrors.KindInternal, "marshal snapshot xml", err)
	}
	return out, nil
}
