package vm

import (
	"libvirt.org/go/libvirtxml"

	"vmscaled/internal/model"
	"vmscaled/internal/vmerrors"
)

// ParseDomainXML reconstructs a VMConfig from a domain's live XML
// description, used by VMManager.Reload to adopt domains libvirt
// already knows about at startup.
func ParseDomainXML(xmlDoc string) (model.VMConfig, error) {
	var dom libvirtxml.Domain
	if err := dom.Unmarshal(xmlDoc); err != nil {
		return model.VMConfig{}, vmerrors.Wrap(vmerrors.KindInternal, "unmarshal domain xml", err)
	}

	cfg := model.VMConfig{Name: dom.Name}

	if dom.Memory != nil {
		cfg.MemoryMiB = memoryInMiB(uint64(dom.Memory.Value), dom.Memory.Unit)
	}
	if dom.VCPU != nil {
		cfg.VCPUs = uint32(dom.VCPU.Value)
	}
	if dom.OS != nil && dom.OS.Type != nil {
		cfg.OSType = dom.OS.Type.Type
		cfg.Arch = dom.OS.Type.Arch
	}
	if dom.Devices != nil {
		if len(dom.Devices.Disks) > 0 && dom.Devices.Disks[0].Source != nil && dom.Devices.Disks[0].Source.File != nil {
			cfg.DiskImagePath = dom.Devices.Disks[0].Source.File.File
		}
		if len(dom.Devices.Interfaces) > 0 && dom.Devices.Interfaces[0].Source != nil && dom.Devices.Interfaces[0].Source.Bridge != nil {
			cfg.NetworkBridge = dom.Devices.Interfaces[0].Source.Bridge.Bridge
		}
		if len(dom.Devices.Videos) > 0 {
			cfg.VideoModel = dom.Devices.Videos[0].Model.Type
			cfg.VideoVRAMKiB = uint64(dom.Devices.Videos[0].Model.VRam)
		}
	}
	return cfg, nil
}

func memoryInMiB(value uint64, unit string) uint64 {
	switch unit {
	case "", "MiB":
		return value
	case "KiB":
		return value / 1024
	case "GiB":
		return value * 1024
	case "b", "bytes":
		return value / (1024 * 1024)
	default:
		return value
	}
}
