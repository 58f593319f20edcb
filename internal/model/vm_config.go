package model

// VMConfig is the declarative definition of a VM, supplied by the
// caller and never mutated after being handed to VMManager.
type VMConfig struct {
	Name          string
	DiskImagePath string
	VCPUs         uint32
	MemoryMiB     uint64
	OSType        string
	Arch          string
	NetworkBridge string
	VideoModel    string
	VideoVRAMKiB  uint64
	InitialLimits []ResourceLimit
}
