package vmmanager

import (
	golibvirt "github.com/digitalocean/go-libvirt"
	"github.com/google/uuid"
)

func domainUUIDFromBytes(raw golibvirt.UUID) uuid.UUID {
	var id uuid.UUID
	copy(id[:], raw[:])
	return id
}
