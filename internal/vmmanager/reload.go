package vmmanager

import (
	"context"

	"go.uber.org/zap"

	"vmscaled/internal/vm"
)

// Reload synthesizes VM records for every domain libvirt already
// knows about, so a restarted supervisor adopts VMs it did not
// itself create. This resolves the domain-handle-ownership question
// in favor of the process owning every handle it can see, rather than
// only the ones it created.
func (m *Manager) Reload(ctx context.Context) error {
	doms, err := m.hv.ListAllDomains(ctx)
	if err != nil {
		return err
	}
	client, err := m.hv.Client(ctx)
	if err != nil {
		return err
	}

	for _, dom := range doms {
		m.mu.Lock()
		_, known := m.vms[dom.Name]
		m.mu.Unlock()
		if known {
			continue
		}

		xmlDoc, err := client.DomainGetXMLDesc(dom, 0)
		if err != nil {
			m.logger.Warn("reload: could not fetch domain xml", zap.String("vm", dom.Name), zap.Error(err))
			continue
		}
		cfg, err := vm.ParseDomainXML(xmlDoc)
		if err != nil {
			m.logger.Warn("reload: could not parse domain xml", zap.String("vm", dom.Name), zap.Error(err))
			continue
		}

		state, _, _, _, _, err := client.DomainGetInfo(dom)
		if err != nil {
			m.logger.Warn("reload: could not fetch domain info", zap.String("vm", dom.Name), zap.Error(err))
			continue
		}
		status := vm.StatusFromLibvirtState(state)

		cg, err := m.cgroupControllerExists(dom.Name)
		if err != nil {
			m.logger.Warn("reload: could not attach cgroup leaf", zap.String("vm", dom.Name), zap.Error(err))
			continue
		}

		id := domainUUIDFromBytes(dom.UUID)
		record := vm.NewExisting(m.hv, cfg, id, status, cg, m.cgroupRoot, m.logger)

		m.mu.Lock()
		m.vms[dom.Name] = record
		m.lastStatus[dom.Name] = status
		m.mu.Unlock()

		m.logger.Info("reload: adopted domain", zap.String("vm", dom.Name), zap.String("status", status.String()))
	}
	return nil
}
