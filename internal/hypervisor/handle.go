// Package hypervisor owns the single libvirt RPC connection shared
// read-only across Monitor, VMManager, and Executor.
package hypervisor

import (
	"context"
	"fmt"
	"math/rand"
	"net/url"
	"sync"
	"time"

	golibvirt "github.com/digitalocean/go-libvirt"
	"go.uber.org/zap"

	"vmscaled/internal/vmerrors"
)

// Handle is a many-readers connection to the hypervisor. Exactly one
// Handle exists per Supervisor and every component shares it. It keeps
// no reference count: Close disconnects the shared client for every
// holder, and a later Client call connects again. Close is idempotent.
type Handle struct {
	mu        sync.RWMutex
	client    *golibvirt.Libvirt
	uri       string
	logger    *zap.Logger
	retryWait time.Duration
	maxJitter time.Duration
	randSrc   *rand.Rand
	closed    bool
}

// New creates an unconnected Handle for uri (defaulting to
// qemu:///system). Call Connect before use.
func New(uri string, retryWait, maxJitter time.Duration, logger *zap.Logger) *Handle {
	if uri == "" {
		uri = string(golibvirt.QEMUSystem)
	}
	if retryWait <= 0 {
		retryWait = 3 * time.Second
	}
	if maxJitter < 0 {
		maxJitter = 0
	}
	return &Handle{
		uri:       uri,
		logger:    logger,
		retryWait: retryWait,
		maxJitter: maxJitter,
		randSrc:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (h *Handle) Connect(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connectLocked(ctx)
}

// Client returns the live RPC client, connecting lazily if needed.
func (h *Handle) Client(ctx context.Context) (*golibvirt.Libvirt, error) {
	h.mu.RLock()
	c := h.client
	h.mu.RUnlock()
	if c != nil {
		return c, nil
	}
	if err := h.Connect(ctx); err != nil {
		return nil, err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.client == nil {
		return nil, vmerrors.New(vmerrors.KindConnection, "libvirt client is nil after connect")
	}
	return h.client, nil
}

func (h *Handle) Reconnect(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.client != nil {
		if err := h.client.Disconnect(); err != nil {
			h.logger.Warn("libvirt disconnect failed", zap.Error(err))
		}
		h.client = nil
	}
	return h.connectLocked(ctx)
}

func (h *Handle) Healthy(ctx context.Context) error {
	c, err := h.Client(ctx)
	if err != nil {
		return err
	}
	if _, err := c.Version(); err != nil {
		return vmerrors.Wrap(vmerrors.KindConnection, "libvirt version check failed", err)
	}
	return nil
}

// Close disconnects the client. Idempotent.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || h.client == nil {
		h.closed = true
		return nil
	}
	err := h.client.Disconnect()
	h.client = nil
	h.closed = true
	return err
}

// Release is a no-op: go-libvirt's Domain value carries no client-side
// resource a cgo-backed virDomainPtr would, so there is nothing to
// free per lookup. A future cgo-backed Handle would free here.
func (h *Handle) Release() {}

func (h *Handle) connectLocked(ctx context.Context) error {
	if h.client != nil {
		if _, err := h.client.Version(); err == nil {
			return nil
		}
		_ = h.client.Disconnect()
		h.client = nil
	}

	parsed, err := h.parseURI()
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		c, dialErr := golibvirt.ConnectToURI(parsed)
		if dialErr == nil {
			h.client = c
			h.closed = false
			h.logger.Info("libvirt connected", zap.String("uri", parsed.Redacted()))
			return nil
		}

		wait := h.retryWait + h.jitter()
		h.logger.Error("libvirt connect failed", zap.String("uri", parsed.Redacted()), zap.Error(dialErr), zap.Duration("retry_in", wait))

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (h *Handle) parseURI() (*url.URL, error) {
	raw := h.uri
	if raw == "" {
		raw = string(golibvirt.QEMUSystem)
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, vmerrors.Wrap(vmerrors.KindConfiguration, fmt.Sprintf("parse libvirt uri %q", raw), err)
	}
	if parsed.Scheme == "" {
		parsed, err = url.Parse(string(golibvirt.QEMUSystem))
		if err != nil {
			return nil, vmerrors.Wrap(vmerrors.KindInternal, "parse fallback uri", err)
		}
	}
	return parsed, nil
}

func (h *Handle) jitter() time.Duration {
	if h.maxJitter == 0 {
		return 0
	}
	return time.Duration(h.randSrc.Int63n(int64(h.maxJitter)))
}

// LookupByName wraps DomainLookupByName, translating a not-found RPC
// error into vmerrors.KindDomainNotFound.
func (h *Handle) LookupByName(ctx context.Context, name string) (golibvirt.Domain, error) {
	client, err := h.Client(ctx)
	if err != nil {
		return golibvirt.Domain{}, err
	}
	dom, err := client.DomainLookupByName(name)
	if err != nil {
		if golibvirt.IsNotFound(err) {
			return golibvirt.Domain{}, vmerrors.Wrap(vmerrors.KindDomainNotFound, "domain not found: "+name, err)
		}
		return golibvirt.Domain{}, vmerrors.Wrap(vmerrors.KindHypervisor, "lookup domain "+name, err)
	}
	return dom, nil
}

// ListAllDomains returns every active and defined-but-inactive domain.
func (h *Handle) ListAllDomains(ctx context.Context) ([]golibvirt.Domain, error) {
	client, err := h.Client(ctx)
	if err != nil {
		return nil, err
	}
	doms, _, err := client.ConnectListAllDomains(1, 0)
	if err != nil {
		return nil, vmerrors.Wrap(vmerrors.KindHypervisor, "list domains", err)
	}
	return doms, nil
}

// DefineXML defines a domain from XML and returns its handle.
func (h *Handle) DefineXML(ctx context.Context, xmlDoc string) (golibvirt.Domain, error) {
	client, err := h.Client(ctx)
	if err != nil {
		return golibvirt.Domain{}, err
	}
	dom, err := client.DomainDefineXML(xmlDoc)
	if err != nil {
		return golibvirt.Domain{}, vmerrors.Wrap(vmerrors.KindHypervisor, "define domain", err)
	}
	return dom, nil
}

// Version returns the hypervisor's version string.
func (h *Handle) Version(ctx context.Context) (string, error) {
	client, err := h.Client(ctx)
	if err != nil {
		return "", err
	}
	v, err := client.Version()
	if err != nil {
		return "", vmerrors.Wrap(vmerrors.KindHypervisor, "get hypervisor version", err)
	}
	return v, nil
}

// Hostname returns the hypervisor host's name.
func (h *Handle) Hostname(ctx context.Context) (string, error) {
	client, err := h.Client(ctx)
	if err != nil {
		return "", err
	}
	name, err := client.ConnectGetHostname()
	if err != nil {
		return "", vmerrors.Wrap(vmerrors.KindHypervisor, "get hostname", err)
	}
	return name, nil
}
