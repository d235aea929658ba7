package cache

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/dpml/transit/host"
)

// AddHost creates a host from m and registers it. A host with a codebase
// can only be added after Initialize has supplied a HostLoader; before
// that it is queued.
func (h *Handler) AddHost(ctx context.Context, m host.Model) error {
	h.hostM.RLock()
	_, dup := h.hosts[m.ID]
	loader := h.loader
	h.hostM.RUnlock()
	if dup {
		return errors.Wrapf(ErrDuplicateHost, "%q", m.ID)
	}

	var hst host.Host
	var err error
	if m.Bootstrap() {
		hst, err = host.New(ctx, m, h.HostOptions())
	} else if loader == nil {
		h.hostM.Lock()
		h.pending = append(h.pending, m)
		h.hostM.Unlock()
		return nil
	} else {
		hst, err = loader.LoadHost(ctx, m)
	}
	if err != nil {
		return err
	}
	return h.Register(hst)
}

// Register adds an already created host.
func (h *Handler) Register(hst host.Host) error {
	h.hostM.Lock()
	defer h.hostM.Unlock()
	if _, dup := h.hosts[hst.ID()]; dup {
		return errors.Wrapf(ErrDuplicateHost, "%q", hst.ID())
	}
	h.hosts[hst.ID()] = hst
	h.log.Debug("host added", zap.String("host", hst.ID()), zap.Int("priority", hst.Priority()))
	return nil
}

// RemoveHost unregisters the host and disposes it if it is a
// host.Disposer.
func (h *Handler) RemoveHost(id string) error {
	h.hostM.Lock()
	hst, ok := h.hosts[id]
	delete(h.hosts, id)
	h.hostM.Unlock()
	if !ok {
		return errors.Wrapf(ErrUnknownHost, "%q", id)
	}
	h.log.Debug("host removed", zap.String("host", id))
	if d, ok := hst.(host.Disposer); ok {
		return d.Dispose()
	}
	return nil
}

// Host returns the host with the given id, or nil.
func (h *Handler) Host(id string) host.Host {
	h.hostM.RLock()
	defer h.hostM.RUnlock()
	return h.hosts[id]
}

// Hosts returns the registered hosts in priority order.
func (h *Handler) Hosts() []host.Host {
	h.hostM.RLock()
	result := make([]host.Host, 0, len(h.hosts))
	for _, hst := range h.hosts {
		result = append(result, hst)
	}
	h.hostM.RUnlock()
	host.Sort(result)
	return result
}

// Pending lists the codebase hosts still waiting for Initialize.
func (h *Handler) Pending() []host.Model {
	h.hostM.RLock()
	defer h.hostM.RUnlock()
	return append([]host.Model(nil), h.pending...)
}
