package loader

import (
	"context"

	"github.com/pkg/errors"

	"github.com/dpml/transit/host"
)

// HostLoader creates hosts whose implementation is a plugin. The plugin
// class receives the host model and host options as constructor
// arguments, and must produce a host.Host.
type HostLoader struct {
	Loader  *Loader
	Options host.Options
}

// LoadHost loads the plugin named by m.Codebase.
func (h HostLoader) LoadHost(ctx context.Context, m host.Model) (host.Host, error) {
	if m.Codebase == "" {
		return nil, errors.Wrapf(host.ErrBadModel, "host %s has no codebase", m.ID)
	}
	v, err := h.Loader.Plugin(ctx, nil, m.Codebase, m, h.Options)
	if err != nil {
		return nil, err
	}
	hh, ok := v.(host.Host)
	if !ok {
		return nil, errors.Wrapf(host.ErrBadModel, "plugin %s built a %T, not a host", m.Codebase, v)
	}
	return hh, nil
}
