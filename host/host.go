// Package host implements resource hosts, the local and remote sources the
// cache downloads artifacts from.
package host

import (
	"context"
	"io"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/dpml/transit/artifact"
	"github.com/dpml/transit/layout"
	"github.com/dpml/transit/util"
)

// Host is a source of artifacts.
type Host interface {
	// ID uniquely names the host within a cache.
	ID() string
	// Priority orders hosts. Lower values are tried first.
	Priority() int
	Enabled() bool
	Trusted() bool
	// Layout is the path layout used on the host.
	Layout() layout.Layout

	// Has reports whether the host carries a. With knownOnly set the
	// answer comes from local knowledge only and no network I/O is done.
	Has(ctx context.Context, a artifact.Artifact, knownOnly bool) (bool, error)

	// Download copies the content of a to w and returns the remote last
	// modified time, which is zero if the host does not know it.
	Download(ctx context.Context, a artifact.Artifact, w io.Writer) (time.Time, error)

	// Upload stores the content read from r as a.
	Upload(ctx context.Context, a artifact.Artifact, r io.Reader) error
}

// A Disposer holds resources that must be released when its host is removed.
type Disposer interface {
	Dispose() error
}

// A Checker checks presence without preparing a download.
type Checker interface {
	Exists(ctx context.Context, a artifact.Artifact) (bool, error)
}

// Exists reports whether h carries a, asking the host itself. A Checker is
// used when h is one; otherwise it is Has without knownOnly.
func Exists(ctx context.Context, h Host, a artifact.Artifact) (bool, error) {
	if p, ok := h.(Checker); ok {
		return p.Exists(ctx, a)
	}
	return h.Has(ctx, a, false)
}

var (
	// ErrNotFound means the host does not carry the artifact.
	ErrNotFound = errors.New("artifact not found on host")

	// ErrExists means an upload would overwrite content on the host.
	ErrExists = errors.New("artifact already exists on host")

	// ErrUnauthorized means the host refused our credentials.
	ErrUnauthorized = errors.New("host authorization failed")

	// ErrUnsupported means the operation is not available on the host.
	ErrUnsupported = errors.New("operation not supported by host")

	// ErrBadModel means the host configuration cannot be used.
	ErrBadModel = errors.New("invalid host model")
)

// DefaultTimeout bounds every network request a host makes.
const DefaultTimeout = 60 * time.Second

// Model describes a host. It is decoded from the configuration file.
type Model struct {
	ID       string `toml:"id" yaml:"id"`
	URL      string `toml:"url" yaml:"url"`
	Index    string `toml:"index" yaml:"index"`
	Priority int    `toml:"priority" yaml:"priority"`
	Disabled bool   `toml:"disabled" yaml:"disabled"`
	Trusted  bool   `toml:"trusted" yaml:"trusted"`
	Layout   string `toml:"layout" yaml:"layout"`

	// Codebase is the URI of a plugin implementing the host. Hosts with a
	// codebase are created in the second phase of cache initialization.
	Codebase string `toml:"codebase" yaml:"codebase"`

	// Token is sent in the X-Api-Key header to HTTP hosts.
	Token string `toml:"token" yaml:"token"`

	// Timeout is a duration string such as "30s". Empty means DefaultTimeout.
	Timeout string `toml:"timeout" yaml:"timeout"`

	// Region and Endpoint configure s3:// hosts.
	Region   string `toml:"region" yaml:"region"`
	Endpoint string `toml:"endpoint" yaml:"endpoint"`
}

// Bootstrap is true if the host can be created without loading a plugin.
func (m Model) Bootstrap() bool { return m.Codebase == "" }

// BaseURL returns the URL with symbols resolved from the environment and a
// trailing slash added, so relative references resolve under it.
func (m Model) BaseURL() (*url.URL, error) {
	s := util.ResolveSymbols(m.URL, nil)
	if s == "" {
		s = "http://localhost/"
	}
	if !strings.HasSuffix(s, "/") {
		s += "/"
	}
	u, err := url.Parse(s)
	if err != nil {
		return nil, errors.Wrapf(ErrBadModel, "host %s: base url %q: %s", m.ID, m.URL, err)
	}
	return u, nil
}

// IndexURL returns the absolute index URL, or nil if there is no index.
func (m Model) IndexURL() (*url.URL, error) {
	if m.Index == "" {
		return nil, nil
	}
	base, err := m.BaseURL()
	if err != nil {
		return nil, err
	}
	ref, err := url.Parse(util.ResolveSymbols(m.Index, nil))
	if err != nil {
		return nil, errors.Wrapf(ErrBadModel, "host %s: index url %q: %s", m.ID, m.Index, err)
	}
	return base.ResolveReference(ref), nil
}

func (m Model) timeout() time.Duration {
	if m.Timeout == "" {
		return DefaultTimeout
	}
	d, err := time.ParseDuration(m.Timeout)
	if err != nil || d <= 0 {
		return DefaultTimeout
	}
	return d
}

// info carries the metadata every host shares.
type info struct {
	id       string
	priority int
	enabled  bool
	trusted  bool
	layout   layout.Layout
}

func newInfo(m Model, reg *layout.Registry) (info, error) {
	if m.ID == "" {
		return info{}, errors.Wrap(ErrBadModel, "host id is empty")
	}
	if reg == nil {
		reg = layout.NewRegistry()
	}
	l, err := reg.Lookup(m.Layout)
	if err != nil {
		return info{}, errors.Wrapf(err, "host %s", m.ID)
	}
	return info{
		id:       m.ID,
		priority: m.Priority,
		enabled:  !m.Disabled,
		trusted:  m.Trusted,
		layout:   l,
	}, nil
}

func (h info) ID() string            { return h.id }
func (h info) Priority() int         { return h.priority }
func (h info) Enabled() bool         { return h.enabled }
func (h info) Trusted() bool         { return h.trusted }
func (h info) Layout() layout.Layout { return h.layout }

// Options carries the shared collaborators hosts are built with.
type Options struct {
	Layouts *layout.Registry
	Log     *zap.Logger

	// Proxy is used by HTTP hosts. Nil means the proxy from the
	// environment.
	Proxy *Proxy
}

func (o Options) logger() *zap.Logger {
	if o.Log == nil {
		return zap.NewNop()
	}
	return o.Log
}

// New builds a bootstrap host from its model. The URL scheme picks the
// implementation: file, http, https, s3 or mem. Models with a codebase
// must be created through the plugin loader instead.
func New(ctx context.Context, m Model, opts Options) (Host, error) {
	if !m.Bootstrap() {
		return nil, errors.Wrapf(ErrBadModel, "host %s has a codebase and is not a bootstrap host", m.ID)
	}
	u, err := m.BaseURL()
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "file":
		return NewFile(m, opts)
	case "http", "https":
		return NewHTTP(ctx, m, opts)
	case "s3":
		return NewS3(m, opts)
	case "mem":
		return NewMemory(m, opts)
	}
	return nil, errors.Wrapf(ErrBadModel, "host %s: unsupported url scheme %q", m.ID, u.Scheme)
}

// Sort orders hosts by priority, breaking ties by id.
func Sort(hosts []Host) {
	sort.SliceStable(hosts, func(i, j int) bool {
		if hosts[i].Priority() != hosts[j].Priority() {
			return hosts[i].Priority() < hosts[j].Priority()
		}
		return hosts[i].ID() < hosts[j].ID()
	})
}
