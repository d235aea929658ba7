// Package cache implements the local artifact cache. A Handler resolves an
// artifact to a file under its cache directory, downloading it from the
// best available resource host on a miss.
//
// Files appear in the cache only by an atomic rename from a sibling
// temporary file, so a reader never sees a partly written artifact. The
// existence of the file is the only record that an artifact is cached.
package cache

import (
	"bufio"
	"context"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/facebookgo/stats"
	raven "github.com/getsentry/raven-go"
	"github.com/golang/groupcache/singleflight"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/dpml/transit/artifact"
	"github.com/dpml/transit/host"
	"github.com/dpml/transit/layout"
	"github.com/dpml/transit/util"
)

var (
	// ErrNotFound means no host could supply the artifact.
	ErrNotFound = errors.New("artifact not found")

	// ErrAlreadyExists means an output stream was requested for an artifact
	// present on a host or in the cache.
	ErrAlreadyExists = errors.New("artifact already exists")

	// ErrInconsistent means a host reported a successful download but no
	// file appeared. It indicates a broken host implementation.
	ErrInconsistent = errors.New("host reported success but the cache file is missing")

	// ErrDuplicateHost means a host with the same id is already registered.
	ErrDuplicateHost = errors.New("duplicate host id")

	// ErrUnknownHost means no host has the given id.
	ErrUnknownHost = errors.New("unknown host id")
)

const (
	tempPrefix = "~dpml"
	tempSuffix = ".tmp"
)

// Config holds the settings a Handler is created from.
type Config struct {
	// Dir is the cache root. A relative path is taken relative to DataDir.
	// Empty means "cache" under DataDir.
	Dir string `toml:"dir" yaml:"dir"`

	// Layout is the layout id used inside the cache. Empty means classic.
	Layout string `toml:"layout" yaml:"layout"`

	// Hosts lists the resource hosts. Hosts with a codebase are created by
	// Initialize.
	Hosts []host.Model `toml:"host" yaml:"hosts"`

	// MaxDownloads bounds concurrent downloads. Zero means no bound.
	MaxDownloads int `toml:"max-downloads" yaml:"max-downloads"`

	// ZipTTL is how long an opened zip archive stays mapped. Zero means
	// ttlcache.DefaultTTL.
	ZipTTL time.Duration `toml:"-" yaml:"-"`

	// Proxy is the HTTP proxy given to the hosts. Nil means the proxy
	// from the environment.
	Proxy *host.Proxy `toml:"-" yaml:"-"`
}

// A HostLoader creates hosts whose implementation lives in a plugin.
type HostLoader interface {
	LoadHost(ctx context.Context, m host.Model) (host.Host, error)
}

// Handler is the cache manager. Its methods are safe for concurrent use.
type Handler struct {
	log     *zap.Logger
	monitor Monitor
	stats   stats.Client
	layouts *layout.Registry
	layout  layout.Layout
	gate    util.Gate
	flight  singleflight.Group
	zips    *ZipCache
	zipM    sync.Mutex // serializes zip access
	proxy   *host.Proxy

	// downloads run under ctx, not under the context of the caller that
	// started them. cancel is called by Dispose.
	ctx    context.Context
	cancel context.CancelFunc

	// rename moves a finished download into place
	rename func(oldpath, newpath string) error

	dirM sync.RWMutex // protects dir
	dir  string

	hostM   sync.RWMutex // protects the fields below
	hosts   map[string]host.Host
	pending []host.Model // codebase hosts waiting for Initialize
	loader  HostLoader
}

// An Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(h *Handler) { h.log = l }
}

// WithMonitor adds a monitor. It may be given more than once.
func WithMonitor(m Monitor) Option {
	return func(h *Handler) {
		if mm, ok := h.monitor.(MultiMonitor); ok {
			h.monitor = append(mm, m)
			return
		}
		h.monitor = MultiMonitor{m}
	}
}

// WithStats sets the counter sink.
func WithStats(c stats.Client) Option {
	return func(h *Handler) { h.stats = c }
}

// WithLayouts sets the layout registry used for the cache and its hosts.
func WithLayouts(r *layout.Registry) Option {
	return func(h *Handler) { h.layouts = r }
}

// New creates a Handler and its bootstrap hosts. Hosts that fail to start
// are logged and left out.
func New(ctx context.Context, config Config, opts ...Option) (*Handler, error) {
	h := &Handler{
		log:     zap.NewNop(),
		monitor: MultiMonitor{},
		stats:   &stats.HookClient{},
		hosts:   make(map[string]host.Host),
		gate:    util.NewGate(config.MaxDownloads),
		proxy:   config.Proxy,
		rename:  os.Rename,
	}
	h.ctx, h.cancel = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(h)
	}
	if h.layouts == nil {
		h.layouts = layout.NewRegistry()
	}
	var err error
	h.layout, err = h.layouts.Lookup(config.Layout)
	if err != nil {
		return nil, err
	}
	h.zips = NewZipCache(config.ZipTTL)
	dir := config.Dir
	if dir == "" {
		dir = "cache"
	}
	if err := h.SetCacheDir(dir); err != nil {
		return nil, err
	}
	for _, m := range config.Hosts {
		if !m.Bootstrap() {
			h.pending = append(h.pending, m)
			continue
		}
		if err := h.AddHost(ctx, m); err != nil {
			h.log.Error("unable to create host", zap.String("host", m.ID), zap.Error(err))
			raven.CaptureError(err, map[string]string{"host": m.ID})
		}
	}
	return h, nil
}

// Initialize is the second phase of startup. It creates the hosts whose
// implementation is a plugin, using loader. Loading plugins needs a
// working cache, which is why these hosts cannot be created by New.
// Hosts that fail to load are logged and dropped.
func (h *Handler) Initialize(ctx context.Context, loader HostLoader) error {
	h.hostM.Lock()
	h.loader = loader
	pending := h.pending
	h.pending = nil
	h.hostM.Unlock()
	for _, m := range pending {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := h.AddHost(ctx, m); err != nil {
			h.log.Error("unable to load host plugin",
				zap.String("host", m.ID),
				zap.String("codebase", m.Codebase),
				zap.Error(err))
			raven.CaptureError(err, map[string]string{"host": m.ID, "codebase": m.Codebase})
		}
	}
	return nil
}

// HostOptions returns the options hosts of this cache are created with.
func (h *Handler) HostOptions() host.Options {
	return host.Options{Layouts: h.layouts, Log: h.log, Proxy: h.proxy}
}

// Layout returns the cache layout.
func (h *Handler) Layout() layout.Layout { return h.layout }

// Layouts returns the layout registry.
func (h *Handler) Layouts() *layout.Registry { return h.layouts }

// DataDir is the base directory for relative cache paths. It is the
// DPML_DATA environment variable, or $HOME/.dpml/data.
func DataDir() string {
	if d := os.Getenv("DPML_DATA"); d != "" {
		return d
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".dpml", "data")
}

// SetCacheDir changes the cache root. Resolutions already running finish
// against the root they started with. Files under the old root are not
// moved.
func (h *Handler) SetCacheDir(dir string) error {
	dir = util.ResolveSymbols(dir, nil)
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(DataDir(), dir)
	}
	if err := os.MkdirAll(dir, 0775); err != nil {
		return errors.Wrapf(err, "creating cache directory %s", dir)
	}
	h.dirM.Lock()
	old := h.dir
	h.dir = dir
	h.dirM.Unlock()
	if old != "" && old != dir {
		h.log.Info("cache directory changed", zap.String("from", old), zap.String("to", dir))
	}
	return nil
}

// CacheDir returns the current cache root.
func (h *Handler) CacheDir() string {
	h.dirM.RLock()
	defer h.dirM.RUnlock()
	return h.dir
}

func (h *Handler) localPath(root string, a artifact.Artifact) string {
	return filepath.Join(root, filepath.FromSlash(h.layout.Path(a)))
}

// LocalPath returns where a is, or would be, cached.
func (h *Handler) LocalPath(a artifact.Artifact) string {
	return h.localPath(h.CacheDir(), a)
}

// File resolves a to its local file, downloading it if needed, and returns
// the path. Concurrent calls for the same artifact share one download. If
// no host can supply the artifact the path is still returned, together
// with an ErrNotFound error.
//
// The shared download is not tied to ctx. A caller whose ctx is done stops
// waiting and gets ctx.Err(); the download goes on for the other callers.
func (h *Handler) File(ctx context.Context, a artifact.Artifact) (string, error) {
	dest := h.LocalPath(a)
	h.monitor.ResourceRequested(a)
	if fileExists(dest) {
		h.stats.BumpSum("cache.hit", 1)
		return dest, nil
	}
	h.stats.BumpSum("cache.miss", 1)
	done := make(chan error, 1)
	go func() {
		_, err := h.flight.Do(dest, func() (interface{}, error) {
			return nil, h.resolve(h.ctx, a, dest)
		})
		done <- err
	}()
	select {
	case err := <-done:
		return dest, err
	case <-ctx.Done():
		return dest, ctx.Err()
	}
}

// resolve downloads a into dest. Hosts known to carry the artifact are
// tried first, then every enabled host.
func (h *Handler) resolve(ctx context.Context, a artifact.Artifact, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0775); err != nil {
		return errors.Wrapf(err, "creating directory for %s", a)
	}
	if fileExists(dest) {
		return nil
	}
	if a.Scheme() != artifact.SchemeLocal {
		failed := make(map[string]bool)
		for _, knownOnly := range []bool{true, false} {
			for _, hst := range h.Hosts() {
				if err := ctx.Err(); err != nil {
					return err
				}
				if !hst.Enabled() || failed[hst.ID()] {
					continue
				}
				ok, err := hst.Has(ctx, a, knownOnly)
				if err != nil {
					h.monitor.FailedDownloadFromHost(a, hst.ID(), err)
					continue
				}
				if !ok {
					continue
				}
				if err := h.download(ctx, hst, a, dest); err != nil {
					failed[hst.ID()] = true
					continue
				}
				if !fileExists(dest) {
					err := errors.Wrapf(ErrInconsistent, "host %s, artifact %s, file %s", hst.ID(), a, dest)
					h.log.Error("internal consistency fault", zap.Error(err))
					raven.CaptureError(err, map[string]string{"host": hst.ID(), "artifact": a.String()})
					return err
				}
				return nil
			}
		}
	}
	h.monitor.FailedDownload(a)
	return errors.Wrapf(ErrNotFound, "%s (%s)", a, dest)
}

// download copies a from hst into a temporary file beside dest and then
// renames it into place. The file's modification time is set to the
// host's last modified time.
func (h *Handler) download(ctx context.Context, hst host.Host, a artifact.Artifact, dest string) error {
	if err := h.gate.Enter(ctx); err != nil {
		return err
	}
	defer h.gate.Leave()
	defer h.stats.BumpTime("cache.download.time").End()

	err := h.download0(ctx, hst, a, dest)
	if err != nil {
		h.stats.BumpSum("cache.download.error", 1)
		h.monitor.FailedDownloadFromHost(a, hst.ID(), err)
		return err
	}
	h.stats.BumpSum("cache.download", 1)
	return nil
}

func (h *Handler) download0(ctx context.Context, hst host.Host, a artifact.Artifact, dest string) error {
	tmp, err := os.CreateTemp(filepath.Dir(dest), tempPrefix+"*"+tempSuffix)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(tmp)
	modified, err := hst.Download(ctx, a, w)
	if err == nil {
		err = w.Flush()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return err
	}
	existed := fileExists(dest)
	if err := h.rename(tmp.Name(), dest); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if !modified.IsZero() {
		if err := os.Chtimes(dest, modified, modified); err != nil {
			h.log.Warn("unable to set modification time", zap.String("file", dest), zap.Error(err))
		}
	}
	if existed {
		h.monitor.UpdatedLocalCache(a, hst.ID())
	} else {
		h.monitor.AddedToLocalCache(a, hst.ID())
	}
	return nil
}

// bufferedFile reads through a buffer and closes the file.
type bufferedFile struct {
	*bufio.Reader
	f *os.File
}

func (b bufferedFile) Close() error { return b.f.Close() }

// Open resolves a and opens its cached file.
func (h *Handler) Open(ctx context.Context, a artifact.Artifact) (io.ReadCloser, error) {
	path, err := h.File(ctx, a)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, errors.Wrapf(ErrNotFound, "%s (%s)", a, path)
	} else if err != nil {
		return nil, err
	}
	return bufferedFile{Reader: bufio.NewReader(f), f: f}, nil
}

// OpenEntry treats a as a zip archive and opens the entry ref inside it.
// A leading "!" and "/" are stripped from ref.
func (h *Handler) OpenEntry(ctx context.Context, a artifact.Artifact, ref string) (io.ReadCloser, error) {
	ref = strings.TrimPrefix(ref, "!")
	ref = strings.TrimPrefix(ref, "/")
	path, err := h.File(ctx, a)
	if err != nil {
		return nil, err
	}
	h.zipM.Lock()
	defer h.zipM.Unlock()
	rc, err := h.zips.OpenEntry(path, ref)
	if os.IsNotExist(errors.Cause(err)) {
		return nil, errors.Wrapf(ErrNotFound, "%s (%s)", a, path)
	}
	return rc, err
}

// OpenURI opens an artifact URI, which may carry a "!" internal reference
// naming an entry inside the artifact.
func (h *Handler) OpenURI(ctx context.Context, uri string) (io.ReadCloser, error) {
	a, ref, err := artifact.ParseRef(uri)
	if err != nil {
		return nil, err
	}
	if ref != "" {
		return h.OpenEntry(ctx, a, ref)
	}
	return h.Open(ctx, a)
}

// Create returns a writer for adding a to the cache. The content becomes
// visible when the writer is closed. It fails with ErrAlreadyExists if any
// host or the cache already has the artifact, except for links, which may
// always be rewritten.
func (h *Handler) Create(ctx context.Context, a artifact.Artifact) (io.WriteCloser, error) {
	dest := h.LocalPath(a)
	if !a.IsLink() {
		for _, hst := range h.Hosts() {
			if !hst.Enabled() {
				continue
			}
			ok, err := host.Exists(ctx, hst, a)
			if err == nil && ok {
				return nil, errors.Wrapf(ErrAlreadyExists, "%s on host %s", a, hst.ID())
			}
		}
		if fileExists(dest) {
			return nil, errors.Wrapf(ErrAlreadyExists, "%s at %s", a, dest)
		}
	}
	return createAt(dest)
}

// CreatePath is Create for a path relative to the cache root, in the
// cache's layout. Host checks are skipped. Paths leaving the cache root
// are rejected.
func (h *Handler) CreatePath(rel string) (io.WriteCloser, error) {
	dest, err := h.Path(rel)
	if err != nil {
		return nil, err
	}
	if fileExists(dest) {
		return nil, errors.Wrapf(ErrAlreadyExists, "%s", dest)
	}
	return createAt(dest)
}

// ErrBadPath means a relative path leaves the cache root.
var ErrBadPath = errors.New("path is outside the cache")

// Path returns the absolute path of rel, a slash separated path relative
// to the cache root.
func (h *Handler) Path(rel string) (string, error) {
	for _, seg := range strings.Split(rel, "/") {
		if seg == ".." {
			return "", errors.Wrapf(ErrBadPath, "%q", rel)
		}
	}
	clean := path.Clean("/" + rel)
	if clean == "/" {
		return "", errors.Wrapf(ErrBadPath, "%q", rel)
	}
	return filepath.Join(h.CacheDir(), filepath.FromSlash(clean)), nil
}

func createAt(dest string) (io.WriteCloser, error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0775); err != nil {
		return nil, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), tempPrefix+"*"+tempSuffix)
	if err != nil {
		return nil, err
	}
	return &moveCloser{File: tmp, target: dest}, nil
}

// track the temp file so when it is closed, we can move it into place
type moveCloser struct {
	*os.File
	target string
	closed bool
}

func (w *moveCloser) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	err := w.File.Close()
	if err == nil {
		err = os.Rename(w.File.Name(), w.target)
	}
	if err != nil {
		os.Remove(w.File.Name())
	}
	return err
}

// Abort discards the content written so far.
func (w *moveCloser) Abort() error {
	if w.closed {
		return nil
	}
	w.closed = true
	w.File.Close()
	return os.Remove(w.File.Name())
}

// Dispose stops running downloads, removes every host and closes the zip
// cache.
func (h *Handler) Dispose() error {
	h.cancel()
	for _, hst := range h.Hosts() {
		h.RemoveHost(hst.ID())
	}
	return h.zips.Close()
}

func fileExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular()
}
