package loader

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/dpml/transit/artifact"
	"github.com/dpml/transit/prefs"
)

// Resolver supplies artifact content. *cache.Handler is a Resolver.
type Resolver interface {
	File(ctx context.Context, a artifact.Artifact) (string, error)
	Open(ctx context.Context, a artifact.Artifact) (io.ReadCloser, error)
}

// ErrNotPlugin means a descriptor was requested for a non-plugin artifact.
var ErrNotPlugin = errors.New("artifact is not a plugin")

// ErrClosed means the loader was closed.
var ErrClosed = errors.New("loader is closed")

// Loader resolves plugin descriptors, builds their classloaders and
// creates plugin instances.
type Loader struct {
	resolver Resolver
	registry *Registry
	system   *ClassLoader
	monitor  Monitor
	log      *zap.Logger

	prefsDial string
	prefsOnce sync.Once
	prefs     *prefs.Store
	prefsErr  error
	ownsPrefs bool // prefs was opened by the loader
}

// An Option configures a Loader.
type Option func(*Loader)

// WithSystemClassLoader sets the root loader used when no parent is given.
func WithSystemClassLoader(cl *ClassLoader) Option {
	return func(l *Loader) { l.system = cl }
}

// WithMonitor sets the monitor.
func WithMonitor(m Monitor) Option {
	return func(l *Loader) { l.monitor = m }
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(l *Loader) { l.log = log }
}

// WithPrefs sets the preferences store handed to constructors asking for
// a *prefs.Node.
func WithPrefs(s *prefs.Store) Option {
	return func(l *Loader) { l.prefs = s }
}

// WithPrefsDial opens the preferences store with the given dial string
// the first time it is needed.
func WithPrefsDial(dial string) Option {
	return func(l *Loader) { l.prefsDial = dial }
}

// New returns a loader resolving artifacts through r and classes through
// reg.
func New(r Resolver, reg *Registry, opts ...Option) *Loader {
	l := &Loader{
		resolver:  r,
		registry:  reg,
		monitor:   NopMonitor{},
		log:       zap.NewNop(),
		prefsDial: "memory",
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.system == nil {
		l.system = NewSystemClassLoader(reg)
	}
	return l
}

// SystemClassLoader returns the root loader.
func (l *Loader) SystemClassLoader() *ClassLoader { return l.system }

// Registry returns the class registry.
func (l *Loader) Registry() *Registry { return l.registry }

// Resolver returns the artifact resolver.
func (l *Loader) Resolver() Resolver { return l.resolver }

func (l *Loader) fail(op string, err error) error {
	l.monitor.ExceptionOccurred(op, err)
	return err
}

// PluginDescriptor reads the descriptor of the plugin artifact uri.
func (l *Loader) PluginDescriptor(ctx context.Context, uri string) (*Descriptor, error) {
	a, err := artifact.Parse(uri)
	if err != nil {
		return nil, l.fail("descriptor", err)
	}
	if a.Type() != PluginType {
		return nil, l.fail("descriptor", errors.Wrapf(ErrNotPlugin, "artifact [%s] is not a plugin", a))
	}
	rc, err := l.resolver.Open(ctx, a)
	if err != nil {
		return nil, l.fail("descriptor", errors.Wrapf(err, "unexpected error during plugin resolve: %s", a))
	}
	defer rc.Close()
	d, err := ParseDescriptor(a, rc)
	if err != nil {
		return nil, l.fail("descriptor", err)
	}
	return d, nil
}

// ClassLoader builds the classloader chain for d under parent, which is
// the system classloader if nil. One layer is added per category, from
// system to private. URIs already on the chain are left out, and a layer
// that would add nothing is skipped. Every URI added is resolved into the
// cache.
func (l *Loader) ClassLoader(ctx context.Context, parent *ClassLoader, d *Descriptor) (*ClassLoader, error) {
	return l.BuildClassLoader(ctx, parent, d.URI.String(), d.Classpath)
}

// BuildClassLoader is ClassLoader for a bare classpath. The plugin URI is
// used in the layer labels.
func (l *Loader) BuildClassLoader(ctx context.Context, parent *ClassLoader, plugin string, cp Classpath) (*ClassLoader, error) {
	if parent == nil {
		parent = l.system
	}
	cl := parent
	for _, cat := range Categories {
		var fresh []string
		for _, uri := range cp.Get(cat) {
			a, err := artifact.Parse(uri)
			if err != nil {
				return nil, l.fail("classloader", errors.Wrapf(err, "classpath of %s", plugin))
			}
			u := a.String()
			if cl.Contains(u) || contains(fresh, u) {
				continue
			}
			if _, err := l.resolver.File(ctx, a); err != nil {
				return nil, l.fail("classloader", errors.Wrapf(err, "classpath of %s", plugin))
			}
			fresh = append(fresh, u)
		}
		if len(fresh) == 0 {
			continue
		}
		label := fmt.Sprintf("[%s] (%s)", plugin, cat.Label())
		cl = NewClassLoader(cl, label, cat, plugin, fresh)
		l.monitor.ClassLoaderConstructed(cat, cl)
	}
	return cl, nil
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

// PluginClass resolves the plugin and loads its class. It returns the
// class together with the plugin's classloader.
func (l *Loader) PluginClass(ctx context.Context, parent *ClassLoader, uri string) (*Class, *ClassLoader, error) {
	d, err := l.PluginDescriptor(ctx, uri)
	if err != nil {
		return nil, nil, err
	}
	return l.descriptorClass(ctx, parent, d)
}

func (l *Loader) descriptorClass(ctx context.Context, parent *ClassLoader, d *Descriptor) (*Class, *ClassLoader, error) {
	if d.Class == "" {
		return nil, nil, l.fail("class", errors.Wrapf(ErrBadDescriptor, "plugin %s does not declare a class", d.URI))
	}
	cl, err := l.ClassLoader(ctx, parent, d)
	if err != nil {
		return nil, nil, err
	}
	c, err := cl.LoadClass(d.Class)
	if err != nil {
		return nil, nil, l.fail("class", errors.Wrapf(err, "plugin %s", d.URI))
	}
	return c, cl, nil
}

// Plugin resolves the plugin uri and instantiates its class. The plugin's
// classloader, its descriptor and the loader itself are offered to the
// constructor after args. The constructor runs with the plugin's
// classloader as the context classloader.
func (l *Loader) Plugin(ctx context.Context, parent *ClassLoader, uri string, args ...interface{}) (interface{}, error) {
	l.monitor.SequenceInfo("loading plugin " + uri)
	d, err := l.PluginDescriptor(ctx, uri)
	if err != nil {
		return nil, err
	}
	c, cl, err := l.descriptorClass(ctx, parent, d)
	if err != nil {
		return nil, err
	}
	params := append(append([]interface{}(nil), args...), cl, d, l)
	instance, err := l.Instantiate(WithContextClassLoader(ctx, cl), c, params...)
	if err != nil {
		return nil, err
	}
	l.monitor.PluginInstantiated(d, instance)
	return instance, nil
}

// prefsStore opens the preferences store on first use.
func (l *Loader) prefsStore() (*prefs.Store, error) {
	l.prefsOnce.Do(func() {
		if l.prefs == nil {
			l.prefs, l.prefsErr = prefs.Open(l.prefsDial)
			l.ownsPrefs = l.prefsErr == nil
		}
	})
	return l.prefs, l.prefsErr
}

// Close closes the preferences store if the loader opened it. A store
// given with WithPrefs is left open. Constructors asking for preferences
// fail after Close.
func (l *Loader) Close() error {
	l.prefsOnce.Do(func() {})
	if l.prefsErr == ErrClosed {
		return nil
	}
	l.prefsErr = ErrClosed
	if l.ownsPrefs {
		return l.prefs.Close()
	}
	return nil
}
