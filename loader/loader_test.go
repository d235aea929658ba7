package loader

import (
	"context"
	"io"
	"io/ioutil"
	"strings"
	"sync"
	"testing"

	"github.com/pkg/errors"

	"github.com/dpml/transit/artifact"
	"github.com/dpml/transit/host"
	"github.com/dpml/transit/prefs"
)

// fakeResolver serves descriptors from memory and records every file
// resolution.
type fakeResolver struct {
	m        sync.Mutex
	content  map[string]string
	resolved []string
}

func (f *fakeResolver) File(ctx context.Context, a artifact.Artifact) (string, error) {
	f.m.Lock()
	defer f.m.Unlock()
	f.resolved = append(f.resolved, a.String())
	return "/cache/" + a.Name(), nil
}

func (f *fakeResolver) Open(ctx context.Context, a artifact.Artifact) (io.ReadCloser, error) {
	f.m.Lock()
	defer f.m.Unlock()
	s, ok := f.content[a.String()]
	if !ok {
		return nil, errors.Errorf("not found: %s", a)
	}
	return ioutil.NopCloser(strings.NewReader(s)), nil
}

const demoPlugin = "artifact:plugin:acme/demo#1.0"

const demoDescriptor = `
dpml.plugin.meta.namespace = dpml.net
dpml.plugin.meta.version = 1.1
dpml.plugin.class = acme.demo.Widget
dpml.artifact.dependency.api.0 = artifact:jar:acme/demo-api#1.0
dpml.artifact.dependency.0 = artifact:jar:acme/demo-impl#1.0
`

type widget struct {
	cl     *ClassLoader
	d      *Descriptor
	loader *Loader
	name   string
}

func newTestLoader(t *testing.T, content map[string]string) (*Loader, *fakeResolver) {
	reg := NewRegistry()
	reg.MustRegister(Class{
		Name:     "acme.demo.Widget",
		Codebase: "artifact:jar:acme/demo-impl#1.0",
		Constructors: []interface{}{
			func(cl *ClassLoader, d *Descriptor, l *Loader) *widget {
				return &widget{cl: cl, d: d, loader: l}
			},
		},
	})
	r := &fakeResolver{content: content}
	return New(r, reg), r
}

func TestPlugin(t *testing.T) {
	l, r := newTestLoader(t, map[string]string{demoPlugin: demoDescriptor})
	v, err := l.Plugin(context.Background(), nil, demoPlugin)
	if err != nil {
		t.Fatal(err)
	}
	w, ok := v.(*widget)
	if !ok {
		t.Fatalf("got %T, expected *widget", v)
	}
	if w.loader != l || w.d.Class != "acme.demo.Widget" {
		t.Errorf("wrong constructor arguments: %+v", w)
	}
	if w.cl.Category() != Private {
		t.Errorf("got category %s, expected private", w.cl.Category())
	}
	if w.cl.Depth() != 2 {
		t.Errorf("got depth %d, expected 2", w.cl.Depth())
	}
	if len(r.resolved) != 2 {
		t.Errorf("resolved %v, expected both jars", r.resolved)
	}
}

func TestPluginNotAPlugin(t *testing.T) {
	l, _ := newTestLoader(t, nil)
	_, err := l.PluginDescriptor(context.Background(), "artifact:jar:acme/demo#1.0")
	if errors.Cause(err) != ErrNotPlugin {
		t.Errorf("got %v, expected ErrNotPlugin", err)
	}
}

func TestClassLoaderLayers(t *testing.T) {
	l, _ := newTestLoader(t, nil)
	ctx := context.Background()

	var cp Classpath
	cp.Set(Public, []string{"artifact:jar:acme/api#1.0"})
	cl, err := l.BuildClassLoader(ctx, nil, demoPlugin, cp)
	if err != nil {
		t.Fatal(err)
	}
	if cl.Depth() != l.SystemClassLoader().Depth()+1 {
		t.Errorf("got depth %d, expected one layer over the system loader", cl.Depth())
	}
	if cl.Label() != "["+demoPlugin+"] (api)" {
		t.Errorf("got label %q", cl.Label())
	}

	// everything already on the chain adds no layer
	cp.Set(Private, []string{"artifact:jar:acme/api#1.0"})
	child, err := l.BuildClassLoader(ctx, cl, demoPlugin, cp)
	if err != nil {
		t.Fatal(err)
	}
	if child != cl {
		t.Errorf("expected no new layers, got\n%s", child)
	}
}

func TestClassLoaderBadURI(t *testing.T) {
	l, _ := newTestLoader(t, nil)
	var cp Classpath
	cp.Set(Public, []string{"ftp:jar:acme/api"})
	_, err := l.BuildClassLoader(context.Background(), nil, demoPlugin, cp)
	if errors.Cause(err) != artifact.ErrUnsupportedScheme {
		t.Errorf("got %v, expected ErrUnsupportedScheme", err)
	}
}

func TestInstantiateConstructorCount(t *testing.T) {
	l, _ := newTestLoader(t, nil)
	ctx := context.Background()
	var tests = []struct {
		ctors []interface{}
		err   error
	}{
		{nil, ErrNoConstructor},
		{[]interface{}{func() int { return 1 }, func() int { return 2 }}, ErrAmbiguousConstructor},
		{[]interface{}{"not a func"}, ErrNoConstructor},
		{[]interface{}{func() (int, string) { return 1, "" }}, ErrNoConstructor},
	}
	for _, test := range tests {
		_, err := l.Instantiate(ctx, &Class{Name: "x.Y", Constructors: test.ctors}, 1)
		if errors.Cause(err) != test.err {
			t.Errorf("%v: got %v, expected %v", test.ctors, err, test.err)
		}
	}
}

func TestInstantiateMatching(t *testing.T) {
	l, _ := newTestLoader(t, nil)
	ctx := context.Background()
	type pair struct {
		a, b string
		n    int8
		f    float32
		ok   bool
		rest []string
	}
	c := &Class{Name: "x.Pair", Constructors: []interface{}{
		func(a string, n int8, b string, f float32, ok bool, rest []string) pair {
			return pair{a, b, n, f, ok, rest}
		},
	}}
	v, err := l.Instantiate(ctx, c, "first", int64(7), 2.5, "second", true)
	if err != nil {
		t.Fatal(err)
	}
	p := v.(pair)
	if p.a != "first" || p.b != "second" || p.n != 7 || p.f != 2.5 || !p.ok {
		t.Errorf("got %+v", p)
	}
	if p.rest == nil || len(p.rest) != 0 {
		t.Errorf("got rest %v, expected an empty slice", p.rest)
	}

	// 300 does not fit an int8
	_, err = l.Instantiate(ctx, c, "first", 300, 2.5, "second", true)
	if errors.Cause(err) != ErrUnresolvedParameter {
		t.Errorf("got %v, expected ErrUnresolvedParameter", err)
	}
	if err != nil && !strings.Contains(err.Error(), "Parameter position: 2") {
		t.Errorf("diagnostic does not name the position: %v", err)
	}

	_, err = l.Instantiate(ctx, c, "first", nil)
	if errors.Cause(err) != ErrNilArgument {
		t.Errorf("got %v, expected ErrNilArgument", err)
	}
}

func TestInstantiateFailure(t *testing.T) {
	l, _ := newTestLoader(t, nil)
	ctx := context.Background()
	boom := errors.New("boom")
	c := &Class{Name: "x.Fails", Constructors: []interface{}{
		func() (int, error) { return 0, boom },
	}}
	if _, err := l.Instantiate(ctx, c); errors.Cause(err) != boom {
		t.Errorf("got %v, expected boom", err)
	}
	c = &Class{Name: "x.Panics", Constructors: []interface{}{
		func() int { panic("oops") },
	}}
	if _, err := l.Instantiate(ctx, c); errors.Cause(err) != ErrInstantiation {
		t.Errorf("got %v, expected ErrInstantiation", err)
	}
}

func TestInstantiateImplicit(t *testing.T) {
	store, err := prefs.Open("memory")
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	reg := NewRegistry()
	l := New(&fakeResolver{}, reg, WithPrefs(store))

	type got struct {
		cl   *ClassLoader
		node *prefs.Node
		ctx  context.Context
	}
	c := &Class{Name: "acme.demo.Settings", Constructors: []interface{}{
		func(ctx context.Context, node *prefs.Node, cl *ClassLoader) got {
			return got{cl, node, ctx}
		},
	}}
	cl := NewClassLoader(l.SystemClassLoader(), "test", Public, "", nil)
	v, err := l.Instantiate(WithContextClassLoader(context.Background(), cl), c)
	if err != nil {
		t.Fatal(err)
	}
	g := v.(got)
	if g.node.Path() != "/acme/demo" {
		t.Errorf("got node %s, expected /acme/demo", g.node.Path())
	}
	// a system class is defined by the root loader
	if g.cl != l.SystemClassLoader() {
		t.Errorf("got loader %s", g.cl)
	}
	if ContextClassLoader(g.ctx) != cl {
		t.Errorf("constructor did not see the context classloader")
	}
}

func TestClose(t *testing.T) {
	l := New(&fakeResolver{}, NewRegistry())
	c := &Class{Name: "acme.demo.Settings", Constructors: []interface{}{
		func(node *prefs.Node) *prefs.Node { return node },
	}}
	if _, err := l.Instantiate(context.Background(), c); err != nil {
		t.Fatal(err)
	}
	if !l.ownsPrefs {
		t.Fatal("store was not opened by the loader")
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}
	if err := l.Close(); err != nil {
		t.Errorf("second Close returned %v", err)
	}
	if _, err := l.Instantiate(context.Background(), c); errors.Cause(err) != ErrClosed {
		t.Errorf("Got %v, expected ErrClosed", err)
	}

	// a store given to the loader stays open
	store, err := prefs.Open("memory")
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	l = New(&fakeResolver{}, NewRegistry(), WithPrefs(store))
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}
	if err := store.Node("/acme").Put("k", "v"); err != nil {
		t.Errorf("store was closed: %v", err)
	}
}

func TestHostLoader(t *testing.T) {
	const hostPlugin = "artifact:plugin:acme/memhost#1.0"
	reg := NewRegistry()
	reg.MustRegister(Class{
		Name:     "acme.MemHost",
		Codebase: "artifact:jar:acme/memhost#1.0",
		Constructors: []interface{}{
			func(m host.Model, opts host.Options) (*host.MemoryHost, error) {
				return host.NewMemory(m, opts)
			},
		},
	})
	r := &fakeResolver{content: map[string]string{hostPlugin: `
dpml.plugin.meta.namespace = dpml.net
dpml.plugin.meta.version = 1.1
dpml.plugin.class = acme.MemHost
dpml.artifact.dependency.0 = artifact:jar:acme/memhost#1.0
`}}
	hl := HostLoader{Loader: New(r, reg)}
	h, err := hl.LoadHost(context.Background(), host.Model{ID: "plugged", URL: "mem:", Codebase: hostPlugin})
	if err != nil {
		t.Fatal(err)
	}
	if h.ID() != "plugged" {
		t.Errorf("got host %s", h.ID())
	}
	_, err = hl.LoadHost(context.Background(), host.Model{ID: "bare", URL: "mem:"})
	if errors.Cause(err) != host.ErrBadModel {
		t.Errorf("got %v, expected ErrBadModel", err)
	}
}
