package part

import (
	"context"
	"io"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/dpml/transit/artifact"
	"github.com/dpml/transit/loader"
)

// Decoding errors.
var (
	ErrStructure   = errors.New("malformed part document")
	ErrNotABuilder = errors.New("builder plugin does not implement Builder")
)

// A Builder decodes strategy elements of a foreign namespace. Builders
// are loaded as plugins and are handed the Decoder as a constructor
// argument.
type Builder interface {
	DecodeStrategy(ctx context.Context, e *Element) (Strategy, error)
}

// A LinkResolver follows link artifacts to their targets. *cache.Handler
// is a LinkResolver.
type LinkResolver interface {
	Resolve(ctx context.Context, a artifact.Artifact) (artifact.Artifact, error)
}

// Scope partitions the decode cache. Any comparable value will do; a
// *loader.ClassLoader is typical.
type Scope interface{}

// Decoder reads part documents. It is safe for concurrent use.
type Decoder struct {
	loader   *loader.Loader
	resolver BuilderResolver
	links    LinkResolver
	symbols  map[string]string
	log      *zap.Logger

	m        sync.Mutex
	cache    map[Scope]map[string]*Part
	builders map[string]Builder
}

// An Option configures a Decoder.
type Option func(*Decoder)

// WithBuilderResolver sets how namespaces map to builders.
func WithBuilderResolver(r BuilderResolver) Option {
	return func(d *Decoder) { d.resolver = r }
}

// WithLinkResolver lets the decoder load parts named by link artifacts.
func WithLinkResolver(r LinkResolver) Option {
	return func(d *Decoder) { d.links = r }
}

// WithSymbols sets the symbols expanded in value literals.
func WithSymbols(m map[string]string) Option {
	return func(d *Decoder) { d.symbols = m }
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(d *Decoder) { d.log = log }
}

// NewDecoder returns a decoder whose parts are bound to l.
func NewDecoder(l *loader.Loader, opts ...Option) *Decoder {
	d := &Decoder{
		loader:   l,
		resolver: DefaultResolver{},
		log:      zap.NewNop(),
		cache:    make(map[Scope]map[string]*Part),
		builders: make(map[string]Builder),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Load reads the part at uri. With useCache, a part already loaded for the
// same scope is returned and a freshly loaded part is remembered.
func (d *Decoder) Load(ctx context.Context, scope Scope, uri string, useCache bool) (*Part, error) {
	if useCache {
		d.m.Lock()
		p := d.cache[scope][uri]
		d.m.Unlock()
		if p != nil {
			return p, nil
		}
	}
	a, err := artifact.Parse(uri)
	if err != nil {
		return nil, err
	}
	if a.IsLink() && d.links != nil {
		if a, err = d.links.Resolve(ctx, a); err != nil {
			return nil, err
		}
	}
	rc, err := d.loader.Resolver().Open(ctx, a)
	if err != nil {
		return nil, errors.Wrapf(err, "An error while attempting to load a part.\nPart URI: %s", uri)
	}
	defer rc.Close()
	p, err := d.Decode(ctx, rc)
	if err != nil {
		return nil, errors.Wrapf(err, "An error while attempting to load a part.\nPart URI: %s", uri)
	}
	if p.Info.URI == "" {
		p.Info.URI = uri
	}
	d.log.Debug("loaded part", zap.String("uri", uri))
	if useCache {
		d.m.Lock()
		if d.cache[scope] == nil {
			d.cache[scope] = make(map[string]*Part)
		}
		d.cache[scope][uri] = p
		d.m.Unlock()
	}
	return p, nil
}

// Forget drops the cached parts of scope.
func (d *Decoder) Forget(scope Scope) {
	d.m.Lock()
	delete(d.cache, scope)
	d.m.Unlock()
}

// Decode reads a part document from r.
func (d *Decoder) Decode(ctx context.Context, r io.Reader) (*Part, error) {
	root, err := ParseElement(r)
	if err != nil {
		return nil, errors.Wrapf(ErrStructure, "%s", err)
	}
	return d.DecodeElement(ctx, root)
}

// DecodeElement decodes a <part> element. It must have exactly three
// children: info, the strategy and classpath.
func (d *Decoder) DecodeElement(ctx context.Context, root *Element) (*Part, error) {
	if root.Name() != "part" {
		return nil, errors.Wrapf(ErrStructure, "Element type name [%s] is not recognized.", root.Name())
	}
	if n := len(root.Children); n != 3 {
		return nil, errors.Wrapf(ErrStructure,
			"Illegal number of child elements in <part>. Expecting 3, found %d.", n)
	}
	if name := root.Children[0].Name(); name != "info" {
		return nil, errors.Wrapf(ErrStructure,
			"Expecting <info> as the first child element of <part>, found <%s>.", name)
	}
	if name := root.Children[2].Name(); name != "classpath" {
		return nil, errors.Wrapf(ErrStructure,
			"Required classpath element is not present in part. Found <%s> as the last child element.", name)
	}
	info := decodeInfo(&root.Children[0])
	cp, err := decodeClasspath(&root.Children[2])
	if err != nil {
		return nil, err
	}
	s, err := d.decodeStrategy(ctx, &root.Children[1])
	if err != nil {
		return nil, err
	}
	p := New(d.loader, info, s, cp)
	p.symbols = d.symbols
	return p, nil
}

func decodeInfo(e *Element) Info {
	return Info{
		URI:         e.Attr("uri", ""),
		Title:       e.Attr("title", "Unknown"),
		Description: e.Child("description").Value(),
	}
}

func decodeClasspath(e *Element) (loader.Classpath, error) {
	var cp loader.Classpath
	for _, cat := range loader.Categories {
		c := e.Child(cat.String())
		if c == nil {
			continue
		}
		var uris []string
		for _, u := range c.ChildrenNamed("uri") {
			a, err := artifact.Parse(u.Value())
			if err != nil {
				return cp, errors.Wrapf(ErrStructure, "Unable to decode classpath: %s", err)
			}
			uris = append(uris, a.String())
		}
		cp.Set(cat, uris)
	}
	return cp, nil
}

func (d *Decoder) decodeStrategy(ctx context.Context, e *Element) (Strategy, error) {
	uri, err := d.resolver.ResolveBuilder(e.Namespace())
	if err != nil {
		return nil, err
	}
	if uri == LocalBuilder {
		return decodeLocalStrategy(e)
	}
	b, err := d.builder(ctx, uri)
	if err != nil {
		return nil, errors.Wrapf(err, "Unexpected error while attempting to load builder %s.", uri)
	}
	s, err := b.DecodeStrategy(ctx, e)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, errors.Wrapf(ErrStructure, "builder %s returned no strategy", uri)
	}
	return s, nil
}

// builder loads and remembers the builder at uri. A plugin URI is loaded
// as a plugin, any other URI is loaded as a part and instantiated.
func (d *Decoder) builder(ctx context.Context, uri string) (Builder, error) {
	d.m.Lock()
	b := d.builders[uri]
	d.m.Unlock()
	if b != nil {
		return b, nil
	}
	a, err := artifact.Parse(uri)
	if err != nil {
		return nil, err
	}
	if a.IsLink() && d.links != nil {
		if a, err = d.links.Resolve(ctx, a); err != nil {
			return nil, err
		}
	}
	var v interface{}
	if a.Type() == loader.PluginType {
		v, err = d.loader.Plugin(ctx, loader.ContextClassLoader(ctx), a.String(), d)
	} else {
		var p *Part
		p, err = d.Load(ctx, nil, a.String(), true)
		if err == nil {
			v, err = p.Instantiate(ctx, d)
		}
	}
	if err != nil {
		return nil, err
	}
	b, ok := v.(Builder)
	if !ok {
		return nil, errors.Wrapf(ErrNotABuilder, "%s built a %T", uri, v)
	}
	d.m.Lock()
	d.builders[uri] = b
	d.m.Unlock()
	return b, nil
}

func decodeLocalStrategy(e *Element) (Strategy, error) {
	alias := e.Attr("alias", "false") == "true"
	switch e.Name() {
	case "plugin":
		class := e.Attr("class", "")
		if class == "" {
			return nil, errors.Wrap(ErrStructure, "plugin element has no class attribute")
		}
		s := &PluginStrategy{Class: class, IsAlias: alias}
		for _, c := range e.ChildrenNamed("param") {
			s.Values = append(s.Values, decodeValue(c))
		}
		return s, nil
	case "resource":
		s := &ResourceStrategy{URN: e.Attr("urn", ""), Path: e.Attr("path", ""), IsAlias: alias}
		if s.URN == "" {
			return nil, errors.Wrap(ErrStructure, "resource element has no urn attribute")
		}
		return s, nil
	}
	return nil, errors.Wrapf(ErrStructure, "Element type name [%s] is not recognized.", e.Name())
}

func decodeValue(e *Element) Value {
	v := Value{
		Class:  e.Attr("class", ""),
		Method: e.Attr("method", ""),
	}
	for _, c := range e.ChildrenNamed("param") {
		v.Values = append(v.Values, decodeValue(c))
	}
	v.Literal = e.Attr("value", "")
	if v.Literal == "" && len(v.Values) == 0 {
		v.Literal = e.Value()
	}
	return v
}
