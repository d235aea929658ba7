// Package part reads and writes part documents. A part describes how to
// deploy a unit of code: as a plugin (a class and the values handed to its
// constructor) or as a resource (an opaque path), together with the
// classpath it needs.
package part

import (
	"context"

	"github.com/pkg/errors"

	"github.com/dpml/transit/loader"
	"github.com/dpml/transit/util"
)

// Info describes a part.
type Info struct {
	URI         string
	Title       string
	Description string
}

// A Strategy is the deployment strategy of a part. It is either a
// *PluginStrategy, a *ResourceStrategy, or a strategy made by a foreign
// Builder.
type Strategy interface {
	// Alias is true when the part may be referenced by its short name.
	Alias() bool
}

// PluginStrategy deploys a part by constructing Class with Values.
type PluginStrategy struct {
	Class   string
	Values  []Value
	IsAlias bool
}

func (s *PluginStrategy) Alias() bool { return s.IsAlias }

// ResourceStrategy deploys a part as the resource at Path.
type ResourceStrategy struct {
	URN     string
	Path    string
	IsAlias bool
}

func (s *ResourceStrategy) Alias() bool { return s.IsAlias }

// Part is a decoded part document.
type Part struct {
	Info      Info
	Strategy  Strategy
	Classpath loader.Classpath

	ld      *loader.Loader
	symbols map[string]string
}

// New returns a part bound to l.
func New(l *loader.Loader, info Info, s Strategy, cp loader.Classpath) *Part {
	return &Part{Info: info, Strategy: s, Classpath: cp, ld: l}
}

// ErrNotPlugin means a plugin operation was asked of a part with another
// strategy.
var ErrNotPlugin = errors.New("part is not a plugin")

// ClassLoader builds the part's classloader under the context classloader
// of ctx, or under the system classloader.
func (p *Part) ClassLoader(ctx context.Context) (*loader.ClassLoader, error) {
	if p.ld == nil {
		return nil, errors.New("part is not bound to a loader")
	}
	return p.ld.BuildClassLoader(ctx, loader.ContextClassLoader(ctx), p.Info.URI, p.Classpath)
}

// Instantiate deploys the part. A plugin part has its class constructed
// with the part's values followed by args, while the part's classloader is
// the context classloader. A resource part yields its path with symbols
// expanded.
func (p *Part) Instantiate(ctx context.Context, args ...interface{}) (interface{}, error) {
	switch s := p.Strategy.(type) {
	case *ResourceStrategy:
		return util.ResolveSymbols(s.Path, util.MapLookup(p.symbols)), nil
	case *PluginStrategy:
		cl, err := p.ClassLoader(ctx)
		if err != nil {
			return nil, err
		}
		c, err := cl.LoadClass(s.Class)
		if err != nil {
			return nil, errors.Wrapf(err, "part %s", p.Info.URI)
		}
		ctx = loader.WithContextClassLoader(ctx, cl)
		var params []interface{}
		for i := range s.Values {
			v, err := s.Values[i].Resolve(ctx, p.ld, p.symbols)
			if err != nil {
				return nil, errors.Wrapf(err, "part %s: value %d", p.Info.URI, i)
			}
			if v != nil {
				params = append(params, v)
			}
		}
		for _, a := range args {
			if a != nil {
				params = append(params, a)
			}
		}
		return p.ld.Instantiate(ctx, c, params...)
	}
	return nil, errors.Wrapf(ErrNotPlugin, "part %s has strategy %T", p.Info.URI, p.Strategy)
}

// Kind selects what Content returns.
type Kind int

const (
	InfoContent Kind = iota
	ClasspathContent
	PartContent
	ClassLoaderContent
	InstanceContent
)

// Content returns the part's info, classpath, the part itself, its
// classloader or a new instance.
func (p *Part) Content(ctx context.Context, want Kind) (interface{}, error) {
	switch want {
	case InfoContent:
		return p.Info, nil
	case ClasspathContent:
		return p.Classpath, nil
	case PartContent:
		return p, nil
	case ClassLoaderContent:
		return p.ClassLoader(ctx)
	case InstanceContent:
		return p.Instantiate(ctx)
	}
	return nil, errors.Errorf("unknown content kind %d", want)
}
