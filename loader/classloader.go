// Package loader composes layered classloaders from plugin descriptors and
// instantiates plugin classes.
//
// Go cannot load code at run time, so a class is a named set of constructor
// functions kept in a Registry. A class may name a codebase, the artifact
// that would carry it; the class is visible through a ClassLoader only when
// that artifact is on the loader's chain. Classes without a codebase are
// system classes and visible everywhere.
package loader

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Category is a classpath visibility layer. The order of the constants is
// the parent chain order: System is the most ancestral.
type Category int

const (
	System Category = iota
	Public
	Protected
	Private
)

// Categories lists every category from most ancestral to most specific.
var Categories = []Category{System, Public, Protected, Private}

func (c Category) String() string {
	switch c {
	case System:
		return "system"
	case Public:
		return "public"
	case Protected:
		return "protected"
	case Private:
		return "private"
	}
	return fmt.Sprintf("category(%d)", int(c))
}

// Label is the short name used in layer labels.
func (c Category) Label() string {
	switch c {
	case Public:
		return "api"
	case Protected:
		return "spi"
	case Private:
		return "impl"
	}
	return c.String()
}

// ParseCategory is the inverse of String.
func ParseCategory(s string) (Category, error) {
	for _, c := range Categories {
		if c.String() == s {
			return c, nil
		}
	}
	return 0, errors.Errorf("unknown classpath category %q", s)
}

// ErrClassNotFound means no visible class has the requested name.
var ErrClassNotFound = errors.New("class not found")

// A ClassLoader is one layer of a classpath chain. It is immutable.
type ClassLoader struct {
	label    string
	category Category
	plugin   string
	uris     []string
	parent   *ClassLoader
	registry *Registry
}

// NewSystemClassLoader returns the root of a chain. Classes in reg without
// a codebase, or whose codebase is one of uris, are visible through it.
func NewSystemClassLoader(reg *Registry, uris ...string) *ClassLoader {
	return &ClassLoader{
		label:    "system",
		category: System,
		uris:     canonical(uris),
		registry: reg,
	}
}

// NewClassLoader adds a layer holding uris under parent. The plugin is the
// URI of the descriptor the layer was built for, and is only informative.
func NewClassLoader(parent *ClassLoader, label string, category Category, plugin string, uris []string) *ClassLoader {
	return &ClassLoader{
		label:    label,
		category: category,
		plugin:   plugin,
		uris:     canonical(uris),
		parent:   parent,
		registry: parent.registry,
	}
}

func canonical(uris []string) []string {
	result := make([]string, 0, len(uris))
	for _, u := range uris {
		result = append(result, canonicalURI(u))
	}
	return result
}

func (cl *ClassLoader) Label() string        { return cl.label }
func (cl *ClassLoader) Category() Category   { return cl.category }
func (cl *ClassLoader) Plugin() string       { return cl.plugin }
func (cl *ClassLoader) Parent() *ClassLoader { return cl.parent }
func (cl *ClassLoader) Registry() *Registry  { return cl.registry }

// URIs returns the URIs this layer adds.
func (cl *ClassLoader) URIs() []string {
	return append([]string(nil), cl.uris...)
}

// Chain returns the layers from the root down to cl.
func (cl *ClassLoader) Chain() []*ClassLoader {
	var chain []*ClassLoader
	for c := cl; c != nil; c = c.parent {
		chain = append(chain, c)
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}

// Depth is the number of layers above the root.
func (cl *ClassLoader) Depth() int {
	n := 0
	for c := cl.parent; c != nil; c = c.parent {
		n++
	}
	return n
}

// holds is true if this layer, not counting its parents, has uri.
func (cl *ClassLoader) holds(uri string) bool {
	for _, u := range cl.uris {
		if u == uri {
			return true
		}
	}
	return false
}

// Contains is true if uri is on any layer of the chain.
func (cl *ClassLoader) Contains(uri string) bool {
	return cl.find(canonicalURI(uri)) != nil
}

// find returns the most ancestral layer holding uri.
func (cl *ClassLoader) find(uri string) *ClassLoader {
	var found *ClassLoader
	for c := cl; c != nil; c = c.parent {
		if c.holds(uri) {
			found = c
		}
	}
	return found
}

// IsAncestor is true if other is cl or one of its parents.
func (cl *ClassLoader) IsAncestor(other *ClassLoader) bool {
	for c := cl; c != nil; c = c.parent {
		if c == other {
			return true
		}
	}
	return false
}

// LoadClass returns the named class if it is visible through cl.
func (cl *ClassLoader) LoadClass(name string) (*Class, error) {
	c := cl.registry.Lookup(name)
	if c == nil {
		return nil, errors.Wrapf(ErrClassNotFound, "%s", name)
	}
	if c.Codebase != "" && cl.find(c.Codebase) == nil {
		return nil, errors.Wrapf(ErrClassNotFound, "%s is in %s, which is not on the classpath", name, c.Codebase)
	}
	return c, nil
}

// Defining returns the layer that defines the named class: the most
// ancestral layer holding its codebase, or the root for a system class.
// It returns nil if the class is not visible.
func (cl *ClassLoader) Defining(name string) *ClassLoader {
	c, err := cl.LoadClass(name)
	if err != nil {
		return nil
	}
	if c.Codebase == "" {
		return cl.Chain()[0]
	}
	return cl.find(c.Codebase)
}

// String lists the classpath chain, root first, with the label, category
// and URIs of each layer.
func (cl *ClassLoader) String() string {
	var b strings.Builder
	for _, c := range cl.Chain() {
		fmt.Fprintf(&b, "\nClassLoader: %s (%s)", c.label, c.category)
		if c.plugin != "" {
			fmt.Fprintf(&b, "\nPlugin: %s", c.plugin)
		}
		b.WriteString("\n")
		for i, u := range c.uris {
			fmt.Fprintf(&b, "  [%d] %s\n", i+1, u)
		}
	}
	return b.String()
}

type contextKey struct{}

// WithContextClassLoader returns a context carrying cl as the context
// classloader. Code running under the returned context resolves classes
// against cl; the caller's context is left unchanged.
func WithContextClassLoader(ctx context.Context, cl *ClassLoader) context.Context {
	return context.WithValue(ctx, contextKey{}, cl)
}

// ContextClassLoader returns the context classloader, or nil.
func ContextClassLoader(ctx context.Context) *ClassLoader {
	cl, _ := ctx.Value(contextKey{}).(*ClassLoader)
	return cl
}
