package loader

import (
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/dpml/transit/artifact"
)

// A Class is a named type and the constructor functions that make it.
// Each constructor is a func returning either one value, or a value and an
// error.
type Class struct {
	Name string

	// Codebase is the artifact URI carrying the class. Empty for system
	// classes.
	Codebase string

	Constructors []interface{}

	// Factories are named functions that make values of the class, the
	// counterpart of static factory methods. They are called the same way
	// as constructors.
	Factories map[string]interface{}
}

// Factory returns a class whose single constructor is the named factory.
func (c *Class) Factory(name string) (*Class, bool) {
	fn, ok := c.Factories[name]
	if !ok {
		return nil, false
	}
	return &Class{
		Name:         c.Name + "." + name,
		Codebase:     c.Codebase,
		Constructors: []interface{}{fn},
	}, true
}

// ErrDuplicateClass means a class with the same name is registered.
var ErrDuplicateClass = errors.New("duplicate class")

// Registry holds the known classes. The zero value is ready to use.
type Registry struct {
	m       sync.RWMutex
	classes map[string]*Class
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds c. The codebase, if any, must be an artifact URI.
func (r *Registry) Register(c Class) error {
	if c.Name == "" {
		return errors.New("class name is empty")
	}
	if c.Codebase != "" {
		a, err := artifact.Parse(c.Codebase)
		if err != nil {
			return errors.Wrapf(err, "class %s", c.Name)
		}
		c.Codebase = a.String()
	}
	r.m.Lock()
	defer r.m.Unlock()
	if r.classes == nil {
		r.classes = make(map[string]*Class)
	}
	if _, ok := r.classes[c.Name]; ok {
		return errors.Wrapf(ErrDuplicateClass, "%s", c.Name)
	}
	r.classes[c.Name] = &c
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(c Class) {
	if err := r.Register(c); err != nil {
		panic(err)
	}
}

// Lookup returns the named class, or nil.
func (r *Registry) Lookup(name string) *Class {
	r.m.RLock()
	defer r.m.RUnlock()
	return r.classes[name]
}

// Names lists the registered class names in sorted order.
func (r *Registry) Names() []string {
	r.m.RLock()
	defer r.m.RUnlock()
	var result []string
	for name := range r.classes {
		result = append(result, name)
	}
	sort.Strings(result)
	return result
}

// canonicalURI normalizes artifact URIs so equal artifacts compare equal
// as strings. Other URIs are returned unchanged.
func canonicalURI(uri string) string {
	if a, err := artifact.Parse(uri); err == nil {
		return a.String()
	}
	return uri
}
