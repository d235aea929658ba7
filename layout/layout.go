// Package layout maps artifacts to relative paths inside a cache or host.
//
// A Layout is a pure function of the artifact and is safe for concurrent use.
package layout

import (
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/dpml/transit/artifact"
)

// Layout resolves artifact paths. Paths always use forward slashes.
type Layout interface {
	// ID names the layout, for example "classic".
	ID() string
	// Base returns the directory the artifact lives in.
	Base(a artifact.Artifact) string
	// Filename returns the file name of the artifact within Base.
	Filename(a artifact.Artifact) string
	// Path returns Base + "/" + Filename.
	Path(a artifact.Artifact) string
}

// LinkSuffix is appended to the filename of link artifacts so they never
// collide with the content they point to.
const LinkSuffix = ".link"

// Classic is the group/types/name-version.type layout.
type Classic struct{}

// ID returns "classic".
func (Classic) ID() string { return "classic" }

// Base returns group + "/" + type + "s".
func (Classic) Base(a artifact.Artifact) string {
	return a.Group() + "/" + a.Type() + "s"
}

// Filename returns name-version.type, or name.type for an unversioned
// artifact.
func (Classic) Filename(a artifact.Artifact) string {
	f := a.Name()
	if v := a.Version(); v != "" {
		f += "-" + v
	}
	return withSuffix(a, f+"."+a.Type())
}

// Path returns the full relative path.
func (c Classic) Path(a artifact.Artifact) string {
	return c.Base(a) + "/" + c.Filename(a)
}

// Eclipse is the group-version/name.type layout.
type Eclipse struct{}

// ID returns "eclipse".
func (Eclipse) ID() string { return "eclipse" }

// Base returns group-version, or just the group if there is no version.
func (Eclipse) Base(a artifact.Artifact) string {
	if v := a.Version(); v != "" {
		return a.Group() + "-" + v
	}
	return a.Group()
}

// Filename returns name.type.
func (Eclipse) Filename(a artifact.Artifact) string {
	return withSuffix(a, a.Name()+"."+a.Type())
}

// Path returns the full relative path.
func (e Eclipse) Path(a artifact.Artifact) string {
	return e.Base(a) + "/" + e.Filename(a)
}

func withSuffix(a artifact.Artifact, f string) string {
	if a.IsLink() {
		return f + LinkSuffix
	}
	return f
}

// ErrUnknownLayout is returned by Lookup for an unregistered id.
var ErrUnknownLayout = errors.New("unknown layout")

// A Registry holds layouts by id. The zero value is empty and ready to use.
type Registry struct {
	m       sync.RWMutex
	layouts map[string]Layout
}

// NewRegistry returns a registry holding the classic and eclipse layouts.
func NewRegistry() *Registry {
	r := &Registry{}
	r.Register(Classic{})
	r.Register(Eclipse{})
	return r
}

// Register adds l, replacing any layout already using its id.
func (r *Registry) Register(l Layout) {
	r.m.Lock()
	defer r.m.Unlock()
	if r.layouts == nil {
		r.layouts = make(map[string]Layout)
	}
	r.layouts[l.ID()] = l
}

// Lookup returns the layout with the given id. The empty id means classic.
func (r *Registry) Lookup(id string) (Layout, error) {
	if id == "" {
		id = Classic{}.ID()
	}
	r.m.RLock()
	l, ok := r.layouts[id]
	r.m.RUnlock()
	if !ok {
		return nil, errors.Wrapf(ErrUnknownLayout, "%q", id)
	}
	return l, nil
}

// IDs lists the registered layout ids in sorted order.
func (r *Registry) IDs() []string {
	r.m.RLock()
	defer r.m.RUnlock()
	var result []string
	for id := range r.layouts {
		result = append(result, id)
	}
	sort.Strings(result)
	return result
}
