package loader

import (
	"fmt"
	"io"
	"strconv"

	"github.com/magiconair/properties"
	"github.com/pkg/errors"

	"github.com/dpml/transit/artifact"
)

// Property keys read from a plugin descriptor.
const (
	KeyNamespace   = "dpml.plugin.meta.namespace"
	KeyMetaVersion = "dpml.plugin.meta.version"
	KeyClass       = "dpml.plugin.class"
	KeyResource    = "dpml.plugin.resource"
	KeyURN         = "dpml.plugin.urn"
	KeyExport      = "dpml.artifact.export"
	KeyGroup       = "dpml.artifact.group"
	KeyName        = "dpml.artifact.name"
	KeyVersion     = "dpml.artifact.version"

	KeyDependency    = "dpml.artifact.dependency"
	KeyDependencySys = "dpml.artifact.dependency.sys"
	KeyDependencyAPI = "dpml.artifact.dependency.api"
	KeyDependencySPI = "dpml.artifact.dependency.spi"
)

// PluginType is the artifact type of plugin descriptors.
const PluginType = "plugin"

// ErrBadDescriptor means a plugin descriptor is missing required entries.
var ErrBadDescriptor = errors.New("invalid plugin descriptor")

// Classpath holds the artifact URIs of each category.
type Classpath struct {
	System    []string
	Public    []string
	Protected []string
	Private   []string
}

// Get returns the URIs of one category.
func (c Classpath) Get(cat Category) []string {
	switch cat {
	case System:
		return c.System
	case Public:
		return c.Public
	case Protected:
		return c.Protected
	case Private:
		return c.Private
	}
	return nil
}

// Set replaces the URIs of one category.
func (c *Classpath) Set(cat Category, uris []string) {
	switch cat {
	case System:
		c.System = uris
	case Public:
		c.Public = uris
	case Protected:
		c.Protected = uris
	case Private:
		c.Private = uris
	}
}

// Len returns the total number of URIs.
func (c Classpath) Len() int {
	return len(c.System) + len(c.Public) + len(c.Protected) + len(c.Private)
}

// Descriptor is an immutable plugin descriptor.
type Descriptor struct {
	URI         artifact.Artifact
	Namespace   string
	MetaVersion string
	Classpath   Classpath

	// Class is the class to instantiate. Either Class or Resource is set.
	Class string

	// Resource and URN describe a plugin which is a resource rather than a
	// class, such as an antlib.
	Resource string
	URN      string

	Export bool
}

var dependencyKeys = map[Category]string{
	System:    KeyDependencySys,
	Public:    KeyDependencyAPI,
	Protected: KeyDependencySPI,
	Private:   KeyDependency,
}

// ParseDescriptor reads a descriptor in properties format. The uri is the
// artifact the descriptor was read from; it is replaced by the artifact
// named in the descriptor if there is one.
func ParseDescriptor(uri artifact.Artifact, r io.Reader) (*Descriptor, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	p, err := properties.Load(content, properties.UTF8)
	if err != nil {
		return nil, errors.Wrapf(ErrBadDescriptor, "%s: %s", uri, err)
	}
	d := &Descriptor{URI: uri}
	var ok bool
	if d.Namespace, ok = p.Get(KeyNamespace); !ok {
		return nil, errors.Wrapf(ErrBadDescriptor, "%s: missing %s", uri, KeyNamespace)
	}
	if d.MetaVersion, ok = p.Get(KeyMetaVersion); !ok {
		return nil, errors.Wrapf(ErrBadDescriptor, "%s: missing %s", uri, KeyMetaVersion)
	}
	for _, cat := range Categories {
		d.Classpath.Set(cat, enumerate(p, dependencyKeys[cat]))
	}
	d.Class = p.GetString(KeyClass, "")
	d.Resource = p.GetString(KeyResource, "")
	d.URN = p.GetString(KeyURN, "")
	d.Export = p.GetBool(KeyExport, false)
	switch {
	case d.Class == "" && d.Resource == "":
		return nil, errors.Wrapf(ErrBadDescriptor, "%s: neither %s nor %s is set", uri, KeyClass, KeyResource)
	case d.Resource != "" && d.URN == "":
		return nil, errors.Wrapf(ErrBadDescriptor, "%s: resource %s has no %s", uri, d.Resource, KeyURN)
	}
	if group, ok := p.Get(KeyGroup); ok {
		a, err := artifact.New(group, p.GetString(KeyName, ""), p.GetString(KeyVersion, ""), PluginType)
		if err != nil {
			return nil, errors.Wrapf(ErrBadDescriptor, "%s: %s", uri, err)
		}
		d.URI = a
	}
	return d, nil
}

// enumerate reads key.0, key.1, ... up to the first missing index.
func enumerate(p *properties.Properties, key string) []string {
	var result []string
	for i := 0; ; i++ {
		v, ok := p.Get(key + "." + strconv.Itoa(i))
		if !ok {
			return result
		}
		result = append(result, v)
	}
}

// WriteTo writes d in properties format.
func (d *Descriptor) WriteTo(w io.Writer) (int64, error) {
	p := properties.NewProperties()
	set := func(k, v string) {
		if v != "" {
			p.Set(k, v)
		}
	}
	set(KeyNamespace, d.Namespace)
	set(KeyMetaVersion, d.MetaVersion)
	if !d.URI.IsZero() {
		set(KeyGroup, d.URI.Group())
		set(KeyName, d.URI.Name())
		set(KeyVersion, d.URI.Version())
	}
	set(KeyClass, d.Class)
	set(KeyResource, d.Resource)
	set(KeyURN, d.URN)
	if d.Export {
		set(KeyExport, "true")
	}
	for _, cat := range Categories {
		for i, u := range d.Classpath.Get(cat) {
			set(fmt.Sprintf("%s.%d", dependencyKeys[cat], i), u)
		}
	}
	n, err := p.Write(w, properties.UTF8)
	return int64(n), err
}
