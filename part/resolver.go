package part

import (
	"github.com/pkg/errors"

	"github.com/dpml/transit/artifact"
)

// Namespace is the XML namespace of part documents.
const Namespace = "link:xsd:dpml/lang/dpml-part#1.0"

// LocalBuilder names the builder compiled into this package.
const LocalBuilder = "local:dpml"

// ErrUnknownNamespace means no builder is known for a namespace.
var ErrUnknownNamespace = errors.New("unknown namespace")

// A BuilderResolver maps the namespace of a strategy element to the URI of
// the builder which decodes it.
type BuilderResolver interface {
	ResolveBuilder(namespace string) (string, error)
}

// DefaultResolver looks the namespace up in Table. A namespace that is not
// in the table must be an artifact URI; its builder is then the part
// linked at link:part:group/name.
type DefaultResolver struct {
	Table map[string]string
}

// DefaultTable is the table used by a zero DefaultResolver.
var DefaultTable = map[string]string{
	"dpml/lang/dpml-part": LocalBuilder,
}

func (r DefaultResolver) ResolveBuilder(namespace string) (string, error) {
	if namespace == Namespace || namespace == "" {
		return LocalBuilder, nil
	}
	table := r.Table
	if table == nil {
		table = DefaultTable
	}
	if uri, ok := table[namespace]; ok {
		return uri, nil
	}
	a, err := artifact.Parse(namespace)
	if err != nil {
		return "", errors.Wrapf(ErrUnknownNamespace, "%s: %s", namespace, err)
	}
	return "link:part:" + a.Group() + "/" + a.Name(), nil
}
