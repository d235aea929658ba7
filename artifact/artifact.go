// Package artifact implements the immutable artifact identity and its URI
// grammar, scheme:type:group/name#version.
//
// An Artifact can only be made through Parse, ParseRef, New or NewScheme, so
// a value that exists has always passed validation. The zero Artifact is not
// valid and reports true from IsZero.
package artifact

import (
	"strings"

	"github.com/pkg/errors"
)

// A Scheme is one of the recognized artifact URI schemes.
type Scheme string

const (
	// SchemeArtifact names ordinary resolvable content.
	SchemeArtifact Scheme = "artifact"
	// SchemeLink names an indirection whose content is another artifact URI.
	SchemeLink Scheme = "link"
	// SchemeLocal names content that only ever lives in the local cache.
	SchemeLocal Scheme = "local"
)

var (
	// ErrUnsupportedScheme means the URI scheme is not artifact, link or local.
	ErrUnsupportedScheme = errors.New("unsupported artifact scheme")

	// ErrMissingGroup means the URI has no slash separating group and name.
	ErrMissingGroup = errors.New("artifact group is missing")

	// ErrMissingType means the URI has no type before the group.
	ErrMissingType = errors.New("artifact type is missing")

	// ErrIllegalVersion means the version contains a reserved character.
	ErrIllegalVersion = errors.New("illegal character in artifact version")

	// ErrInvalidSequence means the URI contains "//", ":/" or a trailing "/".
	ErrInvalidSequence = errors.New("invalid character sequence in artifact URI")

	// ErrEmptyField means one of type, group or name is empty.
	ErrEmptyField = errors.New("empty artifact field")
)

// characters that may never appear in a version
const illegalVersionChars = `/%\*!(@)+'{}[?,#=`

// Artifact is the identity of a resolvable unit of content. It is a value
// type and may be compared with == or used as a map key.
type Artifact struct {
	scheme  Scheme
	typ     string
	group   string
	name    string
	version string
}

// Parse validates the URI s and returns the artifact it names. Any internal
// reference following a "!" is dropped. When the version fragment follows the
// internal reference it is kept, so
//
//	artifact:jar:g/name!/some/res#1.0
//
// parses to artifact:jar:g/name#1.0.
func Parse(s string) (Artifact, error) {
	a, _, err := ParseRef(s)
	return a, err
}

// ParseRef is like Parse but also returns the internal reference, without
// its leading "!".
func ParseRef(s string) (Artifact, string, error) {
	i := strings.Index(s, ":")
	if i < 0 {
		return Artifact{}, "", errors.Wrapf(ErrUnsupportedScheme, "%q", s)
	}
	scheme := Scheme(s[:i])
	if !scheme.valid() {
		return Artifact{}, "", errors.Wrapf(ErrUnsupportedScheme, "%q", s)
	}
	ssp := s[i+1:]

	var ref string
	if bang := strings.Index(ssp, "!"); bang >= 0 {
		ref = ssp[bang+1:]
		ssp = ssp[:bang]
		if hash := strings.Index(ref, "#"); hash >= 0 {
			ssp = ssp + ref[hash:]
			ref = ref[:hash]
		}
	}

	var version string
	if hash := strings.Index(ssp, "#"); hash >= 0 {
		version = ssp[hash+1:]
		ssp = ssp[:hash]
	}

	if strings.Contains(ssp, "//") || strings.Contains(ssp, ":/") || strings.HasSuffix(ssp, "/") {
		return Artifact{}, "", errors.Wrapf(ErrInvalidSequence, "%q", s)
	}
	colon := strings.Index(ssp, ":")
	if colon < 0 {
		return Artifact{}, "", errors.Wrapf(ErrMissingType, "%q", s)
	}
	typ, rest := ssp[:colon], ssp[colon+1:]
	slash := strings.LastIndex(rest, "/")
	if slash < 0 {
		return Artifact{}, "", errors.Wrapf(ErrMissingGroup, "%q", s)
	}
	a := Artifact{
		scheme:  scheme,
		typ:     typ,
		group:   rest[:slash],
		name:    rest[slash+1:],
		version: version,
	}
	if err := a.check(); err != nil {
		return Artifact{}, "", errors.Wrapf(err, "%q", s)
	}
	return a, ref, nil
}

// MustParse is like Parse but panics on error. It is intended for
// initializing package variables and tests.
func MustParse(s string) Artifact {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// New returns an artifact with the artifact scheme.
func New(group, name, version, typ string) (Artifact, error) {
	return NewScheme(SchemeArtifact, group, name, version, typ)
}

// NewScheme returns an artifact from its parts. An empty version means the
// artifact has no version.
func NewScheme(scheme Scheme, group, name, version, typ string) (Artifact, error) {
	if !scheme.valid() {
		return Artifact{}, errors.Wrapf(ErrUnsupportedScheme, "%q", string(scheme))
	}
	a := Artifact{
		scheme:  scheme,
		typ:     typ,
		group:   group,
		name:    name,
		version: version,
	}
	if err := a.check(); err != nil {
		return Artifact{}, err
	}
	// the parts must survive a trip through the URI grammar unchanged
	b, err := Parse(a.String())
	if err != nil {
		return Artifact{}, err
	}
	if b != a {
		return Artifact{}, errors.Wrapf(ErrInvalidSequence, "%q", a.String())
	}
	return a, nil
}

func (a Artifact) check() error {
	switch {
	case a.typ == "":
		return errors.Wrap(ErrMissingType, "empty type")
	case a.group == "":
		return errors.Wrap(ErrMissingGroup, "empty group")
	case a.name == "":
		return errors.Wrap(ErrEmptyField, "empty name")
	case strings.ContainsAny(a.version, illegalVersionChars):
		return errors.Wrapf(ErrIllegalVersion, "%q", a.version)
	case strings.ContainsAny(a.name, ":/#!"), strings.ContainsAny(a.typ, ":/#!"):
		return ErrInvalidSequence
	}
	return nil
}

func (s Scheme) valid() bool {
	return s == SchemeArtifact || s == SchemeLink || s == SchemeLocal
}

// IsRecognized is true if uri begins with one of the artifact schemes. It
// does not validate the rest of the URI.
func IsRecognized(uri string) bool {
	i := strings.Index(uri, ":")
	return i > 0 && Scheme(uri[:i]).valid()
}

// Scheme returns the URI scheme.
func (a Artifact) Scheme() Scheme { return a.scheme }

// Type returns the artifact type, e.g. "jar" or "plugin".
func (a Artifact) Type() string { return a.typ }

// Group returns the slash separated group path.
func (a Artifact) Group() string { return a.group }

// Name returns the artifact name.
func (a Artifact) Name() string { return a.name }

// Version returns the version, or "" if there is none.
func (a Artifact) Version() string { return a.version }

// IsZero is true for the zero Artifact, which names nothing.
func (a Artifact) IsZero() bool { return a == Artifact{} }

// IsLink is true for link scheme artifacts.
func (a Artifact) IsLink() bool { return a.scheme == SchemeLink }

// WithScheme returns a copy of a using the given scheme.
func (a Artifact) WithScheme(s Scheme) Artifact {
	if !s.valid() {
		return a
	}
	a.scheme = s
	return a
}

// WithType returns a copy of a with a different type. The type must be
// non-empty and contain no URI delimiters, otherwise a is returned unchanged.
func (a Artifact) WithType(typ string) Artifact {
	if typ == "" || strings.ContainsAny(typ, ":/#!") {
		return a
	}
	a.typ = typ
	return a
}

// WithoutVersion returns a copy of a with no version.
func (a Artifact) WithoutVersion() Artifact {
	a.version = ""
	return a
}

// String returns the canonical URI. Equality and ordering of artifacts is the
// equality and ordering of these strings.
func (a Artifact) String() string {
	if a.IsZero() {
		return ""
	}
	var b strings.Builder
	b.WriteString(string(a.scheme))
	b.WriteByte(':')
	b.WriteString(a.typ)
	b.WriteByte(':')
	b.WriteString(a.group)
	b.WriteByte('/')
	b.WriteString(a.name)
	if a.version != "" {
		b.WriteByte('#')
		b.WriteString(a.version)
	}
	return b.String()
}

// Compare orders artifacts by their canonical URI. It returns -1, 0 or +1.
func (a Artifact) Compare(b Artifact) int {
	return strings.Compare(a.String(), b.String())
}

// MarshalText implements encoding.TextMarshaler.
func (a Artifact) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Artifact) UnmarshalText(text []byte) error {
	b, err := Parse(string(text))
	if err != nil {
		return err
	}
	*a = b
	return nil
}
