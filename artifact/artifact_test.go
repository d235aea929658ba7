package artifact

import (
	"testing"

	"github.com/pkg/errors"
)

func TestParseRoundTrip(t *testing.T) {
	var table = []struct{ input, output string }{
		{"artifact:jar:acme/widgets/core#1.0", "artifact:jar:acme/widgets/core#1.0"},
		{"artifact:jar:acme/core", "artifact:jar:acme/core"},
		{"artifact:jar:acme/core#", "artifact:jar:acme/core"},
		{"link:part:dpml/lang/dpml-part", "link:part:dpml/lang/dpml-part"},
		{"local:properties:dpml/transit/hosts", "local:properties:dpml/transit/hosts"},
		{"artifact:jar:g/s/name!/some/res#2.1", "artifact:jar:g/s/name#2.1"},
		{"artifact:jar:g/s/name#2.1!/some/res", "artifact:jar:g/s/name#2.1"},
	}
	for _, s := range table {
		a, err := Parse(s.input)
		if err != nil {
			t.Errorf("Parse(%q) returned %s", s.input, err)
			continue
		}
		if a.String() != s.output {
			t.Errorf("Parse(%q) = %q, expected %q", s.input, a.String(), s.output)
		}
	}
}

func TestParseRef(t *testing.T) {
	a, ref, err := ParseRef("artifact:jar:g/s/name!/some/res#2.1")
	if err != nil {
		t.Fatal(err)
	}
	if ref != "/some/res" {
		t.Errorf("Got ref %q, expected %q", ref, "/some/res")
	}
	if a.Version() != "2.1" {
		t.Errorf("Got version %q, expected %q", a.Version(), "2.1")
	}
}

func TestParseErrors(t *testing.T) {
	var table = []struct {
		input string
		err   error
	}{
		{"http://example.com/x", ErrUnsupportedScheme},
		{"nothing", ErrUnsupportedScheme},
		{"artifact:jar:name", ErrMissingGroup},
		{"artifact:group/name", ErrMissingType},
		{"artifact:jar:/group/name", ErrInvalidSequence},
		{"artifact:jar:group//name", ErrInvalidSequence},
		{"artifact:jar:group/name/", ErrInvalidSequence},
		{"artifact:jar:group/name#1(0)", ErrIllegalVersion},
		{"artifact:jar:group/name#1=0", ErrIllegalVersion},
		{"artifact::group/name", ErrMissingType},
	}
	for _, s := range table {
		_, err := Parse(s.input)
		if errors.Cause(err) != s.err {
			t.Errorf("Parse(%q) returned %v, expected %v", s.input, err, s.err)
		}
	}
}

func TestNew(t *testing.T) {
	a, err := New("acme/widgets", "core", "1.0", "jar")
	if err != nil {
		t.Fatal(err)
	}
	if a.Group() != "acme/widgets" || a.Name() != "core" || a.Version() != "1.0" || a.Type() != "jar" {
		t.Errorf("accessors returned %q %q %q %q", a.Group(), a.Name(), a.Version(), a.Type())
	}
	if a.Scheme() != SchemeArtifact {
		t.Errorf("Got scheme %q", a.Scheme())
	}
	b, err := New("acme", "core", "", "jar")
	if err != nil {
		t.Fatal(err)
	}
	if b.Version() != "" || b.String() != "artifact:jar:acme/core" {
		t.Errorf("Got %q", b.String())
	}
	if _, err := New("acme", "core", "1+2", "jar"); errors.Cause(err) != ErrIllegalVersion {
		t.Errorf("Got %v, expected ErrIllegalVersion", err)
	}
	if _, err := New("", "core", "", "jar"); errors.Cause(err) != ErrMissingGroup {
		t.Errorf("Got %v, expected ErrMissingGroup", err)
	}
	if _, err := NewScheme("ftp", "acme", "core", "", "jar"); errors.Cause(err) != ErrUnsupportedScheme {
		t.Errorf("Got %v, expected ErrUnsupportedScheme", err)
	}
}

func TestEqualityAndOrder(t *testing.T) {
	a := MustParse("artifact:jar:acme/core#1.0")
	b, _ := New("acme", "core", "1.0", "jar")
	if a != b || a.Compare(b) != 0 {
		t.Errorf("%s and %s should be equal", a, b)
	}
	c := MustParse("artifact:jar:acme/core#2.0")
	if a.Compare(c) >= 0 || c.Compare(a) <= 0 {
		t.Errorf("%s should order before %s", a, c)
	}
	if l := a.WithScheme(SchemeLink); l.String() != "link:jar:acme/core#1.0" || !l.IsLink() {
		t.Errorf("Got %s", l)
	}
}

func TestIsRecognized(t *testing.T) {
	if !IsRecognized("link:part:a/b") || IsRecognized("http://x") || IsRecognized(":x") {
		t.Error("IsRecognized misclassified a URI")
	}
}
