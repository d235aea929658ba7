package part

import (
	"encoding/xml"
	"io"
	"strings"
)

// Element is a node of a parsed part document.
type Element struct {
	XMLName  xml.Name
	Attrs    []xml.Attr `xml:",any,attr"`
	Children []Element  `xml:",any"`
	Text     string     `xml:",chardata"`
}

// ParseElement reads one XML document.
func ParseElement(r io.Reader) (*Element, error) {
	var e Element
	if err := xml.NewDecoder(r).Decode(&e); err != nil {
		return nil, err
	}
	return &e, nil
}

// Namespace returns the namespace of e.
func (e *Element) Namespace() string { return e.XMLName.Space }

// Name returns the local name of e.
func (e *Element) Name() string { return e.XMLName.Local }

// Attr returns the named attribute, or def.
func (e *Element) Attr(name, def string) string {
	for _, a := range e.Attrs {
		if a.Name.Local == name && a.Name.Space != "xmlns" {
			return a.Value
		}
	}
	return def
}

// SetAttr adds an attribute unless value is empty.
func (e *Element) SetAttr(name, value string) {
	if value != "" {
		e.Attrs = append(e.Attrs, xml.Attr{Name: xml.Name{Local: name}, Value: value})
	}
}

// Child returns the first child with the local name, or nil.
func (e *Element) Child(name string) *Element {
	for i := range e.Children {
		if e.Children[i].XMLName.Local == name {
			return &e.Children[i]
		}
	}
	return nil
}

// ChildrenNamed returns every child with the local name.
func (e *Element) ChildrenNamed(name string) []*Element {
	var result []*Element
	for i := range e.Children {
		if e.Children[i].XMLName.Local == name {
			result = append(result, &e.Children[i])
		}
	}
	return result
}

// Value returns the text of e without surrounding space. A nil element
// has no text.
func (e *Element) Value() string {
	if e == nil {
		return ""
	}
	return strings.TrimSpace(e.Text)
}
