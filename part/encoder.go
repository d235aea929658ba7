package part

import (
	"encoding/xml"
	"io"
	"strconv"

	"github.com/pkg/errors"

	"github.com/dpml/transit/loader"
)

// ErrUnsupportedStrategy means a strategy cannot be written.
var ErrUnsupportedStrategy = errors.New("strategy cannot be encoded")

// An ElementEncoder is a strategy that writes itself. Strategies made by
// foreign builders implement it to be encodable.
type ElementEncoder interface {
	EncodeElement() (*Element, error)
}

// Encoder writes part documents.
type Encoder struct {
	w io.Writer
}

// NewEncoder returns an encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes p as an indented XML document.
func (enc *Encoder) Encode(p *Part) error {
	root, err := EncodeElement(p)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(enc.w, xml.Header); err != nil {
		return err
	}
	e := xml.NewEncoder(enc.w)
	e.Indent("", "  ")
	if err := e.Encode(root); err != nil {
		return err
	}
	_, err = io.WriteString(enc.w, "\n")
	return err
}

// EncodeElement converts p to an element tree.
func EncodeElement(p *Part) (*Element, error) {
	root := &Element{XMLName: xml.Name{Space: Namespace, Local: "part"}}

	info := Element{XMLName: xml.Name{Local: "info"}}
	info.SetAttr("uri", p.Info.URI)
	info.SetAttr("title", p.Info.Title)
	if p.Info.Description != "" {
		info.Children = append(info.Children, Element{
			XMLName: xml.Name{Local: "description"},
			Text:    p.Info.Description,
		})
	}

	var strategy *Element
	switch s := p.Strategy.(type) {
	case *PluginStrategy:
		strategy = &Element{XMLName: xml.Name{Local: "plugin"}}
		strategy.SetAttr("class", s.Class)
		setAlias(strategy, s.IsAlias)
		for _, v := range s.Values {
			strategy.Children = append(strategy.Children, encodeValue(v))
		}
	case *ResourceStrategy:
		strategy = &Element{XMLName: xml.Name{Local: "resource"}}
		strategy.SetAttr("urn", s.URN)
		strategy.SetAttr("path", s.Path)
		setAlias(strategy, s.IsAlias)
	case ElementEncoder:
		var err error
		if strategy, err = s.EncodeElement(); err != nil {
			return nil, err
		}
	default:
		return nil, errors.Wrapf(ErrUnsupportedStrategy, "%T", p.Strategy)
	}

	cp := Element{XMLName: xml.Name{Local: "classpath"}}
	for _, cat := range loader.Categories {
		uris := p.Classpath.Get(cat)
		if len(uris) == 0 {
			continue
		}
		c := Element{XMLName: xml.Name{Local: cat.String()}}
		for _, u := range uris {
			c.Children = append(c.Children, Element{XMLName: xml.Name{Local: "uri"}, Text: u})
		}
		cp.Children = append(cp.Children, c)
	}

	root.Children = []Element{info, *strategy, cp}
	return root, nil
}

func setAlias(e *Element, alias bool) {
	if alias {
		e.SetAttr("alias", strconv.FormatBool(alias))
	}
}

func encodeValue(v Value) Element {
	e := Element{XMLName: xml.Name{Local: "param"}}
	e.SetAttr("class", v.Class)
	e.SetAttr("method", v.Method)
	e.SetAttr("value", v.Literal)
	for _, n := range v.Values {
		e.Children = append(e.Children, encodeValue(n))
	}
	return e
}
