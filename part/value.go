package part

import (
	"context"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/dpml/transit/loader"
	"github.com/dpml/transit/util"
)

// A Value is a constructor argument directive. It is a literal, optionally
// typed by a primitive class, or a construct: the class (and optionally the
// factory method) to call with nested values. A class name of the form
// []T makes a slice of the nested values.
type Value struct {
	Class   string
	Method  string
	Literal string
	Values  []Value
}

// ErrBadValue means a value directive cannot be resolved.
var ErrBadValue = errors.New("invalid value directive")

// Compound is true for a value built from nested values.
func (v *Value) Compound() bool { return len(v.Values) > 0 }

type primitive struct {
	typ   reflect.Type
	parse func(string) (interface{}, error)
}

var primitives = map[string]primitive{
	"string":   {reflect.TypeOf(""), parseString},
	"int":      {reflect.TypeOf(0), parseInt},
	"int64":    {reflect.TypeOf(int64(0)), parseInt64},
	"float64":  {reflect.TypeOf(0.0), parseFloat},
	"bool":     {reflect.TypeOf(false), parseBool},
	"duration": {reflect.TypeOf(time.Duration(0)), parseDuration},
}

func parseString(s string) (interface{}, error)   { return s, nil }
func parseInt(s string) (interface{}, error)      { return strconv.Atoi(s) }
func parseInt64(s string) (interface{}, error)    { return strconv.ParseInt(s, 10, 64) }
func parseFloat(s string) (interface{}, error)    { return strconv.ParseFloat(s, 64) }
func parseBool(s string) (interface{}, error)     { return strconv.ParseBool(s) }
func parseDuration(s string) (interface{}, error) { return time.ParseDuration(s) }

// Resolve computes the value. Symbols in literals are expanded from
// symbols, then from the environment. Classes are loaded through the
// context classloader of ctx, or the system classloader of ld. An empty
// untyped literal resolves to nil.
func (v *Value) Resolve(ctx context.Context, ld *loader.Loader, symbols map[string]string) (interface{}, error) {
	lit := util.ResolveSymbols(v.Literal, util.MapLookup(symbols))
	switch {
	case v.Class == "":
		if v.Compound() {
			return nil, errors.Wrap(ErrBadValue, "a compound value needs a class")
		}
		if lit == "" {
			return nil, nil
		}
		return lit, nil
	case strings.HasPrefix(v.Class, "[]"):
		return v.resolveSlice(ctx, ld, symbols)
	}
	if p, ok := primitives[v.Class]; ok {
		if v.Compound() {
			return nil, errors.Wrapf(ErrBadValue, "%s value cannot have nested values", v.Class)
		}
		x, err := p.parse(lit)
		if err != nil {
			return nil, errors.Wrapf(ErrBadValue, "%s value %q: %s", v.Class, lit, err)
		}
		return x, nil
	}

	cl := loader.ContextClassLoader(ctx)
	if cl == nil {
		cl = ld.SystemClassLoader()
	}
	c, err := cl.LoadClass(v.Class)
	if err != nil {
		return nil, err
	}
	if v.Method != "" {
		f, ok := c.Factory(v.Method)
		if !ok {
			return nil, errors.Wrapf(ErrBadValue, "class %s has no factory %s", v.Class, v.Method)
		}
		c = f
	}
	var args []interface{}
	if v.Compound() {
		for i := range v.Values {
			x, err := v.Values[i].Resolve(ctx, ld, symbols)
			if err != nil {
				return nil, err
			}
			if x != nil {
				args = append(args, x)
			}
		}
	} else if lit != "" {
		args = append(args, lit)
	}
	return ld.Instantiate(ctx, c, args...)
}

// resolveSlice builds a []T. Nested values without a class take T as
// their class. Slices of primitives are typed, others are []interface{}.
func (v *Value) resolveSlice(ctx context.Context, ld *loader.Loader, symbols map[string]string) (interface{}, error) {
	elem := strings.TrimPrefix(v.Class, "[]")
	typ := reflect.TypeOf((*interface{})(nil)).Elem()
	if p, ok := primitives[elem]; ok {
		typ = p.typ
	}
	out := reflect.MakeSlice(reflect.SliceOf(typ), 0, len(v.Values))
	for i := range v.Values {
		n := v.Values[i]
		if n.Class == "" {
			n.Class = elem
		}
		x, err := n.Resolve(ctx, ld, symbols)
		if err != nil {
			return nil, err
		}
		if x == nil {
			continue
		}
		xv := reflect.ValueOf(x)
		if !xv.Type().AssignableTo(typ) {
			return nil, errors.Wrapf(ErrBadValue, "element %d of %s is a %T", i, v.Class, x)
		}
		out = reflect.Append(out, xv)
	}
	return out.Interface(), nil
}
