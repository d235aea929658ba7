package loader

import (
	"context"
	"reflect"
	"strings"

	"github.com/pkg/errors"

	"github.com/dpml/transit/prefs"
)

// Instantiation errors.
var (
	ErrNoConstructor        = errors.New("no public constructor")
	ErrAmbiguousConstructor = errors.New("multiple public constructors")
	ErrNilArgument          = errors.New("nil constructor argument")
	ErrUnresolvedParameter  = errors.New("unresolved constructor parameter")
	ErrInstantiation        = errors.New("instantiation failure")
)

var (
	errorType       = reflect.TypeOf((*error)(nil)).Elem()
	contextType     = reflect.TypeOf((*context.Context)(nil)).Elem()
	classLoaderType = reflect.TypeOf((*ClassLoader)(nil))
	prefsNodeType   = reflect.TypeOf((*prefs.Node)(nil))
)

// Instantiate calls the single constructor of c. Each parameter takes the
// first unused value of args assignable to it. Parameters left over are
// filled implicitly when they are a *ClassLoader, a *prefs.Node, a
// context.Context or a slice. The classloader used is the context
// classloader of ctx, or the system classloader.
func (l *Loader) Instantiate(ctx context.Context, c *Class, args ...interface{}) (interface{}, error) {
	v, err := l.instantiate(ctx, c, args)
	if err != nil {
		return nil, l.fail("instantiate", err)
	}
	return v, nil
}

func (l *Loader) instantiate(ctx context.Context, c *Class, args []interface{}) (result interface{}, err error) {
	switch len(c.Constructors) {
	case 0:
		return nil, errors.Wrapf(ErrNoConstructor, "Target class [%s] does not declare a public constructor.", c.Name)
	case 1:
	default:
		return nil, errors.Wrapf(ErrAmbiguousConstructor, "Target class [%s] declares multiple public constructors.", c.Name)
	}
	fn := reflect.ValueOf(c.Constructors[0])
	ft := fn.Type()
	if ft.Kind() != reflect.Func || ft.IsVariadic() || !validResults(ft) {
		return nil, errors.Wrapf(ErrNoConstructor, "Target class [%s] does not declare a public constructor.", c.Name)
	}
	for i, a := range args {
		if a == nil {
			return nil, errors.Wrapf(ErrNilArgument, "argument %d supplied to [%s] is nil", i, c.Name)
		}
	}

	used := make([]bool, len(args))
	in := make([]reflect.Value, ft.NumIn())
	for i := range in {
		pt := ft.In(i)
		v, ok := match(pt, args, used)
		if !ok {
			v, ok, err = l.implicit(ctx, c, pt)
			if err != nil {
				return nil, err
			}
		}
		if !ok {
			return nil, errors.Wrapf(ErrUnresolvedParameter,
				"Unable to resolve a value for a constructor parameter.\nConstructor class: %s\nParameter class: %s\nParameter position: %d",
				c.Name, pt, i+1)
		}
		in[i] = v
	}

	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = errors.Wrapf(ErrInstantiation,
				"Cannot create an instance of [%s] due to an instantiation failure: %v", c.Name, r)
		}
	}()
	out := fn.Call(in)
	if len(out) == 2 && !out[1].IsNil() {
		return nil, errors.Wrapf(out[1].Interface().(error),
			"Cannot create an instance of [%s] due to an instantiation failure.", c.Name)
	}
	return out[0].Interface(), nil
}

func validResults(ft reflect.Type) bool {
	switch ft.NumOut() {
	case 1:
		return true
	case 2:
		return ft.Out(1) == errorType
	}
	return false
}

// match finds the first unused argument usable as a pt and marks it used.
func match(pt reflect.Type, args []interface{}, used []bool) (reflect.Value, bool) {
	for i, a := range args {
		if used[i] {
			continue
		}
		if v, ok := coerce(reflect.ValueOf(a), pt); ok {
			used[i] = true
			return v, true
		}
	}
	return reflect.Value{}, false
}

// coerce converts v to t when v is assignable, or when both are of the
// same numeric family (or both bool) and the value fits.
func coerce(v reflect.Value, t reflect.Type) (reflect.Value, bool) {
	if v.Type().AssignableTo(t) {
		return v, true
	}
	switch {
	case isInt(v.Kind()) && isInt(t.Kind()):
		n := v.Int()
		out := reflect.New(t).Elem()
		if out.OverflowInt(n) {
			return reflect.Value{}, false
		}
		out.SetInt(n)
		return out, true
	case isUint(v.Kind()) && isUint(t.Kind()):
		n := v.Uint()
		out := reflect.New(t).Elem()
		if out.OverflowUint(n) {
			return reflect.Value{}, false
		}
		out.SetUint(n)
		return out, true
	case isFloat(v.Kind()) && isFloat(t.Kind()):
		f := v.Float()
		out := reflect.New(t).Elem()
		if out.OverflowFloat(f) {
			return reflect.Value{}, false
		}
		out.SetFloat(f)
		return out, true
	case v.Kind() == reflect.Bool && t.Kind() == reflect.Bool,
		v.Kind() == reflect.String && t.Kind() == reflect.String:
		return v.Convert(t), true
	}
	return reflect.Value{}, false
}

func isInt(k reflect.Kind) bool {
	return k >= reflect.Int && k <= reflect.Int64
}

func isUint(k reflect.Kind) bool {
	return k >= reflect.Uint && k <= reflect.Uintptr
}

func isFloat(k reflect.Kind) bool {
	return k == reflect.Float32 || k == reflect.Float64
}

func (l *Loader) implicit(ctx context.Context, c *Class, pt reflect.Type) (reflect.Value, bool, error) {
	switch {
	case pt == classLoaderType:
		cl := ContextClassLoader(ctx)
		if cl == nil {
			cl = l.system
		}
		if d := cl.Defining(c.Name); d != nil {
			cl = d
		}
		return reflect.ValueOf(cl), true, nil
	case pt == prefsNodeType:
		s, err := l.prefsStore()
		if err != nil {
			return reflect.Value{}, false, errors.Wrap(err, "opening preferences")
		}
		return reflect.ValueOf(s.Node(packagePath(c.Name))), true, nil
	case pt == contextType:
		return reflect.ValueOf(&ctx).Elem(), true, nil
	case pt.Kind() == reflect.Slice:
		return reflect.MakeSlice(pt, 0, 0), true, nil
	}
	return reflect.Value{}, false, nil
}

// packagePath turns "net.dpml.demo.Widget" into "/net/dpml/demo".
func packagePath(class string) string {
	i := strings.LastIndex(class, ".")
	if i < 0 {
		return "/"
	}
	return "/" + strings.Replace(class[:i], ".", "/", -1)
}
