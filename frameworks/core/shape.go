package core

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Shape is the call signature a woven call site uses for an interceptor.
// The set is closed; the weaver switches on it to pick the marshalling.
type Shape uint8

const (
	ShapeUnknown Shape = iota
	ShapeZeroArg
	ShapeArg1
	ShapeArg2
	ShapeArg3
	ShapeArg4
	ShapeArg5
	ShapeArgsArray
	ShapeStatic
	ShapeApiIDAware
	ShapeExceptionAware
)

var shapeNames = map[Shape]string{
	ShapeUnknown:        "unknown",
	ShapeZeroArg:        "zero-arg",
	ShapeArg1:           "arg1",
	ShapeArg2:           "arg2",
	ShapeArg3:           "arg3",
	ShapeArg4:           "arg4",
	ShapeArg5:           "arg5",
	ShapeArgsArray:      "args-array",
	ShapeStatic:         "static",
	ShapeApiIDAware:     "api-id-aware",
	ShapeExceptionAware: "exception-aware",
}

func (s Shape) String() string {
	if n, ok := shapeNames[s]; ok {
		return n
	}
	return fmt.Sprintf("Shape(%d)", uint8(s))
}

// Arity is the number of explicit arguments of the NArg shapes, 0 otherwise.
func (s Shape) Arity() int {
	if s >= ShapeArg1 && s <= ShapeArg5 {
		return int(s-ShapeArg1) + 1
	}
	return 0
}

// Valid reports whether s is a member of the closed shape set.
func (s Shape) Valid() bool {
	return s > ShapeUnknown && s <= ShapeExceptionAware
}

// PacksArgs reports whether call sites of this shape pass the arguments as a
// single array.
func (s Shape) PacksArgs() bool {
	switch s {
	case ShapeArgsArray, ShapeStatic, ShapeApiIDAware, ShapeExceptionAware:
		return true
	}
	return false
}

// ParseShape is the inverse of String.
func ParseShape(name string) (Shape, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for s, n := range shapeNames {
		if n == name && s != ShapeUnknown {
			return s, nil
		}
	}
	return ShapeUnknown, errors.Wrapf(ErrUnsupportedShape, "shape %q", name)
}

var (
	// ErrShape matches every shape resolution failure.
	ErrShape            = errors.New("interceptor shape")
	ErrUnsupportedShape = fmt.Errorf("%w: unsupported", ErrShape)
	ErrAmbiguousShape   = fmt.Errorf("%w: ambiguous", ErrShape)
)

// ShapeDeclarer lets an interceptor state the shape it was written for. A
// declaration that disagrees with the implemented methods makes the
// interceptor ambiguous.
type ShapeDeclarer interface {
	InterceptorShape() Shape
}

// ResolveShape inspects the methods implemented by ic and returns the single
// matching shape.
func ResolveShape(ic any) (Shape, error) {
	if ic == nil {
		return ShapeUnknown, errors.Wrap(ErrUnsupportedShape, "nil interceptor")
	}
	candidates := make([]Shape, 0, 2)
	add := func(s Shape) {
		for _, c := range candidates {
			if c == s {
				return
			}
		}
		candidates = append(candidates, s)
	}
	if _, ok := ic.(Callback); ok {
		add(ShapeArgsArray)
	}
	if _, ok := ic.(AroundInterceptor); ok {
		add(ShapeArgsArray)
	}
	if _, ok := ic.(AroundInterceptor0); ok {
		add(ShapeZeroArg)
	}
	if _, ok := ic.(AroundInterceptor1); ok {
		add(ShapeArg1)
	}
	if _, ok := ic.(AroundInterceptor2); ok {
		add(ShapeArg2)
	}
	if _, ok := ic.(AroundInterceptor3); ok {
		add(ShapeArg3)
	}
	if _, ok := ic.(AroundInterceptor4); ok {
		add(ShapeArg4)
	}
	if _, ok := ic.(AroundInterceptor5); ok {
		add(ShapeArg5)
	}
	if _, ok := ic.(StaticAroundInterceptor); ok {
		add(ShapeStatic)
	}
	if _, ok := ic.(ApiIDAwareAroundInterceptor); ok {
		add(ShapeApiIDAware)
	}
	if _, ok := ic.(ExceptionAwareInterceptor); ok {
		add(ShapeExceptionAware)
	}
	if d, ok := ic.(ShapeDeclarer); ok {
		add(d.InterceptorShape())
	}

	switch len(candidates) {
	case 0:
		return ShapeUnknown, errors.Wrapf(ErrUnsupportedShape, "%T implements no interceptor shape", ic)
	case 1:
		if !candidates[0].Valid() {
			return ShapeUnknown, errors.Wrapf(ErrUnsupportedShape, "%T declares %s", ic, candidates[0])
		}
		return candidates[0], nil
	default:
		return ShapeUnknown, errors.Wrapf(ErrAmbiguousShape, "%T matches %v", ic, candidates)
	}
}

// Adapt resolves the shape of ic once and returns a typed Callback for it.
func Adapt(ic any) (Callback, Shape, error) {
	shape, err := ResolveShape(ic)
	if err != nil {
		return nil, ShapeUnknown, err
	}
	if cb, ok := ic.(Callback); ok {
		return cb, shape, nil
	}
	switch shape {
	case ShapeZeroArg:
		if v, ok := ic.(AroundInterceptor0); ok {
			return zeroArgAdapter{v}, shape, nil
		}
	case ShapeArg1:
		if v, ok := ic.(AroundInterceptor1); ok {
			return arg1Adapter{v}, shape, nil
		}
	case ShapeArg2:
		if v, ok := ic.(AroundInterceptor2); ok {
			return arg2Adapter{v}, shape, nil
		}
	case ShapeArg3:
		if v, ok := ic.(AroundInterceptor3); ok {
			return arg3Adapter{v}, shape, nil
		}
	case ShapeArg4:
		if v, ok := ic.(AroundInterceptor4); ok {
			return arg4Adapter{v}, shape, nil
		}
	case ShapeArg5:
		if v, ok := ic.(AroundInterceptor5); ok {
			return arg5Adapter{v}, shape, nil
		}
	case ShapeArgsArray:
		if v, ok := ic.(AroundInterceptor); ok {
			return argsArrayAdapter{v}, shape, nil
		}
	case ShapeStatic:
		if v, ok := ic.(StaticAroundInterceptor); ok {
			return staticAdapter{v}, shape, nil
		}
	case ShapeApiIDAware:
		if v, ok := ic.(ApiIDAwareAroundInterceptor); ok {
			return apiIDAdapter{v}, shape, nil
		}
	case ShapeExceptionAware:
		if v, ok := ic.(ExceptionAwareInterceptor); ok {
			return exceptionAdapter{v}, shape, nil
		}
	}
	// a declared shape without the methods behind it
	return nil, ShapeUnknown, errors.Wrapf(ErrUnsupportedShape, "%T declares %s without implementing it", ic, shape)
}

type zeroArgAdapter struct{ ic AroundInterceptor0 }

func (a zeroArgAdapter) Before(c *Call) error {
	a.ic.Before(c.Target)
	return nil
}

func (a zeroArgAdapter) After(c *Call, result any, err error) error {
	a.ic.After(c.Target, result, err)
	return nil
}

type arg1Adapter struct{ ic AroundInterceptor1 }

func (a arg1Adapter) Before(c *Call) error {
	a.ic.Before(c.Target, c.Arg(0))
	return nil
}

func (a arg1Adapter) After(c *Call, result any, err error) error {
	a.ic.After(c.Target, c.Arg(0), result, err)
	return nil
}

type arg2Adapter struct{ ic AroundInterceptor2 }

func (a arg2Adapter) Before(c *Call) error {
	a.ic.Before(c.Target, c.Arg(0), c.Arg(1))
	return nil
}

func (a arg2Adapter) After(c *Call, result any, err error) error {
	a.ic.After(c.Target, c.Arg(0), c.Arg(1), result, err)
	return nil
}

type arg3Adapter struct{ ic AroundInterceptor3 }

func (a arg3Adapter) Before(c *Call) error {
	a.ic.Before(c.Target, c.Arg(0), c.Arg(1), c.Arg(2))
	return nil
}

func (a arg3Adapter) After(c *Call, result any, err error) error {
	a.ic.After(c.Target, c.Arg(0), c.Arg(1), c.Arg(2), result, err)
	return nil
}

type arg4Adapter struct{ ic AroundInterceptor4 }

func (a arg4Adapter) Before(c *Call) error {
	a.ic.Before(c.Target, c.Arg(0), c.Arg(1), c.Arg(2), c.Arg(3))
	return nil
}

func (a arg4Adapter) After(c *Call, result any, err error) error {
	a.ic.After(c.Target, c.Arg(0), c.Arg(1), c.Arg(2), c.Arg(3), result, err)
	return nil
}

type arg5Adapter struct{ ic AroundInterceptor5 }

func (a arg5Adapter) Before(c *Call) error {
	a.ic.Before(c.Target, c.Arg(0), c.Arg(1), c.Arg(2), c.Arg(3), c.Arg(4))
	return nil
}

func (a arg5Adapter) After(c *Call, result any, err error) error {
	a.ic.After(c.Target, c.Arg(0), c.Arg(1), c.Arg(2), c.Arg(3), c.Arg(4), result, err)
	return nil
}

type argsArrayAdapter struct{ ic AroundInterceptor }

func (a argsArrayAdapter) Before(c *Call) error {
	a.ic.Before(c.Target, c.Args)
	return nil
}

func (a argsArrayAdapter) After(c *Call, result any, err error) error {
	a.ic.After(c.Target, c.Args, result, err)
	return nil
}

type staticAdapter struct{ ic StaticAroundInterceptor }

func (a staticAdapter) Before(c *Call) error {
	m := c.Method
	a.ic.Before(c.Target, m.ClassName, m.MethodName, m.ParameterDescription, c.Args)
	return nil
}

func (a staticAdapter) After(c *Call, result any, err error) error {
	m := c.Method
	a.ic.After(c.Target, m.ClassName, m.MethodName, m.ParameterDescription, c.Args, result, err)
	return nil
}

type apiIDAdapter struct{ ic ApiIDAwareAroundInterceptor }

func (a apiIDAdapter) Before(c *Call) error {
	a.ic.Before(c.Target, c.ApiID, c.Args)
	return nil
}

func (a apiIDAdapter) After(c *Call, result any, err error) error {
	a.ic.After(c.Target, c.ApiID, c.Args, result, err)
	return nil
}

type exceptionAdapter struct{ ic ExceptionAwareInterceptor }

func (a exceptionAdapter) Before(c *Call) error {
	return a.ic.Before(c.Target, c.Args)
}

func (a exceptionAdapter) After(c *Call, result any, err error) error {
	return a.ic.After(c.Target, c.Args, result, err)
}
