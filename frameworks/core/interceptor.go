package core

// MethodDescriptor identifies an instrumented method: owner type, name and
// the parameter part of its descriptor.
type MethodDescriptor struct {
	ClassName            string
	MethodName           string
	ParameterDescription string
}

func (m MethodDescriptor) String() string {
	return m.ClassName + "." + m.MethodName + m.ParameterDescription
}

// Call is what a woven call site hands over to a Callback. The fields a given
// interceptor sees depend on the shape it was bound with.
type Call struct {
	Stack  *Stack
	Target any // nil for static methods
	Args   []any
	ApiID  int32
	Method MethodDescriptor
}

// Arg returns the i-th argument, or nil when the method declares fewer.
func (c *Call) Arg(i int) any {
	if c == nil || i < 0 || i >= len(c.Args) {
		return nil
	}
	return c.Args[i]
}

// Callback is the uniform entry point driven by woven code. Registry entries
// are stored as callbacks so the hot path never inspects interceptor types.
//
// An interceptor may implement Callback itself when it needs the call stack
// handle; it is then bound with the args array shape.
type Callback interface {
	Before(call *Call) error
	After(call *Call, result any, err error) error
}

// AroundInterceptor receives every argument as an array.
type AroundInterceptor interface {
	Before(target any, args []any)
	After(target any, args []any, result any, err error)
}

type AroundInterceptor0 interface {
	Before(target any)
	After(target any, result any, err error)
}

type AroundInterceptor1 interface {
	Before(target any, arg0 any)
	After(target any, arg0 any, result any, err error)
}

type AroundInterceptor2 interface {
	Before(target any, arg0, arg1 any)
	After(target any, arg0, arg1 any, result any, err error)
}

type AroundInterceptor3 interface {
	Before(target any, arg0, arg1, arg2 any)
	After(target any, arg0, arg1, arg2 any, result any, err error)
}

type AroundInterceptor4 interface {
	Before(target any, arg0, arg1, arg2, arg3 any)
	After(target any, arg0, arg1, arg2, arg3 any, result any, err error)
}

type AroundInterceptor5 interface {
	Before(target any, arg0, arg1, arg2, arg3, arg4 any)
	After(target any, arg0, arg1, arg2, arg3, arg4 any, result any, err error)
}

// StaticAroundInterceptor additionally receives the static description of
// the intercepted method.
type StaticAroundInterceptor interface {
	Before(target any, className, methodName, parameterDescription string, args []any)
	After(target any, className, methodName, parameterDescription string, args []any, result any, err error)
}

// ApiIDAwareAroundInterceptor receives the api id resolved for the method at
// weave time.
type ApiIDAwareAroundInterceptor interface {
	Before(target any, apiID int32, args []any)
	After(target any, apiID int32, args []any, result any, err error)
}

// ExceptionAwareInterceptor reports its own failures as errors instead of
// panicking. Returned errors take the same path as a panic in any other
// shape: they are logged and never reach the instrumented code.
type ExceptionAwareInterceptor interface {
	Before(target any, args []any) error
	After(target any, args []any, result any, err error) error
}
