package weaver

import (
	"runtime"
	"testing"

	"github.com/mrproliu/go-agent-weaver/frameworks/core"
	"github.com/mrproliu/go-agent-weaver/frameworks/core/registry"
	"github.com/mrproliu/go-agent-weaver/frameworks/core/scope"
	"github.com/mrproliu/go-agent-weaver/instrument/code"
	"github.com/mrproliu/go-agent-weaver/instrument/vm"
	"github.com/mrproliu/go-agent-weaver/internal/telemetry"
	"github.com/stretchr/testify/require"
)

const (
	targetClass = "demo/Target"
	childClass  = "demo/Child"
)

type record struct {
	stage  string
	target any
	args   []any
	result any
	err    error
	apiID  int32
	method core.MethodDescriptor
}

type argsRecorder struct{ records []record }

func (r *argsRecorder) Before(target any, args []any) {
	r.records = append(r.records, record{stage: "before", target: target, args: args})
}

func (r *argsRecorder) After(target any, args []any, result any, err error) {
	r.records = append(r.records, record{stage: "after", target: target, args: args, result: result, err: err})
}

type staticRecorder struct{ records []record }

func (r *staticRecorder) Before(target any, className, methodName, parameterDescription string, args []any) {
	r.records = append(r.records, record{stage: "before", target: target, args: args,
		method: core.MethodDescriptor{ClassName: className, MethodName: methodName, ParameterDescription: parameterDescription}})
}

func (r *staticRecorder) After(target any, className, methodName, parameterDescription string, args []any, result any, err error) {
	r.records = append(r.records, record{stage: "after", target: target, args: args, result: result, err: err,
		method: core.MethodDescriptor{ClassName: className, MethodName: methodName, ParameterDescription: parameterDescription}})
}

type apiRecorder struct{ records []record }

func (r *apiRecorder) Before(target any, apiID int32, args []any) {
	r.records = append(r.records, record{stage: "before", target: target, apiID: apiID, args: args})
}

func (r *apiRecorder) After(target any, apiID int32, args []any, result any, err error) {
	r.records = append(r.records, record{stage: "after", target: target, apiID: apiID, args: args, result: result, err: err})
}

type arg2Recorder struct{ records []record }

func (r *arg2Recorder) Before(target any, arg0, arg1 any) {
	r.records = append(r.records, record{stage: "before", target: target, args: []any{arg0, arg1}})
}

func (r *arg2Recorder) After(target any, arg0, arg1 any, result any, err error) {
	r.records = append(r.records, record{stage: "after", target: target, args: []any{arg0, arg1}, result: result, err: err})
}

type arg5Recorder struct{ records []record }

func (r *arg5Recorder) Before(target any, arg0, arg1, arg2, arg3, arg4 any) {
	r.records = append(r.records, record{stage: "before", target: target, args: []any{arg0, arg1, arg2, arg3, arg4}})
}

func (r *arg5Recorder) After(target any, arg0, arg1, arg2, arg3, arg4 any, result any, err error) {
	r.records = append(r.records, record{stage: "after", target: target, args: []any{arg0, arg1, arg2, arg3, arg4}, result: result, err: err})
}

// named appends name.stage to a shared log.
type named struct {
	name string
	log  *[]string
}

func (n *named) Before(target any) {
	*n.log = append(*n.log, n.name+".before")
}

func (n *named) After(target any, result any, err error) {
	*n.log = append(*n.log, n.name+".after")
}

type panicking struct{}

func (panicking) Before(call *core.Call) error {
	panic("before")
}

func (panicking) After(call *core.Call, result any, err error) error {
	panic("after")
}

type fixture struct {
	t       *testing.T
	metrics *telemetry.Metrics
	reg     *registry.Registry
	machine *vm.Machine
	cls     *code.Class
	child   *code.Class
	leases  []*registry.Lease
}

func newFixture(t *testing.T) *fixture {
	metrics := telemetry.New()
	reg, err := registry.New(64, registry.WithMetrics(metrics))
	require.NoError(t, err)
	machine, err := vm.New(vm.WithRegistry(reg), vm.WithMetrics(metrics))
	require.NoError(t, err)
	f := &fixture{t: t, metrics: metrics, reg: reg, machine: machine}
	f.cls, f.child = demoClasses(t)
	require.NoError(t, machine.Load(f.cls, f.child))
	t.Cleanup(func() { runtime.KeepAlive(f.leases) })
	return f
}

func (f *fixture) bind(ic any, scopeName string, policy scope.Policy) Binding {
	lease, err := f.reg.Register(ic)
	require.NoError(f.t, err)
	f.leases = append(f.leases, lease)
	return Binding{InterceptorID: lease.ID(), Shape: lease.Shape(), Scope: scopeName, Policy: policy}
}

// weave replaces the method in its class and reloads the class.
func (f *fixture) weave(cls *code.Class, name, desc string, bindings ...Binding) *code.Method {
	m := cls.Method(name, desc)
	require.NotNil(f.t, m, name+desc)
	woven, err := Weave(cls, m, bindings...)
	require.NoError(f.t, err)
	require.True(f.t, cls.Replace(woven))
	require.NoError(f.t, f.machine.Load(cls))
	return woven
}

func build(t *testing.T, m *code.Method, body func(a *code.Assembler)) *code.Method {
	a := code.NewAssembler()
	body(a)
	require.NoError(t, a.Build(m), m.Name+m.Desc)
	return m
}

func throwNew(a *code.Assembler, class, msg string) {
	a.New(class).Op(code.OpDup).Const(code.String(msg)).
		Invoke(code.OpInvokeSpecial, class, code.ConstructorName, "(Ljava/lang/String;)V").
		Op(code.OpThrow)
}

func demoClasses(t *testing.T) (*code.Class, *code.Class) {
	static := code.FlagStatic
	superInit := func(a *code.Assembler) {
		a.Load(0).Invoke(code.OpInvokeSpecial, code.RootClass, code.ConstructorName, "()V")
	}
	target := &code.Class{
		Name:   targetClass,
		Fields: []code.Field{{Name: "value", Desc: "I"}},
		Methods: []*code.Method{
			build(t, &code.Method{Owner: targetClass, Name: code.ConstructorName, Desc: "()V"}, func(a *code.Assembler) {
				superInit(a)
				a.Op(code.OpReturnVoid)
			}),
			build(t, &code.Method{Owner: targetClass, Name: code.ConstructorName, Desc: "(I)V"}, func(a *code.Assembler) {
				superInit(a)
				a.Load(0).Load(1).Field(code.OpPutField, targetClass, "value").Op(code.OpReturnVoid)
			}),
			build(t, &code.Method{Owner: targetClass, Name: code.ConstructorName, Desc: "(Z)V"}, func(a *code.Assembler) {
				ok := a.NewLabel()
				superInit(a)
				a.Load(1).Jump(code.OpJumpIfFalse, ok)
				throwNew(a, vm.RuntimeExceptionClass, "ctor")
				a.Mark(ok)
				a.Op(code.OpReturnVoid)
			}),
			build(t, &code.Method{Owner: targetClass, Name: "sum", Desc: "(III)I", Flags: static}, func(a *code.Assembler) {
				a.Load(0).Load(1).Op(code.OpAdd).Load(2).Op(code.OpAdd).Op(code.OpReturn)
			}),
			build(t, &code.Method{Owner: targetClass, Name: "noop", Desc: "()V", Flags: static}, func(a *code.Assembler) {
				a.Op(code.OpReturnVoid)
			}),
			build(t, &code.Method{Owner: targetClass, Name: "boom", Desc: "(III)V", Flags: static}, func(a *code.Assembler) {
				throwNew(a, vm.RuntimeExceptionClass, "boom")
			}),
			build(t, &code.Method{Owner: targetClass, Name: "greet", Desc: "(Ljava/lang/String;)Ljava/lang/String;"}, func(a *code.Assembler) {
				a.Const(code.String("hello ")).Load(1).Op(code.OpAdd).Op(code.OpReturn)
			}),
			build(t, &code.Method{Owner: targetClass, Name: "safeDiv", Desc: "(II)I", Flags: static}, func(a *code.Assembler) {
				start, end, handler := a.NewLabel(), a.NewLabel(), a.NewLabel()
				a.Mark(start)
				a.Load(0).Load(1).Op(code.OpDiv)
				a.Mark(end)
				a.Op(code.OpReturn)
				a.Mark(handler)
				a.Op(code.OpPop).Const(code.Int(-1)).Op(code.OpReturn)
				a.Handler(start, end, handler, vm.ArithmeticException)
			}),
			build(t, &code.Method{Owner: targetClass, Name: "fact", Desc: "(I)I", Flags: static}, func(a *code.Assembler) {
				rec := a.NewLabel()
				a.Load(0).Const(code.Int(1)).Op(code.OpLe).Jump(code.OpJumpIfFalse, rec)
				a.Const(code.Int(1)).Op(code.OpReturn)
				a.Mark(rec)
				a.Load(0).Load(0).Const(code.Int(1)).Op(code.OpSub).
					Invoke(code.OpInvokeStatic, targetClass, "fact", "(I)I").
					Op(code.OpMul).Op(code.OpReturn)
			}),
			build(t, &code.Method{Owner: targetClass, Name: "mixed", Desc: "(ZBCSJFD[I[[Ljava/lang/String;Ljava/lang/Integer;)V", Flags: static}, func(a *code.Assembler) {
				a.Op(code.OpReturnVoid)
			}),
			{Owner: targetClass, Name: "run", Desc: "()V", Flags: code.FlagAbstract},
			{Owner: targetClass, Name: "now", Desc: "()J", Flags: code.FlagNative | static},
		},
	}
	child := &code.Class{
		Name:  childClass,
		Super: targetClass,
		Methods: []*code.Method{
			build(t, &code.Method{Owner: childClass, Name: code.ConstructorName, Desc: "(I)V"}, func(a *code.Assembler) {
				a.Load(0).Load(1).Invoke(code.OpInvokeSpecial, targetClass, code.ConstructorName, "(I)V").Op(code.OpReturnVoid)
			}),
		},
	}
	return target, child
}
