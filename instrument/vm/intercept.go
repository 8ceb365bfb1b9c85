package vm

import (
	"fmt"

	"github.com/mrproliu/go-agent-weaver/frameworks/core"
	"github.com/mrproliu/go-agent-weaver/frameworks/core/scope"
	"github.com/mrproliu/go-agent-weaver/instrument/code"
	"github.com/mrproliu/go-agent-weaver/internal/telemetry"
	"github.com/pkg/errors"
)

// intercept unmarshals the operands pushed by a woven call site and drives
// the registered callback. A failing or panicking callback surfaces as an
// InterceptorError for the call site guard to catch.
func (t *Thread) intercept(ins code.Instruction, f *frame) (*Object, error) {
	shape := core.Shape(ins.B)
	n, err := code.InterceptorOperands(shape, ins.C)
	if err != nil {
		return nil, err
	}
	after := ins.Op == code.OpInterceptorAfter
	var (
		result any
		failed error
	)
	if after {
		thrown := f.pop()
		result = f.pop()
		if obj, ok := thrown.(*Object); ok && obj != nil {
			failed = &Throwable{Object: obj}
		}
	}
	operands := f.popN(n)
	call := &core.Call{
		Stack:  t.stack,
		Target: f.pop(),
		Method: t.m.describe(ins.Owner, ins.Name, ins.Desc),
	}
	switch shape {
	case core.ShapeArgsArray, core.ShapeExceptionAware:
		call.Args, err = argsOperand(operands[0])
	case core.ShapeStatic:
		var names [3]string
		for i := range names {
			s, ok := operands[i].(string)
			if !ok {
				return nil, errors.Errorf("static call site operand %d is %T", i, operands[i])
			}
			names[i] = s
		}
		call.Method = core.MethodDescriptor{ClassName: names[0], MethodName: names[1], ParameterDescription: names[2]}
		call.Args, err = argsOperand(operands[3])
	case core.ShapeApiIDAware:
		id, ok := operands[0].(int32)
		if !ok {
			return nil, errors.Errorf("api id operand is %T", operands[0])
		}
		call.ApiID = id
		call.Args, err = argsOperand(operands[1])
	default:
		call.Args = operands
	}
	if err != nil {
		return nil, err
	}

	cb := t.m.registry.Resolve(ins.A)
	if after {
		err = t.guarded(func() error { return cb.After(call, result, failed) })
	} else {
		err = t.guarded(func() error { return cb.Before(call) })
	}
	if err != nil {
		obj := t.newThrowable(InterceptorError, err.Error())
		obj.Host = err
		return obj, nil
	}
	return nil, nil
}

func argsOperand(v any) ([]any, error) {
	if v == nil {
		return nil, nil
	}
	args, ok := v.([]any)
	if !ok {
		return nil, errors.Errorf("args operand is %T", v)
	}
	return args, nil
}

func (t *Thread) guarded(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = errors.Wrap(e, "interceptor panic")
				return
			}
			err = errors.Errorf("interceptor panic: %v", r)
		}
	}()
	return fn()
}

// fault is the body of every call site guard: log, count, carry on.
func (t *Thread) fault(mt *code.Method, stage int, v any) {
	name := telemetry.StageBefore
	if stage == code.StageAfter {
		name = telemetry.StageAfter
	}
	t.m.metrics.Fault(name)
	var err error = errors.New("unknown failure")
	if obj, ok := v.(*Object); ok && obj != nil {
		err = &Throwable{Object: obj}
	}
	t.m.log.Error(err, "interceptor failed", "stage", name, "method", mt.Owner+"."+mt.Name+mt.Desc)
}

func (t *Thread) scopeOp(ins code.Instruction, f *frame) {
	policy := scope.Policy(ins.A)
	sc := t.m.scopes.Get(ins.Name)
	inv := sc.Current(t.stack)
	switch ins.Op {
	case code.OpScopeEnter:
		ok := inv.TryEnter(policy)
		if !ok {
			t.skipped("tryEnter", inv, policy)
		}
		f.push(ok)
	case code.OpScopeCanLeave:
		ok := inv.CanLeave(policy)
		if !ok {
			t.skipped("canLeave", inv, policy)
		}
		f.push(ok)
	case code.OpScopeLeave:
		if !inv.Leave(policy) {
			t.m.log.Info("unbalanced scope leave", "scope", ins.Name, "policy", policy.String(), "invocation", inv.String())
		}
	}
}

func (t *Thread) skipped(stage string, inv *scope.Invocation, policy scope.Policy) {
	t.m.metrics.Skipped(inv.Name())
	if t.m.log.V(1).Enabled() {
		t.m.log.V(1).Info(fmt.Sprintf("%s() returns false, skip interceptor", stage),
			"invocation", inv.String(), "policy", policy.String())
	}
}
