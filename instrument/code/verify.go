package code

import (
	"github.com/mrproliu/go-agent-weaver/frameworks/core"
	"github.com/pkg/errors"
)

var ErrVerify = errors.New("verify")

// InterceptorOperands is the number of values an interceptor call of the
// given shape takes from the stack after the target.
func InterceptorOperands(shape core.Shape, argc int) (int, error) {
	switch shape {
	case core.ShapeZeroArg:
		return 0, nil
	case core.ShapeArg1, core.ShapeArg2, core.ShapeArg3, core.ShapeArg4, core.ShapeArg5:
		if argc < 0 || argc > shape.Arity() {
			return 0, errors.Wrapf(ErrVerify, "%s call with %d arguments", shape, argc)
		}
		return argc, nil
	case core.ShapeArgsArray, core.ShapeExceptionAware:
		return 1, nil
	case core.ShapeStatic:
		// class name, method name, parameter description, args
		return 4, nil
	case core.ShapeApiIDAware:
		return 2, nil
	}
	return 0, errors.Wrapf(ErrVerify, "unsupported interceptor shape %s", shape)
}

// StackEffect returns how many values ins pops and pushes.
func StackEffect(ins Instruction) (pop, push int, err error) {
	switch ins.Op {
	case OpNop, OpJump, OpReturnVoid, OpScopeLeave:
		return 0, 0, nil
	case OpPop, OpStore, OpReturn, OpThrow, OpPutStatic, OpInterceptorFault,
		OpJumpIfTrue, OpJumpIfFalse, OpJumpIfNull, OpJumpIfNonNull:
		return 1, 0, nil
	case OpDup:
		return 1, 2, nil
	case OpSwap:
		return 2, 2, nil
	case OpConstNull, OpConst, OpLoad, OpNew, OpGetStatic, OpScopeEnter, OpScopeCanLeave:
		return 0, 1, nil
	case OpAdd, OpSub, OpMul, OpDiv, OpRem, OpEq, OpNe, OpLt, OpLe, OpGt, OpGe, OpArrayLoad:
		return 2, 1, nil
	case OpNeg, OpConvert, OpGetField, OpInstanceOf, OpCheckCast, OpNewArray, OpArrayLength:
		return 1, 1, nil
	case OpPutField:
		return 2, 0, nil
	case OpArrayStore:
		return 3, 0, nil
	case OpMultiNewArray:
		if ins.A < 1 {
			return 0, 0, errors.Wrapf(ErrVerify, "%s with %d dimensions", ins.Op, ins.A)
		}
		return ins.A, 1, nil
	case OpPackArgs:
		if ins.A < 0 {
			return 0, 0, errors.Wrapf(ErrVerify, "%s %d", ins.Op, ins.A)
		}
		return ins.A, 1, nil
	case OpInvokeVirtual, OpInvokeStatic, OpInvokeSpecial:
		mt, err := ParseMethodDescriptor(ins.Desc)
		if err != nil {
			return 0, 0, err
		}
		pop = len(mt.Params)
		if ins.Op != OpInvokeStatic {
			pop++
		}
		if !mt.IsVoid() {
			push = 1
		}
		return pop, push, nil
	case OpInterceptorBefore, OpInterceptorAfter:
		n, err := InterceptorOperands(core.Shape(ins.B), ins.C)
		if err != nil {
			return 0, 0, err
		}
		pop = 1 + n
		if ins.Op == OpInterceptorAfter {
			pop += 2
		}
		return pop, 0, nil
	}
	return 0, 0, errors.Wrapf(ErrVerify, "unknown opcode %d", uint8(ins.Op))
}

// Verify checks the control flow and operand stack of m and recomputes
// MaxStack and MaxLocals. Every path must keep a consistent stack height,
// stay inside the body and end in a return or throw.
func Verify(m *Method) error {
	mt, err := m.Type()
	if err != nil {
		return err
	}
	slots := len(mt.Params)
	if !m.IsStatic() {
		slots++
	}
	if m.IsAbstract() || m.IsNative() {
		if len(m.Code) > 0 {
			return errors.Wrapf(ErrVerify, "%s.%s%s: abstract or native method with a body", m.Owner, m.Name, m.Desc)
		}
		m.MaxStack = 0
		m.MaxLocals = slots
		return nil
	}
	n := len(m.Code)
	if n == 0 {
		return errors.Wrapf(ErrVerify, "%s.%s%s: empty body", m.Owner, m.Name, m.Desc)
	}
	where := func(pc int, format string, args ...any) error {
		return errors.Wrapf(ErrVerify, "%s.%s%s @%04d: "+format, append([]any{m.Owner, m.Name, m.Desc, pc}, args...)...)
	}
	for i, h := range m.Handlers {
		if h.Start < 0 || h.End > n || h.Start >= h.End || h.Target < 0 || h.Target >= n {
			return where(h.Target, "handler %d has bad range [%d, %d)", i, h.Start, h.End)
		}
	}

	heights := make([]int, n)
	for i := range heights {
		heights[i] = -1
	}
	work := make([]int, 0, n)
	flow := func(from, pc, h int) error {
		if pc < 0 || pc >= n {
			return where(from, "control leaves the body")
		}
		switch heights[pc] {
		case -1:
			heights[pc] = h
			work = append(work, pc)
		case h:
		default:
			return where(pc, "stack height %d, reached with %d", heights[pc], h)
		}
		return nil
	}
	if err := flow(0, 0, 0); err != nil {
		return err
	}
	for _, h := range m.Handlers {
		if err := flow(h.Target, h.Target, 1); err != nil {
			return err
		}
	}

	maxStack, maxLocals := 0, slots
	for len(work) > 0 {
		pc := work[len(work)-1]
		work = work[:len(work)-1]
		ins := m.Code[pc]
		h := heights[pc]

		pop, push, err := StackEffect(ins)
		if err != nil {
			return where(pc, "%v", err)
		}
		if h < pop {
			return where(pc, "%s needs %d operands, has %d", ins.Op, pop, h)
		}
		next := h - pop + push
		if next > maxStack {
			maxStack = next
		}
		if h > maxStack {
			maxStack = h
		}
		switch ins.Op {
		case OpLoad, OpStore:
			if ins.A < 0 {
				return where(pc, "negative local %d", ins.A)
			}
			if ins.A+1 > maxLocals {
				maxLocals = ins.A + 1
			}
		case OpConst:
			if ins.Const == nil {
				return where(pc, "const without value")
			}
		case OpReturn:
			if mt.IsVoid() {
				return where(pc, "value return from void method")
			}
		case OpReturnVoid:
			if !mt.IsVoid() {
				return where(pc, "void return from %s method", mt.Return)
			}
		}
		if ins.Op.IsJump() {
			if err := flow(pc, ins.A, next); err != nil {
				return err
			}
		}
		if !ins.Op.IsExit() {
			if err := flow(pc, pc+1, next); err != nil {
				return err
			}
		}
	}
	m.MaxStack = maxStack
	if maxLocals > m.MaxLocals {
		m.MaxLocals = maxLocals
	}
	return nil
}
