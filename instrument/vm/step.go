package vm

import (
	"github.com/mrproliu/go-agent-weaver/instrument/code"
	"github.com/pkg/errors"
)

// step executes every instruction that does not transfer control by itself.
func (t *Thread) step(mt *code.Method, ins code.Instruction, f *frame) (*Object, error) {
	switch ins.Op {
	case code.OpNop:
	case code.OpPop:
		f.pop()
	case code.OpDup:
		v := f.pop()
		f.push(v)
		f.push(v)
	case code.OpSwap:
		b, a := f.pop(), f.pop()
		f.push(b)
		f.push(a)
	case code.OpConstNull:
		f.push(nil)
	case code.OpConst:
		f.push(ins.Const.Value())
	case code.OpLoad:
		f.push(f.locals[ins.A])
	case code.OpStore:
		f.locals[ins.A] = f.pop()

	case code.OpAdd, code.OpSub, code.OpMul, code.OpDiv, code.OpRem:
		b, a := f.pop(), f.pop()
		v, divZero, err := arith(ins.Op, a, b)
		if err != nil {
			return nil, err
		}
		if divZero {
			return t.newThrowable(ArithmeticException, "/ by zero"), nil
		}
		f.push(v)
	case code.OpNeg:
		v, err := negate(f.pop())
		if err != nil {
			return nil, err
		}
		f.push(v)
	case code.OpConvert:
		target, err := code.ParseType(ins.Desc)
		if err != nil {
			return nil, err
		}
		v, err := convert(f.pop(), target.Kind)
		if err != nil {
			return nil, err
		}
		f.push(v)
	case code.OpEq, code.OpNe, code.OpLt, code.OpLe, code.OpGt, code.OpGe:
		b, a := f.pop(), f.pop()
		v, err := compare(ins.Op, a, b)
		if err != nil {
			return nil, err
		}
		f.push(v)

	case code.OpNew:
		cls, thrown := t.resolveClass(ins.Owner)
		if thrown != nil {
			return thrown, nil
		}
		if thrown := t.ensureInit(cls); thrown != nil {
			return thrown, nil
		}
		f.push(t.alloc(cls))
	case code.OpGetField:
		obj, thrown, err := t.receiver(f.pop())
		if thrown != nil || err != nil {
			return thrown, err
		}
		v, ok := obj.Fields[ins.Name]
		if !ok {
			return t.newThrowable(NoSuchFieldError, ins.Owner+"."+ins.Name), nil
		}
		f.push(v)
	case code.OpPutField:
		v := f.pop()
		obj, thrown, err := t.receiver(f.pop())
		if thrown != nil || err != nil {
			return thrown, err
		}
		if _, ok := obj.Fields[ins.Name]; !ok {
			return t.newThrowable(NoSuchFieldError, ins.Owner+"."+ins.Name), nil
		}
		obj.Fields[ins.Name] = v
	case code.OpGetStatic, code.OpPutStatic:
		cls, thrown := t.resolveClass(ins.Owner)
		if thrown != nil {
			return thrown, nil
		}
		if thrown := t.ensureInit(cls); thrown != nil {
			return thrown, nil
		}
		if ins.Op == code.OpGetStatic {
			v, ok := cls.Static(ins.Name)
			if !ok {
				return t.newThrowable(NoSuchFieldError, ins.Owner+"."+ins.Name), nil
			}
			f.push(v)
		} else if !cls.setStatic(ins.Name, f.pop()) {
			return t.newThrowable(NoSuchFieldError, ins.Owner+"."+ins.Name), nil
		}
	case code.OpInstanceOf:
		f.push(t.instanceOf(f.pop(), ins.Owner))
	case code.OpCheckCast:
		v := f.pop()
		if !isNull(v) && !t.instanceOf(v, ins.Owner) {
			return t.newThrowable(ClassCastException, ins.Owner), nil
		}
		f.push(v)

	case code.OpInvokeVirtual, code.OpInvokeStatic, code.OpInvokeSpecial:
		return t.invoke(ins, f)

	case code.OpNewArray:
		elem, err := code.ParseType(ins.Desc)
		if err != nil {
			return nil, err
		}
		n, err := toInt(f.pop())
		if err != nil {
			return nil, err
		}
		if n < 0 {
			return t.newThrowable(NegativeArraySizeException, ""), nil
		}
		f.push(newArray(code.Type{Kind: code.KindArray, Elem: &elem}, []int{n}))
	case code.OpMultiNewArray:
		typ, err := code.ParseType(ins.Desc)
		if err != nil {
			return nil, err
		}
		if typ.Dims() < ins.A {
			return nil, errors.Errorf("%s has fewer than %d dimensions", ins.Desc, ins.A)
		}
		dims := make([]int, ins.A)
		for i, v := range f.popN(ins.A) {
			if dims[i], err = toInt(v); err != nil {
				return nil, err
			}
			if dims[i] < 0 {
				return t.newThrowable(NegativeArraySizeException, ""), nil
			}
		}
		f.push(newArray(typ, dims))
	case code.OpArrayLoad:
		idx, ref := f.pop(), f.pop()
		arr, i, thrown, err := t.element(ref, idx)
		if thrown != nil || err != nil {
			return thrown, err
		}
		f.push(arr.Values[i])
	case code.OpArrayStore:
		v, idx, ref := f.pop(), f.pop(), f.pop()
		arr, i, thrown, err := t.element(ref, idx)
		if thrown != nil || err != nil {
			return thrown, err
		}
		arr.Values[i] = v
	case code.OpArrayLength:
		ref := f.pop()
		if isNull(ref) {
			return t.newThrowable(NullPointerException, "array length"), nil
		}
		arr, ok := ref.(*Array)
		if !ok {
			return nil, errors.Errorf("array length of %T", ref)
		}
		f.push(int32(arr.Len()))

	case code.OpThrow:
		v := f.pop()
		if isNull(v) {
			return t.newThrowable(NullPointerException, "throw null"), nil
		}
		obj, ok := v.(*Object)
		if !ok || !obj.Class.IsSubclassOf(ThrowableClass) {
			return t.newThrowable(ClassCastException, "not a throwable"), nil
		}
		return obj, nil

	case code.OpPackArgs:
		f.push(f.popN(ins.A))
	case code.OpInterceptorBefore, code.OpInterceptorAfter:
		return t.intercept(ins, f)
	case code.OpInterceptorFault:
		t.fault(mt, ins.A, f.pop())
	case code.OpScopeEnter, code.OpScopeCanLeave, code.OpScopeLeave:
		t.scopeOp(ins, f)

	default:
		return nil, errors.Errorf("unsupported opcode %s", ins.Op)
	}
	return nil, nil
}

func (t *Thread) receiver(v any) (*Object, *Object, error) {
	if isNull(v) {
		return nil, t.newThrowable(NullPointerException, ""), nil
	}
	obj, ok := v.(*Object)
	if !ok {
		return nil, nil, errors.Errorf("receiver is %T", v)
	}
	return obj, nil, nil
}

func (t *Thread) instanceOf(v any, class string) bool {
	switch o := v.(type) {
	case *Object:
		return o != nil && o.Class.IsSubclassOf(class)
	case *Array:
		return o != nil && (class == code.RootClass || class == o.Type.Descriptor())
	case string:
		return class == StringClass || class == code.RootClass
	}
	return false
}

func (t *Thread) element(ref, idx any) (*Array, int, *Object, error) {
	if isNull(ref) {
		return nil, 0, t.newThrowable(NullPointerException, "array access"), nil
	}
	arr, ok := ref.(*Array)
	if !ok {
		return nil, 0, nil, errors.Errorf("array access on %T", ref)
	}
	i, err := toInt(idx)
	if err != nil {
		return nil, 0, nil, err
	}
	if i < 0 || i >= arr.Len() {
		return nil, 0, t.newThrowable(ArrayIndexOutOfBoundsException, "index out of range"), nil
	}
	return arr, i, nil, nil
}

func newArray(typ code.Type, dims []int) *Array {
	arr := &Array{Type: typ, Values: make([]any, dims[0])}
	for i := range arr.Values {
		if len(dims) > 1 {
			arr.Values[i] = newArray(*typ.Elem, dims[1:])
		} else {
			arr.Values[i] = typ.Elem.Zero()
		}
	}
	return arr
}

func (t *Thread) invoke(ins code.Instruction, f *frame) (*Object, error) {
	mtype, err := t.m.methodType(ins.Desc)
	if err != nil {
		return nil, err
	}
	n := len(mtype.Params)
	if ins.Op != code.OpInvokeStatic {
		n++
	}
	args := f.popN(n)

	var (
		cls *Class
		mt  *code.Method
	)
	switch ins.Op {
	case code.OpInvokeStatic:
		owner, thrown := t.resolveClass(ins.Owner)
		if thrown != nil {
			return thrown, nil
		}
		if thrown := t.ensureInit(owner); thrown != nil {
			return thrown, nil
		}
		cls, mt = owner.FindMethod(ins.Name, ins.Desc)
	case code.OpInvokeSpecial:
		if isNull(args[0]) {
			return t.newThrowable(NullPointerException, ""), nil
		}
		owner, thrown := t.resolveClass(ins.Owner)
		if thrown != nil {
			return thrown, nil
		}
		cls, mt = owner.FindMethod(ins.Name, ins.Desc)
	case code.OpInvokeVirtual:
		recv, thrown, err := t.receiver(args[0])
		if thrown != nil || err != nil {
			return thrown, err
		}
		cls, mt = recv.Class.FindMethod(ins.Name, ins.Desc)
	}
	if mt == nil || mt.IsStatic() != (ins.Op == code.OpInvokeStatic) {
		return t.newThrowable(NoSuchMethodError, nativeKey(ins.Owner, ins.Name, ins.Desc)), nil
	}
	result, thrown, err := t.call(cls, mt, args)
	if thrown != nil || err != nil {
		return thrown, err
	}
	if !mtype.IsVoid() {
		f.push(result)
	}
	return nil, nil
}
