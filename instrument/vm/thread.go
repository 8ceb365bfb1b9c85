package vm

import (
	"fmt"

	"github.com/mrproliu/go-agent-weaver/frameworks/core"
	"github.com/mrproliu/go-agent-weaver/instrument/code"
	"github.com/pkg/errors"
)

// Thread runs methods on behalf of one logical call stack.
type Thread struct {
	m     *Machine
	stack *core.Stack
	depth int
}

func (t *Thread) Machine() *Machine {
	return t.m
}

// Stack is the execution context handle interceptors see in core.Call.
func (t *Thread) Stack() *core.Stack {
	return t.stack
}

// InvokeStatic runs a static method. An uncaught exception is returned as a
// *Throwable.
func (t *Thread) InvokeStatic(owner, name, desc string, args ...any) (any, error) {
	return t.enter(func() (any, *Object, error) {
		cls, thrown := t.resolveClass(owner)
		if thrown != nil {
			return nil, thrown, nil
		}
		if thrown := t.ensureInit(cls); thrown != nil {
			return nil, thrown, nil
		}
		k, mt := cls.FindMethod(name, desc)
		if mt == nil || !mt.IsStatic() {
			return nil, t.newThrowable(NoSuchMethodError, nativeKey(owner, name, desc)), nil
		}
		return t.call(k, mt, args)
	})
}

// InvokeVirtual dispatches name desc on the runtime class of recv.
func (t *Thread) InvokeVirtual(recv *Object, name, desc string, args ...any) (any, error) {
	return t.enter(func() (any, *Object, error) {
		if recv == nil {
			return nil, t.newThrowable(NullPointerException, ""), nil
		}
		k, mt := recv.Class.FindMethod(name, desc)
		if mt == nil || mt.IsStatic() {
			return nil, t.newThrowable(NoSuchMethodError, nativeKey(recv.Class.Name(), name, desc)), nil
		}
		return t.call(k, mt, append([]any{recv}, args...))
	})
}

// NewObject allocates an instance of class and runs the constructor desc.
func (t *Thread) NewObject(class, desc string, args ...any) (*Object, error) {
	var obj *Object
	_, err := t.enter(func() (any, *Object, error) {
		cls, thrown := t.resolveClass(class)
		if thrown != nil {
			return nil, thrown, nil
		}
		if thrown := t.ensureInit(cls); thrown != nil {
			return nil, thrown, nil
		}
		obj = t.alloc(cls)
		k, mt := cls.FindMethod(code.ConstructorName, desc)
		if mt == nil || k != cls {
			return nil, t.newThrowable(NoSuchMethodError, nativeKey(class, code.ConstructorName, desc)), nil
		}
		return t.call(k, mt, append([]any{obj}, args...))
	})
	if err != nil {
		return nil, err
	}
	return obj, nil
}

// Throw builds an exception a Native can return.
func (t *Thread) Throw(class, message string) *Throwable {
	return &Throwable{Object: t.newThrowable(class, message)}
}

func (t *Thread) enter(fn func() (any, *Object, error)) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Wrapf(ErrExecution, "panic: %v", r)
		}
	}()
	result, thrown, err := fn()
	if err != nil {
		return nil, err
	}
	if thrown != nil {
		return nil, &Throwable{Object: thrown}
	}
	return result, nil
}

func (t *Thread) resolveClass(name string) (*Class, *Object) {
	cls, ok := t.m.Class(name)
	if !ok {
		return nil, t.newThrowable(NoClassDefFoundError, name)
	}
	return cls, nil
}

// ensureInit runs <clinit> once per class. The initializing thread may touch
// the class again while the initializer runs.
func (t *Thread) ensureInit(c *Class) *Object {
	if c.initThread.Load() == t {
		return nil
	}
	c.initOnce.Do(func() {
		c.initThread.Store(t)
		defer c.initThread.Store(nil)
		if super := c.Super(); super != nil {
			if thrown := t.ensureInit(super); thrown != nil {
				c.initThrown = thrown
				return
			}
		}
		mt := c.ownMethod(code.InitializerName + "()V")
		if mt == nil {
			return
		}
		_, c.initThrown, c.initErr = t.call(c, mt, nil)
	})
	if c.initErr != nil {
		panic(c.initErr)
	}
	return c.initThrown
}

func (t *Thread) alloc(c *Class) *Object {
	return &Object{Class: c, Fields: c.instanceFields()}
}

func (t *Thread) newThrowable(class, message string) *Object {
	cls, ok := t.m.Class(class)
	if !ok {
		cls, _ = t.m.Class(ErrorClass)
	}
	obj := t.alloc(cls)
	if message != "" {
		obj.Fields[messageField] = message
	}
	return obj
}

func (t *Thread) call(cls *Class, mt *code.Method, args []any) (any, *Object, error) {
	switch {
	case mt.IsNative():
		return t.callNative(cls, mt, args)
	case mt.IsAbstract() || len(mt.Code) == 0:
		return nil, t.newThrowable(AbstractMethodError, nativeKey(cls.Name(), mt.Name, mt.Desc)), nil
	}
	if t.depth >= t.m.maxDepth {
		return nil, t.newThrowable(StackOverflowError, ""), nil
	}
	t.depth++
	defer func() { t.depth-- }()
	return t.run(mt, args)
}

func (t *Thread) callNative(cls *Class, mt *code.Method, args []any) (result any, thrown *Object, err error) {
	fn := t.m.native(cls.Name(), mt.Name, mt.Desc)
	if fn == nil {
		return nil, t.newThrowable(NoSuchMethodError, "native "+nativeKey(cls.Name(), mt.Name, mt.Desc)), nil
	}
	defer func() {
		if r := recover(); r != nil {
			thrown = t.newThrowable(ErrorClass, fmt.Sprintf("native %s.%s panicked: %v", cls.Name(), mt.Name, r))
		}
	}()
	result, nerr := fn(t, args)
	if nerr != nil {
		var th *Throwable
		if errors.As(nerr, &th) {
			return nil, th.Object, nil
		}
		thrown = t.newThrowable(RuntimeExceptionClass, nerr.Error())
		thrown.Host = nerr
		return nil, thrown, nil
	}
	return result, nil, nil
}

type frame struct {
	stack  []any
	locals []any
}

func (f *frame) push(v any) {
	f.stack = append(f.stack, v)
}

func (f *frame) pop() any {
	v := f.stack[len(f.stack)-1]
	f.stack = f.stack[:len(f.stack)-1]
	return v
}

// popN removes the top n values, keeping their order.
func (f *frame) popN(n int) []any {
	vs := make([]any, n)
	copy(vs, f.stack[len(f.stack)-n:])
	f.stack = f.stack[:len(f.stack)-n]
	return vs
}

func (t *Thread) handlerFor(mt *code.Method, pc int, thrown *Object) int {
	for _, h := range mt.Handlers {
		if pc < h.Start || pc >= h.End {
			continue
		}
		if h.Catch == "" || thrown.Class.IsSubclassOf(h.Catch) {
			return h.Target
		}
	}
	return -1
}

func (t *Thread) run(mt *code.Method, args []any) (any, *Object, error) {
	locals := len(args)
	if mt.MaxLocals > locals {
		locals = mt.MaxLocals
	}
	f := &frame{stack: make([]any, 0, mt.MaxStack+1), locals: make([]any, locals)}
	copy(f.locals, args)

	pc := 0
	for {
		if pc < 0 || pc >= len(mt.Code) {
			return nil, nil, errors.Wrapf(ErrExecution, "%s.%s%s: pc %d out of range", mt.Owner, mt.Name, mt.Desc, pc)
		}
		ins := mt.Code[pc]
		next := pc + 1
		var (
			thrown *Object
			err    error
		)
		switch ins.Op {
		case code.OpReturn:
			return f.pop(), nil, nil
		case code.OpReturnVoid:
			return nil, nil, nil
		case code.OpJump:
			next = ins.A
		case code.OpJumpIfTrue, code.OpJumpIfFalse:
			var b bool
			if b, err = truth(f.pop()); err == nil && b == (ins.Op == code.OpJumpIfTrue) {
				next = ins.A
			}
		case code.OpJumpIfNull:
			if isNull(f.pop()) {
				next = ins.A
			}
		case code.OpJumpIfNonNull:
			if !isNull(f.pop()) {
				next = ins.A
			}
		default:
			thrown, err = t.step(mt, ins, f)
		}
		if err != nil {
			return nil, nil, errors.Wrapf(err, "%s.%s%s @%04d %s", mt.Owner, mt.Name, mt.Desc, pc, ins)
		}
		if thrown != nil {
			target := t.handlerFor(mt, pc, thrown)
			if target < 0 {
				return nil, thrown, nil
			}
			f.stack = append(f.stack[:0], thrown)
			next = target
		}
		pc = next
	}
}

func isNull(v any) bool {
	if v == nil {
		return true
	}
	switch o := v.(type) {
	case *Object:
		return o == nil
	case *Array:
		return o == nil
	}
	return false
}
