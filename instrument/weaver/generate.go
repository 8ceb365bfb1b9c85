package weaver

import (
	"github.com/mrproliu/go-agent-weaver/frameworks/core"
	"github.com/mrproliu/go-agent-weaver/instrument/code"
)

type generator struct {
	asm        *code.Assembler
	method     *code.Method
	params     []code.Type
	void       bool
	resultSlot int
	thrownSlot int

	guards []guard
}

type guard struct {
	start, end, target code.Label
}

// generate lays the woven body out as
//
//	original code up to entry
//	before stages
//	original code from entry, returns redirected to exit
//	exit:  after stages (reverse), return
//	catch: after stages (reverse), rethrow
//
// followed by the guard handlers. The exception table lists the guards
// first, then the original handlers, then the catch-all over the body.
func (g *generator) generate(orig *code.Method, entry int, bindings []Binding) error {
	a := g.asm
	labels := make([]code.Label, len(orig.Code)+1)
	for i := range labels {
		labels[i] = a.NewLabel()
	}
	exit := a.NewLabel()

	emit := func(pc int) {
		ins := orig.Code[pc]
		if pc >= entry {
			switch ins.Op {
			case code.OpReturn:
				a.Store(g.resultSlot).Jump(code.OpJump, exit)
				return
			case code.OpReturnVoid:
				a.Jump(code.OpJump, exit)
				return
			}
		}
		if ins.Op.IsJump() {
			a.Jump(ins.Op, labels[ins.A])
			return
		}
		a.Emit(ins)
	}

	for pc := 0; pc < entry; pc++ {
		a.Mark(labels[pc])
		emit(pc)
	}
	for _, b := range bindings {
		g.before(b)
	}
	for pc := entry; pc < len(orig.Code); pc++ {
		a.Mark(labels[pc])
		emit(pc)
	}
	a.Mark(labels[len(orig.Code)])

	// normal exit
	a.Mark(exit)
	for i := len(bindings) - 1; i >= 0; i-- {
		g.after(bindings[i], g.pushResult, func() { a.Op(code.OpConstNull) })
	}
	if g.void {
		a.Op(code.OpReturnVoid)
	} else {
		a.Load(g.resultSlot).Op(code.OpReturn)
	}

	// exceptional exit
	catch := a.Here()
	a.Store(g.thrownSlot)
	for i := len(bindings) - 1; i >= 0; i-- {
		g.after(bindings[i], func() { a.Op(code.OpConstNull) }, func() { a.Load(g.thrownSlot) })
	}
	a.Load(g.thrownSlot).Op(code.OpThrow)

	for _, gd := range g.guards {
		a.Handler(gd.start, gd.end, gd.target, "")
	}
	for _, h := range orig.Handlers {
		a.Handler(labels[h.Start], labels[h.End], labels[h.Target], h.Catch)
	}
	a.Handler(labels[entry], labels[len(orig.Code)], catch, "")
	return nil
}

func (g *generator) pushResult() {
	if g.void {
		g.asm.Op(code.OpConstNull)
		return
	}
	g.asm.Load(g.resultSlot)
}

func (g *generator) slot(i int) int {
	if g.method.IsStatic() {
		return i
	}
	return i + 1
}

func (g *generator) pushTarget() {
	if g.method.IsStatic() {
		g.asm.Op(code.OpConstNull)
		return
	}
	g.asm.Load(0)
}

// pushOperands emits the shape specific marshalling and returns the argument
// count carried by the interceptor instruction.
func (g *generator) pushOperands(b Binding) int {
	a := g.asm
	pack := func() {
		for i := range g.params {
			a.Load(g.slot(i))
		}
		a.Emit(code.Instruction{Op: code.OpPackArgs, A: len(g.params)})
	}
	switch b.Shape {
	case core.ShapeArgsArray, core.ShapeExceptionAware:
		pack()
	case core.ShapeStatic:
		mt := code.MethodType{Params: g.params}
		a.Const(code.String(g.method.Owner)).
			Const(code.String(g.method.Name)).
			Const(code.String(mt.ParameterDescription()))
		pack()
	case core.ShapeApiIDAware:
		a.Const(code.Int(b.ApiID))
		pack()
	default:
		argc := b.Shape.Arity()
		if argc > len(g.params) {
			argc = len(g.params)
		}
		for i := 0; i < argc; i++ {
			a.Load(g.slot(i))
		}
		return argc
	}
	return 0
}

func (g *generator) interceptor(op code.Opcode, b Binding, argc int) {
	g.asm.Emit(code.Instruction{
		Op:    op,
		A:     b.InterceptorID,
		B:     int(b.Shape),
		C:     argc,
		Owner: g.method.Owner,
		Name:  g.method.Name,
		Desc:  g.method.Desc,
	})
}

func (g *generator) scopeOp(op code.Opcode, b Binding) {
	g.asm.Emit(code.Instruction{Op: op, Name: b.Scope, A: int(b.Policy)})
}

// guarded emits body inside its own handler that reports the failure and
// continues at the instruction after the guard.
func (g *generator) guarded(stage int, body func()) {
	a := g.asm
	done := a.NewLabel()
	gd := guard{start: a.Here()}
	body()
	gd.end = a.Here()
	a.Jump(code.OpJump, done)
	gd.target = a.Here()
	a.Emit(code.Instruction{Op: code.OpInterceptorFault, A: stage})
	a.Mark(done)
	g.guards = append(g.guards, gd)
}

func (g *generator) before(b Binding) {
	a := g.asm
	var skip code.Label
	if b.Scope != "" {
		skip = a.NewLabel()
		g.scopeOp(code.OpScopeEnter, b)
		a.Jump(code.OpJumpIfFalse, skip)
	}
	g.guarded(code.StageBefore, func() {
		g.pushTarget()
		argc := g.pushOperands(b)
		g.interceptor(code.OpInterceptorBefore, b, argc)
	})
	if b.Scope != "" {
		a.Mark(skip)
	}
}

func (g *generator) after(b Binding, result, thrown func()) {
	a := g.asm
	var leave code.Label
	if b.Scope != "" {
		leave = a.NewLabel()
		g.scopeOp(code.OpScopeCanLeave, b)
		a.Jump(code.OpJumpIfFalse, leave)
	}
	g.guarded(code.StageAfter, func() {
		g.pushTarget()
		argc := g.pushOperands(b)
		result()
		thrown()
		g.interceptor(code.OpInterceptorAfter, b, argc)
	})
	if b.Scope != "" {
		a.Mark(leave)
		g.scopeOp(code.OpScopeLeave, b)
	}
}
