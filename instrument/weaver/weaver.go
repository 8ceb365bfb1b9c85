// Package weaver injects interceptor calls into code.Methods.
//
// A woven method calls every bound interceptor's before stage on entry and
// its after stage exactly once on every exit, normal or exceptional. Each
// interceptor call is wrapped in its own guard so a failing interceptor never
// changes what the original body returns or throws.
package weaver

import (
	"github.com/go-logr/logr"
	"github.com/mrproliu/go-agent-weaver/frameworks/core"
	"github.com/mrproliu/go-agent-weaver/instrument/code"
	"github.com/mrproliu/go-agent-weaver/internal/telemetry"
	"github.com/pkg/errors"
)

type Binding = code.Binding

var (
	// ErrSkipped is returned for methods without a body. It is not a failure.
	ErrSkipped          = errors.New("method has no body to weave")
	ErrInvalidBinding   = errors.New("invalid interceptor binding")
	ErrUnsupportedBody  = errors.New("unsupported method body")
)

// Results reported to the woven methods counter.
const (
	ResultWoven   = "woven"
	ResultSkipped = "skipped"
	ResultFailed  = "failed"
)

type Weaver struct {
	log     logr.Logger
	metrics *telemetry.Metrics
}

type Option func(w *Weaver)

func WithLogger(log logr.Logger) Option {
	return func(w *Weaver) {
		w.log = log
	}
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(w *Weaver) {
		w.metrics = m
	}
}

func New(opts ...Option) *Weaver {
	w := &Weaver{log: logr.Discard()}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Weave is New().Weave.
func Weave(cls *code.Class, m *code.Method, bindings ...Binding) (*code.Method, error) {
	return New().Weave(cls, m, bindings...)
}

// Weave returns a copy of m with bindings applied. Bindings nest like an
// onion: before stages run in binding order, after stages in reverse order.
// Weaving a woven method again starts from its original body with the
// previous bindings followed by the new ones; a binding whose interceptor is
// already applied is ignored.
func (w *Weaver) Weave(cls *code.Class, m *code.Method, bindings ...Binding) (*code.Method, error) {
	woven, err := w.weave(cls, m, bindings)
	switch {
	case errors.Is(err, ErrSkipped):
		w.metrics.Woven(ResultSkipped)
		w.log.V(1).Info("method skipped", "method", m.Owner+"."+m.Name+m.Desc)
	case err != nil:
		w.metrics.Woven(ResultFailed)
	default:
		w.metrics.Woven(ResultWoven)
		w.log.V(1).Info("method woven", "method", m.Owner+"."+m.Name+m.Desc, "bindings", len(woven.Origin.Bindings))
	}
	return woven, err
}

func (w *Weaver) weave(cls *code.Class, m *code.Method, bindings []Binding) (*code.Method, error) {
	if m.IsAbstract() || m.IsNative() || (len(m.Code) == 0 && !m.IsWoven()) {
		return nil, errors.Wrapf(ErrSkipped, "%s.%s%s", m.Owner, m.Name, m.Desc)
	}
	if len(bindings) == 0 {
		return nil, errors.Wrap(ErrInvalidBinding, "no bindings")
	}
	for _, b := range bindings {
		if err := validate(b); err != nil {
			return nil, err
		}
	}
	mt, err := m.Type()
	if err != nil {
		return nil, err
	}

	orig := m.Clone()
	orig.Origin = nil
	all := make([]Binding, 0, len(bindings))
	if m.IsWoven() {
		orig.Code = m.Origin.Code
		orig.Handlers = m.Origin.Handlers
		orig.MaxLocals = m.Origin.MaxLocals
		orig.MaxStack = m.Origin.MaxStack
		all = append(all, m.Origin.Bindings...)
	}
	if err := code.Verify(orig); err != nil {
		return nil, err
	}
	for _, b := range bindings {
		if !applied(all, b.InterceptorID) {
			all = append(all, b)
		}
	}

	entry := 0
	if m.IsConstructor() {
		if entry, err = initCallEnd(cls, orig); err != nil {
			return nil, err
		}
	}

	out := &code.Method{
		Owner:     m.Owner,
		Name:      m.Name,
		Desc:      m.Desc,
		Flags:     m.Flags,
		MaxLocals: orig.MaxLocals + 2,
		Origin: &code.Origin{
			Code:      orig.Code,
			Handlers:  orig.Handlers,
			MaxLocals: orig.MaxLocals,
			MaxStack:  orig.MaxStack,
			Bindings:  all,
		},
	}
	g := &generator{
		asm:        code.NewAssembler(),
		method:     out,
		params:     mt.Params,
		void:       mt.IsVoid(),
		resultSlot: orig.MaxLocals,
		thrownSlot: orig.MaxLocals + 1,
	}
	if err := g.generate(orig, entry, all); err != nil {
		return nil, err
	}
	if err := g.asm.Build(out); err != nil {
		return nil, errors.Wrapf(err, "weave %s.%s%s", m.Owner, m.Name, m.Desc)
	}
	return out, nil
}

func validate(b Binding) error {
	if !b.Shape.Valid() {
		return errors.Wrapf(ErrInvalidBinding, "interceptor %d: %v", b.InterceptorID, core.ErrUnsupportedShape)
	}
	if !b.Policy.Valid() {
		return errors.Wrapf(ErrInvalidBinding, "interceptor %d: policy %d", b.InterceptorID, b.Policy)
	}
	if b.InterceptorID < 0 {
		return errors.Wrapf(ErrInvalidBinding, "interceptor id %d", b.InterceptorID)
	}
	return nil
}

func applied(bindings []Binding, id int) bool {
	for _, b := range bindings {
		if b.InterceptorID == id {
			return true
		}
	}
	return false
}

// initCallEnd finds the instruction after the constructor call that
// initializes this, either super(...) or this(...). Interceptors can only see
// the receiver once it is initialized.
func initCallEnd(cls *code.Class, m *code.Method) (int, error) {
	var tags []bool // true when the slot holds the uninitialized receiver
	for pc, ins := range m.Code {
		if ins.Op == code.OpInvokeSpecial && ins.Name == code.ConstructorName {
			mt, err := code.ParseMethodDescriptor(ins.Desc)
			if err != nil {
				return 0, err
			}
			recv := len(tags) - 1 - len(mt.Params)
			if recv >= 0 && tags[recv] {
				return pc + 1, nil
			}
		}
		if ins.Op.IsJump() || ins.Op.IsExit() {
			break
		}
		pop, push, err := code.StackEffect(ins)
		if err != nil {
			return 0, err
		}
		switch ins.Op {
		case code.OpDup:
			tags = append(tags, tags[len(tags)-1])
			continue
		case code.OpSwap:
			n := len(tags)
			tags[n-1], tags[n-2] = tags[n-2], tags[n-1]
			continue
		}
		tags = tags[:len(tags)-pop]
		for i := 0; i < push; i++ {
			tags = append(tags, ins.Op == code.OpLoad && ins.A == 0)
		}
	}
	if cls != nil && cls.SuperName() == "" {
		return 0, nil
	}
	return 0, errors.Wrapf(ErrUnsupportedBody, "%s.%s%s: no constructor call on this before the first branch", m.Owner, m.Name, m.Desc)
}
