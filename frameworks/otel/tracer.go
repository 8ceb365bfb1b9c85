// Package otel traces instrumented methods with OpenTelemetry spans.
package otel

import (
	"context"

	"github.com/mrproliu/go-agent-weaver/frameworks/core"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	InterceptorName = "otel.method"
	instrumentation = "github.com/mrproliu/go-agent-weaver/frameworks/otel"
)

// AttrApiID carries the api id of the traced method.
var AttrApiID = attribute.Key("go_agent.api_id")

type stackKey struct{}

// spans is the open spans of one call stack, innermost last.
type spans []trace.Span

// SpanFromStack returns the innermost span opened on stack, or nil.
func SpanFromStack(stack *core.Stack) trace.Span {
	open, _ := stack.Value(stackKey{}).(spans)
	if len(open) == 0 {
		return nil
	}
	return open[len(open)-1]
}

// ContextWithStack returns ctx carrying the innermost span of stack.
func ContextWithStack(ctx context.Context, stack *core.Stack) context.Context {
	if s := SpanFromStack(stack); s != nil {
		return trace.ContextWithSpan(ctx, s)
	}
	return ctx
}

func push(stack *core.Stack, s trace.Span) {
	open, _ := stack.Value(stackKey{}).(spans)
	stack.SetValue(stackKey{}, append(open, s))
}

func pop(stack *core.Stack) trace.Span {
	open, _ := stack.Value(stackKey{}).(spans)
	if len(open) == 0 {
		return nil
	}
	s := open[len(open)-1]
	if len(open) == 1 {
		stack.SetValue(stackKey{}, nil)
	} else {
		stack.SetValue(stackKey{}, open[:len(open)-1])
	}
	return s
}

// MethodTracer opens a span per fired invocation of one method. Spans nest
// along the call stack the woven code passes in.
type MethodTracer struct {
	tracer trace.Tracer
	method core.MethodDescriptor
	apiID  int32
	name   string
}

func NewMethodTracer(tp trace.TracerProvider, ctx core.FactoryContext) *MethodTracer {
	return &MethodTracer{
		tracer: tp.Tracer(instrumentation),
		method: ctx.Method,
		apiID:  ctx.ApiID,
		name:   ctx.Method.ClassName + "." + ctx.Method.MethodName,
	}
}

func (m *MethodTracer) Before(call *core.Call) error {
	if call.Stack == nil {
		return nil
	}
	_, span := m.tracer.Start(ContextWithStack(context.Background(), call.Stack), m.name,
		trace.WithAttributes(
			attribute.String("code.namespace", m.method.ClassName),
			attribute.String("code.function", m.method.MethodName),
			attribute.String("code.parameters", m.method.ParameterDescription),
			AttrApiID.Int64(int64(m.apiID)),
		))
	push(call.Stack, span)
	return nil
}

func (m *MethodTracer) After(call *core.Call, result any, err error) error {
	if call.Stack == nil {
		return nil
	}
	span := pop(call.Stack)
	if span == nil {
		return nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
	return nil
}

// Instrument registers the method tracer.
type Instrument struct {
	Provider trace.TracerProvider
}

func (i *Instrument) Name() string {
	return "otel"
}

func (i *Instrument) Register(catalog *core.Catalog) error {
	return catalog.Register(InterceptorName, func(ctx core.FactoryContext) (any, error) {
		return NewMethodTracer(i.Provider, ctx), nil
	})
}
