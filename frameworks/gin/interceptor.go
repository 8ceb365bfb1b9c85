package gin

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const instrumentation = "github.com/mrproliu/go-agent-weaver/frameworks/gin"

type serverSpanKey struct{}

// ServerHTTPInterceptor opens a server span per request, continuing the
// trace context found in the request headers.
type ServerHTTPInterceptor struct {
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
}

func NewServerHTTPInterceptor(tp trace.TracerProvider, p propagation.TextMapPropagator) *ServerHTTPInterceptor {
	if tp == nil {
		tp = defaultProvider()
	}
	if p == nil {
		p = defaultPropagator()
	}
	return &ServerHTTPInterceptor{tracer: tp.Tracer(instrumentation), propagator: p}
}

// Before receives the engine and the request context.
func (s *ServerHTTPInterceptor) Before(target any, arg0 any) {
	c, ok := arg0.(*gin.Context)
	if !ok || c.Request == nil {
		return
	}
	req := c.Request
	ctx := s.propagator.Extract(req.Context(), propagation.HeaderCarrier(req.Header))
	ctx, span := s.tracer.Start(ctx, req.Method+" "+req.URL.Path,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.method", req.Method),
			attribute.String("http.target", req.URL.RequestURI()),
			attribute.String("net.host.name", req.Host),
		))
	c.Request = req.WithContext(context.WithValue(ctx, serverSpanKey{}, span))
}

func (s *ServerHTTPInterceptor) After(target any, arg0 any, result any, err error) {
	c, ok := arg0.(*gin.Context)
	if !ok || c.Request == nil {
		return
	}
	span, ok := c.Request.Context().Value(serverSpanKey{}).(trace.Span)
	if !ok {
		return
	}
	if route := c.FullPath(); route != "" {
		span.SetName(c.Request.Method + " " + route)
		span.SetAttributes(attribute.String("http.route", route))
	}
	status := c.Writer.Status()
	span.SetAttributes(attribute.Int("http.status_code", status))
	if status >= http.StatusInternalServerError {
		span.SetStatus(codes.Error, http.StatusText(status))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
