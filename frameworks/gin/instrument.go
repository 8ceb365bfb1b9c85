// Package gin traces requests served by a gin engine.
package gin

import (
	"github.com/mrproliu/go-agent-weaver/frameworks/core"
	"github.com/mrproliu/go-agent-weaver/frameworks/core/scope"
	"github.com/mrproliu/go-agent-weaver/instrument/srcweave"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const (
	BasePackage     = "github.com/gin-gonic/gin"
	InterceptorName = "gin.server"
)

// Instrument contributes the server interceptor and the source points it is
// woven into.
type Instrument struct {
	Provider   trace.TracerProvider
	Propagator propagation.TextMapPropagator
}

func (i *Instrument) Name() string {
	return "gin"
}

func (i *Instrument) Register(catalog *core.Catalog) error {
	return catalog.Register(InterceptorName, func(core.FactoryContext) (any, error) {
		return NewServerHTTPInterceptor(i.Provider, i.Propagator), nil
	})
}

// Points is every handled request: the engine dispatches through
// handleHTTPRequest once routing context is ready.
func (i *Instrument) Points() []*srcweave.InstrumentPoint {
	return []*srcweave.InstrumentPoint{
		{
			Package:     BasePackage,
			File:        "gin.go",
			Receiver:    "*Engine",
			Func:        "handleHTTPRequest",
			Interceptor: InterceptorName,
			Scope:       "gin.server",
			Policy:      scope.Boundary,
		},
	}
}

func defaultPropagator() propagation.TextMapPropagator {
	return propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})
}

func defaultProvider() trace.TracerProvider {
	return otel.GetTracerProvider()
}
