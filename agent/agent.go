// Package agent wires the instrumentation core into one explicit context
// object: every component an instrumented program needs is built here once
// and handed out from the Agent.
package agent

import (
	"context"
	"net/http"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/mrproliu/go-agent-weaver/frameworks/core"
	"github.com/mrproliu/go-agent-weaver/frameworks/core/callsite"
	"github.com/mrproliu/go-agent-weaver/frameworks/core/registry"
	"github.com/mrproliu/go-agent-weaver/frameworks/core/scope"
	ginplugin "github.com/mrproliu/go-agent-weaver/frameworks/gin"
	otelplugin "github.com/mrproliu/go-agent-weaver/frameworks/otel"
	"github.com/mrproliu/go-agent-weaver/instrument/code"
	"github.com/mrproliu/go-agent-weaver/instrument/loader"
	"github.com/mrproliu/go-agent-weaver/instrument/srcweave"
	"github.com/mrproliu/go-agent-weaver/instrument/vm"
	"github.com/mrproliu/go-agent-weaver/instrument/weaver"
	"github.com/mrproliu/go-agent-weaver/internal/apimeta"
	"github.com/mrproliu/go-agent-weaver/internal/config"
	"github.com/mrproliu/go-agent-weaver/internal/logging"
	"github.com/mrproliu/go-agent-weaver/internal/telemetry"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// SourcePlugin is a plugin that also names Go functions to weave.
type SourcePlugin interface {
	core.Instrument
	Points() []*srcweave.InstrumentPoint
}

type Agent struct {
	ID   string
	Name string

	Log         logr.Logger
	Metrics     *telemetry.Metrics
	Registry    *registry.Registry
	Scopes      *scope.Scopes
	Catalog     *core.Catalog
	Apis        *apimeta.Dictionary
	Weaver      *weaver.Weaver
	Transformer *loader.Transformer
	Runtime     *callsite.Runtime

	points   []*srcweave.InstrumentPoint
	provider trace.TracerProvider
	sdk      *sdktrace.TracerProvider
}

type options struct {
	log      *logr.Logger
	provider trace.TracerProvider
	plugins  []core.Instrument
}

type Option func(o *options)

func WithLogger(log logr.Logger) Option {
	return func(o *options) {
		o.log = &log
	}
}

// WithTracerProvider replaces the SDK provider the agent creates otherwise.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		o.provider = tp
	}
}

// WithPlugins installs plugins besides the built in ones.
func WithPlugins(plugins ...core.Instrument) Option {
	return func(o *options) {
		o.plugins = append(o.plugins, plugins...)
	}
}

func New(cfg *config.Config, opts ...Option) (*Agent, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	a := &Agent{ID: cfg.Agent.ID, Name: cfg.Agent.Name}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if o.log != nil {
		a.Log = *o.log
	} else {
		a.Log = logging.New(cfg.Log.Verbosity)
	}
	a.Log = a.Log.WithValues("agent", a.Name, "agentID", a.ID)

	a.provider = o.provider
	if a.provider == nil {
		a.sdk = sdktrace.NewTracerProvider()
		a.provider = a.sdk
	}

	a.Metrics = telemetry.New()
	reg, err := registry.New(cfg.Registry.Size, registry.WithLogger(a.Log.WithName("registry")), registry.WithMetrics(a.Metrics))
	if err != nil {
		return nil, err
	}
	a.Registry = reg
	a.Scopes = scope.NewScopes(scope.WithLogger(a.Log.WithName("scope")), scope.WithMetrics(a.Metrics))
	a.Apis = apimeta.NewDictionary()

	a.Catalog = core.NewCatalog()
	plugins := append([]core.Instrument{
		&otelplugin.Instrument{Provider: a.provider},
		&ginplugin.Instrument{Provider: a.provider},
	}, o.plugins...)
	if err := a.Catalog.Install(plugins...); err != nil {
		return nil, err
	}
	for _, p := range plugins {
		if sp, ok := p.(SourcePlugin); ok {
			a.points = append(a.points, sp.Points()...)
		}
	}
	configured, err := srcweave.PointsFromConfig(cfg.Points)
	if err != nil {
		return nil, err
	}
	a.points = append(a.points, configured...)

	rules, err := loader.RulesFromConfig(cfg.Rules)
	if err != nil {
		return nil, err
	}
	a.Weaver = weaver.New(weaver.WithLogger(a.Log.WithName("weaver")), weaver.WithMetrics(a.Metrics))
	a.Transformer = loader.New(a.Registry, a.Catalog, a.Apis, rules,
		loader.WithLogger(a.Log.WithName("loader")), loader.WithWeaver(a.Weaver))
	a.Runtime = callsite.New(a.Registry, a.Scopes, a.Catalog, a.Apis,
		callsite.WithLogger(a.Log.WithName("callsite")), callsite.WithMetrics(a.Metrics))

	a.Log.V(1).Info("agent created", "registrySize", cfg.Registry.Size, "rules", len(rules), "points", len(a.points), "interceptors", a.Catalog.Names())
	return a, nil
}

// Start installs the call site runtime, so woven Go code linked into this
// process starts reporting to the agent.
func (a *Agent) Start() {
	callsite.Install(a.Runtime)
	a.Log.Info("agent started")
}

// Reconfigure applies the rules of cfg to classes transformed from now on.
func (a *Agent) Reconfigure(cfg *config.Config) error {
	rules, err := loader.RulesFromConfig(cfg.Rules)
	if err != nil {
		return err
	}
	a.Transformer.SetRules(rules)
	return nil
}

// Watch reconfigures the agent whenever the file at path changes, until ctx
// is cancelled.
func (a *Agent) Watch(ctx context.Context, path string) error {
	return config.Watch(ctx, path, a.Log.WithName("config"), func(cfg *config.Config) {
		if err := a.Reconfigure(cfg); err != nil {
			a.Log.Error(err, "reconfigure failed")
		}
	})
}

// NewMachine returns a VM resolving interceptors through the agent.
func (a *Agent) NewMachine(opts ...vm.Option) (*vm.Machine, error) {
	base := []vm.Option{
		vm.WithRegistry(a.Registry),
		vm.WithScopes(a.Scopes),
		vm.WithLogger(a.Log.WithName("vm")),
		vm.WithMetrics(a.Metrics),
	}
	return vm.New(append(base, opts...)...)
}

// Load transforms mod and loads its classes into m. Classes are loaded even
// when some methods could not be woven; those errors are returned after
// loading.
func (a *Agent) Load(ctx context.Context, m *vm.Machine, mod *code.Module) (int, error) {
	n, err := a.Transformer.TransformModule(ctx, mod)
	if errors.Is(err, registry.ErrCapacityExceeded) || errors.Is(err, context.Canceled) {
		return n, err
	}
	if lerr := m.Load(mod.Classes...); lerr != nil {
		return n, multierror.Append(err, lerr)
	}
	return n, err
}

// SourceWeaver returns a weaver for the source points of the plugins and the
// configuration.
func (a *Agent) SourceWeaver() *srcweave.Weaver {
	return srcweave.New(a.points, srcweave.WithLogger(a.Log.WithName("srcweave")))
}

func (a *Agent) Points() []*srcweave.InstrumentPoint {
	return append([]*srcweave.InstrumentPoint(nil), a.points...)
}

func (a *Agent) TracerProvider() trace.TracerProvider {
	return a.provider
}

// MetricsHandler serves the self monitoring metrics.
func (a *Agent) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(a.Metrics.Registry, promhttp.HandlerOpts{})
}

// Close releases every interceptor bound by the agent and flushes the
// tracer provider it created.
func (a *Agent) Close(ctx context.Context) error {
	a.Transformer.Close()
	a.Runtime.Close()
	if a.sdk != nil {
		if err := a.sdk.Shutdown(ctx); err != nil {
			return errors.Wrap(err, "shutdown tracer provider")
		}
	}
	a.Log.Info("agent closed")
	return nil
}
