// Package callsite is the runtime side of woven Go source. Generated code
// declares one Site per instrumented function and brackets every call with
// Site.Enter and Frame.Exit.
package callsite

import (
	"sync"

	"github.com/go-logr/logr"
	"github.com/mrproliu/go-agent-weaver/frameworks/core"
	"github.com/mrproliu/go-agent-weaver/frameworks/core/registry"
	"github.com/mrproliu/go-agent-weaver/frameworks/core/scope"
	"github.com/mrproliu/go-agent-weaver/internal/gls"
	"github.com/mrproliu/go-agent-weaver/internal/telemetry"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

// Runtime binds sites to interceptors. One runtime is installed per process;
// sites declared before Install bind lazily on their first call.
type Runtime struct {
	registry *registry.Registry
	scopes   *scope.Scopes
	catalog  *core.Catalog
	apis     core.ApiIDResolver
	stacks   *gls.Stacks
	log      logr.Logger
	metrics  *telemetry.Metrics

	mu     sync.Mutex
	leases []*registry.Lease
	closed bool
}

type Option func(r *Runtime)

func WithLogger(log logr.Logger) Option {
	return func(r *Runtime) {
		r.log = log
	}
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(r *Runtime) {
		r.metrics = m
	}
}

func WithStacks(s *gls.Stacks) Option {
	return func(r *Runtime) {
		r.stacks = s
	}
}

func New(reg *registry.Registry, scopes *scope.Scopes, catalog *core.Catalog, apis core.ApiIDResolver, opts ...Option) *Runtime {
	r := &Runtime{
		registry: reg,
		scopes:   scopes,
		catalog:  catalog,
		apis:     apis,
		log:      logr.Discard(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.stacks == nil {
		r.stacks = gls.New()
	}
	return r
}

var installed atomic.Pointer[Runtime]

// Install makes r the runtime every site binds against and returns the
// previous one. Sites bound to the previous runtime rebind on their next call.
func Install(r *Runtime) *Runtime {
	return installed.Swap(r)
}

// Installed returns the current runtime, or nil.
func Installed() *Runtime {
	return installed.Load()
}

// Stacks exposes the goroutine stacks so interceptors can reach the stack of
// the call they observe.
func (r *Runtime) Stacks() *gls.Stacks {
	return r.stacks
}

// bind creates the interceptor of site in r.
func (r *Runtime) bind(s *Site) (*binding, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, errors.New("runtime closed")
	}
	var apiID int32
	if r.apis != nil {
		id, err := r.apis.ApiID(s.method)
		if err != nil {
			return nil, errors.Wrapf(err, "api id of %s", s.method)
		}
		apiID = id
	}
	id, err := r.registry.Reserve()
	if err != nil {
		return nil, err
	}
	ic, err := r.catalog.New(s.interceptor, core.FactoryContext{ID: id, Method: s.method, ApiID: apiID})
	if err != nil {
		return nil, err
	}
	lease, err := r.registry.Bind(id, ic)
	if err != nil {
		return nil, err
	}
	r.leases = append(r.leases, lease)
	b := &binding{rt: r, id: id, apiID: apiID}
	if s.scope != "" {
		b.scope = r.scopes.Get(s.scope)
	}
	if r.log.V(1).Enabled() {
		r.log.V(1).Info("call site bound", "method", s.method.String(), "interceptor", s.interceptor, "id", id, "shape", lease.Shape().String())
	}
	return b, nil
}

// Close releases every interceptor bound through r. Bound sites fall back to
// the logging interceptor until another runtime is installed.
func (r *Runtime) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range r.leases {
		l.Release()
	}
	r.leases = nil
	r.closed = true
	installed.CompareAndSwap(r, nil)
}
