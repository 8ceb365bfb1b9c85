// Package loader applies configured rules to classes at load time: it binds
// interceptors in the registry and weaves the matching methods.
package loader

import (
	"context"
	"runtime"
	"sync"

	"github.com/go-logr/logr"
	"github.com/hashicorp/go-multierror"
	"github.com/mrproliu/go-agent-weaver/frameworks/core"
	"github.com/mrproliu/go-agent-weaver/frameworks/core/registry"
	"github.com/mrproliu/go-agent-weaver/instrument/code"
	"github.com/mrproliu/go-agent-weaver/instrument/weaver"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Transformer weaves classes according to its rules. It owns the leases of
// every interceptor it binds until the class is unloaded.
type Transformer struct {
	registry *registry.Registry
	catalog  *core.Catalog
	apis     core.ApiIDResolver
	weaver   *weaver.Weaver
	log      logr.Logger

	rulesMu sync.RWMutex
	rules   []Rule

	mu      sync.Mutex
	leases  map[string][]*registry.Lease
	applied map[string]map[string]struct{} // class -> method+rule
}

type Option func(t *Transformer)

func WithLogger(log logr.Logger) Option {
	return func(t *Transformer) {
		t.log = log
	}
}

func WithWeaver(w *weaver.Weaver) Option {
	return func(t *Transformer) {
		t.weaver = w
	}
}

func New(reg *registry.Registry, catalog *core.Catalog, apis core.ApiIDResolver, rules []Rule, opts ...Option) *Transformer {
	t := &Transformer{
		registry: reg,
		catalog:  catalog,
		apis:     apis,
		rules:    rules,
		log:      logr.Discard(),
		leases:   make(map[string][]*registry.Lease),
		applied:  make(map[string]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.weaver == nil {
		t.weaver = weaver.New(weaver.WithLogger(t.log))
	}
	return t
}

// SetRules replaces the rules used for classes transformed from now on.
func (t *Transformer) SetRules(rules []Rule) {
	t.rulesMu.Lock()
	defer t.rulesMu.Unlock()
	t.rules = append([]Rule(nil), rules...)
}

func (t *Transformer) Rules() []Rule {
	t.rulesMu.RLock()
	defer t.rulesMu.RUnlock()
	return append([]Rule(nil), t.rules...)
}

type pending struct {
	method *code.Method
	leases []*registry.Lease
	keys   []string
}

// Transform weaves every method of cls matched by a rule and returns the
// number of methods replaced. A method that fails keeps its body and its
// error is collected; running out of registry capacity aborts the whole
// class, leaving it untouched.
func (t *Transformer) Transform(ctx context.Context, cls *code.Class) (int, error) {
	rules := t.Rules()
	var result *multierror.Error
	var done []pending

	abort := func(err error) (int, error) {
		for _, p := range done {
			release(p.leases)
		}
		return 0, err
	}

	for _, m := range cls.Methods {
		if err := ctx.Err(); err != nil {
			return abort(err)
		}
		matched := t.matching(rules, cls, m)
		if len(matched) == 0 {
			continue
		}
		p, err := t.prepare(cls, m, matched)
		switch {
		case errors.Is(err, registry.ErrCapacityExceeded):
			return abort(errors.Wrapf(err, "transform %s", cls.Name))
		case errors.Is(err, weaver.ErrSkipped):
			t.log.V(1).Info("method has no body, not instrumented", "class", cls.Name, "method", m.Key())
		case err != nil:
			t.log.Error(err, "method not instrumented", "class", cls.Name, "method", m.Key())
			result = multierror.Append(result, errors.Wrapf(err, "%s.%s", cls.Name, m.Key()))
		case p != nil:
			done = append(done, *p)
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	applied := t.applied[cls.Name]
	if applied == nil {
		applied = make(map[string]struct{})
		t.applied[cls.Name] = applied
	}
	for _, p := range done {
		cls.Replace(p.method)
		t.leases[cls.Name] = append(t.leases[cls.Name], p.leases...)
		for _, k := range p.keys {
			applied[k] = struct{}{}
		}
	}
	if len(done) > 0 {
		t.log.Info("class transformed", "class", cls.Name, "methods", len(done))
	}
	return len(done), result.ErrorOrNil()
}

func (t *Transformer) matching(rules []Rule, cls *code.Class, m *code.Method) []Rule {
	t.mu.Lock()
	defer t.mu.Unlock()
	applied := t.applied[cls.Name]
	var out []Rule
	for _, r := range rules {
		if !r.Matches(cls, m) {
			continue
		}
		if _, ok := applied[m.Key()+"|"+r.key()]; ok {
			continue
		}
		out = append(out, r)
	}
	return out
}

func (t *Transformer) prepare(cls *code.Class, m *code.Method, rules []Rule) (*pending, error) {
	if !m.HasBody() {
		return nil, errors.Wrapf(weaver.ErrSkipped, "%s.%s", cls.Name, m.Key())
	}
	desc, err := m.Descriptor()
	if err != nil {
		return nil, err
	}
	p := &pending{}
	fail := func(err error) (*pending, error) {
		release(p.leases)
		return nil, err
	}
	bindings := make([]weaver.Binding, 0, len(rules))
	for _, r := range rules {
		var apiID int32
		if t.apis != nil {
			if apiID, err = t.apis.ApiID(desc); err != nil {
				return fail(err)
			}
		}
		id, err := t.registry.Reserve()
		if err != nil {
			return fail(err)
		}
		ic, err := t.catalog.New(r.Interceptor, core.FactoryContext{ID: id, Method: desc, ApiID: apiID})
		if err != nil {
			return fail(err)
		}
		lease, err := t.registry.Bind(id, ic)
		if err != nil {
			return fail(err)
		}
		p.leases = append(p.leases, lease)
		p.keys = append(p.keys, m.Key()+"|"+r.key())
		bindings = append(bindings, weaver.Binding{
			InterceptorID: id,
			Shape:         lease.Shape(),
			Scope:         r.Scope,
			Policy:        r.Policy,
			ApiID:         apiID,
		})
	}
	if p.method, err = t.weaver.Weave(cls, m, bindings...); err != nil {
		return fail(err)
	}
	return p, nil
}

// TransformModule transforms the classes of mod concurrently. Per method
// failures of all classes are collected; the first aborted class cancels the
// rest.
func (t *Transformer) TransformModule(ctx context.Context, mod *code.Module) (int, error) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))

	var mu sync.Mutex
	var total int
	var result *multierror.Error
	for _, cls := range mod.Classes {
		g.Go(func() error {
			n, err := t.Transform(ctx, cls)
			mu.Lock()
			defer mu.Unlock()
			total += n
			if err == nil {
				return nil
			}
			if errors.Is(err, registry.ErrCapacityExceeded) || errors.Is(err, context.Canceled) {
				return err
			}
			result = multierror.Append(result, err)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return total, err
	}
	return total, result.ErrorOrNil()
}

// Unload releases the interceptors bound for class. Woven code that is still
// running resolves them to the fallback from then on.
func (t *Transformer) Unload(class string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	leases := t.leases[class]
	release(leases)
	delete(t.leases, class)
	delete(t.applied, class)
	return len(leases)
}

// Close unloads every class.
func (t *Transformer) Close() {
	t.mu.Lock()
	classes := make([]string, 0, len(t.leases))
	for c := range t.leases {
		classes = append(classes, c)
	}
	t.mu.Unlock()
	for _, c := range classes {
		t.Unload(c)
	}
}

func release(leases []*registry.Lease) {
	for _, l := range leases {
		l.Release()
	}
}
