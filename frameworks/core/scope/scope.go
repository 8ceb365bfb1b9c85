// Package scope implements interceptor scopes: named groups of call sites
// whose reentrancy is tracked together, per call stack.
package scope

import (
	"fmt"
	"sync"

	"github.com/go-logr/logr"
	"github.com/mrproliu/go-agent-weaver/frameworks/core"
	"github.com/mrproliu/go-agent-weaver/internal/telemetry"
	"github.com/pkg/errors"
)

// Scope is shared by every call site naming it. The per stack state lives on
// the core.Stack, keyed by the scope itself.
type Scope struct {
	name    string
	log     logr.Logger
	metrics *telemetry.Metrics
}

func (s *Scope) Name() string {
	return s.name
}

// Current returns the invocation of this scope on stack, creating it on first
// use. A nil stack gets a detached invocation that is not remembered.
func (s *Scope) Current(stack *core.Stack) *Invocation {
	if stack == nil {
		return newInvocation(s.name)
	}
	if inv, ok := stack.Value(s).(*Invocation); ok {
		return inv
	}
	inv := newInvocation(s.name)
	stack.SetValue(s, inv)
	return inv
}

func (s *Scope) String() string {
	return fmt.Sprintf("Scope{%s}", s.name)
}

// Scopes is the set of scopes of one agent.
type Scopes struct {
	mu      sync.RWMutex
	scopes  map[string]*Scope
	log     logr.Logger
	metrics *telemetry.Metrics
}

type Option func(s *Scopes)

func WithLogger(log logr.Logger) Option {
	return func(s *Scopes) {
		s.log = log
	}
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Scopes) {
		s.metrics = m
	}
}

func NewScopes(opts ...Option) *Scopes {
	s := &Scopes{scopes: make(map[string]*Scope), log: logr.Discard()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the scope called name, creating it on first use.
func (s *Scopes) Get(name string) *Scope {
	s.mu.RLock()
	sc, ok := s.scopes[name]
	s.mu.RUnlock()
	if ok {
		return sc
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if sc, ok = s.scopes[name]; ok {
		return sc
	}
	sc = &Scope{name: name, log: s.log.WithValues("scope", name), metrics: s.metrics}
	s.scopes[name] = sc
	return sc
}

// Lookup returns an existing scope only.
func (s *Scopes) Lookup(name string) (*Scope, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.scopes[name]
	return sc, ok
}

// Wrap guards cb with scope and policy: Before runs only when TryEnter allows
// it, After only when the matching CanLeave does, and the invocation is left
// on every path. Failures of cb are logged and swallowed.
func Wrap(cb core.Callback, scope *Scope, policy Policy) core.Callback {
	return &scoped{callback: cb, scope: scope, policy: policy}
}

type scoped struct {
	callback core.Callback
	scope    *Scope
	policy   Policy
}

func (s *scoped) Before(call *core.Call) error {
	inv := s.scope.Current(call.Stack)
	if !inv.TryEnter(s.policy) {
		s.skipped("tryEnter", inv)
		return nil
	}
	s.guard(telemetry.StageBefore, func() error { return s.callback.Before(call) })
	return nil
}

func (s *scoped) After(call *core.Call, result any, err error) error {
	inv := s.scope.Current(call.Stack)
	defer func() {
		if !inv.Leave(s.policy) {
			s.scope.log.Info("unbalanced scope leave", "policy", s.policy.String(), "invocation", inv.String())
		}
	}()
	if !inv.CanLeave(s.policy) {
		s.skipped("canLeave", inv)
		return nil
	}
	s.guard(telemetry.StageAfter, func() error { return s.callback.After(call, result, err) })
	return nil
}

func (s *scoped) skipped(stage string, inv *Invocation) {
	s.scope.metrics.Skipped(s.scope.name)
	if s.scope.log.V(1).Enabled() {
		s.scope.log.V(1).Info(stage+"() returns false, skip interceptor",
			"invocation", inv.String(), "policy", s.policy.String(), "interceptor", fmt.Sprintf("%T", s.callback))
	}
}

func (s *scoped) guard(stage string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			s.scope.metrics.Fault(stage)
			s.scope.log.Error(errors.Errorf("panic: %v", r), "interceptor failed", "stage", stage)
		}
	}()
	if err := fn(); err != nil {
		s.scope.metrics.Fault(stage)
		s.scope.log.Error(err, "interceptor failed", "stage", stage)
	}
}
