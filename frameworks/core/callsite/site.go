package callsite

import (
	"fmt"
	"sync"

	"github.com/mrproliu/go-agent-weaver/frameworks/core"
	"github.com/mrproliu/go-agent-weaver/frameworks/core/scope"
	"github.com/mrproliu/go-agent-weaver/internal/telemetry"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

type binding struct {
	rt    *Runtime
	id    int
	apiID int32
	scope *scope.Scope
	// failed bindings are remembered so a broken site does not retry on
	// every call.
	failed bool
}

// Site is one instrumented function.
type Site struct {
	method      core.MethodDescriptor
	interceptor string
	scope       string
	policy      scope.Policy

	mu    sync.Mutex
	bound atomic.Pointer[binding]
}

// Declare describes a site. It is called from package level variables of
// woven code, before any runtime is installed.
func Declare(method core.MethodDescriptor, interceptor, scopeName string, policy scope.Policy) *Site {
	return &Site{method: method, interceptor: interceptor, scope: scopeName, policy: policy}
}

func (s *Site) Method() core.MethodDescriptor {
	return s.method
}

func (s *Site) String() string {
	return fmt.Sprintf("Site{%s -> %s}", s.method, s.interceptor)
}

func (s *Site) resolve() *binding {
	rt := installed.Load()
	if rt == nil {
		return nil
	}
	if b := s.bound.Load(); b != nil && b.rt == rt {
		return b
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if b := s.bound.Load(); b != nil && b.rt == rt {
		return b
	}
	b, err := rt.bind(s)
	if err != nil {
		rt.log.Error(err, "call site not instrumented", "method", s.method.String(), "interceptor", s.interceptor)
		b = &binding{rt: rt, failed: true}
	}
	s.bound.Store(b)
	return b
}

// Enter runs the before stage and returns the frame to exit with. The frame
// is nil when the site is not instrumented; Exit accepts a nil frame.
func (s *Site) Enter(target any, args ...any) *Frame {
	b := s.resolve()
	if b == nil || b.failed {
		return nil
	}
	rt := b.rt
	f := &Frame{
		rt: rt,
		call: core.Call{
			Stack:  rt.stacks.Acquire(),
			Target: target,
			Args:   args,
			ApiID:  b.apiID,
			Method: s.method,
		},
		callback: rt.registry.Resolve(b.id),
	}
	if b.scope != nil {
		f.callback = scope.Wrap(f.callback, b.scope, s.policy)
	}
	f.guard(telemetry.StageBefore, func() error { return f.callback.Before(&f.call) })
	return f
}

// Frame is one call of a site.
type Frame struct {
	rt       *Runtime
	call     core.Call
	callback core.Callback
}

// PanicError carries a recovered panic value to the after stage.
type PanicError struct {
	Value any
}

func (p *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", p.Value)
}

// Exit runs the after stage. recovered is the value of recover() in the
// deferred call: when it is not nil the after stage sees it as the error and
// Exit panics again with the same value. Otherwise a non nil trailing error
// result is reported as the error.
func (f *Frame) Exit(recovered any, results ...any) {
	if f != nil {
		var result any
		var err error
		switch len(results) {
		case 0:
		case 1:
			result = results[0]
		default:
			result = results
		}
		if recovered != nil {
			err = &PanicError{Value: recovered}
		} else if n := len(results); n > 0 {
			if e, ok := results[n-1].(error); ok && e != nil {
				err = e
			}
		}
		f.guard(telemetry.StageAfter, func() error { return f.callback.After(&f.call, result, err) })
		f.rt.stacks.Release()
	}
	if recovered != nil {
		panic(recovered)
	}
}

func (f *Frame) guard(stage string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			f.rt.metrics.Fault(stage)
			f.rt.log.Error(errors.Errorf("panic: %v", r), "interceptor failed", "stage", stage, "method", f.call.Method.String())
		}
	}()
	if err := fn(); err != nil {
		f.rt.metrics.Fault(stage)
		f.rt.log.Error(err, "interceptor failed", "stage", stage, "method", f.call.Method.String())
	}
}
