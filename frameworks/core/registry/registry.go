// Package registry hands out the integer ids woven call sites use to reach
// their interceptors.
package registry

import (
	"fmt"
	"weak"

	"github.com/go-logr/logr"
	"github.com/mrproliu/go-agent-weaver/frameworks/core"
	"github.com/mrproliu/go-agent-weaver/internal/telemetry"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

const (
	DefaultSize = 8192

	fallbackName = "go-agent.LOGGING_INTERCEPTOR"
)

var (
	ErrCapacityExceeded = errors.New("interceptor registry size exceeded, check the profiler.interceptorregistry.size setting")
	ErrInvalidID        = errors.New("invalid interceptor id")
	ErrAlreadyBound     = errors.New("interceptor id already bound")
)

// Lease is the strong reference to a registry entry. The registry itself only
// holds the lease weakly: once the owner drops or releases it, Resolve answers
// with the fallback interceptor.
type Lease struct {
	id       int
	shape    core.Shape
	callback core.Callback
	released atomic.Bool
}

func (l *Lease) ID() int {
	return l.id
}

func (l *Lease) Shape() core.Shape {
	return l.shape
}

// Release retires the entry. The id is never handed out again.
func (l *Lease) Release() {
	l.released.Store(true)
}

func (l *Lease) alive() bool {
	return !l.released.Load()
}

type slot struct {
	lease weak.Pointer[Lease]
}

// Registry is a fixed capacity, id indexed store. Register and Reserve are
// lock free; Resolve is a plain atomic load and never fails.
type Registry struct {
	size     int
	next     *atomic.Int32
	slots    []atomic.Pointer[slot]
	fallback core.Callback
	log      logr.Logger
	metrics  *telemetry.Metrics
}

type Option func(r *Registry)

func WithLogger(log logr.Logger) Option {
	return func(r *Registry) {
		r.log = log
	}
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(r *Registry) {
		r.metrics = m
	}
}

// WithFallback replaces the logging interceptor returned for missing ids.
func WithFallback(cb core.Callback) Option {
	return func(r *Registry) {
		r.fallback = cb
	}
}

func New(size int, opts ...Option) (*Registry, error) {
	if size < 0 {
		return nil, errors.Errorf("negative registry size: %d", size)
	}
	r := &Registry{
		size:  size,
		next:  atomic.NewInt32(0),
		slots: make([]atomic.Pointer[slot], size),
		log:   logr.Discard(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.fallback == nil {
		r.fallback = core.NewLoggingInterceptor(fallbackName, r.log)
	}
	return r, nil
}

// Size is the fixed capacity.
func (r *Registry) Size() int {
	return r.size
}

// Len is the number of ids handed out so far.
func (r *Registry) Len() int {
	return int(r.next.Load())
}

// Register resolves the shape of ic and stores it under a fresh id. The entry
// is visible to Resolve before the lease is returned.
func (r *Registry) Register(ic any) (*Lease, error) {
	cb, shape, err := core.Adapt(ic)
	if err != nil {
		return nil, err
	}
	id, err := r.Reserve()
	if err != nil {
		return nil, err
	}
	return r.publish(id, cb, shape)
}

// Reserve hands out an id without an interceptor behind it yet, for weaving
// that needs the id before the interceptor exists. Until Bind, Resolve answers
// with the fallback.
func (r *Registry) Reserve() (int, error) {
	for {
		id := r.next.Load()
		if int(id) >= r.size {
			return -1, errors.Wrapf(ErrCapacityExceeded, "size=%d id=%d", r.size, id)
		}
		if r.next.CompareAndSwap(id, id+1) {
			r.metrics.Registered()
			return int(id), nil
		}
	}
}

// Bind stores ic under an id obtained from Reserve.
func (r *Registry) Bind(id int, ic any) (*Lease, error) {
	if id < 0 || id >= r.Len() {
		return nil, errors.Wrapf(ErrInvalidID, "id=%d", id)
	}
	cb, shape, err := core.Adapt(ic)
	if err != nil {
		return nil, err
	}
	if r.slots[id].Load() != nil {
		return nil, errors.Wrapf(ErrAlreadyBound, "id=%d", id)
	}
	return r.publish(id, cb, shape)
}

func (r *Registry) publish(id int, cb core.Callback, shape core.Shape) (*Lease, error) {
	lease := &Lease{id: id, shape: shape, callback: cb}
	if !r.slots[id].CompareAndSwap(nil, &slot{lease: weak.Make(lease)}) {
		return nil, errors.Wrapf(ErrAlreadyBound, "id=%d", id)
	}
	if r.log.V(1).Enabled() {
		r.log.V(1).Info("interceptor registered", "id", id, "shape", shape.String(), "type", fmt.Sprintf("%T", cb))
	}
	return lease, nil
}

// Resolve returns the callback stored under id, or the fallback when the id
// was never bound, its lease was released or garbage collected, or it is out
// of range.
func (r *Registry) Resolve(id int) core.Callback {
	if lease := r.lookup(id); lease != nil {
		return lease.callback
	}
	r.metrics.Fallback()
	return r.fallback
}

func (r *Registry) lookup(id int) *Lease {
	if id < 0 || id >= len(r.slots) {
		return nil
	}
	s := r.slots[id].Load()
	if s == nil {
		return nil
	}
	lease := s.lease.Value()
	if lease == nil || !lease.alive() {
		return nil
	}
	return lease
}

// Contains reports whether id currently resolves to a live interceptor.
func (r *Registry) Contains(id int) bool {
	return r.lookup(id) != nil
}

// Clear drops every entry. Ids stay retired.
func (r *Registry) Clear() {
	for i := range r.slots {
		r.slots[i].Store(nil)
	}
}
