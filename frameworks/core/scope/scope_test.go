package scope

import (
	"errors"
	"sync"
	"testing"

	"github.com/mrproliu/go-agent-weaver/frameworks/core"
	"github.com/mrproliu/go-agent-weaver/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicyTable(t *testing.T) {
	tests := []struct {
		outer, inner         Policy
		outerFire, innerFire bool
	}{
		{Boundary, Boundary, true, false},
		{Boundary, Internal, true, true},
		{Internal, Boundary, false, true},
		{Internal, Internal, false, false},
		{Always, Always, true, true},
		{Always, Boundary, true, false},
		{Always, Internal, true, true},
		{Boundary, Always, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.outer.String()+"/"+tt.inner.String(), func(t *testing.T) {
			inv := NewScopes().Get("test").Current(core.NewStack())

			assert.Equal(t, tt.outerFire, inv.TryEnter(tt.outer))
			assert.Equal(t, tt.innerFire, inv.TryEnter(tt.inner))
			assert.Equal(t, 2, inv.Depth())

			assert.Equal(t, tt.innerFire, inv.CanLeave(tt.inner))
			assert.True(t, inv.Leave(tt.inner))
			assert.Equal(t, tt.outerFire, inv.CanLeave(tt.outer))
			assert.True(t, inv.Leave(tt.outer))

			assert.Equal(t, 0, inv.Depth())
			assert.False(t, inv.IsActive())
		})
	}
}

func TestRecursiveBoundary(t *testing.T) {
	inv := NewScopes().Get("test").Current(core.NewStack())
	fired := 0
	var recurse func(n int)
	recurse = func(n int) {
		if inv.TryEnter(Boundary) {
			fired++
		}
		if n > 0 {
			recurse(n - 1)
		}
		if inv.CanLeave(Boundary) {
			fired++
		}
		inv.Leave(Boundary)
	}
	recurse(10)
	assert.Equal(t, 2, fired, "only the outermost call fires before and after")
	assert.Equal(t, 0, inv.Depth())
}

func TestUnbalancedLeave(t *testing.T) {
	inv := NewScopes().Get("test").Current(core.NewStack())
	assert.False(t, inv.CanLeave(Boundary))
	assert.False(t, inv.Leave(Boundary))

	inv.TryEnter(Boundary)
	assert.False(t, inv.Leave(Internal), "policy mismatch leaves the frame in place")
	assert.Equal(t, 1, inv.Depth())
	assert.True(t, inv.Leave(Boundary))
}

func TestAttachmentDroppedWhenIdle(t *testing.T) {
	inv := NewScopes().Get("test").Current(core.NewStack())
	inv.TryEnter(Boundary)
	assert.Nil(t, inv.SetAttachment("trace"))
	inv.TryEnter(Boundary)
	inv.Leave(Boundary)
	assert.Equal(t, "trace", inv.Attachment())
	inv.Leave(Boundary)
	assert.Nil(t, inv.Attachment())
}

func TestStacksAreIndependent(t *testing.T) {
	sc := NewScopes().Get("test")
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			stack := core.NewStack()
			for j := 0; j < 1000; j++ {
				inv := sc.Current(stack)
				assert.True(t, inv.TryEnter(Boundary))
				assert.False(t, inv.TryEnter(Boundary))
				inv.Leave(Boundary)
				inv.Leave(Boundary)
				assert.Equal(t, 0, inv.Depth())
			}
		}()
	}
	wg.Wait()
}

func TestScopesReturnSameScope(t *testing.T) {
	s := NewScopes()
	a := s.Get("a")
	assert.Same(t, a, s.Get("a"))
	got, ok := s.Lookup("a")
	assert.True(t, ok)
	assert.Same(t, a, got)
	_, ok = s.Lookup("b")
	assert.False(t, ok)
}

func TestParsePolicy(t *testing.T) {
	for _, p := range []Policy{Always, Boundary, Internal} {
		got, err := ParsePolicy(p.String())
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}
	p, err := ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, Boundary, p)
	_, err = ParsePolicy("sometimes")
	assert.ErrorIs(t, err, ErrUnknownPolicy)

	var q Policy
	require.NoError(t, q.UnmarshalText([]byte("internal")))
	assert.Equal(t, Internal, q)
}

type recorder struct {
	before, after int
	failAfter     bool
	panicBefore   bool
}

func (r *recorder) Before(call *core.Call) error {
	r.before++
	if r.panicBefore {
		panic("before exploded")
	}
	return nil
}

func (r *recorder) After(call *core.Call, result any, err error) error {
	r.after++
	if r.failAfter {
		return errors.New("after failed")
	}
	return nil
}

func TestWrapNested(t *testing.T) {
	scopes := NewScopes()
	sc := scopes.Get("http")
	outer, inner := &recorder{}, &recorder{}
	wo := Wrap(outer, sc, Boundary)
	wi := Wrap(inner, sc, Internal)
	call := &core.Call{Stack: core.NewStack()}

	require.NoError(t, wo.Before(call))
	require.NoError(t, wi.Before(call))
	require.NoError(t, wi.After(call, nil, nil))
	require.NoError(t, wo.After(call, nil, nil))

	assert.Equal(t, 1, outer.before)
	assert.Equal(t, 1, outer.after)
	assert.Equal(t, 1, inner.before)
	assert.Equal(t, 1, inner.after)
	assert.Equal(t, 0, sc.Current(call.Stack).Depth())
}

func TestWrapSuppressesFailuresAndStaysBalanced(t *testing.T) {
	metrics := telemetry.New()
	sc := NewScopes(WithMetrics(metrics)).Get("db")
	r := &recorder{failAfter: true, panicBefore: true}
	w := Wrap(r, sc, Boundary)
	call := &core.Call{Stack: core.NewStack()}

	assert.NotPanics(t, func() {
		assert.NoError(t, w.Before(call))
		assert.NoError(t, w.Before(call))
		assert.NoError(t, w.After(call, nil, nil))
		assert.NoError(t, w.After(call, nil, nil))
	})
	assert.Equal(t, 1, r.before)
	assert.Equal(t, 1, r.after)
	assert.Equal(t, 0, sc.Current(call.Stack).Depth())
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.FaultsTotal.WithLabelValues(telemetry.StageBefore)))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.FaultsTotal.WithLabelValues(telemetry.StageAfter)))
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.ScopeSkips.WithLabelValues("db")))
}
