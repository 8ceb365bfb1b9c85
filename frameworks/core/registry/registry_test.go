package registry

import (
	"runtime"
	"sort"
	"sync"
	"testing"

	"github.com/mrproliu/go-agent-weaver/frameworks/core"
	"github.com/mrproliu/go-agent-weaver/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type counting struct {
	mu     sync.Mutex
	before int
}

func (c *counting) Before(target any) {
	c.mu.Lock()
	c.before++
	c.mu.Unlock()
}

func (c *counting) After(target any, result any, err error) {}

func TestRegisterIdsAreUniqueAndDense(t *testing.T) {
	const n = 512
	r, err := New(n)
	require.NoError(t, err)

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		ids    = make([]int, 0, n)
		leases = make([]*Lease, 0, n)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := r.Register(&counting{})
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			ids = append(ids, lease.ID())
			leases = append(leases, lease)
			mu.Unlock()
		}()
	}
	wg.Wait()

	sort.Ints(ids)
	require.Len(t, ids, n)
	for i, id := range ids {
		assert.Equal(t, i, id)
	}
	assert.Equal(t, n, r.Len())
	runtime.KeepAlive(leases)
}

func TestCapacity(t *testing.T) {
	r, err := New(2)
	require.NoError(t, err)

	l0, err := r.Register(&counting{})
	require.NoError(t, err)
	l1, err := r.Register(&counting{})
	require.NoError(t, err)

	_, err = r.Register(&counting{})
	assert.ErrorIs(t, err, ErrCapacityExceeded)
	_, err = r.Reserve()
	assert.ErrorIs(t, err, ErrCapacityExceeded)
	assert.Equal(t, 2, r.Len(), "failed registrations do not consume ids")

	assert.Equal(t, 0, l0.ID())
	assert.Equal(t, 1, l1.ID())
}

func TestDefaultCapacity(t *testing.T) {
	r, err := New(DefaultSize)
	require.NoError(t, err)
	for i := 0; i < DefaultSize; i++ {
		_, err := r.Reserve()
		require.NoError(t, err)
	}
	_, err = r.Reserve()
	assert.ErrorIs(t, err, ErrCapacityExceeded)
}

func TestNegativeSize(t *testing.T) {
	_, err := New(-1)
	assert.Error(t, err)
}

func TestResolve(t *testing.T) {
	metrics := telemetry.New()
	r, err := New(8, WithMetrics(metrics))
	require.NoError(t, err)

	ic := &counting{}
	lease, err := r.Register(ic)
	require.NoError(t, err)
	assert.Equal(t, core.ShapeZeroArg, lease.Shape())
	assert.True(t, r.Contains(lease.ID()))

	require.NoError(t, r.Resolve(lease.ID()).Before(&core.Call{}))
	assert.Equal(t, 1, ic.before)

	for _, id := range []int{-1, 5, 8, 1 << 20} {
		cb := r.Resolve(id)
		require.NotNil(t, cb)
		assert.IsType(t, &core.LoggingInterceptor{}, cb)
		assert.NoError(t, cb.Before(&core.Call{}))
		assert.False(t, r.Contains(id))
	}
	assert.Equal(t, float64(4), testutil.ToFloat64(metrics.FallbackResolutions))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.InterceptorsRegistered))
	runtime.KeepAlive(lease)
}

func TestReleasedLeaseFallsBack(t *testing.T) {
	r, err := New(4)
	require.NoError(t, err)
	lease, err := r.Register(&counting{})
	require.NoError(t, err)

	lease.Release()
	assert.False(t, r.Contains(lease.ID()))
	assert.IsType(t, &core.LoggingInterceptor{}, r.Resolve(lease.ID()))

	next, err := r.Register(&counting{})
	require.NoError(t, err)
	assert.Equal(t, 1, next.ID(), "retired ids are not reused")
	runtime.KeepAlive(next)
}

func TestCollectedLeaseFallsBack(t *testing.T) {
	r, err := New(4)
	require.NoError(t, err)

	id := func() int {
		lease, err := r.Register(&counting{})
		require.NoError(t, err)
		return lease.ID()
	}()

	evicted := false
	for i := 0; i < 20 && !evicted; i++ {
		runtime.GC()
		evicted = !r.Contains(id)
	}
	assert.True(t, evicted, "entry should be evicted once its lease is unreachable")
	assert.IsType(t, &core.LoggingInterceptor{}, r.Resolve(id))
}

func TestReserveThenBind(t *testing.T) {
	r, err := New(4)
	require.NoError(t, err)

	id, err := r.Reserve()
	require.NoError(t, err)
	assert.False(t, r.Contains(id))
	assert.IsType(t, &core.LoggingInterceptor{}, r.Resolve(id))

	lease, err := r.Bind(id, &counting{})
	require.NoError(t, err)
	assert.Equal(t, id, lease.ID())
	assert.True(t, r.Contains(id))

	_, err = r.Bind(id, &counting{})
	assert.ErrorIs(t, err, ErrAlreadyBound)
	_, err = r.Bind(3, &counting{})
	assert.ErrorIs(t, err, ErrInvalidID, "ids must be reserved first")
	_, err = r.Bind(id, struct{}{})
	assert.ErrorIs(t, err, core.ErrShape)
	runtime.KeepAlive(lease)
}

func TestRegisterRejectsUnknownShape(t *testing.T) {
	r, err := New(4)
	require.NoError(t, err)
	_, err = r.Register("not an interceptor")
	assert.ErrorIs(t, err, core.ErrUnsupportedShape)
	assert.Equal(t, 0, r.Len())
}

func TestClear(t *testing.T) {
	r, err := New(4)
	require.NoError(t, err)
	lease, err := r.Register(&counting{})
	require.NoError(t, err)

	r.Clear()
	assert.False(t, r.Contains(lease.ID()))
	next, err := r.Register(&counting{})
	require.NoError(t, err)
	assert.Equal(t, 1, next.ID())
	runtime.KeepAlive(lease)
	runtime.KeepAlive(next)
}

func TestConcurrentResolveDuringRegister(t *testing.T) {
	r, err := New(256)
	require.NoError(t, err)

	var (
		wg     sync.WaitGroup
		leases sync.Map
	)
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				for id := 0; id < r.Len(); id++ {
					assert.NotNil(t, r.Resolve(id))
				}
			}
		}()
	}
	for i := 0; i < 256; i++ {
		lease, err := r.Register(&counting{})
		require.NoError(t, err)
		leases.Store(lease.ID(), lease)
	}
	close(stop)
	wg.Wait()
}
