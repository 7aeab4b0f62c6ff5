package loadbalancer

import (
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khryptorgraphics/aperturebalancer/pkg/clock"
)

// fakeTimerQueue is a deterministic, synchronous stand-in for
// *timerqueue.Queue: Schedule records the callback instead of firing it on
// a timer, and the test fires it explicitly via Fire(). This is the
// "inject collaborators so tests can drive time deterministically" seam
// spec §9 calls for.
type fakeTimerQueue struct {
	mu  sync.Mutex
	now time.Time
	fn  func()
}

func newFakeTimerQueue() *fakeTimerQueue {
	return &fakeTimerQueue{now: time.Unix(0, 0)}
}

func (q *fakeTimerQueue) Now() time.Time { return q.now }

func (q *fakeTimerQueue) Schedule(at time.Time, fn func()) TimerHandle {
	q.mu.Lock()
	q.fn = fn
	q.mu.Unlock()
	return fakeHandle{}
}

// Fire synchronously invokes the most recently scheduled callback.
func (q *fakeTimerQueue) Fire() {
	q.mu.Lock()
	fn := q.fn
	q.mu.Unlock()
	if fn != nil {
		fn()
	}
}

type fakeHandle struct{}

func (fakeHandle) Cancel() {}

func testConfig() Config {
	return Config{
		ServiceLabel:    "test",
		SmoothingWindow: 5 * time.Second,
		MinSize:         1,
		MinLoad:         0.5,
		MaxLoad:         2.0,
		JitterMin:       0, // jitter tested separately, explicitly triggered
		JitterMax:       0,
	}
}

// advancingSource returns a WallClock that jumps forward by a full hour on
// every call. Against the SmoothingWindow used in these tests (seconds),
// the EMA decay weight exp(-delta/window) collapses to ~0, so each sample
// effectively replaces the running average outright. This keeps the
// aperture-resize arithmetic in these tests exact without asserting
// anything about EMA smoothing itself, which pkg/ema already covers.
func advancingSource() clock.WallClock {
	var n int64
	return func() time.Time {
		n++
		return time.Unix(n*3600, 0)
	}
}

func newTestController(t *testing.T, cfg Config) *ApertureController[string] {
	t.Helper()
	clk := clock.NewWithSource(advancingSource())
	return NewApertureController[string](cfg, newFakeTimerQueue(), clk, nil, nil)
}

// Scenario 1: startup under min_size=2, 5 endpoints, no load.
func TestApertureController_StartupPartition(t *testing.T) {
	cfg := testConfig()
	cfg.MinSize = 2
	c := newTestController(t, cfg)

	for i, ep := range []string{"e1", "e2", "e3", "e4", "e5"} {
		_, err := c.AddSink(ep, openFactory)
		require.NoError(t, err, "add %d", i)
	}

	assert.Equal(t, 2, c.ActiveSize())
	assert.Equal(t, 3, c.IdleSize())
}

// Scenario 2: load-driven expansion.
func TestApertureController_LoadDrivenExpansion(t *testing.T) {
	cfg := testConfig()
	cfg.MinSize = 1
	c := newTestController(t, cfg)

	for _, ep := range []string{"e1", "e2", "e3", "e4"} {
		_, err := c.AddSink(ep, openFactory)
		require.NoError(t, err)
	}
	require.Equal(t, 1, c.ActiveSize())
	require.Equal(t, 3, c.IdleSize())

	for i := 0; i < 3; i++ {
		_, err := c.Get()
		require.NoError(t, err)
	}

	assert.Equal(t, 2, c.ActiveSize(), "three outstanding gets on one node should trigger exactly one expansion")
}

// Scenario 3: load-driven contraction. Drives the aperture up to 3 via a
// load spike, then lets load drain back to zero and checks it contracts by
// exactly one (and stops at min_size on the next low-load signal).
func TestApertureController_LoadDrivenContraction(t *testing.T) {
	cfg := testConfig()
	cfg.MinSize = 2
	c := newTestController(t, cfg)

	for _, ep := range []string{"e1", "e2", "e3", "e4"} {
		_, err := c.AddSink(ep, openFactory)
		require.NoError(t, err)
	}
	require.Equal(t, 2, c.ActiveSize())
	require.Equal(t, 2, c.IdleSize())

	var outstanding []*Node[string]
	for i := 0; i < 4; i++ {
		node, err := c.Get()
		require.NoError(t, err)
		outstanding = append(outstanding, node)
	}
	require.Equal(t, 3, c.ActiveSize(), "load spike to total=4 over 2 nodes should expand the aperture once")

	for _, node := range outstanding {
		c.Put(node)
	}

	assert.Equal(t, 2, c.ActiveSize(), "load draining back to zero should contract back to the pre-spike size")
	assert.Equal(t, 2, c.IdleSize())
}

// Scenario 4: OnNodeDown backfill.
func TestApertureController_OnNodeDownBackfill(t *testing.T) {
	cfg := testConfig()
	cfg.MinSize = 2
	c := newTestController(t, cfg)

	_, err := c.AddSink("a", openFactory)
	require.NoError(t, err)
	_, err = c.AddSink("b", openFactory)
	require.NoError(t, err)
	_, err = c.AddSink("c", openFactory)
	require.NoError(t, err)
	require.Equal(t, 2, c.ActiveSize())
	require.Equal(t, 1, c.IdleSize())

	nodeA, err := c.Get()
	require.NoError(t, err)
	c.Put(nodeA)

	c.OnNodeDown(nodeA)

	assert.Equal(t, 2, c.ActiveSize())
	assert.Equal(t, 0, c.IdleSize())

	c.mu.Lock()
	_, aActive := c.active["a"]
	_, aIdle := c.idle["a"]
	_, cActive := c.active["c"]
	c.mu.Unlock()
	assert.False(t, aActive)
	assert.False(t, aIdle)
	assert.True(t, cActive, "the only idle endpoint must have backfilled")
}

// Scenario 5: jitter cycle.
func TestApertureController_JitterCycleSwapsMembership(t *testing.T) {
	cfg := testConfig()
	cfg.MinSize = 2
	cfg.JitterMin = 10 * time.Second
	cfg.JitterMax = 20 * time.Second

	timer := newFakeTimerQueue()
	clk := clock.NewWithSource(advancingSource())
	c := NewApertureController[string](cfg, timer, clk, nil, nil)

	_, err := c.AddSink("a", openFactory)
	require.NoError(t, err)
	_, err = c.AddSink("b", openFactory)
	require.NoError(t, err)
	_, err = c.AddSink("c", openFactory)
	require.NoError(t, err)
	require.Equal(t, 2, c.ActiveSize())
	require.Equal(t, 1, c.IdleSize())

	timer.Fire() // manually trigger the jitter cycle scheduled at construction

	assert.Equal(t, 2, c.ActiveSize())
	assert.Equal(t, 1, c.IdleSize())
	c.mu.Lock()
	_, cActive := c.active["c"]
	pendingEmpty := len(c.pending) == 0
	c.mu.Unlock()
	assert.True(t, cActive, "jitter must have expanded into the only idle endpoint")
	assert.True(t, pendingEmpty, "pending must be empty once the cycle completes")
}

func TestApertureController_EmptyApertureGetFails(t *testing.T) {
	c := newTestController(t, testConfig())
	_, err := c.Get()
	assert.ErrorIs(t, err, ErrNoRoutableEndpoint)
}

func TestApertureController_MinSizePreventsOvercontraction(t *testing.T) {
	cfg := testConfig()
	cfg.MinSize = 2
	c := newTestController(t, cfg)

	for _, ep := range []string{"a", "b"} {
		_, err := c.AddSink(ep, openFactory)
		require.NoError(t, err)
	}

	node, err := c.Get()
	require.NoError(t, err)
	c.Put(node)

	assert.Equal(t, 2, c.ActiveSize(), "must not contract below min_size even when load is zero")
}

// Property-based law: for any interleaving of Get/Put/Add/Remove with
// paired Get/Put, total equals (#Gets - #Puts) over completed operations
// (pre-clamp), and invariants 1-4 hold at every quiescent point.
func TestApertureController_PropertyRandomInterleaving(t *testing.T) {
	cfg := testConfig()
	cfg.MinSize = 2
	c := newTestController(t, cfg)

	endpoints := []string{"e1", "e2", "e3", "e4", "e5", "e6"}
	for _, ep := range endpoints {
		_, err := c.AddSink(ep, openFactory)
		require.NoError(t, err)
	}

	rng := rand.New(rand.NewSource(42))
	var outstanding []*Node[string]
	gets, puts := 0, 0

	for i := 0; i < 500; i++ {
		switch rng.Intn(3) {
		case 0:
			node, err := c.Get()
			if err == nil {
				outstanding = append(outstanding, node)
				gets++
			}
		case 1:
			if len(outstanding) > 0 {
				idx := rng.Intn(len(outstanding))
				c.Put(outstanding[idx])
				outstanding = append(outstanding[:idx], outstanding[idx+1:]...)
				puts++
			}
		case 2:
			ep := endpoints[rng.Intn(len(endpoints))]
			c.RemoveSink(ep)
			_, err := c.AddSink(ep, openFactory)
			require.NoError(t, err)
		}

		c.mu.Lock()
		assertQuiescentInvariants(t, c)
		c.mu.Unlock()
	}

	c.mu.Lock()
	assert.Equal(t, gets-puts, c.total, "total must track (#Gets - #Puts) over completed operations")
	c.mu.Unlock()
}

// assertQuiescentInvariants checks invariants 1-4 from spec §8. Caller must
// hold c.mu.
func assertQuiescentInvariants[E comparable](t *testing.T, c *ApertureController[E]) {
	t.Helper()

	for ep := range c.active {
		_, inIdle := c.idle[ep]
		assert.False(t, inIdle, "endpoint %v in both active and idle", ep)
	}

	total := len(c.active) + len(c.idle)
	minExpected := c.cfg.MinSize
	if total < minExpected {
		minExpected = total
	}
	assert.GreaterOrEqual(t, len(c.active), minExpected)

	assert.Equal(t, len(c.active), len(c.nodes), "every active endpoint must have exactly one heap node")
	for ep := range c.active {
		_, ok := c.byEndpoint[ep]
		assert.True(t, ok, "active endpoint %v missing heap node", ep)
	}
	for ep := range c.byEndpoint {
		_, ok := c.active[ep]
		assert.True(t, ok, "heap node %v for endpoint outside active", ep)
	}

	isValidMinHeap[E](t, c.nodes)

	for ep := range c.pending {
		_, ok := c.active[ep]
		assert.True(t, ok, "pending endpoint %v must be a subset of active", ep)
	}
}
