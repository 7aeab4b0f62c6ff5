// Package loadbalancer implements the aperture load balancer: a min-heap of
// actively routed endpoints (HeapBalancer) wrapped by a feedback loop
// (ApertureController) that resizes the active subset to keep per-node
// offered load inside a configured band, and periodically jitters
// membership to avoid stale hotspots.
//
// Based on the aperture balancer from finagle, by way of the scales
// client-side load balancing library.
package loadbalancer

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/khryptorgraphics/aperturebalancer/pkg/clock"
	"github.com/khryptorgraphics/aperturebalancer/pkg/ema"
)

// apertureAction is the outcome of the load-driven control law for a single
// Get/Put event: at most one resize ever follows from one event.
type apertureAction int

const (
	actionNone apertureAction = iota
	actionExpand
	actionContract
)

// ApertureController wraps a HeapBalancer with an active/idle partition of
// known endpoints and a control loop that keeps the active subset's offered
// load inside [MinLoad, MaxLoad]. It embeds *HeapBalancer[E] for its
// internal heap plumbing and shares the embedded mutex for all of its own
// state (active, idle, pending, total, ema) rather than taking a second
// lock, per spec §5's single-coarse-mutex requirement; see DESIGN.md.
type ApertureController[E comparable] struct {
	*HeapBalancer[E]

	cfg Config

	active    map[E]struct{}
	idle      map[E]struct{}
	pending   map[E]struct{}
	factories map[E]ChannelFactory[E]

	total int
	avg   *ema.EMA
	clock *clock.MonoClock

	timer        TimerQueue
	jitterHandle TimerHandle

	metrics *Metrics
	logger  *logrus.Logger
}

// NewApertureController constructs a controller with an empty endpoint set.
// timer and clk may be nil only if cfg.JitterMin <= 0 and the caller never
// needs wall-clock-driven EMA decay respectively; in practice both should
// be supplied. metrics and logger may be nil to disable their respective
// surfaces.
func NewApertureController[E comparable](cfg Config, timer TimerQueue, clk *clock.MonoClock, metrics *Metrics, logger *logrus.Logger) *ApertureController[E] {
	c := &ApertureController[E]{
		HeapBalancer: NewHeapBalancer[E](Hooks[E]{}, logger),
		cfg:          cfg,
		active:       make(map[E]struct{}),
		idle:         make(map[E]struct{}),
		pending:      make(map[E]struct{}),
		factories:    make(map[E]ChannelFactory[E]),
		avg:          ema.New(cfg.SmoothingWindow.Seconds()),
		clock:        clk,
		timer:        timer,
		metrics:      metrics,
		logger:       logger,
	}
	if cfg.JitterMin > 0 && timer != nil {
		c.scheduleNextJitter()
	}
	return c
}

// Get returns the least-loaded open active node, adjusting the aperture if
// the resulting offered load crosses a band edge. It shadows the embedded
// HeapBalancer.Get to fold the control law into the same critical section
// as the heap pop.
func (c *ApertureController[E]) Get() (*Node[E], error) {
	c.mu.Lock()
	node, err := c.getLocked()
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	action := c.adjustApertureLocked(1)
	c.mu.Unlock()

	c.applyApertureAction(action)
	return node, nil
}

// Put returns a node obtained from Get. The load counter is decremented
// even if the node has since been evicted from the heap (a mispaired Put);
// see spec §7.
func (c *ApertureController[E]) Put(node *Node[E]) {
	c.mu.Lock()
	c.putLocked(node)
	action := c.adjustApertureLocked(-1)
	c.mu.Unlock()

	c.applyApertureAction(action)
}

// AddSink adopts ep into the active set if the pool currently has fewer
// than MinSize open nodes, otherwise holds it idle. factory is invoked
// (outside the lock) only when ep is promoted to active; idle endpoints
// incur no channel cost until tryExpandAperture later promotes them.
func (c *ApertureController[E]) AddSink(ep E, factory ChannelFactory[E]) (*Future, error) {
	c.mu.Lock()
	c.factories[ep] = factory
	promote := c.countOpenLocked() < c.cfg.MinSize
	if promote {
		c.active[ep] = struct{}{}
	} else {
		c.idle[ep] = struct{}{}
	}
	c.updateSizeGaugesLocked()
	c.mu.Unlock()

	if !promote {
		return CompletedFuture(nil), nil
	}

	ch, err := factory(ep)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		delete(c.active, ep)
		c.updateSizeGaugesLocked()
		return CompletedFuture(err), err
	}
	node := &Node[E]{Endpoint: ep, Channel: ch}
	c.insertLocked(node)
	c.updateSizeGaugesLocked()
	return CompletedFuture(nil), nil
}

// RemoveSink discards ep from whichever set holds it. If ep was active, the
// aperture backfills from idle (outside the lock, since that may call a
// channel factory).
func (c *ApertureController[E]) RemoveSink(ep E) {
	c.mu.Lock()
	c.removeByEndpointLocked(ep)
	_, wasActive := c.active[ep]
	delete(c.active, ep)
	delete(c.idle, ep)
	delete(c.factories, ep)
	delete(c.pending, ep)
	c.updateSizeGaugesLocked()
	c.mu.Unlock()

	if wasActive {
		c.tryExpandAperture()
	}
}

// OnNodeDown handles a channel transitioning to closed. If the node was
// active, it is dropped and the aperture immediately attempts to backfill
// from idle; the returned Future resolves when that backfill (if any)
// completes.
func (c *ApertureController[E]) OnNodeDown(node *Node[E]) *Future {
	c.mu.Lock()
	c.removeNodeLocked(node)
	ep := node.Endpoint
	_, wasActive := c.active[ep]
	if wasActive {
		delete(c.active, ep)
	}
	c.updateSizeGaugesLocked()
	c.mu.Unlock()

	if !wasActive {
		return CompletedFuture(nil)
	}
	future, _, _ := c.tryExpandAperture()
	return future
}

// Close tears down the jitter loop, if one is running. It does not close
// any channels; those remain owned by the channel-factory layer.
func (c *ApertureController[E]) Close() {
	c.mu.Lock()
	handle := c.jitterHandle
	c.jitterHandle = nil
	c.mu.Unlock()
	if handle != nil {
		handle.Cancel()
	}
}

// ActiveSize and IdleSize report the current partition sizes, for tests and
// introspection.
func (c *ApertureController[E]) ActiveSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

func (c *ApertureController[E]) IdleSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.idle)
}

// --- control law ---

// adjustApertureLocked implements spec §4.4.4. Assumes c.mu held.
func (c *ApertureController[E]) adjustApertureLocked(amount int) apertureAction {
	c.total += amount
	readTotal := c.total
	if readTotal < 0 {
		// total may transiently go negative on a mispaired Put; clamp only
		// at read so a later matching Get still balances the ledger.
		readTotal = 0
	}

	var ts float64
	if c.clock != nil {
		ts = c.clock.Sample()
	}
	avg := c.avg.Update(ts, float64(readTotal))

	apertureSize := len(c.active)
	var perNodeLoad float64
	if apertureSize == 0 {
		// Essentially infinite load: forces expansion if any idle exists.
		perNodeLoad = c.cfg.MaxLoad
	} else {
		perNodeLoad = avg / float64(apertureSize)
		if c.metrics != nil {
			c.metrics.LoadAverage.Set(perNodeLoad)
		}
	}

	switch {
	case perNodeLoad >= c.cfg.MaxLoad && len(c.idle) > 0:
		return actionExpand
	case perNodeLoad <= c.cfg.MinLoad && apertureSize > c.cfg.MinSize:
		return actionContract
	default:
		return actionNone
	}
}

func (c *ApertureController[E]) applyApertureAction(action apertureAction) {
	switch action {
	case actionExpand:
		c.tryExpandAperture()
	case actionContract:
		c.mu.Lock()
		c.contractApertureLocked()
		c.mu.Unlock()
	}
}

// tryExpandAperture moves a uniformly random idle endpoint into active,
// materializing its channel. It must be called without holding c.mu, since
// the channel factory may block; it re-acquires the lock around both the
// bookkeeping before and the insertion after the factory call.
func (c *ApertureController[E]) tryExpandAperture() (future *Future, endpoint E, expanded bool) {
	c.mu.Lock()
	if len(c.idle) == 0 {
		c.mu.Unlock()
		return CompletedFuture(nil), endpoint, false
	}
	candidates := make([]E, 0, len(c.idle))
	for ep := range c.idle {
		candidates = append(candidates, ep)
	}
	chosen := candidates[rand.IntN(len(candidates))]
	factory := c.factories[chosen]
	delete(c.idle, chosen)
	c.active[chosen] = struct{}{}
	c.updateSizeGaugesLocked()
	c.mu.Unlock()

	ch, err := factory(chosen)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		delete(c.active, chosen)
		c.idle[chosen] = struct{}{}
		c.updateSizeGaugesLocked()
		if c.logger != nil {
			c.logger.WithField("endpoint", chosen).WithError(err).Debug("aperture: expansion failed, channel factory error")
		}
		return CompletedFuture(err), chosen, false
	}

	node := &Node[E]{Endpoint: chosen, Channel: ch}
	c.insertLocked(node)
	c.updateSizeGaugesLocked()
	if c.logger != nil {
		c.logger.WithField("endpoint", chosen).Debug("aperture: expanding aperture")
	}
	return CompletedFuture(nil), chosen, true
}

// contractApertureLocked implements spec §4.4.3's approximate scan: it
// walks the heap's backing array in storage order, not in true sorted
// order, and evicts the first non-pending node it finds. This is a
// deliberate, documented approximation (spec §9), not a bug. Assumes c.mu
// held.
func (c *ApertureController[E]) contractApertureLocked() {
	if len(c.active) <= c.cfg.MinSize {
		return
	}
	for _, node := range c.nodes {
		if _, pending := c.pending[node.Endpoint]; pending {
			continue
		}
		ep := node.Endpoint
		c.removeNodeLocked(node)
		delete(c.active, ep)
		c.idle[ep] = struct{}{}
		c.updateSizeGaugesLocked()
		if c.logger != nil {
			c.logger.WithField("endpoint", ep).Debug("aperture: contracting aperture")
		}
		return
	}
	// every active node is pending; nothing to contract this round.
}

func (c *ApertureController[E]) updateSizeGaugesLocked() {
	if c.metrics == nil {
		return
	}
	c.metrics.Active.Set(float64(len(c.active)))
	c.metrics.Idle.Set(float64(len(c.idle)))
}

// --- jitter ---

func (c *ApertureController[E]) scheduleNextJitter() {
	delay := c.randomJitterDelay()
	handle := c.timer.Schedule(c.timer.Now().Add(delay), c.runJitterCycle)
	c.mu.Lock()
	c.jitterHandle = handle
	c.mu.Unlock()
}

func (c *ApertureController[E]) randomJitterDelay() time.Duration {
	lo, hi := c.cfg.JitterMin, c.cfg.JitterMax
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rand.Int64N(int64(hi-lo)))
}

// runJitterCycle implements spec §4.4.6. Any panic is recovered and logged,
// but the next jitter is always rescheduled — deferred cleanup runs on
// every exit path, including a panicking one.
func (c *ApertureController[E]) runJitterCycle() {
	defer c.scheduleNextJitter()
	defer func() {
		if r := recover(); r != nil && c.logger != nil {
			c.logger.WithField("panic", r).Error("aperture: jitter cycle panicked")
		}
	}()

	future, ep, expanded := c.tryExpandAperture()
	if !expanded {
		return
	}

	c.mu.Lock()
	c.pending[ep] = struct{}{}
	c.mu.Unlock()

	err := future.Wait(context.Background())

	c.mu.Lock()
	if err == nil {
		c.contractApertureLocked()
	}
	delete(c.pending, ep)
	c.mu.Unlock()
}
