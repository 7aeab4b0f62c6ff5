package loadbalancer

import (
	"container/heap"
	"sync"

	"github.com/sirupsen/logrus"
)

// Hooks lets a caller observe heap mutations without the balancer needing a
// virtual-dispatch extension point. ApertureController does not use it (it
// passes an empty Hooks and shadows the methods directly); the
// struct-of-callbacks shape keeps HeapBalancer usable standalone (see
// DESIGN.md for why this replaced
// the five-method Policy interface the design notes originally sketched).
// Any field left nil is simply not invoked.
type Hooks[E comparable] struct {
	OnNodeAdded   func(node *Node[E])
	OnNodeRemoved func(endpoint E)
	OnGet         func(node *Node[E])
	OnPut         func(node *Node[E])
}

// HeapBalancer maintains a min-heap of active nodes ordered by
// (load, seq) and exposes the base Get/Put/AddSink/RemoveSink/OnNodeDown
// operations. It is usable on its own (pure least-loaded selection with no
// aperture sizing) or as the foundation ApertureController composes with.
//
// All heap mutations are serialized by mu. No method here performs I/O
// while holding it.
type HeapBalancer[E comparable] struct {
	mu sync.Mutex

	nodes      nodeHeap[E]
	byEndpoint map[E]*Node[E]
	nextIndex  int

	hooks  Hooks[E]
	logger *logrus.Logger
}

// NewHeapBalancer returns an empty HeapBalancer. A nil logger disables
// logging; hooks with nil fields are simply skipped.
func NewHeapBalancer[E comparable](hooks Hooks[E], logger *logrus.Logger) *HeapBalancer[E] {
	return &HeapBalancer[E]{
		byEndpoint: make(map[E]*Node[E]),
		hooks:      hooks,
		logger:     logger,
	}
}

// Get returns the least-loaded open node and increments its load. It
// returns ErrNoRoutableEndpoint if the heap is empty or every node's
// channel is closed.
func (h *HeapBalancer[E]) Get() (*Node[E], error) {
	h.mu.Lock()
	node, err := h.getLocked()
	h.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if h.hooks.OnGet != nil {
		h.hooks.OnGet(node)
	}
	return node, nil
}

// Put returns a node obtained from Get, decrementing its load. Putting a
// node that is no longer in the heap (it may have been removed while in
// flight) is silently ignored at the heap level.
func (h *HeapBalancer[E]) Put(node *Node[E]) {
	h.mu.Lock()
	h.putLocked(node)
	h.mu.Unlock()

	if h.hooks.OnPut != nil {
		h.hooks.OnPut(node)
	}
}

// AddSink creates a channel for endpoint via factory and adds it to the
// heap. factory is called outside the lock.
func (h *HeapBalancer[E]) AddSink(ep E, factory ChannelFactory[E]) (*Future, error) {
	ch, err := factory(ep)
	if err != nil {
		return CompletedFuture(err), err
	}

	h.mu.Lock()
	node := &Node[E]{Endpoint: ep, Channel: ch}
	h.insertLocked(node)
	h.mu.Unlock()

	if h.hooks.OnNodeAdded != nil {
		h.hooks.OnNodeAdded(node)
	}
	return CompletedFuture(nil), nil
}

// RemoveSink removes ep from the heap. It is a no-op if ep is not present.
func (h *HeapBalancer[E]) RemoveSink(ep E) {
	h.mu.Lock()
	_, existed := h.removeByEndpointLocked(ep)
	h.mu.Unlock()

	if existed && h.hooks.OnNodeRemoved != nil {
		h.hooks.OnNodeRemoved(ep)
	}
}

// OnNodeDown removes node from the heap unconditionally. It is invoked by
// whatever external machinery detects a channel transitioning to closed,
// exactly once per closed-edge; ApertureController shadows it with a version
// that performs the same removal and then also adjusts the active/idle
// partition.
func (h *HeapBalancer[E]) OnNodeDown(node *Node[E]) *Future {
	h.mu.Lock()
	h.removeNodeLocked(node)
	h.mu.Unlock()
	return CompletedFuture(nil)
}

// --- lock-assumed-held helpers, shared (same package) with ApertureController ---

func (h *HeapBalancer[E]) getLocked() (*Node[E], error) {
	if len(h.nodes) == 0 {
		return nil, ErrNoRoutableEndpoint
	}
	root := h.nodes[0]
	if !root.isOpen() {
		return nil, ErrNoRoutableEndpoint
	}
	root.load++
	heap.Fix(&h.nodes, 0)
	return root, nil
}

func (h *HeapBalancer[E]) putLocked(node *Node[E]) {
	if node == nil {
		return
	}
	current, ok := h.byEndpoint[node.Endpoint]
	if !ok || current != node {
		return // mispaired: this node is no longer tracked
	}
	if node.index < 0 || node.index >= len(h.nodes) || h.nodes[node.index] != node {
		return
	}
	node.load--
	heap.Fix(&h.nodes, node.index)
}

func (h *HeapBalancer[E]) insertLocked(node *Node[E]) {
	node.seq = h.nextIndex
	h.nextIndex++
	h.byEndpoint[node.Endpoint] = node
	heap.Push(&h.nodes, node)
}

func (h *HeapBalancer[E]) removeByEndpointLocked(ep E) (*Node[E], bool) {
	node, ok := h.byEndpoint[ep]
	if !ok {
		return nil, false
	}
	h.removeNodeLocked(node)
	return node, true
}

// removeNodeLocked removes node from the heap if it is still present.
// It is a no-op (not an error) if node has already been removed, since a
// node can be independently evicted by contraction and then handed to
// OnNodeDown by a racing health check.
func (h *HeapBalancer[E]) removeNodeLocked(node *Node[E]) {
	current, ok := h.byEndpoint[node.Endpoint]
	if !ok || current != node {
		return
	}
	delete(h.byEndpoint, node.Endpoint)
	if node.index >= 0 && node.index < len(h.nodes) && h.nodes[node.index] == node {
		heap.Remove(&h.nodes, node.index)
	}
}

// countOpenLocked counts active nodes whose channel is currently open.
func (h *HeapBalancer[E]) countOpenLocked() int {
	n := 0
	for _, node := range h.nodes {
		if node.isOpen() {
			n++
		}
	}
	return n
}
