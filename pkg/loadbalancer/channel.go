package loadbalancer

// Channel is a transport handle for a single endpoint. It is owned by the
// channel-factory layer; the balancer only ever observes IsOpen.
//
// Channel, and everything that creates one, is explicitly out of scope for
// this package — request serialization, health probing, and reconnection
// policy live in the surrounding sink/middleware stack.
type Channel interface {
	IsOpen() bool
}

// ChannelFactory creates a Channel for an endpoint. It may be slow (dialing,
// handshaking); the balancer never calls it while holding its internal
// lock.
type ChannelFactory[E comparable] func(endpoint E) (Channel, error)

// Node pairs an endpoint with its channel and its outstanding-request load.
// A Node exists only while its endpoint is active; once removed it must not
// be reused.
type Node[E comparable] struct {
	Endpoint E
	Channel  Channel

	load  int
	seq   int // insertion order, fixed at insertLocked; breaks Less ties
	index int // position in the heap; maintained by nodeHeap, not a tie-break key
}

// Load returns the node's current outstanding-request count.
func (n *Node[E]) Load() int {
	return n.load
}

func (n *Node[E]) isOpen() bool {
	return n.Channel != nil && n.Channel.IsOpen()
}

// effectiveLoad orders closed-channel nodes after every open one,
// regardless of their numeric load, by treating them as infinitely loaded.
// nodeHeap.Less uses this so Get never selects a closed channel while an
// open one is available.
func (n *Node[E]) effectiveLoad() int {
	if !n.isOpen() {
		return int(^uint(0) >> 1) // math.MaxInt, without importing math for one constant
	}
	return n.load
}

// nodeHeap implements container/heap.Interface over *Node[E], ordered by
// (effective load, seq) as required by spec: ties broken by insertion order
// for round-robin-like fairness among equally loaded nodes. seq is assigned
// once at insertion and never changes; index is the heap's own bookkeeping
// of the node's current array slot and must not be used as a tie-break key,
// since heap.Fix/Push/Pop reassign it on every mutation.
type nodeHeap[E comparable] []*Node[E]

func (h nodeHeap[E]) Len() int { return len(h) }

func (h nodeHeap[E]) Less(i, j int) bool {
	li, lj := h[i].effectiveLoad(), h[j].effectiveLoad()
	if li != lj {
		return li < lj
	}
	return h[i].seq < h[j].seq
}

func (h nodeHeap[E]) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *nodeHeap[E]) Push(x interface{}) {
	node := x.(*Node[E])
	node.index = len(*h)
	*h = append(*h, node)
}

func (h *nodeHeap[E]) Pop() interface{} {
	old := *h
	n := len(old)
	node := old[n-1]
	old[n-1] = nil
	node.index = -1
	*h = old[:n-1]
	return node
}
