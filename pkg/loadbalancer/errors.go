package loadbalancer

import "errors"

// ErrNoRoutableEndpoint is returned by Get when the aperture has no node to
// offer: either it is empty, or every active node's channel is closed.
// Callers on the routing path must treat this as a routing failure; the
// balancer never blocks waiting for a node to become available.
var ErrNoRoutableEndpoint = errors.New("loadbalancer: no routable endpoint")
