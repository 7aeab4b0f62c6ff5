// Package transport provides a minimal TCP-dial Channel implementation so
// cmd/aperture-demo can drive loadbalancer.ApertureController against real
// sockets instead of fakes. It is a reference binding, not a general RPC
// client: spec §4.7 explicitly leaves the wire protocol and server-set
// discovery mechanism out of scope.
package transport

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/khryptorgraphics/aperturebalancer/pkg/loadbalancer"
)

// TCPChannel is a loadbalancer.Channel backed by a single dialed TCP
// connection. IsOpen reports whether the connection is still believed
// live; MarkDown lets the owner flag a connection dead after a failed
// write/read without re-dialing.
type TCPChannel struct {
	mu   sync.RWMutex
	conn net.Conn
	open bool
}

// Dial opens a TCP connection to addr with the given timeout and wraps it
// in a TCPChannel.
func Dial(addr string, timeout time.Duration) (*TCPChannel, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	return &TCPChannel{conn: conn, open: true}, nil
}

// IsOpen implements loadbalancer.Channel.
func (c *TCPChannel) IsOpen() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.open
}

// Conn returns the underlying connection for read/write use by the caller.
func (c *TCPChannel) Conn() net.Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}

// MarkDown flags the channel closed without touching the socket; callers
// observing a failed read/write call this before reporting OnNodeDown.
func (c *TCPChannel) MarkDown() {
	c.mu.Lock()
	c.open = false
	c.mu.Unlock()
}

// Close closes the underlying connection and marks the channel down.
func (c *TCPChannel) Close() error {
	c.mu.Lock()
	c.open = false
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// DialFactory returns a loadbalancer.ChannelFactory[string] that dials each
// endpoint (expected to be a "host:port" string) with the given timeout, so
// it can be passed straight to ApertureController.AddSink.
func DialFactory(timeout time.Duration) loadbalancer.ChannelFactory[string] {
	return func(endpoint string) (loadbalancer.Channel, error) {
		return Dial(endpoint, timeout)
	}
}
