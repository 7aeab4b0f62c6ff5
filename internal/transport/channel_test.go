package transport

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLoopbackListener(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	return ln
}

func TestDial_Succeeds(t *testing.T) {
	ln := newLoopbackListener(t)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	ch, err := Dial(ln.Addr().String(), time.Second)
	require.NoError(t, err)
	defer ch.Close()
	assert.True(t, ch.IsOpen())
}

func TestDial_FailsOnRefusedConnection(t *testing.T) {
	ln := newLoopbackListener(t)
	addr := ln.Addr().String()
	ln.Close()

	_, err := Dial(addr, 200*time.Millisecond)
	assert.Error(t, err)
}

func TestTCPChannel_MarkDown(t *testing.T) {
	ln := newLoopbackListener(t)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	ch, err := Dial(ln.Addr().String(), time.Second)
	require.NoError(t, err)
	defer ch.Close()

	require.True(t, ch.IsOpen())
	ch.MarkDown()
	assert.False(t, ch.IsOpen())
}

func TestDialFactory_ReturnsOpenChannel(t *testing.T) {
	ln := newLoopbackListener(t)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	factory := DialFactory(time.Second)
	channel, err := factory(ln.Addr().String())
	require.NoError(t, err)
	assert.True(t, channel.IsOpen())
}

func TestStaticProvider_EndpointsIsACopy(t *testing.T) {
	p := NewStaticProvider([]string{"a:1", "b:2"})
	got := p.Endpoints()
	got[0] = "mutated"
	assert.Equal(t, []string{"a:1", "b:2"}, p.Endpoints())
}
