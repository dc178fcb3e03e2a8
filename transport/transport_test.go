package transport

import (
	"context"
	"testing"
	"time"

	"github.com/drpcorg/netsync/protocol"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestLoopbackStar(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(20 * time.Millisecond)
	host := hub.Host()
	var joined, left []uint64
	host.OnConnect(func(peer uint64) { joined = append(joined, peer) })
	host.OnDisconnect(func(peer uint64) { left = append(left, peer) })

	early := hub.Client()
	assert.ErrorIs(t, early.Connect(ctx), ErrNotConnected)

	assert.Nil(t, host.Connect(ctx))
	a, b := hub.Client(), hub.Client()
	assert.Nil(t, a.Connect(ctx))
	assert.Nil(t, b.Connect(ctx))
	assert.Equal(t, uint64(1), a.LocalID())
	assert.Equal(t, uint64(2), b.LocalID())
	assert.Empty(t, joined)

	msg := protocol.MustMessage(protocol.MsgHello, a.LocalID(), "hi")
	assert.Nil(t, a.Send(HostID, msg))
	assert.ErrorIs(t, a.Send(b.LocalID(), msg), ErrUnknownPeer)

	got := host.Receive()
	assert.Equal(t, []uint64{1, 2}, joined)
	assert.Len(t, got, 1)
	assert.Equal(t, uint64(1), got[0].From)
	assert.Equal(t, protocol.MsgHello, got[0].Msg.Type())
	assert.Empty(t, host.Receive())

	rtt, ok := a.Ping(HostID)
	assert.True(t, ok)
	assert.Equal(t, 20*time.Millisecond, rtt)
	_, ok = a.Ping(7)
	assert.False(t, ok)
	assert.Equal(t, []uint64{1, 2}, host.Peers())

	assert.Nil(t, a.Disconnect())
	host.Receive()
	assert.Equal(t, []uint64{1}, left)
	assert.Equal(t, []uint64{2}, host.Peers())
	assert.ErrorIs(t, host.Send(1, msg), ErrUnknownPeer)

	var hostGone bool
	b.OnDisconnect(func(peer uint64) { hostGone = peer == HostID })
	assert.Nil(t, host.Disconnect())
	b.Receive()
	assert.True(t, hostGone)
	assert.Empty(t, b.Peers())
}

func TestInboxOrder(t *testing.T) {
	var in Inbox
	var trace []string
	in.OnConnect(func(peer uint64) { trace = append(trace, "connect") })
	in.OnDisconnect(func(peer uint64) { trace = append(trace, "disconnect") })
	in.Connected(3)
	in.Put(3, protocol.MustMessage(protocol.MsgDelta, 3, uint32(1)))
	in.Put(3, protocol.MustMessage(protocol.MsgDelta, 3, uint32(2)))
	in.Disconnected(3)
	in.Connected(4)

	// the disconnect waits until the deltas before it are handled
	msgs := in.Receive()
	assert.Equal(t, []string{"connect"}, trace)
	assert.Len(t, msgs, 2)

	in.Put(4, protocol.MustMessage(protocol.MsgHello, 4))
	msgs = in.Receive()
	assert.Equal(t, []string{"connect", "disconnect", "connect"}, trace)
	assert.Len(t, msgs, 1)
	assert.Equal(t, uint64(4), msgs[0].From)

	assert.Empty(t, in.Receive())
	in.Disconnected(4)
	assert.Empty(t, in.Receive())
	assert.Equal(t, []string{"connect", "disconnect", "connect", "disconnect"}, trace)
}

func TestMeteredAccounting(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(0)
	host := Metered(hub.Host(), PromAccounting{})
	client := hub.Client()
	assert.Nil(t, host.Connect(ctx))
	assert.Nil(t, client.Connect(ctx))

	before := testutil.ToFloat64(MessagesTotal.WithLabelValues("bye", "out"))
	msg := protocol.MustMessage(protocol.MsgBye, HostID, "bye")
	assert.Nil(t, host.Send(client.LocalID(), msg))
	assert.Equal(t, before+1, testutil.ToFloat64(MessagesTotal.WithLabelValues("bye", "out")))
	assert.Equal(t, float64(len(msg.Encode())), testutil.ToFloat64(BytesTotal.WithLabelValues("bye", "out")))

	assert.Nil(t, client.Send(HostID, protocol.MustMessage(protocol.MsgBye, client.LocalID())))
	assert.Len(t, host.Receive(), 1)
	assert.Equal(t, float64(1), testutil.ToFloat64(MessagesTotal.WithLabelValues("bye", "in")))
}
