package network

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/drpcorg/netsync/protocol"
	"github.com/drpcorg/netsync/transport"
	"github.com/drpcorg/netsync/utils"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestParseAddr(t *testing.T) {
	typ, addr, err := parseAddr("tcp://127.0.0.1:7777")
	assert.Nil(t, err)
	assert.Equal(t, TCP, typ)
	assert.Equal(t, "127.0.0.1:7777", addr)

	typ, addr, err = parseAddr("tls://example.com:443")
	assert.Nil(t, err)
	assert.Equal(t, TLS, typ)
	assert.Equal(t, "example.com:443", addr)

	typ, addr, err = parseAddr("localhost:1")
	assert.Nil(t, err)
	assert.Equal(t, TCP, typ)
	assert.Equal(t, "localhost:1", addr)

	_, _, err = parseAddr("quic://localhost:1")
	assert.ErrorIs(t, err, ErrAddressInvalid)
}

func TestLinkPingPong(t *testing.T) {
	ctx := context.Background()
	log := utils.NewDefaultLogger(slog.LevelError)
	client := newLinks(log, false).install("client")
	host := newLinks(log, true).install("host")
	assert.Equal(t, transport.HostID, client.id)
	assert.Equal(t, uint64(1), host.id)

	assert.Nil(t, client.ping(ctx))
	assert.Nil(t, protocol.Relay(ctx, client, host))
	assert.Nil(t, protocol.Relay(ctx, host, client))
	assert.Equal(t, 1, client.rtt.Count())

	msg := protocol.MustMessage(protocol.MsgHello, 1, "x")
	assert.Nil(t, host.core.Send(host.id, msg))

	pumpCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = protocol.PumpCtx(pumpCtx, host, client)
	}()
	var got []transport.Incoming
	assert.Eventually(t, func() bool {
		got = append(got, client.core.Receive()...)
		return len(got) == 1
	}, time.Second, 5*time.Millisecond)
	cancel()
	wg.Wait()
	assert.Equal(t, transport.HostID, got[0].From)
	assert.Equal(t, protocol.MsgHello, got[0].Msg.Type())
}

func TestLinkRejectsGarbage(t *testing.T) {
	l := newLinks(utils.NewDefaultLogger(slog.LevelError), true).install("x")
	err := l.Drain(context.Background(), protocol.Records{{'M', 0xff, 0xff, 0xff, 0xff}})
	assert.Error(t, err)
}

func collect(tr transport.Transport, into *[]transport.Incoming) func() {
	return func() { *into = append(*into, tr.Receive()...) }
}

func exercise(t *testing.T, host, client transport.Transport) {
	var joined, left []uint64
	host.OnConnect(func(peer uint64) { joined = append(joined, peer) })
	host.OnDisconnect(func(peer uint64) { left = append(left, peer) })
	var hostSide, clientSide []transport.Incoming

	assert.Eventually(t, func() bool {
		collect(host, &hostSide)()
		return len(joined) == 1
	}, 5*time.Second, 10*time.Millisecond)
	peer := joined[0]
	assert.Equal(t, uint64(1), peer)

	hello := protocol.MustMessage(protocol.MsgHello, 0, []string{"farm"}, uint64(42))
	assert.Nil(t, client.Send(transport.HostID, hello))
	assert.Eventually(t, func() bool {
		collect(host, &hostSide)()
		return len(hostSide) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, peer, hostSide[0].From)
	farms, err := protocol.Arg[[]string](hostSide[0].Msg, 0)
	assert.Nil(t, err)
	assert.Equal(t, []string{"farm"}, farms)

	for i := 0; i < 100; i++ {
		assert.Nil(t, host.Send(peer, protocol.MustMessage(protocol.MsgDelta, transport.HostID, uint32(i))))
	}
	assert.Eventually(t, func() bool {
		collect(client, &clientSide)()
		return len(clientSide) == 100
	}, 5*time.Second, 10*time.Millisecond)
	for i, in := range clientSide {
		n, err := protocol.Arg[uint32](in.Msg, 0)
		assert.Nil(t, err)
		assert.Equal(t, uint32(i), n)
	}

	assert.Eventually(t, func() bool {
		_, ok := client.Ping(transport.HostID)
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	assert.Nil(t, client.Disconnect())
	assert.Eventually(t, func() bool {
		collect(host, &hostSide)()
		return len(left) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []uint64{peer}, left)
	assert.Empty(t, host.Peers())
	assert.ErrorIs(t, host.Send(peer, hello), transport.ErrUnknownPeer)
	assert.Nil(t, host.Disconnect())
}

func TestTCPTransport(t *testing.T) {
	log := utils.NewDefaultLogger(slog.LevelError)
	host := NewHost(log, "tcp://127.0.0.1:0")
	assert.Nil(t, host.Connect(context.Background()))
	addr, ok := host.Addr()
	assert.True(t, ok)

	client := NewClient(log, "tcp://"+addr.String())
	client.SetPingInterval(20 * time.Millisecond)
	assert.Nil(t, client.Connect(context.Background()))
	assert.ErrorIs(t, client.net.Connect("tcp://"+addr.String()), ErrAddressDuplicated)

	// one link on each side: buffered, write batch and the link count
	assert.Eventually(t, func() bool {
		return testutil.CollectAndCount(NewCollector(client)) == 3
	}, 5*time.Second, 10*time.Millisecond)
	exercise(t, host, client)
}

func TestWSTransport(t *testing.T) {
	log := utils.NewDefaultLogger(slog.LevelError)
	host := NewWSHost(log, "127.0.0.1:0")
	assert.Nil(t, host.Connect(context.Background()))
	addr, ok := host.Addr()
	assert.True(t, ok)

	client := NewWSClient(log, "ws://"+addr.String()+WSPath)
	client.SetPingInterval(20 * time.Millisecond)
	assert.Nil(t, client.Connect(context.Background()))
	exercise(t, host, client)
}
