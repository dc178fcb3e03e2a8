package network

import (
	"context"
	"net"
	"sync"

	"github.com/drpcorg/netsync/protocol"
	"github.com/drpcorg/netsync/transport"
	"github.com/drpcorg/netsync/utils"
)

// Transport is transport.Transport over a Net: a host listens on addr, a
// client keeps one connection to it, redialing when it drops.
type Transport struct {
	*links
	net  *Net
	addr string

	lock   sync.Mutex
	cancel context.CancelFunc
}

// NewHost listens on addr ("tcp://:7777") once connected.
func NewHost(log utils.Logger, addr string, opts ...NetOpt) *Transport {
	return newTransport(log, addr, true, opts)
}

// NewClient dials addr once connected.
func NewClient(log utils.Logger, addr string, opts ...NetOpt) *Transport {
	return newTransport(log, addr, false, opts)
}

func newTransport(log utils.Logger, addr string, host bool, opts []NetOpt) *Transport {
	t := &Transport{links: newLinks(log, host), addr: addr}
	t.net = NewNet(log,
		func(name string) protocol.FeedDrainCloserTraced { return t.install(name) },
		func(name string, _ protocol.Traced) { t.destroy(name) },
		opts...)
	return t
}

func (t *Transport) Connect(ctx context.Context) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.cancel != nil {
		return nil
	}
	var err error
	if t.host {
		err = t.net.Listen(t.addr)
	} else {
		err = t.net.Connect(t.addr)
	}
	if err != nil {
		return err
	}
	pingCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t.cancel = cancel
	go t.keepPinging(pingCtx)
	return nil
}

// Disconnect is final: the underlying Net cannot be reused.
func (t *Transport) Disconnect() error {
	t.lock.Lock()
	cancel := t.cancel
	t.cancel = nil
	t.lock.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	return t.net.Close()
}

// Addr is the bound listen address of a host.
func (t *Transport) Addr() (net.Addr, bool) {
	return t.net.ListenAddr(t.addr)
}

// Stats reports the streams of this transport by name.
func (t *Transport) Stats() map[string]LinkStats {
	return t.net.Stats()
}

var _ transport.Transport = (*Transport)(nil)
