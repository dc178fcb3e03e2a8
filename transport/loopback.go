package transport

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/drpcorg/netsync/protocol"
)

// Hub connects in-process loopback transports in a star around one host.
type Hub struct {
	lock    sync.Mutex
	host    *Loopback
	clients map[uint64]*Loopback
	nextID  uint64
	latency time.Duration
}

// NewHub reports latency as every link's ping.
func NewHub(latency time.Duration) *Hub {
	return &Hub{clients: make(map[uint64]*Loopback), nextID: HostID + 1, latency: latency}
}

// Host returns the hub's hosting end. Connect it before any client.
func (h *Hub) Host() *Loopback {
	h.lock.Lock()
	defer h.lock.Unlock()
	if h.host == nil {
		h.host = &Loopback{hub: h, id: HostID, host: true}
	}
	return h.host
}

// Client returns a fresh client end; it gets its id on Connect.
func (h *Hub) Client() *Loopback {
	return &Loopback{hub: h}
}

type Loopback struct {
	Inbox
	hub       *Hub
	id        uint64
	host      bool
	connected bool
}

func (l *Loopback) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h := l.hub
	h.lock.Lock()
	defer h.lock.Unlock()
	if l.connected {
		return nil
	}
	if l.host {
		l.connected = true
		return nil
	}
	if h.host == nil || !h.host.connected {
		return ErrNotConnected
	}
	l.id = h.nextID
	h.nextID++
	l.connected = true
	h.clients[l.id] = l
	h.host.Connected(l.id)
	l.Connected(HostID)
	return nil
}

func (l *Loopback) Disconnect() error {
	h := l.hub
	h.lock.Lock()
	defer h.lock.Unlock()
	if !l.connected {
		return nil
	}
	l.connected = false
	if !l.host {
		delete(h.clients, l.id)
		h.host.Disconnected(l.id)
		l.Disconnected(HostID)
		return nil
	}
	for id, client := range h.clients {
		client.connected = false
		client.Disconnected(HostID)
		l.Disconnected(id)
		delete(h.clients, id)
	}
	return nil
}

func (l *Loopback) LocalID() uint64 {
	return l.id
}

// Send hands msg to the peer's inbox. Clients only reach the host.
func (l *Loopback) Send(peer uint64, msg *protocol.Message) error {
	h := l.hub
	h.lock.Lock()
	defer h.lock.Unlock()
	if !l.connected {
		return ErrNotConnected
	}
	var to *Loopback
	switch {
	case l.host:
		to = h.clients[peer]
	case peer == HostID:
		to = h.host
	}
	if to == nil || !to.connected {
		return ErrUnknownPeer
	}
	to.Put(l.id, msg)
	return nil
}

func (l *Loopback) Ping(peer uint64) (time.Duration, bool) {
	for _, p := range l.Peers() {
		if p == peer {
			return l.hub.latency, true
		}
	}
	return 0, false
}

func (l *Loopback) Peers() []uint64 {
	h := l.hub
	h.lock.Lock()
	defer h.lock.Unlock()
	if !l.connected {
		return nil
	}
	if !l.host {
		return []uint64{HostID}
	}
	peers := make([]uint64, 0, len(h.clients))
	for id := range h.clients {
		peers = append(peers, id)
	}
	slices.Sort(peers)
	return peers
}
