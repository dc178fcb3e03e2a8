// Package transport is the boundary between a session and whatever moves
// envelopes between peers. The session polls Receive every tick until it
// comes back empty; all connection callbacks run inside those calls, on the
// polling goroutine.
package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/drpcorg/netsync/protocol"
)

// HostID is the transport id of the hosting peer. Clients are numbered
// from 1 in connection order.
const HostID uint64 = 0

var (
	ErrUnknownPeer  = errors.New("transport: unknown peer")
	ErrNotConnected = errors.New("transport: not connected")
)

// Incoming is a received envelope together with the link it came over.
// For relayed messages From and Msg.Origin() differ.
type Incoming struct {
	From uint64
	Msg  *protocol.Message
}

type Transport interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Send(peer uint64, msg *protocol.Message) error
	// Receive returns the next run of envelopes without blocking. Connection
	// callbacks queued before the run fire first; those queued after it wait
	// for a later call, so the caller sees every envelope before the
	// disconnect that followed it. Empty means nothing is pending.
	Receive() []Incoming
	OnConnect(fn func(peer uint64))
	OnDisconnect(fn func(peer uint64))
	// Ping is the smoothed round trip time to peer, false if unknown.
	Ping(peer uint64) (time.Duration, bool)
	Peers() []uint64
}

type eventKind byte

const (
	eventMessage eventKind = iota
	eventConnect
	eventDisconnect
)

type event struct {
	kind eventKind
	in   Incoming
}

// Inbox queues messages and connection events from any goroutine and
// replays them in order on Receive. Transports embed it.
type Inbox struct {
	lock         sync.Mutex
	queue        []event
	head         int
	onConnect    []func(peer uint64)
	onDisconnect []func(peer uint64)
}

func (in *Inbox) OnConnect(fn func(peer uint64)) {
	in.lock.Lock()
	defer in.lock.Unlock()
	in.onConnect = append(in.onConnect, fn)
}

func (in *Inbox) OnDisconnect(fn func(peer uint64)) {
	in.lock.Lock()
	defer in.lock.Unlock()
	in.onDisconnect = append(in.onDisconnect, fn)
}

func (in *Inbox) push(ev event) {
	in.lock.Lock()
	defer in.lock.Unlock()
	if in.head == len(in.queue) {
		in.queue, in.head = in.queue[:0], 0
	}
	in.queue = append(in.queue, ev)
}

func (in *Inbox) Put(from uint64, msg *protocol.Message) {
	in.push(event{kind: eventMessage, in: Incoming{From: from, Msg: msg}})
}

func (in *Inbox) Connected(peer uint64) {
	in.push(event{kind: eventConnect, in: Incoming{From: peer}})
}

func (in *Inbox) Disconnected(peer uint64) {
	in.push(event{kind: eventDisconnect, in: Incoming{From: peer}})
}

// Receive fires the connection callbacks at the front of the queue, then
// returns the messages up to the next connection event.
func (in *Inbox) Receive() (msgs []Incoming) {
	for {
		in.lock.Lock()
		if in.head == len(in.queue) {
			in.lock.Unlock()
			return msgs
		}
		ev := in.queue[in.head]
		if ev.kind != eventMessage && len(msgs) > 0 {
			in.lock.Unlock()
			return msgs
		}
		in.queue[in.head] = event{}
		in.head++
		var callbacks []func(peer uint64)
		switch ev.kind {
		case eventConnect:
			callbacks = in.onConnect
		case eventDisconnect:
			callbacks = in.onDisconnect
		}
		in.lock.Unlock()

		if ev.kind == eventMessage {
			msgs = append(msgs, ev.in)
			continue
		}
		for _, fn := range callbacks {
			fn(ev.in.From)
		}
	}
}
