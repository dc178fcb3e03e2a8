package network

import (
	"context"
	"encoding/binary"
	"errors"
	"slices"
	"sync/atomic"
	"time"

	"github.com/drpcorg/netsync/protocol"
	"github.com/drpcorg/netsync/transport"
	"github.com/drpcorg/netsync/utils"
	"github.com/puzpuzpuz/xsync/v3"
)

const (
	DefaultOutboxLimit  = 1 << 24
	DefaultPingInterval = time.Second
)

// link is the protocol handler of one stream: envelopes go out through
// its outbox, inbound records land in the shared inbox.
type link struct {
	id     uint64
	name   string
	core   *links
	outbox *utils.Outbox[protocol.Records]
	rtt    utils.AvgVal
}

func (l *link) Feed(ctx context.Context) (protocol.Records, error) {
	return l.outbox.Feed(ctx)
}

func (l *link) Drain(ctx context.Context, recs protocol.Records) error {
	for _, rec := range recs {
		lit, body, rest, err := protocol.TakeAnyWary(rec)
		if err != nil {
			return err
		}
		if len(rest) > 0 {
			return protocol.ErrBadRecord
		}
		switch lit {
		case 'M':
			msg, err := protocol.DecodeMessage(body)
			if err != nil {
				return err
			}
			l.core.Put(l.id, msg)
		case 'P':
			pong := protocol.Records{protocol.Record('Q', body)}
			if err := l.outbox.Drain(ctx, pong); err != nil {
				return err
			}
		case 'Q':
			if len(body) != 8 {
				return protocol.ErrBadRecord
			}
			sent := time.Unix(0, int64(binary.LittleEndian.Uint64(body)))
			l.rtt.Add(float64(time.Since(sent)))
		default:
			l.core.log.WarnCtx(ctx, "net: unexpected record", "link", l.name, "lit", string(lit))
		}
	}
	return nil
}

func (l *link) ping(ctx context.Context) error {
	body := binary.LittleEndian.AppendUint64(nil, uint64(time.Now().UnixNano()))
	return l.outbox.Drain(ctx, protocol.Records{protocol.Record('P', body)})
}

func (l *link) Close() error {
	return l.outbox.Close()
}

func (l *link) GetTraceId() string {
	return l.name
}

// links maps stream names to session peer ids and carries what the TCP and
// websocket transports have in common.
type links struct {
	transport.Inbox
	log         utils.Logger
	host        bool
	outboxLimit int
	pingEvery   time.Duration
	nextID      atomic.Uint64
	byID        *xsync.MapOf[uint64, *link]
	byName      *xsync.MapOf[string, *link]
}

func newLinks(log utils.Logger, host bool) *links {
	c := &links{
		log:         log,
		host:        host,
		outboxLimit: DefaultOutboxLimit,
		pingEvery:   DefaultPingInterval,
		byID:        xsync.NewMapOf[uint64, *link](),
		byName:      xsync.NewMapOf[string, *link](),
	}
	c.nextID.Store(transport.HostID)
	return c
}

// SetPingInterval takes effect on the next Connect.
func (c *links) SetPingInterval(every time.Duration) {
	c.pingEvery = every
}

// install hands out the next client id on a host; a client only ever
// talks to the host.
func (c *links) install(name string) *link {
	id := transport.HostID
	if c.host {
		id = c.nextID.Add(1)
	}
	l := &link{
		id:     id,
		name:   name,
		core:   c,
		outbox: utils.NewOutbox[protocol.Records](c.outboxLimit),
	}
	c.byName.Store(name, l)
	c.byID.Store(id, l)
	c.Connected(id)
	c.log.Info("net: peer connected", "name", name, "peer", id)
	return l
}

func (c *links) destroy(name string) {
	l, ok := c.byName.LoadAndDelete(name)
	if !ok {
		return
	}
	c.byID.Compute(l.id, func(old *link, loaded bool) (*link, bool) {
		return old, old == l
	})
	_ = l.Close()
	c.Disconnected(l.id)
	c.log.Info("net: peer disconnected", "name", name, "peer", l.id)
}

func (c *links) Send(peer uint64, msg *protocol.Message) error {
	l, ok := c.byID.Load(peer)
	if !ok {
		return transport.ErrUnknownPeer
	}
	err := l.outbox.Drain(context.Background(), protocol.Records{msg.Frame()})
	if errors.Is(err, utils.ErrClosed) {
		return transport.ErrUnknownPeer
	}
	return err
}

func (c *links) Ping(peer uint64) (time.Duration, bool) {
	l, ok := c.byID.Load(peer)
	if !ok {
		return 0, false
	}
	if l.rtt.Count() == 0 {
		return 0, false
	}
	return time.Duration(l.rtt.Val()), true
}

func (c *links) Peers() []uint64 {
	var peers []uint64
	c.byID.Range(func(id uint64, _ *link) bool {
		peers = append(peers, id)
		return true
	})
	slices.Sort(peers)
	return peers
}

func (c *links) keepPinging(ctx context.Context) {
	ticker := time.NewTicker(c.pingEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		c.byID.Range(func(id uint64, l *link) bool {
			if err := l.ping(ctx); err != nil && !errors.Is(err, utils.ErrClosed) {
				c.log.WarnCtx(ctx, "net: ping failed", "peer", id, "err", err)
			}
			return true
		})
	}
}
