package netsync

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/drpcorg/netsync/clock"
	"github.com/drpcorg/netsync/coordinator"
	"github.com/drpcorg/netsync/netfield"
	"github.com/drpcorg/netsync/netsync_errors"
	"github.com/drpcorg/netsync/protocol"
	"github.com/drpcorg/netsync/store"
	"github.com/drpcorg/netsync/transport"
	"github.com/drpcorg/netsync/utils"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

type barn struct {
	fields *netfield.Tree
	hay    *netfield.Field[int32]
	door   *netfield.Field[bool]
	speed  *netfield.Field[float32]
}

func newBarn(opts netfield.Options, extra ...netfield.Node) *barn {
	b := &barn{
		fields: netfield.NewTree("barn", opts),
		hay:    netfield.NewInt32("hay", 0),
		door:   netfield.NewBool("door", false),
		speed:  netfield.NewFloat32("speed", 0).Interpolate(netfield.LerpNumber[float32], 4),
	}
	b.fields.SetOwner(b)
	_ = b.fields.AddFields(b.hay, b.door, b.speed)
	_ = b.fields.AddFields(extra...)
	return b
}

func (b *barn) NetFields() *netfield.Tree {
	return b.fields
}

type member struct {
	*Session
	barn *barn
}

func join(t *testing.T, tr transport.Transport, cfg Config, extra ...netfield.Node) member {
	if cfg.Log == nil {
		cfg.Log = utils.NopLogger()
	}
	s := NewSession(cfg, tr)
	b := newBarn(s.Options(), extra...)
	assert.Nil(t, s.Register("barn", b.fields))
	assert.Nil(t, s.Connect(context.Background()))
	return member{Session: s, barn: b}
}

func tick(t *testing.T, members ...member) {
	for _, m := range members {
		assert.Nil(t, m.Tick(context.Background()))
	}
}

func TestSessionJoinAndSync(t *testing.T) {
	hub := transport.NewHub(0)
	host := join(t, hub.Host(), Config{Role: Host})
	host.barn.hay.Set(5)
	tick(t, host)

	client := join(t, hub.Client(), Config{Role: Client})
	tick(t, host, client, host)

	assert.Equal(t, int32(5), client.barn.hay.Get())
	assert.Equal(t, uint32(1), client.Clock().LocalID())
	assert.Equal(t, uint64(1), client.PeerID())
	assert.Equal(t, []PeerInfo{{ID: 1, Slot: 1}}, host.Peers())
	assert.Len(t, client.Peers(), 1)

	client.barn.door.Set(true)
	tick(t, client, host)
	assert.True(t, host.barn.door.Get())
	assert.False(t, host.barn.fields.Dirty())

	host.barn.hay.Set(7)
	tick(t, host, client)
	assert.Equal(t, int32(7), client.barn.hay.Get())
	assert.False(t, client.barn.fields.Dirty())
	assert.True(t, client.Clock().Current().Get(0) >= 2)
}

func TestSessionRelay(t *testing.T) {
	hub := transport.NewHub(0)
	host := join(t, hub.Host(), Config{Role: Host})
	aTr := hub.Client()
	a := join(t, aTr, Config{Role: Client})
	b := join(t, hub.Client(), Config{Role: Client})
	tick(t, host, a, b, host)

	a.barn.hay.Set(9)
	tick(t, a, host, b)
	assert.Equal(t, int32(9), host.barn.hay.Get())
	assert.Equal(t, int32(9), b.barn.hay.Get())
	assert.Equal(t, a.Clock().LocalVersion(), b.Clock().Current().Get(a.Clock().LocalID()))

	// no echo back to the author
	assert.Empty(t, aTr.Receive())
}

func TestSessionStaleDelta(t *testing.T) {
	hub := transport.NewHub(0)
	host := join(t, hub.Host(), Config{Role: Host})
	client := join(t, hub.Client(), Config{Role: Client})
	tick(t, host, client)

	src := newBarn(netfield.Options{Log: utils.NopLogger()})
	src.hay.Set(3)
	var w protocol.Writer
	assert.Nil(t, src.fields.WriteDelta(&w))

	fresh := treeMessage(protocol.MsgDelta, 0, "barn", clock.Version{5}, w.Bytes())
	assert.True(t, client.applyDelta(fresh))
	assert.Equal(t, int32(3), client.barn.hay.Get())
	assert.False(t, client.applyDelta(fresh))
	old := treeMessage(protocol.MsgDelta, 0, "barn", clock.Version{4}, w.Bytes())
	assert.False(t, client.applyDelta(old))

	unknown := treeMessage(protocol.MsgDelta, 0, "silo", clock.Version{6}, w.Bytes())
	assert.False(t, client.applyDelta(unknown))
}

func TestSessionTopologyMismatch(t *testing.T) {
	hub := transport.NewHub(0)
	host := join(t, hub.Host(), Config{Role: Host})
	client := join(t, hub.Client(), Config{Role: Client}, netfield.NewString("sign", ""))

	// the snapshot is short for the client's bigger tree and gets dropped
	tick(t, host, client)
	assert.Nil(t, host.Tick(context.Background()))
	assert.Equal(t, []PeerInfo{{ID: 1, Slot: 1, Rejected: true}}, host.Peers())

	assert.ErrorIs(t, client.Tick(context.Background()), netsync_errors.ErrClosed)
	assert.ErrorIs(t, client.Connect(context.Background()), netsync_errors.ErrClosed)

	// rejected peers get no deltas
	host.barn.hay.Set(1)
	tick(t, host)
}

func TestSessionDeltaTopologyMismatch(t *testing.T) {
	hub := transport.NewHub(0)
	host := join(t, hub.Host(), Config{Role: Host})
	client := join(t, hub.Client(), Config{Role: Client})
	tick(t, host, client, host)

	wide := newBarn(netfield.Options{Log: utils.NopLogger()}, netfield.NewString("sign", ""))
	wide.hay.Set(4)
	var w protocol.Writer
	assert.Nil(t, wide.fields.WriteDelta(&w))
	msg := treeMessage(protocol.MsgDelta, 0, "barn", clock.Version{99}, w.Bytes())
	assert.False(t, client.applyDelta(msg))
	assert.Equal(t, int32(0), client.barn.hay.Get())
}

func TestSessionSlotReuse(t *testing.T) {
	hub := transport.NewHub(0)
	host := join(t, hub.Host(), Config{Role: Host})
	a := join(t, hub.Client(), Config{Role: Client})
	b := join(t, hub.Client(), Config{Role: Client})
	tick(t, host, a, b, host)
	assert.Equal(t, uint32(1), a.Clock().LocalID())
	assert.Equal(t, uint32(2), b.Clock().LocalID())

	a.barn.hay.Set(1)
	tick(t, a, host, b)
	assert.Nil(t, a.Close())
	tick(t, host)
	assert.True(t, host.Clock().IsFree(1))

	c := join(t, hub.Client(), Config{Role: Client})
	tick(t, host, c, host)
	assert.Equal(t, uint32(1), c.Clock().LocalID())

	// the recycled slot keeps counting, so b accepts c's frames
	c.barn.hay.Set(2)
	tick(t, c, host, b)
	assert.Equal(t, int32(2), b.barn.hay.Get())
}

func TestSessionInterpolation(t *testing.T) {
	hub := transport.NewHub(0)
	host := join(t, hub.Host(), Config{Role: Host})
	client := join(t, hub.Client(), Config{Role: Client})
	tick(t, host, client, host)

	host.barn.speed.Set(8)
	tick(t, host, client)
	assert.Equal(t, float32(2), client.barn.speed.Get())
	tick(t, client)
	assert.Equal(t, float32(4), client.barn.speed.Get())
	tick(t, client, client)
	assert.Equal(t, float32(8), client.barn.speed.Get())
	assert.False(t, client.barn.speed.Interpolating())
}

func TestSessionInterpolationTicks(t *testing.T) {
	hub := transport.NewHub(0)
	drift := func() *netfield.Field[float32] {
		return netfield.NewFloat32("drift", 0).Interpolate(netfield.LerpNumber[float32], 0)
	}
	hostDrift, clientDrift := drift(), drift()
	host := join(t, hub.Host(), Config{Role: Host, InterpolationTicks: 2}, hostDrift)
	client := join(t, hub.Client(), Config{Role: Client, InterpolationTicks: 2}, clientDrift)
	tick(t, host, client, host)

	hostDrift.Set(8)
	host.barn.speed.Set(8)
	tick(t, host, client)
	assert.Equal(t, float32(4), clientDrift.Get())
	assert.Equal(t, float32(2), client.barn.speed.Get())
	tick(t, client)
	assert.Equal(t, float32(8), clientDrift.Get())
	assert.False(t, clientDrift.Interpolating())
	assert.True(t, client.barn.speed.Interpolating())
}

type farmhand struct {
	where map[uuid.UUID]coordinator.Key
	hay   *netfield.Field[int32]
}

func (f *farmhand) Locate(resource uuid.UUID) (coordinator.Key, bool) {
	k, ok := f.where[resource]
	return k, ok
}

func (f *farmhand) Apply(_ context.Context, req coordinator.Request, _ coordinator.Key) error {
	netfield.Add(f.hay, 1)
	return nil
}

func TestSessionCoordinator(t *testing.T) {
	hub := transport.NewHub(0)
	host := join(t, hub.Host(), Config{Role: Host})
	client := join(t, hub.Client(), Config{Role: Client})
	bale := uuid.New()
	spot := coordinator.KeyAt("barn", 2, 3)
	hand := &farmhand{where: map[uuid.UUID]coordinator.Key{bale: spot}, hay: host.barn.hay}
	host.Coordinate(hand, hand, coordinator.Options{})
	client.Coordinate(nil, nil, coordinator.Options{})
	assert.Nil(t, host.Shadows())

	req := coordinator.Request{Resource: bale, Location: spot.Location, Tile: spot.Tile, Action: "pitch"}
	_, err := client.Submit(req, time.Minute)
	assert.ErrorIs(t, err, ErrNotWelcomed)

	tick(t, host, client, host)
	_, err = client.Submit(req, time.Minute)
	assert.Nil(t, err)
	assert.True(t, client.Shadows().Active(spot))

	_, err = host.Submit(req, 0)
	assert.Nil(t, err)
	// both requests hit the same bale, one is served per tick
	tick(t, host, client)
	assert.Equal(t, int32(1), host.barn.hay.Get())
	assert.Equal(t, int32(1), client.barn.hay.Get())
	// the other one is carried over to the next tick
	tick(t, host, client)
	assert.Equal(t, int32(2), host.barn.hay.Get())
	assert.Equal(t, int32(2), client.barn.hay.Get())

	moved := coordinator.KeyAt("loft", 0, 0)
	assert.Nil(t, host.Moved(spot, moved))
	tick(t, client)
	assert.True(t, client.Shadows().Active(moved))
	assert.Nil(t, host.Deleted(moved))
	tick(t, client)
	assert.Equal(t, 0, client.Shadows().Len())

	assert.ErrorIs(t, client.Moved(spot, moved), netsync_errors.ErrNotAuthoritative)
	assert.ErrorIs(t, client.Deleted(spot), netsync_errors.ErrNotAuthoritative)
}

func TestSessionLastWordsBeforeLeaving(t *testing.T) {
	hub := transport.NewHub(0)
	host := join(t, hub.Host(), Config{Role: Host})
	ctr := hub.Client()
	client := join(t, ctr, Config{Role: Client})
	bale := uuid.New()
	spot := coordinator.KeyAt("barn", 0, 0)
	hand := &farmhand{where: map[uuid.UUID]coordinator.Key{bale: spot}, hay: host.barn.hay}
	host.Coordinate(hand, hand, coordinator.Options{})
	client.Coordinate(nil, nil, coordinator.Options{})
	tick(t, host, client, host)

	// a delta and a request go out, then the link drops before the host ticks
	client.barn.door.Set(true)
	_, err := client.Submit(coordinator.Request{Resource: bale, Location: spot.Location, Tile: spot.Tile}, 0)
	assert.Nil(t, err)
	tick(t, client)
	assert.False(t, client.barn.fields.Dirty())
	assert.Nil(t, ctr.Disconnect())

	tick(t, host)
	assert.True(t, host.barn.door.Get())
	assert.Equal(t, int32(1), host.barn.hay.Get())
	assert.Empty(t, host.Peers())
	assert.True(t, host.Clock().IsFree(1))
}

func TestSessionNoCoordinator(t *testing.T) {
	hub := transport.NewHub(0)
	host := join(t, hub.Host(), Config{Role: Host})
	_, err := host.Submit(coordinator.Request{}, 0)
	assert.ErrorIs(t, err, ErrNoCoordinator)
}

func TestSessionCheckpoint(t *testing.T) {
	db, err := store.Open("checkpoints", store.Options{Options: pebble.Options{FS: vfs.NewMem()}, Log: utils.NopLogger()})
	assert.Nil(t, err)
	defer db.Close()

	host := join(t, transport.NewHub(0).Host(), Config{Role: Host, Store: db})
	host.barn.hay.Set(3)
	host.barn.door.Set(true)
	tick(t, host)
	assert.Nil(t, host.Checkpoint())
	saved := host.Clock().LocalVersion()
	assert.Nil(t, host.Close())

	again := join(t, transport.NewHub(0).Host(), Config{Role: Host, Store: db})
	assert.Nil(t, again.Restore())
	assert.Equal(t, int32(3), again.barn.hay.Get())
	assert.True(t, again.barn.door.Get())
	assert.Equal(t, saved, again.Clock().LocalVersion())
	assert.False(t, again.barn.fields.Dirty())

	bare := join(t, transport.NewHub(0).Host(), Config{Role: Host})
	assert.ErrorIs(t, bare.Checkpoint(), ErrNoStore)
	assert.ErrorIs(t, bare.Restore(), ErrNoStore)
}

type tally struct {
	sent, received map[protocol.MessageType]int
}

func (c *tally) Sent(_ uint64, typ protocol.MessageType, _ int) {
	c.sent[typ]++
}

func (c *tally) Received(_ uint64, typ protocol.MessageType, _ int) {
	c.received[typ]++
}

func TestSessionAccounting(t *testing.T) {
	acc := &tally{sent: map[protocol.MessageType]int{}, received: map[protocol.MessageType]int{}}
	hub := transport.NewHub(0)
	host := join(t, hub.Host(), Config{Role: Host, Accounting: acc})
	client := join(t, hub.Client(), Config{Role: Client})
	tick(t, host, client, host)
	assert.Equal(t, 1, acc.sent[protocol.MsgWelcome])
	assert.Equal(t, 1, acc.sent[protocol.MsgFull])
	assert.Equal(t, 1, acc.received[protocol.MsgHello])
}

func TestSessionRegister(t *testing.T) {
	s := NewSession(Config{Role: Host, Log: utils.NopLogger()}, transport.NewHub(0).Host())
	b := newBarn(s.Options())
	assert.Nil(t, s.Register("barn", b.fields))
	assert.Error(t, s.Register("barn", newBarn(s.Options()).fields))
	assert.Equal(t, []string{"barn"}, s.Roots())
	assert.True(t, b.fields.IsRoot())
	assert.Equal(t, Host, s.Role())
	assert.Equal(t, "client", Client.String())
}
