package netsync

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/drpcorg/netsync/clock"
	"github.com/drpcorg/netsync/coordinator"
	"github.com/drpcorg/netsync/netfield"
	"github.com/drpcorg/netsync/netsync_errors"
	"github.com/drpcorg/netsync/protocol"
	"github.com/drpcorg/netsync/store"
	"github.com/drpcorg/netsync/transport"
	"github.com/oklog/ulid/v2"
)

var (
	ErrNoStore       = errors.New("netsync: no checkpoint store configured")
	ErrNoCoordinator = errors.New("netsync: no coordinator configured")
	ErrNotWelcomed   = errors.New("netsync: not admitted by the host yet")
)

type root struct {
	name string
	tree *netfield.Tree
	// highest frame counter applied per author slot
	seen clock.Version
}

type peer struct {
	id       uint64
	slot     uint32
	rejected bool
}

// PeerInfo describes one live link of the session.
type PeerInfo struct {
	ID       uint64
	Slot     uint32
	RTT      time.Duration
	Rejected bool
}

type Session struct {
	cfg   Config
	tr    transport.Transport
	clock *clock.Clock

	roots  []*root
	byName map[string]*root

	// host side
	peers map[uint64]*peer
	queue *coordinator.Queue

	// client side
	welcomed bool
	peerID   uint64
	client   *coordinator.Client

	closed bool
}

func NewSession(cfg Config, tr transport.Transport) *Session {
	cfg.SetDefaults()
	if cfg.Accounting != nil {
		tr = transport.Metered(tr, cfg.Accounting)
	}
	s := &Session{
		cfg:    cfg,
		tr:     tr,
		clock:  clock.New(),
		byName: make(map[string]*root),
		peers:  make(map[uint64]*peer),
	}
	if cfg.InterpolationTicks > 0 {
		s.clock.InterpolationTicks = cfg.InterpolationTicks
	}
	tr.OnConnect(s.connected)
	tr.OnDisconnect(s.disconnected)
	return s
}

func (s *Session) Role() Role {
	return s.cfg.Role
}

func (s *Session) Clock() *clock.Clock {
	return s.clock
}

// Options is what trees of this session should be built with.
func (s *Session) Options() netfield.Options {
	return netfield.Options{
		Validate:           s.cfg.Validate,
		InterpolationTicks: s.clock.InterpolationTicks,
		Log:                s.cfg.Log,
	}
}

// Register adds a root tree. Every peer must register the same roots, in
// the same order, before connecting.
func (s *Session) Register(name string, tree *netfield.Tree) error {
	if _, ok := s.byName[name]; ok {
		return fmt.Errorf("netsync: root %q registered twice", name)
	}
	if tree.Parent() != nil {
		return fmt.Errorf("%w: root %q", netsync_errors.ErrTreeAttached, name)
	}
	if tree.Name() == "" {
		tree.SetName(name)
	}
	tree.MarkRoot()
	r := &root{name: name, tree: tree}
	s.roots = append(s.roots, r)
	s.byName[name] = r
	return nil
}

func (s *Session) Roots() []string {
	names := make([]string, len(s.roots))
	for i, r := range s.roots {
		names[i] = r.name
	}
	return names
}

// Coordinate enables contested-resource requests. The host applies them
// through locator and applier; clients only need opts.Log.
func (s *Session) Coordinate(locator coordinator.Locator, applier coordinator.Applier, opts coordinator.Options) {
	if opts.Log == nil {
		opts.Log = s.cfg.Log
	}
	if s.cfg.Role == Host {
		s.queue = coordinator.NewQueue(true, locator, applier, opts)
	} else {
		s.client = coordinator.NewClient(s.tr, nil, opts.Log)
	}
}

func (s *Session) Connect(ctx context.Context) error {
	if s.closed {
		return netsync_errors.ErrClosed
	}
	return s.tr.Connect(ctx)
}

// Close ends the session for good.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.tr.Disconnect()
	s.clock.Clear()
	clear(s.peers)
	s.welcomed = false
	return err
}

func (s *Session) send(peer uint64, msg *protocol.Message) {
	if err := s.tr.Send(peer, msg); err != nil {
		s.cfg.Log.Warn("netsync: send failed", "peer", peer, "type", msg.Type().String(), "err", err)
	}
}

// broadcast sends msg to every admitted peer but skip; a client sends to
// the host only.
func (s *Session) broadcast(msg *protocol.Message, skip uint64) {
	if s.cfg.Role == Client {
		if skip != transport.HostID {
			s.send(transport.HostID, msg)
		}
		return
	}
	for _, id := range s.peerIDs() {
		p := s.peers[id]
		if p.rejected || id == skip {
			continue
		}
		s.send(id, msg)
	}
}

func (s *Session) peerIDs() []uint64 {
	ids := make([]uint64, 0, len(s.peers))
	for id := range s.peers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (s *Session) connected(id uint64) {
	if s.cfg.Role == Client {
		if id != transport.HostID {
			return
		}
		names := make([]string, len(s.roots))
		prints := make([]uint64, len(s.roots))
		for i, r := range s.roots {
			names[i] = r.name
			prints[i] = r.tree.Fingerprint()
		}
		s.send(transport.HostID, helloMessage(uint64(s.clock.LocalID()), names, prints))
		s.cfg.Log.Info("netsync: connected to host")
		return
	}
	slot := s.clock.AssignNewPeer()
	s.peers[id] = &peer{id: id, slot: slot}
	s.send(id, welcomeMessage(slot, id, s.clock.Current()))
	for _, r := range s.roots {
		s.sendFull(id, r)
	}
	s.cfg.Log.Info("netsync: peer joined", "peer", id, "slot", slot)
}

func (s *Session) disconnected(id uint64) {
	if s.cfg.Role == Client {
		if id != transport.HostID {
			return
		}
		s.welcomed = false
		for _, r := range s.roots {
			netfield.CancelInterpolation(r.tree)
		}
		s.cfg.Log.Info("netsync: host left")
		return
	}
	p, ok := s.peers[id]
	if !ok {
		return
	}
	delete(s.peers, id)
	s.clock.ReleasePeer(p.slot)
	if s.queue != nil {
		s.queue.Forget(id)
	}
	s.cfg.Log.Info("netsync: peer left", "peer", id, "slot", p.slot)
}

func (s *Session) sendFull(id uint64, r *root) {
	var w protocol.Writer
	if err := r.tree.WriteFull(&w); err != nil {
		s.cfg.Log.Error("netsync: snapshot failed", "root", r.name, "err", err)
		return
	}
	s.send(id, treeMessage(protocol.MsgFull, s.clock.LocalID(), r.name, s.clock.Current(), w.Bytes()))
}

// Tick runs one step of the session: interpolation advances, inbound
// envelopes are applied, the host serves queued requests and local
// changes go out as deltas.
func (s *Session) Tick(ctx context.Context) error {
	if s.closed {
		return netsync_errors.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, r := range s.roots {
		netfield.TickInterpolation(r.tree)
	}
	s.receive()
	if s.closed {
		return netsync_errors.ErrClosed
	}
	if s.queue != nil {
		s.queue.Drain(ctx)
	}
	s.flush()
	return nil
}

// maxReceiveRuns bounds how many runs of envelopes one tick takes in, so a
// peer flooding the link cannot stall the tick.
const maxReceiveRuns = 64

// receive handles envelopes run by run, so each one reaches handle before
// the disconnect that followed it.
func (s *Session) receive() {
	for i := 0; i < maxReceiveRuns && !s.closed; i++ {
		msgs := s.tr.Receive()
		if len(msgs) == 0 {
			return
		}
		for _, in := range msgs {
			if s.closed {
				return
			}
			s.handle(in)
		}
	}
}

// flush ticks the clock once if anything changed and sends one delta per
// dirty root.
func (s *Session) flush() {
	if s.cfg.Role == Client && !s.welcomed {
		return
	}
	var dirty []*root
	for _, r := range s.roots {
		if r.tree.Dirty() {
			dirty = append(dirty, r)
		}
	}
	if len(dirty) == 0 {
		return
	}
	s.clock.Tick()
	version := s.clock.Current()
	slot := s.clock.LocalID()
	for _, r := range dirty {
		var w protocol.Writer
		if err := r.tree.WriteDelta(&w); err != nil {
			s.cfg.Log.Error("netsync: delta failed", "root", r.name, "err", err)
			continue
		}
		r.seen.Put(slot, version.Get(slot))
		s.broadcast(treeMessage(protocol.MsgDelta, slot, r.name, version, w.Bytes()), math.MaxUint64)
	}
}

func (s *Session) handle(in transport.Incoming) {
	msg := in.Msg
	if s.cfg.Role == Client {
		if in.From != transport.HostID {
			return
		}
		switch msg.Type() {
		case protocol.MsgWelcome:
			s.welcome(msg)
		case protocol.MsgFull:
			s.applyFull(msg)
		case protocol.MsgDelta:
			s.applyDelta(msg)
		case protocol.MsgShadowMove, protocol.MsgShadowDelete:
			if s.client == nil {
				return
			}
			if _, err := s.client.Handle(msg); err != nil {
				s.cfg.Log.Warn("netsync: bad shadow signal", "err", err)
			}
		case protocol.MsgBye:
			reason, _ := protocol.Arg[string](msg, 0)
			s.cfg.Log.Error("netsync: host refused the session", "reason", reason)
			_ = s.Close()
		default:
			s.cfg.Log.Warn("netsync: unexpected envelope", "type", msg.Type().String())
		}
		return
	}

	p, ok := s.peers[in.From]
	if !ok {
		s.cfg.Log.Debug("netsync: envelope from unknown peer", "peer", in.From, "type", msg.Type().String())
		return
	}
	if p.rejected {
		return
	}
	switch msg.Type() {
	case protocol.MsgHello:
		s.hello(p, msg)
	case protocol.MsgDelta:
		if msg.Origin() != uint64(p.slot) {
			s.cfg.Log.Warn("netsync: delta under a foreign slot", "peer", p.id, "slot", p.slot, "origin", msg.Origin())
			return
		}
		if s.applyDelta(msg) {
			s.broadcast(msg, p.id)
		}
	case protocol.MsgRequest:
		s.request(p, msg)
	case protocol.MsgBye:
		p.rejected = true
		s.cfg.Log.Info("netsync: peer said bye", "peer", p.id)
	default:
		s.cfg.Log.Warn("netsync: unexpected envelope", "peer", p.id, "type", msg.Type().String())
	}
}

func (s *Session) hello(p *peer, msg *protocol.Message) {
	names, prints, err := parseHello(msg)
	if err != nil {
		s.cfg.Log.Warn("netsync: bad hello", "peer", p.id, "err", err)
		return
	}
	reason := ""
	if len(names) != len(s.roots) {
		reason = fmt.Sprintf("%d roots, expected %d", len(names), len(s.roots))
	} else {
		for i, r := range s.roots {
			if names[i] != r.name || prints[i] != r.tree.Fingerprint() {
				reason = "root " + r.name + " differs"
				break
			}
		}
	}
	if reason == "" {
		s.cfg.Log.Debug("netsync: peer topology verified", "peer", p.id)
		return
	}
	p.rejected = true
	s.cfg.Log.Error("netsync: peer topology mismatch", "peer", p.id, "reason", reason)
	s.send(p.id, byeMessage(reason))
}

func (s *Session) welcome(msg *protocol.Message) {
	slot, id, version, err := parseWelcome(msg)
	if err != nil {
		s.cfg.Log.Warn("netsync: bad welcome", "err", err)
		return
	}
	s.clock.Join(slot, version)
	s.peerID = id
	s.welcomed = true
	s.cfg.Log.Info("netsync: admitted", "peer", id, "slot", slot)
}

func (s *Session) lookup(msg *protocol.Message) (*root, clock.Version, []byte, bool) {
	name, version, body, err := parseTree(msg)
	if err != nil {
		s.cfg.Log.Warn("netsync: bad frame", "type", msg.Type().String(), "err", err)
		return nil, nil, nil, false
	}
	r, ok := s.byName[name]
	if !ok {
		s.cfg.Log.Warn("netsync: frame dropped", "root", name, "err", netsync_errors.ErrUnknownRoot)
		return nil, nil, nil, false
	}
	return r, version, body, true
}

func (s *Session) applyFull(msg *protocol.Message) {
	r, version, body, ok := s.lookup(msg)
	if !ok {
		return
	}
	rd := protocol.NewReader(body)
	err := r.tree.ReadFull(rd, version)
	if err == nil && rd.Len() != 0 {
		err = fmt.Errorf("%w: %d bytes left", netsync_errors.ErrTopologyMismatch, rd.Len())
	}
	if err != nil {
		s.cfg.Log.Error("netsync: snapshot rejected", "root", r.name, "err", err)
		return
	}
	r.seen.Merge(version)
	s.clock.Observe(version)
}

// applyDelta reports whether the frame was new and applied cleanly.
func (s *Session) applyDelta(msg *protocol.Message) bool {
	r, version, body, ok := s.lookup(msg)
	if !ok {
		return false
	}
	if msg.Origin() > math.MaxUint32 {
		s.cfg.Log.Warn("netsync: delta from an invalid slot", "root", r.name, "origin", msg.Origin())
		return false
	}
	slot := uint32(msg.Origin())
	if !r.seen.Put(slot, version.Get(slot)) {
		s.cfg.Log.Debug("netsync: stale delta dropped", "root", r.name, "slot", slot, "counter", version.Get(slot))
		return false
	}
	rd := protocol.NewReader(body)
	err := r.tree.ReadDelta(rd, version)
	if err == nil && rd.Len() != 0 {
		err = fmt.Errorf("%w: %d bytes left", netsync_errors.ErrTopologyMismatch, rd.Len())
	}
	if err != nil {
		s.cfg.Log.Error("netsync: delta rejected", "root", r.name, "slot", slot, "err", err)
		return false
	}
	s.clock.Observe(version)
	return true
}

func (s *Session) request(p *peer, msg *protocol.Message) {
	if s.queue == nil {
		s.cfg.Log.Warn("netsync: request without a coordinator", "peer", p.id)
		return
	}
	req, err := coordinator.DecodeRequest(msg)
	if err != nil {
		s.cfg.Log.Warn("netsync: bad request", "peer", p.id, "err", err)
		return
	}
	req.Peer = p.id
	if err := s.queue.Enqueue(req); err != nil {
		s.cfg.Log.Warn("netsync: request refused", "peer", p.id, "request", req.ID.String(), "err", err)
	}
}

// Submit asks the host to act on a contested resource. On the host the
// request is queued directly; a client sends it and arms a shadow timer.
func (s *Session) Submit(req coordinator.Request, shadow time.Duration) (ulid.ULID, error) {
	if s.cfg.Role == Host {
		if s.queue == nil {
			return ulid.ULID{}, ErrNoCoordinator
		}
		if req.ID == (ulid.ULID{}) {
			req.ID = ulid.Make()
		}
		req.Peer = transport.HostID
		return req.ID, s.queue.Enqueue(req)
	}
	if s.client == nil {
		return ulid.ULID{}, ErrNoCoordinator
	}
	if !s.welcomed {
		return ulid.ULID{}, ErrNotWelcomed
	}
	return s.client.Submit(uint64(s.clock.LocalID()), req, shadow)
}

// Shadows are the client's optimistic timers, nil on a host.
func (s *Session) Shadows() *coordinator.ShadowTimers {
	if s.client == nil {
		return nil
	}
	return s.client.Shadows()
}

// Moved tells clients that a contested spot changed place.
func (s *Session) Moved(from, to coordinator.Key) error {
	if s.cfg.Role != Host {
		return netsync_errors.ErrNotAuthoritative
	}
	s.broadcast(coordinator.EncodeMove(transport.HostID, from, to), math.MaxUint64)
	return nil
}

// Deleted tells clients that a contested spot is gone.
func (s *Session) Deleted(key coordinator.Key) error {
	if s.cfg.Role != Host {
		return netsync_errors.ErrNotAuthoritative
	}
	s.broadcast(coordinator.EncodeDelete(transport.HostID, key), math.MaxUint64)
	return nil
}

func (s *Session) Peers() []PeerInfo {
	if s.cfg.Role == Client {
		if !s.welcomed {
			return nil
		}
		rtt, _ := s.tr.Ping(transport.HostID)
		return []PeerInfo{{ID: transport.HostID, RTT: rtt}}
	}
	infos := make([]PeerInfo, 0, len(s.peers))
	for _, id := range s.peerIDs() {
		p := s.peers[id]
		rtt, _ := s.tr.Ping(id)
		infos = append(infos, PeerInfo{ID: id, Slot: p.slot, RTT: rtt, Rejected: p.rejected})
	}
	return infos
}

// Checkpoint saves a full snapshot of every root.
func (s *Session) Checkpoint() error {
	if s.cfg.Store == nil {
		return ErrNoStore
	}
	version := s.clock.Current()
	var errs []error
	for _, r := range s.roots {
		var w protocol.Writer
		if err := r.tree.WriteFull(&w); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, err := s.cfg.Store.Save(r.name, version, w.Bytes()); err != nil {
			errs = append(errs, fmt.Errorf("netsync: checkpoint %s: %w", r.name, err))
		}
	}
	return errors.Join(errs...)
}

// Restore loads the latest checkpoint of every root that has one. Call it
// before Connect. The local counter resumes from the saved one; other
// slots start over as peers rejoin.
func (s *Session) Restore() error {
	if s.cfg.Store == nil {
		return ErrNoStore
	}
	local := s.clock.LocalID()
	var errs []error
	for _, r := range s.roots {
		cp, err := s.cfg.Store.Latest(r.name)
		if errors.Is(err, store.ErrNoCheckpoint) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		rd := protocol.NewReader(cp.Full)
		err = r.tree.ReadFull(rd, cp.Version)
		if err == nil && rd.Len() != 0 {
			err = fmt.Errorf("%w: %d bytes left", netsync_errors.ErrTopologyMismatch, rd.Len())
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("netsync: restore %s: %w", r.name, err))
			continue
		}
		var own clock.Version
		own.Set(local, cp.Version.Get(local))
		s.clock.Join(local, own)
		r.seen.Put(local, own.Get(local))
		s.cfg.Log.Info("netsync: root restored", "root", r.name, "seq", cp.Seq)
	}
	return errors.Join(errs...)
}

// PeerID is the transport id the host knows a client by.
func (s *Session) PeerID() uint64 {
	return s.peerID
}
