package coordinator

import (
	"fmt"

	"github.com/drpcorg/netsync/protocol"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// Request asks the authoritative peer to perform Action on Resource, which
// the sender last saw at Location/Tile.
type Request struct {
	ID       ulid.ULID
	Peer     uint64
	Resource uuid.UUID
	Location string
	Tile     uint64
	Action   string
	Args     []string
}

func (r Request) Key() Key {
	return Key{Location: r.Location, Tile: r.Tile}
}

// EncodeRequest builds the envelope; the ulid travels as a 16 byte GUID.
func EncodeRequest(origin uint64, req Request) *protocol.Message {
	args := req.Args
	if args == nil {
		args = []string{}
	}
	return protocol.MustMessage(protocol.MsgRequest, origin,
		uuid.UUID(req.ID), req.Resource, req.Location, req.Tile, req.Action, args)
}

// DecodeRequest fills Peer from the envelope origin.
func DecodeRequest(msg *protocol.Message) (req Request, err error) {
	a := args{msg: msg, want: protocol.MsgRequest}
	req.ID = ulid.ULID(take[uuid.UUID](&a))
	req.Resource = take[uuid.UUID](&a)
	req.Location = take[string](&a)
	req.Tile = take[uint64](&a)
	req.Action = take[string](&a)
	req.Args = take[[]string](&a)
	if err = a.done(); err != nil {
		return Request{}, err
	}
	req.Peer = msg.Origin()
	return req, nil
}

// EncodeMove tells submitters a contested spot moved.
func EncodeMove(origin uint64, from, to Key) *protocol.Message {
	return protocol.MustMessage(protocol.MsgShadowMove, origin, from.Location, from.Tile, to.Location, to.Tile)
}

func DecodeMove(msg *protocol.Message) (from, to Key, err error) {
	a := args{msg: msg, want: protocol.MsgShadowMove}
	from.Location = take[string](&a)
	from.Tile = take[uint64](&a)
	to.Location = take[string](&a)
	to.Tile = take[uint64](&a)
	if err = a.done(); err != nil {
		return Key{}, Key{}, err
	}
	return
}

// EncodeDelete invalidates a contested spot.
func EncodeDelete(origin uint64, key Key) *protocol.Message {
	return protocol.MustMessage(protocol.MsgShadowDelete, origin, key.Location, key.Tile)
}

func DecodeDelete(msg *protocol.Message) (key Key, err error) {
	a := args{msg: msg, want: protocol.MsgShadowDelete}
	key.Location = take[string](&a)
	key.Tile = take[uint64](&a)
	if err = a.done(); err != nil {
		return Key{}, err
	}
	return
}

// args walks a payload, keeping the first error.
type args struct {
	msg  *protocol.Message
	want protocol.MessageType
	next int
	err  error
}

func take[T any](a *args) (v T) {
	if a.err == nil && a.next == 0 && a.msg.Type() != a.want {
		a.err = fmt.Errorf("%w: %s where %s expected", protocol.ErrBadMessage, a.msg.Type(), a.want)
	}
	if a.err != nil {
		return
	}
	v, a.err = protocol.Arg[T](a.msg, a.next)
	a.next++
	return
}

func (a *args) done() error {
	if a.err == nil && a.next != a.msg.Len() {
		a.err = fmt.Errorf("%w: %s has %d elements, %d expected", protocol.ErrBadMessage, a.msg.Type(), a.msg.Len(), a.next)
	}
	return a.err
}
