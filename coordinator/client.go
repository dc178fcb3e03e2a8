package coordinator

import (
	"log/slog"
	"time"

	"github.com/drpcorg/netsync/protocol"
	"github.com/drpcorg/netsync/transport"
	"github.com/drpcorg/netsync/utils"
	"github.com/oklog/ulid/v2"
)

// Sender is the part of a transport a submitter needs.
type Sender interface {
	Send(peer uint64, msg *protocol.Message) error
}

// Client submits requests to the host and tracks their shadow timers. It
// never applies a contested mutation itself.
type Client struct {
	sender  Sender
	shadows *ShadowTimers
	log     utils.Logger
}

func NewClient(sender Sender, shadows *ShadowTimers, log utils.Logger) *Client {
	if shadows == nil {
		shadows = NewShadowTimers(0)
	}
	if log == nil {
		log = utils.NewDefaultLogger(slog.LevelWarn)
	}
	return &Client{sender: sender, shadows: shadows, log: log}
}

func (c *Client) Shadows() *ShadowTimers {
	return c.shadows
}

// Submit sends req to the host as origin, stamping a fresh id when it has
// none. A positive shadow arms the local timer for the request's spot.
func (c *Client) Submit(origin uint64, req Request, shadow time.Duration) (ulid.ULID, error) {
	if req.ID == (ulid.ULID{}) {
		req.ID = ulid.Make()
	}
	req.Peer = origin
	if err := c.sender.Send(transport.HostID, EncodeRequest(origin, req)); err != nil {
		return req.ID, err
	}
	if shadow > 0 {
		c.shadows.Start(req.Key(), shadow)
	}
	return req.ID, nil
}

// Handle consumes move and delete signals; other envelopes are left to
// the caller.
func (c *Client) Handle(msg *protocol.Message) (bool, error) {
	switch msg.Type() {
	case protocol.MsgShadowMove:
		from, to, err := DecodeMove(msg)
		if err != nil {
			return true, err
		}
		if c.shadows.Move(from, to) {
			c.log.Debug("coordinator: shadow moved", "from", from.String(), "to", to.String())
		}
		return true, nil
	case protocol.MsgShadowDelete:
		key, err := DecodeDelete(msg)
		if err != nil {
			return true, err
		}
		if c.shadows.Delete(key) {
			c.log.Debug("coordinator: shadow deleted", "key", key.String())
		}
		return true, nil
	default:
		return false, nil
	}
}
