package netsync

import (
	"fmt"

	"github.com/drpcorg/netsync/clock"
	"github.com/drpcorg/netsync/protocol"
)

// Session envelopes, payload by type:
//
//	hello   [roots []string][fingerprint uint64]...
//	welcome [slot uint32][peer uint64][host version TLV []byte]
//	full    [root string][version TLV []byte][snapshot []byte]
//	delta   [root string][version TLV []byte][delta []byte]
//	bye     [reason string]
//
// The origin of full and delta frames is the author's clock slot.

func helloMessage(origin uint64, names []string, prints []uint64) *protocol.Message {
	payload := make([]any, 0, len(prints)+1)
	payload = append(payload, names)
	for _, p := range prints {
		payload = append(payload, p)
	}
	return protocol.MustMessage(protocol.MsgHello, origin, payload...)
}

func parseHello(msg *protocol.Message) (names []string, prints []uint64, err error) {
	if names, err = protocol.Arg[[]string](msg, 0); err != nil {
		return
	}
	if msg.Len() != len(names)+1 {
		return nil, nil, fmt.Errorf("%w: hello lists %d roots but %d fingerprints",
			protocol.ErrBadMessage, len(names), msg.Len()-1)
	}
	prints = make([]uint64, len(names))
	for i := range names {
		if prints[i], err = protocol.Arg[uint64](msg, i+1); err != nil {
			return nil, nil, err
		}
	}
	return
}

func welcomeMessage(slot uint32, peer uint64, version clock.Version) *protocol.Message {
	return protocol.MustMessage(protocol.MsgWelcome, 0, slot, peer, version.TLV())
}

func parseWelcome(msg *protocol.Message) (slot uint32, peer uint64, version clock.Version, err error) {
	if slot, err = protocol.Arg[uint32](msg, 0); err != nil {
		return
	}
	if peer, err = protocol.Arg[uint64](msg, 1); err != nil {
		return
	}
	version, err = versionArg(msg, 2)
	return
}

// treeMessage builds a full or delta frame.
func treeMessage(typ protocol.MessageType, slot uint32, root string, version clock.Version, body []byte) *protocol.Message {
	return protocol.MustMessage(typ, uint64(slot), root, version.TLV(), body)
}

func parseTree(msg *protocol.Message) (root string, version clock.Version, body []byte, err error) {
	if root, err = protocol.Arg[string](msg, 0); err != nil {
		return
	}
	if version, err = versionArg(msg, 1); err != nil {
		return
	}
	body, err = protocol.Arg[[]byte](msg, 2)
	return
}

func byeMessage(reason string) *protocol.Message {
	return protocol.MustMessage(protocol.MsgBye, 0, reason)
}

func versionArg(msg *protocol.Message, i int) (clock.Version, error) {
	raw, err := protocol.Arg[[]byte](msg, i)
	if err != nil {
		return nil, err
	}
	return clock.VersionFromTLV(raw)
}
