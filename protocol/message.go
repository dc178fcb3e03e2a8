package protocol

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

type MessageType byte

const (
	MsgHello        MessageType = 1 // client->host: root fingerprints
	MsgWelcome      MessageType = 2 // host->client: assigned peer id and clock slot
	MsgFull         MessageType = 3 // full snapshot of one root
	MsgDelta        MessageType = 4 // dirty delta of one root
	MsgRequest      MessageType = 5 // contested-resource mutation request
	MsgShadowMove   MessageType = 6
	MsgShadowDelete MessageType = 7
	MsgBye          MessageType = 8
)

func (t MessageType) String() string {
	switch t {
	case MsgHello:
		return "hello"
	case MsgWelcome:
		return "welcome"
	case MsgFull:
		return "full"
	case MsgDelta:
		return "delta"
	case MsgRequest:
		return "request"
	case MsgShadowMove:
		return "shadow_move"
	case MsgShadowDelete:
		return "shadow_delete"
	case MsgBye:
		return "bye"
	default:
		return fmt.Sprintf("type%d", byte(t))
	}
}

var ErrInvalidPayload = errors.New("invalid payload element")
var ErrBadMessage = errors.New("bad message")
var ErrArgMissing = errors.New("payload argument missing")

// Enum is any small enumeration sent as its int32 ordinal.
type Enum interface {
	EnumOrdinal() int32
}

// EnumValue is what an Enum decodes to on the receiving side.
type EnumValue int32

func (e EnumValue) EnumOrdinal() int32 {
	return int32(e)
}

const (
	tagVector2 byte = iota + 1
	tagGUID
	tagBytes
	tagBool
	tagInt8
	tagUint8
	tagInt16
	tagUint16
	tagInt32
	tagUint32
	tagInt64
	tagUint64
	tagFloat32
	tagFloat64
	tagString
	tagStrings
	tagEnum
)

// Message is the envelope peers exchange: a type tag, the id of the peer
// that produced it and an ordered payload of typed values. It is never
// modified after NewMessage.
type Message struct {
	typ     MessageType
	origin  uint64
	payload []any
}

// NewMessage validates and copies the payload.
func NewMessage(typ MessageType, origin uint64, payload ...any) (*Message, error) {
	copied := make([]any, len(payload))
	for i, el := range payload {
		switch v := el.(type) {
		case []byte:
			copied[i] = append([]byte{}, v...)
		case []string:
			copied[i] = append([]string{}, v...)
		case Vector2, uuid.UUID, bool, int8, uint8, int16, uint16, int32, uint32,
			int64, uint64, float32, float64, string:
			copied[i] = v
		case Enum:
			copied[i] = EnumValue(v.EnumOrdinal())
		default:
			return nil, fmt.Errorf("%w: element %d of %s is %T", ErrInvalidPayload, i, typ, el)
		}
	}
	return &Message{typ: typ, origin: origin, payload: copied}, nil
}

// MustMessage is NewMessage for payloads known to be valid.
func MustMessage(typ MessageType, origin uint64, payload ...any) *Message {
	m, err := NewMessage(typ, origin, payload...)
	if err != nil {
		panic(err)
	}
	return m
}

func (m *Message) Type() MessageType {
	return m.typ
}

func (m *Message) Origin() uint64 {
	return m.origin
}

func (m *Message) Len() int {
	return len(m.payload)
}

// Payload returns a shallow copy of the payload.
func (m *Message) Payload() []any {
	return append([]any{}, m.payload...)
}

// Arg fetches payload element i as T.
func Arg[T any](m *Message, i int) (v T, err error) {
	if i < 0 || i >= len(m.payload) {
		return v, fmt.Errorf("%w: %s has no element %d", ErrArgMissing, m.typ, i)
	}
	v, ok := m.payload[i].(T)
	if !ok {
		return v, fmt.Errorf("%w: %s element %d is %T, not %T", ErrBadMessage, m.typ, i, m.payload[i], v)
	}
	return v, nil
}

// Encode produces [type u8][origin u64][uvarint block length][elements].
func (m *Message) Encode() []byte {
	var body Writer
	for _, el := range m.payload {
		switch v := el.(type) {
		case Vector2:
			_ = body.WriteByte(tagVector2)
			body.WriteVector2(v)
		case uuid.UUID:
			_ = body.WriteByte(tagGUID)
			body.WriteRaw(v[:])
		case []byte:
			_ = body.WriteByte(tagBytes)
			body.WriteBytes(v)
		case bool:
			_ = body.WriteByte(tagBool)
			body.WriteBool(v)
		case int8:
			_ = body.WriteByte(tagInt8)
			_ = body.WriteByte(byte(v))
		case uint8:
			_ = body.WriteByte(tagUint8)
			_ = body.WriteByte(v)
		case int16:
			_ = body.WriteByte(tagInt16)
			body.WriteUint16(uint16(v))
		case uint16:
			_ = body.WriteByte(tagUint16)
			body.WriteUint16(v)
		case int32:
			_ = body.WriteByte(tagInt32)
			body.WriteInt32(v)
		case uint32:
			_ = body.WriteByte(tagUint32)
			body.WriteUint32(v)
		case int64:
			_ = body.WriteByte(tagInt64)
			body.WriteInt64(v)
		case uint64:
			_ = body.WriteByte(tagUint64)
			body.WriteUint64(v)
		case float32:
			_ = body.WriteByte(tagFloat32)
			body.WriteFloat32(v)
		case float64:
			_ = body.WriteByte(tagFloat64)
			body.WriteFloat64(v)
		case string:
			_ = body.WriteByte(tagString)
			body.WriteString(v)
		case []string:
			_ = body.WriteByte(tagStrings)
			body.WriteUvarint(uint64(len(v)))
			for _, s := range v {
				body.WriteString(s)
			}
		case EnumValue:
			_ = body.WriteByte(tagEnum)
			body.WriteInt32(int32(v))
		}
	}
	w := NewWriter(1 + 8 + 5 + body.Len())
	_ = w.WriteByte(byte(m.typ))
	w.WriteUint64(m.origin)
	w.WriteBytes(body.Bytes())
	return w.Bytes()
}

func DecodeMessage(data []byte) (*Message, error) {
	r := NewReader(data)
	typ, err := r.ReadByte()
	if err != nil {
		return nil, errors.Join(ErrBadMessage, err)
	}
	origin, err := r.ReadUint64()
	if err != nil {
		return nil, errors.Join(ErrBadMessage, err)
	}
	block, err := r.ReadBytes()
	if err != nil {
		return nil, errors.Join(ErrBadMessage, err)
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrBadMessage, r.Len())
	}
	payload, err := decodePayload(NewReader(block))
	if err != nil {
		return nil, errors.Join(ErrBadMessage, err)
	}
	return &Message{typ: MessageType(typ), origin: origin, payload: payload}, nil
}

func decodePayload(r *Reader) (payload []any, err error) {
	for r.Len() > 0 {
		var tag byte
		if tag, err = r.ReadByte(); err != nil {
			return
		}
		var el any
		switch tag {
		case tagVector2:
			el, err = r.ReadVector2()
		case tagGUID:
			var raw []byte
			if raw, err = r.ReadRaw(16); err == nil {
				el, err = uuid.FromBytes(raw)
			}
		case tagBytes:
			el, err = r.ReadBytes()
		case tagBool:
			el, err = r.ReadBool()
		case tagInt8:
			var b byte
			b, err = r.ReadByte()
			el = int8(b)
		case tagUint8:
			el, err = r.ReadByte()
		case tagInt16:
			var v uint16
			v, err = r.ReadUint16()
			el = int16(v)
		case tagUint16:
			el, err = r.ReadUint16()
		case tagInt32:
			el, err = r.ReadInt32()
		case tagUint32:
			el, err = r.ReadUint32()
		case tagInt64:
			el, err = r.ReadInt64()
		case tagUint64:
			el, err = r.ReadUint64()
		case tagFloat32:
			el, err = r.ReadFloat32()
		case tagFloat64:
			el, err = r.ReadFloat64()
		case tagString:
			el, err = r.ReadString()
		case tagStrings:
			el, err = readStrings(r)
		case tagEnum:
			var v int32
			v, err = r.ReadInt32()
			el = EnumValue(v)
		default:
			return nil, fmt.Errorf("%w: unknown tag %d", ErrInvalidPayload, tag)
		}
		if err != nil {
			return nil, err
		}
		payload = append(payload, el)
	}
	return
}

func readStrings(r *Reader) ([]string, error) {
	n, err := r.readLen()
	if err != nil {
		return nil, err
	}
	list := make([]string, 0, min(n, 1024))
	for i := 0; i < n; i++ {
		s, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		list = append(list, s)
	}
	return list, nil
}

// Frame wraps the encoded message into an M record for stream transports.
func (m *Message) Frame() []byte {
	return Record('M', m.Encode())
}

// ParseFrame reverses Frame.
func ParseFrame(rec []byte) (*Message, error) {
	body, rest, err := TakeWary('M', rec)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, ErrBadRecord
	}
	return DecodeMessage(body)
}
