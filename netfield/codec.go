package netfield

import (
	"github.com/drpcorg/netsync/protocol"
	"github.com/google/uuid"
)

// Codec reads and writes one leaf value. Kind names the wire shape and
// feeds the tree fingerprint.
type Codec[T any] interface {
	Kind() string
	Write(w *protocol.Writer, v T)
	Read(r *protocol.Reader) (T, error)
}

type codecFuncs[T any] struct {
	kind  string
	write func(*protocol.Writer, T)
	read  func(*protocol.Reader) (T, error)
}

func (c codecFuncs[T]) Kind() string {
	return c.kind
}

func (c codecFuncs[T]) Write(w *protocol.Writer, v T) {
	c.write(w, v)
}

func (c codecFuncs[T]) Read(r *protocol.Reader) (T, error) {
	return c.read(r)
}

var (
	BoolCodec    Codec[bool]             = codecFuncs[bool]{"bool", (*protocol.Writer).WriteBool, (*protocol.Reader).ReadBool}
	Int32Codec   Codec[int32]            = codecFuncs[int32]{"i32", (*protocol.Writer).WriteInt32, (*protocol.Reader).ReadInt32}
	Int64Codec   Codec[int64]            = codecFuncs[int64]{"i64", (*protocol.Writer).WriteInt64, (*protocol.Reader).ReadInt64}
	Uint32Codec  Codec[uint32]           = codecFuncs[uint32]{"u32", (*protocol.Writer).WriteUint32, (*protocol.Reader).ReadUint32}
	Uint64Codec  Codec[uint64]           = codecFuncs[uint64]{"u64", (*protocol.Writer).WriteUint64, (*protocol.Reader).ReadUint64}
	Float32Codec Codec[float32]          = codecFuncs[float32]{"f32", (*protocol.Writer).WriteFloat32, (*protocol.Reader).ReadFloat32}
	Float64Codec Codec[float64]          = codecFuncs[float64]{"f64", (*protocol.Writer).WriteFloat64, (*protocol.Reader).ReadFloat64}
	StringCodec  Codec[string]           = codecFuncs[string]{"str", (*protocol.Writer).WriteString, (*protocol.Reader).ReadString}
	Vector2Codec Codec[protocol.Vector2] = codecFuncs[protocol.Vector2]{"vec2", (*protocol.Writer).WriteVector2, (*protocol.Reader).ReadVector2}
	GUIDCodec    Codec[uuid.UUID]        = codecFuncs[uuid.UUID]{"guid", writeGUID, readGUID}
)

func writeGUID(w *protocol.Writer, id uuid.UUID) {
	w.WriteRaw(id[:])
}

func readGUID(r *protocol.Reader) (uuid.UUID, error) {
	raw, err := r.ReadRaw(16)
	if err != nil {
		return uuid.Nil, err
	}
	return uuid.FromBytes(raw)
}

// EnumCodec sends any int32 based enumeration as its ordinal.
func EnumCodec[E ~int32]() Codec[E] {
	return codecFuncs[E]{
		kind: "enum",
		write: func(w *protocol.Writer, v E) {
			w.WriteInt32(int32(v))
		},
		read: func(r *protocol.Reader) (E, error) {
			v, err := r.ReadInt32()
			return E(v), err
		},
	}
}
