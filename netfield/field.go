package netfield

import (
	"github.com/drpcorg/netsync/clock"
	"github.com/drpcorg/netsync/protocol"
	"github.com/google/uuid"
	"golang.org/x/exp/constraints"
)

// Number is what Add and LerpNumber accept.
type Number interface {
	constraints.Integer | constraints.Float
}

// Lerp blends from towards to, t in (0, 1].
type Lerp[T any] func(from, to T, t float64) T

// Field is a single replicated leaf.
type Field[T comparable] struct {
	base
	codec Codec[T]
	value T
	hooks []func(old, new T)

	changeVersion clock.Version

	lerp   Lerp[T]
	ticks  int
	from   T
	target T
	step   int
}

func NewField[T comparable](name string, codec Codec[T], initial T) *Field[T] {
	return &Field[T]{
		base:  base{name: name},
		codec: codec,
		value: initial,
	}
}

func NewBool(name string, v bool) *Field[bool] {
	return NewField(name, BoolCodec, v)
}

func NewInt32(name string, v int32) *Field[int32] {
	return NewField(name, Int32Codec, v)
}

func NewInt64(name string, v int64) *Field[int64] {
	return NewField(name, Int64Codec, v)
}

func NewUint32(name string, v uint32) *Field[uint32] {
	return NewField(name, Uint32Codec, v)
}

func NewUint64(name string, v uint64) *Field[uint64] {
	return NewField(name, Uint64Codec, v)
}

func NewFloat32(name string, v float32) *Field[float32] {
	return NewField(name, Float32Codec, v)
}

func NewFloat64(name string, v float64) *Field[float64] {
	return NewField(name, Float64Codec, v)
}

func NewString(name string, v string) *Field[string] {
	return NewField(name, StringCodec, v)
}

func NewVector2(name string, v protocol.Vector2) *Field[protocol.Vector2] {
	return NewField(name, Vector2Codec, v)
}

func NewGUID(name string, v uuid.UUID) *Field[uuid.UUID] {
	return NewField(name, GUIDCodec, v)
}

func NewEnum[E ~int32](name string, v E) *Field[E] {
	return NewField(name, EnumCodec[E](), v)
}

// Interpolate makes inbound deltas glide over ticks steps instead of
// snapping. A non-positive ticks takes the enclosing tree's
// InterpolationTicks. Full snapshots always snap.
func (f *Field[T]) Interpolate(lerp Lerp[T], ticks int) *Field[T] {
	f.lerp = lerp
	f.ticks = ticks
	return f
}

// Get returns the displayed value, which trails Target while interpolating.
func (f *Field[T]) Get() T {
	return f.value
}

// Target is where the field ends up once interpolation completes.
func (f *Field[T]) Target() T {
	if f.Interpolating() {
		return f.target
	}
	return f.value
}

// Set is a local write: the field becomes dirty if the value changes.
func (f *Field[T]) Set(v T) {
	f.CancelInterpolation()
	if f.value == v {
		return
	}
	f.apply(v)
	f.dirty = true
}

// OnChange registers a hook fired on every value change, local or remote.
func (f *Field[T]) OnChange(hook func(old, new T)) {
	f.hooks = append(f.hooks, hook)
}

// ChangeVersion is the sender clock of the last applied remote write.
func (f *Field[T]) ChangeVersion() clock.Version {
	return f.changeVersion
}

func (f *Field[T]) apply(v T) {
	old := f.value
	f.value = v
	for _, hook := range f.hooks {
		hook(old, v)
	}
}

func (f *Field[T]) Interpolating() bool {
	return f.step > 0
}

func (f *Field[T]) TickInterpolation() {
	if !f.Interpolating() {
		return
	}
	f.step++
	ticks := f.span()
	if f.step >= ticks {
		f.value = f.target
		f.step = 0
		return
	}
	f.value = f.lerp(f.from, f.target, float64(f.step)/float64(ticks))
}

// span is the glide length in ticks: the field's own, else the nearest
// tree's option.
func (f *Field[T]) span() int {
	if f.ticks > 0 {
		return f.ticks
	}
	for p := f.Parent(); p != nil; p = p.Parent() {
		if t, ok := p.(*Tree); ok {
			return t.opts.InterpolationTicks
		}
	}
	return clock.DefaultInterpolationTicks
}

func (f *Field[T]) CancelInterpolation() {
	if f.Interpolating() {
		f.value = f.target
		f.step = 0
	}
}

func (f *Field[T]) WriteDelta(w *protocol.Writer) error {
	f.codec.Write(w, f.Target())
	f.dirty = false
	return nil
}

func (f *Field[T]) ReadDelta(r *protocol.Reader, v clock.Version) error {
	val, err := f.codec.Read(r)
	if err != nil {
		return err
	}
	f.changeVersion = v.Clone()
	ticks := f.span()
	if f.lerp == nil || ticks <= 1 {
		f.CancelInterpolation()
		if val != f.value {
			f.apply(val)
		}
		return nil
	}
	old := f.Target()
	if old == val {
		return nil
	}
	f.from = f.value
	f.target = val
	f.step = 1
	f.value = f.lerp(f.from, f.target, 1/float64(ticks))
	for _, hook := range f.hooks {
		hook(old, val)
	}
	return nil
}

func (f *Field[T]) WriteFull(w *protocol.Writer) error {
	f.codec.Write(w, f.Target())
	return nil
}

func (f *Field[T]) ReadFull(r *protocol.Reader, v clock.Version) error {
	val, err := f.codec.Read(r)
	if err != nil {
		return err
	}
	f.changeVersion = v.Clone()
	f.CancelInterpolation()
	if val != f.value {
		f.apply(val)
	}
	f.dirty = false
	return nil
}

func (f *Field[T]) shape() string {
	return f.codec.Kind()
}

// Add bumps a numeric field by delta.
func Add[T Number](f *Field[T], delta T) {
	f.Set(f.Target() + delta)
}

func LerpNumber[T Number](from, to T, t float64) T {
	return T(float64(from) + (float64(to)-float64(from))*t)
}

func LerpVector2(from, to protocol.Vector2, t float64) protocol.Vector2 {
	return protocol.Vector2{
		X: LerpNumber(from.X, to.X, t),
		Y: LerpNumber(from.Y, to.Y, t),
	}
}
