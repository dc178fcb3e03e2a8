package netfield

import (
	"testing"

	"github.com/drpcorg/netsync/netsync_errors"
	"github.com/drpcorg/netsync/protocol"
	"github.com/stretchr/testify/assert"
)

type chest struct {
	fields *Tree
	coins  *Field[int32]
	label  *Field[string]
}

func newChest(opts Options) *chest {
	c := &chest{
		fields: NewTree("chest", opts),
		coins:  NewInt32("coins", 0),
		label:  NewString("label", ""),
	}
	c.fields.SetOwner(c)
	_ = c.fields.AddFields(c.coins, c.label)
	return c
}

func (c *chest) NetFields() *Tree {
	return c.fields
}

type farm struct {
	fields *Tree
	chest  *Ref[*chest]
}

func newFarm(opts Options) *farm {
	f := &farm{
		fields: NewTree("farm", opts),
		chest:  NewRef("chest", func() *chest { return newChest(opts) }, opts),
	}
	f.fields.SetOwner(f)
	f.fields.MarkRoot()
	_ = f.fields.Add(f.chest, "chest")
	return f
}

func (f *farm) NetFields() *Tree {
	return f.fields
}

func TestRefReassign(t *testing.T) {
	opts, _ := testOptions(false)
	f := newFarm(opts)
	v1, v2 := newChest(opts), newChest(opts)

	f.chest.Set(v1)
	assert.Equal(t, Node(f.chest), v1.fields.Parent())

	var calls [][2]*chest
	f.chest.OnValueChanged(func(old, new *chest) { calls = append(calls, [2]*chest{old, new}) })
	f.chest.Set(v2)
	assert.Nil(t, v1.fields.Parent())
	assert.Equal(t, Node(f.chest), v2.fields.Parent())
	assert.Equal(t, [][2]*chest{{v1, v2}}, calls)

	f.chest.Set(v2)
	assert.Equal(t, Node(f.chest), v2.fields.Parent())
	assert.Len(t, calls, 2)

	f.chest.Clear()
	assert.False(t, f.chest.Has())
	assert.Nil(t, v2.fields.Parent())
	assert.Len(t, calls, 3)
}

func TestRefConflictReparents(t *testing.T) {
	opts, logs := testOptions(false)
	a, b := newFarm(opts), newFarm(opts)
	v := newChest(opts)
	a.chest.Set(v)

	b.chest.Set(v)
	assert.Equal(t, Node(b.chest), v.fields.Parent())
	assert.Contains(t, logs.String(), "reparenting a referenced value")

	// a no longer owns the tree, so replacing its value leaves it alone
	a.chest.Set(newChest(opts))
	assert.Equal(t, Node(b.chest), v.fields.Parent())
}

func TestRefDeferredAttach(t *testing.T) {
	opts, _ := testOptions(false)
	cell := NewRef("chest", func() *chest { return newChest(opts) }, opts)
	v := newChest(opts)
	cell.Set(v)
	assert.Nil(t, v.fields.Parent())

	host := ownedTree("host", opts, cell)
	assert.Equal(t, Node(host), cell.Parent())
	assert.Equal(t, Node(cell), v.fields.Parent())
}

func TestRefDeltaReplaceAndInner(t *testing.T) {
	opts, _ := testOptions(false)
	src, dst := newFarm(opts), newFarm(opts)
	v := newChest(opts)
	v.coins.Set(10)
	src.chest.Set(v)
	assert.True(t, src.fields.Dirty())

	changed := 0
	dst.chest.OnValueChanged(func(old, new *chest) { changed++ })

	var w protocol.Writer
	assert.Nil(t, src.fields.WriteDelta(&w))
	assert.False(t, src.fields.Dirty())
	assert.Nil(t, dst.fields.ReadDelta(protocol.NewReader(w.Bytes()), nil))
	assert.True(t, dst.chest.Has())
	assert.Equal(t, int32(10), dst.chest.Get().coins.Get())
	assert.Equal(t, Node(dst.chest), dst.chest.Get().fields.Parent())
	assert.Equal(t, 1, changed)
	assert.False(t, dst.fields.Dirty())

	held := dst.chest.Get()
	v.label.Set("seeds")
	w.Reset()
	assert.Nil(t, src.fields.WriteDelta(&w))
	assert.Nil(t, dst.fields.ReadDelta(protocol.NewReader(w.Bytes()), nil))
	assert.Same(t, held, dst.chest.Get())
	assert.Equal(t, "seeds", held.label.Get())
	assert.Equal(t, 1, changed)
}

func TestRefInnerDeltaWithoutValue(t *testing.T) {
	opts, _ := testOptions(false)
	f := newFarm(opts)
	var w protocol.Writer
	_ = w.WriteByte(refInner)
	w.WriteBitVector([]bool{true, false})

	err := f.chest.ReadDelta(protocol.NewReader(w.Bytes()), nil)
	assert.ErrorIs(t, err, netsync_errors.ErrNoValue)
	assert.False(t, f.chest.Has())
}

func TestRefFullSnapshot(t *testing.T) {
	opts, _ := testOptions(false)
	src, dst := newFarm(opts), newFarm(opts)
	v := newChest(opts)
	v.coins.Set(3)
	src.chest.Set(v)

	var w protocol.Writer
	assert.Nil(t, src.fields.WriteFull(&w))
	assert.Nil(t, dst.fields.ReadFull(protocol.NewReader(w.Bytes()), nil))
	assert.Equal(t, int32(3), dst.chest.Get().coins.Get())

	held := dst.chest.Get()
	assert.Nil(t, dst.fields.ReadFull(protocol.NewReader(w.Bytes()), nil))
	assert.Same(t, held, dst.chest.Get())

	src.chest.Clear()
	w.Reset()
	assert.Nil(t, src.fields.WriteFull(&w))
	assert.Nil(t, dst.fields.ReadFull(protocol.NewReader(w.Bytes()), nil))
	assert.False(t, dst.chest.Has())
	assert.Nil(t, held.fields.Parent())
}

func TestRefFingerprintIgnoresContent(t *testing.T) {
	opts, _ := testOptions(false)
	a, b := newFarm(opts), newFarm(opts)
	a.chest.Set(newChest(opts))
	assert.Equal(t, a.fields.Fingerprint(), b.fields.Fingerprint())
}
