package clock

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClockSlotReuse(t *testing.T) {
	c := New()
	a := c.AssignNewPeer()
	b := c.AssignNewPeer()
	assert.Equal(t, uint32(1), a)
	assert.Equal(t, uint32(2), b)

	c.ReleasePeer(a)
	assert.True(t, c.IsFree(a))
	assert.Equal(t, a, c.AssignNewPeer())
	assert.False(t, c.IsFree(a))
	assert.Equal(t, uint32(3), c.AssignNewPeer())
}

func TestClockMiddleSlotFree(t *testing.T) {
	// slots [used, free, used]
	c := New()
	one := c.AssignNewPeer()
	c.AssignNewPeer()
	c.ReleasePeer(one)
	assert.Equal(t, uint32(1), c.AssignNewPeer())
}

func TestClockReleaseBeyondRange(t *testing.T) {
	c := New()
	c.ReleasePeer(5)
	assert.True(t, c.IsFree(5))
	assert.Equal(t, uint32(5), c.AssignNewPeer())
	assert.Equal(t, 6, c.Slots())
}

func TestClockTick(t *testing.T) {
	c := New()
	c.AssignNewPeer()
	c.SetLocalID(1)
	c.Tick()
	c.Tick()
	assert.Equal(t, uint32(2), c.LocalVersion())
	assert.Equal(t, Version{0, 2}, c.Current())

	c.Observe(Version{7, 1, 3})
	assert.Equal(t, Version{7, 2, 3}, c.Current())

	c.Clear()
	assert.Equal(t, uint32(0), c.LocalID())
	assert.Equal(t, Version{0}, c.Current())
}

func TestClockJoinRecycledSlot(t *testing.T) {
	c := New()
	c.Join(1, Version{4, 9})
	assert.Equal(t, uint32(9), c.LocalVersion())
	c.Tick()
	assert.Equal(t, uint32(10), c.LocalVersion())
}

func TestVersionOrder(t *testing.T) {
	a := Version{1, 2}
	b := Version{1, 3}
	c := Version{2, 1}
	assert.True(t, a.Precedes(b))
	assert.False(t, b.Precedes(a))
	assert.False(t, a.Precedes(a))
	assert.True(t, b.Concurrent(c))
	assert.True(t, c.IsPriorityOver(b))
	assert.False(t, b.IsPriorityOver(c))
	assert.True(t, a.IsPriorityOver(Version{1, 2, 0}))

	assert.True(t, a.Seen(1, 2))
	assert.False(t, a.Seen(1, 3))
	assert.False(t, a.Seen(4, 1))
}

func TestVersionTLV(t *testing.T) {
	v := Version{0, 5, 0, 1 << 20}
	back, err := VersionFromTLV(v.TLV())
	assert.Nil(t, err)
	assert.Equal(t, Version{0, 5, 0, 1 << 20}, back)
	assert.Equal(t, "[0 5 0 1048576]", back.String())

	empty, err := VersionFromTLV(nil)
	assert.Nil(t, err)
	assert.Equal(t, 0, empty.Size())

	_, err = VersionFromTLV([]byte{'x', 1, 0})
	assert.ErrorIs(t, err, ErrBadVRecord)
}
