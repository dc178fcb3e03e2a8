// Package clock implements the per-session logical clock: one counter per
// peer slot, the local peer ticking only its own. Slots are handed out to
// joining peers and recycled when they leave.
package clock

// DefaultInterpolationTicks is how many ticks a leaf takes to glide
// towards a remotely received value.
const DefaultInterpolationTicks = 15

type Clock struct {
	localID  uint32
	versions Version
	free     []bool

	InterpolationTicks int
}

// New returns a clock whose only slot, 0, belongs to the local peer.
func New() *Clock {
	return &Clock{
		versions:           Version{0},
		InterpolationTicks: DefaultInterpolationTicks,
	}
}

// AssignNewPeer reuses the lowest released slot, or appends a new one.
func (c *Clock) AssignNewPeer() uint32 {
	for slot, free := range c.free {
		if free {
			c.free[slot] = false
			for slot >= len(c.versions) {
				c.versions = append(c.versions, 0)
			}
			return uint32(slot)
		}
	}
	slot := uint32(len(c.versions))
	c.versions = append(c.versions, 0)
	return slot
}

// ReleasePeer marks slot free. The free list grows on demand.
func (c *Clock) ReleasePeer(slot uint32) {
	for int(slot) >= len(c.free) {
		c.free = append(c.free, false)
	}
	c.free[slot] = true
}

func (c *Clock) IsFree(slot uint32) bool {
	return int(slot) < len(c.free) && c.free[slot]
}

// Tick advances the local counter only.
func (c *Clock) Tick() {
	c.versions[c.localID]++
}

func (c *Clock) LocalID() uint32 {
	return c.localID
}

// SetLocalID adopts the slot a host assigned to us.
func (c *Clock) SetLocalID(slot uint32) {
	c.localID = slot
	for int(slot) >= len(c.versions) {
		c.versions = append(c.versions, 0)
	}
}

// Join adopts slot together with the host's vector. A recycled slot keeps
// counting from where its previous owner stopped, so peers that already saw
// those counters do not mistake our frames for stale ones.
func (c *Clock) Join(slot uint32, host Version) {
	c.SetLocalID(slot)
	c.versions.Merge(host)
}

func (c *Clock) LocalVersion() uint32 {
	return c.versions[c.localID]
}

// Current is a copy of the whole vector.
func (c *Clock) Current() Version {
	return c.versions.Clone()
}

// Observe folds a remote vector in, local counter excluded.
func (c *Clock) Observe(v Version) {
	local := c.versions[c.localID]
	c.versions.Merge(v)
	c.versions[c.localID] = local
}

func (c *Clock) Slots() int {
	return len(c.versions)
}

// Clear resets the clock for a new session.
func (c *Clock) Clear() {
	c.localID = 0
	c.versions = Version{0}
	c.free = nil
}
