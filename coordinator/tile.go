// Package coordinator serializes mutations of contested resources through
// the authoritative peer. Other peers submit requests and keep shadow
// timers that approximate the outcome until the host confirms it.
package coordinator

import "fmt"

// PackTile folds signed tile coordinates into one word, x in the high half.
func PackTile(x, y int32) uint64 {
	return uint64(uint32(x))<<32 | uint64(uint32(y))
}

func UnpackTile(tile uint64) (x, y int32) {
	return int32(uint32(tile >> 32)), int32(uint32(tile))
}

// Key addresses a contested spot: a location plus a packed tile.
type Key struct {
	Location string
	Tile     uint64
}

func KeyAt(location string, x, y int32) Key {
	return Key{Location: location, Tile: PackTile(x, y)}
}

func (k Key) String() string {
	x, y := UnpackTile(k.Tile)
	return fmt.Sprintf("%s@%d,%d", k.Location, x, y)
}
