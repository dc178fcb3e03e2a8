package clock

import (
	"errors"
	"strconv"
	"strings"

	"github.com/drpcorg/netsync/protocol"
)

// Version is a version vector indexed by peer slot: the max counter seen
// from each slot. Missing entries read as zero.
type Version []uint32

var ErrBadVRecord = errors.New("bad V record")

func (v Version) Get(slot uint32) uint32 {
	if int(slot) >= len(v) {
		return 0
	}
	return v[slot]
}

// Set grows the vector as needed.
func (v *Version) Set(slot, counter uint32) {
	for int(slot) >= len(*v) {
		*v = append(*v, 0)
	}
	(*v)[slot] = counter
}

func (v Version) Size() int {
	return len(v)
}

func (v Version) Clone() Version {
	return append(Version{}, v...)
}

// Put records counter for slot, returns whether it was unseen.
func (v *Version) Put(slot, counter uint32) bool {
	if v.Get(slot) >= counter {
		return false
	}
	v.Set(slot, counter)
	return true
}

// Seen reports whether counter from slot is already covered.
func (v Version) Seen(slot, counter uint32) bool {
	return counter <= v.Get(slot)
}

// Merge is the pointwise max.
func (v *Version) Merge(b Version) {
	for slot, counter := range b {
		v.Put(uint32(slot), counter)
	}
}

// Covers: every entry of b is at or below ours.
func (v Version) Covers(b Version) bool {
	for slot, counter := range b {
		if counter > v.Get(uint32(slot)) {
			return false
		}
	}
	return true
}

// Precedes is the strict happened-before order.
func (v Version) Precedes(b Version) bool {
	return b.Covers(v) && !v.Covers(b)
}

// Concurrent: neither vector covers the other.
func (v Version) Concurrent(b Version) bool {
	return !v.Covers(b) && !b.Covers(v)
}

// IsPriorityOver orders any two vectors, concurrent ones included, by
// comparing slot counters lowest slot first. Equal vectors win.
func (v Version) IsPriorityOver(b Version) bool {
	n := max(len(v), len(b))
	for i := 0; i < n; i++ {
		x, y := v.Get(uint32(i)), b.Get(uint32(i))
		if x > y {
			return true
		}
		if x < y {
			return false
		}
	}
	return true
}

// TLV emits one V record per non-zero slot, nil for an empty vector.
func (v Version) TLV() (ret []byte) {
	for slot, counter := range v {
		if counter == 0 {
			continue
		}
		ret = protocol.Append(ret, 'V', protocol.ZipUint64Pair(uint64(counter), uint64(slot)))
	}
	return
}

// PutTLV merges V records into the vector.
func (v *Version) PutTLV(rec []byte) error {
	rest := rec
	for len(rest) > 0 {
		var body []byte
		var err error
		body, rest, err = protocol.TakeWary('V', rest)
		if err != nil {
			return errors.Join(ErrBadVRecord, err)
		}
		counter, slot, err := protocol.UnzipUint64Pair(body)
		if err != nil || counter > 0xffffffff || slot > 0xffff {
			return ErrBadVRecord
		}
		v.Put(uint32(slot), uint32(counter))
	}
	return nil
}

func VersionFromTLV(rec []byte) (Version, error) {
	var v Version
	err := v.PutTLV(rec)
	return v, err
}

func (v Version) String() string {
	parts := make([]string, len(v))
	for i, c := range v {
		parts[i] = strconv.FormatUint(uint64(c), 10)
	}
	return "[" + strings.Join(parts, " ") + "]"
}
