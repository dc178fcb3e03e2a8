package protocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTLVAppend(t *testing.T) {
	buf := []byte{}
	buf = Append(buf, 'A', []byte{'A'})
	buf = Append(buf, 'b', []byte{'B', 'B'})
	correct2 := []byte{'a', 1, 'A', '2', 'B', 'B'}
	assert.Equal(t, correct2, buf, "basic TLV fail")

	var c256 [256]byte
	for n := range c256 {
		c256[n] = 'c'
	}
	buf = Append(buf, 'C', c256[:])
	assert.Equal(t, len(correct2)+1+4+len(c256), len(buf))
	assert.Equal(t, uint8('C'), buf[len(correct2)])
	assert.Equal(t, uint8(1), buf[len(correct2)+2])

	lit, body, buf, err := TakeAnyWary(buf)
	assert.Nil(t, err)
	assert.Equal(t, uint8('A'), lit)
	assert.Equal(t, []byte{'A'}, body)

	body2, _, err2 := TakeWary('B', buf)
	assert.Nil(t, err2)
	assert.Equal(t, []byte{'B', 'B'}, body2)
}

func TestFeedHeader(t *testing.T) {
	l, buf := OpenHeader(nil, 'A')
	text := "some text"
	buf = append(buf, text...)
	CloseHeader(buf, l)
	lit, body, rest, err := TakeAnyWary(buf)
	assert.Nil(t, err)
	assert.Equal(t, uint8('A'), lit)
	assert.Equal(t, text, string(body))
	assert.Equal(t, 0, len(rest))
}

func TestTinyRecord(t *testing.T) {
	tiny := TinyRecord('X', []byte("12"))
	assert.Equal(t, "212", string(tiny))
}

func TestSplitPartial(t *testing.T) {
	stream := Concat(Record('M', []byte("one")), Record('M', []byte("two")))
	var buf bytes.Buffer
	buf.Write(stream[:len(stream)-1])

	recs, err := Split(&buf)
	assert.ErrorIs(t, err, ErrIncomplete)
	assert.Equal(t, 1, len(recs))
	assert.Equal(t, int64(5), recs.TotalLen())

	buf.Write(stream[len(stream)-1:])
	recs, err = Split(&buf)
	assert.Nil(t, err)
	assert.Equal(t, 1, len(recs))
	body, _ := Take('M', recs[0])
	assert.Equal(t, "two", string(body))
	assert.Equal(t, 0, buf.Len())
}

func TestSplitGarbage(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0xff, 1, 2})
	_, err := Split(buf)
	assert.ErrorIs(t, err, ErrBadRecord)
}

func TestZipPair(t *testing.T) {
	for _, pair := range [][2]uint64{{0, 0}, {1, 0}, {0, 7}, {300, 2}, {1 << 40, 1 << 20}, {^uint64(0), 5}} {
		zip := ZipUint64Pair(pair[0], pair[1])
		big, lil, err := UnzipUint64Pair(zip)
		assert.Nil(t, err)
		assert.Equal(t, pair[0], big)
		assert.Equal(t, pair[1], lil)
	}
	_, _, err := UnzipUint64Pair([]byte{0x21, 1})
	assert.ErrorIs(t, err, ErrBadZip)
}
