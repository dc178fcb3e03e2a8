// Protocol format is based on ToyTLV (MIT licence) written by Victor Grishchenko in 2024
// Original project: https://github.com/learn-decentralized-systems/toytlv

/*
Package protocol holds everything that touches bytes on the wire: the TLV
stream framing, the little-endian Writer/Reader primitives the field trees
serialize with, and the typed message envelope peers exchange.

# TLV Record Format

A byte stream between two peers is a sequence of TLV records:

 1. Tiny (1 byte header), bodies 0-9 bytes, lowercase type only:
    [('0' + body_length)]
 2. Short (2 bytes header), bodies up to 255 bytes:
    [lowercase_type, body_length]
 3. Long (5 bytes header), bodies up to 2GB:
    [uppercase_type, length_as_4byte_little_endian]

Record types in use:

	M  message envelope (see Message)
	P  ping, body is the sender's send time in unix nanoseconds
	Q  pong, echoes the ping body
	V  version vector entry (zipped counter/slot pair)
	F  full snapshot body in a checkpoint

Safe functions (Take, TakeAny) are for trusted buffers; the Wary variants
return explicit errors for anything read off the network.
*/
package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const CaseBit uint8 = 'a' - 'A'

var (
	ErrIncomplete = errors.New("incomplete data")
	ErrBadRecord  = errors.New("bad TLV record format")
)

// ProbeHeader returns the record type ('A'-'Z', '0' for tiny, '-' for
// garbage, 0 for an incomplete header), the header and the body lengths.
func ProbeHeader(data []byte) (lit byte, hdrlen, bodylen int) {
	if len(data) == 0 {
		return 0, 0, 0
	}
	dlit := data[0]
	switch {
	case dlit >= '0' && dlit <= '9':
		return '0', 1, int(dlit - '0')
	case dlit >= 'a' && dlit <= 'z':
		if len(data) < 2 {
			return 0, 0, 0
		}
		return dlit - CaseBit, 2, int(data[1])
	case dlit >= 'A' && dlit <= 'Z':
		if len(data) < 5 {
			return 0, 0, 0
		}
		bl := binary.LittleEndian.Uint32(data[1:5])
		if bl > 0x7fffffff {
			return '-', 0, 0
		}
		return dlit, 5, int(bl)
	default:
		return '-', 0, 0
	}
}

// Split consumes every complete record in data. A trailing partial record
// stays in the buffer and is reported as ErrIncomplete.
func Split(data *bytes.Buffer) (recs Records, err error) {
	for data.Len() > 0 {
		lit, hlen, blen := ProbeHeader(data.Bytes())
		if lit == '-' {
			if len(recs) == 0 {
				err = ErrBadRecord
			}
			return
		}
		if lit == 0 {
			return
		}
		if hlen+blen > data.Len() {
			err = errors.Join(ErrIncomplete, fmt.Errorf("packet size %d, len %d", hlen+blen, data.Len()))
			return
		}
		record := make([]byte, hlen+blen)
		if _, err = data.Read(record); err != nil {
			return
		}
		recs = append(recs, record)
	}
	return
}

// AppendHeader appends a record header picking the shortest format.
// Lowercase lit enables the tiny format.
func AppendHeader(into []byte, lit byte, bodylen int) []byte {
	biglit := lit &^ CaseBit
	if biglit < 'A' || biglit > 'Z' {
		panic("TLV record type is A..Z")
	}
	if bodylen < 10 && (lit&CaseBit) != 0 {
		return append(into, byte('0'+bodylen))
	}
	if bodylen > 0xff {
		if bodylen > 0x7fffffff {
			panic("oversized TLV record")
		}
		into = append(into, biglit)
		return binary.LittleEndian.AppendUint32(into, uint32(bodylen))
	}
	return append(into, lit|CaseBit, byte(bodylen))
}

func Take(lit byte, data []byte) (body, rest []byte) {
	flit, hdrlen, bodylen := ProbeHeader(data)
	if flit == 0 || hdrlen+bodylen > len(data) {
		return nil, data
	}
	if flit != lit && flit != '0' {
		return nil, nil
	}
	return data[hdrlen : hdrlen+bodylen], data[hdrlen+bodylen:]
}

func TakeAny(data []byte) (lit byte, body, rest []byte) {
	if len(data) == 0 {
		return 0, nil, nil
	}
	lit = data[0] &^ CaseBit
	body, rest = Take(lit, data)
	return
}

func TakeWary(lit byte, data []byte) (body, rest []byte, err error) {
	flit, hdrlen, bodylen := ProbeHeader(data)
	if flit == 0 || hdrlen+bodylen > len(data) {
		return nil, data, ErrIncomplete
	}
	if flit != lit && flit != '0' {
		return nil, nil, ErrBadRecord
	}
	return data[hdrlen : hdrlen+bodylen], data[hdrlen+bodylen:], nil
}

func TakeAnyWary(data []byte) (lit byte, body, rest []byte, err error) {
	if len(data) == 0 {
		return 0, nil, nil, ErrIncomplete
	}
	flit, _, _ := ProbeHeader(data)
	if flit == '-' {
		return 0, nil, nil, ErrBadRecord
	}
	lit = data[0] &^ CaseBit
	body, rest, err = TakeWary(lit, data)
	return
}

// Lit is the canonical record type of rec.
func Lit(rec []byte) byte {
	b := rec[0]
	switch {
	case b >= 'a' && b <= 'z':
		return b - CaseBit
	case b >= 'A' && b <= 'Z':
		return b
	case b >= '0' && b <= '9':
		return '0'
	default:
		return '-'
	}
}

func totalLen(inputs [][]byte) (sum int) {
	for _, input := range inputs {
		sum += len(input)
	}
	return
}

func Append(into []byte, lit byte, body ...[]byte) []byte {
	into = AppendHeader(into, lit, totalLen(body))
	for _, b := range body {
		into = append(into, b...)
	}
	return into
}

func Record(lit byte, body ...[]byte) []byte {
	total := totalLen(body)
	return Append(make([]byte, 0, total+5), lit, body...)
}

func TinyRecord(lit byte, body []byte) []byte {
	return Record((lit&^CaseBit)|CaseBit, body)
}

func Concat(msg ...[]byte) []byte {
	ret := make([]byte, 0, totalLen(msg))
	for _, b := range msg {
		ret = append(ret, b...)
	}
	return ret
}

// OpenHeader starts a long-format record whose length is not known yet.
// Pair with CloseHeader once the body is appended.
func OpenHeader(buf []byte, lit byte) (bookmark int, res []byte) {
	lit &^= CaseBit
	if lit < 'A' || lit > 'Z' {
		panic("TLV liters are uppercase A-Z")
	}
	res = append(buf, lit, 0, 0, 0, 0)
	return len(res), res
}

func CloseHeader(buf []byte, bookmark int) {
	if bookmark < 5 || len(buf) < bookmark {
		panic("check the API docs")
	}
	binary.LittleEndian.PutUint32(buf[bookmark-4:bookmark], uint32(len(buf)-bookmark))
}
