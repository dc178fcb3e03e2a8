package protocol

import "errors"

var ErrBadZip = errors.New("bad zipped integer")

// ZipUint64 packs v into the shortest little-endian byte string, zero is empty.
func ZipUint64(v uint64) []byte {
	buf := [8]byte{}
	i := 0
	for v > 0 {
		buf[i] = uint8(v)
		v >>= 8
		i++
	}
	return buf[0:i]
}

func UnzipUint64(zip []byte) (v uint64) {
	for i := len(zip) - 1; i >= 0; i-- {
		v <<= 8
		v |= uint64(zip[i])
	}
	return
}

// ZipUint64Pair packs two ints as [len(big)<<4 | len(lil)][big][lil].
func ZipUint64Pair(big, lil uint64) []byte {
	b, l := ZipUint64(big), ZipUint64(lil)
	ret := make([]byte, 0, 1+len(b)+len(l))
	ret = append(ret, byte(len(b)<<4|len(l)))
	ret = append(ret, b...)
	return append(ret, l...)
}

func UnzipUint64Pair(buf []byte) (big, lil uint64, err error) {
	if len(buf) == 0 {
		return 0, 0, ErrBadZip
	}
	bl, ll := int(buf[0]>>4), int(buf[0]&0xf)
	if bl > 8 || ll > 8 || len(buf) != 1+bl+ll {
		return 0, 0, ErrBadZip
	}
	big = UnzipUint64(buf[1 : 1+bl])
	lil = UnzipUint64(buf[1+bl:])
	return
}
