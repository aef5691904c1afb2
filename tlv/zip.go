package tlv

import "encoding/binary"

func byteLen(n uint64) int {
	switch {
	case n == 0:
		return 0
	case n <= 0xff:
		return 1
	case n <= 0xffff:
		return 2
	case n <= 0xffffffff:
		return 4
	default:
		return 8
	}
}

func putUint(buf []byte, width int, v uint64) {
	switch width {
	case 1:
		buf[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(buf, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(buf, uint32(v))
	case 8:
		binary.LittleEndian.PutUint64(buf, v)
	}
}

func getUint(buf []byte) uint64 {
	switch len(buf) {
	case 1:
		return uint64(buf[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(buf))
	case 4:
		return uint64(binary.LittleEndian.Uint32(buf))
	case 8:
		return binary.LittleEndian.Uint64(buf)
	}
	return 0
}

// ZipUint64Pair packs a pair of uint64 into a byte string.
// The smaller the ints, the shorter the string. The total length alone
// tells the decoder how the bytes split, so the encoding is canonical.
func ZipUint64Pair(big, lil uint64) []byte {
	bw, lw := byteLen(big), byteLen(lil)
	if lw == 0 && bw <= 1 {
		if bw == 0 {
			return []byte{}
		}
		return []byte{byte(big)}
	}
	if lw == 0 {
		lw = 1
	}
	if lw >= bw {
		bw = lw
	}
	ret := make([]byte, bw+lw)
	putUint(ret[:bw], bw, big)
	putUint(ret[bw:], lw, lil)
	return ret
}

var pairSplit = map[int]int{0: 0, 1: 1, 2: 1, 3: 2, 4: 2, 5: 4, 6: 4, 8: 4, 9: 8, 10: 8, 12: 8, 16: 8}

// UnzipUint64Pair reverses ZipUint64Pair; ok is false for lengths the
// encoder never produces.
func UnzipUint64Pair(buf []byte) (big, lil uint64, ok bool) {
	bw, ok := pairSplit[len(buf)]
	if !ok {
		return 0, 0, false
	}
	return getUint(buf[:bw]), getUint(buf[bw:]), true
}

// ZipUint64 packs uint64 into the shortest possible byte string.
func ZipUint64(v uint64) []byte {
	buf := [8]byte{}
	i := 0
	for v > 0 {
		buf[i] = uint8(v)
		v >>= 8
		i++
	}
	return buf[0:i:i]
}

func UnzipUint64(zip []byte) (v uint64) {
	for i := len(zip) - 1; i >= 0; i-- {
		v <<= 8
		v |= uint64(zip[i])
	}
	return
}

func ZigZagInt64(i int64) uint64 {
	return uint64(i*2) ^ uint64(i>>63)
}

func ZagZigUint64(u uint64) int64 {
	half := u >> 1
	mask := -(u & 1)
	return int64(half ^ mask)
}
