package storage

import (
	"encoding/binary"

	"github.com/drpcorg/mrindex/enumerator"
)

// Keyspaces of the per-index pebble DB.
const (
	postingPrefix = 'V'
	forwardPrefix = 'F'
	metaPrefix    = 'M'
)

var stampKey = []byte{metaPrefix, 'v', 'e', 'r', 's', 'i', 'o', 'n'}

func watermarkKey(name string) []byte {
	return append([]byte{metaPrefix, 'w'}, name...)
}

// FingerprintID identifies one indexed file; 0 is reserved.
type FingerprintID uint32

// postingKey is 'V' + key(BE32) + fp(BE32); big endian keeps postings of
// one key contiguous and ordered by fingerprint.
func postingKey(key enumerator.SymbolID, fp FingerprintID) []byte {
	var buf [9]byte
	buf[0] = postingPrefix
	binary.BigEndian.PutUint32(buf[1:5], uint32(key))
	binary.BigEndian.PutUint32(buf[5:9], uint32(fp))
	return buf[:]
}

func postingRange(key enumerator.SymbolID) (lower, upper []byte) {
	lower = []byte{postingPrefix, 0, 0, 0, 0}
	binary.BigEndian.PutUint32(lower[1:], uint32(key))
	upper = []byte{postingPrefix, 0, 0, 0, 0}
	if key == ^enumerator.SymbolID(0) {
		return lower, []byte{postingPrefix + 1}
	}
	binary.BigEndian.PutUint32(upper[1:], uint32(key)+1)
	return lower, upper
}

func parsePostingKey(k []byte) (enumerator.SymbolID, FingerprintID, bool) {
	if len(k) != 9 || k[0] != postingPrefix {
		return 0, 0, false
	}
	return enumerator.SymbolID(binary.BigEndian.Uint32(k[1:5])),
		FingerprintID(binary.BigEndian.Uint32(k[5:9])), true
}

func forwardKey(fp FingerprintID) []byte {
	var buf [5]byte
	buf[0] = forwardPrefix
	binary.BigEndian.PutUint32(buf[1:], uint32(fp))
	return buf[:]
}

func parseForwardKey(k []byte) (FingerprintID, bool) {
	if len(k) != 5 || k[0] != forwardPrefix {
		return 0, false
	}
	return FingerprintID(binary.BigEndian.Uint32(k[1:])), true
}

func prefixRange(prefix byte) (lower, upper []byte) {
	return []byte{prefix}, []byte{prefix + 1}
}
