// Record format is based on ToyTLV (MIT licence) written by Victor Grishchenko in 2024
// Original project: https://github.com/learn-decentralized-systems/toytlv

/*
Package tlv implements the compact Type-Length-Value records every mrindex
file is made of: enumerator logs, serialized trees and storage blobs.

# Record layout

A record header comes in one of three shapes, picked by body size:

 1. Tiny (1 byte), bodies of 0-9 bytes written with a lowercase type:
    [('0' + body_length)]. The type is not preserved.

 2. Short (2 bytes), bodies up to 255 bytes:
    [lowercase_type, body_length]

 3. Long (5 bytes), bodies up to 2GB:
    [uppercase_type, body_length as uint32 little endian]

Record types are the letters A-Z. Passing an uppercase type to the
encoders never produces the tiny shape, so the encoding of a given
(type, body) pair is canonical. Everything persisted by mrindex uses
uppercase types; byte-exact re-encoding of serialized trees relies on it.

# Parsing

TakeWary/TakeAnyWary parse bytes read back from disk and return
ErrIncomplete or ErrBadRecord explicitly; TakeCanonical also insists on
the canonical header.

# Streaming

	bookmark, buf := OpenHeader(buf, 'X')
	buf = append(buf, data...)
	CloseHeader(buf, bookmark)
*/
package tlv

import (
	"bytes"
	"encoding/binary"
	"errors"
)

const CaseBit uint8 = 'a' - 'A'

// MaxBodyLen is the largest body a long header can describe.
const MaxBodyLen = 0x7fffffff

var (
	ErrIncomplete = errors.New("tlv: incomplete record")
	ErrBadRecord  = errors.New("tlv: bad record format")
)

// ProbeHeader reads a record header.
//
// Returns:
//   - lit: record type ('A'-'Z', '0' for tiny, '-' for error, 0 for incomplete)
//   - hdrlen: header length (1, 2, or 5 bytes)
//   - bodylen: body length in bytes
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
		if bl > MaxBodyLen {
			return '-', 0, 0
		}
		return dlit, 5, int(bl)
	default:
		return '-', 0, 0
	}
}

// AppendHeader appends a record header for a body of bodylen bytes.
// A lowercase lit enables the tiny shape.
func AppendHeader(into []byte, lit byte, bodylen int) []byte {
	biglit := lit &^ CaseBit
	if biglit < 'A' || biglit > 'Z' {
		panic("tlv: record type is A..Z")
	}
	switch {
	case bodylen < 10 && (lit&CaseBit) != 0:
		return append(into, byte('0'+bodylen))
	case bodylen > 0xff:
		if bodylen > MaxBodyLen {
			panic("tlv: oversized record")
		}
		into = append(into, biglit)
		return binary.LittleEndian.AppendUint32(into, uint32(bodylen))
	default:
		return append(into, biglit|CaseBit, byte(bodylen))
	}
}

// Append appends a complete record made of the concatenated body parts.
func Append(into []byte, lit byte, body ...[]byte) []byte {
	into = AppendHeader(into, lit, TotalLen(body))
	for _, b := range body {
		into = append(into, b...)
	}
	return into
}

// Record creates a standalone record.
func Record(lit byte, body ...[]byte) []byte {
	total := TotalLen(body)
	return Append(make([]byte, 0, total+5), lit, body...)
}

// TakeWary extracts a record of the given type from untrusted data.
func TakeWary(lit byte, data []byte) (body, rest []byte, err error) {
	flit, hdrlen, bodylen := ProbeHeader(data)
	if flit == '-' {
		return nil, nil, ErrBadRecord
	}
	if flit == 0 || hdrlen+bodylen > len(data) {
		return nil, data, ErrIncomplete
	}
	if flit != lit && flit != '0' {
		return nil, nil, ErrBadRecord
	}
	return data[hdrlen : hdrlen+bodylen], data[hdrlen+bodylen:], nil
}

// TakeCanonical is TakeWary for data that must be byte-exact: it also
// rejects any header Append would not write for an uppercase lit, such as
// the tiny shape or a long header on a short body.
func TakeCanonical(lit byte, data []byte) (body, rest []byte, err error) {
	body, rest, err = TakeWary(lit, data)
	if err != nil {
		return nil, rest, err
	}
	var canon [5]byte
	hdr := AppendHeader(canon[:0], lit&^CaseBit, len(body))
	if !bytes.HasPrefix(data, hdr) || len(data)-len(rest) != len(hdr)+len(body) {
		return nil, nil, ErrBadRecord
	}
	return body, rest, nil
}

// TakeAnyWary extracts the next record of any type from untrusted data.
func TakeAnyWary(data []byte) (lit byte, body, rest []byte, err error) {
	flit, hdrlen, bodylen := ProbeHeader(data)
	switch {
	case flit == '-':
		return 0, nil, nil, ErrBadRecord
	case flit == 0 || hdrlen+bodylen > len(data):
		return 0, nil, data, ErrIncomplete
	}
	return flit, data[hdrlen : hdrlen+bodylen], data[hdrlen+bodylen:], nil
}

func TotalLen(inputs [][]byte) (sum int) {
	for _, input := range inputs {
		sum += len(input)
	}
	return
}

// OpenHeader starts a long-shape record whose length is filled in by
// CloseHeader once the body has been appended.
func OpenHeader(buf []byte, lit byte) (bookmark int, res []byte) {
	lit &^= CaseBit
	if lit < 'A' || lit > 'Z' {
		panic("tlv: record type is A..Z")
	}
	res = append(buf, lit, 0, 0, 0, 0)
	return len(res), res
}

// CloseHeader writes the body length of a record started with OpenHeader.
func CloseHeader(buf []byte, bookmark int) {
	if bookmark < 5 || len(buf) < bookmark {
		panic("tlv: bad bookmark")
	}
	binary.LittleEndian.PutUint32(buf[bookmark-4:bookmark], uint32(len(buf)-bookmark))
}
