package storage

import (
	"encoding/binary"
	"fmt"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/drpcorg/mrindex/mrerrors"
)

// Compression selects how posting values at or above Options.CompressMin
// bytes are stored.
type Compression uint8

const (
	CompressionNone Compression = 0
	CompressionLZ4  Compression = 1
	CompressionZSTD Compression = 2
)

// DefaultCompressMin is the smallest value worth compressing.
const DefaultCompressMin = 256

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZSTD:
		return "zstd"
	}
	return fmt.Sprintf("compression(%d)", uint8(c))
}

func ParseCompression(s string) (Compression, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZSTD, nil
	}
	return CompressionNone, fmt.Errorf("unknown compression %q", s)
}

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil)
	return dec
}

// encodeValue produces flag byte + payload. Compressed payloads carry the
// raw length as a uvarint ahead of the compressed block. Values that do not
// shrink are stored raw.
func encodeValue(value []byte, c Compression, min int) []byte {
	if c == CompressionNone || len(value) < min || len(value) == 0 {
		return append([]byte{byte(CompressionNone)}, value...)
	}
	head := binary.AppendUvarint([]byte{byte(c)}, uint64(len(value)))
	var out []byte
	switch c {
	case CompressionLZ4:
		block := make([]byte, lz4.CompressBlockBound(len(value)))
		n, err := lz4.CompressBlock(value, block, nil)
		if err != nil || n == 0 {
			break
		}
		out = append(head, block[:n]...)
	case CompressionZSTD:
		enc := getZstdEncoder()
		out = enc.EncodeAll(value, head)
		zstdEncoderPool.Put(enc)
	}
	if out == nil || len(out) >= len(value)+1 {
		return append([]byte{byte(CompressionNone)}, value...)
	}
	return out
}

func decodeValue(stored []byte) ([]byte, error) {
	if len(stored) == 0 {
		return nil, fmt.Errorf("%w: empty value", mrerrors.ErrStorageCorrupted)
	}
	flag, body := Compression(stored[0]), stored[1:]
	if flag == CompressionNone {
		return body, nil
	}
	size, n := binary.Uvarint(body)
	if n <= 0 || size > 1<<31 {
		return nil, fmt.Errorf("%w: bad value length", mrerrors.ErrStorageCorrupted)
	}
	body = body[n:]
	switch flag {
	case CompressionLZ4:
		out := make([]byte, size)
		m, err := lz4.UncompressBlock(body, out)
		if err != nil || uint64(m) != size {
			return nil, fmt.Errorf("%w: lz4 value: %v", mrerrors.ErrStorageCorrupted, err)
		}
		return out, nil
	case CompressionZSTD:
		dec := getZstdDecoder()
		defer zstdDecoderPool.Put(dec)
		out, err := dec.DecodeAll(body, make([]byte, 0, size))
		if err != nil || uint64(len(out)) != size {
			return nil, fmt.Errorf("%w: zstd value: %v", mrerrors.ErrStorageCorrupted, err)
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: unknown value flag %d", mrerrors.ErrStorageCorrupted, flag)
}
