package mrindex

import (
	"fmt"
	"strconv"

	"golang.org/x/text/cases"

	"github.com/drpcorg/mrindex/tlv"
)

// Indexer maps one input (file content, a parsed tree) to the keys it
// contributes and the value under each. It must be pure: the same input
// always yields the same map.
type Indexer[I any, K comparable, V any] func(input I) (map[K]V, error)

// KeyDescriptor turns keys into the symbols the key enumerator interns.
// Keys that should be treated as equal must map to the same symbol.
type KeyDescriptor[K any] interface {
	Symbol(key K) string
	Key(symbol string) (K, error)
}

// DataExternalizer turns values into the bytes kept in postings.
type DataExternalizer[V any] interface {
	Save(value V) ([]byte, error)
	Read(data []byte) (V, error)
}

// Extension is what a concrete index plugs into the engine.
type Extension[I any, K comparable, V any] struct {
	Indexer Indexer[I, K, V]
	Keys    KeyDescriptor[K]
	Values  DataExternalizer[V]
	// ValuesEqual, if set, decides whether a stored value needs rewriting.
	// Without it values are compared as externalized bytes.
	ValuesEqual func(stored, fresh V) bool
}

func (e Extension[I, K, V]) validate() error {
	switch {
	case e.Indexer == nil:
		return fmt.Errorf("mrindex: extension has no indexer")
	case e.Keys == nil:
		return fmt.Errorf("mrindex: extension has no key descriptor")
	case e.Values == nil:
		return fmt.Errorf("mrindex: extension has no value externalizer")
	}
	return nil
}

type StringKeys struct{}

func (StringKeys) Symbol(key string) string {
	return key
}

func (StringKeys) Key(symbol string) (string, error) {
	return symbol, nil
}

// CaseInsensitiveKeys folds case with Unicode simple folding, so "Word",
// "WORD" and "word" share one posting list. Keys read back are folded.
type CaseInsensitiveKeys struct{}

func (CaseInsensitiveKeys) Symbol(key string) string {
	// a Caser keeps state between calls
	return cases.Fold().String(key)
}

func (CaseInsensitiveKeys) Key(symbol string) (string, error) {
	return symbol, nil
}

type IntKeys struct{}

func (IntKeys) Symbol(key int64) string {
	return strconv.FormatInt(key, 10)
}

func (IntKeys) Key(symbol string) (int64, error) {
	return strconv.ParseInt(symbol, 10, 64)
}

// VoidValues is for indices that only care which files have a key.
type VoidValues struct{}

func (VoidValues) Save(struct{}) ([]byte, error) {
	return nil, nil
}

func (VoidValues) Read([]byte) (struct{}, error) {
	return struct{}{}, nil
}

type BytesValues struct{}

func (BytesValues) Save(value []byte) ([]byte, error) {
	return value, nil
}

func (BytesValues) Read(data []byte) ([]byte, error) {
	return append([]byte(nil), data...), nil
}

type StringValues struct{}

func (StringValues) Save(value string) ([]byte, error) {
	return []byte(value), nil
}

func (StringValues) Read(data []byte) (string, error) {
	return string(data), nil
}

// CountValues stores an int64 as zigzag-zipped bytes; zero takes none.
type CountValues struct{}

func (CountValues) Save(value int64) ([]byte, error) {
	return tlv.ZipUint64(tlv.ZigZagInt64(value)), nil
}

func (CountValues) Read(data []byte) (int64, error) {
	if len(data) > 8 {
		return 0, fmt.Errorf("mrindex: count of %d bytes", len(data))
	}
	return tlv.ZagZigUint64(tlv.UnzipUint64(data)), nil
}
