// Package storage keeps the postings (key -> fingerprint -> value) and the
// forward index (fingerprint -> keys) of one index in a single pebble DB, so
// that one batch carries a whole update and a crash never splits it.
package storage

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/cockroachdb/pebble"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/drpcorg/mrindex/mrerrors"
	"github.com/drpcorg/mrindex/tlv"
)

// FormatVersion is the on-disk layout version; it is part of the stamp.
const FormatVersion = 1

// DefaultForwardCache is the number of decoded forward entries kept in memory.
const DefaultForwardCache = 4096

type Options struct {
	ReadOnly bool
	// SyncWrites makes every commit durable before it returns;
	// otherwise durability waits for Flush.
	SyncWrites   bool
	Compression  Compression
	CompressMin  int
	ForwardCache int
	// Version is the caller's indexer version. Changing it invalidates
	// the stored data.
	Version uint32
}

type Store struct {
	path      string
	opts      Options
	db        *pebble.DB
	writeOpts *pebble.WriteOptions

	Postings *Postings
	Forward  *Forward
}

func corruptedErr(path string, cause error) error {
	return errors.Join(fmt.Errorf("%w: %s", mrerrors.ErrStorageCorrupted, path), cause)
}

// Stamp is what the meta keyspace must hold for the given options.
func Stamp(version uint32) []byte {
	return tlv.ZipUint64Pair(FormatVersion, uint64(version))
}

// Open opens or creates the DB at path. Any failure to open, an absent
// stamp on a non-empty DB or a stamp mismatch is mrerrors.ErrStorageCorrupted.
func Open(path string, opts Options) (*Store, error) {
	if opts.CompressMin <= 0 {
		opts.CompressMin = DefaultCompressMin
	}
	if opts.ForwardCache <= 0 {
		opts.ForwardCache = DefaultForwardCache
	}
	if opts.ReadOnly {
		if _, err := os.Stat(path); err != nil {
			return nil, err
		}
	}
	db, err := pebble.Open(path, &pebble.Options{ReadOnly: opts.ReadOnly})
	if err != nil {
		return nil, corruptedErr(path, err)
	}
	s := &Store{
		path:      path,
		opts:      opts,
		db:        db,
		writeOpts: &pebble.WriteOptions{Sync: opts.SyncWrites},
	}
	if err := s.checkStamp(); err != nil {
		_ = db.Close()
		return nil, err
	}
	cache, err := lru.New[FingerprintID, *roaring.Bitmap](opts.ForwardCache)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.Postings = &Postings{s: s}
	s.Forward = &Forward{s: s, cache: cache}
	return s, nil
}

func (s *Store) checkStamp() error {
	want := Stamp(s.opts.Version)
	have, closer, err := s.db.Get(stampKey)
	if err == nil {
		defer closer.Close()
		if !bytes.Equal(have, want) {
			format, version, _ := tlv.UnzipUint64Pair(have)
			return fmt.Errorf("%w: %s: stamp format %d version %d, want format %d version %d",
				mrerrors.ErrStorageCorrupted, s.path, format, version, FormatVersion, s.opts.Version)
		}
		return nil
	}
	if !errors.Is(err, pebble.ErrNotFound) {
		return corruptedErr(s.path, err)
	}
	empty, err := s.empty()
	if err != nil {
		return corruptedErr(s.path, err)
	}
	if !empty {
		return fmt.Errorf("%w: %s: data without a version stamp", mrerrors.ErrStorageCorrupted, s.path)
	}
	if s.opts.ReadOnly {
		return nil
	}
	return s.db.Set(stampKey, want, pebble.Sync)
}

func (s *Store) empty() (bool, error) {
	it, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return false, err
	}
	defer it.Close()
	return !it.First(), it.Error()
}

func (s *Store) Metrics() *pebble.Metrics {
	return s.db.Metrics()
}

// Flush makes every committed transaction durable.
func (s *Store) Flush() error {
	if s.opts.ReadOnly {
		return nil
	}
	return s.db.Flush()
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Watermark returns the symbol count recorded for the named enumerator by
// the last commit, 0 if none was.
func (s *Store) Watermark(name string) (int, error) {
	data, closer, err := s.db.Get(watermarkKey(name))
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer closer.Close()
	return int(tlv.UnzipUint64(data)), nil
}

// Txn is the write-intent token: every mutation of postings and forward
// entries is staged in it and becomes visible at once on Commit.
type Txn struct {
	s       *Store
	batch   *pebble.Batch
	forward map[FingerprintID]*roaring.Bitmap
	closed  bool
}

func (s *Store) Begin() (*Txn, error) {
	if s.opts.ReadOnly {
		return nil, fmt.Errorf("%w: %s", mrerrors.ErrReadOnly, s.path)
	}
	if s.db == nil {
		return nil, mrerrors.ErrDisposed
	}
	return &Txn{
		s:       s,
		batch:   s.db.NewBatch(),
		forward: make(map[FingerprintID]*roaring.Bitmap),
	}, nil
}

// SetWatermark records how many symbols the named enumerator holds, so an
// enumerator that later comes back shorter is caught on open.
func (t *Txn) SetWatermark(name string, n int) error {
	return t.batch.Set(watermarkKey(name), tlv.ZipUint64(uint64(n)), nil)
}

func (t *Txn) Commit() error {
	if t.closed {
		return errors.New("storage: transaction already closed")
	}
	t.closed = true
	defer t.batch.Close()
	if t.batch.Empty() {
		return nil
	}
	if err := t.batch.Commit(t.s.writeOpts); err != nil {
		return err
	}
	for fp, keys := range t.forward {
		if keys.IsEmpty() {
			t.s.Forward.cache.Remove(fp)
		} else {
			t.s.Forward.cache.Add(fp, keys)
		}
	}
	return nil
}

// Discard drops everything staged. Safe to call after Commit.
func (t *Txn) Discard() {
	if t.closed {
		return
	}
	t.closed = true
	_ = t.batch.Close()
}
