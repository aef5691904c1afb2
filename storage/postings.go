package storage

import (
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/drpcorg/mrindex/enumerator"
	"github.com/drpcorg/mrindex/mrerrors"
	"github.com/drpcorg/mrindex/progress"
)

// Postings is the reverse index: key -> {fingerprint -> value}.
type Postings struct {
	s *Store
}

// Scan visits the postings of key in fingerprint order until fn returns
// false. The iterator reads one point-in-time view of the DB, so a scan
// never observes half of a commit. cp is consulted before every posting.
func (p *Postings) Scan(key enumerator.SymbolID, cp *progress.Checkpoint, fn func(fp FingerprintID, value []byte) bool) error {
	lower, upper := postingRange(key)
	it, err := p.s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return err
	}
	defer it.Close()
	for valid := it.First(); valid; valid = it.Next() {
		if err := cp.Check(); err != nil {
			return err
		}
		_, fp, ok := parsePostingKey(it.Key())
		if !ok {
			return fmt.Errorf("%w: bad posting key %x", mrerrors.ErrStorageCorrupted, it.Key())
		}
		value, err := decodeValue(it.Value())
		if err != nil {
			return err
		}
		if !fn(fp, value) {
			break
		}
	}
	return it.Error()
}

// Value returns the decoded value key has for fp.
func (p *Postings) Value(key enumerator.SymbolID, fp FingerprintID) ([]byte, bool, error) {
	stored, closer, err := p.s.db.Get(postingKey(key, fp))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer closer.Close()
	value, err := decodeValue(stored)
	if err != nil {
		return nil, false, err
	}
	// stored bytes belong to pebble until closer.Close
	return append([]byte(nil), value...), true, nil
}

// Put stages the value key has for fp, replacing any previous one.
func (p *Postings) Put(txn *Txn, key enumerator.SymbolID, fp FingerprintID, value []byte) error {
	return txn.batch.Set(postingKey(key, fp), encodeValue(value, p.s.opts.Compression, p.s.opts.CompressMin), nil)
}

func (p *Postings) Remove(txn *Txn, key enumerator.SymbolID, fp FingerprintID) error {
	return txn.batch.Delete(postingKey(key, fp), nil)
}

// Keys visits every key that has at least one posting, in id order.
func (p *Postings) Keys(cp *progress.Checkpoint, fn func(key enumerator.SymbolID) bool) error {
	lower, upper := prefixRange(postingPrefix)
	it, err := p.s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return err
	}
	defer it.Close()
	for valid := it.First(); valid; {
		if err := cp.Check(); err != nil {
			return err
		}
		key, _, ok := parsePostingKey(it.Key())
		if !ok {
			return fmt.Errorf("%w: bad posting key %x", mrerrors.ErrStorageCorrupted, it.Key())
		}
		if !fn(key) {
			break
		}
		_, next := postingRange(key)
		valid = it.SeekGE(next)
	}
	return it.Error()
}

// All visits every posting ordered by key, then fingerprint.
func (p *Postings) All(cp *progress.Checkpoint, fn func(key enumerator.SymbolID, fp FingerprintID, value []byte) bool) error {
	lower, upper := prefixRange(postingPrefix)
	it, err := p.s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return err
	}
	defer it.Close()
	for valid := it.First(); valid; valid = it.Next() {
		if err := cp.Check(); err != nil {
			return err
		}
		key, fp, ok := parsePostingKey(it.Key())
		if !ok {
			return fmt.Errorf("%w: bad posting key %x", mrerrors.ErrStorageCorrupted, it.Key())
		}
		value, err := decodeValue(it.Value())
		if err != nil {
			return err
		}
		if !fn(key, fp, value) {
			break
		}
	}
	return it.Error()
}
