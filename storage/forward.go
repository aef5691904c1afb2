package storage

import (
	"errors"
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/cockroachdb/pebble"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/drpcorg/mrindex/mrerrors"
	"github.com/drpcorg/mrindex/progress"
)

// Forward is fingerprint -> set of key ids, stored as roaring bitmaps.
// Decoded sets are cached. Only the writer side fills the cache: from
// Txn.Commit and from reads made while staging, so a reader racing a
// commit can never plant a stale set.
type Forward struct {
	s     *Store
	cache *lru.Cache[FingerprintID, *roaring.Bitmap]
}

func decodeKeys(data []byte) (*roaring.Bitmap, error) {
	keys := roaring.New()
	if err := keys.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("%w: forward entry: %v", mrerrors.ErrStorageCorrupted, err)
	}
	return keys, nil
}

func (f *Forward) committed(fp FingerprintID, fill bool) (*roaring.Bitmap, error) {
	if keys, ok := f.cache.Get(fp); ok {
		return keys, nil
	}
	data, closer, err := f.s.db.Get(forwardKey(fp))
	if errors.Is(err, pebble.ErrNotFound) {
		return roaring.New(), nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	keys, err := decodeKeys(data)
	if err != nil {
		return nil, err
	}
	if fill {
		f.cache.Add(fp, keys)
	}
	return keys, nil
}

// KeysFor returns the keys fp currently contributes; empty if never indexed.
// The result is the caller's to modify.
func (f *Forward) KeysFor(fp FingerprintID) (*roaring.Bitmap, error) {
	keys, err := f.committed(fp, false)
	if err != nil {
		return nil, err
	}
	return keys.Clone(), nil
}

func (f *Forward) staged(txn *Txn, fp FingerprintID) (*roaring.Bitmap, error) {
	if keys, ok := txn.forward[fp]; ok {
		return keys, nil
	}
	return f.committed(fp, true)
}

// SetKeys stages keys as the new set for fp and returns the difference
// against the previous set.
func (f *Forward) SetKeys(txn *Txn, fp FingerprintID, keys *roaring.Bitmap) (added, removed *roaring.Bitmap, err error) {
	old, err := f.staged(txn, fp)
	if err != nil {
		return nil, nil, err
	}
	added = roaring.AndNot(keys, old)
	removed = roaring.AndNot(old, keys)
	next := keys.Clone()
	if next.IsEmpty() {
		err = txn.batch.Delete(forwardKey(fp), nil)
	} else {
		next.RunOptimize()
		var data []byte
		if data, err = next.MarshalBinary(); err == nil {
			err = txn.batch.Set(forwardKey(fp), data, nil)
		}
	}
	if err != nil {
		return nil, nil, err
	}
	txn.forward[fp] = next
	return added, removed, nil
}

// Remove stages the deletion of fp's entry and returns the keys it had.
func (f *Forward) Remove(txn *Txn, fp FingerprintID) (removed *roaring.Bitmap, err error) {
	_, removed, err = f.SetKeys(txn, fp, roaring.New())
	return removed, err
}

// All visits every forward entry in fingerprint order.
func (f *Forward) All(cp *progress.Checkpoint, fn func(fp FingerprintID, keys *roaring.Bitmap) bool) error {
	lower, upper := prefixRange(forwardPrefix)
	it, err := f.s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return err
	}
	defer it.Close()
	for valid := it.First(); valid; valid = it.Next() {
		if err := cp.Check(); err != nil {
			return err
		}
		fp, ok := parseForwardKey(it.Key())
		if !ok {
			return fmt.Errorf("%w: bad forward key %x", mrerrors.ErrStorageCorrupted, it.Key())
		}
		keys, err := decodeKeys(it.Value())
		if err != nil {
			return err
		}
		if !fn(fp, keys) {
			break
		}
	}
	return it.Error()
}
