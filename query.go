package mrindex

import (
	"context"
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/drpcorg/mrindex/enumerator"
	"github.com/drpcorg/mrindex/mrerrors"
	"github.com/drpcorg/mrindex/progress"
)

func (x *Index[I, K, V]) checkpoint(ctx context.Context) *progress.Checkpoint {
	return progress.New(ctx, x.opts.CheckpointEvery)
}

// GetData visits every file posting under key with the value it
// contributed, in fingerprint order, until fn returns false. The scan
// reads one consistent view of the index. fn must not call back into
// the index.
func (x *Index[I, K, V]) GetData(ctx context.Context, key K, fn func(fp FingerprintID, value V) bool) error {
	err := x.read(func() error {
		id, ok := x.keys.Lookup(x.ext.Keys.Symbol(key))
		if !ok {
			return nil
		}
		var readErr error
		err := x.store.Postings.Scan(id, x.checkpoint(ctx), func(fp FingerprintID, data []byte) bool {
			v, err := x.ext.Values.Read(data)
			if err != nil {
				readErr = fmt.Errorf("%w: value of %d in file %d: %w", mrerrors.ErrStorageCorrupted, id, fp, err)
				return false
			}
			return fn(fp, v)
		})
		if readErr != nil {
			return readErr
		}
		return err
	})
	QueryCount.WithLabelValues(x.opts.Name, "get", result(err)).Inc()
	return err
}

// scanRaw is GetData without decoding: fn gets the stored value bytes,
// valid only during the call.
func (x *Index[I, K, V]) scanRaw(ctx context.Context, key K, fn func(fp FingerprintID, data []byte) bool) error {
	return x.read(func() error {
		id, ok := x.keys.Lookup(x.ext.Keys.Symbol(key))
		if !ok {
			return nil
		}
		return x.store.Postings.Scan(id, x.checkpoint(ctx), fn)
	})
}

// Files lists the files posting under key.
func (x *Index[I, K, V]) Files(ctx context.Context, key K) ([]FingerprintID, error) {
	fps := []FingerprintID{}
	err := x.GetData(ctx, key, func(fp FingerprintID, _ V) bool {
		fps = append(fps, fp)
		return true
	})
	if err != nil {
		return nil, err
	}
	return fps, nil
}

func (x *Index[I, K, V]) Values(ctx context.Context, key K) (map[FingerprintID]V, error) {
	values := make(map[FingerprintID]V)
	err := x.GetData(ctx, key, func(fp FingerprintID, v V) bool {
		values[fp] = v
		return true
	})
	if err != nil {
		return nil, err
	}
	return values, nil
}

// Keys lists the keys fp contributes, as of the last Compute.
func (x *Index[I, K, V]) Keys(ctx context.Context, fp FingerprintID) (keys []K, err error) {
	err = x.read(func() error {
		set, err := x.store.Forward.KeysFor(fp)
		if err != nil {
			return err
		}
		keys, err = x.decodeKeys(x.checkpoint(ctx), set)
		return err
	})
	QueryCount.WithLabelValues(x.opts.Name, "keys", result(err)).Inc()
	return
}

func (x *Index[I, K, V]) decodeKeys(cp *progress.Checkpoint, set *roaring.Bitmap) ([]K, error) {
	keys := make([]K, 0, set.GetCardinality())
	it := set.Iterator()
	for it.HasNext() {
		if err := cp.Check(); err != nil {
			return nil, err
		}
		key, err := x.key(enumerator.SymbolID(it.Next()))
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func (x *Index[I, K, V]) key(id enumerator.SymbolID) (K, error) {
	var zero K
	symbol, err := x.keys.SymbolFor(id)
	if err != nil {
		return zero, fmt.Errorf("%w: %w", mrerrors.ErrStorageCorrupted, err)
	}
	key, err := x.ext.Keys.Key(symbol)
	if err != nil {
		return zero, fmt.Errorf("%w: key %q: %w", mrerrors.ErrStorageCorrupted, symbol, err)
	}
	return key, nil
}

// ProcessAllKeys visits every key that has at least one posting, until fn
// returns false.
func (x *Index[I, K, V]) ProcessAllKeys(ctx context.Context, fn func(key K) bool) error {
	err := x.read(func() error {
		var keyErr error
		err := x.store.Postings.Keys(x.checkpoint(ctx), func(id enumerator.SymbolID) bool {
			var key K
			if key, keyErr = x.key(id); keyErr != nil {
				return false
			}
			return fn(key)
		})
		if keyErr != nil {
			return keyErr
		}
		return err
	})
	QueryCount.WithLabelValues(x.opts.Name, "all_keys", result(err)).Inc()
	return err
}

// Verify checks that the postings and the forward entries describe the
// same key/file pairs, and that every id they mention is known. A
// mismatch is mrerrors.ErrStorageCorrupted and requests a rebuild.
func (x *Index[I, K, V]) Verify(ctx context.Context) error {
	x.writer.Lock()
	err := x.withHandles(func() error {
		return x.verify(x.checkpoint(ctx))
	})
	x.writer.Unlock()
	QueryCount.WithLabelValues(x.opts.Name, "verify", result(err)).Inc()
	return x.escalate(err)
}

func (x *Index[I, K, V]) verify(cp *progress.Checkpoint) error {
	reverse := make(map[FingerprintID]*roaring.Bitmap)
	var bad error
	err := x.store.Postings.All(cp, func(key enumerator.SymbolID, fp FingerprintID, _ []byte) bool {
		if int(key) > x.keys.Len() || int(fp) > x.files.Len() || key == enumerator.None || fp == 0 {
			bad = fmt.Errorf("%w: posting (%d, %d) names an unknown id", mrerrors.ErrStorageCorrupted, key, fp)
			return false
		}
		set, ok := reverse[fp]
		if !ok {
			set = roaring.New()
			reverse[fp] = set
		}
		set.Add(uint32(key))
		return true
	})
	if bad != nil {
		return bad
	}
	if err != nil {
		return err
	}
	err = x.store.Forward.All(cp, func(fp FingerprintID, keys *roaring.Bitmap) bool {
		set, ok := reverse[fp]
		if !ok || !set.Equals(keys) {
			bad = fmt.Errorf("%w: forward entry of file %d does not match its postings", mrerrors.ErrStorageCorrupted, fp)
			return false
		}
		delete(reverse, fp)
		return true
	})
	if bad != nil {
		return bad
	}
	if err != nil {
		return err
	}
	for fp := range reverse {
		return fmt.Errorf("%w: file %d has postings but no forward entry", mrerrors.ErrStorageCorrupted, fp)
	}
	x.log.DebugCtx(x.ctx, "index verified", "steps", cp.Steps())
	return nil
}
