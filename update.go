package mrindex

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/sourcegraph/conc/pool"

	"github.com/drpcorg/mrindex/enumerator"
	"github.com/drpcorg/mrindex/mrerrors"
	"github.com/drpcorg/mrindex/progress"
)

var ErrAlreadyApplied = errors.New("mrindex: update already applied")

type entry[V any] struct {
	data  []byte
	value V
}

// PendingUpdate is the planned change of one file's postings. Nothing is
// written until Compute.
type PendingUpdate[I any, K comparable, V any] struct {
	x       *Index[I, K, V]
	fp      FingerprintID
	entries map[enumerator.SymbolID]entry[V]
	keys    *roaring.Bitmap
	added   *roaring.Bitmap
	removed *roaring.Bitmap
	// storage generation the keys were interned in
	gen uint64
	// commit counter the diff was taken at
	seq     uint64
	applied bool
}

// Update runs the indexer over input and plans the change of fp's postings.
func (x *Index[I, K, V]) Update(ctx context.Context, fp FingerprintID, input I) (*PendingUpdate[I, K, V], error) {
	data, err := x.ext.Indexer(input)
	if err != nil {
		return nil, fmt.Errorf("mrindex: indexer: %w", err)
	}
	return x.plan(ctx, fp, data)
}

// Remove plans the retraction of everything fp contributes, as for a
// deleted file.
func (x *Index[I, K, V]) Remove(ctx context.Context, fp FingerprintID) (*PendingUpdate[I, K, V], error) {
	return x.plan(ctx, fp, nil)
}

func (x *Index[I, K, V]) plan(ctx context.Context, fp FingerprintID, data map[K]V) (p *PendingUpdate[I, K, V], err error) {
	if fp == 0 {
		return nil, errors.New("mrindex: fingerprint 0 is reserved")
	}
	if x.opts.ReadOnly {
		return nil, fmt.Errorf("%w: %s", mrerrors.ErrReadOnly, x.opts.Name)
	}
	err = x.read(func() error {
		p, err = x.prepare(ctx, fp, data)
		return err
	})
	return p, err
}

// prepare interns the keys and diffs against storage. The caller pins
// the handles.
func (x *Index[I, K, V]) prepare(ctx context.Context, fp FingerprintID, data map[K]V) (*PendingUpdate[I, K, V], error) {
	cp := progress.New(ctx, x.opts.CheckpointEvery)
	p := &PendingUpdate[I, K, V]{
		x:       x,
		fp:      fp,
		entries: make(map[enumerator.SymbolID]entry[V], len(data)),
		keys:    roaring.New(),
		gen:     x.generation.Load(),
	}
	for k, v := range data {
		if err := cp.Check(); err != nil {
			return nil, err
		}
		id, err := x.keys.IDFor(x.ext.Keys.Symbol(k))
		if err != nil {
			return nil, err
		}
		saved, err := x.ext.Values.Save(v)
		if err != nil {
			return nil, fmt.Errorf("mrindex: save value: %w", err)
		}
		// keys folding into one symbol keep the smallest value
		if prev, dup := p.entries[id]; dup && bytes.Compare(prev.data, saved) <= 0 {
			continue
		}
		p.entries[id] = entry[V]{data: saved, value: v}
		p.keys.Add(uint32(id))
	}
	if err := p.diff(cp); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *PendingUpdate[I, K, V]) diff(cp *progress.Checkpoint) error {
	x := p.x
	p.seq = x.commits.Load()
	old, err := x.store.Forward.KeysFor(p.fp)
	if err != nil {
		return err
	}
	p.removed = roaring.AndNot(old, p.keys)
	p.added = roaring.New()
	it := p.keys.Iterator()
	for it.HasNext() {
		if err := cp.Check(); err != nil {
			return err
		}
		id := it.Next()
		if old.Contains(id) {
			same, err := x.sameValue(enumerator.SymbolID(id), p.fp, p.entries[enumerator.SymbolID(id)])
			if err != nil {
				return err
			}
			if same {
				continue
			}
		}
		p.added.Add(id)
	}
	return nil
}

func (x *Index[I, K, V]) sameValue(key enumerator.SymbolID, fp FingerprintID, fresh entry[V]) (bool, error) {
	stored, ok, err := x.store.Postings.Value(key, fp)
	if err != nil || !ok {
		return false, err
	}
	if x.ext.ValuesEqual == nil {
		return bytes.Equal(stored, fresh.data), nil
	}
	value, err := x.ext.Values.Read(stored)
	if err != nil {
		return false, fmt.Errorf("%w: read value: %w", mrerrors.ErrStorageCorrupted, err)
	}
	return x.ext.ValuesEqual(value, fresh.value), nil
}

// Added lists the key ids whose postings Compute will write.
func (p *PendingUpdate[I, K, V]) Added() []enumerator.SymbolID {
	return toIDs(p.added)
}

// Removed lists the key ids whose postings Compute will retract.
func (p *PendingUpdate[I, K, V]) Removed() []enumerator.SymbolID {
	return toIDs(p.removed)
}

func (p *PendingUpdate[I, K, V]) Fingerprint() FingerprintID {
	return p.fp
}

func toIDs(b *roaring.Bitmap) []enumerator.SymbolID {
	ids := make([]enumerator.SymbolID, 0, b.GetCardinality())
	it := b.Iterator()
	for it.HasNext() {
		ids = append(ids, enumerator.SymbolID(it.Next()))
	}
	return ids
}

// Compute applies the update in one storage transaction: retractions,
// new postings and the new forward entry become visible together. If
// anything was committed since the update was planned, the delta is
// taken again first, so updates of one file land in Compute order.
// A canceled Compute writes nothing.
func (p *PendingUpdate[I, K, V]) Compute(ctx context.Context) error {
	x := p.x
	start := time.Now()
	x.writer.Lock()
	err := x.withHandles(func() error {
		return p.apply(ctx)
	})
	x.writer.Unlock()
	UpdateCount.WithLabelValues(x.opts.Name, result(err)).Inc()
	UpdateDuration.WithLabelValues(x.opts.Name).Observe(float64(time.Since(start).Milliseconds()))
	return x.escalate(err)
}

// apply runs under the writer lock.
func (p *PendingUpdate[I, K, V]) apply(ctx context.Context) error {
	if p.applied {
		return ErrAlreadyApplied
	}
	x := p.x
	if p.gen != x.generation.Load() {
		return fmt.Errorf("%w: update planned before a rebuild", mrerrors.ErrIndexUnavailable)
	}
	cp := progress.New(ctx, x.opts.CheckpointEvery)
	if x.commits.Load() != p.seq {
		if err := p.diff(cp); err != nil {
			return err
		}
	}
	if p.added.IsEmpty() && p.removed.IsEmpty() {
		p.applied = true
		return nil
	}
	txn, err := x.store.Begin()
	if err != nil {
		return err
	}
	defer txn.Discard()

	it := p.removed.Iterator()
	for it.HasNext() {
		if err := cp.Check(); err != nil {
			return err
		}
		if err := x.store.Postings.Remove(txn, enumerator.SymbolID(it.Next()), p.fp); err != nil {
			return err
		}
	}
	it = p.added.Iterator()
	for it.HasNext() {
		if err := cp.Check(); err != nil {
			return err
		}
		id := enumerator.SymbolID(it.Next())
		if err := x.store.Postings.Put(txn, id, p.fp, p.entries[id].data); err != nil {
			return err
		}
	}
	if _, _, err := x.store.Forward.SetKeys(txn, p.fp, p.keys); err != nil {
		return err
	}
	marks := []error{
		txn.SetWatermark(keysWatermark, x.keys.Len()),
		txn.SetWatermark(filesWatermark, x.files.Len()),
	}
	for _, name := range x.tableNames {
		marks = append(marks, txn.SetWatermark(name, x.tables[name].Len()))
	}
	if err := errors.Join(marks...); err != nil {
		return err
	}
	if err := cp.Now(); err != nil {
		return err
	}
	if err := txn.Commit(); err != nil {
		return err
	}
	x.commits.Add(1)
	p.applied = true
	PostingChanges.WithLabelValues(x.opts.Name, "added").Add(float64(p.added.GetCardinality()))
	PostingChanges.WithLabelValues(x.opts.Name, "removed").Add(float64(p.removed.GetCardinality()))
	return nil
}

// BulkUpdate indexes many files: indexers run on up to workers goroutines,
// commits happen one by one in input order. It stops at the first error;
// files committed before it stay committed.
func (x *Index[I, K, V]) BulkUpdate(ctx context.Context, inputs iter.Seq2[string, I], workers int) (int, error) {
	type job struct {
		path  string
		input I
	}
	jobs := []job{}
	for path, input := range inputs {
		jobs = append(jobs, job{path, input})
	}
	if workers < 1 {
		workers = 1
	}
	plans := make([]*PendingUpdate[I, K, V], len(jobs))
	p := pool.New().WithMaxGoroutines(workers).WithContext(ctx).WithCancelOnError()
	for i, j := range jobs {
		p.Go(func(ctx context.Context) error {
			fp, err := x.Fingerprint(j.path)
			if err != nil {
				return err
			}
			plans[i], err = x.Update(ctx, fp, j.input)
			if err != nil {
				return fmt.Errorf("%s: %w", j.path, err)
			}
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return 0, err
	}
	for i, plan := range plans {
		if err := plan.Compute(ctx); err != nil {
			return i, fmt.Errorf("%s: %w", jobs[i].path, err)
		}
	}
	x.log.DebugCtx(x.ctx, "bulk update", "files", len(plans), "workers", workers)
	return len(plans), nil
}
