// Package mrindex is a persistent incremental map-reduce index: an indexer
// maps each file to key/value pairs, the index keeps key -> files postings
// plus a per-file forward entry, and re-indexing a file only retracts and
// adds what changed.
//
// An index lives in Options.Dir as a handful of files named after
// Options.Name:
//
//	<name>.keys   key symbols, append-only
//	<name>.files  file paths, append-only; position is the FingerprintID
//	<name>.db/    pebble: postings, forward entries, version stamp
//	<name>.lock   advisory lock held while the index is open
//
// Extensions may keep more append-only tables next to these, such as the
// kind table of a TreeIndex; they are watermarked, flushed and rebuilt
// with the rest.
//
// Many goroutines may query an index at once. Writes (Compute, Flush,
// Rebuild) are serialized by the index itself. Corruption found on open or
// while reading marks the index unavailable and calls
// Options.OnRebuildRequested once; queries fail with
// mrerrors.ErrIndexUnavailable until Rebuild succeeds.
package mrindex

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/drpcorg/mrindex/enumerator"
	"github.com/drpcorg/mrindex/mrerrors"
	"github.com/drpcorg/mrindex/storage"
	"github.com/drpcorg/mrindex/utils"
)

type FingerprintID = storage.FingerprintID

type state int32

const (
	stateReady state = iota
	stateUnavailable
	stateRebuilding
	stateDisposed
)

func (s state) String() string {
	switch s {
	case stateReady:
		return "ready"
	case stateUnavailable:
		return "unavailable"
	case stateRebuilding:
		return "rebuilding"
	case stateDisposed:
		return "disposed"
	}
	return "unknown"
}

const (
	keysWatermark  = "keys"
	filesWatermark = "files"
)

type Index[I any, K comparable, V any] struct {
	opts Options
	ext  Extension[I, K, V]
	log  utils.Logger
	ctx  context.Context

	// writer serializes Compute, Flush, Verify, Rebuild and Dispose;
	// it is always taken before mu.
	writer sync.Mutex
	// mu guards the handles: readers hold it shared, swapping or closing
	// handles takes it exclusively.
	mu    sync.RWMutex
	keys  *enumerator.File
	files *enumerator.File
	store *storage.Store
	lock  *fileLock
	// tables are extra enumerators, <name>.<table>, by table name
	tableNames []string
	tables     map[string]*enumerator.File

	state     atomic.Int32
	requested atomic.Bool
	causeMu   sync.Mutex
	cause     error
	episode   string
	commits   atomic.Uint64
	// generation counts storage reopenings by Rebuild
	generation atomic.Uint64
}

// Open opens or creates the index. If the stored data turns out to be
// corrupted, or was written by another Version, Open still returns the
// index: it is unavailable, and OnRebuildRequested has already been
// called, from within Open.
func Open[I any, K comparable, V any](opts Options, ext Extension[I, K, V]) (*Index[I, K, V], error) {
	return open(opts, ext)
}

func open[I any, K comparable, V any](opts Options, ext Extension[I, K, V], tables ...string) (*Index[I, K, V], error) {
	opts.SetDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if err := ext.validate(); err != nil {
		return nil, err
	}
	if !opts.ReadOnly {
		if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
			return nil, err
		}
	}
	lock, err := lockFile(opts.path(".lock"), opts.ReadOnly)
	if err != nil {
		return nil, err
	}
	x := &Index[I, K, V]{
		opts: opts,
		ext:  ext,
		log:  opts.Logger,
		ctx:  utils.WithDefaultArgs(context.Background(), "index", opts.Name),
		lock: lock,

		tableNames: tables,
	}
	if err := x.openStorages(); err != nil {
		if !errors.Is(err, mrerrors.ErrStorageCorrupted) {
			_ = lock.release()
			return nil, err
		}
		x.RequestRebuild(err)
		return x, nil
	}
	x.setState(stateReady)
	x.log.InfoCtx(x.ctx, "index open", "dir", opts.Dir, "keys", x.keys.Len(), "files", x.files.Len(), "read_only", opts.ReadOnly)
	return x, nil
}

func (x *Index[I, K, V]) openStorages() (err error) {
	eopts := enumerator.FileOptions{ReadOnly: x.opts.ReadOnly, Sync: x.opts.SyncWrites}
	defer func() {
		if err != nil {
			_ = x.closeStorages()
		}
	}()
	if x.keys, err = enumerator.Open(x.opts.path(".keys"), eopts); err != nil {
		return err
	}
	if x.files, err = enumerator.Open(x.opts.path(".files"), eopts); err != nil {
		return err
	}
	if x.store, err = storage.Open(x.opts.path(".db"), x.opts.storageOptions()); err != nil {
		return err
	}
	type marked struct {
		name string
		enum *enumerator.File
	}
	checks := []marked{{keysWatermark, x.keys}, {filesWatermark, x.files}}
	x.tables = make(map[string]*enumerator.File, len(x.tableNames))
	for _, name := range x.tableNames {
		table, err := enumerator.Open(x.opts.path("."+name), eopts)
		if err != nil {
			return err
		}
		x.tables[name] = table
		checks = append(checks, marked{name, table})
	}
	for _, e := range checks {
		if e.enum.Truncated() > 0 {
			x.log.WarnCtx(x.ctx, "cut torn enumerator tail", "path", e.enum.Path(), "bytes", e.enum.Truncated())
		}
		mark, err := x.store.Watermark(e.name)
		if err != nil {
			return errors.Join(mrerrors.ErrStorageCorrupted, err)
		}
		if e.enum.Len() < mark {
			return fmt.Errorf("%w: %s has %d symbols, storage references %d",
				mrerrors.ErrStorageCorrupted, e.enum.Path(), e.enum.Len(), mark)
		}
	}
	return nil
}

func (x *Index[I, K, V]) closeStorages() error {
	var errs []error
	if x.keys != nil {
		errs = append(errs, x.keys.Close())
		x.keys = nil
	}
	if x.files != nil {
		errs = append(errs, x.files.Close())
		x.files = nil
	}
	if x.store != nil {
		errs = append(errs, x.store.Close())
		x.store = nil
	}
	for _, table := range x.tables {
		errs = append(errs, table.Close())
	}
	x.tables = nil
	return errors.Join(errs...)
}

func (x *Index[I, K, V]) setState(s state) {
	x.state.Store(int32(s))
	IndexState.WithLabelValues(x.opts.Name).Set(float64(s))
}

func (x *Index[I, K, V]) available() error {
	switch state(x.state.Load()) {
	case stateReady:
		return nil
	case stateDisposed:
		return mrerrors.ErrDisposed
	}
	return fmt.Errorf("%w: %s is %s", mrerrors.ErrIndexUnavailable, x.opts.Name, state(x.state.Load()))
}

// withHandles runs fn with the handles pinned, if the index is ready.
func (x *Index[I, K, V]) withHandles(fn func() error) error {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if err := x.available(); err != nil {
		return err
	}
	return fn()
}

// escalate turns corruption into a rebuild request. Callers must not hold
// any index lock, since the hook may start a rebuild.
func (x *Index[I, K, V]) escalate(err error) error {
	if err != nil && errors.Is(err, mrerrors.ErrStorageCorrupted) {
		x.RequestRebuild(err)
	}
	return err
}

func (x *Index[I, K, V]) read(fn func() error) error {
	return x.escalate(x.withHandles(fn))
}

// RequestRebuild marks the index unavailable and calls the rebuild hook,
// once per corruption episode; later requests in the same episode are
// dropped. The episode ends when Rebuild succeeds.
func (x *Index[I, K, V]) RequestRebuild(cause error) {
	if !x.requested.CompareAndSwap(false, true) {
		return
	}
	x.state.CompareAndSwap(int32(stateReady), int32(stateUnavailable))
	IndexState.WithLabelValues(x.opts.Name).Set(float64(x.state.Load()))
	x.causeMu.Lock()
	x.cause = cause
	x.episode = uuid.NewString()
	ctx := utils.WithDefaultArgs(x.ctx, "episode", x.episode)
	x.causeMu.Unlock()

	RebuildRequests.WithLabelValues(x.opts.Name).Inc()
	x.log.ErrorCtx(ctx, "index needs rebuild", "cause", cause)
	if x.opts.OnRebuildRequested != nil {
		x.opts.OnRebuildRequested(cause)
	}
}

// Status reports the lifecycle state and, while a rebuild is pending,
// what caused it.
func (x *Index[I, K, V]) Status() (string, error) {
	x.causeMu.Lock()
	defer x.causeMu.Unlock()
	s := state(x.state.Load())
	if s == stateReady {
		return s.String(), nil
	}
	return s.String(), x.cause
}

func (x *Index[I, K, V]) Name() string {
	return x.opts.Name
}

// Fingerprint returns the id of path, assigning one on first use.
func (x *Index[I, K, V]) Fingerprint(path string) (fp FingerprintID, err error) {
	err = x.read(func() error {
		id, err := x.files.IDFor(path)
		fp = FingerprintID(id)
		return err
	})
	return
}

// LookupFingerprint never assigns.
func (x *Index[I, K, V]) LookupFingerprint(path string) (fp FingerprintID, ok bool, err error) {
	err = x.read(func() error {
		var id enumerator.SymbolID
		id, ok = x.files.Lookup(path)
		fp = FingerprintID(id)
		return nil
	})
	return
}

func (x *Index[I, K, V]) Path(fp FingerprintID) (path string, err error) {
	err = x.read(func() error {
		path, err = x.files.SymbolFor(enumerator.SymbolID(fp))
		return err
	})
	return
}

// Flush makes everything computed so far durable.
func (x *Index[I, K, V]) Flush() error {
	x.writer.Lock()
	err := x.withHandles(x.flushHandles)
	x.writer.Unlock()
	return x.escalate(err)
}

// flushHandles syncs the tables before the storage that refers to them.
func (x *Index[I, K, V]) flushHandles() error {
	var errs []error
	for _, name := range x.tableNames {
		errs = append(errs, x.tables[name].Sync())
	}
	errs = append(errs, x.keys.Sync(), x.files.Sync(), x.store.Flush())
	return errors.Join(errs...)
}

// table returns the extra enumerator name; the caller pins the handles.
func (x *Index[I, K, V]) table(name string) *enumerator.File {
	return x.tables[name]
}

// Dispose flushes and releases everything. Any later call fails with
// mrerrors.ErrDisposed, Dispose included.
func (x *Index[I, K, V]) Dispose() error {
	x.writer.Lock()
	defer x.writer.Unlock()
	x.mu.Lock()
	defer x.mu.Unlock()
	if state(x.state.Load()) == stateDisposed {
		return mrerrors.ErrDisposed
	}
	var err error
	if state(x.state.Load()) == stateReady {
		err = x.flushHandles()
	}
	x.setState(stateDisposed)
	err = errors.Join(err, x.closeStorages(), x.lock.release())
	x.log.InfoCtx(x.ctx, "index disposed", "err", err)
	return err
}
