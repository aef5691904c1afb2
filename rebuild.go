package mrindex

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"os"
	"time"

	"github.com/drpcorg/mrindex/mrerrors"
	"github.com/drpcorg/mrindex/utils"
)

// Rebuild discards everything the index stored and indexes inputs, pairs
// of file path and indexer input, from scratch. Queries fail with
// mrerrors.ErrIndexUnavailable until it returns. On success the
// corruption episode is over; on failure the index stays unavailable and
// Rebuild may be called again.
func (x *Index[I, K, V]) Rebuild(ctx context.Context, inputs iter.Seq2[string, I]) error {
	if x.opts.ReadOnly {
		return fmt.Errorf("%w: %s", mrerrors.ErrReadOnly, x.opts.Name)
	}
	x.writer.Lock()
	defer x.writer.Unlock()
	start := time.Now()

	x.mu.Lock()
	if state(x.state.Load()) == stateDisposed {
		x.mu.Unlock()
		return mrerrors.ErrDisposed
	}
	x.setState(stateRebuilding)
	x.causeMu.Lock()
	ctxLog := x.ctx
	if x.episode != "" {
		ctxLog = utils.WithDefaultArgs(ctxLog, "episode", x.episode)
	}
	x.causeMu.Unlock()
	x.log.InfoCtx(ctxLog, "rebuild started")
	err := x.reset()
	x.mu.Unlock()

	if err == nil {
		err = x.replay(ctx, inputs)
	}
	if err != nil {
		x.setState(stateUnavailable)
		x.causeMu.Lock()
		x.cause = err
		x.causeMu.Unlock()
		x.log.ErrorCtx(ctxLog, "rebuild failed", "err", err)
		return err
	}

	x.causeMu.Lock()
	x.cause = nil
	x.episode = ""
	x.causeMu.Unlock()
	x.requested.Store(false)
	x.setState(stateReady)
	RebuildDuration.WithLabelValues(x.opts.Name).Observe(time.Since(start).Seconds())
	x.log.InfoCtx(ctxLog, "rebuild done", "keys", x.keys.Len(), "files", x.files.Len(), "took", time.Since(start))
	return nil
}

// reset wipes the files of the index and opens empty storages. It runs
// with mu held exclusively.
func (x *Index[I, K, V]) reset() error {
	err := x.closeStorages()
	if err != nil {
		x.log.WarnCtx(x.ctx, "closing storages before rebuild", "err", err)
	}
	exts := []string{".db", ".keys", ".files"}
	for _, name := range x.tableNames {
		exts = append(exts, "."+name)
	}
	for _, ext := range exts {
		if err := os.RemoveAll(x.opts.path(ext)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	x.generation.Add(1)
	return x.openStorages()
}

func (x *Index[I, K, V]) replay(ctx context.Context, inputs iter.Seq2[string, I]) error {
	cp := x.checkpoint(ctx).OnProgress(func(steps int) {
		x.log.DebugCtx(x.ctx, "rebuild progress", "files", steps)
	})
	for path, input := range inputs {
		if err := cp.Check(); err != nil {
			return err
		}
		id, err := x.files.IDFor(path)
		if err != nil {
			return err
		}
		data, err := x.ext.Indexer(input)
		if err != nil {
			return fmt.Errorf("mrindex: indexer: %s: %w", path, err)
		}
		p, err := x.prepare(ctx, FingerprintID(id), data)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		if err := p.apply(ctx); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}
	return x.flushHandles()
}
