// Package progress is the cooperative cancellation point consulted by every
// loop whose length grows with the index: postings scans, forward scans,
// tree walks and rebuild replays.
package progress

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/drpcorg/mrindex/mrerrors"
)

// DefaultEvery is the check interval used when none is configured.
const DefaultEvery = 64

// Checkpoint is owned by one call; it is not safe for concurrent use.
// A nil *Checkpoint never cancels.
type Checkpoint struct {
	ctx        context.Context
	gate       rate.Sometimes
	steps      int
	err        error
	onProgress func(steps int)
}

// New consults ctx on the first Check and then on every every-th one.
func New(ctx context.Context, every int) *Checkpoint {
	if every < 1 {
		every = DefaultEvery
	}
	return &Checkpoint{
		ctx:  ctx,
		gate: rate.Sometimes{First: 1, Every: every},
	}
}

// OnProgress registers a callback fired at the check cadence with the
// number of steps taken so far.
func (c *Checkpoint) OnProgress(fn func(steps int)) *Checkpoint {
	c.onProgress = fn
	return c
}

// Check counts one step. Once the context is done it returns an error
// matching mrerrors.ErrCanceled and the context cause; the error sticks.
func (c *Checkpoint) Check() error {
	if c == nil {
		return nil
	}
	if c.err != nil {
		return c.err
	}
	c.steps++
	c.gate.Do(func() {
		if err := c.ctx.Err(); err != nil {
			c.err = fmt.Errorf("%w: %w", mrerrors.ErrCanceled, context.Cause(c.ctx))
			return
		}
		if c.onProgress != nil {
			c.onProgress(c.steps)
		}
	})
	return c.err
}

// Now consults the context regardless of cadence; used right before
// a step that cannot be undone, like a commit.
func (c *Checkpoint) Now() error {
	if c == nil {
		return nil
	}
	if c.err == nil {
		if err := c.ctx.Err(); err != nil {
			c.err = fmt.Errorf("%w: %w", mrerrors.ErrCanceled, context.Cause(c.ctx))
		}
	}
	return c.err
}

func (c *Checkpoint) Steps() int {
	if c == nil {
		return 0
	}
	return c.steps
}
