// backup/runner.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package backup walks a directory tree and hands each file to a
// reconcile.Reconciler, possibly several at once, until the tree is done,
// a fatal error happens, the run is interrupted or the finish hour is
// reached.
package backup

import (
	"context"
	"time"

	"github.com/mmp/bksplit/chunk"
	"github.com/mmp/bksplit/reconcile"
	u "github.com/mmp/bksplit/util"
	"golang.org/x/sync/errgroup"
)

// Options configures a Runner.
type Options struct {
	Root string
	Spec chunk.Spec
	Walk WalkOptions
	// Workers is the number of items reconciled concurrently.
	Workers int
	// FinishHour, if in 0..23, is the local hour at which no more items
	// are started. The run ends at its first occurrence after the start.
	FinishHour int
	// Now defaults to time.Now.
	Now func() time.Time
}

// Stop explains why a run ended before the whole tree was processed.
type Stop string

const (
	Completed   Stop = ""
	FinishHour  Stop = "finish hour reached"
	Interrupted Stop = "interrupted"
	Failed      Stop = "fatal error"
)

// Result describes a finished run.
type Result struct {
	Summary  reconcile.Summary
	Start    time.Time
	Duration time.Duration
	Stopped  Stop
}

type Runner struct {
	rec   *reconcile.Reconciler
	log   *u.Logger
	opts  Options
	stats reconcile.Stats
}

func NewRunner(rec *reconcile.Reconciler, log *u.Logger, opts Options) *Runner {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	opts.Walk.SidecarDir = rec.SidecarDir()
	opts.Walk.ChunkSize = opts.Spec.ChunkSize
	return &Runner{rec: rec, log: log, opts: opts}
}

// deadline returns the first time the finish hour is reached after start,
// or the zero time if there is none.
func (r *Runner) deadline(start time.Time) time.Time {
	h := r.opts.FinishHour
	if h < 0 || h > 23 {
		return time.Time{}
	}
	d := time.Date(start.Year(), start.Month(), start.Day(), h, 0, 0, 0, start.Location())
	if !d.After(start) {
		d = d.AddDate(0, 0, 1)
	}
	return d
}

// Run backs up the tree. Cancelling ctx stops new items from being
// started; items already underway run to completion. The returned error
// is the first fatal reconciliation error, if any.
func (r *Runner) Run(ctx context.Context) (Result, error) {
	start := r.opts.Now()
	res := Result{Start: start}
	if err := r.opts.Spec.Validate(); err != nil {
		return res, err
	}
	deadline := r.deadline(start)
	if !deadline.IsZero() {
		r.log.Verbose("will stop starting new items at %s", deadline.Format(time.Stamp))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Workers)
	// In-flight items aren't interrupted, only dispatch is.
	work := context.WithoutCancel(gctx)

	folders, werr := Walk(r.opts.Root, r.opts.Walk, r.log, func(item reconcile.SourceItem) error {
		if gctx.Err() != nil {
			if ctx.Err() != nil {
				res.Stopped = Interrupted
			}
			return ErrStop
		}
		if !deadline.IsZero() && !r.opts.Now().Before(deadline) {
			res.Stopped = FinishHour
			return ErrStop
		}

		g.Go(func() error {
			// The run may have ended while this item waited for a worker.
			if gctx.Err() != nil {
				return nil
			}
			rc := &reconcile.Context{
				Item:  item,
				Spec:  r.opts.Spec,
				Root:  r.opts.Root,
				Stats: &r.stats,
				Log:   r.log.With("item", item.Path),
			}
			_, err := r.rec.Reconcile(work, rc)
			if err != nil && chunk.IsFatal(err) {
				r.log.Error("CRITICAL: %s: %v", item.Path, err)
				return err
			} else if err != nil {
				r.log.Error("%s: %v", item.Path, err)
			}
			return nil
		})
		return nil
	})
	err := g.Wait()
	r.stats.Folders.Add(int64(folders))

	if err != nil {
		res.Stopped = Failed
	} else if werr != nil {
		err = werr
		res.Stopped = Failed
	} else if res.Stopped == Completed && ctx.Err() != nil {
		res.Stopped = Interrupted
	}
	res.Summary = r.stats.Summary()
	res.Duration = r.opts.Now().Sub(start)

	switch res.Stopped {
	case Completed:
		r.log.Print("backup complete: %s in %s", res.Summary, res.Duration.Round(time.Second))
	default:
		r.log.Print("backup stopped (%s): %s in %s", res.Stopped, res.Summary,
			res.Duration.Round(time.Second))
	}
	return res, err
}
