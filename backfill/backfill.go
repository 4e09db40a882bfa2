// Package backfill runs the store's resumable maintenance jobs: the
// plaintext-file encryption sweep, the inline-to-dedup migration, and the
// legacy process-name backfill — plus the one-shot data-root directory
// migration.
//
// Jobs are auth-gated and batch-limited. Each loop claims one small batch,
// then yields, so interactive queries never starve behind maintenance work.
// While the authenticated session is invalid the loops idle instead of
// triggering surprise prompts; progress is never lost because each step's
// WHERE predicate already excludes handled rows.
package backfill

import (
	"context"
	"log/slog"
	"time"

	"github.com/hazyhaar/lucarne/screenstore"
)

// Options configures the runner.
type Options struct {
	// BatchSize is the per-iteration row cap. Default: 100.
	BatchSize int
	// Interval is the pause between batches while work remains. Default: 2s.
	Interval time.Duration
	// IdleInterval is the pause while drained or the session is invalid.
	// Default: 30s.
	IdleInterval time.Duration
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.Interval <= 0 {
		o.Interval = 2 * time.Second
	}
	if o.IdleInterval <= 0 {
		o.IdleInterval = 30 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Runner drives the three background jobs against one store.
type Runner struct {
	store *screenstore.Store
	opts  Options
}

// New creates a runner. Call Run to start the loops.
func New(store *screenstore.Store, opts Options) *Runner {
	opts.defaults()
	return &Runner{store: store, opts: opts}
}

type step func(ctx context.Context, limit int) (int, error)

// Run starts all three job loops and blocks until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) {
	jobs := []struct {
		name string
		fn   step
	}{
		{"plaintext_sweep", r.store.SweepPlaintextStep},
		{"inline_dedup_migration", r.store.MigrateInlineStep},
		{"process_name_backfill", r.store.BackfillProcessStep},
	}
	done := make(chan struct{})
	for _, job := range jobs {
		go func(name string, fn step) {
			r.loop(ctx, name, fn)
			done <- struct{}{}
		}(job.name, job.fn)
	}
	for range jobs {
		<-done
	}
}

func (r *Runner) loop(ctx context.Context, name string, fn step) {
	log := r.opts.Logger
	log.Info("backfill: job started", "job", name, "batch", r.opts.BatchSize)
	for {
		delay := r.opts.Interval
		if !r.sessionValid() {
			delay = r.opts.IdleInterval
		} else {
			n, err := fn(ctx, r.opts.BatchSize)
			switch {
			case ctx.Err() != nil:
				log.Info("backfill: job stopped", "job", name)
				return
			case err != nil:
				log.Warn("backfill: batch failed", "job", name, "error", err)
				delay = r.opts.IdleInterval
			case n == 0:
				delay = r.opts.IdleInterval
			default:
				log.Debug("backfill: batch done", "job", name, "rows", n)
			}
		}
		select {
		case <-ctx.Done():
			log.Info("backfill: job stopped", "job", name)
			return
		case <-time.After(delay):
		}
	}
}

// sessionValid reports whether decryption work may proceed. A store without
// an attached session is not auth-gated.
func (r *Runner) sessionValid() bool {
	sess := r.store.Session()
	return sess == nil || sess.Valid()
}
