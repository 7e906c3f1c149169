// Package task runs named periodic jobs with overlap protection.
package task

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/jellyward/jellyward/internal/metrics"
)

// Job is one unit of periodic work.
type Job func(ctx context.Context) error

// Runner invokes a job on a fixed interval. The first run fires
// immediately. A tick that arrives while the previous run is still in
// flight is skipped rather than queued, so a slow remote can never
// stack up concurrent runs of the same job.
type Runner struct {
	name     string
	interval time.Duration
	job      Job

	sem *semaphore.Weighted
	wg  sync.WaitGroup
}

// NewRunner creates a runner. The job does not start until Start.
func NewRunner(name string, interval time.Duration, job Job) *Runner {
	return &Runner{
		name:     name,
		interval: interval,
		job:      job,
		sem:      semaphore.NewWeighted(1),
	}
}

// Start launches the periodic loop. It returns immediately; the loop
// stops when ctx is cancelled.
func (r *Runner) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		r.tick(ctx)

		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				log.Debug().Str("task", r.name).Msg("Periodic task stopped")
				return
			case <-ticker.C:
				r.tick(ctx)
			}
		}
	}()
}

// Wait blocks until the loop has exited after cancellation.
func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) tick(ctx context.Context) {
	if !r.sem.TryAcquire(1) {
		metrics.TaskTicksSkippedTotal.WithLabelValues(r.name).Inc()
		log.Warn().Str("task", r.name).Msg("Previous run still in flight, skipping tick")
		return
	}
	defer r.sem.Release(1)

	start := time.Now()
	if err := r.job(ctx); err != nil {
		log.Error().Err(err).Str("task", r.name).
			Dur("duration", time.Since(start)).Msg("Periodic task run failed")
		return
	}
	log.Debug().Str("task", r.name).Dur("duration", time.Since(start)).Msg("Periodic task run finished")
}
