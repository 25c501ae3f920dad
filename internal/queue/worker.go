package queue

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/relaydesk/relaydesk/control-plane/internal/metrics"
	"github.com/rs/zerolog/log"
)

// Handler processes one job. A returned error fails the attempt.
type Handler func(ctx context.Context, job *Job) error

// JobStore is the part of Queue the worker uses.
type JobStore interface {
	ClaimNext(ctx context.Context, types []string) (*Job, error)
	Complete(ctx context.Context, id string) error
	Fail(ctx context.Context, id, errMsg string) (bool, error)
}

// Worker polls the queue and dispatches jobs to handlers by type.
type Worker struct {
	store    JobStore
	handlers map[string]Handler
	types    []string
	poll     time.Duration
	metrics  *metrics.Recorder
}

// NewWorker creates a Worker. If pollInterval is <= 0 it defaults to 500ms.
func NewWorker(store JobStore, pollInterval time.Duration, m *metrics.Recorder) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:    store,
		handlers: make(map[string]Handler),
		poll:     pollInterval,
		metrics:  m,
	}
}

// Handle registers h for jobType. Register handlers before Run.
func (w *Worker) Handle(jobType string, h Handler) {
	w.handlers[jobType] = h
	w.types = w.types[:0]
	for t := range w.handlers {
		w.types = append(w.types, t)
	}
	sort.Strings(w.types)
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	log.Info().Strs("types", w.types).Dur("poll", w.poll).Msg("📬 Job worker started")
	for {
		if ctx.Err() != nil {
			return nil
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			log.Error().Err(err).Msg("Job worker iteration failed")
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			log.Info().Msg("Job worker stopped")
			return nil
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single job. It reports whether a job was
// processed, regardless of its outcome.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNext(ctx, w.types)
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	h := w.handlers[job.Type]
	if err := h(ctx, job); err != nil {
		retry, failErr := w.store.Fail(ctx, job.ID, err.Error())
		if failErr != nil {
			return true, fmt.Errorf("failing job %s: %w", job.ID, failErr)
		}
		result := "retried"
		if !retry {
			result = "failed"
		}
		w.metrics.ObserveJob(job.Type, result)
		log.Warn().Err(err).
			Str("job", job.ID).
			Str("type", job.Type).
			Int("attempt", job.Attempts+1).
			Bool("retry", retry).
			Msg("Job failed")
		return true, nil
	}

	if err := w.store.Complete(ctx, job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	w.metrics.ObserveJob(job.Type, "completed")
	log.Debug().Str("job", job.ID).Str("type", job.Type).Msg("Job completed")
	return true, nil
}
