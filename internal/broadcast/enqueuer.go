package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Job is a queue submission. Queue adapters map it onto their transport.
type Job struct {
	ID          string
	Type        string
	Payload     []byte
	MaxAttempts int           // total deliveries, including the first
	Timeout     time.Duration // per-attempt processing limit
	Retention   time.Duration // how long a finished job is kept
}

// Queue is a durable job transport with identity-based deduplication.
// Enqueue returns ErrDuplicateJob (possibly wrapped) when a job with the
// same ID is already known.
type Queue interface {
	Enqueue(ctx context.Context, j Job) error
}

// Options configure retry and retention for enqueued jobs.
type Options struct {
	MaxAttempts int
	BackoffBase time.Duration
	Timeout     time.Duration
	Retention   time.Duration
}

// DefaultOptions returns three attempts with 2s, 4s, 8s backoff.
func DefaultOptions() Options {
	return Options{
		MaxAttempts: 3,
		BackoffBase: 2 * time.Second,
		Timeout:     10 * time.Minute,
		Retention:   24 * time.Hour,
	}
}

// RetryDelay returns the wait before retry n, where n counts prior retries
// starting at 0.
func (o Options) RetryDelay(n int) time.Duration {
	base := o.BackoffBase
	if base <= 0 {
		base = 2 * time.Second
	}
	if n < 0 {
		n = 0
	}
	if n > 16 {
		n = 16
	}
	return base << uint(n)
}

// RetryDelay is DefaultOptions().RetryDelay.
func RetryDelay(n int) time.Duration { return DefaultOptions().RetryDelay(n) }

// EnqueueResult describes an accepted submission. Duplicate is true when
// the queue already held a job for the same request.
type EnqueueResult struct {
	JobID     string
	Duplicate bool
}

// Enqueuer validates payloads and submits them to a Queue.
type Enqueuer struct {
	Queue Queue
	Opts  Options
}

// NewEnqueuer returns an Enqueuer, filling unset options with defaults.
func NewEnqueuer(q Queue, opts Options) *Enqueuer {
	def := DefaultOptions()
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = def.BackoffBase
	}
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.Retention <= 0 {
		opts.Retention = def.Retention
	}
	return &Enqueuer{Queue: q, Opts: opts}
}

// EnqueueUrgent submits the broadcast job for an Urgent request. A payload
// that fails validation is never submitted. Submitting the same request
// twice yields one job; the second call reports Duplicate.
func (e *Enqueuer) EnqueueUrgent(ctx context.Context, p Payload) (EnqueueResult, error) {
	if err := p.Validate(); err != nil {
		return EnqueueResult{}, err
	}
	body, err := json.Marshal(p)
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("broadcast: encode payload: %w", err)
	}
	id := JobID(p.RequestID)
	err = e.Queue.Enqueue(ctx, Job{
		ID:          id,
		Type:        TaskType,
		Payload:     body,
		MaxAttempts: e.Opts.MaxAttempts,
		Timeout:     e.Opts.Timeout,
		Retention:   e.Opts.Retention,
	})
	switch {
	case errors.Is(err, ErrDuplicateJob):
		return EnqueueResult{JobID: id, Duplicate: true}, nil
	case err != nil:
		return EnqueueResult{}, fmt.Errorf("broadcast: enqueue %s: %w", id, err)
	}
	return EnqueueResult{JobID: id}, nil
}
