// Package queuetest provides an in-process broadcast.Queue for tests. It
// deduplicates by job identity and delivers synchronously with the same
// at-least-once retry semantics as the production transport, minus the
// backoff delays.
package queuetest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tbourn/campus-market-backend/internal/broadcast"
)

// HandleFunc processes one delivery.
type HandleFunc func(ctx context.Context, meta broadcast.JobMeta, body []byte) error

// Delivery summarizes how a job fared.
type Delivery struct {
	JobID    string
	Attempts int
	Err      error // last error, nil on success
	Progress []float64
}

// Inline is a goroutine-safe in-memory queue.
type Inline struct {
	// EnqueueErr, when set, is returned by every Enqueue call.
	EnqueueErr error

	mu      sync.Mutex
	known   map[string]broadcast.Job
	pending []string
}

// New returns an empty queue.
func New() *Inline {
	return &Inline{known: map[string]broadcast.Job{}}
}

// Enqueue implements broadcast.Queue.
func (q *Inline) Enqueue(ctx context.Context, j broadcast.Job) error {
	if q.EnqueueErr != nil {
		return q.EnqueueErr
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.known[j.ID]; ok {
		return fmt.Errorf("%w: %s", broadcast.ErrDuplicateJob, j.ID)
	}
	q.known[j.ID] = j
	q.pending = append(q.pending, j.ID)
	return nil
}

// Jobs returns every job ever accepted, in no particular order.
func (q *Inline) Jobs() []broadcast.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]broadcast.Job, 0, len(q.known))
	for _, j := range q.known {
		out = append(out, j)
	}
	return out
}

// Pending reports the number of jobs not yet delivered.
func (q *Inline) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Drain delivers every pending job to h, retrying each up to its
// MaxAttempts unless the error wraps broadcast.ErrPermanent.
func (q *Inline) Drain(ctx context.Context, h HandleFunc) []Delivery {
	q.mu.Lock()
	ids := q.pending
	q.pending = nil
	q.mu.Unlock()

	out := make([]Delivery, 0, len(ids))
	for _, id := range ids {
		d, _ := q.Redeliver(ctx, id, h)
		out = append(out, d)
	}
	return out
}

// Redeliver runs a known job again from attempt 1, as an operator-triggered
// retry would.
func (q *Inline) Redeliver(ctx context.Context, id string, h HandleFunc) (Delivery, error) {
	q.mu.Lock()
	j, ok := q.known[id]
	q.mu.Unlock()
	if !ok {
		return Delivery{}, fmt.Errorf("queuetest: unknown job %q", id)
	}

	limit := j.MaxAttempts
	if limit <= 0 {
		limit = 1
	}
	d := Delivery{JobID: id}
	for attempt := 1; attempt <= limit; attempt++ {
		d.Attempts = attempt
		meta := broadcast.JobMeta{
			JobID:       id,
			Attempt:     attempt,
			MaxAttempts: limit,
			Progress:    func(f float64) { d.Progress = append(d.Progress, f) },
		}
		d.Err = h(ctx, meta, j.Payload)
		if d.Err == nil || errors.Is(d.Err, broadcast.ErrPermanent) {
			break
		}
	}
	return d, nil
}
