// Package queue adapts the broadcast job contract onto asynq, a
// Redis-backed task queue. The Client side runs in the API process and the
// Server side in the worker.
package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/tbourn/campus-market-backend/internal/broadcast"
	"github.com/tbourn/campus-market-backend/internal/config"
)

// RedisOpt converts queue settings into asynq connection options.
func RedisOpt(cfg config.QueueConfig) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}
}

// Client enqueues broadcast jobs. It implements broadcast.Queue.
type Client struct {
	c     *asynq.Client
	queue string
}

// NewClient connects lazily to Redis; the first Enqueue dials.
func NewClient(cfg config.QueueConfig) *Client {
	return &Client{c: asynq.NewClient(RedisOpt(cfg)), queue: cfg.Name}
}

// Enqueue submits j under its explicit task ID. An ID that asynq already
// holds, pending or retained after completion, is reported as
// broadcast.ErrDuplicateJob.
func (c *Client) Enqueue(ctx context.Context, j broadcast.Job) error {
	_, err := c.c.EnqueueContext(ctx, asynq.NewTask(j.Type, j.Payload), taskOptions(c.queue, j)...)
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		return fmt.Errorf("%w: %s", broadcast.ErrDuplicateJob, j.ID)
	}
	return err
}

// Close releases the Redis connection.
func (c *Client) Close() error { return c.c.Close() }

func taskOptions(queue string, j broadcast.Job) []asynq.Option {
	opts := []asynq.Option{asynq.TaskID(j.ID)}
	if queue != "" {
		opts = append(opts, asynq.Queue(queue))
	}
	if j.MaxAttempts > 0 {
		// asynq counts retries after the first delivery.
		opts = append(opts, asynq.MaxRetry(j.MaxAttempts-1))
	}
	if j.Timeout > 0 {
		opts = append(opts, asynq.Timeout(j.Timeout))
	}
	if j.Retention > 0 {
		opts = append(opts, asynq.Retention(j.Retention))
	}
	return opts
}
