package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/tbourn/campus-market-backend/internal/broadcast"
	"github.com/tbourn/campus-market-backend/internal/config"
)

// Handler processes one delivery of a job.
type Handler interface {
	Handle(ctx context.Context, meta broadcast.JobMeta, body []byte) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, meta broadcast.JobMeta, body []byte) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, meta broadcast.JobMeta, body []byte) error {
	return f(ctx, meta, body)
}

// ServerOptions tune the consumer.
type ServerOptions struct {
	// ShutdownTimeout bounds how long in-flight tasks may run after a stop
	// signal. Tasks still running afterwards are handed back to the queue.
	ShutdownTimeout time.Duration
	// RetryDelay maps a retry count (0 for the first retry) to a delay.
	RetryDelay func(n int) time.Duration
}

// Server consumes jobs from one queue with a concurrency of one so that
// broadcasts never run in parallel against the mail relay.
type Server struct {
	srv *asynq.Server
	mux *asynq.ServeMux
}

// NewServer builds a consumer for cfg.Name.
func NewServer(cfg config.QueueConfig, opts ServerOptions, lg zerolog.Logger) *Server {
	retry := opts.RetryDelay
	if retry == nil {
		retry = broadcast.RetryDelay
	}
	lg = lg.With().Str("component", "queue").Logger()
	srv := asynq.NewServer(RedisOpt(cfg), asynq.Config{
		Concurrency: 1,
		Queues:      map[string]int{cfg.Name: 1},
		RetryDelayFunc: func(n int, _ error, _ *asynq.Task) time.Duration {
			return retry(n)
		},
		ShutdownTimeout: opts.ShutdownTimeout,
		Logger:          zerologAdapter{lg},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, t *asynq.Task, err error) {
			id, _ := asynq.GetTaskID(ctx)
			lg.Warn().Err(err).Str("task_id", id).Str("type", t.Type()).Msg("task failed")
		}),
	})
	return &Server{srv: srv, mux: asynq.NewServeMux()}
}

// Handle routes taskType to h.
func (s *Server) Handle(taskType string, h Handler) {
	s.mux.Handle(taskType, wrap(h))
}

// Start begins processing in background goroutines.
func (s *Server) Start() error { return s.srv.Start(s.mux) }

// Shutdown stops fetching, waits up to ShutdownTimeout for in-flight tasks
// and re-queues whatever did not finish.
func (s *Server) Shutdown() { s.srv.Shutdown() }

// wrap translates asynq delivery metadata into broadcast.JobMeta and maps
// permanent failures onto asynq.SkipRetry.
func wrap(h Handler) asynq.Handler {
	return asynq.HandlerFunc(func(ctx context.Context, t *asynq.Task) error {
		err := h.Handle(ctx, jobMeta(ctx, t), t.Payload())
		if errors.Is(err, broadcast.ErrPermanent) {
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		return err
	})
}

func jobMeta(ctx context.Context, t *asynq.Task) broadcast.JobMeta {
	meta := broadcast.JobMeta{Attempt: 1, MaxAttempts: broadcast.DefaultOptions().MaxAttempts}
	if id, ok := asynq.GetTaskID(ctx); ok {
		meta.JobID = id
	}
	if n, ok := asynq.GetRetryCount(ctx); ok {
		meta.Attempt = n + 1
	}
	if n, ok := asynq.GetMaxRetry(ctx); ok {
		meta.MaxAttempts = n + 1
	}
	if w := t.ResultWriter(); w != nil {
		meta.Progress = func(f float64) {
			_, _ = w.Write([]byte(strconv.FormatFloat(f, 'f', 3, 64)))
		}
	}
	return meta
}

// zerologAdapter satisfies asynq.Logger.
type zerologAdapter struct{ l zerolog.Logger }

func (a zerologAdapter) Debug(args ...any) { a.l.Debug().Msg(fmt.Sprint(args...)) }
func (a zerologAdapter) Info(args ...any)  { a.l.Info().Msg(fmt.Sprint(args...)) }
func (a zerologAdapter) Warn(args ...any)  { a.l.Warn().Msg(fmt.Sprint(args...)) }
func (a zerologAdapter) Error(args ...any) { a.l.Error().Msg(fmt.Sprint(args...)) }
func (a zerologAdapter) Fatal(args ...any) { a.l.Fatal().Msg(fmt.Sprint(args...)) }
