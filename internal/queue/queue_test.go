package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"

	"github.com/tbourn/campus-market-backend/internal/broadcast"
)

func TestTaskOptions_MapsJob(t *testing.T) {
	j := broadcast.Job{
		ID:          broadcast.JobID("r1"),
		Type:        broadcast.TaskType,
		MaxAttempts: 3,
		Timeout:     time.Minute,
		Retention:   time.Hour,
	}
	got := map[asynq.OptionType]any{}
	for _, o := range taskOptions("broadcasts", j) {
		got[o.Type()] = o.Value()
	}

	if got[asynq.TaskIDOpt] != "urgent-broadcast-req-r1" {
		t.Fatalf("task id: %v", got[asynq.TaskIDOpt])
	}
	if got[asynq.QueueOpt] != "broadcasts" {
		t.Fatalf("queue: %v", got[asynq.QueueOpt])
	}
	if got[asynq.MaxRetryOpt] != 2 {
		t.Fatalf("expected 2 retries for 3 attempts, got %v", got[asynq.MaxRetryOpt])
	}
	if got[asynq.TimeoutOpt] != time.Minute {
		t.Fatalf("timeout: %v", got[asynq.TimeoutOpt])
	}
	if got[asynq.RetentionOpt] != time.Hour {
		t.Fatalf("retention: %v", got[asynq.RetentionOpt])
	}
}

func TestTaskOptions_OmitsUnset(t *testing.T) {
	opts := taskOptions("", broadcast.Job{ID: "x"})
	if len(opts) != 1 || opts[0].Type() != asynq.TaskIDOpt {
		t.Fatalf("expected only task id option, got %v", opts)
	}
}

func TestWrap_PermanentBecomesSkipRetry(t *testing.T) {
	h := wrap(HandlerFunc(func(ctx context.Context, meta broadcast.JobMeta, body []byte) error {
		return broadcast.ErrPermanent
	}))
	err := h.ProcessTask(context.Background(), asynq.NewTask(broadcast.TaskType, []byte("{}")))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry, got %v", err)
	}
}

func TestWrap_TransientErrorPassesThrough(t *testing.T) {
	boom := errors.New("db down")
	h := wrap(HandlerFunc(func(ctx context.Context, meta broadcast.JobMeta, body []byte) error {
		return boom
	}))
	err := h.ProcessTask(context.Background(), asynq.NewTask(broadcast.TaskType, nil))
	if !errors.Is(err, boom) || errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected transient error unchanged, got %v", err)
	}
}

func TestWrap_DefaultMetaOutsideServer(t *testing.T) {
	var got broadcast.JobMeta
	var body []byte
	h := wrap(HandlerFunc(func(ctx context.Context, meta broadcast.JobMeta, b []byte) error {
		got, body = meta, b
		return nil
	}))
	if err := h.ProcessTask(context.Background(), asynq.NewTask(broadcast.TaskType, []byte("payload"))); err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}
	if got.Attempt != 1 || got.MaxAttempts != 3 || got.JobID != "" || got.Progress != nil {
		t.Fatalf("unexpected meta: %+v", got)
	}
	if string(body) != "payload" {
		t.Fatalf("unexpected body %q", body)
	}
}
