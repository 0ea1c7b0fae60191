package scheduler

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestScheduler(t *testing.T) (*Scheduler, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	lg := zerolog.New(&buf)
	s := New(Options{Log: &lg, Timeout: time.Second})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s, &buf
}

func TestAdd_Validation(t *testing.T) {
	s, _ := newTestScheduler(t)
	noop := func(context.Context) error { return nil }

	if err := s.Add("disabled", "  ", noop); err != nil {
		t.Fatalf("empty spec should disable, got %v", err)
	}
	if _, ok := s.Next("disabled"); ok {
		t.Fatalf("disabled job must not be registered")
	}
	if err := s.Add("bad", "every tuesday", noop); err == nil {
		t.Fatalf("expected invalid schedule error")
	}
	if err := s.Add("seconds", "*/5 * * * * *", noop); err == nil {
		t.Fatalf("six-field specs are not accepted")
	}
	if err := s.Add("nil", "@daily", nil); err == nil {
		t.Fatalf("expected nil job error")
	}
	if err := s.Add("reset", "@monthly", noop); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.Add("reset", "0 0 1 * *", noop); !errors.Is(err, ErrDuplicateName) {
		t.Fatalf("expected ErrDuplicateName, got %v", err)
	}
}

func TestRunNow_IsolatesErrorsAndPanics(t *testing.T) {
	s, buf := newTestScheduler(t)

	var calls int32
	_ = s.Add("ok", "@daily", func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		if _, has := ctx.Deadline(); !has {
			t.Errorf("expected per-run timeout on ctx")
		}
		return nil
	})
	_ = s.Add("fails", "@daily", func(context.Context) error { return errors.New("db down") })
	_ = s.Add("panics", "@daily", func(context.Context) error { panic("boom") })

	if err := s.RunNow("ok"); err != nil || atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("ok run: err=%v calls=%d", err, calls)
	}
	if err := s.RunNow("fails"); err == nil || !strings.Contains(err.Error(), "db down") {
		t.Fatalf("expected job error, got %v", err)
	}
	if err := s.RunNow("panics"); err == nil || !strings.Contains(err.Error(), "panicked") {
		t.Fatalf("expected panic to be converted, got %v", err)
	}
	if err := s.RunNow("missing"); err == nil {
		t.Fatalf("expected unknown job error")
	}

	out := buf.String()
	for _, want := range []string{`"job":"fails"`, `"job failed"`, `"job panicked"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("log missing %s: %s", want, out)
		}
	}
}

func TestStartStop_FiresAndCancels(t *testing.T) {
	s, _ := newTestScheduler(t)

	fired := make(chan struct{}, 1)
	_ = s.Add("tick", "@every 1s", func(ctx context.Context) error {
		select {
		case fired <- struct{}{}:
		default:
		}
		return nil
	})
	s.Start()

	if next, ok := s.Next("tick"); !ok || next.IsZero() {
		t.Fatalf("expected next activation after Start, got %v", next)
	}

	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatalf("job did not fire")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if s.ctx.Err() == nil {
		t.Fatalf("expected run context to be canceled on Stop")
	}
}
