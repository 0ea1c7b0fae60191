package repo

import (
	"context"
	"errors"
	"testing"

	"github.com/tbourn/campus-market-backend/internal/domain"
)

func TestClaimBroadcastLog_InsertThenRetry(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t, &domain.BroadcastLog{})

	l, err := ClaimBroadcastLog(ctx, db, "job-1", "r1", 1)
	if err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if l.Status != domain.BroadcastProcessing || l.Attempts != 1 || l.StartedAt == nil {
		t.Fatalf("unexpected first claim: %+v", l)
	}

	if err := FailBroadcastLog(ctx, db, "job-1", "db down", false); err != nil {
		t.Fatalf("FailBroadcastLog: %v", err)
	}
	l, _ = GetBroadcastLog(ctx, db, "job-1")
	if l.Status != domain.BroadcastRetrying || l.LastError == nil || *l.LastError != "db down" {
		t.Fatalf("unexpected after failure: %+v", l)
	}

	l, err = ClaimBroadcastLog(ctx, db, "job-1", "r1", 2)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if l.Status != domain.BroadcastRetrying || l.Attempts != 2 || l.LastError != nil {
		t.Fatalf("expected retrying/2/no error, got %+v", l)
	}

	var n int64
	db.Model(&domain.BroadcastLog{}).Where("job_id = ?", "job-1").Count(&n)
	if n != 1 {
		t.Fatalf("expected exactly one row per job, got %d", n)
	}
}

func TestClaimBroadcastLog_CompletedRowUntouched(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t, &domain.BroadcastLog{})

	if _, err := ClaimBroadcastLog(ctx, db, "job-2", "r2", 1); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := PatchBroadcastLog(ctx, db, "job-2", BroadcastLogPatch{AddSent: 3}); err != nil {
		t.Fatalf("patch: %v", err)
	}
	if err := CompleteBroadcastLog(ctx, db, "job-2", 3, 3, 0); err != nil {
		t.Fatalf("complete: %v", err)
	}

	l, err := ClaimBroadcastLog(ctx, db, "job-2", "r2", 2)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if l.Status != domain.BroadcastCompleted || l.Attempts != 1 || l.EmailsSent != 3 || l.TotalRecipients != 3 || l.CompletedAt == nil {
		t.Fatalf("completed row must not change, got %+v", l)
	}
}

func TestPatchBroadcastLog_CountersAccumulate(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t, &domain.BroadcastLog{})

	if _, err := ClaimBroadcastLog(ctx, db, "job-3", "r3", 1); err != nil {
		t.Fatalf("claim: %v", err)
	}
	total := 5
	if err := PatchBroadcastLog(ctx, db, "job-3", BroadcastLogPatch{TotalRecipients: &total}); err != nil {
		t.Fatalf("patch total: %v", err)
	}
	if err := PatchBroadcastLog(ctx, db, "job-3", BroadcastLogPatch{AddSent: 2, AddFailed: 1}); err != nil {
		t.Fatalf("patch page 1: %v", err)
	}
	if err := PatchBroadcastLog(ctx, db, "job-3", BroadcastLogPatch{AddSent: 2}); err != nil {
		t.Fatalf("patch page 2: %v", err)
	}

	l, _ := GetBroadcastLog(ctx, db, "job-3")
	if l.TotalRecipients != 5 || l.EmailsSent != 4 || l.EmailsFailed != 1 {
		t.Fatalf("unexpected counters: %+v", l)
	}
}

func TestClaimBroadcastLog_RetryResetsCounters(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t, &domain.BroadcastLog{})

	if _, err := ClaimBroadcastLog(ctx, db, "job-5", "r5", 1); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := PatchBroadcastLog(ctx, db, "job-5", BroadcastLogPatch{AddSent: 2, AddFailed: 1}); err != nil {
		t.Fatalf("patch: %v", err)
	}
	l, err := ClaimBroadcastLog(ctx, db, "job-5", "r5", 2)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if l.EmailsSent != 0 || l.EmailsFailed != 0 {
		t.Fatalf("retry should start from zero, got %+v", l)
	}

	if err := PatchBroadcastLog(ctx, db, "job-5", BroadcastLogPatch{AddSent: 1}); err != nil {
		t.Fatalf("patch: %v", err)
	}
	if err := CompleteBroadcastLog(ctx, db, "job-5", 4, 4, 0); err != nil {
		t.Fatalf("complete: %v", err)
	}
	l, _ = GetBroadcastLog(ctx, db, "job-5")
	if l.Status != domain.BroadcastCompleted || l.EmailsSent != 4 || l.TotalRecipients != 4 || l.LastError != nil {
		t.Fatalf("completion should store final counters, got %+v", l)
	}
}

func TestPatchBroadcastLog_MissingRow(t *testing.T) {
	db := newTestDB(t, &domain.BroadcastLog{})
	err := PatchBroadcastLog(context.Background(), db, "nope", BroadcastLogPatch{AddSent: 1})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFailBroadcastLog_Final(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t, &domain.BroadcastLog{})

	if _, err := ClaimBroadcastLog(ctx, db, "job-4", "r4", 3); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := FailBroadcastLog(ctx, db, "job-4", "smtp unreachable", true); err != nil {
		t.Fatalf("fail: %v", err)
	}
	l, _ := GetBroadcastLog(ctx, db, "job-4")
	if l.Status != domain.BroadcastFailed || l.LastError == nil || l.CompletedAt == nil {
		t.Fatalf("expected terminal failed with error, got %+v", l)
	}

	byReq, err := GetBroadcastLogByRequest(ctx, db, "r4")
	if err != nil || byReq.JobID != "job-4" {
		t.Fatalf("GetBroadcastLogByRequest: %+v err=%v", byReq, err)
	}
	if _, err := GetBroadcastLogByRequest(ctx, db, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
