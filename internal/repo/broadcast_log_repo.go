package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/campus-market-backend/internal/domain"
)

// GetBroadcastLog returns the log row for jobID, or ErrNotFound.
func GetBroadcastLog(ctx context.Context, db *gorm.DB, jobID string) (*domain.BroadcastLog, error) {
	var l domain.BroadcastLog
	if err := db.WithContext(ctx).First(&l, "job_id = ?", jobID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &l, nil
}

// GetBroadcastLogByRequest returns the most recent log row for requestID,
// or ErrNotFound.
func GetBroadcastLogByRequest(ctx context.Context, db *gorm.DB, requestID string) (*domain.BroadcastLog, error) {
	var l domain.BroadcastLog
	err := db.WithContext(ctx).
		Where("request_id = ?", requestID).
		Order("created_at DESC").
		First(&l).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &l, nil
}

// ClaimBroadcastLog records the start of a processing attempt.
//
// The first attempt inserts a row in status processing. Later attempts flip
// the existing row to retrying, stamp the attempt number and clear the
// previous error and counters, since a retry pages from the start again. A
// completed row is left untouched. The row as stored after
// the upsert is returned.
func ClaimBroadcastLog(ctx context.Context, db *gorm.DB, jobID, requestID string, attempt int) (*domain.BroadcastLog, error) {
	now := time.Now().UTC()
	rec := &domain.BroadcastLog{
		ID:        uuid.NewString(),
		JobID:     jobID,
		RequestID: requestID,
		Status:    domain.BroadcastProcessing,
		Attempts:  attempt,
		StartedAt: &now,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "job_id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"status":        domain.BroadcastRetrying,
			"attempts":      attempt,
			"last_error":    nil,
			"emails_sent":   0,
			"emails_failed": 0,
			"updated_at":    now,
		}),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Expr{SQL: "broadcast_logs.status <> ?", Vars: []any{domain.BroadcastCompleted}},
		}},
	}).Create(rec).Error
	if err != nil {
		return nil, err
	}
	return GetBroadcastLog(ctx, db, jobID)
}

// BroadcastLogPatch is a partial update of a broadcast log row. Only the
// fields below can be patched; nil pointers and zero deltas are skipped.
// EmailsSent and EmailsFailed overwrite the counters and take precedence
// over the matching Add delta.
type BroadcastLogPatch struct {
	Status          *domain.BroadcastStatus
	TotalRecipients *int
	EmailsSent      *int
	EmailsFailed    *int
	AddSent         int
	AddFailed       int
	LastError       *string
	ClearError      bool
	CompletedAt     *time.Time
}

func (p BroadcastLogPatch) columns(now time.Time) map[string]any {
	cols := map[string]any{"updated_at": now}
	if p.Status != nil {
		cols["status"] = *p.Status
	}
	if p.TotalRecipients != nil {
		cols["total_recipients"] = *p.TotalRecipients
	}
	switch {
	case p.EmailsSent != nil:
		cols["emails_sent"] = *p.EmailsSent
	case p.AddSent != 0:
		cols["emails_sent"] = gorm.Expr("emails_sent + ?", p.AddSent)
	}
	switch {
	case p.EmailsFailed != nil:
		cols["emails_failed"] = *p.EmailsFailed
	case p.AddFailed != 0:
		cols["emails_failed"] = gorm.Expr("emails_failed + ?", p.AddFailed)
	}
	switch {
	case p.ClearError:
		cols["last_error"] = nil
	case p.LastError != nil:
		cols["last_error"] = *p.LastError
	}
	if p.CompletedAt != nil {
		cols["completed_at"] = *p.CompletedAt
	}
	return cols
}

// PatchBroadcastLog applies p to the row for jobID. It returns ErrNotFound
// when no such row exists.
func PatchBroadcastLog(ctx context.Context, db *gorm.DB, jobID string, p BroadcastLogPatch) error {
	res := db.WithContext(ctx).
		Model(&domain.BroadcastLog{}).
		Where("job_id = ?", jobID).
		Updates(p.columns(time.Now().UTC()))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CompleteBroadcastLog marks the row completed with the given final
// counters and clears any error.
func CompleteBroadcastLog(ctx context.Context, db *gorm.DB, jobID string, total, sent, failed int) error {
	st := domain.BroadcastCompleted
	now := time.Now().UTC()
	return PatchBroadcastLog(ctx, db, jobID, BroadcastLogPatch{
		Status:          &st,
		TotalRecipients: &total,
		EmailsSent:      &sent,
		EmailsFailed:    &failed,
		ClearError:      true,
		CompletedAt:     &now,
	})
}

// FailBroadcastLog records a job-level error. When final is true the row
// moves to the terminal failed state; otherwise it is left retrying.
func FailBroadcastLog(ctx context.Context, db *gorm.DB, jobID, msg string, final bool) error {
	st := domain.BroadcastRetrying
	p := BroadcastLogPatch{Status: &st, LastError: &msg}
	if final {
		st = domain.BroadcastFailed
		now := time.Now().UTC()
		p.CompletedAt = &now
	}
	return PatchBroadcastLog(ctx, db, jobID, p)
}
