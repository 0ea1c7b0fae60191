// Package services – RequestQuery
//
// Read-side operations over requests, broadcast progress and balances.
package services

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/campus-market-backend/internal/broadcast"
	"github.com/tbourn/campus-market-backend/internal/domain"
	"github.com/tbourn/campus-market-backend/internal/repo"
)

// RequestQuery answers read-only questions about a user's requests.
type RequestQuery struct {
	DB *gorm.DB
}

// ListPage returns a page of the user's requests, newest first, and the
// total count. It applies defaults for invalid page/pageSize.
func (q *RequestQuery) ListPage(ctx context.Context, userID string, page, pageSize int) ([]domain.Request, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize

	total, err := repo.CountRequests(ctx, q.DB, userID)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.Request{}, 0, nil
	}
	items, err := repo.ListRequestsPage(ctx, q.DB, userID, offset, pageSize)
	return items, total, err
}

// Stats returns the count and latest UpdatedAt of the user's requests.
func (q *RequestQuery) Stats(ctx context.Context, userID string) (int64, *time.Time, error) {
	return repo.RequestsStats(ctx, q.DB, userID)
}

// Broadcast returns the broadcast log for one of the user's Urgent
// requests. Before the worker first picks the job up there is no row yet;
// a pending view is synthesized instead.
func (q *RequestQuery) Broadcast(ctx context.Context, userID, requestID string) (*domain.BroadcastLog, error) {
	req, err := repo.GetRequest(ctx, q.DB, requestID, userID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrRequestNotFound
	}
	if err != nil {
		return nil, err
	}
	if req.Kind != domain.KindUrgent {
		return nil, ErrNotUrgent
	}

	l, err := repo.GetBroadcastLog(ctx, q.DB, broadcast.JobID(req.ID))
	if errors.Is(err, repo.ErrNotFound) {
		return &domain.BroadcastLog{
			JobID:     broadcast.JobID(req.ID),
			RequestID: req.ID,
			Status:    domain.BroadcastPending,
			CreatedAt: req.CreatedAt,
			UpdatedAt: req.CreatedAt,
		}, nil
	}
	return l, err
}

// TokenBalance returns the user's current token balance.
func (q *RequestQuery) TokenBalance(ctx context.Context, userID string) (int, error) {
	u, err := repo.GetUser(ctx, q.DB, userID)
	if errors.Is(err, repo.ErrNotFound) {
		return 0, ErrUserNotFound
	}
	if err != nil {
		return 0, err
	}
	return u.TokenBalance, nil
}
