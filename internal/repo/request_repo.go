package repo

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/tbourn/campus-market-backend/internal/domain"
)

// CreateRequest inserts a request row. Callers admitting Urgent requests
// pass the transaction that debited the token.
func CreateRequest(ctx context.Context, db *gorm.DB, r *domain.Request) error {
	return db.WithContext(ctx).Create(r).Error
}

// GetRequest returns a request owned by userID, or ErrNotFound.
// An empty userID skips the ownership check.
func GetRequest(ctx context.Context, db *gorm.DB, id, userID string) (*domain.Request, error) {
	q := db.WithContext(ctx).Where("id = ?", id)
	if userID != "" {
		q = q.Where("user_id = ?", userID)
	}
	var r domain.Request
	if err := q.First(&r).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &r, nil
}

// CountRequests returns the number of requests authored by userID.
func CountRequests(ctx context.Context, db *gorm.DB, userID string) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Model(&domain.Request{}).Where("user_id = ?", userID).Count(&n).Error
	return n, err
}

// ListRequestsPage returns a newest-first page of userID's requests.
func ListRequestsPage(ctx context.Context, db *gorm.DB, userID string, offset, limit int) ([]domain.Request, error) {
	var out []domain.Request
	err := db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Order("id DESC").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}
