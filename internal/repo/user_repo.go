package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/campus-market-backend/internal/domain"
)

// ErrNotFound is returned when a record is not found.
var ErrNotFound = gorm.ErrRecordNotFound

// ErrInsufficientBalance is returned by DebitTokens when the conditional
// update matched no row, i.e. the balance is lower than the requested cost.
var ErrInsufficientBalance = errors.New("insufficient balance")

// LockUser loads a user row with SELECT ... FOR UPDATE. It must be called on
// a transaction handle; the lock is held until that transaction ends.
func LockUser(ctx context.Context, tx *gorm.DB, id string) (*domain.User, error) {
	var u domain.User
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&u, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUser returns a user by id or ErrNotFound.
func GetUser(ctx context.Context, db *gorm.DB, id string) (*domain.User, error) {
	var u domain.User
	if err := db.WithContext(ctx).First(&u, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

// DebitTokens subtracts cost from the user's balance. The update is
// conditional on the balance covering the cost, so a concurrent debit can
// never drive it negative. A zero cost is a no-op.
func DebitTokens(ctx context.Context, tx *gorm.DB, id string, cost int) error {
	if cost <= 0 {
		return nil
	}
	res := tx.WithContext(ctx).
		Model(&domain.User{}).
		Where("id = ? AND token_balance >= ?", id, cost).
		Updates(map[string]any{
			"token_balance": gorm.Expr("token_balance - ?", cost),
			"updated_at":    time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected != 1 {
		return ErrInsufficientBalance
	}
	return nil
}

// recipients scopes users that may receive a broadcast: verified, with a
// non-empty email, excluding the requester.
func recipients(db *gorm.DB, excludeID string) *gorm.DB {
	return db.Model(&domain.User{}).
		Where("verified = ?", true).
		Where("email IS NOT NULL AND email <> ''").
		Where("id <> ?", excludeID)
}

// CountRecipients returns the size of the broadcast audience for a request
// authored by excludeID.
func CountRecipients(ctx context.Context, db *gorm.DB, excludeID string) (int64, error) {
	var n int64
	err := recipients(db.WithContext(ctx), excludeID).Count(&n).Error
	return n, err
}

// ListRecipientsPage returns one page of the broadcast audience ordered by
// (created_at, id) so pagination is stable across calls.
func ListRecipientsPage(ctx context.Context, db *gorm.DB, excludeID string, offset, limit int) ([]domain.User, error) {
	var out []domain.User
	err := recipients(db.WithContext(ctx), excludeID).
		Order("created_at ASC").
		Order("id ASC").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// ResetTokenBalances sets every user's balance to allowance and returns the
// number of rows changed.
func ResetTokenBalances(ctx context.Context, db *gorm.DB, allowance int) (int64, error) {
	res := db.WithContext(ctx).
		Model(&domain.User{}).
		Where("token_balance <> ?", allowance).
		Updates(map[string]any{
			"token_balance": allowance,
			"updated_at":    time.Now().UTC(),
		})
	return res.RowsAffected, res.Error
}
