package services

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/campus-market-backend/internal/repo"
)

// TokenResetter is the periodic maintenance job: it restores every user's
// Urgent allowance and drops expired idempotency records.
type TokenResetter struct {
	DB        *gorm.DB
	Allowance int
	Log       *zerolog.Logger
}

// Run performs one reset pass.
func (r *TokenResetter) Run(ctx context.Context) error {
	lg := r.Log
	if lg == nil {
		lg = &log.Logger
	}
	n, err := repo.ResetTokenBalances(ctx, r.DB, r.Allowance)
	if err != nil {
		return err
	}
	purged, err := repo.PurgeExpiredIdempotency(ctx, r.DB, time.Now().UTC())
	if err != nil {
		return err
	}
	lg.Info().
		Int("allowance", r.Allowance).
		Int64("users_reset", n).
		Int64("idempotency_purged", purged).
		Msg("token allowance reset")
	return nil
}
