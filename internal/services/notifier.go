package services

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/tbourn/campus-market-backend/internal/domain"
)

// Notifier is told about every newly admitted request, after commit.
// Implementations must not assume they can veto the request.
type Notifier interface {
	RequestCreated(ctx context.Context, r domain.Request, remainingTokens int) error
}

// LogNotifier records admissions in the structured log.
type LogNotifier struct {
	Log zerolog.Logger
}

// RequestCreated implements Notifier.
func (n LogNotifier) RequestCreated(ctx context.Context, r domain.Request, remainingTokens int) error {
	n.Log.Info().
		Str("request_id", r.ID).
		Str("user_id", r.UserID).
		Str("kind", string(r.Kind)).
		Int("token_cost", r.TokenCost).
		Int("remaining_tokens", remainingTokens).
		Msg("request created")
	return nil
}
