// Package services – AdmissionService
//
// This file implements AdmissionService, which decides whether a submitted
// request is accepted. Token deduction and request creation happen in one
// database transaction under a row lock on the user, so concurrent Urgent
// submissions can never overspend a balance. The broadcast job and the
// creation notification are dispatched only after commit; their failures
// are reported but never undo an admitted request.
package services

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/text/unicode/norm"
	"gorm.io/gorm"

	"github.com/tbourn/campus-market-backend/internal/broadcast"
	"github.com/tbourn/campus-market-backend/internal/domain"
	"github.com/tbourn/campus-market-backend/internal/repo"
)

const (
	MaxTitleRunes       = 200
	MaxDescriptionRunes = 2000

	// defaultIdempotencyScope is used when the caller does not name one.
	defaultIdempotencyScope = "requests.create"

	// enqueueWarning is surfaced to the client when the request was admitted
	// but its broadcast could not be scheduled.
	enqueueWarning = "request created, but the campus broadcast could not be scheduled"
)

// BroadcastEnqueuer schedules the broadcast for an admitted Urgent request.
type BroadcastEnqueuer interface {
	EnqueueUrgent(ctx context.Context, p broadcast.Payload) (broadcast.EnqueueResult, error)
}

// CreateRequestInput is the raw submission. Kind is matched
// case-insensitively and defaults to Normal when empty.
type CreateRequestInput struct {
	UserID           string
	Title            string
	Description      string
	Kind             string
	IdempotencyScope string
	IdempotencyKey   string
}

// CreateRequestResult describes an admitted (or replayed) request.
type CreateRequestResult struct {
	Request         domain.Request
	RemainingTokens int
	BroadcastJobID  string
	Warning         string
	Replayed        bool
}

// AdmissionService admits requests.
type AdmissionService struct {
	DB             *gorm.DB
	Broadcasts     BroadcastEnqueuer
	Notifier       Notifier
	IdempotencyTTL time.Duration
	Log            *zerolog.Logger
}

// NewAdmissionService wires an AdmissionService with a 24h idempotency TTL.
func NewAdmissionService(db *gorm.DB, b BroadcastEnqueuer, n Notifier) *AdmissionService {
	return &AdmissionService{DB: db, Broadcasts: b, Notifier: n, IdempotencyTTL: 24 * time.Hour}
}

func (s *AdmissionService) logger() *zerolog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return &log.Logger
}

// errReplay aborts the admission transaction when a concurrent submission
// with the same idempotency key committed first.
var errReplay = errors.New("idempotency key already used")

// Create validates and admits a request.
//
// Order of effects: validation, idempotent replay lookup, then a single
// transaction that locks the user, checks and debits the balance, inserts
// the request and the idempotency record. After commit, Urgent requests are
// enqueued for broadcast and the notifier is called.
func (s *AdmissionService) Create(ctx context.Context, in CreateRequestInput) (*CreateRequestResult, error) {
	tr := otel.Tracer("services/AdmissionService")
	ctx, span := tr.Start(ctx, "Create",
		trace.WithAttributes(
			attribute.String("user.id", in.UserID),
			attribute.String("request.kind", in.Kind),
			attribute.Bool("idempotent", in.IdempotencyKey != ""),
		),
	)
	defer span.End()

	title, desc, kind, err := normalizeInput(in)
	if err != nil {
		admissionRejections.WithLabelValues("validation").Inc()
		return nil, err
	}
	scope := in.IdempotencyScope
	if scope == "" {
		scope = defaultIdempotencyScope
	}
	key := strings.TrimSpace(in.IdempotencyKey)

	if key != "" {
		if res, err := s.replay(ctx, in.UserID, scope, key); err != nil || res != nil {
			return res, err
		}
	}

	var (
		created   domain.Request
		remaining int
		requester string
	)
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		u, err := repo.LockUser(ctx, tx, in.UserID)
		if errors.Is(err, repo.ErrNotFound) {
			return ErrUserNotFound
		}
		if err != nil {
			return err
		}

		cost := kind.TokenCost()
		if cost > u.TokenBalance {
			return ErrInsufficientTokens
		}
		if err := repo.DebitTokens(ctx, tx, u.ID, cost); err != nil {
			if errors.Is(err, repo.ErrInsufficientBalance) {
				return ErrInsufficientTokens
			}
			return err
		}

		now := time.Now().UTC()
		created = domain.Request{
			ID:          uuid.NewString(),
			UserID:      u.ID,
			Title:       title,
			Description: desc,
			Kind:        kind,
			TokenCost:   cost,
			Status:      domain.RequestOpen,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := repo.CreateRequest(ctx, tx, &created); err != nil {
			return err
		}

		if key != "" {
			if _, err := repo.CreateIdempotency(ctx, tx, u.ID, scope, key, created.ID, 201, s.ttl()); err != nil {
				if errors.Is(err, repo.ErrDuplicate) {
					return errReplay
				}
				return err
			}
		}

		remaining = u.TokenBalance - cost
		requester = u.Name
		return nil
	})
	switch {
	case errors.Is(err, errReplay):
		res, rerr := s.replay(ctx, in.UserID, scope, key)
		if rerr == nil && res == nil {
			rerr = fmt.Errorf("idempotency record for key %q vanished", key)
		}
		return res, rerr
	case errors.Is(err, ErrUserNotFound):
		admissionRejections.WithLabelValues("user_not_found").Inc()
		return nil, err
	case errors.Is(err, ErrInsufficientTokens):
		admissionRejections.WithLabelValues("insufficient_tokens").Inc()
		return nil, err
	case err != nil:
		span.RecordError(err)
		return nil, err
	}

	requestsCreated.WithLabelValues(string(kind)).Inc()
	span.SetAttributes(attribute.String("request.id", created.ID))
	res := &CreateRequestResult{Request: created, RemainingTokens: remaining}

	// The request is committed; side effects must not depend on the caller
	// still waiting.
	after := context.WithoutCancel(ctx)
	if kind == domain.KindUrgent {
		s.scheduleBroadcast(after, res, requester)
	}
	s.notify(after, res)
	return res, nil
}

func (s *AdmissionService) ttl() time.Duration {
	if s.IdempotencyTTL > 0 {
		return s.IdempotencyTTL
	}
	return 24 * time.Hour
}

// replay returns the stored outcome for (user, scope, key), or nil when
// there is none.
func (s *AdmissionService) replay(ctx context.Context, userID, scope, key string) (*CreateRequestResult, error) {
	rec, err := repo.GetIdempotency(ctx, s.DB, userID, scope, key, time.Now().UTC())
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	req, err := repo.GetRequest(ctx, s.DB, rec.RequestID, userID)
	if err != nil {
		return nil, fmt.Errorf("load replayed request: %w", err)
	}
	u, err := repo.GetUser(ctx, s.DB, userID)
	if err != nil {
		return nil, fmt.Errorf("load replayed balance: %w", err)
	}
	res := &CreateRequestResult{Request: *req, RemainingTokens: u.TokenBalance, Replayed: true}
	// A keyed retry also retries a broadcast the first attempt failed to
	// schedule. The queue absorbs a live duplicate job ID.
	if req.Kind == domain.KindUrgent {
		s.scheduleBroadcast(context.WithoutCancel(ctx), res, u.Name)
	}
	return res, nil
}

func (s *AdmissionService) scheduleBroadcast(ctx context.Context, res *CreateRequestResult, requester string) {
	lg := s.logger().With().Str("request_id", res.Request.ID).Logger()
	if s.Broadcasts == nil {
		broadcastEnqueues.WithLabelValues("error").Inc()
		lg.Warn().Msg("no broadcast queue configured")
		res.Warning = enqueueWarning
		return
	}
	out, err := s.Broadcasts.EnqueueUrgent(ctx, broadcast.Payload{
		RequestID:     res.Request.ID,
		RequesterID:   res.Request.UserID,
		RequesterName: requester,
		Title:         res.Request.Title,
		Description:   res.Request.Description,
	})
	if err != nil {
		broadcastEnqueues.WithLabelValues("error").Inc()
		lg.Warn().Err(err).Msg("broadcast enqueue failed; request stands")
		res.Warning = enqueueWarning
		return
	}
	if out.Duplicate {
		broadcastEnqueues.WithLabelValues("duplicate").Inc()
	} else {
		broadcastEnqueues.WithLabelValues("enqueued").Inc()
	}
	res.BroadcastJobID = out.JobID
}

// notify calls the notifier; neither an error nor a panic escapes.
func (s *AdmissionService) notify(ctx context.Context, res *CreateRequestResult) {
	if s.Notifier == nil {
		return
	}
	lg := s.logger()
	defer func() {
		if r := recover(); r != nil {
			lg.Error().Interface("panic", r).Str("request_id", res.Request.ID).Msg("notifier panicked")
		}
	}()
	if err := s.Notifier.RequestCreated(ctx, res.Request, res.RemainingTokens); err != nil {
		lg.Warn().Err(err).Str("request_id", res.Request.ID).Msg("notifier failed")
	}
}

// normalizeInput applies NFC normalization and trimming, then validates.
func normalizeInput(in CreateRequestInput) (title, desc string, kind domain.RequestKind, err error) {
	if strings.TrimSpace(in.UserID) == "" {
		return "", "", "", &ValidationError{Field: "user_id", Message: "is required"}
	}
	title = normalizeTitle(in.Title)
	desc = strings.TrimSpace(norm.NFC.String(in.Description))

	switch {
	case title == "":
		return "", "", "", &ValidationError{Field: "title", Message: "is required"}
	case utf8.RuneCountInString(title) > MaxTitleRunes:
		return "", "", "", &ValidationError{Field: "title", Message: fmt.Sprintf("must be at most %d characters", MaxTitleRunes)}
	case desc == "":
		return "", "", "", &ValidationError{Field: "description", Message: "is required"}
	case utf8.RuneCountInString(desc) > MaxDescriptionRunes:
		return "", "", "", &ValidationError{Field: "description", Message: fmt.Sprintf("must be at most %d characters", MaxDescriptionRunes)}
	}

	k, ok := domain.ParseRequestKind(in.Kind)
	if !ok {
		return "", "", "", &ValidationError{Field: "kind", Message: "must be Normal or Urgent"}
	}
	return title, desc, k, nil
}

// normalizeTitle NFC-normalizes, trims and collapses whitespace runs.
func normalizeTitle(s string) string {
	return whitespaceRE.ReplaceAllString(strings.TrimSpace(norm.NFC.String(s)), " ")
}

// whitespaceRE collapses consecutive whitespace to a single space.
var whitespaceRE = regexp.MustCompile(`\s+`)
