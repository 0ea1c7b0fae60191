// Request HTTP handlers.
//
// This file exposes REST endpoints for marketplace requests:
//   - POST   /requests                 (admit; Urgent requests are broadcast)
//   - GET    /requests                 (list, paginated, ETag support)
//   - GET    /requests/{id}/broadcast  (broadcast progress)
//   - GET    /me/tokens                (token balance)
//
// Handlers are transport-thin: they validate input, call application services,
// and translate results into HTTP responses (including conditional responses).
package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tbourn/campus-market-backend/internal/domain"
	"github.com/tbourn/campus-market-backend/internal/http/middleware"
	"github.com/tbourn/campus-market-backend/internal/services"
	"github.com/tbourn/campus-market-backend/internal/utils"
)

//
// Service contracts (context-aware)
//

// AdmissionService admits new requests, debiting tokens and scheduling
// broadcasts for Urgent ones.
type AdmissionService interface {
	Create(ctx context.Context, in services.CreateRequestInput) (*services.CreateRequestResult, error)
}

// QueryService answers read-only questions about a user's requests.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type QueryService interface {
	// ListPage returns a page of the user's requests and the total count.
	ListPage(ctx context.Context, userID string, page, pageSize int) ([]domain.Request, int64, error)
	// Stats returns the count and newest update time, used for ETags.
	Stats(ctx context.Context, userID string) (int64, *time.Time, error)
	// Broadcast returns broadcast progress for one of the user's Urgent requests.
	Broadcast(ctx context.Context, userID, requestID string) (*domain.BroadcastLog, error)
	// TokenBalance returns the user's current balance.
	TokenBalance(ctx context.Context, userID string) (int, error)
}

//
// Handler wiring
//

// Handlers groups HTTP endpoints for requests and balances.
type Handlers struct {
	admission AdmissionService
	query     QueryService
}

// New constructs and returns a Handlers instance bound to the given services.
func New(admission AdmissionService, query QueryService) *Handlers {
	return &Handlers{admission: admission, query: query}
}

// requireUser writes 401 and returns false when the request is anonymous.
func requireUser(c *gin.Context) (string, bool) {
	uid := middleware.UserID(c)
	if uid == "" {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "X-User-ID header required")
		return "", false
	}
	return uid, true
}

//
// DTOs
//

// CreateRequestBody is the JSON payload for posting a request.
type CreateRequestBody struct {
	// Title is 1–200 characters after normalization.
	Title string `json:"title" example:"Need a TI-84 calculator for tomorrow's exam"`
	// Description is 1–2000 characters after normalization.
	Description string `json:"description" example:"Will return it right after. Library, 9am."`
	// Kind is Normal (default) or Urgent. Urgent costs one token and is
	// emailed to every verified student.
	Kind string `json:"kind" enums:"Normal,Urgent" example:"Urgent"`
}

// CreateRequestResponse describes an admitted request.
type CreateRequestResponse struct {
	Request         domain.Request `json:"request"`
	RemainingTokens int            `json:"remaining_tokens" example:"0"`
	// Set for Urgent requests whose broadcast was scheduled.
	BroadcastJobID string `json:"broadcast_job_id,omitempty" example:"urgent-broadcast-req-2b0c5a3e-3d8f-4c35-9d0e-5d2f3f3f8a11"`
	// Set when the request was admitted but the broadcast could not be scheduled.
	Warning string `json:"warning,omitempty"`
	// True when the Idempotency-Key matched an earlier submission.
	Replayed bool `json:"replayed,omitempty"`
}

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// ListRequestsResponse wraps a page of requests and pagination information.
type ListRequestsResponse struct {
	Requests   []domain.Request `json:"requests"`
	Pagination Pagination       `json:"pagination"`
}

// TokenBalanceResponse reports the caller's token balance.
type TokenBalanceResponse struct {
	Balance int `json:"balance" example:"1"`
}

//
// Helpers
//

// clampPagination parses and bounds page and page_size query params to sane
// defaults and limits, returning (page, pageSize).
func clampPagination(c *gin.Context) (page, pageSize int) {
	const (
		defaultPage     = 1
		defaultPageSize = 20
		maxPageSize     = 100
	)
	page = utils.AtoiDefault(c.Query("page"), defaultPage)
	if page < 1 {
		page = 1
	}
	pageSize = utils.ClampInt(utils.AtoiDefault(c.Query("page_size"), defaultPageSize), 1, maxPageSize)
	return
}

// failService maps service errors onto the HTTP error taxonomy.
func failService(c *gin.Context, err error) {
	var ve *services.ValidationError
	switch {
	case errors.As(err, &ve):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, ve.Error())
	case errors.Is(err, services.ErrInsufficientTokens):
		fail(c, http.StatusPaymentRequired, ErrCodeInsufficientTokens, err.Error())
	case errors.Is(err, services.ErrUserNotFound),
		errors.Is(err, services.ErrRequestNotFound),
		errors.Is(err, services.ErrNotUrgent):
		fail(c, http.StatusNotFound, ErrCodeNotFound, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		fail(c, http.StatusGatewayTimeout, ErrCodeInternal, "request timed out")
	default:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "internal error")
	}
}

//
// Handlers
//

// CreateRequest godoc
// @ID          createRequest
// @Summary     Post a request
// @Description Admits a Normal or Urgent request for the current user. Urgent requests cost one token, which is debited atomically with creation, and are then emailed to every verified student. A repeated Idempotency-Key returns the original request with 200 and replayed=true.
// @Tags        Requests
// @Accept      json
// @Produce     json
//
// @Param       X-User-ID        header  string  true  "Authenticated user id"                 example(user123)
// @Param       Idempotency-Key  header  string  false "Makes retries of this call safe"       example(4b8e6a4c-1b2d-4c1e-9d0a-3f8f2c6b7a10)
// @Param       body             body    handlers.CreateRequestBody  true  "Request payload"
//
// @Success     201  {object}  handlers.CreateRequestResponse
// @Success     200  {object}  handlers.CreateRequestResponse  "Replayed"
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     401  {object}  handlers.ErrorResponse  "Missing user"
// @Failure     402  {object}  handlers.ErrorResponse  "Insufficient tokens"
// @Failure     404  {object}  handlers.ErrorResponse  "User not found"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /requests [post]
func (h *Handlers) CreateRequest(c *gin.Context) {
	uid, okUser := requireUser(c)
	if !okUser {
		return
	}

	var body CreateRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}

	in := services.CreateRequestInput{
		UserID:      uid,
		Title:       body.Title,
		Description: body.Description,
		Kind:        body.Kind,
	}
	if key, has := middleware.GetIdempotencyKey(c); has {
		in.IdempotencyKey = key
		in.IdempotencyScope = middleware.GetIdempotencyScope(c)
	}

	res, err := h.admission.Create(c.Request.Context(), in)
	if err != nil {
		failService(c, err)
		return
	}

	if res.Warning != "" {
		middleware.LoggerFrom(c).Warn().
			Str("request_id", res.Request.ID).
			Msg(res.Warning)
	}

	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	ok(c, status, CreateRequestResponse{
		Request:         res.Request,
		RemainingTokens: res.RemainingTokens,
		BroadcastJobID:  res.BroadcastJobID,
		Warning:         res.Warning,
		Replayed:        res.Replayed,
	})
}

// ListRequests godoc
// @ID          listRequests
// @Summary     List my requests (paginated)
// @Description Returns a page of the user's requests, newest first. Supports weak ETag via If-None-Match and may return 304.
// @Tags        Requests
// @Produce     json
//
// @Param       X-User-ID      header  string  true  "Authenticated user id"        example(user123)
// @Param       If-None-Match  header  string  false "Return 304 if ETag matches"  example(W/\"abc123\")
// @Param       page           query   int     false "Page number"                  minimum(1) default(1)
// @Param       page_size      query   int     false "Items per page"               minimum(1) maximum(100) default(20)
//
// @Success     200  {object} handlers.ListRequestsResponse
// @Header      200  {string} ETag  "Weak ETag for current result"
// @Success     304  {string} string "Not Modified"
// @Failure     401  {object} handlers.ErrorResponse "Missing user"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /requests [get]
func (h *Handlers) ListRequests(c *gin.Context) {
	uid, okUser := requireUser(c)
	if !okUser {
		return
	}
	ctx := c.Request.Context()
	page, pageSize := clampPagination(c)

	// ETag pre-check (best effort).
	if count, maxTS, err := h.query.Stats(ctx, uid); err == nil {
		var ts int64
		if maxTS != nil {
			ts = maxTS.UnixNano()
		}
		etag := fmt.Sprintf(`W/"requests:%s:%d:%d:%d:%d"`, uid, count, ts, page, pageSize)
		c.Header("ETag", etag)
		if inm := strings.TrimSpace(c.GetHeader("If-None-Match")); inm != "" && inm == etag {
			c.Status(http.StatusNotModified)
			return
		}
	}

	items, total, err := h.query.ListPage(ctx, uid, page, pageSize)
	if err != nil {
		failService(c, err)
		return
	}

	totalPages := utils.TotalPages(total, pageSize)
	ok(c, http.StatusOK, ListRequestsResponse{
		Requests: items,
		Pagination: Pagination{
			Page:       page,
			PageSize:   pageSize,
			Total:      total,
			TotalPages: totalPages,
			HasNext:    page < totalPages,
		},
	})
}

// GetBroadcast godoc
// @ID          getBroadcast
// @Summary     Broadcast progress of an Urgent request
// @Description Returns the delivery log of the campus-wide email broadcast for one of the user's Urgent requests. Before the worker picks the job up the status is "pending".
// @Tags        Requests
// @Produce     json
//
// @Param       X-User-ID  header  string  true  "Authenticated user id"  example(user123)
// @Param       id         path    string  true  "Request ID (UUID)"      format(uuid)
//
// @Success     200  {object} domain.BroadcastLog
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     401  {object} handlers.ErrorResponse "Missing user"
// @Failure     404  {object} handlers.ErrorResponse "Request not found or not Urgent"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /requests/{id}/broadcast [get]
func (h *Handlers) GetBroadcast(c *gin.Context) {
	uid, okUser := requireUser(c)
	if !okUser {
		return
	}
	reqID := c.Param("id")
	if _, err := uuid.Parse(reqID); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "request id must be a UUID")
		return
	}

	l, err := h.query.Broadcast(c.Request.Context(), uid, reqID)
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusOK, l)
}

// GetTokenBalance godoc
// @ID          getTokenBalance
// @Summary     My token balance
// @Tags        Users
// @Produce     json
//
// @Param       X-User-ID  header  string  true  "Authenticated user id"  example(user123)
//
// @Success     200  {object} handlers.TokenBalanceResponse
// @Failure     401  {object} handlers.ErrorResponse "Missing user"
// @Failure     404  {object} handlers.ErrorResponse "User not found"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /me/tokens [get]
func (h *Handlers) GetTokenBalance(c *gin.Context) {
	uid, okUser := requireUser(c)
	if !okUser {
		return
	}
	bal, err := h.query.TokenBalance(c.Request.Context(), uid)
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusOK, TokenBalanceResponse{Balance: bal})
}
