// Package handlers implements the campus market's HTTP endpoints.
//
// Every failure leaves through fail, which writes the error envelope below
// and logs 5xx with the request-scoped logger. Successes go through ok with
// the endpoint's own response type.
//
// A refused Urgent submission, for example:
//
//	HTTP/1.1 402 Payment Required
//	{
//	  "request_id": "7f3c1e52-0b1d-4a8e-9f57-2f5d0d7a9b10",
//	  "code": "insufficient_tokens",
//	  "message": "no tokens left for an urgent request"
//	}
//
// and an admitted one whose broadcast could not be queued:
//
//	HTTP/1.1 201 Created
//	{ "request": {...}, "remaining_tokens": 0, "warning": "request created, but ..." }
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/campus-market-backend/internal/http/middleware"
)

// ErrorResponse is the error envelope shared by all endpoints.
type ErrorResponse struct {
	// Echo of X-Request-ID for matching a failure to server logs.
	RequestID string `json:"request_id,omitempty" example:"7f3c1e52-0b1d-4a8e-9f57-2f5d0d7a9b10"`
	// One of the ErrCode constants.
	Code string `json:"code" example:"insufficient_tokens"`
	// Safe to show to the student.
	Message string `json:"message" example:"no tokens left for an urgent request"`
}

// fail aborts with an ErrorResponse. Server errors are logged; client
// errors are left to the access log.
func fail(c *gin.Context, status int, code, msg string) {
	if status >= http.StatusInternalServerError {
		middleware.LoggerFrom(c).Error().
			Int("status", status).
			Str("code", code).
			Str("message", msg).
			Msg("api error")
	}
	c.AbortWithStatusJSON(status, ErrorResponse{
		RequestID: middleware.RequestIDFrom(c),
		Code:      code,
		Message:   msg,
	})
}

// Fail lets the router write the same envelope for 404 and 405.
func Fail(c *gin.Context, status int, code, msg string) { fail(c, status, code, msg) }

func ok(c *gin.Context, status int, body any) {
	c.JSON(status, body)
}
