// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file carries request correlation and access logging. RequestID must
// run first, then Identity, then AccessLog, so the request-scoped logger
// handed to handlers already knows the request and the caller.
package middleware

import (
	"net/http"
	"regexp"
	"runtime/debug"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	requestIDKey    = "requestID"
	requestIDHeader = "X-Request-ID"
	ctxKeyLogger    = "logger"

	// maxQueryLogLength caps the logged raw query in bytes.
	maxQueryLogLength = 2048
)

// Client supplied ids are echoed into logs and headers, so only a tame
// alphabet is accepted.
var requestIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// RequestID propagates a well-formed X-Request-ID or generates a UUID, and
// stores it in the context and on the response.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(requestIDHeader)
		if !requestIDPattern.MatchString(rid) {
			rid = uuid.NewString()
		}
		c.Set(requestIDKey, rid)
		c.Writer.Header().Set(requestIDHeader, rid)
		c.Next()
	}
}

// RequestIDFrom returns the correlation id for c, or "" when none is known.
func RequestIDFrom(c *gin.Context) string {
	if v, ok := c.Get(requestIDKey); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	if s := c.Writer.Header().Get(requestIDHeader); s != "" {
		return s
	}
	if c.Request != nil {
		return c.GetHeader(requestIDHeader)
	}
	return ""
}

// AccessLogOptions configures AccessLog.
type AccessLogOptions struct {
	// MaskHeaders are logged as [REDACTED], on top of Authorization, Cookie
	// and Set-Cookie.
	MaskHeaders []string
}

// AccessLog attaches a request-scoped logger (request_id, user_id, method,
// route) for LoggerFrom and writes one "http_request" line per request.
// Query strings and header values are scrubbed; bodies are never logged.
func AccessLog(opts AccessLogOptions) gin.HandlerFunc {
	rd := newRedactor(opts.MaskHeaders)

	return func(c *gin.Context) {
		start := time.Now()

		l := log.With().
			Str("request_id", RequestIDFrom(c)).
			Str("user_id", UserID(c)).
			Str("method", c.Request.Method).
			Str("route", routeOf(c)).
			Logger()
		c.Set(ctxKeyLogger, &l)

		c.Next()

		status := c.Writer.Status()
		ev := l.WithLevel(levelFor(status, len(c.Errors) > 0))
		if len(c.Errors) > 0 {
			ev = ev.Str("errors", c.Errors.String())
		}
		if _, ok := GetIdempotencyKey(c); ok {
			ev = ev.Bool("idempotent", true).Bool("replay", IsReplay(c))
		}
		ev.
			Str("query", truncate(rd.scrub(c.Request.URL.RawQuery), maxQueryLogLength)).
			Str("remote_ip", c.ClientIP()).
			Int64("bytes_in", c.Request.ContentLength).
			Int("status", status).
			Int("bytes_out", c.Writer.Size()).
			Dur("latency", time.Since(start)).
			Interface("headers", rd.headers(c.Request.Header)).
			Msg("http_request")
	}
}

// levelFor picks the access log level. A 402 is the normal answer to an
// Urgent request without tokens and is not worth a warning.
func levelFor(status int, hasErrors bool) zerolog.Level {
	switch {
	case hasErrors || status >= http.StatusInternalServerError:
		return zerolog.ErrorLevel
	case status == http.StatusPaymentRequired:
		return zerolog.InfoLevel
	case status >= http.StatusBadRequest:
		return zerolog.WarnLevel
	}
	return zerolog.InfoLevel
}

// Recovery turns a panic into a 500 envelope and logs the stack with the
// request-scoped logger. If the handler already wrote a response only the
// status is set.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			LoggerFrom(c).Error().
				Interface("panic", rec).
				Bytes("stack", debug.Stack()).
				Msg("panic recovered")

			if c.Writer.Written() {
				c.AbortWithStatus(http.StatusInternalServerError)
				return
			}
			abort(c, http.StatusInternalServerError, "internal_error", "internal server error")
		}()
		c.Next()
	}
}

// LoggerFrom returns the logger attached by AccessLog, or the global logger.
func LoggerFrom(c *gin.Context) *zerolog.Logger {
	if v, ok := c.Get(ctxKeyLogger); ok {
		if lg, ok := v.(*zerolog.Logger); ok {
			return lg
		}
	}
	l := log.With().Logger()
	return &l
}

// abort ends the request with the API error envelope. handlers.Fail writes
// the same shape; this copy avoids an import cycle.
func abort(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, gin.H{
		"request_id": RequestIDFrom(c),
		"code":       code,
		"message":    msg,
	})
}

// routeOf returns the matched route pattern, or the raw path when nothing
// matched.
func routeOf(c *gin.Context) string {
	if p := c.FullPath(); p != "" {
		return p
	}
	return c.Request.URL.Path
}

// truncate cuts s to max bytes plus an ellipsis; max <= 0 disables it.
func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
