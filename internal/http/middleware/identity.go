// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file resolves the acting user. Account authentication happens in an
// upstream gateway which forwards the account id in X-User-ID; Identity
// copies it into the Gin context under "userID" so logging, rate limiting
// and idempotency all key on the same value.
package middleware

import (
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	// HeaderUserID carries the authenticated account id.
	HeaderUserID = "X-User-ID"
	// ctxKeyUserID is shared with upstream auth middleware; keep it stable.
	ctxKeyUserID = "userID"
)

var userIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:@-]{1,64}$`)

// Identity stores a well-formed X-User-ID header value in the context.
// Malformed or missing values leave the request anonymous; handlers that
// need a user reject it.
func Identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := c.Get(ctxKeyUserID); !ok {
			if uid := strings.TrimSpace(c.GetHeader(HeaderUserID)); userIDPattern.MatchString(uid) {
				c.Set(ctxKeyUserID, uid)
			}
		}
		c.Next()
	}
}

// UserID returns the acting user, or "" for anonymous requests.
func UserID(c *gin.Context) string {
	if v, ok := c.Get(ctxKeyUserID); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
