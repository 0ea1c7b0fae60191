// Package services defines the business logic for admitting marketplace
// requests, querying them, and periodic token maintenance. This file
// centralizes common service-level error values so that they can be
// consistently returned by service methods and checked by callers.
//
// These errors are intended for internal use by the service layer and translation
// into user-facing messages or HTTP status codes should be performed at the
// handler/controller layer.
package services

import (
	"errors"
	"fmt"
)

var (
	// ErrUserNotFound indicates that the acting user does not exist.
	ErrUserNotFound = errors.New("user not found")

	// ErrInsufficientTokens is returned when an Urgent request is submitted
	// by a user whose token balance cannot cover its cost.
	ErrInsufficientTokens = errors.New("insufficient tokens for Urgent request")

	// ErrRequestNotFound indicates that the requested request does not exist
	// or is not owned by the current user.
	ErrRequestNotFound = errors.New("request not found")

	// ErrNotUrgent is returned when broadcast status is asked for a request
	// that was never broadcast.
	ErrNotUrgent = errors.New("request is not Urgent; no broadcast")
)

// ValidationError reports invalid admission input. Field names match the
// JSON body.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Message)
}
