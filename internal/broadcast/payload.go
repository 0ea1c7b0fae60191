// Package broadcast turns admitted Urgent requests into campus-wide email
// broadcasts. The Enqueuer submits one job per request under a
// deterministic identity; the Processor consumes jobs, pages through the
// recipient set and records progress in the broadcast log, which is the
// authoritative guard against sending a completed broadcast twice.
package broadcast

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// TaskType is the queue routing key for broadcast jobs.
const TaskType = "broadcast:urgent"

const jobIDPrefix = "urgent-broadcast-req-"

// JobID returns the deterministic queue identity for a request's broadcast.
func JobID(requestID string) string { return jobIDPrefix + requestID }

var (
	// ErrDuplicateJob is returned by a Queue when a job with the same
	// identity already exists. The Enqueuer absorbs it.
	ErrDuplicateJob = errors.New("broadcast: duplicate job")

	// ErrPermanent marks job failures that must not be retried.
	ErrPermanent = errors.New("broadcast: permanent failure")
)

// ValidationError reports a malformed payload. Such payloads are never
// enqueued.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("broadcast: invalid %s: %s", e.Field, e.Reason)
}

var idRE = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,64}$`)

// Payload is the job body. It carries everything the worker needs to render
// the email so the request row is not re-read per recipient.
type Payload struct {
	RequestID     string `json:"request_id"`
	RequesterID   string `json:"requester_id"`
	RequesterName string `json:"requester_name"`
	Title         string `json:"title"`
	Description   string `json:"description"`
}

// Validate checks required fields and identifier shape.
func (p Payload) Validate() error {
	if p.RequestID == "" {
		return &ValidationError{Field: "request_id", Reason: "required"}
	}
	if !idRE.MatchString(p.RequestID) {
		return &ValidationError{Field: "request_id", Reason: "malformed identifier"}
	}
	if p.RequesterID == "" {
		return &ValidationError{Field: "requester_id", Reason: "required"}
	}
	if !idRE.MatchString(p.RequesterID) {
		return &ValidationError{Field: "requester_id", Reason: "malformed identifier"}
	}
	if strings.TrimSpace(p.Title) == "" {
		return &ValidationError{Field: "title", Reason: "required"}
	}
	return nil
}

// DecodePayload parses and validates a job body. Any failure wraps
// ErrPermanent since retrying cannot fix it.
func DecodePayload(body []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return Payload{}, fmt.Errorf("%w: decode payload: %v", ErrPermanent, err)
	}
	if err := p.Validate(); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrPermanent, err)
	}
	return p, nil
}

// salvageRequestID recovers the request a rejected job belonged to, first
// from the body and then from the job ID. It returns "" when neither holds
// a well-formed identifier.
func salvageRequestID(jobID string, body []byte) string {
	var partial struct {
		RequestID string `json:"request_id"`
	}
	if json.Unmarshal(body, &partial) == nil && requestRef(partial.RequestID) {
		return partial.RequestID
	}
	if rid, ok := strings.CutPrefix(jobID, jobIDPrefix); ok && requestRef(rid) {
		return rid
	}
	return ""
}

// requestRef must also fit the log's request_id column.
func requestRef(s string) bool { return len(s) <= 36 && idRE.MatchString(s) }
