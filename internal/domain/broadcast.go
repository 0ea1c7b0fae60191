package domain

import "time"

// BroadcastStatus is the state of a broadcast job as recorded in its log row.
type BroadcastStatus string

const (
	BroadcastPending    BroadcastStatus = "pending"
	BroadcastProcessing BroadcastStatus = "processing"
	BroadcastRetrying   BroadcastStatus = "retrying"
	BroadcastCompleted  BroadcastStatus = "completed"
	BroadcastFailed     BroadcastStatus = "failed"
)

// Terminal reports whether no further processing is expected.
func (s BroadcastStatus) Terminal() bool {
	return s == BroadcastCompleted || s == BroadcastFailed
}

// BroadcastLog is the authoritative record of a broadcast job, keyed by job
// identity. It is written only by the worker. A row in status completed is
// never reprocessed, regardless of how often the queue redelivers the job.
//
// Fields:
//   - JobID: deterministic job identity (unique).
//   - RequestID: the Urgent request being broadcast.
//   - Attempts: attempt number of the most recent processing run.
//   - TotalRecipients / EmailsSent / EmailsFailed: progress counters.
//   - LastError: message of the most recent job-level failure, if any.
//   - StartedAt / CompletedAt: first claim and terminal timestamps.
type BroadcastLog struct {
	ID              string          `json:"id"               gorm:"type:char(36);primaryKey"`
	JobID           string          `json:"job_id"           gorm:"type:varchar(128);not null;uniqueIndex"`
	RequestID       string          `json:"request_id"       gorm:"type:char(36);not null;index"`
	Status          BroadcastStatus `json:"status"           gorm:"type:varchar(16);not null;index"`
	Attempts        int             `json:"attempts"         gorm:"not null;default:0"`
	TotalRecipients int             `json:"total_recipients" gorm:"not null;default:0"`
	EmailsSent      int             `json:"emails_sent"      gorm:"not null;default:0"`
	EmailsFailed    int             `json:"emails_failed"    gorm:"not null;default:0"`
	LastError       *string         `json:"last_error,omitempty" gorm:"type:text"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// TableName returns the database table name for BroadcastLog.
func (BroadcastLog) TableName() string { return "broadcast_logs" }
