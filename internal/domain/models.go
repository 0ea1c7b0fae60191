// Package domain defines the persistence models for users, requests, and
// broadcast bookkeeping. These types are mapped with GORM and form the core
// data layer of the marketplace backend.
package domain

import (
	"strings"
	"time"
)

// RequestKind distinguishes ordinary requests from campus-wide Urgent ones.
type RequestKind string

const (
	KindNormal RequestKind = "Normal"
	KindUrgent RequestKind = "Urgent"
)

// ParseRequestKind maps user input onto a known RequestKind. Matching is
// case-insensitive and an empty value means Normal. Any other value is
// rejected with ok=false.
func ParseRequestKind(s string) (RequestKind, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "normal":
		return KindNormal, true
	case "urgent":
		return KindUrgent, true
	default:
		return "", false
	}
}

// TokenCost returns the number of tokens debited when a request of this kind
// is admitted.
func (k RequestKind) TokenCost() int {
	if k == KindUrgent {
		return 1
	}
	return 0
}

// RequestStatus is the lifecycle state of a Request.
type RequestStatus string

const (
	RequestOpen      RequestStatus = "Open"
	RequestFulfilled RequestStatus = "Fulfilled"
	RequestClosed    RequestStatus = "Closed"
)

// User is the subset of the account record the marketplace core relies on.
// Accounts are created by the authentication layer; this service only reads
// them and mutates TokenBalance under a row lock.
//
// Fields:
//   - ID: stable account identifier.
//   - Name: display name, used as the requester name in broadcasts.
//   - Email: optional address; users without one never receive broadcasts.
//   - Verified: only verified users are broadcast recipients.
//   - TokenBalance: Urgent-request allowance; never negative (DB check).
type User struct {
	ID           string    `json:"id"            gorm:"type:varchar(64);primaryKey"`
	Name         string    `json:"name"          gorm:"type:varchar(255);not null;default:''"`
	Email        *string   `json:"email,omitempty" gorm:"type:varchar(320);index"`
	Verified     bool      `json:"verified"      gorm:"not null;default:false;index"`
	TokenBalance int       `json:"token_balance" gorm:"not null;default:0;check:token_balance >= 0"`
	CreatedAt    time.Time `json:"created_at"    gorm:"index"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// TableName returns the database table name for User.
func (User) TableName() string { return "users" }

// Request is a user-authored need posted to the marketplace. Urgent requests
// cost one token, debited in the same transaction that inserts the row.
type Request struct {
	ID          string        `json:"id"          gorm:"type:char(36);primaryKey"`
	UserID      string        `json:"user_id"     gorm:"type:varchar(64);not null;index:idx_user_requests,priority:1"`
	Title       string        `json:"title"       gorm:"type:varchar(200);not null"`
	Description string        `json:"description" gorm:"type:text;not null"`
	Kind        RequestKind   `json:"kind"        gorm:"type:varchar(16);not null;default:'Normal';check:kind IN ('Normal','Urgent')"`
	TokenCost   int           `json:"token_cost"  gorm:"not null;default:0"`
	Status      RequestStatus `json:"status"      gorm:"type:varchar(16);not null;default:'Open';check:status IN ('Open','Fulfilled','Closed')"`
	CreatedAt   time.Time     `json:"created_at"  gorm:"index:idx_user_requests,priority:2"`
	UpdatedAt   time.Time     `json:"updated_at"`

	// User is the owning account.
	User User `json:"-" gorm:"foreignKey:UserID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Request.
func (Request) TableName() string { return "requests" }
