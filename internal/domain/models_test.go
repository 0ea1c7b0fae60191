package domain

import (
	"testing"
	"time"
)

func TestParseRequestKind(t *testing.T) {
	tests := []struct {
		in     string
		want   RequestKind
		wantOK bool
	}{
		{"", KindNormal, true},
		{"Normal", KindNormal, true},
		{"  urgent ", KindUrgent, true},
		{"URGENT", KindUrgent, true},
		{"critical", "", false},
	}
	for _, tc := range tests {
		got, ok := ParseRequestKind(tc.in)
		if got != tc.want || ok != tc.wantOK {
			t.Fatalf("ParseRequestKind(%q) = (%q,%v), want (%q,%v)", tc.in, got, ok, tc.want, tc.wantOK)
		}
	}
}

func TestRequestKind_TokenCost(t *testing.T) {
	if KindUrgent.TokenCost() != 1 {
		t.Fatalf("urgent cost = %d, want 1", KindUrgent.TokenCost())
	}
	if KindNormal.TokenCost() != 0 {
		t.Fatalf("normal cost = %d, want 0", KindNormal.TokenCost())
	}
}

func TestBroadcastStatus_Terminal(t *testing.T) {
	for s, want := range map[BroadcastStatus]bool{
		BroadcastPending:    false,
		BroadcastProcessing: false,
		BroadcastRetrying:   false,
		BroadcastCompleted:  true,
		BroadcastFailed:     true,
	} {
		if s.Terminal() != want {
			t.Fatalf("%s.Terminal() = %v, want %v", s, !want, want)
		}
	}
}

func TestSchema_ChecksRejectInvalidRows(t *testing.T) {
	db := newTestDB(t)
	if err := db.AutoMigrate(&User{}, &Request{}, &BroadcastLog{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}

	now := time.Now().UTC()
	if err := db.Create(&User{ID: "u1", Name: "Ada", TokenBalance: 1, CreatedAt: now}).Error; err != nil {
		t.Fatalf("seed user: %v", err)
	}

	// Balance must never go negative.
	if err := db.Exec("UPDATE users SET token_balance = -1 WHERE id = ?", "u1").Error; err == nil {
		t.Fatalf("expected check violation for negative balance")
	}

	// Unknown kind is rejected by the schema as well.
	bad := &Request{ID: "r1", UserID: "u1", Title: "t", Description: "d", Kind: "Critical", Status: RequestOpen}
	if err := db.Create(bad).Error; err == nil {
		t.Fatalf("expected check violation for unknown kind")
	}

	// Job identity is unique.
	l1 := &BroadcastLog{ID: "l1", JobID: "j1", RequestID: "r1", Status: BroadcastProcessing}
	if err := db.Create(l1).Error; err != nil {
		t.Fatalf("insert log: %v", err)
	}
	l2 := &BroadcastLog{ID: "l2", JobID: "j1", RequestID: "r1", Status: BroadcastProcessing}
	if err := db.Create(l2).Error; err == nil {
		t.Fatalf("expected unique violation on job_id")
	}
}
