package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/campus-market-backend/internal/domain"
	"github.com/tbourn/campus-market-backend/internal/mail"
	"github.com/tbourn/campus-market-backend/internal/repo"
)

// ----- Fake mailer -----

type fakeMailer struct {
	mu      sync.Mutex
	sent    []mail.Message
	failFor map[string]bool
	openErr error
	// failOpen makes the nth Open call (1-based) fail.
	failOpen int
	opens    int
}

func (m *fakeMailer) Open(ctx context.Context) (mail.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.openErr != nil {
		return nil, m.openErr
	}
	m.opens++
	if m.opens == m.failOpen {
		return nil, errors.New("relay reset")
	}
	return fakeSession{m}, nil
}

type fakeSession struct{ m *fakeMailer }

func (s fakeSession) Send(ctx context.Context, msg mail.Message) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if s.m.failFor[msg.To] {
		return errors.New("mailbox unavailable")
	}
	s.m.sent = append(s.m.sent, msg)
	return nil
}

func (s fakeSession) Close() error { return nil }

func (m *fakeMailer) recipients() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]int{}
	for _, msg := range m.sent {
		out[msg.To]++
	}
	return out
}

// ----- Helpers -----

func newDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

var seq int

func addUser(t *testing.T, db *gorm.DB, id string, email string, verified bool) {
	t.Helper()
	seq++
	u := domain.User{
		ID:        id,
		Name:      strings.ToUpper(id),
		Verified:  verified,
		CreatedAt: time.Date(2025, 1, 1, 0, 0, seq, 0, time.UTC),
	}
	if email != "" {
		u.Email = &email
	}
	u.UpdatedAt = u.CreatedAt
	if err := db.Create(&u).Error; err != nil {
		t.Fatalf("seed user %s: %v", id, err)
	}
}

func body(t *testing.T, p Payload) []byte {
	t.Helper()
	b, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func payloadFor(requestID, requesterID string) Payload {
	return Payload{
		RequestID:     requestID,
		RequesterID:   requesterID,
		RequesterName: "Ada",
		Title:         "Need a charger",
		Description:   "USB-C please",
	}
}

func meta(jobID string, attempt, max int) JobMeta {
	return JobMeta{JobID: jobID, Attempt: attempt, MaxAttempts: max}
}

func mustLog(t *testing.T, db *gorm.DB, jobID string) *domain.BroadcastLog {
	t.Helper()
	l, err := repo.GetBroadcastLog(context.Background(), db, jobID)
	if err != nil {
		t.Fatalf("GetBroadcastLog(%s): %v", jobID, err)
	}
	return l
}

// ----- Tests -----

func TestHandle_SendsOneEmailPerRecipientAndCompletes(t *testing.T) {
	db := newDB(t)
	addUser(t, db, "requester", "req@uni.edu", true)
	addUser(t, db, "a", "a@uni.edu", true)
	addUser(t, db, "b", "b@uni.edu", true)
	addUser(t, db, "c", "c@uni.edu", true)
	addUser(t, db, "unverified", "u@uni.edu", false)
	addUser(t, db, "noemail", "", true)

	m := &fakeMailer{}
	p := &Processor{DB: db, Mailer: m, PageSize: 50, BaseURL: "https://market.example.edu/"}

	var progress []float64
	jm := meta(JobID("r1"), 1, 3)
	jm.Progress = func(f float64) { progress = append(progress, f) }

	if err := p.Handle(context.Background(), jm, body(t, payloadFor("r1", "requester"))); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	got := m.recipients()
	if len(got) != 3 || got["a@uni.edu"] != 1 || got["b@uni.edu"] != 1 || got["c@uni.edu"] != 1 {
		t.Fatalf("expected exactly one email to each of 3 recipients, got %v", got)
	}
	for _, msg := range m.sent {
		if msg.Subject != "Urgent request: Need a charger" {
			t.Fatalf("unexpected subject %q", msg.Subject)
		}
		if !strings.Contains(msg.Text, "https://market.example.edu/requests/r1") || !strings.Contains(msg.HTML, "USB-C please") {
			t.Fatalf("unexpected body: %q / %q", msg.Text, msg.HTML)
		}
	}

	l := mustLog(t, db, JobID("r1"))
	if l.Status != domain.BroadcastCompleted || l.TotalRecipients != 3 || l.EmailsSent != 3 || l.EmailsFailed != 0 || l.LastError != nil || l.CompletedAt == nil {
		t.Fatalf("unexpected log: %+v", l)
	}
	if len(progress) == 0 || progress[len(progress)-1] != 1 {
		t.Fatalf("expected progress to finish at 1, got %v", progress)
	}
}

func TestHandle_ZeroRecipientsCompletes(t *testing.T) {
	db := newDB(t)
	addUser(t, db, "requester", "req@uni.edu", true)

	m := &fakeMailer{}
	p := &Processor{DB: db, Mailer: m}
	if err := p.Handle(context.Background(), meta(JobID("r0"), 1, 3), body(t, payloadFor("r0", "requester"))); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	l := mustLog(t, db, JobID("r0"))
	if l.Status != domain.BroadcastCompleted || l.EmailsSent != 0 || l.LastError != nil {
		t.Fatalf("expected completed with zero sent, got %+v", l)
	}
	if m.opens != 0 {
		t.Fatalf("no mail session should be opened, got %d", m.opens)
	}
}

func TestHandle_RedeliveryOfCompletedJobIsNoop(t *testing.T) {
	db := newDB(t)
	addUser(t, db, "requester", "req@uni.edu", true)
	addUser(t, db, "a", "a@uni.edu", true)

	m := &fakeMailer{}
	p := &Processor{DB: db, Mailer: m}
	b := body(t, payloadFor("r2", "requester"))

	if err := p.Handle(context.Background(), meta(JobID("r2"), 1, 3), b); err != nil {
		t.Fatalf("first Handle: %v", err)
	}
	before := mustLog(t, db, JobID("r2"))

	if err := p.Handle(context.Background(), meta(JobID("r2"), 1, 3), b); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	after := mustLog(t, db, JobID("r2"))

	if len(m.sent) != 1 {
		t.Fatalf("redelivery must not send again, sent=%d", len(m.sent))
	}
	if after.Status != domain.BroadcastCompleted || after.EmailsSent != before.EmailsSent || after.Attempts != before.Attempts {
		t.Fatalf("log changed on redelivery: before=%+v after=%+v", before, after)
	}
}

func TestHandle_PerRecipientFailureDoesNotAbort(t *testing.T) {
	db := newDB(t)
	addUser(t, db, "requester", "req@uni.edu", true)
	addUser(t, db, "a", "a@uni.edu", true)
	addUser(t, db, "b", "b@uni.edu", true)
	addUser(t, db, "c", "c@uni.edu", true)

	m := &fakeMailer{failFor: map[string]bool{"b@uni.edu": true}}
	p := &Processor{DB: db, Mailer: m, PageSize: 2}
	if err := p.Handle(context.Background(), meta(JobID("r3"), 1, 3), body(t, payloadFor("r3", "requester"))); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	got := m.recipients()
	if got["a@uni.edu"] != 1 || got["c@uni.edu"] != 1 || got["b@uni.edu"] != 0 {
		t.Fatalf("unexpected deliveries: %v", got)
	}
	l := mustLog(t, db, JobID("r3"))
	if l.Status != domain.BroadcastCompleted || l.EmailsSent != 2 || l.EmailsFailed != 1 {
		t.Fatalf("unexpected log: %+v", l)
	}
	// two pages, one session each
	if m.opens != 2 {
		t.Fatalf("expected 2 sessions, got %d", m.opens)
	}
}

func TestHandle_PaginatesAllRecipients(t *testing.T) {
	db := newDB(t)
	addUser(t, db, "requester", "req@uni.edu", true)
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("u%d", i)
		addUser(t, db, id, id+"@uni.edu", true)
	}

	m := &fakeMailer{}
	p := &Processor{DB: db, Mailer: m, PageSize: 2, BatchDelay: time.Millisecond}
	if err := p.Handle(context.Background(), meta(JobID("r4"), 1, 3), body(t, payloadFor("r4", "requester"))); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	got := m.recipients()
	if len(got) != 5 {
		t.Fatalf("expected 5 distinct recipients, got %v", got)
	}
	for addr, n := range got {
		if n != 1 {
			t.Fatalf("%s received %d emails", addr, n)
		}
	}
	if m.opens != 3 {
		t.Fatalf("expected 3 pages, got %d", m.opens)
	}
}

func TestHandle_TransportFailureRetriesThenFails(t *testing.T) {
	db := newDB(t)
	addUser(t, db, "requester", "req@uni.edu", true)
	addUser(t, db, "a", "a@uni.edu", true)

	m := &fakeMailer{openErr: errors.New("relay unreachable")}
	p := &Processor{DB: db, Mailer: m}
	b := body(t, payloadFor("r5", "requester"))
	id := JobID("r5")

	for attempt := 1; attempt <= 2; attempt++ {
		if err := p.Handle(context.Background(), meta(id, attempt, 3), b); err == nil {
			t.Fatalf("attempt %d: expected error", attempt)
		}
		l := mustLog(t, db, id)
		if l.Status != domain.BroadcastRetrying || l.LastError == nil || l.Attempts != attempt {
			t.Fatalf("attempt %d: expected retrying with error, got %+v", attempt, l)
		}
	}

	if err := p.Handle(context.Background(), meta(id, 3, 3), b); err == nil {
		t.Fatalf("final attempt: expected error")
	}
	l := mustLog(t, db, id)
	if l.Status != domain.BroadcastFailed || l.LastError == nil || !strings.Contains(*l.LastError, "relay unreachable") {
		t.Fatalf("expected failed with error, got %+v", l)
	}
}

func TestHandle_TimeoutOnFinalAttemptStillRecordsFailure(t *testing.T) {
	db := newDB(t)
	addUser(t, db, "requester", "req@uni.edu", true)
	addUser(t, db, "a", "a@uni.edu", true)
	addUser(t, db, "b", "b@uni.edu", true)

	m := &fakeMailer{}
	p := &Processor{DB: db, Mailer: m, PageSize: 1, BatchDelay: time.Hour, JobTimeout: 50 * time.Millisecond}

	err := p.Handle(context.Background(), meta(JobID("r6"), 3, 3), body(t, payloadFor("r6", "requester")))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	l := mustLog(t, db, JobID("r6"))
	if l.Status != domain.BroadcastFailed || l.LastError == nil || l.EmailsSent != 1 {
		t.Fatalf("expected failed after one page, got %+v", l)
	}
}

func TestHandle_MalformedPayloadIsPermanent(t *testing.T) {
	cases := []struct {
		name    string
		jobID   string
		body    string
		wantReq string
		wantErr string
	}{
		{"missing requester", JobID("x"), `{"request_id":"x"}`, "x", "requester_id"},
		{"undecodable body", JobID("r-broken"), `{not json`, "r-broken", "decode payload"},
		{"foreign job id", "job-x", `{"request_id":""}`, "", "request_id"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			db := newDB(t)
			m := &fakeMailer{}
			p := &Processor{DB: db, Mailer: m}
			err := p.Handle(context.Background(), meta(tc.jobID, 1, 3), []byte(tc.body))
			if !errors.Is(err, ErrPermanent) {
				t.Fatalf("expected ErrPermanent, got %v", err)
			}
			l := mustLog(t, db, tc.jobID)
			if l.Status != domain.BroadcastFailed || l.CompletedAt == nil || l.RequestID != tc.wantReq {
				t.Fatalf("expected failed row for %q, got %+v", tc.wantReq, l)
			}
			if l.LastError == nil || !strings.Contains(*l.LastError, tc.wantErr) {
				t.Fatalf("last_error should mention %q, got %v", tc.wantErr, l.LastError)
			}
			if m.opens != 0 {
				t.Fatalf("no mail should be attempted")
			}
		})
	}
}

func TestHandle_MalformedRedeliveryLeavesCompletedRow(t *testing.T) {
	db := newDB(t)
	addUser(t, db, "requester", "req@uni.edu", true)
	p := &Processor{DB: db, Mailer: &fakeMailer{}}
	if err := p.Handle(context.Background(), meta(JobID("r9"), 1, 3), body(t, payloadFor("r9", "requester"))); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if err := p.Handle(context.Background(), meta(JobID("r9"), 1, 3), []byte(`{}`)); !errors.Is(err, ErrPermanent) {
		t.Fatalf("expected ErrPermanent, got %v", err)
	}
	if l := mustLog(t, db, JobID("r9")); l.Status != domain.BroadcastCompleted || l.LastError != nil {
		t.Fatalf("completed row must not be overwritten: %+v", l)
	}
}

func TestHandle_RetryReportsFinalAttemptCounters(t *testing.T) {
	db := newDB(t)
	addUser(t, db, "requester", "req@uni.edu", true)
	for _, id := range []string{"a", "b", "c", "d"} {
		addUser(t, db, id, id+"@uni.edu", true)
	}

	m := &fakeMailer{failOpen: 2}
	p := &Processor{DB: db, Mailer: m, PageSize: 2}
	b := body(t, payloadFor("r10", "requester"))
	id := JobID("r10")

	if err := p.Handle(context.Background(), meta(id, 1, 3), b); err == nil {
		t.Fatalf("attempt 1: expected the second page to fail")
	}
	if l := mustLog(t, db, id); l.Status != domain.BroadcastRetrying || l.EmailsSent != 2 {
		t.Fatalf("attempt 1: expected retrying after one page, got %+v", l)
	}

	if err := p.Handle(context.Background(), meta(id, 2, 3), b); err != nil {
		t.Fatalf("attempt 2: %v", err)
	}
	l := mustLog(t, db, id)
	if l.Status != domain.BroadcastCompleted || l.Attempts != 2 || l.TotalRecipients != 4 || l.EmailsSent != 4 || l.EmailsFailed != 0 {
		t.Fatalf("expected completed with 4/4 sent, got %+v", l)
	}
}

func TestHandle_DerivesJobIDWhenMissing(t *testing.T) {
	db := newDB(t)
	addUser(t, db, "requester", "req@uni.edu", true)
	p := &Processor{DB: db, Mailer: &fakeMailer{}}
	if err := p.Handle(context.Background(), JobMeta{Attempt: 1, MaxAttempts: 1}, body(t, payloadFor("r7", "requester"))); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	mustLog(t, db, JobID("r7"))
}
