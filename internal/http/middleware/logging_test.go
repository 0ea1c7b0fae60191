package middleware

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func captureLogger(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := log.Logger
	t.Cleanup(func() { log.Logger = prev })
	log.Logger = zerolog.New(&buf)
	return &buf
}

// logLines decodes every JSON line written to buf.
func logLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("bad log line %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func accessLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, m := range logLines(t, buf) {
		if m["message"] == "http_request" {
			out = append(out, m)
		}
	}
	return out
}

func TestRequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestID())
	var seen string
	r.GET("/rid", func(c *gin.Context) {
		seen = RequestIDFrom(c)
		c.Status(http.StatusNoContent)
	})

	cases := []struct {
		name   string
		header string
		keep   bool
	}{
		{"generated when absent", "", false},
		{"propagated", "Z-REQ-123", true},
		{"replaced when malformed", "bad id\twith spaces", false},
		{"replaced when too long", strings.Repeat("a", 129), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/rid", nil)
			if tc.header != "" {
				req.Header.Set(strings.ToLower(requestIDHeader), tc.header)
			}
			r.ServeHTTP(w, req)
			got := w.Header().Get(requestIDHeader)
			if got == "" || got != seen {
				t.Fatalf("header %q, context %q", got, seen)
			}
			if (got == tc.header) != tc.keep {
				t.Fatalf("got %q for header %q", got, tc.header)
			}
		})
	}
}

func TestRequestIDFrom_Fallbacks(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c := gin.CreateTestContextOnly(httptest.NewRecorder(), gin.New())
	if got := RequestIDFrom(c); got != "" {
		t.Fatalf("expected empty id, got %q", got)
	}
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	c.Request.Header.Set(requestIDHeader, "from-req")
	if got := RequestIDFrom(c); got != "from-req" {
		t.Fatalf("request header fallback = %q", got)
	}
	c.Writer.Header().Set(requestIDHeader, "from-resp")
	if got := RequestIDFrom(c); got != "from-resp" {
		t.Fatalf("response header fallback = %q", got)
	}
	c.Set(requestIDKey, "from-ctx")
	if got := RequestIDFrom(c); got != "from-ctx" {
		t.Fatalf("context value = %q", got)
	}
}

func TestAccessLog_FieldsAndRedaction(t *testing.T) {
	gin.SetMode(gin.TestMode)
	buf := captureLogger(t)

	r := gin.New()
	r.Use(RequestID(), Identity(), AccessLog(AccessLogOptions{MaskHeaders: []string{"X-Api-Key"}}))
	r.Use(IdempotencyValidator(IdempotencyOptions{}, nil))
	r.POST("/requests/:id", func(c *gin.Context) {
		LoggerFrom(c).Info().Msg("inside")
		c.String(http.StatusCreated, "ok")
	})

	q := "email=a.b+tag@example.edu&phone=+1-555-123-4567&id=123e4567-e89b-12d3-a456-426614174000"
	req := httptest.NewRequest(http.MethodPost, "/requests/r1?"+q, nil)
	req.Header.Set(HeaderUserID, "stu-1")
	req.Header.Set(requestIDHeader, "rid-1")
	req.Header.Set(HeaderIdempotencyKey, "k-1")
	req.Header.Set("Authorization", "Bearer secret")
	req.Header.Set("Cookie", "sid=topsecret")
	req.Header.Set("X-Api-Key", "shhh")
	req.Header.Set("X-Custom", "email a@b.com id=123e4567-e89b-12d3-a456-426614174000 phone 555-123-4567")
	r.ServeHTTP(httptest.NewRecorder(), req)

	lines := logLines(t, buf)
	if len(lines) != 2 {
		t.Fatalf("expected handler line + access line, got %d:\n%s", len(lines), buf.String())
	}
	inner := lines[0]
	if inner["message"] != "inside" || inner["request_id"] != "rid-1" || inner["user_id"] != "stu-1" || inner["route"] != "/requests/:id" {
		t.Fatalf("handler logger not request-scoped: %v", inner)
	}

	acc := lines[1]
	if acc["level"] != "info" || acc["status"] != float64(201) || acc["idempotent"] != true || acc["replay"] != false {
		t.Fatalf("unexpected access line: %v", acc)
	}
	query, _ := acc["query"].(string)
	for _, tag := range []string{"[REDACTED:email]", "[REDACTED:phone]", "[REDACTED:id]"} {
		if !strings.Contains(query, tag) {
			t.Fatalf("query %q missing %s", query, tag)
		}
	}
	if strings.Contains(buf.String(), "example.edu") || strings.Contains(buf.String(), "topsecret") {
		t.Fatalf("PII leaked: %s", buf.String())
	}
	headers, _ := acc["headers"].(map[string]any)
	for _, h := range []string{"Authorization", "Cookie", "X-Api-Key"} {
		if headers[h] != "[REDACTED]" {
			t.Fatalf("%s must be masked, got %v", h, headers[h])
		}
	}
	if headers["X-Custom"] != "email [REDACTED:email] id=[REDACTED:id] phone [REDACTED:phone]" {
		t.Fatalf("X-Custom = %v", headers["X-Custom"])
	}
}

func TestAccessLog_Levels(t *testing.T) {
	gin.SetMode(gin.TestMode)
	buf := captureLogger(t)

	r := gin.New()
	r.Use(AccessLog(AccessLogOptions{}))
	r.GET("/tokens", func(c *gin.Context) { c.Status(http.StatusPaymentRequired) })
	r.GET("/bad", func(c *gin.Context) { c.Status(http.StatusBadRequest) })
	r.GET("/boom", func(c *gin.Context) { c.Status(http.StatusInternalServerError) })
	r.GET("/err", func(c *gin.Context) {
		_ = c.Error(errors.New("db"))
		c.Status(http.StatusOK)
	})

	for _, p := range []string{"/tokens", "/bad", "/boom", "/err", "/missing"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, p, nil))
	}

	want := []struct{ level, route string }{
		{"info", "/tokens"},
		{"warn", "/bad"},
		{"error", "/boom"},
		{"error", "/err"},
		{"warn", "/missing"},
	}
	got := accessLines(t, buf)
	if len(got) != len(want) {
		t.Fatalf("expected %d access lines, got %d", len(want), len(got))
	}
	for i, w := range want {
		if got[i]["level"] != w.level || got[i]["route"] != w.route {
			t.Fatalf("line %d = %v, want %+v", i, got[i], w)
		}
	}
	if got[3]["errors"] == nil {
		t.Fatalf("gin errors should be logged: %v", got[3])
	}
}

func TestRecovery(t *testing.T) {
	gin.SetMode(gin.TestMode)
	buf := captureLogger(t)

	r := gin.New()
	r.Use(RequestID(), AccessLog(AccessLogOptions{}), Recovery())
	r.GET("/panic", func(c *gin.Context) { panic("kaboom") })
	r.GET("/panic-after-write", func(c *gin.Context) {
		c.String(http.StatusOK, "partial")
		panic("late")
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid json body: %v", err)
	}
	if body["code"] != "internal_error" || body["request_id"] != w.Header().Get(requestIDHeader) {
		t.Fatalf("unexpected body: %v", body)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic-after-write", nil))
	if strings.Contains(w.Body.String(), "internal_error") {
		t.Fatalf("no envelope after a partial write, got %q", w.Body.String())
	}

	var panics int
	for _, m := range logLines(t, buf) {
		if m["message"] == "panic recovered" {
			if m["request_id"] == "" || m["stack"] == nil {
				t.Fatalf("panic log lacks context: %v", m)
			}
			panics++
		}
	}
	if panics != 2 {
		t.Fatalf("expected 2 panic logs, got %d", panics)
	}
}

func TestLoggerFrom_FallsBackToGlobal(t *testing.T) {
	gin.SetMode(gin.TestMode)
	buf := captureLogger(t)
	c := gin.CreateTestContextOnly(httptest.NewRecorder(), gin.New())
	LoggerFrom(c).Info().Msg("plain")
	if !strings.Contains(buf.String(), `"message":"plain"`) || strings.Contains(buf.String(), "request_id") {
		t.Fatalf("unexpected fallback output: %s", buf.String())
	}
}

func TestTruncate(t *testing.T) {
	cases := []struct {
		in   string
		max  int
		want string
	}{
		{"hello", 10, "hello"},
		{"abcdefgh", 5, "abcde…"},
		{"abc", 0, "abc"},
	}
	for _, tc := range cases {
		if got := truncate(tc.in, tc.max); got != tc.want {
			t.Fatalf("truncate(%q, %d) = %q", tc.in, tc.max, got)
		}
	}
}
