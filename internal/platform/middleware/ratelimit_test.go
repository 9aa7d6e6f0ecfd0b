package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

func okHandler(c echo.Context) error { return c.NoContent(http.StatusOK) }

func doRequest(t *testing.T, h echo.HandlerFunc, ip, user string) (*httptest.ResponseRecorder, error) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/ai/analyze/1", nil)
	req.RemoteAddr = ip + ":1234"
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if user != "" {
		c.Set("user_id", user)
	}
	return rec, h(c)
}

func TestRateLimit_AllowsBurstThenRejects(t *testing.T) {
	h := RateLimit(RateLimitConfig{RequestsPerSecond: 0.001, BurstSize: 2})(okHandler)

	for i := 0; i < 2; i++ {
		if _, err := doRequest(t, h, "10.0.0.1", ""); err != nil {
			t.Fatalf("request %d: unexpected error: %v", i, err)
		}
	}

	rec, err := doRequest(t, h, "10.0.0.1", "")
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %v", err)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
}

func TestRateLimit_SeparateKeys(t *testing.T) {
	h := RateLimit(RateLimitConfig{RequestsPerSecond: 0.001, BurstSize: 1})(okHandler)

	if _, err := doRequest(t, h, "10.0.0.1", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := doRequest(t, h, "10.0.0.2", ""); err != nil {
		t.Fatalf("second IP should have its own bucket: %v", err)
	}
}

func TestRateLimit_UserOrIPKey(t *testing.T) {
	h := RateLimit(RateLimitConfig{RequestsPerSecond: 0.001, BurstSize: 1, KeyFunc: UserOrIPKey})(okHandler)

	if _, err := doRequest(t, h, "10.0.0.1", "user-a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Same user from another address shares the bucket.
	if _, err := doRequest(t, h, "10.0.0.9", "user-a"); err == nil {
		t.Fatal("expected user bucket to be exhausted")
	}
	if _, err := doRequest(t, h, "10.0.0.1", "user-b"); err != nil {
		t.Fatalf("different user should pass: %v", err)
	}
}

func TestRateLimit_InvalidConfigUsesDefaults(t *testing.T) {
	h := RateLimit(RateLimitConfig{})(okHandler)
	for i := 0; i < 50; i++ {
		if _, err := doRequest(t, h, "10.0.0.1", ""); err != nil {
			t.Fatalf("request %d rejected under default limits: %v", i, err)
		}
	}
}

func TestLimiterStore_EvictsIdle(t *testing.T) {
	s := newLimiterStore(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1})
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	s.get("a")
	now = now.Add(time.Hour)
	s.get("b")

	if _, ok := s.visitors["a"]; ok {
		t.Error("expected idle visitor to be evicted")
	}
	if _, ok := s.visitors["b"]; !ok {
		t.Error("expected active visitor to remain")
	}
}
