package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRateLimiterBlocksAfterBurst(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"admin": {RequestsPerMinute: 60, Burst: 1},
	}, nil)

	handler := limiter.Middleware("admin")(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/sales/abc/pause", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected first request to succeed, got %d", res.Code)
	}

	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second request to be rate limited, got %d", res.Code)
	}
}

func TestRateLimiterSeparatesClients(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"admin": {RequestsPerMinute: 60, Burst: 1},
	}, nil)

	handler := limiter.Middleware("admin")(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	first := httptest.NewRequest(http.MethodPost, "/v1/sales/abc/pause", nil)
	first.Header.Set("X-Forwarded-For", "10.0.0.1")
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, first)
	if res.Code != http.StatusOK {
		t.Fatalf("expected first client to succeed, got %d", res.Code)
	}

	second := httptest.NewRequest(http.MethodPost, "/v1/sales/abc/pause", nil)
	second.Header.Set("X-Forwarded-For", "10.0.0.2")
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, second)
	if res.Code != http.StatusOK {
		t.Fatalf("expected second client to succeed, got %d", res.Code)
	}
}

func TestRateLimiterPassesUnknownGroups(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{}, nil)
	handler := limiter.Middleware("unconfigured")(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	for i := 0; i < 5; i++ {
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/v1/deals", nil))
		if res.Code != http.StatusOK {
			t.Fatalf("request %d blocked without a configured limit: %d", i, res.Code)
		}
	}
}
