package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/diagnosis/tripdesk/internal/http/response"
	"github.com/diagnosis/tripdesk/pkg/auth"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "test-secret"

func TestRequireCredential(t *testing.T) {
	valid, err := auth.NewAccessToken("user-1", "asha@example.com", "customer", secret, time.Hour)
	require.NoError(t, err)
	expired, err := auth.NewAccessToken("user-1", "asha@example.com", "customer", secret, -time.Minute)
	require.NoError(t, err)

	var seen *auth.Credential
	h := RequireCredential(secret, "/login", nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = Credential(r)
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		header string
		status int
	}{
		{"valid", "Bearer " + valid, http.StatusNoContent},
		{"missing", "", http.StatusUnauthorized},
		{"expired", "Bearer " + expired, http.StatusUnauthorized},
		{"garbage", "Bearer nope", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = nil
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			if tt.status != http.StatusUnauthorized {
				require.NotNil(t, seen)
				assert.Equal(t, "user-1", seen.Subject())
				return
			}
			var body response.ErrorResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			assert.Equal(t, response.CodeAuthRequired, body.Code)
			assert.Equal(t, "/login", body.LoginURL)
			assert.Nil(t, seen)
		})
	}
}

func TestRequireRole(t *testing.T) {
	h := RequireCredential(secret, "/login", nil)(
		RequireRole("support", "admin")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		})))

	tests := []struct {
		role   string
		status int
	}{
		{"support", http.StatusNoContent},
		{"admin", http.StatusNoContent},
		{"customer", http.StatusForbidden},
		{"", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run("role "+tt.role, func(t *testing.T) {
			tok, err := auth.NewAccessToken("user-1", "ops@example.com", tt.role, secret, time.Hour)
			require.NoError(t, err)
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set("Authorization", "Bearer "+tok)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestCodeVerifyKeys(t *testing.T) {
	var keys []string
	r := chi.NewRouter()
	r.Post("/sessions/{id}/codes/verify", func(w http.ResponseWriter, r *http.Request) {
		keys = CodeVerifyKeys(r)
	})

	req := httptest.NewRequest(http.MethodPost, "/sessions/sess-1/codes/verify", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	r.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, []string{"ip:203.0.113.7", "session:sess-1"}, keys)
}

func TestRateLimiterFailsOpen(t *testing.T) {
	passthrough := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	cfg := RateLimitConfig{Requests: 1, Window: time.Minute, KeyFunc: func(*http.Request) []string { return []string{"k"} }}

	t.Run("no redis", func(t *testing.T) {
		h := NewRateLimiter(nil, cfg).Middleware()(passthrough)
		for i := 0; i < 3; i++ {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
			assert.Equal(t, http.StatusOK, rec.Code)
		}
	})

	t.Run("redis unreachable", func(t *testing.T) {
		rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
		defer rdb.Close()
		h := NewRateLimiter(rdb, cfg).Middleware()(passthrough)

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}
