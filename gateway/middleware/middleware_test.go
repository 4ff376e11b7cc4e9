package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func TestAuthenticatorEnforcesScopes(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{
		Enabled:    true,
		HMACSecret: "secret",
		Issuer:     "turingvote",
		Audience:   "tallyd",
	}, nil)
	var subject string
	handler := auth.Require(ScopeVotingToggle)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject = Subject(r.Context())
		require.Contains(t, Scopes(r.Context()), ScopeVotingToggle)
		w.WriteHeader(http.StatusOK)
	}))

	exp := time.Now().Add(time.Hour).Unix()
	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized},
		{"bad signature", "Bearer " + signToken(t, "other", jwt.MapClaims{"iss": "turingvote", "aud": "tallyd", "exp": exp}), http.StatusUnauthorized},
		{"wrong issuer", "Bearer " + signToken(t, "secret", jwt.MapClaims{"iss": "x", "aud": "tallyd", "exp": exp}), http.StatusUnauthorized},
		{"expired", "Bearer " + signToken(t, "secret", jwt.MapClaims{"iss": "turingvote", "aud": "tallyd", "exp": time.Now().Add(-time.Hour).Unix()}), http.StatusUnauthorized},
		{"missing scope", "Bearer " + signToken(t, "secret", jwt.MapClaims{"iss": "turingvote", "aud": "tallyd", "exp": exp, "scope": ScopeTokensIssue}), http.StatusForbidden},
		{"granted", "Bearer " + signToken(t, "secret", jwt.MapClaims{"sub": "ops", "iss": "turingvote", "aud": []string{"tallyd"}, "exp": exp, "scope": ScopeTokensIssue + " " + ScopeVotingToggle}), http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/voting/toggle", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			res := httptest.NewRecorder()
			handler.ServeHTTP(res, req)
			require.Equal(t, tc.want, res.Code)
		})
	}
	require.Equal(t, "ops", subject)
}

func TestAuthenticatorDisabledPassesThrough(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{}, nil)
	res := httptest.NewRecorder()
	auth.Require(ScopeAdminReload)(okHandler).ServeHTTP(res, httptest.NewRequest(http.MethodPost, "/v1/reload", nil))
	require.Equal(t, http.StatusOK, res.Code)
}

func TestRateLimiterBlocksAfterBurst(t *testing.T) {
	limiter := NewRateLimiter(RateLimit{RequestsPerMinute: 60, Burst: 1}, nil)
	now := time.Unix(1_700_000_000, 0)
	limiter.clockNow = func() time.Time { return now }
	handler := limiter.Middleware(okHandler)

	req := httptest.NewRequest(http.MethodGet, "/v1/tally", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	require.Equal(t, http.StatusOK, res.Code)

	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	require.Equal(t, http.StatusTooManyRequests, res.Code)
	require.Equal(t, "1", res.Header().Get("Retry-After"))

	other := httptest.NewRequest(http.MethodGet, "/v1/tally", nil)
	other.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, other)
	require.Equal(t, http.StatusOK, res.Code)

	now = now.Add(2 * time.Second)
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	require.Equal(t, http.StatusOK, res.Code)
}

func TestRateLimiterEvictsIdleClients(t *testing.T) {
	limiter := NewRateLimiter(RateLimit{RequestsPerMinute: 1, Burst: 1}, nil)
	now := time.Unix(1_700_000_000, 0)
	limiter.clockNow = func() time.Time { return now }
	require.True(t, limiter.allow("a"))
	require.False(t, limiter.allow("a"))

	now = now.Add(10 * time.Minute)
	require.True(t, limiter.allow("b"))
	limiter.mu.Lock()
	_, ok := limiter.visitors["a"]
	limiter.mu.Unlock()
	require.False(t, ok)
}

func TestCORS(t *testing.T) {
	handler := CORS(CORSConfig{AllowedOrigins: []string{"https://class.example"}})(okHandler)

	req := httptest.NewRequest(http.MethodOptions, "/v1/votes", nil)
	req.Header.Set("Origin", "https://class.example")
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	require.Equal(t, http.StatusNoContent, res.Code)
	require.Equal(t, "https://class.example", res.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/v1/tally", nil)
	req.Header.Set("Origin", "https://evil.example")
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	require.Equal(t, http.StatusOK, res.Code)
	require.Empty(t, res.Header().Get("Access-Control-Allow-Origin"))
}

func TestObservabilityRecordsStatus(t *testing.T) {
	obs := NewObservability(ObservabilityConfig{}, nil)
	var gotStatus int
	obs.metrics = observeFunc(func(route, method string, status int, _ time.Duration) {
		gotStatus = status
		require.Equal(t, "/v1/missing", route)
	})
	handler := obs.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/missing", nil))
	require.Equal(t, http.StatusNotFound, gotStatus)
}

type observeFunc func(route, method string, status int, d time.Duration)

func (f observeFunc) Observe(route, method string, status int, d time.Duration) {
	f(route, method, status, d)
}

func TestRequestID(t *testing.T) {
	var seen string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFrom(r.Context())
	}))

	res := httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Len(t, seen, 36)
	require.Equal(t, seen, res.Header().Get(HeaderRequestID))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderRequestID, "abc-123")
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	require.Equal(t, "abc-123", seen)
}
