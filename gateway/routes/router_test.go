package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"turingvote/gateway/middleware"
	"turingvote/ledger"
	"turingvote/session"
	"turingvote/tally"
)

type harness struct {
	ledger   *ledger.MemoryLedger
	manager  *session.Manager
	engine   *tally.Engine
	server   *httptest.Server
	teacher  *ledger.Session
	authCfg  middleware.AuthConfig
	tokenFor func(scopes ...string) string
}

func newHarness(t *testing.T, withAuth bool) *harness {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	teacherKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	teacher := ledger.NewSession("teacher", teacherKey)

	mem := ledger.NewMemoryLedger(ledger.MemoryConfig{
		Candidates:    []string{"alice", "bob"},
		Roles:         ledger.Roles{Teacher: teacher.Address()},
		VotingEnabled: true,
	})
	manager := session.NewManager(session.StaticProvider{Key: key})
	_, err = manager.Connect(context.Background())
	require.NoError(t, err)
	engine := tally.New(mem, manager, tally.WithMetrics(nil))
	require.NoError(t, engine.LoadInitial(context.Background()))

	h := &harness{ledger: mem, manager: manager, engine: engine, teacher: teacher}
	h.authCfg = middleware.AuthConfig{Enabled: withAuth, HMACSecret: "test-secret", Issuer: "turingvote"}
	h.tokenFor = func(scopes ...string) string {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"iss":   "turingvote",
			"sub":   "operator",
			"exp":   time.Now().Add(time.Hour).Unix(),
			"scope": strings.Join(scopes, " "),
		}).SignedString([]byte("test-secret"))
		require.NoError(t, err)
		return token
	}
	handler := New(Config{
		Engine:        engine,
		Sessions:      manager,
		Authenticator: middleware.NewAuthenticator(h.authCfg, nil),
		RateLimiter:   middleware.NewRateLimiter(middleware.RateLimit{RequestsPerMinute: 6000, Burst: 100}, nil),
		StreamPing:    time.Second,
	})
	h.server = httptest.NewServer(handler)
	t.Cleanup(h.server.Close)
	return h
}

func (h *harness) do(t *testing.T, method, path, token string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, h.server.URL+path, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := h.server.Client().Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	var payload map[string]interface{}
	_ = json.NewDecoder(res.Body).Decode(&payload)
	return res, payload
}

func TestLeaderboardAndVoteFlow(t *testing.T) {
	h := newHarness(t, false)
	h.ledger.Emit("bob", tally.Units(1))
	require.NoError(t, h.engine.LoadInitial(context.Background()))

	res, body := h.do(t, http.MethodGet, "/v1/tally", "", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	entries := body["entries"].([]interface{})
	require.Len(t, entries, 2)
	first := entries[0].(map[string]interface{})
	require.Equal(t, "bob", first["name"])
	require.Equal(t, "1", first["totalWeight"])
	require.Equal(t, "2", body["state"].(map[string]interface{})["voteCeiling"])

	res, body = h.do(t, http.MethodPost, "/v1/votes", "", map[string]string{"candidate": "alice", "amount": "1.5"})
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.NotEmpty(t, body["txHash"])
	require.Equal(t, "1.5", body["amount"])

	res, body = h.do(t, http.MethodPost, "/v1/reload", "", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	first = body["entries"].([]interface{})[0].(map[string]interface{})
	require.Equal(t, "alice", first["name"])
	require.Equal(t, "1.5", first["totalWeight"])
	require.Equal(t, true, body["state"].(map[string]interface{})["hasVoted"])

	res, _ = h.do(t, http.MethodPost, "/v1/votes", "", map[string]string{"candidate": "bob", "amount": "1"})
	require.Equal(t, http.StatusConflict, res.StatusCode)
}

func TestVoteRejections(t *testing.T) {
	h := newHarness(t, false)
	cases := []struct {
		name string
		body interface{}
		want int
	}{
		{"malformed body", map[string]int{"unexpected": 1}, http.StatusBadRequest},
		{"bad amount", map[string]string{"candidate": "alice", "amount": "abc"}, http.StatusBadRequest},
		{"over ceiling", map[string]string{"candidate": "alice", "amount": "2.5"}, http.StatusBadRequest},
		{"zero", map[string]string{"candidate": "alice", "amount": "0"}, http.StatusBadRequest},
		{"unknown candidate", map[string]string{"candidate": "mallory", "amount": "1"}, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, body := h.do(t, http.MethodPost, "/v1/votes", "", tc.body)
			require.Equal(t, tc.want, res.StatusCode)
			require.NotEmpty(t, body["error"])
		})
	}
	require.Zero(t, h.ledger.Writes())
}

func TestGrantRequiresPrivilege(t *testing.T) {
	h := newHarness(t, false)
	res, _ := h.do(t, http.MethodPost, "/v1/tokens", "", map[string]string{"candidate": "alice", "amount": "5"})
	require.Equal(t, http.StatusForbidden, res.StatusCode)

	res, _ = h.do(t, http.MethodPost, "/v1/voting/toggle", "", nil)
	require.Equal(t, http.StatusForbidden, res.StatusCode)
}

func TestScopedRoutesRequireToken(t *testing.T) {
	h := newHarness(t, true)

	res, _ := h.do(t, http.MethodGet, "/v1/tally", "", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)

	res, _ = h.do(t, http.MethodPost, "/v1/votes", "", map[string]string{"candidate": "alice", "amount": "1"})
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)

	res, _ = h.do(t, http.MethodPost, "/v1/votes", h.tokenFor(middleware.ScopeTokensIssue), map[string]string{"candidate": "alice", "amount": "1"})
	require.Equal(t, http.StatusForbidden, res.StatusCode)

	res, _ = h.do(t, http.MethodPost, "/v1/votes", h.tokenFor(middleware.ScopeVotesCast), map[string]string{"candidate": "alice", "amount": "1"})
	require.Equal(t, http.StatusOK, res.StatusCode)
}

func TestSessionLifecycleRoutes(t *testing.T) {
	h := newHarness(t, false)

	res, _ := h.do(t, http.MethodGet, "/readyz", "", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)

	res, body := h.do(t, http.MethodPost, "/v1/session/disconnect", "", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, session.Disconnected.String(), body["state"])

	res, _ = h.do(t, http.MethodGet, "/readyz", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, res.StatusCode)

	res, _ = h.do(t, http.MethodPost, "/v1/votes", "", map[string]string{"candidate": "alice", "amount": "1"})
	require.Equal(t, http.StatusServiceUnavailable, res.StatusCode)

	res, body = h.do(t, http.MethodPost, "/v1/session/connect", "", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, session.Connected.String(), body["state"])
	require.NotEmpty(t, body["address"])
}

func TestStreamPushesSnapshots(t *testing.T) {
	h := newHarness(t, false)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/v1/stream"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "done")

	read := func() leaderboardResponse {
		_, data, err := conn.Read(ctx)
		require.NoError(t, err)
		var out leaderboardResponse
		require.NoError(t, json.Unmarshal(data, &out))
		return out
	}
	initial := read()
	require.Len(t, initial.Entries, 2)
	require.Equal(t, "0", initial.TotalWeight)

	h.ledger.Emit("bob", tally.Units(2))
	require.NoError(t, h.engine.LoadInitial(context.Background()))
	var next leaderboardResponse
	require.Eventually(t, func() bool {
		next = read()
		return next.TotalWeight == "2"
	}, 3*time.Second, 10*time.Millisecond)
	require.Equal(t, "bob", next.Entries[0].Name)
}

func TestStatusMapping(t *testing.T) {
	cases := map[error]int{
		tally.ErrInvalidAmount:                              http.StatusBadRequest,
		tally.ErrAmountExceedsLimit:                         http.StatusBadRequest,
		tally.ErrUnknownCandidate:                           http.StatusNotFound,
		tally.ErrNotAuthorized:                              http.StatusForbidden,
		tally.ErrAlreadyVoted:                               http.StatusConflict,
		tally.ErrVotingDisabled:                             http.StatusConflict,
		tally.ErrWriteInFlight:                              http.StatusConflict,
		tally.ErrNotConnected:                               http.StatusServiceUnavailable,
		ledger.WriteError("vote", context.DeadlineExceeded): http.StatusGatewayTimeout,
		ledger.WriteError("vote", errors.New("reverted")):   http.StatusBadGateway,
		fmt.Errorf("load: %w", tally.ErrLedgerUnavailable):  http.StatusBadGateway,
		errors.New("boom"):                                  http.StatusInternalServerError,
	}
	for err, want := range cases {
		require.Equal(t, want, statusFor(err), err.Error())
	}
}
