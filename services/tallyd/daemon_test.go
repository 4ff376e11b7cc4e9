package tallyd

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"turingvote/config"
	"turingvote/session"
	"turingvote/tally"
)

func devConfig() config.Config {
	cfg := config.Default()
	cfg.Dev.Candidates = []string{"alice", "bob"}
	cfg.Tally.RefreshInterval.Duration = 50 * time.Millisecond
	return cfg
}

func startDaemon(t *testing.T, cfg config.Config) (*Daemon, context.CancelFunc) {
	t.Helper()
	d, err := Build(context.Background(), cfg, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("daemon did not stop")
		}
		d.Close()
	})
	require.Eventually(t, func() bool {
		return d.Sessions().State() == session.Connected && len(d.Engine().Candidates()) > 0
	}, 2*time.Second, 10*time.Millisecond)
	return d, cancel
}

func post(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	res := httptest.NewRecorder()
	h.ServeHTTP(res, req)
	return res
}

func TestDevDaemonReconcilesLiveVotes(t *testing.T) {
	d, _ := startDaemon(t, devConfig())
	h := d.Handler()

	res := post(t, h, "/v1/tokens", `{"candidate":"bob","amount":"3"}`)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	res = post(t, h, "/v1/votes", `{"candidate":"alice","amount":"2"}`)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())

	require.Eventually(t, func() bool {
		snap := d.Engine().Snapshot()
		bob, ok := snap.Entry("bob")
		return ok && bob.TotalWeight.Cmp(tally.Units(3)) == 0 && snap.TotalWeight.Cmp(tally.Units(5)) == 0
	}, 3*time.Second, 20*time.Millisecond)

	req := httptest.NewRequest(http.MethodGet, "/v1/tally", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Entries []struct {
			Name string `json:"name"`
			Rank int    `json:"rank"`
		} `json:"entries"`
		State struct {
			IsPrivileged bool `json:"isPrivileged"`
			HasVoted     bool `json:"hasVoted"`
		} `json:"state"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "bob", body.Entries[0].Name)
	require.Equal(t, 1, body.Entries[0].Rank)
	require.True(t, body.State.IsPrivileged)
	require.True(t, body.State.HasVoted)
}

func TestDevDaemonDisconnectClearsSessionState(t *testing.T) {
	d, _ := startDaemon(t, devConfig())
	require.Eventually(t, func() bool { return d.Engine().State().Connected }, 2*time.Second, 10*time.Millisecond)

	d.Sessions().Disconnect()
	require.Eventually(t, func() bool {
		st := d.Engine().State()
		return !st.Connected && !st.IsPrivileged
	}, 2*time.Second, 10*time.Millisecond)

	res := post(t, d.Handler(), "/v1/votes", `{"candidate":"alice","amount":"1"}`)
	require.Equal(t, http.StatusServiceUnavailable, res.Code)

	res = post(t, d.Handler(), "/v1/session/connect", "")
	require.Equal(t, http.StatusOK, res.Code)
	require.Eventually(t, func() bool { return d.Engine().State().Connected }, 2*time.Second, 10*time.Millisecond)
}

func TestDevDaemonTogglesVoting(t *testing.T) {
	d, _ := startDaemon(t, devConfig())
	res := post(t, d.Handler(), "/v1/voting/off", "")
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	require.Contains(t, res.Body.String(), `"votingEnabled":false`)

	res = post(t, d.Handler(), "/v1/votes", `{"candidate":"alice","amount":"1"}`)
	require.Equal(t, http.StatusConflict, res.Code)
}

func TestBuildRejectsUnknownMode(t *testing.T) {
	cfg := devConfig()
	cfg.Mode = "mainnet"
	_, err := Build(context.Background(), cfg, nil)
	require.Error(t, err)
}
