package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"turingvote/config"
	"turingvote/crypto"
)

func TestKeygenWritesLoadableKeystore(t *testing.T) {
	t.Setenv("TALLYCTL_TEST_PASS", "hunter2")
	path := filepath.Join(t.TempDir(), "key.json")
	var out bytes.Buffer
	require.NoError(t, run([]string{"keygen", "-out", path, "-pass-env", "TALLYCTL_TEST_PASS", "-light"}, &out, &out))
	require.Contains(t, out.String(), "Address: 0x")

	key, err := crypto.LoadFromKeystore(path, "hunter2")
	require.NoError(t, err)
	require.Contains(t, out.String(), key.Address().Hex())

	err = run([]string{"keygen", "-out", path, "-pass-env", "TALLYCTL_TEST_PASS", "-light"}, &out, &out)
	require.ErrorContains(t, err, "already exists")
}

func TestInitConfigProducesLoadableFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tallyd.toml")
	var out bytes.Buffer
	require.NoError(t, run([]string{"init-config", "-out", path, "-candidates", "ada, grace"}, &out, &out))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, config.ModeDev, cfg.Mode)
	require.Equal(t, []string{"ada", "grace"}, cfg.Dev.Candidates)
}

func TestTokenMintsScopedJWT(t *testing.T) {
	t.Setenv("TALLYCTL_TEST_SECRET", "s3cret")
	var out bytes.Buffer
	require.NoError(t, run([]string{"token", "-secret-env", "TALLYCTL_TEST_SECRET", "-scopes", "voting:toggle,tokens:issue", "-iss", "turingvote"}, &out, &out))

	token, err := jwt.Parse(strings.TrimSpace(out.String()), func(*jwt.Token) (interface{}, error) {
		return []byte("s3cret"), nil
	})
	require.NoError(t, err)
	claims := token.Claims.(jwt.MapClaims)
	require.Equal(t, "voting:toggle tokens:issue", claims["scope"])
	require.Equal(t, "turingvote", claims["iss"])
}

func TestRemoteCommands(t *testing.T) {
	var lastBody map[string]string
	var lastAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lastAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/tally":
			_, _ = w.Write([]byte(`{"version":3,"totalWeight":"3","entries":[{"name":"bob","rank":1,"totalWeight":"3","isSelf":true},{"name":"alice","rank":2,"totalWeight":"0"}],"state":{"votingEnabled":true}}`))
		case "/v1/votes":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&lastBody))
			_, _ = w.Write([]byte(`{"txHash":"0xabc","candidate":"alice","amount":"1.5"}`))
		case "/v1/voting/toggle":
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"error":"not authorized"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()
	t.Setenv(defaultToken, "tok")

	var out bytes.Buffer
	require.NoError(t, run([]string{"leaderboard", "-server", srv.URL}, &out, &out))
	require.Contains(t, out.String(), "bob (you)")
	require.Contains(t, out.String(), "Voting: on")

	out.Reset()
	require.NoError(t, run([]string{"vote", "-server", srv.URL, "-candidate", "alice", "-amount", "1.5"}, &out, &out))
	require.Equal(t, map[string]string{"candidate": "alice", "amount": "1.5"}, lastBody)
	require.Equal(t, "Bearer tok", lastAuth)
	require.Contains(t, out.String(), "tx 0xabc")

	err := run([]string{"toggle", "-server", srv.URL}, &out, &out)
	require.ErrorContains(t, err, "403 not authorized")

	err = run([]string{"vote", "-server", srv.URL}, &out, &out)
	require.ErrorContains(t, err, "requires -candidate")
}

func TestUnknownCommand(t *testing.T) {
	var out bytes.Buffer
	require.ErrorIs(t, run([]string{"bogus"}, &out, &out), errUsage)
	require.Contains(t, out.String(), "Usage: tallyctl")
}
