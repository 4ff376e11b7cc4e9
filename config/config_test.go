package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadYAMLAppliesDefaults(t *testing.T) {
	path := writeFile(t, "tallyd.yaml", `
mode: evm
ledger:
  rpc_url: http://localhost:8545
  contract: "0x5FbDB2315678afecb367f032d93F642f64180aa3"
  chain_id: 31337
  read_timeout: 5s
session:
  keystore: /tmp/key.json
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":8088", cfg.Listen)
	require.Equal(t, ModeEVM, cfg.Mode)
	require.Equal(t, 5*time.Second, cfg.Ledger.ReadTimeout.Duration)
	require.Equal(t, 2*time.Minute, cfg.Ledger.WriteTimeout.Duration)
	require.Equal(t, "TALLYD_KEYSTORE_PASSPHRASE", cfg.Session.PassphraseEnv)
	require.Equal(t, 256, cfg.Tally.QueueSize)

	ceiling, err := cfg.Tally.Ceiling()
	require.NoError(t, err)
	require.Equal(t, "2000000000000000000", ceiling.String())
}

func TestLoadTOMLDevMode(t *testing.T) {
	path := writeFile(t, "tallyd.toml", `
mode = "dev"
listen = "127.0.0.1:9000"

[dev]
candidates = ["alice", "bob"]
teacher = "0x5FbDB2315678afecb367f032d93F642f64180aa3"
voting_enabled = true

[tally]
vote_ceiling = "1.5"
refresh_interval = "10s"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ModeDev, cfg.Mode)
	require.Equal(t, []string{"alice", "bob"}, cfg.Dev.Candidates)
	require.True(t, cfg.Dev.VotingEnabled)
	require.Equal(t, 10*time.Second, cfg.Tally.RefreshInterval.Duration)

	ceiling, err := cfg.Tally.Ceiling()
	require.NoError(t, err)
	require.Equal(t, "1500000000000000000", ceiling.String())
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	_, err := Load(writeFile(t, "bad.toml", "mode = \"dev\"\nbogus = 1\n"))
	require.ErrorContains(t, err, "unknown key bogus")

	_, err = Load(writeFile(t, "bad.yaml", "mode: dev\nbogus: 1\n"))
	require.Error(t, err)

	_, err = Load(writeFile(t, "cfg.json", "{}"))
	require.ErrorContains(t, err, "unsupported config format")
}

func TestValidateConfig(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"evm without rpc", "mode: evm\n", "rpc_url"},
		{"evm bad contract", "mode: evm\nledger:\n  rpc_url: http://x\n  contract: nope\n", "ledger.contract"},
		{"evm without signer", "mode: evm\nledger:\n  rpc_url: http://x\n  contract: \"0x5FbDB2315678afecb367f032d93F642f64180aa3\"\n", "session.keystore"},
		{"dev without roster", "mode: dev\n", "dev.candidates"},
		{"dev bad teacher", "mode: dev\ndev:\n  candidates: [a]\n  teacher: zz\n", "dev.teacher"},
		{"unknown mode", "mode: mainnet\n", "mode must be"},
		{"bad ceiling", "mode: dev\ndev:\n  candidates: [a]\ntally:\n  vote_ceiling: \"-1\"\n", "vote_ceiling"},
		{"auth without secret", "mode: dev\ndev:\n  candidates: [a]\nauth:\n  enabled: true\n", "hmac_secret"},
		{"bad sample ratio", "mode: dev\ndev:\n  candidates: [a]\ntelemetry:\n  sample_ratio: 2\n", "sample_ratio"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeFile(t, "cfg.yaml", tc.body))
			require.ErrorContains(t, err, tc.want)
		})
	}
}

func TestAuthSecretIndirection(t *testing.T) {
	t.Setenv("TALLYD_TEST_SECRET", " from-env ")
	cfg, err := Load(writeFile(t, "env.yaml", "mode: dev\ndev:\n  candidates: [a]\nauth:\n  enabled: true\n  hmac_secret_env: TALLYD_TEST_SECRET\n"))
	require.NoError(t, err)
	require.Equal(t, "from-env", cfg.Auth.HMACSecret)

	secretPath := writeFile(t, "secret", "from-file\n")
	cfg, err = Load(writeFile(t, "file.yaml", "mode: dev\ndev:\n  candidates: [a]\nauth:\n  enabled: true\n  hmac_secret_file: "+secretPath+"\n"))
	require.NoError(t, err)
	require.Equal(t, "from-file", cfg.Auth.HMACSecret)
}

func TestSaveRoundTrip(t *testing.T) {
	for _, name := range []string{"out.toml", "out.yaml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "nested", name)
			require.NoError(t, Save(path, Default()))
			cfg, err := Load(path)
			require.NoError(t, err)
			require.Equal(t, Default().Dev.Candidates, cfg.Dev.Candidates)
			require.Equal(t, Default().Ledger.PollInterval, cfg.Ledger.PollInterval)
		})
	}
}
