package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"turingvote/crypto"
	"turingvote/tally"
)

const (
	ModeEVM = "evm"
	ModeDev = "dev"
)

// Config captures the runtime configuration for tallyd.
type Config struct {
	Listen    string          `yaml:"listen" toml:"listen"`
	Mode      string          `yaml:"mode" toml:"mode"`
	Ledger    LedgerConfig    `yaml:"ledger" toml:"ledger"`
	Session   SessionConfig   `yaml:"session" toml:"session"`
	Dev       DevConfig       `yaml:"dev" toml:"dev"`
	Tally     TallyConfig     `yaml:"tally" toml:"tally"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit" toml:"rate_limit"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry" toml:"telemetry"`
}

// LedgerConfig binds the EVM contract.
type LedgerConfig struct {
	RPCURL       string   `yaml:"rpc_url" toml:"rpc_url"`
	Contract     string   `yaml:"contract" toml:"contract"`
	ChainID      int64    `yaml:"chain_id" toml:"chain_id"`
	StartBlock   uint64   `yaml:"start_block" toml:"start_block"`
	BlockRange   uint64   `yaml:"block_range" toml:"block_range"`
	GasLimit     uint64   `yaml:"gas_limit" toml:"gas_limit"`
	ReadTimeout  Duration `yaml:"read_timeout" toml:"read_timeout"`
	WriteTimeout Duration `yaml:"write_timeout" toml:"write_timeout"`
	PollInterval Duration `yaml:"poll_interval" toml:"poll_interval"`
}

// SessionConfig selects the signer. A keystore wins over a raw key.
type SessionConfig struct {
	Keystore      string `yaml:"keystore" toml:"keystore"`
	PassphraseEnv string `yaml:"passphrase_env" toml:"passphrase_env"`
	SignerKeyEnv  string `yaml:"signer_key_env" toml:"signer_key_env"`
}

// DevConfig seeds the in-process ledger used in dev mode.
type DevConfig struct {
	Candidates    []string          `yaml:"candidates" toml:"candidates"`
	Teacher       string            `yaml:"teacher" toml:"teacher"`
	Deployer      string            `yaml:"deployer" toml:"deployer"`
	VotingEnabled bool              `yaml:"voting_enabled" toml:"voting_enabled"`
	Members       map[string]string `yaml:"members" toml:"members"`
}

// TallyConfig tunes the engine.
type TallyConfig struct {
	VoteCeiling     string   `yaml:"vote_ceiling" toml:"vote_ceiling"`
	QueueSize       int      `yaml:"queue_size" toml:"queue_size"`
	RefreshInterval Duration `yaml:"refresh_interval" toml:"refresh_interval"`
}

// AuthConfig protects privileged API routes with HMAC signed JWTs.
type AuthConfig struct {
	Enabled        bool   `yaml:"enabled" toml:"enabled"`
	HMACSecret     string `yaml:"hmac_secret" toml:"hmac_secret"`
	HMACSecretEnv  string `yaml:"hmac_secret_env" toml:"hmac_secret_env"`
	HMACSecretFile string `yaml:"hmac_secret_file" toml:"hmac_secret_file"`
	Issuer         string `yaml:"issuer" toml:"issuer"`
	Audience       string `yaml:"audience" toml:"audience"`
}

// RateLimitConfig bounds API requests per client.
type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute" toml:"requests_per_minute"`
	Burst             int `yaml:"burst" toml:"burst"`
}

// LoggingConfig controls the log sink.
type LoggingConfig struct {
	Env   string `yaml:"env" toml:"env"`
	File  string `yaml:"file" toml:"file"`
	Level string `yaml:"level" toml:"level"`
}

// TelemetryConfig controls OTLP export.
type TelemetryConfig struct {
	Endpoint    string  `yaml:"endpoint" toml:"endpoint"`
	Insecure    bool    `yaml:"insecure" toml:"insecure"`
	Metrics     bool    `yaml:"metrics" toml:"metrics"`
	Traces      bool    `yaml:"traces" toml:"traces"`
	SampleRatio float64 `yaml:"sample_ratio" toml:"sample_ratio"`
}

// Load reads configuration from path. The format follows the extension:
// .toml is decoded as TOML, .yaml and .yml as YAML. Unknown keys are
// rejected in both formats.
func Load(path string) (Config, error) {
	cfg := Config{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		meta, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return cfg, fmt.Errorf("decode config: unknown key %s", undecoded[0].String())
		}
	case ".yaml", ".yml":
		file, err := os.Open(path)
		if err != nil {
			return cfg, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		dec := yaml.NewDecoder(file)
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	default:
		return cfg, fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
	applyDefaults(&cfg)
	if err := cfg.Auth.normalise(); err != nil {
		return cfg, fmt.Errorf("auth: %w", err)
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Default returns a dev mode configuration with a small roster.
func Default() Config {
	cfg := Config{
		Mode: ModeDev,
		Dev: DevConfig{
			Candidates:    []string{"alice", "bob", "carol"},
			VotingEnabled: true,
		},
	}
	applyDefaults(&cfg)
	return cfg
}

// Save writes cfg to path as TOML or YAML depending on the extension.
func Save(path string, cfg Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return toml.NewEncoder(f).Encode(cfg)
	case ".yaml", ".yml":
		enc := yaml.NewEncoder(f)
		defer enc.Close()
		return enc.Encode(cfg)
	default:
		return fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Listen == "" {
		cfg.Listen = ":8088"
	}
	cfg.Mode = strings.ToLower(strings.TrimSpace(cfg.Mode))
	if cfg.Mode == "" {
		cfg.Mode = ModeEVM
	}
	if cfg.Ledger.ReadTimeout.Duration == 0 {
		cfg.Ledger.ReadTimeout.Duration = 15 * time.Second
	}
	if cfg.Ledger.WriteTimeout.Duration == 0 {
		cfg.Ledger.WriteTimeout.Duration = 2 * time.Minute
	}
	if cfg.Ledger.PollInterval.Duration == 0 {
		cfg.Ledger.PollInterval.Duration = 2 * time.Second
	}
	if cfg.Session.PassphraseEnv == "" {
		cfg.Session.PassphraseEnv = "TALLYD_KEYSTORE_PASSPHRASE"
	}
	if cfg.Tally.VoteCeiling == "" {
		cfg.Tally.VoteCeiling = "2"
	}
	if cfg.Tally.QueueSize <= 0 {
		cfg.Tally.QueueSize = 256
	}
	if cfg.Tally.RefreshInterval.Duration == 0 {
		cfg.Tally.RefreshInterval.Duration = 30 * time.Second
	}
	if cfg.RateLimit.RequestsPerMinute <= 0 {
		cfg.RateLimit.RequestsPerMinute = 120
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 20
	}
	if cfg.Dev.Members == nil {
		cfg.Dev.Members = map[string]string{}
	}
}

func validateConfig(cfg Config) error {
	switch cfg.Mode {
	case ModeEVM:
		if strings.TrimSpace(cfg.Ledger.RPCURL) == "" {
			return fmt.Errorf("ledger.rpc_url must be configured")
		}
		if _, err := crypto.ParseAddress(cfg.Ledger.Contract); err != nil {
			return fmt.Errorf("ledger.contract: %w", err)
		}
		if strings.TrimSpace(cfg.Session.Keystore) == "" && strings.TrimSpace(cfg.Session.SignerKeyEnv) == "" {
			return fmt.Errorf("configure session.keystore or session.signer_key_env")
		}
	case ModeDev:
		if len(cfg.Dev.Candidates) == 0 {
			return fmt.Errorf("dev.candidates must not be empty")
		}
		for _, field := range []struct{ name, value string }{
			{"dev.teacher", cfg.Dev.Teacher},
			{"dev.deployer", cfg.Dev.Deployer},
		} {
			if strings.TrimSpace(field.value) == "" {
				continue
			}
			if _, err := crypto.ParseAddress(field.value); err != nil {
				return fmt.Errorf("%s: %w", field.name, err)
			}
		}
		for addr := range cfg.Dev.Members {
			if _, err := crypto.ParseAddress(addr); err != nil {
				return fmt.Errorf("dev.members: %w", err)
			}
		}
	default:
		return fmt.Errorf("mode must be %q or %q, got %q", ModeEVM, ModeDev, cfg.Mode)
	}
	if _, err := cfg.Tally.Ceiling(); err != nil {
		return fmt.Errorf("tally.vote_ceiling: %w", err)
	}
	if cfg.Auth.Enabled && cfg.Auth.HMACSecret == "" {
		return fmt.Errorf("auth.enabled requires hmac_secret, hmac_secret_env or hmac_secret_file")
	}
	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0,1]")
	}
	return nil
}

// Ceiling parses the per-vote limit into base units.
func (t TallyConfig) Ceiling() (*big.Int, error) {
	ceiling, err := tally.ParseAmount(t.VoteCeiling)
	if err != nil {
		return nil, err
	}
	if ceiling.Sign() <= 0 {
		return nil, errors.New("must be positive")
	}
	return ceiling, nil
}

func (a *AuthConfig) normalise() error {
	if a == nil {
		return fmt.Errorf("auth configuration missing")
	}
	a.HMACSecret = strings.TrimSpace(a.HMACSecret)
	a.HMACSecretEnv = strings.TrimSpace(a.HMACSecretEnv)
	a.HMACSecretFile = strings.TrimSpace(a.HMACSecretFile)
	if a.HMACSecret != "" {
		return nil
	}
	switch {
	case a.HMACSecretEnv != "":
		value := strings.TrimSpace(os.Getenv(a.HMACSecretEnv))
		if value == "" && a.Enabled {
			return fmt.Errorf("hmac_secret_env %s is empty", a.HMACSecretEnv)
		}
		a.HMACSecret = value
	case a.HMACSecretFile != "":
		contents, err := os.ReadFile(a.HMACSecretFile)
		if err != nil {
			return fmt.Errorf("read hmac_secret_file: %w", err)
		}
		a.HMACSecret = strings.TrimSpace(string(contents))
	}
	return nil
}
