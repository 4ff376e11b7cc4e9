package routes

import (
	"context"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"turingvote/gateway/middleware"
	"turingvote/ledger"
	"turingvote/session"
	"turingvote/tally"
)

// Engine is the tally surface the HTTP API drives.
type Engine interface {
	Snapshot() tally.Snapshot
	State() tally.VotingState
	Candidates() []tally.Candidate
	VoteCeiling() *big.Int
	Subscribe(buffer int) (<-chan tally.Snapshot, func())
	LoadInitial(ctx context.Context) error
	RefreshGovernance(ctx context.Context) error
	SubmitVote(ctx context.Context, candidate string, amount *big.Int) (ledger.Receipt, error)
	SubmitTokenGrant(ctx context.Context, candidate string, amount *big.Int) (ledger.Receipt, error)
	SetVotingEnabled(ctx context.Context, enabled bool) (bool, error)
	ToggleVoting(ctx context.Context) (bool, error)
}

// Connector manages the signing session behind the engine.
type Connector interface {
	Connect(ctx context.Context) (*ledger.Session, error)
	Disconnect()
	State() session.State
	Err() error
}

type Config struct {
	Engine        Engine
	Sessions      Connector
	Authenticator *middleware.Authenticator
	RateLimiter   *middleware.RateLimiter
	Observability *middleware.Observability
	CORS          middleware.CORSConfig
	Logger        *slog.Logger
	// StreamPing is the websocket keepalive interval.
	StreamPing time.Duration
}

type api struct {
	engine   Engine
	sessions Connector
	logger   *slog.Logger
	ping     time.Duration
}

// New builds the tallyd HTTP handler.
func New(cfg Config) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ping := cfg.StreamPing
	if ping <= 0 {
		ping = 30 * time.Second
	}
	a := &api{
		engine:   cfg.Engine,
		sessions: cfg.Sessions,
		logger:   logger.With("component", "gateway.routes"),
		ping:     ping,
	}
	auth := cfg.Authenticator

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS(cfg.CORS))
	if cfg.Observability != nil {
		r.Use(cfg.Observability.Middleware)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", a.ready)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(v1 chi.Router) {
		if cfg.RateLimiter != nil {
			v1.Use(cfg.RateLimiter.Middleware)
		}
		v1.Get("/tally", a.leaderboard)
		v1.Get("/state", a.state)
		v1.Get("/candidates", a.candidates)
		v1.Get("/stream", a.stream)

		v1.With(auth.Require(middleware.ScopeVotesCast)).Post("/votes", a.vote)
		v1.With(auth.Require(middleware.ScopeTokensIssue)).Post("/tokens", a.grant)
		v1.Group(func(g chi.Router) {
			g.Use(auth.Require(middleware.ScopeVotingToggle))
			g.Post("/voting/toggle", a.toggle)
			g.Post("/voting/on", a.setVoting(true))
			g.Post("/voting/off", a.setVoting(false))
		})
		v1.With(auth.Require(middleware.ScopeAdminReload)).Post("/reload", a.reload)
		v1.Group(func(g chi.Router) {
			g.Use(auth.Require(middleware.ScopeSessionAdmin))
			g.Get("/session", a.sessionStatus)
			g.Post("/session/connect", a.connect)
			g.Post("/session/disconnect", a.disconnect)
		})
	})
	return r
}
