package tallyd

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"turingvote/config"
	"turingvote/crypto"
	"turingvote/gateway/middleware"
	"turingvote/gateway/routes"
	"turingvote/governance"
	"turingvote/ledger"
	"turingvote/observability"
	"turingvote/observability/logging"
	"turingvote/session"
	"turingvote/tally"
)

// Daemon wires the ledger gateway, the signing session, the tally engine
// and the HTTP API.
type Daemon struct {
	cfg     config.Config
	logger  *slog.Logger
	gateway ledger.Gateway
	manager *session.Manager
	engine  *tally.Engine
	handler http.Handler
	closers []func()
}

// Build assembles a daemon from cfg without starting any goroutines.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Daemon, error) {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Daemon{cfg: cfg, logger: logger}

	provider, err := d.buildGateway(ctx)
	if err != nil {
		return nil, err
	}
	d.manager = session.NewManager(provider, session.WithLogger(logger))

	ceiling, err := cfg.Tally.Ceiling()
	if err != nil {
		return nil, fmt.Errorf("vote ceiling: %w", err)
	}
	d.engine = tally.New(d.gateway, d.manager,
		tally.WithGuard(governance.Guard{}),
		tally.WithMetrics(observability.Tally()),
		tally.WithLogger(logger),
		tally.WithVoteCeiling(ceiling),
		tally.WithQueueSize(cfg.Tally.QueueSize),
	)

	api := routes.New(routes.Config{
		Engine:   d.engine,
		Sessions: d.manager,
		Authenticator: middleware.NewAuthenticator(middleware.AuthConfig{
			Enabled:    cfg.Auth.Enabled,
			HMACSecret: cfg.Auth.HMACSecret,
			Issuer:     cfg.Auth.Issuer,
			Audience:   cfg.Auth.Audience,
		}, logger),
		RateLimiter: middleware.NewRateLimiter(middleware.RateLimit{
			RequestsPerMinute: float64(cfg.RateLimit.RequestsPerMinute),
			Burst:             cfg.RateLimit.Burst,
		}, logger),
		Observability: middleware.NewObservability(middleware.ObservabilityConfig{
			ServiceName: serviceName,
			LogRequests: strings.EqualFold(cfg.Logging.Level, "debug"),
		}, logger),
		Logger: logger,
	})
	d.handler = otelhttp.NewHandler(api, serviceName)
	return d, nil
}

func (d *Daemon) buildGateway(ctx context.Context) (session.Provider, error) {
	switch d.cfg.Mode {
	case config.ModeDev:
		return d.buildDevLedger()
	case config.ModeEVM:
		dialCtx, cancel := context.WithTimeout(ctx, d.cfg.Ledger.ReadTimeout.Duration)
		defer cancel()
		client, err := ledger.DialEVMClient(dialCtx, d.cfg.Ledger.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("dial ledger: %w", err)
		}
		d.closers = append(d.closers, client.Close)
		d.logger.Info("connected to ledger endpoint",
			logging.MaskField("rpc_url", d.cfg.Ledger.RPCURL),
			slog.String("contract", d.cfg.Ledger.Contract))
		var chainID *big.Int
		if d.cfg.Ledger.ChainID > 0 {
			chainID = big.NewInt(d.cfg.Ledger.ChainID)
		}
		gw, err := ledger.NewEVMGateway(client, ledger.EVMConfig{
			Contract:     common.HexToAddress(d.cfg.Ledger.Contract),
			ChainID:      chainID,
			StartBlock:   d.cfg.Ledger.StartBlock,
			BlockRange:   d.cfg.Ledger.BlockRange,
			GasLimit:     d.cfg.Ledger.GasLimit,
			ReadTimeout:  d.cfg.Ledger.ReadTimeout.Duration,
			WriteTimeout: d.cfg.Ledger.WriteTimeout.Duration,
			PollInterval: d.cfg.Ledger.PollInterval.Duration,
			Logger:       d.logger,
		})
		if err != nil {
			return nil, fmt.Errorf("ledger gateway: %w", err)
		}
		d.gateway = gw
		return signerProvider(d.cfg.Session), nil
	default:
		return nil, fmt.Errorf("unsupported mode %q", d.cfg.Mode)
	}
}

// buildDevLedger runs the contract in process. Without configured roles the
// generated session key becomes the teacher so every operation is reachable.
func (d *Daemon) buildDevLedger() (session.Provider, error) {
	provider := signerProvider(d.cfg.Session)
	if d.cfg.Session.Keystore == "" && d.cfg.Session.SignerKeyEnv == "" {
		key, err := crypto.GeneratePrivateKey()
		if err != nil {
			return nil, fmt.Errorf("generate dev key: %w", err)
		}
		provider = session.StaticProvider{Key: key.PrivateKey}
		if d.cfg.Dev.Teacher == "" && d.cfg.Dev.Deployer == "" {
			d.cfg.Dev.Teacher = key.Address().Hex()
		}
		d.logger.Info("generated dev session key", "address", key.Address().Hex())
	}
	members := make(map[common.Address]string, len(d.cfg.Dev.Members))
	for addr, name := range d.cfg.Dev.Members {
		members[common.HexToAddress(addr)] = name
	}
	var roles ledger.Roles
	if d.cfg.Dev.Teacher != "" {
		roles.Teacher = common.HexToAddress(d.cfg.Dev.Teacher)
	}
	if d.cfg.Dev.Deployer != "" {
		roles.Deployer = common.HexToAddress(d.cfg.Dev.Deployer)
	}
	d.gateway = ledger.NewMemoryLedger(ledger.MemoryConfig{
		Candidates:    d.cfg.Dev.Candidates,
		Roles:         roles,
		VotingEnabled: d.cfg.Dev.VotingEnabled,
		Members:       members,
		Logger:        d.logger,
	})
	return provider, nil
}

func signerProvider(cfg config.SessionConfig) session.Provider {
	if cfg.Keystore != "" {
		source := session.NewPassphraseSource(cfg.PassphraseEnv)
		return session.KeystoreProvider{Path: cfg.Keystore, Passphrase: source.Get}
	}
	if cfg.SignerKeyEnv != "" {
		return session.HexKeyProvider{EnvVar: cfg.SignerKeyEnv}
	}
	return session.ProviderFunc(func(context.Context) (*ecdsa.PrivateKey, error) {
		return nil, session.ErrNoProvider
	})
}

// Handler returns the instrumented HTTP API.
func (d *Daemon) Handler() http.Handler { return d.handler }

// Engine exposes the tally engine.
func (d *Daemon) Engine() *tally.Engine { return d.engine }

// Sessions exposes the session manager.
func (d *Daemon) Sessions() *session.Manager { return d.manager }

// Gateway exposes the ledger binding.
func (d *Daemon) Gateway() ledger.Gateway { return d.gateway }

// Run connects the session and keeps the engine, the event listener and the
// governance refresher running until ctx is cancelled. A failed initial
// connect leaves the API up so an operator can retry through it.
func (d *Daemon) Run(ctx context.Context) error {
	states, stopWatch := d.manager.Watch(4)
	defer stopWatch()

	if _, err := d.manager.Connect(ctx); err != nil {
		d.logger.Warn("initial session connect failed", "error", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCancel(d.engine.Run(ctx)) })
	g.Go(func() error { return d.superviseListener(ctx, states) })
	g.Go(func() error { return d.refreshGovernance(ctx) })
	err := g.Wait()
	d.manager.Disconnect()
	return err
}

// Close releases the ledger connection.
func (d *Daemon) Close() {
	for _, closeFn := range d.closers {
		closeFn()
	}
}

// superviseListener runs one listener per connected session. A disconnect
// stops the listener and clears session-scoped state in the engine.
func (d *Daemon) superviseListener(ctx context.Context, states <-chan session.State) error {
	var (
		cancel context.CancelFunc
		done   chan struct{}
	)
	stop := func() {
		if cancel == nil {
			return
		}
		cancel()
		<-done
		cancel = nil
	}
	start := func() {
		stop()
		var listenCtx context.Context
		listenCtx, cancel = context.WithCancel(ctx)
		done = make(chan struct{})
		listener := tally.NewListener(d.gateway, d.manager, d.engine,
			tally.WithListenerLogger(d.logger),
			tally.WithListenerMetrics(observability.Tally()),
		)
		go func(ch chan struct{}) {
			defer close(ch)
			if err := listener.Run(listenCtx); err != nil && !errors.Is(err, context.Canceled) {
				d.logger.Info("event listener stopped", "error", err)
			}
		}(done)
	}
	defer stop()

	if d.manager.State() == session.Connected {
		start()
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case state, ok := <-states:
			if !ok {
				return nil
			}
			switch state {
			case session.Connected:
				start()
			case session.Disconnected, session.Failed:
				stop()
				d.engine.HandleDisconnect()
			}
		}
	}
}

func (d *Daemon) refreshGovernance(ctx context.Context) error {
	interval := d.cfg.Tally.RefreshInterval.Duration
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if d.manager.Session() == nil {
				continue
			}
			if err := d.engine.RefreshGovernance(ctx); err != nil && ctx.Err() == nil {
				d.logger.Warn("governance refresh failed", "error", err)
			}
		}
	}
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}
