package tally

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"turingvote/ledger"
	"turingvote/observability"
)

var errSubscriptionClosed = errors.New("tally: vote subscription closed")

// EventSink receives live events and performs recovery loads.
type EventSink interface {
	Enqueue(ctx context.Context, events ...ledger.VoteEvent) error
	LoadInitial(ctx context.Context) error
}

// ListenerOption customises the listener.
type ListenerOption func(*Listener)

// WithResubscribeLimit throttles resubscription attempts to one per interval
// with the given burst.
func WithResubscribeLimit(interval time.Duration, burst int) ListenerOption {
	return func(l *Listener) {
		if interval > 0 && burst > 0 {
			l.limiter = rate.NewLimiter(rate.Every(interval), burst)
		}
	}
}

// WithListenerLogger sets the structured logger.
func WithListenerLogger(logger *slog.Logger) ListenerOption {
	return func(l *Listener) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithListenerMetrics overrides the default metrics registry.
func WithListenerMetrics(m *observability.TallyMetrics) ListenerOption {
	return func(l *Listener) { l.metrics = m }
}

// Listener keeps one live subscription per session and forwards every
// delivery to the engine queue.
type Listener struct {
	gateway  ledger.Gateway
	sessions Sessions
	sink     EventSink
	limiter  *rate.Limiter
	logger   *slog.Logger
	metrics  *observability.TallyMetrics
}

// NewListener wires a listener between gateway and sink.
func NewListener(gateway ledger.Gateway, sessions Sessions, sink EventSink, opts ...ListenerOption) *Listener {
	l := &Listener{
		gateway:  gateway,
		sessions: sessions,
		sink:     sink,
		limiter:  rate.NewLimiter(rate.Every(2*time.Second), 3),
		logger:   slog.Default(),
		metrics:  observability.Tally(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	l.logger = l.logger.With("component", "tally.listener")
	return l
}

// Run subscribes, loads the aggregate, and forwards deliveries until ctx is
// cancelled or the session disconnects. The load runs after each successful
// subscription so events emitted before or during a gap are recovered from
// history; redeliveries are dropped by identity.
func (l *Listener) Run(ctx context.Context) error {
	attempt := 0
	for {
		sess := l.sessions.Session()
		if err := ledger.RequireSession(sess); err != nil {
			return err
		}
		if attempt > 0 {
			if err := l.limiter.Wait(ctx); err != nil {
				return ctx.Err()
			}
		}
		attempt++

		sub, err := l.gateway.SubscribeVoteEvents(ctx, sess)
		if err != nil {
			if errors.Is(err, ledger.ErrNotConnected) {
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.logger.Warn("vote subscription failed", "attempt", attempt, "error", err)
			continue
		}
		if attempt > 1 {
			l.metrics.RecordResubscribe()
			l.logger.Info("vote subscription re-established", "attempt", attempt)
		}
		if err := l.sink.LoadInitial(ctx); err != nil && ctx.Err() == nil {
			l.logger.Warn("recovery load failed; keeping previous aggregate", "error", err)
		}

		err = l.pump(ctx, sub)
		sub.Unsubscribe()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ledger.ErrNotConnected) {
			return err
		}
		l.logger.Warn("vote subscription lost; resubscribing", "error", err)
	}
}

func (l *Listener) pump(ctx context.Context, sub ledger.Subscription) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			if err == nil {
				return errSubscriptionClosed
			}
			return err
		case ev, ok := <-sub.Events():
			if !ok {
				select {
				case err := <-sub.Err():
					if err != nil {
						return err
					}
				default:
				}
				return errSubscriptionClosed
			}
			if err := l.sink.Enqueue(ctx, ev); err != nil {
				return err
			}
		}
	}
}
