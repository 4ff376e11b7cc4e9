package tally

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"turingvote/ledger"
)

func TestListenerLoadsForwardsAndRecovers(t *testing.T) {
	f := newFixture(t, "A", "B")
	f.ledger.Emit("A", big.NewInt(1))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = f.engine.Run(ctx) }()

	listener := NewListener(f.ledger, f.sessions, f.engine,
		WithResubscribeLimit(time.Millisecond, 1),
		WithListenerMetrics(nil))
	done := make(chan error, 1)
	go func() { done <- listener.Run(ctx) }()

	eventually := func(want map[string]int64) {
		t.Helper()
		require.Eventually(t, func() bool {
			got := totals(f.engine.Snapshot())
			return got["A"] == want["A"] && got["B"] == want["B"]
		}, 2*time.Second, 5*time.Millisecond)
	}
	eventually(map[string]int64{"A": 1})

	ev := f.ledger.Emit("B", big.NewInt(2))
	eventually(map[string]int64{"A": 1, "B": 2})

	f.ledger.Deliver(ev)
	f.ledger.Emit("A", big.NewInt(4))
	eventually(map[string]int64{"A": 5, "B": 2})

	// events emitted while the subscription is down come back via the
	// recovery load after resubscribing
	f.ledger.BreakSubscriptions(errors.New("socket closed"))
	f.ledger.Emit("B", big.NewInt(10))
	eventually(map[string]int64{"A": 5, "B": 12})

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestListenerStopsWithoutSession(t *testing.T) {
	f := newFixture(t, "A")
	f.sessions.Set(nil)
	listener := NewListener(f.ledger, f.sessions, f.engine, WithListenerMetrics(nil))
	require.ErrorIs(t, listener.Run(context.Background()), ledger.ErrNotConnected)
}
