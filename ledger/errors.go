package ledger

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned without any network I/O when a call is made
	// without a live session handle.
	ErrNotConnected = errors.New("ledger: session not connected")
	// ErrLedgerUnavailable reports a failed read against the ledger.
	ErrLedgerUnavailable = errors.New("ledger: unavailable")
	// ErrLedgerTimeout reports a read or write that did not resolve within the
	// gateway's configured timeout.
	ErrLedgerTimeout = errors.New("ledger: request timed out")
	// ErrWriteFailed reports a write that was rejected, reverted or never
	// confirmed.
	ErrWriteFailed = errors.New("ledger: write failed")
)

// ReadError classifies a read failure as a timeout or a generic
// unavailability while keeping the underlying cause in the chain.
func ReadError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotConnected) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %w", op, ErrLedgerTimeout, err)
	}
	if errors.Is(err, ErrLedgerUnavailable) || errors.Is(err, ErrLedgerTimeout) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrLedgerUnavailable, err)
}

// WriteError classifies a write failure. Every result matches ErrWriteFailed;
// timeouts additionally match ErrLedgerTimeout.
func WriteError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotConnected) {
		return err
	}
	if errors.Is(err, ErrWriteFailed) {
		return fmt.Errorf("%s: %w", op, err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrLedgerTimeout) {
		if errors.Is(err, ErrLedgerTimeout) {
			return fmt.Errorf("%s: %w: %w", op, ErrWriteFailed, err)
		}
		return fmt.Errorf("%s: %w: %w: %w", op, ErrWriteFailed, ErrLedgerTimeout, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrWriteFailed, err)
}
