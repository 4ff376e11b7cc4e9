package tally

import (
	"errors"
	"fmt"

	"turingvote/governance"
	"turingvote/ledger"
)

var (
	ErrAmountExceedsLimit = errors.New("tally: amount exceeds per-vote limit")
	ErrInvalidAmount      = errors.New("tally: invalid amount")
	ErrUnknownCandidate   = errors.New("tally: unknown candidate")
	ErrWriteInFlight      = errors.New("tally: another write is awaiting confirmation")
	ErrDuplicateCandidate = errors.New("tally: duplicate candidate in roster")
)

// Re-exported so presentation code can match the whole taxonomy against one
// package.
var (
	ErrNotConnected      = ledger.ErrNotConnected
	ErrLedgerUnavailable = ledger.ErrLedgerUnavailable
	ErrLedgerTimeout     = ledger.ErrLedgerTimeout
	ErrWriteFailed       = ledger.ErrWriteFailed
	ErrNotAuthorized     = governance.ErrNotAuthorized
	ErrVotingDisabled    = governance.ErrVotingDisabled
	ErrAlreadyVoted      = governance.ErrAlreadyVoted
)

// unavailable tags a read failure with ErrLedgerUnavailable. Timeouts keep
// matching ErrLedgerTimeout.
func unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ledger.ErrNotConnected) {
		return err
	}
	if errors.Is(err, ledger.ErrLedgerUnavailable) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ledger.ErrLedgerUnavailable, err)
}

// writeFailed guarantees a write error matches ErrWriteFailed.
func writeFailed(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ledger.ErrNotConnected) || errors.Is(err, ledger.ErrWriteFailed) {
		return err
	}
	return ledger.WriteError(op, err)
}
