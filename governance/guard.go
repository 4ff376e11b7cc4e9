// Package governance holds the client-side predicates that gate voting and
// privileged mutations before any request reaches the ledger.
package governance

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"

	"turingvote/ledger"
)

var (
	ErrNotAuthorized  = errors.New("governance: caller is not teacher or deployer")
	ErrVotingDisabled = errors.New("governance: voting is disabled")
	ErrAlreadyVoted   = errors.New("governance: vote already cast this session")
)

// State is the input every predicate is evaluated against.
type State struct {
	Connected     bool
	VotingEnabled bool
	HasVoted      bool
	Self          common.Address
	Roles         ledger.Roles
}

// Privileged reports whether the connected account holds either role.
func (s State) Privileged() bool {
	return s.Connected && s.Roles.IsPrivileged(s.Self)
}

// Guard is stateless; the zero value is ready to use.
type Guard struct{}

func (Guard) CanVote(s State) bool { return Guard{}.CheckVote(s) == nil }

func (Guard) CanIssueTokens(s State) bool { return Guard{}.CheckIssueTokens(s) == nil }

func (Guard) CanToggleVoting(s State) bool { return Guard{}.CheckToggleVoting(s) == nil }

// CheckVote applies the voting gates in order: connection, the voting flag,
// then the one-vote-per-session rule. The flag applies to privileged
// accounts too.
func (Guard) CheckVote(s State) error {
	if !s.Connected {
		return ledger.ErrNotConnected
	}
	if !s.VotingEnabled {
		return ErrVotingDisabled
	}
	if s.HasVoted {
		return ErrAlreadyVoted
	}
	return nil
}

// CheckIssueTokens requires a privileged account. Grants are allowed while
// voting is disabled.
func (Guard) CheckIssueTokens(s State) error {
	return checkPrivileged(s)
}

// CheckToggleVoting requires a privileged account.
func (Guard) CheckToggleVoting(s State) error {
	return checkPrivileged(s)
}

func checkPrivileged(s State) error {
	if !s.Connected {
		return ledger.ErrNotConnected
	}
	if !s.Privileged() {
		return ErrNotAuthorized
	}
	return nil
}
