package ledger

import (
	"context"
	"math/big"
)

// Gateway is the request/response view of the vote ledger consumed by the
// tally engine. Every method fails with ErrNotConnected, before any I/O, when
// the session handle is nil or closed.
type Gateway interface {
	ListCandidates(ctx context.Context, sess *Session) ([]Candidate, error)
	SelfAddress(ctx context.Context, sess *Session) (string, error)
	QueryVoteEvents(ctx context.Context, sess *Session) ([]VoteEvent, error)
	SubscribeVoteEvents(ctx context.Context, sess *Session) (Subscription, error)
	SubmitVote(ctx context.Context, sess *Session, candidate string, weight *big.Int) (Receipt, error)
	SubmitTokenGrant(ctx context.Context, sess *Session, candidate string, weight *big.Int) (Receipt, error)
	SetVotingEnabled(ctx context.Context, sess *Session, enabled bool) (Receipt, error)
	VotingEnabled(ctx context.Context, sess *Session) (bool, error)
	PrivilegedAddresses(ctx context.Context, sess *Session) (Roles, error)
}
