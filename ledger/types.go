package ledger

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Candidate is a roster row as stored on the ledger.
type Candidate struct {
	Name string
}

// VoteEvent is one immutable vote emission observed on the ledger. ID is the
// stable source identity of the emission (transaction hash and log index for
// EVM ledgers) and is empty when the transport cannot supply one.
type VoteEvent struct {
	ID        string
	Candidate string
	Weight    *big.Int
}

// Clone returns a deep copy of the event.
func (e VoteEvent) Clone() VoteEvent {
	out := e
	if e.Weight != nil {
		out.Weight = new(big.Int).Set(e.Weight)
	}
	return out
}

// Valid reports whether the event satisfies the ledger invariants.
func (e VoteEvent) Valid() bool {
	return e.Candidate != "" && e.Weight != nil && e.Weight.Sign() >= 0
}

// Roles holds the two privileged identities configured on the contract.
type Roles struct {
	Teacher  common.Address
	Deployer common.Address
}

// IsPrivileged reports whether addr matches either configured role. The zero
// address never matches.
func (r Roles) IsPrivileged(addr common.Address) bool {
	if addr == (common.Address{}) {
		return false
	}
	return addr == r.Teacher || addr == r.Deployer
}

// Receipt summarises a confirmed write.
type Receipt struct {
	TxHash      string
	BlockNumber uint64
}

// Subscription delivers newly emitted vote events. Delivery is at-least-once;
// the Err channel yields at most one value before the subscription ends.
type Subscription interface {
	Events() <-chan VoteEvent
	Err() <-chan error
	Unsubscribe()
}
