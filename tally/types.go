package tally

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"turingvote/ledger"
)

// Candidate is a roster row as seen by the engine. ID is the roster ordinal
// assigned at load; Name is the identity key.
type Candidate struct {
	ID     int    `json:"id"`
	Name   string `json:"name"`
	IsSelf bool   `json:"isSelf"`
}

// Entry is one row of the ranked leaderboard.
type Entry struct {
	Candidate    Candidate `json:"candidate"`
	TotalWeight  *big.Int  `json:"totalWeight"`
	Rank         int       `json:"rank"`
	HasVotedSelf bool      `json:"hasVotedSelf"`
}

func (e Entry) clone() Entry {
	out := e
	out.TotalWeight = cloneBigInt(e.TotalWeight)
	return out
}

// VotingState is the session-scoped view of the gates and the write marker.
type VotingState struct {
	Connected     bool `json:"connected"`
	VotingEnabled bool `json:"votingEnabled"`
	IsPrivileged  bool `json:"isPrivileged"`
	HasVoted      bool `json:"hasVoted"`
	// PendingWriteCandidateIndex is the roster ID of the candidate whose
	// write awaits confirmation. It is nil when no candidate write is pending.
	PendingWriteCandidateIndex *int `json:"pendingWriteCandidateIndex,omitempty"`
	WritePending               bool `json:"writePending"`

	Self        string         `json:"self,omitempty"`
	SelfAddress common.Address `json:"selfAddress"`
	Roles       ledger.Roles   `json:"roles"`
}

func (s VotingState) clone() VotingState {
	out := s
	if s.PendingWriteCandidateIndex != nil {
		idx := *s.PendingWriteCandidateIndex
		out.PendingWriteCandidateIndex = &idx
	}
	return out
}

// Snapshot is the read-only copy handed to presentation.
type Snapshot struct {
	Entries     []Entry     `json:"entries"`
	State       VotingState `json:"state"`
	TotalWeight *big.Int    `json:"totalWeight"`
	Version     uint64      `json:"version"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}

// Clone returns a deep copy safe to hand to another goroutine.
func (s Snapshot) Clone() Snapshot {
	out := s
	out.Entries = make([]Entry, len(s.Entries))
	for i, entry := range s.Entries {
		out.Entries[i] = entry.clone()
	}
	out.State = s.State.clone()
	out.TotalWeight = cloneBigInt(s.TotalWeight)
	return out
}

// Entry returns the row for name.
func (s Snapshot) Entry(name string) (Entry, bool) {
	key := normaliseName(name)
	for _, entry := range s.Entries {
		if normaliseName(entry.Candidate.Name) == key {
			return entry, true
		}
	}
	return Entry{}, false
}

func cloneBigInt(in *big.Int) *big.Int {
	if in == nil {
		return nil
	}
	return new(big.Int).Set(in)
}
