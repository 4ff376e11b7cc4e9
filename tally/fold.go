package tally

import (
	"math/big"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"

	"turingvote/ledger"
)

func normaliseName(name string) string {
	return norm.NFC.String(strings.TrimSpace(name))
}

// fold sums every event into its roster candidate and ranks the result.
// Events naming a candidate outside the roster are counted and skipped.
func fold(roster []Candidate, events []ledger.VoteEvent) ([]Entry, int) {
	totals := make(map[string]*big.Int, len(roster))
	for _, candidate := range roster {
		totals[normaliseName(candidate.Name)] = new(big.Int)
	}
	unknown := 0
	for _, ev := range events {
		total, ok := totals[normaliseName(ev.Candidate)]
		if !ok {
			unknown++
			continue
		}
		total.Add(total, ev.Weight)
	}

	entries := make([]Entry, 0, len(roster))
	for _, candidate := range roster {
		total := totals[normaliseName(candidate.Name)]
		entries = append(entries, Entry{
			Candidate:    candidate,
			TotalWeight:  total,
			HasVotedSelf: candidate.IsSelf && total.Sign() > 0,
		})
	}
	rank(entries)
	return entries, unknown
}

// rank orders entries by descending total. The sort is stable so ties keep
// roster order, and ranks are always the contiguous sequence 1..N.
func rank(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].TotalWeight.Cmp(entries[j].TotalWeight) > 0
	})
	for i := range entries {
		entries[i].Rank = i + 1
	}
}

func sumWeights(entries []Entry) *big.Int {
	total := new(big.Int)
	for _, entry := range entries {
		if entry.TotalWeight != nil {
			total.Add(total, entry.TotalWeight)
		}
	}
	return total
}

func entriesEqual(a, b []Entry) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Candidate != b[i].Candidate || a[i].Rank != b[i].Rank || a[i].HasVotedSelf != b[i].HasVotedSelf {
			return false
		}
		if a[i].TotalWeight.Cmp(b[i].TotalWeight) != 0 {
			return false
		}
	}
	return true
}
