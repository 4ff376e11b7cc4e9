package routes

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"turingvote/gateway/middleware"
	"turingvote/ledger"
	"turingvote/session"
	"turingvote/tally"
)

const maxBodyBytes = 1 << 16

type entryResponse struct {
	ID           int    `json:"id"`
	Name         string `json:"name"`
	IsSelf       bool   `json:"isSelf"`
	Rank         int    `json:"rank"`
	TotalWeight  string `json:"totalWeight"`
	HasVotedSelf bool   `json:"hasVotedSelf"`
}

type stateResponse struct {
	Connected             bool   `json:"connected"`
	VotingEnabled         bool   `json:"votingEnabled"`
	IsPrivileged          bool   `json:"isPrivileged"`
	HasVoted              bool   `json:"hasVoted"`
	WritePending          bool   `json:"writePending"`
	PendingCandidateIndex *int   `json:"pendingCandidateIndex,omitempty"`
	Self                  string `json:"self,omitempty"`
	SelfAddress           string `json:"selfAddress,omitempty"`
	VoteCeiling           string `json:"voteCeiling"`
}

type leaderboardResponse struct {
	Version     uint64          `json:"version"`
	UpdatedAt   time.Time       `json:"updatedAt"`
	TotalWeight string          `json:"totalWeight"`
	Entries     []entryResponse `json:"entries"`
	State       stateResponse   `json:"state"`
}

type amountRequest struct {
	Candidate string `json:"candidate"`
	Amount    string `json:"amount"`
}

type receiptResponse struct {
	TxHash      string `json:"txHash"`
	BlockNumber uint64 `json:"blockNumber,omitempty"`
	Candidate   string `json:"candidate"`
	Amount      string `json:"amount"`
}

type votingResponse struct {
	VotingEnabled bool `json:"votingEnabled"`
}

type sessionResponse struct {
	State   string `json:"state"`
	Address string `json:"address,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (a *api) leaderboard(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.leaderboardFrom(a.engine.Snapshot()))
}

func (a *api) leaderboardFrom(snap tally.Snapshot) leaderboardResponse {
	out := leaderboardResponse{
		Version:     snap.Version,
		UpdatedAt:   snap.UpdatedAt,
		TotalWeight: tally.FormatAmount(snap.TotalWeight),
		Entries:     make([]entryResponse, 0, len(snap.Entries)),
		State:       a.stateFrom(snap.State),
	}
	for _, entry := range snap.Entries {
		out.Entries = append(out.Entries, entryResponse{
			ID:           entry.Candidate.ID,
			Name:         entry.Candidate.Name,
			IsSelf:       entry.Candidate.IsSelf,
			Rank:         entry.Rank,
			TotalWeight:  tally.FormatAmount(entry.TotalWeight),
			HasVotedSelf: entry.HasVotedSelf,
		})
	}
	return out
}

func (a *api) stateFrom(st tally.VotingState) stateResponse {
	out := stateResponse{
		Connected:             st.Connected,
		VotingEnabled:         st.VotingEnabled,
		IsPrivileged:          st.IsPrivileged,
		HasVoted:              st.HasVoted,
		WritePending:          st.WritePending,
		PendingCandidateIndex: st.PendingWriteCandidateIndex,
		Self:                  st.Self,
		VoteCeiling:           tally.FormatAmount(a.engine.VoteCeiling()),
	}
	if st.Connected {
		out.SelfAddress = st.SelfAddress.Hex()
	}
	return out
}

func (a *api) state(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.stateFrom(a.engine.State()))
}

func (a *api) candidates(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.engine.Candidates())
}

func (a *api) vote(w http.ResponseWriter, r *http.Request) {
	a.submitAmount(w, r, "vote", a.engine.SubmitVote)
}

func (a *api) grant(w http.ResponseWriter, r *http.Request) {
	a.submitAmount(w, r, "grant", a.engine.SubmitTokenGrant)
}

func (a *api) submitAmount(w http.ResponseWriter, r *http.Request, op string, submit func(ctx context.Context, candidate string, amount *big.Int) (ledger.Receipt, error)) {
	var req amountRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := tally.ParseAmount(req.Amount)
	if err != nil {
		a.fail(w, r, op, err)
		return
	}
	rec, err := submit(r.Context(), req.Candidate, amount)
	if err != nil {
		a.fail(w, r, op, err)
		return
	}
	writeJSON(w, http.StatusOK, receiptResponse{
		TxHash:      rec.TxHash,
		BlockNumber: rec.BlockNumber,
		Candidate:   strings.TrimSpace(req.Candidate),
		Amount:      tally.FormatAmount(amount),
	})
}

func (a *api) toggle(w http.ResponseWriter, r *http.Request) {
	enabled, err := a.engine.ToggleVoting(r.Context())
	if err != nil {
		a.fail(w, r, "toggle", err)
		return
	}
	writeJSON(w, http.StatusOK, votingResponse{VotingEnabled: enabled})
}

func (a *api) setVoting(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		confirmed, err := a.engine.SetVotingEnabled(r.Context(), enabled)
		if err != nil {
			a.fail(w, r, "set_voting", err)
			return
		}
		writeJSON(w, http.StatusOK, votingResponse{VotingEnabled: confirmed})
	}
}

func (a *api) reload(w http.ResponseWriter, r *http.Request) {
	if err := a.engine.LoadInitial(r.Context()); err != nil {
		a.fail(w, r, "reload", err)
		return
	}
	writeJSON(w, http.StatusOK, a.leaderboardFrom(a.engine.Snapshot()))
}

func (a *api) ready(w http.ResponseWriter, r *http.Request) {
	if a.sessions != nil && a.sessions.State() != session.Connected {
		writeError(w, http.StatusServiceUnavailable, "session "+a.sessions.State().String())
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (a *api) sessionStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.sessionView())
}

func (a *api) connect(w http.ResponseWriter, r *http.Request) {
	if a.sessions == nil {
		writeError(w, http.StatusNotImplemented, "session management unavailable")
		return
	}
	if _, err := a.sessions.Connect(r.Context()); err != nil {
		a.fail(w, r, "connect", err)
		return
	}
	writeJSON(w, http.StatusOK, a.sessionView())
}

func (a *api) disconnect(w http.ResponseWriter, r *http.Request) {
	if a.sessions == nil {
		writeError(w, http.StatusNotImplemented, "session management unavailable")
		return
	}
	a.sessions.Disconnect()
	writeJSON(w, http.StatusOK, a.sessionView())
}

func (a *api) sessionView() sessionResponse {
	if a.sessions == nil {
		return sessionResponse{State: "unmanaged"}
	}
	out := sessionResponse{State: a.sessions.State().String()}
	if err := a.sessions.Err(); err != nil {
		out.Error = err.Error()
	}
	if st := a.engine.State(); st.Connected {
		out.Address = st.SelfAddress.Hex()
	}
	return out
}

func (a *api) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := statusFor(err)
	attrs := []any{"operation", op, "status", status, "request_id", middleware.RequestIDFrom(r.Context()), "error", err}
	if status >= http.StatusInternalServerError {
		a.logger.Error("request failed", attrs...)
	} else {
		a.logger.Info("request rejected", attrs...)
	}
	writeError(w, status, err.Error())
}

// statusFor maps the tally error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, tally.ErrInvalidAmount), errors.Is(err, tally.ErrAmountExceedsLimit):
		return http.StatusBadRequest
	case errors.Is(err, tally.ErrUnknownCandidate):
		return http.StatusNotFound
	case errors.Is(err, tally.ErrNotAuthorized), errors.Is(err, session.ErrUserRejected):
		return http.StatusForbidden
	case errors.Is(err, tally.ErrAlreadyVoted), errors.Is(err, tally.ErrVotingDisabled),
		errors.Is(err, tally.ErrWriteInFlight), errors.Is(err, session.ErrConnectInProgress):
		return http.StatusConflict
	case errors.Is(err, tally.ErrNotConnected), errors.Is(err, session.ErrNoProvider):
		return http.StatusServiceUnavailable
	case errors.Is(err, tally.ErrLedgerTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, tally.ErrWriteFailed), errors.Is(err, tally.ErrLedgerUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errors.New("invalid request body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
