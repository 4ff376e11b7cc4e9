package tally

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"turingvote/governance"
	"turingvote/ledger"
	"turingvote/observability"
)

const defaultQueueSize = 256

// Sessions yields the live session handle, or nil when disconnected.
type Sessions interface {
	Session() *ledger.Session
}

// Option customises the engine instance.
type Option func(*Engine)

// WithGuard overrides the governance guard.
func WithGuard(g governance.Guard) Option {
	return func(e *Engine) { e.guard = g }
}

// WithMetrics overrides the default metrics registry.
func WithMetrics(m *observability.TallyMetrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.now = clock
		}
	}
}

// WithVoteCeiling overrides the per-vote weight limit in base units.
func WithVoteCeiling(ceiling *big.Int) Option {
	return func(e *Engine) {
		if ceiling != nil && ceiling.Sign() > 0 {
			e.ceiling = new(big.Int).Set(ceiling)
		}
	}
}

// WithQueueSize sets the capacity of the live event queue drained by Run.
func WithQueueSize(size int) Option {
	return func(e *Engine) {
		if size > 0 {
			e.queueSize = size
		}
	}
}

// Engine owns the event log, the ranked aggregate and the voting state. The
// aggregate is always a full refold of the log; it is never patched.
type Engine struct {
	gateway   ledger.Gateway
	sessions  Sessions
	guard     governance.Guard
	metrics   *observability.TallyMetrics
	logger    *slog.Logger
	now       func() time.Time
	ceiling   *big.Int
	queueSize int
	queue     chan []ledger.VoteEvent

	// reconcileMu serialises every mutation of the event log. A second
	// reconciliation waits for the first; they never interleave.
	reconcileMu sync.Mutex
	log         []ledger.VoteEvent
	seen        map[string]struct{}

	mu      sync.RWMutex
	roster  []Candidate
	index   map[string]int
	snap    Snapshot
	votedBy string
	writing bool
	subs    map[int]chan Snapshot
	nextSub int
}

// New constructs an engine reading through gateway with handles from sessions.
func New(gateway ledger.Gateway, sessions Sessions, opts ...Option) *Engine {
	e := &Engine{
		gateway:   gateway,
		sessions:  sessions,
		metrics:   observability.Tally(),
		logger:    slog.Default(),
		now:       time.Now,
		ceiling:   new(big.Int).Set(DefaultVoteCeiling),
		queueSize: defaultQueueSize,
		seen:      make(map[string]struct{}),
		index:     make(map[string]int),
		subs:      make(map[int]chan Snapshot),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	e.logger = e.logger.With("component", "tally")
	e.queue = make(chan []ledger.VoteEvent, e.queueSize)
	e.snap = Snapshot{Entries: []Entry{}, TotalWeight: new(big.Int)}
	return e
}

// VoteCeiling returns the per-vote weight limit in base units.
func (e *Engine) VoteCeiling() *big.Int {
	return new(big.Int).Set(e.ceiling)
}

// LoadInitial rebuilds the aggregate from the ledger: roster, full history,
// voting flag, roles and the session's own candidate. Any failed fetch leaves
// the previously published aggregate untouched.
func (e *Engine) LoadInitial(ctx context.Context) error {
	sess := e.session()
	if err := ledger.RequireSession(sess); err != nil {
		return err
	}
	start := e.now()
	err := e.loadInitial(ctx, sess)
	e.metrics.RecordReconcile("load", e.now().Sub(start), err)
	if err != nil {
		e.logger.Warn("initial load failed", "session", sess.ID(), "error", err)
	}
	return err
}

func (e *Engine) loadInitial(ctx context.Context, sess *ledger.Session) error {
	names, err := e.gateway.ListCandidates(ctx, sess)
	if err != nil {
		return unavailable("load roster", err)
	}
	history, err := e.gateway.QueryVoteEvents(ctx, sess)
	if err != nil {
		return unavailable("load history", err)
	}
	enabled, err := e.gateway.VotingEnabled(ctx, sess)
	if err != nil {
		return unavailable("load voting flag", err)
	}
	roles, err := e.gateway.PrivilegedAddresses(ctx, sess)
	if err != nil {
		return unavailable("load roles", err)
	}
	self, err := e.gateway.SelfAddress(ctx, sess)
	if err != nil {
		if errors.Is(err, ledger.ErrNotConnected) {
			return err
		}
		e.logger.Warn("self identity unavailable; continuing without it", "error", err)
		self = ""
	}
	roster, index, err := buildRoster(names, self)
	if err != nil {
		return unavailable("load roster", err)
	}

	e.reconcileMu.Lock()
	defer e.reconcileMu.Unlock()

	log, seen, dups := mergeHistory(history, e.log)
	entries, unknown := fold(roster, log)
	e.log = log
	e.seen = seen

	e.mu.Lock()
	e.roster = roster
	e.index = index
	e.snap.Entries = entries
	e.snap.State.VotingEnabled = enabled
	e.snap.State.Roles = roles
	e.snap.State.Self = self
	e.publishLocked()
	e.mu.Unlock()

	events := observability.Events()
	events.RecordObserved("history", len(history)-dups)
	events.RecordDuplicates(dups)
	events.RecordUnknownCandidates(unknown)
	e.metrics.SetVotingEnabled(enabled)
	e.recordWeights(entries)
	e.logger.Info("aggregate loaded",
		"session", sess.ID(),
		"candidates", len(roster),
		"events", len(log),
		"voting_enabled", enabled,
		"self", self)
	return nil
}

// Reconcile appends events to the log, dropping redeliveries by identity,
// and refolds the entire log. Calling it with no new events changes nothing.
func (e *Engine) Reconcile(ctx context.Context, events ...ledger.VoteEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	start := e.now()
	e.reconcileMu.Lock()
	defer e.reconcileMu.Unlock()

	accepted, dups := e.appendLocked(events)
	recorder := observability.Events()
	recorder.RecordDuplicates(dups)
	if accepted == 0 {
		return nil
	}
	recorder.RecordObserved("live", accepted)

	e.mu.Lock()
	entries, unknown := fold(e.roster, e.log)
	changed := !entriesEqual(entries, e.snap.Entries)
	if changed {
		e.snap.Entries = entries
		e.publishLocked()
	}
	e.mu.Unlock()

	recorder.RecordUnknownCandidates(unknown)
	e.metrics.RecordReconcile("live", e.now().Sub(start), nil)
	if changed {
		e.recordWeights(entries)
	}
	return nil
}

func (e *Engine) appendLocked(events []ledger.VoteEvent) (accepted, dups int) {
	for _, ev := range events {
		if !ev.Valid() {
			e.logger.Warn("dropping malformed vote event", "id", ev.ID, "candidate", ev.Candidate)
			continue
		}
		if ev.ID != "" {
			if _, ok := e.seen[ev.ID]; ok {
				dups++
				continue
			}
			e.seen[ev.ID] = struct{}{}
		}
		e.log = append(e.log, ev.Clone())
		accepted++
	}
	return accepted, dups
}

// SubmitVote casts amount base units for candidate. All preconditions are
// checked before any I/O. The aggregate is not bumped locally; the confirmed
// event arrives through the listener.
func (e *Engine) SubmitVote(ctx context.Context, candidate string, amount *big.Int) (ledger.Receipt, error) {
	const op = "vote"
	sess := e.session()
	if err := e.guard.CheckVote(e.guardState(sess)); err != nil {
		e.metrics.RecordWrite(op, "rejected", 0)
		return ledger.Receipt{}, err
	}
	if amount != nil && amount.Cmp(e.ceiling) > 0 {
		e.metrics.RecordWrite(op, "rejected", 0)
		return ledger.Receipt{}, fmt.Errorf("%w: %s exceeds %s", ErrAmountExceedsLimit, FormatAmount(amount), FormatAmount(e.ceiling))
	}
	if amount == nil || amount.Sign() <= 0 {
		e.metrics.RecordWrite(op, "rejected", 0)
		return ledger.Receipt{}, fmt.Errorf("%w: amount must be positive", ErrInvalidAmount)
	}
	target, err := e.resolve(candidate)
	if err != nil {
		e.metrics.RecordWrite(op, "rejected", 0)
		return ledger.Receipt{}, err
	}
	receipt, err := e.write(ctx, op, &target.ID, func(ctx context.Context) (ledger.Receipt, error) {
		return e.gateway.SubmitVote(ctx, sess, target.Name, new(big.Int).Set(amount))
	})
	if err != nil {
		return ledger.Receipt{}, err
	}
	e.mu.Lock()
	e.votedBy = sess.ID()
	e.publishLocked()
	e.mu.Unlock()
	return receipt, nil
}

// SubmitTokenGrant credits bonus weight to candidate. Only the teacher or
// deployer may grant, and no ceiling applies.
func (e *Engine) SubmitTokenGrant(ctx context.Context, candidate string, amount *big.Int) (ledger.Receipt, error) {
	const op = "grant"
	sess := e.session()
	if err := e.guard.CheckIssueTokens(e.guardState(sess)); err != nil {
		e.metrics.RecordWrite(op, "rejected", 0)
		return ledger.Receipt{}, err
	}
	if amount == nil || amount.Sign() <= 0 {
		e.metrics.RecordWrite(op, "rejected", 0)
		return ledger.Receipt{}, fmt.Errorf("%w: amount must be positive", ErrInvalidAmount)
	}
	target, err := e.resolve(candidate)
	if err != nil {
		e.metrics.RecordWrite(op, "rejected", 0)
		return ledger.Receipt{}, err
	}
	return e.write(ctx, op, &target.ID, func(ctx context.Context) (ledger.Receipt, error) {
		return e.gateway.SubmitTokenGrant(ctx, sess, target.Name, new(big.Int).Set(amount))
	})
}

// SetVotingEnabled writes the voting flag, then re-reads it from the ledger
// whatever the write outcome and publishes the ledger value. The returned
// flag is the ledger value when the re-read succeeded.
func (e *Engine) SetVotingEnabled(ctx context.Context, enabled bool) (bool, error) {
	op := "voting_off"
	if enabled {
		op = "voting_on"
	}
	sess := e.session()
	if err := e.guard.CheckToggleVoting(e.guardState(sess)); err != nil {
		e.metrics.RecordWrite(op, "rejected", 0)
		return e.votingEnabled(), err
	}
	_, writeErr := e.write(ctx, op, nil, func(ctx context.Context) (ledger.Receipt, error) {
		return e.gateway.SetVotingEnabled(ctx, sess, enabled)
	})

	current, readErr := e.gateway.VotingEnabled(context.WithoutCancel(ctx), sess)
	if readErr == nil {
		e.mu.Lock()
		if e.snap.State.VotingEnabled != current {
			e.snap.State.VotingEnabled = current
			e.publishLocked()
		}
		e.mu.Unlock()
		e.metrics.SetVotingEnabled(current)
	}
	switch {
	case writeErr != nil:
		if readErr != nil {
			e.logger.Warn("voting flag re-read failed", "error", readErr)
		}
		return e.votingEnabled(), writeErr
	case readErr != nil:
		return e.votingEnabled(), unavailable("re-read voting flag", readErr)
	}
	return current, nil
}

// ToggleVoting flips the published voting flag.
func (e *Engine) ToggleVoting(ctx context.Context) (bool, error) {
	return e.SetVotingEnabled(ctx, !e.votingEnabled())
}

// RefreshGovernance re-reads the voting flag and role addresses so a change
// made by another privileged caller is observed mid-session.
func (e *Engine) RefreshGovernance(ctx context.Context) error {
	sess := e.session()
	if err := ledger.RequireSession(sess); err != nil {
		return err
	}
	enabled, err := e.gateway.VotingEnabled(ctx, sess)
	if err != nil {
		return unavailable("refresh voting flag", err)
	}
	roles, err := e.gateway.PrivilegedAddresses(ctx, sess)
	if err != nil {
		return unavailable("refresh roles", err)
	}
	e.mu.Lock()
	if e.snap.State.VotingEnabled != enabled || e.snap.State.Roles != roles {
		e.snap.State.VotingEnabled = enabled
		e.snap.State.Roles = roles
		e.publishLocked()
	}
	e.mu.Unlock()
	e.metrics.SetVotingEnabled(enabled)
	return nil
}

// HandleDisconnect discards the session-scoped voting state. The aggregate
// stays published since it derives from the ledger alone.
func (e *Engine) HandleDisconnect() {
	e.mu.Lock()
	defer e.mu.Unlock()
	pending := e.snap.State.PendingWriteCandidateIndex
	e.snap.State = VotingState{WritePending: e.writing, PendingWriteCandidateIndex: pending}
	e.votedBy = ""
	e.publishLocked()
}

// Snapshot returns a copy of the published aggregate and state.
func (e *Engine) Snapshot() Snapshot {
	sess := e.session()
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := e.snap.Clone()
	out.State = e.liveStateLocked(out.State, sess)
	return out
}

// State returns a copy of the voting state.
func (e *Engine) State() VotingState {
	sess := e.session()
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.liveStateLocked(e.snap.State.clone(), sess)
}

// Candidates returns the roster in ledger order.
func (e *Engine) Candidates() []Candidate {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]Candidate(nil), e.roster...)
}

// Subscribe registers for snapshot-changed notifications. The current
// snapshot is delivered first. A slow reader only loses intermediate
// snapshots; the latest one is always retained. The returned func
// unsubscribes and closes the channel.
func (e *Engine) Subscribe(buffer int) (<-chan Snapshot, func()) {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan Snapshot, buffer)
	sess := e.session()
	e.mu.Lock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = ch
	current := e.snap.Clone()
	current.State = e.liveStateLocked(current.State, sess)
	offerLatest(ch, current)
	e.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.subs, id)
			e.mu.Unlock()
			close(ch)
		})
	}
}

// Enqueue hands a batch of live events to the reconciliation loop. It blocks
// while the queue is full.
func (e *Engine) Enqueue(ctx context.Context, events ...ledger.VoteEvent) error {
	if len(events) == 0 {
		return nil
	}
	batch := make([]ledger.VoteEvent, len(events))
	for i, ev := range events {
		batch[i] = ev.Clone()
	}
	select {
	case e.queue <- batch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drains the live event queue into Reconcile until ctx is cancelled.
// Batches already queued are coalesced into one refold.
func (e *Engine) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case batch := <-e.queue:
			batch = e.drain(batch)
			if err := e.Reconcile(ctx, batch...); err != nil && ctx.Err() == nil {
				e.logger.Warn("reconcile failed", "events", len(batch), "error", err)
			}
		}
	}
}

func (e *Engine) drain(batch []ledger.VoteEvent) []ledger.VoteEvent {
	for {
		select {
		case more := <-e.queue:
			batch = append(batch, more...)
		default:
			return batch
		}
	}
}

func (e *Engine) write(ctx context.Context, op string, idx *int, submit func(context.Context) (ledger.Receipt, error)) (ledger.Receipt, error) {
	release, err := e.beginWrite(idx)
	if err != nil {
		e.metrics.RecordWrite(op, "in_flight", 0)
		return ledger.Receipt{}, err
	}
	defer release()

	start := e.now()
	receipt, err := submit(ctx)
	elapsed := e.now().Sub(start)
	if err != nil {
		e.metrics.RecordWrite(op, "failed", elapsed)
		e.logger.Warn("ledger write failed", "operation", op, "error", err)
		return ledger.Receipt{}, writeFailed(op, err)
	}
	e.metrics.RecordWrite(op, "confirmed", elapsed)
	e.logger.Info("ledger write confirmed", "operation", op, "tx", receipt.TxHash, "block", receipt.BlockNumber)
	return receipt, nil
}

// beginWrite claims the single write slot. The returned release clears the
// pending marker and must run on every path.
func (e *Engine) beginWrite(idx *int) (func(), error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.writing {
		return nil, ErrWriteInFlight
	}
	e.writing = true
	e.snap.State.WritePending = true
	if idx != nil {
		marker := *idx
		e.snap.State.PendingWriteCandidateIndex = &marker
	}
	e.publishLocked()
	e.metrics.SetPending(true)

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			e.writing = false
			e.snap.State.WritePending = false
			e.snap.State.PendingWriteCandidateIndex = nil
			e.publishLocked()
			e.mu.Unlock()
			e.metrics.SetPending(false)
		})
	}, nil
}

func (e *Engine) resolve(name string) (Candidate, error) {
	key := normaliseName(name)
	e.mu.RLock()
	defer e.mu.RUnlock()
	idx, ok := e.index[key]
	if !ok || key == "" {
		return Candidate{}, fmt.Errorf("%w: %q", ErrUnknownCandidate, name)
	}
	return e.roster[idx], nil
}

func (e *Engine) session() *ledger.Session {
	if e.sessions == nil {
		return nil
	}
	return e.sessions.Session()
}

func (e *Engine) votingEnabled() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.snap.State.VotingEnabled
}

func (e *Engine) guardState(sess *ledger.Session) governance.State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return governance.State{
		Connected:     sess.Connected(),
		VotingEnabled: e.snap.State.VotingEnabled,
		HasVoted:      e.votedBy != "" && e.votedBy == sess.ID(),
		Self:          sess.Address(),
		Roles:         e.snap.State.Roles,
	}
}

func (e *Engine) liveStateLocked(st VotingState, sess *ledger.Session) VotingState {
	st.Connected = sess.Connected()
	st.SelfAddress = sess.Address()
	gs := governance.State{Connected: st.Connected, Self: st.SelfAddress, Roles: st.Roles}
	st.IsPrivileged = gs.Privileged()
	st.HasVoted = st.Connected && e.votedBy != "" && e.votedBy == sess.ID()
	return st
}

// publishLocked stamps a new version and offers it to subscribers. The
// caller must hold e.mu for writing.
func (e *Engine) publishLocked() {
	e.snap.Version++
	e.snap.UpdatedAt = e.now()
	e.snap.TotalWeight = sumWeights(e.snap.Entries)
	if len(e.subs) == 0 {
		return
	}
	sess := e.session()
	state := e.liveStateLocked(e.snap.State.clone(), sess)
	for _, ch := range e.subs {
		out := e.snap.Clone()
		out.State = state.clone()
		offerLatest(ch, out)
	}
}

func (e *Engine) recordWeights(entries []Entry) {
	for _, entry := range entries {
		e.metrics.SetCandidateWeight(entry.Candidate.Name, entry.TotalWeight, Decimals)
	}
}

func offerLatest(ch chan Snapshot, snap Snapshot) {
	select {
	case ch <- snap:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- snap:
	default:
	}
}

func buildRoster(names []ledger.Candidate, self string) ([]Candidate, map[string]int, error) {
	selfKey := normaliseName(self)
	roster := make([]Candidate, 0, len(names))
	index := make(map[string]int, len(names))
	for i, c := range names {
		key := normaliseName(c.Name)
		if key == "" {
			return nil, nil, fmt.Errorf("%w: empty name at position %d", ErrDuplicateCandidate, i)
		}
		if _, exists := index[key]; exists {
			return nil, nil, fmt.Errorf("%w: %q", ErrDuplicateCandidate, c.Name)
		}
		index[key] = i
		roster = append(roster, Candidate{ID: i, Name: c.Name, IsSelf: selfKey != "" && key == selfKey})
	}
	return roster, index, nil
}

// mergeHistory makes history the base of the new log and carries over any
// identified live events history does not contain yet. Unidentified live
// events are dropped since history already holds them once confirmed.
func mergeHistory(history, previous []ledger.VoteEvent) ([]ledger.VoteEvent, map[string]struct{}, int) {
	log := make([]ledger.VoteEvent, 0, len(history))
	seen := make(map[string]struct{}, len(history))
	dups := 0
	for _, ev := range history {
		if !ev.Valid() {
			continue
		}
		if ev.ID != "" {
			if _, ok := seen[ev.ID]; ok {
				dups++
				continue
			}
			seen[ev.ID] = struct{}{}
		}
		log = append(log, ev.Clone())
	}
	for _, ev := range previous {
		if ev.ID == "" {
			continue
		}
		if _, ok := seen[ev.ID]; ok {
			continue
		}
		seen[ev.ID] = struct{}{}
		log = append(log, ev.Clone())
	}
	return log, seen, dups
}
