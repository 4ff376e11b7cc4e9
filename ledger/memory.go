package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	errMemoryVotingDisabled = errors.New("voting is disabled")
	errMemoryUnknownName    = errors.New("name is not authorised")
	errMemoryNotPrivileged  = errors.New("caller is not teacher or deployer")
	errMemoryOverflow       = errors.New("amount overflows uint256")
	errMemoryZeroAmount     = errors.New("amount must be positive")
)

// MemoryConfig seeds an in-process ledger.
type MemoryConfig struct {
	Candidates    []string
	Roles         Roles
	VotingEnabled bool
	// Members maps signer addresses to the candidate name getLoggedUser
	// reports for them.
	Members map[common.Address]string
	Logger  *slog.Logger
}

// WriteHook runs before a write is applied. Returning an error fails the
// write without touching ledger state.
type WriteHook func(ctx context.Context, method string) error

// MemoryLedger mirrors the voting contract in process. It backs the
// daemon's dev mode and the tests of every package above the gateway.
type MemoryLedger struct {
	mu       sync.Mutex
	names    []string
	known    map[string]struct{}
	members  map[common.Address]string
	roles    Roles
	enabled  bool
	totals   map[string]*uint256.Int
	history  []VoteEvent
	seq      uint64
	block    uint64
	subs     map[uint64]*memorySubscription
	nextSub  uint64
	writes   int
	reads    int
	readErr  error
	failNext error
	hook     WriteHook
	logger   *slog.Logger
}

var _ Gateway = (*MemoryLedger)(nil)

// NewMemoryLedger constructs an in-process ledger seeded from cfg.
func NewMemoryLedger(cfg MemoryConfig) *MemoryLedger {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := &MemoryLedger{
		known:   make(map[string]struct{}, len(cfg.Candidates)),
		members: make(map[common.Address]string, len(cfg.Members)),
		roles:   cfg.Roles,
		enabled: cfg.VotingEnabled,
		totals:  make(map[string]*uint256.Int, len(cfg.Candidates)),
		subs:    make(map[uint64]*memorySubscription),
		logger:  logger.With("component", "ledger.memory"),
	}
	for _, name := range cfg.Candidates {
		m.names = append(m.names, name)
		m.known[name] = struct{}{}
	}
	for addr, name := range cfg.Members {
		m.members[addr] = name
	}
	return m
}

// Register associates addr with a candidate name for getLoggedUser.
func (m *MemoryLedger) Register(addr common.Address, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.members[addr] = name
}

// SetRoles replaces the teacher and deployer accounts.
func (m *MemoryLedger) SetRoles(roles Roles) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roles = roles
}

// SetWriteHook installs a hook consulted before every write.
func (m *MemoryLedger) SetWriteHook(hook WriteHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hook = hook
}

// FailNextWrite makes the next write fail with err.
func (m *MemoryLedger) FailNextWrite(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = err
}

// FailReads makes every read fail with err until called with nil.
func (m *MemoryLedger) FailReads(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readErr = err
}

// Writes returns the number of write attempts that reached the ledger.
func (m *MemoryLedger) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// Reads returns the number of read calls that reached the ledger.
func (m *MemoryLedger) Reads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads
}

// Total returns the contract-side sum for name.
func (m *MemoryLedger) Total(name string) *big.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if total, ok := m.totals[name]; ok {
		return total.ToBig()
	}
	return new(big.Int)
}

// Emit appends an event as if another participant had voted, bypassing the
// contract checks, and publishes it to subscribers.
func (m *MemoryLedger) Emit(candidate string, weight *big.Int) VoteEvent {
	m.mu.Lock()
	ev := m.appendLocked(candidate, weight)
	subs := m.subscribersLocked()
	m.mu.Unlock()
	publish(subs, ev)
	return ev
}

// Deliver pushes ev to subscribers without recording it in history. It
// simulates transport redelivery.
func (m *MemoryLedger) Deliver(ev VoteEvent) {
	m.mu.Lock()
	subs := m.subscribersLocked()
	m.mu.Unlock()
	publish(subs, ev)
}

// BreakSubscriptions terminates every live subscription with err.
func (m *MemoryLedger) BreakSubscriptions(err error) {
	m.mu.Lock()
	subs := m.subscribersLocked()
	m.subs = make(map[uint64]*memorySubscription)
	m.mu.Unlock()
	for _, sub := range subs {
		sub.fail(ReadError("memory subscription", err))
	}
}

func (m *MemoryLedger) ListCandidates(ctx context.Context, sess *Session) ([]Candidate, error) {
	if err := m.beginRead(ctx, sess, methodCandidates); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Candidate, 0, len(m.names))
	for _, name := range m.names {
		out = append(out, Candidate{Name: name})
	}
	return out, nil
}

func (m *MemoryLedger) SelfAddress(ctx context.Context, sess *Session) (string, error) {
	if err := m.beginRead(ctx, sess, methodLoggedUser); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.members[sess.Address()], nil
}

func (m *MemoryLedger) QueryVoteEvents(ctx context.Context, sess *Session) ([]VoteEvent, error) {
	if err := m.beginRead(ctx, sess, "query vote events"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]VoteEvent, 0, len(m.history))
	for _, ev := range m.history {
		out = append(out, ev.Clone())
	}
	return out, nil
}

func (m *MemoryLedger) VotingEnabled(ctx context.Context, sess *Session) (bool, error) {
	if err := m.beginRead(ctx, sess, methodVotingEnabled); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled, nil
}

func (m *MemoryLedger) PrivilegedAddresses(ctx context.Context, sess *Session) (Roles, error) {
	if err := m.beginRead(ctx, sess, "privileged addresses"); err != nil {
		return Roles{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.roles, nil
}

func (m *MemoryLedger) SubscribeVoteEvents(ctx context.Context, sess *Session) (Subscription, error) {
	if err := m.beginRead(ctx, sess, "subscribe vote events"); err != nil {
		return nil, err
	}
	subCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	sub := newMemorySubscription(cancel, func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	})
	m.subs[id] = sub
	m.mu.Unlock()
	go sub.run(subCtx, sess)
	return sub, nil
}

func (m *MemoryLedger) SubmitVote(ctx context.Context, sess *Session, candidate string, weight *big.Int) (Receipt, error) {
	return m.write(ctx, sess, methodVote, func(_ common.Address) (*VoteEvent, error) {
		if !m.enabled {
			return nil, errMemoryVotingDisabled
		}
		if _, ok := m.known[candidate]; !ok {
			return nil, fmt.Errorf("%w: %q", errMemoryUnknownName, candidate)
		}
		if err := checkAmount(weight); err != nil {
			return nil, err
		}
		ev := m.appendLocked(candidate, weight)
		return &ev, nil
	})
}

func (m *MemoryLedger) SubmitTokenGrant(ctx context.Context, sess *Session, candidate string, weight *big.Int) (Receipt, error) {
	return m.write(ctx, sess, methodIssueToken, func(from common.Address) (*VoteEvent, error) {
		if !m.roles.IsPrivileged(from) {
			return nil, errMemoryNotPrivileged
		}
		if _, ok := m.known[candidate]; !ok {
			return nil, fmt.Errorf("%w: %q", errMemoryUnknownName, candidate)
		}
		if err := checkAmount(weight); err != nil {
			return nil, err
		}
		ev := m.appendLocked(candidate, weight)
		return &ev, nil
	})
}

func (m *MemoryLedger) SetVotingEnabled(ctx context.Context, sess *Session, enabled bool) (Receipt, error) {
	method := methodVotingOff
	if enabled {
		method = methodVotingOn
	}
	return m.write(ctx, sess, method, func(from common.Address) (*VoteEvent, error) {
		if !m.roles.IsPrivileged(from) {
			return nil, errMemoryNotPrivileged
		}
		m.enabled = enabled
		return nil, nil
	})
}

func (m *MemoryLedger) beginRead(ctx context.Context, sess *Session, op string) error {
	if err := RequireSession(sess); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return ReadError(op, err)
	}
	m.mu.Lock()
	m.reads++
	readErr := m.readErr
	m.mu.Unlock()
	if readErr != nil {
		return ReadError(op, readErr)
	}
	return nil
}

func (m *MemoryLedger) write(ctx context.Context, sess *Session, method string, apply func(from common.Address) (*VoteEvent, error)) (Receipt, error) {
	if err := RequireSession(sess); err != nil {
		return Receipt{}, err
	}
	m.mu.Lock()
	m.writes++
	hook := m.hook
	failNext := m.failNext
	m.failNext = nil
	m.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, method); err != nil {
			return Receipt{}, WriteError(method, err)
		}
	}
	if failNext != nil {
		return Receipt{}, WriteError(method, failNext)
	}

	m.mu.Lock()
	ev, err := apply(sess.Address())
	if err != nil {
		m.mu.Unlock()
		m.logger.Debug("write reverted", "method", method, "session", sess.ID(), "error", err)
		return Receipt{}, WriteError(method, fmt.Errorf("reverted: %w", err))
	}
	m.block++
	receipt := Receipt{TxHash: fmt.Sprintf("mem-tx-%d", m.block), BlockNumber: m.block}
	var subs []*memorySubscription
	if ev != nil {
		subs = m.subscribersLocked()
	}
	m.mu.Unlock()

	if ev != nil {
		publish(subs, *ev)
	}
	return receipt, nil
}

// appendLocked records an event and updates the contract-side total. The
// caller must hold m.mu.
func (m *MemoryLedger) appendLocked(candidate string, weight *big.Int) VoteEvent {
	m.seq++
	ev := VoteEvent{
		ID:        fmt.Sprintf("mem:%d", m.seq),
		Candidate: candidate,
		Weight:    new(big.Int).Set(weight),
	}
	m.history = append(m.history, ev)
	amount, overflow := uint256.FromBig(weight)
	if !overflow {
		total, ok := m.totals[candidate]
		if !ok {
			total = new(uint256.Int)
			m.totals[candidate] = total
		}
		total.Add(total, amount)
	}
	return ev.Clone()
}

func (m *MemoryLedger) subscribersLocked() []*memorySubscription {
	out := make([]*memorySubscription, 0, len(m.subs))
	for _, sub := range m.subs {
		out = append(out, sub)
	}
	return out
}

func checkAmount(weight *big.Int) error {
	if weight == nil || weight.Sign() <= 0 {
		return errMemoryZeroAmount
	}
	if _, overflow := uint256.FromBig(weight); overflow {
		return errMemoryOverflow
	}
	return nil
}

func publish(subs []*memorySubscription, ev VoteEvent) {
	for _, sub := range subs {
		sub.push(ev.Clone())
	}
}

// memorySubscription queues events without bounds so publishers never block
// on a slow consumer; a pump goroutine drains the queue into Events.
type memorySubscription struct {
	events  chan VoteEvent
	errs    chan error
	cancel  context.CancelFunc
	detach  func()
	done    chan struct{}
	wake    chan struct{}
	once    sync.Once
	mu      sync.Mutex
	pending []VoteEvent
}

func newMemorySubscription(cancel context.CancelFunc, detach func()) *memorySubscription {
	return &memorySubscription{
		events: make(chan VoteEvent),
		errs:   make(chan error, 1),
		cancel: cancel,
		detach: detach,
		done:   make(chan struct{}),
		wake:   make(chan struct{}, 1),
	}
}

func (s *memorySubscription) Events() <-chan VoteEvent { return s.events }

func (s *memorySubscription) Err() <-chan error { return s.errs }

func (s *memorySubscription) Unsubscribe() {
	s.stop()
	<-s.done
}

func (s *memorySubscription) stop() {
	s.once.Do(func() {
		s.detach()
		s.cancel()
	})
}

func (s *memorySubscription) push(ev VoteEvent) {
	s.mu.Lock()
	s.pending = append(s.pending, ev)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *memorySubscription) fail(err error) {
	select {
	case s.errs <- err:
	default:
	}
	s.stop()
}

func (s *memorySubscription) run(ctx context.Context, sess *Session) {
	defer close(s.done)
	defer close(s.events)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		}
		s.mu.Lock()
		batch := s.pending
		s.pending = nil
		s.mu.Unlock()
		for _, ev := range batch {
			if !sess.Connected() {
				s.fail(ErrNotConnected)
				return
			}
			select {
			case s.events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}
