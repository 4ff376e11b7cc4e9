package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"turingvote/ledger"
)

var (
	// ErrNoProvider reports that no signing provider is configured or found.
	ErrNoProvider = errors.New("session: no signing provider")
	// ErrUserRejected reports that the operator declined or failed to unlock
	// the signer.
	ErrUserRejected = errors.New("session: connection rejected")
	// ErrConnectInProgress is returned when Connect races another attempt.
	ErrConnectInProgress = errors.New("session: connect already in progress")
)

// State enumerates the session lifecycle.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger overrides the manager logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithIDGenerator overrides how session handle identifiers are minted.
func WithIDGenerator(fn func() string) Option {
	return func(m *Manager) {
		if fn != nil {
			m.newID = fn
		}
	}
}

// Manager owns the connection to the signer and issues session handles.
type Manager struct {
	provider Provider
	logger   *slog.Logger
	newID    func() string

	mu       sync.Mutex
	state    State
	current  *ledger.Session
	lastErr  error
	watchers map[int]chan State
	nextID   int
}

// NewManager constructs a manager in the Disconnected state.
func NewManager(provider Provider, opts ...Option) *Manager {
	m := &Manager{
		provider: provider,
		logger:   slog.Default(),
		newID:    uuid.NewString,
		watchers: make(map[int]chan State),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	m.logger = m.logger.With("component", "session")
	return m
}

// Connect asks the provider for a signer and issues a new handle. Calling it
// while connected returns the existing handle. A failed attempt leaves the
// manager in Failed; calling Connect again retries.
func (m *Manager) Connect(ctx context.Context) (*ledger.Session, error) {
	m.mu.Lock()
	switch m.state {
	case Connected:
		sess := m.current
		m.mu.Unlock()
		return sess, nil
	case Connecting:
		m.mu.Unlock()
		return nil, ErrConnectInProgress
	}
	m.setStateLocked(Connecting)
	provider := m.provider
	m.mu.Unlock()

	var (
		sess *ledger.Session
		err  error
	)
	if provider == nil {
		err = ErrNoProvider
	} else {
		key, signErr := provider.Signer(ctx)
		switch {
		case signErr != nil:
			err = signErr
		case key == nil:
			err = ErrNoProvider
		default:
			sess = ledger.NewSession(m.newID(), key)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.lastErr = err
		m.setStateLocked(Failed)
		m.logger.Warn("session connect failed", "error", err)
		return nil, err
	}
	m.current = sess
	m.lastErr = nil
	m.setStateLocked(Connected)
	m.logger.Info("session connected", "session", sess.ID(), "address", sess.Address().Hex())
	return sess, nil
}

// Disconnect invalidates the current handle. Gateway calls made with it fail
// with ledger.ErrNotConnected afterwards.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		m.current.Close()
		m.logger.Info("session disconnected", "session", m.current.ID())
		m.current = nil
	}
	m.lastErr = nil
	if m.state != Disconnected {
		m.setStateLocked(Disconnected)
	}
}

// Session returns the live handle or nil.
func (m *Manager) Session() *ledger.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Connected {
		return nil
	}
	return m.current
}

// State returns the lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Err returns the error of the last failed connect attempt.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Watch delivers state transitions. The channel keeps only the most recent
// transitions a slow reader has not consumed; the returned func stops
// delivery and closes the channel.
func (m *Manager) Watch(buffer int) (<-chan State, func()) {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan State, buffer)
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.watchers[id] = ch
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.watchers, id)
			m.mu.Unlock()
			close(ch)
		})
	}
}

func (m *Manager) setStateLocked(state State) {
	m.state = state
	for _, ch := range m.watchers {
		select {
		case ch <- state:
		default:
			// drop the oldest pending transition so the newest is retained
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- state:
			default:
			}
		}
	}
}
