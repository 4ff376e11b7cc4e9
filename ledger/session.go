package ledger

import (
	"crypto/ecdsa"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Session is the signing handle threaded through every gateway call. It is
// issued by the session manager and invalidated on disconnect.
type Session struct {
	id      string
	address common.Address
	signer  *ecdsa.PrivateKey
	closed  atomic.Bool
}

// NewSession wraps a signer into a session handle.
func NewSession(id string, signer *ecdsa.PrivateKey) *Session {
	s := &Session{id: id, signer: signer}
	if signer != nil {
		s.address = crypto.PubkeyToAddress(signer.PublicKey)
	}
	return s
}

// ID returns the handle identifier used in logs.
func (s *Session) ID() string {
	if s == nil {
		return ""
	}
	return s.id
}

// Address returns the account the session signs for.
func (s *Session) Address() common.Address {
	if s == nil {
		return common.Address{}
	}
	return s.address
}

// Signer returns the private key backing the session.
func (s *Session) Signer() *ecdsa.PrivateKey {
	if s == nil {
		return nil
	}
	return s.signer
}

// Connected reports whether the handle is still usable.
func (s *Session) Connected() bool {
	return s != nil && s.signer != nil && !s.closed.Load()
}

// Close invalidates the handle. It is safe to call more than once.
func (s *Session) Close() {
	if s == nil {
		return
	}
	s.closed.Store(true)
}

// RequireSession fails fast with ErrNotConnected for nil or closed handles.
func RequireSession(s *Session) error {
	if !s.Connected() {
		return ErrNotConnected
	}
	return nil
}
