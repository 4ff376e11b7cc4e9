package session

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/keystore"

	"turingvote/crypto"
)

// Provider yields the signing key for a new session.
type Provider interface {
	Signer(ctx context.Context) (*ecdsa.PrivateKey, error)
}

// ProviderFunc adapts a plain function to the Provider interface.
type ProviderFunc func(ctx context.Context) (*ecdsa.PrivateKey, error)

// Signer implements Provider.
func (f ProviderFunc) Signer(ctx context.Context) (*ecdsa.PrivateKey, error) {
	if f == nil {
		return nil, ErrNoProvider
	}
	return f(ctx)
}

// StaticProvider hands out a fixed in-process key.
type StaticProvider struct {
	Key *ecdsa.PrivateKey
}

// Signer implements Provider.
func (p StaticProvider) Signer(context.Context) (*ecdsa.PrivateKey, error) {
	if p.Key == nil {
		return nil, ErrNoProvider
	}
	return p.Key, nil
}

// HexKeyProvider reads a hex encoded key from an environment variable.
type HexKeyProvider struct {
	EnvVar string
}

// Signer implements Provider.
func (p HexKeyProvider) Signer(context.Context) (*ecdsa.PrivateKey, error) {
	name := strings.TrimSpace(p.EnvVar)
	if name == "" {
		return nil, ErrNoProvider
	}
	value, ok := os.LookupEnv(name)
	if !ok || strings.TrimSpace(value) == "" {
		return nil, fmt.Errorf("%w: %s not set", ErrNoProvider, name)
	}
	key, err := crypto.PrivateKeyFromHex(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUserRejected, err)
	}
	return key.PrivateKey, nil
}

// KeystoreProvider decrypts an Ethereum v3 keystore file.
type KeystoreProvider struct {
	Path       string
	Passphrase func() (string, error)
}

// Signer implements Provider. A missing keystore maps to ErrNoProvider; an
// empty or wrong passphrase maps to ErrUserRejected.
func (p KeystoreProvider) Signer(ctx context.Context) (*ecdsa.PrivateKey, error) {
	path := strings.TrimSpace(p.Path)
	if path == "" {
		return nil, ErrNoProvider
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: keystore %s not found", ErrNoProvider, path)
		}
		return nil, fmt.Errorf("stat keystore: %w", err)
	}
	if p.Passphrase == nil {
		return nil, fmt.Errorf("%w: no passphrase source", ErrNoProvider)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	passphrase, err := p.Passphrase()
	if err != nil {
		return nil, err
	}
	if passphrase == "" {
		return nil, ErrUserRejected
	}
	key, err := crypto.LoadFromKeystore(path, passphrase)
	if err != nil {
		if errors.Is(err, keystore.ErrDecrypt) {
			return nil, fmt.Errorf("%w: %v", ErrUserRejected, err)
		}
		return nil, fmt.Errorf("load keystore: %w", err)
	}
	return key.PrivateKey, nil
}
