package session

import (
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// PassphraseSource resolves a keystore passphrase from an environment
// variable or by prompting the operator on the terminal. Unlike a cached
// secret, every call resolves again so a rejected prompt can be retried.
type PassphraseSource struct {
	EnvVar string
	Prompt string

	in  *os.File
	out io.Writer
}

// NewPassphraseSource checks envVar before interactively prompting on stdin.
func NewPassphraseSource(envVar string) *PassphraseSource {
	return &PassphraseSource{
		EnvVar: strings.TrimSpace(envVar),
		Prompt: "Enter keystore passphrase: ",
		in:     os.Stdin,
		out:    os.Stderr,
	}
}

// Get returns the passphrase. Whitespace-only values count as a rejection.
func (s *PassphraseSource) Get() (string, error) {
	if s.EnvVar != "" {
		if value, ok := os.LookupEnv(s.EnvVar); ok {
			if strings.TrimSpace(value) == "" {
				return "", fmt.Errorf("%w: %s is set but empty", ErrUserRejected, s.EnvVar)
			}
			return value, nil
		}
	}

	in := s.in
	if in == nil {
		in = os.Stdin
	}
	out := s.out
	if out == nil {
		out = os.Stderr
	}
	if !term.IsTerminal(int(in.Fd())) {
		if s.EnvVar != "" {
			return "", fmt.Errorf("%w: keystore passphrase required; set %s or run interactively", ErrNoProvider, s.EnvVar)
		}
		return "", fmt.Errorf("%w: keystore passphrase required and no terminal available", ErrNoProvider)
	}

	fmt.Fprint(out, s.Prompt)
	bytes, err := term.ReadPassword(int(in.Fd()))
	fmt.Fprintln(out)
	if err != nil {
		return "", fmt.Errorf("read passphrase: %w", err)
	}
	passphrase := string(bytes)
	if strings.TrimSpace(passphrase) == "" {
		return "", fmt.Errorf("%w: passphrase cannot be empty", ErrUserRejected)
	}
	return passphrase, nil
}
