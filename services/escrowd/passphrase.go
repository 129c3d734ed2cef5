package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

const keystorePassEnv = "ARB_KEYSTORE_PASSPHRASE"

// passphraseSource resolves the arbitrator keystore passphrase once, from the
// environment when present and otherwise from an interactive prompt.
type passphraseSource struct {
	envVar string
	prompt io.Writer
	fd     int

	once  sync.Once
	value string
	err   error
}

func newPassphraseSource(envVar string) *passphraseSource {
	return &passphraseSource{
		envVar: strings.TrimSpace(envVar),
		prompt: os.Stderr,
		fd:     int(os.Stdin.Fd()),
	}
}

func (s *passphraseSource) Get() (string, error) {
	s.once.Do(func() {
		s.value, s.err = s.resolve()
	})
	return s.value, s.err
}

func (s *passphraseSource) resolve() (string, error) {
	if s.envVar != "" {
		if value, ok := os.LookupEnv(s.envVar); ok {
			if strings.TrimSpace(value) == "" {
				return "", fmt.Errorf("%s is set but empty", s.envVar)
			}
			return value, nil
		}
	}
	if !term.IsTerminal(s.fd) {
		if s.envVar != "" {
			return "", fmt.Errorf("arbitrator keystore passphrase required; set %s or run interactively", s.envVar)
		}
		return "", errors.New("arbitrator keystore passphrase required and no terminal available")
	}

	fmt.Fprint(s.prompt, "Enter arbitrator keystore passphrase: ")
	raw, err := term.ReadPassword(s.fd)
	fmt.Fprintln(s.prompt)
	if err != nil {
		return "", fmt.Errorf("read passphrase: %w", err)
	}
	passphrase := string(raw)
	if strings.TrimSpace(passphrase) == "" {
		return "", errors.New("arbitrator keystore passphrase cannot be empty")
	}
	return passphrase, nil
}
