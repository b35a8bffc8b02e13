// Package passphrase resolves secrets for the pricewager binaries from the
// environment or an interactive prompt.
package passphrase

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// ErrNoTerminal is returned when a secret must be prompted for but stdin is
// not a terminal.
var ErrNoTerminal = errors.New("no terminal available")

// Prompter reads a secret interactively. The label names the secret.
type Prompter func(label string) (string, error)

// Source resolves a secret once and caches the outcome, error included.
type Source struct {
	envVar string
	label  string
	prompt Prompter

	once  sync.Once
	value string
	err   error
}

// NewSource checks envVar before prompting on the terminal. label names the
// secret in prompts and errors, for example "operator keystore".
func NewSource(envVar, label string) *Source {
	return NewSourceWithPrompter(envVar, label, TerminalPrompt)
}

// NewSourceWithPrompter is NewSource with a custom prompt; a nil prompter
// disables interactive entry.
func NewSourceWithPrompter(envVar, label string, prompt Prompter) *Source {
	label = strings.TrimSpace(label)
	if label == "" {
		label = "keystore"
	}
	return &Source{envVar: strings.TrimSpace(envVar), label: label, prompt: prompt}
}

// Get returns the secret. An environment value is used verbatim; prompted
// values and environment values must not be blank.
func (s *Source) Get() (string, error) {
	s.once.Do(func() { s.value, s.err = s.resolve() })
	return s.value, s.err
}

func (s *Source) resolve() (string, error) {
	if s.envVar != "" {
		if value, ok := os.LookupEnv(s.envVar); ok {
			if strings.TrimSpace(value) == "" {
				return "", fmt.Errorf("%s is set but empty", s.envVar)
			}
			return value, nil
		}
	}
	if s.prompt == nil {
		return "", s.missing()
	}
	value, err := s.prompt(s.label)
	if errors.Is(err, ErrNoTerminal) {
		return "", s.missing()
	}
	if err != nil {
		return "", fmt.Errorf("read %s passphrase: %w", s.label, err)
	}
	if strings.TrimSpace(value) == "" {
		return "", fmt.Errorf("%s passphrase cannot be empty", s.label)
	}
	return value, nil
}

func (s *Source) missing() error {
	if s.envVar != "" {
		return fmt.Errorf("%s passphrase required; set %s or run interactively", s.label, s.envVar)
	}
	return fmt.Errorf("%s passphrase required: %w", s.label, ErrNoTerminal)
}

// TerminalPrompt asks on stderr and reads stdin without echo.
func TerminalPrompt(label string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", ErrNoTerminal
	}
	fmt.Fprintf(os.Stderr, "Enter %s passphrase: ", label)
	raw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
