package passphrase

import (
	"strings"
	"testing"
)

func TestSourceReadsEnvironmentOnce(t *testing.T) {
	t.Setenv("PRICEWAGER_TEST_PASS", "hunter22")
	src := NewSource("PRICEWAGER_TEST_PASS", "operator keystore")
	got, err := src.Get()
	if err != nil || got != "hunter22" {
		t.Fatalf("unexpected passphrase %q %v", got, err)
	}
	t.Setenv("PRICEWAGER_TEST_PASS", "changed")
	if again, _ := src.Get(); again != "hunter22" {
		t.Fatalf("expected cached value, got %q", again)
	}
}

func TestSourceRejectsEmptyEnvironment(t *testing.T) {
	t.Setenv("PRICEWAGER_TEST_PASS", "   ")
	_, err := NewSource("PRICEWAGER_TEST_PASS", "signer").Get()
	if err == nil || !strings.Contains(err.Error(), "PRICEWAGER_TEST_PASS") {
		t.Fatalf("expected empty env error, got %v", err)
	}
}

func TestSourcePromptsWhenEnvironmentUnset(t *testing.T) {
	calls := 0
	src := NewSourceWithPrompter("PRICEWAGER_TEST_UNSET_PASS", "signer keystore", func(label string) (string, error) {
		calls++
		if label != "signer keystore" {
			t.Fatalf("unexpected label %q", label)
		}
		return "typed-secret", nil
	})
	for i := 0; i < 2; i++ {
		got, err := src.Get()
		if err != nil || got != "typed-secret" {
			t.Fatalf("unexpected passphrase %q %v", got, err)
		}
	}
	if calls != 1 {
		t.Fatalf("expected one prompt, got %d", calls)
	}
}

func TestSourceWithoutTerminalNamesEnvironment(t *testing.T) {
	src := NewSourceWithPrompter("PRICEWAGER_TEST_UNSET_PASS", "operator keystore", func(string) (string, error) {
		return "", ErrNoTerminal
	})
	_, err := src.Get()
	if err == nil || !strings.Contains(err.Error(), "set PRICEWAGER_TEST_UNSET_PASS") {
		t.Fatalf("expected guidance error, got %v", err)
	}
}

func TestSourceRejectsBlankPrompt(t *testing.T) {
	src := NewSourceWithPrompter("", "auth HMAC secret", func(string) (string, error) { return "  ", nil })
	if _, err := src.Get(); err == nil || !strings.Contains(err.Error(), "cannot be empty") {
		t.Fatalf("expected blank error, got %v", err)
	}
}
