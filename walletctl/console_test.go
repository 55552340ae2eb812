package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/mesmerverse/vettid-dev/walletcore/keymanager"
)

func testConsole(input string) *console {
	return &console{
		in:  bufio.NewReader(strings.NewReader(input)),
		out: io.Discard,
		fd:  -1,
	}
}

func TestConsoleAuthenticate(t *testing.T) {
	cases := []struct {
		input string
		ok    bool
	}{
		{"y\n", true},
		{"YES\n", true},
		{"n\n", false},
		{"\n", false},
	}
	for _, tc := range cases {
		err := testConsole(tc.input).Authenticate(context.Background(), "Unlock your wallet")
		if tc.ok && err != nil {
			t.Errorf("%q: unexpected error %v", tc.input, err)
		}
		if !tc.ok && !errors.Is(err, errDeclined) {
			t.Errorf("%q: expected errDeclined, got %v", tc.input, err)
		}
	}
}

func TestConsoleReadSecretWithoutTerminal(t *testing.T) {
	c := testConsole("1234\nabandon about")
	pin, err := c.readSecret("PIN: ")
	if err != nil || pin != "1234" {
		t.Errorf("Expected 1234, got %q (%v)", pin, err)
	}
	// Last line without a newline is still returned
	line, err := c.readLine("Phrase: ")
	if err != nil || line != "abandon about" {
		t.Errorf("Expected trailing line, got %q (%v)", line, err)
	}
	if _, err := c.readLine("More: "); err == nil {
		t.Error("Expected EOF")
	}
}

func TestUserErrorHidesCause(t *testing.T) {
	wrapped := fmt.Errorf("decrypt: %w", keymanager.ErrIncorrectPin)
	if userError(wrapped) != keymanager.ErrIncorrectPin {
		t.Error("PIN failures should be reported uniformly")
	}
	other := errors.New("disk full")
	if userError(other) != other {
		t.Error("Other errors pass through")
	}
}
