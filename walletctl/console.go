package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

var errDeclined = errors.New("challenge declined")

// console reads user input from stdin. Hidden input is used for PINs when
// stdin is a terminal.
type console struct {
	in  *bufio.Reader
	out io.Writer
	fd  int
}

func newConsole() *console {
	return &console{
		in:  bufio.NewReader(os.Stdin),
		out: os.Stderr,
		fd:  int(os.Stdin.Fd()),
	}
}

func (c *console) readLine(prompt string) (string, error) {
	fmt.Fprint(c.out, prompt)
	line, err := c.in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func (c *console) readSecret(prompt string) (string, error) {
	if !term.IsTerminal(c.fd) {
		return c.readLine(prompt)
	}
	fmt.Fprint(c.out, prompt)
	b, err := term.ReadPassword(c.fd)
	fmt.Fprintln(c.out)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

// Authenticate stands in for the biometric challenge with a confirmation.
func (c *console) Authenticate(ctx context.Context, prompt string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	answer, err := c.readLine(fmt.Sprintf("%s. Confirm biometric unlock [y/N]: ", prompt))
	if err != nil {
		return err
	}
	switch strings.ToLower(answer) {
	case "y", "yes":
		return nil
	}
	return errDeclined
}
