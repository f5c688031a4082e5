// Package cli provides interactive terminal prompts for the agent's account
// commands (login, register).
package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// Prompter reads answers from In and writes questions to Out.
type Prompter struct {
	In      io.Reader
	Out     io.Writer
	scanner *bufio.Scanner
}

// DefaultPrompter returns a Prompter connected to stdin/stdout.
func DefaultPrompter() *Prompter {
	return &Prompter{In: os.Stdin, Out: os.Stdout}
}

func (p *Prompter) readLine() (string, bool) {
	if p.scanner == nil {
		p.scanner = bufio.NewScanner(p.In)
	}
	if !p.scanner.Scan() {
		return "", false
	}
	return strings.TrimSpace(p.scanner.Text()), true
}

// Ask prints a question with an optional default and reads one line.
func (p *Prompter) Ask(question, defaultVal string) string {
	if defaultVal != "" {
		_, _ = fmt.Fprintf(p.Out, "%s [%s]: ", question, defaultVal)
	} else {
		_, _ = fmt.Fprintf(p.Out, "%s: ", question)
	}
	line, _ := p.readLine()
	if line == "" {
		return defaultVal
	}
	return line
}

// AskRequired repeats the question until a non-empty answer is given.
// It returns an error when input is exhausted first.
func (p *Prompter) AskRequired(question string) (string, error) {
	for {
		_, _ = fmt.Fprintf(p.Out, "%s: ", question)
		line, ok := p.readLine()
		if line != "" {
			return line, nil
		}
		if !ok {
			return "", fmt.Errorf("%s: no input", strings.ToLower(question))
		}
		_, _ = fmt.Fprintln(p.Out, "  A value is required.")
	}
}

// AskEmail asks for an email address and rejects answers without an "@".
func (p *Prompter) AskEmail(question string) (string, error) {
	for {
		email, err := p.AskRequired(question)
		if err != nil {
			return "", err
		}
		if at := strings.Index(email, "@"); at > 0 && at < len(email)-1 {
			return email, nil
		}
		_, _ = fmt.Fprintln(p.Out, "  Please enter a valid email address.")
	}
}

// AskPassword reads a line without echo when In is a terminal, and falls back
// to a plain read otherwise (pipes, tests).
func (p *Prompter) AskPassword(question string) string {
	_, _ = fmt.Fprintf(p.Out, "%s: ", question)

	if f, ok := p.In.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		_, _ = fmt.Fprintln(p.Out)
		if err == nil {
			return strings.TrimSpace(string(b))
		}
	}

	line, _ := p.readLine()
	return line
}

// Confirm asks a yes/no question.
func (p *Prompter) Confirm(question string, defaultYes bool) bool {
	hint := "y/N"
	if defaultYes {
		hint = "Y/n"
	}
	ans := p.Ask(fmt.Sprintf("%s [%s]", question, hint), "")
	if ans == "" {
		return defaultYes
	}
	return strings.HasPrefix(strings.ToLower(ans), "y")
}

// Credentials prompts for an email and password.
func (p *Prompter) Credentials() (email, password string, err error) {
	email, err = p.AskEmail("Email")
	if err != nil {
		return "", "", err
	}
	password = p.AskPassword("Password")
	if password == "" {
		return "", "", fmt.Errorf("password is required")
	}
	return email, password, nil
}
