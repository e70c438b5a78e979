package channel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"
	"golang.org/x/term"
)

var (
	promptColor  = color.New(color.FgCyan, color.Bold)
	warnColor    = color.New(color.FgYellow)
	errorColor   = color.New(color.FgRed)
	successColor = color.New(color.FgGreen)
	dimColor     = color.New(color.Faint)
)

// Terminal reads operator input line by line and implements domain.Interactor.
// Secrets are read without echo when the input is a TTY.
type Terminal struct {
	in  *bufio.Reader
	out io.Writer
	fd  int // terminal file descriptor, or -1
	mu  sync.Mutex

	// pending carries the result of a read that outlived the call that
	// started it. The next read picks it up instead of reading again.
	pending chan lineResult
}

type lineResult struct {
	line string
	err  error
}

type TerminalConfig struct {
	In  io.Reader
	Out io.Writer
}

func NewTerminal(cfg TerminalConfig) *Terminal {
	if cfg.In == nil {
		cfg.In = os.Stdin
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	fd := -1
	if f, ok := cfg.In.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fd = int(f.Fd())
	}
	return &Terminal{in: bufio.NewReader(cfg.In), out: cfg.Out, fd: fd}
}

// Out returns the writer the terminal prints to.
func (t *Terminal) Out() io.Writer { return t.out }

// ReadLine prints prompt and returns the next line without its newline.
// It returns io.EOF once input is exhausted.
func (t *Terminal) ReadLine(ctx context.Context, prompt string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if prompt != "" {
		promptColor.Fprint(t.out, prompt)
	}
	return t.readLine(ctx)
}

// Confirm asks a yes/no question. Anything but y or yes is a no.
func (t *Terminal) Confirm(ctx context.Context, message string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	warnColor.Fprintf(t.out, "%s [y/N]: ", message)
	line, err := t.readLine(ctx)
	if err == io.EOF {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}

// PromptSecret reads a secret value. A blank answer or end of input means
// the operator declined.
func (t *Terminal) PromptSecret(ctx context.Context, message string) (string, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	warnColor.Fprintf(t.out, "%s: ", message)

	var (
		value string
		err   error
	)
	if t.fd >= 0 && t.pending == nil {
		var b []byte
		b, err = term.ReadPassword(t.fd)
		fmt.Fprintln(t.out)
		value = string(b)
	} else {
		value, err = t.readLine(ctx)
	}
	if err == io.EOF {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read secret: %w", err)
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return "", false, nil
	}
	return value, true, nil
}

// Println writes a plain line.
func (t *Terminal) Println(a ...any) { fmt.Fprintln(t.out, a...) }

// Printf writes formatted plain text.
func (t *Terminal) Printf(format string, a ...any) { fmt.Fprintf(t.out, format, a...) }

func (t *Terminal) Success(format string, a ...any) { successColor.Fprintf(t.out, format+"\n", a...) }
func (t *Terminal) Warn(format string, a ...any)    { warnColor.Fprintf(t.out, format+"\n", a...) }
func (t *Terminal) Error(format string, a ...any)   { errorColor.Fprintf(t.out, format+"\n", a...) }
func (t *Terminal) Dim(format string, a ...any)     { dimColor.Fprintf(t.out, format+"\n", a...) }

// readLine returns the next input line, or ctx's error if ctx ends first.
// A line that arrives after ctx ended is kept for the next call. Callers
// hold t.mu.
func (t *Terminal) readLine(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if t.pending == nil {
		ch := make(chan lineResult, 1)
		go func() {
			line, err := t.in.ReadString('\n')
			ch <- lineResult{line, err}
		}()
		t.pending = ch
	}
	select {
	case r := <-t.pending:
		t.pending = nil
		if r.err != nil {
			if r.err == io.EOF && r.line != "" {
				return strings.TrimRight(r.line, "\r\n"), nil
			}
			return "", r.err
		}
		return strings.TrimRight(r.line, "\r\n"), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
