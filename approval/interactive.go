package approval

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"

	"github.com/hupe1980/opsmesh/core"
)

// Interactive asks an operator on a terminal. Requests are serialised so
// prompts never interleave.
type Interactive struct {
	mu           sync.Mutex
	in           io.Reader
	out          io.Writer
	colorEnabled bool

	startOnce sync.Once
	lines     chan string
	readErr   error // set before lines is closed
}

// NewInteractive reads answers from in and writes prompts to out. Nil values
// default to stdin and stdout.
func NewInteractive(in io.Reader, out io.Writer, colorEnabled bool) *Interactive {
	if in == nil {
		in = os.Stdin
	}
	if out == nil {
		out = os.Stdout
	}
	return &Interactive{in: in, out: out, colorEnabled: colorEnabled, lines: make(chan string)}
}

// RequestApproval implements core.Approver. An empty answer rejects.
func (a *Interactive) RequestApproval(ctx context.Context, req core.ApprovalRequest) (core.ApprovalDecision, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.startOnce.Do(a.startReader)
	a.display(req)

	for {
		fmt.Fprint(a.out, a.colorize("Approve? [y/N]: ", color.FgCyan))

		var (
			text string
			ok   bool
		)
		select {
		case text, ok = <-a.lines:
		case <-ctx.Done():
			fmt.Fprintln(a.out)
			fmt.Fprintln(a.out, a.colorize("Approval cancelled", color.FgRed))
			return core.ApprovalDecision{}, ctx.Err()
		}
		if !ok {
			return core.ApprovalDecision{}, fmt.Errorf("failed to read input: %w", a.readErr)
		}

		switch strings.TrimSpace(strings.ToLower(text)) {
		case "y", "yes":
			return core.ApprovalDecision{Approved: true, Reason: "approved by operator", Approver: "interactive"}, nil
		case "n", "no", "":
			return core.ApprovalDecision{Approved: false, Reason: "rejected by operator", Approver: "interactive"}, nil
		default:
			fmt.Fprintln(a.out, a.colorize("Invalid choice. Please enter y or n.", color.FgRed))
		}
	}
}

// startReader feeds input lines to the lines channel until the input ends.
// Reads cannot be interrupted, so a single goroutine owns the reader for the
// lifetime of the approver.
func (a *Interactive) startReader() {
	go func() {
		reader := bufio.NewReader(a.in)
		for {
			text, err := reader.ReadString('\n')
			if text != "" {
				a.lines <- text
			}
			if err != nil {
				a.readErr = err
				close(a.lines)
				return
			}
		}
	}()
}

func (a *Interactive) display(req core.ApprovalRequest) {
	separator := strings.Repeat("=", 60)

	fmt.Fprintln(a.out)
	fmt.Fprintln(a.out, a.colorize(separator, color.FgCyan))
	fmt.Fprintln(a.out, a.colorize(fmt.Sprintf("Approval required [%s]: %s", req.Level, req.Title), color.FgYellow, color.Bold))
	fmt.Fprintln(a.out, a.colorize("Agent: "+req.AgentID, color.FgWhite))
	if req.Description != "" {
		fmt.Fprintln(a.out, req.Description)
	}
	fmt.Fprintln(a.out, a.colorize(separator, color.FgCyan))
}

func (a *Interactive) colorize(text string, attributes ...color.Attribute) string {
	if !a.colorEnabled {
		return text
	}
	c := color.New(attributes...)
	c.EnableColor()
	return c.Sprint(text)
}
