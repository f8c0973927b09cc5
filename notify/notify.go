// Package notify provides core.Notifier implementations: a colored console
// writer, a structured log sink, a priority filter and a fan-out.
package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fatih/color"

	"github.com/hupe1980/opsmesh/core"
	"github.com/hupe1980/opsmesh/logging"
)

// Rank orders priorities from low (0) to critical (3). Unknown priorities
// rank as normal.
func Rank(p core.Priority) int {
	switch p {
	case core.PriorityLow:
		return 0
	case core.PriorityHigh:
		return 2
	case core.PriorityCritical:
		return 3
	default:
		return 1
	}
}

// ConsoleOptions configures a Console notifier.
type ConsoleOptions struct {
	// Color forces ANSI colors on or off. Colors are off by default so
	// redirected output stays clean.
	Color bool
	// Clock stamps notifications without a SentAt.
	Clock func() time.Time
}

// Console prints one line per notification.
type Console struct {
	mu    sync.Mutex
	out   io.Writer
	color bool
	clock func() time.Time
}

// NewConsole writes to out, or stdout when out is nil.
func NewConsole(out io.Writer, optFns ...func(o *ConsoleOptions)) *Console {
	opts := ConsoleOptions{Clock: time.Now}
	for _, fn := range optFns {
		fn(&opts)
	}
	if out == nil {
		out = os.Stdout
	}
	return &Console{out: out, color: opts.Color, clock: opts.Clock}
}

// Notify implements core.Notifier.
func (c *Console) Notify(_ context.Context, n core.Notification) error {
	sentAt := n.SentAt
	if sentAt.IsZero() {
		sentAt = c.clock()
	}

	line := fmt.Sprintf("%s %s [%s] %s: %s",
		sentAt.Format("15:04:05"),
		c.colorize(fmt.Sprintf("%-8s", n.Priority), priorityAttrs(n.Priority)...),
		n.Channel,
		c.colorize(n.Title, color.Bold),
		n.Body,
	)
	if n.Link != "" {
		line += " " + c.colorize(n.Link, color.FgBlue, color.Underline)
	}
	if n.AgentID != "" {
		line += c.colorize(" ("+n.AgentID+")", color.Faint)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fmt.Fprintln(c.out, line)
	return err
}

func (c *Console) colorize(text string, attrs ...color.Attribute) string {
	if !c.color {
		return text
	}
	col := color.New(attrs...)
	col.EnableColor()
	return col.Sprint(text)
}

func priorityAttrs(p core.Priority) []color.Attribute {
	switch p {
	case core.PriorityCritical:
		return []color.Attribute{color.FgRed, color.Bold}
	case core.PriorityHigh:
		return []color.Attribute{color.FgYellow}
	case core.PriorityLow:
		return []color.Attribute{color.FgWhite}
	default:
		return []color.Attribute{color.FgCyan}
	}
}

// Log writes notifications to a structured logger. Critical notifications
// are logged at error level, high at warn, the rest at info.
type Log struct {
	logger logging.Logger
}

// NewLog creates a log notifier.
func NewLog(logger logging.Logger) *Log {
	return &Log{logger: logging.With(logger, "component", "notify")}
}

// Notify implements core.Notifier.
func (l *Log) Notify(_ context.Context, n core.Notification) error {
	args := []any{"agent_id", n.AgentID, "channel", n.Channel, "priority", string(n.Priority), "title", n.Title, "body", n.Body}
	if n.Link != "" {
		args = append(args, "link", n.Link)
	}

	switch n.Priority {
	case core.PriorityCritical:
		l.logger.Error("notification", args...)
	case core.PriorityHigh:
		l.logger.Warn("notification", args...)
	default:
		l.logger.Info("notification", args...)
	}
	return nil
}

// MinPriority drops notifications ranked below floor before they reach next.
func MinPriority(floor core.Priority, next core.Notifier) core.Notifier {
	return core.NotifierFunc(func(ctx context.Context, n core.Notification) error {
		if Rank(n.Priority) < Rank(floor) {
			return nil
		}
		return next.Notify(ctx, n)
	})
}

// Multi delivers every notification to all notifiers in order and joins their
// errors. A failing notifier does not stop the others.
type Multi struct {
	notifiers []core.Notifier
}

// NewMulti creates a fan-out notifier. Nil entries are skipped.
func NewMulti(notifiers ...core.Notifier) *Multi {
	m := &Multi{}
	for _, n := range notifiers {
		if n != nil {
			m.notifiers = append(m.notifiers, n)
		}
	}
	return m
}

// Notify implements core.Notifier.
func (m *Multi) Notify(ctx context.Context, n core.Notification) error {
	var errs []error
	for _, notifier := range m.notifiers {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := notifier.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Len returns the number of wrapped notifiers.
func (m *Multi) Len() int { return len(m.notifiers) }

// Recorder keeps notifications in memory. It is useful for dry runs and
// tests.
type Recorder struct {
	mu   sync.Mutex
	sent []core.Notification
}

// Notify implements core.Notifier.
func (r *Recorder) Notify(_ context.Context, n core.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

// Sent returns a copy of the recorded notifications.
func (r *Recorder) Sent() []core.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]core.Notification(nil), r.sent...)
}
