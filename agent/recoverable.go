package agent

import (
	"context"
	"errors"
	"net"

	"github.com/hupe1980/opsmesh/core"
)

// ErrorClassifier decides whether a failed run may be retried and whether the
// resulting TaskError is flagged recoverable.
type ErrorClassifier interface {
	Recoverable(err error) bool
}

// ErrorClassifierFunc adapts a function into an ErrorClassifier.
type ErrorClassifierFunc func(err error) bool

// Recoverable implements ErrorClassifier.
func (f ErrorClassifierFunc) Recoverable(err error) bool { return f(err) }

// DefaultClassifier is the classifier used when none is configured.
var DefaultClassifier ErrorClassifier = ErrorClassifierFunc(IsRecoverable)

// IsRecoverable reports whether err describes a condition that may clear up
// on its own. Transient-marked errors, deadlines and network timeouts are
// recoverable. Validation failures, rejected approvals, caller cancellation
// and anything unrecognised are not.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, core.ErrApprovalRejected) {
		return false
	}

	var ve *core.ValidationError
	if errors.As(err, &ve) {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var ae *core.AgentError
	if errors.As(err, &ae) {
		return ae.Recoverable
	}

	var marked interface{ Recoverable() bool }
	if errors.As(err, &marked) {
		return marked.Recoverable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temp interface{ Temporary() bool }
	if errors.As(err, &temp) && temp.Temporary() {
		return true
	}

	var timeout interface{ Timeout() bool }
	if errors.As(err, &timeout) && timeout.Timeout() {
		return true
	}

	return false
}
