package trade

import (
	"errors"
	"strings"
)

// errRejected marks a CommitOrderUpdate closure's intentional abort — a
// precondition failed, not a store or transport error — so the
// orchestrator method can turn it into a bad_request body instead of
// propagating a Go error.
var errRejected = errors.New("trade: rejected")

// bad wraps msg as a rejection, to be returned from inside a
// CommitOrderUpdate closure (or any legality check) when a precondition
// fails.
func bad(msg string) error {
	return errors.New(errRejected.Error() + ": " + msg)
}

// rejection unwraps a bad() error into its caller-facing message. A nil
// error is not a rejection.
func rejection(err error) (string, bool) {
	if err == nil {
		return "", false
	}
	msg := err.Error()
	prefix := errRejected.Error() + ": "
	if !strings.HasPrefix(msg, prefix) {
		return "", false
	}
	return strings.TrimPrefix(msg, prefix), true
}

// reject builds the caller-facing body for a validation/timing/invariant
// failure: ok=false with a single "bad_request" key.
func reject(msg string) map[string]any {
	return map[string]any{"bad_request": msg}
}
