package vault

import (
	"errors"
	"fmt"
)

// ErrScopeReadOnly rejects writes to a scope frozen by detected corruption.
// The wrapped message carries the original cause.
var ErrScopeReadOnly = errors.New("scope is read-only")

// ErrUnsealedEvent rejects events that were never sealed (no hash).
var ErrUnsealedEvent = errors.New("event is not sealed")

// ChainMismatchError reports a broken prev-hash link: on append, the event's
// PrevHash does not match the scope's tail; on replay, two adjacent records
// do not link.
type ChainMismatchError struct {
	Scope    Scope
	EventID  string
	Expected string
	Got      string
}

func (e *ChainMismatchError) Error() string {
	return fmt.Sprintf("chain mismatch in scope %s at event %s: expected prev_hash %q, got %q",
		e.Scope, e.EventID, e.Expected, e.Got)
}
