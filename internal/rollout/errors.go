package rollout

import (
	"errors"
	"fmt"
	"strings"
)

// ErrAtFloor means a fallback was requested for a venue already at off.
// The reconciliation loop treats it as a no-op, not a failure.
var ErrAtFloor = errors.New("venue already at floor mode")

// ErrAtCeiling means a promotion would exceed the ladder or the venue's
// cohort ceiling.
var ErrAtCeiling = errors.New("venue at ceiling mode")

// ErrVenueNotFound is returned for an unknown venue id.
var ErrVenueNotFound = errors.New("venue not found")

// TransitionRejectedError carries the gate blockers that refused a
// promotion. Never produced by fallback: safety moves are not blockable.
type TransitionRejectedError struct {
	VenueID  string
	GateID   string
	Blockers []string
}

func (e *TransitionRejectedError) Error() string {
	return fmt.Sprintf("promotion of venue %s refused by gate %s: blocked on %s",
		e.VenueID, e.GateID, strings.Join(e.Blockers, ", "))
}

// ConcurrencyConflictError means two writers raced on the same venue's
// mode and the retry also lost.
type ConcurrencyConflictError struct {
	VenueID string
}

func (e *ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("concurrent mode change on venue %s", e.VenueID)
}
