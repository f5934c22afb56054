package ledger

import (
	"errors"
	"fmt"

	"execution-core/pkg/db"
)

// ErrInvalidTransition is returned when a lifecycle step would narrow an order.
var ErrInvalidTransition = errors.New("invalid order transition")

var transitions = map[string][]string{
	db.StatusPending:   {db.StatusSubmitted, db.StatusPartial, db.StatusFilled, db.StatusFailed, db.StatusCancelled},
	db.StatusSubmitted: {db.StatusPartial, db.StatusFilled, db.StatusFailed, db.StatusCancelled},
	db.StatusPartial:   {db.StatusPartial, db.StatusFilled, db.StatusCancelled},
}

// checkTransition reports whether from -> to is allowed. Re-applying a
// terminal state is allowed and treated by callers as a no-op.
func checkTransition(from, to string) error {
	if from == to && db.IsTerminal(from) {
		return nil
	}
	for _, s := range transitions[from] {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}
