package lock

import (
	"errors"
	"fmt"

	"github.com/pixperk/turnstile/pkg/types"
)

var (
	// our own contender node vanished mid-attempt, usually a session expiry
	ErrNodeLost = fmt.Errorf("lock node lost: %w", types.ErrNoNode)

	// the connection did not come back within the attempt's budget
	ErrConnectionLost = errors.New("lost connection while trying to acquire lock")

	ErrNotOwner      = errors.New("you do not own the lock")
	ErrNegativeCount = errors.New("lock count has gone negative")
)

// Error reports a failed lock operation and the lock it was made on.
type Error struct {
	Op       string
	BasePath string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("lock %s %s: %v", e.Op, e.BasePath, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// isConnectionLoss reports errors after which the operation may be retried
// once the connection is back.
func isConnectionLoss(err error) bool {
	return errors.Is(err, types.ErrConnectionLoss)
}

// isSessionGone reports errors meaning our session, and with it our node, is gone.
func isSessionGone(err error) bool {
	return errors.Is(err, types.ErrSessionExpired) || errors.Is(err, types.ErrSessionNotFound)
}

func isNoNode(err error) bool {
	return errors.Is(err, types.ErrNoNode)
}
