package lock

import (
	"context"
	"errors"
	"time"

	"github.com/pixperk/turnstile/pkg/coord"
	"github.com/pixperk/turnstile/pkg/metrics"
	"github.com/pixperk/turnstile/pkg/types"
)

// RevokeMessage is written to a holder's node to ask it to release.
const RevokeMessage = "__REVOKE__"

// RevocationListener is told that someone asked owner to release m.
// It is advisory, nothing is released unless the listener does it.
type RevocationListener func(m *Mutex, owner Owner)

// Executor runs revocation listeners.
type Executor interface {
	Execute(fn func())
}

type ExecutorFunc func(fn func())

func (f ExecutorFunc) Execute(fn func()) { f(fn) }

// DirectExecutor runs the listener on the goroutine that saw the request.
var DirectExecutor Executor = ExecutorFunc(func(fn func()) { fn() })

// GoExecutor runs every listener on a goroutine of its own.
var GoExecutor Executor = ExecutorFunc(func(fn func()) { go fn() })

type revoker struct {
	listener RevocationListener
	executor Executor
}

// watches a held node for a revocation request until ctx is done
// the listener runs at most once per node
func (m *Mutex) watchRevocation(ctx context.Context, rv *revoker, data *lockData) {
	client := m.internals.client
	logger := m.internals.logger.With("path", data.lockPath)

	for {
		value, events, err := client.GetDataW(ctx, data.lockPath)
		if err != nil {
			if ctx.Err() != nil || isNoNode(err) || isSessionGone(err) {
				return
			}
			logger.Debug("revocation watch failed, retrying", "error", err)
			select {
			case <-time.After(m.internals.retryInterval):
				continue
			case <-ctx.Done():
				return
			}
		}

		if string(value) == RevokeMessage {
			metrics.LockRevocationsTotal.WithLabelValues(m.basePath).Inc()
			logger.Info("revocation requested", "owner", data.owner)
			rv.executor.Execute(func() { rv.listener(m, data.owner) })
			return
		}

		select {
		case ev := <-events:
			if ev.Type == types.EventNodeDeleted {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// Revoke asks the holder of nodePath to release it. A node that is already
// gone is not an error.
func Revoke(ctx context.Context, client coord.Client, nodePath string) error {
	err := client.SetData(ctx, nodePath, []byte(RevokeMessage))
	if err != nil && !errors.Is(err, types.ErrNoNode) {
		return err
	}
	return nil
}
