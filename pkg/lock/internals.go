package lock

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/pixperk/turnstile/pkg/coord"
	"github.com/pixperk/turnstile/pkg/metrics"
	"github.com/pixperk/turnstile/pkg/types"
)

// NoTimeout makes an acquisition wait as long as it takes.
const NoTimeout time.Duration = -1

// marks node names carrying a protection token
const protectedPrefix = "_c_"

// internals runs single acquisition attempts against the store.
// it keeps no per-owner state, the Mutex does that
type internals struct {
	client    coord.Client
	driver    Driver
	basePath  string
	lockName  string
	maxLeases int

	retryInterval  time.Duration
	cleanupTimeout time.Duration
	logger         hclog.Logger
}

func newInternals(client coord.Client, basePath string, o options) *internals {
	return &internals{
		client:         client,
		driver:         o.driver,
		basePath:       basePath,
		lockName:       o.lockName,
		maxLeases:      o.maxLeases,
		retryInterval:  o.retryInterval,
		cleanupTimeout: o.cleanupTimeout,
		logger:         o.logger,
	}
}

// connWatch tracks connection state for the duration of one attempt
type connWatch struct {
	mu        sync.Mutex
	suspended bool
	lost      bool
	seen      bool
	changed   chan struct{}
}

func newConnWatch() *connWatch {
	return &connWatch{changed: make(chan struct{}, 1)}
}

func (w *connWatch) update(s coord.ConnectionState) {
	w.mu.Lock()
	w.seen = true
	w.apply(s)
	w.mu.Unlock()

	select {
	case w.changed <- struct{}{}:
	default:
	}
}

// seed starts from the state the client was in before we subscribed,
// unless a newer change already came in
func (w *connWatch) seed(s coord.ConnectionState) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.seen {
		w.apply(s)
	}
}

func (w *connWatch) apply(s coord.ConnectionState) {
	switch s {
	case coord.StateSuspended:
		w.suspended = true
	case coord.StateConnected, coord.StateReconnected:
		w.suspended = false
	case coord.StateLost:
		w.lost = true
	}
}

func (w *connWatch) status() (suspended, lost bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.suspended, w.lost
}

// attempt is the budget of one acquisition
type attempt struct {
	conn        *connWatch
	deadline    time.Time
	hasDeadline bool
}

func (a *attempt) remaining() time.Duration {
	return time.Until(a.deadline)
}

// attemptLock creates our node and waits until it holds the lock.
// It returns the node path, or "" with a nil error when the timeout expired.
// On every unsuccessful exit our node is deleted best-effort.
func (in *internals) attemptLock(ctx context.Context, timeout time.Duration, payload []byte) (string, error) {
	a := &attempt{
		conn:        newConnWatch(),
		hasDeadline: timeout >= 0,
	}
	if a.hasDeadline {
		a.deadline = time.Now().Add(timeout)
	}

	unsubscribe := in.client.OnConnectionStateChange(a.conn.update)
	defer unsubscribe()
	a.conn.seed(in.client.State())

	ourPath, err := in.createNode(ctx, a, payload)
	if err != nil {
		return "", in.wrapFailure(err)
	}

	hasLock, err := in.internalLockLoop(ctx, a, ourPath)
	if err != nil || !hasLock {
		in.deleteOurPath(ctx, ourPath)
	}
	if err != nil {
		return "", in.wrapLoopFailure(a, err)
	}
	if !hasLock {
		return "", nil
	}
	return ourPath, nil
}

// session faults surface as ErrConnectionLost, the caller handles them alike
func (in *internals) wrapFailure(err error) error {
	if isSessionGone(err) {
		return fmt.Errorf("%w: %w", ErrConnectionLost, err)
	}
	return err
}

// once our node exists, losing the session takes the node with it
func (in *internals) wrapLoopFailure(a *attempt, err error) error {
	if _, lost := a.conn.status(); lost || isSessionGone(err) {
		return fmt.Errorf("%w: %w", ErrNodeLost, in.wrapFailure(err))
	}
	return in.wrapFailure(err)
}

// creates our node under a fresh protection token
// connection losses are retried for as long as the budget lasts. a create
// whose reply was lost may still have been applied, so every retry first
// looks for a node carrying our token and adopts it
func (in *internals) createNode(ctx context.Context, a *attempt, payload []byte) (string, error) {
	token := uuid.NewString()
	path := types.JoinPath(in.basePath, protectedPrefix+token+"-"+in.lockName)

	for i := 1; ; i++ {
		if err := in.waitForConnection(ctx, a); err != nil {
			in.deleteProtectedNode(ctx, token)
			return "", err
		}

		if i > 1 {
			found, err := in.findProtectedNode(ctx, token)
			if err == nil && found != "" {
				in.logger.Debug("adopting node from earlier create", "path", found)
				return found, nil
			}
			if err != nil && !isConnectionLoss(err) {
				return "", err
			}
			if err != nil {
				if err := in.pause(ctx, a); err != nil {
					in.deleteProtectedNode(ctx, token)
					return "", err
				}
				continue
			}
		}

		ourPath, err := in.driver.CreatesTheLock(ctx, in.client, path, payload)
		if err == nil {
			return ourPath, nil
		}
		if !isConnectionLoss(err) {
			return "", err
		}

		in.logger.Warn("create failed, outcome unknown", "attempt", i, "error", err)
		if err := in.pause(ctx, a); err != nil {
			in.deleteProtectedNode(ctx, token)
			return "", err
		}
	}
}

// returns the full path of the child created with token, or ""
func (in *internals) findProtectedNode(ctx context.Context, token string) (string, error) {
	children, err := in.client.Children(ctx, in.basePath)
	if err != nil {
		if isNoNode(err) {
			return "", nil
		}
		return "", err
	}

	for _, name := range children {
		if strings.HasPrefix(name, protectedPrefix) && strings.Contains(name, token) {
			return types.JoinPath(in.basePath, name), nil
		}
	}
	return "", nil
}

// removes a node whose create we gave up on, if it made it to the store
func (in *internals) deleteProtectedNode(ctx context.Context, token string) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), in.cleanupTimeout)
	defer cancel()

	found, err := in.findProtectedNode(cctx, token)
	if err != nil || found == "" {
		return
	}
	in.deleteOurPath(ctx, found)
}

// the list, check, watch, wait loop
// returns true once we hold the lock, false when the budget ran out
func (in *internals) internalLockLoop(ctx context.Context, a *attempt, ourPath string) (bool, error) {
	sequenceNodeName := types.BaseName(ourPath)

	for {
		if err := in.waitForConnection(ctx, a); err != nil {
			return false, err
		}

		children, err := in.getSortedChildren(ctx)
		if err != nil {
			if isNoNode(err) {
				//base path gone means our node is gone with it
				return false, fmt.Errorf("%w: %s", ErrNodeLost, ourPath)
			}
			if isConnectionLoss(err) {
				if err := in.pause(ctx, a); err != nil {
					return false, err
				}
				continue
			}
			return false, err
		}

		result, err := in.driver.GetsTheLock(children, sequenceNodeName, in.maxLeases)
		if err != nil {
			return false, err
		}
		if result.HoldsLock {
			return true, nil
		}

		previousPath := types.JoinPath(in.basePath, result.PathToWatch)
		again, err := in.waitOnPredecessor(ctx, a, previousPath)
		if err != nil {
			return false, err
		}
		if !again {
			return false, nil
		}
	}
}

// arms a watch on the predecessor and blocks until something happens
// returns false only when the deadline passed, true means list again
func (in *internals) waitOnPredecessor(ctx context.Context, a *attempt, previousPath string) (bool, error) {
	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()

	//reading the data arms the watch and checks existence in one step
	_, events, err := in.client.GetDataW(watchCtx, previousPath)
	if err != nil {
		if isNoNode(err) {
			//predecessor left between the listing and the watch
			return true, nil
		}
		if isConnectionLoss(err) {
			return true, in.pause(ctx, a)
		}
		return false, err
	}

	var timeout <-chan time.Time
	if a.hasDeadline {
		remaining := a.remaining()
		if remaining <= 0 {
			return false, nil
		}
		timer := time.NewTimer(remaining)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-events:
		metrics.LockWatchWakeups.WithLabelValues(in.basePath).Inc()
		return true, nil
	case <-a.conn.changed:
		return true, nil
	case <-timeout:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// blocks while the connection is suspended
// gives up with ErrConnectionLost when the session is lost or the budget runs out
func (in *internals) waitForConnection(ctx context.Context, a *attempt) error {
	for {
		suspended, lost := a.conn.status()
		if lost {
			return ErrConnectionLost
		}
		if !suspended {
			return nil
		}

		if err := in.waitForChange(ctx, a); err != nil {
			return err
		}
	}
}

func (in *internals) waitForChange(ctx context.Context, a *attempt) error {
	var timeout <-chan time.Time
	if a.hasDeadline {
		remaining := a.remaining()
		if remaining <= 0 {
			return ErrConnectionLost
		}
		timer := time.NewTimer(remaining)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-a.conn.changed:
		return nil
	case <-timeout:
		return ErrConnectionLost
	case <-ctx.Done():
		return ctx.Err()
	}
}

// backs off after an operation failed with a connection loss
func (in *internals) pause(ctx context.Context, a *attempt) error {
	wait := in.retryInterval
	if a.hasDeadline {
		remaining := a.remaining()
		if remaining <= 0 {
			return ErrConnectionLost
		}
		wait = min(wait, remaining)
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-timer.C:
		return in.waitForConnection(ctx, a)
	case <-a.conn.changed:
		return in.waitForConnection(ctx, a)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// deletes our node, failures are logged and swallowed
// the node is ephemeral so the store reaps it with our session anyway
func (in *internals) deleteOurPath(ctx context.Context, ourPath string) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), in.cleanupTimeout)
	defer cancel()

	if err := in.client.Delete(cctx, ourPath); err != nil {
		metrics.LockCleanupFailures.WithLabelValues(in.basePath).Inc()
		in.logger.Warn("failed to delete lock node", "path", ourPath, "error", err)
	}
}

func (in *internals) releaseLock(ctx context.Context, lockPath string) {
	in.deleteOurPath(ctx, lockPath)
}

// children of the base path ordered by their sequence suffix
func (in *internals) getSortedChildren(ctx context.Context) ([]string, error) {
	children, err := in.client.Children(ctx, in.basePath)
	if err != nil {
		return nil, err
	}

	slices.SortFunc(children, func(a, b string) int {
		return strings.Compare(in.driver.FixForSorting(a, in.lockName), in.driver.FixForSorting(b, in.lockName))
	})
	return children, nil
}
