// Package local connects a coord.Client to a coordination tree in the same
// process, either a bare FSM or a raft node.
package local

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pixperk/turnstile/pkg/coord"
	"github.com/pixperk/turnstile/pkg/fsm"
	"github.com/pixperk/turnstile/pkg/logging"
	"github.com/pixperk/turnstile/pkg/metrics"
	"github.com/pixperk/turnstile/pkg/types"
)

// Backend is the part of the store a local client talks to.
// *fsm.FSM and *raft.Node both satisfy it.
type Backend interface {
	Apply(cmd types.Command) (any, error)
	Children(path string) ([]string, error)
	GetDataW(path string) ([]byte, <-chan types.WatchEvent, func(), error)
}

const defaultSessionTTL = 10 * time.Second

type Options struct {
	OwnerID    string
	SessionTTL time.Duration
	Logger     hclog.Logger
}

// Client is a coord.Client bound to one session on a local backend.
// Suspend, Resume and Expire simulate connection faults.
type Client struct {
	backend Backend
	ownerID string
	ttl     time.Duration
	logger  hclog.Logger

	mu        sync.Mutex
	sessionID uint64
	suspended bool
	lost      bool

	listeners coord.StateListeners

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

var _ coord.Client = (*Client)(nil)

// Connect opens a session on backend and keeps it alive until Close.
func Connect(ctx context.Context, backend Backend, opts Options) (*Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = defaultSessionTTL
	}

	result, err := backend.Apply(types.CreateSessionCmd{
		OwnerID: opts.OwnerID,
		TTL:     opts.SessionTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	sessionID := result.(fsm.CreateSessionResponse).SessionID
	metrics.SessionCreateTotal.Inc()

	c := &Client{
		backend:   backend,
		ownerID:   opts.OwnerID,
		ttl:       opts.SessionTTL,
		logger:    logging.OrNull(opts.Logger).With("session_id", sessionID),
		sessionID: sessionID,
		stopCh:    make(chan struct{}),
	}

	c.wg.Add(1)
	go c.heartbeatLoop()

	return c, nil
}

func (c *Client) SessionID() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Client) heartbeatLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.ttl / 3)
	defer ticker.Stop()

	var failureCount int

	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			sessionID, skip := c.sessionID, c.suspended || c.lost
			c.mu.Unlock()

			//a suspended client cannot reach the store, the session may lapse
			if skip {
				continue
			}

			_, err := c.backend.Apply(types.RenewSessionCmd{SessionID: sessionID})
			if err != nil {
				metrics.HeartbeatTotal.WithLabelValues("failure").Inc()
				if isSessionGone(err) {
					c.logger.Error("session lost", "error", err)
					c.markLost()
					return
				}
				failureCount++
				c.logger.Warn("heartbeat failed", "attempt", failureCount, "error", err)
				continue
			}
			metrics.HeartbeatTotal.WithLabelValues("success").Inc()

			if failureCount > 0 {
				c.logger.Info("heartbeat recovered", "failures", failureCount)
				failureCount = 0
			}

		case <-c.stopCh:
			return
		}
	}
}

func isSessionGone(err error) bool {
	return errors.Is(err, types.ErrSessionNotFound) || errors.Is(err, types.ErrSessionExpired)
}

// checks the simulated link before an operation
func (c *Client) check(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.lost {
		return 0, types.ErrSessionExpired
	}
	if c.suspended {
		return 0, types.ErrConnectionLoss
	}
	return c.sessionID, nil
}

func (c *Client) Create(ctx context.Context, path string, data []byte, mode types.CreateMode) (string, error) {
	sessionID, err := c.check(ctx)
	if err != nil {
		return "", err
	}

	cmd := types.CreateNodeCmd{Path: path, Data: data, Mode: mode}
	if mode.IsEphemeral() {
		cmd.SessionID = sessionID
	}

	result, err := c.backend.Apply(cmd)
	if err != nil {
		if mode.IsEphemeral() && isSessionGone(err) {
			c.markLost()
		}
		return "", err
	}
	return result.(fsm.CreateNodeResponse).Path, nil
}

func (c *Client) Children(ctx context.Context, path string) ([]string, error) {
	if _, err := c.check(ctx); err != nil {
		return nil, err
	}
	return c.backend.Children(path)
}

func (c *Client) GetDataW(ctx context.Context, path string) ([]byte, <-chan types.WatchEvent, error) {
	if _, err := c.check(ctx); err != nil {
		return nil, nil, err
	}

	data, events, cancel, err := c.backend.GetDataW(path)
	if err != nil {
		return nil, nil, err
	}
	context.AfterFunc(ctx, cancel)
	return data, events, nil
}

func (c *Client) SetData(ctx context.Context, path string, data []byte) error {
	if _, err := c.check(ctx); err != nil {
		return err
	}
	_, err := c.backend.Apply(types.SetDataCmd{Path: path, Data: data})
	return err
}

func (c *Client) Delete(ctx context.Context, path string) error {
	if _, err := c.check(ctx); err != nil {
		return err
	}
	_, err := c.backend.Apply(types.DeleteNodeCmd{Path: path})
	if errors.Is(err, types.ErrNoNode) {
		return nil
	}
	return err
}

func (c *Client) OnConnectionStateChange(fn func(coord.ConnectionState)) func() {
	return c.listeners.Add(fn)
}

func (c *Client) State() coord.ConnectionState {
	return c.listeners.State()
}

// Suspend cuts the simulated link. Operations fail with ErrConnectionLoss and
// heartbeats stop until Resume.
func (c *Client) Suspend() {
	c.mu.Lock()
	if c.lost || c.suspended {
		c.mu.Unlock()
		return
	}
	c.suspended = true
	c.mu.Unlock()

	c.logger.Warn("connection suspended")
	c.listeners.Notify(coord.StateSuspended)
}

// Resume restores the link. If the session lapsed meanwhile the client
// reports Lost instead of Reconnected.
func (c *Client) Resume() {
	c.mu.Lock()
	if c.lost || !c.suspended {
		c.mu.Unlock()
		return
	}
	c.suspended = false
	sessionID := c.sessionID
	c.mu.Unlock()

	if _, err := c.backend.Apply(types.RenewSessionCmd{SessionID: sessionID}); err != nil && isSessionGone(err) {
		c.markLost()
		return
	}

	c.logger.Info("connection resumed")
	c.listeners.Notify(coord.StateReconnected)
}

// Expire ends the session on the store as if it had timed out. Its ephemeral
// nodes are deleted and listeners see Lost.
func (c *Client) Expire() error {
	c.mu.Lock()
	sessionID := c.sessionID
	c.mu.Unlock()

	_, err := c.backend.Apply(types.ExpireSessionCmd{SessionID: sessionID})
	if err != nil && !errors.Is(err, types.ErrSessionNotFound) {
		return err
	}
	metrics.SessionExpireTotal.Inc()
	c.markLost()
	return nil
}

func (c *Client) markLost() {
	c.mu.Lock()
	if c.lost {
		c.mu.Unlock()
		return
	}
	c.lost = true
	c.suspended = false
	c.mu.Unlock()

	c.listeners.Notify(coord.StateLost)
}

// Close stops the heartbeat and closes the session, deleting its ephemeral nodes.
func (c *Client) Close() error {
	var err error
	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.wg.Wait()

		c.mu.Lock()
		lost, sessionID := c.lost, c.sessionID
		c.lost = true
		c.mu.Unlock()

		if lost {
			return
		}
		if _, applyErr := c.backend.Apply(types.CloseSessionCmd{SessionID: sessionID}); applyErr != nil && !isSessionGone(applyErr) {
			err = fmt.Errorf("close session: %w", applyErr)
		}
	})
	return err
}
