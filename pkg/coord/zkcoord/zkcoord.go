// Package zkcoord backs a coord.Client with an Apache ZooKeeper ensemble.
package zkcoord

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/hashicorp/go-hclog"
	"github.com/pixperk/turnstile/pkg/coord"
	"github.com/pixperk/turnstile/pkg/logging"
	"github.com/pixperk/turnstile/pkg/types"
)

const defaultSessionTimeout = 10 * time.Second

type Options struct {
	SessionTimeout time.Duration
	Logger         hclog.Logger
}

// conn is the subset of *zk.Conn the client uses
type conn interface {
	Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error)
	Children(path string) ([]string, *zk.Stat, error)
	GetW(path string) ([]byte, *zk.Stat, <-chan zk.Event, error)
	Set(path string, data []byte, version int32) (*zk.Stat, error)
	Delete(path string, version int32) error
	Close()
}

type Client struct {
	conn   conn
	acl    []zk.ACL
	logger hclog.Logger

	tracker   *sessionTracker
	listeners coord.StateListeners
	done      chan struct{}
}

var _ coord.Client = (*Client)(nil)

// Connect dials the ensemble and waits until a session is established.
func Connect(ctx context.Context, servers []string, opts Options) (*Client, error) {
	if opts.SessionTimeout <= 0 {
		opts.SessionTimeout = defaultSessionTimeout
	}
	logger := logging.OrNull(opts.Logger).Named("zookeeper")

	zc, events, err := zk.Connect(servers, opts.SessionTimeout,
		zk.WithLogger(logger.StandardLogger(&hclog.StandardLoggerOptions{InferLevels: true})))
	if err != nil {
		return nil, fmt.Errorf("connect zookeeper: %w", err)
	}

	c := &Client{
		conn:    zc,
		acl:     zk.WorldACL(zk.PermAll),
		logger:  logger,
		tracker: &sessionTracker{},
		done:    make(chan struct{}),
	}

	established := make(chan struct{})
	go c.watchSession(events, established)

	select {
	case <-established:
		logger.Info("session established", "session_id", zc.SessionID())
		return c, nil
	case <-ctx.Done():
		zc.Close()
		return nil, ctx.Err()
	}
}

// translates session events into connection states until the event stream ends
func (c *Client) watchSession(events <-chan zk.Event, established chan struct{}) {
	defer close(c.done)

	var once sync.Once
	for ev := range events {
		if ev.Type != zk.EventSession {
			continue
		}
		c.logger.Debug("session event", "state", ev.State.String(), "server", ev.Server)

		state, changed := c.tracker.observe(ev.State)
		if !changed {
			continue
		}
		if state == coord.StateConnected {
			once.Do(func() { close(established) })
			continue
		}
		if state == coord.StateLost {
			c.logger.Error("session expired")
		}
		c.listeners.Notify(state)
	}
}

func createFlags(mode types.CreateMode) int32 {
	var flags int32
	if mode.IsEphemeral() {
		flags |= zk.FlagEphemeral
	}
	if mode.IsSequential() {
		flags |= zk.FlagSequence
	}
	return flags
}

func (c *Client) Create(ctx context.Context, path string, data []byte, mode types.CreateMode) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	created, err := c.conn.Create(path, data, createFlags(mode), c.acl)
	return created, mapError(err)
}

func (c *Client) Children(ctx context.Context, path string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	children, _, err := c.conn.Children(path)
	return children, mapError(err)
}

// zookeeper watches cannot be removed, an unwanted one is left to fire into
// its buffered channel
func (c *Client) GetDataW(ctx context.Context, path string) ([]byte, <-chan types.WatchEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	data, _, zkEvents, err := c.conn.GetW(path)
	if err != nil {
		return nil, nil, mapError(err)
	}

	events := make(chan types.WatchEvent, 1)
	go func() {
		select {
		case ev := <-zkEvents:
			events <- toWatchEvent(ev, path)
		case <-ctx.Done():
		}
	}()
	return data, events, nil
}

func (c *Client) SetData(ctx context.Context, path string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := c.conn.Set(path, data, -1)
	return mapError(err)
}

func (c *Client) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := mapError(c.conn.Delete(path, -1))
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

// Close ends the session, the ensemble deletes its ephemeral nodes.
func (c *Client) Close() {
	c.conn.Close()
	<-c.done
}

func toWatchEvent(ev zk.Event, path string) types.WatchEvent {
	out := types.WatchEvent{Path: path}
	if ev.Path != "" {
		out.Path = ev.Path
	}

	switch ev.Type {
	case zk.EventNodeCreated:
		out.Type = types.EventNodeCreated
	case zk.EventNodeDeleted:
		out.Type = types.EventNodeDeleted
	case zk.EventNodeDataChanged:
		out.Type = types.EventNodeDataChanged
	case zk.EventNodeChildrenChanged:
		out.Type = types.EventNodeChildrenChanged
	default:
		//EventNotWatching, the session went away under the watch
		out.Type = types.EventWatchLost
	}
	return out
}

func mapError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, zk.ErrNoNode):
		return types.ErrNoNode
	case errors.Is(err, zk.ErrNodeExists):
		return types.ErrNodeExists
	case errors.Is(err, zk.ErrNotEmpty):
		return types.ErrNotEmpty
	case errors.Is(err, zk.ErrNoChildrenForEphemerals):
		return types.ErrEphemeralParent
	case errors.Is(err, zk.ErrBadArguments), errors.Is(err, zk.ErrInvalidPath):
		return fmt.Errorf("%w: %v", types.ErrInvalidPath, err)
	case errors.Is(err, zk.ErrSessionExpired), errors.Is(err, zk.ErrSessionMoved):
		return types.ErrSessionExpired
	case errors.Is(err, zk.ErrConnectionClosed), errors.Is(err, zk.ErrNoServer), errors.Is(err, zk.ErrClosing):
		return fmt.Errorf("%w: %v", types.ErrConnectionLoss, err)
	default:
		return err
	}
}

// folds zookeeper session states into connection states
type sessionTracker struct {
	mu        sync.Mutex
	connected bool
	suspended bool
	lost      bool
}

// returns the state to report for s, changed is false when nothing is
func (t *sessionTracker) observe(s zk.State) (state coord.ConnectionState, changed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.lost {
		return coord.StateLost, false
	}

	switch s {
	case zk.StateHasSession:
		if !t.connected {
			t.connected = true
			return coord.StateConnected, true
		}
		if t.suspended {
			t.suspended = false
			return coord.StateReconnected, true
		}
	case zk.StateDisconnected, zk.StateConnecting:
		if t.connected && !t.suspended {
			t.suspended = true
			return coord.StateSuspended, true
		}
	case zk.StateExpired, zk.StateAuthFailed:
		t.lost = true
		return coord.StateLost, true
	}
	return 0, false
}
