// Package etcdcoord backs a coord.Client with etcd.
//
// The tree is flattened into keys under a prefix: a node at path p lives at
// <prefix>/n<p> and the sequence counter for its children at <prefix>/s<p>.
// Ephemeral nodes are attached to the lease of a concurrency.Session.
package etcdcoord

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pixperk/turnstile/pkg/coord"
	"github.com/pixperk/turnstile/pkg/logging"
	"github.com/pixperk/turnstile/pkg/types"
	"go.etcd.io/etcd/api/v3/mvccpb"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/status"
)

const (
	defaultPrefix      = "/turnstile"
	defaultSessionTTL  = 10 * time.Second
	defaultDialTimeout = 5 * time.Second
)

type Options struct {
	Prefix      string
	SessionTTL  time.Duration
	DialTimeout time.Duration
	Logger      hclog.Logger
}

type Client struct {
	cli     *clientv3.Client
	session *concurrency.Session
	keys    keyspace
	logger  hclog.Logger

	mu        sync.Mutex
	suspended bool
	lost      bool

	listeners coord.StateListeners
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

var _ coord.Client = (*Client)(nil)

func Connect(ctx context.Context, endpoints []string, opts Options) (*Client, error) {
	if opts.Prefix == "" {
		opts.Prefix = defaultPrefix
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = defaultSessionTTL
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	logger := logging.OrNull(opts.Logger).Named("etcd")

	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: opts.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("connect etcd: %w", err)
	}

	//leases have second granularity
	ttl := int(opts.SessionTTL.Round(time.Second) / time.Second)
	if ttl < 1 {
		ttl = 1
	}
	session, err := concurrency.NewSession(cli, concurrency.WithTTL(ttl), concurrency.WithContext(ctx))
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("create etcd session: %w", mapError(err))
	}

	c := &Client{
		cli:     cli,
		session: session,
		keys:    keyspace(strings.TrimSuffix(opts.Prefix, "/")),
		logger:  logger.With("lease", int64(session.Lease())),
		stopCh:  make(chan struct{}),
	}
	c.logger.Info("session established", "ttl_seconds", ttl)

	c.wg.Add(2)
	go c.watchSession()
	go c.watchConnectivity()

	return c, nil
}

// the session ends when its lease can no longer be kept alive
func (c *Client) watchSession() {
	defer c.wg.Done()

	select {
	case <-c.session.Done():
		c.mu.Lock()
		already := c.lost
		c.lost = true
		c.mu.Unlock()
		if !already {
			c.logger.Error("session lease expired")
			c.listeners.Notify(coord.StateLost)
		}
	case <-c.stopCh:
	}
}

func (c *Client) watchConnectivity() {
	defer c.wg.Done()

	conn := c.cli.ActiveConnection()
	if conn == nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	state := conn.GetState()
	for conn.WaitForStateChange(ctx, state) {
		state = conn.GetState()

		c.mu.Lock()
		var notify *coord.ConnectionState
		switch {
		case c.lost:
		case state == connectivity.TransientFailure && !c.suspended:
			c.suspended = true
			s := coord.StateSuspended
			notify = &s
		case state == connectivity.Ready && c.suspended:
			c.suspended = false
			s := coord.StateReconnected
			notify = &s
		}
		c.mu.Unlock()

		if notify != nil {
			c.logger.Debug("connection state changed", "state", notify.String())
			c.listeners.Notify(*notify)
		}
	}
}

func (c *Client) checkSession() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lost {
		return types.ErrSessionExpired
	}
	return nil
}

func (c *Client) Create(ctx context.Context, path string, data []byte, mode types.CreateMode) (string, error) {
	if err := types.ValidatePath(path); err != nil {
		return "", err
	}
	if path == "/" {
		return "", types.ErrNodeExists
	}
	if mode.IsEphemeral() {
		if err := c.checkSession(); err != nil {
			return "", err
		}
	}

	parent := types.ParentPath(path)
	for {
		var cmps []clientv3.Cmp
		var ops []clientv3.Op

		if parent != "/" {
			resp, err := c.cli.Get(ctx, c.keys.node(parent))
			if err != nil {
				return "", mapError(err)
			}
			if len(resp.Kvs) == 0 {
				return "", types.ErrNoNode
			}
			if resp.Kvs[0].Lease != 0 {
				return "", types.ErrEphemeralParent
			}
			cmps = append(cmps, clientv3.Compare(clientv3.CreateRevision(c.keys.node(parent)), "=", resp.Kvs[0].CreateRevision))
		}

		name := path
		if mode.IsSequential() {
			seqKey := c.keys.seq(parent)
			resp, err := c.cli.Get(ctx, seqKey)
			if err != nil {
				return "", mapError(err)
			}
			var next uint64
			var rev int64
			if len(resp.Kvs) > 0 {
				if next, err = strconv.ParseUint(string(resp.Kvs[0].Value), 10, 64); err != nil {
					return "", fmt.Errorf("corrupt sequence counter %s: %w", seqKey, err)
				}
				rev = resp.Kvs[0].ModRevision
			}
			name = path + types.FormatSequence(next)
			cmps = append(cmps, clientv3.Compare(clientv3.ModRevision(seqKey), "=", rev))
			ops = append(ops, clientv3.OpPut(seqKey, strconv.FormatUint(next+1, 10)))
		}

		key := c.keys.node(name)
		var putOpts []clientv3.OpOption
		if mode.IsEphemeral() {
			putOpts = append(putOpts, clientv3.WithLease(c.session.Lease()))
		}
		cmps = append(cmps, clientv3.Compare(clientv3.CreateRevision(key), "=", 0))
		ops = append(ops, clientv3.OpPut(key, string(data), putOpts...))

		resp, err := c.cli.Txn(ctx).If(cmps...).Then(ops...).Commit()
		if err != nil {
			return "", mapError(err)
		}
		if resp.Succeeded {
			return name, nil
		}

		//lost a race: the node exists, the parent changed or the counter moved
		exists, err := c.exists(ctx, name)
		if err != nil {
			return "", err
		}
		if exists {
			return "", types.ErrNodeExists
		}
	}
}

func (c *Client) exists(ctx context.Context, path string) (bool, error) {
	if path == "/" {
		return true, nil
	}
	resp, err := c.cli.Get(ctx, c.keys.node(path), clientv3.WithCountOnly())
	if err != nil {
		return false, mapError(err)
	}
	return resp.Count > 0, nil
}

func (c *Client) Children(ctx context.Context, path string) ([]string, error) {
	exists, err := c.exists(ctx, path)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, types.ErrNoNode
	}

	prefix := c.keys.children(path)
	resp, err := c.cli.Get(ctx, prefix, clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return nil, mapError(err)
	}
	return directChildren(prefix, resp.Kvs), nil
}

func (c *Client) GetDataW(ctx context.Context, path string) ([]byte, <-chan types.WatchEvent, error) {
	key := c.keys.node(path)
	resp, err := c.cli.Get(ctx, key)
	if err != nil {
		return nil, nil, mapError(err)
	}
	if len(resp.Kvs) == 0 {
		return nil, nil, types.ErrNoNode
	}

	//start right after the read so nothing slips in between
	watchCtx, cancel := context.WithCancel(ctx)
	wch := c.cli.Watch(watchCtx, key, clientv3.WithRev(resp.Header.Revision+1))

	events := make(chan types.WatchEvent, 1)
	go func() {
		defer cancel()
		for {
			wr, ok := <-wch
			if !ok || wr.Err() != nil {
				if ctx.Err() == nil {
					events <- types.WatchEvent{Type: types.EventWatchLost, Path: path}
				}
				return
			}
			if len(wr.Events) == 0 {
				continue
			}
			events <- toWatchEvent(wr.Events[0], path)
			return
		}
	}()

	return resp.Kvs[0].Value, events, nil
}

func toWatchEvent(ev *clientv3.Event, path string) types.WatchEvent {
	if ev.Type == clientv3.EventTypeDelete {
		return types.WatchEvent{Type: types.EventNodeDeleted, Path: path}
	}
	return types.WatchEvent{Type: types.EventNodeDataChanged, Path: path}
}

func (c *Client) SetData(ctx context.Context, path string, data []byte) error {
	key := c.keys.node(path)
	resp, err := c.cli.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), ">", 0)).
		Then(clientv3.OpPut(key, string(data), clientv3.WithIgnoreLease())).
		Commit()
	if err != nil {
		return mapError(err)
	}
	if !resp.Succeeded {
		return types.ErrNoNode
	}
	return nil
}

// a missing node is not an error
func (c *Client) Delete(ctx context.Context, path string) error {
	if path == "/" {
		return types.ErrInvalidPath
	}

	resp, err := c.cli.Get(ctx, c.keys.children(path), clientv3.WithPrefix(), clientv3.WithCountOnly())
	if err != nil {
		return mapError(err)
	}
	if resp.Count > 0 {
		return types.ErrNotEmpty
	}

	_, err = c.cli.Txn(ctx).Then(
		clientv3.OpDelete(c.keys.node(path)),
		clientv3.OpDelete(c.keys.seq(path)),
	).Commit()
	return mapError(err)
}

func (c *Client) OnConnectionStateChange(fn func(coord.ConnectionState)) func() {
	return c.listeners.Add(fn)
}

func (c *Client) State() coord.ConnectionState {
	return c.listeners.State()
}

// Close revokes the session lease, deleting its ephemeral nodes.
func (c *Client) Close() error {
	var err error
	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.wg.Wait()

		if closeErr := c.session.Close(); closeErr != nil {
			err = fmt.Errorf("close etcd session: %w", mapError(closeErr))
		}
		if closeErr := c.cli.Close(); err == nil && closeErr != nil {
			err = closeErr
		}
	})
	return err
}

type keyspace string

func (k keyspace) node(path string) string {
	if path == "/" {
		return string(k) + "/n"
	}
	return string(k) + "/n" + path
}

func (k keyspace) seq(path string) string {
	return string(k) + "/s" + path
}

func (k keyspace) children(path string) string {
	return k.node(path) + "/"
}

// keeps only the immediate children among keys below prefix
func directChildren(prefix string, kvs []*mvccpb.KeyValue) []string {
	names := make([]string, 0, len(kvs))
	for _, kv := range kvs {
		name := strings.TrimPrefix(string(kv.Key), prefix)
		if name == "" || strings.Contains(name, "/") {
			continue
		}
		names = append(names, name)
	}
	return names
}

func mapError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, rpctypes.ErrLeaseNotFound):
		return types.ErrSessionExpired
	case errors.Is(err, rpctypes.ErrNoLeader), errors.Is(err, rpctypes.ErrLeaderChanged),
		errors.Is(err, rpctypes.ErrTimeout), errors.Is(err, rpctypes.ErrTimeoutDueToConnectionLost):
		return fmt.Errorf("%w: %v", types.ErrConnectionLoss, err)
	}

	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded:
		return fmt.Errorf("%w: %v", types.ErrConnectionLoss, err)
	}
	return err
}
