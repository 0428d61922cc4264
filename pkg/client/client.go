// Package client is a coord.Client that talks to a turnstile server over gRPC.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	pb "github.com/pixperk/turnstile/api/v1"
	"github.com/pixperk/turnstile/pkg/coord"
	"github.com/pixperk/turnstile/pkg/logging"
	"github.com/pixperk/turnstile/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	DefaultSessionTTL = 10 * time.Second
	closeTimeout      = 5 * time.Second
)

type Option func(*Client)

func WithLogger(logger hclog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithDialOptions replaces the default insecure transport credentials.
func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(c *Client) { c.dialOpts = opts }
}

type Client struct {
	addr     string
	ownerID  string
	conn     *grpc.ClientConn
	client   pb.CoordinationClient
	dialOpts []grpc.DialOption
	logger   hclog.Logger

	mu           sync.Mutex
	sessionID    uint64
	sessionTTL   time.Duration
	heartbeat    pb.Coordination_HeartbeatClient
	cancelStream context.CancelFunc
	started      bool
	suspended    bool
	lost         bool

	listeners coord.StateListeners

	kickCh   chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

var _ coord.Client = (*Client)(nil)

func NewClient(addr, ownerID string, opts ...Option) (*Client, error) {
	c := &Client{
		addr:     addr,
		ownerID:  ownerID,
		dialOpts: []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())},
		kickCh:   make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.OrNull(c.logger).Named("client").With("addr", addr)

	conn, err := grpc.NewClient(addr, c.dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	c.conn = conn
	c.client = pb.NewCoordinationClient(conn)

	return c, nil
}

// Start opens a session with the given ttl and keeps it alive until Stop.
func (c *Client) Start(ctx context.Context, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}

	resp, err := c.client.CreateSession(ctx, &pb.CreateSessionRequest{
		OwnerID:   c.ownerID,
		TTLMillis: ttl.Milliseconds(),
	})
	if err != nil {
		return fmt.Errorf("create session: %w", fromGRPCError(err))
	}

	c.mu.Lock()
	c.sessionID = resp.SessionID
	c.sessionTTL = ttl
	c.started = true
	c.mu.Unlock()

	c.logger = c.logger.With("session_id", resp.SessionID)
	c.logger.Debug("session opened", "ttl", ttl)

	c.wg.Add(2)
	go c.heartbeatLoop()
	go c.monitorConnectivity()

	return nil
}

func (c *Client) SessionID() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Client) heartbeatLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.sessionTTL / 3)
	defer ticker.Stop()

	var failureCount int

	for {
		select {
		case <-ticker.C:
		case <-c.kickCh:
		case <-c.stopCh:
			return
		}

		if err := c.beat(); err != nil {
			if isSessionGone(err) {
				c.logger.Error("session lost", "error", err)
				c.markLost()
				return
			}

			failureCount++
			c.logger.Warn("heartbeat failed", "attempt", failureCount, "error", err)
			if failureCount >= 2 {
				c.logger.Error("session may expire soon, heartbeat failing", "failures", failureCount)
			}
			c.resetStream()
			c.suspend()
			continue
		}

		//reset failure count on success
		if failureCount > 0 {
			c.logger.Info("heartbeat recovered", "failures", failureCount)
			failureCount = 0
		}
		c.reconnect()
	}
}

// sends one heartbeat and waits for its ack, opening the stream if needed
func (c *Client) beat() error {
	c.mu.Lock()
	sessionID, stream := c.sessionID, c.heartbeat
	c.mu.Unlock()

	if stream == nil {
		ctx, cancel := context.WithCancel(context.Background())
		s, err := c.client.Heartbeat(ctx)
		if err != nil {
			cancel()
			return fromGRPCError(err)
		}
		c.mu.Lock()
		c.heartbeat, c.cancelStream = s, cancel
		c.mu.Unlock()
		stream = s
	}

	if err := stream.Send(&pb.HeartbeatRequest{SessionID: sessionID}); err != nil {
		//the real status is only reported by Recv
		if !errors.Is(err, io.EOF) {
			return fromGRPCError(err)
		}
	}
	if _, err := stream.Recv(); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: heartbeat stream closed", types.ErrConnectionLoss)
		}
		return fromGRPCError(err)
	}
	return nil
}

func (c *Client) resetStream() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancelStream != nil {
		c.cancelStream()
	}
	c.heartbeat, c.cancelStream = nil, nil
}

// follows the channel state: a broken transport suspends the session at once,
// a ready one triggers a heartbeat that decides between reconnected and lost
func (c *Client) monitorConnectivity() {
	defer c.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	state := c.conn.GetState()
	for c.conn.WaitForStateChange(ctx, state) {
		state = c.conn.GetState()
		c.logger.Debug("channel state changed", "state", state.String())

		switch state {
		case connectivity.TransientFailure:
			c.suspend()
		case connectivity.Ready:
			c.mu.Lock()
			suspended := c.suspended
			c.mu.Unlock()
			if suspended {
				select {
				case c.kickCh <- struct{}{}:
				default:
				}
			}
		case connectivity.Shutdown:
			return
		}
	}
}

func (c *Client) suspend() {
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

func (c *Client) reconnect() {
	c.mu.Lock()
	if c.lost || !c.suspended {
		c.mu.Unlock()
		return
	}
	c.suspended = false
	c.mu.Unlock()

	c.logger.Info("connection reestablished")
	c.listeners.Notify(coord.StateReconnected)
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

func (c *Client) session(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		return 0, errors.New("client not started")
	}
	if c.lost {
		return 0, types.ErrSessionExpired
	}
	return c.sessionID, nil
}

func (c *Client) Create(ctx context.Context, path string, data []byte, mode types.CreateMode) (string, error) {
	sessionID, err := c.session(ctx)
	if err != nil {
		return "", err
	}

	req := &pb.CreateNodeRequest{Path: path, Data: data, Mode: mode}
	if mode.IsEphemeral() {
		req.SessionID = sessionID
	}

	resp, err := c.client.CreateNode(ctx, req)
	if err != nil {
		err = fromGRPCError(err)
		if mode.IsEphemeral() && isSessionGone(err) {
			c.markLost()
		}
		return "", err
	}
	return resp.Path, nil
}

func (c *Client) Children(ctx context.Context, path string) ([]string, error) {
	if _, err := c.session(ctx); err != nil {
		return nil, err
	}

	resp, err := c.client.Children(ctx, &pb.ChildrenRequest{Path: path})
	if err != nil {
		return nil, fromGRPCError(err)
	}
	return resp.Children, nil
}

// the watch lives on a server stream that ends with the event or with ctx
func (c *Client) GetDataW(ctx context.Context, path string) ([]byte, <-chan types.WatchEvent, error) {
	if _, err := c.session(ctx); err != nil {
		return nil, nil, err
	}

	watchCtx, cancel := context.WithCancel(ctx)
	stream, err := c.client.WatchData(watchCtx, &pb.WatchDataRequest{Path: path})
	if err != nil {
		cancel()
		return nil, nil, fromGRPCError(err)
	}

	first, err := stream.Recv()
	if err != nil {
		cancel()
		return nil, nil, fromGRPCError(err)
	}

	events := make(chan types.WatchEvent, 1)
	go func() {
		defer cancel()

		msg, err := stream.Recv()
		switch {
		case err == nil && msg.Event != nil:
			events <- *msg.Event
		case watchCtx.Err() != nil:
		default:
			c.logger.Debug("watch stream broken", "path", path, "error", err)
			events <- types.WatchEvent{Type: types.EventWatchLost, Path: path}
		}
	}()

	return first.Data, events, nil
}

func (c *Client) SetData(ctx context.Context, path string, data []byte) error {
	if _, err := c.session(ctx); err != nil {
		return err
	}

	_, err := c.client.SetData(ctx, &pb.SetDataRequest{Path: path, Data: data})
	return fromGRPCError(err)
}

func (c *Client) Delete(ctx context.Context, path string) error {
	if _, err := c.session(ctx); err != nil {
		return err
	}

	_, err := c.client.DeleteNode(ctx, &pb.DeleteNodeRequest{Path: path})
	if err = fromGRPCError(err); errors.Is(err, types.ErrNoNode) {
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

func (c *Client) Status(ctx context.Context) (*pb.GetStatusResponse, error) {
	resp, err := c.client.GetStatus(ctx, &pb.GetStatusRequest{})
	if err != nil {
		return nil, fromGRPCError(err)
	}
	return resp, nil
}

// Join asks the server, which must be the leader, to add a voter.
func (c *Client) Join(ctx context.Context, nodeID, raftAddr string) error {
	_, err := c.client.Join(ctx, &pb.JoinRequest{NodeID: nodeID, Addr: raftAddr})
	return fromGRPCError(err)
}

// Stop ends the heartbeat, closes the session and the connection.
// Ephemeral nodes of the session are deleted by the server.
func (c *Client) Stop() error {
	var err error
	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.wg.Wait()
		c.resetStream()

		c.mu.Lock()
		started, lost, sessionID := c.started, c.lost, c.sessionID
		c.lost = true
		c.mu.Unlock()

		if started && !lost {
			ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
			_, closeErr := c.client.CloseSession(ctx, &pb.CloseSessionRequest{SessionID: sessionID})
			cancel()
			if closeErr = fromGRPCError(closeErr); closeErr != nil && !isSessionGone(closeErr) {
				err = fmt.Errorf("close session: %w", closeErr)
			}
		}

		if connErr := c.conn.Close(); err == nil {
			err = connErr
		}
	})
	return err
}
