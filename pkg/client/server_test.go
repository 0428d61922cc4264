package client_test

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	pb "github.com/pixperk/turnstile/api/v1"
	"github.com/pixperk/turnstile/pkg/client"
	"github.com/pixperk/turnstile/pkg/raft"
	"github.com/pixperk/turnstile/pkg/server"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
)

// a single in-memory raft node behind a real tcp listener
type testServer struct {
	t    testing.TB
	node *raft.Node
	addr string

	mu sync.Mutex
	gs *grpc.Server
}

func startServer(t testing.TB) *testServer {
	t.Helper()

	node, err := raft.NewNode(&raft.Config{
		NodeID:       uuid.New(),
		Bootstrap:    true,
		InMemory:     true,
		ReapInterval: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { node.Shutdown() })
	require.NoError(t, node.WaitForLeader(5*time.Second))
	require.Eventually(t, node.IsLeader, 5*time.Second, 10*time.Millisecond)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &testServer{t: t, node: node, addr: lis.Addr().String()}
	s.serve(lis)
	t.Cleanup(s.stop)
	return s
}

func (s *testServer) serve(lis net.Listener) {
	gs := grpc.NewServer()
	pb.RegisterCoordinationServer(gs, server.NewServer(s.node, nil))
	go gs.Serve(lis)

	s.mu.Lock()
	s.gs = gs
	s.mu.Unlock()
}

// drops every connection, the raft node keeps running
func (s *testServer) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gs != nil {
		s.gs.Stop()
		s.gs = nil
	}
}

// listens again on the same address
func (s *testServer) restart() {
	s.t.Helper()
	var lis net.Listener
	require.Eventually(s.t, func() bool {
		var err error
		lis, err = net.Listen("tcp", s.addr)
		return err == nil
	}, 5*time.Second, 50*time.Millisecond)
	s.serve(lis)
}

func (s *testServer) connect(t testing.TB, owner string, ttl time.Duration) *client.Client {
	t.Helper()

	c, err := client.NewClient(s.addr, owner)
	require.NoError(t, err)
	t.Cleanup(func() { c.Stop() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Start(ctx, ttl))
	return c
}
