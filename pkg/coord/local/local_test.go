package local

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pixperk/turnstile/pkg/coord"
	"github.com/pixperk/turnstile/pkg/fsm"
	"github.com/pixperk/turnstile/pkg/raft"
	"github.com/pixperk/turnstile/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stateRecorder struct {
	mu     sync.Mutex
	states []coord.ConnectionState
}

func (r *stateRecorder) record(s coord.ConnectionState) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
}

func (r *stateRecorder) get() []coord.ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]coord.ConnectionState(nil), r.states...)
}

func connect(t *testing.T, backend Backend, owner string) *Client {
	t.Helper()
	c, err := Connect(context.Background(), backend, Options{OwnerID: owner, SessionTTL: time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestCreateAndChildren(t *testing.T) {
	ctx := context.Background()
	f := fsm.NewFSM()
	c := connect(t, f, "client-1")

	_, err := c.Create(ctx, "/locks", nil, types.ModePersistent)
	require.NoError(t, err)

	p, err := c.Create(ctx, "/locks/lock-", []byte("payload"), types.ModeEphemeralSequential)
	require.NoError(t, err)
	assert.Equal(t, "/locks/lock-0000000000", p)

	node, ok := f.GetNode(p)
	require.True(t, ok)
	assert.Equal(t, c.SessionID(), node.SessionID)

	children, err := c.Children(ctx, "/locks")
	require.NoError(t, err)
	assert.Equal(t, []string{"lock-0000000000"}, children)

	//deletes are idempotent
	require.NoError(t, c.Delete(ctx, p))
	require.NoError(t, c.Delete(ctx, p))
}

func TestWatchReleasedWithContext(t *testing.T) {
	f := fsm.NewFSM()
	c := connect(t, f, "client-1")

	_, err := c.Create(context.Background(), "/w", []byte("v"), types.ModePersistent)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	data, _, err := c.GetDataW(ctx, "/w")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), data)
	assert.Equal(t, 1, f.Stats().Watches)

	cancel()
	require.Eventually(t, func() bool { return f.Stats().Watches == 0 }, time.Second, 5*time.Millisecond)
}

func TestSuspendResume(t *testing.T) {
	ctx := context.Background()
	c := connect(t, fsm.NewFSM(), "client-1")

	rec := &stateRecorder{}
	c.OnConnectionStateChange(rec.record)

	assert.Equal(t, coord.StateConnected, c.State())

	c.Suspend()
	_, err := c.Children(ctx, "/")
	assert.ErrorIs(t, err, types.ErrConnectionLoss)
	assert.Equal(t, coord.StateSuspended, c.State())

	c.Resume()
	_, err = c.Children(ctx, "/")
	assert.NoError(t, err)
	assert.Equal(t, coord.StateReconnected, c.State())

	assert.Equal(t, []coord.ConnectionState{coord.StateSuspended, coord.StateReconnected}, rec.get())
}

func TestExpireDeletesEphemerals(t *testing.T) {
	ctx := context.Background()
	f := fsm.NewFSM()
	holder := connect(t, f, "holder")
	watcher := connect(t, f, "watcher")

	_, err := watcher.Create(ctx, "/locks", nil, types.ModePersistent)
	require.NoError(t, err)
	p, err := holder.Create(ctx, "/locks/lock-", nil, types.ModeEphemeralSequential)
	require.NoError(t, err)

	_, events, err := watcher.GetDataW(ctx, p)
	require.NoError(t, err)

	rec := &stateRecorder{}
	holder.OnConnectionStateChange(rec.record)
	require.NoError(t, holder.Expire())

	ev := <-events
	assert.Equal(t, types.EventNodeDeleted, ev.Type)
	assert.Equal(t, []coord.ConnectionState{coord.StateLost}, rec.get())
	assert.Equal(t, coord.StateLost, holder.State())

	_, err = holder.Create(ctx, "/locks/lock-", nil, types.ModeEphemeralSequential)
	assert.ErrorIs(t, err, types.ErrSessionExpired)
}

func TestCloseDeletesEphemerals(t *testing.T) {
	ctx := context.Background()
	f := fsm.NewFSM()

	c, err := Connect(ctx, f, Options{OwnerID: "client-1", SessionTTL: time.Second})
	require.NoError(t, err)

	_, err = c.Create(ctx, "/e", nil, types.ModeEphemeral)
	require.NoError(t, err)

	require.NoError(t, c.Close())
	_, exists := f.GetNode("/e")
	assert.False(t, exists)
	assert.Equal(t, 0, f.Stats().Sessions)
}

// heartbeats keep a short session alive on a reaping raft node
func TestHeartbeatKeepsSessionAlive(t *testing.T) {
	node, err := raft.NewNode(&raft.Config{
		NodeID:       uuid.New(),
		Bootstrap:    true,
		InMemory:     true,
		ReapInterval: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	defer node.Shutdown()
	require.NoError(t, node.WaitForLeader(5*time.Second))
	require.Eventually(t, node.IsLeader, 5*time.Second, 10*time.Millisecond)

	c, err := Connect(context.Background(), node, Options{OwnerID: "client-1", SessionTTL: 300 * time.Millisecond})
	require.NoError(t, err)
	defer c.Close()

	time.Sleep(time.Second)
	_, exists := node.GetSession(c.SessionID())
	assert.True(t, exists, "session should still be alive")

	//without heartbeats the reaper takes it
	rec := &stateRecorder{}
	c.OnConnectionStateChange(rec.record)
	c.Suspend()
	require.Eventually(t, func() bool {
		_, exists := node.GetSession(c.SessionID())
		return !exists
	}, 5*time.Second, 20*time.Millisecond)

	c.Resume()
	assert.Equal(t, []coord.ConnectionState{coord.StateSuspended, coord.StateLost}, rec.get())
}
