package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pixperk/turnstile/pkg/coord"
	"github.com/pixperk/turnstile/pkg/coord/local"
	"github.com/pixperk/turnstile/pkg/fsm"
	"github.com/pixperk/turnstile/pkg/metrics"
	"github.com/pixperk/turnstile/pkg/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingClient counts remote calls and lets tests inject faults
type recordingClient struct {
	coord.Client

	calls   atomic.Int32
	creates atomic.Int32 //contender nodes created on the store
	deletes atomic.Int32

	beforeCreate   func() error
	afterCreate    func(path string) error
	beforeChildren func()
	beforeGetDataW func(path string)
}

func (c *recordingClient) Create(ctx context.Context, path string, data []byte, mode types.CreateMode) (string, error) {
	c.calls.Add(1)
	if c.beforeCreate != nil && mode == types.ModeEphemeralSequential {
		if err := c.beforeCreate(); err != nil {
			return "", err
		}
	}
	p, err := c.Client.Create(ctx, path, data, mode)
	if err != nil || mode != types.ModeEphemeralSequential {
		return p, err
	}
	c.creates.Add(1)
	if c.afterCreate != nil {
		if err := c.afterCreate(p); err != nil {
			return "", err
		}
	}
	return p, nil
}

func (c *recordingClient) Children(ctx context.Context, path string) ([]string, error) {
	c.calls.Add(1)
	if c.beforeChildren != nil {
		c.beforeChildren()
	}
	return c.Client.Children(ctx, path)
}

func (c *recordingClient) GetDataW(ctx context.Context, path string) ([]byte, <-chan types.WatchEvent, error) {
	c.calls.Add(1)
	if c.beforeGetDataW != nil {
		c.beforeGetDataW(path)
	}
	return c.Client.GetDataW(ctx, path)
}

func (c *recordingClient) SetData(ctx context.Context, path string, data []byte) error {
	c.calls.Add(1)
	return c.Client.SetData(ctx, path, data)
}

func (c *recordingClient) Delete(ctx context.Context, path string) error {
	c.calls.Add(1)
	c.deletes.Add(1)
	return c.Client.Delete(ctx, path)
}

func connect(t *testing.T, f *fsm.FSM, owner string) *local.Client {
	t.Helper()
	c, err := local.Connect(context.Background(), f, local.Options{OwnerID: owner, SessionTTL: 10 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func newMutex(t *testing.T, client coord.Client, path string, opts ...Option) *Mutex {
	t.Helper()
	opts = append([]Option{WithRetryInterval(10 * time.Millisecond)}, opts...)
	m, err := NewMutex(client, path, opts...)
	require.NoError(t, err)
	return m
}

func waitForParticipants(t *testing.T, m *Mutex, n int) []string {
	t.Helper()
	var participants []string
	require.Eventually(t, func() bool {
		var err error
		participants, err = m.Participants(context.Background())
		return err == nil && len(participants) == n
	}, 5*time.Second, 5*time.Millisecond)
	return participants
}

func TestNewMutexValidation(t *testing.T) {
	client := connect(t, fsm.NewFSM(), "c")

	_, err := NewMutex(client, "no-slash")
	assert.ErrorIs(t, err, types.ErrInvalidPath)

	_, err = NewMutex(client, "/ok", WithMaxLeases(0))
	assert.Error(t, err)

	_, err = NewMutex(client, "/ok", WithLockName(""))
	assert.Error(t, err)
}

// N acquires and N releases by one owner touch the store once each way
func TestReentrantAcquire(t *testing.T) {
	ctx := context.Background()
	f := fsm.NewFSM()
	client := &recordingClient{Client: connect(t, f, "c1")}
	m := newMutex(t, client, "/locks/reentrant")
	owner := NewOwner()

	const n = 3
	for i := 0; i < n; i++ {
		callsBefore := client.calls.Load()
		require.NoError(t, m.Acquire(ctx, owner))
		if i > 0 {
			assert.Equal(t, callsBefore, client.calls.Load(), "re-entry must not touch the store")
		}
	}
	assert.True(t, m.IsOwnedBy(owner))
	lockPath := m.LockPath(owner)

	for i := 0; i < n-1; i++ {
		require.NoError(t, m.Release(ctx, owner))
		_, exists := f.GetNode(lockPath)
		assert.True(t, exists, "lock must stay held until the last release")
	}
	assert.Equal(t, int32(0), client.deletes.Load())

	require.NoError(t, m.Release(ctx, owner))
	_, exists := f.GetNode(lockPath)
	assert.False(t, exists)

	assert.Equal(t, int32(1), client.creates.Load())
	assert.Equal(t, int32(1), client.deletes.Load())
	assert.False(t, m.IsOwnedBy(owner))
	assert.False(t, m.IsAcquiredInThisProcess())
	assert.Empty(t, m.LockPath(owner))
}

func TestReleaseNotOwner(t *testing.T) {
	client := &recordingClient{Client: connect(t, fsm.NewFSM(), "c1")}
	m := newMutex(t, client, "/locks/not-owner")

	err := m.Release(context.Background(), NewOwner())
	require.ErrorIs(t, err, ErrNotOwner)

	var lockErr *Error
	require.True(t, errors.As(err, &lockErr))
	assert.Equal(t, "/locks/not-owner", lockErr.BasePath)
	assert.Equal(t, int32(0), client.calls.Load(), "no remote call on an ownership fault")
}

func TestReleaseNegativeCount(t *testing.T) {
	ctx := context.Background()
	m := newMutex(t, connect(t, fsm.NewFSM(), "c1"), "/locks/negative")
	owner := NewOwner()

	require.NoError(t, m.Acquire(ctx, owner))

	//a concurrent release already took the count to zero
	data, ok := m.threadData.Load(owner)
	require.True(t, ok)
	data.lockCount.Store(0)

	assert.ErrorIs(t, m.Release(ctx, owner), ErrNegativeCount)
}

// C1, C2, C3 arrive in order and are served in order, each watching its predecessor
func TestFairOrdering(t *testing.T) {
	ctx := context.Background()
	f := fsm.NewFSM()
	const path = "/locks/fair"

	type contender struct {
		m      *Mutex
		owner  Owner
		client *recordingClient
	}
	contenders := make([]contender, 3)
	for i := range contenders {
		client := &recordingClient{Client: connect(t, f, "c")}
		contenders[i] = contender{m: newMutex(t, client, path), owner: NewOwner(), client: client}
	}

	watched := make([]chan string, 3)
	for i := range contenders {
		ch := make(chan string, 10)
		watched[i] = ch
		contenders[i].client.beforeGetDataW = func(p string) { ch <- p }
	}

	require.NoError(t, contenders[0].m.Acquire(ctx, contenders[0].owner))

	acquired := make(chan int, 3)
	for i := 1; i < 3; i++ {
		i := i
		go func() {
			if err := contenders[i].m.Acquire(ctx, contenders[i].owner); err == nil {
				acquired <- i
			}
		}()
		participants := waitForParticipants(t, contenders[0].m, i+1)

		//Ci watches C(i-1) and nobody else
		assert.Equal(t, participants[i-1], <-watched[i])
	}

	select {
	case i := <-acquired:
		t.Fatalf("contender %d acquired while C1 holds the lock", i)
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, contenders[0].m.Release(ctx, contenders[0].owner))
	select {
	case i := <-acquired:
		assert.Equal(t, 1, i, "C2 must be next")
	case <-time.After(5 * time.Second):
		t.Fatal("C2 never acquired")
	}

	select {
	case i := <-acquired:
		t.Fatalf("contender %d acquired while C2 holds the lock", i)
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, contenders[1].m.Release(ctx, contenders[1].owner))
	select {
	case i := <-acquired:
		assert.Equal(t, 2, i)
	case <-time.After(5 * time.Second):
		t.Fatal("C3 never acquired")
	}
	require.NoError(t, contenders[2].m.Release(ctx, contenders[2].owner))
}

// a contender that times out leaves no node behind
func TestTryAcquireTimeout(t *testing.T) {
	ctx := context.Background()
	f := fsm.NewFSM()
	const path = "/locks/timeout"

	holder := newMutex(t, connect(t, f, "holder"), path)
	require.NoError(t, holder.Acquire(ctx, NewOwner()))

	waiterClient := &recordingClient{Client: connect(t, f, "waiter")}
	waiter := newMutex(t, waiterClient, path)

	start := time.Now()
	ok, err := waiter.TryAcquire(ctx, NewOwner(), 200*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)

	assert.Len(t, waitForParticipants(t, holder, 1), 1, "waiter node must be deleted")
	assert.Equal(t, int32(1), waiterClient.creates.Load())
	assert.Equal(t, int32(1), waiterClient.deletes.Load())
	assert.False(t, waiter.IsAcquiredInThisProcess())
}

func TestTryAcquireZeroTimeout(t *testing.T) {
	ctx := context.Background()
	f := fsm.NewFSM()
	const path = "/locks/zero"

	m := newMutex(t, connect(t, f, "c1"), path)
	owner := NewOwner()

	ok, err := m.TryAcquire(ctx, owner, 0)
	require.NoError(t, err)
	assert.True(t, ok, "a free lock is taken on the single check")

	other := newMutex(t, connect(t, f, "c2"), path)
	ok, err = other.TryAcquire(ctx, NewOwner(), 0)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Len(t, waitForParticipants(t, m, 1), 1)
}

// two owners in one process are independent contenders
func TestOwnersInSameProcess(t *testing.T) {
	ctx := context.Background()
	client := &recordingClient{Client: connect(t, fsm.NewFSM(), "c1")}
	m := newMutex(t, client, "/locks/owners")

	a, b := NewOwner(), NewOwner()
	require.NoError(t, m.Acquire(ctx, a))

	ok, err := m.TryAcquire(ctx, b, 50*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok, "b must not share a's hold")
	assert.Equal(t, int32(2), client.creates.Load())

	assert.True(t, m.IsOwnedBy(a))
	assert.False(t, m.IsOwnedBy(b))
	assert.True(t, m.IsAcquiredInThisProcess())

	done := make(chan error, 1)
	go func() { done <- m.Acquire(ctx, b) }()
	waitForParticipants(t, m, 2)

	require.NoError(t, m.Release(ctx, a))
	require.NoError(t, <-done)
	assert.True(t, m.IsOwnedBy(b))
	require.NoError(t, m.Release(ctx, b))
}

// one owner racing itself ends up with one node and two holds
func TestSameOwnerConcurrentAcquire(t *testing.T) {
	ctx := context.Background()
	f := fsm.NewFSM()
	client := &recordingClient{Client: connect(t, f, "c1")}
	m := newMutex(t, client, "/locks/same-owner", WithMaxLeases(2))

	//both acquisitions create before either records its hold
	var arrived sync.WaitGroup
	arrived.Add(2)
	client.afterCreate = func(string) error {
		arrived.Done()
		arrived.Wait()
		return nil
	}

	owner := NewOwner()
	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := m.TryAcquire(ctx, owner, 5*time.Second)
			if err == nil && !ok {
				err = errors.New("not acquired")
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, int32(2), client.creates.Load())
	participants := waitForParticipants(t, m, 1)
	assert.Equal(t, m.LockPath(owner), participants[0], "the surplus node is deleted")

	require.NoError(t, m.Release(ctx, owner))
	assert.True(t, m.IsOwnedBy(owner))
	require.NoError(t, m.Release(ctx, owner))
	assert.False(t, m.IsOwnedBy(owner))
	assert.Empty(t, waitForParticipants(t, m, 0))
	assert.ErrorIs(t, m.Release(ctx, owner), ErrNotOwner)
}

func TestMaxLeases(t *testing.T) {
	ctx := context.Background()
	client := connect(t, fsm.NewFSM(), "c1")
	m := newMutex(t, client, "/locks/semaphore", WithMaxLeases(2))

	owners := []Owner{NewOwner(), NewOwner(), NewOwner()}
	for _, o := range owners[:2] {
		ok, err := m.TryAcquire(ctx, o, time.Second)
		require.NoError(t, err)
		require.True(t, ok)
	}

	ok, err := m.TryAcquire(ctx, owners[2], 50*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.Release(ctx, owners[1]))
	ok, err = m.TryAcquire(ctx, owners[2], time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

// our node vanishing before the first listing is a fault, not an endless wait
func TestNodeLostBeforeListing(t *testing.T) {
	ctx := context.Background()
	f := fsm.NewFSM()
	client := &recordingClient{Client: connect(t, f, "c1")}
	m := newMutex(t, client, "/locks/lost")

	var created string
	client.afterCreate = func(p string) error {
		created = p
		return nil
	}
	client.beforeChildren = func() {
		if created != "" {
			_, err := f.Apply(types.DeleteNodeCmd{Path: created})
			require.NoError(t, err)
			created = ""
		}
	}

	ok, err := m.TryAcquire(ctx, NewOwner(), 5*time.Second)
	assert.False(t, ok)
	require.ErrorIs(t, err, ErrNodeLost)
	assert.ErrorIs(t, err, types.ErrNoNode)

	var lockErr *Error
	require.True(t, errors.As(err, &lockErr))
	assert.Equal(t, "acquire", lockErr.Op)
	assert.Equal(t, "/locks/lost", lockErr.BasePath)
	assert.False(t, m.IsAcquiredInThisProcess())
}

// a session expiring between our create and the first listing loses our node
func TestSessionExpiredBeforeListing(t *testing.T) {
	ctx := context.Background()
	f := fsm.NewFSM()
	lc := connect(t, f, "c1")
	client := &recordingClient{Client: lc}
	m := newMutex(t, client, "/locks/expired-early")

	var created atomic.Bool
	client.afterCreate = func(string) error {
		created.Store(true)
		return nil
	}
	client.beforeChildren = func() {
		if created.CompareAndSwap(true, false) {
			require.NoError(t, lc.Expire())
		}
	}

	ok, err := m.TryAcquire(ctx, NewOwner(), 2*time.Second)
	assert.False(t, ok)
	require.ErrorIs(t, err, ErrNodeLost)
	assert.ErrorIs(t, err, ErrConnectionLost)
	assert.ErrorIs(t, err, types.ErrSessionExpired)

	children, err := f.Children("/locks/expired-early")
	require.NoError(t, err)
	assert.Empty(t, children, "expiry removed our node")
	assert.False(t, m.IsAcquiredInThisProcess())
}

// a create applied by the store whose reply was lost is adopted, not repeated
func TestLostCreateReplyIsAdopted(t *testing.T) {
	ctx := context.Background()
	f := fsm.NewFSM()
	client := &recordingClient{Client: connect(t, f, "c1")}
	m := newMutex(t, client, "/locks/adopt")

	var failed atomic.Bool
	client.afterCreate = func(string) error {
		if failed.CompareAndSwap(false, true) {
			return types.ErrConnectionLoss
		}
		return nil
	}

	owner := NewOwner()
	ok, err := m.TryAcquire(ctx, owner, 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	participants := waitForParticipants(t, m, 1)
	assert.Equal(t, participants[0], m.LockPath(owner))
	assert.Equal(t, int32(1), client.creates.Load(), "only the first create reached the store")
	assert.Contains(t, participants[0], "/"+protectedPrefix)
}

// the predecessor leaving between the listing and the watch must not stall us
func TestPredecessorVanishesBeforeWatch(t *testing.T) {
	ctx := context.Background()
	f := fsm.NewFSM()
	const path = "/locks/vanish"

	holder := newMutex(t, connect(t, f, "holder"), path)
	holderOwner := NewOwner()
	require.NoError(t, holder.Acquire(ctx, holderOwner))

	client := &recordingClient{Client: connect(t, f, "waiter")}
	var once sync.Once
	client.beforeGetDataW = func(string) {
		once.Do(func() { require.NoError(t, holder.Release(ctx, holderOwner)) })
	}
	waiter := newMutex(t, client, path)

	start := time.Now()
	ok, err := waiter.TryAcquire(ctx, NewOwner(), 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Less(t, time.Since(start), 2*time.Second, "must not wait for the timeout")
}

// a suspension that heals within the budget does not fail the attempt
func TestSuspendedThenReconnected(t *testing.T) {
	ctx := context.Background()
	f := fsm.NewFSM()
	const path = "/locks/reconnect"

	holder := newMutex(t, connect(t, f, "holder"), path)
	holderOwner := NewOwner()
	require.NoError(t, holder.Acquire(ctx, holderOwner))

	waiterClient := connect(t, f, "waiter")
	waiter := newMutex(t, waiterClient, path)

	type result struct {
		ok  bool
		err error
	}
	done := make(chan result, 1)
	go func() {
		ok, err := waiter.TryAcquire(ctx, NewOwner(), 10*time.Second)
		done <- result{ok, err}
	}()
	waitForParticipants(t, holder, 2)

	waiterClient.Suspend()
	require.NoError(t, holder.Release(ctx, holderOwner))

	select {
	case r := <-done:
		t.Fatalf("attempt finished while suspended: %+v", r)
	case <-time.After(100 * time.Millisecond):
	}

	waiterClient.Resume()
	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.True(t, r.ok)
	case <-time.After(5 * time.Second):
		t.Fatal("waiter never acquired after reconnecting")
	}
}

// an outage already underway when the attempt starts is waited out
func TestSuspendedBeforeAcquire(t *testing.T) {
	ctx := context.Background()
	client := connect(t, fsm.NewFSM(), "c1")
	m := newMutex(t, client, "/locks/suspended-early")

	client.Suspend()
	time.AfterFunc(500*time.Millisecond, client.Resume)

	start := time.Now()
	owner := NewOwner()
	ok, err := m.TryAcquire(ctx, owner, 5*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 500*time.Millisecond)
	require.NoError(t, m.Release(ctx, owner))
}

// connection losses with no state event are retried until the budget is spent
func TestCreateRetriedWithinBudget(t *testing.T) {
	ctx := context.Background()
	client := &recordingClient{Client: connect(t, fsm.NewFSM(), "c1")}
	m := newMutex(t, client, "/locks/flaky")

	var failures atomic.Int32
	client.beforeCreate = func() error {
		if failures.Add(1) <= 5 {
			return types.ErrConnectionLoss
		}
		return nil
	}

	owner := NewOwner()
	ok, err := m.TryAcquire(ctx, owner, 5*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int32(6), failures.Load())
	assert.Equal(t, int32(1), client.creates.Load())
	assert.Len(t, waitForParticipants(t, m, 1), 1)
}

func TestCreateFailsWhenBudgetSpent(t *testing.T) {
	ctx := context.Background()
	client := &recordingClient{Client: connect(t, fsm.NewFSM(), "c1")}
	m := newMutex(t, client, "/locks/down")
	client.beforeCreate = func() error { return types.ErrConnectionLoss }

	start := time.Now()
	ok, err := m.TryAcquire(ctx, NewOwner(), 200*time.Millisecond)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrConnectionLost)
	assert.NotErrorIs(t, err, ErrNodeLost)
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
	assert.Equal(t, int32(0), client.creates.Load())
}

// a suspension outlasting the budget is a connectivity fault, not a timeout
func TestSuspendedPastDeadline(t *testing.T) {
	ctx := context.Background()
	f := fsm.NewFSM()
	const path = "/locks/suspended"

	holder := newMutex(t, connect(t, f, "holder"), path)
	require.NoError(t, holder.Acquire(ctx, NewOwner()))

	waiterClient := connect(t, f, "waiter")
	waiter := newMutex(t, waiterClient, path, WithCleanupTimeout(100*time.Millisecond))

	done := make(chan error, 1)
	go func() {
		_, err := waiter.TryAcquire(ctx, NewOwner(), 300*time.Millisecond)
		done <- err
	}()
	waitForParticipants(t, holder, 2)
	waiterClient.Suspend()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrConnectionLost)
	case <-time.After(5 * time.Second):
		t.Fatal("attempt did not give up")
	}

	//the delete of our node could not reach the store
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.LockCleanupFailures.WithLabelValues(path)))
	assert.False(t, waiter.IsAcquiredInThisProcess())
}

func TestSessionLostWhileWaiting(t *testing.T) {
	ctx := context.Background()
	f := fsm.NewFSM()
	const path = "/locks/expired"

	holder := newMutex(t, connect(t, f, "holder"), path)
	require.NoError(t, holder.Acquire(ctx, NewOwner()))

	waiterClient := connect(t, f, "waiter")
	waiter := newMutex(t, waiterClient, path)

	done := make(chan error, 1)
	go func() { done <- waiter.Acquire(ctx, NewOwner()) }()
	waitForParticipants(t, holder, 2)

	require.NoError(t, waiterClient.Expire())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrConnectionLost)
		assert.ErrorIs(t, err, ErrNodeLost, "the session took our node with it")
	case <-time.After(5 * time.Second):
		t.Fatal("acquire did not fail after the session was lost")
	}
	assert.Len(t, waitForParticipants(t, holder, 1), 1)
}

func TestAcquireCanceled(t *testing.T) {
	f := fsm.NewFSM()
	const path = "/locks/canceled"

	holder := newMutex(t, connect(t, f, "holder"), path)
	require.NoError(t, holder.Acquire(context.Background(), NewOwner()))

	waiter := newMutex(t, connect(t, f, "waiter"), path)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := waiter.Acquire(ctx, NewOwner())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Len(t, waitForParticipants(t, holder, 1), 1, "canceled waiter must clean up")
}

func TestParticipants(t *testing.T) {
	ctx := context.Background()
	f := fsm.NewFSM()
	m := newMutex(t, connect(t, f, "c1"), "/locks/participants", WithPayload([]byte("host-a")))

	participants, err := m.Participants(ctx)
	require.NoError(t, err)
	assert.Empty(t, participants, "missing base path means no participants")

	owner := NewOwner()
	require.NoError(t, m.Acquire(ctx, owner))

	participants, err = m.Participants(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{m.LockPath(owner)}, participants)

	node, ok := f.GetNode(m.LockPath(owner))
	require.True(t, ok)
	assert.Equal(t, []byte("host-a"), node.Data)
}
