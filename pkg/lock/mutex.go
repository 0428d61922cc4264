// Package lock implements a fair, re-entrant mutex shared between processes
// through a coordination store.
//
// Every contender creates an ephemeral sequential node under the lock's base
// path. The contender with the lowest sequence holds the lock, every other
// one watches the node directly ahead of it. Holders are granted the lock in
// the order the store sequenced their nodes.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pixperk/turnstile/pkg/coord"
	"github.com/pixperk/turnstile/pkg/logging"
	"github.com/pixperk/turnstile/pkg/metrics"
	"github.com/pixperk/turnstile/pkg/types"
	"github.com/puzpuzpuz/xsync/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/pixperk/turnstile/pkg/lock")

// Owner identifies the execution context holding a lock. Re-entrancy is
// scoped to it: the same Owner may acquire again without a remote call.
type Owner string

func NewOwner() Owner {
	return Owner(uuid.NewString())
}

type lockData struct {
	owner     Owner
	lockPath  string
	lockCount atomic.Int32

	stopRevocation context.CancelFunc
}

// retain counts one more hold, unless the last hold is already being released
func (d *lockData) retain() (int32, bool) {
	for {
		count := d.lockCount.Load()
		if count <= 0 {
			return 0, false
		}
		if d.lockCount.CompareAndSwap(count, count+1) {
			return count + 1, true
		}
	}
}

// Mutex is a re-entrant inter-process mutex on one base path.
// Two Owners in the same process contend like two processes do.
type Mutex struct {
	internals *internals
	basePath  string
	payload   []byte

	threadData *xsync.MapOf[Owner, *lockData]
	revocable  atomic.Pointer[revoker]
}

// NewMutex returns a mutex on path. The path is created on first use.
func NewMutex(client coord.Client, path string, opts ...Option) (*Mutex, error) {
	if err := types.ValidatePath(path); err != nil {
		return nil, err
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.maxLeases < 1 {
		return nil, fmt.Errorf("max leases must be at least 1, got %d", o.maxLeases)
	}
	if o.lockName == "" {
		return nil, errors.New("lock name must not be empty")
	}
	o.logger = logging.OrNull(o.logger).Named("lock").With("base_path", path)

	return &Mutex{
		internals:  newInternals(client, path, o),
		basePath:   path,
		payload:    o.payload,
		threadData: xsync.NewMapOf[Owner, *lockData](),
	}, nil
}

// Acquire blocks until owner holds the lock. An attempt that gives up
// without holding it fails with ErrConnectionLost.
func (m *Mutex) Acquire(ctx context.Context, owner Owner) error {
	ok, err := m.acquire(ctx, owner, NoTimeout)
	if err != nil {
		return err
	}
	if !ok {
		return &Error{Op: "acquire", BasePath: m.basePath, Err: ErrConnectionLost}
	}
	return nil
}

// TryAcquire waits up to timeout for owner to hold the lock. It reports
// false with a nil error when the time ran out. A zero timeout checks once,
// NoTimeout waits indefinitely.
func (m *Mutex) TryAcquire(ctx context.Context, owner Owner, timeout time.Duration) (bool, error) {
	if timeout < 0 {
		timeout = NoTimeout
	}
	return m.acquire(ctx, owner, timeout)
}

func (m *Mutex) acquire(ctx context.Context, owner Owner, timeout time.Duration) (bool, error) {
	ctx, span := tracer.Start(ctx, "Mutex.Acquire", trace.WithAttributes(
		attribute.String("turnstile.lock.path", m.basePath),
		attribute.String("turnstile.lock.owner", string(owner)),
	))
	defer span.End()

	//re-entering is local, the node we hold stays ours
	if data, ok := m.threadData.Load(owner); ok {
		if count, ok := data.retain(); ok {
			m.reentered(span, count)
			return true, nil
		}
	}

	start := time.Now()
	lockPath, err := m.internals.attemptLock(ctx, timeout, m.payload)
	metrics.LockAcquireDuration.WithLabelValues(m.basePath).Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.LockAcquireTotal.WithLabelValues(m.basePath, metrics.StatusError).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "acquire failed")
		return false, &Error{Op: "acquire", BasePath: m.basePath, Err: err}
	}
	if lockPath == "" {
		metrics.LockAcquireTotal.WithLabelValues(m.basePath, metrics.StatusTimeout).Inc()
		span.SetAttributes(attribute.Bool("turnstile.lock.timeout", true))
		return false, nil
	}

	data := &lockData{owner: owner, lockPath: lockPath}
	data.lockCount.Store(1)

	rv := m.revocable.Load()
	revokeCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	data.stopRevocation = cancel

	var count int32
	actual, _ := m.threadData.Compute(owner, func(held *lockData, loaded bool) (*lockData, bool) {
		if loaded {
			var ok bool
			if count, ok = held.retain(); ok {
				return held, false
			}
		}
		return data, false
	})
	if actual != data {
		//the same owner got the lock concurrently, our node is surplus
		cancel()
		m.internals.releaseLock(ctx, lockPath)
		m.reentered(span, count)
		return true, nil
	}

	if rv != nil {
		go m.watchRevocation(revokeCtx, rv, data)
	}
	metrics.LockAcquireTotal.WithLabelValues(m.basePath, metrics.StatusAcquired).Inc()
	metrics.LocksHeld.Inc()
	span.SetAttributes(attribute.String("turnstile.lock.node", lockPath))
	return true, nil
}

func (m *Mutex) reentered(span trace.Span, count int32) {
	metrics.LockAcquireTotal.WithLabelValues(m.basePath, metrics.StatusReentrant).Inc()
	span.SetAttributes(attribute.Int("turnstile.lock.count", int(count)))
}

// Release gives up one hold of owner. The node is deleted when the last
// hold is released. Releasing a lock owner does not hold fails with ErrNotOwner.
func (m *Mutex) Release(ctx context.Context, owner Owner) error {
	ctx, span := tracer.Start(ctx, "Mutex.Release", trace.WithAttributes(
		attribute.String("turnstile.lock.path", m.basePath),
		attribute.String("turnstile.lock.owner", string(owner)),
	))
	defer span.End()

	data, ok := m.threadData.Load(owner)
	if !ok {
		span.SetStatus(codes.Error, "not owner")
		return &Error{Op: "release", BasePath: m.basePath, Err: ErrNotOwner}
	}

	newCount := data.lockCount.Add(-1)
	if newCount > 0 {
		return nil
	}
	if newCount < 0 {
		span.SetStatus(codes.Error, "negative count")
		return &Error{Op: "release", BasePath: m.basePath, Err: ErrNegativeCount}
	}

	defer func() {
		//a new hold may already have replaced ours
		m.threadData.Compute(owner, func(held *lockData, loaded bool) (*lockData, bool) {
			return held, !loaded || held == data
		})
		metrics.LocksHeld.Dec()
	}()

	data.stopRevocation()
	m.internals.releaseLock(ctx, data.lockPath)
	metrics.LockReleaseTotal.WithLabelValues(m.basePath).Inc()
	return nil
}

// IsOwnedBy reports whether owner currently holds the lock.
func (m *Mutex) IsOwnedBy(owner Owner) bool {
	data, ok := m.threadData.Load(owner)
	return ok && data.lockCount.Load() > 0
}

// IsAcquiredInThisProcess reports whether any owner of this Mutex holds the lock.
func (m *Mutex) IsAcquiredInThisProcess() bool {
	return m.threadData.Size() > 0
}

// LockPath returns the node held by owner, or "".
func (m *Mutex) LockPath(owner Owner) string {
	data, ok := m.threadData.Load(owner)
	if !ok {
		return ""
	}
	return data.lockPath
}

// Participants returns the full paths of every contender, holders first,
// in the order they will be granted the lock.
func (m *Mutex) Participants(ctx context.Context) ([]string, error) {
	children, err := m.internals.getSortedChildren(ctx)
	if err != nil {
		if isNoNode(err) {
			return []string{}, nil
		}
		return nil, &Error{Op: "participants", BasePath: m.basePath, Err: err}
	}

	paths := make([]string, len(children))
	for i, name := range children {
		paths[i] = types.JoinPath(m.basePath, name)
	}
	return paths, nil
}

// MakeRevocable makes later acquisitions listen for revocation requests.
// A nil executor runs the listener inline.
func (m *Mutex) MakeRevocable(listener RevocationListener, executor Executor) {
	if executor == nil {
		executor = DirectExecutor
	}
	m.revocable.Store(&revoker{listener: listener, executor: executor})
}

func (m *Mutex) BasePath() string {
	return m.basePath
}
