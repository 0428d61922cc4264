// Package coord defines the capability a lock needs from a coordination store.
package coord

import (
	"context"
	"sync"

	"github.com/pixperk/turnstile/pkg/types"
)

// Client is a session-scoped view of a hierarchical coordination store.
//
// Ephemeral nodes created through a Client are removed by the store when the
// client's session ends. Watches are one-shot: the returned channel receives
// at most one event and is released when the ctx passed to GetDataW is done.
type Client interface {
	// Create creates a node and returns its full path, which includes the
	// store-assigned suffix for sequential modes.
	Create(ctx context.Context, path string, data []byte, mode types.CreateMode) (string, error)

	// Children returns the child names of path in no guaranteed order.
	Children(ctx context.Context, path string) ([]string, error)

	// GetDataW reads the data of path and arms a watch on it in one step.
	GetDataW(ctx context.Context, path string) ([]byte, <-chan types.WatchEvent, error)

	SetData(ctx context.Context, path string, data []byte) error

	// Delete removes path. A missing node is not an error.
	Delete(ctx context.Context, path string) error

	// OnConnectionStateChange registers fn for session state transitions and
	// returns a func that unregisters it.
	OnConnectionStateChange(fn func(ConnectionState)) (cancel func())

	// State returns the most recent connection state.
	State() ConnectionState
}

type ConnectionState uint8

const (
	StateConnected ConnectionState = iota
	// outcome of in-flight operations is unknown, the session may still be alive
	StateSuspended
	StateReconnected
	// the session is gone along with its ephemeral nodes
	StateLost
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateSuspended:
		return "suspended"
	case StateReconnected:
		return "reconnected"
	case StateLost:
		return "lost"
	default:
		return "unknown"
	}
}

// IsConnected reports whether operations can be expected to succeed in s.
func (s ConnectionState) IsConnected() bool {
	return s == StateConnected || s == StateReconnected
}

// StateListeners fans connection state changes out to registered callbacks
// and remembers the last state it saw. The zero value is ready to use and
// reports StateConnected.
type StateListeners struct {
	mu     sync.Mutex
	nextID uint64
	fns    map[uint64]func(ConnectionState)
	state  ConnectionState
}

func (l *StateListeners) Add(fn func(ConnectionState)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.fns == nil {
		l.fns = make(map[uint64]func(ConnectionState))
	}
	l.nextID++
	id := l.nextID
	l.fns[id] = fn

	return func() {
		l.mu.Lock()
		delete(l.fns, id)
		l.mu.Unlock()
	}
}

// Notify calls every listener with s, outside the registry lock.
func (l *StateListeners) Notify(s ConnectionState) {
	l.mu.Lock()
	l.state = s
	fns := make([]func(ConnectionState), 0, len(l.fns))
	for _, fn := range l.fns {
		fns = append(fns, fn)
	}
	l.mu.Unlock()

	for _, fn := range fns {
		fn(s)
	}
}

func (l *StateListeners) State() ConnectionState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *StateListeners) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.fns)
}
