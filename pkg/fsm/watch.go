package fsm

import (
	"sync"

	"github.com/pixperk/turnstile/pkg/types"
)

type watchKind uint8

const (
	dataWatch watchKind = iota
	childWatch
)

// one-shot watch registrations, local to this server
// watches are not part of the replicated state and never enter a snapshot
type watchManager struct {
	mu     sync.Mutex
	nextID uint64
	data   map[string]map[uint64]chan types.WatchEvent
	child  map[string]map[uint64]chan types.WatchEvent
}

func newWatchManager() *watchManager {
	return &watchManager{
		data:  make(map[string]map[uint64]chan types.WatchEvent),
		child: make(map[string]map[uint64]chan types.WatchEvent),
	}
}

func (w *watchManager) table(kind watchKind) map[string]map[uint64]chan types.WatchEvent {
	if kind == childWatch {
		return w.child
	}
	return w.data
}

// registers a watch and returns its channel plus a cancel func
// the channel is buffered so firing never blocks the apply path
func (w *watchManager) add(kind watchKind, path string) (<-chan types.WatchEvent, func()) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.nextID++
	id := w.nextID
	ch := make(chan types.WatchEvent, 1)

	tbl := w.table(kind)
	if tbl[path] == nil {
		tbl[path] = make(map[uint64]chan types.WatchEvent)
	}
	tbl[path][id] = ch

	return ch, func() { w.remove(kind, path, id) }
}

func (w *watchManager) remove(kind watchKind, path string, id uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	tbl := w.table(kind)
	if watchers, ok := tbl[path]; ok {
		delete(watchers, id)
		if len(watchers) == 0 {
			delete(tbl, path)
		}
	}
}

// fires and drops every watch of the given kind on path
func (w *watchManager) trigger(kind watchKind, path string, eventType types.EventType) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	tbl := w.table(kind)
	watchers := tbl[path]
	delete(tbl, path)

	for _, ch := range watchers {
		ch <- types.WatchEvent{Type: eventType, Path: path}
	}
	return len(watchers)
}

func (w *watchManager) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	total := 0
	for _, watchers := range w.data {
		total += len(watchers)
	}
	for _, watchers := range w.child {
		total += len(watchers)
	}
	return total
}
