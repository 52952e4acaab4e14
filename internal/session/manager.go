// Package session implements the per-store subscriber registry, head cache,
// and single-writer serialization primitive.
package session

import (
	"sync"

	"github.com/adred-codev/syncserver/internal/metrics"
)

// Subscriber is a live duplex channel attached to exactly one store. The
// concrete implementation lives in internal/transport; the Session Manager
// only needs to be able to push a frame to it and drop it on failure.
type Subscriber interface {
	// Deliver attempts a non-blocking send of data to the subscriber. It
	// returns false if the subscriber cannot accept the message right now
	// (e.g. its outbound buffer is full), in which case the Session Manager
	// drops it from the subscriber set — broadcast is best-effort.
	Deliver(data []byte) bool

	// ID uniquely identifies this subscriber for logging/metrics.
	ID() string
}

type storeState struct {
	mu          sync.RWMutex
	subscribers map[Subscriber]struct{}
	head        uint64
	initialized bool
	writerMu    sync.Mutex
}

// Manager is the Session Manager: it tracks which subscribers belong to
// which store, gates concurrent writers with a per-store mutex, caches
// heads, and broadcasts. All of Manager's own state is protected by a
// top-level mutex guarding the per-store map; each per-store storeState has
// its own subscriber-set lock and writer lock so that stores don't
// contend with each other.
type Manager struct {
	mu     sync.Mutex
	stores map[string]*storeState
}

// NewManager constructs an empty Session Manager.
func NewManager() *Manager {
	return &Manager{stores: make(map[string]*storeState)}
}

func (m *Manager) state(storeID string) *storeState {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.stores[storeID]
	if !ok {
		st = &storeState{subscribers: make(map[Subscriber]struct{})}
		m.stores[storeID] = st
	}

	return st
}

// releaseIfEmpty drops the store's head cache and writer lock once its
// subscriber set becomes empty. The store's durable state is untouched.
func (m *Manager) releaseIfEmpty(storeID string, st *storeState) {
	st.mu.RLock()
	empty := len(st.subscribers) == 0
	st.mu.RUnlock()

	if !empty {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.stores[storeID]; ok && cur == st {
		st.mu.RLock()
		stillEmpty := len(st.subscribers) == 0
		st.mu.RUnlock()
		if stillEmpty {
			delete(m.stores, storeID)
		}
	}
}

// Attach adds sub to storeID's subscriber set, allocating the writer mutex
// and head cache slot on first attach.
func (m *Manager) Attach(storeID string, sub Subscriber) {
	st := m.state(storeID)

	st.mu.Lock()
	st.subscribers[sub] = struct{}{}
	st.mu.Unlock()
}

// Detach removes sub from storeID's subscriber set. If the set becomes
// empty, the head cache and writer lock are released.
func (m *Manager) Detach(storeID string, sub Subscriber) {
	m.mu.Lock()
	st, ok := m.stores[storeID]
	m.mu.Unlock()

	if !ok {
		return
	}

	st.mu.Lock()
	delete(st.subscribers, sub)
	st.mu.Unlock()

	m.releaseIfEmpty(storeID, st)
}

// HeadInitialized reports whether the head cache for storeID has been
// lazily populated since it became active.
func (m *Manager) HeadInitialized(storeID string) bool {
	st := m.state(storeID)

	st.mu.RLock()
	defer st.mu.RUnlock()

	return st.initialized
}

// InitializeHead populates the head cache for storeID if, and only if, it
// has not already been initialized. Callers read the authoritative head
// from the EventStore and pass it here; the check-and-set happens under
// the store's lock so concurrent first-attaches don't race.
func (m *Manager) InitializeHead(storeID string, head uint64) {
	st := m.state(storeID)

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.initialized {
		return
	}

	st.head = head
	st.initialized = true
}

// CurrentHead returns the cached head for storeID, or 0 if absent.
func (m *Manager) CurrentHead(storeID string) uint64 {
	st := m.state(storeID)

	st.mu.RLock()
	defer st.mu.RUnlock()

	return st.head
}

// SetHead updates the cached head for storeID. The caller must hold the
// writer lock (see WithWriterLock).
func (m *Manager) SetHead(storeID string, head uint64) {
	st := m.state(storeID)

	st.mu.Lock()
	st.head = head
	st.initialized = true
	st.mu.Unlock()
}

// WithWriterLock acquires storeID's per-store writer mutex, runs fn, and
// releases it. This is the only place the server serializes anything —
// reads never hold this lock. Non-reentrant.
func (m *Manager) WithWriterLock(storeID string, fn func() error) error {
	st := m.state(storeID)

	st.writerMu.Lock()
	defer st.writerMu.Unlock()

	return fn()
}

// Broadcast sends data to every subscriber of storeID except exclude (if
// non-nil). A subscriber whose Deliver call fails is dropped from the
// subscriber set — broadcast is best-effort; the client's cursor-based pull
// recovers missed frames.
func (m *Manager) Broadcast(storeID string, data []byte, exclude Subscriber) {
	st := m.state(storeID)

	st.mu.RLock()
	targets := make([]Subscriber, 0, len(st.subscribers))
	for sub := range st.subscribers {
		if sub == exclude {
			continue
		}
		targets = append(targets, sub)
	}
	st.mu.RUnlock()

	var failed []Subscriber
	for _, sub := range targets {
		if !sub.Deliver(data) {
			failed = append(failed, sub)
		}
	}

	if len(failed) == 0 {
		return
	}

	metrics.BroadcastDroppedTotal.Add(float64(len(failed)))

	st.mu.Lock()
	for _, sub := range failed {
		delete(st.subscribers, sub)
	}
	st.mu.Unlock()

	m.releaseIfEmpty(storeID, st)
}

// SubscriberCount returns the number of live subscribers attached to
// storeID, used by AdminInfoReq.
func (m *Manager) SubscriberCount(storeID string) int {
	st := m.state(storeID)

	st.mu.RLock()
	defer st.mu.RUnlock()

	return len(st.subscribers)
}
