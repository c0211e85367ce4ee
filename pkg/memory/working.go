// SPDX-License-Identifier: Apache-2.0

// Package memory holds the run-scoped working memory and the append-only
// episodic store. Working memory is bounded and fails closed: entries past
// their TTL are unreachable even before eviction runs.
package memory

import (
	"container/list"
	"sync"
	"time"
)

// WorkingEntry is one item of run-scoped working memory.
type WorkingEntry struct {
	RunID     string
	Key       string
	Value     map[string]any
	StoredAt  time.Time
	ExpiresAt time.Time
}

// Working is a TTL-and-capacity bounded store. When full, the least
// recently used entry is evicted.
type Working struct {
	mu         sync.Mutex
	entries    map[string]*list.Element
	order      *list.List
	ttl        time.Duration
	maxEntries int
	clock      func() time.Time
}

// WorkingOption configures a Working store.
type WorkingOption func(*Working)

// WithTTL overrides the default entry TTL.
func WithTTL(ttl time.Duration) WorkingOption {
	return func(w *Working) {
		if ttl > 0 {
			w.ttl = ttl
		}
	}
}

// WithMaxEntries overrides the default capacity.
func WithMaxEntries(n int) WorkingOption {
	return func(w *Working) {
		if n > 0 {
			w.maxEntries = n
		}
	}
}

// WithWorkingClock sets the time source.
func WithWorkingClock(clock func() time.Time) WorkingOption {
	return func(w *Working) {
		if clock != nil {
			w.clock = clock
		}
	}
}

// NewWorking creates a store with a 30 minute TTL and 1024 entry cap.
func NewWorking(opts ...WorkingOption) *Working {
	w := &Working{
		entries:    make(map[string]*list.Element),
		order:      list.New(),
		ttl:        30 * time.Minute,
		maxEntries: 1024,
		clock:      time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func workingKey(runID, key string) string { return runID + "\x00" + key }

// Put stores a value under (runID, key), evicting the LRU entry at cap.
func (w *Working) Put(runID, key string, value map[string]any) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.clock().UTC()
	composite := workingKey(runID, key)
	if elem, ok := w.entries[composite]; ok {
		entry := elem.Value.(*WorkingEntry)
		entry.Value = value
		entry.StoredAt = now
		entry.ExpiresAt = now.Add(w.ttl)
		w.order.MoveToFront(elem)
		return
	}

	for len(w.entries) >= w.maxEntries {
		w.evictOldestLocked()
	}
	entry := &WorkingEntry{
		RunID:     runID,
		Key:       key,
		Value:     value,
		StoredAt:  now,
		ExpiresAt: now.Add(w.ttl),
	}
	w.entries[composite] = w.order.PushFront(entry)
}

// Get returns a live entry. Expired entries are treated as absent and
// removed on access.
func (w *Working) Get(runID, key string) (map[string]any, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	composite := workingKey(runID, key)
	elem, ok := w.entries[composite]
	if !ok {
		return nil, false
	}
	entry := elem.Value.(*WorkingEntry)
	if !entry.ExpiresAt.After(w.clock().UTC()) {
		w.removeLocked(composite, elem)
		return nil, false
	}
	w.order.MoveToFront(elem)
	return entry.Value, true
}

// DropRun removes every entry belonging to a run. Called when a run
// reaches a terminal state.
func (w *Working) DropRun(runID string) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	dropped := 0
	for composite, elem := range w.entries {
		if elem.Value.(*WorkingEntry).RunID == runID {
			w.removeLocked(composite, elem)
			dropped++
		}
	}
	return dropped
}

// Sweep removes expired entries and returns how many were dropped.
func (w *Working) Sweep() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.clock().UTC()
	dropped := 0
	for composite, elem := range w.entries {
		if !elem.Value.(*WorkingEntry).ExpiresAt.After(now) {
			w.removeLocked(composite, elem)
			dropped++
		}
	}
	return dropped
}

// Len returns the number of stored entries, expired ones included until
// the next sweep.
func (w *Working) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}

func (w *Working) evictOldestLocked() {
	back := w.order.Back()
	if back == nil {
		return
	}
	entry := back.Value.(*WorkingEntry)
	w.removeLocked(workingKey(entry.RunID, entry.Key), back)
}

func (w *Working) removeLocked(composite string, elem *list.Element) {
	delete(w.entries, composite)
	w.order.Remove(elem)
}
