package audit

import (
	"context"
	"sync"

	"github.com/helmsman-ai/helmsman/pkg/policy"
)

// MemoryLog keeps audit events in memory. It is the default for tests and
// one-shot CLI runs.
type MemoryLog struct {
	mu       sync.Mutex
	events   []Event
	lastHash string
	nextSeq  uint64
	redactor *policy.Redactor
	clock    Clock
}

// MemoryLogOption configures a MemoryLog.
type MemoryLogOption func(*MemoryLog)

// WithMemoryRedactor sets the payload redactor.
func WithMemoryRedactor(r *policy.Redactor) MemoryLogOption {
	return func(l *MemoryLog) { l.redactor = r }
}

// WithMemoryClock sets the timestamp source.
func WithMemoryClock(clock Clock) MemoryLogOption {
	return func(l *MemoryLog) {
		if clock != nil {
			l.clock = clock
		}
	}
}

// NewMemoryLog returns an empty in-memory audit log.
func NewMemoryLog(opts ...MemoryLogOption) *MemoryLog {
	l := &MemoryLog{nextSeq: 1, clock: utcNow}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append implements Log.
func (l *MemoryLog) Append(_ context.Context, runID string, kind Kind, payload map[string]any) (Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	event := Event{
		Seq:       l.nextSeq,
		RunID:     runID,
		Kind:      kind,
		Timestamp: l.clock(),
		Payload:   redactPayload(l.redactor, payload),
		PrevHash:  l.lastHash,
	}
	if err := seal(&event); err != nil {
		return Event{}, err
	}
	l.events = append(l.events, event)
	l.lastHash = event.Hash
	l.nextSeq++
	return event, nil
}

// Replay implements Log.
func (l *MemoryLog) Replay(_ context.Context, runID string) ([]Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Event
	for _, event := range l.events {
		if event.RunID == runID {
			out = append(out, event)
		}
	}
	return out, nil
}

// Runs implements Log.
func (l *MemoryLog) Runs(_ context.Context) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	seen := map[string]struct{}{}
	var out []string
	for _, event := range l.events {
		if _, ok := seen[event.RunID]; ok {
			continue
		}
		seen[event.RunID] = struct{}{}
		out = append(out, event.RunID)
	}
	return out, nil
}

// All returns a copy of every event in append order.
func (l *MemoryLog) All(_ context.Context) ([]Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out, nil
}
