package approval

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Broker queues approval requests for an external review surface and blocks
// the requesting run until an operator resolves them or they expire.
type Broker struct {
	mu      sync.Mutex
	pending map[string]*pendingApproval
	window  time.Duration
	clock   func() time.Time
	logger  *slog.Logger
}

type pendingApproval struct {
	req  Request
	done chan Outcome
}

// BrokerOption configures the broker.
type BrokerOption func(*Broker)

// WithWindow sets the approval window after which requests time out.
func WithWindow(window time.Duration) BrokerOption {
	return func(b *Broker) {
		if window > 0 {
			b.window = window
		}
	}
}

// WithClock sets the time source.
func WithClock(clock func() time.Time) BrokerOption {
	return func(b *Broker) {
		if clock != nil {
			b.clock = clock
		}
	}
}

// WithLogger sets the broker logger.
func WithLogger(logger *slog.Logger) BrokerOption {
	return func(b *Broker) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// NewBroker creates a broker with a default 10 minute window.
func NewBroker(opts ...BrokerOption) *Broker {
	b := &Broker{
		pending: make(map[string]*pendingApproval),
		window:  10 * time.Minute,
		clock:   time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Request implements Hook. It parks the caller until the request is
// resolved, expires, or the context ends.
func (b *Broker) Request(ctx context.Context, req Request) (Outcome, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	now := b.clock().UTC()
	req.CreatedAt = now
	req.ExpiresAt = now.Add(b.window)

	entry := &pendingApproval{req: req, done: make(chan Outcome, 1)}
	b.mu.Lock()
	b.pending[req.ID] = entry
	b.mu.Unlock()

	b.logger.Info("approval.requested",
		slog.String("approval_id", req.ID),
		slog.String("run_id", req.RunID),
		slog.String("tool", req.ToolName),
	)

	timer := time.NewTimer(b.window)
	defer timer.Stop()

	select {
	case outcome := <-entry.done:
		return outcome, nil
	case <-timer.C:
		b.remove(req.ID)
		return OutcomeTimedOut, nil
	case <-ctx.Done():
		b.remove(req.ID)
		return OutcomeTimedOut, ctx.Err()
	}
}

// Resolve records an operator decision for a pending request. It returns
// false if the request is unknown or already resolved.
func (b *Broker) Resolve(id string, approve bool) bool {
	b.mu.Lock()
	entry, ok := b.pending[id]
	if ok {
		delete(b.pending, id)
	}
	b.mu.Unlock()
	if !ok {
		return false
	}

	outcome := OutcomeDenied
	if approve {
		outcome = OutcomeGranted
	}
	entry.done <- outcome
	return true
}

// Pending lists the currently pending requests, oldest first.
func (b *Broker) Pending() []Request {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Request, 0, len(b.pending))
	for _, entry := range b.pending {
		out = append(out, entry.req)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// ExpireApprovals resolves every pending request whose window has elapsed.
// It returns the number expired. The runtime sweeps this on an interval.
func (b *Broker) ExpireApprovals(_ context.Context) (int, error) {
	now := b.clock().UTC()

	b.mu.Lock()
	var doomed []*pendingApproval
	for id, entry := range b.pending {
		if !entry.req.ExpiresAt.After(now) {
			doomed = append(doomed, entry)
			delete(b.pending, id)
		}
	}
	b.mu.Unlock()

	for _, entry := range doomed {
		entry.done <- OutcomeTimedOut
	}
	return len(doomed), nil
}

func (b *Broker) remove(id string) {
	b.mu.Lock()
	delete(b.pending, id)
	b.mu.Unlock()
}
