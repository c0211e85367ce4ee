package staterepo

import (
	"context"
	stderrors "errors"
	"sync"

	"github.com/helmsman-ai/helmsman/pkg/audit"
	"github.com/helmsman-ai/helmsman/pkg/core"
	"github.com/helmsman-ai/helmsman/pkg/errors"
)

// MemoryRepo is the in-memory repository used by tests and one-shot runs.
type MemoryRepo struct {
	mu        sync.Mutex
	log       audit.Log
	entries   []core.StateDelta
	snapshots map[string]map[string]any
}

// NewMemoryRepo creates an empty repository bound to an audit log.
func NewMemoryRepo(log audit.Log) (*MemoryRepo, error) {
	if log == nil {
		return nil, stderrors.New("audit log is required")
	}
	return &MemoryRepo{log: log, snapshots: make(map[string]map[string]any)}, nil
}

// Apply implements Repo.
func (r *MemoryRepo) Apply(ctx context.Context, delta core.StateDelta) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := validate(delta); err != nil {
		return r.reject(ctx, delta, err)
	}
	if err := crossCheck(ctx, r.log, delta); err != nil {
		if errors.CodeOf(err) == errors.CodeStateDeltaRejected {
			return r.reject(ctx, delta, err)
		}
		return err
	}

	doc, err := applyPatches(cloneDoc(r.snapshots[delta.Subsystem]), delta.Patches)
	if err != nil {
		return r.reject(ctx, delta, err)
	}

	r.entries = append(r.entries, delta)
	r.snapshots[delta.Subsystem] = doc
	return nil
}

func (r *MemoryRepo) reject(ctx context.Context, delta core.StateDelta, cause error) error {
	_, appendErr := r.log.Append(ctx, delta.RunID, audit.KindStateDeltaRejected, map[string]any{
		"entry_id":  delta.EntryID,
		"subsystem": delta.Subsystem,
		"reason":    errors.Reason(cause),
	})
	if appendErr != nil {
		return appendErr
	}
	return cause
}

// Snapshot implements Repo.
func (r *MemoryRepo) Snapshot(_ context.Context, subsystem string) (map[string]any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneDoc(r.snapshots[subsystem]), nil
}

// Entries implements Repo.
func (r *MemoryRepo) Entries(_ context.Context, runID string) ([]core.StateDelta, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []core.StateDelta
	for _, delta := range r.entries {
		if delta.RunID == runID {
			out = append(out, delta)
		}
	}
	return out, nil
}

func cloneDoc(doc map[string]any) map[string]any {
	out := make(map[string]any, len(doc))
	for key, value := range doc {
		if nested, ok := value.(map[string]any); ok {
			out[key] = cloneDoc(nested)
			continue
		}
		out[key] = value
	}
	return out
}

var _ Repo = (*MemoryRepo)(nil)
