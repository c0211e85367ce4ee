// SPDX-License-Identifier: Apache-2.0

// Package staterepo persists applied state. The repository accepts exactly
// one input shape, the StateDelta, and only when the mutation it records is
// already present in the audit log. Workers cannot reach it.
package staterepo

import (
	"context"
	"fmt"
	"strings"

	"github.com/helmsman-ai/helmsman/pkg/audit"
	"github.com/helmsman-ai/helmsman/pkg/core"
	"github.com/helmsman-ai/helmsman/pkg/errors"
)

// TagAuditHash names the delta tag that carries the hash of the audited
// mutation event the delta records.
const TagAuditHash = "audit_hash"

// Repo is the state repository surface the orchestrator writes through.
type Repo interface {
	// Apply validates and persists one delta. Rejections are recorded in the
	// audit log and returned as STATE_DELTA_REJECTED errors.
	Apply(ctx context.Context, delta core.StateDelta) error

	// Snapshot returns the current materialized document for a subsystem.
	Snapshot(ctx context.Context, subsystem string) (map[string]any, error)

	// Entries returns the applied deltas for a run in apply order.
	Entries(ctx context.Context, runID string) ([]core.StateDelta, error)
}

// validate checks the closed delta shape. Unknown schema versions and
// malformed patches are rejected, never coerced.
func validate(delta core.StateDelta) error {
	if delta.SchemaVersion != core.StateDeltaSchemaVersion {
		return errors.New(errors.CodeStateDeltaRejected,
			fmt.Sprintf("unsupported schema_version %d", delta.SchemaVersion), nil)
	}
	if delta.EntryID == "" || delta.RunID == "" || delta.Subsystem == "" {
		return errors.New(errors.CodeStateDeltaRejected,
			"entry_id, run_id and subsystem are required", nil)
	}
	if delta.TickIndex < 0 {
		return errors.New(errors.CodeStateDeltaRejected, "negative tick_index", nil)
	}
	for _, patch := range delta.Patches {
		if patch.Op != "set" {
			return errors.New(errors.CodeStateDeltaRejected,
				fmt.Sprintf("unsupported patch op %q", patch.Op), nil)
		}
		if patch.Path == "" {
			return errors.New(errors.CodeStateDeltaRejected, "empty patch path", nil)
		}
	}
	return nil
}

// crossCheck verifies the delta's audited lineage: the mutation event it
// tags must already exist in the run's audit stream. A delta that cannot
// point at its audit record never reaches storage.
func crossCheck(ctx context.Context, log audit.Log, delta core.StateDelta) error {
	hash := delta.Tags[TagAuditHash]
	if hash == "" {
		return errors.New(errors.CodeStateDeltaRejected,
			"delta missing audit lineage tag", nil)
	}
	events, err := log.Replay(ctx, delta.RunID)
	if err != nil {
		return errors.New(errors.CodeInternal, "audit replay failed", err)
	}
	for _, event := range events {
		if event.Hash == hash && event.Kind.MutationAttempt() {
			return nil
		}
	}
	return errors.New(errors.CodeStateDeltaRejected,
		"delta references no audited mutation in run "+delta.RunID, nil)
}

// applyPatches folds set patches into a document, creating intermediate
// objects along dot-separated paths.
func applyPatches(doc map[string]any, patches []core.StatePatch) (map[string]any, error) {
	if doc == nil {
		doc = map[string]any{}
	}
	for _, patch := range patches {
		segments := strings.Split(patch.Path, ".")
		node := doc
		for i, segment := range segments {
			if segment == "" {
				return nil, errors.New(errors.CodeStateDeltaRejected,
					"empty segment in path "+patch.Path, nil)
			}
			if i == len(segments)-1 {
				node[segment] = patch.Value
				break
			}
			next, ok := node[segment].(map[string]any)
			if !ok {
				next = map[string]any{}
				node[segment] = next
			}
			node = next
		}
	}
	return doc, nil
}
