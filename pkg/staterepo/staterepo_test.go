package staterepo

import (
	"context"
	"testing"

	"github.com/helmsman-ai/helmsman/pkg/audit"
	"github.com/helmsman-ai/helmsman/pkg/core"
	"github.com/helmsman-ai/helmsman/pkg/errors"
)

// auditMutation opens a run and records one gated mutation attempt, returning
// the attempt's event hash for delta lineage.
func auditMutation(t *testing.T, log audit.Log, runID string) string {
	t.Helper()
	ctx := context.Background()
	if _, err := log.Append(ctx, runID, audit.KindRunStarted, nil); err != nil {
		t.Fatalf("Append: %v", err)
	}
	event, err := log.Append(ctx, runID, audit.KindPolicyEvaluated, map[string]any{"status": "allowed"})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	return event.Hash
}

func linkedDelta(runID, lineage string) core.StateDelta {
	delta := core.NewStateDelta(runID, 0, "runs", "lint_fix")
	delta.Tags = map[string]string{TagAuditHash: lineage}
	delta.Patches = []core.StatePatch{
		{Op: "set", Path: "runs." + runID + ".phase", Value: "lint_fix"},
	}
	return delta
}

func TestApplyLinkedDelta(t *testing.T) {
	ctx := context.Background()
	log := audit.NewMemoryLog()
	repo, err := NewMemoryRepo(log)
	if err != nil {
		t.Fatalf("NewMemoryRepo: %v", err)
	}

	lineage := auditMutation(t, log, "run-1")
	if err := repo.Apply(ctx, linkedDelta("run-1", lineage)); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	doc, err := repo.Snapshot(ctx, "runs")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	runs := doc["runs"].(map[string]any)
	if runs["run-1"].(map[string]any)["phase"] != "lint_fix" {
		t.Fatalf("snapshot = %+v", doc)
	}

	entries, err := repo.Entries(ctx, "run-1")
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %d", len(entries))
	}

	// A committed delta leaves no extra audit event behind.
	events, _ := log.Replay(ctx, "run-1")
	if len(events) != 2 {
		t.Fatalf("audit events after commit = %d, want 2", len(events))
	}
}

func TestApplyRejectsUnknownSchemaVersion(t *testing.T) {
	ctx := context.Background()
	log := audit.NewMemoryLog()
	repo, _ := NewMemoryRepo(log)

	lineage := auditMutation(t, log, "run-1")
	delta := linkedDelta("run-1", lineage)
	delta.SchemaVersion = 2

	err := repo.Apply(ctx, delta)
	if errors.CodeOf(err) != errors.CodeStateDeltaRejected {
		t.Fatalf("Apply = %v", err)
	}

	events, _ := log.Replay(ctx, "run-1")
	last := events[len(events)-1]
	if last.Kind != audit.KindStateDeltaRejected {
		t.Fatalf("rejection not audited: %s", last.Kind)
	}
	if entries, _ := repo.Entries(ctx, "run-1"); len(entries) != 0 {
		t.Fatal("rejected delta persisted")
	}
}

func TestApplyRejectsMalformedDeltas(t *testing.T) {
	ctx := context.Background()
	log := audit.NewMemoryLog()
	repo, _ := NewMemoryRepo(log)
	lineage := auditMutation(t, log, "run-1")

	cases := []struct {
		name   string
		mutate func(*core.StateDelta)
	}{
		{"missing entry id", func(d *core.StateDelta) { d.EntryID = "" }},
		{"missing subsystem", func(d *core.StateDelta) { d.Subsystem = "" }},
		{"negative tick", func(d *core.StateDelta) { d.TickIndex = -1 }},
		{"unsupported op", func(d *core.StateDelta) { d.Patches[0].Op = "merge" }},
		{"empty path", func(d *core.StateDelta) { d.Patches[0].Path = "" }},
		{"missing lineage", func(d *core.StateDelta) { delete(d.Tags, TagAuditHash) }},
		{"forged lineage", func(d *core.StateDelta) { d.Tags[TagAuditHash] = "sha256:forged" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			delta := linkedDelta("run-1", lineage)
			tc.mutate(&delta)
			if err := repo.Apply(ctx, delta); errors.CodeOf(err) != errors.CodeStateDeltaRejected {
				t.Fatalf("Apply = %v", err)
			}
		})
	}
}

func TestLineageMustBeMutationAttempt(t *testing.T) {
	ctx := context.Background()
	log := audit.NewMemoryLog()
	repo, _ := NewMemoryRepo(log)

	// RunStarted is audited but is not a mutation attempt; its hash cannot
	// anchor a delta.
	started, err := log.Append(ctx, "run-1", audit.KindRunStarted, nil)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := repo.Apply(ctx, linkedDelta("run-1", started.Hash)); errors.CodeOf(err) != errors.CodeStateDeltaRejected {
		t.Fatalf("Apply = %v", err)
	}
}

func TestApplyPatchesCreatesIntermediateObjects(t *testing.T) {
	doc, err := applyPatches(nil, []core.StatePatch{
		{Op: "set", Path: "a.b.c", Value: 1},
		{Op: "set", Path: "a.b.d", Value: 2},
		{Op: "set", Path: "top", Value: "x"},
	})
	if err != nil {
		t.Fatalf("applyPatches: %v", err)
	}
	b := doc["a"].(map[string]any)["b"].(map[string]any)
	if b["c"] != 1 || b["d"] != 2 || doc["top"] != "x" {
		t.Fatalf("doc = %+v", doc)
	}

	if _, err := applyPatches(nil, []core.StatePatch{{Op: "set", Path: "a..b", Value: 1}}); err == nil {
		t.Fatal("empty path segment accepted")
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	ctx := context.Background()
	log := audit.NewMemoryLog()
	repo, _ := NewMemoryRepo(log)
	lineage := auditMutation(t, log, "run-1")
	if err := repo.Apply(ctx, linkedDelta("run-1", lineage)); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	doc, _ := repo.Snapshot(ctx, "runs")
	doc["runs"].(map[string]any)["run-1"].(map[string]any)["phase"] = "forged"

	fresh, _ := repo.Snapshot(ctx, "runs")
	if fresh["runs"].(map[string]any)["run-1"].(map[string]any)["phase"] != "lint_fix" {
		t.Fatal("snapshot mutation leaked into the repository")
	}
}
