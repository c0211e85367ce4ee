package router

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/helmsman-ai/helmsman/pkg/core"
)

func TestDefaultProfiles(t *testing.T) {
	p := DefaultProfiles("qwen2.5-coder:7b")
	if err := p.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	model, ok := p.Model(core.AgentCritic)
	if !ok || model != "qwen2.5-coder:7b" {
		t.Fatalf("Model = %s, %v", model, ok)
	}
}

func TestLoadProfiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	content := `models:
  planner: model-a
  executor: model-b
  critic: model-a
  summarizer: model-a
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	p, err := LoadProfiles(path)
	if err != nil {
		t.Fatalf("LoadProfiles: %v", err)
	}
	if model, _ := p.Model(core.AgentExecutor); model != "model-b" {
		t.Fatalf("executor model = %s", model)
	}
}

func TestLoadProfilesRejectsIncomplete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	if err := os.WriteFile(path, []byte("models:\n  planner: model-a\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadProfiles(path); err == nil {
		t.Fatal("incomplete profile accepted")
	}
}
