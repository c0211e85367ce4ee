package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "text" {
		t.Fatalf("log = %+v", cfg.Log)
	}
	if cfg.Approval.Window != 10*time.Minute {
		t.Fatalf("approval window = %s", cfg.Approval.Window)
	}
	if cfg.Run.MaxTicks != 32 || cfg.Run.MaxReplans != 1 {
		t.Fatalf("run = %+v", cfg.Run)
	}
	if cfg.Policy.AllowExec || cfg.Policy.AllowNetwork {
		t.Fatalf("risky defaults enabled: %+v", cfg.Policy)
	}
	if cfg.Server.Bind != "127.0.0.1:7171" {
		t.Fatalf("bind = %s", cfg.Server.Bind)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "helmsman.yaml")
	content := `
log:
  level: debug
router:
  default_model: model-x
policy:
  allow_exec: true
  rules:
    - id: no-git
      effect: deny
      name: "git.*"
      reason: frozen repo
run:
  max_replans: 2
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("level = %s", cfg.Log.Level)
	}
	if cfg.Router.DefaultModel != "model-x" {
		t.Fatalf("model = %s", cfg.Router.DefaultModel)
	}
	if !cfg.Policy.AllowExec {
		t.Fatal("allow_exec not applied")
	}
	if len(cfg.Policy.Rules) != 1 || cfg.Policy.Rules[0].ID != "no-git" || cfg.Policy.Rules[0].Name != "git.*" {
		t.Fatalf("rules = %+v", cfg.Policy.Rules)
	}
	if cfg.Run.MaxReplans != 2 {
		t.Fatalf("max_replans = %d", cfg.Run.MaxReplans)
	}
	// Untouched keys keep their defaults.
	if cfg.Router.BaseURL != "http://localhost:11434" {
		t.Fatalf("base_url = %s", cfg.Router.BaseURL)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "helmsman.yaml")
	if err := os.WriteFile(path, []byte("router:\n  base_url: http://from-file:1\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("HELMSMAN_ROUTER_BASE_URL", "http://from-env:2")
	t.Setenv("HELMSMAN_LOG_LEVEL", "warn")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	// Only the first underscore is a section separator, so the multi-word
	// key survives the mapping intact.
	if cfg.Router.BaseURL != "http://from-env:2" {
		t.Fatalf("base_url = %s", cfg.Router.BaseURL)
	}
	if cfg.Log.Level != "warn" {
		t.Fatalf("level = %s", cfg.Log.Level)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("missing file accepted")
	}
}
