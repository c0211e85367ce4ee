// SPDX-License-Identifier: Apache-2.0

// Package config loads the control-plane configuration from YAML plus
// HELMSMAN_ environment overrides.
package config

import (
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the full control-plane configuration tree.
type Config struct {
	Log      LogConfig      `koanf:"log"`
	Audit    AuditConfig    `koanf:"audit"`
	Policy   PolicyConfig   `koanf:"policy"`
	Approval ApprovalConfig `koanf:"approval"`
	Router   RouterConfig   `koanf:"router"`
	Memory   MemoryConfig   `koanf:"memory"`
	Run      RunConfig      `koanf:"run"`
	Sandbox  SandboxConfig  `koanf:"sandbox"`
	Server   ServerConfig   `koanf:"server"`
	Feed     FeedConfig     `koanf:"feed"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json, text
}

type AuditConfig struct {
	// Path to the SQLite database. Empty selects the in-memory log.
	Path string `koanf:"path"`
}

type PolicyConfig struct {
	AllowExec    bool         `koanf:"allow_exec"`
	AllowNetwork bool         `koanf:"allow_network"`
	Rules        []PolicyRule `koanf:"rules"`
}

type PolicyRule struct {
	ID     string `koanf:"id"`
	Effect string `koanf:"effect"` // allow, deny, approve
	Risk   string `koanf:"risk"`
	Name   string `koanf:"name"`
	Reason string `koanf:"reason"`
}

type ApprovalConfig struct {
	Window        time.Duration `koanf:"window"`
	SweepInterval time.Duration `koanf:"sweep_interval"`
}

type RouterConfig struct {
	Provider     string `koanf:"provider"` // ollama, scripted
	BaseURL      string `koanf:"base_url"`
	DefaultModel string `koanf:"default_model"`
	ProfilesPath string `koanf:"profiles_path"`
}

type MemoryConfig struct {
	WorkingTTL        time.Duration `koanf:"working_ttl"`
	WorkingMaxEntries int           `koanf:"working_max_entries"`
	EpisodicPath      string        `koanf:"episodic_path"`
	MirrorEnabled     bool          `koanf:"mirror_enabled"`
	QdrantAddr        string        `koanf:"qdrant_addr"`
	QdrantCollection  string        `koanf:"qdrant_collection"`
	EmbedderBaseURL   string        `koanf:"embedder_base_url"`
	EmbedderModel     string        `koanf:"embedder_model"`
}

type RunConfig struct {
	MaxTicks     int           `koanf:"max_ticks"`
	MaxReplans   int           `koanf:"max_replans"`
	ToolTimeout  time.Duration `koanf:"tool_timeout"`
	RetryMax     int           `koanf:"retry_max"`
	RetryInitial time.Duration `koanf:"retry_initial"`
}

type SandboxConfig struct {
	Roots        []string `koanf:"roots"`
	NetworkHosts []string `koanf:"network_hosts"`
}

type ServerConfig struct {
	Bind      string `koanf:"bind"`
	AuthToken string `koanf:"auth_token"`
	TLSCert   string `koanf:"tls_cert"`
	TLSKey    string `koanf:"tls_key"`
}

type FeedConfig struct {
	// HMACSecret verifies observation signatures. Empty disables checks.
	HMACSecret string `koanf:"hmac_secret"`
}

// Load reads configuration from an optional YAML file, then applies
// HELMSMAN_ environment overrides (HELMSMAN_ROUTER_BASE_URL maps to
// router.base_url).
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	for key, value := range defaults() {
		k.Set(key, value)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, err
		}
	}

	// Only the first underscore separates the section from the key, so
	// HELMSMAN_ROUTER_BASE_URL maps to router.base_url.
	if err := k.Load(env.Provider("HELMSMAN_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "HELMSMAN_")), "_", ".", 1)
	}), nil); err != nil {
		return nil, err
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func defaults() map[string]any {
	return map[string]any{
		"log.level":  "info",
		"log.format": "text",

		"audit.path": "helmsman.db",

		"policy.allow_exec":    false,
		"policy.allow_network": false,

		"approval.window":         "10m",
		"approval.sweep_interval": "30s",

		"router.provider":      "ollama",
		"router.base_url":      "http://localhost:11434",
		"router.default_model": "qwen2.5-coder:7b-instruct-q5_K_M",

		"memory.working_ttl":         "30m",
		"memory.working_max_entries": 1024,
		"memory.episodic_path":       "episodes.jsonl",
		"memory.mirror_enabled":      false,
		"memory.qdrant_addr":         "localhost:6334",
		"memory.qdrant_collection":   "helmsman_episodes",
		"memory.embedder_base_url":   "http://localhost:11434",
		"memory.embedder_model":      "nomic-embed-text",

		"run.max_ticks":     32,
		"run.max_replans":   1,
		"run.tool_timeout":  "60s",
		"run.retry_max":     3,
		"run.retry_initial": "100ms",

		"sandbox.roots": []string{"."},

		"server.bind": "127.0.0.1:7171",
	}
}
