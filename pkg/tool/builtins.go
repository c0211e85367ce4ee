package tool

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/helmsman-ai/helmsman/pkg/core"
)

// Builtins returns the built-in tool set, all confined to the sandbox.
func Builtins(sandbox *Sandbox) []Tool {
	return []Tool{
		fsRead(sandbox),
		fsWrite(sandbox),
		gitDiff(sandbox),
		gitApplyPatch(sandbox),
	}
}

// RegisterBuiltins registers the built-in tools on a registry.
func RegisterBuiltins(r *Registry, sandbox *Sandbox) error {
	for _, t := range Builtins(sandbox) {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

func fsRead(sandbox *Sandbox) Tool {
	return Func{
		ToolName:  "fs.read",
		RiskClass: core.RiskRead,
		Schema: Schema{
			Properties: map[string]PropertySchema{
				"path": {Type: "string", Description: "file path inside a sandbox root"},
			},
			Required: []string{"path"},
		},
		Fn: func(_ context.Context, args map[string]any) (map[string]any, error) {
			p, _ := args["path"].(string)
			abs, err := sandbox.ResolvePath(p)
			if err != nil {
				return nil, err
			}
			data, err := os.ReadFile(abs)
			if err != nil {
				return nil, err
			}
			return map[string]any{"path": abs, "content": string(data), "bytes": len(data)}, nil
		},
	}
}

func fsWrite(sandbox *Sandbox) Tool {
	return Func{
		ToolName:  "fs.write",
		RiskClass: core.RiskWrite,
		Schema: Schema{
			Properties: map[string]PropertySchema{
				"path":    {Type: "string", Description: "file path inside a sandbox root"},
				"content": {Type: "string", Description: "full file content to write"},
			},
			Required: []string{"path", "content"},
		},
		Fn: func(_ context.Context, args map[string]any) (map[string]any, error) {
			p, _ := args["path"].(string)
			content, _ := args["content"].(string)
			abs, err := sandbox.ResolvePath(p)
			if err != nil {
				return nil, err
			}
			if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
				return nil, err
			}
			if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
				return nil, err
			}
			return map[string]any{"path": abs, "bytes": len(content)}, nil
		},
	}
}

func gitDiff(sandbox *Sandbox) Tool {
	return Func{
		ToolName:  "git.diff",
		RiskClass: core.RiskRead,
		Schema: Schema{
			Properties: map[string]PropertySchema{
				"repo": {Type: "string", Description: "repository path inside a sandbox root"},
			},
			Required: []string{"repo"},
		},
		Fn: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			repo, _ := args["repo"].(string)
			abs, err := sandbox.ResolvePath(repo)
			if err != nil {
				return nil, err
			}
			out, err := runGit(ctx, abs, "diff")
			if err != nil {
				return nil, err
			}
			return map[string]any{"repo": abs, "diff": out}, nil
		},
	}
}

func gitApplyPatch(sandbox *Sandbox) Tool {
	return Func{
		ToolName:  "git.apply_patch",
		RiskClass: core.RiskWrite,
		Schema: Schema{
			Properties: map[string]PropertySchema{
				"repo":  {Type: "string", Description: "repository path inside a sandbox root"},
				"patch": {Type: "string", Description: "unified diff to apply"},
			},
			Required: []string{"repo", "patch"},
		},
		Fn: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			repo, _ := args["repo"].(string)
			patch, _ := args["patch"].(string)
			abs, err := sandbox.ResolvePath(repo)
			if err != nil {
				return nil, err
			}
			cmd := exec.CommandContext(ctx, "git", "-C", abs, "apply", "--whitespace=nowarn", "-")
			cmd.Stdin = strings.NewReader(patch)
			var stderr bytes.Buffer
			cmd.Stderr = &stderr
			if err := cmd.Run(); err != nil {
				return nil, fmt.Errorf("git apply: %v: %s", err, strings.TrimSpace(stderr.String()))
			}
			return map[string]any{"repo": abs, "applied": true}, nil
		},
	}
}

func runGit(ctx context.Context, repo string, args ...string) (string, error) {
	full := append([]string{"-C", repo}, args...)
	cmd := exec.CommandContext(ctx, "git", full...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %v: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}
