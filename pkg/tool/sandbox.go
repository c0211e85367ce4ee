package tool

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/helmsman-ai/helmsman/pkg/errors"
)

// Sandbox is the capability manifest builtins run under. Filesystem access
// is confined to the declared roots and network access to the allowlisted
// hosts. The zero value permits nothing.
type Sandbox struct {
	roots []string
	hosts map[string]struct{}
}

// NewSandbox builds a sandbox over absolute filesystem roots.
func NewSandbox(roots []string, hosts []string) (*Sandbox, error) {
	s := &Sandbox{hosts: make(map[string]struct{}, len(hosts))}
	for _, root := range roots {
		abs, err := filepath.Abs(root)
		if err != nil {
			return nil, fmt.Errorf("sandbox root %q: %w", root, err)
		}
		s.roots = append(s.roots, filepath.Clean(abs))
	}
	for _, host := range hosts {
		s.hosts[strings.ToLower(host)] = struct{}{}
	}
	return s, nil
}

// ResolvePath validates that p stays inside a sandbox root and returns the
// cleaned absolute path.
func (s *Sandbox) ResolvePath(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", errors.New(errors.CodeUnauthorized, "unresolvable path "+p, err)
	}
	abs = filepath.Clean(abs)
	for _, root := range s.roots {
		if abs == root || strings.HasPrefix(abs, root+string(filepath.Separator)) {
			return abs, nil
		}
	}
	return "", errors.New(errors.CodeUnauthorized,
		fmt.Sprintf("path %s escapes sandbox roots", abs), nil)
}

// AllowHost reports whether the host is on the network allowlist.
// The default allowlist is empty.
func (s *Sandbox) AllowHost(host string) bool {
	_, ok := s.hosts[strings.ToLower(host)]
	return ok
}

// Roots returns a copy of the configured roots.
func (s *Sandbox) Roots() []string {
	return append([]string(nil), s.roots...)
}
