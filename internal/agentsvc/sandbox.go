package agentsvc

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/ksi-dev/ksid/internal/errs"
)

// allocateSandbox creates a fresh sandbox directory under root, named by a
// stable uuid that is persisted on the agent entity so the same directory
// is recovered across a daemon restart (spec.md §4.6).
func allocateSandbox(root string) (id, path string, err error) {
	id = uuid.NewString()
	path = filepath.Join(root, id)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", "", fmt.Errorf("agentsvc: allocate sandbox: %w", errs.Wrapped(errs.ErrIO, err))
	}
	return id, path, nil
}

// Confine resolves path against sandboxRoot and rejects any attempt to
// escape it. Relative paths are joined onto sandboxRoot first; absolute
// paths are checked as given. Grounded on the teacher's
// internal/permission.IsWithinDir containment check, generalized from a
// bash-command guard into the agent file-tool boundary.
func Confine(sandboxRoot, path string) (string, error) {
	if !filepath.IsAbs(path) {
		path = filepath.Join(sandboxRoot, path)
	}
	resolved := filepath.Clean(path)
	root := filepath.Clean(sandboxRoot)

	rel, err := filepath.Rel(root, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("agentsvc: path %q escapes sandbox %q: %w", path, sandboxRoot, errs.ErrPermissionDenied)
	}
	return resolved, nil
}

// removeSandbox deletes the sandbox directory tree. Called on
// agent:terminate once the agent has no further use for its ephemeral
// files.
func removeSandbox(path string) error {
	if path == "" {
		return nil
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("agentsvc: remove sandbox %q: %w", path, errs.Wrapped(errs.ErrIO, err))
	}
	return nil
}
