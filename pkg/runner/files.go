package runner

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/necrocode/engine/pkg/types"
)

// applyFileChange applies one code-generation mutation to root, enforcing
// the permission boundary that every touched path stays inside root and
// never reaches into .git internals (spec §4.4 "Permission boundaries").
func applyFileChange(root string, fc types.FileChange) error {
	target, err := resolveWithinRoot(root, fc.FilePath)
	if err != nil {
		return err
	}

	switch fc.Operation {
	case types.FileCreate, types.FileUpdate:
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		return os.WriteFile(target, []byte(fc.Content), 0o644)
	case types.FileDelete:
		err := os.Remove(target)
		if os.IsNotExist(err) {
			return nil
		}
		return err
	default:
		return fmt.Errorf("unknown file operation %q", fc.Operation)
	}
}

// resolveWithinRoot joins root and rel, rejecting any path that escapes
// root (via "..") or reaches into .git internals.
func resolveWithinRoot(root, rel string) (string, error) {
	cleanRel := filepath.Clean(rel)
	if cleanRel == ".git" || strings.HasPrefix(cleanRel, ".git"+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s touches .git internals", ErrPermissionViolation, rel)
	}

	target := filepath.Join(root, cleanRel)
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	absTarget, err := filepath.Abs(target)
	if err != nil {
		return "", err
	}
	if absTarget != absRoot && !strings.HasPrefix(absTarget, absRoot+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s escapes workspace root", ErrPermissionViolation, rel)
	}
	return target, nil
}
