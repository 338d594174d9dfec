package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/necrocode/engine/pkg/types"
)

// LocalArtifactUploader persists artifact bytes under a base directory and
// returns a file:// URI, the default ArtifactUploader for single-host
// deployments that have no object-store dependency wired (spec.md §4.4
// "upload artifacts" names the store as external; this is the no-extra-
// infrastructure default, not a stand-in for a real object store).
type LocalArtifactUploader struct {
	BasePath string
}

// NewLocalArtifactUploader returns an uploader rooted at basePath.
func NewLocalArtifactUploader(basePath string) *LocalArtifactUploader {
	return &LocalArtifactUploader{BasePath: basePath}
}

// Upload implements ArtifactUploader.
func (u *LocalArtifactUploader) Upload(ctx context.Context, specName, taskID string, artifactType types.ArtifactType, data []byte) (string, error) {
	dir := filepath.Join(u.BasePath, specName, taskID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("artifact upload: mkdir %s: %w", dir, err)
	}

	name := fmt.Sprintf("%s-%d.bin", artifactType, time.Now().UnixNano())
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("artifact upload: write %s: %w", path, err)
	}
	return "file://" + path, nil
}
