package api

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

var errArtifactNotAllowed = errors.New("artifact name not allowed")

// artifactServer reads run report files from the local results directory.
type artifactServer struct {
	log  logrus.FieldLogger
	fs   afero.Fs
	root string
}

func newArtifactServer(
	log logrus.FieldLogger,
	fsys afero.Fs,
	resultsDir string,
) *artifactServer {
	return &artifactServer{
		log:  log.WithField("component", "artifacts"),
		fs:   fsys,
		root: filepath.Clean(resultsDir),
	}
}

// Read returns the artifact name of runDir. A missing file wraps
// fs.ErrNotExist.
func (a *artifactServer) Read(runDir, name string) ([]byte, error) {
	if !isAllowedPath(runDir) || !isAllowedPath(name) ||
		strings.Contains(name, "/") {
		return nil, errArtifactNotAllowed
	}

	full := filepath.Join(a.root, runDir, name)

	// The resolved path must stay under root.
	if a.root != "." &&
		!strings.HasPrefix(full, a.root+string(filepath.Separator)) {
		return nil, errArtifactNotAllowed
	}

	data, err := afero.ReadFile(a.fs, full)
	if err != nil {
		return nil, fmt.Errorf("reading artifact %s: %w", full, err)
	}

	return data, nil
}

// isAllowedPath rejects empty, absolute, unclean, or traversal paths.
func isAllowedPath(p string) bool {
	if p == "" {
		return false
	}

	if strings.Contains(p, "..") {
		return false
	}

	if filepath.IsAbs(p) || strings.HasPrefix(p, "/") {
		return false
	}

	// Ensure the path is clean (no double slashes, trailing slashes, etc.).
	return path.Clean(p) == p
}
