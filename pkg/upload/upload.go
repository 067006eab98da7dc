// Package upload copies run reports to remote object storage and reads
// them back.
package upload

import (
	"context"
	"strings"

	"github.com/ethpandaops/querybenchoor/pkg/report"
)

// DefaultPrefix is the key prefix used when none is configured.
const DefaultPrefix = "results"

// Uploader publishes written run reports.
type Uploader interface {
	// Preflight verifies that the remote storage accepts writes.
	Preflight(ctx context.Context) error

	// Upload copies the artifacts listed in out. Files in the run directory
	// that out does not list are ignored.
	Upload(ctx context.Context, out *report.Written) error
}

// keyLayout maps run directories to object keys:
// <prefix>/runs/<run dir>/<artifact>.
type keyLayout struct {
	root string
}

func newKeyLayout(prefix string) keyLayout {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = DefaultPrefix
	}

	return keyLayout{root: prefix + "/runs/"}
}

func (k keyLayout) runDir(name string) string {
	return k.root + name + "/"
}

func (k keyLayout) artifact(runDir, name string) string {
	return k.runDir(runDir) + name
}

func (k keyLayout) writeTest() string {
	return k.root + ".write-test"
}

// dirName turns a listed common prefix back into a run directory name.
func (k keyLayout) dirName(prefix string) string {
	return strings.TrimSuffix(strings.TrimPrefix(prefix, k.root), "/")
}
