// Package fsutil writes result files and applies a configured owner.
package fsutil

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/afero"
)

// OwnerConfig holds parsed UID/GID for file ownership.
type OwnerConfig struct {
	UID int
	GID int
}

// ParseOwner parses "UID:GID" string. Returns nil if empty.
func ParseOwner(owner string) (*OwnerConfig, error) {
	if owner == "" {
		return nil, nil
	}

	uidStr, gidStr, ok := strings.Cut(owner, ":")
	if !ok || strings.Contains(gidStr, ":") {
		return nil, fmt.Errorf("invalid format %q, expected UID:GID", owner)
	}

	uid, err := strconv.Atoi(uidStr)
	if err != nil || uid < 0 {
		return nil, fmt.Errorf("invalid UID %q", uidStr)
	}

	gid, err := strconv.Atoi(gidStr)
	if err != nil || gid < 0 {
		return nil, fmt.Errorf("invalid GID %q", gidStr)
	}

	return &OwnerConfig{UID: uid, GID: gid}, nil
}

// Chown sets ownership if owner is not nil. Best-effort, ignores errors.
func Chown(fs afero.Fs, path string, owner *OwnerConfig) {
	if owner == nil {
		return
	}

	_ = fs.Chown(path, owner.UID, owner.GID)
}

// MkdirAll creates directory and sets ownership.
func MkdirAll(fs afero.Fs, path string, perm os.FileMode, owner *OwnerConfig) error {
	if err := fs.MkdirAll(path, perm); err != nil {
		return err
	}

	Chown(fs, path, owner)

	return nil
}

// WriteFile writes file and sets ownership.
func WriteFile(fs afero.Fs, path string, data []byte, perm os.FileMode, owner *OwnerConfig) error {
	if err := afero.WriteFile(fs, path, data, perm); err != nil {
		return err
	}

	Chown(fs, path, owner)

	return nil
}
