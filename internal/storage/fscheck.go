package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var remoteFilesystems = map[string]struct{}{
	"afpfs":  {},
	"cifs":   {},
	"nfs":    {},
	"smbfs":  {},
	"smb2":   {},
	"webdav": {},
}

// RequireLocalFilesystem fails when path (or its nearest existing parent) is
// on a network filesystem. Both the SQLite state file and the cancel ledger
// rely on local rename and lock semantics.
func RequireLocalFilesystem(path string) error {
	return requireLocalFilesystem(path, filesystemType)
}

func requireLocalFilesystem(path string, detect func(string) (string, error)) error {
	if path == "" {
		return fmt.Errorf("state path is empty")
	}

	inspect, err := nearestExistingPath(path)
	if err != nil {
		return fmt.Errorf("resolve state path %q: %w", path, err)
	}

	fsType, err := detect(inspect)
	if err != nil {
		return fmt.Errorf("detect filesystem for %q: %w", inspect, err)
	}
	if isRemoteFilesystem(fsType) {
		return fmt.Errorf("state path %q is on network filesystem %q; set service.state_dir to local disk", path, fsType)
	}
	return nil
}

func nearestExistingPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("absolute path: %w", err)
	}

	candidate := abs
	for {
		_, err := os.Stat(candidate)
		if err == nil {
			return candidate, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("stat %q: %w", candidate, err)
		}
		parent := filepath.Dir(candidate)
		if parent == candidate {
			return "", fmt.Errorf("no existing parent for %q", abs)
		}
		candidate = parent
	}
}

func isRemoteFilesystem(fsType string) bool {
	_, found := remoteFilesystems[strings.TrimSpace(strings.ToLower(fsType))]
	return found
}
