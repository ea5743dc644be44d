package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Filesystems whose byte-range and flock locking SQLite cannot rely on.
var networkFilesystems = map[string]bool{
	"afpfs":  true,
	"cifs":   true,
	"nfs":    true,
	"nfs4":   true,
	"smbfs":  true,
	"smb2":   true,
	"webdav": true,
}

// NetworkFilesystemError reports a state path that lives on a network mount.
type NetworkFilesystemError struct {
	Path   string
	FSType string
}

func (e *NetworkFilesystemError) Error() string {
	return fmt.Sprintf("state path %q is on network filesystem %q: task claims and the instance lock need local disk "+
		"(move state.path or set state.driver: postgres for tasks)", e.Path, e.FSType)
}

// CheckLocalFilesystem fails with a *NetworkFilesystemError when path, or the
// nearest directory that already exists above it, is on a network mount.
func CheckLocalFilesystem(path string) error {
	return checkLocalFilesystem(path, detectFilesystemType)
}

type fsDetector func(path string) (string, error)

func checkLocalFilesystem(path string, detect fsDetector) error {
	if strings.TrimSpace(path) == "" {
		return errors.New("state path is empty")
	}
	probe, err := existingAncestor(path)
	if err != nil {
		return fmt.Errorf("resolve state path %q: %w", path, err)
	}
	fsType, err := detect(probe)
	if err != nil {
		return fmt.Errorf("detect filesystem for %q: %w", probe, err)
	}
	if isNetworkFilesystem(fsType) {
		return &NetworkFilesystemError{Path: path, FSType: fsType}
	}
	return nil
}

// existingAncestor walks up from path until it finds something that exists,
// so a fresh state directory can be checked before it is created.
func existingAncestor(path string) (string, error) {
	dir, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	for {
		_, err := os.Stat(dir)
		switch {
		case err == nil:
			return dir, nil
		case !errors.Is(err, os.ErrNotExist):
			return "", err
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("no existing ancestor of %q", path)
		}
		dir = parent
	}
}

func isNetworkFilesystem(fsType string) bool {
	return networkFilesystems[strings.ToLower(strings.TrimSpace(fsType))]
}
