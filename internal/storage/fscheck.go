package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// remoteFilesystems are filesystem types on which SQLite's file locking is
// unreliable. Linux reports magic numbers, which detectFilesystemType maps
// onto these names.
var remoteFilesystems = []string{"afpfs", "cifs", "nfs", "nfs4", "smb2", "smbfs", "webdav"}

// RemoteFilesystemError reports a database path that lives on a network mount.
type RemoteFilesystemError struct {
	Path   string
	FSType string
}

func (e *RemoteFilesystemError) Error() string {
	return fmt.Sprintf("state database %q is on a %s mount; the deployment ledger needs a local disk for SQLite locking (set state.path to a local file)", e.Path, e.FSType)
}

type fsDetector func(string) (string, error)

func checkLocalDisk(path string) error {
	return checkLocalDiskWith(path, detectFilesystemType)
}

func checkLocalDiskWith(path string, detect fsDetector) error {
	if path == "" {
		return errors.New("sqlite path is empty")
	}
	dir, err := existingAncestor(path)
	if err != nil {
		return fmt.Errorf("resolve state path %q: %w", path, err)
	}
	fsType, err := detect(dir)
	if err != nil {
		return fmt.Errorf("detect filesystem for %q: %w", dir, err)
	}
	if isRemote(fsType) {
		return &RemoteFilesystemError{Path: path, FSType: strings.ToLower(fsType)}
	}
	return nil
}

// existingAncestor walks up from path until it finds something that exists;
// the database file itself is usually created later.
func existingAncestor(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	for p := abs; ; p = filepath.Dir(p) {
		_, err := os.Stat(p)
		switch {
		case err == nil:
			return p, nil
		case !errors.Is(err, os.ErrNotExist):
			return "", err
		case filepath.Dir(p) == p:
			return "", fmt.Errorf("no existing parent for %q", abs)
		}
	}
}

func isRemote(fsType string) bool {
	return slices.Contains(remoteFilesystems, strings.ToLower(strings.TrimSpace(fsType)))
}
