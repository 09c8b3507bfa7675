package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// ChecksumFile is the manifest name written beside the config.
const ChecksumFile = ".checksums"

const manifestVersion = 1

// ErrNoChecksums is returned by ReadManifest when the config was never locked.
var ErrNoChecksums = errors.New("checksums file not found (run 'devcontrol config lock')")

// Manifest maps locked file names (relative to the config directory) to
// their BLAKE3 digests.
type Manifest struct {
	Version  int               `yaml:"version"`
	LockedAt string            `yaml:"generated_at"`
	Hashes   map[string]string `yaml:"hashes"`
}

// MismatchError reports a locked file whose content changed.
type MismatchError struct {
	File string
	Want string
	Got  string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("hash mismatch for %s: expected %s, got %s", e.File, e.Want, e.Got)
}

// LockedFile is one entry of a LockReport. Missing optional files have an
// empty Hash.
type LockedFile struct {
	Name string
	Hash string
}

func (f LockedFile) Present() bool { return f.Hash != "" }

// LockReport describes what Lock hashed and where the manifest went.
type LockReport struct {
	ManifestPath string
	Written      bool
	Files        []LockedFile
}

// HashFile returns the hex BLAKE3-256 digest of the file at path.
func HashFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// ScopeFiles lists the files, relative to the config directory, that
// `config lock` hashes: the config itself and its env file when the env
// file lives beside it.
func ScopeFiles(configPath string) []string {
	files := []string{filepath.Base(configPath)}

	var peek struct {
		Service struct {
			EnvFile string `yaml:"env_file"`
		} `yaml:"service"`
	}
	if raw, err := os.ReadFile(configPath); err == nil {
		_ = yaml.Unmarshal(raw, &peek)
	}
	envPath := EnvFilePath(configPath, peek.Service.EnvFile)
	if filepath.Dir(envPath) == filepath.Dir(configPath) {
		files = append(files, filepath.Base(envPath))
	}
	return files
}

// Lock hashes files under dir and, unless dryRun, writes the manifest.
// Files that do not exist are reported and left out of the manifest.
func Lock(dir string, files []string, dryRun bool) (*LockReport, error) {
	m := Manifest{
		Version:  manifestVersion,
		LockedAt: time.Now().UTC().Format(time.RFC3339),
		Hashes:   make(map[string]string, len(files)),
	}
	report := &LockReport{ManifestPath: filepath.Join(dir, ChecksumFile)}

	for _, name := range files {
		sum, err := HashFile(filepath.Join(dir, name))
		switch {
		case errors.Is(err, fs.ErrNotExist):
			report.Files = append(report.Files, LockedFile{Name: name})
			continue
		case err != nil:
			return nil, fmt.Errorf("hash %s: %w", name, err)
		}
		m.Hashes[name] = sum
		report.Files = append(report.Files, LockedFile{Name: name, Hash: sum})
	}
	if dryRun {
		return report, nil
	}

	data, err := yaml.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	// The manifest names the secrets files, so keep it private.
	if err := os.WriteFile(report.ManifestPath, data, 0o600); err != nil {
		return nil, fmt.Errorf("write manifest: %w", err)
	}
	report.Written = true
	return report, nil
}

// ReadManifest loads dir/.checksums.
func ReadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ChecksumFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNoChecksums
	}
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if m.Version != manifestVersion {
		return nil, fmt.Errorf("unsupported checksums version: %d", m.Version)
	}
	return &m, nil
}

// Check compares one file against the manifest. A file that is neither on
// disk nor locked is fine; every other disagreement is an error.
func (m *Manifest) Check(dir, name string) error {
	want, locked := m.Hashes[name]
	got, err := HashFile(filepath.Join(dir, name))
	switch {
	case errors.Is(err, fs.ErrNotExist) && locked:
		return fmt.Errorf("%s is locked but missing from disk", name)
	case errors.Is(err, fs.ErrNotExist):
		return nil
	case err != nil:
		return fmt.Errorf("hash %s: %w", name, err)
	case !locked:
		return fmt.Errorf("%s not in %s manifest (run 'devcontrol config lock')", name, ChecksumFile)
	case got != want:
		return &MismatchError{File: name, Want: want, Got: got}
	}
	return nil
}

// Verify checks every file and stops at the first failure.
func (m *Manifest) Verify(dir string, files []string) error {
	for _, name := range files {
		if err := m.Check(dir, name); err != nil {
			return fmt.Errorf("config integrity: %w; if the edit was intentional run 'devcontrol config lock'", err)
		}
	}
	return nil
}

// verifyConfigHashes enforces the manifest when one exists beside the config.
func verifyConfigHashes(configPath string) error {
	dir := filepath.Dir(configPath)
	m, err := ReadManifest(dir)
	if errors.Is(err, ErrNoChecksums) {
		return nil
	}
	if err != nil {
		return err
	}
	return m.Verify(dir, ScopeFiles(configPath))
}
