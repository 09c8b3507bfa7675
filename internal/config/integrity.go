package config

import (
	"errors"
	"fmt"
	"path/filepath"
)

// IntegrityResult is the outcome of CheckIntegrity.
type IntegrityResult struct {
	Passed   bool
	Warnings []string
	Errors   []string
}

// CheckIntegrity reports on the config's lock state without failing fast.
// A missing manifest is a warning; any mismatch is an error.
func CheckIntegrity(configPath string) (*IntegrityResult, error) {
	absPath, err := ResolveConfigFile(configPath)
	if err != nil {
		return nil, err
	}
	result := &IntegrityResult{Passed: true}
	dir := filepath.Dir(absPath)

	manifest, err := ReadManifest(dir)
	if errors.Is(err, ErrNoChecksums) {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("no %s manifest in %s; run 'devcontrol config lock' to enable integrity verification", ChecksumFile, dir))
		return result, nil
	}
	if err != nil {
		return nil, err
	}

	// Unlike Load, keep going so every problem is listed.
	for _, name := range ScopeFiles(absPath) {
		if err := manifest.Check(dir, name); err != nil {
			result.Errors = append(result.Errors, err.Error())
		}
	}
	result.Passed = len(result.Errors) == 0
	return result, nil
}
