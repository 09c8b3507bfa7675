package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// EnvConfigPath names the environment variable consulted when no --config
// flag is given.
const EnvConfigPath = "DEVCONTROL_CONFIG"

// DiscoverConfigPath resolves the config file in priority order: the
// explicit flag, $DEVCONTROL_CONFIG, the user config dir, /etc, then the
// working directory.
func DiscoverConfigPath(flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	if env := os.Getenv(EnvConfigPath); env != "" {
		return env, nil
	}

	candidates := make([]string, 0, 3)
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "devcontrol", "config.yaml"))
	}
	candidates = append(candidates, "/etc/devcontrol/config.yaml", "config.yaml")

	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c, nil
		}
	}
	return "", fmt.Errorf("no config found; tried --config, $%s and %v", EnvConfigPath, candidates)
}
