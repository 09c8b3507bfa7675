package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// DefaultEnvFile is loaded from the config directory when service.env_file
// is not set.
const DefaultEnvFile = ".env"

// Load reads, interpolates, defaults and validates the config at configPath.
// A directory resolves to its config.yaml. When the directory holds a
// .checksums manifest the config must match it.
func Load(configPath string) (*Config, error) {
	absPath, err := ResolveConfigFile(configPath)
	if err != nil {
		return nil, err
	}

	if err := verifyConfigHashes(absPath); err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", absPath, err)
	}
	if err := loadEnvFile(absPath, raw); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(InterpolateEnv(string(raw))), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", absPath, err)
	}
	cfg.SourcePath = absPath

	cfg = applyConfigDefaults(cfg)
	if cfg.Webhook.MaxBodyBytes, err = ParseByteSize(cfg.Webhook.MaxBodySize, Defaults().Webhook.MaxBodyBytes); err != nil {
		return nil, fmt.Errorf("invalid configuration: webhook.max_body_size: %w", err)
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// ResolveConfigFile returns the absolute config file path. A directory
// resolves to its config.yaml.
func ResolveConfigFile(configPath string) (string, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return "", fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}
	return absPath, nil
}

// loadEnvFile populates the process environment from the configured env
// file. Variables already set win over the file.
func loadEnvFile(configPath string, raw []byte) error {
	var peek struct {
		Service struct {
			EnvFile string `yaml:"env_file"`
		} `yaml:"service"`
	}
	_ = yaml.Unmarshal(raw, &peek)

	envFile := EnvFilePath(configPath, peek.Service.EnvFile)
	if _, err := os.Stat(envFile); err != nil {
		if peek.Service.EnvFile != "" {
			return fmt.Errorf("service.env_file %s: %w", envFile, err)
		}
		return nil
	}
	if err := godotenv.Load(envFile); err != nil {
		return fmt.Errorf("failed to load env file %s: %w", envFile, err)
	}
	return nil
}

// EnvFilePath resolves the env file for a config path.
func EnvFilePath(configPath, envFile string) string {
	if envFile == "" {
		envFile = DefaultEnvFile
	}
	if filepath.IsAbs(envFile) {
		return envFile
	}
	return filepath.Join(filepath.Dir(configPath), envFile)
}

// applyConfigDefaults merges default values into config where not explicitly set.
func applyConfigDefaults(cfg *Config) *Config {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.TickInterval == 0 {
		cfg.Service.TickInterval = defaults.Service.TickInterval
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = defaults.Service.LogFormat
	}
	if cfg.Service.JobLogRetention == 0 {
		cfg.Service.JobLogRetention = defaults.Service.JobLogRetention
	}

	if cfg.State.Path == "" {
		cfg.State.Path = defaults.State.Path
	}
	if cfg.Webhook.Listen == "" {
		cfg.Webhook.Listen = defaults.Webhook.Listen
	}
	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}

	if cfg.Telegram.PollTimeout == 0 {
		cfg.Telegram.PollTimeout = defaults.Telegram.PollTimeout
	}
	if cfg.Telegram.SendRate == 0 {
		cfg.Telegram.SendRate = defaults.Telegram.SendRate
	}
	if cfg.Telegram.Burst == 0 {
		cfg.Telegram.Burst = defaults.Telegram.Burst
	}

	if cfg.Agent.URL == "" {
		cfg.Agent.URL = defaults.Agent.URL
	}
	if cfg.Agent.Timeout == 0 {
		cfg.Agent.Timeout = defaults.Agent.Timeout
	}
	if cfg.Approval.Timeout == 0 {
		cfg.Approval.Timeout = defaults.Approval.Timeout
	}

	if cfg.Dispatch.Workers == 0 {
		cfg.Dispatch.Workers = defaults.Dispatch.Workers
	}
	if cfg.Dispatch.MaxAttempts == 0 {
		cfg.Dispatch.MaxAttempts = defaults.Dispatch.MaxAttempts
	}
	if cfg.Dispatch.BackoffBase == 0 {
		cfg.Dispatch.BackoffBase = defaults.Dispatch.BackoffBase
	}
	if cfg.Dispatch.BackoffMax == 0 {
		cfg.Dispatch.BackoffMax = defaults.Dispatch.BackoffMax
	}
	if cfg.Dispatch.PollInterval == 0 {
		cfg.Dispatch.PollInterval = defaults.Dispatch.PollInterval
	}

	for i := range cfg.Projects {
		if cfg.Projects[i].Name == "" {
			cfg.Projects[i].Name = cfg.Projects[i].ID
		}
		if cfg.Projects[i].Branch == "" {
			cfg.Projects[i].Branch = "main"
		}
	}
	return cfg
}

// InterpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is so validation can name them.
func InterpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// unresolved returns an error naming the first ${VAR} left in value.
func unresolved(field, value string) error {
	matches := envVarPattern.FindStringSubmatch(value)
	if len(matches) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, matches[1])
	}
	return nil
}
