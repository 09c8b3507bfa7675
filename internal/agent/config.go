// Package agent runs operator-configured deploy and deny commands on the
// target host in response to gateway triggers.
package agent

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"text/template"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/devcontrol/devcontrol/internal/config"
	"github.com/devcontrol/devcontrol/internal/protocol"
)

// DefaultConfigFile is read when no --config flag is given.
const DefaultConfigFile = "devcontrol.yaml"

var (
	// ErrUnknownAction is returned for actions other than deploy and deny.
	ErrUnknownAction = errors.New("unknown action")
	// ErrNotConfigured is returned when the config has no entry for a
	// known action or for the message template.
	ErrNotConfigured = errors.New("not configured")
	// ErrBusy is returned when overlap is "reject" and the project already
	// has a run in flight.
	ErrBusy = errors.New("another run is in progress for this project")
	// ErrUnauthorized is returned when the bearer token does not match.
	ErrUnauthorized = errors.New("unauthorized")
)

// Overlap policies for concurrent triggers of the same project.
const (
	OverlapQueue  = "queue"
	OverlapReject = "reject"
)

var validate = validator.New()

// Config is the agent's typed configuration file.
type Config struct {
	Listen         string        `yaml:"listen" validate:"required"`
	Timeout        time.Duration `yaml:"timeout" validate:"gt=0"`
	KillGrace      time.Duration `yaml:"kill_grace" validate:"gte=0"`
	MaxOutputBytes int           `yaml:"max_output_bytes" validate:"gt=0"`
	Overlap        string        `yaml:"overlap" validate:"oneof=queue reject"`
	Shell          string        `yaml:"shell" validate:"required"`
	Workdir        string        `yaml:"workdir,omitempty"`
	Token          string        `yaml:"token,omitempty"`
	DedupeTTL      time.Duration `yaml:"dedupe_ttl" validate:"gte=0"`

	OnDeployCmd string `yaml:"on_deploy,omitempty"`
	OnDenyCmd   string `yaml:"on_deny,omitempty"`
	MessageText string `yaml:"message,omitempty"`

	message *template.Template
}

// MessageContext is the data the message template renders.
type MessageContext struct {
	Branch  string
	User    string
	Action  string
	Project string
}

// DefaultConfig returns the agent defaults.
func DefaultConfig() *Config {
	return &Config{
		Listen:         "127.0.0.1:9010",
		Timeout:        10 * time.Minute,
		KillGrace:      10 * time.Second,
		MaxOutputBytes: 64 << 10,
		Overlap:        OverlapQueue,
		Shell:          "/bin/sh",
		DedupeTTL:      10 * time.Minute,
	}
}

// LoadConfig reads and validates the agent config. A missing file is an
// error: the agent has nothing to run without one.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("agent config %s: %w", path, err)
	}
	return ParseConfig([]byte(config.InterpolateEnv(string(raw))))
}

// ParseConfig decodes YAML over the defaults and validates the result.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse agent config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints and compiles the message template.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid agent config: %w", err)
	}
	if c.OnDeployCmd == "" && c.OnDenyCmd == "" {
		return fmt.Errorf("invalid agent config: at least one of on_deploy or on_deny is required")
	}
	c.message = nil
	if c.MessageText != "" {
		tmpl, err := template.New("message").Option("missingkey=error").Parse(c.MessageText)
		if err != nil {
			return fmt.Errorf("invalid agent config: message: %w", err)
		}
		c.message = tmpl
	}
	return nil
}

// OnDeploy returns the deploy command.
func (c *Config) OnDeploy() (string, error) {
	if c.OnDeployCmd == "" {
		return "", fmt.Errorf("on_deploy: %w", ErrNotConfigured)
	}
	return c.OnDeployCmd, nil
}

// OnDeny returns the deny command.
func (c *Config) OnDeny() (string, error) {
	if c.OnDenyCmd == "" {
		return "", fmt.Errorf("on_deny: %w", ErrNotConfigured)
	}
	return c.OnDenyCmd, nil
}

// Command resolves action to its configured command text.
func (c *Config) Command(action string) (string, error) {
	switch action {
	case protocol.ActionDeploy:
		return c.OnDeploy()
	case protocol.ActionDeny:
		return c.OnDeny()
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
}

// Message renders the notification template. The config must have been
// validated.
func (c *Config) Message(mc MessageContext) (string, error) {
	if c.message == nil {
		return "", fmt.Errorf("message: %w", ErrNotConfigured)
	}
	var buf bytes.Buffer
	if err := c.message.Execute(&buf, mc); err != nil {
		return "", fmt.Errorf("render message: %w", err)
	}
	return buf.String(), nil
}
