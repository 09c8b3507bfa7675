package config

import "time"

// Config is the complete devcontrol gateway configuration.
type Config struct {
	Service  ServiceConfig   `yaml:"service"`
	State    StateConfig     `yaml:"state"`
	Webhook  WebhookConfig   `yaml:"webhook"`
	API      APIConfig       `yaml:"api,omitempty"`
	Telegram TelegramConfig  `yaml:"telegram"`
	Agent    AgentConfig     `yaml:"agent"`
	Approval ApprovalConfig  `yaml:"approval"`
	Dispatch DispatchConfig  `yaml:"dispatch"`
	Projects []ProjectConfig `yaml:"projects"`

	// SourcePath is the absolute path the config was loaded from.
	SourcePath string `yaml:"-"`
}

type ServiceConfig struct {
	Name            string        `yaml:"name"`
	TickInterval    time.Duration `yaml:"tick_interval"`
	LogLevel        string        `yaml:"log_level"`
	LogFormat       string        `yaml:"log_format"`
	JobLogRetention time.Duration `yaml:"job_log_retention"`
	// EnvFile is loaded before interpolation. Relative paths resolve against
	// the config directory.
	EnvFile string `yaml:"env_file,omitempty"`
}

type StateConfig struct {
	Path string `yaml:"path"`
}

type WebhookConfig struct {
	Listen      string `yaml:"listen"`
	MaxBodySize string `yaml:"max_body_size,omitempty"`

	// MaxBodyBytes is MaxBodySize parsed at load time.
	MaxBodyBytes int64 `yaml:"-"`
}

type APIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Listen  string        `yaml:"listen"`
	Auth    APIAuthConfig `yaml:"auth"`
}

type APIAuthConfig struct {
	Tokens []APIToken `yaml:"tokens,omitempty"`
}

// APIToken is a bearer token and the scopes it grants.
type APIToken struct {
	Name   string   `yaml:"name,omitempty"`
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

type TelegramConfig struct {
	BotToken    string        `yaml:"bot_token"`
	PollTimeout time.Duration `yaml:"poll_timeout"`
	// SendRate is messages per second across all chats.
	SendRate float64 `yaml:"send_rate"`
	Burst    int     `yaml:"burst"`
	Debug    bool    `yaml:"debug,omitempty"`
}

type AgentConfig struct {
	// URL is the default agent base URL; projects may override it.
	URL     string        `yaml:"url"`
	Token   string        `yaml:"token,omitempty"`
	Timeout time.Duration `yaml:"timeout"`
}

type ApprovalConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

type DispatchConfig struct {
	Workers      int           `yaml:"workers"`
	MaxAttempts  int           `yaml:"max_attempts"`
	BackoffBase  time.Duration `yaml:"backoff_base"`
	BackoffMax   time.Duration `yaml:"backoff_max"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

type ProjectConfig struct {
	ID            string `yaml:"id"`
	Name          string `yaml:"name"`
	Repository    string `yaml:"repository"`
	Branch        string `yaml:"branch"`
	WebhookSecret string `yaml:"webhook_secret"`
	ChatID        string `yaml:"chat_id"`
	AgentURL      string `yaml:"agent_url,omitempty"`
}

// Defaults returns a Config with every optional field populated.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:            "devcontrol",
			TickInterval:    30 * time.Second,
			LogLevel:        "info",
			LogFormat:       "json",
			JobLogRetention: 30 * 24 * time.Hour,
		},
		State: StateConfig{
			Path: "./data/devcontrol.db",
		},
		Webhook: WebhookConfig{
			Listen:       "0.0.0.0:8081",
			MaxBodyBytes: 1 << 20,
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
		Telegram: TelegramConfig{
			PollTimeout: 30 * time.Second,
			SendRate:    1,
			Burst:       5,
		},
		Agent: AgentConfig{
			URL:     "http://127.0.0.1:9010",
			Timeout: 15 * time.Minute,
		},
		Approval: ApprovalConfig{
			Timeout: time.Hour,
		},
		Dispatch: DispatchConfig{
			Workers:      4,
			MaxAttempts:  5,
			BackoffBase:  5 * time.Second,
			BackoffMax:   5 * time.Minute,
			PollInterval: time.Second,
		},
	}
}
