package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimalConfig = `
telegram:
  bot_token: ${TEST_DC_BOT_TOKEN}
projects:
  - id: web
    repository: acme/web
    webhook_secret: ${TEST_DC_SECRET}
    chat_id: "-100123"
`

func TestLoadAppliesDefaultsAndInterpolates(t *testing.T) {
	t.Setenv("TEST_DC_BOT_TOKEN", "123:abc")
	t.Setenv("TEST_DC_SECRET", "s3cret")

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "config.yaml"), minimalConfig)

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.SourcePath != filepath.Join(dir, "config.yaml") {
		t.Errorf("SourcePath = %q", cfg.SourcePath)
	}
	if cfg.Telegram.BotToken != "123:abc" {
		t.Errorf("BotToken = %q", cfg.Telegram.BotToken)
	}
	if got := cfg.Projects[0]; got.WebhookSecret != "s3cret" || got.Branch != "main" || got.Name != "web" {
		t.Errorf("project = %+v", got)
	}
	if cfg.Approval.Timeout != time.Hour {
		t.Errorf("Approval.Timeout = %v", cfg.Approval.Timeout)
	}
	if cfg.Webhook.MaxBodyBytes != 1<<20 {
		t.Errorf("MaxBodyBytes = %d", cfg.Webhook.MaxBodyBytes)
	}
	if cfg.Dispatch.Workers != Defaults().Dispatch.Workers {
		t.Errorf("Dispatch.Workers = %d", cfg.Dispatch.Workers)
	}
}

func TestLoadReadsEnvFile(t *testing.T) {
	t.Setenv("TEST_DC_BOT_TOKEN", "from-env")
	t.Setenv("TEST_DC_SECRET", "")
	os.Unsetenv("TEST_DC_SECRET")
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "config.yaml"), minimalConfig)
	// TEST_DC_BOT_TOKEN already set, so the file must not override it.
	writeFile(t, filepath.Join(dir, ".env"), "TEST_DC_SECRET=dotenv-secret\nTEST_DC_BOT_TOKEN=ignored\n")

	cfg, err := Load(filepath.Join(dir, "config.yaml"))
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Projects[0].WebhookSecret != "dotenv-secret" {
		t.Errorf("WebhookSecret = %q", cfg.Projects[0].WebhookSecret)
	}
	if cfg.Telegram.BotToken != "from-env" {
		t.Errorf("BotToken = %q, env must win over .env", cfg.Telegram.BotToken)
	}
}

func TestLoadUnresolvedVariable(t *testing.T) {
	t.Setenv("TEST_DC_BOT_TOKEN", "123:abc")
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "config.yaml"), strings.ReplaceAll(minimalConfig, "TEST_DC_SECRET", "TEST_DC_NEVER_SET"))

	_, err := Load(dir)
	if err == nil || !strings.Contains(err.Error(), "TEST_DC_NEVER_SET") {
		t.Fatalf("Load() = %v, want unresolved variable error", err)
	}
}

func TestLoadRejectsTamperedLockedConfig(t *testing.T) {
	t.Setenv("TEST_DC_BOT_TOKEN", "123:abc")
	t.Setenv("TEST_DC_SECRET", "s")
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeFile(t, path, minimalConfig)

	if _, err := Lock(dir, ScopeFiles(path), false); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err != nil {
		t.Fatalf("Load() of locked config failed: %v", err)
	}

	writeFile(t, path, minimalConfig+"\napproval:\n  timeout: 1s\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected Load() to fail after tampering")
	}

	res, err := CheckIntegrity(path)
	if err != nil {
		t.Fatal(err)
	}
	if res.Passed || len(res.Errors) != 1 {
		t.Fatalf("CheckIntegrity() = %+v", res)
	}
}

func TestCheckIntegrityWithoutManifest(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "config.yaml"), minimalConfig)

	res, err := CheckIntegrity(dir)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Passed || len(res.Warnings) != 1 {
		t.Fatalf("CheckIntegrity() = %+v", res)
	}
}

func TestValidateRejections(t *testing.T) {
	base := func() *Config {
		cfg := Defaults()
		cfg.Telegram.BotToken = "t"
		cfg.Projects = []ProjectConfig{{ID: "web", Repository: "acme/web", Branch: "main", WebhookSecret: "s", ChatID: "1"}}
		return cfg
	}
	if err := validate(base()); err != nil {
		t.Fatalf("base config should validate: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no projects", func(c *Config) { c.Projects = nil }, "at least one project"},
		{"dup id", func(c *Config) { c.Projects = append(c.Projects, c.Projects[0]) }, "duplicated"},
		{"bad repo", func(c *Config) { c.Projects[0].Repository = "web" }, "owner/name"},
		{"bad id", func(c *Config) { c.Projects[0].ID = "a b" }, ".id"},
		{"no secret", func(c *Config) { c.Projects[0].WebhookSecret = "" }, "webhook_secret"},
		{"no chat", func(c *Config) { c.Projects[0].ChatID = "" }, "chat_id"},
		{"bad agent url", func(c *Config) { c.Projects[0].AgentURL = "ftp://x" }, "agent_url"},
		{"bad branch", func(c *Config) { c.Projects[0].Branch = "a b" }, "branch"},
		{"no bot token", func(c *Config) { c.Telegram.BotToken = "" }, "bot_token"},
		{"log level", func(c *Config) { c.Service.LogLevel = "loud" }, "log_level"},
		{"workers", func(c *Config) { c.Dispatch.Workers = 0 }, "workers"},
		{"backoff", func(c *Config) { c.Dispatch.BackoffMax = time.Millisecond }, "backoff"},
		{"api token scopes", func(c *Config) {
			c.API.Enabled = true
			c.API.Auth.Tokens = []APIToken{{Token: "x"}}
		}, "scopes"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := validate(cfg)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("validate() = %v, want error containing %q", err, tt.want)
			}
		})
	}
}

func TestParseByteSize(t *testing.T) {
	tests := map[string]int64{"": 42, "512": 512, "1KB": 1024, "2mb": 2 << 20, "1GB": 1 << 30}
	for in, want := range tests {
		got, err := ParseByteSize(in, 42)
		if err != nil || got != want {
			t.Errorf("ParseByteSize(%q) = %d, %v; want %d", in, got, err, want)
		}
	}
	if _, err := ParseByteSize("lots", 0); err == nil {
		t.Error("expected error for non-numeric size")
	}
}

func TestDiscoverConfigPath(t *testing.T) {
	got, err := DiscoverConfigPath("/x/config.yaml")
	if err != nil || got != "/x/config.yaml" {
		t.Fatalf("flag should win, got %q %v", got, err)
	}
	t.Setenv(EnvConfigPath, "/from/env.yaml")
	got, err = DiscoverConfigPath("")
	if err != nil || got != "/from/env.yaml" {
		t.Fatalf("env should win, got %q %v", got, err)
	}
}
