package config

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var (
	projectIDPattern  = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,63}$`)
	repositoryPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+/[A-Za-z0-9_.-]+$`)
)

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	if cfg.Service.TickInterval <= 0 {
		return fmt.Errorf("service.tick_interval must be positive")
	}
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(cfg.Service.LogLevel)] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if cfg.Service.LogFormat != "json" && cfg.Service.LogFormat != "text" {
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}
	if cfg.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}

	if cfg.Telegram.BotToken == "" {
		return fmt.Errorf("telegram.bot_token is required")
	}
	if err := unresolved("telegram.bot_token", cfg.Telegram.BotToken); err != nil {
		return err
	}
	if cfg.Telegram.SendRate < 0 || cfg.Telegram.Burst < 0 {
		return fmt.Errorf("telegram.send_rate and telegram.burst must not be negative")
	}

	if err := validateURL("agent.url", cfg.Agent.URL); err != nil {
		return err
	}
	if err := unresolved("agent.token", cfg.Agent.Token); err != nil {
		return err
	}
	if cfg.Approval.Timeout <= 0 {
		return fmt.Errorf("approval.timeout must be positive")
	}
	if cfg.Dispatch.Workers < 1 {
		return fmt.Errorf("dispatch.workers must be at least 1")
	}
	if cfg.Dispatch.MaxAttempts < 1 {
		return fmt.Errorf("dispatch.max_attempts must be at least 1")
	}
	if cfg.Dispatch.BackoffBase <= 0 || cfg.Dispatch.BackoffMax < cfg.Dispatch.BackoffBase {
		return fmt.Errorf("dispatch.backoff_base must be positive and not exceed dispatch.backoff_max")
	}

	if cfg.API.Enabled {
		for i, tok := range cfg.API.Auth.Tokens {
			field := fmt.Sprintf("api.auth.tokens[%d].token", i)
			if tok.Token == "" {
				return fmt.Errorf("%s is required", field)
			}
			if err := unresolved(field, tok.Token); err != nil {
				return err
			}
			if len(tok.Scopes) == 0 {
				return fmt.Errorf("api.auth.tokens[%d].scopes must be non-empty", i)
			}
		}
	}

	return validateProjects(cfg.Projects)
}

func validateProjects(projects []ProjectConfig) error {
	if len(projects) == 0 {
		return fmt.Errorf("at least one project is required")
	}
	seen := make(map[string]bool, len(projects))
	for i, p := range projects {
		prefix := fmt.Sprintf("projects[%d]", i)
		if !projectIDPattern.MatchString(p.ID) {
			return fmt.Errorf("%s.id %q must be 1-64 letters, digits, '.', '_' or '-'", prefix, p.ID)
		}
		if seen[p.ID] {
			return fmt.Errorf("%s.id %q is duplicated", prefix, p.ID)
		}
		seen[p.ID] = true

		if !repositoryPattern.MatchString(p.Repository) {
			return fmt.Errorf("%s (%s): repository must be owner/name (got %q)", prefix, p.ID, p.Repository)
		}
		if strings.ContainsAny(p.Branch, " ~^:?*[\\") {
			return fmt.Errorf("%s (%s): branch %q is not a valid ref name", prefix, p.ID, p.Branch)
		}
		if p.WebhookSecret == "" {
			return fmt.Errorf("%s (%s): webhook_secret is required", prefix, p.ID)
		}
		if err := unresolved(prefix+".webhook_secret", p.WebhookSecret); err != nil {
			return err
		}
		if p.ChatID == "" {
			return fmt.Errorf("%s (%s): chat_id is required", prefix, p.ID)
		}
		if p.AgentURL != "" {
			if err := validateURL(prefix+".agent_url", p.AgentURL); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateURL(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%s must be an http(s) URL (got %q)", field, raw)
	}
	return nil
}
