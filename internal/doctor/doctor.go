// Package doctor checks a loaded devcontrol configuration for settings that
// parse and validate but will not behave the way the operator expects.
package doctor

import (
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/devcontrol/devcontrol/internal/auth"
	"github.com/devcontrol/devcontrol/internal/config"
)

// minSecretLength is the shortest webhook secret accepted without a warning.
const minSecretLength = 16

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// AddError records an error found outside the doctor, such as a load or
// integrity failure.
func (r *Result) AddError(category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
	r.Valid = false
}

// AddWarning records a warning found outside the doctor.
func (r *Result) AddWarning(category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// Doctor validates a loaded configuration.
type Doctor struct {
	cfg *config.Config
}

func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateSchedule(r)
	d.validateAPIConfig(r)
	d.validateTokenScopes(r)
	d.validateProjects(r)
	d.validateAgent(r)
	d.warnRetryWindow(r)

	r.Valid = len(r.Errors) == 0
	return r
}

// validateSchedule flags a sweep slower than the approval window.
func (d *Doctor) validateSchedule(r *Result) {
	tick, window := d.cfg.Service.TickInterval, d.cfg.Approval.Timeout
	if tick > window {
		r.AddWarning("schedule", "service.tick_interval",
			fmt.Sprintf("tick_interval %s exceeds approval.timeout %s; approvals may expire up to %s late", tick, window, tick))
	}
}

// validateAPIConfig checks API server settings.
func (d *Doctor) validateAPIConfig(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	if d.cfg.API.Listen == "" {
		r.AddError("api", "api.listen", "api.listen is required when API is enabled")
	}
	if len(d.cfg.API.Auth.Tokens) == 0 {
		r.AddWarning("api", "api.auth", "API enabled but no tokens configured; every protected route will return 401")
	}
	if !isLoopback(d.cfg.API.Listen) {
		r.AddWarning("api", "api.listen",
			fmt.Sprintf("API listens on %s; put it behind TLS or bind it to loopback", d.cfg.API.Listen))
	}
}

// validateTokenScopes checks that every scope is one the API grants.
func (d *Doctor) validateTokenScopes(r *Result) {
	seen := make(map[string]int)
	for i, token := range d.cfg.API.Auth.Tokens {
		field := fmt.Sprintf("api.auth.tokens[%d]", i)
		if token.Name == "" {
			r.AddWarning("token_scopes", field+".name", "token has no name; requests will be logged as anonymous")
		}
		if prev, dup := seen[token.Token]; dup && token.Token != "" {
			r.AddError("token_scopes", field+".token",
				fmt.Sprintf("token value duplicates api.auth.tokens[%d]", prev))
		}
		seen[token.Token] = i

		for j, scope := range token.Scopes {
			if !auth.KnownScope(scope) {
				r.AddError("token_scopes", fmt.Sprintf("%s.scopes[%d]", field, j),
					fmt.Sprintf("unknown scope %q (expected *, deployments:ro, deployments:rw or events:ro)", scope))
			}
		}
	}
}

// validateProjects checks the fields the config validator accepts as
// strings but Telegram and GitHub constrain further.
func (d *Doctor) validateProjects(r *Result) {
	targets := make(map[string]string)
	for i, p := range d.cfg.Projects {
		field := fmt.Sprintf("projects[%d]", i)

		if _, err := strconv.ParseInt(strings.TrimSpace(p.ChatID), 10, 64); err != nil {
			r.AddError("projects", field+".chat_id",
				fmt.Sprintf("project %q: chat_id %q is not a Telegram chat id; send /start to the bot to find it", p.ID, p.ChatID))
		}
		if len(p.WebhookSecret) < minSecretLength {
			r.AddWarning("projects", field+".webhook_secret",
				fmt.Sprintf("project %q: webhook secret is shorter than %d characters", p.ID, minSecretLength))
		}

		target := p.Repository + "@" + p.Branch
		if other, dup := targets[target]; dup {
			r.AddWarning("projects", field,
				fmt.Sprintf("project %q deploys the same repository and branch as %q; each push will ask twice", p.ID, other))
		}
		targets[target] = p.ID
	}
}

// validateAgent warns about agent traffic that travels unauthenticated or
// in clear text.
func (d *Doctor) validateAgent(r *Result) {
	type target struct{ field, raw string }
	targets := []target{{"agent.url", d.cfg.Agent.URL}}
	for i, p := range d.cfg.Projects {
		if p.AgentURL != "" {
			targets = append(targets, target{fmt.Sprintf("projects[%d].agent_url", i), p.AgentURL})
		}
	}
	remote := false
	for _, t := range targets {
		field := t.field
		u, err := url.Parse(t.raw)
		if err != nil {
			continue
		}
		if isLoopback(u.Host) {
			continue
		}
		remote = true
		if u.Scheme == "http" {
			r.AddWarning("agent", field,
				fmt.Sprintf("agent %s is reached over plain HTTP; command output crosses the network unencrypted", u.Host))
		}
	}
	if remote && d.cfg.Agent.Token == "" {
		r.AddWarning("agent", "agent.token", "a remote agent is configured without agent.token; anyone who can reach it can trigger deployments")
	}
}

// warnRetryWindow flags delivery retries that can outlast the approval
// window.
func (d *Doctor) warnRetryWindow(r *Result) {
	dc := d.cfg.Dispatch
	var total time.Duration
	for attempt := 1; attempt < dc.MaxAttempts; attempt++ {
		step := dc.BackoffBase << (attempt - 1)
		if step <= 0 || step > dc.BackoffMax {
			step = dc.BackoffMax
		}
		total += step
	}
	if total > d.cfg.Approval.Timeout {
		r.AddWarning("dispatch", "dispatch.max_attempts",
			fmt.Sprintf("approval delivery may keep retrying for %s, longer than approval.timeout %s", total, d.cfg.Approval.Timeout))
	}
}

func isLoopback(hostport string) bool {
	host := hostport
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		host = h
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid && len(r.Warnings) > 0 {
		b.WriteString("Configuration valid")
		fmt.Fprintf(&b, " (%d warning(s))\n", len(r.Warnings))
	}

	if !r.Valid {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
