// Package protocol is the JSON contract between the gateway and the
// execution agent's /trigger endpoint.
package protocol

// Actions an agent can run.
const (
	ActionDeploy = "deploy"
	ActionDeny   = "deny"
)

// Result status values.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// TriggerRequest asks the agent to run the command configured for Action.
type TriggerRequest struct {
	Action       string `json:"action" validate:"required,oneof=deploy deny"`
	Branch       string `json:"branch" validate:"max=255"`
	User         string `json:"user" validate:"max=255"`
	Project      string `json:"project,omitempty" validate:"max=128"`
	DeploymentID string `json:"deployment_id,omitempty" validate:"max=64"`
}

// TriggerResponse carries a finished run, or an Error when the agent refused
// the request.
type TriggerResponse struct {
	Status     string `json:"status"`
	Action     string `json:"action,omitempty"`
	ExitCode   int    `json:"exit_code"`
	Stdout     string `json:"stdout,omitempty"`
	Stderr     string `json:"stderr,omitempty"`
	DurationMS int64  `json:"duration_ms"`
	TimedOut   bool   `json:"timed_out,omitempty"`
	Truncated  bool   `json:"truncated,omitempty"`
	Message    string `json:"message,omitempty"`
	Error      string `json:"error,omitempty"`
}

// ValidAction reports whether a is one the agent knows how to run.
func ValidAction(a string) bool {
	return a == ActionDeploy || a == ActionDeny
}

// Output joins stdout and stderr for storage on the deployment.
func (r *TriggerResponse) Output() string {
	switch {
	case r.Stderr == "":
		return r.Stdout
	case r.Stdout == "":
		return r.Stderr
	default:
		return r.Stdout + "\n--- stderr ---\n" + r.Stderr
	}
}
