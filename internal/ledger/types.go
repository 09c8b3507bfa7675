package ledger

import (
	"errors"
	"fmt"
	"time"
)

type State string

const (
	StatePending  State = "PENDING"
	StateApproved State = "APPROVED"
	StateDenied   State = "DENIED"
	StateTimeout  State = "TIMEOUT"
	StateRunning  State = "RUNNING"
	StateSuccess  State = "SUCCESS"
	StateFailed   State = "FAILED"
)

// edges is the complete deployment state graph.
var edges = map[State][]State{
	StatePending:  {StateApproved, StateDenied, StateTimeout},
	StateApproved: {StateRunning, StateFailed},
	StateDenied:   {StateRunning, StateFailed},
	StateRunning:  {StateSuccess, StateFailed},
}

// CanTransition reports whether from -> to is an edge of the graph.
func CanTransition(from, to State) bool {
	for _, s := range edges[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal states have no outgoing edges.
func (s State) Terminal() bool {
	return s == StateTimeout || s == StateSuccess || s == StateFailed
}

// Valid reports whether s is one of the known states.
func (s State) Valid() bool {
	switch s {
	case StatePending, StateApproved, StateDenied, StateTimeout, StateRunning, StateSuccess, StateFailed:
		return true
	}
	return false
}

var (
	ErrNotFound = errors.New("deployment not found")
	// ErrStateChanged means an expected-state check lost a race. Callers
	// treat it as a late or duplicate response.
	ErrStateChanged      = errors.New("deployment state changed")
	ErrInvalidTransition = errors.New("invalid deployment transition")
)

// InvalidTransitionError is a request to move along an edge the graph does
// not have. It indicates a bug in the caller.
type InvalidTransitionError struct {
	ID   string
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid deployment transition %s -> %s for %s", e.From, e.To, e.ID)
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

type Deployment struct {
	ID             string     `json:"id"`
	ProjectID      string     `json:"project_id"`
	State          State      `json:"state"`
	CommitHash     string     `json:"commit_hash"`
	CommitMessage  string     `json:"commit_message,omitempty"`
	TriggeredBy    string     `json:"triggered_by"`
	TriggerEventID string     `json:"trigger_event_id,omitempty"`
	DedupeKey      string     `json:"dedupe_key"`
	Reason         string     `json:"reason,omitempty"`
	Output         string     `json:"output,omitempty"`
	ExitCode       *int       `json:"exit_code,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	DeployedAt     *time.Time `json:"deployed_at,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// ShortCommit is the first seven characters of the commit hash.
func (d Deployment) ShortCommit() string {
	if len(d.CommitHash) > 7 {
		return d.CommitHash[:7]
	}
	return d.CommitHash
}

type NewDeployment struct {
	ProjectID      string
	CommitHash     string
	CommitMessage  string
	TriggeredBy    string
	TriggerEventID string
	DedupeKey      string
}

type TransitionOpts struct {
	Actor  string
	Reason string
	// Output and ExitCode overwrite the stored values when non-nil.
	Output   *string
	ExitCode *int
	// Expect, when set, makes the transition conditional on the current
	// state. A mismatch returns ErrStateChanged.
	Expect State
}

type Transition struct {
	DeploymentID string    `json:"deployment_id"`
	From         State     `json:"from"`
	To           State     `json:"to"`
	Actor        string    `json:"actor"`
	Reason       string    `json:"reason,omitempty"`
	At           time.Time `json:"at"`
}
