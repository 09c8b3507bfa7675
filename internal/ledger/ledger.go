// Package ledger is the deployment record and its state machine. All writes
// for one project are serialised; different projects never contend.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/devcontrol/devcontrol/internal/events"
	"github.com/devcontrol/devcontrol/internal/lock"
	"github.com/devcontrol/devcontrol/internal/metrics"
	"github.com/devcontrol/devcontrol/internal/storage"
)

// MaxOutputBytes caps the stored agent output.
const MaxOutputBytes = 64 * 1024

// Publisher receives an event for every accepted transition.
type Publisher interface {
	Publish(eventType string, data any) events.Event
}

type Ledger struct {
	db      *sql.DB
	locks   *lock.Keyed
	events  Publisher
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

type Options struct {
	Locks   *lock.Keyed
	Events  Publisher
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

func New(db *sql.DB, opts Options) *Ledger {
	l := &Ledger{
		db:      db,
		locks:   opts.Locks,
		events:  opts.Events,
		metrics: opts.Metrics,
		logger:  opts.Logger,
		now:     time.Now,
	}
	if l.locks == nil {
		l.locks = lock.NewKeyed()
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	return l
}

const selectColumns = `id, project_id, state, commit_hash, commit_message, triggered_by, trigger_event_id,
  dedupe_key, reason, output, exit_code, created_at, resolved_at, deployed_at, updated_at`

// Create records a PENDING deployment. When a deployment with the same
// project, commit and dedupe key already exists it is returned unchanged with
// created=false.
func (l *Ledger) Create(ctx context.Context, nd NewDeployment) (Deployment, bool, error) {
	if nd.ProjectID == "" || nd.CommitHash == "" || nd.DedupeKey == "" {
		return Deployment{}, false, fmt.Errorf("new deployment needs project, commit and dedupe key")
	}
	if nd.TriggeredBy == "" {
		nd.TriggeredBy = "webhook"
	}

	unlock, err := l.locks.Lock(ctx, nd.ProjectID)
	if err != nil {
		return Deployment{}, false, err
	}
	defer unlock()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return Deployment{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	id := uuid.NewString()
	now := storage.FormatTime(l.now())
	res, err := tx.ExecContext(ctx, `
INSERT INTO deployments(id, project_id, state, commit_hash, commit_message, triggered_by, trigger_event_id, dedupe_key, created_at, updated_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(project_id, commit_hash, dedupe_key) DO NOTHING;
`, id, nd.ProjectID, StatePending, nd.CommitHash, nd.CommitMessage, nd.TriggeredBy, nd.TriggerEventID, nd.DedupeKey, now, now)
	if err != nil {
		return Deployment{}, false, fmt.Errorf("insert deployment: %w", err)
	}

	created := true
	if n, _ := res.RowsAffected(); n == 0 {
		created = false
	} else if err := insertTransition(ctx, tx, id, "", StatePending, nd.TriggeredBy, "", now); err != nil {
		return Deployment{}, false, err
	}

	d, err := scanDeployment(tx.QueryRowContext(ctx, `SELECT `+selectColumns+`
FROM deployments WHERE project_id = ? AND commit_hash = ? AND dedupe_key = ?;`, nd.ProjectID, nd.CommitHash, nd.DedupeKey))
	if err != nil {
		return Deployment{}, false, fmt.Errorf("load deployment: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Deployment{}, false, fmt.Errorf("commit tx: %w", err)
	}

	if created {
		l.logger.Info("deployment created", "deployment_id", d.ID, "project_id", d.ProjectID, "commit", d.ShortCommit(), "triggered_by", d.TriggeredBy)
		l.metrics.Transition("", string(StatePending))
		l.publish(d, "", nd.TriggeredBy)
	} else {
		l.logger.Info("duplicate deployment ignored", "deployment_id", d.ID, "project_id", d.ProjectID, "commit", d.ShortCommit())
	}
	return d, created, nil
}

// Transition moves a deployment to state to, recording actor and reason in
// the history. See TransitionOpts for conditional transitions.
func (l *Ledger) Transition(ctx context.Context, id string, to State, opts TransitionOpts) (Deployment, error) {
	current, err := l.Get(ctx, id)
	if err != nil {
		return Deployment{}, err
	}

	unlock, err := l.locks.Lock(ctx, current.ProjectID)
	if err != nil {
		return Deployment{}, err
	}
	defer unlock()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return Deployment{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Re-read under the lock; the row may have moved since Get.
	d, err := scanDeployment(tx.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM deployments WHERE id = ?;`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Deployment{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Deployment{}, fmt.Errorf("load deployment %s: %w", id, err)
	}

	if opts.Expect != "" && d.State != opts.Expect {
		return d, fmt.Errorf("%w: %s is %s, expected %s", ErrStateChanged, id, d.State, opts.Expect)
	}
	if !CanTransition(d.State, to) {
		return d, &InvalidTransitionError{ID: id, From: d.State, To: to}
	}

	nowT := l.now()
	now := storage.FormatTime(nowT)
	output := d.Output
	if opts.Output != nil {
		output = truncate(*opts.Output, MaxOutputBytes)
	}
	exitCode := d.ExitCode
	if opts.ExitCode != nil {
		exitCode = opts.ExitCode
	}
	var resolvedAt, deployedAt any
	switch to {
	case StateApproved, StateDenied, StateTimeout:
		resolvedAt = now
	case StateSuccess:
		deployedAt = now
	}

	_, err = tx.ExecContext(ctx, `
UPDATE deployments
SET state = ?, reason = ?, output = ?, exit_code = ?,
    resolved_at = COALESCE(?, resolved_at),
    deployed_at = COALESCE(?, deployed_at),
    updated_at = ?
WHERE id = ?;
`, to, opts.Reason, output, exitCode, resolvedAt, deployedAt, now, id)
	if err != nil {
		return Deployment{}, fmt.Errorf("update deployment %s: %w", id, err)
	}
	if err := insertTransition(ctx, tx, id, d.State, to, opts.Actor, opts.Reason, now); err != nil {
		return Deployment{}, err
	}
	if err := tx.Commit(); err != nil {
		return Deployment{}, fmt.Errorf("commit tx: %w", err)
	}

	from := d.State
	d.State = to
	d.Reason = opts.Reason
	d.Output = output
	d.ExitCode = exitCode
	d.UpdatedAt = nowT.UTC()
	if resolvedAt != nil {
		t := nowT.UTC()
		d.ResolvedAt = &t
	}
	if deployedAt != nil {
		t := nowT.UTC()
		d.DeployedAt = &t
	}

	l.logger.Info("deployment transition", "deployment_id", id, "project_id", d.ProjectID, "from", from, "to", to, "actor", opts.Actor, "reason", opts.Reason)
	l.metrics.Transition(string(from), string(to))
	l.publish(d, from, opts.Actor)
	return d, nil
}

func (l *Ledger) publish(d Deployment, from State, actor string) {
	if l.events == nil {
		return
	}
	l.events.Publish(events.DeploymentType(string(d.State)), map[string]any{
		"deployment_id": d.ID,
		"project_id":    d.ProjectID,
		"from":          from,
		"to":            d.State,
		"actor":         actor,
		"reason":        d.Reason,
		"commit":        d.ShortCommit(),
	})
}

func (l *Ledger) Get(ctx context.Context, id string) (Deployment, error) {
	d, err := scanDeployment(l.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM deployments WHERE id = ?;`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Deployment{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Deployment{}, fmt.Errorf("get deployment %s: %w", id, err)
	}
	return d, nil
}

// ListByProject returns a project's deployments, newest first.
func (l *Ledger) ListByProject(ctx context.Context, projectID string, limit int) ([]Deployment, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.list(ctx, `SELECT `+selectColumns+` FROM deployments
WHERE project_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?;`, projectID, limit)
}

// ListRecent returns deployments across all projects, newest first.
func (l *Ledger) ListRecent(ctx context.Context, limit int) ([]Deployment, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.list(ctx, `SELECT `+selectColumns+` FROM deployments
ORDER BY created_at DESC, rowid DESC LIMIT ?;`, limit)
}

// ListByState returns deployments in state created strictly before
// createdBefore, oldest first. A zero createdBefore matches all.
func (l *Ledger) ListByState(ctx context.Context, state State, createdBefore time.Time) ([]Deployment, error) {
	if createdBefore.IsZero() {
		return l.list(ctx, `SELECT `+selectColumns+` FROM deployments
WHERE state = ? ORDER BY created_at ASC, rowid ASC;`, state)
	}
	return l.list(ctx, `SELECT `+selectColumns+` FROM deployments
WHERE state = ? AND created_at < ? ORDER BY created_at ASC, rowid ASC;`, state, storage.FormatTime(createdBefore))
}

// History returns the accepted transitions of a deployment in order.
func (l *Ledger) History(ctx context.Context, id string) ([]Transition, error) {
	rows, err := l.db.QueryContext(ctx, `
SELECT deployment_id, from_state, to_state, actor, reason, at
FROM deployment_transitions WHERE deployment_id = ? ORDER BY id ASC;
`, id)
	if err != nil {
		return nil, fmt.Errorf("load history for %s: %w", id, err)
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var (
			t        Transition
			from, to string
			at       string
		)
		if err := rows.Scan(&t.DeploymentID, &from, &to, &t.Actor, &t.Reason, &at); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		t.From, t.To = State(from), State(to)
		t.At = storage.ParseTime(at)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (l *Ledger) list(ctx context.Context, query string, args ...any) ([]Deployment, error) {
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	defer rows.Close()

	var out []Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan deployment: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertTransition(ctx context.Context, tx execer, id string, from, to State, actor, reason, at string) error {
	if actor == "" {
		actor = "system"
	}
	_, err := tx.ExecContext(ctx, `
INSERT INTO deployment_transitions(deployment_id, from_state, to_state, actor, reason, at)
VALUES(?, ?, ?, ?, ?, ?);
`, id, from, to, actor, reason, at)
	if err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDeployment(row scanner) (Deployment, error) {
	var (
		d                    Deployment
		state                string
		exitCode             sql.NullInt64
		createdAt, updatedAt string
		resolvedAt           sql.NullString
		deployedAt           sql.NullString
	)
	err := row.Scan(&d.ID, &d.ProjectID, &state, &d.CommitHash, &d.CommitMessage, &d.TriggeredBy, &d.TriggerEventID,
		&d.DedupeKey, &d.Reason, &d.Output, &exitCode, &createdAt, &resolvedAt, &deployedAt, &updatedAt)
	if err != nil {
		return Deployment{}, err
	}
	d.State = State(state)
	if exitCode.Valid {
		code := int(exitCode.Int64)
		d.ExitCode = &code
	}
	d.CreatedAt = storage.ParseTime(createdAt)
	d.UpdatedAt = storage.ParseTime(updatedAt)
	d.ResolvedAt = storage.ParseNullTime(resolvedAt)
	d.DeployedAt = storage.ParseNullTime(deployedAt)
	return d, nil
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && n-cut < utf8.UTFMax && !utf8.RuneStart(s[cut]) {
		cut--
	}
	if !utf8.RuneStart(s[cut]) {
		cut = n
	}
	return s[:cut]
}
