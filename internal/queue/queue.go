package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/devcontrol/devcontrol/internal/storage"
)

const (
	defaultMaxAttempts = 5
	jobColumns         = `id, kind, deployment_id, payload, status, attempt, max_attempts, submitted_by, dedupe_key,
  created_at, started_at, completed_at, next_retry_at, last_error`
)

// Queue is the durable outbox of broker work.
type Queue struct {
	db  *sql.DB
	now func() time.Time
}

func New(db *sql.DB) *Queue {
	return &Queue{db: db, now: time.Now}
}

// Enqueue adds a job. When req.DedupeKey matches a live job, that job's id
// is returned with created=false and nothing is inserted.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (id string, created bool, err error) {
	if req.Kind == "" {
		return "", false, fmt.Errorf("kind is empty")
	}
	if req.DeploymentID == "" {
		return "", false, fmt.Errorf("deployment_id is empty")
	}
	if req.SubmittedBy == "" {
		return "", false, fmt.Errorf("submitted_by is empty")
	}

	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	var payload any
	if len(req.Payload) > 0 {
		payload = string(req.Payload)
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if req.DedupeKey != nil {
		var existing string
		err := tx.QueryRowContext(ctx, `
SELECT id FROM job_queue
WHERE dedupe_key = ? AND status IN (?, ?)
ORDER BY created_at ASC
LIMIT 1;
`, *req.DedupeKey, StatusQueued, StatusRunning).Scan(&existing)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", false, fmt.Errorf("check dedupe key: %w", err)
		}
	}

	id = uuid.NewString()
	_, err = tx.ExecContext(ctx, `
INSERT INTO job_queue(
  id, kind, deployment_id, payload, status, attempt, max_attempts, submitted_by, dedupe_key, created_at
)
VALUES(?, ?, ?, ?, ?, 1, ?, ?, ?, ?);
`, id, req.Kind, req.DeploymentID, payload, StatusQueued, maxAttempts, req.SubmittedBy, req.DedupeKey, storage.FormatTime(q.now()))
	if err != nil {
		return "", false, fmt.Errorf("enqueue job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", false, fmt.Errorf("commit tx: %w", err)
	}
	return id, true, nil
}

// Dequeue claims the oldest due queued job and marks it running. Returns
// (nil, nil) if nothing is due.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	nowS := storage.FormatTime(q.now())

	row := q.db.QueryRowContext(ctx, `
WITH next AS (
  SELECT id
  FROM job_queue
  WHERE status = ? AND (next_retry_at IS NULL OR next_retry_at <= ?)
  ORDER BY created_at ASC, rowid ASC
  LIMIT 1
)
UPDATE job_queue
SET status = ?, started_at = ?
WHERE id IN (SELECT id FROM next)
RETURNING `+jobColumns+`;
`, StatusQueued, nowS, StatusRunning, nowS)

	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue job: %w", err)
	}
	return j, nil
}

// Retry puts a running job back in the queue for another attempt at
// nextAttempt.
func (q *Queue) Retry(ctx context.Context, jobID string, nextAttempt time.Time, lastError string) error {
	res, err := q.db.ExecContext(ctx, `
UPDATE job_queue
SET status = ?, attempt = attempt + 1, next_retry_at = ?, last_error = ?, started_at = NULL
WHERE id = ? AND status = ?;
`, StatusQueued, storage.FormatTime(nextAttempt), lastError, jobID, StatusRunning)
	if err != nil {
		return fmt.Errorf("retry job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("retry job %s: %w", jobID, ErrJobNotFound)
	}
	return nil
}

// Complete marks a job terminal and appends a row to job_log.
func (q *Queue) Complete(ctx context.Context, jobID string, status Status, lastError *string) error {
	if jobID == "" {
		return fmt.Errorf("jobID is empty")
	}
	if !status.Terminal() {
		return fmt.Errorf("invalid terminal status: %q", status)
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		kind         string
		deploymentID string
		attempt      int
		submittedBy  string
		createdAt    string
	)
	err = tx.QueryRowContext(ctx, `
SELECT kind, deployment_id, attempt, submitted_by, created_at
FROM job_queue
WHERE id = ?;
`, jobID).Scan(&kind, &deploymentID, &attempt, &submittedBy, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("complete job %s: %w", jobID, ErrJobNotFound)
	}
	if err != nil {
		return fmt.Errorf("load job for completion: %w", err)
	}

	completedAt := storage.FormatTime(q.now())
	_, err = tx.ExecContext(ctx, `
UPDATE job_queue
SET status = ?, completed_at = ?, last_error = ?
WHERE id = ?;
`, status, completedAt, lastError, jobID)
	if err != nil {
		return fmt.Errorf("update job completion: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO job_log(id, kind, deployment_id, status, attempt, submitted_by, created_at, completed_at, last_error)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?);
`, fmt.Sprintf("%s-%d", jobID, attempt), kind, deploymentID, status, attempt, submittedBy, createdAt, completedAt, lastError)
	if err != nil {
		return fmt.Errorf("insert job_log: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// RequeueRunning returns jobs left running by a previous process to the
// queue. Only safe before any worker starts.
func (q *Queue) RequeueRunning(ctx context.Context) (int, error) {
	res, err := q.db.ExecContext(ctx, `
UPDATE job_queue SET status = ?, started_at = NULL WHERE status = ?;
`, StatusQueued, StatusRunning)
	if err != nil {
		return 0, fmt.Errorf("requeue running jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Prune deletes job_log rows and terminal job_queue rows completed before
// cutoff.
func (q *Queue) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	c := storage.FormatTime(cutoff)
	res, err := q.db.ExecContext(ctx, `DELETE FROM job_log WHERE completed_at < ?;`, c)
	if err != nil {
		return 0, fmt.Errorf("prune job_log: %w", err)
	}
	n, _ := res.RowsAffected()

	if _, err := q.db.ExecContext(ctx, `
DELETE FROM job_queue WHERE status IN (?, ?, ?) AND completed_at < ?;
`, StatusSucceeded, StatusFailed, StatusDead, c); err != nil {
		return n, fmt.Errorf("prune job_queue: %w", err)
	}
	return n, nil
}

// Counts returns the number of jobs in each status.
func (q *Queue) Counts(ctx context.Context) (map[Status]int, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM job_queue GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	out := make(map[Status]int)
	for rows.Next() {
		var (
			s string
			n int
		)
		if err := rows.Scan(&s, &n); err != nil {
			return nil, fmt.Errorf("scan job count: %w", err)
		}
		out[Status(s)] = n
	}
	return out, rows.Err()
}

// ListByDeployment returns a deployment's jobs, oldest first.
func (q *Queue) ListByDeployment(ctx context.Context, deploymentID string) ([]Job, error) {
	rows, err := q.db.QueryContext(ctx, `
SELECT `+jobColumns+`
FROM job_queue
WHERE deployment_id = ?
ORDER BY created_at ASC, rowid ASC;
`, deploymentID)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*Job, error) {
	var (
		j            Job
		kind         string
		statusS      string
		payload      sql.NullString
		dedupeKey    sql.NullString
		createdAtS   string
		startedAtS   sql.NullString
		completedAtS sql.NullString
		nextRetryAtS sql.NullString
		lastError    sql.NullString
	)
	if err := row.Scan(
		&j.ID, &kind, &j.DeploymentID, &payload, &statusS, &j.Attempt, &j.MaxAttempts, &j.SubmittedBy, &dedupeKey,
		&createdAtS, &startedAtS, &completedAtS, &nextRetryAtS, &lastError,
	); err != nil {
		return nil, err
	}

	j.Kind = Kind(kind)
	j.Status = Status(statusS)
	if payload.Valid {
		j.Payload = []byte(payload.String)
	}
	if dedupeKey.Valid {
		j.DedupeKey = &dedupeKey.String
	}
	j.CreatedAt = storage.ParseTime(createdAtS)
	j.StartedAt = storage.ParseNullTime(startedAtS)
	j.CompletedAt = storage.ParseNullTime(completedAtS)
	j.NextRetryAt = storage.ParseNullTime(nextRetryAtS)
	if lastError.Valid {
		j.LastError = &lastError.String
	}
	return &j, nil
}
