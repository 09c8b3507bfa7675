// Package eventstore is the append-only log of webhook deliveries.
package eventstore

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/devcontrol/devcontrol/internal/storage"
)

// ErrNotFound is returned by Get for an unknown event id.
var ErrNotFound = errors.New("webhook event not found")

// DefaultListLimit bounds ListByProject when no limit is given.
const DefaultListLimit = 50

// Event is one received webhook delivery.
type Event struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"project_id"`
	Kind        string    `json:"kind"`
	DeliveryID  string    `json:"delivery_id,omitempty"`
	Fingerprint string    `json:"fingerprint"`
	Payload     []byte    `json:"-"`
	ReceivedAt  time.Time `json:"received_at"`
}

// Fingerprint identifies a payload by content: blake3:<hex> of the raw body.
// Redelivered webhooks share a fingerprint.
func Fingerprint(payload []byte) string {
	sum := blake3.Sum256(payload)
	return "blake3:" + hex.EncodeToString(sum[:])
}

type Store struct {
	db  *sql.DB
	now func() time.Time
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Append records a delivery. ID, Fingerprint and ReceivedAt are filled in.
func (s *Store) Append(ctx context.Context, ev Event) (Event, error) {
	if ev.ProjectID == "" {
		return Event{}, fmt.Errorf("event project id is empty")
	}
	if ev.Payload == nil {
		ev.Payload = []byte{}
	}
	ev.ID = uuid.NewString()
	ev.Fingerprint = Fingerprint(ev.Payload)
	ev.ReceivedAt = s.now().UTC()

	_, err := s.db.ExecContext(ctx, `
INSERT INTO webhook_events(id, project_id, kind, delivery_id, fingerprint, payload, received_at)
VALUES(?, ?, ?, ?, ?, ?, ?);
`, ev.ID, ev.ProjectID, ev.Kind, ev.DeliveryID, ev.Fingerprint, ev.Payload, storage.FormatTime(ev.ReceivedAt))
	if err != nil {
		return Event{}, fmt.Errorf("append webhook event: %w", err)
	}
	return ev, nil
}

// Get returns the event with id including its raw payload.
func (s *Store) Get(ctx context.Context, id string) (Event, error) {
	var (
		ev         Event
		receivedAt string
	)
	err := s.db.QueryRowContext(ctx, `
SELECT id, project_id, kind, delivery_id, fingerprint, payload, received_at
FROM webhook_events WHERE id = ?;
`, id).Scan(&ev.ID, &ev.ProjectID, &ev.Kind, &ev.DeliveryID, &ev.Fingerprint, &ev.Payload, &receivedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Event{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Event{}, fmt.Errorf("get webhook event %s: %w", id, err)
	}
	ev.ReceivedAt = storage.ParseTime(receivedAt)
	return ev, nil
}

// ListByProject returns the newest events for a project, newest first.
// Payloads are not loaded.
func (s *Store) ListByProject(ctx context.Context, projectID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, project_id, kind, delivery_id, fingerprint, received_at
FROM webhook_events
WHERE project_id = ?
ORDER BY received_at DESC, rowid DESC
LIMIT ?;
`, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("list webhook events: %w", err)
	}
	defer rows.Close()

	out := make([]Event, 0, limit)
	for rows.Next() {
		var (
			ev         Event
			receivedAt string
		)
		if err := rows.Scan(&ev.ID, &ev.ProjectID, &ev.Kind, &ev.DeliveryID, &ev.Fingerprint, &receivedAt); err != nil {
			return nil, fmt.Errorf("scan webhook event: %w", err)
		}
		ev.ReceivedAt = storage.ParseTime(receivedAt)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// CountByFingerprint reports how many times a payload has been received for
// a project.
func (s *Store) CountByFingerprint(ctx context.Context, projectID, fingerprint string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM webhook_events WHERE project_id = ? AND fingerprint = ?;`,
		projectID, fingerprint).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count webhook events: %w", err)
	}
	return n, nil
}
