// Package project stores the repositories devcontrol deploys. Records are
// seeded from the gateway config at startup and read on every webhook.
package project

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/devcontrol/devcontrol/internal/log"
	"github.com/devcontrol/devcontrol/internal/storage"
)

// ErrNotFound is returned when no project has the requested id.
var ErrNotFound = errors.New("project not found")

// Project is one deployable repository and where its approvals go.
type Project struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Repository    string    `json:"repository"`
	Branch        string    `json:"branch"`
	WebhookSecret string    `json:"-"`
	ChatID        string    `json:"chat_id"`
	AgentURL      string    `json:"agent_url,omitempty"`
	Connected     bool      `json:"connected"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// BranchRef is the git ref a push must carry to trigger a deployment.
func (p Project) BranchRef() string {
	return "refs/heads/" + p.Branch
}

// Store is the SQLite-backed project table fronted by a small TTL cache.
type Store struct {
	db    *sql.DB
	cache  *expirable.LRU[string, Project]
	logger *slog.Logger
	now    func() time.Time
}

// Options tunes the lookup cache.
type Options struct {
	CacheSize int
	CacheTTL  time.Duration
	Logger    *slog.Logger
}

func NewStore(db *sql.DB, opts Options) *Store {
	if opts.CacheSize <= 0 {
		opts.CacheSize = 128
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = log.WithComponent("project")
	}
	return &Store{
		db:     db,
		cache:  expirable.NewLRU[string, Project](opts.CacheSize, nil, opts.CacheTTL),
		logger: opts.Logger,
		now:    time.Now,
	}
}

// Upsert inserts p or updates the mutable columns of an existing row. The
// connected flag and created_at of an existing row are left alone.
func (s *Store) Upsert(ctx context.Context, p Project) error {
	if p.ID == "" {
		return fmt.Errorf("project id is empty")
	}
	now := storage.FormatTime(s.now())
	_, err := s.db.ExecContext(ctx, `
INSERT INTO projects(id, name, repository, branch, webhook_secret, chat_id, agent_url, connected, created_at, updated_at)
VALUES(?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  name = excluded.name,
  repository = excluded.repository,
  branch = excluded.branch,
  webhook_secret = excluded.webhook_secret,
  chat_id = excluded.chat_id,
  agent_url = excluded.agent_url,
  updated_at = excluded.updated_at;
`, p.ID, p.Name, p.Repository, p.Branch, p.WebhookSecret, p.ChatID, p.AgentURL, now, now)
	if err != nil {
		return fmt.Errorf("upsert project %s: %w", p.ID, err)
	}
	s.cache.Remove(p.ID)
	return nil
}

// Seed makes the table match ps: every project in ps is upserted and any
// stored project missing from ps is deleted, taking its events and
// deployments with it. A project dropped from the config stops accepting
// webhooks on the next start.
func (s *Store) Seed(ctx context.Context, ps []Project) error {
	keep := make(map[string]struct{}, len(ps))
	for _, p := range ps {
		if err := s.Upsert(ctx, p); err != nil {
			return err
		}
		keep[p.ID] = struct{}{}
	}

	stored, err := s.List(ctx)
	if err != nil {
		return err
	}
	for _, p := range stored {
		if _, ok := keep[p.ID]; ok {
			continue
		}
		if err := s.Delete(ctx, p.ID); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		s.logger.Warn("project removed from config, deleted with its history", "project_id", p.ID, "repository", p.Repository)
	}
	return nil
}

// Get returns the project with id, from cache when fresh.
func (s *Store) Get(ctx context.Context, id string) (Project, error) {
	if p, ok := s.cache.Get(id); ok {
		return p, nil
	}
	row := s.db.QueryRowContext(ctx, `
SELECT id, name, repository, branch, webhook_secret, chat_id, agent_url, connected, created_at, updated_at
FROM projects WHERE id = ?;
`, id)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Project{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Project{}, fmt.Errorf("get project %s: %w", id, err)
	}
	s.cache.Add(id, p)
	return p, nil
}

// List returns all projects ordered by id.
func (s *Store) List(ctx context.Context) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, name, repository, branch, webhook_secret, chat_id, agent_url, connected, created_at, updated_at
FROM projects ORDER BY id;
`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var out []Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SetConnected records whether GitHub has confirmed the webhook.
func (s *Store) SetConnected(ctx context.Context, id string, connected bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE projects SET connected = ?, updated_at = ? WHERE id = ?;`,
		boolToInt(connected), storage.FormatTime(s.now()), id)
	if err != nil {
		return fmt.Errorf("set connected for %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.cache.Remove(id)
	return nil
}

// Delete removes a project; its events and deployments go with it.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id = ?;`, id)
	if err != nil {
		return fmt.Errorf("delete project %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.cache.Remove(id)
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProject(row scanner) (Project, error) {
	var (
		p                    Project
		connected            int
		createdAt, updatedAt string
	)
	if err := row.Scan(&p.ID, &p.Name, &p.Repository, &p.Branch, &p.WebhookSecret, &p.ChatID, &p.AgentURL, &connected, &createdAt, &updatedAt); err != nil {
		return Project{}, err
	}
	p.Connected = connected != 0
	p.CreatedAt = storage.ParseTime(createdAt)
	p.UpdatedAt = storage.ParseTime(updatedAt)
	return p, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
