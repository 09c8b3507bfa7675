package storage

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "devcontrol.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestOpenSQLiteBootstrapsTables(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)

	for _, table := range []string{"projects", "webhook_events", "deployments", "deployment_transitions", "job_queue", "job_log"} {
		var name string
		if err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?;", table).Scan(&name); err != nil {
			t.Fatalf("table %q missing: %v", table, err)
		}
	}
}

func TestBootstrapIsIdempotent(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)

	if err := BootstrapSQLite(context.Background(), db); err != nil {
		t.Fatalf("second bootstrap: %v", err)
	}
}

func TestProjectDeleteCascades(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	ctx := context.Background()
	now := FormatTime(time.Now())

	mustExec := func(q string, args ...any) {
		t.Helper()
		if _, err := db.ExecContext(ctx, q, args...); err != nil {
			t.Fatalf("exec %q: %v", q, err)
		}
	}
	mustExec(`INSERT INTO projects(id, name, repository, branch, webhook_secret, created_at, updated_at) VALUES('p1','p','o/r','main','s',?,?)`, now, now)
	mustExec(`INSERT INTO webhook_events(id, project_id, kind, fingerprint, payload, received_at) VALUES('e1','p1','push','f',x'7b7d',?)`, now)
	mustExec(`INSERT INTO deployments(id, project_id, state, commit_hash, triggered_by, dedupe_key, created_at, updated_at) VALUES('d1','p1','PENDING','abc','webhook','k',?,?)`, now, now)
	mustExec(`DELETE FROM projects WHERE id='p1'`)

	for _, table := range []string{"webhook_events", "deployments"} {
		var n int
		if err := db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
			t.Fatalf("count %s: %v", table, err)
		}
		if n != 0 {
			t.Fatalf("expected %s to be empty after cascade, got %d rows", table, n)
		}
	}
}

func TestTimeRoundTrip(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 4, 5, 6, 7, 8, time.UTC)
	if got := ParseTime(FormatTime(now)); !got.Equal(now) {
		t.Fatalf("ParseTime(FormatTime) = %v, want %v", got, now)
	}
	if !ParseTime("garbage").IsZero() {
		t.Fatalf("expected zero time for bad input")
	}
	if ParseNullTime(sql.NullString{}) != nil {
		t.Fatalf("expected nil for NULL column")
	}
	if got := ParseNullTime(sql.NullString{String: FormatTime(now), Valid: true}); got == nil || !got.Equal(now) {
		t.Fatalf("ParseNullTime = %v", got)
	}
}
