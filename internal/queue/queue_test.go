package queue

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/devcontrol/devcontrol/internal/storage"
)

func openTestQueue(t *testing.T) (*Queue, *sql.DB) {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db), db
}

func notify(deploymentID string) EnqueueRequest {
	return EnqueueRequest{Kind: KindNotify, DeploymentID: deploymentID, SubmittedBy: "webhook"}
}

func TestQueueEnqueueDequeueFIFO(t *testing.T) {
	t.Parallel()
	q, _ := openTestQueue(t)
	ctx := context.Background()

	id1, created, err := q.Enqueue(ctx, notify("d1"))
	if err != nil || !created {
		t.Fatalf("Enqueue 1: %v created=%v", err, created)
	}
	id2, _, err := q.Enqueue(ctx, notify("d2"))
	if err != nil {
		t.Fatalf("Enqueue 2: %v", err)
	}

	j1, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue 1: %v", err)
	}
	if j1 == nil || j1.ID != id1 || j1.Status != StatusRunning || j1.StartedAt == nil || j1.Kind != KindNotify {
		t.Fatalf("unexpected job1: %#v", j1)
	}
	j2, err := q.Dequeue(ctx)
	if err != nil || j2 == nil || j2.ID != id2 {
		t.Fatalf("unexpected job2: %#v (%v)", j2, err)
	}
	j3, err := q.Dequeue(ctx)
	if err != nil || j3 != nil {
		t.Fatalf("expected empty queue, got %#v (%v)", j3, err)
	}
}

func TestQueueEnqueueDedupe(t *testing.T) {
	t.Parallel()
	q, _ := openTestQueue(t)
	ctx := context.Background()

	key := "execute:d1"
	req := EnqueueRequest{Kind: KindExecute, DeploymentID: "d1", SubmittedBy: "broker", DedupeKey: &key}

	id1, created, err := q.Enqueue(ctx, req)
	if err != nil || !created {
		t.Fatalf("Enqueue: %v", err)
	}
	id2, created, err := q.Enqueue(ctx, req)
	if err != nil || created || id2 != id1 {
		t.Fatalf("duplicate Enqueue = %s, %v, %v; want %s, false", id2, created, err, id1)
	}

	// Once the live job finishes the key is free again.
	if _, err := q.Dequeue(ctx); err != nil {
		t.Fatal(err)
	}
	if err := q.Complete(ctx, id1, StatusSucceeded, nil); err != nil {
		t.Fatal(err)
	}
	id3, created, err := q.Enqueue(ctx, req)
	if err != nil || !created || id3 == id1 {
		t.Fatalf("Enqueue after completion = %s, %v, %v", id3, created, err)
	}
}

func TestQueueEnqueueValidation(t *testing.T) {
	t.Parallel()
	q, _ := openTestQueue(t)
	for _, req := range []EnqueueRequest{
		{DeploymentID: "d", SubmittedBy: "x"},
		{Kind: KindNotify, SubmittedBy: "x"},
		{Kind: KindNotify, DeploymentID: "d"},
	} {
		if _, _, err := q.Enqueue(context.Background(), req); err == nil {
			t.Errorf("Enqueue(%+v) succeeded, want error", req)
		}
	}
}

func TestQueueRetryHonoursNextAttempt(t *testing.T) {
	t.Parallel()
	q, _ := openTestQueue(t)
	ctx := context.Background()

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return now }

	id, _, err := q.Enqueue(ctx, notify("d1"))
	if err != nil {
		t.Fatal(err)
	}
	j, err := q.Dequeue(ctx)
	if err != nil || j == nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if j.Exhausted() {
		t.Fatal("first attempt should not be exhausted")
	}

	if err := q.Retry(ctx, id, now.Add(10*time.Second), "send failed"); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if j, _ := q.Dequeue(ctx); j != nil {
		t.Fatalf("job dequeued before its retry time: %#v", j)
	}

	now = now.Add(10 * time.Second)
	j, err = q.Dequeue(ctx)
	if err != nil || j == nil {
		t.Fatalf("Dequeue after backoff: %v", err)
	}
	if j.Attempt != 2 || j.LastError == nil || *j.LastError != "send failed" {
		t.Fatalf("unexpected retried job: %#v", j)
	}

	if err := q.Retry(ctx, "missing", now, "x"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("Retry(missing) = %v", err)
	}
}

func TestQueueCompleteWritesLog(t *testing.T) {
	t.Parallel()
	q, db := openTestQueue(t)
	ctx := context.Background()

	id, _, _ := q.Enqueue(ctx, notify("d1"))
	if _, err := q.Dequeue(ctx); err != nil {
		t.Fatal(err)
	}
	msg := "gave up"
	if err := q.Complete(ctx, id, StatusDead, &msg); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if err := q.Complete(ctx, id, StatusQueued, nil); err == nil {
		t.Fatal("Complete with non-terminal status should fail")
	}

	var status, lastErr string
	if err := db.QueryRowContext(ctx, `SELECT status, last_error FROM job_log WHERE deployment_id = ?`, "d1").Scan(&status, &lastErr); err != nil {
		t.Fatalf("query job_log: %v", err)
	}
	if status != string(StatusDead) || lastErr != msg {
		t.Fatalf("job_log = %s/%s", status, lastErr)
	}

	jobs, err := q.ListByDeployment(ctx, "d1")
	if err != nil || len(jobs) != 1 || jobs[0].CompletedAt == nil {
		t.Fatalf("ListByDeployment = %#v, %v", jobs, err)
	}
}

func TestQueueRequeueRunningAndCounts(t *testing.T) {
	t.Parallel()
	q, _ := openTestQueue(t)
	ctx := context.Background()

	for _, d := range []string{"d1", "d2", "d3"} {
		if _, _, err := q.Enqueue(ctx, notify(d)); err != nil {
			t.Fatal(err)
		}
	}
	for range 2 {
		if _, err := q.Dequeue(ctx); err != nil {
			t.Fatal(err)
		}
	}

	counts, err := q.Counts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts[StatusRunning] != 2 || counts[StatusQueued] != 1 {
		t.Fatalf("counts = %v", counts)
	}

	n, err := q.RequeueRunning(ctx)
	if err != nil || n != 2 {
		t.Fatalf("RequeueRunning = %d, %v", n, err)
	}
	counts, _ = q.Counts(ctx)
	if counts[StatusQueued] != 3 {
		t.Fatalf("counts after requeue = %v", counts)
	}
}

func TestQueuePrune(t *testing.T) {
	t.Parallel()
	q, _ := openTestQueue(t)
	ctx := context.Background()

	old := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return old }
	id, _, _ := q.Enqueue(ctx, notify("d1"))
	_, _ = q.Dequeue(ctx)
	if err := q.Complete(ctx, id, StatusSucceeded, nil); err != nil {
		t.Fatal(err)
	}
	q.now = time.Now
	live, _, _ := q.Enqueue(ctx, notify("d2"))

	n, err := q.Prune(ctx, old.Add(time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("Prune = %d, %v", n, err)
	}
	if jobs, _ := q.ListByDeployment(ctx, "d1"); len(jobs) != 0 {
		t.Fatalf("terminal job not pruned: %#v", jobs)
	}
	if jobs, _ := q.ListByDeployment(ctx, "d2"); len(jobs) != 1 || jobs[0].ID != live {
		t.Fatalf("live job pruned: %#v", jobs)
	}
}
