package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devcontrol/devcontrol/internal/events"
	"github.com/devcontrol/devcontrol/internal/eventstore"
	"github.com/devcontrol/devcontrol/internal/ledger"
	"github.com/devcontrol/devcontrol/internal/log"
	"github.com/devcontrol/devcontrol/internal/project"
	"github.com/devcontrol/devcontrol/internal/storage"
)

const testSecret = "test-secret"

type fakeApprovals struct {
	mu        sync.Mutex
	requested []string
	pings     []int64
}

func (f *fakeApprovals) RequestApproval(_ context.Context, d ledger.Deployment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requested = append(f.requested, d.ID)
	return nil
}

func (f *fakeApprovals) Connected(_ context.Context, _ string, hookID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings = append(f.pings, hookID)
	return nil
}

type fixture struct {
	handler   http.Handler
	events    *eventstore.Store
	ledger    *ledger.Ledger
	approvals *fakeApprovals
}

func newFixture(t *testing.T, maxBody int64) *fixture {
	t.Helper()
	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, filepath.Join(t.TempDir(), "devcontrol.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	projects := project.NewStore(db, project.Options{})
	require.NoError(t, projects.Upsert(ctx, project.Project{
		ID: "site", Name: "Site", Repository: "acme/site", Branch: "main", WebhookSecret: testSecret, ChatID: "42",
	}))

	f := &fixture{
		events:    eventstore.NewStore(db),
		ledger:    ledger.New(db, ledger.Options{Logger: log.Discard()}),
		approvals: &fakeApprovals{},
	}
	srv := New(Config{MaxBodySize: maxBody}, Deps{
		Projects:  projects,
		Events:    f.events,
		Ledger:    f.ledger,
		Approvals: f.approvals,
		Hub:       events.NewHub(16),
	}, log.Discard())
	f.handler = srv.Handler()
	return f
}

func pushBody(ref, commit string) []byte {
	return []byte(fmt.Sprintf(`{"ref":%q,"head_commit":{"id":%q,"message":"ship it"},"pusher":{"name":"octocat"}}`, ref, commit))
}

func (f *fixture) post(t *testing.T, projectID, kind string, body []byte, sig string) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook/github/"+projectID, bytes.NewReader(body))
	if sig != "" {
		req.Header.Set(HeaderSignature, sig)
	}
	if kind != "" {
		req.Header.Set(HeaderEvent, kind)
	}
	req.Header.Set(HeaderDelivery, "delivery-1")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	var resp Response
	if rec.Code == http.StatusOK {
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	}
	return rec, resp
}

func TestPushCreatesPendingDeployment(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 0)

	body := pushBody("refs/heads/main", "abc123")
	rec, resp := f.post(t, "site", KindPush, body, Sign(testSecret, body))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, resp.DeploymentID)
	assert.NotEmpty(t, resp.EventID)

	d, err := f.ledger.Get(context.Background(), resp.DeploymentID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatePending, d.State)
	assert.Equal(t, "abc123", d.CommitHash)
	assert.Equal(t, "ship it", d.CommitMessage)
	assert.Equal(t, "octocat", d.TriggeredBy)
	assert.Equal(t, resp.EventID, d.TriggerEventID)
	assert.Equal(t, []string{d.ID}, f.approvals.requested)
}

func TestReplayYieldsOneDeploymentTwoEvents(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 0)

	body := pushBody("refs/heads/main", "abc123")
	sig := Sign(testSecret, body)
	_, first := f.post(t, "site", KindPush, body, sig)
	rec, second := f.post(t, "site", KindPush, body, sig)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.DeploymentID, second.DeploymentID)

	list, err := f.ledger.ListByProject(context.Background(), "site", 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	evs, err := f.events.ListByProject(context.Background(), "site", 10)
	require.NoError(t, err)
	assert.Len(t, evs, 2)
	assert.Len(t, f.approvals.requested, 1)
}

func TestPushIgnoredCases(t *testing.T) {
	t.Parallel()

	cases := map[string][]byte{
		"other branch":   pushBody("refs/heads/feature", "abc123"),
		"no head commit": []byte(`{"ref":"refs/heads/main","head_commit":null}`),
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, 0)
			rec, resp := f.post(t, "site", KindPush, body, Sign(testSecret, body))
			require.Equal(t, http.StatusOK, rec.Code)
			assert.Empty(t, resp.DeploymentID)

			list, err := f.ledger.ListByProject(context.Background(), "site", 10)
			require.NoError(t, err)
			assert.Empty(t, list)

			evs, err := f.events.ListByProject(context.Background(), "site", 10)
			require.NoError(t, err)
			assert.Len(t, evs, 1, "ignored pushes are still audited")
		})
	}
}

func TestRejections(t *testing.T) {
	t.Parallel()
	body := pushBody("refs/heads/main", "abc123")

	tests := []struct {
		name    string
		project string
		kind    string
		body    []byte
		sig     string
		want    int
	}{
		{name: "bad signature", project: "site", kind: KindPush, body: body, sig: Sign("wrong", body), want: http.StatusUnauthorized},
		{name: "missing signature", project: "site", kind: KindPush, body: body, want: http.StatusBadRequest},
		{name: "empty body", project: "site", kind: KindPush, body: []byte{}, sig: Sign(testSecret, body), want: http.StatusBadRequest},
		{name: "unknown project", project: "ghost", kind: KindPush, body: body, sig: Sign(testSecret, body), want: http.StatusNotFound},
		{name: "missing event header", project: "site", body: body, sig: Sign(testSecret, body), want: http.StatusBadRequest},
		{name: "unparseable push", project: "site", kind: KindPush, body: []byte("not json"), sig: Sign(testSecret, []byte("not json")), want: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, 0)
			rec, _ := f.post(t, tt.project, tt.kind, tt.body, tt.sig)
			assert.Equal(t, tt.want, rec.Code)
			assert.NotContains(t, rec.Body.String(), testSecret)
			assert.Empty(t, f.approvals.requested)
		})
	}
}

func TestBodyTooLarge(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 64)

	body := []byte(`{"ref":"refs/heads/main","padding":"` + strings.Repeat("x", 128) + `"}`)
	rec, _ := f.post(t, "site", KindPush, body, Sign(testSecret, body))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestPingMarksConnected(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 0)

	body := []byte(`{"zen":"Design for failure.","hook_id":12345}`)
	rec, resp := f.post(t, "site", KindPing, body, Sign(testSecret, body))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "webhook connected", resp.Message)
	assert.Equal(t, []int64{12345}, f.approvals.pings)
}

func TestPullRequestAndUnknownKindsCreateNothing(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 0)

	pr := []byte(`{"action":"opened","number":7,"pull_request":{"number":7}}`)
	rec, _ := f.post(t, "site", KindPullRequest, pr, Sign(testSecret, pr))
	require.Equal(t, http.StatusOK, rec.Code)

	star := []byte(`{"action":"created"}`)
	rec, resp := f.post(t, "site", "star", star, Sign(testSecret, star))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, resp.Message, "not processed")

	list, err := f.ledger.ListByProject(context.Background(), "site", 10)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestConcurrentPushesEachGetADeployment(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 0)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			body := pushBody("refs/heads/main", fmt.Sprintf("commit%d", i))
			req := httptest.NewRequest(http.MethodPost, "/webhook/github/site", bytes.NewReader(body))
			req.Header.Set(HeaderSignature, Sign(testSecret, body))
			req.Header.Set(HeaderEvent, KindPush)
			rec := httptest.NewRecorder()
			f.handler.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusOK, rec.Code)
		}(i)
	}
	wg.Wait()

	list, err := f.ledger.ListByProject(context.Background(), "site", 100)
	require.NoError(t, err)
	assert.Len(t, list, 8)
	for _, d := range list {
		assert.Equal(t, ledger.StatePending, d.State)
	}
}
