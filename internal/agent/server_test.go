//go:build unix

package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devcontrol/devcontrol/internal/log"
	"github.com/devcontrol/devcontrol/internal/metrics"
	"github.com/devcontrol/devcontrol/internal/protocol"
)

func newTestServer(t *testing.T, cfg *Config) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewServer(cfg, metrics.New(), log.Discard()).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func postTrigger(t *testing.T, url string, body string, token string) (*http.Response, protocol.TriggerResponse) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url+"/trigger", strings.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out protocol.TriggerResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func TestTriggerEchoOK(t *testing.T) {
	cfg := testConfig(t, "echo ok", "")
	cfg.MessageText = "{{.Action}} {{.Branch}}"
	require.NoError(t, cfg.Validate())
	srv := newTestServer(t, cfg)

	resp, out := postTrigger(t, srv.URL, `{"action":"deploy","branch":"main","user":"ana"}`, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, protocol.StatusSuccess, out.Status)
	assert.Equal(t, "ok\n", out.Stdout)
	assert.Equal(t, "deploy main", out.Message)
}

func TestTriggerBogusActionIs400WithoutSpawn(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "ran")
	srv := newTestServer(t, testConfig(t, "touch "+marker, "touch "+marker))

	resp, out := postTrigger(t, srv.URL, `{"action":"bogus","branch":"main","user":"ana"}`, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, out.Error, "Unknown action")
	_, err := os.Stat(marker)
	assert.True(t, os.IsNotExist(err))
}

func TestTriggerMalformedBodies(t *testing.T) {
	srv := newTestServer(t, testConfig(t, "echo ok", ""))
	for _, body := range []string{`{}`, `not json`, `{"action":"deploy","extra":1}`} {
		resp, _ := postTrigger(t, srv.URL, body, "")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
	}
}

func TestTriggerFailureReturns500WithStderr(t *testing.T) {
	srv := newTestServer(t, testConfig(t, "echo nope >&2; exit 1", ""))

	resp, out := postTrigger(t, srv.URL, `{"action":"deploy","branch":"main","user":"ana"}`, "")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, protocol.StatusFailed, out.Status)
	assert.Equal(t, 1, out.ExitCode)
	assert.Equal(t, "nope\n", out.Stderr)
}

func TestTriggerRequiresToken(t *testing.T) {
	cfg := testConfig(t, "echo ok", "")
	cfg.Token = "s3cret"
	srv := newTestServer(t, cfg)

	resp, _ := postTrigger(t, srv.URL, `{"action":"deploy"}`, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp, _ = postTrigger(t, srv.URL, `{"action":"deploy"}`, "wrong")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp, _ = postTrigger(t, srv.URL, `{"action":"deploy"}`, "s3cret")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestTriggerRejectOverlap(t *testing.T) {
	cfg := testConfig(t, "sleep 1", "")
	cfg.Overlap = OverlapReject
	srv := newTestServer(t, cfg)

	var wg sync.WaitGroup
	codes := make(chan int, 2)
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, _ := postTrigger(t, srv.URL, `{"action":"deploy","project":"web"}`, "")
			codes <- resp.StatusCode
		}()
	}
	wg.Wait()
	close(codes)

	got := map[int]int{}
	for c := range codes {
		got[c]++
	}
	assert.Equal(t, map[int]int{http.StatusOK: 1, http.StatusConflict: 1}, got)
}

func TestTriggerQueuesOverlapPerProject(t *testing.T) {
	trace := filepath.Join(t.TempDir(), "trace")
	cfg := testConfig(t, "echo start >> "+trace+"; sleep 0.3; echo end >> "+trace, "")
	require.Equal(t, OverlapQueue, cfg.Overlap)
	srv := newTestServer(t, cfg)

	began := time.Now()
	var wg sync.WaitGroup
	codes := make(chan int, 2)
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, _ := postTrigger(t, srv.URL, `{"action":"deploy","project":"web"}`, "")
			codes <- resp.StatusCode
		}()
	}
	wg.Wait()
	close(codes)

	for c := range codes {
		assert.Equal(t, http.StatusOK, c)
	}
	// Serial runs never interleave their start and end markers.
	data, err := os.ReadFile(trace)
	require.NoError(t, err)
	assert.Equal(t, "start\nend\nstart\nend\n", string(data))
	assert.GreaterOrEqual(t, time.Since(began), 600*time.Millisecond)
}

func TestTriggerDeduplicatesByDeployment(t *testing.T) {
	counter := filepath.Join(t.TempDir(), "count")
	srv := newTestServer(t, testConfig(t, "echo x >> "+counter, ""))

	body := `{"action":"deploy","project":"web","deployment_id":"d-1"}`
	for range 3 {
		resp, _ := postTrigger(t, srv.URL, body, "")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}
	data, err := os.ReadFile(counter)
	require.NoError(t, err)
	assert.Equal(t, "x\n", string(data))
}

func TestClientTrigger(t *testing.T) {
	cfg := testConfig(t, "echo ok", "exit 2")
	cfg.Token = "tok"
	srv := newTestServer(t, cfg)
	ctx := context.Background()

	c := NewClient("tok", 5*time.Second)
	resp, err := c.Trigger(ctx, srv.URL, protocol.TriggerRequest{Action: "deploy", Branch: "main"})
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusSuccess, resp.Status)

	resp, err = c.Trigger(ctx, srv.URL, protocol.TriggerRequest{Action: "deny"})
	require.NoError(t, err, "a failed run is a result")
	assert.Equal(t, 2, resp.ExitCode)

	_, err = c.Trigger(ctx, srv.URL, protocol.TriggerRequest{Action: "bogus"})
	assert.ErrorIs(t, err, ErrUnknownAction)
	assert.True(t, IsPermanent(err))

	_, err = NewClient("wrong", time.Second).Trigger(ctx, srv.URL, protocol.TriggerRequest{Action: "deploy"})
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.True(t, IsPermanent(err))
}

func TestClientTransportErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewClient("", time.Second).Trigger(context.Background(), url, protocol.TriggerRequest{Action: "deploy"})
	require.Error(t, err)
	assert.False(t, IsPermanent(err))
}

func TestClientBusyIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		respondRefusal(w, http.StatusConflict, "deploy", ErrBusy.Error())
	}))
	defer srv.Close()

	_, err := NewClient("", time.Second).Trigger(context.Background(), srv.URL, protocol.TriggerRequest{Action: "deploy"})
	assert.True(t, errors.Is(err, ErrBusy))
	assert.False(t, IsPermanent(err))
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, testConfig(t, "echo ok", ""))
	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, buf.String(), "ok")
}
