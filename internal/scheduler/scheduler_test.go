package scheduler

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devcontrol/devcontrol/internal/broker"
	"github.com/devcontrol/devcontrol/internal/events"
	"github.com/devcontrol/devcontrol/internal/ledger"
	"github.com/devcontrol/devcontrol/internal/scheduler/mocks"
)

// TestLogBuffer is a bytes.Buffer that can be used to capture log output.
type TestLogBuffer struct {
	bytes.Buffer
}

// NewTestSlogger creates a new *slog.Logger that writes to a TestLogBuffer.
func NewTestSlogger() (*slog.Logger, *TestLogBuffer) {
	var buf TestLogBuffer
	handler := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(handler), &buf
}

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	q      *mocks.MockQueueService
	a      *mocks.MockApprovalService
	d      *mocks.MockDeploymentLister
	hub    *events.Hub
	logBuf *TestLogBuffer
	s      *Scheduler
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	ctrl := gomock.NewController(t)
	logger, buf := NewTestSlogger()
	f := &fixture{
		q:      mocks.NewMockQueueService(ctrl),
		a:      mocks.NewMockApprovalService(ctrl),
		d:      mocks.NewMockDeploymentLister(ctrl),
		hub:    events.NewHub(16),
		logBuf: buf,
	}
	f.s = New(cfg, f.q, f.a, f.d, f.hub, logger)
	f.s.now = func() time.Time { return fixedNow }
	return f
}

func TestStartRecoversOrphanedJobs(t *testing.T) {
	f := newFixture(t, Config{TickInterval: time.Hour})

	f.q.EXPECT().RequeueRunning(gomock.Any()).Return(2, nil)
	// First tick runs immediately.
	f.a.EXPECT().Recover(gomock.Any()).Return(broker.RecoveryStats{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, f.s.Start(ctx))
	f.s.Stop()

	logs := f.logBuf.String()
	assert.Contains(t, logs, "Requeued orphaned jobs")
	assert.Contains(t, logs, `"count":2`)
	assert.Contains(t, logs, "Scheduler tick")
}

func TestStartFailsWhenRecoveryFails(t *testing.T) {
	f := newFixture(t, Config{TickInterval: time.Hour})
	f.q.EXPECT().RequeueRunning(gomock.Any()).Return(0, errors.New("disk I/O error"))

	err := f.s.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "crash recovery failed")
}

func TestTickExpiresStalePending(t *testing.T) {
	f := newFixture(t, Config{ApprovalTimeout: time.Hour, JobLogRetention: 24 * time.Hour})

	stale := []ledger.Deployment{{ID: "d1"}, {ID: "d2"}, {ID: "d3"}}
	f.d.EXPECT().ListByState(gomock.Any(), ledger.StatePending, fixedNow.Add(-time.Hour)).Return(stale, nil)
	f.a.EXPECT().Expire(gomock.Any(), "d1").Return(nil)
	f.a.EXPECT().Expire(gomock.Any(), "d2").Return(errors.New("database is locked"))
	f.a.EXPECT().Expire(gomock.Any(), "d3").Return(nil)
	f.a.EXPECT().Recover(gomock.Any()).Return(broker.RecoveryStats{Notify: 1}, nil)
	f.q.EXPECT().Prune(gomock.Any(), fixedNow.Add(-24*time.Hour)).Return(int64(4), nil)

	sub, cancel := f.hub.Subscribe()
	defer cancel()

	f.s.tick(context.Background())

	logs := f.logBuf.String()
	assert.Contains(t, logs, "Failed to expire approval")
	assert.Contains(t, logs, `"deployment_id":"d2"`)
	assert.Contains(t, logs, "Expired stale approvals")
	assert.Contains(t, logs, "Re-queued deployment work")

	select {
	case ev := <-sub:
		assert.Equal(t, "scheduler.tick", ev.Type)
	case <-time.After(time.Second):
		t.Fatal("expected scheduler.tick event")
	}
}

func TestTickSkipsPruneWithoutRetention(t *testing.T) {
	f := newFixture(t, Config{ApprovalTimeout: time.Hour})

	f.d.EXPECT().ListByState(gomock.Any(), ledger.StatePending, gomock.Any()).Return(nil, nil)
	f.a.EXPECT().Recover(gomock.Any()).Return(broker.RecoveryStats{}, nil)
	// No Prune expectation: gomock fails the test if it is called.

	f.s.tick(context.Background())
	assert.NotContains(t, f.logBuf.String(), "Expired stale approvals")
}

func TestTickContinuesAfterListFailure(t *testing.T) {
	f := newFixture(t, Config{ApprovalTimeout: time.Hour, JobLogRetention: time.Hour})

	f.d.EXPECT().ListByState(gomock.Any(), ledger.StatePending, gomock.Any()).Return(nil, errors.New("boom"))
	f.a.EXPECT().Recover(gomock.Any()).Return(broker.RecoveryStats{}, errors.New("boom"))
	f.q.EXPECT().Prune(gomock.Any(), gomock.Any()).Return(int64(0), nil)

	f.s.tick(context.Background())

	logs := f.logBuf.String()
	assert.Contains(t, logs, "Failed to list pending deployments")
	assert.Contains(t, logs, "Failed to recover deployments")
}

func TestStopIsIdempotent(t *testing.T) {
	f := newFixture(t, Config{TickInterval: time.Hour})
	f.q.EXPECT().RequeueRunning(gomock.Any()).Return(0, nil)
	f.a.EXPECT().Recover(gomock.Any()).Return(broker.RecoveryStats{}, nil).AnyTimes()

	require.NoError(t, f.s.Start(context.Background()))
	f.s.Stop()
	f.s.Stop()
}
