package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	jobmetrics "github.com/sitestock/sitestock/internal/jobs"
	"github.com/sitestock/sitestock/internal/ledger"
	"github.com/sitestock/sitestock/internal/shared"
)

type stubReconciler struct {
	calls  int
	report ledger.ReconcileReport
	err    error
}

func (s *stubReconciler) Reconcile(ctx context.Context) (ledger.ReconcileReport, error) {
	s.calls++
	return s.report, s.err
}

type stubCleaner struct {
	retention time.Duration
	err       error
}

func (s *stubCleaner) Cleanup(ctx context.Context, olderThan time.Duration) error {
	s.retention = olderThan
	return s.err
}

func newLocker(t *testing.T) (*shared.Locker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return shared.NewLocker(client, time.Minute), mr
}

func metricValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	var total float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func TestReconcileJobRecordsCorrections(t *testing.T) {
	locker, mr := newLocker(t)
	reg := prometheus.NewRegistry()
	rec := &stubReconciler{report: ledger.ReconcileReport{
		AssetsChecked: 4,
		Corrections:   []ledger.Correction{{AssetID: "a1"}, {AssetID: "a2"}},
	}}
	job := NewReconcileJob(rec, locker, nil, jobmetrics.NewMetrics(reg))

	task, err := NewLedgerReconcileTask("waybill.send", time.Now())
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))

	require.Equal(t, 1, rec.calls)
	require.Equal(t, 2.0, metricValue(t, reg, "sitestock_ledger_drift_corrections_total"))
	require.Equal(t, 1.0, metricValue(t, reg, "sitestock_jobs_total"))
	require.False(t, mr.Exists(shared.LedgerReconcileLockKey), "lock released after the sweep")
}

func TestReconcileJobSkipsWhenLockHeld(t *testing.T) {
	locker, _ := newLocker(t)
	reg := prometheus.NewRegistry()
	rec := &stubReconciler{}
	job := NewReconcileJob(rec, locker, nil, jobmetrics.NewMetrics(reg))

	held, err := locker.Acquire(context.Background(), shared.LedgerReconcileLockKey)
	require.NoError(t, err)
	t.Cleanup(func() { _ = held.Release(context.Background()) })

	report, err := job.Run(context.Background(), "startup")
	require.NoError(t, err)
	require.False(t, report.Drifted())
	require.Zero(t, rec.calls)
	require.Equal(t, 1.0, metricValue(t, reg, "sitestock_jobs_skipped_total"))
}

func TestReconcileJobSurfacesFailure(t *testing.T) {
	locker, mr := newLocker(t)
	reg := prometheus.NewRegistry()
	boom := errors.New("db down")
	job := NewReconcileJob(&stubReconciler{err: boom}, locker, nil, jobmetrics.NewMetrics(reg))

	_, err := job.Run(context.Background(), "cron")
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1.0, metricValue(t, reg, "sitestock_jobs_failures_total"))
	require.False(t, mr.Exists(shared.LedgerReconcileLockKey))
}

func TestReconcileJobRejectsBadPayload(t *testing.T) {
	rec := &stubReconciler{}
	job := NewReconcileJob(rec, nil, nil, nil)

	err := job.Handle(context.Background(), asynq.NewTask(TaskLedgerReconcile, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)
	require.Zero(t, rec.calls)
}

func TestCleanupJobUsesPayloadRetention(t *testing.T) {
	store := &stubCleaner{}
	job := NewCleanupJob(store, 24*time.Hour, nil, nil)

	task, err := NewIdempotencyCleanupTask(2 * time.Hour)
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, 2*time.Hour, store.retention)

	require.NoError(t, job.Handle(context.Background(), asynq.NewTask(TaskIdempotencyCleanup, nil)))
	require.Equal(t, 24*time.Hour, store.retention)
}

func TestCleanupJobPropagatesStoreError(t *testing.T) {
	boom := errors.New("boom")
	job := NewCleanupJob(&stubCleaner{err: boom}, time.Hour, nil, nil)
	err := job.Handle(context.Background(), asynq.NewTask(TaskIdempotencyCleanup, nil))
	require.ErrorIs(t, err, boom)
}

func TestTriggerReconcileFoldsDuplicates(t *testing.T) {
	mr := miniredis.RunT(t)
	client := NewClient(asynq.RedisClientOpt{Addr: mr.Addr()}, nil)
	t.Cleanup(func() { _ = client.Close() })
	fixed := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	client.now = func() time.Time { return fixed }

	ctx := context.Background()
	require.NoError(t, client.TriggerReconcile(ctx, "waybill.create"))
	require.NoError(t, client.TriggerReconcile(ctx, "waybill.create"))

	pending, err := mr.List("asynq:{" + QueueDefault + "}:pending")
	require.NoError(t, err)
	require.Len(t, pending, 1)
}
