package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/sitestock/sitestock/internal/jobs"
	"github.com/sitestock/sitestock/internal/ledger"
	"github.com/sitestock/sitestock/internal/shared"
)

const reconcileJobName = "ledger_reconcile"

// Reconciler runs a reconcile sweep.
type Reconciler interface {
	Reconcile(ctx context.Context) (ledger.ReconcileReport, error)
}

// Locker serialises sweeps across processes.
type Locker interface {
	Acquire(ctx context.Context, key string) (*shared.Lock, error)
}

// ReconcileJob executes queued reconcile sweeps under a distributed lock.
type ReconcileJob struct {
	reconciler Reconciler
	locker     Locker
	logger     *slog.Logger
	metrics    *jobmetrics.Metrics
}

// NewReconcileJob constructs the job. A nil locker runs sweeps unguarded.
func NewReconcileJob(reconciler Reconciler, locker Locker, logger *slog.Logger, metrics *jobmetrics.Metrics) *ReconcileJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReconcileJob{reconciler: reconciler, locker: locker, logger: logger, metrics: metrics}
}

// Handle processes TaskLedgerReconcile tasks.
func (j *ReconcileJob) Handle(ctx context.Context, task *asynq.Task) error {
	var event ledger.ReconcileRequestedEvent
	if err := json.Unmarshal(task.Payload(), &event); err != nil {
		j.logger.Error("ledger reconcile payload", slog.Any("error", err))
		return fmt.Errorf("decode payload: %v: %w", err, asynq.SkipRetry)
	}
	_, err := j.Run(ctx, event.Reason)
	return err
}

// Run performs one sweep. A sweep already running elsewhere is skipped.
func (j *ReconcileJob) Run(ctx context.Context, reason string) (ledger.ReconcileReport, error) {
	if j == nil || j.reconciler == nil {
		return ledger.ReconcileReport{}, errors.New("reconcile job not configured")
	}
	if j.locker != nil {
		lock, err := j.locker.Acquire(ctx, shared.LedgerReconcileLockKey)
		if errors.Is(err, shared.ErrLockHeld) {
			j.metrics.Skip(reconcileJobName, "locked")
			j.logger.Debug("ledger reconcile skipped", slog.String("reason", reason))
			return ledger.ReconcileReport{}, nil
		}
		if err != nil {
			return ledger.ReconcileReport{}, fmt.Errorf("acquire reconcile lock: %w", err)
		}
		defer func() {
			if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
				j.logger.Warn("release reconcile lock", slog.Any("error", err))
			}
		}()
	}

	tracker := j.metrics.Track(reconcileJobName)
	report, err := j.reconciler.Reconcile(ctx)
	if err != nil {
		j.logger.Error("ledger reconcile failed", slog.String("reason", reason), slog.Any("error", err))
		return ledger.ReconcileReport{}, tracker.End(err)
	}
	j.metrics.AddDriftCorrections(len(report.Corrections))
	j.logger.Info("ledger reconcile completed",
		slog.String("reason", reason),
		slog.Int("assets", report.AssetsChecked),
		slog.Int("corrections", len(report.Corrections)))
	return report, tracker.End(nil)
}
