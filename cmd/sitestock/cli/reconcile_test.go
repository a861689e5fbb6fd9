package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sitestock/sitestock/internal/ledger"
	"github.com/sitestock/sitestock/jobs"
)

type stubReconciler struct {
	report ledger.ReconcileReport
	err    error
	calls  int
}

func (s *stubReconciler) Reconcile(ctx context.Context) (ledger.ReconcileReport, error) {
	s.calls++
	return s.report, s.err
}

type stubStore struct {
	waybills []ledger.Waybill
	assets   []ledger.Asset
}

func (s stubStore) ListWaybills(ctx context.Context, filter ledger.WaybillFilter) ([]ledger.Waybill, error) {
	return s.waybills, nil
}

func (s stubStore) ListAssets(ctx context.Context) ([]ledger.Asset, error) {
	return s.assets, nil
}

func TestReconcileCommandJSON(t *testing.T) {
	rec := &stubReconciler{report: ledger.ReconcileReport{
		AssetsChecked: 2,
		Corrections:   []ledger.Correction{{AssetID: "A1", StoredReserved: 4, ExpectedReserved: 1}},
	}}
	stdout, stderr := new(bytes.Buffer), new(bytes.Buffer)

	code := NewReconcileCLI(rec, nil).ReconcileCommand(context.Background(), ReconcileOptions{
		JSONOutput: true,
		Stdout:     stdout,
		Stderr:     stderr,
	})
	require.Zero(t, code)
	require.Empty(t, stderr.String())
	require.Equal(t, 1, rec.calls)

	var report ledger.ReconcileReport
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &report))
	require.Len(t, report.Corrections, 1)
	require.Equal(t, 1, report.Corrections[0].ExpectedReserved)
}

func TestReconcileCommandCheckOnlyDoesNotWrite(t *testing.T) {
	rec := &stubReconciler{}
	store := stubStore{
		waybills: []ledger.Waybill{{
			ID: "WB001", Type: ledger.WaybillTypeOutbound, Status: ledger.StatusOutstanding,
			Items: []ledger.WaybillItem{{AssetID: "A1", Quantity: 3}},
		}},
		assets: []ledger.Asset{{ID: "A1", Name: "Scaffold", Quantity: 10, AvailableQuantity: 10}},
	}
	stdout := new(bytes.Buffer)

	code := NewReconcileCLI(rec, store).ReconcileCommand(context.Background(), ReconcileOptions{
		CheckOnly: true,
		Stdout:    stdout,
		Stderr:    new(bytes.Buffer),
	})
	require.Equal(t, ExitDrift, code)
	require.Zero(t, rec.calls)
	require.Contains(t, stdout.String(), "1 drifted")
	require.Contains(t, stdout.String(), "reserved 0 -> 3, available 10 -> 7")
}

func TestReconcileCommandReportsFailure(t *testing.T) {
	stderr := new(bytes.Buffer)
	code := NewReconcileCLI(&stubReconciler{err: errors.New("db down")}, nil).ReconcileCommand(context.Background(), ReconcileOptions{
		Stdout: new(bytes.Buffer),
		Stderr: stderr,
	})
	require.Equal(t, 1, code)
	require.Contains(t, stderr.String(), "db down")
}

func TestRenderReportLocalisesNumbers(t *testing.T) {
	out := new(bytes.Buffer)
	RenderReport(out, ledger.ReconcileReport{AssetsChecked: 12000}, false, "de")
	require.Contains(t, out.String(), "12.000 asset(s)")

	out.Reset()
	RenderReport(out, ledger.ReconcileReport{AssetsChecked: 12000}, false, "not a tag")
	require.Contains(t, out.String(), "12,000 asset(s)")
}

func TestBuildTask(t *testing.T) {
	task, err := buildTask(jobs.TaskIdempotencyCleanup, time.Hour, time.Now())
	require.NoError(t, err)
	require.Equal(t, jobs.TaskIdempotencyCleanup, task.Type())

	task, err = buildTask(jobs.TaskLedgerReconcile, 0, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC))
	require.NoError(t, err)
	var event ledger.ReconcileRequestedEvent
	require.NoError(t, json.Unmarshal(task.Payload(), &event))
	require.Equal(t, "manual", event.Reason)

	_, err = buildTask("mail:send", 0, time.Now())
	require.Error(t, err)
}
