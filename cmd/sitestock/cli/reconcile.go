package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/sitestock/sitestock/internal/ledger"
)

// ExitDrift is returned by a check-only reconcile that found drift.
const ExitDrift = 10

// Reconciler runs or previews a reconcile sweep.
type Reconciler interface {
	Reconcile(ctx context.Context) (ledger.ReconcileReport, error)
}

// DriftDetector reports drift without writing.
type DriftDetector interface {
	ListWaybills(ctx context.Context, filter ledger.WaybillFilter) ([]ledger.Waybill, error)
	ListAssets(ctx context.Context) ([]ledger.Asset, error)
}

// ReconcileOptions defines flags for the reconcile command.
type ReconcileOptions struct {
	// CheckOnly reports drift without correcting it.
	CheckOnly  bool
	JSONOutput bool
	Lang       string
	Stdout     io.Writer
	Stderr     io.Writer
}

// ReconcileCLI runs the reconcile sweep from the command line.
type ReconcileCLI struct {
	reconciler Reconciler
	store      DriftDetector
}

// NewReconcileCLI constructs the helper.
func NewReconcileCLI(reconciler Reconciler, store DriftDetector) *ReconcileCLI {
	return &ReconcileCLI{reconciler: reconciler, store: store}
}

// ReconcileCommand executes the workflow and prints the outcome.
func (c *ReconcileCLI) ReconcileCommand(ctx context.Context, opts ReconcileOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	var (
		report ledger.ReconcileReport
		err    error
	)
	if opts.CheckOnly {
		report, err = c.check(ctx)
	} else {
		report, err = c.reconciler.Reconcile(ctx)
	}
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "reconcile: %v\n", err)
		return 1
	}
	if opts.JSONOutput {
		if err := json.NewEncoder(opts.Stdout).Encode(report); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "reconcile: encode json: %v\n", err)
			return 1
		}
	} else {
		RenderReport(opts.Stdout, report, opts.CheckOnly, opts.Lang)
	}
	if opts.CheckOnly && report.Drifted() {
		return ExitDrift
	}
	return 0
}

func (c *ReconcileCLI) check(ctx context.Context) (ledger.ReconcileReport, error) {
	if c.store == nil {
		return ledger.ReconcileReport{}, errors.New("reconcile: check mode not configured")
	}
	waybills, err := c.store.ListWaybills(ctx, ledger.WaybillFilter{Type: ledger.WaybillTypeOutbound, Statuses: ledger.ActiveStatuses()})
	if err != nil {
		return ledger.ReconcileReport{}, err
	}
	assets, err := c.store.ListAssets(ctx)
	if err != nil {
		return ledger.ReconcileReport{}, err
	}
	corrections := ledger.DetectDrift(waybills, assets)
	if corrections == nil {
		corrections = []ledger.Correction{}
	}
	return ledger.ReconcileReport{AssetsChecked: len(assets), Corrections: corrections}, nil
}

// RenderReport prints a human readable report with locale-aware numbers.
func RenderReport(out io.Writer, report ledger.ReconcileReport, checkOnly bool, lang string) {
	tag, err := language.Parse(lang)
	if err != nil {
		tag = language.English
	}
	p := message.NewPrinter(tag)
	verb := "corrected"
	if checkOnly {
		verb = "drifted"
	}
	p.Fprintf(out, "Reconcile checked %d asset(s), %d %s.\n", report.AssetsChecked, len(report.Corrections), verb)
	for _, c := range report.Corrections {
		p.Fprintf(out, " - %s (%s): reserved %d -> %d, available %d -> %d\n",
			c.AssetID, c.AssetName, c.StoredReserved, c.ExpectedReserved, c.StoredAvailable, c.ExpectedAvailable)
	}
}
