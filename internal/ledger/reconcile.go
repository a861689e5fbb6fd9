package ledger

import (
	"context"
	"log/slog"
	"time"
)

// Correction describes one asset whose cached counters disagree with the waybills.
type Correction struct {
	AssetID           string `json:"assetId"`
	AssetName         string `json:"assetName"`
	StoredReserved    int    `json:"storedReserved"`
	ExpectedReserved  int    `json:"expectedReserved"`
	StoredAvailable   int    `json:"storedAvailable"`
	ExpectedAvailable int    `json:"expectedAvailable"`
}

// ReconcileReport summarises one sweep.
type ReconcileReport struct {
	AssetsChecked int          `json:"assetsChecked"`
	Corrections   []Correction `json:"corrections"`
	StartedAt     time.Time    `json:"startedAt"`
	FinishedAt    time.Time    `json:"finishedAt"`
}

// Drifted reports whether the sweep had to write anything.
func (r ReconcileReport) Drifted() bool {
	return len(r.Corrections) > 0
}

// ExpectedReserved sums the outstanding quantities of active outbound waybills per asset.
func ExpectedReserved(waybills []Waybill) map[string]int {
	totals := make(map[string]int)
	for _, wb := range waybills {
		if wb.Type != WaybillTypeOutbound || !wb.Status.IsActive() {
			continue
		}
		for _, item := range wb.Items {
			totals[item.AssetID] += item.Outstanding()
		}
	}
	return totals
}

// DetectDrift compares stored counters with the values derived from waybills.
// It never mutates its arguments.
func DetectDrift(waybills []Waybill, assets []Asset) []Correction {
	expected := ExpectedReserved(waybills)
	var out []Correction
	for _, asset := range assets {
		if c, drifted := correctionFor(asset, expected[asset.ID]); drifted {
			out = append(out, c)
		}
	}
	return out
}

func correctionFor(asset Asset, expectedReserved int) (Correction, bool) {
	fixed := asset
	fixed.ReservedQuantity = expectedReserved
	fixed.Recompute()
	c := Correction{
		AssetID:           asset.ID,
		AssetName:         asset.Name,
		StoredReserved:    asset.ReservedQuantity,
		ExpectedReserved:  expectedReserved,
		StoredAvailable:   asset.AvailableQuantity,
		ExpectedAvailable: fixed.AvailableQuantity,
	}
	drifted := c.StoredReserved != c.ExpectedReserved || c.StoredAvailable != c.ExpectedAvailable
	return c, drifted
}

// Reconcile rebuilds reserved and available counters from the active outbound
// waybills. A sweep over consistent data performs no writes. Concurrent calls
// share one sweep.
func (s *Service) Reconcile(ctx context.Context) (ReconcileReport, error) {
	if s == nil || s.repo == nil {
		return ReconcileReport{}, ErrNotInitialized
	}
	v, err, _ := s.sweeps.Do("reconcile", func() (any, error) {
		return s.reconcile(ctx)
	})
	if err != nil {
		return ReconcileReport{}, err
	}
	return v.(ReconcileReport), nil
}

func (s *Service) reconcile(ctx context.Context) (ReconcileReport, error) {
	started := time.Now()
	report := ReconcileReport{StartedAt: s.now(), Corrections: []Correction{}}
	active := WaybillFilter{Type: WaybillTypeOutbound, Statuses: ActiveStatuses()}

	waybills, err := s.repo.ListWaybills(ctx, active)
	if err != nil {
		s.observe("reconcile", started, err)
		return ReconcileReport{}, wrapTx("reconcile", err)
	}
	assets, err := s.repo.ListAssets(ctx)
	if err != nil {
		s.observe("reconcile", started, err)
		return ReconcileReport{}, wrapTx("reconcile", err)
	}
	report.AssetsChecked = len(assets)

	drift := DetectDrift(waybills, assets)
	if len(drift) == 0 {
		report.FinishedAt = s.now()
		s.observe("reconcile", started, nil)
		return report, nil
	}

	ids := make([]string, 0, len(drift))
	for _, c := range drift {
		ids = append(ids, c.AssetID)
	}
	var applied []Correction
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		applied = applied[:0]
		locked, err := tx.LockAssets(ctx, ids)
		if err != nil {
			return err
		}
		current, err := tx.ListWaybills(ctx, active)
		if err != nil {
			return err
		}
		expected := ExpectedReserved(current)
		for _, id := range sortedKeys(locked) {
			asset := locked[id]
			c, drifted := correctionFor(asset, expected[id])
			if !drifted {
				continue
			}
			asset.ReservedQuantity = c.ExpectedReserved
			asset.Recompute()
			if err := tx.UpdateAssetCounters(ctx, asset); err != nil {
				return err
			}
			applied = append(applied, c)
		}
		return nil
	})
	s.observe("reconcile", started, err)
	if err != nil {
		return ReconcileReport{}, classify("reconcile", err)
	}
	report.Corrections = append(report.Corrections, applied...)
	report.FinishedAt = s.now()
	s.logger.Info("ledger reconciled", slog.Int("assets_checked", report.AssetsChecked), slog.Int("corrections", len(applied)))
	return report, nil
}
