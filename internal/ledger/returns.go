package ledger

import (
	"context"
	"sort"
)

// settlement describes one return to apply to the counters.
type settlement struct {
	siteID string
	lines  []ReturnLine
	target *Waybill
	// excludeReturnID omits the staged return being processed from the pending total.
	excludeReturnID string
}

type settlementResult struct {
	assets   map[string]Asset
	outbound []Waybill
}

// settleReturn is the single routine behind every return path. Returned units
// leave the site, release their reservation and land in the counter named by
// their condition. They are attributed either to req.target or, oldest first,
// to the outbound waybills still holding units at the site.
func (s *Service) settleReturn(ctx context.Context, tx TxRepository, req settlement) (settlementResult, error) {
	totals := aggregateReturnLines(req.lines)
	ids := sortedKeys(totals)

	pending, err := pendingReturns(ctx, tx, req.siteID, req.excludeReturnID)
	if err != nil {
		return settlementResult{}, err
	}
	var outbound []Waybill
	if req.target == nil {
		outbound, err = tx.ListWaybills(ctx, WaybillFilter{
			Type:      WaybillTypeOutbound,
			SiteID:    req.siteID,
			Statuses:  []WaybillStatus{StatusSentToSite, StatusPartialReturned},
			ForUpdate: true,
		})
		if err != nil {
			return settlementResult{}, err
		}
	}
	assets, err := tx.LockAssets(ctx, ids)
	if err != nil {
		return settlementResult{}, err
	}

	for _, assetID := range ids {
		free := assets[assetID].SiteQuantity(req.siteID) - pending[assetID]
		if totals[assetID] > free {
			return settlementResult{}, validationf("return of %d %s exceeds %d returnable from site %s",
				totals[assetID], assetID, clampZero(free), req.siteID)
		}
	}

	touched := make(map[int]struct{})
	for _, assetID := range ids {
		if req.target != nil {
			idx := req.target.ItemIndex(assetID)
			if idx < 0 {
				return settlementResult{}, validationf("asset %s is not on waybill %s", assetID, req.target.ID)
			}
			item := &req.target.Items[idx]
			if totals[assetID] > item.Outstanding() {
				return settlementResult{}, validationf("return of %d %s exceeds %d outstanding on %s",
					totals[assetID], assetID, item.Outstanding(), req.target.ID)
			}
			item.ReturnedQuantity += totals[assetID]
			continue
		}
		hit, err := attributeReturn(outbound, assetID, totals[assetID])
		if err != nil {
			return settlementResult{}, err
		}
		for _, i := range hit {
			touched[i] = struct{}{}
		}
	}

	for _, line := range req.lines {
		asset := assets[line.AssetID]
		if err := applyReturn(&asset, req.siteID, line.Quantity, line.Condition); err != nil {
			return settlementResult{}, err
		}
		assets[line.AssetID] = asset
	}
	if err := writeAssets(ctx, tx, assets); err != nil {
		return settlementResult{}, err
	}

	result := settlementResult{assets: assets}
	for i := range outbound {
		if _, ok := touched[i]; !ok {
			continue
		}
		outbound[i].refreshStatus()
		result.outbound = append(result.outbound, outbound[i])
	}
	return result, nil
}

// applyReturn moves qty units of asset back from siteID under condition.
func applyReturn(asset *Asset, siteID string, qty int, condition ReturnCondition) error {
	if qty <= 0 {
		return validationf("return quantity for %s must be positive", asset.ID)
	}
	if qty > asset.SiteQuantity(siteID) {
		return validationf("site %s holds only %d of %s", siteID, asset.SiteQuantity(siteID), asset.ID)
	}
	asset.ReservedQuantity = clampZero(asset.ReservedQuantity - qty)
	asset.addSiteQuantity(siteID, -qty)
	switch condition {
	case ConditionGood:
	case ConditionDamaged:
		asset.DamagedCount += qty
	case ConditionMissing:
		asset.MissingCount += qty
	case ConditionUsed:
		asset.UsedCount += qty
	default:
		return validationf("unknown condition %q", condition)
	}
	asset.Recompute()
	return nil
}

// attributeReturn records qty returned units of assetID against the outbound
// waybills in order and reports which of them changed.
func attributeReturn(outbound []Waybill, assetID string, qty int) ([]int, error) {
	remaining := qty
	var hit []int
	for i := range outbound {
		if remaining == 0 {
			break
		}
		idx := outbound[i].ItemIndex(assetID)
		if idx < 0 {
			continue
		}
		item := &outbound[i].Items[idx]
		take := min(item.Outstanding(), remaining)
		if take == 0 {
			continue
		}
		item.ReturnedQuantity += take
		remaining -= take
		hit = append(hit, i)
	}
	if remaining > 0 {
		return nil, validationf("return of %d %s exceeds the %d still out on waybills", qty, assetID, qty-remaining)
	}
	return hit, nil
}

// pendingReturns sums the unsettled quantities of staged returns from siteID.
func pendingReturns(ctx context.Context, tx TxRepository, siteID, excludeID string) (map[string]int, error) {
	staged, err := tx.ListWaybills(ctx, WaybillFilter{
		Type:     WaybillTypeReturn,
		SiteID:   siteID,
		Statuses: []WaybillStatus{StatusOutstanding, StatusPartialReturned},
	})
	if err != nil {
		return nil, err
	}
	pending := make(map[string]int)
	for _, wb := range staged {
		if wb.ID == excludeID {
			continue
		}
		for _, item := range wb.Items {
			pending[item.AssetID] += item.Outstanding()
		}
	}
	return pending, nil
}

// claimReturnable checks that totals fit in what siteID still holds after the
// other staged returns, excluding excludeID. The locked rows are rewritten
// unchanged so a concurrent claim on the same assets fails with a
// serialization error instead of reading a stale pending total.
func claimReturnable(ctx context.Context, tx TxRepository, siteID, excludeID string, totals map[string]int) (map[string]Asset, error) {
	pending, err := pendingReturns(ctx, tx, siteID, excludeID)
	if err != nil {
		return nil, err
	}
	ids := sortedKeys(totals)
	assets, err := tx.LockAssets(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, assetID := range ids {
		free := assets[assetID].SiteQuantity(siteID) - pending[assetID]
		if totals[assetID] > free {
			return nil, validationf("return of %d %s exceeds %d returnable from site %s", totals[assetID], assetID, clampZero(free), siteID)
		}
	}
	if err := writeAssets(ctx, tx, assets); err != nil {
		return nil, err
	}
	return assets, nil
}

func aggregateReturnLines(lines []ReturnLine) map[string]int {
	totals := make(map[string]int, len(lines))
	for _, line := range lines {
		totals[line.AssetID] += line.Quantity
	}
	return totals
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
