package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/sitestock/sitestock/internal/shared"
)

// DefaultMaxIDAttempts bounds the waybill id probe.
const DefaultMaxIDAttempts = 10000

const idempotencyModule = "ledger"

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// IdempotencyPort guards create operations against replays.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// OperationObserver receives the outcome of every ledger operation.
type OperationObserver interface {
	ObserveOperation(op string, duration time.Duration, err error)
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	// EnforceAvailability rejects reservations larger than the available quantity.
	EnforceAvailability bool
	MaxIDAttempts       int
	Logger              *slog.Logger
	Now                 func() time.Time
}

// Service is the ledger transaction engine. It is the only writer of asset
// counters and waybill items.
type Service struct {
	repo        RepositoryPort
	audit       AuditPort
	idempotency IdempotencyPort
	trigger     ReconcileTrigger
	observer    OperationObserver
	enforce     bool
	maxAttempts int
	logger      *slog.Logger
	now         func() time.Time
	sweeps      singleflight.Group
}

// NewService builds Service.
func NewService(repo RepositoryPort, audit AuditPort, idem IdempotencyPort, cfg ServiceConfig) *Service {
	svc := &Service{
		repo:        repo,
		audit:       audit,
		idempotency: idem,
		enforce:     cfg.EnforceAvailability,
		maxAttempts: cfg.MaxIDAttempts,
		logger:      cfg.Logger,
		now:         cfg.Now,
	}
	if svc.maxAttempts <= 0 {
		svc.maxAttempts = DefaultMaxIDAttempts
	}
	if svc.logger == nil {
		svc.logger = slog.Default()
	}
	if svc.now == nil {
		svc.now = func() time.Time { return time.Now().UTC() }
	}
	return svc
}

// SetReconcileTrigger registers the hook notified after each committed mutation.
func (s *Service) SetReconcileTrigger(trigger ReconcileTrigger) {
	s.trigger = trigger
}

// SetObserver registers an operation observer, typically Prometheus metrics.
func (s *Service) SetObserver(observer OperationObserver) {
	s.observer = observer
}

// CreateOutboundWaybill reserves stock for a shipment to a site.
func (s *Service) CreateOutboundWaybill(ctx context.Context, in CreateOutboundInput) (Waybill, error) {
	if err := in.Validate(); err != nil {
		return Waybill{}, err
	}
	var created Waybill
	err := s.run(ctx, "create_outbound_waybill", in.Meta.IdempotencyKey, func(ctx context.Context, tx TxRepository) error {
		ids := make([]string, 0, len(in.Items))
		for _, item := range in.Items {
			ids = append(ids, item.AssetID)
		}
		assets, err := tx.LockAssets(ctx, ids)
		if err != nil {
			return err
		}
		wb := s.newWaybill(WaybillTypeOutbound, in.SiteID, "", in.Meta)
		wb.Status = StatusOutstanding
		for _, item := range in.Items {
			asset := assets[item.AssetID]
			if s.enforce && item.Quantity > asset.ExpectedAvailable() {
				return validationf("requested %d of %s exceeds available %d", item.Quantity, asset.ID, asset.ExpectedAvailable())
			}
			asset.ReservedQuantity += item.Quantity
			asset.Recompute()
			assets[item.AssetID] = asset
			wb.Items = append(wb.Items, WaybillItem{
				AssetID:   asset.ID,
				AssetName: asset.Name,
				Quantity:  item.Quantity,
				Status:    StatusOutstanding,
			})
		}
		if err := s.insertWithNextID(ctx, tx, &wb); err != nil {
			return err
		}
		if err := writeAssets(ctx, tx, assets); err != nil {
			return err
		}
		created = wb
		return nil
	})
	if err != nil {
		return Waybill{}, err
	}
	s.afterCommit(ctx, "waybill.create", created.ID, in.Meta.ActorID, map[string]any{
		"site_id": created.SiteID,
		"items":   len(created.Items),
	})
	return created, nil
}

// SendToSite records that an outstanding waybill physically left for its site.
func (s *Service) SendToSite(ctx context.Context, waybillID string, sentDate time.Time, actorID int64) (Waybill, error) {
	if waybillID == "" {
		return Waybill{}, validationf("waybill required")
	}
	if sentDate.IsZero() {
		sentDate = s.now()
	}
	var sent Waybill
	err := s.run(ctx, "send_to_site", "", func(ctx context.Context, tx TxRepository) error {
		wb, err := tx.GetWaybillForUpdate(ctx, waybillID)
		if err != nil {
			return err
		}
		if wb.Type != WaybillTypeOutbound {
			return validationf("waybill %s is not an outbound waybill", wb.ID)
		}
		if wb.Status != StatusOutstanding {
			return validationf("waybill %s cannot be sent in status %s", wb.ID, wb.Status)
		}
		assets, err := tx.LockAssets(ctx, wb.AssetIDs())
		if err != nil {
			return err
		}
		now := s.now()
		moves := make([]SiteTransaction, 0, len(wb.Items))
		for _, item := range wb.Items {
			asset := assets[item.AssetID]
			asset.addSiteQuantity(wb.SiteID, item.Quantity)
			asset.Recompute()
			assets[item.AssetID] = asset
			moves = append(moves, SiteTransaction{
				ID:            uuid.NewString(),
				SiteID:        wb.SiteID,
				AssetID:       item.AssetID,
				AssetName:     item.AssetName,
				Quantity:      item.Quantity,
				Type:          SiteTransactionOut,
				ReferenceID:   wb.ID,
				ReferenceType: ReferenceTypeWaybill,
				Notes:         fmt.Sprintf("Sent to site via %s", wb.ID),
				CreatedBy:     actorID,
				CreatedAt:     now,
			})
		}
		wb.Status = StatusSentToSite
		wb.SentToSiteDate = &sentDate
		if err := tx.UpdateWaybill(ctx, wb); err != nil {
			return err
		}
		if err := writeAssets(ctx, tx, assets); err != nil {
			return err
		}
		if err := tx.InsertSiteTransactions(ctx, moves); err != nil {
			return err
		}
		sent = wb
		return nil
	})
	if err != nil {
		return Waybill{}, err
	}
	s.afterCommit(ctx, "waybill.send", sent.ID, actorID, map[string]any{"site_id": sent.SiteID})
	return sent, nil
}

// ProcessReturn settles returned units against an outbound waybill at its site
// or against a staged return waybill.
func (s *Service) ProcessReturn(ctx context.Context, waybillID string, lines []ReturnLine, actorID int64) (Waybill, error) {
	if waybillID == "" {
		return Waybill{}, validationf("waybill required")
	}
	if err := validateReturnLines(lines); err != nil {
		return Waybill{}, err
	}
	var processed Waybill
	err := s.run(ctx, "process_return", "", func(ctx context.Context, tx TxRepository) error {
		wb, err := tx.GetWaybillForUpdate(ctx, waybillID)
		if err != nil {
			return err
		}
		switch wb.Type {
		case WaybillTypeOutbound:
			if wb.Status != StatusSentToSite && wb.Status != StatusPartialReturned {
				return validationf("waybill %s cannot take returns in status %s", wb.ID, wb.Status)
			}
		case WaybillTypeReturn:
			if wb.Status != StatusOutstanding && wb.Status != StatusPartialReturned {
				return validationf("return %s is already settled", wb.ID)
			}
		default:
			return validationf("waybill %s has unknown type %s", wb.ID, wb.Type)
		}

		totals := aggregateReturnLines(lines)
		for _, assetID := range sortedKeys(totals) {
			idx := wb.ItemIndex(assetID)
			if idx < 0 {
				return validationf("asset %s is not on waybill %s", assetID, wb.ID)
			}
			item := wb.Items[idx]
			if item.ReturnedQuantity+totals[assetID] > item.Quantity {
				return validationf("return of %d %s exceeds %d still outstanding on %s", totals[assetID], assetID, item.Outstanding(), wb.ID)
			}
		}

		req := settlement{siteID: wb.SiteID, lines: lines}
		if wb.Type == WaybillTypeOutbound {
			req.target = &wb
		} else {
			req.excludeReturnID = wb.ID
		}
		result, err := s.settleReturn(ctx, tx, req)
		if err != nil {
			return err
		}
		if wb.Type == WaybillTypeReturn {
			for assetID, qty := range totals {
				wb.Items[wb.ItemIndex(assetID)].ReturnedQuantity += qty
			}
		}
		wb.refreshStatus()
		if err := tx.UpdateWaybill(ctx, wb); err != nil {
			return err
		}
		for _, other := range result.outbound {
			if err := tx.UpdateWaybill(ctx, other); err != nil {
				return err
			}
		}
		processed = wb
		return nil
	})
	if err != nil {
		return Waybill{}, err
	}
	s.afterCommit(ctx, "waybill.return", processed.ID, actorID, map[string]any{
		"site_id": processed.SiteID,
		"status":  string(processed.Status),
		"lines":   returnLinesMeta(lines),
	})
	return processed, nil
}

// CreateReturnWaybill documents and settles a return in a single step.
func (s *Service) CreateReturnWaybill(ctx context.Context, in CreateReturnInput) (Waybill, error) {
	if err := in.Validate(); err != nil {
		return Waybill{}, err
	}
	var created Waybill
	err := s.run(ctx, "create_return_waybill", in.Meta.IdempotencyKey, func(ctx context.Context, tx TxRepository) error {
		result, err := s.settleReturn(ctx, tx, settlement{siteID: in.SiteID, lines: in.Items})
		if err != nil {
			return err
		}
		wb := s.newWaybill(WaybillTypeReturn, in.SiteID, in.ReturnToSiteID, in.Meta)
		totals := aggregateReturnLines(in.Items)
		for _, line := range in.Items {
			if wb.ItemIndex(line.AssetID) >= 0 {
				continue
			}
			qty := totals[line.AssetID]
			wb.Items = append(wb.Items, WaybillItem{
				AssetID:          line.AssetID,
				AssetName:        result.assets[line.AssetID].Name,
				Quantity:         qty,
				ReturnedQuantity: qty,
				Status:           StatusReturnCompleted,
			})
		}
		wb.Status = StatusReturnCompleted
		if err := s.insertWithNextID(ctx, tx, &wb); err != nil {
			return err
		}
		for _, other := range result.outbound {
			if err := tx.UpdateWaybill(ctx, other); err != nil {
				return err
			}
		}
		created = wb
		return nil
	})
	if err != nil {
		return Waybill{}, err
	}
	s.afterCommit(ctx, "return.create", created.ID, in.Meta.ActorID, map[string]any{
		"site_id": created.SiteID,
		"lines":   returnLinesMeta(in.Items),
	})
	return created, nil
}

// StageReturnWaybill logs a return that will be settled later with ProcessReturn.
// It does not touch any counter.
func (s *Service) StageReturnWaybill(ctx context.Context, in CreateReturnInput) (Waybill, error) {
	if err := in.Validate(); err != nil {
		return Waybill{}, err
	}
	var created Waybill
	err := s.run(ctx, "stage_return_waybill", in.Meta.IdempotencyKey, func(ctx context.Context, tx TxRepository) error {
		totals := aggregateReturnLines(in.Items)
		assets, err := claimReturnable(ctx, tx, in.SiteID, "", totals)
		if err != nil {
			return err
		}
		wb := s.newWaybill(WaybillTypeReturn, in.SiteID, in.ReturnToSiteID, in.Meta)
		wb.Status = StatusOutstanding
		for _, line := range in.Items {
			if wb.ItemIndex(line.AssetID) >= 0 {
				continue
			}
			wb.Items = append(wb.Items, WaybillItem{
				AssetID:   line.AssetID,
				AssetName: assets[line.AssetID].Name,
				Quantity:  totals[line.AssetID],
				Status:    StatusOutstanding,
			})
		}
		if err := s.insertWithNextID(ctx, tx, &wb); err != nil {
			return err
		}
		created = wb
		return nil
	})
	if err != nil {
		return Waybill{}, err
	}
	s.afterCommit(ctx, "return.stage", created.ID, in.Meta.ActorID, map[string]any{"site_id": created.SiteID})
	return created, nil
}

// DeleteWaybill reverses the effects of a waybill that has not been settled and removes it.
func (s *Service) DeleteWaybill(ctx context.Context, waybillID string, actorID int64) error {
	if waybillID == "" {
		return validationf("waybill required")
	}
	var deleted Waybill
	err := s.run(ctx, "delete_waybill", "", func(ctx context.Context, tx TxRepository) error {
		wb, err := tx.GetWaybillForUpdate(ctx, waybillID)
		if err != nil {
			return err
		}
		switch wb.Type {
		case WaybillTypeReturn:
			if wb.Status != StatusOutstanding {
				return validationf("return %s is settled and cannot be deleted", wb.ID)
			}
		case WaybillTypeOutbound:
			if wb.Status != StatusOutstanding && wb.Status != StatusSentToSite {
				return validationf("waybill %s cannot be deleted in status %s", wb.ID, wb.Status)
			}
			var pending map[string]int
			if wb.Status == StatusSentToSite {
				if pending, err = pendingReturns(ctx, tx, wb.SiteID, ""); err != nil {
					return err
				}
			}
			assets, err := tx.LockAssets(ctx, wb.AssetIDs())
			if err != nil {
				return err
			}
			for _, item := range wb.Items {
				asset := assets[item.AssetID]
				asset.ReservedQuantity = clampZero(asset.ReservedQuantity - item.Outstanding())
				if wb.Status == StatusSentToSite {
					asset.addSiteQuantity(wb.SiteID, -item.Outstanding())
					if left := asset.SiteQuantity(wb.SiteID); left < pending[item.AssetID] {
						return validationf("site %s would keep %d of %s but %d are staged for return", wb.SiteID, left, item.AssetID, pending[item.AssetID])
					}
				}
				asset.Recompute()
				assets[item.AssetID] = asset
			}
			if err := writeAssets(ctx, tx, assets); err != nil {
				return err
			}
			if wb.Status == StatusSentToSite {
				if _, err := tx.DeleteSiteTransactionsByReference(ctx, ReferenceTypeWaybill, wb.ID); err != nil {
					return err
				}
			}
		default:
			return validationf("waybill %s has unknown type %s", wb.ID, wb.Type)
		}
		if err := tx.DeleteWaybill(ctx, wb.ID); err != nil {
			return err
		}
		deleted = wb
		return nil
	})
	if err != nil {
		return err
	}
	s.afterCommit(ctx, "waybill.delete", deleted.ID, actorID, map[string]any{
		"type":   string(deleted.Type),
		"status": string(deleted.Status),
	})
	return nil
}

// UpdateWaybill replaces the item list and moves the counters by the per-asset delta.
func (s *Service) UpdateWaybill(ctx context.Context, waybillID string, in UpdateWaybillInput) (Waybill, error) {
	if waybillID == "" {
		return Waybill{}, validationf("waybill required")
	}
	if err := in.Validate(); err != nil {
		return Waybill{}, err
	}
	var updated Waybill
	err := s.run(ctx, "update_waybill", "", func(ctx context.Context, tx TxRepository) error {
		wb, err := tx.GetWaybillForUpdate(ctx, waybillID)
		if err != nil {
			return err
		}
		switch {
		case wb.Type == WaybillTypeReturn && wb.Status != StatusOutstanding:
			return validationf("return %s is settled and cannot be edited", wb.ID)
		case wb.Type == WaybillTypeOutbound && !wb.Status.IsActive():
			return validationf("waybill %s cannot be edited in status %s", wb.ID, wb.Status)
		}

		previous := make(map[string]WaybillItem, len(wb.Items))
		for _, item := range wb.Items {
			previous[item.AssetID] = item
		}
		deltas := make(map[string]int)
		touched := make([]string, 0, len(in.Items)+len(wb.Items))
		for _, item := range in.Items {
			old, existed := previous[item.AssetID]
			if existed && item.Quantity < old.ReturnedQuantity {
				return validationf("quantity of %s cannot drop below the %d already returned", item.AssetID, old.ReturnedQuantity)
			}
			if delta := item.Quantity - old.Quantity; delta != 0 {
				deltas[item.AssetID] = delta
			}
			touched = append(touched, item.AssetID)
		}
		for assetID, old := range previous {
			if containsItem(in.Items, assetID) {
				continue
			}
			if old.ReturnedQuantity > 0 {
				return validationf("item %s has returns recorded and cannot be removed", assetID)
			}
			deltas[assetID] = -old.Quantity
			touched = append(touched, assetID)
		}

		atSite := wb.Status == StatusSentToSite || wb.Status == StatusPartialReturned
		var pending map[string]int
		if wb.Type == WaybillTypeOutbound && atSite {
			if pending, err = pendingReturns(ctx, tx, wb.SiteID, ""); err != nil {
				return err
			}
		}
		if wb.Type == WaybillTypeReturn {
			raised := make(map[string]int)
			for _, item := range in.Items {
				if deltas[item.AssetID] > 0 {
					raised[item.AssetID] = item.Quantity - previous[item.AssetID].ReturnedQuantity
				}
			}
			if len(raised) > 0 {
				if _, err := claimReturnable(ctx, tx, wb.SiteID, wb.ID, raised); err != nil {
					return err
				}
			}
		}
		assets, err := tx.LockAssets(ctx, touched)
		if err != nil {
			return err
		}
		if wb.Type == WaybillTypeOutbound {
			for _, assetID := range sortedKeys(deltas) {
				delta := deltas[assetID]
				asset := assets[assetID]
				if s.enforce && delta > asset.ExpectedAvailable() {
					return validationf("increase of %d %s exceeds available %d", delta, assetID, asset.ExpectedAvailable())
				}
				if atSite && asset.SiteQuantity(wb.SiteID)+delta < 0 {
					return validationf("site %s holds only %d of %s", wb.SiteID, asset.SiteQuantity(wb.SiteID), assetID)
				}
				if atSite && delta < 0 && asset.SiteQuantity(wb.SiteID)+delta < pending[assetID] {
					return validationf("site %s would keep %d of %s but %d are staged for return", wb.SiteID, asset.SiteQuantity(wb.SiteID)+delta, assetID, pending[assetID])
				}
				asset.ReservedQuantity = clampZero(asset.ReservedQuantity + delta)
				if atSite {
					asset.addSiteQuantity(wb.SiteID, delta)
				}
				asset.Recompute()
				assets[assetID] = asset
			}
		}

		items := make([]WaybillItem, 0, len(in.Items))
		for _, item := range in.Items {
			if item.Quantity == 0 {
				if previous[item.AssetID].ReturnedQuantity > 0 {
					return validationf("item %s has returns recorded and cannot be removed", item.AssetID)
				}
				continue
			}
			next, existed := previous[item.AssetID]
			if !existed {
				next = WaybillItem{AssetID: item.AssetID, Status: StatusOutstanding}
			}
			next.AssetName = assets[item.AssetID].Name
			next.Quantity = item.Quantity
			items = append(items, next)
		}
		if len(items) == 0 {
			return validationf("waybill %s must keep at least one item", wb.ID)
		}
		wb.Items = items
		if wb.Status == StatusPartialReturned {
			wb.refreshStatus()
		}
		if in.ExpectedReturnDate != nil {
			wb.ExpectedReturnDate = in.ExpectedReturnDate
		}
		if in.Notes != nil {
			wb.Notes = *in.Notes
		}
		if err := tx.UpdateWaybill(ctx, wb); err != nil {
			return err
		}
		if wb.Type == WaybillTypeOutbound && len(deltas) > 0 {
			if err := writeAssets(ctx, tx, pick(assets, sortedKeys(deltas))); err != nil {
				return err
			}
			if atSite {
				if err := s.rewriteSiteTrail(ctx, tx, wb, in.ActorID); err != nil {
					return err
				}
			}
		}
		updated = wb
		return nil
	})
	if err != nil {
		return Waybill{}, err
	}
	s.afterCommit(ctx, "waybill.update", updated.ID, in.ActorID, map[string]any{"items": len(updated.Items)})
	return updated, nil
}

// AdjustStock changes the owned quantity of an asset. Disposals are limited to
// the available units.
func (s *Service) AdjustStock(ctx context.Context, in AdjustStockInput) (Asset, error) {
	if in.AssetID == "" {
		return Asset{}, validationf("asset required")
	}
	if in.Delta == 0 {
		return Asset{}, validationf("adjustment must be non zero")
	}
	var adjusted Asset
	err := s.run(ctx, "adjust_stock", "", func(ctx context.Context, tx TxRepository) error {
		assets, err := tx.LockAssets(ctx, []string{in.AssetID})
		if err != nil {
			return err
		}
		asset := assets[in.AssetID]
		if in.Delta < 0 && -in.Delta > asset.ExpectedAvailable() {
			return validationf("cannot remove %d of %s, only %d available", -in.Delta, asset.ID, asset.ExpectedAvailable())
		}
		asset.Quantity += in.Delta
		asset.Recompute()
		if err := tx.UpdateAssetCounters(ctx, asset); err != nil {
			return err
		}
		adjusted = asset
		return nil
	})
	if err != nil {
		return Asset{}, err
	}
	s.afterCommit(ctx, "asset.adjust", adjusted.ID, in.ActorID, map[string]any{"delta": in.Delta, "note": in.Note})
	return adjusted, nil
}

// GetWaybill loads a waybill by id.
func (s *Service) GetWaybill(ctx context.Context, id string) (Waybill, error) {
	if s.repo == nil {
		return Waybill{}, ErrNotInitialized
	}
	return s.repo.GetWaybill(ctx, id)
}

// ListWaybills lists waybills matching the filter.
func (s *Service) ListWaybills(ctx context.Context, filter WaybillFilter) ([]Waybill, error) {
	if s.repo == nil {
		return nil, ErrNotInitialized
	}
	filter.ForUpdate = false
	return s.repo.ListWaybills(ctx, filter)
}

// ListSiteTransactions lists the site movement trail.
func (s *Service) ListSiteTransactions(ctx context.Context, filter SiteTransactionFilter) ([]SiteTransaction, error) {
	if s.repo == nil {
		return nil, ErrNotInitialized
	}
	return s.repo.ListSiteTransactions(ctx, filter)
}

// run executes fn atomically and records the outcome. A failed operation
// leaves no writes behind, including its idempotency key.
func (s *Service) run(ctx context.Context, op, idemKey string, fn func(context.Context, TxRepository) error) error {
	if s == nil || s.repo == nil {
		return ErrNotInitialized
	}
	started := time.Now()
	insertedKey := false
	if idemKey != "" && s.idempotency != nil {
		if err := s.idempotency.CheckAndInsert(ctx, idemKey, idempotencyModule); err != nil {
			s.observe(op, started, err)
			return err
		}
		insertedKey = true
	}
	err := s.repo.WithTx(ctx, fn)
	if err != nil {
		if insertedKey {
			if delErr := s.idempotency.Delete(ctx, idemKey); delErr != nil {
				s.logger.Warn("ledger idempotency rollback", slog.String("op", op), slog.Any("error", delErr))
			}
		}
		err = classify(op, err)
	}
	s.observe(op, started, err)
	return err
}

func (s *Service) observe(op string, started time.Time, err error) {
	if s.observer != nil {
		s.observer.ObserveOperation(op, time.Since(started), err)
	}
}

// classify keeps precondition, not-found and validation errors as they are and
// wraps everything else as a transaction failure.
func classify(op string, err error) error {
	switch {
	case errors.Is(err, ErrNotInitialized), errors.Is(err, ErrValidation), IsNotFound(err):
		return err
	default:
		return wrapTx(op, err)
	}
}

func (s *Service) afterCommit(ctx context.Context, action, entityID string, actorID int64, meta map[string]any) {
	if s.audit != nil {
		entity := "waybill"
		if strings.HasPrefix(action, "asset.") {
			entity = "asset"
		}
		if err := s.audit.Record(ctx, shared.AuditLog{
			ActorID:  actorID,
			Action:   "ledger:" + action,
			Entity:   entity,
			EntityID: entityID,
			Meta:     meta,
			At:       s.now(),
		}); err != nil {
			s.logger.Warn("ledger audit", slog.String("action", action), slog.String("entity_id", entityID), slog.Any("error", err))
		}
	}
	if s.trigger != nil {
		if err := s.trigger.TriggerReconcile(ctx, action); err != nil {
			s.logger.Warn("ledger reconcile trigger", slog.String("action", action), slog.Any("error", err))
		}
	}
}

func (s *Service) newWaybill(kind WaybillType, siteID, returnTo string, meta WaybillMeta) Waybill {
	now := s.now()
	issued := meta.IssueDate
	if issued.IsZero() {
		issued = now
	}
	return Waybill{
		Type:               kind,
		SiteID:             siteID,
		ReturnToSiteID:     returnTo,
		IssueDate:          issued,
		ExpectedReturnDate: meta.ExpectedReturnDate,
		DriverName:         meta.DriverName,
		Vehicle:            meta.Vehicle,
		Purpose:            meta.Purpose,
		Notes:              meta.Notes,
		CreatedBy:          meta.ActorID,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

// insertWithNextID assigns the next free WBnnn/RBnnn id. It starts after the
// highest existing number and relies on the primary key to reject ids taken
// by concurrent writers.
func (s *Service) insertWithNextID(ctx context.Context, tx TxRepository, wb *Waybill) error {
	prefix := wb.Type.IDPrefix()
	last, err := tx.MaxWaybillNumber(ctx, prefix)
	if err != nil {
		return err
	}
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		wb.ID = formatWaybillID(prefix, last+attempt)
		err := tx.InsertWaybill(ctx, *wb)
		if errors.Is(err, ErrDuplicateWaybillID) {
			continue
		}
		return err
	}
	return ErrIDSpaceExhausted
}

// rewriteSiteTrail replaces the send-to-site trail of an edited waybill.
func (s *Service) rewriteSiteTrail(ctx context.Context, tx TxRepository, wb Waybill, actorID int64) error {
	if _, err := tx.DeleteSiteTransactionsByReference(ctx, ReferenceTypeWaybill, wb.ID); err != nil {
		return err
	}
	now := s.now()
	moves := make([]SiteTransaction, 0, len(wb.Items))
	for _, item := range wb.Items {
		moves = append(moves, SiteTransaction{
			ID:            uuid.NewString(),
			SiteID:        wb.SiteID,
			AssetID:       item.AssetID,
			AssetName:     item.AssetName,
			Quantity:      item.Quantity,
			Type:          SiteTransactionOut,
			ReferenceID:   wb.ID,
			ReferenceType: ReferenceTypeWaybill,
			Notes:         fmt.Sprintf("Sent to site via %s (edited)", wb.ID),
			CreatedBy:     actorID,
			CreatedAt:     now,
		})
	}
	return tx.InsertSiteTransactions(ctx, moves)
}

func writeAssets(ctx context.Context, tx TxRepository, assets map[string]Asset) error {
	for _, id := range sortedKeys(assets) {
		if err := tx.UpdateAssetCounters(ctx, assets[id]); err != nil {
			return err
		}
	}
	return nil
}

func pick(assets map[string]Asset, ids []string) map[string]Asset {
	out := make(map[string]Asset, len(ids))
	for _, id := range ids {
		out[id] = assets[id]
	}
	return out
}

func containsItem(items []ItemInput, assetID string) bool {
	for _, item := range items {
		if item.AssetID == assetID {
			return true
		}
	}
	return false
}

func returnLinesMeta(lines []ReturnLine) []map[string]any {
	out := make([]map[string]any, 0, len(lines))
	for _, line := range lines {
		out = append(out, map[string]any{
			"asset_id":  line.AssetID,
			"quantity":  line.Quantity,
			"condition": string(line.Condition),
		})
	}
	return out
}
