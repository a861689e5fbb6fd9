package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

var errInjected = errors.New("injected failure")

type memoryRepo struct {
	mu       sync.Mutex
	assets   map[string]Asset
	waybills map[string]Waybill
	moves    []SiteTransaction
	// taken simulates ids claimed by a concurrent writer that the max scan cannot see.
	taken       map[string]bool
	failOn      string
	assetWrites int
}

type memoryTx struct {
	repo *memoryRepo
}

func newMemoryRepo(assets ...Asset) *memoryRepo {
	r := &memoryRepo{
		assets:   make(map[string]Asset),
		waybills: make(map[string]Waybill),
		taken:    make(map[string]bool),
	}
	for _, a := range assets {
		a.Recompute()
		r.assets[a.ID] = a.Clone()
	}
	return r
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	assets := make(map[string]Asset, len(r.assets))
	for k, v := range r.assets {
		assets[k] = v.Clone()
	}
	waybills := make(map[string]Waybill, len(r.waybills))
	for k, v := range r.waybills {
		waybills[k] = v.Clone()
	}
	moves := append([]SiteTransaction(nil), r.moves...)
	writes := r.assetWrites

	if err := fn(ctx, &memoryTx{repo: r}); err != nil {
		r.assets, r.waybills, r.moves, r.assetWrites = assets, waybills, moves, writes
		return err
	}
	return nil
}

func (r *memoryRepo) GetWaybill(ctx context.Context, id string) (Waybill, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	wb, ok := r.waybills[id]
	if !ok {
		return Waybill{}, fmt.Errorf("%w: %s", ErrWaybillNotFound, id)
	}
	return wb.Clone(), nil
}

func (r *memoryRepo) ListWaybills(ctx context.Context, filter WaybillFilter) ([]Waybill, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listWaybills(filter), nil
}

func (r *memoryRepo) ListAssets(ctx context.Context) ([]Asset, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Asset, 0, len(r.assets))
	for _, id := range sortedKeys(r.assets) {
		out = append(out, r.assets[id].Clone())
	}
	return out, nil
}

func (r *memoryRepo) ListSiteTransactions(ctx context.Context, filter SiteTransactionFilter) ([]SiteTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []SiteTransaction
	for _, st := range r.moves {
		if filter.SiteID != "" && st.SiteID != filter.SiteID {
			continue
		}
		if filter.AssetID != "" && st.AssetID != filter.AssetID {
			continue
		}
		if filter.ReferenceID != "" && st.ReferenceID != filter.ReferenceID {
			continue
		}
		out = append(out, st)
	}
	return out, nil
}

func (r *memoryRepo) listWaybills(filter WaybillFilter) []Waybill {
	out := []Waybill{}
	for _, wb := range r.waybills {
		if filter.Matches(wb) {
			out = append(out, wb.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].IssueDate.Equal(out[j].IssueDate) {
			return out[i].IssueDate.Before(out[j].IssueDate)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// asset reads the committed state of an asset.
func (r *memoryRepo) asset(id string) Asset {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.assets[id].Clone()
}

func (r *memoryRepo) waybill(id string) (Waybill, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	wb, ok := r.waybills[id]
	return wb.Clone(), ok
}

// corrupt overwrites stored counters without going through the engine.
func (r *memoryRepo) corrupt(id string, fn func(*Asset)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a := r.assets[id]
	fn(&a)
	r.assets[id] = a
}

func (r *memoryRepo) writes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.assetWrites
}

func (tx *memoryTx) fail(op string) error {
	if tx.repo.failOn == op {
		return errInjected
	}
	return nil
}

func (tx *memoryTx) LockAssets(ctx context.Context, ids []string) (map[string]Asset, error) {
	if err := tx.fail("LockAssets"); err != nil {
		return nil, err
	}
	out := make(map[string]Asset, len(ids))
	for _, id := range uniqueSorted(ids) {
		a, ok := tx.repo.assets[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrAssetNotFound, id)
		}
		out[id] = a.Clone()
	}
	return out, nil
}

func (tx *memoryTx) UpdateAssetCounters(ctx context.Context, asset Asset) error {
	if err := tx.fail("UpdateAssetCounters"); err != nil {
		return err
	}
	if _, ok := tx.repo.assets[asset.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrAssetNotFound, asset.ID)
	}
	tx.repo.assets[asset.ID] = asset.Clone()
	tx.repo.assetWrites++
	return nil
}

func (tx *memoryTx) GetWaybillForUpdate(ctx context.Context, id string) (Waybill, error) {
	wb, ok := tx.repo.waybills[id]
	if !ok {
		return Waybill{}, fmt.Errorf("%w: %s", ErrWaybillNotFound, id)
	}
	return wb.Clone(), nil
}

func (tx *memoryTx) ListWaybills(ctx context.Context, filter WaybillFilter) ([]Waybill, error) {
	return tx.repo.listWaybills(filter), nil
}

func (tx *memoryTx) MaxWaybillNumber(ctx context.Context, prefix string) (int, error) {
	highest := 0
	for id := range tx.repo.waybills {
		if !strings.HasPrefix(id, prefix) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(id, prefix))
		if err == nil && n > highest {
			highest = n
		}
	}
	return highest, nil
}

func (tx *memoryTx) InsertWaybill(ctx context.Context, wb Waybill) error {
	if err := tx.fail("InsertWaybill"); err != nil {
		return err
	}
	if _, ok := tx.repo.waybills[wb.ID]; ok || tx.repo.taken[wb.ID] {
		return ErrDuplicateWaybillID
	}
	tx.repo.waybills[wb.ID] = wb.Clone()
	return nil
}

func (tx *memoryTx) UpdateWaybill(ctx context.Context, wb Waybill) error {
	if err := tx.fail("UpdateWaybill"); err != nil {
		return err
	}
	if _, ok := tx.repo.waybills[wb.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrWaybillNotFound, wb.ID)
	}
	wb.UpdatedAt = time.Now()
	tx.repo.waybills[wb.ID] = wb.Clone()
	return nil
}

func (tx *memoryTx) DeleteWaybill(ctx context.Context, id string) error {
	if err := tx.fail("DeleteWaybill"); err != nil {
		return err
	}
	if _, ok := tx.repo.waybills[id]; !ok {
		return fmt.Errorf("%w: %s", ErrWaybillNotFound, id)
	}
	delete(tx.repo.waybills, id)
	return nil
}

func (tx *memoryTx) InsertSiteTransactions(ctx context.Context, txs []SiteTransaction) error {
	if err := tx.fail("InsertSiteTransactions"); err != nil {
		return err
	}
	tx.repo.moves = append(tx.repo.moves, txs...)
	return nil
}

func (tx *memoryTx) DeleteSiteTransactionsByReference(ctx context.Context, referenceType, referenceID string) (int64, error) {
	if err := tx.fail("DeleteSiteTransactionsByReference"); err != nil {
		return 0, err
	}
	kept := tx.repo.moves[:0]
	var removed int64
	for _, st := range tx.repo.moves {
		if st.ReferenceType == referenceType && st.ReferenceID == referenceID {
			removed++
			continue
		}
		kept = append(kept, st)
	}
	tx.repo.moves = kept
	return removed, nil
}
