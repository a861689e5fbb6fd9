package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetWaybill(ctx context.Context, id string) (Waybill, error)
	ListWaybills(ctx context.Context, filter WaybillFilter) ([]Waybill, error)
	ListAssets(ctx context.Context) ([]Asset, error)
	ListSiteTransactions(ctx context.Context, filter SiteTransactionFilter) ([]SiteTransaction, error)
}

// TxRepository exposes transactional operations used by service.
type TxRepository interface {
	// LockAssets loads the assets FOR UPDATE in ascending id order.
	LockAssets(ctx context.Context, ids []string) (map[string]Asset, error)
	UpdateAssetCounters(ctx context.Context, asset Asset) error

	GetWaybillForUpdate(ctx context.Context, id string) (Waybill, error)
	ListWaybills(ctx context.Context, filter WaybillFilter) ([]Waybill, error)
	MaxWaybillNumber(ctx context.Context, prefix string) (int, error)
	// InsertWaybill returns ErrDuplicateWaybillID when the id is taken and
	// leaves the surrounding transaction usable.
	InsertWaybill(ctx context.Context, wb Waybill) error
	UpdateWaybill(ctx context.Context, wb Waybill) error
	DeleteWaybill(ctx context.Context, id string) error

	InsertSiteTransactions(ctx context.Context, txs []SiteTransaction) error
	DeleteSiteTransactionsByReference(ctx context.Context, referenceType, referenceID string) (int64, error)
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Repository persists ledger data in PostgreSQL.
type Repository struct {
	pool     *pgxpool.Pool
	attempts int
}

// NewRepository constructs Repository. attempts bounds how often a
// transaction is replayed after a serialization conflict or deadlock.
func NewRepository(pool *pgxpool.Pool, attempts int) *Repository {
	if attempts < 1 {
		attempts = 1
	}
	return &Repository{pool: pool, attempts: attempts}
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes the callback inside repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil || r.pool == nil {
		return ErrNotInitialized
	}
	var err error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		err = r.runTx(ctx, fn)
		if err == nil || !isRetryable(err) {
			return err
		}
	}
	return err
}

func (r *Repository) runTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return err
	}
	wrapper := &txRepository{tx: tx}
	if err := fn(ctx, wrapper); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

// isRetryable matches serialization_failure and deadlock_detected.
func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (r *Repository) GetWaybill(ctx context.Context, id string) (Waybill, error) {
	if r == nil || r.pool == nil {
		return Waybill{}, ErrNotInitialized
	}
	return getWaybill(ctx, r.pool, id, false)
}

func (r *Repository) ListWaybills(ctx context.Context, filter WaybillFilter) ([]Waybill, error) {
	if r == nil || r.pool == nil {
		return nil, ErrNotInitialized
	}
	filter.ForUpdate = false
	return listWaybills(ctx, r.pool, filter)
}

func (r *Repository) ListAssets(ctx context.Context) ([]Asset, error) {
	if r == nil || r.pool == nil {
		return nil, ErrNotInitialized
	}
	rows, err := r.pool.Query(ctx, `SELECT `+assetColumns+` FROM assets ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	assets := []Asset{}
	for rows.Next() {
		asset, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		assets = append(assets, asset)
	}
	return assets, rows.Err()
}

func (r *Repository) ListSiteTransactions(ctx context.Context, filter SiteTransactionFilter) ([]SiteTransaction, error) {
	if r == nil || r.pool == nil {
		return nil, ErrNotInitialized
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.pool.Query(ctx, `SELECT id, site_id, asset_id, asset_name, quantity, type, reference_id, reference_type, condition, notes, COALESCE(created_by, 0), created_at
FROM site_transactions
WHERE ($1::text = '' OR site_id = $1) AND ($2::text = '' OR asset_id = $2) AND ($3::text = '' OR reference_id = $3)
ORDER BY created_at DESC, id
LIMIT $4`, filter.SiteID, filter.AssetID, filter.ReferenceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []SiteTransaction{}
	for rows.Next() {
		var st SiteTransaction
		if err := rows.Scan(&st.ID, &st.SiteID, &st.AssetID, &st.AssetName, &st.Quantity, &st.Type, &st.ReferenceID, &st.ReferenceType, &st.Condition, &st.Notes, &st.CreatedBy, &st.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (r *txRepository) LockAssets(ctx context.Context, ids []string) (map[string]Asset, error) {
	ids = uniqueSorted(ids)
	rows, err := r.tx.Query(ctx, `SELECT `+assetColumns+` FROM assets WHERE id = ANY($1) ORDER BY id FOR UPDATE`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	assets := make(map[string]Asset, len(ids))
	for rows.Next() {
		asset, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		assets[asset.ID] = asset
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, id := range ids {
		if _, ok := assets[id]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrAssetNotFound, id)
		}
	}
	return assets, nil
}

func (r *txRepository) UpdateAssetCounters(ctx context.Context, asset Asset) error {
	sites, err := json.Marshal(nonNilSites(asset.SiteQuantities))
	if err != nil {
		return err
	}
	tag, err := r.tx.Exec(ctx, `UPDATE assets SET quantity=$2, reserved_quantity=$3, available_quantity=$4, damaged_count=$5, missing_count=$6, used_count=$7, site_quantities=$8, updated_at=NOW()
WHERE id=$1`, asset.ID, asset.Quantity, asset.ReservedQuantity, asset.AvailableQuantity, asset.DamagedCount, asset.MissingCount, asset.UsedCount, sites)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrAssetNotFound, asset.ID)
	}
	return nil
}

func (r *txRepository) GetWaybillForUpdate(ctx context.Context, id string) (Waybill, error) {
	return getWaybill(ctx, r.tx, id, true)
}

func (r *txRepository) ListWaybills(ctx context.Context, filter WaybillFilter) ([]Waybill, error) {
	return listWaybills(ctx, r.tx, filter)
}

func (r *txRepository) MaxWaybillNumber(ctx context.Context, prefix string) (int, error) {
	var n int64
	err := r.tx.QueryRow(ctx, `SELECT COALESCE(MAX(CAST(SUBSTRING(id FROM '[0-9]+$') AS BIGINT)), 0)
FROM waybills WHERE id ~ ('^' || $1::text || '[0-9]+$')`, prefix).Scan(&n)
	return int(n), err
}

func (r *txRepository) InsertWaybill(ctx context.Context, wb Waybill) error {
	items, err := json.Marshal(wb.Items)
	if err != nil {
		return err
	}
	sp, err := r.tx.Begin(ctx)
	if err != nil {
		return err
	}
	_, err = sp.Exec(ctx, `INSERT INTO waybills (id, type, status, site_id, return_to_site_id, items, issue_date, sent_to_site_date, expected_return_date, driver_name, vehicle, purpose, notes, created_by, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,NOW(),NOW())`,
		wb.ID, string(wb.Type), string(wb.Status), wb.SiteID, nullString(wb.ReturnToSiteID), items, wb.IssueDate,
		wb.SentToSiteDate, wb.ExpectedReturnDate, wb.DriverName, wb.Vehicle, wb.Purpose, wb.Notes, nullInt(wb.CreatedBy))
	if err != nil {
		_ = sp.Rollback(ctx)
		if isUniqueViolation(err) {
			return ErrDuplicateWaybillID
		}
		return err
	}
	return sp.Commit(ctx)
}

func (r *txRepository) UpdateWaybill(ctx context.Context, wb Waybill) error {
	items, err := json.Marshal(wb.Items)
	if err != nil {
		return err
	}
	tag, err := r.tx.Exec(ctx, `UPDATE waybills SET status=$2, return_to_site_id=$3, items=$4, sent_to_site_date=$5, expected_return_date=$6, notes=$7, updated_at=NOW()
WHERE id=$1`, wb.ID, string(wb.Status), nullString(wb.ReturnToSiteID), items, wb.SentToSiteDate, wb.ExpectedReturnDate, wb.Notes)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrWaybillNotFound, wb.ID)
	}
	return nil
}

func (r *txRepository) DeleteWaybill(ctx context.Context, id string) error {
	tag, err := r.tx.Exec(ctx, `DELETE FROM waybills WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrWaybillNotFound, id)
	}
	return nil
}

func (r *txRepository) InsertSiteTransactions(ctx context.Context, txs []SiteTransaction) error {
	if len(txs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, st := range txs {
		batch.Queue(`INSERT INTO site_transactions (id, site_id, asset_id, asset_name, quantity, type, reference_id, reference_type, condition, notes, created_by, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
			st.ID, st.SiteID, st.AssetID, st.AssetName, st.Quantity, string(st.Type), st.ReferenceID, st.ReferenceType, st.Condition, st.Notes, nullInt(st.CreatedBy), st.CreatedAt)
	}
	results := r.tx.SendBatch(ctx, batch)
	for range txs {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return err
		}
	}
	return results.Close()
}

func (r *txRepository) DeleteSiteTransactionsByReference(ctx context.Context, referenceType, referenceID string) (int64, error) {
	tag, err := r.tx.Exec(ctx, `DELETE FROM site_transactions WHERE reference_type=$1 AND reference_id=$2`, referenceType, referenceID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

const assetColumns = `id, name, category, unit, quantity, reserved_quantity, available_quantity, damaged_count, missing_count, used_count, site_quantities, created_at, updated_at`

const waybillColumns = `id, type, status, site_id, COALESCE(return_to_site_id, ''), items, issue_date, sent_to_site_date, expected_return_date, driver_name, vehicle, purpose, notes, COALESCE(created_by, 0), created_at, updated_at`

// ScanAsset reads an assets row selected with the canonical column list.
func ScanAsset(row pgx.Row) (Asset, error) {
	return scanAsset(row)
}

// AssetColumns is the canonical column list understood by ScanAsset.
const AssetColumns = assetColumns

func scanAsset(row pgx.Row) (Asset, error) {
	var (
		a     Asset
		sites []byte
	)
	if err := row.Scan(&a.ID, &a.Name, &a.Category, &a.Unit, &a.Quantity, &a.ReservedQuantity, &a.AvailableQuantity,
		&a.DamagedCount, &a.MissingCount, &a.UsedCount, &sites, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return Asset{}, err
	}
	a.SiteQuantities = map[string]int{}
	if len(sites) > 0 {
		if err := json.Unmarshal(sites, &a.SiteQuantities); err != nil {
			return Asset{}, fmt.Errorf("ledger: decode site quantities for %s: %w", a.ID, err)
		}
	}
	return a, nil
}

func scanWaybill(row pgx.Row) (Waybill, error) {
	var (
		wb         Waybill
		items      []byte
		sentAt     *time.Time
		expectedAt *time.Time
	)
	if err := row.Scan(&wb.ID, &wb.Type, &wb.Status, &wb.SiteID, &wb.ReturnToSiteID, &items, &wb.IssueDate, &sentAt, &expectedAt,
		&wb.DriverName, &wb.Vehicle, &wb.Purpose, &wb.Notes, &wb.CreatedBy, &wb.CreatedAt, &wb.UpdatedAt); err != nil {
		return Waybill{}, err
	}
	wb.SentToSiteDate = sentAt
	wb.ExpectedReturnDate = expectedAt
	if len(items) > 0 {
		if err := json.Unmarshal(items, &wb.Items); err != nil {
			return Waybill{}, fmt.Errorf("ledger: decode items for %s: %w", wb.ID, err)
		}
	}
	return wb, nil
}

func getWaybill(ctx context.Context, q querier, id string, forUpdate bool) (Waybill, error) {
	query := `SELECT ` + waybillColumns + ` FROM waybills WHERE id=$1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	wb, err := scanWaybill(q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Waybill{}, fmt.Errorf("%w: %s", ErrWaybillNotFound, id)
		}
		return Waybill{}, err
	}
	return wb, nil
}

func listWaybills(ctx context.Context, q querier, filter WaybillFilter) ([]Waybill, error) {
	var (
		conds []string
		args  []any
	)
	if filter.Type != "" {
		args = append(args, string(filter.Type))
		conds = append(conds, fmt.Sprintf("type = $%d", len(args)))
	}
	if filter.SiteID != "" {
		args = append(args, filter.SiteID)
		conds = append(conds, fmt.Sprintf("site_id = $%d", len(args)))
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, s := range filter.Statuses {
			statuses = append(statuses, string(s))
		}
		args = append(args, statuses)
		conds = append(conds, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	query := `SELECT ` + waybillColumns + ` FROM waybills`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY issue_date, id`
	if filter.ForUpdate {
		query += ` FOR UPDATE`
	}
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Waybill{}
	for rows.Next() {
		wb, err := scanWaybill(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, wb)
	}
	return out, rows.Err()
}

func nonNilSites(m map[string]int) map[string]int {
	if m == nil {
		return map[string]int{}
	}
	return m
}

func nullInt(value int64) any {
	if value == 0 {
		return nil
	}
	return value
}

func nullString(value string) any {
	if value == "" {
		return nil
	}
	return value
}
