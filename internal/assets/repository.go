package assets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sitestock/sitestock/internal/ledger"
	"github.com/sitestock/sitestock/internal/platform/db"
)

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Insert stores a new asset row.
func (r *Repository) Insert(ctx context.Context, a Asset) (Asset, error) {
	if r == nil || r.pool == nil {
		return Asset{}, ErrNotInitialized
	}
	sites, err := json.Marshal(a.SiteQuantities)
	if err != nil {
		return Asset{}, err
	}
	row := r.pool.QueryRow(ctx, `INSERT INTO assets (id, name, category, unit, quantity, reserved_quantity, available_quantity, damaged_count, missing_count, used_count, site_quantities)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
RETURNING `+ledger.AssetColumns,
		a.ID, a.Name, a.Category, a.Unit, a.Quantity, a.ReservedQuantity, a.AvailableQuantity, a.DamagedCount, a.MissingCount, a.UsedCount, sites)
	return ledger.ScanAsset(row)
}

// Get returns one asset.
func (r *Repository) Get(ctx context.Context, id string) (Asset, error) {
	if r == nil || r.pool == nil {
		return Asset{}, ErrNotInitialized
	}
	a, err := ledger.ScanAsset(r.pool.QueryRow(ctx, `SELECT `+ledger.AssetColumns+` FROM assets WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Asset{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return a, err
}

// List returns assets ordered by name.
func (r *Repository) List(ctx context.Context, filter ListFilter) ([]Asset, error) {
	if r == nil || r.pool == nil {
		return nil, ErrNotInitialized
	}
	var (
		conds []string
		args  []any
	)
	if filter.Category != "" {
		args = append(args, filter.Category)
		conds = append(conds, fmt.Sprintf("category = $%d", len(args)))
	}
	if filter.Search != "" {
		args = append(args, "%"+filter.Search+"%")
		conds = append(conds, fmt.Sprintf("name ILIKE $%d", len(args)))
	}
	query := `SELECT ` + ledger.AssetColumns + ` FROM assets`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	args = append(args, filter.Limit, filter.Offset)
	query += fmt.Sprintf(` ORDER BY name, id LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Asset{}
	for rows.Next() {
		a, err := ledger.ScanAsset(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpdateDetails rewrites the descriptive columns. Counters are not touched.
func (r *Repository) UpdateDetails(ctx context.Context, a Asset) (Asset, error) {
	if r == nil || r.pool == nil {
		return Asset{}, ErrNotInitialized
	}
	row := r.pool.QueryRow(ctx, `UPDATE assets SET name=$2, category=$3, unit=$4, updated_at=NOW() WHERE id=$1 RETURNING `+ledger.AssetColumns,
		a.ID, a.Name, a.Category, a.Unit)
	updated, err := ledger.ScanAsset(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Asset{}, fmt.Errorf("%w: %s", ErrNotFound, a.ID)
	}
	return updated, err
}

// Delete removes the asset when check accepts the locked row.
func (r *Repository) Delete(ctx context.Context, id string, check func(Asset) error) error {
	if r == nil || r.pool == nil {
		return ErrNotInitialized
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		a, err := ledger.ScanAsset(tx.QueryRow(ctx, `SELECT `+ledger.AssetColumns+` FROM assets WHERE id=$1 FOR UPDATE`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		if err := check(a); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `DELETE FROM assets WHERE id=$1`, id)
		return err
	})
}
