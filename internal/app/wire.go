package app

import (
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sitestock/sitestock/internal/ledger"
	"github.com/sitestock/sitestock/internal/observability"
	"github.com/sitestock/sitestock/internal/shared"
)

// Ledger bundles the engine with the store it writes through.
type Ledger struct {
	Repo        *ledger.Repository
	Service     *ledger.Service
	Audit       *shared.AuditLogger
	Idempotency *shared.IdempotencyStore
}

// NewLedger wires the ledger engine against Postgres. metrics may be nil.
func NewLedger(cfg *Config, pool *pgxpool.Pool, logger *slog.Logger, metrics *observability.Metrics) *Ledger {
	repo := ledger.NewRepository(pool, cfg.LedgerTxRetries)
	audit := shared.NewAuditLogger(pool)
	idem := shared.NewIdempotencyStore(pool)
	svc := ledger.NewService(repo, audit, idem, ledger.ServiceConfig{
		EnforceAvailability: cfg.LedgerEnforceAvailability,
		Logger:              logger,
	})
	if metrics != nil {
		svc.SetObserver(metrics)
	}
	return &Ledger{Repo: repo, Service: svc, Audit: audit, Idempotency: idem}
}
