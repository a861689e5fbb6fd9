package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/sitestock/sitestock/internal/app"
	"github.com/sitestock/sitestock/internal/assets"
	"github.com/sitestock/sitestock/internal/ledger"
	"github.com/sitestock/sitestock/internal/platform/db"
	"github.com/sitestock/sitestock/internal/shared"
	"github.com/sitestock/sitestock/migrations"
)

const seedActor int64 = 1

type sampleAsset struct {
	Name     string
	Category string
	Unit     string
	Quantity int
}

var sampleAssets = []sampleAsset{
	{Name: "Scaffold frame 1.7m", Category: "scaffolding", Unit: "pcs", Quantity: 400},
	{Name: "Cross brace", Category: "scaffolding", Unit: "pcs", Quantity: 800},
	{Name: "Steel prop 3m", Category: "formwork", Unit: "pcs", Quantity: 250},
	{Name: "Plywood sheet 18mm", Category: "formwork", Unit: "sheet", Quantity: 120},
	{Name: "Concrete vibrator", Category: "equipment", Unit: "unit", Quantity: 6},
	{Name: "Safety helmet", Category: "ppe", Unit: "pcs", Quantity: 60},
}

func main() {
	ctx := context.Background()
	cfg, err := app.LoadConfig(os.Getenv("SITESTOCK_ENV_FILE"))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()

	fmt.Println("→ Applying migrations...")
	if _, err := db.Migrate(ctx, pool, migrations.Files, logger); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	ledgerDeps := app.NewLedger(cfg, pool, logger, nil)

	fmt.Println("→ Seeding assets...")
	assetService := assets.NewService(assets.NewRepository(pool), ledgerDeps.Audit, logger)
	ids, err := seedAssets(ctx, assetService)
	if err != nil {
		log.Fatalf("seed assets: %v", err)
	}

	fmt.Println("→ Seeding waybills...")
	if err := seedWaybills(ctx, ledgerDeps.Service, ids); err != nil {
		log.Fatalf("seed waybills: %v", err)
	}

	report, err := ledgerDeps.Service.Reconcile(ctx)
	if err != nil {
		log.Fatalf("reconcile: %v", err)
	}
	logger.Info("seed complete", slog.Int("assets", len(ids)), slog.Int("corrections", len(report.Corrections)))
}

func seedAssets(ctx context.Context, svc *assets.Service) ([]string, error) {
	existing, err := svc.List(ctx, assets.ListFilter{Limit: 500})
	if err != nil {
		return nil, err
	}
	byName := make(map[string]string, len(existing))
	for _, a := range existing {
		byName[a.Name] = a.ID
	}
	ids := make([]string, 0, len(sampleAssets))
	for _, s := range sampleAssets {
		if id, ok := byName[s.Name]; ok {
			ids = append(ids, id)
			continue
		}
		created, err := svc.Create(ctx, assets.CreateInput{
			Name: s.Name, Category: s.Category, Unit: s.Unit, Quantity: s.Quantity, ActorID: seedActor,
		})
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", s.Name, err)
		}
		ids = append(ids, created.ID)
	}
	return ids, nil
}

func seedWaybills(ctx context.Context, svc *ledger.Service, ids []string) error {
	if len(ids) < 3 {
		return errors.New("not enough assets to seed waybills")
	}
	issued := time.Now().UTC().AddDate(0, 0, -14)
	wb, err := svc.CreateOutboundWaybill(ctx, ledger.CreateOutboundInput{
		SiteID: "SITE-NORTH",
		Items: []ledger.ItemInput{
			{AssetID: ids[0], Quantity: 120},
			{AssetID: ids[1], Quantity: 240},
		},
		Meta: ledger.WaybillMeta{
			IssueDate:      issued,
			DriverName:     "Seed Driver",
			Vehicle:        "TRK-01",
			Purpose:        "Tower A scaffolding",
			ActorID:        seedActor,
			IdempotencyKey: "seed-outbound-north",
		},
	})
	if err != nil {
		return ignoreReplay(err)
	}
	if _, err := svc.SendToSite(ctx, wb.ID, issued.AddDate(0, 0, 1), seedActor); err != nil {
		return err
	}
	if _, err := svc.ProcessReturn(ctx, wb.ID, []ledger.ReturnLine{
		{AssetID: ids[0], Quantity: 40, Condition: ledger.ConditionGood},
		{AssetID: ids[1], Quantity: 2, Condition: ledger.ConditionDamaged},
	}, seedActor); err != nil {
		return err
	}

	_, err = svc.CreateOutboundWaybill(ctx, ledger.CreateOutboundInput{
		SiteID: "SITE-SOUTH",
		Items:  []ledger.ItemInput{{AssetID: ids[2], Quantity: 50}},
		Meta: ledger.WaybillMeta{
			IssueDate:      time.Now().UTC(),
			Purpose:        "Slab formwork",
			ActorID:        seedActor,
			IdempotencyKey: "seed-outbound-south",
		},
	})
	return ignoreReplay(err)
}

// ignoreReplay treats a replayed idempotency key as an earlier successful seed.
func ignoreReplay(err error) error {
	if errors.Is(err, shared.ErrIdempotencyConflict) {
		return nil
	}
	return err
}
