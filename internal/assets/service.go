package assets

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/sitestock/sitestock/internal/shared"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// RepositoryPort defines data access methods for assets.
type RepositoryPort interface {
	Insert(ctx context.Context, a Asset) (Asset, error)
	Get(ctx context.Context, id string) (Asset, error)
	List(ctx context.Context, filter ListFilter) ([]Asset, error)
	UpdateDetails(ctx context.Context, a Asset) (Asset, error)
	Delete(ctx context.Context, id string, check func(Asset) error) error
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service manages asset master records.
type Service struct {
	repo   RepositoryPort
	audit  AuditPort
	logger *slog.Logger
	newID  func() string
}

// NewService builds Service instance.
func NewService(repo RepositoryPort, audit AuditPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, audit: audit, logger: logger, newID: uuid.NewString}
}

// Create registers an asset with its initial owned quantity.
func (s *Service) Create(ctx context.Context, in CreateInput) (Asset, error) {
	if err := in.Validate(); err != nil {
		return Asset{}, err
	}
	a := Asset{
		ID:             s.newID(),
		Name:           strings.TrimSpace(in.Name),
		Category:       strings.TrimSpace(in.Category),
		Unit:           strings.TrimSpace(in.Unit),
		Quantity:       in.Quantity,
		SiteQuantities: map[string]int{},
	}
	a.Recompute()
	created, err := s.repo.Insert(ctx, a)
	if err != nil {
		return Asset{}, fmt.Errorf("create asset: %w", err)
	}
	s.record(ctx, "asset.create", created.ID, in.ActorID, map[string]any{"name": created.Name, "quantity": created.Quantity})
	return created, nil
}

// Get returns one asset.
func (s *Service) Get(ctx context.Context, id string) (Asset, error) {
	return s.repo.Get(ctx, id)
}

// List returns one page of assets.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Asset, error) {
	filter.Limit = shared.Limit(filter.Limit, defaultPageSize, maxPageSize)
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	return s.repo.List(ctx, filter)
}

// UpdateDetails renames or recategorises an asset.
func (s *Service) UpdateDetails(ctx context.Context, id string, in UpdateInput) (Asset, error) {
	if err := in.Validate(); err != nil {
		return Asset{}, err
	}
	a, err := s.repo.Get(ctx, id)
	if err != nil {
		return Asset{}, err
	}
	if in.Name != nil {
		a.Name = strings.TrimSpace(*in.Name)
	}
	if in.Category != nil {
		a.Category = strings.TrimSpace(*in.Category)
	}
	if in.Unit != nil {
		a.Unit = strings.TrimSpace(*in.Unit)
	}
	updated, err := s.repo.UpdateDetails(ctx, a)
	if err != nil {
		return Asset{}, err
	}
	s.record(ctx, "asset.update", id, in.ActorID, map[string]any{"name": updated.Name, "category": updated.Category, "unit": updated.Unit})
	return updated, nil
}

// Delete removes an asset that has nothing reserved and nothing at any site.
func (s *Service) Delete(ctx context.Context, id string, actorID int64) error {
	err := s.repo.Delete(ctx, id, func(a Asset) error {
		if inUse(a) {
			return fmt.Errorf("%w: %s", ErrInUse, a.ID)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.record(ctx, "asset.delete", id, actorID, nil)
	return nil
}

func (s *Service) record(ctx context.Context, action, id string, actorID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   "assets:" + action,
		Entity:   "asset",
		EntityID: id,
		Meta:     meta,
	}); err != nil {
		s.logger.Warn("asset audit", slog.String("action", action), slog.Any("error", err))
	}
}
