package assets

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sitestock/sitestock/internal/ledger"
	"github.com/sitestock/sitestock/internal/shared"
)

// Asset is the master record. Its counters are owned by the ledger engine.
type Asset = ledger.Asset

var (
	// ErrNotFound indicates the asset does not exist.
	ErrNotFound = fmt.Errorf("assets: asset %w", shared.ErrNotFound)
	// ErrInUse blocks deleting an asset that is reserved or held at a site.
	ErrInUse = fmt.Errorf("assets: asset in use: %w", shared.ErrConflict)
	// ErrInvalid wraps rejected input.
	ErrInvalid = fmt.Errorf("assets: %w", shared.ErrValidation)
	// ErrNotInitialized indicates the store handle is unavailable.
	ErrNotInitialized = errors.New("assets: store not initialised")
)

// CreateInput describes a new asset.
type CreateInput struct {
	Name     string
	Category string
	Unit     string
	Quantity int
	ActorID  int64
}

// Validate ensures the input is well formed.
func (in CreateInput) Validate() error {
	if strings.TrimSpace(in.Name) == "" {
		return fmt.Errorf("%w: name required", ErrInvalid)
	}
	if in.Quantity < 0 {
		return fmt.Errorf("%w: quantity must not be negative", ErrInvalid)
	}
	return nil
}

// UpdateInput changes descriptive fields only. Nil fields are left untouched.
type UpdateInput struct {
	Name     *string
	Category *string
	Unit     *string
	ActorID  int64
}

// Validate ensures the input is well formed.
func (in UpdateInput) Validate() error {
	if in.Name == nil && in.Category == nil && in.Unit == nil {
		return fmt.Errorf("%w: nothing to update", ErrInvalid)
	}
	if in.Name != nil && strings.TrimSpace(*in.Name) == "" {
		return fmt.Errorf("%w: name required", ErrInvalid)
	}
	return nil
}

// ListFilter narrows asset listings.
type ListFilter struct {
	Category string
	Search   string
	Limit    int
	Offset   int
}

// inUse reports whether the ledger still tracks units of the asset outside the warehouse.
func inUse(a Asset) bool {
	if a.ReservedQuantity > 0 {
		return true
	}
	for _, qty := range a.SiteQuantities {
		if qty > 0 {
			return true
		}
	}
	return false
}
