package ledger

import (
	"errors"
	"fmt"

	"github.com/sitestock/sitestock/internal/shared"
)

var (
	// ErrNotInitialized indicates the store handle is unavailable.
	ErrNotInitialized = errors.New("ledger: store not initialised")
	// ErrValidation is wrapped by every rejected input or quantity check.
	ErrValidation = fmt.Errorf("ledger: %w", shared.ErrValidation)
	// ErrAssetNotFound indicates a referenced asset does not exist.
	ErrAssetNotFound = fmt.Errorf("ledger: asset %w", shared.ErrNotFound)
	// ErrWaybillNotFound indicates a referenced waybill does not exist.
	ErrWaybillNotFound = fmt.Errorf("ledger: waybill %w", shared.ErrNotFound)
	// ErrDuplicateWaybillID is returned by the store when an id is already taken.
	ErrDuplicateWaybillID = errors.New("ledger: waybill id already exists")
	// ErrIDSpaceExhausted indicates the id allocator ran out of probes.
	ErrIDSpaceExhausted = fmt.Errorf("%w: waybill id allocation exhausted", ErrValidation)
)

// TxError reports a failure that rolled back a ledger operation.
type TxError struct {
	Op  string
	Err error
}

func (e *TxError) Error() string {
	return fmt.Sprintf("ledger: %s: %v", e.Op, e.Err)
}

func (e *TxError) Unwrap() error {
	return e.Err
}

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// wrapTx keeps typed errors recognisable while tagging the operation.
func wrapTx(op string, err error) error {
	if err == nil {
		return nil
	}
	var txErr *TxError
	if errors.As(err, &txErr) {
		return err
	}
	return &TxError{Op: op, Err: err}
}

// IsNotFound reports whether err refers to a missing asset or waybill.
func IsNotFound(err error) bool {
	return errors.Is(err, shared.ErrNotFound)
}

// IsValidation reports whether err is a rejected input.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}
