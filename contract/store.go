package contract

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrNotFound is returned when no record exists for the address.
	ErrNotFound = errors.New("contract: not found")
	// ErrDuplicateAddress signals an insert collided with an existing address.
	ErrDuplicateAddress = errors.New("contract: duplicate address")
	// ErrVariantMismatch signals a field update that does not apply to the record's variant.
	ErrVariantMismatch = errors.New("contract: variant mismatch")
)

// Store persists the mirror. Every mutation is idempotent so callers may
// replay it after a partial failure.
type Store interface {
	Insert(ctx context.Context, rec Record) error
	Get(ctx context.Context, address common.Address) (Record, error)
	List(ctx context.Context, filters ListFilters) ([]Record, error)
	MarkConfirmed(ctx context.Context, address common.Address) error
	MarkPaid(ctx context.Context, address common.Address) error

	SavePending(ctx context.Context, op PendingOp) error
	ListPending(ctx context.Context, limit int) ([]PendingOp, error)
	TouchPending(ctx context.Context, txHash common.Hash) error
	ResolvePending(ctx context.Context, txHash common.Hash, outcome string) error
}
