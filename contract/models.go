package contract

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Variant names the escrow contract type deployed at an address.
type Variant string

const (
	VariantConditional Variant = "Conditional"
	VariantTimed       Variant = "Timed"
)

// ParseVariant accepts the canonical names case-insensitively.
func ParseVariant(s string) (Variant, error) {
	switch s {
	case "Conditional", "conditional":
		return VariantConditional, nil
	case "Timed", "timed":
		return VariantTimed, nil
	default:
		return "", fmt.Errorf("contract: unknown variant %q", s)
	}
}

// Action identifies the ledger transaction a pending operation belongs to.
type Action string

const (
	ActionDeploy  Action = "deploy"
	ActionConfirm Action = "confirm"
	ActionRelease Action = "release"
	ActionTrigger Action = "trigger"
)

// Outcome values stored on resolved pending operations.
const (
	OutcomeApplied  = "applied"
	OutcomeReverted = "reverted"
	// OutcomeDropped marks a transaction the ledger never reported mined
	// within the journal's expiry.
	OutcomeDropped = "dropped"
)

// Record mirrors one deployed escrow instance. Terms are immutable after
// insert; only Confirmed and Paid move, and only from false to true.
type Record struct {
	Variant     Variant
	Address     common.Address
	Payer       common.Address
	Payee       common.Address
	AmountWei   *big.Int
	DueDate     *time.Time
	Confirmed   bool
	Paid        bool
	DeployTx    common.Hash
	ConfirmedAt *time.Time
	PaidAt      *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// PendingOp journals a submitted ledger transaction whose effect has not been
// applied to the mirror yet.
type PendingOp struct {
	TxHash    common.Hash
	Action    Action
	Variant   Variant
	Address   common.Address
	Payer     common.Address
	Payee     common.Address
	AmountWei *big.Int
	DueDate   *time.Time
	Attempts  int
	CreatedAt time.Time
}

// ListFilters narrows mirror listings.
type ListFilters struct {
	Variant Variant
	Unpaid  bool
	Limit   int
	Offset  int
}

func (f ListFilters) normalized() ListFilters {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}
