package escrow

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"escrowflow/contract"
)

var (
	// ErrInvalidInput marks malformed caller input. Errors carrying it are
	// *ValidationError values.
	ErrInvalidInput = errors.New("escrow: invalid input")
	// ErrUnknownContract is returned when no contract code exists at an address.
	ErrUnknownContract = errors.New("escrow: no contract at address")
	// ErrMirrorBehind means the ledger accepted a transaction but the mirror
	// could not be updated. The operation is journaled for reconciliation.
	ErrMirrorBehind = errors.New("escrow: mirror behind ledger")
)

// ValidationError names the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("escrow: invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidInput }

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// MirrorError reports a mined transaction whose effect is missing from the mirror.
type MirrorError struct {
	Action  contract.Action
	Address common.Address
	TxHash  common.Hash
	Err     error
}

func (e *MirrorError) Error() string {
	return fmt.Sprintf("escrow: mirror behind ledger after %s %s (tx %s): %v",
		e.Action, e.Address.Hex(), e.TxHash.Hex(), e.Err)
}

func (e *MirrorError) Unwrap() []error { return []error{ErrMirrorBehind, e.Err} }
