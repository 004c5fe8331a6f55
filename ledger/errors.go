package ledger

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrReverted means the ledger rejected the transaction, either during gas
	// estimation or with a failed receipt.
	ErrReverted = errors.New("ledger: transaction reverted")
	// ErrInsufficientFunds means the signer cannot cover value plus fees.
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")
	// ErrUnconfirmed means the transaction was submitted but not observed mined
	// within the confirmation bound. It may still mine later.
	ErrUnconfirmed = errors.New("ledger: transaction not confirmed")
	// ErrUnavailable wraps provider and transport faults.
	ErrUnavailable = errors.New("ledger: provider unavailable")
	// ErrNoBytecode means a deployment was requested with an ABI-only artifact.
	ErrNoBytecode = errors.New("ledger: artifact has no bytecode")
)

// TxError ties a failure to the submitted transaction, when there is one.
type TxError struct {
	Op     string
	TxHash common.Hash
	Err    error
	Reason string
}

func (e *TxError) Error() string {
	var b strings.Builder
	b.WriteString(e.Err.Error())
	if e.Op != "" {
		fmt.Fprintf(&b, " (%s", e.Op)
		if e.TxHash != (common.Hash{}) {
			fmt.Fprintf(&b, " tx %s", e.TxHash.Hex())
		}
		b.WriteString(")")
	} else if e.TxHash != (common.Hash{}) {
		fmt.Fprintf(&b, " (tx %s)", e.TxHash.Hex())
	}
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	return b.String()
}

func (e *TxError) Unwrap() error { return e.Err }

// TxHashOf extracts the transaction hash carried by err, if any.
func TxHashOf(err error) (common.Hash, bool) {
	var txErr *TxError
	if errors.As(err, &txErr) && txErr.TxHash != (common.Hash{}) {
		return txErr.TxHash, true
	}
	return common.Hash{}, false
}

// classify maps provider error text onto the package sentinels. Node errors
// arrive as JSON-RPC strings, so matching is textual.
func classify(op string, txHash common.Hash, err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "execution reverted"), strings.Contains(lower, "revert"):
		return &TxError{Op: op, TxHash: txHash, Err: ErrReverted, Reason: msg}
	case strings.Contains(lower, "insufficient funds"):
		return &TxError{Op: op, TxHash: txHash, Err: ErrInsufficientFunds, Reason: msg}
	default:
		return &TxError{Op: op, TxHash: txHash, Err: fmt.Errorf("%w: %w", ErrUnavailable, err)}
	}
}
