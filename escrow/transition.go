package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"escrowflow/contract"
	"escrowflow/ledger"
)

type transition struct {
	action  contract.Action
	variant contract.Variant
	method  string
	field   string
}

var (
	confirmDelivery = transition{contract.ActionConfirm, contract.VariantConditional, ledger.MethodConfirmDelivery, "confirmed"}
	releasePayment  = transition{contract.ActionRelease, contract.VariantConditional, ledger.MethodReleasePayment, "paid"}
	triggerPayment  = transition{contract.ActionTrigger, contract.VariantTimed, ledger.MethodTriggerPayment, "paid"}
)

// transitionFor maps a journaled action back to its transition.
func transitionFor(action contract.Action) (transition, bool) {
	switch action {
	case contract.ActionConfirm:
		return confirmDelivery, true
	case contract.ActionRelease:
		return releasePayment, true
	case contract.ActionTrigger:
		return triggerPayment, true
	}
	return transition{}, false
}

// ConfirmDelivery submits confirmDelivery() on a Conditional escrow and
// marks the record confirmed once mined.
func (s *Service) ConfirmDelivery(ctx context.Context, address string) (Outcome, error) {
	return s.transition(ctx, address, confirmDelivery)
}

// ReleasePayment submits releasePayment() on a Conditional escrow and marks
// the record paid once mined. The ledger rejects a release before
// confirmation or after payment.
func (s *Service) ReleasePayment(ctx context.Context, address string) (Outcome, error) {
	return s.transition(ctx, address, releasePayment)
}

// TriggerPayment submits triggerPayment() on a Timed escrow and marks the
// record paid once mined. The ledger rejects it before the due date.
func (s *Service) TriggerPayment(ctx context.Context, address string) (Outcome, error) {
	return s.transition(ctx, address, triggerPayment)
}

func (s *Service) transition(ctx context.Context, address string, t transition) (Outcome, error) {
	started := time.Now()
	out, err := s.runTransition(ctx, address, t)
	s.metrics.observe(t.action, started, err)
	if err != nil {
		s.log.Error("transition failed",
			slog.String("action", string(t.action)),
			slog.String("address", address),
			slog.String("tx", txLabel(out.TxHash)),
			slog.Any("err", err))
	}
	return out, err
}

func (s *Service) runTransition(ctx context.Context, address string, t transition) (Outcome, error) {
	addr, err := parseAddress("address", address)
	if err != nil {
		return Outcome{}, err
	}
	if err := s.requireContract(ctx, addr); err != nil {
		return Outcome{Address: addr}, err
	}

	unlock, err := s.locks.lock(ctx, addr)
	if err != nil {
		return Outcome{Address: addr}, fmt.Errorf("escrow: %s %s: wait for lock: %w", t.action, addr.Hex(), err)
	}
	defer unlock()

	rcpt, err := s.ledger.Send(ctx, s.arts.forVariant(t.variant), addr, t.method)
	if err != nil {
		hash, _ := ledger.TxHashOf(err)
		if errors.Is(err, ledger.ErrUnconfirmed) {
			s.journal(ctx, contract.PendingOp{TxHash: hash, Action: t.action, Variant: t.variant, Address: addr})
		}
		return Outcome{Address: addr, TxHash: hash}, fmt.Errorf("escrow: %s %s: %w", t.action, addr.Hex(), err)
	}

	out := Outcome{Address: addr, TxHash: rcpt.TxHash, Block: rcpt.BlockNumber}
	mirrored, err := s.mirrorTransition(ctx, t, addr, rcpt.TxHash)
	out.Mirrored = mirrored
	if err != nil {
		return out, err
	}
	s.log.Info("transition mined",
		slog.String("action", string(t.action)),
		slog.String("address", addr.Hex()),
		slog.String("tx", rcpt.TxHash.Hex()),
		slog.Uint64("block", rcpt.BlockNumber),
		slog.Bool("mirrored", mirrored))
	return out, nil
}

// mirrorTransition writes the one field a mined transition moved. The caller
// holds the address lock.
func (s *Service) mirrorTransition(ctx context.Context, t transition, addr common.Address, txHash common.Hash) (bool, error) {
	mctx, cancel := s.mirrorContext(ctx)
	defer cancel()

	err := s.applyWithRetry(mctx, t.action, addr, func(ctx context.Context) error {
		return s.applyField(ctx, t.field, addr)
	})
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, contract.ErrNotFound):
		// The ledger is authoritative; an address the mirror never saw is
		// not an error, just unmirrored.
		s.log.Warn("transition mined for address without a record",
			slog.String("action", string(t.action)),
			slog.String("address", addr.Hex()),
			slog.String("tx", txHash.Hex()))
		return false, nil
	case errors.Is(err, contract.ErrVariantMismatch):
		return false, &MirrorError{Action: t.action, Address: addr, TxHash: txHash, Err: err}
	default:
		s.journal(ctx, contract.PendingOp{TxHash: txHash, Action: t.action, Variant: t.variant, Address: addr})
		return false, &MirrorError{Action: t.action, Address: addr, TxHash: txHash, Err: err}
	}
}

func (s *Service) applyField(ctx context.Context, field string, addr common.Address) error {
	if field == "confirmed" {
		return s.store.MarkConfirmed(ctx, addr)
	}
	return s.store.MarkPaid(ctx, addr)
}

func txLabel(h common.Hash) string {
	if h == (common.Hash{}) {
		return ""
	}
	return h.Hex()
}
