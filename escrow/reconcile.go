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

// ReconcileResult describes one record compared against the ledger.
type ReconcileResult struct {
	Address    common.Address
	Variant    contract.Variant
	LedgerPaid bool
	// Repaired lists the mirror fields moved to ledger truth.
	Repaired []string
	// Divergent is set when the mirror claims more than the ledger. Mirror
	// fields never move backwards, so this is only reported.
	Divergent bool
}

// ReconcileReport summarizes a reconciliation pass.
type ReconcileReport struct {
	Pending      int
	Applied      int
	Reverted     int
	Dropped      int
	StillPending int
	Checked      int
	Repaired     int
	Divergent    int
	Failures     int
}

const reconcilePageSize = 200

// Reconcile reads ledger truth for one mirrored address and moves the record
// toward it. Only false-to-true repairs are applied.
func (s *Service) Reconcile(ctx context.Context, address string) (ReconcileResult, error) {
	addr, err := parseAddress("address", address)
	if err != nil {
		return ReconcileResult{}, err
	}
	return s.reconcileAddress(ctx, addr)
}

func (s *Service) reconcileAddress(ctx context.Context, addr common.Address) (ReconcileResult, error) {
	unlock, err := s.locks.lock(ctx, addr)
	if err != nil {
		return ReconcileResult{}, fmt.Errorf("escrow: reconcile %s: wait for lock: %w", addr.Hex(), err)
	}
	defer unlock()

	rec, err := s.store.Get(ctx, addr)
	if err != nil {
		return ReconcileResult{}, fmt.Errorf("escrow: reconcile %s: %w", addr.Hex(), err)
	}
	res := ReconcileResult{Address: addr, Variant: rec.Variant}

	paid, err := s.ledger.CallBool(ctx, s.arts.forVariant(rec.Variant), addr, statusMethod(rec.Variant))
	if err != nil {
		return res, fmt.Errorf("escrow: reconcile %s: read ledger: %w", addr.Hex(), err)
	}
	res.LedgerPaid = paid

	if paid {
		// A paid Conditional escrow was necessarily confirmed first.
		if rec.Variant == contract.VariantConditional && !rec.Confirmed {
			if err := s.store.MarkConfirmed(ctx, addr); err != nil {
				return res, fmt.Errorf("escrow: reconcile %s: mark confirmed: %w", addr.Hex(), err)
			}
			res.Repaired = append(res.Repaired, "confirmed")
		}
		if !rec.Paid {
			if err := s.store.MarkPaid(ctx, addr); err != nil {
				return res, fmt.Errorf("escrow: reconcile %s: mark paid: %w", addr.Hex(), err)
			}
			res.Repaired = append(res.Repaired, "paid")
		}
	} else if rec.Paid {
		res.Divergent = true
		s.log.Error("mirror ahead of ledger",
			slog.String("action", "reconcile"),
			slog.String("address", addr.Hex()),
			slog.Bool("mirror_paid", rec.Paid),
			slog.Bool("ledger_paid", paid))
	}

	for _, field := range res.Repaired {
		s.metrics.repaired(field)
		s.log.Info("mirror repaired from ledger",
			slog.String("action", "reconcile"),
			slog.String("address", addr.Hex()),
			slog.String("field", field))
	}
	return res, nil
}

// ReconcilePending resolves journaled operations against their receipts:
// mined ones are applied to the mirror, reverted ones closed, and unknown
// ones left for the next pass until they expire.
func (s *Service) ReconcilePending(ctx context.Context, limit int) (ReconcileReport, error) {
	var report ReconcileReport
	ops, err := s.store.ListPending(ctx, limit)
	if err != nil {
		return report, fmt.Errorf("escrow: list pending operations: %w", err)
	}
	report.Pending = len(ops)

	for _, op := range ops {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		outcome, err := s.resolvePending(ctx, op)
		if err != nil {
			report.Failures++
			s.log.Error("resolve pending operation",
				slog.String("action", string(op.Action)),
				slog.String("address", op.Address.Hex()),
				slog.String("tx", op.TxHash.Hex()),
				slog.Any("err", err))
			continue
		}
		switch outcome {
		case contract.OutcomeApplied:
			report.Applied++
		case contract.OutcomeReverted:
			report.Reverted++
		case contract.OutcomeDropped:
			report.Dropped++
		default:
			report.StillPending++
		}
	}
	s.metrics.setPending(report.StillPending + report.Failures)
	return report, nil
}

// resolvePending returns the outcome recorded for op, or "" when it is still
// in flight.
func (s *Service) resolvePending(ctx context.Context, op contract.PendingOp) (string, error) {
	rcpt, err := s.ledger.Receipt(ctx, op.TxHash)
	switch {
	case errors.Is(err, ledger.ErrUnconfirmed):
		if s.now().Sub(op.CreatedAt) > s.pendingExpiry {
			if err := s.store.ResolvePending(ctx, op.TxHash, contract.OutcomeDropped); err != nil {
				return "", err
			}
			s.log.Warn("pending operation expired",
				slog.String("action", string(op.Action)),
				slog.String("tx", op.TxHash.Hex()),
				slog.Int("attempts", op.Attempts))
			return contract.OutcomeDropped, nil
		}
		return "", s.store.TouchPending(ctx, op.TxHash)
	case errors.Is(err, ledger.ErrReverted):
		if err := s.store.ResolvePending(ctx, op.TxHash, contract.OutcomeReverted); err != nil {
			return "", err
		}
		return contract.OutcomeReverted, nil
	case err != nil:
		return "", err
	}

	if err := s.applyPending(ctx, op, rcpt); err != nil {
		return "", err
	}
	if err := s.store.ResolvePending(ctx, op.TxHash, contract.OutcomeApplied); err != nil {
		return "", err
	}
	s.log.Info("pending operation applied",
		slog.String("action", string(op.Action)),
		slog.String("address", pendingAddress(op, rcpt).Hex()),
		slog.String("tx", op.TxHash.Hex()))
	return contract.OutcomeApplied, nil
}

func pendingAddress(op contract.PendingOp, rcpt ledger.Receipt) common.Address {
	if op.Action == contract.ActionDeploy && rcpt.Address != (common.Address{}) {
		return rcpt.Address
	}
	return op.Address
}

func (s *Service) applyPending(ctx context.Context, op contract.PendingOp, rcpt ledger.Receipt) error {
	addr := pendingAddress(op, rcpt)
	if addr == (common.Address{}) {
		return fmt.Errorf("escrow: pending %s %s has no address", op.Action, op.TxHash.Hex())
	}

	if op.Action == contract.ActionDeploy {
		if op.AmountWei == nil {
			return fmt.Errorf("escrow: pending deploy %s has no terms", op.TxHash.Hex())
		}
		err := s.store.Insert(ctx, contract.Record{
			Variant:   op.Variant,
			Address:   addr,
			Payer:     op.Payer,
			Payee:     op.Payee,
			AmountWei: op.AmountWei,
			DueDate:   op.DueDate,
			DeployTx:  op.TxHash,
		})
		if err != nil && !errors.Is(err, contract.ErrDuplicateAddress) {
			return err
		}
		return nil
	}

	t, ok := transitionFor(op.Action)
	if !ok {
		return fmt.Errorf("escrow: pending operation has unknown action %q", op.Action)
	}
	unlock, err := s.locks.lock(ctx, addr)
	if err != nil {
		return err
	}
	defer unlock()
	err = s.applyField(ctx, t.field, addr)
	if errors.Is(err, contract.ErrNotFound) {
		s.log.Warn("pending transition for address without a record",
			slog.String("action", string(op.Action)),
			slog.String("address", addr.Hex()),
			slog.String("tx", op.TxHash.Hex()))
		return nil
	}
	return err
}

// ReconcileAll resolves the journal, then checks every unpaid record against
// the ledger.
func (s *Service) ReconcileAll(ctx context.Context) (ReconcileReport, error) {
	report, err := s.ReconcilePending(ctx, reconcilePageSize)
	if err != nil {
		return report, err
	}

	// Repaired records drop out of the unpaid filter, so the offset only
	// advances past records that stayed unpaid.
	offset := 0
	for {
		recs, err := s.store.List(ctx, contract.ListFilters{Unpaid: true, Limit: reconcilePageSize, Offset: offset})
		if err != nil {
			return report, fmt.Errorf("escrow: list unpaid records: %w", err)
		}
		for _, rec := range recs {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			report.Checked++
			res, err := s.reconcileAddress(ctx, rec.Address)
			if err != nil {
				report.Failures++
				offset++
				s.log.Error("reconcile record",
					slog.String("action", "reconcile"),
					slog.String("address", rec.Address.Hex()),
					slog.Any("err", err))
				continue
			}
			report.Repaired += len(res.Repaired)
			if res.Divergent {
				report.Divergent++
			}
			if !res.LedgerPaid {
				offset++
			}
		}
		if len(recs) < reconcilePageSize {
			return report, nil
		}
	}
}

// RunReconciler calls ReconcileAll every interval until ctx is done.
func (s *Service) RunReconciler(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("escrow: reconcile interval must be positive")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		report, err := s.ReconcileAll(ctx)
		if err != nil && ctx.Err() == nil {
			s.log.Error("reconcile pass failed", slog.Any("err", err))
			continue
		}
		if report.Applied+report.Repaired+report.Reverted+report.Dropped+report.Failures > 0 {
			s.log.Info("reconcile pass",
				slog.Int("pending", report.Pending),
				slog.Int("applied", report.Applied),
				slog.Int("reverted", report.Reverted),
				slog.Int("dropped", report.Dropped),
				slog.Int("checked", report.Checked),
				slog.Int("repaired", report.Repaired),
				slog.Int("failures", report.Failures))
		}
	}
}
