package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"escrowflow/contract"
	"escrowflow/ledger"
)

type deployment struct {
	variant contract.Variant
	payee   common.Address
	amount  *big.Int
	dueDate *time.Time
	args    []any
}

// DeployConditional deploys an escrow released by delivery confirmation.
// amount is decimal ether, converted exactly to wei here. No record exists
// unless the deployment mined.
func (s *Service) DeployConditional(ctx context.Context, payee, amount string) (contract.Record, error) {
	payeeAddr, wei, err := parseTerms(payee, amount)
	if err != nil {
		return contract.Record{}, err
	}
	return s.deploy(ctx, deployment{
		variant: contract.VariantConditional,
		payee:   payeeAddr,
		amount:  wei,
		args:    []any{payeeAddr},
	})
}

// DeployTimed deploys an escrow payable once dueDate (unix seconds or RFC
// 3339) has passed.
func (s *Service) DeployTimed(ctx context.Context, payee, amount, dueDate string) (contract.Record, error) {
	payeeAddr, wei, err := parseTerms(payee, amount)
	if err != nil {
		return contract.Record{}, err
	}
	due, err := ledger.ParseDueDate(dueDate)
	if err != nil {
		return contract.Record{}, invalid("dueDate", "%v", err)
	}
	return s.deploy(ctx, deployment{
		variant: contract.VariantTimed,
		payee:   payeeAddr,
		amount:  wei,
		dueDate: &due,
		args:    []any{payeeAddr, new(big.Int).Set(wei), big.NewInt(due.Unix())},
	})
}

func parseTerms(payee, amount string) (common.Address, *big.Int, error) {
	payeeAddr, err := parseAddress("payee", payee)
	if err != nil {
		return common.Address{}, nil, err
	}
	if payeeAddr == (common.Address{}) {
		return common.Address{}, nil, invalid("payee", "zero address")
	}
	wei, err := ledger.ParseEther(amount)
	if err != nil {
		return common.Address{}, nil, invalid("amount", "%v", err)
	}
	if wei.Sign() <= 0 {
		return common.Address{}, nil, invalid("amount", "must be positive")
	}
	return payeeAddr, wei, nil
}

func (s *Service) deploy(ctx context.Context, d deployment) (contract.Record, error) {
	started := time.Now()
	art := s.arts.forVariant(d.variant)

	rcpt, err := s.ledger.Deploy(ctx, art, d.amount, d.args...)
	if err != nil {
		if errors.Is(err, ledger.ErrUnconfirmed) {
			hash, _ := ledger.TxHashOf(err)
			s.journal(ctx, contract.PendingOp{
				TxHash:    hash,
				Action:    contract.ActionDeploy,
				Variant:   d.variant,
				Payer:     s.ledger.Payer(),
				Payee:     d.payee,
				AmountWei: d.amount,
				DueDate:   d.dueDate,
			})
		}
		s.metrics.observe(contract.ActionDeploy, started, err)
		s.log.Error("deploy failed",
			slog.String("action", string(contract.ActionDeploy)),
			slog.String("variant", string(d.variant)),
			slog.Any("err", err))
		return contract.Record{}, fmt.Errorf("escrow: deploy %s: %w", d.variant, err)
	}

	rec := contract.Record{
		Variant:   d.variant,
		Address:   rcpt.Address,
		Payer:     s.ledger.Payer(),
		Payee:     d.payee,
		AmountWei: d.amount,
		DueDate:   d.dueDate,
		DeployTx:  rcpt.TxHash,
	}

	mctx, cancel := s.mirrorContext(ctx)
	defer cancel()
	err = s.applyWithRetry(mctx, contract.ActionDeploy, rec.Address, func(ctx context.Context) error {
		return s.store.Insert(ctx, rec)
	})
	if errors.Is(err, contract.ErrDuplicateAddress) {
		// A previous attempt or the reconciler got there first.
		err = nil
	}
	if err != nil {
		s.journal(ctx, contract.PendingOp{
			TxHash:    rcpt.TxHash,
			Action:    contract.ActionDeploy,
			Variant:   d.variant,
			Address:   rec.Address,
			Payer:     rec.Payer,
			Payee:     rec.Payee,
			AmountWei: rec.AmountWei,
			DueDate:   rec.DueDate,
		})
		merr := &MirrorError{Action: contract.ActionDeploy, Address: rec.Address, TxHash: rcpt.TxHash, Err: err}
		s.metrics.observe(contract.ActionDeploy, started, merr)
		s.log.Error("record insert failed after deployment",
			slog.String("action", string(contract.ActionDeploy)),
			slog.String("address", rec.Address.Hex()),
			slog.String("tx", rcpt.TxHash.Hex()),
			slog.Any("err", err))
		return rec, merr
	}

	s.metrics.observe(contract.ActionDeploy, started, nil)
	s.log.Info("contract deployed",
		slog.String("action", string(contract.ActionDeploy)),
		slog.String("variant", string(d.variant)),
		slog.String("address", rec.Address.Hex()),
		slog.String("tx", rcpt.TxHash.Hex()),
		slog.String("amount_wei", d.amount.String()))
	return rec, nil
}
