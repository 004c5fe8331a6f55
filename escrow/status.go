package escrow

import (
	"context"
	"fmt"

	"escrowflow/contract"
	"escrowflow/ledger"
)

// ConditionalStatus reads getStatus() from the ledger. The mirror is never
// consulted.
func (s *Service) ConditionalStatus(ctx context.Context, address string) (bool, error) {
	return s.ledgerPaid(ctx, address, contract.VariantConditional)
}

// TimedStatus reads paid() from the ledger.
func (s *Service) TimedStatus(ctx context.Context, address string) (bool, error) {
	return s.ledgerPaid(ctx, address, contract.VariantTimed)
}

func (s *Service) ledgerPaid(ctx context.Context, address string, v contract.Variant) (bool, error) {
	addr, err := parseAddress("address", address)
	if err != nil {
		return false, err
	}
	if err := s.requireContract(ctx, addr); err != nil {
		return false, err
	}
	paid, err := s.ledger.CallBool(ctx, s.arts.forVariant(v), addr, statusMethod(v))
	if err != nil {
		return false, fmt.Errorf("escrow: %s status %s: %w", v, addr.Hex(), err)
	}
	return paid, nil
}

func statusMethod(v contract.Variant) string {
	if v == contract.VariantTimed {
		return ledger.MethodPaid
	}
	return ledger.MethodGetStatus
}
