package contract_test

import (
	"context"
	"os"
	"testing"
	"time"

	"escrowflow/contract"
	"escrowflow/test/infra"
)

// TestPGStore_Integration runs the store suite against PostgreSQL. Each case
// gets its own schema on the database named by DATABASE_URL.
func TestPGStore_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	runStoreSuite(t, func(t *testing.T) contract.Store {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		h, err := infra.NewHarness(ctx, dsn)
		if err != nil {
			t.Fatalf("harness: %v", err)
		}
		t.Cleanup(func() { h.Close(context.Background()) })
		return h.Store()
	})
}

func TestPGStore_ForwardOnlyTrigger(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	h, err := infra.NewHarness(ctx, dsn)
	if err != nil {
		t.Fatalf("harness: %v", err)
	}
	defer h.Close(context.Background())

	s := h.Store()
	rec := conditionalRecord(addr(80))
	if err := s.Insert(ctx, rec); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkPaid(ctx, rec.Address); err != nil {
		t.Fatal(err)
	}
	if _, err := h.Pool().Exec(ctx, `UPDATE escrow_contracts SET paid = FALSE WHERE address = $1`, rec.Address.Hex()); err == nil {
		t.Fatalf("expected the trigger to reject un-paying a record")
	}
	if err := h.Reset(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if _, err := s.Get(ctx, rec.Address); err == nil {
		t.Fatalf("expected reset to clear records")
	}
}
