package infra

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/contract"
)

// ErrNoDatabase means neither a DSN, docker nor a local Postgres is available.
var ErrNoDatabase = errors.New("infra: no postgres available")

// Harness owns a migrated Postgres database for integration and stress tests.
type Harness struct {
	container *PGContainer
	pool      *pgxpool.Pool
	dsn       string
	teardown  func(context.Context) error
}

// NewHarness picks a database in order: overrideDSN, STRESS_TEST_PG_DSN,
// DATABASE_URL, a docker container, a local Postgres. Shared databases get an
// isolated schema.
func NewHarness(ctx context.Context, overrideDSN string) (*Harness, error) {
	if overrideDSN == "" {
		overrideDSN = os.Getenv("DATABASE_URL")
	}
	shared := overrideDSN != "" || os.Getenv("STRESS_TEST_PG_DSN") != ""

	var (
		container *PGContainer
		dsn       string
		err       error
	)
	switch {
	case shared:
		container, dsn, err = StartPostgres16(ctx, overrideDSN)
	case DockerAvailable(ctx):
		container, dsn, err = StartPostgres16(ctx, "")
	default:
		container = &PGContainer{}
		dsn, err = InitLocalDatabase(ctx)
		if err != nil {
			err = fmt.Errorf("%w: %w", ErrNoDatabase, err)
		}
	}
	if err != nil {
		return nil, err
	}

	pool, teardown, err := ApplyMigrations(ctx, dsn, shared)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, err
	}
	return &Harness{container: container, pool: pool, dsn: dsn, teardown: teardown}, nil
}

// Pool exposes the migrated pgx pool.
func (h *Harness) Pool() *pgxpool.Pool {
	return h.pool
}

// DSN returns the connection string for direct connections (e.g., chaos).
func (h *Harness) DSN() string {
	return h.dsn
}

// Store returns a mirror store on the harness pool.
func (h *Harness) Store() *contract.PGStore {
	return contract.NewPGStore(h.pool)
}

// Close tears down resources.
func (h *Harness) Close(ctx context.Context) {
	if h.pool != nil {
		h.pool.Close()
	}
	if h.teardown != nil {
		_ = h.teardown(ctx)
	}
	_ = h.container.Terminate(ctx)
}

// Reset truncates the mirror tables between epochs.
func (h *Harness) Reset(ctx context.Context) error {
	if _, err := h.pool.Exec(ctx, "TRUNCATE TABLE escrow_contracts, ledger_operations"); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	return nil
}
