package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"escrowflow/contract"
	"escrowflow/escrow"
	"escrowflow/ledger"
	"escrowflow/ledger/ledgertest"
	"escrowflow/test/actors"
	"escrowflow/test/chaos"
	"escrowflow/test/infra"
	"escrowflow/test/oracles"
)

var (
	flDuration    = flag.Duration("duration", 20*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 4, "number of concurrent actors per role")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
)

const stressPayee = "0x1111111111111111111111111111111111111111"

func TestEscrowConcurrency(t *testing.T) {
	if testing.Short() {
		t.Skip("stress run skipped in -short mode")
	}
	seed := *flSeed
	rand.Seed(seed)

	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+90*time.Second)
	defer cancel()

	h, err := infra.NewHarness(ctx, *flDSN)
	if errors.Is(err, infra.ErrNoDatabase) {
		t.Skipf("no database: %v", err)
	}
	if err != nil {
		t.Fatalf("start harness: %v", err)
	}
	defer h.Close(context.Background())
	pool := h.Pool()
	store := h.Store()

	chainStart := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	chain := ledgertest.NewChain(common.HexToAddress("0x00000000000000000000000000000000000000a1"), chainStart)
	chain.SetLatency(time.Millisecond)

	svc, err := escrow.NewService(chain, store, stressArtifacts(t), escrow.Options{
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		RecordAttempts: 4,
		RetryInitial:   5 * time.Millisecond,
		RetryMax:       50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	book := &actors.Book{}
	g, actx := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	const tick = 10 * time.Minute
	for i := 0; i < *flConcurrency; i++ {
		g.Go(func() error { return actors.Deployer(actx, svc, book, stressPayee, chain.Now, 3*tick, stop) })
		g.Go(func() error { return actors.Confirmer(actx, svc, book, stop) })
		g.Go(func() error { return actors.Releaser(actx, svc, book, stop) })
		g.Go(func() error { return actors.Triggerer(actx, svc, book, stop) })
	}
	g.Go(func() error { return actors.StatusReader(actx, svc, book, stop) })
	g.Go(func() error { return actors.Reconciler(actx, svc, stop) })
	go chaos.TerminateRandomBackend(actx, pool, stop)
	go chaos.StallMining(actx, chain, tick, stop)

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

loop:
	for time.Now().Before(deadline) {
		select {
		case <-actx.Done():
			break loop
		case <-ticker.C:
			checkOracles(t, actx, pool, seed)
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("actors errored (seed=%d): %v", seed, err)
	}

	// Settle: mine everything, then repair the mirror from the ledger.
	chain.HoldMining(false)
	chain.Mine()
	for i := 0; i < 3; i++ {
		report, err := svc.ReconcileAll(ctx)
		if err != nil {
			t.Fatalf("final reconcile: %v", err)
		}
		if report.Failures == 0 && report.StillPending == 0 {
			break
		}
	}

	checkOracles(t, ctx, pool, seed)
	checkAgainstLedger(t, ctx, store, chain, book)
}

func checkOracles(t *testing.T, ctx context.Context, pool *pgxpool.Pool, seed int64) {
	t.Helper()
	name, row, err := oracles.Run(ctx, pool)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return
		}
		t.Fatalf("oracle error: %v", err)
	}
	if name != "" {
		dumpRecent(t, ctx, pool)
		t.Fatalf("Oracle %s failed. First row: %s (seed=%d)", name, row, seed)
	}
}

// checkAgainstLedger requires that paid matches the ledger and that the
// mirror never claims a confirmation the ledger lacks.
func checkAgainstLedger(t *testing.T, ctx context.Context, store contract.Store, chain *ledgertest.Chain, book *actors.Book) {
	t.Helper()
	var paid int
	for _, addr := range book.All() {
		rec, err := store.Get(ctx, addr)
		if err != nil {
			t.Fatalf("mirror record %s: %v", addr.Hex(), err)
		}
		confirmed, ledgerPaid, ok := chain.State(addr)
		if !ok {
			t.Fatalf("no ledger contract at mirrored %s", addr.Hex())
		}
		if rec.Paid != ledgerPaid {
			t.Errorf("%s: mirror paid=%v ledger paid=%v", addr.Hex(), rec.Paid, ledgerPaid)
		}
		if rec.Confirmed && !confirmed {
			t.Errorf("%s: mirror confirmed ahead of ledger", addr.Hex())
		}
		if ledgerPaid {
			paid++
		}
	}
	t.Logf("checked %d escrows, %d paid, %d transactions submitted", len(book.All()), paid, chain.Submitted())
}

func stressArtifacts(t *testing.T) escrow.Artifacts {
	t.Helper()
	cond, err := ledger.DefaultArtifact(ledger.ConditionalPayment)
	if err != nil {
		t.Fatal(err)
	}
	timed, err := ledger.DefaultArtifact(ledger.VendorPayment)
	if err != nil {
		t.Fatal(err)
	}
	cond.Bytecode = []byte{0x60, 0x80}
	timed.Bytecode = []byte{0x60, 0x80}
	return escrow.Artifacts{Conditional: cond, Timed: timed}
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	dumps := []struct {
		name string
		sql  string
	}{
		{"escrow_contracts", `SELECT address, variant, confirmed, paid, confirmed_at, paid_at, updated_at FROM escrow_contracts ORDER BY updated_at DESC LIMIT 50`},
		{"ledger_operations", `SELECT tx_hash, action, address, attempts, outcome, created_at, resolved_at FROM ledger_operations ORDER BY created_at DESC LIMIT 50`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", cols[i].Name, vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
