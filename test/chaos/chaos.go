// Package chaos injects store and ledger faults during stress runs.
package chaos

import (
	"context"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/ledger"
	"escrowflow/ledger/ledgertest"
)

// TerminateRandomBackend occasionally kills a backend connection of the
// current database, which the pool must survive.
func TerminateRandomBackend(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if rand.Intn(5) == 0 {
				_, _ = pool.Exec(ctx, `SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = current_database() AND pid <> pg_backend_pid() ORDER BY random() LIMIT 1`)
			}
		}
	}
}

// StallMining holds the simulated chain's mining for short windows, leaving
// transactions unconfirmed, then mines the backlog. It also drops the odd
// provider call and moves the chain clock forward by tick each round.
func StallMining(ctx context.Context, chain *ledgertest.Chain, tick time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			chain.HoldMining(false)
			return
		case <-stop:
			chain.HoldMining(false)
			return
		case <-ticker.C:
			chain.Advance(tick)
			switch rand.Intn(6) {
			case 0:
				chain.HoldMining(true)
				time.Sleep(time.Duration(50+rand.Intn(150)) * time.Millisecond)
				chain.HoldMining(false)
				chain.Mine()
			case 1:
				chain.FailNext("Send", ledger.ErrUnavailable)
			}
		}
	}
}
