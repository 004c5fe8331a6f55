// Package app wires configuration into running components.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"escrowflow/config"
	"escrowflow/contract"
	"escrowflow/db"
	"escrowflow/escrow"
	"escrowflow/ledger"
)

// App holds the long-lived components of a process.
type App struct {
	Config   config.Config
	Log      *slog.Logger
	Store    contract.Store
	Ledger   *ledger.Client
	Service  *escrow.Service
	Registry *prometheus.Registry

	closers []func()
}

// Open connects the store and the ledger and builds the escrow service.
func Open(ctx context.Context, cfg config.Config, log *slog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.ValidateLedger(); err != nil {
		return nil, err
	}

	a := &App{Config: cfg, Log: log, Registry: prometheus.NewRegistry()}
	a.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	store, closeStore, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.Store = store
	a.closers = append(a.closers, closeStore)

	client, err := DialLedger(ctx, cfg.Ledger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Ledger = client
	a.closers = append(a.closers, client.Close)

	arts, err := LoadArtifacts(cfg.Ledger)
	if err != nil {
		a.Close()
		return nil, err
	}

	metrics, err := escrow.NewMetrics(a.Registry)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("app: register metrics: %w", err)
	}

	svc, err := escrow.NewService(client, store, arts, escrow.Options{
		Logger:         log,
		Metrics:        metrics,
		RecordAttempts: cfg.Reconcile.RecordAttempts,
		PendingExpiry:  cfg.Reconcile.PendingExpiry,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Service = svc

	log.Info("escrow service ready",
		slog.String("store", cfg.Store.Driver),
		slog.String("payer", client.Payer().Hex()),
		slog.Bool("can_deploy", arts.Conditional.CanDeploy() && arts.Timed.CanDeploy()))
	return a, nil
}

// Close releases connections in reverse order of opening.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// OpenStore opens and migrates the configured mirror store.
func OpenStore(ctx context.Context, cfg config.Config) (contract.Store, func(), error) {
	switch cfg.Store.Driver {
	case config.DriverPostgres:
		pool, err := db.NewPool(ctx, cfg.Store.DatabaseURL, db.PoolOptions{MaxConns: cfg.Store.MaxConns})
		if err != nil {
			return nil, nil, fmt.Errorf("app: open postgres: %w", err)
		}
		if err := db.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("app: migrate postgres: %w", err)
		}
		return contract.NewPGStore(pool), pool.Close, nil
	case config.DriverSQLite:
		sqlDB, err := db.OpenSQLite(ctx, cfg.Store.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("app: open sqlite: %w", err)
		}
		return contract.NewSQLiteStore(sqlDB), func() { _ = sqlDB.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("app: unknown store driver %q", cfg.Store.Driver)
	}
}

// DialLedger builds the signing identity and connects to the provider.
func DialLedger(ctx context.Context, cfg config.LedgerConfig) (*ledger.Client, error) {
	var chainID *big.Int
	if cfg.ChainID > 0 {
		chainID = big.NewInt(cfg.ChainID)
	}
	identity, err := ledger.NewIdentity(cfg.PrivateKey, chainID)
	if err != nil {
		return nil, err
	}
	client, err := ledger.Dial(ctx, cfg.RPCURL, identity, ledger.Options{ConfirmTimeout: cfg.ConfirmTimeout})
	if err != nil {
		return nil, err
	}
	return client, nil
}

// LoadArtifacts reads the configured compiler artifacts, falling back to the
// embedded ABIs, which can read and transact but not deploy.
func LoadArtifacts(cfg config.LedgerConfig) (escrow.Artifacts, error) {
	cond, err := ledger.LoadArtifact(ledger.ConditionalPayment, cfg.ConditionalArtifact)
	if err != nil {
		return escrow.Artifacts{}, err
	}
	timed, err := ledger.LoadArtifact(ledger.VendorPayment, cfg.TimedArtifact)
	if err != nil {
		return escrow.Artifacts{}, err
	}
	return escrow.Artifacts{Conditional: cond, Timed: timed}, nil
}
