package main

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"escrowflow/app"
	"escrowflow/config"
	"escrowflow/contract"
	"escrowflow/escrow"
	"escrowflow/logging"
)

// escrowOps is what the ledger-backed commands call.
type escrowOps interface {
	Reconcile(ctx context.Context, address string) (escrow.ReconcileResult, error)
	ReconcileAll(ctx context.Context) (escrow.ReconcileReport, error)
	ConditionalStatus(ctx context.Context, address string) (bool, error)
	TimedStatus(ctx context.Context, address string) (bool, error)
}

// env carries the process dependencies so commands can run against fakes.
type env struct {
	getenv      func(string) string
	stdout      io.Writer
	stderr      io.Writer
	openStore   func(ctx context.Context, cfg config.Config) (contract.Store, func(), error)
	openService func(ctx context.Context, cfg config.Config, log *slog.Logger) (escrowOps, func(), error)
}

func defaultEnv() env {
	return env{
		getenv:    os.Getenv,
		stdout:    os.Stdout,
		stderr:    os.Stderr,
		openStore: app.OpenStore,
		openService: func(ctx context.Context, cfg config.Config, log *slog.Logger) (escrowOps, func(), error) {
			a, err := app.Open(ctx, cfg, log)
			if err != nil {
				return nil, nil, err
			}
			return a.Service, a.Close, nil
		},
	}
}

type cli struct {
	env        env
	configPath string
}

func newRootCmd(e env) *cobra.Command {
	c := &cli{env: e}
	root := &cobra.Command{
		Use:           "escrowctl",
		Short:         "Operate the escrow orchestrator",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(e.stdout)
	root.SetErr(e.stderr)
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", e.getenv("ESCROW_CONFIG"), "path to a YAML config file")

	root.AddCommand(c.migrateCmd())
	root.AddCommand(c.reconcileCmd())
	root.AddCommand(c.statusCmd())
	root.AddCommand(c.listCmd())
	root.AddCommand(c.tokenCmd())
	return root
}

func (c *cli) load() (config.Config, *slog.Logger, error) {
	cfg, err := config.LoadWith(c.configPath, c.env.getenv)
	if err != nil {
		return config.Config{}, nil, err
	}
	log, err := logging.New(cfg.Log.Level, "text", c.env.stderr)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, log, nil
}
