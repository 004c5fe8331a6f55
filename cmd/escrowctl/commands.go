package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"escrowflow/auth"
	"escrowflow/contract"
	"escrowflow/ledger"
)

func (c *cli) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the mirror schema to the configured store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := c.load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			_, closeStore, err := c.env.openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			closeStore()
			fmt.Fprintf(cmd.OutOrStdout(), "%s schema up to date\n", cfg.Store.Driver)
			return nil
		},
	}
}

func (c *cli) reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile [address]",
		Short: "Repair the mirror from ledger truth",
		Long:  "Without an address, resolves journaled transactions and checks every unpaid record.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := c.load()
			if err != nil {
				return err
			}
			svc, closeSvc, err := c.env.openService(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer closeSvc()

			out := cmd.OutOrStdout()
			if len(args) == 1 {
				res, err := svc.Reconcile(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				repaired := "none"
				if len(res.Repaired) > 0 {
					repaired = strings.Join(res.Repaired, ",")
				}
				fmt.Fprintf(out, "%s %s ledger_paid=%t repaired=%s divergent=%t\n",
					res.Address.Hex(), res.Variant, res.LedgerPaid, repaired, res.Divergent)
				return nil
			}

			report, err := svc.ReconcileAll(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "pending=%d applied=%d reverted=%d dropped=%d still_pending=%d\n",
				report.Pending, report.Applied, report.Reverted, report.Dropped, report.StillPending)
			fmt.Fprintf(out, "checked=%d repaired=%d divergent=%d failures=%d\n",
				report.Checked, report.Repaired, report.Divergent, report.Failures)
			if report.Failures > 0 {
				return fmt.Errorf("%d records could not be reconciled", report.Failures)
			}
			return nil
		},
	}
}

func (c *cli) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <conditional|timed> <address>",
		Short: "Read the paid flag from the ledger",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			variant, err := contract.ParseVariant(args[0])
			if err != nil {
				return err
			}
			cfg, log, err := c.load()
			if err != nil {
				return err
			}
			svc, closeSvc, err := c.env.openService(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer closeSvc()

			read := svc.ConditionalStatus
			if variant == contract.VariantTimed {
				read = svc.TimedStatus
			}
			paid, err := read(cmd.Context(), args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s paid=%t\n", args[1], paid)
			return nil
		},
	}
}

func (c *cli) listCmd() *cobra.Command {
	var (
		variant string
		unpaid  bool
		limit   int
		offset  int
		asJSON  bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List mirrored escrow records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filters := contract.ListFilters{Unpaid: unpaid, Limit: limit, Offset: offset}
			if variant != "" {
				v, err := contract.ParseVariant(variant)
				if err != nil {
					return err
				}
				filters.Variant = v
			}
			cfg, _, err := c.load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			store, closeStore, err := c.env.openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			recs, err := store.List(cmd.Context(), filters)
			if err != nil {
				return err
			}
			if asJSON {
				return writeRecordsJSON(cmd, recs)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ADDRESS\tVARIANT\tAMOUNT\tCONFIRMED\tPAID\tDUE")
			for _, rec := range recs {
				due := "-"
				if rec.DueDate != nil {
					due = rec.DueDate.UTC().Format(time.RFC3339)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%t\t%s\n",
					rec.Address.Hex(), rec.Variant, ledger.FormatEther(rec.AmountWei), rec.Confirmed, rec.Paid, due)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&variant, "variant", "", "conditional or timed")
	cmd.Flags().BoolVar(&unpaid, "unpaid", false, "only records not yet paid")
	cmd.Flags().IntVarP(&limit, "limit", "n", 100, "maximum records")
	cmd.Flags().IntVar(&offset, "offset", 0, "records to skip")
	cmd.Flags().BoolVarP(&asJSON, "json", "j", false, "output as JSON")
	return cmd
}

type recordJSON struct {
	Address   string `json:"address"`
	Variant   string `json:"variant"`
	Payee     string `json:"payee"`
	AmountWei string `json:"amountWei"`
	Confirmed bool   `json:"confirmed"`
	Paid      bool   `json:"paid"`
}

func writeRecordsJSON(cmd *cobra.Command, recs []contract.Record) error {
	out := make([]recordJSON, 0, len(recs))
	for _, rec := range recs {
		out = append(out, recordJSON{
			Address:   rec.Address.Hex(),
			Variant:   string(rec.Variant),
			Payee:     rec.Payee.Hex(),
			AmountWei: rec.AmountWei.String(),
			Confirmed: rec.Confirmed,
			Paid:      rec.Paid,
		})
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func (c *cli) tokenCmd() *cobra.Command {
	var (
		subject string
		role    string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API bearer token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := c.load()
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return fmt.Errorf("AUTH_JWT_SECRET is not set")
			}
			svc, err := auth.NewService(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
			if err != nil {
				return err
			}
			token, err := svc.IssueToken(subject, auth.Role(role))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "token subject")
	cmd.Flags().StringVar(&role, "role", string(auth.RoleOperator), "operator or reader")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}
