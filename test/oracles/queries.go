package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Oracle is a query that must return no rows.
type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_paid_conditional_confirmed",
			SQL: `SELECT address FROM escrow_contracts
                  WHERE variant = 'Conditional' AND paid AND NOT confirmed`,
		},
		{
			Name: "O2_flag_timestamps",
			SQL: `SELECT address FROM escrow_contracts
                  WHERE paid <> (paid_at IS NOT NULL)
                     OR confirmed <> (confirmed_at IS NOT NULL)
                     OR paid_at < created_at
                     OR confirmed_at < created_at`,
		},
		{
			Name: "O3_timed_terms",
			SQL: `SELECT address FROM escrow_contracts
                  WHERE (variant = 'Timed') <> (due_date IS NOT NULL)
                     OR (variant = 'Timed' AND confirmed)`,
		},
		{
			Name: "O4_resolved_outcome",
			SQL: `SELECT tx_hash FROM ledger_operations
                  WHERE (resolved_at IS NULL) <> (outcome IS NULL)
                     OR outcome NOT IN ('applied', 'reverted', 'dropped')`,
		},
		{
			Name: "O5_applied_deploy_mirrored",
			SQL: `SELECT o.tx_hash FROM ledger_operations o
                  LEFT JOIN escrow_contracts c ON c.address = o.address
                  WHERE o.action = 'deploy' AND o.outcome = 'applied' AND c.address IS NULL`,
		},
		{
			Name: "O6_forward_only_trigger",
			SQL: `SELECT 'missing_forward_only_trigger' AS detail
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'escrow_contracts_forward_only')`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row
// text), or an empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		if rows.Next() {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
	}
	return "", "", nil
}
