package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_unique_active_swap",
			SQL: `SELECT listing_id, requester_id, COUNT(*) FROM swaps
                  WHERE status NOT IN ('rejected', 'completed', 'refunded')
                  GROUP BY listing_id, requester_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_event_seq_monotonic",
			SQL: `WITH seqs AS (
                      SELECT swap_id, seq,
                             LAG(seq) OVER (PARTITION BY swap_id ORDER BY seq) AS prev
                      FROM swap_events)
                  SELECT * FROM seqs WHERE prev IS NOT NULL AND seq <= prev`,
		},
		{
			Name: "O3_value_conservation",
			SQL: `SELECT s.id, SUM(l.delta) FROM swaps s
                  JOIN ledger_entries l ON l.swap_id = s.id
                  WHERE s.status IN ('completed', 'refunded')
                  GROUP BY s.id HAVING SUM(l.delta) <> 0`,
		},
		{
			Name: "O4_single_settlement",
			SQL: `SELECT swap_id, kind, COUNT(*) FROM ledger_entries
                  WHERE kind IN ('deposit_release', 'fee')
                  GROUP BY swap_id, kind HAVING COUNT(*) > 1`,
		},
		{
			Name: "O5_terminal_exclusive",
			SQL: `SELECT id FROM swaps
                  WHERE completed_at IS NOT NULL AND refunded_at IS NOT NULL`,
		},
		{
			Name: "O6_dispute_linkage",
			SQL: `SELECT s.id FROM swaps s
                  WHERE s.status = 'disputed'
                    AND NOT EXISTS (SELECT 1 FROM disputes d WHERE d.swap_id = s.id)`,
		},
		{
			Name: "O7_code_confidentiality",
			SQL: `SELECT id FROM outbox
                  WHERE topic <> 'swap.verification_code' AND payload ? 'verification_code'`,
		},
		{
			Name: "O8_outbox_progress",
			SQL: `SELECT id FROM outbox
                  WHERE status NOT IN ('processed', 'dead')
                    AND now() - created_at > interval '5 minutes'`,
		},
		{
			Name: "O9_swap_delete_guard",
			SQL: `SELECT 'missing_no_delete_trigger' AS detail
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname='no_delete_swaps')`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
