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
			Name: "O1_single_active_option_set",
			SQL: `SELECT case_id, COUNT(*) FROM option_sets
                  WHERE status = 'active'
                  GROUP BY case_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_single_selection_per_party",
			SQL: `SELECT option_set_id, party_id, COUNT(*) FROM selections
                  GROUP BY option_set_id, party_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O3_selection_variant_in_set",
			SQL: `SELECT s.id FROM selections s
                  JOIN option_variants v ON v.id = s.option_variant_id
                  WHERE v.option_set_id <> s.option_set_id`,
		},
		{
			Name: "O4_raw_solution_has_body",
			SQL: `SELECT id FROM combined_solutions
                  WHERE structured = false
                    AND (raw_response IS NULL OR raw_response = '')`,
		},
		{
			Name: "O5_structured_solution_has_terms",
			SQL: `SELECT id FROM combined_solutions
                  WHERE structured = true AND terms = ''`,
		},
		{
			Name: "O6_solution_set_same_case",
			SQL: `SELECT cs.id FROM combined_solutions cs
                  JOIN option_sets os ON os.id = cs.option_set_id
                  WHERE os.case_id <> cs.case_id`,
		},
		{
			Name: "O7_statement_party_same_case",
			SQL: `SELECT st.id FROM statements st
                  JOIN case_parties p ON p.id = st.party_id
                  WHERE p.case_id <> st.case_id`,
		},
		{
			Name: "O8_two_parties_max",
			SQL: `SELECT case_id, COUNT(*) FROM case_parties
                  GROUP BY case_id HAVING COUNT(*) > 2`,
		},
		{
			Name: "O9_active_set_not_long_expired",
			SQL: `SELECT id FROM option_sets
                  WHERE status = 'active'
                    AND expires_at < NOW() - interval '10 seconds'`,
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
