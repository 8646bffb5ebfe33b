package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound signals no combined solution exists for the identifier.
var ErrNotFound = errors.New("reconcile: not found")

// Repository defines the data access the reconciliation engine requires.
type Repository interface {
	Insert(ctx context.Context, tx pgx.Tx, sol CombinedSolution) (CombinedSolution, error)
	History(ctx context.Context, caseID string) ([]CombinedSolution, error)
	Latest(ctx context.Context, caseID string) (CombinedSolution, error)
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const columns = `id, case_id, option_set_id, summary, terms, concessions_complainant,
	concessions_respondent, acceptance_estimate, structured, raw_response, created_at`

func scanSolution(row pgx.Row) (CombinedSolution, error) {
	var sol CombinedSolution
	err := row.Scan(
		&sol.ID,
		&sol.CaseID,
		&sol.OptionSetID,
		&sol.Summary,
		&sol.Terms,
		&sol.ConcessionsComplainant,
		&sol.ConcessionsRespondent,
		&sol.AcceptanceEstimate,
		&sol.Structured,
		&sol.RawResponse,
		&sol.CreatedAt,
	)
	return sol, err
}

// Insert persists one combined solution inside the caller's transaction.
// Prior rows for the same option set are left untouched as history.
func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, sol CombinedSolution) (CombinedSolution, error) {
	const query = `
		INSERT INTO combined_solutions
			(case_id, option_set_id, summary, terms, concessions_complainant,
			 concessions_respondent, acceptance_estimate, structured, raw_response)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING ` + columns

	created, err := scanSolution(tx.QueryRow(ctx, query,
		sol.CaseID,
		sol.OptionSetID,
		sol.Summary,
		sol.Terms,
		sol.ConcessionsComplainant,
		sol.ConcessionsRespondent,
		sol.AcceptanceEstimate,
		sol.Structured,
		sol.RawResponse,
	))
	if err != nil {
		return CombinedSolution{}, fmt.Errorf("reconcile: insert solution: %w", err)
	}
	return created, nil
}

// History lists a case's combined solutions, newest first.
func (r *PGRepository) History(ctx context.Context, caseID string) ([]CombinedSolution, error) {
	const query = `SELECT ` + columns + ` FROM combined_solutions WHERE case_id = $1 ORDER BY created_at DESC`

	rows, err := r.pool.Query(ctx, query, caseID)
	if err != nil {
		return nil, fmt.Errorf("reconcile: history: %w", err)
	}
	defer rows.Close()

	solutions := make([]CombinedSolution, 0, 4)
	for rows.Next() {
		var sol CombinedSolution
		if err := rows.Scan(
			&sol.ID,
			&sol.CaseID,
			&sol.OptionSetID,
			&sol.Summary,
			&sol.Terms,
			&sol.ConcessionsComplainant,
			&sol.ConcessionsRespondent,
			&sol.AcceptanceEstimate,
			&sol.Structured,
			&sol.RawResponse,
			&sol.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("reconcile: scan solution: %w", err)
		}
		solutions = append(solutions, sol)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reconcile: iterate solutions: %w", err)
	}
	return solutions, nil
}

// Latest returns the most recent combined solution for the case.
func (r *PGRepository) Latest(ctx context.Context, caseID string) (CombinedSolution, error) {
	const query = `SELECT ` + columns + ` FROM combined_solutions WHERE case_id = $1 ORDER BY created_at DESC LIMIT 1`

	sol, err := scanSolution(r.pool.QueryRow(ctx, query, caseID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return CombinedSolution{}, ErrNotFound
		}
		return CombinedSolution{}, fmt.Errorf("reconcile: latest: %w", err)
	}
	return sol, nil
}
