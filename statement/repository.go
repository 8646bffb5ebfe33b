package statement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound signals the statement does not exist.
	ErrNotFound = errors.New("statement: not found")
	// ErrPhaseClosed signals the case is no longer accepting statements.
	ErrPhaseClosed = errors.New("statement: case is not in the statement phase")
	// ErrPartyMismatch signals the party does not belong to the case.
	ErrPartyMismatch = errors.New("statement: party does not belong to case")
)

// Repository defines the data access the statement service requires. All
// mutations run inside the service's transaction.
type Repository interface {
	Insert(ctx context.Context, tx pgx.Tx, caseID, partyID, content string) (Statement, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, statementID string) (Statement, error)
	UpdateContent(ctx context.Context, tx pgx.Tx, statementID, content string, editedAt time.Time) (Statement, error)
	Delete(ctx context.Context, tx pgx.Tx, statementID string) error
	MarkFinalized(ctx context.Context, tx pgx.Tx, statementID string) (Statement, error)
	Get(ctx context.Context, statementID string) (Statement, error)
	ListByCase(ctx context.Context, caseID string) ([]Statement, error)
	CheckComplete(ctx context.Context, caseID string) (bool, error)
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const columns = `id, case_id, party_id, content, finalized, created_at, edited_at`

func scanStatement(row pgx.Row) (Statement, error) {
	var st Statement
	err := row.Scan(&st.ID, &st.CaseID, &st.PartyID, &st.Content, &st.Finalized, &st.CreatedAt, &st.EditedAt)
	return st, err
}

// Insert creates the statement only while the case sits in the statement
// phase and the party belongs to the case. The phase check and the write are
// one conditional statement so a concurrent stage transition cannot slip a
// submission through.
func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, caseID, partyID, content string) (Statement, error) {
	const query = `
		INSERT INTO statements (case_id, party_id, content)
		SELECT c.id, p.id, $3
		FROM cases c
		JOIN case_parties p ON p.case_id = c.id AND p.id = $2
		WHERE c.id = $1 AND c.stage = 'statement_phase'
		RETURNING ` + columns

	st, err := scanStatement(tx.QueryRow(ctx, query, caseID, partyID, content))
	if err == nil {
		return st, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Statement{}, fmt.Errorf("statement: insert: %w", err)
	}

	// Distinguish which precondition failed.
	var stage string
	if err := tx.QueryRow(ctx, `SELECT stage::text FROM cases WHERE id = $1`, caseID).Scan(&stage); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Statement{}, ErrNotFound
		}
		return Statement{}, fmt.Errorf("statement: insert diagnose: %w", err)
	}
	if stage != "statement_phase" {
		return Statement{}, ErrPhaseClosed
	}
	return Statement{}, ErrPartyMismatch
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, statementID string) (Statement, error) {
	const query = `SELECT ` + columns + ` FROM statements WHERE id = $1 FOR UPDATE`

	st, err := scanStatement(tx.QueryRow(ctx, query, statementID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Statement{}, ErrNotFound
		}
		return Statement{}, fmt.Errorf("statement: get for update: %w", err)
	}
	return st, nil
}

// UpdateContent replaces the text but keeps created_at so the mutability
// windows stay anchored to the original submission.
func (r *PGRepository) UpdateContent(ctx context.Context, tx pgx.Tx, statementID, content string, editedAt time.Time) (Statement, error) {
	const query = `
		UPDATE statements
		SET content = $2, edited_at = $3
		WHERE id = $1
		RETURNING ` + columns

	st, err := scanStatement(tx.QueryRow(ctx, query, statementID, content, editedAt))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Statement{}, ErrNotFound
		}
		return Statement{}, fmt.Errorf("statement: update content: %w", err)
	}
	return st, nil
}

func (r *PGRepository) Delete(ctx context.Context, tx pgx.Tx, statementID string) error {
	tag, err := tx.Exec(ctx, `DELETE FROM statements WHERE id = $1`, statementID)
	if err != nil {
		return fmt.Errorf("statement: delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PGRepository) MarkFinalized(ctx context.Context, tx pgx.Tx, statementID string) (Statement, error) {
	const query = `
		UPDATE statements
		SET finalized = true
		WHERE id = $1
		RETURNING ` + columns

	st, err := scanStatement(tx.QueryRow(ctx, query, statementID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Statement{}, ErrNotFound
		}
		return Statement{}, fmt.Errorf("statement: mark finalized: %w", err)
	}
	return st, nil
}

func (r *PGRepository) Get(ctx context.Context, statementID string) (Statement, error) {
	const query = `SELECT ` + columns + ` FROM statements WHERE id = $1`

	st, err := scanStatement(r.pool.QueryRow(ctx, query, statementID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Statement{}, ErrNotFound
		}
		return Statement{}, fmt.Errorf("statement: get: %w", err)
	}
	return st, nil
}

func (r *PGRepository) ListByCase(ctx context.Context, caseID string) ([]Statement, error) {
	const query = `SELECT ` + columns + ` FROM statements WHERE case_id = $1 ORDER BY created_at`

	rows, err := r.pool.Query(ctx, query, caseID)
	if err != nil {
		return nil, fmt.Errorf("statement: list: %w", err)
	}
	defer rows.Close()

	statements := make([]Statement, 0, 2)
	for rows.Next() {
		var st Statement
		if err := rows.Scan(&st.ID, &st.CaseID, &st.PartyID, &st.Content, &st.Finalized, &st.CreatedAt, &st.EditedAt); err != nil {
			return nil, fmt.Errorf("statement: scan: %w", err)
		}
		statements = append(statements, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("statement: iterate: %w", err)
	}
	return statements, nil
}

// CheckComplete reports whether both party roles hold at least one finalized
// statement.
func (r *PGRepository) CheckComplete(ctx context.Context, caseID string) (bool, error) {
	const query = `
		SELECT COUNT(DISTINCT p.role)
		FROM statements s
		JOIN case_parties p ON p.id = s.party_id
		WHERE s.case_id = $1 AND s.finalized
	`

	var roles int
	if err := r.pool.QueryRow(ctx, query, caseID).Scan(&roles); err != nil {
		return false, fmt.Errorf("statement: check complete: %w", err)
	}
	return roles == 2, nil
}
