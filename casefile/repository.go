package casefile

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound signals the case or party does not exist.
	ErrNotFound = errors.New("casefile: not found")
	// ErrPartyExists signals the role slot is already taken on the case.
	ErrPartyExists = errors.New("casefile: party already exists")
)

// Repository defines the data access the lifecycle service requires.
type Repository interface {
	InsertCase(ctx context.Context, tx pgx.Tx, c Case) (Case, error)
	InsertParty(ctx context.Context, tx pgx.Tx, p Party) (Party, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, caseID string) (Case, error)
	UpdateStage(ctx context.Context, tx pgx.Tx, caseID string, stage Stage) (Case, error)
	Get(ctx context.Context, caseID string) (Case, error)
	ListByUser(ctx context.Context, userID string) ([]Case, error)
	Parties(ctx context.Context, caseID string) ([]Party, error)
	PartyByRoleForUpdate(ctx context.Context, tx pgx.Tx, caseID string, role Role) (Party, error)
	MarkResponded(ctx context.Context, tx pgx.Tx, partyID string) (Party, error)
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const caseColumns = `id, reference_number, title, description, stage::text, created_by_user_id, created_at, updated_at`

func scanCase(row pgx.Row) (Case, error) {
	var c Case
	err := row.Scan(&c.ID, &c.ReferenceNumber, &c.Title, &c.Description, &c.Stage, &c.CreatedByUserID, &c.CreatedAt, &c.UpdatedAt)
	return c, err
}

func (r *PGRepository) InsertCase(ctx context.Context, tx pgx.Tx, c Case) (Case, error) {
	const query = `
		INSERT INTO cases (reference_number, title, description, stage, created_by_user_id)
		VALUES ($1, $2, $3, $4::case_stage, $5)
		RETURNING ` + caseColumns

	created, err := scanCase(tx.QueryRow(ctx, query, c.ReferenceNumber, c.Title, c.Description, c.Stage, c.CreatedByUserID))
	if err != nil {
		return Case{}, fmt.Errorf("casefile: insert case: %w", err)
	}
	return created, nil
}

func (r *PGRepository) InsertParty(ctx context.Context, tx pgx.Tx, p Party) (Party, error) {
	const query = `
		INSERT INTO case_parties (case_id, user_id, role, responded)
		VALUES ($1, $2, $3::party_role, $4)
		RETURNING id, case_id, user_id, role::text, responded, created_at
	`

	var created Party
	err := tx.QueryRow(ctx, query, p.CaseID, p.UserID, p.Role, p.Responded).
		Scan(&created.ID, &created.CaseID, &created.UserID, &created.Role, &created.Responded, &created.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Party{}, ErrPartyExists
		}
		return Party{}, fmt.Errorf("casefile: insert party: %w", err)
	}
	return created, nil
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, caseID string) (Case, error) {
	const query = `SELECT ` + caseColumns + ` FROM cases WHERE id = $1 FOR UPDATE`

	c, err := scanCase(tx.QueryRow(ctx, query, caseID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Case{}, ErrNotFound
		}
		return Case{}, fmt.Errorf("casefile: get for update: %w", err)
	}
	return c, nil
}

func (r *PGRepository) UpdateStage(ctx context.Context, tx pgx.Tx, caseID string, stage Stage) (Case, error) {
	const query = `
		UPDATE cases
		SET stage = $1::case_stage, updated_at = now()
		WHERE id = $2
		RETURNING ` + caseColumns

	c, err := scanCase(tx.QueryRow(ctx, query, stage, caseID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Case{}, ErrNotFound
		}
		return Case{}, fmt.Errorf("casefile: update stage: %w", err)
	}
	return c, nil
}

func (r *PGRepository) Get(ctx context.Context, caseID string) (Case, error) {
	const query = `SELECT ` + caseColumns + ` FROM cases WHERE id = $1`

	c, err := scanCase(r.pool.QueryRow(ctx, query, caseID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Case{}, ErrNotFound
		}
		return Case{}, fmt.Errorf("casefile: get case: %w", err)
	}
	return c, nil
}

func (r *PGRepository) ListByUser(ctx context.Context, userID string) ([]Case, error) {
	const query = `
		SELECT DISTINCT c.id, c.reference_number, c.title, c.description, c.stage::text, c.created_by_user_id, c.created_at, c.updated_at
		FROM cases c
		JOIN case_parties p ON p.case_id = c.id
		WHERE p.user_id = $1
		ORDER BY c.created_at DESC
	`

	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("casefile: list by user: %w", err)
	}
	defer rows.Close()

	cases := make([]Case, 0, 8)
	for rows.Next() {
		var c Case
		if err := rows.Scan(&c.ID, &c.ReferenceNumber, &c.Title, &c.Description, &c.Stage, &c.CreatedByUserID, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("casefile: scan case: %w", err)
		}
		cases = append(cases, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("casefile: iterate cases: %w", err)
	}
	return cases, nil
}

func (r *PGRepository) Parties(ctx context.Context, caseID string) ([]Party, error) {
	const query = `
		SELECT id, case_id, user_id, role::text, responded, created_at
		FROM case_parties
		WHERE case_id = $1
		ORDER BY role
	`

	rows, err := r.pool.Query(ctx, query, caseID)
	if err != nil {
		return nil, fmt.Errorf("casefile: list parties: %w", err)
	}
	defer rows.Close()

	parties := make([]Party, 0, 2)
	for rows.Next() {
		var p Party
		if err := rows.Scan(&p.ID, &p.CaseID, &p.UserID, &p.Role, &p.Responded, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("casefile: scan party: %w", err)
		}
		parties = append(parties, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("casefile: iterate parties: %w", err)
	}
	return parties, nil
}

func (r *PGRepository) PartyByRoleForUpdate(ctx context.Context, tx pgx.Tx, caseID string, role Role) (Party, error) {
	const query = `
		SELECT id, case_id, user_id, role::text, responded, created_at
		FROM case_parties
		WHERE case_id = $1 AND role = $2::party_role
		FOR UPDATE
	`

	var p Party
	err := tx.QueryRow(ctx, query, caseID, role).
		Scan(&p.ID, &p.CaseID, &p.UserID, &p.Role, &p.Responded, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Party{}, ErrNotFound
		}
		return Party{}, fmt.Errorf("casefile: party by role: %w", err)
	}
	return p, nil
}

func (r *PGRepository) MarkResponded(ctx context.Context, tx pgx.Tx, partyID string) (Party, error) {
	const query = `
		UPDATE case_parties
		SET responded = true
		WHERE id = $1
		RETURNING id, case_id, user_id, role::text, responded, created_at
	`

	var p Party
	err := tx.QueryRow(ctx, query, partyID).
		Scan(&p.ID, &p.CaseID, &p.UserID, &p.Role, &p.Responded, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Party{}, ErrNotFound
		}
		return Party{}, fmt.Errorf("casefile: mark responded: %w", err)
	}
	return p, nil
}
