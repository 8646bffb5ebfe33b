package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrDuplicateActiveSet signals an unexpired active set already exists
	// for the case. Concurrent generators race on the partial unique index;
	// exactly one wins.
	ErrDuplicateActiveSet = errors.New("settlement: active option set already exists")
	// ErrNoActiveSet signals no unexpired active set exists for the case.
	ErrNoActiveSet = errors.New("settlement: no active option set")
	// ErrSetNotActive signals the target set is expired or superseded.
	ErrSetNotActive = errors.New("settlement: option set is not active")
	// ErrUnknownVariant signals the variant does not belong to the set.
	ErrUnknownVariant = errors.New("settlement: unknown option variant")
	// ErrNotFound signals the set or selection does not exist.
	ErrNotFound = errors.New("settlement: not found")
)

// VariantDraft carries parsed option content before persistence.
type VariantDraft struct {
	Title     string
	Terms     string
	Rationale string
}

// Repository defines the data access the settlement service requires.
type Repository interface {
	InsertSet(ctx context.Context, tx pgx.Tx, caseID string, expiresAt time.Time, variants []VariantDraft) (OptionSet, error)
	SupersedeActive(ctx context.Context, tx pgx.Tx, caseID string) error
	ExpireOverdue(ctx context.Context, tx pgx.Tx, caseID string) error
	GetActive(ctx context.Context, caseID string) (OptionSet, error)
	GetSet(ctx context.Context, setID string) (OptionSet, error)
	ExpireStale(ctx context.Context) ([]string, error)
	UpsertSelection(ctx context.Context, tx pgx.Tx, params SelectParams, selectedAt time.Time) (Selection, string, error)
	SelectionsForSet(ctx context.Context, setID string) ([]Selection, error)
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// InsertSet creates the set and its variants in the caller's transaction.
// The partial unique index on (case_id) WHERE status='active' decides races:
// the loser's 23505 surfaces as ErrDuplicateActiveSet.
func (r *PGRepository) InsertSet(ctx context.Context, tx pgx.Tx, caseID string, expiresAt time.Time, variants []VariantDraft) (OptionSet, error) {
	const insertSet = `
		INSERT INTO option_sets (case_id, status, expires_at)
		VALUES ($1, 'active', $2)
		RETURNING id, case_id, status::text, generated_at, expires_at
	`

	var set OptionSet
	err := tx.QueryRow(ctx, insertSet, caseID, expiresAt).
		Scan(&set.ID, &set.CaseID, &set.Status, &set.GeneratedAt, &set.ExpiresAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return OptionSet{}, ErrDuplicateActiveSet
		}
		return OptionSet{}, fmt.Errorf("settlement: insert set: %w", err)
	}

	const insertVariant = `
		INSERT INTO option_variants (option_set_id, position, title, terms, rationale)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, option_set_id, position, title, terms, rationale
	`

	set.Variants = make([]OptionVariant, 0, len(variants))
	for i, draft := range variants {
		var v OptionVariant
		if err := tx.QueryRow(ctx, insertVariant, set.ID, i+1, draft.Title, draft.Terms, draft.Rationale).
			Scan(&v.ID, &v.OptionSetID, &v.Position, &v.Title, &v.Terms, &v.Rationale); err != nil {
			return OptionSet{}, fmt.Errorf("settlement: insert variant: %w", err)
		}
		set.Variants = append(set.Variants, v)
	}

	return set, nil
}

// SupersedeActive flips the case's active set to superseded, clearing the
// partial unique index slot for a fresh generation in the same transaction.
func (r *PGRepository) SupersedeActive(ctx context.Context, tx pgx.Tx, caseID string) error {
	if _, err := tx.Exec(ctx, `
		UPDATE option_sets
		SET status = 'superseded'
		WHERE case_id = $1 AND status = 'active'
	`, caseID); err != nil {
		return fmt.Errorf("settlement: supersede active: %w", err)
	}
	return nil
}

// ExpireOverdue flips the case's overdue active set to expired inside the
// caller's transaction. The partial unique index only tracks status, so a
// set past its deadline that the sweep has not reached yet would otherwise
// still block generation.
func (r *PGRepository) ExpireOverdue(ctx context.Context, tx pgx.Tx, caseID string) error {
	if _, err := tx.Exec(ctx, `
		UPDATE option_sets
		SET status = 'expired'
		WHERE case_id = $1 AND status = 'active' AND expires_at <= now()
	`, caseID); err != nil {
		return fmt.Errorf("settlement: expire overdue: %w", err)
	}
	return nil
}

// GetActive returns the case's unexpired active set with its variants.
func (r *PGRepository) GetActive(ctx context.Context, caseID string) (OptionSet, error) {
	const query = `
		SELECT id, case_id, status::text, generated_at, expires_at
		FROM option_sets
		WHERE case_id = $1 AND status = 'active' AND expires_at > now()
		ORDER BY generated_at DESC
		LIMIT 1
	`

	var set OptionSet
	err := r.pool.QueryRow(ctx, query, caseID).
		Scan(&set.ID, &set.CaseID, &set.Status, &set.GeneratedAt, &set.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return OptionSet{}, ErrNoActiveSet
		}
		return OptionSet{}, fmt.Errorf("settlement: get active: %w", err)
	}

	if set.Variants, err = r.variants(ctx, set.ID); err != nil {
		return OptionSet{}, err
	}
	return set, nil
}

// GetSet returns the set regardless of status.
func (r *PGRepository) GetSet(ctx context.Context, setID string) (OptionSet, error) {
	const query = `
		SELECT id, case_id, status::text, generated_at, expires_at
		FROM option_sets
		WHERE id = $1
	`

	var set OptionSet
	err := r.pool.QueryRow(ctx, query, setID).
		Scan(&set.ID, &set.CaseID, &set.Status, &set.GeneratedAt, &set.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return OptionSet{}, ErrNotFound
		}
		return OptionSet{}, fmt.Errorf("settlement: get set: %w", err)
	}

	if set.Variants, err = r.variants(ctx, set.ID); err != nil {
		return OptionSet{}, err
	}
	return set, nil
}

func (r *PGRepository) variants(ctx context.Context, setID string) ([]OptionVariant, error) {
	const query = `
		SELECT id, option_set_id, position, title, terms, rationale
		FROM option_variants
		WHERE option_set_id = $1
		ORDER BY position
	`

	rows, err := r.pool.Query(ctx, query, setID)
	if err != nil {
		return nil, fmt.Errorf("settlement: list variants: %w", err)
	}
	defer rows.Close()

	variants := make([]OptionVariant, 0, 4)
	for rows.Next() {
		var v OptionVariant
		if err := rows.Scan(&v.ID, &v.OptionSetID, &v.Position, &v.Title, &v.Terms, &v.Rationale); err != nil {
			return nil, fmt.Errorf("settlement: scan variant: %w", err)
		}
		variants = append(variants, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("settlement: iterate variants: %w", err)
	}
	return variants, nil
}

// ExpireStale flips overdue active sets to expired and returns their case
// ids. Running it concurrently or repeatedly is harmless: rows already
// flipped no longer match the WHERE clause.
func (r *PGRepository) ExpireStale(ctx context.Context) ([]string, error) {
	const query = `
		UPDATE option_sets
		SET status = 'expired'
		WHERE status = 'active' AND expires_at <= now()
		RETURNING case_id
	`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("settlement: expire stale: %w", err)
	}
	defer rows.Close()

	caseIDs := make([]string, 0, 4)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("settlement: scan expired: %w", err)
		}
		caseIDs = append(caseIDs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("settlement: iterate expired: %w", err)
	}
	return caseIDs, nil
}

// UpsertSelection records the party's choice. The insert is conditional on
// the set being active/unexpired and the variant belonging to the set, and
// resolves resubmission through ON CONFLICT in the same statement, so the
// check and the write are atomic. Returns the selection and the set's case id
// for audit.
func (r *PGRepository) UpsertSelection(ctx context.Context, tx pgx.Tx, params SelectParams, selectedAt time.Time) (Selection, string, error) {
	const query = `
		INSERT INTO selections (option_set_id, party_id, option_variant_id, reasoning, selected_at)
		SELECT s.id, $2, v.id, $4, $5
		FROM option_sets s
		JOIN option_variants v ON v.option_set_id = s.id AND v.id = $3
		WHERE s.id = $1 AND s.status = 'active' AND s.expires_at > now()
		ON CONFLICT (option_set_id, party_id) DO UPDATE
		SET option_variant_id = EXCLUDED.option_variant_id,
		    reasoning = EXCLUDED.reasoning,
		    selected_at = EXCLUDED.selected_at
		RETURNING id, option_set_id, party_id, option_variant_id, reasoning, selected_at,
		          (SELECT case_id FROM option_sets WHERE id = $1)
	`

	var (
		sel    Selection
		caseID string
	)
	err := tx.QueryRow(ctx, query,
		params.OptionSetID,
		params.PartyID,
		params.OptionVariantID,
		params.Reasoning,
		selectedAt,
	).Scan(&sel.ID, &sel.OptionSetID, &sel.PartyID, &sel.OptionVariantID, &sel.Reasoning, &sel.SelectedAt, &caseID)
	if err == nil {
		return sel, caseID, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Selection{}, "", fmt.Errorf("settlement: upsert selection: %w", err)
	}

	// Distinguish which precondition failed.
	var status string
	var expiresAt time.Time
	err = tx.QueryRow(ctx, `SELECT status::text, expires_at FROM option_sets WHERE id = $1`, params.OptionSetID).
		Scan(&status, &expiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Selection{}, "", ErrNotFound
		}
		return Selection{}, "", fmt.Errorf("settlement: selection diagnose: %w", err)
	}
	if status != string(SetActive) || !expiresAt.After(selectedAt) {
		return Selection{}, "", ErrSetNotActive
	}
	return Selection{}, "", ErrUnknownVariant
}

// SelectionsForSet returns the current selection rows on the set.
func (r *PGRepository) SelectionsForSet(ctx context.Context, setID string) ([]Selection, error) {
	const query = `
		SELECT id, option_set_id, party_id, option_variant_id, reasoning, selected_at
		FROM selections
		WHERE option_set_id = $1
		ORDER BY selected_at
	`

	rows, err := r.pool.Query(ctx, query, setID)
	if err != nil {
		return nil, fmt.Errorf("settlement: list selections: %w", err)
	}
	defer rows.Close()

	selections := make([]Selection, 0, 2)
	for rows.Next() {
		var sel Selection
		if err := rows.Scan(&sel.ID, &sel.OptionSetID, &sel.PartyID, &sel.OptionVariantID, &sel.Reasoning, &sel.SelectedAt); err != nil {
			return nil, fmt.Errorf("settlement: scan selection: %w", err)
		}
		selections = append(selections, sel)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("settlement: iterate selections: %w", err)
	}
	return selections, nil
}
