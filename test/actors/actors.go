package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Generator races to insert competing active option sets for the same case.
// The partial unique index on (case_id) WHERE status='active' admits one winner.
func Generator(ctx context.Context, pool *pgxpool.Pool, caseID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		var setID string
		err = tx.QueryRow(ctx, `INSERT INTO option_sets (case_id, status, expires_at)
                                 VALUES ($1,'active', NOW() + interval '30 seconds') RETURNING id`, caseID).Scan(&setID)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique constraint
				// expected under contention
				_ = tx.Rollback(ctx)
				time.Sleep(time.Duration(10+rand.Intn(20)) * time.Millisecond)
				continue
			}
			_ = tx.Rollback(ctx)
			return fmt.Errorf("generator insert set: %w", err)
		}
		for pos := 1; pos <= 3; pos++ {
			if _, err := tx.Exec(ctx, `INSERT INTO option_variants (option_set_id, position, title, terms)
                                        VALUES ($1,$2,$3,$4)`, setID, pos,
				fmt.Sprintf("Option %d", pos), fmt.Sprintf("Terms for option %d", pos)); err != nil {
				_ = tx.Rollback(ctx)
				return fmt.Errorf("generator insert variant: %w", err)
			}
		}
		_, _ = tx.Exec(ctx, `INSERT INTO timeline_events (case_id, type, payload)
                              VALUES ($1,'OPTIONS_GENERATED', jsonb_build_object('option_set_id',$2))`, caseID, setID)
		_ = tx.Commit(ctx)
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// Selector flip-flops a party's pick over the active set's variants via
// the upsert on (option_set_id, party_id).
func Selector(ctx context.Context, pool *pgxpool.Pool, caseID, partyID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		var setID, variantID string
		err := pool.QueryRow(ctx, `SELECT v.option_set_id, v.id
                                    FROM option_variants v
                                    JOIN option_sets s ON s.id = v.option_set_id
                                    WHERE s.case_id=$1 AND s.status='active'
                                    ORDER BY random() LIMIT 1`, caseID).Scan(&setID, &variantID)
		if err == nil {
			_, err = pool.Exec(ctx, `INSERT INTO selections (option_set_id, party_id, option_variant_id, reasoning)
                                      VALUES ($1,$2,$3,'stress pick')
                                      ON CONFLICT (option_set_id, party_id)
                                      DO UPDATE SET option_variant_id = EXCLUDED.option_variant_id,
                                                    reasoning = EXCLUDED.reasoning,
                                                    selected_at = NOW()`, setID, partyID, variantID)
			if err != nil {
				return fmt.Errorf("selector upsert: %w", err)
			}
		}
		time.Sleep(time.Duration(15+rand.Intn(35)) * time.Millisecond)
	}
}

// StatementWriter appends statements for a party and occasionally finalizes
// the most recent draft.
func StatementWriter(ctx context.Context, pool *pgxpool.Pool, caseID, partyID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, err := pool.Exec(ctx, `INSERT INTO statements (case_id, party_id, content)
                                   VALUES ($1,$2,$3)`, caseID, partyID, fmt.Sprintf("position update %d", rand.Int63()))
		if err != nil {
			return fmt.Errorf("statement insert: %w", err)
		}
		if rand.Intn(3) == 0 {
			_, _ = pool.Exec(ctx, `UPDATE statements SET finalized=true
                                    WHERE id = (SELECT id FROM statements
                                                WHERE case_id=$1 AND party_id=$2 AND finalized=false
                                                ORDER BY created_at DESC LIMIT 1)`, caseID, partyID)
		}
		time.Sleep(time.Duration(30+rand.Intn(50)) * time.Millisecond)
	}
}

// Sweeper expires active sets whose deadline passed and supersedes the
// current active set now and then, forcing Generator and Selector to race
// against a moving target.
func Sweeper(ctx context.Context, pool *pgxpool.Pool, caseID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, err := pool.Exec(ctx, `UPDATE option_sets SET status='expired'
                                   WHERE status='active' AND expires_at < NOW()`)
		if err != nil {
			return fmt.Errorf("sweeper expire: %w", err)
		}
		if rand.Intn(4) == 0 {
			_, _ = pool.Exec(ctx, `UPDATE option_sets SET status='superseded'
                                    WHERE case_id=$1 AND status='active'`, caseID)
		}
		time.Sleep(time.Duration(100+rand.Intn(100)) * time.Millisecond)
	}
}

// Reconciler records combined solutions against whatever set is active,
// alternating structured results with raw fallbacks.
func Reconciler(ctx context.Context, pool *pgxpool.Pool, caseID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		var setID string
		err := pool.QueryRow(ctx, `SELECT id FROM option_sets WHERE case_id=$1 AND status='active' LIMIT 1`, caseID).Scan(&setID)
		if err == nil {
			if rand.Intn(3) == 0 {
				_, _ = pool.Exec(ctx, `INSERT INTO combined_solutions (case_id, option_set_id, structured, raw_response)
                                        VALUES ($1,$2,false,'model reply that did not parse')`, caseID, setID)
			} else {
				_, _ = pool.Exec(ctx, `INSERT INTO combined_solutions (case_id, option_set_id, summary, terms, structured)
                                        VALUES ($1,$2,'middle ground','each side concedes half',true)`, caseID, setID)
			}
		}
		time.Sleep(time.Duration(150+rand.Intn(100)) * time.Millisecond)
	}
}

// TimelineReader pages through the public timeline, exercising reads while
// the writers churn.
func TimelineReader(ctx context.Context, pool *pgxpool.Pool, caseID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		rows, err := pool.Query(ctx, `SELECT id, type FROM timeline_events
                                       WHERE case_id=$1 AND is_public
                                       ORDER BY created_at, id LIMIT 100`, caseID)
		if err == nil {
			for rows.Next() {
				var id int64
				var ty string
				_ = rows.Scan(&id, &ty)
			}
			rows.Close()
		}
		time.Sleep(time.Duration(50+rand.Intn(50)) * time.Millisecond)
	}
}
