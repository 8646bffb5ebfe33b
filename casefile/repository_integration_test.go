package casefile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"settleflow/statement"
	"settleflow/timeline"
)

// TestCaseLifecycle_Integration drives a case from filing through both
// statements to ai_analyzing against a live PostgreSQL (DATABASE_URL).
func TestCaseLifecycle_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	var exists bool
	if err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = 'public' AND table_name = 'cases')`).Scan(&exists); err != nil || !exists {
		t.Skip("database schema missing; apply migrations/0001_init.sql first")
	}

	nano := time.Now().UnixNano()
	var complainantUser, respondentUser, strangerUser string
	for _, seed := range []struct {
		dst  *string
		name string
	}{
		{&complainantUser, "Casey Complainant"},
		{&respondentUser, "Robin Respondent"},
		{&strangerUser, "Sam Stranger"},
	} {
		if err := pool.QueryRow(ctx, `INSERT INTO users (email, full_name) VALUES ($1, $2) RETURNING id`,
			fmt.Sprintf("%s+%d@example.com", seed.name[:3], nano), seed.name).Scan(seed.dst); err != nil {
			t.Fatalf("seed user %s: %v", seed.name, err)
		}
	}

	tl := timeline.NewWriter(pool)
	statementSvc := statement.NewService(pool, statement.NewRepository(pool), tl)
	svc := NewService(pool, NewRepository(pool), tl, statementSvc, nil)

	filed, err := svc.File(ctx, FileParams{
		Title:       "Security deposit withheld",
		Description: "Landlord kept the full deposit despite a clean checkout.",
		FiledByID:   complainantUser,
	})
	if err != nil {
		t.Fatalf("file case: %v", err)
	}

	t.Cleanup(func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel2()
		pool.Exec(ctx2, `DELETE FROM cases WHERE id = $1`, filed.ID)
		pool.Exec(ctx2, `DELETE FROM users WHERE id IN ($1, $2, $3)`, complainantUser, respondentUser, strangerUser)
	})

	if filed.Stage != StageStatementPhase {
		t.Fatalf("fresh case must start in statement_phase, got %s", filed.Stage)
	}

	respondent, err := svc.Engage(ctx, filed.ID, respondentUser)
	if err != nil {
		t.Fatalf("engage respondent: %v", err)
	}

	// The slot is taken; another user is rejected, the same user replays fine.
	if _, err := svc.Engage(ctx, filed.ID, strangerUser); !errors.Is(err, ErrRespondentBound) {
		t.Fatalf("expected ErrRespondentBound for a third user, got %v", err)
	}
	replay, err := svc.Engage(ctx, filed.ID, respondentUser)
	if err != nil {
		t.Fatalf("engage replay: %v", err)
	}
	if replay.ID != respondent.ID {
		t.Fatalf("replay must return the same party, got %s vs %s", replay.ID, respondent.ID)
	}

	parties, err := svc.Parties(ctx, filed.ID)
	if err != nil {
		t.Fatalf("list parties: %v", err)
	}
	if len(parties) != 2 {
		t.Fatalf("expected 2 parties, got %d", len(parties))
	}
	var complainantID string
	for _, p := range parties {
		if p.Role == RoleComplainant {
			complainantID = p.ID
		}
	}

	// One finalized statement is not enough to advance.
	st1, err := statementSvc.Submit(ctx, filed.ID, complainantID, "The deposit was withheld without an itemized list.")
	if err != nil {
		t.Fatalf("submit complainant statement: %v", err)
	}
	if _, err := statementSvc.Finalize(ctx, st1.ID, complainantID); err != nil {
		t.Fatalf("finalize complainant statement: %v", err)
	}
	c, err := svc.EvaluateStatements(ctx, filed.ID)
	if err != nil {
		t.Fatalf("evaluate after one statement: %v", err)
	}
	if c.Stage != StageStatementPhase {
		t.Fatalf("case must hold in statement_phase with one statement, got %s", c.Stage)
	}

	st2, err := statementSvc.Submit(ctx, filed.ID, respondent.ID, "The apartment needed repainting beyond normal wear.")
	if err != nil {
		t.Fatalf("submit respondent statement: %v", err)
	}
	if _, err := statementSvc.Finalize(ctx, st2.ID, respondent.ID); err != nil {
		t.Fatalf("finalize respondent statement: %v", err)
	}

	c, err = svc.EvaluateStatements(ctx, filed.ID)
	if err != nil {
		t.Fatalf("evaluate after both statements: %v", err)
	}
	if c.Stage != StageAIAnalyzing {
		t.Fatalf("expected ai_analyzing, got %s", c.Stage)
	}

	// Statements are closed now.
	if _, err := statementSvc.Submit(ctx, filed.ID, complainantID, "one more thing"); !errors.Is(err, statement.ErrPhaseClosed) {
		t.Fatalf("expected ErrPhaseClosed after leaving the phase, got %v", err)
	}

	// Stage skipping is rejected.
	if _, err := svc.Transition(ctx, TransitionParams{CaseID: filed.ID, Next: StageClosedSettled}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	events, err := tl.List(ctx, filed.ID, true)
	if err != nil {
		t.Fatalf("list timeline: %v", err)
	}
	if len(events) < 7 {
		t.Fatalf("expected at least 7 public events, got %d", len(events))
	}
	for i := 1; i < len(events); i++ {
		if events[i].ID <= events[i-1].ID {
			t.Fatal("timeline ids must be strictly increasing")
		}
	}
}
