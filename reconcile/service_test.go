package reconcile

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"settleflow/settlement"
	"settleflow/statement"
	"settleflow/timeline"
)

const solutionJSON = `{
	"summary": "Meet in the middle.",
	"terms": "Refund 80% within 10 days; complainant withdraws the public review.",
	"concessions": {
		"complainant": ["accepts 80% instead of a full refund"],
		"respondent": ["pays within 10 days instead of 30"]
	},
	"acceptance_estimate": 0.7
}`

func divergingReport() settlement.ConsensusReport {
	return settlement.ConsensusReport{
		BothSelected: true,
		SameOption:   false,
		Selections: []settlement.Selection{
			{ID: "sel1", PartyID: "p1", OptionVariantID: "v1", Reasoning: "full refund or nothing"},
			{ID: "sel2", PartyID: "p2", OptionVariantID: "v2"},
		},
	}
}

func testOptionSet() settlement.OptionSet {
	return settlement.OptionSet{
		ID:     "os1",
		CaseID: "c1",
		Variants: []settlement.OptionVariant{
			{ID: "v1", Position: 1, Title: "Full refund", Terms: "100% back", Rationale: "clean break"},
			{ID: "v2", Position: 2, Title: "Partial refund", Terms: "60% back"},
		},
	}
}

func TestReconcile_StructuredSolution(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeRepo{}
	tl := &fakeTimeline{}
	svc := NewService(pool, repo, &fakeOptions{report: divergingReport(), set: testOptionSet()},
		&fakeStatements{}, &fakeReasoner{reply: solutionJSON}, tl)

	outcome, err := svc.Reconcile(context.Background(), "c1", "os1")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if !outcome.Structured {
		t.Fatal("expected structured outcome")
	}
	if outcome.Solution.Terms == "" || outcome.Solution.CaseID != "c1" || outcome.Solution.OptionSetID != "os1" {
		t.Fatalf("unexpected solution: %+v", outcome.Solution)
	}
	if outcome.Solution.AcceptanceEstimate == nil || *outcome.Solution.AcceptanceEstimate != 0.7 {
		t.Fatalf("expected acceptance estimate 0.7, got %v", outcome.Solution.AcceptanceEstimate)
	}
	if !pool.lastTx.committed {
		t.Fatal("expected reconciliation to commit")
	}
	if len(tl.appended) != 1 || tl.appended[0].Type != timeline.TypeReconciliationDone {
		t.Fatalf("expected RECONCILIATION_COMPLETED event, got %+v", tl.appended)
	}
}

func TestReconcile_RawFallbackIsDegradedSuccess(t *testing.T) {
	raw := "Honestly, the respondent should refund most of it and both should move on."
	pool := &fakePool{}
	repo := &fakeRepo{}
	tl := &fakeTimeline{}
	svc := NewService(pool, repo, &fakeOptions{report: divergingReport(), set: testOptionSet()},
		&fakeStatements{}, &fakeReasoner{reply: raw}, tl)

	outcome, err := svc.Reconcile(context.Background(), "c1", "os1")
	if err != nil {
		t.Fatalf("raw fallback must not error, got %v", err)
	}
	if outcome.Structured {
		t.Fatal("expected unstructured outcome")
	}
	if outcome.Raw != raw {
		t.Fatalf("raw text must be preserved verbatim, got %q", outcome.Raw)
	}
	if outcome.Solution.RawResponse == nil || *outcome.Solution.RawResponse != raw {
		t.Fatalf("persisted row must carry the raw response, got %+v", outcome.Solution)
	}
	if !pool.lastTx.committed {
		t.Fatal("the degraded solution must still be persisted")
	}
	if len(tl.appended) != 1 || tl.appended[0].Type != timeline.TypeReconciliationRaw {
		t.Fatalf("expected RECONCILIATION_RAW_FALLBACK event, got %+v", tl.appended)
	}
}

// JSON that parses but has empty terms is not a usable solution; it falls
// back to raw like any other malformed reply.
func TestReconcile_EmptyTermsFallsBack(t *testing.T) {
	reply := `{"summary": "vague", "terms": ""}`
	svc := NewService(&fakePool{}, &fakeRepo{}, &fakeOptions{report: divergingReport(), set: testOptionSet()},
		&fakeStatements{}, &fakeReasoner{reply: reply}, &fakeTimeline{})

	outcome, err := svc.Reconcile(context.Background(), "c1", "os1")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if outcome.Structured {
		t.Fatal("empty terms must degrade to raw")
	}
}

func TestReconcile_NoDivergence(t *testing.T) {
	report := settlement.ConsensusReport{BothSelected: true, SameOption: true}
	reasoner := &fakeReasoner{reply: solutionJSON}
	tl := &fakeTimeline{}
	svc := NewService(&fakePool{}, &fakeRepo{}, &fakeOptions{report: report}, &fakeStatements{}, reasoner, tl)

	_, err := svc.Reconcile(context.Background(), "c1", "os1")
	if !errors.Is(err, ErrNoDivergence) {
		t.Fatalf("expected ErrNoDivergence, got %v", err)
	}
	if reasoner.called {
		t.Fatal("agreement must never reach the reasoning service")
	}
	if len(tl.recorded) != 1 || tl.recorded[0].Type != timeline.TypeReconciliationFailed {
		t.Fatalf("expected RECONCILIATION_FAILED record, got %+v", tl.recorded)
	}
}

func TestReconcile_MissingSelection(t *testing.T) {
	report := settlement.ConsensusReport{BothSelected: false}
	reasoner := &fakeReasoner{}
	svc := NewService(&fakePool{}, &fakeRepo{}, &fakeOptions{report: report}, &fakeStatements{}, reasoner, &fakeTimeline{})

	if _, err := svc.Reconcile(context.Background(), "c1", "os1"); !errors.Is(err, ErrNoDivergence) {
		t.Fatalf("expected ErrNoDivergence, got %v", err)
	}
	if reasoner.called {
		t.Fatal("a single selection must never reach the reasoning service")
	}
}

func TestReconcile_SetFromAnotherCase(t *testing.T) {
	other := testOptionSet()
	other.CaseID = "c2"
	reasoner := &fakeReasoner{reply: solutionJSON}
	tl := &fakeTimeline{}
	svc := NewService(&fakePool{}, &fakeRepo{}, &fakeOptions{report: divergingReport(), set: other},
		&fakeStatements{}, reasoner, tl)

	_, err := svc.Reconcile(context.Background(), "c1", "os1")
	if !errors.Is(err, ErrSetMismatch) {
		t.Fatalf("expected ErrSetMismatch, got %v", err)
	}
	if reasoner.called {
		t.Fatal("a set from another case must never reach the reasoning service")
	}
	if len(tl.recorded) != 1 || tl.recorded[0].Type != timeline.TypeReconciliationFailed {
		t.Fatalf("expected RECONCILIATION_FAILED record, got %+v", tl.recorded)
	}
}

func TestReconcile_ReasonerFailureRecorded(t *testing.T) {
	wantErr := errors.New("reasoning: service unavailable")
	tl := &fakeTimeline{}
	pool := &fakePool{}
	svc := NewService(pool, &fakeRepo{}, &fakeOptions{report: divergingReport(), set: testOptionSet()},
		&fakeStatements{}, &fakeReasoner{err: wantErr}, tl)

	_, err := svc.Reconcile(context.Background(), "c1", "os1")
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected reasoner error, got %v", err)
	}
	if pool.lastTx != nil {
		t.Fatal("no transaction may open when the reasoner fails")
	}
	if len(tl.recorded) != 1 || tl.recorded[0].Type != timeline.TypeReconciliationFailed {
		t.Fatalf("expected RECONCILIATION_FAILED record, got %+v", tl.recorded)
	}
}

func TestReconcile_RepeatAttemptsKeepHistory(t *testing.T) {
	repo := &fakeRepo{}
	svc := NewService(&fakePool{}, repo, &fakeOptions{report: divergingReport(), set: testOptionSet()},
		&fakeStatements{}, &fakeReasoner{reply: solutionJSON}, &fakeTimeline{})

	for i := 0; i < 3; i++ {
		if _, err := svc.Reconcile(context.Background(), "c1", "os1"); err != nil {
			t.Fatalf("attempt %d: %v", i+1, err)
		}
	}
	if len(repo.inserted) != 3 {
		t.Fatalf("expected 3 persisted solutions, got %d", len(repo.inserted))
	}
}

func TestBuildReconcilePrompt_OnlyFinalizedStatements(t *testing.T) {
	statements := []statement.Statement{
		{ID: "s1", Content: "FINAL-COMPLAINANT", Finalized: true},
		{ID: "s2", Content: "DRAFT-ONLY", Finalized: false},
		{ID: "s3", Content: "FINAL-RESPONDENT", Finalized: true},
	}

	prompt := buildReconcilePrompt(testOptionSet(), divergingReport(), statements)

	if !strings.Contains(prompt, "FINAL-COMPLAINANT") || !strings.Contains(prompt, "FINAL-RESPONDENT") {
		t.Fatal("finalized statements must appear in the prompt")
	}
	if strings.Contains(prompt, "DRAFT-ONLY") {
		t.Fatal("draft statements must not leak into the prompt")
	}
	if !strings.Contains(prompt, "[v1]") || !strings.Contains(prompt, "full refund or nothing") {
		t.Fatal("variants and selection reasoning must appear in the prompt")
	}
}

type fakeOptions struct {
	report settlement.ConsensusReport
	set    settlement.OptionSet
	err    error
}

func (f *fakeOptions) GetSet(_ context.Context, _ string) (settlement.OptionSet, error) {
	return f.set, f.err
}

func (f *fakeOptions) CheckConsensus(_ context.Context, _ string) (settlement.ConsensusReport, error) {
	return f.report, f.err
}

type fakeStatements struct {
	statements []statement.Statement
}

func (f *fakeStatements) ListByCase(_ context.Context, _ string) ([]statement.Statement, error) {
	return f.statements, nil
}

type fakeReasoner struct {
	reply  string
	err    error
	called bool
}

func (f *fakeReasoner) Complete(_ context.Context, _, _ string) (string, error) {
	f.called = true
	return f.reply, f.err
}

type fakeRepo struct {
	inserted  []CombinedSolution
	insertErr error
}

func (f *fakeRepo) Insert(_ context.Context, _ pgx.Tx, sol CombinedSolution) (CombinedSolution, error) {
	if f.insertErr != nil {
		return CombinedSolution{}, f.insertErr
	}
	sol.ID = "cs-" + string(rune('1'+len(f.inserted)))
	f.inserted = append(f.inserted, sol)
	return sol, nil
}

func (f *fakeRepo) History(_ context.Context, _ string) ([]CombinedSolution, error) {
	return f.inserted, nil
}

func (f *fakeRepo) Latest(_ context.Context, _ string) (CombinedSolution, error) {
	if len(f.inserted) == 0 {
		return CombinedSolution{}, ErrNotFound
	}
	return f.inserted[len(f.inserted)-1], nil
}

type fakeTimeline struct {
	appended []timeline.AppendParams
	recorded []timeline.AppendParams
}

func (f *fakeTimeline) Append(_ context.Context, _ pgx.Tx, params timeline.AppendParams) error {
	f.appended = append(f.appended, params)
	return nil
}

func (f *fakeTimeline) Record(_ context.Context, params timeline.AppendParams) error {
	f.recorded = append(f.recorded, params)
	return nil
}

type fakePool struct {
	lastTx *fakeTx
}

func (f *fakePool) Begin(_ context.Context) (pgx.Tx, error) {
	f.lastTx = &fakeTx{}
	return f.lastTx, nil
}

type fakeTx struct {
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}
