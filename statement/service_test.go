package statement

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"settleflow/timeline"
)

var base = time.Date(2025, 4, 2, 10, 0, 0, 0, time.UTC)

func clockAt(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestSubmit_Success(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeRepo{
		statement: Statement{ID: "s1", CaseID: "c1", PartyID: "p1", Content: "My side", CreatedAt: base},
	}
	tl := &fakeTimeline{}
	svc := NewService(pool, repo, tl)

	st, err := svc.Submit(context.Background(), "c1", "p1", "My side")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if st.ID != "s1" {
		t.Fatalf("unexpected statement: %+v", st)
	}
	if !pool.lastTx.committed {
		t.Fatal("expected submit to commit")
	}
	if len(tl.appended) != 1 || tl.appended[0].Type != timeline.TypeStatementSubmitted {
		t.Fatalf("expected STATEMENT_SUBMITTED event, got %+v", tl.appended)
	}
}

func TestSubmit_ContentRequired(t *testing.T) {
	svc := NewService(&fakePool{}, &fakeRepo{}, &fakeTimeline{})

	if _, err := svc.Submit(context.Background(), "c1", "p1", "   "); err == nil {
		t.Fatal("expected error for blank content")
	}
}

func TestSubmit_PhaseClosedRecordsRejection(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeRepo{insertErr: ErrPhaseClosed}
	tl := &fakeTimeline{}
	svc := NewService(pool, repo, tl)

	_, err := svc.Submit(context.Background(), "c1", "p1", "too late")
	if !errors.Is(err, ErrPhaseClosed) {
		t.Fatalf("expected ErrPhaseClosed, got %v", err)
	}
	if pool.lastTx.committed {
		t.Fatal("rejected submit must not commit")
	}
	if len(tl.recorded) != 1 || tl.recorded[0].Type != timeline.TypeStatementRejected {
		t.Fatalf("expected STATEMENT_REJECTED audit record, got %+v", tl.recorded)
	}
	if tl.recorded[0].IsPublic {
		t.Fatal("rejection records are not public")
	}
}

func TestEdit_WithinWindow(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeRepo{
		statement: Statement{ID: "s1", CaseID: "c1", PartyID: "p1", Content: "old", CreatedAt: base},
	}
	tl := &fakeTimeline{}
	svc := NewService(pool, repo, tl).WithClock(clockAt(base.Add(14 * time.Minute)))

	st, err := svc.Edit(context.Background(), "s1", "p1", "new content")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if st.Content != "new content" {
		t.Fatalf("expected updated content, got %q", st.Content)
	}
	if repo.updatedEditedAt == nil || !repo.updatedEditedAt.Equal(base.Add(14*time.Minute)) {
		t.Fatalf("expected edited_at at the clock time, got %v", repo.updatedEditedAt)
	}
	if len(tl.appended) != 1 || tl.appended[0].Type != timeline.TypeStatementEdited {
		t.Fatalf("expected STATEMENT_EDITED event, got %+v", tl.appended)
	}
}

func TestEdit_WindowExpired(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeRepo{
		statement: Statement{ID: "s1", CaseID: "c1", PartyID: "p1", CreatedAt: base},
	}
	tl := &fakeTimeline{}
	svc := NewService(pool, repo, tl).WithClock(clockAt(base.Add(16 * time.Minute)))

	_, err := svc.Edit(context.Background(), "s1", "p1", "too late")
	if !errors.Is(err, ErrEditWindowExpired) {
		t.Fatalf("expected ErrEditWindowExpired, got %v", err)
	}
	if pool.lastTx.committed {
		t.Fatal("expired edit must not commit")
	}
	if repo.updatedContent != "" {
		t.Fatal("content must not change after the window")
	}
	if len(tl.recorded) != 1 {
		t.Fatalf("expected one rejection record, got %d", len(tl.recorded))
	}
}

// An edit at 14 minutes does not reopen the windows: the delete window is
// measured from the original created_at, so a delete at 16 minutes fails
// even though the content was just touched.
func TestEdit_DoesNotResetDeleteWindow(t *testing.T) {
	repo := &fakeRepo{
		statement: Statement{ID: "s1", CaseID: "c1", PartyID: "p1", Content: "old", CreatedAt: base},
	}
	svc := NewService(&fakePool{}, repo, &fakeTimeline{}).WithClock(clockAt(base.Add(14 * time.Minute)))

	if _, err := svc.Edit(context.Background(), "s1", "p1", "newer"); err != nil {
		t.Fatalf("edit at 14m should pass, got %v", err)
	}

	svc.WithClock(clockAt(base.Add(16 * time.Minute)))
	if err := svc.Delete(context.Background(), "s1", "p1"); !errors.Is(err, ErrDeleteWindowExpired) {
		t.Fatalf("expected ErrDeleteWindowExpired, got %v", err)
	}
}

func TestEdit_NotOwner(t *testing.T) {
	repo := &fakeRepo{
		statement: Statement{ID: "s1", CaseID: "c1", PartyID: "p1", CreatedAt: base},
	}
	svc := NewService(&fakePool{}, repo, &fakeTimeline{}).WithClock(clockAt(base))

	if _, err := svc.Edit(context.Background(), "s1", "p2", "hijack"); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
}

func TestEdit_FinalizedIsImmutable(t *testing.T) {
	repo := &fakeRepo{
		statement: Statement{ID: "s1", CaseID: "c1", PartyID: "p1", Finalized: true, CreatedAt: base},
	}
	svc := NewService(&fakePool{}, repo, &fakeTimeline{}).WithClock(clockAt(base.Add(time.Minute)))

	if _, err := svc.Edit(context.Background(), "s1", "p1", "change"); !errors.Is(err, ErrAlreadyFinalized) {
		t.Fatalf("expected ErrAlreadyFinalized, got %v", err)
	}
}

func TestDelete_WithinWindow(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeRepo{
		statement: Statement{ID: "s1", CaseID: "c1", PartyID: "p1", CreatedAt: base},
	}
	tl := &fakeTimeline{}
	svc := NewService(pool, repo, tl).WithClock(clockAt(base.Add(4 * time.Minute)))

	if err := svc.Delete(context.Background(), "s1", "p1"); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if !repo.deleted {
		t.Fatal("expected row deletion")
	}
	if len(tl.appended) != 1 || tl.appended[0].Type != timeline.TypeStatementDeleted {
		t.Fatalf("expected STATEMENT_DELETED event, got %+v", tl.appended)
	}
}

func TestDelete_WindowShorterThanEdit(t *testing.T) {
	repo := &fakeRepo{
		statement: Statement{ID: "s1", CaseID: "c1", PartyID: "p1", CreatedAt: base},
	}
	// 6 minutes: still editable, no longer deletable.
	svc := NewService(&fakePool{}, repo, &fakeTimeline{}).WithClock(clockAt(base.Add(6 * time.Minute)))

	if err := svc.Delete(context.Background(), "s1", "p1"); !errors.Is(err, ErrDeleteWindowExpired) {
		t.Fatalf("expected ErrDeleteWindowExpired, got %v", err)
	}
	if _, err := svc.Edit(context.Background(), "s1", "p1", "still fine"); err != nil {
		t.Fatalf("edit at 6m should pass, got %v", err)
	}
}

func TestFinalize_LocksStatement(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeRepo{
		statement: Statement{ID: "s1", CaseID: "c1", PartyID: "p1", CreatedAt: base},
	}
	tl := &fakeTimeline{}
	svc := NewService(pool, repo, tl)

	st, err := svc.Finalize(context.Background(), "s1", "p1")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if !st.Finalized {
		t.Fatal("expected finalized statement")
	}
	if len(tl.appended) != 1 || tl.appended[0].Type != timeline.TypeStatementFinalized {
		t.Fatalf("expected STATEMENT_FINALIZED event, got %+v", tl.appended)
	}
}

func TestFinalize_Twice(t *testing.T) {
	repo := &fakeRepo{
		statement: Statement{ID: "s1", CaseID: "c1", PartyID: "p1", Finalized: true, CreatedAt: base},
	}
	svc := NewService(&fakePool{}, repo, &fakeTimeline{})

	if _, err := svc.Finalize(context.Background(), "s1", "p1"); !errors.Is(err, ErrAlreadyFinalized) {
		t.Fatalf("expected ErrAlreadyFinalized, got %v", err)
	}
}

// Finalization works long after the edit window: the windows bound mutation,
// not finalization.
func TestFinalize_AfterEditWindow(t *testing.T) {
	repo := &fakeRepo{
		statement: Statement{ID: "s1", CaseID: "c1", PartyID: "p1", CreatedAt: base},
	}
	svc := NewService(&fakePool{}, repo, &fakeTimeline{}).WithClock(clockAt(base.Add(48 * time.Hour)))

	if _, err := svc.Finalize(context.Background(), "s1", "p1"); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
}

type fakeRepo struct {
	statement       Statement
	getErr          error
	insertErr       error
	updatedContent  string
	updatedEditedAt *time.Time
	deleted         bool
}

func (f *fakeRepo) Insert(_ context.Context, _ pgx.Tx, caseID, partyID, content string) (Statement, error) {
	if f.insertErr != nil {
		return Statement{}, f.insertErr
	}
	return f.statement, nil
}

func (f *fakeRepo) GetForUpdate(_ context.Context, _ pgx.Tx, _ string) (Statement, error) {
	return f.statement, f.getErr
}

func (f *fakeRepo) UpdateContent(_ context.Context, _ pgx.Tx, _, content string, editedAt time.Time) (Statement, error) {
	f.updatedContent = content
	f.updatedEditedAt = &editedAt
	updated := f.statement
	updated.Content = content
	updated.EditedAt = &editedAt
	return updated, nil
}

func (f *fakeRepo) Delete(_ context.Context, _ pgx.Tx, _ string) error {
	f.deleted = true
	return nil
}

func (f *fakeRepo) MarkFinalized(_ context.Context, _ pgx.Tx, _ string) (Statement, error) {
	finalized := f.statement
	finalized.Finalized = true
	return finalized, nil
}

func (f *fakeRepo) Get(_ context.Context, _ string) (Statement, error) {
	return f.statement, f.getErr
}

func (f *fakeRepo) ListByCase(_ context.Context, _ string) ([]Statement, error) {
	return []Statement{f.statement}, nil
}

func (f *fakeRepo) CheckComplete(_ context.Context, _ string) (bool, error) {
	return false, nil
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
