package statement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"settleflow/timeline"
)

var (
	// ErrEditWindowExpired signals more than EditWindow elapsed since creation.
	ErrEditWindowExpired = errors.New("statement: edit window expired")
	// ErrDeleteWindowExpired signals more than DeleteWindow elapsed since creation.
	ErrDeleteWindowExpired = errors.New("statement: delete window expired")
	// ErrAlreadyFinalized signals the statement is locked.
	ErrAlreadyFinalized = errors.New("statement: already finalized")
	// ErrNotOwner signals the caller is not the authoring party.
	ErrNotOwner = errors.New("statement: caller is not the author")
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// TimelineWriter records audit events. Append runs in the mutation's
// transaction; Record is used for rejected attempts where the transaction
// rolls back.
type TimelineWriter interface {
	Append(ctx context.Context, tx pgx.Tx, params timeline.AppendParams) error
	Record(ctx context.Context, params timeline.AppendParams) error
}

// Service enforces the submission-phase gate and the edit/delete windows.
type Service struct {
	pool TxBeginner
	repo Repository
	tl   TimelineWriter
	now  func() time.Time
}

func NewService(pool TxBeginner, repo Repository, tl TimelineWriter) *Service {
	return &Service{
		pool: pool,
		repo: repo,
		tl:   tl,
		now:  time.Now,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Submit files a new statement while the case is in the statement phase.
func (s *Service) Submit(ctx context.Context, caseID, partyID, content string) (Statement, error) {
	if strings.TrimSpace(content) == "" {
		return Statement{}, fmt.Errorf("statement: content required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Statement{}, fmt.Errorf("statement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	st, err := s.repo.Insert(ctx, tx, caseID, partyID, content)
	if err != nil {
		s.recordRejection(ctx, caseID, partyID, "submit", err)
		return Statement{}, err
	}

	if err := s.tl.Append(ctx, tx, timeline.AppendParams{
		CaseID:      st.CaseID,
		Type:        timeline.TypeStatementSubmitted,
		Description: "Statement submitted",
		Payload:     map[string]any{"statement_id": st.ID, "party_id": st.PartyID},
		IsPublic:    true,
	}); err != nil {
		return Statement{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Statement{}, fmt.Errorf("statement: commit submit: %w", err)
	}
	return st, nil
}

// Edit replaces the statement content. It succeeds only for the authoring
// party, before finalization, and within EditWindow of the original
// created_at.
func (s *Service) Edit(ctx context.Context, statementID, partyID, content string) (Statement, error) {
	if strings.TrimSpace(content) == "" {
		return Statement{}, fmt.Errorf("statement: content required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Statement{}, fmt.Errorf("statement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := s.repo.GetForUpdate(ctx, tx, statementID)
	if err != nil {
		return Statement{}, err
	}
	if err := s.mutable(current, partyID, EditWindow, ErrEditWindowExpired); err != nil {
		s.recordRejection(ctx, current.CaseID, partyID, "edit", err)
		return Statement{}, err
	}

	updated, err := s.repo.UpdateContent(ctx, tx, statementID, content, s.now())
	if err != nil {
		return Statement{}, err
	}

	if err := s.tl.Append(ctx, tx, timeline.AppendParams{
		CaseID:      updated.CaseID,
		Type:        timeline.TypeStatementEdited,
		Description: "Statement edited",
		Payload:     map[string]any{"statement_id": updated.ID, "party_id": updated.PartyID},
		IsPublic:    true,
	}); err != nil {
		return Statement{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Statement{}, fmt.Errorf("statement: commit edit: %w", err)
	}
	return updated, nil
}

// Delete removes the statement within DeleteWindow of creation.
func (s *Service) Delete(ctx context.Context, statementID, partyID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("statement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := s.repo.GetForUpdate(ctx, tx, statementID)
	if err != nil {
		return err
	}
	if err := s.mutable(current, partyID, DeleteWindow, ErrDeleteWindowExpired); err != nil {
		s.recordRejection(ctx, current.CaseID, partyID, "delete", err)
		return err
	}

	if err := s.repo.Delete(ctx, tx, statementID); err != nil {
		return err
	}

	if err := s.tl.Append(ctx, tx, timeline.AppendParams{
		CaseID:      current.CaseID,
		Type:        timeline.TypeStatementDeleted,
		Description: "Statement deleted",
		Payload:     map[string]any{"statement_id": current.ID, "party_id": current.PartyID},
		IsPublic:    true,
	}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("statement: commit delete: %w", err)
	}
	return nil
}

// Finalize locks the statement irreversibly.
func (s *Service) Finalize(ctx context.Context, statementID, partyID string) (Statement, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Statement{}, fmt.Errorf("statement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := s.repo.GetForUpdate(ctx, tx, statementID)
	if err != nil {
		return Statement{}, err
	}
	if current.PartyID != partyID {
		s.recordRejection(ctx, current.CaseID, partyID, "finalize", ErrNotOwner)
		return Statement{}, ErrNotOwner
	}
	if current.Finalized {
		return Statement{}, ErrAlreadyFinalized
	}

	finalized, err := s.repo.MarkFinalized(ctx, tx, statementID)
	if err != nil {
		return Statement{}, err
	}

	if err := s.tl.Append(ctx, tx, timeline.AppendParams{
		CaseID:      finalized.CaseID,
		Type:        timeline.TypeStatementFinalized,
		Description: "Statement finalized",
		Payload:     map[string]any{"statement_id": finalized.ID, "party_id": finalized.PartyID},
		IsPublic:    true,
	}); err != nil {
		return Statement{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Statement{}, fmt.Errorf("statement: commit finalize: %w", err)
	}
	return finalized, nil
}

// Get returns the statement by id.
func (s *Service) Get(ctx context.Context, statementID string) (Statement, error) {
	return s.repo.Get(ctx, statementID)
}

// ListByCase returns all statements on the case.
func (s *Service) ListByCase(ctx context.Context, caseID string) ([]Statement, error) {
	return s.repo.ListByCase(ctx, caseID)
}

// CheckComplete reports whether both party roles hold a finalized statement.
func (s *Service) CheckComplete(ctx context.Context, caseID string) (bool, error) {
	return s.repo.CheckComplete(ctx, caseID)
}

func (s *Service) mutable(st Statement, partyID string, window time.Duration, expiredErr error) error {
	if st.PartyID != partyID {
		return ErrNotOwner
	}
	if st.Finalized {
		return ErrAlreadyFinalized
	}
	if s.now().Sub(st.CreatedAt) > window {
		return expiredErr
	}
	return nil
}

// recordRejection keeps the audit trail complete for denied mutations. The
// surrounding transaction rolls back, so the event goes through its own
// connection. Best effort: a failed audit write never masks the domain error.
func (s *Service) recordRejection(ctx context.Context, caseID, partyID, op string, cause error) {
	if s.tl == nil || caseID == "" {
		return
	}
	_ = s.tl.Record(ctx, timeline.AppendParams{
		CaseID:      caseID,
		Type:        timeline.TypeStatementRejected,
		Description: fmt.Sprintf("Statement %s rejected", op),
		Payload:     map[string]any{"party_id": partyID, "operation": op, "reason": cause.Error()},
		IsPublic:    false,
	})
}
