package casefile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"settleflow/settlement"
	"settleflow/timeline"
)

var (
	// ErrInvalidTransition signals the requested stage change is not in the
	// allow-list for the case's current stage. The case row is left untouched.
	ErrInvalidTransition = errors.New("casefile: invalid stage transition")
	// ErrRespondentBound signals the respondent slot belongs to another user.
	ErrRespondentBound = errors.New("casefile: respondent already bound to another user")
	// ErrAlreadyParty signals the user already holds a role on the case.
	ErrAlreadyParty = errors.New("casefile: user is already a party")
	// ErrSelectionPending signals consensus evaluation ran before both
	// parties selected.
	ErrSelectionPending = errors.New("casefile: both parties have not selected yet")
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

// StatementGate reports whether both party roles hold a finalized statement.
type StatementGate interface {
	CheckComplete(ctx context.Context, caseID string) (bool, error)
}

// ConsensusSource reads the current consensus state of an option set.
type ConsensusSource interface {
	CheckConsensus(ctx context.Context, optionSetID string) (settlement.ConsensusReport, error)
}

// Service orchestrates the case lifecycle. It is the only component that
// mutates case stage; the stores it consults never do.
type Service struct {
	pool        TxBeginner
	repo        Repository
	timeline    TimelineWriter
	statements  StatementGate
	consensus   ConsensusSource
	idGenerator func() string
	now         func() time.Time
}

func NewService(pool TxBeginner, repo Repository, tl TimelineWriter, statements StatementGate, consensus ConsensusSource) *Service {
	return &Service{
		pool:        pool,
		repo:        repo,
		timeline:    tl,
		statements:  statements,
		consensus:   consensus,
		idGenerator: func() string { return uuid.NewString() },
		now:         time.Now,
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// FileParams carries the complainant's initial filing.
type FileParams struct {
	Title       string
	Description string
	FiledByID   string
}

// File creates the case and its complainant party in one transaction.
func (s *Service) File(ctx context.Context, params FileParams) (Case, error) {
	if strings.TrimSpace(params.Title) == "" {
		return Case{}, fmt.Errorf("casefile: title required")
	}
	if params.FiledByID == "" {
		return Case{}, fmt.Errorf("casefile: filing user id required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Case{}, fmt.Errorf("casefile: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	created, err := s.repo.InsertCase(ctx, tx, Case{
		ReferenceNumber: s.referenceNumber(),
		Title:           strings.TrimSpace(params.Title),
		Description:     strings.TrimSpace(params.Description),
		Stage:           StageStatementPhase,
		CreatedByUserID: params.FiledByID,
	})
	if err != nil {
		return Case{}, err
	}

	if _, err := s.repo.InsertParty(ctx, tx, Party{
		CaseID:    created.ID,
		UserID:    params.FiledByID,
		Role:      RoleComplainant,
		Responded: true,
	}); err != nil {
		return Case{}, err
	}

	if err := s.timeline.Append(ctx, tx, timeline.AppendParams{
		CaseID:      created.ID,
		Type:        timeline.TypeCaseFiled,
		ActorID:     &params.FiledByID,
		Description: fmt.Sprintf("Case %s filed", created.ReferenceNumber),
		Payload:     map[string]any{"reference_number": created.ReferenceNumber},
		IsPublic:    true,
	}); err != nil {
		return Case{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Case{}, fmt.Errorf("casefile: commit filing: %w", err)
	}
	return created, nil
}

// Engage binds the respondent to the case. Calling it again for the same
// user is a no-op returning the existing party; a different user is rejected.
func (s *Service) Engage(ctx context.Context, caseID, userID string) (Party, error) {
	if caseID == "" || userID == "" {
		return Party{}, fmt.Errorf("casefile: case id and user id required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Party{}, fmt.Errorf("casefile: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	c, err := s.repo.GetForUpdate(ctx, tx, caseID)
	if err != nil {
		return Party{}, err
	}
	if c.CreatedByUserID == userID {
		return Party{}, ErrAlreadyParty
	}

	existing, err := s.repo.PartyByRoleForUpdate(ctx, tx, caseID, RoleRespondent)
	switch {
	case err == nil:
		if existing.UserID != userID {
			return Party{}, ErrRespondentBound
		}
		if existing.Responded {
			return existing, nil
		}
		party, err := s.repo.MarkResponded(ctx, tx, existing.ID)
		if err != nil {
			return Party{}, err
		}
		if err := s.appendEngaged(ctx, tx, caseID, userID); err != nil {
			return Party{}, err
		}
		if err := tx.Commit(ctx); err != nil {
			return Party{}, fmt.Errorf("casefile: commit engage: %w", err)
		}
		return party, nil
	case errors.Is(err, ErrNotFound):
		// respondent slot open, fall through to insert
	default:
		return Party{}, err
	}

	party, err := s.repo.InsertParty(ctx, tx, Party{
		CaseID:    caseID,
		UserID:    userID,
		Role:      RoleRespondent,
		Responded: true,
	})
	if err != nil {
		return Party{}, err
	}
	if err := s.appendEngaged(ctx, tx, caseID, userID); err != nil {
		return Party{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Party{}, fmt.Errorf("casefile: commit engage: %w", err)
	}
	return party, nil
}

func (s *Service) appendEngaged(ctx context.Context, tx pgx.Tx, caseID, userID string) error {
	return s.timeline.Append(ctx, tx, timeline.AppendParams{
		CaseID:      caseID,
		Type:        timeline.TypeRespondentEngaged,
		ActorID:     &userID,
		Description: "Respondent engaged with the case",
		IsPublic:    true,
	})
}

// TransitionParams identifies the requested stage change and its actor.
type TransitionParams struct {
	CaseID  string
	ActorID string
	Next    Stage
	Reason  string
}

// Transition moves the case to the next stage after validating the
// allow-list under a row lock. Exactly one timeline event is appended per
// successful transition.
func (s *Service) Transition(ctx context.Context, params TransitionParams) (Case, error) {
	if params.CaseID == "" {
		return Case{}, fmt.Errorf("casefile: transition missing case id")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Case{}, fmt.Errorf("casefile: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := s.repo.GetForUpdate(ctx, tx, params.CaseID)
	if err != nil {
		return Case{}, err
	}

	if !CanTransition(current.Stage, params.Next) {
		s.recordRejectedTransition(ctx, params, current.Stage)
		return Case{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Stage, params.Next)
	}

	updated, err := s.repo.UpdateStage(ctx, tx, params.CaseID, params.Next)
	if err != nil {
		return Case{}, err
	}

	payload := map[string]any{
		"previous_stage": string(current.Stage),
		"next_stage":     string(params.Next),
	}
	if params.Reason != "" {
		payload["reason"] = params.Reason
	}
	var actor *string
	if params.ActorID != "" {
		actor = &params.ActorID
	}
	if err := s.timeline.Append(ctx, tx, timeline.AppendParams{
		CaseID:      params.CaseID,
		Type:        timeline.TypeStageChanged,
		ActorID:     actor,
		Description: fmt.Sprintf("Stage changed from %s to %s", current.Stage, params.Next),
		Payload:     payload,
		IsPublic:    true,
	}); err != nil {
		return Case{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Case{}, fmt.Errorf("casefile: commit transition: %w", err)
	}
	return updated, nil
}

// recordRejectedTransition keeps the audit trail complete for denied stage
// changes. The transition's transaction rolls back, so the event goes
// through its own connection. Best effort.
func (s *Service) recordRejectedTransition(ctx context.Context, params TransitionParams, current Stage) {
	if s.timeline == nil {
		return
	}
	var actor *string
	if params.ActorID != "" {
		actor = &params.ActorID
	}
	_ = s.timeline.Record(ctx, timeline.AppendParams{
		CaseID:      params.CaseID,
		Type:        timeline.TypeTransitionRejected,
		ActorID:     actor,
		Description: fmt.Sprintf("Transition from %s to %s rejected", current, params.Next),
		Payload: map[string]any{
			"current_stage":   string(current),
			"requested_stage": string(params.Next),
		},
		IsPublic: false,
	})
}

// Get returns the case without touching its stage.
func (s *Service) Get(ctx context.Context, caseID string) (Case, error) {
	return s.repo.Get(ctx, caseID)
}

// List returns the cases the user participates in.
func (s *Service) List(ctx context.Context, userID string) ([]Case, error) {
	return s.repo.ListByUser(ctx, userID)
}

// Parties returns the case's party rows.
func (s *Service) Parties(ctx context.Context, caseID string) ([]Party, error) {
	return s.repo.Parties(ctx, caseID)
}

// EvaluateStatements checks statement completeness and, when both roles hold
// a finalized statement, advances statement_phase to ai_analyzing. Calling it
// after the case left the statement phase is a no-op.
func (s *Service) EvaluateStatements(ctx context.Context, caseID string) (Case, error) {
	current, err := s.repo.Get(ctx, caseID)
	if err != nil {
		return Case{}, err
	}
	if current.Stage != StageStatementPhase {
		return current, nil
	}

	complete, err := s.statements.CheckComplete(ctx, caseID)
	if err != nil {
		return Case{}, err
	}
	if !complete {
		return current, nil
	}

	return s.Transition(ctx, TransitionParams{
		CaseID: caseID,
		Next:   StageAIAnalyzing,
		Reason: "both parties finalized their statements",
	})
}

// SelectionOutcome pairs the consensus report with the case after lifecycle
// evaluation.
type SelectionOutcome struct {
	Case   Case
	Report settlement.ConsensusReport
}

// EvaluateSelections reads the consensus state of the option set and moves
// awaiting_selection to consensus_reached or reconciliation_pending. The
// detector itself never mutates the stage; only this controller does.
func (s *Service) EvaluateSelections(ctx context.Context, caseID, optionSetID string) (SelectionOutcome, error) {
	report, err := s.consensus.CheckConsensus(ctx, optionSetID)
	if err != nil {
		return SelectionOutcome{}, err
	}
	if !report.BothSelected {
		return SelectionOutcome{}, ErrSelectionPending
	}

	next := StageReconciliationPending
	reason := "parties selected different options"
	if report.SameOption {
		next = StageConsensusReached
		reason = "parties selected the same option"
	}

	updated, err := s.Transition(ctx, TransitionParams{
		CaseID: caseID,
		Next:   next,
		Reason: reason,
	})
	if err != nil {
		return SelectionOutcome{}, err
	}
	return SelectionOutcome{Case: updated, Report: report}, nil
}

func (s *Service) referenceNumber() string {
	id := s.idGenerator()
	suffix := strings.ToUpper(strings.ReplaceAll(id, "-", ""))
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	return fmt.Sprintf("DR-%d-%s", s.now().Year(), suffix)
}
