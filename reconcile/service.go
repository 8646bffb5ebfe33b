package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"settleflow/reasoning"
	"settleflow/settlement"
	"settleflow/statement"
	"settleflow/timeline"
)

// ErrNoDivergence signals reconciliation was requested without a recorded
// divergence: either a party has not selected yet, or both parties already
// agree. It is checked again right before the external call so convergence
// observed at call time never wastes a request.
var ErrNoDivergence = errors.New("reconcile: selections do not diverge")

// ErrSetMismatch signals the option set does not belong to the case, which
// would otherwise link the combined solution to the wrong dispute.
var ErrSetMismatch = errors.New("reconcile: option set does not belong to case")

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// OptionSource reads option sets and consensus state from the settlement store.
type OptionSource interface {
	GetSet(ctx context.Context, setID string) (settlement.OptionSet, error)
	CheckConsensus(ctx context.Context, optionSetID string) (settlement.ConsensusReport, error)
}

// StatementSource reads the parties' statements.
type StatementSource interface {
	ListByCase(ctx context.Context, caseID string) ([]statement.Statement, error)
}

// Reasoner is the external reasoning service surface.
type Reasoner interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// TimelineWriter records audit events.
type TimelineWriter interface {
	Append(ctx context.Context, tx pgx.Tx, params timeline.AppendParams) error
	Record(ctx context.Context, params timeline.AppendParams) error
}

// Service synthesizes a combined proposal after the parties diverge. It
// reads statements and selections but never writes them; its only writes are
// combined solutions and audit events.
type Service struct {
	pool       TxBeginner
	repo       Repository
	options    OptionSource
	statements StatementSource
	reasoner   Reasoner
	tl         TimelineWriter
}

func NewService(pool TxBeginner, repo Repository, options OptionSource, statements StatementSource, reasoner Reasoner, tl TimelineWriter) *Service {
	return &Service{
		pool:       pool,
		repo:       repo,
		options:    options,
		statements: statements,
		reasoner:   reasoner,
		tl:         tl,
	}
}

// Reconcile performs one reconciliation attempt: a single external call with
// no internal retry. A revision request is simply another invocation; each
// success appends a new combined solution and keeps prior ones.
func (s *Service) Reconcile(ctx context.Context, caseID, optionSetID string) (Outcome, error) {
	report, err := s.options.CheckConsensus(ctx, optionSetID)
	if err != nil {
		return Outcome{}, err
	}
	if !report.BothSelected || report.SameOption {
		s.recordFailure(ctx, caseID, optionSetID, ErrNoDivergence)
		return Outcome{}, ErrNoDivergence
	}

	set, err := s.options.GetSet(ctx, optionSetID)
	if err != nil {
		return Outcome{}, err
	}
	if set.CaseID != caseID {
		s.recordFailure(ctx, caseID, optionSetID, ErrSetMismatch)
		return Outcome{}, ErrSetMismatch
	}
	statements, err := s.statements.ListByCase(ctx, caseID)
	if err != nil {
		return Outcome{}, err
	}

	prompt := buildReconcilePrompt(set, report, statements)

	raw, err := s.reasoner.Complete(ctx, reconcileSystemPrompt, prompt)
	if err != nil {
		s.recordFailure(ctx, caseID, optionSetID, err)
		return Outcome{}, err
	}

	outcome := parseOutcome(raw)
	outcome.Solution.CaseID = caseID
	outcome.Solution.OptionSetID = optionSetID

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Outcome{}, fmt.Errorf("reconcile: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	persisted, err := s.repo.Insert(ctx, tx, outcome.Solution)
	if err != nil {
		return Outcome{}, err
	}
	outcome.Solution = persisted

	eventType := timeline.TypeReconciliationDone
	description := "Combined solution synthesized"
	if !outcome.Structured {
		eventType = timeline.TypeReconciliationRaw
		description = "Reconciliation degraded to raw response"
	}
	if err := s.tl.Append(ctx, tx, timeline.AppendParams{
		CaseID:      caseID,
		Type:        eventType,
		Description: description,
		Payload: map[string]any{
			"option_set_id": optionSetID,
			"solution_id":   persisted.ID,
			"structured":    outcome.Structured,
		},
		IsPublic: true,
	}); err != nil {
		return Outcome{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Outcome{}, fmt.Errorf("reconcile: commit: %w", err)
	}
	return outcome, nil
}

// History lists a case's combined solutions, newest first.
func (s *Service) History(ctx context.Context, caseID string) ([]CombinedSolution, error) {
	return s.repo.History(ctx, caseID)
}

// Latest returns the most recent combined solution for the case.
func (s *Service) Latest(ctx context.Context, caseID string) (CombinedSolution, error) {
	return s.repo.Latest(ctx, caseID)
}

func (s *Service) recordFailure(ctx context.Context, caseID, optionSetID string, cause error) {
	if s.tl == nil {
		return
	}
	_ = s.tl.Record(ctx, timeline.AppendParams{
		CaseID:      caseID,
		Type:        timeline.TypeReconciliationFailed,
		Description: "Reconciliation attempt failed",
		Payload:     map[string]any{"option_set_id": optionSetID, "reason": cause.Error()},
		IsPublic:    false,
	})
}

const reconcileSystemPrompt = `You are a neutral dispute mediator. The two parties selected different
settlement options. Synthesize one combined proposal that blends both choices, naming what each side
concedes. Reply with a JSON object:
{"summary": "...", "terms": "...", "concessions": {"complainant": ["..."], "respondent": ["..."]},
 "acceptance_estimate": <0..1>}
No text outside the JSON object.`

func buildReconcilePrompt(set settlement.OptionSet, report settlement.ConsensusReport, statements []statement.Statement) string {
	var b strings.Builder

	b.WriteString("Party statements:\n")
	for i, st := range statements {
		if !st.Finalized {
			continue
		}
		fmt.Fprintf(&b, "\nStatement %d:\n%s\n", i+1, st.Content)
	}

	b.WriteString("\nSettlement options on the table:\n")
	for _, v := range set.Variants {
		fmt.Fprintf(&b, "\n[%s] %s\nTerms: %s\n", v.ID, v.Title, v.Terms)
		if v.Rationale != "" {
			fmt.Fprintf(&b, "Rationale: %s\n", v.Rationale)
		}
	}

	b.WriteString("\nDiverging selections:\n")
	for _, sel := range report.Selections {
		fmt.Fprintf(&b, "\nParty %s chose option [%s]", sel.PartyID, sel.OptionVariantID)
		if sel.Reasoning != "" {
			fmt.Fprintf(&b, " because: %s", sel.Reasoning)
		}
		b.WriteString("\n")
	}

	b.WriteString("\nSynthesize the combined proposal now.")
	return b.String()
}

type solutionPayload struct {
	Summary     string `json:"summary"`
	Terms       string `json:"terms"`
	Concessions struct {
		Complainant []string `json:"complainant"`
		Respondent  []string `json:"respondent"`
	} `json:"concessions"`
	AcceptanceEstimate *float64 `json:"acceptance_estimate"`
}

// parseOutcome maps the service reply onto the sum type: strict JSON parse,
// then embedded-block extraction, then raw fallback. The raw path is a
// degraded success, not an error; the case must never be stuck on formatting.
func parseOutcome(raw string) Outcome {
	var payload solutionPayload
	parsed := false

	if err := json.Unmarshal([]byte(raw), &payload); err == nil {
		parsed = payload.Terms != ""
	}
	if !parsed {
		if block, ok := reasoning.ExtractJSONBlock(raw); ok {
			payload = solutionPayload{}
			if err := json.Unmarshal(block, &payload); err == nil {
				parsed = payload.Terms != ""
			}
		}
	}

	if !parsed {
		rawCopy := raw
		return Outcome{
			Structured: false,
			Raw:        raw,
			Solution: CombinedSolution{
				Structured:             false,
				RawResponse:            &rawCopy,
				ConcessionsComplainant: []string{},
				ConcessionsRespondent:  []string{},
			},
		}
	}

	concessionsC := payload.Concessions.Complainant
	if concessionsC == nil {
		concessionsC = []string{}
	}
	concessionsR := payload.Concessions.Respondent
	if concessionsR == nil {
		concessionsR = []string{}
	}

	return Outcome{
		Structured: true,
		Solution: CombinedSolution{
			Summary:                strings.TrimSpace(payload.Summary),
			Terms:                  strings.TrimSpace(payload.Terms),
			ConcessionsComplainant: concessionsC,
			ConcessionsRespondent:  concessionsR,
			AcceptanceEstimate:     payload.AcceptanceEstimate,
			Structured:             true,
		},
	}
}
