package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"settleflow/reasoning"
	"settleflow/timeline"
)

// ErrMalformedOptions signals the reasoning service returned text from which
// no option list could be recovered. Unlike reconciliation, option generation
// has no raw fallback: a set cannot exist without structured variants.
var ErrMalformedOptions = errors.New("settlement: unparseable options response")

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Reasoner is the external reasoning service surface the store consumes.
type Reasoner interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// TimelineWriter records audit events.
type TimelineWriter interface {
	Append(ctx context.Context, tx pgx.Tx, params timeline.AppendParams) error
	Record(ctx context.Context, params timeline.AppendParams) error
}

// Service owns option sets and selections and evaluates consensus. It never
// mutates case stage; the lifecycle controller consumes its reports.
type Service struct {
	pool     TxBeginner
	repo     Repository
	reasoner Reasoner
	tl       TimelineWriter
	ttl      time.Duration
	now      func() time.Time
}

func NewService(pool TxBeginner, repo Repository, reasoner Reasoner, tl TimelineWriter) *Service {
	return &Service{
		pool:     pool,
		repo:     repo,
		reasoner: reasoner,
		tl:       tl,
		ttl:      DefaultTTL,
		now:      time.Now,
	}
}

func (s *Service) WithTTL(ttl time.Duration) *Service {
	s.ttl = ttl
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Generate asks the reasoning service for settlement options and persists
// them as the case's active set. Existence-idempotent: if an unexpired active
// set is already there, the insert loses the unique-index race and the call
// fails with ErrDuplicateActiveSet. An overdue active row the sweep has not
// reached yet is expired inside the same transaction first, so it never
// blocks a fresh generation. The external call happens before the
// transaction opens so a slow service never holds locks.
func (s *Service) Generate(ctx context.Context, caseID, analysisContext string) (OptionSet, error) {
	return s.generate(ctx, caseID, analysisContext, false)
}

// Regenerate supersedes the current active set (if any) and generates a
// fresh one in the same transaction.
func (s *Service) Regenerate(ctx context.Context, caseID, analysisContext string) (OptionSet, error) {
	return s.generate(ctx, caseID, analysisContext, true)
}

func (s *Service) generate(ctx context.Context, caseID, analysisContext string, supersede bool) (OptionSet, error) {
	if caseID == "" {
		return OptionSet{}, fmt.Errorf("settlement: case id required")
	}

	raw, err := s.reasoner.Complete(ctx, optionsSystemPrompt, buildOptionsPrompt(analysisContext))
	if err != nil {
		s.recordRejection(ctx, caseID, "generate", err)
		return OptionSet{}, err
	}

	drafts, err := parseOptionDrafts(raw)
	if err != nil {
		s.recordRejection(ctx, caseID, "generate", err)
		return OptionSet{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return OptionSet{}, fmt.Errorf("settlement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if supersede {
		if err := s.repo.SupersedeActive(ctx, tx, caseID); err != nil {
			return OptionSet{}, err
		}
	} else if err := s.repo.ExpireOverdue(ctx, tx, caseID); err != nil {
		return OptionSet{}, err
	}

	set, err := s.repo.InsertSet(ctx, tx, caseID, s.now().Add(s.ttl), drafts)
	if err != nil {
		if errors.Is(err, ErrDuplicateActiveSet) {
			s.recordRejection(ctx, caseID, "generate", err)
		}
		return OptionSet{}, err
	}

	if err := s.tl.Append(ctx, tx, timeline.AppendParams{
		CaseID:      caseID,
		Type:        timeline.TypeOptionsGenerated,
		Description: fmt.Sprintf("%d settlement options generated", len(set.Variants)),
		Payload:     map[string]any{"option_set_id": set.ID, "variant_count": len(set.Variants)},
		IsPublic:    true,
	}); err != nil {
		return OptionSet{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return OptionSet{}, fmt.Errorf("settlement: commit generation: %w", err)
	}
	return set, nil
}

// GetActive returns the case's unexpired active set.
func (s *Service) GetActive(ctx context.Context, caseID string) (OptionSet, error) {
	return s.repo.GetActive(ctx, caseID)
}

// GetSet returns the set regardless of status.
func (s *Service) GetSet(ctx context.Context, setID string) (OptionSet, error) {
	return s.repo.GetSet(ctx, setID)
}

// ExpireStale sweeps overdue active sets. Safe to run concurrently and
// repeatedly. Returns how many sets were flipped.
func (s *Service) ExpireStale(ctx context.Context) (int, error) {
	caseIDs, err := s.repo.ExpireStale(ctx)
	if err != nil {
		return 0, err
	}
	for _, caseID := range caseIDs {
		// Audit is best effort here; the sweep result stands regardless.
		_ = s.tl.Record(ctx, timeline.AppendParams{
			CaseID:      caseID,
			Type:        timeline.TypeOptionsExpired,
			Description: "Active option set expired",
			IsPublic:    true,
		})
	}
	return len(caseIDs), nil
}

// SelectParams identifies a party's choice on an option set.
type SelectParams struct {
	OptionSetID     string
	PartyID         string
	OptionVariantID string
	Reasoning       string
}

// Select upserts the party's selection. A resubmission replaces the prior
// row and refreshes selected_at; either party may change their mind until
// the lifecycle controller locks the case into a later stage.
func (s *Service) Select(ctx context.Context, params SelectParams) (Selection, error) {
	if params.OptionSetID == "" || params.PartyID == "" || params.OptionVariantID == "" {
		return Selection{}, fmt.Errorf("settlement: option set, party and variant ids required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Selection{}, fmt.Errorf("settlement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	sel, caseID, err := s.repo.UpsertSelection(ctx, tx, params, s.now())
	if err != nil {
		s.recordSelectionRejection(ctx, params, err)
		return Selection{}, err
	}

	if err := s.tl.Append(ctx, tx, timeline.AppendParams{
		CaseID:      caseID,
		Type:        timeline.TypeOptionSelected,
		Description: "Party selected a settlement option",
		Payload: map[string]any{
			"option_set_id":     sel.OptionSetID,
			"party_id":          sel.PartyID,
			"option_variant_id": sel.OptionVariantID,
		},
		IsPublic: false,
	}); err != nil {
		return Selection{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Selection{}, fmt.Errorf("settlement: commit selection: %w", err)
	}
	return sel, nil
}

// CheckConsensus reads both parties' current selections. SameOption is an
// identifier comparison only; there is no tie-break.
func (s *Service) CheckConsensus(ctx context.Context, optionSetID string) (ConsensusReport, error) {
	selections, err := s.repo.SelectionsForSet(ctx, optionSetID)
	if err != nil {
		return ConsensusReport{}, err
	}

	report := ConsensusReport{Selections: selections}
	if len(selections) < 2 {
		return report, nil
	}
	report.BothSelected = true
	report.SameOption = selections[0].OptionVariantID == selections[1].OptionVariantID
	return report, nil
}

// recordRejection keeps the audit trail complete for failed generation
// attempts. The surrounding transaction (if any) rolls back, so the event
// goes through its own connection. Best effort: a failed audit write never
// masks the domain error.
func (s *Service) recordRejection(ctx context.Context, caseID, op string, cause error) {
	if s.tl == nil || caseID == "" {
		return
	}
	_ = s.tl.Record(ctx, timeline.AppendParams{
		CaseID:      caseID,
		Type:        timeline.TypeOptionsRejected,
		Description: fmt.Sprintf("Option %s rejected", op),
		Payload:     map[string]any{"operation": op, "reason": cause.Error()},
		IsPublic:    false,
	})
}

// recordSelectionRejection resolves the set's case for the audit row; a set
// that cannot be resolved leaves nothing to attach the event to.
func (s *Service) recordSelectionRejection(ctx context.Context, params SelectParams, cause error) {
	if s.tl == nil {
		return
	}
	set, err := s.repo.GetSet(ctx, params.OptionSetID)
	if err != nil {
		return
	}
	_ = s.tl.Record(ctx, timeline.AppendParams{
		CaseID:      set.CaseID,
		Type:        timeline.TypeSelectionRejected,
		Description: "Selection rejected",
		Payload: map[string]any{
			"option_set_id": params.OptionSetID,
			"party_id":      params.PartyID,
			"reason":        cause.Error(),
		},
		IsPublic: false,
	})
}

const optionsSystemPrompt = `You are a neutral dispute mediator. Given the parties' statements,
propose settlement options both sides could plausibly accept. Reply with a JSON object:
{"summary": "<one paragraph>", "options": [{"title": "...", "terms": "...", "rationale": "..."}]}
Propose between two and four options. No text outside the JSON object.`

func buildOptionsPrompt(analysisContext string) string {
	var b strings.Builder
	b.WriteString("Dispute context:\n\n")
	b.WriteString(analysisContext)
	b.WriteString("\n\nGenerate the settlement options now.")
	return b.String()
}

type optionsPayload struct {
	Summary string `json:"summary"`
	Options []struct {
		Title     string `json:"title"`
		Terms     string `json:"terms"`
		Rationale string `json:"rationale"`
	} `json:"options"`
}

// parseOptionDrafts recovers the option list from the service reply: strict
// JSON first, then an embedded JSON block inside free text.
func parseOptionDrafts(raw string) ([]VariantDraft, error) {
	var payload optionsPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		block, ok := reasoning.ExtractJSONBlock(raw)
		if !ok {
			return nil, ErrMalformedOptions
		}
		if err := json.Unmarshal(block, &payload); err != nil {
			return nil, ErrMalformedOptions
		}
	}

	drafts := make([]VariantDraft, 0, len(payload.Options))
	for _, opt := range payload.Options {
		title := strings.TrimSpace(opt.Title)
		terms := strings.TrimSpace(opt.Terms)
		if title == "" || terms == "" {
			continue
		}
		drafts = append(drafts, VariantDraft{
			Title:     title,
			Terms:     terms,
			Rationale: strings.TrimSpace(opt.Rationale),
		})
	}
	if len(drafts) < 2 {
		return nil, ErrMalformedOptions
	}
	return drafts, nil
}
