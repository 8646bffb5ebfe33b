package casefile

import "time"

// Stage is the lifecycle position of a case. Transitions are validated
// against the allow-list below; nothing else moves a case between stages.
type Stage string

const (
	StageStatementPhase        Stage = "statement_phase"
	StageAIAnalyzing           Stage = "ai_analyzing"
	StageOptionsPresented      Stage = "options_presented"
	StageAwaitingSelection     Stage = "awaiting_selection"
	StageConsensusReached      Stage = "consensus_reached"
	StageReconciliationPending Stage = "reconciliation_pending"
	StageSettlementReady       Stage = "settlement_ready"
	StageSignaturePending      Stage = "signature_pending"
	StageClosedSettled         Stage = "closed_settled"
	StageCourtForwarded        Stage = "court_forwarded"
)

// allowedTransitions is keyed by the current stage. A missing key means the
// stage is terminal.
var allowedTransitions = map[Stage][]Stage{
	StageStatementPhase:        {StageAIAnalyzing},
	StageAIAnalyzing:           {StageOptionsPresented},
	StageOptionsPresented:      {StageAwaitingSelection},
	StageAwaitingSelection:     {StageConsensusReached, StageReconciliationPending},
	StageConsensusReached:      {StageSettlementReady},
	StageReconciliationPending: {StageSettlementReady, StageCourtForwarded},
	StageSettlementReady:       {StageSignaturePending},
	StageSignaturePending:      {StageClosedSettled},
}

// CanTransition reports whether moving from one stage to the next is allowed.
func CanTransition(from, to Stage) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Role is the fixed position a party holds within one case. It is assigned
// when the party row is created, never inferred from user data afterwards.
type Role string

const (
	RoleComplainant Role = "complainant"
	RoleRespondent  Role = "respondent"
)

// Case is one filed dispute between a complainant and a respondent.
type Case struct {
	ID              string
	ReferenceNumber string
	Title           string
	Description     string
	Stage           Stage
	CreatedByUserID string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Party binds a user to a case under a fixed role.
type Party struct {
	ID        string
	CaseID    string
	UserID    string
	Role      Role
	Responded bool
	CreatedAt time.Time
}
