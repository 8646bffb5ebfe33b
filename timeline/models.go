package timeline

import "time"

// Event captures one immutable audit entry for a case. Rows are append-only;
// nothing in the codebase updates or deletes them.
type Event struct {
	ID          int64
	CaseID      string
	Type        string
	ActorID     *string
	Description string
	Payload     map[string]any
	IsPublic    bool
	CreatedAt   time.Time
}

// Event type tags written by the domain packages.
const (
	TypeCaseFiled            = "CASE_FILED"
	TypeRespondentEngaged    = "RESPONDENT_ENGAGED"
	TypeStageChanged         = "STAGE_CHANGED"
	TypeStatementSubmitted   = "STATEMENT_SUBMITTED"
	TypeStatementEdited      = "STATEMENT_EDITED"
	TypeStatementDeleted     = "STATEMENT_DELETED"
	TypeStatementFinalized   = "STATEMENT_FINALIZED"
	TypeStatementRejected    = "STATEMENT_REJECTED"
	TypeTransitionRejected   = "TRANSITION_REJECTED"
	TypeOptionsGenerated     = "OPTIONS_GENERATED"
	TypeOptionsRejected      = "OPTIONS_REJECTED"
	TypeSelectionRejected    = "SELECTION_REJECTED"
	TypeOptionsExpired       = "OPTIONS_EXPIRED"
	TypeOptionSelected       = "OPTION_SELECTED"
	TypeReconciliationDone   = "RECONCILIATION_COMPLETED"
	TypeReconciliationRaw    = "RECONCILIATION_RAW_FALLBACK"
	TypeReconciliationFailed = "RECONCILIATION_FAILED"
)
