package reconcile

import "time"

// CombinedSolution is one synthesized compromise produced after divergence.
// Multiple rows may exist per option set; later rows are revisions, earlier
// ones stay as history.
type CombinedSolution struct {
	ID                     string
	CaseID                 string
	OptionSetID            string
	Summary                string
	Terms                  string
	ConcessionsComplainant []string
	ConcessionsRespondent  []string
	AcceptanceEstimate     *float64
	Structured             bool
	RawResponse            *string
	CreatedAt              time.Time
}

// Outcome is the tagged result of a reconciliation attempt. When Structured
// is false the service reply could not be parsed and Raw carries it verbatim;
// the persisted row still links the text to the case so nothing is lost, but
// the case stage is never advanced on a raw fallback.
type Outcome struct {
	Structured bool
	Solution   CombinedSolution
	Raw        string
}
