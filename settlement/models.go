package settlement

import "time"

// SetStatus is the lifecycle of a generated option set.
type SetStatus string

const (
	SetActive     SetStatus = "active"
	SetExpired    SetStatus = "expired"
	SetSuperseded SetStatus = "superseded"
)

// DefaultTTL is how long a generated set stays selectable.
const DefaultTTL = 7 * 24 * time.Hour

// OptionSet is one batch of AI-generated settlement options for a case.
// At most one active set exists per case at any instant; the partial unique
// index in the schema enforces it.
type OptionSet struct {
	ID          string
	CaseID      string
	Status      SetStatus
	GeneratedAt time.Time
	ExpiresAt   time.Time
	Variants    []OptionVariant
}

// OptionVariant is one candidate settlement term-set within a set.
type OptionVariant struct {
	ID          string
	OptionSetID string
	Position    int
	Title       string
	Terms       string
	Rationale   string
}

// Selection records a party's current choice on an option set. One row per
// (option set, party); resubmission replaces it.
type Selection struct {
	ID              string
	OptionSetID     string
	PartyID         string
	OptionVariantID string
	Reasoning       string
	SelectedAt      time.Time
}

// ConsensusReport is the detector's read-only verdict on an option set.
// SameOption compares variant identifiers only; equivalent terms under
// different ids do not count as consensus.
type ConsensusReport struct {
	BothSelected bool
	SameOption   bool
	Selections   []Selection
}
