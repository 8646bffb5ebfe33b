package statement

import "time"

// Mutability windows, both measured from the statement's original
// created_at. Edits never reset them.
const (
	EditWindow   = 15 * time.Minute
	DeleteWindow = 5 * time.Minute
)

// Statement is one party's narrative of the dispute. It belongs to the
// authoring party until finalized and is immutable afterwards.
type Statement struct {
	ID        string
	CaseID    string
	PartyID   string
	Content   string
	Finalized bool
	CreatedAt time.Time
	EditedAt  *time.Time
}
