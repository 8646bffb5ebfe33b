package auth

import "time"

// Role separates dispute participants from mediation desk admins. A
// participant only ever acts through their party row on a case; admins
// additionally see the non-public timeline.
type Role string

const (
	RoleParticipant Role = "participant"
	RoleAdmin       Role = "admin"
)

func (r Role) valid() bool {
	switch r {
	case RoleParticipant, RoleAdmin:
		return true
	default:
		return false
	}
}

// User is a registered person, independent of any case. The same user may be
// complainant on one dispute and respondent on another; the per-case role
// lives on the party row, not here. No JSON tags so presentation layers
// choose their own shape.
type User struct {
	ID           string
	Email        string
	FullName     string
	PasswordHash string
	Role         Role
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RegisterRequest contains user registration data supplied by callers.
type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
	Role     Role   `json:"role"`
}

// LoginRequest contains user login credentials.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}
