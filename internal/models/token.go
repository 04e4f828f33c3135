package models

import "time"

type TokenStatus string

const (
	TokenStatusPending   TokenStatus = "pending"
	TokenStatusConfirmed TokenStatus = "confirmed"
)

// EmailVerificationToken is single-use: pending until confirmed, confirmed
// is terminal. A user has at most one pending token; re-issuing replaces it.
type EmailVerificationToken struct {
	ID        string
	UserID    string
	Token     string
	Status    TokenStatus
	ExpiresAt time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PasswordResetToken has no status column; validity is time-based plus a
// used flag set when the reset completes.
type PasswordResetToken struct {
	ID        string
	UserID    string
	Token     string
	Used      bool
	ExpiresAt time.Time
	CreatedAt time.Time
}
