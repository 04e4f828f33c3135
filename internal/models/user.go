package models

import "time"

type User struct {
	ID            string
	Email         string
	PasswordHash  []byte
	DisplayName   string
	EmailVerified bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// UserDevice is one login session channel: a client-identified device and
// the single refresh token currently bound to it. Only the SHA-256 hash of
// the refresh token is stored.
type UserDevice struct {
	ID               string
	UserID           string
	DeviceID         string
	DeviceName       string
	RefreshTokenHash []byte
	RefreshExpiresAt time.Time
	RefreshUseCount  int
	CreatedAt        time.Time
	LastSeenAt       time.Time
}
