package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"accountd/internal/config"
	"accountd/internal/ids"
	"accountd/internal/models"
	"accountd/internal/repository"
	"accountd/internal/security"
)

var (
	ErrEmailExists          = errors.New("email already registered")
	ErrUserNotFound         = errors.New("user not found")
	ErrTokenNotFound        = errors.New("token not found")
	ErrTokenExpired         = errors.New("token expired")
	ErrTokenUsed            = errors.New("token already used")
	ErrInvalidCredentials   = errors.New("invalid credentials")
	ErrRefreshLimitExceeded = errors.New("refresh token use limit exceeded")
)

type UserStore interface {
	Create(ctx context.Context, user models.User) error
	ExistsByEmail(ctx context.Context, email string) (bool, error)
	FindByEmail(ctx context.Context, email string) (models.User, error)
	GetByID(ctx context.Context, id string) (models.User, error)
	UpdatePassword(ctx context.Context, id string, passwordHash []byte) error
}

type DeviceStore interface {
	Upsert(ctx context.Context, device models.UserDevice) error
	ListByUser(ctx context.Context, userID string) ([]models.UserDevice, error)
	FindByRefreshHash(ctx context.Context, refreshHash []byte) (models.UserDevice, error)
	IncrementUseCount(ctx context.Context, deviceID string, maxUses int) (int, error)
	DeleteByDevice(ctx context.Context, userID string, deviceID string) error
}

type VerificationStore interface {
	Create(ctx context.Context, token models.EmailVerificationToken) error
	FindByToken(ctx context.Context, value string) (models.EmailVerificationToken, error)
	Refresh(ctx context.Context, id string, value string, expiresAt time.Time) error
	ConfirmAndMarkVerified(ctx context.Context, tokenID string, userID string) error
}

type ResetStore interface {
	Create(ctx context.Context, token models.PasswordResetToken) error
	FindByToken(ctx context.Context, value string) (models.PasswordResetToken, error)
	MarkUsed(ctx context.Context, id string) error
}

// AuthService orchestrates the account workflows. It holds no state of its
// own; everything lives behind the stores, and time comes from the injected
// clock so expiry logic is testable.
type AuthService struct {
	users         UserStore
	devices       DeviceStore
	verifications VerificationStore
	resets        ResetStore
	cfg           *config.AppConfig
	log           zerolog.Logger
	now           func() time.Time
}

func NewAuthService(
	users UserStore,
	devices DeviceStore,
	verifications VerificationStore,
	resets ResetStore,
	cfg *config.AppConfig,
	log zerolog.Logger,
) *AuthService {
	return &AuthService{
		users:         users,
		devices:       devices,
		verifications: verifications,
		resets:        resets,
		cfg:           cfg,
		log:           log,
		now:           time.Now,
	}
}

// WithClock overrides the service clock.
func (s *AuthService) WithClock(now func() time.Time) *AuthService {
	s.now = now
	return s
}

type RegisterInput struct {
	Email       string
	Password    string
	DisplayName string
}

// Register creates an unverified user. Verification token issuance is a
// separate caller action, see IssueVerificationToken.
func (s *AuthService) Register(ctx context.Context, input RegisterInput) (models.User, error) {
	input.Email = strings.TrimSpace(strings.ToLower(input.Email))

	exists, err := s.users.ExistsByEmail(ctx, input.Email)
	if err != nil {
		return models.User{}, fmt.Errorf("check email: %w", err)
	}
	if exists {
		return models.User{}, ErrEmailExists
	}

	passwordHash, err := security.HashPassword(input.Password)
	if err != nil {
		return models.User{}, err
	}

	user := models.User{
		ID:           ids.New(),
		Email:        input.Email,
		PasswordHash: passwordHash,
		DisplayName:  input.DisplayName,
	}

	if err := s.users.Create(ctx, user); err != nil {
		// The unique constraint closes the window between the exists check
		// and the insert.
		if errors.Is(err, repository.ErrEmailExists) {
			return models.User{}, ErrEmailExists
		}
		return models.User{}, err
	}

	s.log.Info().Str("user_id", user.ID).Msg("user registered")
	return user, nil
}

// Authenticate verifies credentials and returns the matching user.
func (s *AuthService) Authenticate(ctx context.Context, email, password string) (models.User, error) {
	email = strings.TrimSpace(strings.ToLower(email))

	user, err := s.users.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return models.User{}, ErrInvalidCredentials
		}
		return models.User{}, err
	}

	ok, err := security.VerifyPassword(password, user.PasswordHash)
	if err != nil || !ok {
		return models.User{}, ErrInvalidCredentials
	}
	return user, nil
}

// IssueVerificationToken creates (or replaces) the user's pending email
// verification token and returns it with the raw value set.
func (s *AuthService) IssueVerificationToken(ctx context.Context, userID string) (models.EmailVerificationToken, error) {
	value, _, err := security.GenerateOpaqueToken(32)
	if err != nil {
		return models.EmailVerificationToken{}, err
	}

	token := models.EmailVerificationToken{
		ID:        ids.New(),
		UserID:    userID,
		Token:     value,
		Status:    models.TokenStatusPending,
		ExpiresAt: s.now().Add(s.cfg.Security.VerificationTTL),
	}
	if err := s.verifications.Create(ctx, token); err != nil {
		return models.EmailVerificationToken{}, err
	}
	return token, nil
}

// ConfirmEmail consumes a verification token. Confirming an already
// verified user is a no-op success; the token transition and the user flag
// are committed together by the store.
func (s *AuthService) ConfirmEmail(ctx context.Context, tokenValue string) (models.User, error) {
	token, err := s.verifications.FindByToken(ctx, tokenValue)
	if err != nil {
		if errors.Is(err, repository.ErrTokenNotFound) {
			return models.User{}, ErrTokenNotFound
		}
		return models.User{}, err
	}

	user, err := s.users.GetByID(ctx, token.UserID)
	if err != nil {
		return models.User{}, err
	}
	if user.EmailVerified {
		return user, nil
	}

	if !s.now().Before(token.ExpiresAt) {
		return models.User{}, ErrTokenExpired
	}

	if err := s.verifications.ConfirmAndMarkVerified(ctx, token.ID, user.ID); err != nil {
		return models.User{}, fmt.Errorf("confirm verification token: %w", err)
	}

	user.EmailVerified = true
	s.log.Info().Str("user_id", user.ID).Msg("email confirmed")
	return user, nil
}

// RecreateVerificationToken regenerates an outstanding token's value and
// expiry in place. A nil token with nil error means there is nothing to do:
// the user is already verified.
func (s *AuthService) RecreateVerificationToken(ctx context.Context, existingValue string) (*models.EmailVerificationToken, error) {
	token, err := s.verifications.FindByToken(ctx, existingValue)
	if err != nil {
		if errors.Is(err, repository.ErrTokenNotFound) {
			return nil, ErrTokenNotFound
		}
		return nil, err
	}

	user, err := s.users.GetByID(ctx, token.UserID)
	if err != nil {
		return nil, err
	}
	if user.EmailVerified || token.Status == models.TokenStatusConfirmed {
		return nil, nil
	}

	value, _, err := security.GenerateOpaqueToken(32)
	if err != nil {
		return nil, err
	}
	expiresAt := s.now().Add(s.cfg.Security.VerificationTTL)

	if err := s.verifications.Refresh(ctx, token.ID, value, expiresAt); err != nil {
		if errors.Is(err, repository.ErrTokenNotFound) {
			// Confirmed concurrently since the lookup.
			return nil, nil
		}
		return nil, err
	}

	token.Token = value
	token.ExpiresAt = expiresAt
	return &token, nil
}

type UpdatePasswordInput struct {
	UserID      string
	OldPassword string
	NewPassword string
}

// UpdatePassword changes the password of an authenticated user after
// re-checking the old one.
func (s *AuthService) UpdatePassword(ctx context.Context, input UpdatePasswordInput) error {
	user, err := s.users.GetByID(ctx, input.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return ErrUserNotFound
		}
		return err
	}

	ok, err := security.VerifyPassword(input.OldPassword, user.PasswordHash)
	if err != nil || !ok {
		return ErrInvalidCredentials
	}

	newHash, err := security.HashPassword(input.NewPassword)
	if err != nil {
		return err
	}
	return s.users.UpdatePassword(ctx, user.ID, newHash)
}

type LoginInput struct {
	Email      string
	Password   string
	DeviceID   string
	DeviceName string
}

type AuthResult struct {
	AccessToken  string
	RefreshToken string
	DeviceID     string
	User         models.User
}

// Login authenticates and binds a fresh refresh token to the device. A
// re-login from the same device takes over that device's session; the
// previous refresh token stops working. Other devices are untouched.
func (s *AuthService) Login(ctx context.Context, input LoginInput) (AuthResult, error) {
	user, err := s.Authenticate(ctx, input.Email, input.Password)
	if err != nil {
		return AuthResult{}, err
	}

	deviceID := input.DeviceID
	if deviceID == "" {
		deviceID = ids.New()
	}
	deviceName := input.DeviceName
	if deviceName == "" {
		deviceName = "Unknown Device"
	}

	refreshToken, refreshHash, err := security.GenerateOpaqueToken(64)
	if err != nil {
		return AuthResult{}, err
	}

	device := models.UserDevice{
		ID:               ids.New(),
		UserID:           user.ID,
		DeviceID:         deviceID,
		DeviceName:       deviceName,
		RefreshTokenHash: refreshHash,
		RefreshExpiresAt: s.now().Add(s.cfg.Security.RefreshTTL),
	}
	if err := s.devices.Upsert(ctx, device); err != nil {
		return AuthResult{}, fmt.Errorf("persist device session: %w", err)
	}

	accessToken, err := security.GenerateAccessToken(
		s.cfg.Security.JWTAccessSecret, user.ID, s.now(), s.cfg.Security.JWTAccessTTL)
	if err != nil {
		return AuthResult{}, err
	}

	s.log.Info().Str("user_id", user.ID).Str("device_id", deviceID).Msg("login")
	return AuthResult{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		DeviceID:     deviceID,
		User:         user,
	}, nil
}

// RefreshAccessToken exchanges a refresh token for a new access token.
// Each check gates the next: expiry, then use-count availability combined
// with the increment, then issuance. A failed step leaves the count alone.
func (s *AuthService) RefreshAccessToken(ctx context.Context, refreshToken string) (string, error) {
	device, err := s.devices.FindByRefreshHash(ctx, security.HashToken(refreshToken))
	if err != nil {
		if errors.Is(err, repository.ErrRefreshTokenNotFound) {
			return "", ErrTokenNotFound
		}
		return "", err
	}

	if !s.now().Before(device.RefreshExpiresAt) {
		return "", ErrTokenExpired
	}

	if _, err := s.devices.IncrementUseCount(ctx, device.ID, s.cfg.Security.RefreshMaxUses); err != nil {
		switch {
		case errors.Is(err, repository.ErrRefreshLimitExceeded):
			return "", ErrRefreshLimitExceeded
		case errors.Is(err, repository.ErrDeviceNotFound):
			// Session superseded between lookup and increment.
			return "", ErrTokenNotFound
		default:
			return "", err
		}
	}

	return security.GenerateAccessToken(
		s.cfg.Security.JWTAccessSecret, device.UserID, s.now(), s.cfg.Security.JWTAccessTTL)
}

// GeneratePasswordResetToken issues a reset token for the user owning the
// email. Earlier outstanding reset tokens stay valid until they expire or
// get used.
func (s *AuthService) GeneratePasswordResetToken(ctx context.Context, email string) (models.PasswordResetToken, error) {
	email = strings.TrimSpace(strings.ToLower(email))

	user, err := s.users.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return models.PasswordResetToken{}, ErrUserNotFound
		}
		return models.PasswordResetToken{}, err
	}

	value, _, err := security.GenerateOpaqueToken(32)
	if err != nil {
		return models.PasswordResetToken{}, err
	}

	token := models.PasswordResetToken{
		ID:        ids.New(),
		UserID:    user.ID,
		Token:     value,
		ExpiresAt: s.now().Add(s.cfg.Security.ResetTTL),
	}
	if err := s.resets.Create(ctx, token); err != nil {
		return models.PasswordResetToken{}, err
	}

	s.log.Info().Str("user_id", user.ID).Msg("password reset token issued")
	return token, nil
}

// ResetPassword consumes a reset token and installs the new password on the
// owning user. The token is marked used before the password write so two
// concurrent resets with the same token cannot both apply.
func (s *AuthService) ResetPassword(ctx context.Context, tokenValue string, newPassword string) (models.User, error) {
	token, err := s.resets.FindByToken(ctx, tokenValue)
	if err != nil {
		if errors.Is(err, repository.ErrTokenNotFound) {
			return models.User{}, ErrTokenNotFound
		}
		return models.User{}, err
	}
	if token.Used {
		return models.User{}, ErrTokenUsed
	}

	if !s.now().Before(token.ExpiresAt) {
		return models.User{}, ErrTokenExpired
	}

	newHash, err := security.HashPassword(newPassword)
	if err != nil {
		return models.User{}, err
	}

	if err := s.resets.MarkUsed(ctx, token.ID); err != nil {
		if errors.Is(err, repository.ErrTokenUsed) {
			return models.User{}, ErrTokenUsed
		}
		return models.User{}, err
	}

	if err := s.users.UpdatePassword(ctx, token.UserID, newHash); err != nil {
		return models.User{}, err
	}

	user, err := s.users.GetByID(ctx, token.UserID)
	if err != nil {
		return models.User{}, err
	}

	s.log.Info().Str("user_id", user.ID).Msg("password reset")
	return user, nil
}

// ListDevices returns the user's active device sessions.
func (s *AuthService) ListDevices(ctx context.Context, userID string) ([]models.UserDevice, error) {
	return s.devices.ListByUser(ctx, userID)
}

// Logout drops the device's session; its refresh token stops working.
func (s *AuthService) Logout(ctx context.Context, userID string, deviceID string) error {
	return s.devices.DeleteByDevice(ctx, userID, deviceID)
}
