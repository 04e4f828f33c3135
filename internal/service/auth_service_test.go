package service

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"accountd/internal/config"
	"accountd/internal/models"
	"accountd/internal/repository"
	"accountd/internal/security"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type memUserStore struct {
	mu    sync.Mutex
	users map[string]models.User
}

func newMemUserStore() *memUserStore {
	return &memUserStore{users: make(map[string]models.User)}
}

func (s *memUserStore) Create(_ context.Context, user models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Email == user.Email {
			return repository.ErrEmailExists
		}
	}
	s.users[user.ID] = user
	return nil
}

func (s *memUserStore) ExistsByEmail(_ context.Context, email string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Email == email {
			return true, nil
		}
	}
	return false, nil
}

func (s *memUserStore) FindByEmail(_ context.Context, email string) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Email == email {
			return u, nil
		}
	}
	return models.User{}, repository.ErrUserNotFound
}

func (s *memUserStore) GetByID(_ context.Context, id string) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[id]; ok {
		return u, nil
	}
	return models.User{}, repository.ErrUserNotFound
}

func (s *memUserStore) UpdatePassword(_ context.Context, id string, passwordHash []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return repository.ErrUserNotFound
	}
	u.PasswordHash = passwordHash
	s.users[id] = u
	return nil
}

func (s *memUserStore) setVerified(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[id]; ok {
		u.EmailVerified = true
		s.users[id] = u
	}
}

type memDeviceStore struct {
	mu      sync.Mutex
	devices map[string]models.UserDevice
}

func newMemDeviceStore() *memDeviceStore {
	return &memDeviceStore{devices: make(map[string]models.UserDevice)}
}

func (s *memDeviceStore) Upsert(_ context.Context, device models.UserDevice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, d := range s.devices {
		if d.UserID == device.UserID && d.DeviceID == device.DeviceID {
			delete(s.devices, id)
		}
	}
	s.devices[device.ID] = device
	return nil
}

func (s *memDeviceStore) ListByUser(_ context.Context, userID string) ([]models.UserDevice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.UserDevice
	for _, d := range s.devices {
		if d.UserID == userID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *memDeviceStore) FindByRefreshHash(_ context.Context, refreshHash []byte) (models.UserDevice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.devices {
		if bytes.Equal(d.RefreshTokenHash, refreshHash) {
			return d, nil
		}
	}
	return models.UserDevice{}, repository.ErrRefreshTokenNotFound
}

func (s *memDeviceStore) IncrementUseCount(_ context.Context, deviceID string, maxUses int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[deviceID]
	if !ok {
		return 0, repository.ErrDeviceNotFound
	}
	if d.RefreshUseCount >= maxUses {
		return 0, repository.ErrRefreshLimitExceeded
	}
	d.RefreshUseCount++
	s.devices[deviceID] = d
	return d.RefreshUseCount, nil
}

func (s *memDeviceStore) DeleteByDevice(_ context.Context, userID string, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, d := range s.devices {
		if d.UserID == userID && d.DeviceID == deviceID {
			delete(s.devices, id)
		}
	}
	return nil
}

type memVerificationStore struct {
	mu     sync.Mutex
	tokens map[string]models.EmailVerificationToken
	users  *memUserStore
}

func newMemVerificationStore(users *memUserStore) *memVerificationStore {
	return &memVerificationStore{
		tokens: make(map[string]models.EmailVerificationToken),
		users:  users,
	}
}

func (s *memVerificationStore) Create(_ context.Context, token models.EmailVerificationToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.tokens {
		if t.UserID == token.UserID && t.Status == models.TokenStatusPending {
			t.Token = token.Token
			t.ExpiresAt = token.ExpiresAt
			s.tokens[id] = t
			return nil
		}
	}
	s.tokens[token.ID] = token
	return nil
}

func (s *memVerificationStore) FindByToken(_ context.Context, value string) (models.EmailVerificationToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tokens {
		if t.Token == value {
			return t, nil
		}
	}
	return models.EmailVerificationToken{}, repository.ErrTokenNotFound
}

func (s *memVerificationStore) Refresh(_ context.Context, id string, value string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[id]
	if !ok || t.Status != models.TokenStatusPending {
		return repository.ErrTokenNotFound
	}
	t.Token = value
	t.ExpiresAt = expiresAt
	s.tokens[id] = t
	return nil
}

func (s *memVerificationStore) ConfirmAndMarkVerified(_ context.Context, tokenID string, userID string) error {
	s.mu.Lock()
	if t, ok := s.tokens[tokenID]; ok && t.Status == models.TokenStatusPending {
		t.Status = models.TokenStatusConfirmed
		s.tokens[tokenID] = t
	}
	s.mu.Unlock()
	s.users.setVerified(userID)
	return nil
}

type memResetStore struct {
	mu     sync.Mutex
	tokens map[string]models.PasswordResetToken
}

func newMemResetStore() *memResetStore {
	return &memResetStore{tokens: make(map[string]models.PasswordResetToken)}
}

func (s *memResetStore) Create(_ context.Context, token models.PasswordResetToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[token.ID] = token
	return nil
}

func (s *memResetStore) FindByToken(_ context.Context, value string) (models.PasswordResetToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tokens {
		if t.Token == value {
			return t, nil
		}
	}
	return models.PasswordResetToken{}, repository.ErrTokenNotFound
}

func (s *memResetStore) MarkUsed(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[id]
	if !ok || t.Used {
		return repository.ErrTokenUsed
	}
	t.Used = true
	s.tokens[id] = t
	return nil
}

type testEnv struct {
	svc           *AuthService
	users         *memUserStore
	devices       *memDeviceStore
	verifications *memVerificationStore
	resets        *memResetStore
	clock         *fakeClock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	cfg := &config.AppConfig{
		Security: config.SecurityConfig{
			JWTAccessSecret: "test-secret",
			JWTAccessTTL:    15 * time.Minute,
			RefreshTTL:      720 * time.Hour,
			RefreshMaxUses:  5,
			VerificationTTL: 24 * time.Hour,
			ResetTTL:        time.Hour,
		},
	}

	users := newMemUserStore()
	devices := newMemDeviceStore()
	verifications := newMemVerificationStore(users)
	resets := newMemResetStore()
	clock := &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}

	svc := NewAuthService(users, devices, verifications, resets, cfg, zerolog.Nop()).
		WithClock(clock.Now)

	return &testEnv{
		svc:           svc,
		users:         users,
		devices:       devices,
		verifications: verifications,
		resets:        resets,
		clock:         clock,
	}
}

func (e *testEnv) register(t *testing.T, email, password string) models.User {
	t.Helper()
	user, err := e.svc.Register(context.Background(), RegisterInput{
		Email:       email,
		Password:    password,
		DisplayName: "Test User",
	})
	require.NoError(t, err)
	return user
}

func TestRegister_DuplicateEmail(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.register(t, "alice@example.com", "password123")

	_, err := env.svc.Register(ctx, RegisterInput{
		Email:       "Alice@Example.com",
		Password:    "otherpassword",
		DisplayName: "Imposter",
	})
	require.ErrorIs(t, err, ErrEmailExists)
	require.Len(t, env.users.users, 1)
}

func TestAuthenticate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	user := env.register(t, "alice@example.com", "password123")

	got, err := env.svc.Authenticate(ctx, "alice@example.com", "password123")
	require.NoError(t, err)
	require.Equal(t, user.ID, got.ID)

	_, err = env.svc.Authenticate(ctx, "alice@example.com", "wrongpassword")
	require.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = env.svc.Authenticate(ctx, "nobody@example.com", "password123")
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestConfirmEmail_Idempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	user := env.register(t, "alice@example.com", "password123")
	token, err := env.svc.IssueVerificationToken(ctx, user.ID)
	require.NoError(t, err)

	confirmed, err := env.svc.ConfirmEmail(ctx, token.Token)
	require.NoError(t, err)
	require.True(t, confirmed.EmailVerified)

	stored, err := env.verifications.FindByToken(ctx, token.Token)
	require.NoError(t, err)
	require.Equal(t, models.TokenStatusConfirmed, stored.Status)

	// Second confirm short-circuits without touching anything.
	again, err := env.svc.ConfirmEmail(ctx, token.Token)
	require.NoError(t, err)
	require.True(t, again.EmailVerified)
}

func TestConfirmEmail_Expired(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	user := env.register(t, "alice@example.com", "password123")
	token, err := env.svc.IssueVerificationToken(ctx, user.ID)
	require.NoError(t, err)

	env.clock.Advance(25 * time.Hour)

	_, err = env.svc.ConfirmEmail(ctx, token.Token)
	require.ErrorIs(t, err, ErrTokenExpired)

	stored, err := env.users.GetByID(ctx, user.ID)
	require.NoError(t, err)
	require.False(t, stored.EmailVerified)
}

func TestConfirmEmail_NotFound(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.ConfirmEmail(context.Background(), "no-such-token")
	require.ErrorIs(t, err, ErrTokenNotFound)
}

func TestRecreateVerificationToken(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	user := env.register(t, "alice@example.com", "password123")
	token, err := env.svc.IssueVerificationToken(ctx, user.ID)
	require.NoError(t, err)

	env.clock.Advance(time.Hour)

	recreated, err := env.svc.RecreateVerificationToken(ctx, token.Token)
	require.NoError(t, err)
	require.NotNil(t, recreated)
	require.Equal(t, token.ID, recreated.ID)
	require.NotEqual(t, token.Token, recreated.Token)
	require.True(t, recreated.ExpiresAt.After(token.ExpiresAt))
}

func TestRecreateVerificationToken_AlreadyConfirmed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	user := env.register(t, "alice@example.com", "password123")
	token, err := env.svc.IssueVerificationToken(ctx, user.ID)
	require.NoError(t, err)

	_, err = env.svc.ConfirmEmail(ctx, token.Token)
	require.NoError(t, err)

	recreated, err := env.svc.RecreateVerificationToken(ctx, token.Token)
	require.NoError(t, err)
	require.Nil(t, recreated)

	// The confirmed token is untouched.
	stored, err := env.verifications.FindByToken(ctx, token.Token)
	require.NoError(t, err)
	require.Equal(t, models.TokenStatusConfirmed, stored.Status)
	require.Equal(t, token.Token, stored.Token)
}

func TestRecreateVerificationToken_NotFound(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.RecreateVerificationToken(context.Background(), "no-such-token")
	require.ErrorIs(t, err, ErrTokenNotFound)
}

func TestIssueVerificationToken_ReplacesPending(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	user := env.register(t, "alice@example.com", "password123")

	first, err := env.svc.IssueVerificationToken(ctx, user.ID)
	require.NoError(t, err)
	second, err := env.svc.IssueVerificationToken(ctx, user.ID)
	require.NoError(t, err)

	// One pending token per user: the first value no longer resolves.
	_, err = env.verifications.FindByToken(ctx, first.Token)
	require.ErrorIs(t, err, repository.ErrTokenNotFound)
	_, err = env.verifications.FindByToken(ctx, second.Token)
	require.NoError(t, err)
	require.Len(t, env.verifications.tokens, 1)
}

func TestLogin_SameDeviceTakeover(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	user := env.register(t, "alice@example.com", "password123")

	first, err := env.svc.Login(ctx, LoginInput{
		Email: "alice@example.com", Password: "password123", DeviceID: "D1",
	})
	require.NoError(t, err)

	second, err := env.svc.Login(ctx, LoginInput{
		Email: "alice@example.com", Password: "password123", DeviceID: "D1",
	})
	require.NoError(t, err)

	devices, err := env.svc.ListDevices(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, devices, 1)

	// The superseded token no longer refreshes; the live one does.
	_, err = env.svc.RefreshAccessToken(ctx, first.RefreshToken)
	require.ErrorIs(t, err, ErrTokenNotFound)

	_, err = env.svc.RefreshAccessToken(ctx, second.RefreshToken)
	require.NoError(t, err)
}

func TestLogin_MultipleDevices(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	user := env.register(t, "alice@example.com", "password123")

	d1, err := env.svc.Login(ctx, LoginInput{
		Email: "alice@example.com", Password: "password123", DeviceID: "D1",
	})
	require.NoError(t, err)

	d2, err := env.svc.Login(ctx, LoginInput{
		Email: "alice@example.com", Password: "password123", DeviceID: "D2",
	})
	require.NoError(t, err)

	devices, err := env.svc.ListDevices(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, devices, 2)

	// A login on D2 leaves D1's session alone.
	_, err = env.svc.RefreshAccessToken(ctx, d1.RefreshToken)
	require.NoError(t, err)
	_, err = env.svc.RefreshAccessToken(ctx, d2.RefreshToken)
	require.NoError(t, err)
}

func TestRefreshAccessToken_CountAndExpiry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.register(t, "alice@example.com", "password123")
	result, err := env.svc.Login(ctx, LoginInput{
		Email: "alice@example.com", Password: "password123", DeviceID: "D1",
	})
	require.NoError(t, err)

	_, err = env.svc.RefreshAccessToken(ctx, result.RefreshToken)
	require.NoError(t, err)

	device, err := env.devices.FindByRefreshHash(ctx, security.HashToken(result.RefreshToken))
	require.NoError(t, err)
	require.Equal(t, 1, device.RefreshUseCount)

	// Past expiry the exchange fails and the count stays put.
	env.clock.Advance(721 * time.Hour)
	_, err = env.svc.RefreshAccessToken(ctx, result.RefreshToken)
	require.ErrorIs(t, err, ErrTokenExpired)

	device, err = env.devices.FindByRefreshHash(ctx, security.HashToken(result.RefreshToken))
	require.NoError(t, err)
	require.Equal(t, 1, device.RefreshUseCount)
}

func TestRefreshAccessToken_LimitExceeded(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.register(t, "alice@example.com", "password123")
	result, err := env.svc.Login(ctx, LoginInput{
		Email: "alice@example.com", Password: "password123", DeviceID: "D1",
	})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err = env.svc.RefreshAccessToken(ctx, result.RefreshToken)
		require.NoError(t, err)
	}

	_, err = env.svc.RefreshAccessToken(ctx, result.RefreshToken)
	require.ErrorIs(t, err, ErrRefreshLimitExceeded)
}

func TestRefreshAccessToken_Unknown(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.RefreshAccessToken(context.Background(), "bogus")
	require.ErrorIs(t, err, ErrTokenNotFound)
}

func TestUpdatePassword(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	user := env.register(t, "alice@example.com", "password123")
	before, _ := env.users.GetByID(ctx, user.ID)

	err := env.svc.UpdatePassword(ctx, UpdatePasswordInput{
		UserID:      user.ID,
		OldPassword: "wrongpassword",
		NewPassword: "newpassword456",
	})
	require.ErrorIs(t, err, ErrInvalidCredentials)

	after, _ := env.users.GetByID(ctx, user.ID)
	require.Equal(t, before.PasswordHash, after.PasswordHash)

	err = env.svc.UpdatePassword(ctx, UpdatePasswordInput{
		UserID:      user.ID,
		OldPassword: "password123",
		NewPassword: "newpassword456",
	})
	require.NoError(t, err)

	_, err = env.svc.Authenticate(ctx, "alice@example.com", "newpassword456")
	require.NoError(t, err)
	_, err = env.svc.Authenticate(ctx, "alice@example.com", "password123")
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestUpdatePassword_UnknownUser(t *testing.T) {
	env := newTestEnv(t)

	err := env.svc.UpdatePassword(context.Background(), UpdatePasswordInput{
		UserID:      "ghost",
		OldPassword: "x",
		NewPassword: "brandnewpass",
	})
	require.ErrorIs(t, err, ErrUserNotFound)
}

func TestGeneratePasswordResetToken(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.GeneratePasswordResetToken(ctx, "nobody@example.com")
	require.ErrorIs(t, err, ErrUserNotFound)

	user := env.register(t, "alice@example.com", "password123")

	first, err := env.svc.GeneratePasswordResetToken(ctx, "alice@example.com")
	require.NoError(t, err)
	require.Equal(t, user.ID, first.UserID)

	// Outstanding tokens stay valid when a new one is issued.
	second, err := env.svc.GeneratePasswordResetToken(ctx, "alice@example.com")
	require.NoError(t, err)
	require.NotEqual(t, first.Token, second.Token)

	_, err = env.resets.FindByToken(ctx, first.Token)
	require.NoError(t, err)
}

func TestResetPassword(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.register(t, "alice@example.com", "password123")
	token, err := env.svc.GeneratePasswordResetToken(ctx, "alice@example.com")
	require.NoError(t, err)

	user, err := env.svc.ResetPassword(ctx, token.Token, "resetpassword789")
	require.NoError(t, err)
	require.Equal(t, "alice@example.com", user.Email)

	_, err = env.svc.Authenticate(ctx, "alice@example.com", "resetpassword789")
	require.NoError(t, err)
	_, err = env.svc.Authenticate(ctx, "alice@example.com", "password123")
	require.ErrorIs(t, err, ErrInvalidCredentials)

	// Single use.
	_, err = env.svc.ResetPassword(ctx, token.Token, "anotherpassword")
	require.ErrorIs(t, err, ErrTokenUsed)
}

func TestResetPassword_Expired(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.register(t, "alice@example.com", "password123")
	token, err := env.svc.GeneratePasswordResetToken(ctx, "alice@example.com")
	require.NoError(t, err)

	env.clock.Advance(2 * time.Hour)

	_, err = env.svc.ResetPassword(ctx, token.Token, "resetpassword789")
	require.ErrorIs(t, err, ErrTokenExpired)

	_, err = env.svc.Authenticate(ctx, "alice@example.com", "password123")
	require.NoError(t, err)
}

func TestResetPassword_NotFound(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.ResetPassword(context.Background(), "bogus", "resetpassword789")
	require.ErrorIs(t, err, ErrTokenNotFound)
}

func TestLogout(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	user := env.register(t, "alice@example.com", "password123")
	result, err := env.svc.Login(ctx, LoginInput{
		Email: "alice@example.com", Password: "password123", DeviceID: "D1",
	})
	require.NoError(t, err)

	require.NoError(t, env.svc.Logout(ctx, user.ID, "D1"))

	_, err = env.svc.RefreshAccessToken(ctx, result.RefreshToken)
	require.ErrorIs(t, err, ErrTokenNotFound)
}
