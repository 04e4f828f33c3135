package security

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccessTokenRoundTrip(t *testing.T) {
	issued := time.Now()
	token, err := GenerateAccessToken("secret", "user-1", issued, 15*time.Minute)
	require.NoError(t, err)

	claims, err := ParseAccessToken(token, "secret")
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, "user-1", claims.Subject)
}

func TestParseAccessToken_WrongSecret(t *testing.T) {
	token, err := GenerateAccessToken("secret", "user-1", time.Now(), 15*time.Minute)
	require.NoError(t, err)

	_, err = ParseAccessToken(token, "other-secret")
	assert.Error(t, err)
}

func TestParseAccessToken_Expired(t *testing.T) {
	issued := time.Now().Add(-time.Hour)
	token, err := GenerateAccessToken("secret", "user-1", issued, 15*time.Minute)
	require.NoError(t, err)

	_, err = ParseAccessToken(token, "secret")
	assert.Error(t, err)
}

func TestGenerateOpaqueToken(t *testing.T) {
	first, firstHash, err := GenerateOpaqueToken(32)
	require.NoError(t, err)
	second, _, err := GenerateOpaqueToken(32)
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.Equal(t, firstHash, HashToken(first))
	assert.NotEqual(t, HashToken(first), HashToken(second))
}
