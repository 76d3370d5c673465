package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndValidate(t *testing.T) {
	svc := New("secret")

	token, err := svc.GenerateToken("user-1")
	require.NoError(t, err)

	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)
	require.Equal(t, "user-1", claims.UserID)
	require.WithinDuration(t, time.Now().Add(24*time.Hour), claims.ExpiresAt.Time, time.Minute)
}

func TestValidateRejectsOtherSecret(t *testing.T) {
	token, err := New("one").GenerateToken("user-1")
	require.NoError(t, err)

	_, err = New("two").ValidateToken(token)
	require.Error(t, err)
}

func TestValidateRejectsExpired(t *testing.T) {
	svc := New("secret")
	claims := Claims{
		UserID: "user-1",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	require.NoError(t, err)

	_, err = svc.ValidateToken(token)
	require.ErrorIs(t, err, jwt.ErrTokenExpired)
}

func TestGenerateRequiresUser(t *testing.T) {
	_, err := New("secret").GenerateToken("  ")
	require.Error(t, err)
}

func TestCustomTTL(t *testing.T) {
	svc := NewWithTokenTTL("secret", 0)
	require.Equal(t, 24*time.Hour, svc.TokenTTL())

	token, err := svc.GenerateTokenWithTTL("u", time.Hour)
	require.NoError(t, err)
	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)
	require.WithinDuration(t, time.Now().Add(time.Hour), claims.ExpiresAt.Time, time.Minute)
}
