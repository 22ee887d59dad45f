package utils

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cncvn/api/models"
)

func TestTokenIssuer(t *testing.T) {
	user := &models.User{ID: 3, Email: "admin@cncvn.vn", Role: models.RoleAdmin}

	t.Run("round trip", func(t *testing.T) {
		issuer, err := NewTokenIssuer("secret", time.Hour)
		require.NoError(t, err)

		token, err := issuer.GenerateJWT(user)
		require.NoError(t, err)

		claims, err := issuer.ValidateJWT(token)
		require.NoError(t, err)
		assert.Equal(t, 3, claims.UserID)
		assert.Equal(t, "admin@cncvn.vn", claims.Email)
		assert.Equal(t, models.RoleAdmin, claims.Role)
	})

	t.Run("expired token", func(t *testing.T) {
		issuer, err := NewTokenIssuer("secret", time.Hour)
		require.NoError(t, err)
		start := time.Now()
		issuer.now = func() time.Time { return start }

		token, err := issuer.GenerateJWT(user)
		require.NoError(t, err)

		issuer.now = func() time.Time { return start.Add(2 * time.Hour) }
		_, err = issuer.ValidateJWT(token)
		assert.ErrorIs(t, err, jwt.ErrTokenExpired)
	})

	t.Run("wrong secret", func(t *testing.T) {
		a, _ := NewTokenIssuer("secret-a", time.Hour)
		b, _ := NewTokenIssuer("secret-b", time.Hour)

		token, err := a.GenerateJWT(user)
		require.NoError(t, err)
		_, err = b.ValidateJWT(token)
		assert.ErrorIs(t, err, jwt.ErrTokenSignatureInvalid)
	})

	t.Run("secret required", func(t *testing.T) {
		_, err := NewTokenIssuer("", time.Hour)
		assert.Error(t, err)
	})
}

func TestIsValidInterval(t *testing.T) {
	assert.True(t, IsValidInterval("Day"))
	assert.False(t, IsValidInterval("day"))
	assert.False(t, IsValidInterval("Day(timestamp)); DROP TABLE page_views; --"))
}
