package cmd

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"cncvn/api/models"
	"cncvn/api/store"
)

type userCreatorFunc func(ctx context.Context, email string, hash []byte, role string) (*models.User, error)

func (f userCreatorFunc) CreateUser(ctx context.Context, email string, hash []byte, role string) (*models.User, error) {
	return f(ctx, email, hash, role)
}

func TestCreateAccount(t *testing.T) {
	t.Run("hashes the password", func(t *testing.T) {
		var stored []byte
		users := userCreatorFunc(func(_ context.Context, email string, hash []byte, role string) (*models.User, error) {
			stored = hash
			return &models.User{ID: 1, Email: email, Role: role}, nil
		})

		user, err := createAccount(context.Background(), users, "admin@cncvn.vn", "correct horse", models.RoleAdmin)
		require.NoError(t, err)
		assert.Equal(t, models.RoleAdmin, user.Role)
		assert.NoError(t, bcrypt.CompareHashAndPassword(stored, []byte("correct horse")))
	})

	t.Run("existing account", func(t *testing.T) {
		users := userCreatorFunc(func(context.Context, string, []byte, string) (*models.User, error) {
			return nil, fmt.Errorf("%w: admin@cncvn.vn", store.ErrUserExists)
		})
		_, err := createAccount(context.Background(), users, "admin@cncvn.vn", "correct horse", models.RoleAdmin)
		assert.ErrorContains(t, err, "already exists")
	})

	invalid := []struct {
		name, email, password, role string
	}{
		{name: "missing email", password: "correct horse", role: models.RoleAdmin},
		{name: "short password", email: "a@cncvn.vn", password: "short", role: models.RoleAdmin},
		{name: "unknown role", email: "a@cncvn.vn", password: "correct horse", role: "owner"},
	}
	for _, tt := range invalid {
		t.Run(tt.name, func(t *testing.T) {
			users := userCreatorFunc(func(context.Context, string, []byte, string) (*models.User, error) {
				t.Fatal("CreateUser should not be called")
				return nil, nil
			})
			_, err := createAccount(context.Background(), users, tt.email, tt.password, tt.role)
			assert.Error(t, err)
		})
	}
}
