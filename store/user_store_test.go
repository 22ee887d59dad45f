package store

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cncvn/api/models"
)

func newMockUserStore(t *testing.T) (*UserStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewUserStore(db), mock
}

func TestUserStore_CreateUser(t *testing.T) {
	insert := regexp.QuoteMeta("INSERT INTO users (email, hashed_password, role)")

	t.Run("success", func(t *testing.T) {
		s, mock := newMockUserStore(t)
		now := time.Now()
		mock.ExpectQuery(insert).
			WithArgs("admin@cncvn.vn", []byte("hash"), models.RoleAdmin).
			WillReturnRows(sqlmock.NewRows([]string{"id", "email", "role", "created_at", "updated_at"}).
				AddRow(1, "admin@cncvn.vn", models.RoleAdmin, now, now))

		user, err := s.CreateUser(context.Background(), "admin@cncvn.vn", []byte("hash"), models.RoleAdmin)
		require.NoError(t, err)
		assert.Equal(t, 1, user.ID)
		assert.Equal(t, models.RoleAdmin, user.Role)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("duplicate email", func(t *testing.T) {
		s, mock := newMockUserStore(t)
		mock.ExpectQuery(insert).WillReturnError(&pq.Error{Code: "23505", Constraint: "idx_users_email"})

		_, err := s.CreateUser(context.Background(), "admin@cncvn.vn", []byte("hash"), models.RoleAdmin)
		assert.ErrorIs(t, err, ErrUserExists)
	})

	t.Run("other database error", func(t *testing.T) {
		s, mock := newMockUserStore(t)
		mock.ExpectQuery(insert).WillReturnError(errors.New("connection reset"))

		_, err := s.CreateUser(context.Background(), "admin@cncvn.vn", []byte("hash"), models.RoleAdmin)
		assert.Error(t, err)
		assert.NotErrorIs(t, err, ErrUserExists)
	})
}

func TestUserStore_GetUser(t *testing.T) {
	cols := []string{"id", "email", "role", "hashed_password", "created_at", "updated_at"}

	t.Run("by email", func(t *testing.T) {
		s, mock := newMockUserStore(t)
		now := time.Now()
		mock.ExpectQuery(regexp.QuoteMeta("WHERE email = $1")).
			WithArgs("editor@cncvn.vn").
			WillReturnRows(sqlmock.NewRows(cols).AddRow(7, "editor@cncvn.vn", models.RoleEditor, []byte("hash"), now, now))

		user, err := s.GetUserByEmail(context.Background(), "editor@cncvn.vn")
		require.NoError(t, err)
		assert.Equal(t, 7, user.ID)
		assert.Equal(t, []byte("hash"), user.HashedPassword)
	})

	t.Run("by id not found", func(t *testing.T) {
		s, mock := newMockUserStore(t)
		mock.ExpectQuery(regexp.QuoteMeta("WHERE id = $1")).WithArgs(42).WillReturnError(sql.ErrNoRows)

		_, err := s.GetUserByID(context.Background(), 42)
		assert.ErrorIs(t, err, ErrUserNotFound)
	})
}
