package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"cncvn/api/database"
	"cncvn/api/models"
	"cncvn/api/store"
)

var (
	adminEmail    string
	adminPassword string
	adminRole     string
)

// UserCreator persists a dashboard account.
type UserCreator interface {
	CreateUser(ctx context.Context, email string, hashedPassword []byte, role string) (*models.User, error)
}

var createAdminCmd = &cobra.Command{
	Use:   "create-admin",
	Short: "Create a dashboard account",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		pg, err := database.NewPostgresDB(ctx, cfg.Postgres, log)
		if err != nil {
			return err
		}
		defer pg.Close()

		user, err := createAccount(ctx, store.NewUserStore(pg.DB), adminEmail, adminPassword, adminRole)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Created %s account %s (id %d)\n", user.Role, user.Email, user.ID)
		return nil
	},
}

func createAccount(ctx context.Context, users UserCreator, email, password, role string) (*models.User, error) {
	if email == "" || password == "" {
		return nil, errors.New("--email and --password are required")
	}
	if len(password) < 8 {
		return nil, errors.New("password must be at least 8 characters")
	}
	if role != models.RoleAdmin && role != models.RoleEditor {
		return nil, fmt.Errorf("role must be %s or %s, got %q", models.RoleAdmin, models.RoleEditor, role)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user, err := users.CreateUser(ctx, email, hash, role)
	if err != nil {
		if errors.Is(err, store.ErrUserExists) {
			return nil, fmt.Errorf("an account for %s already exists", email)
		}
		return nil, err
	}
	return user, nil
}

func init() {
	createAdminCmd.Flags().StringVar(&adminEmail, "email", "", "account email")
	createAdminCmd.Flags().StringVar(&adminPassword, "password", "", "account password")
	createAdminCmd.Flags().StringVar(&adminRole, "role", models.RoleAdmin, "account role: admin or editor")
	RootCmd.AddCommand(createAdminCmd)
}
