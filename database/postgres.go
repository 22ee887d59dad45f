package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"

	"cncvn/api/config"
)

// DBClient holds the Postgres pool used for admin accounts.
type DBClient struct {
	DB  *sql.DB
	log zerolog.Logger
}

func NewPostgresDB(ctx context.Context, cfg config.PostgresConfig, log zerolog.Logger) (*DBClient, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("postgres url is not set")
	}

	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("error opening database connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("error connecting to the database (ping failed): %w", err)
	}

	log.Info().Msg("connected to PostgreSQL")
	return &DBClient{DB: db, log: log}, nil
}

func (c *DBClient) Close() {
	if c.DB == nil {
		return
	}
	if err := c.DB.Close(); err != nil {
		c.log.Error().Err(err).Msg("error closing database connection")
		return
	}
	c.log.Info().Msg("PostgreSQL connection closed")
}
