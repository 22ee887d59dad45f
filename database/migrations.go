package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
)

// ReplacingMergeTree collapses rows with the same sort key, so an event
// inserted twice by a retrying tracker is counted once after merges.
var clickHouseSchema = []string{
	`CREATE TABLE IF NOT EXISTS page_views (
		event_id    String,
		session_id  String,
		visitor_id  String,
		page_url    String,
		page_path   String,
		page_title  String,
		referrer    String,
		user_agent  String,
		ip_address  String,
		region      LowCardinality(String),
		city        LowCardinality(String),
		device_type LowCardinality(String),
		browser     LowCardinality(String),
		os          LowCardinality(String),
		timestamp   DateTime64(3, 'UTC')
	) ENGINE = ReplacingMergeTree
	PARTITION BY toYYYYMM(timestamp)
	ORDER BY (toDate(timestamp), session_id, event_id)`,

	`CREATE TABLE IF NOT EXISTS session_updates (
		event_id         String,
		session_id       String,
		visitor_id       String,
		page_count       UInt32,
		duration_seconds UInt64,
		is_bounce        Bool,
		timestamp        DateTime64(3, 'UTC')
	) ENGINE = ReplacingMergeTree
	PARTITION BY toYYYYMM(timestamp)
	ORDER BY (toDate(timestamp), session_id, event_id)`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id              SERIAL PRIMARY KEY,
		email           TEXT NOT NULL,
		hashed_password BYTEA NOT NULL,
		role            TEXT NOT NULL DEFAULT 'editor',
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_users_email ON users (email)`,
}

// MigrateClickHouse creates the analytics tables.
func MigrateClickHouse(ctx context.Context, conn clickhouse.Conn) error {
	for _, stmt := range clickHouseSchema {
		if err := conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("clickhouse migration failed: %w", err)
		}
	}
	return nil
}

// MigratePostgres creates the admin account tables.
func MigratePostgres(ctx context.Context, db *sql.DB) error {
	for _, stmt := range postgresSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migration failed: %w", err)
		}
	}
	return nil
}
