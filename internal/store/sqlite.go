package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA foreign_keys=ON;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply sqlite pragmas: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) AutoMigrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			display_name TEXT NOT NULL,
			bot_enabled INTEGER NOT NULL DEFAULT 1,
			created_at_unix INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS resources (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			provider TEXT NOT NULL,
			label TEXT NOT NULL,
			status TEXT NOT NULL,
			phase TEXT NOT NULL,
			config_json TEXT NOT NULL DEFAULT '{}',
			last_error_code TEXT,
			error_message TEXT,
			last_activity_unix INTEGER,
			usage_today INTEGER NOT NULL DEFAULT 0,
			cost_today REAL NOT NULL DEFAULT 0,
			created_at_unix INTEGER NOT NULL,
			updated_at_unix INTEGER NOT NULL,
			FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS ix_resources_user_status ON resources(user_id, status);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			resource_id TEXT NOT NULL,
			peer_id TEXT NOT NULL,
			direction TEXT NOT NULL,
			msg_type TEXT NOT NULL DEFAULT 'text',
			text TEXT,
			external_msg_id TEXT,
			tokens INTEGER,
			latency_ms INTEGER,
			created_at_unix INTEGER NOT NULL,
			FOREIGN KEY(resource_id) REFERENCES resources(id) ON DELETE CASCADE
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_messages_resource_external
			ON messages(resource_id, external_msg_id) WHERE external_msg_id IS NOT NULL;`,
		`CREATE INDEX IF NOT EXISTS ix_messages_resource_peer_created
			ON messages(resource_id, peer_id, created_at_unix);`,
	}

	for _, query := range queries {
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("run migration: %w", err)
		}
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

func nullIfEmpty(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullIfZeroInt64(value int64) any {
	if value == 0 {
		return nil
	}
	return value
}
