package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrUserNotFound     = errors.New("user not found")
	ErrUserInvalidInput = errors.New("invalid user input")
)

type User struct {
	ID          string
	DisplayName string
	BotEnabled  bool
	CreatedAt   time.Time
}

func (s *Store) CreateUser(ctx context.Context, displayName string) (User, error) {
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		return User{}, ErrUserInvalidInput
	}
	user := User{
		ID:          uuid.NewString(),
		DisplayName: displayName,
		BotEnabled:  true,
		CreatedAt:   time.Now().UTC(),
	}
	if _, err := s.db.ExecContext(
		ctx,
		`INSERT INTO users (id, display_name, bot_enabled, created_at_unix) VALUES (?, ?, 1, ?)`,
		user.ID,
		user.DisplayName,
		user.CreatedAt.Unix(),
	); err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (s *Store) GetUser(ctx context.Context, id string) (User, error) {
	user := User{}
	var botEnabled int
	var createdAtUnix int64
	err := s.db.QueryRowContext(
		ctx,
		`SELECT id, display_name, bot_enabled, created_at_unix FROM users WHERE id = ?`,
		id,
	).Scan(&user.ID, &user.DisplayName, &botEnabled, &createdAtUnix)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}
	user.BotEnabled = botEnabled != 0
	user.CreatedAt = time.Unix(createdAtUnix, 0).UTC()
	return user, nil
}

func (s *Store) SetBotEnabled(ctx context.Context, id string, enabled bool) error {
	flag := 0
	if enabled {
		flag = 1
	}
	result, err := s.db.ExecContext(ctx, `UPDATE users SET bot_enabled = ? WHERE id = ?`, flag, id)
	if err != nil {
		return fmt.Errorf("update bot enabled: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update bot enabled: %w", err)
	}
	if affected == 0 {
		return ErrUserNotFound
	}
	return nil
}
