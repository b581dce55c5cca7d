package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrResourceNotFound     = errors.New("resource not found")
	ErrResourceInvalidInput = errors.New("invalid resource input")
)

// Status is the user's intent for a resource; Phase is the observed progress
// of the worker serving it.
const (
	StatusNew     = "new"
	StatusActive  = "active"
	StatusPaused  = "paused"
	StatusError   = "error"
	StatusBlocked = "blocked"
	StatusReady   = "ready"

	PhaseDraft       = "draft"
	PhaseWaitingCode = "waiting_code"
	PhaseReady       = "ready"
	PhaseRunning     = "running"
	PhasePaused      = "paused"
	PhaseError       = "error"
)

// ConfigCredentialsKey is the config subtree holding secret session material.
// Generic config updates never touch it; only the handshake flow writes it.
const ConfigCredentialsKey = "creds"

type Resource struct {
	ID            string
	UserID        string
	Provider      string
	Label         string
	Status        string
	Phase         string
	Config        map[string]any
	LastErrorCode string
	ErrorMessage  string
	LastActivity  time.Time
	UsageToday    int64
	CostToday     float64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Credentials returns the creds subtree of the config, never nil.
func (r Resource) Credentials() map[string]any {
	creds, _ := r.Config[ConfigCredentialsKey].(map[string]any)
	if creds == nil {
		return map[string]any{}
	}
	return creds
}

type CreateResourceInput struct {
	UserID   string
	Provider string
	Label    string
	Config   map[string]any
}

func (s *Store) CreateResource(ctx context.Context, input CreateResourceInput) (Resource, error) {
	if strings.TrimSpace(input.UserID) == "" || strings.TrimSpace(input.Provider) == "" {
		return Resource{}, ErrResourceInvalidInput
	}
	label := strings.TrimSpace(input.Label)
	if label == "" {
		label = strings.TrimSpace(input.Provider)
	}
	config := input.Config
	if config == nil {
		config = map[string]any{}
	}
	configJSON, err := json.Marshal(config)
	if err != nil {
		return Resource{}, fmt.Errorf("encode resource config: %w", err)
	}

	now := time.Now().UTC()
	resource := Resource{
		ID:        uuid.NewString(),
		UserID:    strings.TrimSpace(input.UserID),
		Provider:  strings.TrimSpace(input.Provider),
		Label:     label,
		Status:    StatusNew,
		Phase:     PhaseDraft,
		Config:    config,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if _, err := s.db.ExecContext(
		ctx,
		`INSERT INTO resources (id, user_id, provider, label, status, phase, config_json, created_at_unix, updated_at_unix)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		resource.ID,
		resource.UserID,
		resource.Provider,
		resource.Label,
		resource.Status,
		resource.Phase,
		string(configJSON),
		now.Unix(),
		now.Unix(),
	); err != nil {
		return Resource{}, fmt.Errorf("insert resource: %w", err)
	}
	return resource, nil
}

func (s *Store) GetResource(ctx context.Context, id string) (Resource, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, user_id, provider, label, status, phase, config_json, last_error_code, error_message,
			last_activity_unix, usage_today, cost_today, created_at_unix, updated_at_unix
		FROM resources WHERE id = ?`,
		id,
	)
	return scanResource(row)
}

func (s *Store) ListForUser(ctx context.Context, userID string) ([]Resource, error) {
	return s.listResources(ctx, `WHERE user_id = ?`, userID)
}

func (s *Store) ListActiveForUser(ctx context.Context, userID string) ([]Resource, error) {
	return s.listResources(ctx, `WHERE user_id = ? AND status = ?`, userID, StatusActive)
}

// ListUsersWithActiveResources feeds the boot-time autostarter.
func (s *Store) ListUsersWithActiveResources(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT DISTINCT user_id FROM resources WHERE status = ? ORDER BY user_id`,
		StatusActive,
	)
	if err != nil {
		return nil, fmt.Errorf("list users with active resources: %w", err)
	}
	defer rows.Close()

	var userIDs []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("scan user id: %w", err)
		}
		userIDs = append(userIDs, userID)
	}
	return userIDs, rows.Err()
}

func (s *Store) listResources(ctx context.Context, where string, args ...any) ([]Resource, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, user_id, provider, label, status, phase, config_json, last_error_code, error_message,
			last_activity_unix, usage_today, cost_today, created_at_unix, updated_at_unix
		FROM resources `+where+` ORDER BY created_at_unix DESC`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("list resources: %w", err)
	}
	defer rows.Close()

	var resources []Resource
	for rows.Next() {
		resource, err := scanResource(rows)
		if err != nil {
			return nil, err
		}
		resources = append(resources, resource)
	}
	return resources, rows.Err()
}

// UpdateResourceStatus writes the desired status, observed phase and the
// stable error code in one pass. Empty errorCode clears any prior code.
func (s *Store) UpdateResourceStatus(ctx context.Context, id, status, phase, errorCode string) error {
	result, err := s.db.ExecContext(
		ctx,
		`UPDATE resources SET status = ?, phase = ?, last_error_code = ?, updated_at_unix = ? WHERE id = ?`,
		status,
		phase,
		nullIfEmpty(errorCode),
		time.Now().UTC().Unix(),
		id,
	)
	if err != nil {
		return fmt.Errorf("update resource status: %w", err)
	}
	return requireAffected(result)
}

// MarkResourceError records a failure observed by a worker: status flips to
// error, the free-text detail stays server-side in error_message.
func (s *Store) MarkResourceError(ctx context.Context, id, errorCode, message string) error {
	now := time.Now().UTC().Unix()
	result, err := s.db.ExecContext(
		ctx,
		`UPDATE resources SET status = ?, phase = ?, last_error_code = ?, error_message = ?, last_activity_unix = ?, updated_at_unix = ? WHERE id = ?`,
		StatusError,
		PhaseError,
		nullIfEmpty(errorCode),
		nullIfEmpty(message),
		now,
		now,
		id,
	)
	if err != nil {
		return fmt.Errorf("mark resource error: %w", err)
	}
	return requireAffected(result)
}

// UpdateResourceConfig merges patch into the stored config at the top level.
// The creds subtree is preserved from the stored copy so a settings save from
// the management surface can never clobber session material.
func (s *Store) UpdateResourceConfig(ctx context.Context, id string, patch map[string]any) (Resource, error) {
	resource, err := s.GetResource(ctx, id)
	if err != nil {
		return Resource{}, err
	}
	merged := make(map[string]any, len(resource.Config)+len(patch))
	for key, value := range resource.Config {
		merged[key] = value
	}
	for key, value := range patch {
		merged[key] = value
	}
	if creds, ok := resource.Config[ConfigCredentialsKey]; ok {
		merged[ConfigCredentialsKey] = creds
	}
	return s.writeConfig(ctx, id, merged)
}

// PutResourceCredentials replaces the creds subtree wholesale. Only the
// handshake coordinator and the worker auth path call this.
func (s *Store) PutResourceCredentials(ctx context.Context, id string, creds map[string]any) (Resource, error) {
	resource, err := s.GetResource(ctx, id)
	if err != nil {
		return Resource{}, err
	}
	merged := make(map[string]any, len(resource.Config)+1)
	for key, value := range resource.Config {
		merged[key] = value
	}
	merged[ConfigCredentialsKey] = creds
	return s.writeConfig(ctx, id, merged)
}

func (s *Store) writeConfig(ctx context.Context, id string, config map[string]any) (Resource, error) {
	configJSON, err := json.Marshal(config)
	if err != nil {
		return Resource{}, fmt.Errorf("encode resource config: %w", err)
	}
	result, err := s.db.ExecContext(
		ctx,
		`UPDATE resources SET config_json = ?, updated_at_unix = ? WHERE id = ?`,
		string(configJSON),
		time.Now().UTC().Unix(),
		id,
	)
	if err != nil {
		return Resource{}, fmt.Errorf("update resource config: %w", err)
	}
	if err := requireAffected(result); err != nil {
		return Resource{}, err
	}
	return s.GetResource(ctx, id)
}

// AddResourceUsage bumps the daily counters and stamps last activity.
func (s *Store) AddResourceUsage(ctx context.Context, id string, tokens int64, cost float64) (Resource, error) {
	now := time.Now().UTC().Unix()
	result, err := s.db.ExecContext(
		ctx,
		`UPDATE resources SET usage_today = usage_today + ?, cost_today = cost_today + ?, last_activity_unix = ?, updated_at_unix = ? WHERE id = ?`,
		tokens,
		cost,
		now,
		now,
		id,
	)
	if err != nil {
		return Resource{}, fmt.Errorf("add resource usage: %w", err)
	}
	if err := requireAffected(result); err != nil {
		return Resource{}, err
	}
	return s.GetResource(ctx, id)
}

// ResetDailyUsage zeroes the daily counters for every resource. Run by the
// midnight cron job.
func (s *Store) ResetDailyUsage(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(
		ctx,
		`UPDATE resources SET usage_today = 0, cost_today = 0, updated_at_unix = ? WHERE usage_today != 0 OR cost_today != 0`,
		time.Now().UTC().Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("reset daily usage: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reset daily usage: %w", err)
	}
	return affected, nil
}

func requireAffected(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrResourceNotFound
	}
	return nil
}

type resourceScanner interface {
	Scan(dest ...any) error
}

func scanResource(row resourceScanner) (Resource, error) {
	resource := Resource{}
	var configJSON string
	var lastErrorCode sql.NullString
	var errorMessage sql.NullString
	var lastActivityUnix sql.NullInt64
	var createdAtUnix int64
	var updatedAtUnix int64
	err := row.Scan(
		&resource.ID,
		&resource.UserID,
		&resource.Provider,
		&resource.Label,
		&resource.Status,
		&resource.Phase,
		&configJSON,
		&lastErrorCode,
		&errorMessage,
		&lastActivityUnix,
		&resource.UsageToday,
		&resource.CostToday,
		&createdAtUnix,
		&updatedAtUnix,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Resource{}, ErrResourceNotFound
	}
	if err != nil {
		return Resource{}, fmt.Errorf("scan resource: %w", err)
	}
	if err := json.Unmarshal([]byte(configJSON), &resource.Config); err != nil {
		return Resource{}, fmt.Errorf("decode resource config: %w", err)
	}
	if resource.Config == nil {
		resource.Config = map[string]any{}
	}
	resource.LastErrorCode = lastErrorCode.String
	resource.ErrorMessage = errorMessage.String
	if lastActivityUnix.Valid {
		resource.LastActivity = time.Unix(lastActivityUnix.Int64, 0).UTC()
	}
	resource.CreatedAt = time.Unix(createdAtUnix, 0).UTC()
	resource.UpdatedAt = time.Unix(updatedAtUnix, 0).UTC()
	return resource, nil
}
