package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var ErrMessageInvalidInput = errors.New("invalid message input")

const (
	DirectionIn  = "in"
	DirectionOut = "out"

	MessageTypeText  = "text"
	MessageTypeVoice = "voice"
	MessageTypeFile  = "file"
)

type Message struct {
	ID            string
	ResourceID    string
	PeerID        string
	Direction     string
	Type          string
	Text          string
	ExternalMsgID string
	Tokens        int64
	LatencyMS     int64
	CreatedAt     time.Time
}

type AppendMessageInput struct {
	ResourceID    string
	PeerID        string
	Direction     string
	Type          string
	Text          string
	ExternalMsgID string
	Tokens        int64
	LatencyMS     int64
}

// AppendMessage writes one message row. Ingestion is idempotent on
// (resource_id, external_msg_id): a second append with the same external id
// is a no-op and reports inserted=false so the caller can skip replying.
// Rows without an external id (manual outbound sends) always insert.
func (s *Store) AppendMessage(ctx context.Context, input AppendMessageInput) (bool, error) {
	if strings.TrimSpace(input.ResourceID) == "" || strings.TrimSpace(input.PeerID) == "" {
		return false, ErrMessageInvalidInput
	}
	direction := strings.TrimSpace(input.Direction)
	if direction != DirectionIn && direction != DirectionOut {
		return false, fmt.Errorf("%w: direction must be in or out", ErrMessageInvalidInput)
	}
	msgType := strings.TrimSpace(input.Type)
	if msgType == "" {
		msgType = MessageTypeText
	}

	result, err := s.db.ExecContext(
		ctx,
		`INSERT INTO messages (id, resource_id, peer_id, direction, msg_type, text, external_msg_id, tokens, latency_ms, created_at_unix)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(resource_id, external_msg_id) WHERE external_msg_id IS NOT NULL DO NOTHING`,
		uuid.NewString(),
		strings.TrimSpace(input.ResourceID),
		strings.TrimSpace(input.PeerID),
		direction,
		msgType,
		nullIfEmpty(input.Text),
		nullIfEmpty(strings.TrimSpace(input.ExternalMsgID)),
		nullIfZeroInt64(input.Tokens),
		nullIfZeroInt64(input.LatencyMS),
		time.Now().UTC().Unix(),
	)
	if err != nil {
		return false, fmt.Errorf("insert message: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert message: %w", err)
	}
	return affected > 0, nil
}

// RecentHistory returns the latest exchanges between a resource and one peer,
// oldest first, for dialog context.
func (s *Store) RecentHistory(ctx context.Context, resourceID, peerID string, limit int) ([]Message, error) {
	if limit < 1 {
		limit = 20
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, resource_id, peer_id, direction, msg_type, text, external_msg_id, tokens, latency_ms, created_at_unix
		FROM (
			SELECT rowid AS seq, * FROM messages WHERE resource_id = ? AND peer_id = ?
			ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC`,
		resourceID,
		peerID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list recent history: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, message)
	}
	return messages, rows.Err()
}

// CountMessages reports stored rows for a resource, used by tests and the
// management list surface.
func (s *Store) CountMessages(ctx context.Context, resourceID, direction string) (int64, error) {
	query := `SELECT COUNT(*) FROM messages WHERE resource_id = ?`
	args := []any{resourceID}
	if direction != "" {
		query += ` AND direction = ?`
		args = append(args, direction)
	}
	var count int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return count, nil
}

func scanMessage(row resourceScanner) (Message, error) {
	message := Message{}
	var text, externalMsgID *string
	var tokens, latencyMS *int64
	var createdAtUnix int64
	if err := row.Scan(
		&message.ID,
		&message.ResourceID,
		&message.PeerID,
		&message.Direction,
		&message.Type,
		&text,
		&externalMsgID,
		&tokens,
		&latencyMS,
		&createdAtUnix,
	); err != nil {
		return Message{}, fmt.Errorf("scan message: %w", err)
	}
	if text != nil {
		message.Text = *text
	}
	if externalMsgID != nil {
		message.ExternalMsgID = *externalMsgID
	}
	if tokens != nil {
		message.Tokens = *tokens
	}
	if latencyMS != nil {
		message.LatencyMS = *latencyMS
	}
	message.CreatedAt = time.Unix(createdAtUnix, 0).UTC()
	return message, nil
}
