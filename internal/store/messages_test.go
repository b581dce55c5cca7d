package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestAppendMessageIdempotentOnExternalID(t *testing.T) {
	sqlStore := newTestStore(t)
	ctx := context.Background()
	resource := newTestResource(t, sqlStore)

	input := AppendMessageInput{
		ResourceID:    resource.ID,
		PeerID:        "peer-1",
		Direction:     DirectionIn,
		Text:          "hello",
		ExternalMsgID: "ext-100",
	}
	inserted, err := sqlStore.AppendMessage(ctx, input)
	if err != nil {
		t.Fatalf("append message: %v", err)
	}
	if !inserted {
		t.Fatal("expected first append to insert")
	}

	inserted, err = sqlStore.AppendMessage(ctx, input)
	if err != nil {
		t.Fatalf("duplicate append: %v", err)
	}
	if inserted {
		t.Fatal("expected duplicate external id to be a no-op")
	}

	count, err := sqlStore.CountMessages(ctx, resource.ID, DirectionIn)
	if err != nil {
		t.Fatalf("count messages: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one stored message, got %d", count)
	}
}

func TestAppendMessageWithoutExternalIDAlwaysInserts(t *testing.T) {
	sqlStore := newTestStore(t)
	ctx := context.Background()
	resource := newTestResource(t, sqlStore)

	for i := 0; i < 2; i++ {
		inserted, err := sqlStore.AppendMessage(ctx, AppendMessageInput{
			ResourceID: resource.ID,
			PeerID:     "peer-1",
			Direction:  DirectionOut,
			Text:       "manual send",
		})
		if err != nil {
			t.Fatalf("append message: %v", err)
		}
		if !inserted {
			t.Fatal("expected insert for message without external id")
		}
	}
	count, err := sqlStore.CountMessages(ctx, resource.ID, DirectionOut)
	if err != nil {
		t.Fatalf("count messages: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected two stored messages, got %d", count)
	}
}

func TestAppendMessageValidation(t *testing.T) {
	sqlStore := newTestStore(t)
	ctx := context.Background()

	_, err := sqlStore.AppendMessage(ctx, AppendMessageInput{PeerID: "p", Direction: DirectionIn})
	if !errors.Is(err, ErrMessageInvalidInput) {
		t.Fatalf("expected ErrMessageInvalidInput, got %v", err)
	}
	_, err = sqlStore.AppendMessage(ctx, AppendMessageInput{ResourceID: "r", PeerID: "p", Direction: "sideways"})
	if !errors.Is(err, ErrMessageInvalidInput) {
		t.Fatalf("expected ErrMessageInvalidInput for direction, got %v", err)
	}
}

func TestRecentHistoryOrderAndLimit(t *testing.T) {
	sqlStore := newTestStore(t)
	ctx := context.Background()
	resource := newTestResource(t, sqlStore)

	for i := 0; i < 5; i++ {
		if _, err := sqlStore.AppendMessage(ctx, AppendMessageInput{
			ResourceID:    resource.ID,
			PeerID:        "peer-1",
			Direction:     DirectionIn,
			Text:          fmt.Sprintf("message %d", i),
			ExternalMsgID: fmt.Sprintf("ext-%d", i),
		}); err != nil {
			t.Fatalf("append message %d: %v", i, err)
		}
	}

	history, err := sqlStore.RecentHistory(ctx, resource.ID, "peer-1", 3)
	if err != nil {
		t.Fatalf("recent history: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(history))
	}
	if history[len(history)-1].Text != "message 4" {
		t.Fatalf("expected newest last, got %q", history[len(history)-1].Text)
	}
	if history[0].Text != "message 2" {
		t.Fatalf("expected window to start at message 2, got %q", history[0].Text)
	}
}

func newTestResource(t *testing.T, sqlStore *Store) Resource {
	t.Helper()
	ctx := context.Background()
	user, err := sqlStore.CreateUser(ctx, "Test User")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	resource, err := sqlStore.CreateResource(ctx, CreateResourceInput{UserID: user.ID, Provider: "telegram"})
	if err != nil {
		t.Fatalf("create resource: %v", err)
	}
	return resource
}
