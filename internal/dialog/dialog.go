package dialog

import (
	"context"
	"errors"
)

// ErrUnavailable marks dialog engine failures. The worker treats every
// engine error as recoverable; this sentinel exists so callers can tell
// engine trouble from programming errors in logs.
var ErrUnavailable = errors.New("dialog engine unavailable")

// HistoryEntry is one prior turn of the conversation, oldest first.
type HistoryEntry struct {
	Direction string // "in" or "out"
	Text      string
}

type Request struct {
	Text         string
	SystemPrompt string
	History      []HistoryEntry
}

type Reply struct {
	Text   string
	Tokens int
	Audio  []byte // set when the reply should be delivered as voice
}

// Engine produces a reply for one inbound message. Implementations must be
// safe for concurrent use; every worker shares one engine.
type Engine interface {
	Reply(ctx context.Context, req Request) (Reply, error)
}

// Transcriber turns a voice note into text. Workers fall back to a canned
// response when transcription fails, so errors here are never fatal.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, filename string) (string, error)
}
