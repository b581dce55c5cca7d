// Package provider defines the pluggable integration surface: the config
// schema and worker factory registered per provider, and the transport
// capability a provider implements to talk to its external system.
package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/relaykit/sessiond/internal/store"
)

var (
	ErrUnknownProvider        = errors.New("unknown provider")
	ErrNoWorkerImplementation = errors.New("no worker implementation registered")

	// Transport error kinds. Implementations wrap these so callers can
	// classify failures without parsing error text.
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrPhoneInvalid       = errors.New("phone number invalid")
	ErrCodeInvalid        = errors.New("confirmation code invalid")
	ErrPermanent          = errors.New("permanently rejected by external system")
)

// FloodWaitError reports a cool-down imposed by the external system. Callers
// must not retry before RetryAfter has elapsed.
type FloodWaitError struct {
	RetryAfter time.Duration
}

func (e *FloodWaitError) Error() string {
	return fmt.Sprintf("flood wait: retry after %s", e.RetryAfter)
}

// Event is one inbound item delivered by a live connection.
type Event struct {
	ExternalMsgID string
	PeerID        string
	Kind          string // text | voice | file
	Text          string
	Audio         []byte
}

// Outgoing is a reply pushed back through the connection. Audio takes
// precedence when the peer expects a voice reply.
type Outgoing struct {
	Text  string
	Audio []byte
}

// Handle is one live connection to the external system. Events closes when
// the connection drops; Err then reports why.
type Handle interface {
	Send(ctx context.Context, peerID string, out Outgoing) error
	Events() <-chan Event
	Err() error
	Disconnect() error
}

// CodeRequest is the result of the first handshake step: the verification
// token the external system issued and a durable snapshot of the transport
// session, sufficient to finish sign-in from another process.
type CodeRequest struct {
	VerificationToken string
	Snapshot          string
}

// ResumeInput carries whatever material is available to finish a handshake:
// the still-live handle from step one when the process kept it, or the
// durable snapshot when it did not.
type ResumeInput struct {
	Handle            Handle
	Snapshot          string
	VerificationToken string
	Config            map[string]any
}

// Transport is the per-provider wire capability. Connect requires completed
// session material in cfg and fails with ErrInvalidCredentials otherwise.
type Transport interface {
	Connect(ctx context.Context, cfg map[string]any) (Handle, error)
	RequestCode(ctx context.Context, cfg map[string]any, identity string) (Handle, CodeRequest, error)
	ConfirmCode(ctx context.Context, resume ResumeInput, code string) (string, error)
}

// Worker is the runtime task owning one resource's connection. Run blocks
// until the context is cancelled, Stop is called, or a permanent failure is
// hit. Stop is idempotent and returns only after teardown completes.
type Worker interface {
	Run(ctx context.Context) error
	Stop()
	Send(ctx context.Context, peerID, text string) error
}

// WorkerFactory builds a Worker for one resource record.
type WorkerFactory func(resource store.Resource) (Worker, error)
