// Package handshake drives the two-step sign-in for provider accounts that
// confirm new sessions with a one-time code sent to the account itself.
package handshake

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/relaykit/sessiond/internal/provider"
	"github.com/relaykit/sessiond/internal/store"
)

var (
	ErrHandshakeExpired      = errors.New("handshake expired")
	ErrMissingPendingSession = errors.New("missing pending session")
)

// Credential keys the coordinator reads and writes inside the resource's
// creds blob. pending_* entries exist only between Begin and Confirm.
const (
	credSession           = "session"
	credPhone             = "phone"
	credPendingSession    = "pending_session"
	credVerificationToken = "verification_token"
	credPendingCreatedAt  = "pending_created_at"
	credRetryNotBefore    = "retry_not_before"
)

type State string

const (
	StateAlreadyAuthenticated State = "already_authenticated"
	StateNeedCode             State = "need_code"
	StateFloodWait            State = "flood_wait"
	StateInvalidCredentials   State = "invalid_credentials"
)

// Outcome reports what Begin did. RetryNotBefore is set for StateFloodWait.
type Outcome struct {
	State          State
	RetryNotBefore time.Time
}

type resourceStore interface {
	GetResource(ctx context.Context, id string) (store.Resource, error)
	PutResourceCredentials(ctx context.Context, id string, creds map[string]any) (store.Resource, error)
	UpdateResourceStatus(ctx context.Context, id, status, phase, errorCode string) error
}

type transportSource interface {
	Transport(name string) (provider.Transport, error)
}

type pendingHandshake struct {
	handle    provider.Handle
	token     string
	snapshot  string
	createdAt time.Time
}

// Coordinator owns in-flight handshakes. Live handles are kept in memory so
// Confirm can finish on the same connection that requested the code; the
// snapshot persisted in the resource's creds lets Confirm recover after a
// restart, within the TTL.
type Coordinator struct {
	store      resourceStore
	transports transportSource
	ttl        time.Duration
	logger     *slog.Logger

	now func() time.Time

	mu      sync.Mutex
	pending map[string]*pendingHandshake
}

func New(st resourceStore, transports transportSource, ttl time.Duration, logger *slog.Logger) *Coordinator {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:      st,
		transports: transports,
		ttl:        ttl,
		logger:     logger.With("component", "handshake"),
		now:        time.Now,
		pending:    map[string]*pendingHandshake{},
	}
}

// Begin starts (or restarts) the handshake for a resource. Starting over
// supersedes any earlier pending handshake for the same resource.
func (c *Coordinator) Begin(ctx context.Context, resource store.Resource) (Outcome, error) {
	transport, err := c.transports.Transport(resource.Provider)
	if err != nil {
		return Outcome{}, err
	}
	creds := resource.Credentials()

	// Respect a previously imposed cool-down without touching the wire.
	if until := unixTime(creds[credRetryNotBefore]); !until.IsZero() && c.now().Before(until) {
		return Outcome{State: StateFloodWait, RetryNotBefore: until}, nil
	}

	// Stored session material may already be valid.
	if text, _ := creds[credSession].(string); strings.TrimSpace(text) != "" {
		handle, err := transport.Connect(ctx, creds)
		if err == nil {
			handle.Disconnect()
			c.Cancel(resource.ID)
			if err := c.finishAuthorized(ctx, resource.ID, creds, text); err != nil {
				return Outcome{}, err
			}
			return Outcome{State: StateAlreadyAuthenticated}, nil
		}
		if !errors.Is(err, provider.ErrInvalidCredentials) {
			if outcome, handled, herr := c.classifyBeginError(ctx, resource.ID, creds, err); handled {
				return outcome, herr
			}
			return Outcome{}, err
		}
		// Stale session, fall through to a fresh code request.
	}

	// Supersede any earlier pending handshake before touching the wire, so
	// the old transport never coexists with the new one and a failed code
	// request leaves no stale entry behind.
	c.Cancel(resource.ID)

	identity, _ := creds[credPhone].(string)
	handle, request, err := transport.RequestCode(ctx, creds, identity)
	if err != nil {
		if outcome, handled, herr := c.classifyBeginError(ctx, resource.ID, creds, err); handled {
			return outcome, herr
		}
		return Outcome{}, err
	}

	now := c.now()
	c.mu.Lock()
	if prior := c.pending[resource.ID]; prior != nil && prior.handle != nil {
		prior.handle.Disconnect()
	}
	c.pending[resource.ID] = &pendingHandshake{
		handle:    handle,
		token:     request.VerificationToken,
		snapshot:  request.Snapshot,
		createdAt: now,
	}
	c.mu.Unlock()

	next := cloneCreds(creds)
	next[credPendingSession] = request.Snapshot
	next[credVerificationToken] = request.VerificationToken
	next[credPendingCreatedAt] = now.Unix()
	delete(next, credRetryNotBefore)
	if _, err := c.store.PutResourceCredentials(ctx, resource.ID, next); err != nil {
		return Outcome{}, err
	}
	if err := c.store.UpdateResourceStatus(ctx, resource.ID, resource.Status, store.PhaseWaitingCode, ""); err != nil {
		return Outcome{}, err
	}
	c.logger.Info("verification code requested", "resource_id", resource.ID)
	return Outcome{State: StateNeedCode}, nil
}

// Confirm finishes the handshake with the code the account owner received.
// It prefers the live connection from Begin and falls back to the durable
// snapshot while the handshake is still within its TTL.
func (c *Coordinator) Confirm(ctx context.Context, resource store.Resource, code string) (store.Resource, error) {
	transport, err := c.transports.Transport(resource.Provider)
	if err != nil {
		return store.Resource{}, err
	}
	creds := resource.Credentials()

	resume := provider.ResumeInput{Config: creds}
	now := c.now()

	c.mu.Lock()
	entry := c.pending[resource.ID]
	if entry != nil && now.Sub(entry.createdAt) >= c.ttl {
		if entry.handle != nil {
			entry.handle.Disconnect()
		}
		delete(c.pending, resource.ID)
		entry = nil
	}
	if entry != nil {
		resume.Handle = entry.handle
		resume.Snapshot = entry.snapshot
		resume.VerificationToken = entry.token
	}
	c.mu.Unlock()

	if resume.Handle == nil {
		snapshot, _ := creds[credPendingSession].(string)
		token, _ := creds[credVerificationToken].(string)
		if strings.TrimSpace(snapshot) == "" || strings.TrimSpace(token) == "" {
			return store.Resource{}, ErrMissingPendingSession
		}
		createdAt := unixTime(creds[credPendingCreatedAt])
		if createdAt.IsZero() || now.Sub(createdAt) >= c.ttl {
			return store.Resource{}, ErrHandshakeExpired
		}
		resume.Snapshot = snapshot
		resume.VerificationToken = token
	}

	material, err := transport.ConfirmCode(ctx, resume, code)
	if err != nil {
		var flood *provider.FloodWaitError
		if errors.As(err, &flood) {
			c.recordFloodWait(ctx, resource.ID, creds, flood.RetryAfter)
		}
		return store.Resource{}, err
	}

	c.Cancel(resource.ID)
	updated, err := c.finishAuthorizedResult(ctx, resource.ID, creds, material)
	if err != nil {
		return store.Resource{}, err
	}
	c.logger.Info("handshake confirmed", "resource_id", resource.ID)
	return updated, nil
}

// Cancel drops the in-memory pending handshake for a resource, if any.
func (c *Coordinator) Cancel(resourceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry := c.pending[resourceID]; entry != nil && entry.handle != nil {
		entry.handle.Disconnect()
	}
	delete(c.pending, resourceID)
}

// Shutdown disconnects every live pending handle.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, entry := range c.pending {
		if entry.handle != nil {
			entry.handle.Disconnect()
		}
		delete(c.pending, id)
	}
}

// classifyBeginError maps transport failures onto Begin outcomes. The bool
// reports whether the error was consumed.
func (c *Coordinator) classifyBeginError(ctx context.Context, resourceID string, creds map[string]any, err error) (Outcome, bool, error) {
	var flood *provider.FloodWaitError
	if errors.As(err, &flood) {
		until, rerr := c.recordFloodWait(ctx, resourceID, creds, flood.RetryAfter)
		if rerr != nil {
			return Outcome{}, true, rerr
		}
		return Outcome{State: StateFloodWait, RetryNotBefore: until}, true, nil
	}
	if errors.Is(err, provider.ErrInvalidCredentials) || errors.Is(err, provider.ErrPhoneInvalid) {
		return Outcome{State: StateInvalidCredentials}, true, nil
	}
	return Outcome{}, false, nil
}

func (c *Coordinator) recordFloodWait(ctx context.Context, resourceID string, creds map[string]any, retryAfter time.Duration) (time.Time, error) {
	until := c.now().Add(retryAfter)
	next := cloneCreds(creds)
	next[credRetryNotBefore] = until.Unix()
	if _, err := c.store.PutResourceCredentials(ctx, resourceID, next); err != nil {
		return time.Time{}, err
	}
	c.logger.Warn("flood wait imposed", "resource_id", resourceID, "retry_not_before", until.Unix())
	return until, nil
}

func (c *Coordinator) finishAuthorized(ctx context.Context, resourceID string, creds map[string]any, material string) error {
	_, err := c.finishAuthorizedResult(ctx, resourceID, creds, material)
	return err
}

// finishAuthorizedResult persists the session material and clears the
// transient handshake entries from the creds blob.
func (c *Coordinator) finishAuthorizedResult(ctx context.Context, resourceID string, creds map[string]any, material string) (store.Resource, error) {
	next := cloneCreds(creds)
	next[credSession] = material
	delete(next, credPendingSession)
	delete(next, credVerificationToken)
	delete(next, credPendingCreatedAt)
	delete(next, credRetryNotBefore)
	if _, err := c.store.PutResourceCredentials(ctx, resourceID, next); err != nil {
		return store.Resource{}, err
	}
	if err := c.store.UpdateResourceStatus(ctx, resourceID, store.StatusReady, store.PhaseReady, ""); err != nil {
		return store.Resource{}, err
	}
	return c.store.GetResource(ctx, resourceID)
}

func cloneCreds(creds map[string]any) map[string]any {
	next := make(map[string]any, len(creds))
	for key, value := range creds {
		next[key] = value
	}
	return next
}

// unixTime reads a unix timestamp that may arrive as int64 from code or
// float64 from a JSON round trip.
func unixTime(value any) time.Time {
	switch v := value.(type) {
	case int64:
		if v > 0 {
			return time.Unix(v, 0)
		}
	case int:
		if v > 0 {
			return time.Unix(int64(v), 0)
		}
	case float64:
		if v > 0 {
			return time.Unix(int64(v), 0)
		}
	}
	return time.Time{}
}
