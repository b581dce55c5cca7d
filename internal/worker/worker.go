// Package worker runs the event loop for one connected resource: keep the
// transport session alive, answer inbound messages through the dialog
// engine, and enforce the resource's access rules and usage ceiling.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/relaykit/sessiond/internal/dialog"
	"github.com/relaykit/sessiond/internal/provider"
	"github.com/relaykit/sessiond/internal/store"
)

var ErrNotRunning = errors.New("worker not running")

// errStopRequested unwinds the run loop when Stop is called or a kill
// switch flips off. Never returned to callers.
var errStopRequested = errors.New("stop requested")

const historyLimit = 20

const (
	StateConnecting = "connecting"
	StateAuthorized = "authorized"
	StateRunning    = "running"
	StateBackoff    = "backoff"
	StateStopped    = "stopped"
)

type dataStore interface {
	GetUser(ctx context.Context, id string) (store.User, error)
	GetResource(ctx context.Context, id string) (store.Resource, error)
	UpdateResourceStatus(ctx context.Context, id, status, phase, errorCode string) error
	MarkResourceError(ctx context.Context, id, errorCode, message string) error
	AppendMessage(ctx context.Context, input store.AppendMessageInput) (bool, error)
	RecentHistory(ctx context.Context, resourceID, peerID string, limit int) ([]store.Message, error)
	AddResourceUsage(ctx context.Context, id string, tokens int64, cost float64) (store.Resource, error)
}

type Deps struct {
	Store         dataStore
	Transport     provider.Transport
	Engine        dialog.Engine
	Transcriber   dialog.Transcriber
	Logger        *slog.Logger
	RetryInterval time.Duration
}

// Worker owns one resource's connection lifecycle. Run blocks until the
// context is cancelled, Stop is called, a kill switch flips off, or the
// transport reports a permanent failure.
type Worker struct {
	resourceID string
	userID     string
	deps       Deps
	logger     *slog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	doneOnce sync.Once
	done     chan struct{}

	mu     sync.Mutex
	state  string
	handle provider.Handle
}

func New(resource store.Resource, deps Deps) *Worker {
	if deps.RetryInterval <= 0 {
		deps.RetryInterval = 10 * time.Second
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Worker{
		resourceID: resource.ID,
		userID:     resource.UserID,
		deps:       deps,
		logger:     deps.Logger.With("component", "worker", "resource_id", resource.ID),
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
		state:      StateConnecting,
	}
}

func (w *Worker) State() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Run drives the connect/consume/backoff loop. Failures to connect or a
// dropped connection mark the resource error and retry after a fixed
// interval; the loop exits cleanly when the user's bot flag or the
// resource status flips off.
func (w *Worker) Run(ctx context.Context) error {
	defer w.finish()

	for {
		if w.stopRequested(ctx) {
			return nil
		}

		resource, ok, err := w.shouldRun(ctx)
		if err != nil {
			w.logger.Error("kill switch check failed", "error", err)
			if !w.backoff(ctx) {
				return nil
			}
			continue
		}
		if !ok {
			w.logger.Info("resource no longer eligible, stopping")
			return nil
		}

		w.setState(StateConnecting)
		handle, err := w.deps.Transport.Connect(ctx, resource.Credentials())
		if err != nil {
			if errors.Is(err, provider.ErrPermanent) {
				w.logger.Error("permanent transport failure", "error", err)
				w.markBlocked(ctx, err)
				return err
			}
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Warn("connect failed", "error", err)
			w.markError(ctx, "CONNECT_FAILED", err)
			if !w.backoff(ctx) {
				return nil
			}
			continue
		}

		w.setState(StateAuthorized)
		w.setHandle(handle)
		w.setState(StateRunning)
		if err := w.deps.Store.UpdateResourceStatus(ctx, w.resourceID, store.StatusActive, store.PhaseRunning, ""); err != nil {
			w.logger.Warn("phase update failed", "error", err)
		}
		w.logger.Info("worker running")

		err = w.consume(ctx, handle)
		handle.Disconnect()
		w.setHandle(nil)

		switch {
		case errors.Is(err, errStopRequested), ctx.Err() != nil:
			return nil
		case errors.Is(err, provider.ErrPermanent):
			w.markBlocked(ctx, err)
			return err
		case err != nil:
			w.logger.Warn("connection lost", "error", err)
			w.markError(ctx, "CONNECTION_LOST", err)
			if !w.backoff(ctx) {
				return nil
			}
		default:
			// Event stream ended without error; reconnect.
			if !w.backoff(ctx) {
				return nil
			}
		}
	}
}

// Stop is idempotent and synchronous: it returns once the run loop has
// fully unwound, so a follow-up start cannot race in-flight teardown.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	<-w.done
}

// Send pushes a manual outbound message. Allowed only while running.
func (w *Worker) Send(ctx context.Context, peerID, text string) error {
	w.mu.Lock()
	handle := w.handle
	state := w.state
	w.mu.Unlock()
	if state != StateRunning || handle == nil {
		return ErrNotRunning
	}
	if err := handle.Send(ctx, peerID, provider.Outgoing{Text: text}); err != nil {
		return err
	}
	_, err := w.deps.Store.AppendMessage(ctx, store.AppendMessageInput{
		ResourceID: w.resourceID,
		PeerID:     peerID,
		Direction:  store.DirectionOut,
		Type:       store.MessageTypeText,
		Text:       text,
	})
	return err
}

func (w *Worker) consume(ctx context.Context, handle provider.Handle) error {
	for {
		select {
		case <-ctx.Done():
			return errStopRequested
		case <-w.stopCh:
			return errStopRequested
		case event, open := <-handle.Events():
			if !open {
				return handle.Err()
			}
			if err := w.handleEvent(ctx, event); err != nil {
				return err
			}
		}
	}
}

// handleEvent processes one inbound event end to end. It returns an error
// only when the loop must unwind (kill switch, autostop, broken transport);
// per-event trouble is logged and swallowed so one bad exchange cannot take
// the connection down.
func (w *Worker) handleEvent(ctx context.Context, event provider.Event) error {
	resource, ok, err := w.shouldRun(ctx)
	if err != nil {
		return err
	}
	if !ok {
		w.logger.Info("kill switch flipped, discarding event and stopping")
		return errStopRequested
	}

	rules := rulesFromConfig(resource.Config)
	if !rules.allows(event.PeerID) {
		w.logger.Debug("peer filtered by access rules", "peer_id", event.PeerID)
		return nil
	}

	text := strings.TrimSpace(event.Text)
	msgType := store.MessageTypeText
	if text == "" && event.Kind == "voice" && len(event.Audio) > 0 {
		msgType = store.MessageTypeVoice
		if w.deps.Transcriber == nil {
			w.logger.Debug("voice event without transcriber, skipping")
			return nil
		}
		transcript, terr := w.deps.Transcriber.Transcribe(ctx, event.Audio, event.ExternalMsgID+".ogg")
		if terr != nil {
			w.logger.Warn("transcription failed", "error", terr)
			return nil
		}
		text = strings.TrimSpace(transcript)
	}
	if text == "" {
		return nil
	}

	history, err := w.deps.Store.RecentHistory(ctx, w.resourceID, event.PeerID, historyLimit)
	if err != nil {
		w.logger.Warn("history fetch failed", "error", err)
	}

	inserted, err := w.deps.Store.AppendMessage(ctx, store.AppendMessageInput{
		ResourceID:    w.resourceID,
		PeerID:        event.PeerID,
		Direction:     store.DirectionIn,
		Type:          msgType,
		Text:          text,
		ExternalMsgID: event.ExternalMsgID,
	})
	if err != nil {
		w.logger.Error("inbound persist failed", "error", err)
		return nil
	}
	if !inserted {
		w.logger.Debug("duplicate external message id, skipping", "external_msg_id", event.ExternalMsgID)
		return nil
	}

	prompt, _ := resource.Config["prompt"].(string)
	started := time.Now()
	reply, err := w.deps.Engine.Reply(ctx, dialog.Request{
		Text:         text,
		SystemPrompt: prompt,
		History:      historyEntries(history),
	})
	if err != nil {
		w.logger.Warn("dialog engine failed", "error", err)
		w.markError(ctx, "DIALOG_ERROR", err)
		return nil
	}
	latency := time.Since(started).Milliseconds()

	if strings.TrimSpace(reply.Text) == "" && len(reply.Audio) == 0 {
		return nil
	}

	outgoing := provider.Outgoing{Text: reply.Text}
	outType := store.MessageTypeText
	if event.Kind == "voice" && len(reply.Audio) > 0 {
		outgoing.Audio = reply.Audio
		outType = store.MessageTypeVoice
	}
	handle := w.currentHandle()
	if handle == nil {
		return errStopRequested
	}
	if err := handle.Send(ctx, event.PeerID, outgoing); err != nil {
		return err
	}
	if _, err := w.deps.Store.AppendMessage(ctx, store.AppendMessageInput{
		ResourceID: w.resourceID,
		PeerID:     event.PeerID,
		Direction:  store.DirectionOut,
		Type:       outType,
		Text:       reply.Text,
		Tokens:     int64(reply.Tokens),
		LatencyMS:  latency,
	}); err != nil {
		w.logger.Error("outbound persist failed", "error", err)
	}

	updated, err := w.deps.Store.AddResourceUsage(ctx, w.resourceID, int64(reply.Tokens), 0)
	if err != nil {
		w.logger.Error("usage update failed", "error", err)
		return nil
	}
	return w.enforceUsageCeiling(ctx, updated)
}

// enforceUsageCeiling pauses the resource and stops the worker once the
// configured token ceiling is reached and autostop is on. Without autostop
// the overage is only logged.
func (w *Worker) enforceUsageCeiling(ctx context.Context, resource store.Resource) error {
	limits, _ := resource.Config["limits"].(map[string]any)
	if limits == nil {
		return nil
	}
	limit := asInt64(limits["tokens_limit"])
	if limit <= 0 || resource.UsageToday < limit {
		return nil
	}
	autostop, _ := limits["autostop"].(bool)
	if !autostop {
		w.logger.Warn("usage ceiling exceeded", "usage_today", resource.UsageToday, "tokens_limit", limit)
		return nil
	}
	w.logger.Info("usage ceiling reached, pausing resource", "usage_today", resource.UsageToday, "tokens_limit", limit)
	if err := w.deps.Store.UpdateResourceStatus(ctx, w.resourceID, store.StatusPaused, store.PhasePaused, ""); err != nil {
		w.logger.Error("pause after ceiling failed", "error", err)
	}
	return errStopRequested
}

// shouldRun re-reads both kill switches: the account-level bot flag and the
// resource status. Checked before every connect attempt and every event.
func (w *Worker) shouldRun(ctx context.Context) (store.Resource, bool, error) {
	user, err := w.deps.Store.GetUser(ctx, w.userID)
	if err != nil {
		return store.Resource{}, false, err
	}
	resource, err := w.deps.Store.GetResource(ctx, w.resourceID)
	if err != nil {
		return store.Resource{}, false, err
	}
	if !user.BotEnabled || !statusEligible(resource.Status) {
		return resource, false, nil
	}
	return resource, true, nil
}

// statusEligible reports whether the worker should keep (re)connecting.
// The error status is worker-inflicted and means "keep retrying"; only an
// operator action (pause, block) or a fresh draft takes the worker down.
func statusEligible(status string) bool {
	return status == store.StatusActive || status == store.StatusError
}

// backoff sleeps the fixed retry interval. Returns false when the sleep was
// interrupted by Stop or context cancellation.
func (w *Worker) backoff(ctx context.Context) bool {
	w.setState(StateBackoff)
	timer := time.NewTimer(w.deps.RetryInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-w.stopCh:
		return false
	case <-timer.C:
		return true
	}
}

func (w *Worker) stopRequested(ctx context.Context) bool {
	select {
	case <-w.stopCh:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func (w *Worker) finish() {
	w.mu.Lock()
	handle := w.handle
	w.handle = nil
	w.state = StateStopped
	w.mu.Unlock()
	if handle != nil {
		handle.Disconnect()
	}
	w.doneOnce.Do(func() { close(w.done) })
}

func (w *Worker) markError(ctx context.Context, code string, cause error) {
	if err := w.deps.Store.MarkResourceError(ctx, w.resourceID, code, cause.Error()); err != nil {
		w.logger.Error("error status update failed", "error", err)
	}
}

func (w *Worker) markBlocked(ctx context.Context, cause error) {
	w.logger.Error("marking resource blocked", "cause", cause)
	if err := w.deps.Store.UpdateResourceStatus(ctx, w.resourceID, store.StatusBlocked, store.PhaseError, "PERMANENT"); err != nil {
		w.logger.Error("blocked status update failed", "error", err)
	}
}

func (w *Worker) setState(state string) {
	w.mu.Lock()
	w.state = state
	w.mu.Unlock()
}

func (w *Worker) setHandle(handle provider.Handle) {
	w.mu.Lock()
	w.handle = handle
	w.mu.Unlock()
}

func (w *Worker) currentHandle() provider.Handle {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.handle
}

func historyEntries(messages []store.Message) []dialog.HistoryEntry {
	entries := make([]dialog.HistoryEntry, 0, len(messages))
	for _, message := range messages {
		entries = append(entries, dialog.HistoryEntry{
			Direction: message.Direction,
			Text:      message.Text,
		})
	}
	return entries
}

func asInt64(value any) int64 {
	switch v := value.(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}
