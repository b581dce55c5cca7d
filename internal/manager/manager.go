// Package manager owns the live-worker set: the single exclusive-lock
// guarded map between resource ids and their running workers. Every start
// and stop goes through it so two callers can never race a duplicate worker
// into existence for the same resource.
package manager

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/relaykit/sessiond/internal/provider"
	"github.com/relaykit/sessiond/internal/store"
)

var ErrWorkerNotRunning = errors.New("no running worker for resource")

type dataStore interface {
	GetUser(ctx context.Context, id string) (store.User, error)
	GetResource(ctx context.Context, id string) (store.Resource, error)
	ListForUser(ctx context.Context, userID string) ([]store.Resource, error)
	ListActiveForUser(ctx context.Context, userID string) ([]store.Resource, error)
}

type workerSource interface {
	CreateWorker(resource store.Resource) (provider.Worker, error)
	ValidateConfig(name string, cfg map[string]any) (bool, []string)
}

type heartbeatSink interface {
	Report(component, status, detail string)
	Remove(component string)
}

type running struct {
	worker provider.Worker
	userID string
	cancel context.CancelFunc
	// ready closes once the reservation is resolved: worker assigned, or
	// released after a factory failure. Stop waits on it so a stop request
	// landing mid-construction is never dropped.
	ready chan struct{}
	done  chan struct{}
}

type Manager struct {
	store     dataStore
	registry  workerSource
	heartbeat heartbeatSink
	logger    *slog.Logger

	mu      sync.Mutex
	workers map[string]*running
	byUser  map[string]map[string]struct{}
}

func New(st dataStore, registry workerSource, heartbeat heartbeatSink, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:     st,
		registry:  registry,
		heartbeat: heartbeat,
		logger:    logger.With("component", "manager"),
		workers:   map[string]*running{},
		byUser:    map[string]map[string]struct{}{},
	}
}

// StartForUser starts a worker for every active resource of the user that
// is not already running. A disabled bot flag is a no-op, not an error.
// Returns the count of newly started workers.
func (m *Manager) StartForUser(ctx context.Context, userID string) (int, error) {
	user, err := m.store.GetUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	if !user.BotEnabled {
		m.logger.Info("bot disabled, nothing to start", "user_id", userID)
		return 0, nil
	}
	resources, err := m.store.ListActiveForUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	started := 0
	for _, resource := range resources {
		ok, err := m.EnsureStarted(ctx, resource)
		if err != nil {
			m.logger.Error("worker start failed", "resource_id", resource.ID, "error", err)
			continue
		}
		if ok {
			started++
		}
	}
	return started, nil
}

// StopForUser stops every live worker owned by the user. No-op when none
// are running.
func (m *Manager) StopForUser(userID string) int {
	m.mu.Lock()
	ids := make([]string, 0, len(m.byUser[userID]))
	for id := range m.byUser[userID] {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	stopped := 0
	for _, id := range ids {
		if m.Stop(id) {
			stopped++
		}
	}
	return stopped
}

// EnsureStarted starts a worker for the resource unless one is already
// live. The map entry is reserved under the lock before the worker is
// built, so N concurrent calls for the same resource yield one worker and
// N-1 no-ops. Returns true when this call started the worker.
func (m *Manager) EnsureStarted(ctx context.Context, resource store.Resource) (bool, error) {
	m.mu.Lock()
	if _, exists := m.workers[resource.ID]; exists {
		m.mu.Unlock()
		return false, nil
	}
	entry := &running{userID: resource.UserID, ready: make(chan struct{}), done: make(chan struct{})}
	m.workers[resource.ID] = entry
	if m.byUser[resource.UserID] == nil {
		m.byUser[resource.UserID] = map[string]struct{}{}
	}
	m.byUser[resource.UserID][resource.ID] = struct{}{}
	m.mu.Unlock()

	w, err := m.registry.CreateWorker(resource)
	if err != nil {
		m.remove(resource.ID)
		close(entry.ready)
		close(entry.done)
		return false, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	entry.worker = w
	entry.cancel = cancel
	m.mu.Unlock()
	close(entry.ready)

	if m.heartbeat != nil {
		m.heartbeat.Report(heartbeatComponent(resource.ID), "running", "")
	}
	m.logger.Info("worker started", "resource_id", resource.ID, "user_id", resource.UserID)

	go func() {
		err := w.Run(runCtx)
		if err != nil {
			m.logger.Warn("worker exited", "resource_id", resource.ID, "error", err)
		}
		cancel()
		m.remove(resource.ID)
		if m.heartbeat != nil {
			m.heartbeat.Remove(heartbeatComponent(resource.ID))
		}
		close(entry.done)
	}()
	return true, nil
}

// Stop synchronously stops the resource's worker. Idempotent; returns
// false when no worker was running. A stop arriving while EnsureStarted is
// still constructing the worker blocks until the reservation resolves.
func (m *Manager) Stop(resourceID string) bool {
	m.mu.Lock()
	entry, exists := m.workers[resourceID]
	m.mu.Unlock()
	if !exists {
		return false
	}
	<-entry.ready
	m.mu.Lock()
	w := entry.worker
	m.mu.Unlock()
	if w == nil {
		return false
	}
	w.Stop()
	<-entry.done
	return true
}

// Send routes a manual outbound message to the live worker.
func (m *Manager) Send(ctx context.Context, resourceID, peerID, text string) error {
	m.mu.Lock()
	entry, exists := m.workers[resourceID]
	m.mu.Unlock()
	if !exists || entry.worker == nil {
		return ErrWorkerNotRunning
	}
	return entry.worker.Send(ctx, peerID, text)
}

// Running reports whether the resource currently has a live worker.
func (m *Manager) Running(resourceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, exists := m.workers[resourceID]
	return exists
}

// PreflightEntry is the per-resource readiness report for the management
// surface: whether the resource could start right now and why not.
type PreflightEntry struct {
	ResourceID string   `json:"resource_id"`
	Provider   string   `json:"provider"`
	Status     string   `json:"status"`
	Phase      string   `json:"phase"`
	Ready      bool     `json:"ready"`
	Running    bool     `json:"running"`
	Problems   []string `json:"problems,omitempty"`
}

// Preflight reports, without starting anything, whether each of the user's
// resources has the material needed to start.
func (m *Manager) Preflight(ctx context.Context, userID string) ([]PreflightEntry, error) {
	resources, err := m.store.ListForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	entries := make([]PreflightEntry, 0, len(resources))
	for _, resource := range resources {
		entry := PreflightEntry{
			ResourceID: resource.ID,
			Provider:   resource.Provider,
			Status:     resource.Status,
			Phase:      resource.Phase,
			Running:    m.Running(resource.ID),
		}
		ok, problems := m.registry.ValidateConfig(resource.Provider, resource.Config)
		if !ok {
			entry.Problems = problems
		}
		if session, _ := resource.Credentials()["session"].(string); session == "" {
			entry.Problems = append(entry.Problems, "MISSING_SESSION")
			ok = false
		}
		entry.Ready = ok
		entries = append(entries, entry)
	}
	return entries, nil
}

// StopAll synchronously stops every live worker. Called on shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.workers))
	for id := range m.workers {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Stop(id)
	}
}

func (m *Manager) remove(resourceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, exists := m.workers[resourceID]
	if !exists {
		return
	}
	delete(m.workers, resourceID)
	if peers := m.byUser[entry.userID]; peers != nil {
		delete(peers, resourceID)
		if len(peers) == 0 {
			delete(m.byUser, entry.userID)
		}
	}
}

func heartbeatComponent(resourceID string) string {
	return "worker:" + resourceID
}
