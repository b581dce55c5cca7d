package manager

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/relaykit/sessiond/internal/provider"
	"github.com/relaykit/sessiond/internal/store"
)

type fakeWorker struct {
	stopOnce sync.Once
	stopCh   chan struct{}
}

func newFakeWorker() *fakeWorker {
	return &fakeWorker{stopCh: make(chan struct{})}
}

func (w *fakeWorker) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
	case <-w.stopCh:
	}
	return nil
}

func (w *fakeWorker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

func (w *fakeWorker) Send(ctx context.Context, peerID, text string) error { return nil }

type testEnv struct {
	store    *store.Store
	manager  *Manager
	user     store.User
	built    *atomic.Int64
	registry *provider.Registry
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	sqlStore, err := store.New(filepath.Join(t.TempDir(), "test.sqlite"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { sqlStore.Close() })
	if err := sqlStore.AutoMigrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	user, err := sqlStore.CreateUser(ctx, "Alice")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}

	built := &atomic.Int64{}
	registry := provider.NewRegistry()
	registry.Register("telegram", provider.Schema{Fields: []provider.Field{
		{Key: "creds.app_id", Type: provider.FieldNumber, Required: true},
		{Key: "creds.app_hash", Type: provider.FieldString, Required: true},
	}}, func(resource store.Resource) (provider.Worker, error) {
		built.Add(1)
		return newFakeWorker(), nil
	})

	m := New(sqlStore, registry, nil, nil)
	return &testEnv{store: sqlStore, manager: m, user: user, built: built, registry: registry}
}

func (e *testEnv) newActiveResource(t *testing.T) store.Resource {
	t.Helper()
	ctx := context.Background()
	resource, err := e.store.CreateResource(ctx, store.CreateResourceInput{
		UserID:   e.user.ID,
		Provider: "telegram",
		Label:    "account",
		Config: map[string]any{
			store.ConfigCredentialsKey: map[string]any{
				"app_id":   float64(1),
				"app_hash": "h",
				"session":  "material",
			},
		},
	})
	if err != nil {
		t.Fatalf("create resource: %v", err)
	}
	if err := e.store.UpdateResourceStatus(ctx, resource.ID, store.StatusActive, store.PhaseReady, ""); err != nil {
		t.Fatalf("activate: %v", err)
	}
	resource, err = e.store.GetResource(ctx, resource.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	return resource
}

func TestEnsureStartedNoDuplicateWorkers(t *testing.T) {
	env := newTestEnv(t)
	resource := env.newActiveResource(t)
	ctx := context.Background()

	const callers = 16
	var wg sync.WaitGroup
	var startedCount atomic.Int64
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			started, err := env.manager.EnsureStarted(ctx, resource)
			if err != nil {
				t.Errorf("ensure started: %v", err)
			}
			if started {
				startedCount.Add(1)
			}
		}()
	}
	wg.Wait()

	if startedCount.Load() != 1 {
		t.Fatalf("expected exactly one starter, got %d", startedCount.Load())
	}
	if env.built.Load() != 1 {
		t.Fatalf("expected exactly one worker built, got %d", env.built.Load())
	}
	if !env.manager.Running(resource.ID) {
		t.Fatal("worker must be live after ensure started")
	}
	env.manager.StopAll()
}

func TestStartForUserSkipsDisabledBot(t *testing.T) {
	env := newTestEnv(t)
	env.newActiveResource(t)
	ctx := context.Background()

	if err := env.store.SetBotEnabled(ctx, env.user.ID, false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	started, err := env.manager.StartForUser(ctx, env.user.ID)
	if err != nil {
		t.Fatalf("start for user: %v", err)
	}
	if started != 0 {
		t.Fatalf("disabled bot must be a no-op, started %d", started)
	}
}

func TestStartForUserIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	first := env.newActiveResource(t)
	env.newActiveResource(t)
	ctx := context.Background()

	started, err := env.manager.StartForUser(ctx, env.user.ID)
	if err != nil {
		t.Fatalf("start for user: %v", err)
	}
	if started != 2 {
		t.Fatalf("expected 2 started, got %d", started)
	}

	// Second sweep skips the already running workers.
	started, err = env.manager.StartForUser(ctx, env.user.ID)
	if err != nil {
		t.Fatalf("second start: %v", err)
	}
	if started != 0 {
		t.Fatalf("expected 0 newly started, got %d", started)
	}
	if env.built.Load() != 2 {
		t.Fatalf("expected 2 workers total, got %d", env.built.Load())
	}
	if !env.manager.Running(first.ID) {
		t.Fatal("first worker must still be live")
	}
	env.manager.StopAll()
}

func TestStopForUser(t *testing.T) {
	env := newTestEnv(t)
	env.newActiveResource(t)
	env.newActiveResource(t)
	ctx := context.Background()

	if _, err := env.manager.StartForUser(ctx, env.user.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	stopped := env.manager.StopForUser(env.user.ID)
	if stopped != 2 {
		t.Fatalf("expected 2 stopped, got %d", stopped)
	}
	// Safe when nothing is running.
	if again := env.manager.StopForUser(env.user.ID); again != 0 {
		t.Fatalf("expected no-op, got %d", again)
	}
}

func TestStopIsIdempotentAndSynchronous(t *testing.T) {
	env := newTestEnv(t)
	resource := env.newActiveResource(t)
	ctx := context.Background()

	if _, err := env.manager.EnsureStarted(ctx, resource); err != nil {
		t.Fatalf("ensure started: %v", err)
	}
	if !env.manager.Stop(resource.ID) {
		t.Fatal("first stop must report a stopped worker")
	}
	if env.manager.Running(resource.ID) {
		t.Fatal("worker must be gone after Stop returns")
	}
	if env.manager.Stop(resource.ID) {
		t.Fatal("second stop must be a no-op")
	}

	// A restart after stop observes no leftover state.
	started, err := env.manager.EnsureStarted(ctx, resource)
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if !started {
		t.Fatal("restart after stop must start a fresh worker")
	}
	env.manager.StopAll()
}

func TestStopWaitsForInFlightStart(t *testing.T) {
	env := newTestEnv(t)
	resource := env.newActiveResource(t)
	ctx := context.Background()

	constructing := make(chan struct{})
	release := make(chan struct{})
	env.registry.Register("telegram", provider.Schema{}, func(resource store.Resource) (provider.Worker, error) {
		close(constructing)
		<-release
		return newFakeWorker(), nil
	})

	startErr := make(chan error, 1)
	go func() {
		_, err := env.manager.EnsureStarted(ctx, resource)
		startErr <- err
	}()
	<-constructing

	stopped := make(chan bool, 1)
	go func() { stopped <- env.manager.Stop(resource.ID) }()

	// The reservation exists but the worker is still being built; Stop must
	// wait it out rather than report false.
	select {
	case <-stopped:
		t.Fatal("Stop returned while the worker was still being constructed")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	if err := <-startErr; err != nil {
		t.Fatalf("ensure started: %v", err)
	}
	select {
	case ok := <-stopped:
		if !ok {
			t.Fatal("Stop issued mid-construction must stop the started worker")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not finish after construction completed")
	}
	if env.manager.Running(resource.ID) {
		t.Fatal("worker must be gone after Stop returns")
	}
}

func TestEnsureStartedReleasesReservationOnFactoryError(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	resource, err := env.store.CreateResource(ctx, store.CreateResourceInput{
		UserID:   env.user.ID,
		Provider: "avito",
		Label:    "declared only",
	})
	if err != nil {
		t.Fatalf("create resource: %v", err)
	}
	env.registry.Register("avito", provider.Schema{}, nil)

	if _, err := env.manager.EnsureStarted(ctx, resource); err == nil {
		t.Fatal("expected factory error for declared-only provider")
	}
	if env.manager.Running(resource.ID) {
		t.Fatal("failed start must not leave a reservation behind")
	}
}

func TestPreflight(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	ready := env.newActiveResource(t)
	unauthenticated, err := env.store.CreateResource(ctx, store.CreateResourceInput{
		UserID:   env.user.ID,
		Provider: "telegram",
		Label:    "draft",
		Config: map[string]any{
			store.ConfigCredentialsKey: map[string]any{
				"app_id":   float64(1),
				"app_hash": "h",
			},
		},
	})
	if err != nil {
		t.Fatalf("create resource: %v", err)
	}

	entries, err := env.manager.Preflight(ctx, env.user.ID)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	byID := map[string]PreflightEntry{}
	for _, entry := range entries {
		byID[entry.ResourceID] = entry
	}
	if !byID[ready.ID].Ready {
		t.Fatalf("authenticated resource must be ready: %+v", byID[ready.ID])
	}
	got := byID[unauthenticated.ID]
	if got.Ready {
		t.Fatal("resource without session material must not be ready")
	}
	if len(got.Problems) != 1 || got.Problems[0] != "MISSING_SESSION" {
		t.Fatalf("expected MISSING_SESSION, got %v", got.Problems)
	}
	if env.manager.Running(ready.ID) {
		t.Fatal("preflight must not start workers")
	}
}

func TestStopAll(t *testing.T) {
	env := newTestEnv(t)
	env.newActiveResource(t)
	env.newActiveResource(t)
	ctx := context.Background()

	if _, err := env.manager.StartForUser(ctx, env.user.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	done := make(chan struct{})
	go func() {
		env.manager.StopAll()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("StopAll did not finish in time")
	}
	if env.manager.StopForUser(env.user.ID) != 0 {
		t.Fatal("all workers must be gone after StopAll")
	}
}
