package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/relaykit/sessiond/internal/config"
	"github.com/relaykit/sessiond/internal/dialog"
	"github.com/relaykit/sessiond/internal/handshake"
	"github.com/relaykit/sessiond/internal/heartbeat"
	"github.com/relaykit/sessiond/internal/manager"
	"github.com/relaykit/sessiond/internal/provider"
	"github.com/relaykit/sessiond/internal/store"
	"github.com/relaykit/sessiond/internal/worker"
)

type fakeHandle struct {
	events chan provider.Event

	mu    sync.Mutex
	sends []provider.Outgoing
	sent  chan struct{}
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{
		events: make(chan provider.Event, 16),
		sent:   make(chan struct{}, 16),
	}
}

func (h *fakeHandle) Send(ctx context.Context, peerID string, out provider.Outgoing) error {
	h.mu.Lock()
	h.sends = append(h.sends, out)
	h.mu.Unlock()
	h.sent <- struct{}{}
	return nil
}

func (h *fakeHandle) Events() <-chan provider.Event { return h.events }
func (h *fakeHandle) Err() error                    { return nil }
func (h *fakeHandle) Disconnect() error             { return nil }

type fakeTransport struct {
	mu     sync.Mutex
	handle *fakeHandle
}

func (t *fakeTransport) Connect(ctx context.Context, cfg map[string]any) (provider.Handle, error) {
	if session, _ := cfg["session"].(string); session == "" {
		return nil, provider.ErrInvalidCredentials
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.handle == nil {
		t.handle = newFakeHandle()
	}
	return t.handle, nil
}

func (t *fakeTransport) RequestCode(ctx context.Context, cfg map[string]any, identity string) (provider.Handle, provider.CodeRequest, error) {
	return nil, provider.CodeRequest{VerificationToken: "hash-1", Snapshot: "snap-1"}, nil
}

func (t *fakeTransport) ConfirmCode(ctx context.Context, resume provider.ResumeInput, code string) (string, error) {
	if code != "12345" {
		return "", provider.ErrCodeInvalid
	}
	return "authorized-session", nil
}

func (t *fakeTransport) liveHandle() *fakeHandle {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handle
}

type fakeEngine struct {
	mu    sync.Mutex
	calls int
}

func (e *fakeEngine) Reply(ctx context.Context, req dialog.Request) (dialog.Reply, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	return dialog.Reply{Text: "hi there", Tokens: 7}, nil
}

func (e *fakeEngine) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

type apiEnv struct {
	t         *testing.T
	store     *store.Store
	manager   *manager.Manager
	transport *fakeTransport
	engine    *fakeEngine
	server    *httptest.Server
	user      store.User
}

func newAPIEnv(t *testing.T) *apiEnv {
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

	transport := &fakeTransport{}
	engine := &fakeEngine{}

	registry := provider.NewRegistry()
	registry.Register("telegram", provider.Schema{Fields: []provider.Field{
		{Key: "creds.app_id", Type: provider.FieldNumber, Required: true},
		{Key: "creds.app_hash", Type: provider.FieldString, Required: true},
		{Key: "creds.phone", Type: provider.FieldString, Required: true},
		{Key: "creds.session", Type: provider.FieldString, Required: false},
	}}, func(resource store.Resource) (provider.Worker, error) {
		return worker.New(resource, worker.Deps{
			Store:         sqlStore,
			Transport:     transport,
			Engine:        engine,
			RetryInterval: 20 * time.Millisecond,
		}), nil
	})
	registry.RegisterTransport("telegram", transport)
	registry.Register("avito", provider.Schema{Fields: []provider.Field{
		{Key: "creds.token", Type: provider.FieldString, Required: true},
	}}, nil)

	beats := heartbeat.NewRegistry()
	mgr := manager.New(sqlStore, registry, beats, nil)
	t.Cleanup(mgr.StopAll)
	coordinator := handshake.New(sqlStore, registry, 300*time.Second, nil)

	router := NewRouter(Dependencies{
		Config:    config.Config{HeartbeatStaleSec: 120},
		Store:     sqlStore,
		Registry:  registry,
		Manager:   mgr,
		Handshake: coordinator,
		Heartbeat: beats,
	})
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	user, err := sqlStore.CreateUser(ctx, "Alice")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}

	return &apiEnv{
		t:         t,
		store:     sqlStore,
		manager:   mgr,
		transport: transport,
		engine:    engine,
		server:    server,
		user:      user,
	}
}

func (e *apiEnv) do(method, path string, payload any) (int, map[string]any) {
	e.t.Helper()
	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			e.t.Fatalf("encode payload: %v", err)
		}
	} else {
		body.WriteString("{}")
	}
	req, err := http.NewRequest(method, e.server.URL+path, &body)
	if err != nil {
		e.t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		e.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer res.Body.Close()
	var decoded map[string]any
	if err := json.NewDecoder(res.Body).Decode(&decoded); err != nil {
		e.t.Fatalf("decode response: %v", err)
	}
	return res.StatusCode, decoded
}

func (e *apiEnv) createDraft(t *testing.T) string {
	t.Helper()
	status, body := e.do(http.MethodPost, "/api/v1/resources", map[string]any{
		"user_id":  e.user.ID,
		"provider": "telegram",
		"label":    "personal",
		"config": map[string]any{
			"creds": map[string]any{
				"app_id":   12345,
				"app_hash": "hash",
				"phone":    "+15550001111",
			},
		},
	})
	if status != http.StatusCreated {
		t.Fatalf("create resource: status %d body %v", status, body)
	}
	resource := body["resource"].(map[string]any)
	return resource["id"].(string)
}

func waitFor(t *testing.T, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestEndToEndActivationAndFirstExchange(t *testing.T) {
	env := newAPIEnv(t)
	ctx := context.Background()
	id := env.createDraft(t)

	// Step 1: activate without a code starts the handshake.
	status, body := env.do(http.MethodPost, "/api/v1/resources/"+id+"/activate", map[string]any{})
	if status != http.StatusOK || body["ok"] != true || body["need_code"] != true {
		t.Fatalf("expected need_code, got %d %v", status, body)
	}
	resource, err := env.store.GetResource(ctx, id)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if resource.Phase != store.PhaseWaitingCode {
		t.Fatalf("expected waiting_code, got %s", resource.Phase)
	}

	// Step 2: confirm with the code.
	status, body = env.do(http.MethodPost, "/api/v1/resources/"+id+"/activate", map[string]any{"code": "12345"})
	if status != http.StatusOK || body["activated"] != true {
		t.Fatalf("expected activated, got %d %v", status, body)
	}
	resource, _ = env.store.GetResource(ctx, id)
	if resource.Phase != store.PhaseReady {
		t.Fatalf("expected ready, got %s", resource.Phase)
	}

	// Step 3: toggle activate starts the worker.
	status, body = env.do(http.MethodPost, "/api/v1/resources/"+id+"/toggle", map[string]any{"action": "activate"})
	if status != http.StatusOK || body["status"] != store.StatusActive {
		t.Fatalf("expected active, got %d %v", status, body)
	}
	waitFor(t, func() bool { return env.transport.liveHandle() != nil })
	handle := env.transport.liveHandle()

	// Step 4: one inbound event yields one stored exchange and usage.
	handle.events <- provider.Event{ExternalMsgID: "m1", PeerID: "peer-1", Kind: "text", Text: "hello"}
	select {
	case <-handle.sent:
	case <-time.After(2 * time.Second):
		t.Fatal("no reply sent")
	}
	waitFor(t, func() bool {
		in, _ := env.store.CountMessages(ctx, id, store.DirectionIn)
		out, _ := env.store.CountMessages(ctx, id, store.DirectionOut)
		return in == 1 && out == 1
	})
	if env.engine.callCount() != 1 {
		t.Fatalf("expected one engine invocation, got %d", env.engine.callCount())
	}
	waitFor(t, func() bool {
		resource, err := env.store.GetResource(ctx, id)
		return err == nil && resource.UsageToday == 7
	})
}

func TestActivateValidatesConfigFirst(t *testing.T) {
	env := newAPIEnv(t)
	status, body := env.do(http.MethodPost, "/api/v1/resources", map[string]any{
		"user_id":  env.user.ID,
		"provider": "telegram",
		"label":    "incomplete",
		"config":   map[string]any{"creds": map[string]any{"app_id": 1}},
	})
	if status != http.StatusCreated {
		t.Fatalf("create: %d %v", status, body)
	}
	id := body["resource"].(map[string]any)["id"].(string)

	status, body = env.do(http.MethodPost, "/api/v1/resources/"+id+"/activate", map[string]any{})
	if status != http.StatusBadRequest || body["error"] != "MISSING_FIELDS" {
		t.Fatalf("expected MISSING_FIELDS, got %d %v", status, body)
	}
}

func TestActivateWrongCode(t *testing.T) {
	env := newAPIEnv(t)
	id := env.createDraft(t)

	env.do(http.MethodPost, "/api/v1/resources/"+id+"/activate", map[string]any{})
	status, body := env.do(http.MethodPost, "/api/v1/resources/"+id+"/activate", map[string]any{"code": "00000"})
	if status != http.StatusBadRequest || body["error"] != "CODE_INVALID" {
		t.Fatalf("expected CODE_INVALID, got %d %v", status, body)
	}
}

func TestActivateConfirmWithoutBegin(t *testing.T) {
	env := newAPIEnv(t)
	id := env.createDraft(t)

	status, body := env.do(http.MethodPost, "/api/v1/resources/"+id+"/activate", map[string]any{"code": "12345"})
	if status != http.StatusConflict || body["error"] != "MISSING_PENDING_SESSION" {
		t.Fatalf("expected MISSING_PENDING_SESSION, got %d %v", status, body)
	}
}

func TestCreateResourceUnknownProvider(t *testing.T) {
	env := newAPIEnv(t)
	status, body := env.do(http.MethodPost, "/api/v1/resources", map[string]any{
		"user_id":  env.user.ID,
		"provider": "carrier-pigeon",
	})
	if status != http.StatusBadRequest || body["error"] != "UNKNOWN_PROVIDER" {
		t.Fatalf("expected UNKNOWN_PROVIDER, got %d %v", status, body)
	}
}

func TestToggleActivateDeclaredOnlyProvider(t *testing.T) {
	env := newAPIEnv(t)

	status, body := env.do(http.MethodPost, "/api/v1/resources", map[string]any{
		"user_id":  env.user.ID,
		"provider": "avito",
		"label":    "ads",
		"config":   map[string]any{"creds": map[string]any{"token": "tok", "session": "s"}},
	})
	if status != http.StatusCreated {
		t.Fatalf("create: %d %v", status, body)
	}
	id := body["resource"].(map[string]any)["id"].(string)

	status, body = env.do(http.MethodPost, "/api/v1/resources/"+id+"/toggle", map[string]any{"action": "activate"})
	if status != http.StatusConflict || body["error"] != "NO_WORKER_IMPLEMENTATION" {
		t.Fatalf("expected NO_WORKER_IMPLEMENTATION, got %d %v", status, body)
	}
}

func TestTogglePauseStopsWorker(t *testing.T) {
	env := newAPIEnv(t)
	ctx := context.Background()
	id := env.createDraft(t)

	env.do(http.MethodPost, "/api/v1/resources/"+id+"/activate", map[string]any{})
	env.do(http.MethodPost, "/api/v1/resources/"+id+"/activate", map[string]any{"code": "12345"})
	env.do(http.MethodPost, "/api/v1/resources/"+id+"/toggle", map[string]any{"action": "activate"})
	waitFor(t, func() bool { return env.manager.Running(id) })

	status, body := env.do(http.MethodPost, "/api/v1/resources/"+id+"/toggle", map[string]any{"action": "pause"})
	if status != http.StatusOK || body["status"] != store.StatusPaused {
		t.Fatalf("expected paused, got %d %v", status, body)
	}
	if env.manager.Running(id) {
		t.Fatal("worker must be stopped after pause")
	}
	resource, _ := env.store.GetResource(ctx, id)
	if resource.Status != store.StatusPaused {
		t.Fatalf("expected paused status, got %s", resource.Status)
	}
}

func TestSendRequiresRunningWorker(t *testing.T) {
	env := newAPIEnv(t)
	id := env.createDraft(t)

	status, body := env.do(http.MethodPost, "/api/v1/resources/"+id+"/send", map[string]any{
		"peer_id": "peer-1",
		"text":    "manual",
	})
	if status != http.StatusConflict || body["error"] != "NOT_RUNNING" {
		t.Fatalf("expected NOT_RUNNING, got %d %v", status, body)
	}
}

func TestBotStartAndStop(t *testing.T) {
	env := newAPIEnv(t)
	ctx := context.Background()
	id := env.createDraft(t)

	env.do(http.MethodPost, "/api/v1/resources/"+id+"/activate", map[string]any{})
	env.do(http.MethodPost, "/api/v1/resources/"+id+"/activate", map[string]any{"code": "12345"})
	if err := env.store.UpdateResourceStatus(ctx, id, store.StatusActive, store.PhaseReady, ""); err != nil {
		t.Fatalf("activate: %v", err)
	}

	status, body := env.do(http.MethodPost, "/api/v1/users/"+env.user.ID+"/bot/start", nil)
	if status != http.StatusOK || body["started"] != float64(1) {
		t.Fatalf("expected 1 started, got %d %v", status, body)
	}
	waitFor(t, func() bool { return env.manager.Running(id) })

	status, body = env.do(http.MethodPost, "/api/v1/users/"+env.user.ID+"/bot/stop", nil)
	if status != http.StatusOK || body["stopped"] != float64(1) {
		t.Fatalf("expected 1 stopped, got %d %v", status, body)
	}
	if env.manager.Running(id) {
		t.Fatal("worker must be stopped")
	}
}

func TestPreflightEndpoint(t *testing.T) {
	env := newAPIEnv(t)
	env.createDraft(t)

	status, body := env.do(http.MethodGet, "/api/v1/users/"+env.user.ID+"/preflight", nil)
	if status != http.StatusOK {
		t.Fatalf("preflight: %d %v", status, body)
	}
	resources := body["resources"].([]any)
	if len(resources) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(resources))
	}
	entry := resources[0].(map[string]any)
	if entry["ready"] != false {
		t.Fatalf("draft without session must not be ready: %v", entry)
	}
}

func TestUpdateResourcePreservesCreds(t *testing.T) {
	env := newAPIEnv(t)
	ctx := context.Background()
	id := env.createDraft(t)

	status, body := env.do(http.MethodPatch, "/api/v1/resources/"+id, map[string]any{
		"config": map[string]any{
			"prompt": "be helpful",
			"creds":  map[string]any{"app_hash": "attacker"},
		},
	})
	if status != http.StatusOK {
		t.Fatalf("update: %d %v", status, body)
	}
	resource, err := env.store.GetResource(ctx, id)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if resource.Config["prompt"] != "be helpful" {
		t.Fatalf("prompt not merged: %v", resource.Config)
	}
	if resource.Credentials()["app_hash"] != "hash" {
		t.Fatalf("creds must survive config updates: %v", resource.Credentials())
	}
	view := body["resource"].(map[string]any)
	if _, leaked := view["config"].(map[string]any)["creds"]; leaked {
		t.Fatal("credential values must never be echoed back")
	}
}

func TestStatusEndpoint(t *testing.T) {
	env := newAPIEnv(t)
	status, body := env.do(http.MethodGet, "/api/v1/status", nil)
	if status != http.StatusOK {
		t.Fatalf("status: %d %v", status, body)
	}
	if _, ok := body["overall"]; !ok {
		t.Fatalf("expected overall field, got %v", body)
	}
}
