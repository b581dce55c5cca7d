// Package app wires the runtime together and supervises its long-lived
// loops.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/relaykit/sessiond/internal/config"
	"github.com/relaykit/sessiond/internal/dialog"
	"github.com/relaykit/sessiond/internal/dialog/openai"
	"github.com/relaykit/sessiond/internal/handshake"
	"github.com/relaykit/sessiond/internal/heartbeat"
	"github.com/relaykit/sessiond/internal/httpapi"
	"github.com/relaykit/sessiond/internal/manager"
	"github.com/relaykit/sessiond/internal/provider"
	"github.com/relaykit/sessiond/internal/providers/telegram"
	"github.com/relaykit/sessiond/internal/store"
	"github.com/relaykit/sessiond/internal/worker"
)

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger

	store            *store.Store
	registry         *provider.Registry
	coordinator      *handshake.Coordinator
	manager          *manager.Manager
	httpServer       *http.Server
	schemaWatcher    *provider.SchemaWatcher
	heartbeat        *heartbeat.Registry
	heartbeatMonitor *heartbeat.Monitor
	cron             *cron.Cron
}

func New(cfg config.Config, logger *slog.Logger) (*Runtime, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	sqlStore, err := store.New(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := sqlStore.AutoMigrate(context.Background()); err != nil {
		sqlStore.Close()
		return nil, err
	}

	heartbeatRegistry := heartbeat.NewRegistry()
	heartbeatRegistry.Report("runtime", heartbeat.StateStarting, "booting")
	var heartbeatMonitor *heartbeat.Monitor
	if cfg.HeartbeatEnabled {
		heartbeatMonitor = heartbeat.NewMonitor(heartbeatRegistry, heartbeat.MonitorConfig{
			Interval:   time.Duration(cfg.HeartbeatIntervalSec) * time.Second,
			StaleAfter: time.Duration(cfg.HeartbeatStaleSec) * time.Second,
			Logger:     logger,
		})
	}

	engine := openai.New(openai.Config{
		APIKey:  cfg.DialogAPIKey,
		BaseURL: cfg.DialogBaseURL,
		Model:   cfg.DialogModel,
		Timeout: time.Duration(cfg.DialogTimeoutSec) * time.Second,
	}, logger.With("component", "dialog"))

	telegramTransport := telegram.New(telegram.Config{
		APIBase:   cfg.TelegramAPIBase,
		GatewayWS: cfg.TelegramGatewayWS,
	}, logger)

	registry := provider.NewRegistry()
	registerProviders(registry, registerDeps{
		store:       sqlStore,
		transport:   telegramTransport,
		engine:      engine,
		transcriber: engine,
		logger:      logger,
		retry:       cfg.WorkerRetryInterval,
	})
	if loaded, err := registry.LoadSchemaDir(cfg.SchemaDir); err != nil {
		logger.Warn("schema dir load failed", "dir", cfg.SchemaDir, "error", err)
	} else if loaded > 0 {
		logger.Info("schema overrides loaded", "dir", cfg.SchemaDir, "count", loaded)
	}

	coordinator := handshake.New(sqlStore, registry, cfg.HandshakeTTL, logger)
	mgr := manager.New(sqlStore, registry, heartbeatRegistry, logger)

	router := httpapi.NewRouter(httpapi.Dependencies{
		Config:    cfg,
		Store:     sqlStore,
		Registry:  registry,
		Manager:   mgr,
		Handshake: coordinator,
		Heartbeat: heartbeatRegistry,
		Logger:    logger,
	})

	usageCron := cron.New()
	if _, err := usageCron.AddFunc(cfg.UsageResetSpec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		affected, err := sqlStore.ResetDailyUsage(ctx)
		if err != nil {
			logger.Error("daily usage reset failed", "error", err)
			return
		}
		logger.Info("daily usage reset", "resources", affected)
	}); err != nil {
		sqlStore.Close()
		return nil, fmt.Errorf("bad usage reset cron spec %q: %w", cfg.UsageResetSpec, err)
	}

	return &Runtime{
		cfg:         cfg,
		logger:      logger,
		store:       sqlStore,
		registry:    registry,
		coordinator: coordinator,
		manager:     mgr,
		httpServer: &http.Server{
			Addr:    cfg.HTTPAddr,
			Handler: router,
		},
		schemaWatcher:    provider.NewSchemaWatcher(cfg.SchemaDir, registry, logger.With("component", "schema-watcher")),
		heartbeat:        heartbeatRegistry,
		heartbeatMonitor: heartbeatMonitor,
		cron:             usageCron,
	}, nil
}

type registerDeps struct {
	store       *store.Store
	transport   provider.Transport
	engine      dialog.Engine
	transcriber dialog.Transcriber
	logger      *slog.Logger
	retry       time.Duration
}

// registerProviders declares every provider the build ships. telegram is
// fully implemented; avito has a schema only, its worker is not built yet,
// so activation surfaces NO_WORKER_IMPLEMENTATION instead of a silent
// failure.
func registerProviders(registry *provider.Registry, deps registerDeps) {
	registry.Register("telegram", telegram.Schema(), func(resource store.Resource) (provider.Worker, error) {
		return worker.New(resource, worker.Deps{
			Store:         deps.store,
			Transport:     deps.transport,
			Engine:        deps.engine,
			Transcriber:   deps.transcriber,
			Logger:        deps.logger,
			RetryInterval: deps.retry,
		}), nil
	})
	registry.RegisterTransport("telegram", deps.transport)

	registry.Register("avito", provider.Schema{Fields: []provider.Field{
		{Key: "creds.client_id", Type: provider.FieldString, Required: true},
		{Key: "creds.client_secret", Type: provider.FieldString, Required: true},
		{Key: "prompt", Type: provider.FieldString, Required: false},
	}}, nil)
}

func (r *Runtime) Close() error {
	if r.store == nil {
		return nil
	}
	return r.store.Close()
}
