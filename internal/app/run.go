package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/relaykit/sessiond/internal/heartbeat"
)

// Run starts every long-lived loop and blocks until the context is
// cancelled or one of them fails. Shutdown order: stop accepting HTTP,
// stop workers, drop pending handshakes.
func (r *Runtime) Run(ctx context.Context) error {
	r.logger.Info("sessiond starting",
		"addr", r.cfg.HTTPAddr,
		"db_path", r.cfg.DBPath,
		"environment", r.cfg.Environment,
		"providers", r.registry.Names(),
	)
	r.heartbeat.Report("runtime", heartbeat.StateRunning, "runtime loop started")

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return runMonitored(groupCtx, r.heartbeat, "api", 20*time.Second, func(runCtx context.Context) error {
			err := r.httpServer.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
	})
	group.Go(func() error {
		return runMonitored(groupCtx, r.heartbeat, "schema-watcher", 0, func(runCtx context.Context) error {
			return r.schemaWatcher.Start(runCtx)
		})
	})
	group.Go(func() error {
		r.cron.Start()
		r.heartbeat.Report("usage-reset", heartbeat.StateRunning, "scheduled")
		<-groupCtx.Done()
		stopCtx := r.cron.Stop()
		<-stopCtx.Done()
		r.heartbeat.Report("usage-reset", heartbeat.StateStopped, "stopped")
		return nil
	})
	if r.heartbeatMonitor != nil {
		group.Go(func() error {
			return r.heartbeatMonitor.Start(groupCtx)
		})
	}

	if err := r.restartActiveWorkers(groupCtx); err != nil {
		r.logger.Error("startup worker restore failed", "error", err)
	}

	group.Go(func() error {
		<-groupCtx.Done()
		r.manager.StopAll()
		r.coordinator.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return r.httpServer.Shutdown(shutdownCtx)
	})

	return group.Wait()
}

// restartActiveWorkers brings back workers for every user who had active
// resources before the process restarted.
func (r *Runtime) restartActiveWorkers(ctx context.Context) error {
	userIDs, err := r.store.ListUsersWithActiveResources(ctx)
	if err != nil {
		return err
	}
	total := 0
	for _, userID := range userIDs {
		started, err := r.manager.StartForUser(ctx, userID)
		if err != nil {
			r.logger.Warn("worker restore failed for user", "user_id", userID, "error", err)
			continue
		}
		total += started
	}
	if total > 0 {
		r.logger.Info("workers restored", "users", len(userIDs), "workers", total)
	}
	return nil
}

func runMonitored(
	ctx context.Context,
	registry *heartbeat.Registry,
	component string,
	beatInterval time.Duration,
	run func(context.Context) error,
) error {
	registry.Report(component, heartbeat.StateStarting, "starting")
	registry.Report(component, heartbeat.StateRunning, "")

	var stopBeats func()
	if beatInterval > 0 {
		beatCtx, cancel := context.WithCancel(ctx)
		stopBeats = cancel
		go func() {
			ticker := time.NewTicker(beatInterval)
			defer ticker.Stop()
			for {
				select {
				case <-beatCtx.Done():
					return
				case <-ticker.C:
					registry.Report(component, heartbeat.StateRunning, "")
				}
			}
		}()
	}

	err := run(ctx)
	if stopBeats != nil {
		stopBeats()
	}
	if err != nil && ctx.Err() == nil {
		registry.Report(component, heartbeat.StateError, err.Error())
		return err
	}
	registry.Report(component, heartbeat.StateStopped, "stopped")
	return err
}
