package heartbeat

import (
	"context"
	"log/slog"
	"time"
)

type MonitorConfig struct {
	Interval   time.Duration
	StaleAfter time.Duration
	Logger     *slog.Logger
}

// Monitor periodically inspects the registry and logs components that went
// stale or degraded since the previous sweep.
type Monitor struct {
	registry   *Registry
	interval   time.Duration
	staleAfter time.Duration
	logger     *slog.Logger
}

func NewMonitor(registry *Registry, cfg MonitorConfig) *Monitor {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		registry:   registry,
		interval:   interval,
		staleAfter: cfg.StaleAfter,
		logger:     logger.With("component", "heartbeat-monitor"),
	}
}

func (m *Monitor) Start(ctx context.Context) error {
	if m.registry == nil {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	m.logger.Info("heartbeat monitor started", "interval", m.interval.String(), "stale_after", m.staleAfter.String())

	previous := map[string]string{}
	for {
		m.sweep(previous)
		select {
		case <-ctx.Done():
			m.logger.Info("heartbeat monitor stopped")
			return nil
		case <-ticker.C:
		}
	}
}

func (m *Monitor) sweep(previous map[string]string) {
	snapshot := m.registry.Snapshot(m.staleAfter)
	seen := map[string]struct{}{}
	for _, status := range snapshot.Components {
		seen[status.Name] = struct{}{}
		before, known := previous[status.Name]
		previous[status.Name] = status.State
		if known && before == status.State {
			continue
		}
		switch status.State {
		case StateStale:
			m.logger.Warn("component went stale", "name", status.Name, "last_beat_at_unix", status.LastBeatAtUnix)
		case StateError:
			m.logger.Warn("component degraded", "name", status.Name, "detail", status.Detail)
		default:
			if known {
				m.logger.Info("component state changed", "name", status.Name, "from", before, "to", status.State)
			}
		}
	}
	for name := range previous {
		if _, ok := seen[name]; !ok {
			delete(previous, name)
		}
	}
}
