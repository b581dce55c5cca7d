// Package heartbeat tracks liveness of the runtime's moving parts. Workers
// register on start and are removed on stop, so the status surface always
// reflects the live set.
package heartbeat

import (
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	StateStarting = "starting"
	StateRunning  = "running"
	StateError    = "error"
	StateStopped  = "stopped"
	StateStale    = "stale"
)

type ComponentStatus struct {
	Name           string `json:"name"`
	State          string `json:"state"`
	Detail         string `json:"detail,omitempty"`
	LastBeatAtUnix int64  `json:"last_beat_at_unix"`
	Stale          bool   `json:"stale,omitempty"`
}

type Snapshot struct {
	GeneratedAtUnix int64             `json:"generated_at_unix"`
	Overall         string            `json:"overall"`
	Components      []ComponentStatus `json:"components"`
}

type record struct {
	state      string
	detail     string
	lastBeatAt time.Time
}

type Registry struct {
	mu         sync.RWMutex
	components map[string]record
}

func NewRegistry() *Registry {
	return &Registry{components: map[string]record{}}
}

// Report upserts a component's state. Any report counts as a beat.
func (r *Registry) Report(component, state, detail string) {
	name := normalizeComponent(component)
	if name == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.components[name] = record{
		state:      normalizeState(state),
		detail:     strings.TrimSpace(detail),
		lastBeatAt: time.Now().UTC(),
	}
}

// Remove drops a component entirely. Stopped workers do not linger on the
// status page.
func (r *Registry) Remove(component string) {
	name := normalizeComponent(component)
	if name == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.components, name)
}

// Snapshot returns the current component set sorted by name. Components
// whose last beat is older than staleAfter are flagged stale; staleAfter
// zero disables the check.
func (r *Registry) Snapshot(staleAfter time.Duration) Snapshot {
	now := time.Now().UTC()
	r.mu.RLock()
	defer r.mu.RUnlock()

	components := make([]ComponentStatus, 0, len(r.components))
	for name, rec := range r.components {
		status := ComponentStatus{
			Name:           name,
			State:          rec.state,
			Detail:         rec.detail,
			LastBeatAtUnix: rec.lastBeatAt.Unix(),
		}
		if staleAfter > 0 && rec.state == StateRunning && now.Sub(rec.lastBeatAt) > staleAfter {
			status.State = StateStale
			status.Stale = true
		}
		components = append(components, status)
	}
	sort.Slice(components, func(i, j int) bool {
		return components[i].Name < components[j].Name
	})

	return Snapshot{
		GeneratedAtUnix: now.Unix(),
		Overall:         overall(components),
		Components:      components,
	}
}

func overall(components []ComponentStatus) string {
	if len(components) == 0 {
		return StateRunning
	}
	result := StateRunning
	for _, status := range components {
		switch status.State {
		case StateError, StateStale:
			return StateError
		case StateStarting:
			result = StateStarting
		}
	}
	return result
}

func normalizeComponent(component string) string {
	return strings.ToLower(strings.TrimSpace(component))
}

func normalizeState(state string) string {
	switch strings.ToLower(strings.TrimSpace(state)) {
	case StateStarting:
		return StateStarting
	case StateError:
		return StateError
	case StateStopped:
		return StateStopped
	case StateStale:
		return StateStale
	default:
		return StateRunning
	}
}
