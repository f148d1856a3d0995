package circuitbreaker

import (
	"log/slog"
	"sync"
)

// Registry is a process-wide map of dependency name to Breaker, created
// lazily under a lock (spec.md §4.2 "Registry"). It must be explicitly
// constructed at startup and torn down at shutdown like the Trust Manager,
// Nonce Store, Scheduler, and Query Cache (spec.md §9).
type Registry struct {
	mu         sync.Mutex
	breakers   map[string]*Breaker
	defaultCfg Config
	logger     *slog.Logger
}

// NewRegistry constructs an empty registry. defaultCfg is used by
// GetOrCreate when no config is supplied for a new name.
func NewRegistry(defaultCfg Config, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		breakers:   make(map[string]*Breaker),
		defaultCfg: defaultCfg,
		logger:     logger,
	}
}

// GetOrCreate returns the named breaker, creating it with cfg (or the
// registry default, if cfg is nil) if it does not yet exist.
func (r *Registry) GetOrCreate(name string, cfg *Config) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[name]; ok {
		return b
	}
	use := r.defaultCfg
	if cfg != nil {
		use = *cfg
	}
	b := New(name, use, r.logger)
	r.breakers[name] = b
	return b
}

// Get returns the named breaker if it exists.
func (r *Registry) Get(name string) (*Breaker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[name]
	return b, ok
}

// ListNames returns every registered breaker's name.
func (r *Registry) ListNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	return names
}

// GetAllStatus returns a snapshot of every breaker's status, keyed by name.
func (r *Registry) GetAllStatus() map[string]Status {
	r.mu.Lock()
	snapshot := make([]*Breaker, 0, len(r.breakers))
	names := make([]string, 0, len(r.breakers))
	for name, b := range r.breakers {
		names = append(names, name)
		snapshot = append(snapshot, b)
	}
	r.mu.Unlock()

	out := make(map[string]Status, len(snapshot))
	for i, b := range snapshot {
		out[names[i]] = b.GetStatus()
	}
	return out
}

// GetOpenCircuits returns the names of every breaker currently OPEN.
func (r *Registry) GetOpenCircuits() []string {
	r.mu.Lock()
	snapshot := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		snapshot = append(snapshot, b)
	}
	r.mu.Unlock()

	var open []string
	for _, b := range snapshot {
		if b.State() == Open {
			open = append(open, b.name)
		}
	}
	return open
}

// HealthSummary reports the closed/total ratio across the registry.
type HealthSummary struct {
	TotalCircuits int
	Closed        int
	Open          int
	HalfOpen      int
	HealthScore   float64
	OpenCircuits  []string
}

// GetHealthSummary aggregates per-state counts over every registered breaker.
func (r *Registry) GetHealthSummary() HealthSummary {
	r.mu.Lock()
	snapshot := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		snapshot = append(snapshot, b)
	}
	r.mu.Unlock()

	var open, halfOpen []string
	var closedCount int
	for _, b := range snapshot {
		switch b.State() {
		case Open:
			open = append(open, b.name)
		case HalfOpen:
			halfOpen = append(halfOpen, b.name)
		default:
			closedCount++
		}
	}

	total := len(snapshot)
	score := 1.0
	if total > 0 {
		score = float64(closedCount) / float64(total)
	}

	return HealthSummary{
		TotalCircuits: total,
		Closed:        closedCount,
		Open:          len(open),
		HalfOpen:      len(halfOpen),
		HealthScore:   score,
		OpenCircuits:  open,
	}
}

// ResetAll resets every registered breaker to CLOSED.
func (r *Registry) ResetAll() {
	r.mu.Lock()
	snapshot := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		snapshot = append(snapshot, b)
	}
	r.mu.Unlock()

	for _, b := range snapshot {
		b.Reset()
	}
}

// OverlayName builds the pre-configured "overlay_<name>" breaker name used
// for per-overlay dependency isolation (spec.md §4.2).
func OverlayName(overlay string) string {
	return "overlay_" + overlay
}
