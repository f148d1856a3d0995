package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Strategy selects how a capsule change event is translated into cache
// invalidation (spec.md §4.5).
type Strategy string

const (
	// StrategyImmediate invalidates affected entries synchronously.
	StrategyImmediate Strategy = "immediate"
	// StrategyDebounced coalesces a burst of changes to the same capsule
	// into a single invalidation after the configured debounce interval of quiet.
	StrategyDebounced Strategy = "debounced"
	// StrategyLazy marks entries stale without deleting them; callers
	// consult IsStale before trusting a cache hit.
	StrategyLazy Strategy = "lazy"
)

// InvalidationEvent describes one capsule change.
type InvalidationEvent struct {
	CapsuleID string
	EventType string // created, updated, deleted, lineage_changed
	Timestamp time.Time
	RelatedIDs []string
}

// InvalidatorStats mirrors the counters the original resilience engine
// exposes for invalidation monitoring.
type InvalidatorStats struct {
	mu              sync.Mutex
	EventsReceived  int64
	EventsProcessed int64
	EntriesInvalidated int64
	DebounceMerges  int64
	Errors          int64
}

func (s *InvalidatorStats) Snapshot() InvalidatorStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return InvalidatorStats{
		EventsReceived:     s.EventsReceived,
		EventsProcessed:    s.EventsProcessed,
		EntriesInvalidated: s.EntriesInvalidated,
		DebounceMerges:     s.DebounceMerges,
		Errors:             s.Errors,
	}
}

// Invalidator subscribes to capsule change notifications (via the events
// bus in normal operation, or direct calls in tests) and drives Cache
// invalidation according to its configured Strategy.
type Invalidator struct {
	cache    *Cache
	strategy Strategy
	debounce time.Duration
	logger   *slog.Logger

	mu            sync.Mutex
	pending       map[string]InvalidationEvent
	debounceTimer *time.Timer
	staleEntries  map[string]struct{}

	callbacks []func(InvalidationEvent)

	stats InvalidatorStats
}

// NewInvalidator constructs an Invalidator bound to cache.
func NewInvalidator(cache *Cache, strategy Strategy, debounce time.Duration, logger *slog.Logger) *Invalidator {
	if logger == nil {
		logger = slog.Default()
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	return &Invalidator{
		cache:        cache,
		strategy:     strategy,
		debounce:     debounce,
		logger:       logger,
		pending:      make(map[string]InvalidationEvent),
		staleEntries: make(map[string]struct{}),
	}
}

// RegisterCallback adds a hook invoked after every processed event,
// regardless of strategy.
func (inv *Invalidator) RegisterCallback(fn func(InvalidationEvent)) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.callbacks = append(inv.callbacks, fn)
}

// OnCapsuleCreated handles a capsule creation notification.
func (inv *Invalidator) OnCapsuleCreated(ctx context.Context, capsuleID string) error {
	return inv.handle(ctx, InvalidationEvent{CapsuleID: capsuleID, EventType: "created", Timestamp: time.Now()})
}

// OnCapsuleUpdated handles a capsule update notification.
func (inv *Invalidator) OnCapsuleUpdated(ctx context.Context, capsuleID string) error {
	return inv.handle(ctx, InvalidationEvent{CapsuleID: capsuleID, EventType: "updated", Timestamp: time.Now()})
}

// OnCapsuleDeleted handles a capsule deletion notification.
func (inv *Invalidator) OnCapsuleDeleted(ctx context.Context, capsuleID string) error {
	return inv.handle(ctx, InvalidationEvent{CapsuleID: capsuleID, EventType: "deleted", Timestamp: time.Now()})
}

// OnLineageChanged invalidates a capsule and every one of its parents.
func (inv *Invalidator) OnLineageChanged(ctx context.Context, capsuleID string, parentIDs []string) error {
	all := append([]string{capsuleID}, parentIDs...)
	for _, id := range all {
		if err := inv.handle(ctx, InvalidationEvent{
			CapsuleID: id, EventType: "lineage_changed", Timestamp: time.Now(), RelatedIDs: all,
		}); err != nil {
			return err
		}
	}
	return nil
}

// IsStale reports whether cacheKey has been marked stale by a LAZY
// strategy invalidation and not yet cleared.
func (inv *Invalidator) IsStale(cacheKey string) bool {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	_, ok := inv.staleEntries[cacheKey]
	return ok
}

// ClearStale removes the stale marker once the caller has refreshed the entry.
func (inv *Invalidator) ClearStale(cacheKey string) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	delete(inv.staleEntries, cacheKey)
}

// Stats returns a snapshot of the invalidator's counters.
func (inv *Invalidator) Stats() InvalidatorStats { return inv.stats.Snapshot() }

func (inv *Invalidator) handle(ctx context.Context, event InvalidationEvent) error {
	inv.stats.mu.Lock()
	inv.stats.EventsReceived++
	inv.stats.mu.Unlock()

	var err error
	switch inv.strategy {
	case StrategyDebounced:
		inv.invalidateDebounced(event)
	case StrategyLazy:
		inv.invalidateLazy(event)
	default:
		err = inv.invalidateImmediate(ctx, event)
	}

	if err != nil {
		inv.stats.mu.Lock()
		inv.stats.Errors++
		inv.stats.mu.Unlock()
		return err
	}

	inv.mu.Lock()
	callbacks := append([]func(InvalidationEvent){}, inv.callbacks...)
	inv.mu.Unlock()
	for _, cb := range callbacks {
		cb(event)
	}

	inv.stats.mu.Lock()
	inv.stats.EventsProcessed++
	inv.stats.mu.Unlock()
	return nil
}

func (inv *Invalidator) invalidateImmediate(ctx context.Context, event InvalidationEvent) error {
	count, err := inv.cache.InvalidateForCapsule(ctx, event.CapsuleID)
	if err != nil {
		return err
	}
	inv.stats.mu.Lock()
	inv.stats.EntriesInvalidated += int64(count)
	inv.stats.mu.Unlock()
	return nil
}

func (inv *Invalidator) invalidateDebounced(event InvalidationEvent) {
	inv.mu.Lock()
	if _, merging := inv.pending[event.CapsuleID]; merging {
		inv.stats.mu.Lock()
		inv.stats.DebounceMerges++
		inv.stats.mu.Unlock()
	}
	inv.pending[event.CapsuleID] = event

	if inv.debounceTimer != nil {
		inv.debounceTimer.Stop()
	}
	inv.debounceTimer = time.AfterFunc(inv.debounce, inv.flushPending)
	inv.mu.Unlock()
}

func (inv *Invalidator) flushPending() {
	inv.mu.Lock()
	pending := inv.pending
	inv.pending = make(map[string]InvalidationEvent)
	inv.mu.Unlock()

	if len(pending) == 0 {
		return
	}

	ctx := context.Background()
	var total int64
	for capsuleID := range pending {
		count, err := inv.cache.InvalidateForCapsule(ctx, capsuleID)
		if err != nil {
			inv.logger.Warn("debounced invalidation failed", "capsule_id", capsuleID, "error", err)
			continue
		}
		total += int64(count)
	}

	inv.stats.mu.Lock()
	inv.stats.EntriesInvalidated += total
	inv.stats.mu.Unlock()
}

func (inv *Invalidator) invalidateLazy(event InvalidationEvent) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.staleEntries[fmt.Sprintf("capsule:%s", event.CapsuleID)] = struct{}{}
	inv.staleEntries[fmt.Sprintf("lineage:%s:*", event.CapsuleID)] = struct{}{}
}

// Close flushes any pending debounced invalidations.
func (inv *Invalidator) Close() {
	inv.mu.Lock()
	if inv.debounceTimer != nil {
		inv.debounceTimer.Stop()
	}
	inv.mu.Unlock()
	inv.flushPending()
}
