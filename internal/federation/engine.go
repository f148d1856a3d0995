// Sync Engine: orchestrates the pull/push/bidirectional sync lifecycle
// against a registered peer (spec.md §4.8), gated by the Trust Manager,
// routed through a per-peer circuit breaker, and reconciled against
// conflicting local/remote edits via the peer's configured policy. No
// sync.py survived the distillation this core is built from; the
// pull/push/conflict control flow below is built directly from spec.md's
// prose, in the idiom established by this package's Protocol and Store.
package federation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/forge-project/forge-core/internal/cache"
	"github.com/forge-project/forge-core/internal/circuitbreaker"
	"github.com/forge-project/forge-core/internal/models"
	"github.com/forge-project/forge-core/internal/trust"
)

// pullPageSize is the page size requested on each pull round-trip
// (spec.md §4.8 "Pull loop": "limit = 100").
const pullPageSize = 100

// SyncStore is the subset of *Store the Sync Engine depends on. Splitting
// it out lets tests inject a stub storage layer without a Postgres pool
// (spec.md §9 "constructor parameters allow injecting a stub storage
// layer"); *Store satisfies it for production wiring.
type SyncStore interface {
	GetFederatedEntity(ctx context.Context, peerID, remoteID string) (*models.FederatedEntityRecord, error)
	UpsertFederatedEntity(ctx context.Context, rec *models.FederatedEntityRecord) error
	ResolveLocalID(ctx context.Context, peerID, remoteID string) (string, bool, error)
	CreateFederatedEdge(ctx context.Context, peerID, remoteSourceID, remoteTargetID, localSourceID, localTargetID string) error
	CreateSyncState(ctx context.Context, st *models.SyncState) error
	UpdateSyncState(ctx context.Context, st *models.SyncState) error
	CreateSyncConflict(ctx context.Context, c *models.SyncConflict) error
	UpdatePeer(ctx context.Context, p *models.Peer) error
	ListPeers(ctx context.Context) ([]*models.Peer, error)
}

// CapsuleStore is the subset of *graph.Repository the Sync Engine
// depends on, for the same reason as SyncStore.
type CapsuleStore interface {
	Get(ctx context.Context, id string) (*models.CapsulePayload, error)
	Create(ctx context.Context, payload models.CapsulePayload, originPeerID string) (string, error)
	Update(ctx context.Context, localID string, payload models.CapsulePayload) (string, error)
	Merge(ctx context.Context, localID string, local, remote models.CapsulePayload) (string, error)
	CreateEdge(ctx context.Context, sourceLocalID, targetLocalID, kind string) error
	ChangesSince(ctx context.Context, since time.Time, allowedTypes []string, minTrust, limit int) ([]models.CapsulePayload, bool, error)
}

// EngineDeps bundles the Sync Engine's collaborators. Capsules and Store
// are the two halves of local state (live graph rows, durable sync
// bookkeeping); Trust and Breakers are the resilience-fabric components
// that gate and isolate every call out to a peer.
type EngineDeps struct {
	Store     SyncStore
	Protocol  *Protocol
	Transport Transport
	Capsules  CapsuleStore
	Trust     *trust.Manager
	Breakers  *circuitbreaker.Registry
	// Cache and Invalidator are optional; when set, a successful pull
	// notifies the invalidator so stale query-cache entries for touched
	// capsules are dropped (spec.md §4.5 "on_capsule_updated").
	Cache       *cache.Cache
	Invalidator *cache.Invalidator
	Logger      *slog.Logger
}

// Engine drives federation sync. Its peer map is a read-through cache
// over Store; the *models.Peer mutated during a sync is written back to
// Store once, at the end of SyncWithPeer, after the engine-wide lock has
// been released (spec.md §5 "Sync Engine peer map").
type Engine struct {
	mu      sync.Mutex
	peers   map[string]*models.Peer
	syncing map[string]bool

	store     SyncStore
	protocol  *Protocol
	transport Transport
	capsules  CapsuleStore
	trust     *trust.Manager
	breakers  *circuitbreaker.Registry
	cache     *cache.Cache
	invalid   *cache.Invalidator
	logger    *slog.Logger
}

// NewEngine constructs a Sync Engine. Call RegisterPeer or LoadPeers to
// populate the in-memory peer map before scheduling syncs.
func NewEngine(deps EngineDeps) *Engine {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		peers:     make(map[string]*models.Peer),
		syncing:   make(map[string]bool),
		store:     deps.Store,
		protocol:  deps.Protocol,
		transport: deps.Transport,
		capsules:  deps.Capsules,
		trust:     deps.Trust,
		breakers:  deps.Breakers,
		cache:     deps.Cache,
		invalid:   deps.Invalidator,
		logger:    logger,
	}
}

// RegisterPeer adds or replaces a peer in the in-memory map, initializing
// its trust score if this is the first time the engine has seen it.
func (e *Engine) RegisterPeer(p *models.Peer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p.TrustScore == 0 && p.Status == models.PeerPending {
		e.trust.InitializePeerTrust(p, time.Now().UTC())
	}
	e.peers[p.ID] = p
}

// LoadPeers populates the in-memory peer map from durable storage. Call
// once at startup, before the scheduler begins driving syncs.
func (e *Engine) LoadPeers(ctx context.Context) (int, error) {
	peers, err := e.store.ListPeers(ctx)
	if err != nil {
		return 0, fmt.Errorf("federation: loading peers: %w", err)
	}
	for _, p := range peers {
		e.RegisterPeer(p)
	}
	return len(peers), nil
}

// UnregisterPeer drops a peer from the in-memory map. Its durable row is
// untouched; callers wanting a permanent revocation should go through
// trust.Manager.RevokePeer and Store.UpdatePeer first.
func (e *Engine) UnregisterPeer(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.peers, id)
	delete(e.syncing, id)
}

// GetPeer returns the in-memory copy of a registered peer.
func (e *Engine) GetPeer(id string) (*models.Peer, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.peers[id]
	return p, ok
}

// ListPeers returns a snapshot slice of every registered peer.
func (e *Engine) ListPeers() []*models.Peer {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*models.Peer, 0, len(e.peers))
	for _, p := range e.peers {
		out = append(out, p)
	}
	return out
}

// ErrPeerUnknown is returned by SyncWithPeer for an id the engine has not
// registered.
type ErrPeerUnknown struct{ PeerID string }

func (e *ErrPeerUnknown) Error() string { return fmt.Sprintf("federation: unknown peer %q", e.PeerID) }

// ErrSyncAlreadyRunning is returned when a sync is requested for a peer
// that already has one in flight.
type ErrSyncAlreadyRunning struct{ PeerID string }

func (e *ErrSyncAlreadyRunning) Error() string {
	return fmt.Sprintf("federation: sync already running for peer %q", e.PeerID)
}

// ErrSyncNotPermitted is returned when the Trust Manager refuses a sync.
type ErrSyncNotPermitted struct{ PeerID, Reason string }

func (e *ErrSyncNotPermitted) Error() string {
	return fmt.Sprintf("federation: sync with peer %q not permitted: %s", e.PeerID, e.Reason)
}

// SyncWithPeer drives one full sync attempt against peerID (spec.md
// §4.8 "Top-level"). direction overrides the peer's configured sync
// direction when non-empty; force bypasses the min-interval check.
func (e *Engine) SyncWithPeer(ctx context.Context, peerID string, direction models.SyncDirection, force bool) (*models.SyncState, error) {
	peer, state, skip, err := e.beginSync(peerID, direction, force)
	if err != nil {
		return nil, err
	}
	if skip {
		return state, nil
	}
	defer e.endSync(peerID)

	perm := trust.GetSyncPermissions(peer)
	maxEntities := perm.MaxCapsulesPerSync

	var runErr error
	switch state.Direction {
	case models.DirectionPull:
		runErr = e.executePull(ctx, peer, state, maxEntities)
	case models.DirectionPush:
		runErr = e.executePush(ctx, peer, state, maxEntities)
	default: // BIDIRECTIONAL
		if runErr = e.executePull(ctx, peer, state, maxEntities); runErr == nil {
			runErr = e.executePush(ctx, peer, state, maxEntities)
		}
	}

	completed := time.Now().UTC()
	state.CompletedAt = &completed
	state.Phase = models.PhaseFinalizing

	if runErr != nil {
		state.Status = models.SyncFailed
		state.ErrorMessage = runErr.Error()
		// RecordFailedSync bumps peer.TotalSyncs/FailedSyncs and may suspend it.
		e.trust.RecordFailedSync(peer, runErr.Error(), completed)
	} else {
		state.Status = models.SyncCompleted
		// RecordSuccessfulSync bumps peer.TotalSyncs/SuccessfulSyncs/LastSyncAt.
		e.trust.RecordSuccessfulSync(peer, completed)
	}
	peer.LastSeenAt = &completed

	if err := e.store.UpdateSyncState(ctx, state); err != nil {
		e.logger.Error("persisting final sync state", "sync_id", state.ID, "error", err)
	}
	if err := e.store.UpdatePeer(ctx, peer); err != nil {
		e.logger.Error("persisting peer after sync", "peer_id", peer.ID, "error", err)
	}

	return state, runErr
}

// beginSync performs every step of spec.md §4.8's top-level algorithm that
// must happen under the engine-wide lock: peer lookup, the min-interval
// skip check, the already-running guard, the trust gate, and sync_id
// allocation. It returns before any network I/O.
func (e *Engine) beginSync(peerID string, direction models.SyncDirection, force bool) (peer *models.Peer, state *models.SyncState, skipped bool, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	peer, ok := e.peers[peerID]
	if !ok {
		return nil, nil, false, &ErrPeerUnknown{PeerID: peerID}
	}

	now := time.Now().UTC()
	if !force && peer.LastSyncAt != nil {
		nextDue := peer.LastSyncAt.Add(time.Duration(peer.SyncIntervalMins) * time.Minute)
		if now.Before(nextDue) {
			return peer, syntheticSkippedState(peer, now), true, nil
		}
	}

	if e.syncing[peerID] {
		return nil, nil, false, &ErrSyncAlreadyRunning{PeerID: peerID}
	}

	if ok, reason := trust.CanSync(peer); !ok {
		return nil, nil, false, &ErrSyncNotPermitted{PeerID: peerID, Reason: reason}
	}

	dir := direction
	if dir == "" {
		dir = peer.SyncDirection
	}

	e.syncing[peerID] = true
	state = &models.SyncState{
		ID:        ulid.Make().String(),
		PeerID:    peerID,
		Direction: dir,
		StartedAt: now,
		Status:    models.SyncRunning,
		Phase:     models.PhaseInit,
	}
	return peer, state, false, nil
}

func (e *Engine) endSync(peerID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.syncing, peerID)
}

// syntheticSkippedState models a too-soon sync request as a terminal,
// already-COMPLETED state so callers see consistent accounting without
// the engine ever reaching out over the network (spec.md §4.8 step 1).
func syntheticSkippedState(peer *models.Peer, now time.Time) *models.SyncState {
	return &models.SyncState{
		ID:          "skipped-" + ulid.Make().String(),
		PeerID:      peer.ID,
		Direction:   peer.SyncDirection,
		StartedAt:   now,
		CompletedAt: &now,
		Status:      models.SyncCompleted,
		Phase:       models.PhaseFinalizing,
		ErrorMessage: "",
	}
}

// breakerFor returns the per-peer circuit breaker used to isolate all
// outbound calls to that peer (spec.md §4.2 "Pre-configured breakers":
// "overlay_<name>").
func (e *Engine) breakerFor(peer *models.Peer) *circuitbreaker.Breaker {
	return e.breakers.GetOrCreate(circuitbreaker.OverlayName(peer.ID), nil)
}

// executePull implements spec.md §4.8 "Pull loop".
func (e *Engine) executePull(ctx context.Context, peer *models.Peer, state *models.SyncState, maxEntities int) error {
	state.Phase = models.PhaseFetching
	if err := e.store.CreateSyncState(ctx, state); err != nil {
		return fmt.Errorf("persisting initial sync state: %w", err)
	}

	var since time.Time
	if peer.LastSyncAt != nil {
		since = *peer.LastSyncAt
	}
	state.SyncFrom = peer.LastSyncAt

	limit := pullPageSize
	if maxEntities > 0 && maxEntities < limit {
		limit = maxEntities
	}

	cursor := ""
	touchedCapsules := make(map[string]struct{})
	for {
		breaker := e.breakerFor(peer)
		payload, err := circuitbreaker.Call(ctx, breaker, func(callCtx context.Context) (*models.SyncPayload, error) {
			req := &SyncRequest{Since: since, CapsuleTypes: peer.AllowedEntityTypes, Limit: limit, Cursor: cursor}
			return e.transport.RequestSync(callCtx, peer, req)
		})
		if err != nil {
			return fmt.Errorf("requesting sync page from peer %s: %w", peer.ID, err)
		}

		state.Phase = models.PhaseProcessing
		for _, entity := range payload.Entities {
			state.CapsulesFetched++
			if err := e.applyPulledEntity(ctx, peer, state, entity, touchedCapsules); err != nil {
				e.logger.Warn("skipping malformed pulled entity", "peer_id", peer.ID, "remote_id", entity.RemoteID, "error", err)
				state.CapsulesSkipped++
			}
		}

		for _, delID := range payload.DeletionIDs {
			if err := e.applyPulledDeletion(ctx, peer, delID); err != nil {
				e.logger.Warn("failed flagging deleted remote capsule", "peer_id", peer.ID, "remote_id", delID, "error", err)
			}
		}

		state.Phase = models.PhaseApplying
		for _, edge := range payload.Edges {
			if err := e.applyPulledEdge(ctx, peer, edge); err != nil {
				state.EdgesSkipped++
				continue
			}
			state.EdgesCreated++
		}

		if !payload.HasMore {
			break
		}
		cursor = payload.NextCursor
	}

	if e.invalid != nil {
		for capsuleID := range touchedCapsules {
			e.invalid.OnCapsuleUpdated(ctx, capsuleID)
		}
	}
	return nil
}

// applyPulledEntity processes one entity from a pull page: trust
// filtering, first-sight materialization, or conflict-gated update,
// matching spec.md §4.8's per-entity pull rules exactly.
func (e *Engine) applyPulledEntity(ctx context.Context, peer *models.Peer, state *models.SyncState, entity models.CapsulePayload, touched map[string]struct{}) error {
	if entity.RemoteID == "" {
		return fmt.Errorf("entity missing remote id")
	}
	if entity.TrustLevel < peer.MinTrustToSync {
		state.CapsulesSkipped++
		return nil
	}

	fed, err := e.store.GetFederatedEntity(ctx, peer.ID, entity.RemoteID)
	now := time.Now().UTC()

	if err == ErrFederatedEntityNotFound {
		localID, createErr := e.capsules.Create(ctx, entity, peer.ID)
		if createErr != nil {
			return fmt.Errorf("materializing pulled entity: %w", createErr)
		}
		rec := &models.FederatedEntityRecord{
			PeerID: peer.ID, RemoteEntityID: entity.RemoteID, LocalID: localID,
			RemoteContentHash: entity.ContentHash, LocalContentHash: entity.ContentHash,
			SyncStatus: models.EntitySynced, Title: entity.Title, EntityType: entity.Type,
			TrustLevel: entity.TrustLevel, Owner: entity.Owner, LastSyncedAt: &now,
		}
		if err := e.store.UpsertFederatedEntity(ctx, rec); err != nil {
			return fmt.Errorf("recording federated entity: %w", err)
		}
		peer.EntitiesReceived++
		state.CapsulesCreated++
		touched[localID] = struct{}{}
		return nil
	}
	if err != nil {
		return fmt.Errorf("looking up federated entity: %w", err)
	}
	if fed.LocalID == "" {
		return fmt.Errorf("federated entity record for %s has no local id", entity.RemoteID)
	}

	localNow, err := e.capsules.Get(ctx, fed.LocalID)
	if err != nil {
		return fmt.Errorf("fetching local capsule %s: %w", fed.LocalID, err)
	}

	localChanged := localNow.ContentHash != fed.LocalContentHash
	remoteChanged := entity.ContentHash != fed.RemoteContentHash
	conflict := localChanged && remoteChanged

	var outcome, resolution string
	resolved := true
	if conflict {
		outcome, resolution, resolved, err = e.resolveConflict(ctx, peer, fed.LocalID, *localNow, entity)
		if err != nil {
			return fmt.Errorf("resolving conflict for %s: %w", entity.RemoteID, err)
		}
	} else if remoteChanged {
		hash, updErr := e.capsules.Update(ctx, fed.LocalID, entity)
		if updErr != nil {
			return fmt.Errorf("applying remote update: %w", updErr)
		}
		entity.ContentHash = hash
		outcome = "update"
	} else {
		outcome = "skip"
	}

	if conflict {
		cr := &models.SyncConflict{
			ID: ulid.Make().String(), SyncID: state.ID, PeerID: peer.ID,
			RemoteEntityID: entity.RemoteID, LocalID: fed.LocalID, Policy: peer.ConflictPolicy,
			Resolution: resolution, DetectedAt: now, Resolved: resolved,
		}
		if err := e.store.CreateSyncConflict(ctx, cr); err != nil {
			e.logger.Error("persisting sync conflict", "sync_id", state.ID, "error", err)
		}
		e.trust.RecordConflict(peer, resolved, now)
	}

	switch {
	case conflict && !resolved:
		// MANUAL_REVIEW: genuinely unresolved, its own terminal bucket
		// (spec.md invariant 7's per-entity buckets are mutually exclusive).
		state.CapsulesConflicted++
	case outcome == "update":
		state.CapsulesUpdated++
		touched[fed.LocalID] = struct{}{}
	default:
		state.CapsulesSkipped++
	}

	fed.RemoteContentHash = entity.ContentHash
	if refreshed, getErr := e.capsules.Get(ctx, fed.LocalID); getErr == nil {
		fed.LocalContentHash = refreshed.ContentHash
	}
	fed.SyncStatus = models.EntitySynced
	if conflict && !resolved {
		fed.SyncStatus = models.EntityConflict
		fed.ConflictReason = resolution
	}
	fed.LastSyncedAt = &now
	if err := e.store.UpsertFederatedEntity(ctx, fed); err != nil {
		e.logger.Error("updating federated entity record", "peer_id", peer.ID, "remote_id", entity.RemoteID, "error", err)
	}
	peer.EntitiesReceived++
	return nil
}

// resolveConflict applies the peer's configured conflict policy
// (spec.md §4.8 "Resolution policies"). It returns the outcome ("update"
// or "skip"), a short resolution label for the audit record, and whether
// the conflict was resolved automatically (false only for MANUAL_REVIEW).
func (e *Engine) resolveConflict(ctx context.Context, peer *models.Peer, localID string, local models.CapsulePayload, remote models.CapsulePayload) (outcome, resolution string, resolved bool, err error) {
	switch peer.ConflictPolicy {
	case models.PolicyLocalWins:
		return "skip", "local_wins", true, nil

	case models.PolicyRemoteWins:
		if _, err := e.capsules.Update(ctx, localID, remote); err != nil {
			return "", "", false, err
		}
		return "update", "remote_wins", true, nil

	case models.PolicyHigherTrust:
		if remote.TrustLevel > local.TrustLevel {
			if _, err := e.capsules.Update(ctx, localID, remote); err != nil {
				return "", "", false, err
			}
			return "update", "remote_higher_trust", true, nil
		}
		return "skip", "local_trust_tie_or_higher", true, nil

	case models.PolicyNewerTimestamp:
		if !remote.UpdatedAt.IsZero() && remote.UpdatedAt.After(local.UpdatedAt) {
			if _, err := e.capsules.Update(ctx, localID, remote); err != nil {
				return "", "", false, err
			}
			return "update", "remote_newer", true, nil
		}
		return "skip", "local_newer_or_tie", true, nil

	case models.PolicyMerge:
		if _, err := e.capsules.Merge(ctx, localID, local, remote); err != nil {
			return "", "", false, err
		}
		return "update", "merged", true, nil

	case models.PolicyManualReview:
		return "skip", "pending_manual_review", false, nil

	default:
		return "skip", "local_wins", true, nil
	}
}

// applyPulledDeletion flags a remote-deleted capsule for operator review
// rather than deleting it locally (spec.md §4.8, §9 "Open questions").
func (e *Engine) applyPulledDeletion(ctx context.Context, peer *models.Peer, remoteID string) error {
	fed, err := e.store.GetFederatedEntity(ctx, peer.ID, remoteID)
	if err == ErrFederatedEntityNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	fed.SyncStatus = models.EntityRejected
	fed.ConflictReason = "Remote capsule deleted"
	return e.store.UpsertFederatedEntity(ctx, fed)
}

// applyPulledEdge resolves both endpoints via the federated-entity index
// and materializes a local edge only when both sides are known locally
// (spec.md §4.8 "For each edge").
func (e *Engine) applyPulledEdge(ctx context.Context, peer *models.Peer, edge models.EdgePayload) error {
	srcLocal, ok, err := e.store.ResolveLocalID(ctx, peer.ID, edge.SourceID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("unresolved edge source %s", edge.SourceID)
	}
	dstLocal, ok, err := e.store.ResolveLocalID(ctx, peer.ID, edge.TargetID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("unresolved edge target %s", edge.TargetID)
	}
	if err := e.capsules.CreateEdge(ctx, srcLocal, dstLocal, edge.Kind); err != nil {
		return err
	}
	return e.store.CreateFederatedEdge(ctx, peer.ID, edge.SourceID, edge.TargetID, srcLocal, dstLocal)
}

// executePush implements spec.md §4.8 "Push loop": gather local changes
// since the peer's last sync and send them in one batch.
func (e *Engine) executePush(ctx context.Context, peer *models.Peer, state *models.SyncState, maxEntities int) error {
	state.Phase = models.PhaseApplying

	var since time.Time
	if peer.LastSyncAt != nil {
		since = *peer.LastSyncAt
	}
	limit := maxEntities
	if limit <= 0 {
		limit = pullPageSize
	}

	changes, _, err := e.capsules.ChangesSince(ctx, since, peer.AllowedEntityTypes, peer.MinTrustToSync, limit)
	if err != nil {
		return fmt.Errorf("loading local changes for push: %w", err)
	}
	if len(changes) == 0 {
		return nil
	}

	payload := &models.SyncPayload{
		PeerID:    peer.ID,
		SyncID:    state.ID,
		Timestamp: time.Now().UTC(),
		Entities:  changes,
	}

	breaker := e.breakerFor(peer)
	ack, err := circuitbreaker.Call(ctx, breaker, func(callCtx context.Context) (*PushAck, error) {
		return e.transport.SendPush(callCtx, peer, payload)
	})
	if err != nil {
		return fmt.Errorf("pushing sync payload to peer %s: %w", peer.ID, err)
	}
	if !ack.Accepted {
		return fmt.Errorf("peer %s rejected sync push: %s", peer.ID, ack.Reason)
	}

	peer.EntitiesSent += int64(len(changes))
	return nil
}
