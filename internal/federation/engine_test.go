package federation

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/forge-project/forge-core/internal/circuitbreaker"
	"github.com/forge-project/forge-core/internal/models"
	"github.com/forge-project/forge-core/internal/trust"
)

// fakeSyncStore is an in-memory stand-in for *Store, scoped to what the
// Sync Engine touches (spec.md §9 "injecting a stub storage layer").
type fakeSyncStore struct {
	entities  map[string]*models.FederatedEntityRecord // key: peerID+"/"+remoteID
	edges     []string
	states    []*models.SyncState
	conflicts []*models.SyncConflict
	peers     map[string]*models.Peer
}

func newFakeSyncStore() *fakeSyncStore {
	return &fakeSyncStore{
		entities: make(map[string]*models.FederatedEntityRecord),
		peers:    make(map[string]*models.Peer),
	}
}

func entKey(peerID, remoteID string) string { return peerID + "/" + remoteID }

func (s *fakeSyncStore) GetFederatedEntity(ctx context.Context, peerID, remoteID string) (*models.FederatedEntityRecord, error) {
	rec, ok := s.entities[entKey(peerID, remoteID)]
	if !ok {
		return nil, ErrFederatedEntityNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *fakeSyncStore) UpsertFederatedEntity(ctx context.Context, rec *models.FederatedEntityRecord) error {
	cp := *rec
	s.entities[entKey(rec.PeerID, rec.RemoteEntityID)] = &cp
	return nil
}

func (s *fakeSyncStore) ResolveLocalID(ctx context.Context, peerID, remoteID string) (string, bool, error) {
	rec, ok := s.entities[entKey(peerID, remoteID)]
	if !ok || rec.LocalID == "" {
		return "", false, nil
	}
	return rec.LocalID, true, nil
}

func (s *fakeSyncStore) CreateFederatedEdge(ctx context.Context, peerID, remoteSourceID, remoteTargetID, localSourceID, localTargetID string) error {
	s.edges = append(s.edges, fmt.Sprintf("%s:%s->%s", peerID, localSourceID, localTargetID))
	return nil
}

func (s *fakeSyncStore) CreateSyncState(ctx context.Context, st *models.SyncState) error {
	s.states = append(s.states, st)
	return nil
}

func (s *fakeSyncStore) UpdateSyncState(ctx context.Context, st *models.SyncState) error { return nil }

func (s *fakeSyncStore) CreateSyncConflict(ctx context.Context, c *models.SyncConflict) error {
	s.conflicts = append(s.conflicts, c)
	return nil
}

func (s *fakeSyncStore) UpdatePeer(ctx context.Context, p *models.Peer) error {
	s.peers[p.ID] = p
	return nil
}

func (s *fakeSyncStore) ListPeers(ctx context.Context) ([]*models.Peer, error) {
	out := make([]*models.Peer, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p)
	}
	return out, nil
}

// fakeCapsuleStore is an in-memory stand-in for *graph.Repository.
type fakeCapsuleStore struct {
	nextID    int
	byLocalID map[string]models.CapsulePayload
}

func newFakeCapsuleStore() *fakeCapsuleStore {
	return &fakeCapsuleStore{byLocalID: make(map[string]models.CapsulePayload)}
}

func (c *fakeCapsuleStore) Get(ctx context.Context, id string) (*models.CapsulePayload, error) {
	cp, ok := c.byLocalID[id]
	if !ok {
		return nil, fmt.Errorf("capsule %s not found", id)
	}
	return &cp, nil
}

func (c *fakeCapsuleStore) Create(ctx context.Context, payload models.CapsulePayload, originPeerID string) (string, error) {
	c.nextID++
	localID := fmt.Sprintf("local-%d", c.nextID)
	c.byLocalID[localID] = payload
	return localID, nil
}

func (c *fakeCapsuleStore) Update(ctx context.Context, localID string, payload models.CapsulePayload) (string, error) {
	c.byLocalID[localID] = payload
	return payload.ContentHash, nil
}

func (c *fakeCapsuleStore) Merge(ctx context.Context, localID string, local, remote models.CapsulePayload) (string, error) {
	merged := local
	if remote.TrustLevel >= local.TrustLevel {
		merged.Content = remote.Content
	}
	merged.ContentHash = "merged-" + remote.ContentHash
	c.byLocalID[localID] = merged
	return merged.ContentHash, nil
}

func (c *fakeCapsuleStore) CreateEdge(ctx context.Context, sourceLocalID, targetLocalID, kind string) error {
	return nil
}

func (c *fakeCapsuleStore) ChangesSince(ctx context.Context, since time.Time, allowedTypes []string, minTrust, limit int) ([]models.CapsulePayload, bool, error) {
	return nil, false, nil
}

// fakeTransport serves canned SyncPayload pages without any network I/O.
type fakeTransport struct {
	pages   []*models.SyncPayload
	pullErr error
	pushErr error
	pushes  []*models.SyncPayload
}

func (t *fakeTransport) RequestSync(ctx context.Context, peer *models.Peer, req *SyncRequest) (*models.SyncPayload, error) {
	if t.pullErr != nil {
		return nil, t.pullErr
	}
	if len(t.pages) == 0 {
		return &models.SyncPayload{HasMore: false}, nil
	}
	page := t.pages[0]
	t.pages = t.pages[1:]
	return page, nil
}

func (t *fakeTransport) SendPush(ctx context.Context, peer *models.Peer, payload *models.SyncPayload) (*PushAck, error) {
	if t.pushErr != nil {
		return nil, t.pushErr
	}
	t.pushes = append(t.pushes, payload)
	return &PushAck{Accepted: true}, nil
}

func testPeer(id string, policy models.ConflictPolicy) *models.Peer {
	return &models.Peer{
		ID:               id,
		DisplayName:      "peer-" + id,
		BaseURL:          "https://" + id + ".example.net",
		TrustScore:       0.5, // STANDARD tier: CanPull/CanPush, MaxCapsulesPerSync=200
		Status:           models.PeerActive,
		SyncDirection:    models.DirectionPull,
		SyncIntervalMins: 15,
		ConflictPolicy:   policy,
		MinTrustToSync:   0,
	}
}

func newTestEngine(t *testing.T, store *fakeSyncStore, capsules *fakeCapsuleStore, transport *fakeTransport) *Engine {
	t.Helper()
	return NewEngine(EngineDeps{
		Store:     store,
		Transport: transport,
		Capsules:  capsules,
		Trust:     trust.NewManager(),
		Breakers:  circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig(), nil),
	})
}

// A first-time pull of one never-before-seen capsule materializes it
// locally and counts it as created, never as updated or conflicted.
func TestSyncWithPeer_FirstTimePullCreatesCapsule(t *testing.T) {
	store := newFakeSyncStore()
	capsules := newFakeCapsuleStore()
	transport := &fakeTransport{
		pages: []*models.SyncPayload{
			{
				Entities: []models.CapsulePayload{
					{RemoteID: "remote-1", Type: "note", Title: "first", Content: "hello", ContentHash: "h1", TrustLevel: 5},
				},
				HasMore: false,
			},
		},
	}
	engine := newTestEngine(t, store, capsules, transport)
	peer := testPeer("peer-a", models.PolicyRemoteWins)
	engine.RegisterPeer(peer)

	state, err := engine.SyncWithPeer(context.Background(), peer.ID, models.DirectionPull, true)
	if err != nil {
		t.Fatalf("SyncWithPeer: %v", err)
	}
	if state.CapsulesCreated != 1 {
		t.Errorf("CapsulesCreated = %d, want 1", state.CapsulesCreated)
	}
	if state.CapsulesUpdated != 0 || state.CapsulesConflicted != 0 {
		t.Errorf("unexpected update/conflict counts: %+v", state)
	}
	if state.Status != models.SyncCompleted {
		t.Errorf("Status = %s, want COMPLETED", state.Status)
	}
	if len(capsules.byLocalID) != 1 {
		t.Errorf("expected one materialized capsule, got %d", len(capsules.byLocalID))
	}

	// Pulling the exact same unchanged page again must be idempotent: no
	// new capsule, no update, no conflict (spec.md §8 general law).
	transport.pages = []*models.SyncPayload{
		{
			Entities: []models.CapsulePayload{
				{RemoteID: "remote-1", Type: "note", Title: "first", Content: "hello", ContentHash: "h1", TrustLevel: 5},
			},
			HasMore: false,
		},
	}
	peer.LastSyncAt = nil // force bypasses the interval check regardless
	state2, err := engine.SyncWithPeer(context.Background(), peer.ID, models.DirectionPull, true)
	if err != nil {
		t.Fatalf("second SyncWithPeer: %v", err)
	}
	if state2.CapsulesCreated != 0 || state2.CapsulesUpdated != 0 || state2.CapsulesConflicted != 0 {
		t.Errorf("idempotent re-pull should be all-skip, got %+v", state2)
	}
	if state2.CapsulesSkipped != 1 {
		t.Errorf("CapsulesSkipped = %d, want 1", state2.CapsulesSkipped)
	}
}

// A HIGHER_TRUST conflict where the remote capsule carries more trust
// resolves as an update, not a manual-review conflict (spec.md §4.8
// resolution table; matches the HIGHER_TRUST scenario's expectation that
// an auto-resolved conflict lands in capsules_updated).
func TestSyncWithPeer_HigherTrustConflictResolvesAsUpdate(t *testing.T) {
	store := newFakeSyncStore()
	capsules := newFakeCapsuleStore()
	capsules.byLocalID["local-1"] = models.CapsulePayload{
		RemoteID: "remote-1", Content: "local edit", ContentHash: "local-hash", TrustLevel: 3,
	}
	store.entities[entKey("peer-a", "remote-1")] = &models.FederatedEntityRecord{
		PeerID: "peer-a", RemoteEntityID: "remote-1", LocalID: "local-1",
		RemoteContentHash: "remote-hash-old", LocalContentHash: "local-hash-old",
		SyncStatus: models.EntitySynced,
	}

	transport := &fakeTransport{
		pages: []*models.SyncPayload{
			{
				Entities: []models.CapsulePayload{
					{RemoteID: "remote-1", Type: "note", Title: "t", Content: "remote edit", ContentHash: "remote-hash-new", TrustLevel: 9},
				},
				HasMore: false,
			},
		},
	}
	engine := newTestEngine(t, store, capsules, transport)
	peer := testPeer("peer-a", models.PolicyHigherTrust)
	peer.LastSyncAt = nil
	engine.RegisterPeer(peer)

	state, err := engine.SyncWithPeer(context.Background(), peer.ID, models.DirectionPull, true)
	if err != nil {
		t.Fatalf("SyncWithPeer: %v", err)
	}
	if state.CapsulesUpdated != 1 {
		t.Errorf("CapsulesUpdated = %d, want 1", state.CapsulesUpdated)
	}
	if state.CapsulesConflicted != 0 {
		t.Errorf("CapsulesConflicted = %d, want 0 (auto-resolved conflicts aren't manual-review conflicts)", state.CapsulesConflicted)
	}
	if len(store.conflicts) != 1 {
		t.Fatalf("expected one audit conflict record, got %d", len(store.conflicts))
	}
	if !store.conflicts[0].Resolved {
		t.Errorf("HIGHER_TRUST conflict should be marked resolved")
	}
	got := capsules.byLocalID["local-1"]
	if got.Content != "remote edit" {
		t.Errorf("content = %q, want remote edit to win", got.Content)
	}
}

// MANUAL_REVIEW conflicts are never auto-applied and land in their own
// counter bucket, distinct from both updated and skipped.
func TestSyncWithPeer_ManualReviewConflictStaysPending(t *testing.T) {
	store := newFakeSyncStore()
	capsules := newFakeCapsuleStore()
	capsules.byLocalID["local-1"] = models.CapsulePayload{
		RemoteID: "remote-1", Content: "local edit", ContentHash: "local-hash",
	}
	store.entities[entKey("peer-a", "remote-1")] = &models.FederatedEntityRecord{
		PeerID: "peer-a", RemoteEntityID: "remote-1", LocalID: "local-1",
		RemoteContentHash: "remote-hash-old", LocalContentHash: "local-hash-old",
		SyncStatus: models.EntitySynced,
	}
	transport := &fakeTransport{
		pages: []*models.SyncPayload{
			{
				Entities: []models.CapsulePayload{
					{RemoteID: "remote-1", Type: "note", Content: "remote edit", ContentHash: "remote-hash-new"},
				},
				HasMore: false,
			},
		},
	}
	engine := newTestEngine(t, store, capsules, transport)
	peer := testPeer("peer-a", models.PolicyManualReview)
	peer.LastSyncAt = nil
	engine.RegisterPeer(peer)

	state, err := engine.SyncWithPeer(context.Background(), peer.ID, models.DirectionPull, true)
	if err != nil {
		t.Fatalf("SyncWithPeer: %v", err)
	}
	if state.CapsulesConflicted != 1 {
		t.Errorf("CapsulesConflicted = %d, want 1", state.CapsulesConflicted)
	}
	if state.CapsulesUpdated != 0 {
		t.Errorf("CapsulesUpdated = %d, want 0 for an unresolved manual-review conflict", state.CapsulesUpdated)
	}
	if got := capsules.byLocalID["local-1"].Content; got != "local edit" {
		t.Errorf("local content must not change pending manual review, got %q", got)
	}
	if len(store.conflicts) != 1 || store.conflicts[0].Resolved {
		t.Errorf("expected one unresolved conflict record, got %+v", store.conflicts)
	}
}

// A quarantined peer is refused outright, before any transport call.
func TestSyncWithPeer_QuarantinedPeerRefused(t *testing.T) {
	store := newFakeSyncStore()
	capsules := newFakeCapsuleStore()
	transport := &fakeTransport{}
	engine := newTestEngine(t, store, capsules, transport)
	peer := testPeer("peer-a", models.PolicyLocalWins)
	peer.TrustScore = 0.05 // below QuarantineThreshold
	engine.RegisterPeer(peer)

	_, err := engine.SyncWithPeer(context.Background(), peer.ID, models.DirectionPull, true)
	if _, ok := err.(*ErrSyncNotPermitted); !ok {
		t.Fatalf("expected ErrSyncNotPermitted, got %v", err)
	}
}

// A sync requested for a peer the engine never registered fails clearly
// rather than silently no-op'ing.
func TestSyncWithPeer_UnknownPeer(t *testing.T) {
	engine := newTestEngine(t, newFakeSyncStore(), newFakeCapsuleStore(), &fakeTransport{})
	_, err := engine.SyncWithPeer(context.Background(), "ghost", models.DirectionPull, true)
	if _, ok := err.(*ErrPeerUnknown); !ok {
		t.Fatalf("expected ErrPeerUnknown, got %v", err)
	}
}
