package federation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/forge-project/forge-core/internal/models"
)

// ErrPeerNotFound is returned by Store lookups that miss.
var ErrPeerNotFound = errors.New("federation: peer not found")

// ErrFederatedEntityNotFound is returned when a (peer, remote id) pair has
// no tracking row yet.
var ErrFederatedEntityNotFound = errors.New("federation: federated entity record not found")

// Store persists the durable half of the Sync Engine's state: peers,
// federated entity/edge tracking rows, sync attempts, and conflict records
// (spec.md §3.1-§3.4, §6 "Persisted state layout"). The Engine's in-memory
// peer map (spec.md §5 "Sync Engine peer map") is a cache over this table
// set, not a replacement for it — every mutation the Engine makes to a Peer
// is written through to Store before it is considered durable.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore constructs a Store over the shared pgx pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// GetPeer loads one peer by id.
func (s *Store) GetPeer(ctx context.Context, id string) (*models.Peer, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, display_name, base_url, our_public_key, peer_public_key, trust_score, status,
		       sync_direction, sync_interval_minutes, conflict_policy, allowed_entity_types,
		       min_trust_to_sync, registered_at, last_seen_at, last_sync_at, last_verified_at,
		       total_syncs, successful_syncs, failed_syncs, entities_sent, entities_received, description
		FROM peers WHERE id = $1`, id)
	p, err := scanPeer(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrPeerNotFound
	}
	return p, err
}

// ListPeers loads every registered peer.
func (s *Store) ListPeers(ctx context.Context) ([]*models.Peer, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, display_name, base_url, our_public_key, peer_public_key, trust_score, status,
		       sync_direction, sync_interval_minutes, conflict_policy, allowed_entity_types,
		       min_trust_to_sync, registered_at, last_seen_at, last_sync_at, last_verified_at,
		       total_syncs, successful_syncs, failed_syncs, entities_sent, entities_received, description
		FROM peers ORDER BY registered_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("federation: listing peers: %w", err)
	}
	defer rows.Close()

	var out []*models.Peer
	for rows.Next() {
		p, err := scanPeer(rows)
		if err != nil {
			return nil, fmt.Errorf("federation: scanning peer: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPeer(row pgx.Row) (*models.Peer, error) {
	var p models.Peer
	err := row.Scan(
		&p.ID, &p.DisplayName, &p.BaseURL, &p.OurPublicKey, &p.PeerPublicKey, &p.TrustScore, &p.Status,
		&p.SyncDirection, &p.SyncIntervalMins, &p.ConflictPolicy, &p.AllowedEntityTypes,
		&p.MinTrustToSync, &p.RegisteredAt, &p.LastSeenAt, &p.LastSyncAt, &p.LastVerifiedAt,
		&p.TotalSyncs, &p.SuccessfulSyncs, &p.FailedSyncs, &p.EntitiesSent, &p.EntitiesReceived, &p.Description,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// CreatePeer inserts a newly-registered peer (spec.md §3.1 "Lifecycle").
func (s *Store) CreatePeer(ctx context.Context, p *models.Peer) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO peers (id, display_name, base_url, our_public_key, peer_public_key, trust_score, status,
		                    sync_direction, sync_interval_minutes, conflict_policy, allowed_entity_types,
		                    min_trust_to_sync, registered_at, description)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		p.ID, p.DisplayName, p.BaseURL, p.OurPublicKey, p.PeerPublicKey, p.TrustScore, p.Status,
		p.SyncDirection, p.SyncIntervalMins, p.ConflictPolicy, p.AllowedEntityTypes,
		p.MinTrustToSync, p.RegisteredAt, p.Description)
	if err != nil {
		return fmt.Errorf("federation: creating peer: %w", err)
	}
	return nil
}

// UpdatePeer writes through every mutable field of p. Called after Trust
// Manager or Sync Engine mutations so the in-memory copy and the durable
// row never diverge for longer than one operation.
func (s *Store) UpdatePeer(ctx context.Context, p *models.Peer) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE peers SET
			display_name=$2, base_url=$3, peer_public_key=$4, trust_score=$5, status=$6,
			sync_direction=$7, sync_interval_minutes=$8, conflict_policy=$9, allowed_entity_types=$10,
			min_trust_to_sync=$11, last_seen_at=$12, last_sync_at=$13, last_verified_at=$14,
			total_syncs=$15, successful_syncs=$16, failed_syncs=$17, entities_sent=$18,
			entities_received=$19, description=$20
		WHERE id=$1`,
		p.ID, p.DisplayName, p.BaseURL, p.PeerPublicKey, p.TrustScore, p.Status,
		p.SyncDirection, p.SyncIntervalMins, p.ConflictPolicy, p.AllowedEntityTypes,
		p.MinTrustToSync, p.LastSeenAt, p.LastSyncAt, p.LastVerifiedAt,
		p.TotalSyncs, p.SuccessfulSyncs, p.FailedSyncs, p.EntitiesSent,
		p.EntitiesReceived, p.Description)
	if err != nil {
		return fmt.Errorf("federation: updating peer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPeerNotFound
	}
	return nil
}

// GetFederatedEntity loads the tracking row for one (peer, remote id) pair.
func (s *Store) GetFederatedEntity(ctx context.Context, peerID, remoteID string) (*models.FederatedEntityRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT peer_id, remote_entity_id, local_id, remote_content_hash, local_content_hash,
		       sync_status, title, entity_type, trust_level, owner, conflict_reason, last_synced_at
		FROM federated_entity_records WHERE peer_id = $1 AND remote_entity_id = $2`, peerID, remoteID)

	var rec models.FederatedEntityRecord
	var localID, remoteHash, localHash, title, entityType, owner, reason *string
	var trustLevel *int
	err := row.Scan(&rec.PeerID, &rec.RemoteEntityID, &localID, &remoteHash, &localHash,
		&rec.SyncStatus, &title, &entityType, &trustLevel, &owner, &reason, &rec.LastSyncedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrFederatedEntityNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("federation: scanning federated entity: %w", err)
	}
	rec.LocalID = derefStr(localID)
	rec.RemoteContentHash = derefStr(remoteHash)
	rec.LocalContentHash = derefStr(localHash)
	rec.Title = derefStr(title)
	rec.EntityType = derefStr(entityType)
	rec.Owner = derefStr(owner)
	rec.ConflictReason = derefStr(reason)
	if trustLevel != nil {
		rec.TrustLevel = *trustLevel
	}
	return &rec, nil
}

// UpsertFederatedEntity writes a tracking row, inserting or overwriting by
// the (peer_id, remote_entity_id) primary key.
func (s *Store) UpsertFederatedEntity(ctx context.Context, rec *models.FederatedEntityRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO federated_entity_records
			(peer_id, remote_entity_id, local_id, remote_content_hash, local_content_hash,
			 sync_status, title, entity_type, trust_level, owner, conflict_reason, last_synced_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (peer_id, remote_entity_id) DO UPDATE SET
			local_id=$3, remote_content_hash=$4, local_content_hash=$5, sync_status=$6,
			title=$7, entity_type=$8, trust_level=$9, owner=$10, conflict_reason=$11, last_synced_at=$12`,
		rec.PeerID, rec.RemoteEntityID, nullStr(rec.LocalID), nullStr(rec.RemoteContentHash), nullStr(rec.LocalContentHash),
		rec.SyncStatus, nullStr(rec.Title), nullStr(rec.EntityType), rec.TrustLevel, nullStr(rec.Owner),
		nullStr(rec.ConflictReason), rec.LastSyncedAt)
	if err != nil {
		return fmt.Errorf("federation: upserting federated entity: %w", err)
	}
	return nil
}

// ResolveLocalID looks up the local id previously materialized for a
// (peer, remote id) pair, used by the pull loop's edge-resolution step
// (spec.md §4.8 "For each edge").
func (s *Store) ResolveLocalID(ctx context.Context, peerID, remoteID string) (string, bool, error) {
	var localID *string
	err := s.pool.QueryRow(ctx, `
		SELECT local_id FROM federated_entity_records WHERE peer_id = $1 AND remote_entity_id = $2`,
		peerID, remoteID).Scan(&localID)
	if errors.Is(err, pgx.ErrNoRows) || localID == nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("federation: resolving local id: %w", err)
	}
	return *localID, true, nil
}

// CreateFederatedEdge records a materialized local edge's remote origin.
func (s *Store) CreateFederatedEdge(ctx context.Context, peerID, remoteSourceID, remoteTargetID, localSourceID, localTargetID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO federated_edge_records (peer_id, remote_source_id, remote_target_id, local_source_id, local_target_id)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (peer_id, remote_source_id, remote_target_id) DO NOTHING`,
		peerID, remoteSourceID, remoteTargetID, localSourceID, localTargetID)
	if err != nil {
		return fmt.Errorf("federation: creating federated edge: %w", err)
	}
	return nil
}

// CreateSyncState persists the initial row for a running sync attempt.
func (s *Store) CreateSyncState(ctx context.Context, st *models.SyncState) error {
	details, err := marshalErrorDetails(st.ErrorDetails)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO sync_states (id, peer_id, direction, started_at, completed_at, status, phase,
		                          sync_from, sync_to, capsules_fetched, capsules_created, capsules_updated,
		                          capsules_skipped, capsules_conflicted, edges_created, edges_skipped,
		                          error_message, error_details)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		st.ID, st.PeerID, st.Direction, st.StartedAt, st.CompletedAt, st.Status, st.Phase,
		st.SyncFrom, st.SyncTo, st.CapsulesFetched, st.CapsulesCreated, st.CapsulesUpdated,
		st.CapsulesSkipped, st.CapsulesConflicted, st.EdgesCreated, st.EdgesSkipped,
		nullStr(st.ErrorMessage), details)
	if err != nil {
		return fmt.Errorf("federation: creating sync state: %w", err)
	}
	return nil
}

// UpdateSyncState persists the terminal (or progress) state of a sync attempt.
func (s *Store) UpdateSyncState(ctx context.Context, st *models.SyncState) error {
	details, err := marshalErrorDetails(st.ErrorDetails)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE sync_states SET
			completed_at=$2, status=$3, phase=$4, sync_from=$5, sync_to=$6,
			capsules_fetched=$7, capsules_created=$8, capsules_updated=$9, capsules_skipped=$10,
			capsules_conflicted=$11, edges_created=$12, edges_skipped=$13, error_message=$14, error_details=$15
		WHERE id=$1`,
		st.ID, st.CompletedAt, st.Status, st.Phase, st.SyncFrom, st.SyncTo,
		st.CapsulesFetched, st.CapsulesCreated, st.CapsulesUpdated, st.CapsulesSkipped,
		st.CapsulesConflicted, st.EdgesCreated, st.EdgesSkipped, nullStr(st.ErrorMessage), details)
	if err != nil {
		return fmt.Errorf("federation: updating sync state: %w", err)
	}
	return nil
}

// CreateSyncConflict persists a detected conflict for audit or operator
// review under MANUAL_REVIEW (spec.md §4.8).
func (s *Store) CreateSyncConflict(ctx context.Context, c *models.SyncConflict) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync_conflicts (id, sync_id, peer_id, remote_entity_id, local_id, policy, resolution, detected_at, resolved)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		c.ID, c.SyncID, c.PeerID, c.RemoteEntityID, nullStr(c.LocalID), c.Policy, nullStr(c.Resolution), c.DetectedAt, c.Resolved)
	if err != nil {
		return fmt.Errorf("federation: creating sync conflict: %w", err)
	}
	return nil
}

func marshalErrorDetails(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("federation: marshaling error details: %w", err)
	}
	return b, nil
}

func derefStr(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
