package graph

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"

	"github.com/forge-project/forge-core/internal/models"
)

// ErrCapsuleNotFound is returned by Repository lookups that miss.
var ErrCapsuleNotFound = errors.New("graph: capsule not found")

// Repository materializes CapsulePayload/EdgePayload wire records into the
// local capsules/capsule_edges tables. This is the concrete local-graph
// target the Federation Sync Engine writes into on pull and reads from on
// push; it sits above the generic Client interface, which models an
// arbitrary external graph database rather than this core's own schema.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a capsule Repository over the shared pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ContentHash computes the canonical content hash for a capsule body, the
// same value CapsulePayload.ContentHash and FederatedEntityRecord compare
// against to detect remote-side changes.
func ContentHash(capsuleType, title, content string, tags []string) string {
	h := sha256.New()
	h.Write([]byte(capsuleType))
	h.Write([]byte{0})
	h.Write([]byte(title))
	h.Write([]byte{0})
	h.Write([]byte(content))
	for _, t := range tags {
		h.Write([]byte{0})
		h.Write([]byte(t))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Get fetches a capsule by local id.
func (r *Repository) Get(ctx context.Context, id string) (*models.CapsulePayload, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, type, title, content, tags, trust_level, owner, content_hash, updated_at
		FROM capsules WHERE id = $1`, id)

	var p models.CapsulePayload
	p.RemoteID = id
	if err := row.Scan(&p.RemoteID, &p.Type, &p.Title, &p.Content, &p.Tags, &p.TrustLevel, &p.Owner, &p.ContentHash, &p.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCapsuleNotFound
		}
		return nil, fmt.Errorf("graph: get capsule: %w", err)
	}
	return &p, nil
}

// Create materializes a remote capsule locally, generating a fresh local id.
func (r *Repository) Create(ctx context.Context, payload models.CapsulePayload, originPeerID string) (localID string, err error) {
	localID = ulid.Make().String()
	hash := payload.ContentHash
	if hash == "" {
		hash = ContentHash(payload.Type, payload.Title, payload.Content, payload.Tags)
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO capsules (id, type, title, content, tags, trust_level, owner, content_hash, origin_peer_id, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		localID, payload.Type, payload.Title, payload.Content, payload.Tags, payload.TrustLevel, payload.Owner, hash, originPeerID, nonZeroTime(payload.UpdatedAt))
	if err != nil {
		return "", fmt.Errorf("graph: create capsule: %w", err)
	}
	return localID, nil
}

// Update overwrites a locally materialized capsule's content with remote
// values, matching "apply remote changes" in the pull loop (spec.md §4.8).
func (r *Repository) Update(ctx context.Context, localID string, payload models.CapsulePayload) (contentHash string, err error) {
	hash := payload.ContentHash
	if hash == "" {
		hash = ContentHash(payload.Type, payload.Title, payload.Content, payload.Tags)
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE capsules SET type=$2, title=$3, content=$4, tags=$5, trust_level=$6, owner=$7, content_hash=$8, updated_at=$9
		WHERE id=$1`,
		localID, payload.Type, payload.Title, payload.Content, payload.Tags, payload.TrustLevel, payload.Owner, hash, nonZeroTime(payload.UpdatedAt))
	if err != nil {
		return "", fmt.Errorf("graph: update capsule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return "", ErrCapsuleNotFound
	}
	return hash, nil
}

// Merge applies the MERGE conflict policy: higher trust level wins, tags
// union, newer content wins (spec.md §4.8 resolution table).
func (r *Repository) Merge(ctx context.Context, localID string, local, remote models.CapsulePayload) (contentHash string, err error) {
	merged := local
	if remote.TrustLevel > local.TrustLevel {
		merged.TrustLevel = remote.TrustLevel
	}
	merged.Tags = unionTags(local.Tags, remote.Tags)
	if remote.UpdatedAt.After(local.UpdatedAt) {
		merged.Content = remote.Content
		merged.Title = remote.Title
		merged.UpdatedAt = remote.UpdatedAt
	}
	return r.Update(ctx, localID, merged)
}

func unionTags(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, t := range append(append([]string{}, a...), b...) {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// CreateEdge materializes a local edge between two already-resolved local
// capsule ids.
func (r *Repository) CreateEdge(ctx context.Context, sourceLocalID, targetLocalID, kind string) error {
	if kind == "" {
		kind = "related"
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO capsule_edges (source_id, target_id, kind) VALUES ($1, $2, $3)
		ON CONFLICT (source_id, target_id, kind) DO NOTHING`, sourceLocalID, targetLocalID, kind)
	if err != nil {
		return fmt.Errorf("graph: create edge: %w", err)
	}
	return nil
}

// ChangesSince returns local capsules updated after `since`, restricted to
// allowedTypes (when non-empty) and at or above minTrust, for the Sync
// Engine's push loop. limit bounds the page; hasMore reports whether more
// rows exist beyond it.
func (r *Repository) ChangesSince(ctx context.Context, since time.Time, allowedTypes []string, minTrust, limit int) (payloads []models.CapsulePayload, hasMore bool, err error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, type, title, content, tags, trust_level, owner, content_hash, updated_at
		FROM capsules
		WHERE updated_at > $1
		  AND trust_level >= $2
		  AND (cardinality($3::text[]) = 0 OR type = ANY($3))
		ORDER BY updated_at ASC
		LIMIT $4`, since, minTrust, allowedTypes, limit+1)
	if err != nil {
		return nil, false, fmt.Errorf("graph: changes since: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var p models.CapsulePayload
		if err := rows.Scan(&p.RemoteID, &p.Type, &p.Title, &p.Content, &p.Tags, &p.TrustLevel, &p.Owner, &p.ContentHash, &p.UpdatedAt); err != nil {
			return nil, false, fmt.Errorf("graph: scanning change row: %w", err)
		}
		payloads = append(payloads, p)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}

	if len(payloads) > limit {
		payloads = payloads[:limit]
		hasMore = true
	}
	return payloads, hasMore, nil
}

func nonZeroTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}
