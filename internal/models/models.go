// Package models defines the shared data types that cross package boundaries
// in the Forge resilience and federation core: peers, federated entity
// records, and sync state. Types carry JSON tags for the wire protocol and
// match the PostgreSQL schema in internal/database/migrations.
package models

import "time"

// PeerStatus is the lifecycle state of a registered remote Forge instance.
type PeerStatus string

const (
	PeerPending   PeerStatus = "PENDING"
	PeerActive    PeerStatus = "ACTIVE"
	PeerDegraded  PeerStatus = "DEGRADED"
	PeerSuspended PeerStatus = "SUSPENDED"
	PeerOffline   PeerStatus = "OFFLINE"
	PeerRevoked   PeerStatus = "REVOKED"
)

// SyncDirection controls which way entities flow between this instance and a peer.
type SyncDirection string

const (
	DirectionPush          SyncDirection = "PUSH"
	DirectionPull          SyncDirection = "PULL"
	DirectionBidirectional SyncDirection = "BIDIRECTIONAL"
)

// ConflictPolicy selects how concurrent local/remote edits are reconciled.
type ConflictPolicy string

const (
	PolicyLocalWins      ConflictPolicy = "LOCAL_WINS"
	PolicyRemoteWins     ConflictPolicy = "REMOTE_WINS"
	PolicyHigherTrust    ConflictPolicy = "HIGHER_TRUST"
	PolicyNewerTimestamp ConflictPolicy = "NEWER_TIMESTAMP"
	PolicyMerge          ConflictPolicy = "MERGE"
	PolicyManualReview   ConflictPolicy = "MANUAL_REVIEW"
)

// Peer represents a remote Forge instance known to this one (spec.md §3.1).
type Peer struct {
	ID                string
	DisplayName       string
	BaseURL           string
	OurPublicKey      string
	PeerPublicKey     string
	TrustScore        float64
	Status            PeerStatus
	SyncDirection     SyncDirection
	SyncIntervalMins  int
	ConflictPolicy    ConflictPolicy
	AllowedEntityTypes []string
	MinTrustToSync    int
	RegisteredAt      time.Time
	LastSeenAt        *time.Time
	LastSyncAt        *time.Time
	LastVerifiedAt    *time.Time
	TotalSyncs        int64
	SuccessfulSyncs   int64
	FailedSyncs       int64
	EntitiesSent      int64
	EntitiesReceived  int64
	Description       string
}

// SyncEntityStatus is the reconciliation state of one federated entity record.
type SyncEntityStatus string

const (
	EntityPending   SyncEntityStatus = "PENDING"
	EntitySynced    SyncEntityStatus = "SYNCED"
	EntityConflict  SyncEntityStatus = "CONFLICT"
	EntityRejected  SyncEntityStatus = "REJECTED"
	EntitySkipped   SyncEntityStatus = "SKIPPED"
)

// FederatedEntityRecord is the local bookkeeping row for a remote-originated
// graph entity, keyed by (PeerID, RemoteEntityID) (spec.md §3.2).
type FederatedEntityRecord struct {
	PeerID            string
	RemoteEntityID    string
	LocalID           string
	RemoteContentHash string
	LocalContentHash  string
	SyncStatus        SyncEntityStatus
	Title             string
	EntityType        string
	TrustLevel        int
	Owner             string
	ConflictReason    string
	LastSyncedAt      *time.Time
}

// SyncStatus is the outcome state of one sync attempt.
type SyncStatus string

const (
	SyncRunning   SyncStatus = "RUNNING"
	SyncCompleted SyncStatus = "COMPLETED"
	SyncFailed    SyncStatus = "FAILED"
	SyncCancelled SyncStatus = "CANCELLED"
)

// SyncPhase tracks progress within a running sync attempt.
type SyncPhase string

const (
	PhaseInit        SyncPhase = "INIT"
	PhaseFetching    SyncPhase = "FETCHING"
	PhaseProcessing  SyncPhase = "PROCESSING"
	PhaseApplying    SyncPhase = "APPLYING"
	PhaseFinalizing  SyncPhase = "FINALIZING"
)

// SyncState is one row per sync attempt (spec.md §3.3).
type SyncState struct {
	ID          string
	PeerID      string
	Direction   SyncDirection
	StartedAt   time.Time
	CompletedAt *time.Time
	Status      SyncStatus
	Phase       SyncPhase
	SyncFrom    *time.Time
	SyncTo      *time.Time

	CapsulesFetched    int
	CapsulesCreated    int
	CapsulesUpdated    int
	CapsulesSkipped    int
	CapsulesConflicted int
	EdgesCreated       int
	EdgesSkipped       int

	ErrorMessage string
	ErrorDetails map[string]any
}

// SyncConflict is one detected local/remote divergence surfaced for audit
// or, under MANUAL_REVIEW, for operator handling (spec.md §4.8).
type SyncConflict struct {
	ID             string
	SyncID         string
	PeerID         string
	RemoteEntityID string
	LocalID        string
	Policy         ConflictPolicy
	Resolution     string
	DetectedAt     time.Time
	Resolved       bool
}

// CapsulePayload is the wire representation of one synced graph entity.
type CapsulePayload struct {
	RemoteID    string         `json:"id"`
	Type        string         `json:"type"`
	Title       string         `json:"title"`
	Content     string         `json:"content"`
	Tags        []string       `json:"tags"`
	TrustLevel  int            `json:"trust_level"`
	Owner       string         `json:"owner"`
	ContentHash string         `json:"content_hash"`
	UpdatedAt   time.Time      `json:"updated_at"`
	Extra       map[string]any `json:"extra,omitempty"`
}

// EdgePayload is the wire representation of one synced graph edge.
type EdgePayload struct {
	SourceID string `json:"source_id"`
	TargetID string `json:"target_id"`
	Kind     string `json:"kind"`
}

// SyncPayload is the wire envelope carrying a page of entities/edges between
// peers (spec.md §3.4).
type SyncPayload struct {
	PeerID      string           `json:"peer_id"`
	SyncID      string           `json:"sync_id"`
	Timestamp   time.Time        `json:"timestamp"`
	Entities    []CapsulePayload `json:"entities"`
	Edges       []EdgePayload    `json:"edges"`
	DeletionIDs []string         `json:"deletion_ids"`
	HasMore     bool             `json:"has_more"`
	NextCursor  string           `json:"next_cursor,omitempty"`
	ContentHash string           `json:"content_hash"`
	Signature   string           `json:"signature"`
	Nonce       uint64           `json:"nonce,omitempty"`
}

// PeerHandshake is the wire envelope exchanged when two instances first meet
// or re-verify each other (spec.md §3.5).
type PeerHandshake struct {
	InstanceID         string    `json:"instance_id"`
	Name               string    `json:"name"`
	APIVersion         string    `json:"api_version"`
	PublicKey          string    `json:"public_key"`
	SupportsPush       bool      `json:"supports_push"`
	SupportsPull       bool      `json:"supports_pull"`
	SupportsStreaming  bool      `json:"supports_streaming"`
	SuggestedInterval  int       `json:"suggested_interval_minutes"`
	MaxEntitiesPerSync int       `json:"max_entities_per_sync"`
	Signature          string    `json:"signature"`
	Timestamp          time.Time `json:"timestamp"`
	Nonce              uint64    `json:"nonce,omitempty"`
}
