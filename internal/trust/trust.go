// Package trust implements the federation Trust Manager: a bounded,
// per-peer trust score state machine that governs how much autonomy a
// remote Forge instance is given during sync. Scores live in [0, 1] and
// map onto five tiers (QUARANTINE, LIMITED, STANDARD, TRUSTED, CORE) that
// gate sync permissions, auto-accept behavior, and rate limits.
package trust

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/forge-project/forge-core/internal/models"
)

// Tier is a coarse trust bucket derived from a peer's numeric score.
type Tier string

const (
	TierQuarantine Tier = "QUARANTINE"
	TierLimited    Tier = "LIMITED"
	TierStandard   Tier = "STANDARD"
	TierTrusted    Tier = "TRUSTED"
	TierCore       Tier = "CORE"
)

// Trust score deltas and thresholds, matching the original resilience
// engine's tuning (forge/federation/trust.py).
const (
	SyncSuccessBonus    = 0.02
	SyncFailurePenalty  = 0.05
	ConflictPenalty     = 0.01
	ManualReviewAccept  = 0.03
	ManualReviewReject  = 0.08
	InactivityDecayRate = 0.01 // per week without contact

	QuarantineThreshold = 0.2
	LimitedThreshold    = 0.4
	TrustedThreshold    = 0.6
	CoreThreshold       = 0.8

	InitialTrust = 0.3
	decayFloor   = InitialTrust

	maxHistoryEvents = 5000
	maxPeerLocks     = 10000
)

// EventType categorizes a single trust-affecting occurrence.
type EventType string

const (
	EventSyncSuccess    EventType = "SYNC_SUCCESS"
	EventSyncFailure    EventType = "SYNC_FAILURE"
	EventConflict       EventType = "CONFLICT"
	EventManualAdjust   EventType = "MANUAL_ADJUSTMENT"
	EventDecay          EventType = "INACTIVITY_DECAY"
	EventExpiredDecay   EventType = "EXPIRATION_DECAY"
	EventRevoked        EventType = "REVOKED"
	EventInitialization EventType = "INITIALIZED"
)

// Event is one entry in a peer's trust history.
type Event struct {
	PeerID         string
	Type           EventType
	Delta          float64
	ResultingScore float64
	Reason         string
	Actor          string
	OccurredAt     time.Time
}

// SyncPermissions describes what a peer at its current tier is allowed to
// do during federation sync (spec.md §4.1 tier table).
type SyncPermissions struct {
	Tier                 Tier
	CanPush              bool
	CanPull              bool
	AutoAccept           bool
	RequiresReview       bool
	RateLimitMultiplier  float64
	MaxCapsulesPerSync   int
}

// NetworkTrust summarizes trust across the set of known peers.
type NetworkTrust struct {
	PeerCount        int
	AverageTrust     float64
	MinTrust         float64
	MaxTrust         float64
	TierDistribution map[Tier]int
	HealthyCount     int
	AtRiskCount      int
}

// FederationStats layers sync-volume counters onto NetworkTrust.
type FederationStats struct {
	NetworkTrust
	TotalSyncs      int64
	SuccessfulSyncs int64
	FailedSyncs     int64
}

// Recommendation is a suggested trust adjustment derived from recent
// history, surfaced for operator review rather than applied automatically.
type Recommendation struct {
	PeerID     string
	SuggestedDelta float64
	Reason     string
}

// Manager tracks trust state for every known peer. It holds no network or
// storage dependency itself — callers persist Peer.TrustScore/Status via
// their own repository and call back into Manager for the score logic.
type Manager struct {
	mu sync.Mutex

	// lockOrder is a bounded FIFO of peer IDs used to cap per-peer lock
	// bookkeeping, matching the original's MAX_PEER_LOCKS eviction.
	peerLocks map[string]*sync.Mutex
	lockOrder []string

	history      []Event
	historyByPeer map[string][]int // index into history, most recent last
}

// NewManager constructs an empty trust manager.
func NewManager() *Manager {
	return &Manager{
		peerLocks:     make(map[string]*sync.Mutex),
		historyByPeer: make(map[string][]int),
	}
}

func (m *Manager) lockFor(peerID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	if l, ok := m.peerLocks[peerID]; ok {
		return l
	}
	if len(m.peerLocks) >= maxPeerLocks {
		evictN := maxPeerLocks / 10
		for i := 0; i < evictN && i < len(m.lockOrder); i++ {
			delete(m.peerLocks, m.lockOrder[i])
		}
		m.lockOrder = m.lockOrder[evictN:]
	}
	l := &sync.Mutex{}
	m.peerLocks[peerID] = l
	m.lockOrder = append(m.lockOrder, peerID)
	return l
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

// InitializePeerTrust seeds a freshly registered peer at InitialTrust.
func (m *Manager) InitializePeerTrust(peer *models.Peer, now time.Time) {
	l := m.lockFor(peer.ID)
	l.Lock()
	defer l.Unlock()

	peer.TrustScore = InitialTrust
	m.recordEvent(Event{
		PeerID:         peer.ID,
		Type:           EventInitialization,
		Delta:          0,
		ResultingScore: InitialTrust,
		Reason:         "peer registered",
		OccurredAt:     now,
	})
}

// RecordSuccessfulSync bumps trust upward after a clean sync.
func (m *Manager) RecordSuccessfulSync(peer *models.Peer, now time.Time) {
	l := m.lockFor(peer.ID)
	l.Lock()
	defer l.Unlock()

	old := peer.TrustScore
	peer.TrustScore = clamp(peer.TrustScore + SyncSuccessBonus)
	peer.TotalSyncs++
	peer.SuccessfulSyncs++
	peer.LastSyncAt = &now

	m.recordEvent(Event{
		PeerID: peer.ID, Type: EventSyncSuccess,
		Delta: peer.TrustScore - old, ResultingScore: peer.TrustScore,
		Reason: "sync completed without error", OccurredAt: now,
	})
	m.updatePeerStatus(peer)
}

// RecordFailedSync penalizes trust and suspends the peer if it drops
// below the quarantine threshold.
func (m *Manager) RecordFailedSync(peer *models.Peer, reason string, now time.Time) {
	l := m.lockFor(peer.ID)
	l.Lock()
	defer l.Unlock()

	old := peer.TrustScore
	peer.TrustScore = clamp(peer.TrustScore - SyncFailurePenalty)
	peer.TotalSyncs++
	peer.FailedSyncs++

	m.recordEvent(Event{
		PeerID: peer.ID, Type: EventSyncFailure,
		Delta: peer.TrustScore - old, ResultingScore: peer.TrustScore,
		Reason: reason, OccurredAt: now,
	})

	if peer.TrustScore < QuarantineThreshold &&
		peer.Status != models.PeerSuspended && peer.Status != models.PeerRevoked {
		peer.Status = models.PeerSuspended
	}
	m.updatePeerStatus(peer)
}

// RecordConflict penalizes trust slightly for an unresolved sync conflict.
// resolved conflicts (handled automatically by policy) carry no penalty.
func (m *Manager) RecordConflict(peer *models.Peer, resolved bool, now time.Time) {
	if resolved {
		return
	}
	l := m.lockFor(peer.ID)
	l.Lock()
	defer l.Unlock()

	old := peer.TrustScore
	peer.TrustScore = clamp(peer.TrustScore - ConflictPenalty)
	m.recordEvent(Event{
		PeerID: peer.ID, Type: EventConflict,
		Delta: peer.TrustScore - old, ResultingScore: peer.TrustScore,
		Reason: "sync conflict required manual review", OccurredAt: now,
	})
	m.updatePeerStatus(peer)
}

// ManualAdjustment applies an operator-initiated trust delta and records
// the actor responsible, clamping the result to [0, 1].
func (m *Manager) ManualAdjustment(peer *models.Peer, delta float64, reason, actor string, now time.Time) {
	l := m.lockFor(peer.ID)
	l.Lock()
	defer l.Unlock()

	old := peer.TrustScore
	peer.TrustScore = clamp(peer.TrustScore + delta)
	m.recordEvent(Event{
		PeerID: peer.ID, Type: EventManualAdjust,
		Delta: peer.TrustScore - old, ResultingScore: peer.TrustScore,
		Reason: reason, Actor: actor, OccurredAt: now,
	})
	m.updatePeerStatus(peer)
}

// ApplyInactivityDecay reduces trust by InactivityDecayRate per full week
// since the peer was last seen, floored at InitialTrust.
func (m *Manager) ApplyInactivityDecay(peer *models.Peer, now time.Time) {
	if peer.LastSeenAt == nil {
		return
	}
	weeks := math.Floor(now.Sub(*peer.LastSeenAt).Hours() / (24 * 7))
	if weeks < 1 {
		return
	}

	l := m.lockFor(peer.ID)
	l.Lock()
	defer l.Unlock()

	old := peer.TrustScore
	decayed := peer.TrustScore - weeks*InactivityDecayRate
	peer.TrustScore = math.Max(decayFloor, decayed)
	if peer.TrustScore == old {
		return
	}

	m.recordEvent(Event{
		PeerID: peer.ID, Type: EventDecay,
		Delta: peer.TrustScore - old, ResultingScore: peer.TrustScore,
		Reason: fmt.Sprintf("%.0f week(s) inactive", weeks), OccurredAt: now,
	})
	m.updatePeerStatus(peer)
}

// CheckTrustExpiration reports whether a peer's trust is stale relative
// to expiryDays, derived from LastVerifiedAt.
func CheckTrustExpiration(peer *models.Peer, expiryDays int, now time.Time) bool {
	if peer.LastVerifiedAt == nil {
		return true
	}
	return now.Sub(*peer.LastVerifiedAt) > time.Duration(expiryDays)*24*time.Hour
}

// ApplyTrustDecayIfExpired subtracts a flat 0.1 when the peer's trust
// verification has expired, matching the original repository's
// check_trust_expiration/apply behavior.
func (m *Manager) ApplyTrustDecayIfExpired(peer *models.Peer, expiryDays int, now time.Time) bool {
	if !CheckTrustExpiration(peer, expiryDays, now) {
		return false
	}

	l := m.lockFor(peer.ID)
	l.Lock()
	defer l.Unlock()

	old := peer.TrustScore
	peer.TrustScore = clamp(peer.TrustScore - 0.1)
	m.recordEvent(Event{
		PeerID: peer.ID, Type: EventExpiredDecay,
		Delta: peer.TrustScore - old, ResultingScore: peer.TrustScore,
		Reason: "trust verification expired", OccurredAt: now,
	})
	m.updatePeerStatus(peer)
	return true
}

// RevokePeer zeroes trust and marks the peer REVOKED, permanently.
func (m *Manager) RevokePeer(peer *models.Peer, revokedBy string, now time.Time) {
	l := m.lockFor(peer.ID)
	l.Lock()
	defer l.Unlock()

	old := peer.TrustScore
	peer.TrustScore = 0
	peer.Status = models.PeerRevoked
	peer.Description = fmt.Sprintf("revoked %s by %s: %s", now.UTC().Format(time.RFC3339), revokedBy, peer.Description)

	m.recordEvent(Event{
		PeerID: peer.ID, Type: EventRevoked,
		Delta: -old, ResultingScore: 0,
		Reason: "peer revoked", Actor: revokedBy, OccurredAt: now,
	})
}

// GetTrustTier maps a numeric score onto its tier bucket.
func GetTrustTier(score float64) Tier {
	switch {
	case score < QuarantineThreshold:
		return TierQuarantine
	case score < LimitedThreshold:
		return TierLimited
	case score < TrustedThreshold:
		return TierStandard
	case score < CoreThreshold:
		return TierTrusted
	default:
		return TierCore
	}
}

// CanSync reports whether a peer's current trust/status allows any sync
// at all, along with a human-readable reason when it does not.
func CanSync(peer *models.Peer) (bool, string) {
	if peer.Status == models.PeerRevoked {
		return false, "peer is revoked"
	}
	if peer.Status == models.PeerSuspended {
		return false, "peer is suspended"
	}
	if GetTrustTier(peer.TrustScore) == TierQuarantine {
		return false, "trust score below quarantine threshold"
	}
	return true, ""
}

// GetSyncPermissions returns the permission set a peer's current tier grants.
func GetSyncPermissions(peer *models.Peer) SyncPermissions {
	tier := GetTrustTier(peer.TrustScore)
	switch tier {
	case TierQuarantine:
		return SyncPermissions{Tier: tier, CanPush: false, CanPull: false, AutoAccept: false, RequiresReview: false, RateLimitMultiplier: 1.0, MaxCapsulesPerSync: 0}
	case TierLimited:
		return SyncPermissions{Tier: tier, CanPush: false, CanPull: true, AutoAccept: false, RequiresReview: true, RateLimitMultiplier: 1.0, MaxCapsulesPerSync: 50}
	case TierStandard:
		return SyncPermissions{Tier: tier, CanPush: true, CanPull: true, AutoAccept: false, RequiresReview: false, RateLimitMultiplier: 1.0, MaxCapsulesPerSync: 200}
	case TierTrusted:
		return SyncPermissions{Tier: tier, CanPush: true, CanPull: true, AutoAccept: false, RequiresReview: false, RateLimitMultiplier: 2.0, MaxCapsulesPerSync: 500}
	default: // CORE
		return SyncPermissions{Tier: tier, CanPush: true, CanPull: true, AutoAccept: true, RequiresReview: false, RateLimitMultiplier: 5.0, MaxCapsulesPerSync: 1000}
	}
}

// updatePeerStatus reconciles peer.Status against its current trust tier.
// Must be called with the peer's lock held.
func (m *Manager) updatePeerStatus(peer *models.Peer) {
	if peer.Status == models.PeerRevoked {
		return
	}
	tier := GetTrustTier(peer.TrustScore)

	if tier == TierQuarantine {
		if peer.Status != models.PeerSuspended {
			peer.Status = models.PeerSuspended
		}
		return
	}
	if peer.Status == models.PeerSuspended {
		switch tier {
		case TierStandard, TierTrusted, TierCore:
			peer.Status = models.PeerActive
		case TierLimited:
			peer.Status = models.PeerDegraded
		}
	}
}

// recordEvent appends to the bounded global history and the peer index,
// evicting the oldest event once maxHistoryEvents is exceeded. Must be
// called with the peer's lock held (history itself uses its own guard).
func (m *Manager) recordEvent(e Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.history = append(m.history, e)
	idx := len(m.history) - 1
	m.historyByPeer[e.PeerID] = append(m.historyByPeer[e.PeerID], idx)

	if len(m.history) > maxHistoryEvents {
		drop := len(m.history) - maxHistoryEvents
		m.history = m.history[drop:]
		for peerID, idxs := range m.historyByPeer {
			shifted := idxs[:0]
			for _, i := range idxs {
				if i >= drop {
					shifted = append(shifted, i-drop)
				}
			}
			m.historyByPeer[peerID] = shifted
		}
	}
}

// GetTrustHistory returns up to limit most-recent events, optionally
// filtered to a single peer. limit <= 0 means unbounded.
func (m *Manager) GetTrustHistory(peerID string, limit int) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	var src []Event
	if peerID == "" {
		src = m.history
	} else {
		idxs := m.historyByPeer[peerID]
		src = make([]Event, 0, len(idxs))
		for _, i := range idxs {
			src = append(src, m.history[i])
		}
	}

	if limit > 0 && len(src) > limit {
		src = src[len(src)-limit:]
	}
	out := make([]Event, len(src))
	copy(out, src)
	return out
}

// CalculateNetworkTrust aggregates trust scores across a peer set.
func CalculateNetworkTrust(peers []*models.Peer) NetworkTrust {
	dist := map[Tier]int{
		TierQuarantine: 0, TierLimited: 0, TierStandard: 0, TierTrusted: 0, TierCore: 0,
	}
	if len(peers) == 0 {
		return NetworkTrust{TierDistribution: dist}
	}

	sum, min, max := 0.0, 1.0, 0.0
	healthy, atRisk := 0, 0
	for _, p := range peers {
		sum += p.TrustScore
		if p.TrustScore < min {
			min = p.TrustScore
		}
		if p.TrustScore > max {
			max = p.TrustScore
		}
		tier := GetTrustTier(p.TrustScore)
		dist[tier]++
		if tier == TierTrusted || tier == TierCore {
			healthy++
		}
		if tier == TierQuarantine || tier == TierLimited {
			atRisk++
		}
	}

	return NetworkTrust{
		PeerCount:        len(peers),
		AverageTrust:     sum / float64(len(peers)),
		MinTrust:         min,
		MaxTrust:         max,
		TierDistribution: dist,
		HealthyCount:     healthy,
		AtRiskCount:      atRisk,
	}
}

// GetFederationStats layers sync-volume totals onto CalculateNetworkTrust.
func GetFederationStats(peers []*models.Peer) FederationStats {
	stats := FederationStats{NetworkTrust: CalculateNetworkTrust(peers)}
	for _, p := range peers {
		stats.TotalSyncs += int64(p.TotalSyncs)
		stats.SuccessfulSyncs += int64(p.SuccessfulSyncs)
		stats.FailedSyncs += int64(p.FailedSyncs)
	}
	return stats
}

// RecommendTrustAdjustment scans a peer's recent history for a pattern
// strong enough to suggest an operator-reviewed adjustment. It never
// applies the change itself. A peer already at TRUSTED or CORE has no
// upward recommendation left to make.
func (m *Manager) RecommendTrustAdjustment(peer *models.Peer, now time.Time) *Recommendation {
	events := m.GetTrustHistory(peer.ID, 20)

	var successes, failures int
	cutoff := now.Add(-7 * 24 * time.Hour)
	for _, e := range events {
		if e.OccurredAt.Before(cutoff) {
			continue
		}
		switch e.Type {
		case EventSyncSuccess:
			successes++
		case EventSyncFailure:
			failures++
		}
	}

	tier := GetTrustTier(peer.TrustScore)

	switch {
	case failures >= 3 && successes == 0:
		return &Recommendation{PeerID: peer.ID, SuggestedDelta: -0.10, Reason: "3+ sync failures with no successes in the last 7 days"}
	case successes >= 10 && failures == 0 && tier != TierTrusted && tier != TierCore:
		return &Recommendation{PeerID: peer.ID, SuggestedDelta: 0.10, Reason: "10+ clean syncs with no failures in the last 7 days"}
	default:
		return nil
	}
}
