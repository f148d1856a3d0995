package trust

import (
	"testing"
	"time"

	"github.com/forge-project/forge-core/internal/models"
)

func newPeer(id string, score float64) *models.Peer {
	return &models.Peer{ID: id, TrustScore: score, Status: models.PeerActive}
}

func TestGetTrustTier(t *testing.T) {
	cases := []struct {
		score float64
		want  Tier
	}{
		{0.0, TierQuarantine},
		{0.19, TierQuarantine},
		{0.2, TierLimited},
		{0.39, TierLimited},
		{0.4, TierStandard},
		{0.59, TierStandard},
		{0.6, TierTrusted},
		{0.79, TierTrusted},
		{0.8, TierCore},
		{1.0, TierCore},
	}
	for _, tc := range cases {
		if got := GetTrustTier(tc.score); got != tc.want {
			t.Errorf("GetTrustTier(%v) = %s, want %s", tc.score, got, tc.want)
		}
	}
}

func TestInitializePeerTrust(t *testing.T) {
	m := NewManager()
	p := &models.Peer{ID: "peer-1"}
	m.InitializePeerTrust(p, time.Now())

	if p.TrustScore != InitialTrust {
		t.Errorf("trust = %v, want %v", p.TrustScore, InitialTrust)
	}
	if len(m.GetTrustHistory("peer-1", 0)) != 1 {
		t.Error("expected one history event after initialization")
	}
}

func TestRecordSuccessfulSync(t *testing.T) {
	m := NewManager()
	p := newPeer("peer-1", 0.5)
	m.RecordSuccessfulSync(p, time.Now())

	if p.TrustScore != 0.52 {
		t.Errorf("trust = %v, want 0.52", p.TrustScore)
	}
	if p.TotalSyncs != 1 || p.SuccessfulSyncs != 1 {
		t.Errorf("sync counters = %d/%d, want 1/1", p.TotalSyncs, p.SuccessfulSyncs)
	}
}

func TestRecordFailedSync_SuspendsBelowQuarantine(t *testing.T) {
	m := NewManager()
	p := newPeer("peer-1", 0.22)
	m.RecordFailedSync(p, "timeout", time.Now())

	if p.TrustScore >= QuarantineThreshold {
		t.Fatalf("expected trust below quarantine threshold, got %v", p.TrustScore)
	}
	if p.Status != models.PeerSuspended {
		t.Errorf("status = %s, want SUSPENDED", p.Status)
	}
}

func TestRecordFailedSync_RevokedStaysRevoked(t *testing.T) {
	m := NewManager()
	p := newPeer("peer-1", 0.1)
	p.Status = models.PeerRevoked
	m.RecordFailedSync(p, "timeout", time.Now())

	if p.Status != models.PeerRevoked {
		t.Errorf("status = %s, want REVOKED to stick", p.Status)
	}
}

func TestManualAdjustment_Clamped(t *testing.T) {
	m := NewManager()
	p := newPeer("peer-1", 0.95)
	m.ManualAdjustment(p, 0.5, "operator override", "admin@example.com", time.Now())

	if p.TrustScore != 1.0 {
		t.Errorf("trust = %v, want clamped to 1.0", p.TrustScore)
	}

	p2 := newPeer("peer-2", 0.05)
	m.ManualAdjustment(p2, -0.5, "abuse report", "admin@example.com", time.Now())
	if p2.TrustScore != 0.0 {
		t.Errorf("trust = %v, want clamped to 0.0", p2.TrustScore)
	}
}

func TestApplyInactivityDecay(t *testing.T) {
	m := NewManager()
	now := time.Now()
	lastSeen := now.Add(-21 * 24 * time.Hour) // 3 weeks
	p := newPeer("peer-1", 0.5)
	p.LastSeenAt = &lastSeen

	m.ApplyInactivityDecay(p, now)

	want := 0.5 - 3*InactivityDecayRate
	if p.TrustScore != want {
		t.Errorf("trust = %v, want %v", p.TrustScore, want)
	}
}

func TestApplyInactivityDecay_FloorsAtInitialTrust(t *testing.T) {
	m := NewManager()
	now := time.Now()
	lastSeen := now.Add(-365 * 24 * time.Hour)
	p := newPeer("peer-1", 0.25)
	p.LastSeenAt = &lastSeen

	m.ApplyInactivityDecay(p, now)

	if p.TrustScore != decayFloor {
		t.Errorf("trust = %v, want floor %v", p.TrustScore, decayFloor)
	}
}

func TestCheckTrustExpiration(t *testing.T) {
	now := time.Now()
	verified := now.Add(-40 * 24 * time.Hour)
	p := newPeer("peer-1", 0.5)
	p.LastVerifiedAt = &verified

	if !CheckTrustExpiration(p, 30, now) {
		t.Error("expected expiration after 40 days with a 30 day policy")
	}
	if CheckTrustExpiration(p, 60, now) {
		t.Error("expected no expiration with a 60 day policy")
	}
}

func TestApplyTrustDecayIfExpired(t *testing.T) {
	m := NewManager()
	now := time.Now()
	verified := now.Add(-40 * 24 * time.Hour)
	p := newPeer("peer-1", 0.5)
	p.LastVerifiedAt = &verified

	applied := m.ApplyTrustDecayIfExpired(p, 30, now)
	if !applied {
		t.Fatal("expected decay to apply")
	}
	if p.TrustScore != 0.4 {
		t.Errorf("trust = %v, want 0.4", p.TrustScore)
	}
}

func TestRevokePeer(t *testing.T) {
	m := NewManager()
	p := newPeer("peer-1", 0.9)
	m.RevokePeer(p, "admin@example.com", time.Now())

	if p.TrustScore != 0 {
		t.Errorf("trust = %v, want 0", p.TrustScore)
	}
	if p.Status != models.PeerRevoked {
		t.Errorf("status = %s, want REVOKED", p.Status)
	}
}

func TestCanSync(t *testing.T) {
	ok, reason := CanSync(newPeer("peer-1", 0.5))
	if !ok || reason != "" {
		t.Errorf("expected sync allowed, got ok=%v reason=%q", ok, reason)
	}

	quarantined := newPeer("peer-2", 0.1)
	ok, reason = CanSync(quarantined)
	if ok || reason == "" {
		t.Error("expected quarantined peer to be denied with a reason")
	}

	revoked := newPeer("peer-3", 0.9)
	revoked.Status = models.PeerRevoked
	ok, _ = CanSync(revoked)
	if ok {
		t.Error("expected revoked peer to be denied regardless of score")
	}
}

func TestGetSyncPermissions_TierProgression(t *testing.T) {
	perms := GetSyncPermissions(newPeer("p", 0.1))
	if perms.CanPush || perms.CanPull {
		t.Error("quarantine tier should not permit push or pull")
	}

	perms = GetSyncPermissions(newPeer("p", 0.9))
	if !perms.CanPush || !perms.CanPull || !perms.AutoAccept {
		t.Error("core tier should permit push, pull, and auto-accept")
	}
}

func TestUpdatePeerStatus_SuspendedRecoversOnTrustGain(t *testing.T) {
	m := NewManager()
	p := newPeer("peer-1", 0.15)
	p.Status = models.PeerSuspended

	// Successive successful syncs should eventually lift the suspension.
	for i := 0; i < 20; i++ {
		m.RecordSuccessfulSync(p, time.Now())
	}

	if p.Status == models.PeerSuspended {
		t.Errorf("expected status to recover once tier rises above quarantine, trust=%v status=%s", p.TrustScore, p.Status)
	}
}

func TestCalculateNetworkTrust(t *testing.T) {
	peers := []*models.Peer{
		newPeer("a", 0.9),
		newPeer("b", 0.1),
		newPeer("c", 0.5),
	}
	nt := CalculateNetworkTrust(peers)

	if nt.PeerCount != 3 {
		t.Errorf("peer count = %d, want 3", nt.PeerCount)
	}
	if nt.MinTrust != 0.1 || nt.MaxTrust != 0.9 {
		t.Errorf("min/max = %v/%v, want 0.1/0.9", nt.MinTrust, nt.MaxTrust)
	}
	if nt.HealthyCount != 1 || nt.AtRiskCount != 1 {
		t.Errorf("healthy/at-risk = %d/%d, want 1/1", nt.HealthyCount, nt.AtRiskCount)
	}
}

func TestCalculateNetworkTrust_Empty(t *testing.T) {
	nt := CalculateNetworkTrust(nil)
	if nt.PeerCount != 0 {
		t.Errorf("expected zero peers, got %d", nt.PeerCount)
	}
}

func TestGetFederationStats(t *testing.T) {
	peers := []*models.Peer{newPeer("a", 0.5), newPeer("b", 0.5)}
	peers[0].TotalSyncs, peers[0].SuccessfulSyncs = 10, 9
	peers[1].TotalSyncs, peers[1].FailedSyncs = 5, 1

	stats := GetFederationStats(peers)
	if stats.TotalSyncs != 15 {
		t.Errorf("total syncs = %d, want 15", stats.TotalSyncs)
	}
	if stats.SuccessfulSyncs != 9 || stats.FailedSyncs != 1 {
		t.Errorf("successful/failed = %d/%d, want 9/1", stats.SuccessfulSyncs, stats.FailedSyncs)
	}
}

func TestRecommendTrustAdjustment(t *testing.T) {
	m := NewManager()
	now := time.Now()
	p := newPeer("peer-1", 0.5)

	for i := 0; i < 3; i++ {
		m.RecordFailedSync(p, "boom", now)
	}

	rec := m.RecommendTrustAdjustment(p, now)
	if rec == nil || rec.SuggestedDelta >= 0 {
		t.Fatalf("expected a negative recommendation, got %+v", rec)
	}
}

func TestRecommendTrustAdjustment_NoPattern(t *testing.T) {
	m := NewManager()
	p := newPeer("peer-1", 0.5)
	m.RecordSuccessfulSync(p, time.Now())

	rec := m.RecommendTrustAdjustment(p, time.Now())
	if rec != nil {
		t.Errorf("expected no recommendation yet, got %+v", rec)
	}
}

func TestRecommendTrustAdjustment_AlreadyTrusted(t *testing.T) {
	m := NewManager()
	now := time.Now()
	p := newPeer("peer-1", 0.7) // TRUSTED tier

	for i := 0; i < 10; i++ {
		m.RecordSuccessfulSync(p, now)
	}
	p.TrustScore = 0.7 // RecordSuccessfulSync nudges score up; pin it back to TRUSTED

	rec := m.RecommendTrustAdjustment(p, now)
	if rec != nil {
		t.Errorf("expected no upward recommendation for a peer already at TRUSTED, got %+v", rec)
	}
}

func TestRecommendTrustAdjustment_AlreadyCore(t *testing.T) {
	m := NewManager()
	now := time.Now()
	p := newPeer("peer-1", 0.95) // CORE tier

	for i := 0; i < 10; i++ {
		m.RecordSuccessfulSync(p, now)
	}
	p.TrustScore = 0.95

	rec := m.RecommendTrustAdjustment(p, now)
	if rec != nil {
		t.Errorf("expected no upward recommendation for a peer already at CORE, got %+v", rec)
	}
}

func TestGetTrustHistory_LimitAndFilter(t *testing.T) {
	m := NewManager()
	p1 := newPeer("peer-1", 0.5)
	p2 := newPeer("peer-2", 0.5)

	for i := 0; i < 5; i++ {
		m.RecordSuccessfulSync(p1, time.Now())
	}
	m.RecordSuccessfulSync(p2, time.Now())

	all := m.GetTrustHistory("", 0)
	if len(all) != 6 {
		t.Errorf("expected 6 total events, got %d", len(all))
	}

	onlyP1 := m.GetTrustHistory("peer-1", 0)
	if len(onlyP1) != 5 {
		t.Errorf("expected 5 events for peer-1, got %d", len(onlyP1))
	}

	limited := m.GetTrustHistory("peer-1", 2)
	if len(limited) != 2 {
		t.Errorf("expected limit of 2, got %d", len(limited))
	}
}
