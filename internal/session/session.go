// Package session implements federation-facing session tracking: per-JTI
// records bound to the IP address and User-Agent that created them, with
// drift detection on every subsequent request (spec.md §4.9). Session
// rows live in PostgreSQL; a Redis-or-memory cache in front of lookups
// keeps validation cheap on the hot path.
package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/forge-project/forge-core/internal/models"
)

// Status is the lifecycle state of a session record.
type Status string

const (
	StatusActive     Status = "active"
	StatusSuspicious Status = "suspicious"
	StatusRevoked    Status = "revoked"
	StatusExpired    Status = "expired"
)

// IPHistoryEntry is one entry in a session's bounded IP change log.
type IPHistoryEntry struct {
	IP         string    `json:"ip"`
	Timestamp  time.Time `json:"timestamp"`
	PreviousIP string    `json:"previous_ip,omitempty"`
	Action     string    `json:"action,omitempty"`
}

// Session is a tracked federation/API session bound to its originating
// IP and User-Agent.
type Session struct {
	ID                   string
	UserID               string
	TokenJTI             string
	TokenType            string
	InitialIP            string
	InitialUserAgent     string
	LastIP               string
	LastUserAgent        string
	LastUserAgentHash    string
	LastActivityAt       time.Time
	RequestCount         int64
	IPChangeCount        int64
	UserAgentChangeCount int64
	IPHistory            []IPHistoryEntry
	ExpiresAt            time.Time
	Status               Status
	RevokedAt            *time.Time
	RevokedReason        string
	CreatedAt            time.Time
}

// IsExpired reports whether the session's effective state is expired —
// either explicitly marked so, or past its expiry timestamp regardless
// of the stored status (spec.md's effective-EXPIRED invariant).
func (s *Session) IsExpired(now time.Time) bool {
	return s.Status == StatusExpired || now.After(s.ExpiresAt)
}

// HashUserAgent derives a stable comparison hash for a (possibly empty)
// User-Agent header, so raw UA strings are never compared directly.
func HashUserAgent(ua string) string {
	sum := sha256.Sum256([]byte(ua))
	return hex.EncodeToString(sum[:])[:32]
}

// ActivityChanges reports what changed about the request's origin
// relative to the session's last recorded activity.
type ActivityChanges struct {
	IPChanged        bool
	UserAgentChanged bool
	OldIP, NewIP     string
	OldUA, NewUA     string
}

// CreateParams are the inputs required to open a new session.
type CreateParams struct {
	UserID    string
	TokenJTI  string
	TokenType string
	IP        string
	UserAgent string
	ExpiresAt time.Time
}

const maxIPHistoryDefault = 10

// Repository persists Session rows in PostgreSQL and keeps a Cache in
// front of get_by_jti, the hottest read path.
type Repository struct {
	pool            *pgxpool.Pool
	cache           *Cache
	maxIPHistory    int
	logger          *slog.Logger
}

// NewRepository constructs a Repository backed by pool, optionally
// fronted by cache (pass nil to skip caching).
func NewRepository(pool *pgxpool.Pool, cache *Cache, maxIPHistory int, logger *slog.Logger) *Repository {
	if maxIPHistory <= 0 {
		maxIPHistory = maxIPHistoryDefault
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Repository{pool: pool, cache: cache, maxIPHistory: maxIPHistory, logger: logger}
}

// Create opens a new session, using the token JTI as its primary key.
func (r *Repository) Create(ctx context.Context, p CreateParams) (*Session, error) {
	now := time.Now().UTC()
	uaHash := HashUserAgent(p.UserAgent)
	history := []IPHistoryEntry{{IP: p.IP, Timestamp: now, Action: "created"}}
	historyJSON, err := json.Marshal(history)
	if err != nil {
		return nil, err
	}

	id := models.NewULID().String()

	const q = `
		INSERT INTO sessions (
			id, user_id, token_jti, token_type, initial_ip, initial_user_agent,
			last_ip, last_user_agent, last_user_agent_hash, last_activity_at,
			request_count, ip_change_count, user_agent_change_count, ip_history,
			expires_at, status, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$5,$6,$7,$8,1,0,0,$9,$10,$11,$8)
		RETURNING id, created_at
	`
	row := r.pool.QueryRow(ctx, q, id, p.UserID, p.TokenJTI, p.TokenType, p.IP, p.UserAgent,
		uaHash, now, historyJSON, p.ExpiresAt, StatusActive)

	var returnedID string
	var createdAt time.Time
	if err := row.Scan(&returnedID, &createdAt); err != nil {
		return nil, fmt.Errorf("session: create: %w", err)
	}

	sess := &Session{
		ID: returnedID, UserID: p.UserID, TokenJTI: p.TokenJTI, TokenType: p.TokenType,
		InitialIP: p.IP, InitialUserAgent: p.UserAgent,
		LastIP: p.IP, LastUserAgent: p.UserAgent, LastUserAgentHash: uaHash,
		LastActivityAt: now, RequestCount: 1, IPHistory: history,
		ExpiresAt: p.ExpiresAt, Status: StatusActive, CreatedAt: createdAt,
	}

	if r.cache != nil {
		r.cache.Set(ctx, p.TokenJTI, sess)
	}
	r.logger.Info("session created", "session_id", sess.ID, "user_id", p.UserID)
	return sess, nil
}

// GetByJTI fetches a session by its token JTI, consulting the cache
// first. A session whose clock has run out is marked expired, dropped
// from the cache, and reported as nil.
func (r *Repository) GetByJTI(ctx context.Context, jti string) (*Session, error) {
	if jti == "" {
		return nil, nil
	}

	if r.cache != nil {
		if sess, ok := r.cache.Get(ctx, jti); ok && !sess.IsExpired(time.Now().UTC()) {
			return sess, nil
		}
	}

	sess, err := r.queryByJTI(ctx, jti)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, nil
	}

	if sess.IsExpired(time.Now().UTC()) {
		_ = r.markExpired(ctx, jti)
		if r.cache != nil {
			r.cache.Invalidate(ctx, jti)
		}
		return nil, nil
	}

	if r.cache != nil {
		r.cache.Set(ctx, jti, sess)
	}
	return sess, nil
}

func (r *Repository) queryByJTI(ctx context.Context, jti string) (*Session, error) {
	const q = `
		SELECT id, user_id, token_jti, token_type, initial_ip, initial_user_agent,
		       last_ip, last_user_agent, last_user_agent_hash, last_activity_at,
		       request_count, ip_change_count, user_agent_change_count, ip_history,
		       expires_at, status, revoked_at, revoked_reason, created_at
		FROM sessions
		WHERE token_jti = $1 AND status <> 'expired'
	`
	row := r.pool.QueryRow(ctx, q, jti)
	return scanSession(row)
}

func scanSession(row pgx.Row) (*Session, error) {
	var s Session
	var historyJSON []byte
	var status string
	if err := row.Scan(&s.ID, &s.UserID, &s.TokenJTI, &s.TokenType, &s.InitialIP, &s.InitialUserAgent,
		&s.LastIP, &s.LastUserAgent, &s.LastUserAgentHash, &s.LastActivityAt,
		&s.RequestCount, &s.IPChangeCount, &s.UserAgentChangeCount, &historyJSON,
		&s.ExpiresAt, &status, &s.RevokedAt, &s.RevokedReason, &s.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	s.Status = Status(status)
	if len(historyJSON) > 0 {
		if err := json.Unmarshal(historyJSON, &s.IPHistory); err != nil {
			return nil, err
		}
	}
	return &s, nil
}

// UpdateActivity records a request against jti, detecting and recording
// IP/User-Agent drift.
func (r *Repository) UpdateActivity(ctx context.Context, jti, ip, userAgent string) (*Session, ActivityChanges, error) {
	sess, err := r.GetByJTI(ctx, jti)
	if err != nil || sess == nil {
		return nil, ActivityChanges{}, err
	}

	now := time.Now().UTC()
	changes := ActivityChanges{}

	newIPChangeCount := sess.IPChangeCount
	newHistory := append([]IPHistoryEntry{}, sess.IPHistory...)

	if ip != sess.LastIP {
		changes.IPChanged = true
		changes.OldIP, changes.NewIP = sess.LastIP, ip
		newIPChangeCount++
		newHistory = append([]IPHistoryEntry{{IP: ip, Timestamp: now, PreviousIP: sess.LastIP}}, newHistory...)
		if len(newHistory) > r.maxIPHistory {
			newHistory = newHistory[:r.maxIPHistory]
		}
	}

	newUAHash := HashUserAgent(userAgent)
	newUAChangeCount := sess.UserAgentChangeCount
	if newUAHash != sess.LastUserAgentHash {
		changes.UserAgentChanged = true
		changes.OldUA, changes.NewUA = sess.LastUserAgent, userAgent
		newUAChangeCount++
	}

	historyJSON, err := json.Marshal(newHistory)
	if err != nil {
		return nil, changes, err
	}

	const q = `
		UPDATE sessions SET
			last_ip = $2, last_user_agent = $3, last_user_agent_hash = $4,
			last_activity_at = $5, request_count = request_count + 1,
			ip_change_count = $6, user_agent_change_count = $7, ip_history = $8
		WHERE token_jti = $1
	`
	if _, err := r.pool.Exec(ctx, q, jti, ip, userAgent, newUAHash, now, newIPChangeCount, newUAChangeCount, historyJSON); err != nil {
		return nil, changes, fmt.Errorf("session: update activity: %w", err)
	}

	sess.LastIP, sess.LastUserAgent, sess.LastUserAgentHash = ip, userAgent, newUAHash
	sess.LastActivityAt = now
	sess.RequestCount++
	sess.IPChangeCount, sess.UserAgentChangeCount = newIPChangeCount, newUAChangeCount
	sess.IPHistory = newHistory

	if r.cache != nil {
		r.cache.Set(ctx, jti, sess)
	}
	return sess, changes, nil
}

// GetUserSessions returns a user's sessions, most recently active first.
func (r *Repository) GetUserSessions(ctx context.Context, userID string, includeExpired bool, limit int) ([]*Session, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}

	q := `
		SELECT id, user_id, token_jti, token_type, initial_ip, initial_user_agent,
		       last_ip, last_user_agent, last_user_agent_hash, last_activity_at,
		       request_count, ip_change_count, user_agent_change_count, ip_history,
		       expires_at, status, revoked_at, revoked_reason, created_at
		FROM sessions
		WHERE user_id = $1
	`
	args := []any{userID}
	if !includeExpired {
		q += " AND status IN ('active', 'suspicious') AND expires_at > $2"
		args = append(args, time.Now().UTC())
	}
	q += " ORDER BY last_activity_at DESC LIMIT " + fmt.Sprintf("%d", limit)

	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		if sess != nil {
			sessions = append(sessions, sess)
		}
	}
	return sessions, rows.Err()
}

// RevokeSession marks a single session revoked and invalidates its cache entry.
func (r *Repository) RevokeSession(ctx context.Context, jti, reason string) (bool, error) {
	if reason == "" {
		reason = "user requested revocation"
	}
	now := time.Now().UTC()

	const q = `
		UPDATE sessions SET status = 'revoked', revoked_at = $2, revoked_reason = $3
		WHERE token_jti = $1 AND status IN ('active', 'suspicious')
	`
	tag, err := r.pool.Exec(ctx, q, jti, now, reason)
	if err != nil {
		return false, err
	}
	revoked := tag.RowsAffected() > 0
	if revoked && r.cache != nil {
		r.cache.Invalidate(ctx, jti)
	}
	return revoked, nil
}

// RevokeUserSessions revokes every active/suspicious session for a user,
// optionally excluding one JTI (typically the session making the request).
func (r *Repository) RevokeUserSessions(ctx context.Context, userID, exceptJTI, reason string) (int, error) {
	if reason == "" {
		reason = "all sessions revoked"
	}
	now := time.Now().UTC()

	q := `
		UPDATE sessions SET status = 'revoked', revoked_at = $2, revoked_reason = $3
		WHERE user_id = $1 AND status IN ('active', 'suspicious')
	`
	args := []any{userID, now, reason}
	if exceptJTI != "" {
		q += " AND token_jti <> $4"
		args = append(args, exceptJTI)
	}
	q += " RETURNING token_jti"

	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	var revokedJTIs []string
	for rows.Next() {
		var jti string
		if err := rows.Scan(&jti); err != nil {
			return 0, err
		}
		revokedJTIs = append(revokedJTIs, jti)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	if r.cache != nil {
		for _, jti := range revokedJTIs {
			r.cache.Invalidate(ctx, jti)
		}
	}
	return len(revokedJTIs), nil
}

// FlagSuspicious marks an active session suspicious, forcing a cache refresh.
func (r *Repository) FlagSuspicious(ctx context.Context, jti, reason string) (bool, error) {
	const q = `UPDATE sessions SET status = 'suspicious' WHERE token_jti = $1 AND status = 'active'`
	tag, err := r.pool.Exec(ctx, q, jti)
	if err != nil {
		return false, err
	}
	flagged := tag.RowsAffected() > 0
	if flagged {
		r.logger.Warn("session flagged suspicious", "jti_prefix", truncate(jti, 16), "reason", reason)
		if r.cache != nil {
			r.cache.Invalidate(ctx, jti)
		}
	}
	return flagged, nil
}

func (r *Repository) markExpired(ctx context.Context, jti string) error {
	const q = `UPDATE sessions SET status = 'expired' WHERE token_jti = $1`
	_, err := r.pool.Exec(ctx, q, jti)
	return err
}

// CleanupExpired marks every active-but-past-expiry session expired, for
// the scheduler's periodic sweep.
func (r *Repository) CleanupExpired(ctx context.Context) (int, error) {
	const q = `UPDATE sessions SET status = 'expired' WHERE status = 'active' AND expires_at < $1`
	tag, err := r.pool.Exec(ctx, q, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	count := int(tag.RowsAffected())
	if count > 0 {
		r.logger.Info("expired sessions cleaned up", "count", count)
	}
	return count, nil
}

// CountActiveSessions counts a user's currently valid sessions.
func (r *Repository) CountActiveSessions(ctx context.Context, userID string) (int, error) {
	const q = `
		SELECT count(*) FROM sessions
		WHERE user_id = $1 AND status IN ('active', 'suspicious') AND expires_at > $2
	`
	var count int
	err := r.pool.QueryRow(ctx, q, userID, time.Now().UTC()).Scan(&count)
	return count, err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// Cache fronts session lookups with Redis (shared, multi-process) or an
// in-memory map (single-process fallback), mirroring the Trust/Nonce
// store split.
type Cache struct {
	redis  *redis.Client
	prefix string
	ttl    time.Duration

	memory    map[string]cacheEntry
	maxMemory int
	memMu     sync.Mutex
}

type cacheEntry struct {
	session   *Session
	expiresAt time.Time
}

// NewCache constructs a session Cache. client may be nil, in which case
// the cache runs memory-only.
func NewCache(client *redis.Client, prefix string, ttl time.Duration, maxMemoryEntries int) *Cache {
	if maxMemoryEntries <= 0 {
		maxMemoryEntries = 50000
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cache{
		redis: client, prefix: prefix, ttl: ttl,
		memory: make(map[string]cacheEntry), maxMemory: maxMemoryEntries,
	}
}

func (c *Cache) Get(ctx context.Context, jti string) (*Session, bool) {
	if jti == "" {
		return nil, false
	}
	if c.redis != nil {
		data, err := c.redis.Get(ctx, c.prefix+jti).Bytes()
		if err == nil {
			var sess Session
			if json.Unmarshal(data, &sess) == nil {
				return &sess, true
			}
		}
		return nil, false
	}

	c.memMu.Lock()
	defer c.memMu.Unlock()
	entry, ok := c.memory[jti]
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expiresAt) {
		delete(c.memory, jti)
		return nil, false
	}
	return entry.session, true
}

func (c *Cache) Set(ctx context.Context, jti string, sess *Session) {
	if jti == "" {
		return
	}
	if c.redis != nil {
		if data, err := json.Marshal(sess); err == nil {
			_ = c.redis.Set(ctx, c.prefix+jti, data, c.ttl).Err()
		}
		return
	}

	c.memMu.Lock()
	defer c.memMu.Unlock()
	if len(c.memory) >= c.maxMemory {
		for k := range c.memory {
			delete(c.memory, k)
			break
		}
	}
	c.memory[jti] = cacheEntry{session: sess, expiresAt: time.Now().Add(c.ttl)}
}

func (c *Cache) Invalidate(ctx context.Context, jti string) {
	if jti == "" {
		return
	}
	if c.redis != nil {
		_ = c.redis.Del(ctx, c.prefix+jti).Err()
		return
	}
	c.memMu.Lock()
	delete(c.memory, jti)
	c.memMu.Unlock()
}
