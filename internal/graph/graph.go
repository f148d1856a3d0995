// Package graph implements the "graph database interface (consumed, not
// defined here)" that spec.md §6 describes: a driver exposing Execute and
// ExecuteSingle over parameterized queries, safe for concurrent use, that
// the Scheduler's default graph-snapshot and version-compaction tasks
// depend on; the Federation Sync Engine writes through Repository
// instead. No external graph database is
// specified by name; this package backs that interface with the same
// PostgreSQL pool internal/database already manages, using a capsules /
// capsule_edges table pair as the local materialization target for
// federation-synced content.
package graph

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Client is the graph database driver consumed by the Scheduler's default
// tasks. Callers are expected to route every call
// through the "neo4j" circuit breaker (spec.md §4.6, §6) — Client itself
// carries no breaker, matching how the rest of this core keeps resilience
// orthogonal to the dependency it protects.
type Client interface {
	// Execute runs query with the given named parameters and returns every
	// resulting row as a string-keyed map.
	Execute(ctx context.Context, query string, params map[string]any) ([]map[string]any, error)
	// ExecuteSingle runs query and returns its first row, or nil if the
	// query produced no rows.
	ExecuteSingle(ctx context.Context, query string, params map[string]any) (map[string]any, error)
}

// PostgresClient implements Client against the shared pgx pool, translating
// named parameters into pgx.NamedArgs. Queries are plain SQL rather than
// Cypher since this deployment target has no separate graph database; the
// capsules/capsule_edges tables (internal/database/migrations) are the
// materialized graph.
type PostgresClient struct {
	pool *pgxpool.Pool
}

// New wraps an existing pgx pool as a graph Client.
func New(pool *pgxpool.Pool) *PostgresClient {
	return &PostgresClient{pool: pool}
}

// Execute implements Client.
func (c *PostgresClient) Execute(ctx context.Context, query string, params map[string]any) ([]map[string]any, error) {
	rows, err := c.pool.Query(ctx, query, pgx.NamedArgs(params))
	if err != nil {
		return nil, fmt.Errorf("graph: execute: %w", err)
	}
	defer rows.Close()

	records, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, fmt.Errorf("graph: collecting rows: %w", err)
	}
	out := make([]map[string]any, len(records))
	for i, r := range records {
		out[i] = r
	}
	return out, nil
}

// ExecuteSingle implements Client.
func (c *PostgresClient) ExecuteSingle(ctx context.Context, query string, params map[string]any) (map[string]any, error) {
	rows, err := c.pool.Query(ctx, query, pgx.NamedArgs(params))
	if err != nil {
		return nil, fmt.Errorf("graph: execute_single: %w", err)
	}
	defer rows.Close()

	record, err := pgx.CollectExactlyOneRow(rows, pgx.RowToMap)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("graph: collecting single row: %w", err)
	}
	return record, nil
}

// SnapshotMetrics is the result of the default "graph snapshot" scheduled
// task: a cheap count of the graph's current size, used as a liveness and
// growth signal (spec.md §4.6 "Default tasks").
type SnapshotMetrics struct {
	CapsuleCount int64
	EdgeCount    int64
}

// Snapshot runs the graph-snapshot query through Client. It is the function
// the Scheduler's default "graph_snapshot" task wraps in the "neo4j" breaker.
func Snapshot(ctx context.Context, c Client) (SnapshotMetrics, error) {
	row, err := c.ExecuteSingle(ctx, `
		SELECT (SELECT count(*) FROM capsules) AS capsule_count,
		       (SELECT count(*) FROM capsule_edges) AS edge_count
	`, nil)
	if err != nil {
		return SnapshotMetrics{}, err
	}
	if row == nil {
		return SnapshotMetrics{}, nil
	}
	return SnapshotMetrics{
		CapsuleCount: toInt64(row["capsule_count"]),
		EdgeCount:    toInt64(row["edge_count"]),
	}, nil
}

// CompactVersions runs the version-compaction query through Client: this
// deployment keeps a single row per capsule rather than a version chain, so
// compaction is a no-op vacuum-equivalent left for the operator's database
// maintenance; the hook exists so the Scheduler's default task has a real
// breaker-wrapped call to make, matching spec.md's "version compaction
// (same)" wording.
func CompactVersions(ctx context.Context, c Client) (int64, error) {
	row, err := c.ExecuteSingle(ctx, `SELECT count(*) AS compacted FROM capsules WHERE updated_at < now() - interval '90 days'`, nil)
	if err != nil {
		return 0, err
	}
	if row == nil {
		return 0, nil
	}
	return toInt64(row["compacted"]), nil
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int32:
		return int64(n)
	case int:
		return int64(n)
	default:
		return 0
	}
}
