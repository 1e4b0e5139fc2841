// Package changelog implements the Change-Log Interface (C4): reading
// pending rows with per-entity deduplication, and moving their sync_status
// forward. Grounded in the same raw-pgx approach as internal/subscriptions;
// idempotent under retries per §4.4.
package changelog

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/codeready-toolchain/entity-sync-core/internal/corerr"
	"github.com/codeready-toolchain/entity-sync-core/internal/wire"
)

// viewAction is the change-log action code meaning "read, not a mutation" —
// filtered out before fan-out at every entry point (§3, §4.4).
const viewAction = 0

// Entry is one row returned by FetchPending.
type Entry struct {
	LogID      int64
	EntityCode string
	EntityID   string
	Action     int
	Version    int64
	CreatedAt  time.Time
}

// Log is the Change-Log Interface backed by a pgxpool.
type Log struct {
	pool        *pgxpool.Pool
	callTimeout time.Duration
}

// New constructs a Log.
func New(pool *pgxpool.Pool, callTimeout time.Duration) *Log {
	return &Log{pool: pool, callTimeout: callTimeout}
}

func (l *Log) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, l.callTimeout)
}

// FetchPending returns, for each (entity_code, entity_id) with any pending
// row, only the newest row, skipping action=VIEW (§4.4 fetch_pending). A
// burst of N writes to the same entity therefore yields one Entry.
func (l *Log) FetchPending(ctx context.Context, limit int) ([]Entry, error) {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()

	const q = `
		SELECT DISTINCT ON (entity_code, entity_id)
		       id, entity_code, entity_id, action, version, created_ts
		FROM change_log
		WHERE sync_status = 'pending' AND action <> $1
		ORDER BY entity_code, entity_id, created_ts DESC
		LIMIT $2`

	rows, err := l.pool.Query(ctx, q, viewAction, limit)
	if err != nil {
		return nil, corerr.Wrap(corerr.ErrTransientDatabase, "fetch_pending", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.LogID, &e.EntityCode, &e.EntityID, &e.Action, &e.Version, &e.CreatedAt); err != nil {
			return nil, corerr.Wrap(corerr.ErrTransientDatabase, "scan pending row", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkSent transitions log_ids to 'sent', together with every older
// still-pending row of the same entity, since FetchPending only ever
// returns the newest pending row per entity and the delivered row
// supersedes them. A skipped row among log_ids also becomes 'sent'
// (§4.7's sent-wins coalescing); MarkSkipped never overwrites 'sent', so
// I5 monotonicity holds.
func (l *Log) MarkSent(ctx context.Context, logIDs []int64) error {
	if len(logIDs) == 0 {
		return nil
	}
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()

	const q = `
		UPDATE change_log AS c
		SET sync_status = 'sent', sync_processed_ts = now()
		FROM change_log AS m
		WHERE m.id = ANY($1::bigint[])
		  AND c.entity_code = m.entity_code AND c.entity_id = m.entity_id
		  AND (c.id = m.id OR (c.sync_status = 'pending' AND c.created_ts <= m.created_ts))
		  AND c.sync_status <> 'sent'`

	if _, err := l.pool.Exec(ctx, q, logIDs); err != nil {
		return corerr.Wrap(corerr.ErrTransientDatabase, "mark_sent", err)
	}
	return nil
}

// MarkSkipped transitions log_ids to 'skipped', but never overwrites an
// already-'sent' row (§4.7's sent-wins coalescing, preserving I5).
func (l *Log) MarkSkipped(ctx context.Context, logIDs []int64) error {
	if len(logIDs) == 0 {
		return nil
	}
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()

	const q = `
		UPDATE change_log
		SET sync_status = 'skipped', sync_processed_ts = now()
		WHERE id = ANY($1::bigint[]) AND sync_status = 'pending'`

	if _, err := l.pool.Exec(ctx, q, logIDs); err != nil {
		return corerr.Wrap(corerr.ErrTransientDatabase, "mark_skipped", err)
	}
	return nil
}

// ToWireAction translates an Entry's raw action integer and version into
// the wire change shape used by the Fan-out Engine.
func ToWireAction(e Entry) wire.EntityChange {
	if !wire.IsKnownAction(e.Action) {
		slog.Warn("change_log row has unexpected action code", "log_id", e.LogID, "action", e.Action)
	}
	return wire.EntityChange{
		EntityID: e.EntityID,
		Action:   wire.ActionFromInt(e.Action),
		Version:  e.Version,
	}
}
