// Package subscriptions implements the Subscription Registry (C3): the
// durable, cross-pod table of which connections want to hear about which
// entities, plus the batch-subscriber query that is the fan-out primitive.
// Grounded in raw pgx usage from persistorai's db package and NVIDIA-OSMO's
// pool wrapper rather than the teacher's Ent client, because §4.3 and §9
// require single-round-trip parameterized-array queries that an ORM's
// query builder does not express naturally.
package subscriptions

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/codeready-toolchain/entity-sync-core/internal/corerr"
)

// Registry is the Subscription Registry backed by a pgxpool.
type Registry struct {
	pool        *pgxpool.Pool
	callTimeout time.Duration
}

// New constructs a Registry. callTimeout bounds every database call issued
// through it (§5: "Every database call carries a deadline").
func New(pool *pgxpool.Pool, callTimeout time.Duration) *Registry {
	return &Registry{pool: pool, callTimeout: callTimeout}
}

func (r *Registry) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.callTimeout)
}

// Subscribe bulk-upserts (user_id, connection_id, entity_code, entity_id)
// rows in one round trip using unnest() over a deduplicated id array, and
// returns the number of distinct entity ids now subscribed (§4.3 subscribe).
// Empty entityIDs is a no-op. All rows commit or none do.
func (r *Registry) Subscribe(ctx context.Context, userID, connectionID, entityCode string, entityIDs []string) (int, error) {
	ids := dedupe(entityIDs)
	if len(ids) == 0 {
		return 0, nil
	}

	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	const q = `
		INSERT INTO subscriptions (user_id, connection_id, entity_code, entity_id)
		SELECT $1, $2, $3, e FROM unnest($4::text[]) AS e
		ON CONFLICT (connection_id, entity_code, entity_id) DO NOTHING`

	tag, err := r.pool.Exec(ctx, q, userID, connectionID, entityCode, ids)
	if err != nil {
		return 0, corerr.Wrap(corerr.ErrTransientDatabase, "subscribe", err)
	}
	// Rows that already existed count as "unchanged" per §4.3's contract
	// ("inserted or unchanged"), so the caller-visible count is the
	// requested id count, not the affected-row count.
	_ = tag
	return len(ids), nil
}

// Unsubscribe removes this user's subscription rows for entityCode. When
// entityIDs is empty, every row of that type for the user is removed
// (§4.3 unsubscribe).
func (r *Registry) Unsubscribe(ctx context.Context, userID, entityCode string, entityIDs []string) (int64, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	var tag pgx.CommandTag
	var err error
	if len(entityIDs) == 0 {
		const q = `DELETE FROM subscriptions WHERE user_id = $1 AND entity_code = $2`
		tag, err = r.pool.Exec(ctx, q, userID, entityCode)
	} else {
		const q = `
			DELETE FROM subscriptions
			WHERE user_id = $1 AND entity_code = $2
			  AND entity_id = ANY($3::text[])`
		tag, err = r.pool.Exec(ctx, q, userID, entityCode, dedupe(entityIDs))
	}
	if err != nil {
		return 0, corerr.Wrap(corerr.ErrTransientDatabase, "unsubscribe", err)
	}
	return tag.RowsAffected(), nil
}

// UnsubscribeAll removes every subscription row owned by userID (§4.3
// unsubscribe_all).
func (r *Registry) UnsubscribeAll(ctx context.Context, userID string) (int64, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	tag, err := r.pool.Exec(ctx, `DELETE FROM subscriptions WHERE user_id = $1`, userID)
	if err != nil {
		return 0, corerr.Wrap(corerr.ErrTransientDatabase, "unsubscribe_all", err)
	}
	return tag.RowsAffected(), nil
}

// CleanupConnection removes every subscription row for connectionID. Safe
// to call on a connection id that never existed or is already gone (§4.3
// cleanup_connection, run on socket close).
func (r *Registry) CleanupConnection(ctx context.Context, connectionID string) (int64, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	tag, err := r.pool.Exec(ctx, `DELETE FROM subscriptions WHERE connection_id = $1`, connectionID)
	if err != nil {
		return 0, corerr.Wrap(corerr.ErrTransientDatabase, "cleanup_connection", err)
	}
	return tag.RowsAffected(), nil
}

// Subscriber is one row of a GetBatchSubscribers result: a (user,
// connection) pair and the subset of the queried entity ids it is actually
// subscribed to.
type Subscriber struct {
	UserID              string
	ConnectionID        string
	SubscribedEntityIDs []string
}

// GetBatchSubscribers returns, for every connection subscribed to any of
// entityIDs under entityCode, the intersection of its subscriptions with
// the query set (§4.3 get_batch_subscribers — the fan-out primitive).
// One round trip regardless of len(entityIDs) (§8 P5).
func (r *Registry) GetBatchSubscribers(ctx context.Context, entityCode string, entityIDs []string) ([]Subscriber, error) {
	ids := dedupe(entityIDs)
	if len(ids) == 0 {
		return nil, nil
	}

	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	const q = `
		SELECT user_id, connection_id, array_agg(entity_id) AS matched
		FROM subscriptions
		WHERE entity_code = $1 AND entity_id = ANY($2::text[])
		GROUP BY user_id, connection_id`

	rows, err := r.pool.Query(ctx, q, entityCode, ids)
	if err != nil {
		return nil, corerr.Wrap(corerr.ErrTransientDatabase, "get_batch_subscribers", err)
	}
	defer rows.Close()

	var out []Subscriber
	for rows.Next() {
		var s Subscriber
		if err := rows.Scan(&s.UserID, &s.ConnectionID, &s.SubscribedEntityIDs); err != nil {
			return nil, corerr.Wrap(corerr.ErrTransientDatabase, "scan batch subscriber", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, corerr.Wrap(corerr.ErrTransientDatabase, "iterate batch subscribers", err)
	}
	return out, nil
}

// CleanupStale removes subscription rows older than olderThan whose
// connection_id has no recent heartbeat from any pod (§4.3 cleanup_stale).
// Idempotent; does not block fan-out because it only touches rows already
// abandoned by every pod.
func (r *Registry) CleanupStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	const q = `
		DELETE FROM subscriptions s
		WHERE s.created_ts < now() - $1::interval
		  AND NOT EXISTS (
		      SELECT 1 FROM connection_heartbeats h
		      WHERE h.connection_id = s.connection_id
		        AND h.last_seen_ts > now() - $1::interval
		  )`

	tag, err := r.pool.Exec(ctx, q, fmt.Sprintf("%d seconds", int64(olderThan.Seconds())))
	if err != nil {
		return 0, corerr.Wrap(corerr.ErrTransientDatabase, "cleanup_stale", err)
	}
	return tag.RowsAffected(), nil
}

// Touch upserts this pod's heartbeat row for connectionID, so CleanupStale
// on any pod knows the connection is still claimed.
func (r *Registry) Touch(ctx context.Context, connectionID, podID string) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	const q = `
		INSERT INTO connection_heartbeats (connection_id, pod_id, last_seen_ts)
		VALUES ($1, $2, now())
		ON CONFLICT (connection_id) DO UPDATE SET pod_id = $2, last_seen_ts = now()`

	if _, err := r.pool.Exec(ctx, q, connectionID, podID); err != nil {
		return corerr.Wrap(corerr.ErrTransientDatabase, "touch heartbeat", err)
	}
	return nil
}

// ForgetHeartbeat deletes connectionID's heartbeat row on disconnect.
func (r *Registry) ForgetHeartbeat(ctx context.Context, connectionID string) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	if _, err := r.pool.Exec(ctx, `DELETE FROM connection_heartbeats WHERE connection_id = $1`, connectionID); err != nil {
		return corerr.Wrap(corerr.ErrTransientDatabase, "forget heartbeat", err)
	}
	return nil
}

// Stats is the result of Stats() (§4.3 stats): subscription row counts per
// entity_code.
type Stats struct {
	PerEntityCode map[string]int64
}

// Stats reports how many subscription rows exist per entity_code.
func (r *Registry) Stats(ctx context.Context) (Stats, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	rows, err := r.pool.Query(ctx, `SELECT entity_code, count(*) FROM subscriptions GROUP BY entity_code`)
	if err != nil {
		return Stats{}, corerr.Wrap(corerr.ErrTransientDatabase, "stats", err)
	}
	defer rows.Close()

	out := Stats{PerEntityCode: make(map[string]int64)}
	for rows.Next() {
		var code string
		var n int64
		if err := rows.Scan(&code, &n); err != nil {
			return Stats{}, corerr.Wrap(corerr.ErrTransientDatabase, "scan stats row", err)
		}
		out.PerEntityCode[code] = n
	}
	return out, rows.Err()
}

func dedupe(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
