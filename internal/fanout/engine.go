// Package fanout implements the Fan-out Engine (C7): given one or more
// entity changes, resolves subscribers via the Subscription Registry,
// filters to connections open on this pod, composes per-subscriber
// INVALIDATE messages, sends them via the Connection Manager, and updates
// change-log status for the listener path. Grounded in the teacher's
// pkg/events/manager.go Broadcast for the snapshot/send pattern, using
// golang.org/x/sync/errgroup for concurrent per-subscriber sends the way
// the teacher does not need to (its Broadcast is a single best-effort loop
// over a uniform message; here each subscriber gets a distinct, filtered
// payload, so the sends are independent and safe to parallelize).
package fanout

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"github.com/codeready-toolchain/entity-sync-core/internal/changelog"
	"github.com/codeready-toolchain/entity-sync-core/internal/subscriptions"
	"github.com/codeready-toolchain/entity-sync-core/internal/telemetry"
	"github.com/codeready-toolchain/entity-sync-core/internal/wire"
)

// ConnectionSender is the subset of the Connection Manager the engine needs.
type ConnectionSender interface {
	HasOpen(connectionID string) bool
	Send(connectionID string, v any) bool
}

// SubscriberSource is the subset of the Subscription Registry the engine
// needs.
type SubscriberSource interface {
	GetBatchSubscribers(ctx context.Context, entityCode string, entityIDs []string) ([]subscriptions.Subscriber, error)
}

// ChangeLog is the subset of the Change-Log Interface the engine needs.
type ChangeLog interface {
	MarkSent(ctx context.Context, logIDs []int64) error
	MarkSkipped(ctx context.Context, logIDs []int64) error
}

// Engine is the Fan-out Engine.
type Engine struct {
	registry SubscriberSource
	conns    ConnectionSender
	log      ChangeLog

	// dedup is an optional process-local cache of the last version
	// delivered per (entity_code, entity_id), layered on top of — never
	// replacing — the client-side version reconciliation §5 mandates. It
	// only prevents redundant local sends when the listener and poller
	// race on the same pod; it is not a correctness mechanism.
	dedup *lru.Cache[string, int64]
}

// New constructs an Engine. dedupSize of 0 disables the optional cache.
func New(registry SubscriberSource, conns ConnectionSender, log ChangeLog, dedupSize int) *Engine {
	e := &Engine{registry: registry, conns: conns, log: log}
	if dedupSize > 0 {
		cache, err := lru.New[string, int64](dedupSize)
		if err == nil {
			e.dedup = cache
		}
	}
	return e
}

// change is the normalized unit of work shared by both dispatch paths.
type change struct {
	LogID      int64
	EntityCode string
	EntityID   string
	Action     wire.Action
	Version    int64
}

// DispatchFromListener handles one decoded NOTIFY envelope. Per §4.7 step 3,
// if zero local subscribers exist, the row is marked skipped — the listener
// is the only path permitted to do this, since the poller already marks
// every fetched row sent unconditionally.
func (e *Engine) DispatchFromListener(ctx context.Context, env wire.NotifyEnvelope) {
	if !wire.IsKnownAction(env.Action) {
		slog.Warn("notify envelope has unexpected action code", "log_id", env.LogID, "action", env.Action)
	}
	c := change{
		LogID:      env.LogID,
		EntityCode: env.EntityCode,
		EntityID:   env.EntityID,
		Action:     wire.ActionFromInt(env.Action),
		Version:    0, // listener path always sends version 0 (§9 open question decision)
	}

	sent, err := e.fanOut(ctx, c)
	if err != nil {
		slog.Error("fan-out from listener failed", "log_id", c.LogID, "error", err)
		return
	}

	if sent > 0 {
		telemetry.InvalidateSentTotal.WithLabelValues("listener").Add(float64(sent))
		if err := e.log.MarkSent(ctx, []int64{c.LogID}); err != nil {
			slog.Error("mark_sent after listener fan-out failed", "log_id", c.LogID, "error", err)
		}
		return
	}
	telemetry.ChangeLogSkippedTotal.Inc()
	if err := e.log.MarkSkipped(ctx, []int64{c.LogID}); err != nil {
		slog.Error("mark_skipped after listener fan-out failed", "log_id", c.LogID, "error", err)
	}
}

// DispatchFromPoller handles one entity-type group fetched by the Poll
// Watcher. Unlike the listener path, the poller owns mark_sent itself
// (unconditionally, per §4.6) so this method never touches change-log
// status.
func (e *Engine) DispatchFromPoller(ctx context.Context, entries []changelog.Entry) {
	g, gctx := errgroup.WithContext(ctx)
	for _, entry := range entries {
		entry := entry
		g.Go(func() error {
			wc := changelog.ToWireAction(entry)
			sent, err := e.fanOut(gctx, change{
				LogID:      entry.LogID,
				EntityCode: entry.EntityCode,
				EntityID:   entry.EntityID,
				Action:     wc.Action,
				Version:    wc.Version,
			})
			if sent > 0 {
				telemetry.InvalidateSentTotal.WithLabelValues("poller").Add(float64(sent))
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		slog.Error("fan-out from poller failed", "error", err)
	}
}

// fanOut resolves subscribers for one change, filters to local open
// connections, composes each subscriber's intersection-only INVALIDATE
// (§8 P2), and sends concurrently via the Connection Manager. Returns the
// number of successful sends.
func (e *Engine) fanOut(ctx context.Context, c change) (int, error) {
	if e.dedup != nil {
		key := c.EntityCode + ":" + c.EntityID
		if last, ok := e.dedup.Get(key); ok && last >= c.Version && c.Version > 0 {
			return 0, nil
		}
		e.dedup.Add(key, c.Version)
	}

	subs, err := e.registry.GetBatchSubscribers(ctx, c.EntityCode, []string{c.EntityID})
	if err != nil {
		return 0, err
	}

	var local []subscriptions.Subscriber
	for _, s := range subs {
		if e.conns.HasOpen(s.ConnectionID) {
			local = append(local, s)
		}
	}
	if len(local) == 0 {
		return 0, nil
	}

	timestamp := time.Now().Unix()
	g, _ := errgroup.WithContext(ctx)
	var sent atomic.Int32
	for _, s := range local {
		s := s
		g.Go(func() error {
			changes := make([]wire.EntityChange, 0, len(s.SubscribedEntityIDs))
			for _, id := range s.SubscribedEntityIDs {
				if id != c.EntityID {
					continue
				}
				changes = append(changes, wire.EntityChange{
					EntityID: id,
					Action:   c.Action,
					Version:  c.Version,
				})
			}
			if len(changes) == 0 {
				return nil
			}
			ok := e.conns.Send(s.ConnectionID, wire.ServerFrame{
				Type: wire.TypeInvalidate,
				Payload: wire.InvalidatePayload{
					EntityCode: c.EntityCode,
					Changes:    changes,
					Timestamp:  timestamp,
				},
			})
			if ok {
				sent.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(sent.Load()), nil
}
