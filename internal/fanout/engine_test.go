package fanout

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/entity-sync-core/internal/changelog"
	"github.com/codeready-toolchain/entity-sync-core/internal/subscriptions"
	"github.com/codeready-toolchain/entity-sync-core/internal/wire"
)

type fakeSubscriberSource struct {
	subs []subscriptions.Subscriber
	err  error
}

func (f *fakeSubscriberSource) GetBatchSubscribers(_ context.Context, _ string, _ []string) ([]subscriptions.Subscriber, error) {
	return f.subs, f.err
}

type fakeConns struct {
	mu   sync.Mutex
	open map[string]bool
	sent map[string][]wire.ServerFrame
}

func newFakeConns(open ...string) *fakeConns {
	m := make(map[string]bool, len(open))
	for _, id := range open {
		m[id] = true
	}
	return &fakeConns{open: m, sent: make(map[string][]wire.ServerFrame)}
}

func (f *fakeConns) HasOpen(connectionID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open[connectionID]
}

func (f *fakeConns) Send(connectionID string, v any) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.open[connectionID] {
		return false
	}
	f.sent[connectionID] = append(f.sent[connectionID], v.(wire.ServerFrame))
	return true
}

type fakeChangeLog struct {
	mu      sync.Mutex
	sent    []int64
	skipped []int64
}

func (f *fakeChangeLog) MarkSent(_ context.Context, logIDs []int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, logIDs...)
	return nil
}

func (f *fakeChangeLog) MarkSkipped(_ context.Context, logIDs []int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.skipped = append(f.skipped, logIDs...)
	return nil
}

func TestDispatchFromListener_MarksSentWhenLocalSubscriberExists(t *testing.T) {
	src := &fakeSubscriberSource{subs: []subscriptions.Subscriber{
		{UserID: "u1", ConnectionID: "c1", SubscribedEntityIDs: []string{"42"}},
	}}
	conns := newFakeConns("c1")
	clog := &fakeChangeLog{}
	engine := New(src, conns, clog, 0)

	engine.DispatchFromListener(context.Background(), wire.NotifyEnvelope{
		LogID: 1, EntityCode: "order", EntityID: "42", Action: 4, Timestamp: 1,
	})

	assert.Equal(t, []int64{1}, clog.sent)
	assert.Empty(t, clog.skipped)
	require.Len(t, conns.sent["c1"], 1)
	payload := conns.sent["c1"][0].Payload.(wire.InvalidatePayload)
	assert.Equal(t, "order", payload.EntityCode)
	require.Len(t, payload.Changes, 1)
	assert.Equal(t, "42", payload.Changes[0].EntityID)
	assert.Equal(t, wire.ActionCreate, payload.Changes[0].Action)
}

func TestDispatchFromListener_MarksSkippedWhenNoLocalSubscriber(t *testing.T) {
	src := &fakeSubscriberSource{subs: []subscriptions.Subscriber{
		{UserID: "u1", ConnectionID: "remote-conn", SubscribedEntityIDs: []string{"42"}},
	}}
	conns := newFakeConns() // nothing open locally
	clog := &fakeChangeLog{}
	engine := New(src, conns, clog, 0)

	engine.DispatchFromListener(context.Background(), wire.NotifyEnvelope{
		LogID: 2, EntityCode: "order", EntityID: "42", Action: 4,
	})

	assert.Equal(t, []int64{2}, clog.skipped)
	assert.Empty(t, clog.sent)
}

func TestFanOut_OnlyIncludesIntersectionEntityIDs(t *testing.T) {
	// Subscriber subscribed to ids {"1","2"} but the change is only for "1" —
	// the INVALIDATE must not mention "2" (§8 P2).
	src := &fakeSubscriberSource{subs: []subscriptions.Subscriber{
		{UserID: "u1", ConnectionID: "c1", SubscribedEntityIDs: []string{"1", "2"}},
	}}
	conns := newFakeConns("c1")
	clog := &fakeChangeLog{}
	engine := New(src, conns, clog, 0)

	engine.DispatchFromListener(context.Background(), wire.NotifyEnvelope{
		LogID: 3, EntityCode: "order", EntityID: "1", Action: 4,
	})

	require.Len(t, conns.sent["c1"], 1)
	payload := conns.sent["c1"][0].Payload.(wire.InvalidatePayload)
	require.Len(t, payload.Changes, 1)
	assert.Equal(t, "1", payload.Changes[0].EntityID)
}

func TestDispatchFromPoller_NeverTouchesChangeLog(t *testing.T) {
	src := &fakeSubscriberSource{subs: []subscriptions.Subscriber{
		{UserID: "u1", ConnectionID: "c1", SubscribedEntityIDs: []string{"7"}},
	}}
	conns := newFakeConns("c1")
	clog := &fakeChangeLog{}
	engine := New(src, conns, clog, 0)

	engine.DispatchFromPoller(context.Background(), []changelog.Entry{
		{LogID: 9, EntityCode: "order", EntityID: "7", Action: 4, Version: 1},
	})

	assert.Empty(t, clog.sent)
	assert.Empty(t, clog.skipped)
	require.Len(t, conns.sent["c1"], 1)
}

func TestFanOut_DedupSuppressesRepeatedVersion(t *testing.T) {
	src := &fakeSubscriberSource{subs: []subscriptions.Subscriber{
		{UserID: "u1", ConnectionID: "c1", SubscribedEntityIDs: []string{"7"}},
	}}
	conns := newFakeConns("c1")
	clog := &fakeChangeLog{}
	engine := New(src, conns, clog, 16)

	entry := changelog.Entry{LogID: 9, EntityCode: "order", EntityID: "7", Action: 4, Version: 5}
	engine.DispatchFromPoller(context.Background(), []changelog.Entry{entry})
	engine.DispatchFromPoller(context.Background(), []changelog.Entry{entry})

	// Second dispatch with the same version should be suppressed by dedup.
	assert.Len(t, conns.sent["c1"], 1)
}
