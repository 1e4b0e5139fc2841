package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/entity-sync-core/internal/wire"
)

// TestListenerPath_DeliversInvalidateToSubscribedConnection exercises the
// primary delivery path end to end: a row inserted into change_log fires a
// trigger NOTIFY, the Listener receives it, the Engine fans it out, and the
// subscribed client sees an INVALIDATE frame (§8 scenario: "subscribe then
// publish").
func TestListenerPath_DeliversInvalidateToSubscribedConnection(t *testing.T) {
	env := setupEnv(t, true)
	server := newTestServer(t, env)
	client := dialGateway(t, server, "user-1")

	sub := client.readFrameAfter(func() {
		client.send(wire.TypeSubscribe, wire.SubscribePayload{EntityCode: "widget", EntityIDs: []string{"w-1"}})
	})
	assertPayloadField(t, sub, wire.TypeSubscribed, "count", float64(1))

	insertChange(t, env.pool, "widget", "w-1", 4)

	frame := client.readFrame(5 * time.Second)
	require.Equal(t, wire.TypeInvalidate, frame.Type)
	payload, ok := frame.Payload.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "widget", payload["entityCode"])
	changes, ok := payload["changes"].([]any)
	require.True(t, ok)
	require.Len(t, changes, 1)
	change := changes[0].(map[string]any)
	assert.Equal(t, "w-1", change["entityId"])
	assert.Equal(t, "CREATE", change["action"])
}

// TestListenerPath_OnlySubscribedEntityIDsAreIncluded verifies §8 property
// P2: a client subscribed to a subset of entity IDs only sees the subset it
// asked about, even when the change batch covers more.
func TestListenerPath_OnlySubscribedEntityIDsAreIncluded(t *testing.T) {
	env := setupEnv(t, true)
	server := newTestServer(t, env)
	client := dialGateway(t, server, "user-1")

	client.readFrameAfter(func() {
		client.send(wire.TypeSubscribe, wire.SubscribePayload{EntityCode: "widget", EntityIDs: []string{"w-1"}})
	})

	insertChange(t, env.pool, "widget", "w-2", 4)
	insertChange(t, env.pool, "widget", "w-1", 1)

	frame := client.readFrame(5 * time.Second)
	require.Equal(t, wire.TypeInvalidate, frame.Type)
	payload := frame.Payload.(map[string]any)
	changes := payload["changes"].([]any)
	require.Len(t, changes, 1)
	assert.Equal(t, "w-1", changes[0].(map[string]any)["entityId"])
}

// TestUnsubscribe_StopsFurtherDelivery covers §4.3: after UNSUBSCRIBE, a
// later change to the same entity produces no frame for that connection.
func TestUnsubscribe_StopsFurtherDelivery(t *testing.T) {
	env := setupEnv(t, true)
	server := newTestServer(t, env)
	client := dialGateway(t, server, "user-1")

	client.readFrameAfter(func() {
		client.send(wire.TypeSubscribe, wire.SubscribePayload{EntityCode: "widget", EntityIDs: []string{"w-1"}})
	})
	client.send(wire.TypeUnsubscribe, wire.UnsubscribePayload{EntityCode: "widget", EntityIDs: []string{"w-1"}})
	// UNSUBSCRIBE has no reply frame; frames from one connection are handled
	// in order, so a PONG here means the UNSUBSCRIBE has been processed.
	pong := client.readFrameAfter(func() {
		client.send(wire.TypePing, nil)
	})
	require.Equal(t, wire.TypePong, pong.Type)

	insertChange(t, env.pool, "widget", "w-1", 4)

	require.Never(t, func() bool {
		return client.hasPendingFrame(500 * time.Millisecond)
	}, 2*time.Second, 200*time.Millisecond)
}

// TestPollerPath_DeliversWhenListenerIsDown exercises the safety net (§4.6):
// with no Listener running, the Poller alone must still deliver the change.
func TestPollerPath_DeliversWhenListenerIsDown(t *testing.T) {
	env := setupEnv(t, false)
	server := newTestServer(t, env)
	client := dialGateway(t, server, "user-1")

	client.readFrameAfter(func() {
		client.send(wire.TypeSubscribe, wire.SubscribePayload{EntityCode: "widget", EntityIDs: []string{"w-1"}})
	})

	insertChange(t, env.pool, "widget", "w-1", 3)

	env.poller.RunOnce(context.Background())

	frame := client.readFrame(5 * time.Second)
	require.Equal(t, wire.TypeInvalidate, frame.Type)
	payload := frame.Payload.(map[string]any)
	changes := payload["changes"].([]any)
	require.Len(t, changes, 1)
	assert.Equal(t, "DELETE", changes[0].(map[string]any)["action"])
}

// TestCleanupStale_RemovesSubscriptionsWithoutLiveHeartbeat covers §4.4
// cleanup_stale: a subscription row whose connection never heartbeats again
// within the stale window is removed.
func TestCleanupStale_RemovesSubscriptionsWithoutLiveHeartbeat(t *testing.T) {
	env := setupEnv(t, false)
	ctx := context.Background()

	_, err := env.subs.Subscribe(ctx, "user-1", "ghost-conn", "widget", []string{"w-1"})
	require.NoError(t, err)
	require.NoError(t, env.subs.Touch(ctx, "ghost-conn", "pod-a"))
	require.NoError(t, env.subs.ForgetHeartbeat(ctx, "ghost-conn"))

	removed, err := env.subs.CleanupStale(ctx, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	stats, err := env.subs.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.PerEntityCode["widget"])
}

// TestDisconnect_RunsCleanupConnection covers §4.3 I3: disconnecting a
// client tears down its subscription rows immediately, not just after the
// stale sweep.
func TestDisconnect_RunsCleanupConnection(t *testing.T) {
	env := setupEnv(t, false)
	server := newTestServer(t, env)
	client := dialGateway(t, server, "user-1")

	client.readFrameAfter(func() {
		client.send(wire.TypeSubscribe, wire.SubscribePayload{EntityCode: "widget", EntityIDs: []string{"w-1"}})
	})

	client.close()

	require.Eventually(t, func() bool {
		stats, err := env.subs.Stats(context.Background())
		require.NoError(t, err)
		return stats.PerEntityCode["widget"] == 0
	}, 5*time.Second, 50*time.Millisecond)
}

func assertPayloadField(t *testing.T, frame wire.ServerFrame, wantType string, key string, want any) {
	t.Helper()
	require.Equal(t, wantType, frame.Type)
	payload, ok := frame.Payload.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, want, payload[key])
}
