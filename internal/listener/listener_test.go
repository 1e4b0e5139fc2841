package listener

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/codeready-toolchain/entity-sync-core/internal/wire"
)

// unreachableDSN points at a local port nothing listens on, so pgx.Connect
// fails immediately with connection-refused rather than hanging or
// DNS-resolving — letting these tests exercise the reconnect/give-up policy
// without a live PostgreSQL instance.
const unreachableDSN = "host=127.0.0.1 port=1 dbname=x user=x password=x connect_timeout=1"

type fakeDispatcher struct{}

func (fakeDispatcher) DispatchFromListener(context.Context, wire.NotifyEnvelope) {}

func TestNewListener_StartsIdle(t *testing.T) {
	l := New(unreachableDSN, Config{Channel: "entity_changes", ReconnectBase: time.Millisecond, ReconnectMaxAtt: 3}, fakeDispatcher{})
	assert.Equal(t, StateIdle, l.State())
}

func TestStart_FailsAgainstUnreachableDatabase(t *testing.T) {
	l := New(unreachableDSN, Config{Channel: "entity_changes", ReconnectBase: time.Millisecond, ReconnectMaxAtt: 3}, fakeDispatcher{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := l.Start(ctx)
	assert.Error(t, err)
	assert.Equal(t, StateDisconnected, l.State())
}

func TestReconnect_GivesUpAfterAttemptCeiling(t *testing.T) {
	l := New(unreachableDSN, Config{Channel: "entity_changes", ReconnectBase: time.Millisecond, ReconnectMaxAtt: 3}, fakeDispatcher{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ok := l.reconnect(ctx)
	assert.False(t, ok)
	assert.Equal(t, int32(4), l.attempts.Load()) // ceiling exceeded on the 4th attempt
	assert.Equal(t, StateDisconnected, l.State())
}

func TestReconnect_StopsEarlyOnContextCancellation(t *testing.T) {
	l := New(unreachableDSN, Config{Channel: "entity_changes", ReconnectBase: time.Hour, ReconnectMaxAtt: 10}, fakeDispatcher{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	ok := l.reconnect(ctx)
	assert.False(t, ok)
}

func TestSetState_UpdatesLoadedState(t *testing.T) {
	l := New(unreachableDSN, Config{Channel: "entity_changes", ReconnectBase: time.Millisecond, ReconnectMaxAtt: 3}, fakeDispatcher{})
	l.setState(StateListening)
	assert.Equal(t, StateListening, l.State())
}
