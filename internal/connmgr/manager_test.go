package connmgr

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestManager(t *testing.T, cfg Config) (*Manager, *httptest.Server) {
	t.Helper()
	mgr := New(cfg)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		c := mgr.Connect(r.Context(), "user-1", conn, time.Now().Add(time.Hour).Unix())
		<-c.ctx.Done()
	}))
	t.Cleanup(server.Close)
	return mgr, server
}

func dial(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + server.URL[len("http"):]
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var msg map[string]any
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestManager_ConnectAssignsIDAndTracksStats(t *testing.T) {
	mgr, server := setupTestManager(t, Config{})
	dial(t, server)

	require.Eventually(t, func() bool {
		return mgr.Stats().Connections == 1
	}, 2*time.Second, 10*time.Millisecond)

	stats := mgr.Stats()
	assert.Equal(t, 1, stats.Connections)
	assert.Equal(t, 1, stats.Users)
}

func TestManager_SendDeliversToConnection(t *testing.T) {
	mgr, server := setupTestManager(t, Config{})
	conn := dial(t, server)

	var id string
	require.Eventually(t, func() bool {
		ids := mgr.ConnectionsForUser("user-1")
		if len(ids) != 1 {
			return false
		}
		id = ids[0]
		return true
	}, 2*time.Second, 10*time.Millisecond)

	ok := mgr.Send(id, map[string]string{"type": "PING_TEST"})
	assert.True(t, ok)

	msg := readJSON(t, conn)
	assert.Equal(t, "PING_TEST", msg["type"])
}

func TestManager_SendToUnknownConnectionFails(t *testing.T) {
	mgr, _ := setupTestManager(t, Config{})
	assert.False(t, mgr.Send("does-not-exist", map[string]string{"type": "X"}))
}

func TestManager_DisconnectRemovesFromStats(t *testing.T) {
	mgr, server := setupTestManager(t, Config{})
	dial(t, server)

	var id string
	require.Eventually(t, func() bool {
		ids := mgr.ConnectionsForUser("user-1")
		if len(ids) != 1 {
			return false
		}
		id = ids[0]
		return true
	}, 2*time.Second, 10*time.Millisecond)

	mgr.Disconnect(id)
	assert.Equal(t, 0, mgr.Stats().Connections)
	assert.False(t, mgr.HasOpen(id))
}

func TestManager_BroadcastCountsSuccessfulSends(t *testing.T) {
	mgr, server := setupTestManager(t, Config{})
	conn1 := dial(t, server)
	conn2 := dial(t, server)

	var ids []string
	require.Eventually(t, func() bool {
		ids = mgr.ConnectionsForUser("user-1")
		return len(ids) == 2
	}, 2*time.Second, 10*time.Millisecond)

	sent := mgr.Broadcast(ids, map[string]string{"type": "BROADCAST"})
	assert.Equal(t, 2, sent)

	readJSON(t, conn1)
	readJSON(t, conn2)
}

func TestManager_SendClosesConnectionOverByteCap(t *testing.T) {
	mgr, server := setupTestManager(t, Config{OutboundByteCap: 10})
	dial(t, server)

	var id string
	require.Eventually(t, func() bool {
		ids := mgr.ConnectionsForUser("user-1")
		if len(ids) != 1 {
			return false
		}
		id = ids[0]
		return true
	}, 2*time.Second, 10*time.Millisecond)

	ok := mgr.Send(id, map[string]string{"type": "THIS_PAYLOAD_IS_DEFINITELY_OVER_TEN_BYTES"})
	assert.False(t, ok)
	assert.False(t, mgr.HasOpen(id))
}

func TestManager_UpdateTokenExpiryClearsWarnedSoon(t *testing.T) {
	mgr, server := setupTestManager(t, Config{})
	dial(t, server)

	var id string
	require.Eventually(t, func() bool {
		ids := mgr.ConnectionsForUser("user-1")
		if len(ids) != 1 {
			return false
		}
		id = ids[0]
		return true
	}, 2*time.Second, 10*time.Millisecond)

	c, ok := mgr.Lookup(id)
	require.True(t, ok)
	c.warnedSoon.Store(true)

	newExpiry := time.Now().Add(2 * time.Hour).Unix()
	mgr.UpdateTokenExpiry(id, newExpiry)
	assert.Equal(t, newExpiry, c.TokenExpiry())
	assert.False(t, c.warnedSoon.Load())
}

func TestCloseReasonLabel(t *testing.T) {
	assert.Equal(t, "invalid_token", closeReasonLabel(4001))
	assert.Equal(t, "expired_token", closeReasonLabel(4002))
	assert.Equal(t, "internal_error", closeReasonLabel(websocket.StatusInternalError))
	assert.Equal(t, "other", closeReasonLabel(websocket.StatusNormalClosure))
}
