package integration

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	echo "github.com/labstack/echo/v5"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/entity-sync-core/internal/wire"
)

const signingSecret = "integration-test-signing-secret"

// signSessionToken mints an HS256 bearer token shaped the way auth.Verifier
// expects, mirroring the auth package's own test helper since the claims
// type there is unexported.
func signSessionToken(t *testing.T, userID string, expiry time.Time) string {
	t.Helper()
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.HS256, Key: []byte(signingSecret)}, nil)
	require.NoError(t, err)

	claims := struct {
		jwt.Claims
		UserID string `json:"uid"`
	}{
		Claims: jwt.Claims{
			Subject: userID,
			Expiry:  jwt.NewNumericDate(expiry),
		},
		UserID: userID,
	}
	token, err := jwt.Signed(signer).Claims(claims).Serialize()
	require.NoError(t, err)
	return token
}

// wsClient is a thin wrapper over a dialed gateway connection used by the
// scenario tests to subscribe and read frames.
type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func dialGateway(t *testing.T, server *httptest.Server, userID string) *wsClient {
	t.Helper()
	token := signSessionToken(t, userID, time.Now().Add(time.Hour))
	url := "ws" + server.URL[len("http"):] + "/ws?token=" + token
	conn, _, err := websocket.Dial(context.Background(), url, nil)
	require.NoError(t, err)
	c := &wsClient{t: t, conn: conn}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return c
}

func (c *wsClient) send(frameType string, payload any) {
	raw, err := json.Marshal(payload)
	require.NoError(c.t, err)
	data, err := json.Marshal(wire.ClientFrame{Type: frameType, Payload: raw})
	require.NoError(c.t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(c.t, c.conn.Write(ctx, websocket.MessageText, data))
}

func (c *wsClient) readFrame(timeout time.Duration) wire.ServerFrame {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	_, data, err := c.conn.Read(ctx)
	require.NoError(c.t, err)
	var frame wire.ServerFrame
	require.NoError(c.t, json.Unmarshal(data, &frame))
	return frame
}

// readFrameAfter performs action then waits for the next server frame,
// giving a deterministic read-after-write ordering for request/response
// frame pairs like SUBSCRIBE -> SUBSCRIBED.
func (c *wsClient) readFrameAfter(action func()) wire.ServerFrame {
	action()
	return c.readFrame(5 * time.Second)
}

// hasPendingFrame reports whether a frame arrives within timeout, used to
// assert the negative case (no further delivery after unsubscribing).
func (c *wsClient) hasPendingFrame(timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	_, _, err := c.conn.Read(ctx)
	return err == nil
}

func (c *wsClient) close() {
	_ = c.conn.Close(websocket.StatusNormalClosure, "")
}

func newTestServer(t *testing.T, env *testEnv) *httptest.Server {
	t.Helper()
	e := echo.New()
	env.gateway.Register(e, "/ws")
	server := httptest.NewServer(e)
	t.Cleanup(server.Close)
	return server
}
