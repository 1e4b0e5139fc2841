// Package gateway implements the Gateway (C8): the WebSocket accept path
// and per-connection protocol state machine. Grounded in the teacher's
// pkg/api/handler_ws.go upgrade path (echo v5 + coder/websocket), extended
// with the token-based accept/reject handshake and SUBSCRIBE/UNSUBSCRIBE/
// TOKEN_REFRESH/PING frame handling §4.8 requires, which the teacher's own
// handler does not implement (it defers auth entirely). The Gateway owns
// both the Connection Manager and Subscription Registry references; neither
// of those layers holds a reference back to it or to each other (§9 design
// note: cyclic handler references are rearchitected away).
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"

	"github.com/codeready-toolchain/entity-sync-core/internal/auth"
	"github.com/codeready-toolchain/entity-sync-core/internal/connmgr"
	"github.com/codeready-toolchain/entity-sync-core/internal/corerr"
	"github.com/codeready-toolchain/entity-sync-core/internal/subscriptions"
	"github.com/codeready-toolchain/entity-sync-core/internal/wire"
)

// Gateway wires the Token Verifier, Connection Manager and Subscription
// Registry into the WebSocket accept path and per-connection message loop.
type Gateway struct {
	verifier *auth.Verifier
	conns    *connmgr.Manager
	subs     *subscriptions.Registry
	podID    string
}

// New constructs a Gateway.
func New(verifier *auth.Verifier, conns *connmgr.Manager, subs *subscriptions.Registry, podID string) *Gateway {
	return &Gateway{verifier: verifier, conns: conns, subs: subs, podID: podID}
}

// Register mounts the WebSocket endpoint on an echo router, following the
// teacher's single-route convention in pkg/api/server.go.
func (g *Gateway) Register(e *echo.Echo, path string) {
	e.GET(path, g.handleUpgrade)
}

// extractToken reads the bearer token from the token= query parameter or
// the Authorization: Bearer header (§6 external interfaces).
func extractToken(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	const prefix = "Bearer "
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, prefix) {
		return strings.TrimPrefix(h, prefix)
	}
	return ""
}

func (g *Gateway) handleUpgrade(c *echo.Context) error {
	token := extractToken(c.Request())
	principal, err := g.verifier.Verify(token)
	if err != nil {
		code := wire.CloseInvalidToken
		if errors.Is(err, corerr.ErrExpiredToken) {
			code = wire.CloseExpiredToken
		}
		conn, upErr := websocket.Accept(c.Response(), c.Request(), nil)
		if upErr != nil {
			return upErr
		}
		_ = conn.Close(websocket.StatusCode(code), "authentication failed")
		return nil
	}

	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		// Origin enforcement belongs to the reverse proxy in front of this
		// service; the gateway itself authenticates via bearer token.
		InsecureSkipVerify: true,
	})
	if err != nil {
		return err
	}

	connection := g.conns.Connect(c.Request().Context(), principal.UserID, conn, principal.ExpiryUnix)
	if err := g.subs.Touch(c.Request().Context(), connection.ID, g.podID); err != nil {
		slog.Warn("failed to record initial heartbeat", "connection_id", connection.ID, "error", err)
	}

	g.messageLoop(c.Request().Context(), connection)
	return nil
}

// messageLoop is the per-connection reader task (§5). It runs until the
// socket closes, the context is cancelled, or a protocol error forces a
// close. On exit it always tears down subscriptions and registry state —
// cleanup_connection runs unconditionally so a crash mid-loop cannot leak a
// subscription row forever (bounded instead by the stale sweep, §4.3 I3).
func (g *Gateway) messageLoop(ctx context.Context, conn *connmgr.Connection) {
	defer func() {
		g.conns.Disconnect(conn.ID)
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := g.subs.CleanupConnection(cleanupCtx, conn.ID); err != nil {
			slog.Error("cleanup_connection failed on disconnect", "connection_id", conn.ID, "error", err)
		}
		if err := g.subs.ForgetHeartbeat(cleanupCtx, conn.ID); err != nil {
			slog.Error("forget heartbeat failed on disconnect", "connection_id", conn.ID, "error", err)
		}
	}()

	for {
		if !conn.IsOpenForRead() {
			return
		}
		var frame wire.ClientFrame
		err := conn.ReadJSON(ctx, &frame)
		if err != nil {
			return
		}
		g.handleFrame(ctx, conn, frame)
	}
}

func (g *Gateway) handleFrame(ctx context.Context, conn *connmgr.Connection, frame wire.ClientFrame) {
	switch frame.Type {
	case wire.TypeSubscribe:
		var p wire.SubscribePayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			g.protocolError(conn, "malformed SUBSCRIBE payload")
			return
		}
		count, err := g.subs.Subscribe(ctx, conn.UserID, conn.ID, p.EntityCode, p.EntityIDs)
		if err != nil {
			g.conns.Send(conn.ID, wire.ServerFrame{Type: wire.TypeError, Payload: wire.ErrorPayload{Message: "subscribe failed"}})
			return
		}
		g.conns.Send(conn.ID, wire.ServerFrame{Type: wire.TypeSubscribed, Payload: wire.SubscribedPayload{Count: count}})

	case wire.TypeUnsubscribe:
		var p wire.UnsubscribePayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			g.protocolError(conn, "malformed UNSUBSCRIBE payload")
			return
		}
		if _, err := g.subs.Unsubscribe(ctx, conn.UserID, p.EntityCode, p.EntityIDs); err != nil {
			g.conns.Send(conn.ID, wire.ServerFrame{Type: wire.TypeError, Payload: wire.ErrorPayload{Message: "unsubscribe failed"}})
		}

	case wire.TypeUnsubscribeAll:
		if _, err := g.subs.UnsubscribeAll(ctx, conn.UserID); err != nil {
			g.conns.Send(conn.ID, wire.ServerFrame{Type: wire.TypeError, Payload: wire.ErrorPayload{Message: "unsubscribe_all failed"}})
		}

	case wire.TypeTokenRefresh:
		var p wire.TokenRefreshPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			g.protocolError(conn, "malformed TOKEN_REFRESH payload")
			return
		}
		principal, err := g.verifier.Verify(p.Token)
		if err != nil {
			code := wire.CloseInvalidToken
			if errors.Is(err, corerr.ErrExpiredToken) {
				code = wire.CloseExpiredToken
			}
			g.conns.DisconnectWithCode(conn.ID, websocket.StatusCode(code), "token refresh failed")
			return
		}
		g.conns.UpdateTokenExpiry(conn.ID, principal.ExpiryUnix)

	case wire.TypePing:
		g.conns.TouchPing(conn.ID)
		if err := g.subs.Touch(ctx, conn.ID, g.podID); err != nil {
			slog.Warn("failed to refresh heartbeat on ping", "connection_id", conn.ID, "error", err)
		}
		g.conns.Send(conn.ID, wire.ServerFrame{Type: wire.TypePong})

	default:
		g.protocolError(conn, "unknown frame type")
	}
}

// protocolError sends an ERROR frame and closes the connection (§7
// ProtocolError: "server sends ERROR {message} and closes").
func (g *Gateway) protocolError(conn *connmgr.Connection, message string) {
	g.conns.Send(conn.ID, wire.ServerFrame{Type: wire.TypeError, Payload: wire.ErrorPayload{Message: message}})
	g.conns.DisconnectWithCode(conn.ID, websocket.StatusCode(wire.CloseInternal), message)
}
