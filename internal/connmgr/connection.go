package connmgr

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

// Connection is the pod-local state for one WebSocket client (§3 Data
// Model, "Connection (in-memory, pod-local)"). Its mutable fields are
// touched by the gateway's reader goroutine, the writer goroutine, the
// sweeper and this pod's fan-out tasks, and therefore use atomics, a
// channel or sync.Once.
type Connection struct {
	ID     string
	UserID string
	socket *websocket.Conn

	createdAt   time.Time
	tokenExpiry atomic.Int64 // unix seconds; mutated by update_token_expiry
	lastPing    atomic.Int64 // unix seconds; updated on each client PING
	warnedSoon  atomic.Bool  // true once TOKEN_EXPIRING_SOON has been sent for the current expiry

	// outbound queue + dedicated writer task (§5: "A per-connection reader
	// task and a per-connection writer task are the natural decomposition").
	// queuedBytes tracks the sum of payload sizes sitting in outbox so Send
	// can enforce the backpressure byte cap without draining the channel.
	outbox      chan []byte
	queuedBytes atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	closed    chan struct{}
	closeCode websocket.StatusCode
	closeMsg  string
}

func newConnection(parent context.Context, userID string, socket *websocket.Conn, tokenExpiry int64, outboxDepth int) *Connection {
	ctx, cancel := context.WithCancel(parent)
	c := &Connection{
		UserID:    userID,
		socket:    socket,
		createdAt: time.Now(),
		outbox:    make(chan []byte, outboxDepth),
		ctx:       ctx,
		cancel:    cancel,
		closed:    make(chan struct{}),
	}
	c.tokenExpiry.Store(tokenExpiry)
	c.lastPing.Store(time.Now().Unix())
	return c
}

// TokenExpiry returns the currently tracked expiry (unix seconds).
func (c *Connection) TokenExpiry() int64 { return c.tokenExpiry.Load() }

// touchPing records that a PING frame was just received from the client.
func (c *Connection) touchPing() { c.lastPing.Store(time.Now().Unix()) }

// lastPingAt returns the unix second of the last recorded PING (or connect
// time, if none yet).
func (c *Connection) lastPingAt() int64 { return c.lastPing.Load() }

// isOpen reports whether the connection's context has not been cancelled.
func (c *Connection) isOpen() bool {
	select {
	case <-c.ctx.Done():
		return false
	default:
		return true
	}
}

// IsOpenForRead reports whether the gateway's reader task should keep
// calling ReadJSON on this connection.
func (c *Connection) IsOpenForRead() bool { return c.isOpen() }

// ReadJSON blocks for the next text frame and decodes it as JSON into v.
// This is the per-connection reader task's only interaction with the raw
// socket (§5); the writer task may write while this reads, which
// coder/websocket supports (one concurrent reader and writer).
func (c *Connection) ReadJSON(ctx context.Context, v any) error {
	_, data, err := c.socket.Read(ctx)
	if err != nil {
		c.requestClose(websocket.StatusNormalClosure, "")
		return err
	}
	return json.Unmarshal(data, v)
}

// requestClose asynchronously closes the socket with the given WebSocket
// close code. Idempotent: only the first call's code/message wins.
func (c *Connection) requestClose(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeMsg = reason
		close(c.closed)
		c.cancel()
	})
}

// writerLoop drains outbox and writes each frame with a bounded deadline
// (§5: "Every socket write is bounded ... exceeding the bound causes the
// connection to be closed with 1011"). Runs as the dedicated writer task
// for this connection until the connection closes.
func (c *Connection) writerLoop(writeTimeout time.Duration) {
	for {
		select {
		case <-c.closed:
			return
		case data, ok := <-c.outbox:
			if !ok {
				return
			}
			c.queuedBytes.Add(-int64(len(data)))
			writeCtx, cancel := context.WithTimeout(c.ctx, writeTimeout)
			err := c.socket.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				c.requestClose(websocket.StatusInternalError, "write failed or timed out")
				return
			}
		}
	}
}
