// Package wire defines the JSON frame shapes exchanged over the WebSocket
// gateway (§4.8, §6) and the NOTIFY payload (§3, §6). Every frame is a
// tagged variant: a "type" discriminator plus a payload shape fixed by that
// tag. Unknown tags are rejected by the gateway, never silently ignored.
package wire

import "encoding/json"

// Client → server frame types (§4.8).
const (
	TypeSubscribe      = "SUBSCRIBE"
	TypeUnsubscribe    = "UNSUBSCRIBE"
	TypeUnsubscribeAll = "UNSUBSCRIBE_ALL"
	TypeTokenRefresh   = "TOKEN_REFRESH"
	TypePing           = "PING"
)

// Server → client frame types (§4.8).
const (
	TypeInvalidate        = "INVALIDATE"
	TypeTokenExpiringSoon = "TOKEN_EXPIRING_SOON"
	TypeSubscribed        = "SUBSCRIBED"
	TypePong              = "PONG"
	TypeError             = "ERROR"
)

// ClientFrame is the envelope for every client → server message.
// Payload is decoded into the concrete type once Type is known.
type ClientFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SubscribePayload is the payload of a SUBSCRIBE frame.
type SubscribePayload struct {
	EntityCode string   `json:"entityCode"`
	EntityIDs  []string `json:"entityIds"`
}

// UnsubscribePayload is the payload of an UNSUBSCRIBE frame. EntityIDs is
// nil/absent to mean "all subscriptions of this type" (§4.3).
type UnsubscribePayload struct {
	EntityCode string   `json:"entityCode"`
	EntityIDs  []string `json:"entityIds,omitempty"`
}

// TokenRefreshPayload is the payload of a TOKEN_REFRESH frame.
type TokenRefreshPayload struct {
	Token string `json:"token"`
}

// ServerFrame is the envelope for every server → client message.
type ServerFrame struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// Action is the wire-level enum for a single entity change (§3, §4.7).
type Action string

const (
	ActionCreate Action = "CREATE"
	ActionUpdate Action = "UPDATE"
	ActionDelete Action = "DELETE"
)

// ActionFromInt translates the change-log's raw integer action code to the
// wire enum, per §4.7 and the Open Question decision recorded in
// SPEC_FULL.md: 3=DELETE, 4=CREATE, everything else (including the
// documented-as-ambiguous 1 and 2) maps to UPDATE. VIEW (0) is filtered out
// upstream and should never reach this function in practice.
func ActionFromInt(raw int) Action {
	switch raw {
	case 3:
		return ActionDelete
	case 4:
		return ActionCreate
	default:
		return ActionUpdate
	}
}

// IsKnownAction reports whether raw is one of the action codes documented in
// §4.7 (0=VIEW, 1, 2, 3=DELETE, 4=CREATE). Callers translating a raw code via
// ActionFromInt are expected to log when this is false, per SPEC_FULL.md's
// Open Question decision that an out-of-range code must produce a
// diagnostic rather than disappear into a silent UPDATE.
func IsKnownAction(raw int) bool {
	switch raw {
	case 0, 1, 2, 3, 4:
		return true
	default:
		return false
	}
}

// EntityChange is one element of an INVALIDATE payload's changes[] array.
type EntityChange struct {
	EntityID string `json:"entityId"`
	Action   Action `json:"action"`
	Version  int64  `json:"version"`
}

// InvalidatePayload is the payload of an INVALIDATE server frame.
type InvalidatePayload struct {
	EntityCode string         `json:"entityCode"`
	Changes    []EntityChange `json:"changes"`
	Timestamp  int64          `json:"timestamp"`
}

// SubscribedPayload is the payload of a SUBSCRIBED server frame.
type SubscribedPayload struct {
	Count int `json:"count"`
}

// TokenExpiringSoonPayload is the payload of a TOKEN_EXPIRING_SOON frame.
type TokenExpiringSoonPayload struct {
	ExpiresIn int64 `json:"expiresIn"`
}

// ErrorPayload is the payload of an ERROR server frame.
type ErrorPayload struct {
	Message string `json:"message"`
}

// NotifyEnvelope is the JSON payload carried on the `entity_changes` NOTIFY
// channel (§6).
type NotifyEnvelope struct {
	LogID      int64  `json:"log_id"`
	EntityCode string `json:"entity_code"`
	EntityID   string `json:"entity_id"`
	Action     int    `json:"action"`
	Timestamp  int64  `json:"timestamp"`
}

// WebSocket close codes (§4.8, §6).
const (
	CloseInvalidToken = 4001
	CloseExpiredToken = 4002
	CloseNormal       = 1000
	CloseInternal     = 1011
)
