package sockrouter

import (
	"context"
	"errors"
	"time"
)

// ErrConnectionClosed is returned by Conn methods when the underlying
// transport has already closed. Topic and emission operations map this to
// CodeConnectionClosed rather than the generic CodeAdapterError.
var ErrConnectionClosed = errors.New("sockrouter: connection closed")

// ReadyState mirrors the WHATWG WebSocket readyState values.
type ReadyState int

const (
	StateConnecting ReadyState = iota
	StateOpen
	StateClosing
	StateClosed
)

// Conn is the external transport/platform adapter contract. It is the
// opaque per-connection handle the router uses to talk back to a client;
// a concrete implementation (e.g. adapter/platform/wsconn) wraps a real
// socket library.
type Conn interface {
	// ClientID returns the server-generated, time-ordered unique id for
	// this connection. Never supplied by the client.
	ClientID() string

	// Send writes a text frame. Implementations must not block the
	// dispatch loop indefinitely; they should apply their own
	// backpressure/drop policy when unbounded.
	Send(raw []byte) error

	// Close closes the underlying socket with the given close code and
	// reason string.
	Close(code int, reason string) error

	// Subscribe/Unsubscribe notify the transport that this connection
	// wants to receive frames for a topic. Many adapters (including the
	// in-memory pub/sub default) treat these as no-ops because fan-out
	// is handled entirely by the pub/sub layer, but distributed adapters
	// use them to join/leave a remote topic.
	Subscribe(topic string) error
	Unsubscribe(topic string) error

	// ReadyState reports the current lifecycle state of the connection.
	ReadyState() ReadyState
}

// ConnectionRecord is the router's view of a connection's identity and
// user-augmentable data.
type ConnectionRecord struct {
	ClientID    string
	ConnectedAt time.Time
	Protocol    string
	Data        map[string]any
}

// Authenticator is the upgrade-time authentication hook: authenticate the
// request, returning extracted data to attach to the connection, or an
// error to reject the upgrade. Request is left as `any` so the core has no
// dependency on any particular HTTP library; platform adapters pass
// through whatever their transport's request type is.
type Authenticator func(ctx context.Context, request any) (data map[string]any, err error)
