package sockrouter

import (
	"context"
	"sync/atomic"
	"time"
)

// Options configures an emission (Send/Reply/Error/Progress/Publish).
type Options struct {
	// Meta merges user-supplied meta into the outbound envelope. Reserved
	// keys are stripped before the merge; server-stamped values always win.
	Meta map[string]any

	// Signal, if non-nil and already done, turns the emission into a
	// pre-commit no-op. Once the underlying transport call has been
	// issued the emission commits regardless of the signal ("abort
	// signals apply pre-commit only").
	Signal context.Context

	// ThrottleMs, for Progress only, skips the send if less than this
	// many milliseconds have elapsed since the last progress frame on
	// this correlation.
	ThrottleMs int

	// ExcludeSelf requests that a Publish not deliver to the publishing
	// connection. This layer does not support per-connection self-exclusion
	// at the pub/sub fan-out level; setting it always yields a failed
	// PublishResult. Use ExcludeClientID to exclude a specific client id
	// from delivery instead.
	ExcludeSelf bool

	// ExcludeClientID, when non-empty, is forwarded to the pub/sub adapter
	// as the client id to omit from local delivery. Unlike ExcludeSelf this
	// is an explicit opt-in: a plain Publish call with no ExcludeClientID
	// set delivers to every subscriber, including the publisher itself if
	// it is subscribed to the topic.
	ExcludeClientID string
}

// Ctx is the per-message handle passed to handlers. It is only valid for
// the duration of one dispatch.
type Ctx struct {
	router  *Router
	conn    Conn
	msgType string

	clientID      string
	receivedAt    time.Time
	meta          map[string]any
	payload       []byte
	correlationID string
	isRPC         bool
	responseType  string
	responseSpec  any

	data *atomic.Pointer[map[string]any]

	terminal     atomic.Bool
	lastProgress atomic.Int64 // unix nano of last progress emission

	ctx context.Context
}

// Context returns the Go context.Context bound to this dispatch (derived
// from the connection's lifetime context, carrying any values hooks have
// chained onto it).
func (c *Ctx) Context() context.Context { return c.ctx }

// Type returns the inbound message's wire type.
func (c *Ctx) Type() string { return c.msgType }

// ClientID returns the owning connection's server-generated id.
func (c *Ctx) ClientID() string { return c.clientID }

// ReceivedAt returns the trusted server-stamped receipt time. A
// client-supplied meta.timestamp, if present, is NOT this value — it is
// untrusted client input and is kept separately in Meta().
func (c *Ctx) ReceivedAt() time.Time { return c.receivedAt }

// Meta returns the sanitized inbound meta map: client-supplied reserved keys
// are stripped, then clientId, receivedAt (Unix milliseconds) and the
// inbound correlationId are stamped by the server. A client-supplied
// timestamp is kept as untrusted input.
func (c *Ctx) Meta() map[string]any { return c.meta }

// Payload returns the raw, already-validated inbound payload bytes. Empty
// when the schema declares no payload.
func (c *Ctx) Payload() []byte { return c.payload }

// Data returns a snapshot of the connection's user data map.
func (c *Ctx) Data() map[string]any {
	if p := c.data.Load(); p != nil {
		return *p
	}
	return map[string]any{}
}

// AssignData shallow-merges patch into the connection's data map. The
// merge produces a new map (copy-on-write) so concurrent dispatches for
// other in-flight messages on the same connection observe a consistent
// snapshot rather than a partially mutated one.
func (c *Ctx) AssignData(patch map[string]any) {
	for {
		old := c.data.Load()
		next := make(map[string]any, len(patch)+len(derefOrEmpty(old)))
		for k, v := range derefOrEmpty(old) {
			next[k] = v
		}
		for k, v := range patch {
			next[k] = v
		}
		if c.data.CompareAndSwap(old, &next) {
			return
		}
	}
}

func derefOrEmpty(p *map[string]any) map[string]any {
	if p == nil {
		return nil
	}
	return *p
}

// Conn exposes the opaque transport handle for advanced use (e.g. reading
// ReadyState). Most handlers should prefer the emission methods instead of
// calling Conn directly.
func (c *Ctx) Conn() Conn { return c.conn }

// aborted reports whether opts.Signal is set and already done.
func (o Options) aborted() bool {
	return o.Signal != nil && o.Signal.Err() != nil
}

func (o Options) outboundMeta(stamped map[string]any) map[string]any {
	return mergeMeta(o.Meta, stamped)
}

// Send emits a fire-and-forget message on this connection. Available on
// both event and RPC contexts; never terminal.
func (c *Ctx) Send(msgType string, payload any, opts ...Options) error {
	o := firstOptions(opts)
	if o.aborted() {
		return nil
	}
	stamped := map[string]any{}
	if c.correlationID != "" {
		stamped[MetaCorrelationID] = c.correlationID
	}
	return c.router.emit(c.conn, Envelope{Type: msgType, Meta: o.outboundMeta(stamped)}, payload)
}

// Reply emits the terminal success response of an RPC. No-op (without
// error) if a terminal has already been committed for this dispatch.
func (c *Ctx) Reply(payload any, opts ...Options) error {
	if !c.isRPC {
		return NewError(CodeFailedPrecondition, "reply called on a non-RPC context", nil)
	}
	o := firstOptions(opts)
	if o.aborted() {
		return nil
	}
	if !c.terminal.CompareAndSwap(false, true) {
		return nil
	}
	if c.responseSpec != nil {
		if issues, err := c.router.validator.ValidatePayload(c.ctx, c.responseSpec, mustJSON(payload)); err != nil || len(issues) > 0 {
			return c.emitOutboundValidationError(issues, err, opts...)
		}
	}
	stamped := map[string]any{}
	if c.correlationID != "" {
		stamped[MetaCorrelationID] = c.correlationID
	}
	return c.router.emit(c.conn, Envelope{Type: c.responseType, Meta: o.outboundMeta(stamped)}, payload)
}

// Progress emits a non-terminal RPC progress frame. May be called any
// number of times before the terminal commits; a no-op after the terminal
// has committed.
func (c *Ctx) Progress(payload any, opts ...Options) error {
	if !c.isRPC {
		return NewError(CodeFailedPrecondition, "progress called on a non-RPC context", nil)
	}
	if c.terminal.Load() {
		return nil
	}
	o := firstOptions(opts)
	if o.aborted() {
		return nil
	}
	if o.ThrottleMs > 0 {
		now := time.Now().UnixNano()
		last := c.lastProgress.Load()
		if last != 0 && now-last < int64(o.ThrottleMs)*int64(time.Millisecond) {
			return nil
		}
		c.lastProgress.Store(now)
	}
	if c.responseSpec != nil {
		if issues, err := c.router.validator.ValidatePayload(c.ctx, c.responseSpec, mustJSON(payload)); err != nil || len(issues) > 0 {
			return c.emitOutboundValidationError(issues, err, opts...)
		}
	}
	stamped := map[string]any{}
	if c.correlationID != "" {
		stamped[MetaCorrelationID] = c.correlationID
	}
	return c.router.emit(c.conn, Envelope{Type: c.responseType, Meta: o.outboundMeta(stamped)}, payload)
}

// Error emits an error frame. Terminal on an RPC context (first call
// commits, later calls are no-ops); permitted as an out-of-band frame on
// event contexts, where it is never terminal.
func (c *Ctx) Error(code Code, message string, details map[string]any, opts ...Options) error {
	o := firstOptions(opts)
	if o.aborted() {
		return nil
	}
	if c.isRPC {
		if !c.terminal.CompareAndSwap(false, true) {
			return nil
		}
	}
	return c.router.emitError(c.conn, c.correlationID, NewError(code, message, details), o)
}

func (c *Ctx) emitOutboundValidationError(issues []string, err error, opts ...Options) error {
	c.terminal.Store(true)
	details := map[string]any{}
	if len(issues) > 0 {
		details["issues"] = issues
	}
	o := firstOptions(opts)
	return c.router.emitError(c.conn, c.correlationID, NewError(CodeOutboundValidationError, "outbound payload failed schema validation", details), o)
}

// Publish hands a message to the installed PubSubAdapter for fan-out to
// topic subscribers. See pubsub.go for the full flow.
func (c *Ctx) Publish(topic string, msgType string, payload any, opts ...Options) PublishResult {
	o := firstOptions(opts)
	return c.router.publish(c.ctx, c.conn, topic, msgType, payload, o)
}

func firstOptions(opts []Options) Options {
	if len(opts) == 0 {
		return Options{}
	}
	return opts[0]
}

func mustJSON(v any) []byte {
	b, err := marshalJSON(v)
	if err != nil {
		return nil
	}
	return b
}
