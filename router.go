package sockrouter

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// HandlerChain is the function shape every registered invoker and every
// middleware-wrapped stage conforms to.
type HandlerChain func(ctx context.Context, c *Ctx, raw []byte) error

// Middleware wraps a HandlerChain to produce another one. Middlewares
// compose in "onion" order: the first-registered global middleware is the
// outermost layer and runs first, per-type middleware runs after all global
// middleware, and the handler runs innermost.
type Middleware func(next HandlerChain) HandlerChain

// Router dispatches WebSocket envelopes to registered handlers, enforces
// limits, and mounts the topics/pub-sub/RPC subsystems.
//
// Router is safe for concurrent use once constructed. Do not call On, RPC,
// Use, or Merge concurrently with Process; configuration and dispatch are
// two distinct phases in a Router's lifetime.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]*entry

	globalMiddlewares []Middleware
	typeMiddlewares   map[string][]Middleware

	hooks  hooks
	limits Limits

	validator Validator
	pubsub    PubSubAdapter

	publishSchemas map[string]MessageSchema

	logger         routerLogger
	loggerOverride *zerolog.Logger
	metrics        *metrics

	conns   map[string]*TopicSet
	connsMu sync.RWMutex
}

// New constructs a Router. See Option constructors (WithValidator,
// WithPubSub, WithLimits, WithLogger, With* hooks) for configuration.
func New(opts ...Option) *Router {
	r := &Router{
		handlers:        make(map[string]*entry),
		typeMiddlewares: make(map[string][]Middleware),
		publishSchemas:  make(map[string]MessageSchema),
		conns:           make(map[string]*TopicSet),
		metrics:         newMetrics(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = newRouterLogger(r.loggerOverride)
	if r.validator == nil {
		r.validator = noopValidator{}
	}
	return r
}

// WithValidator installs the validator adapter used for payload/meta
// schema validation.
func WithValidator(v Validator) Option {
	return func(r *Router) { r.validator = v }
}

// WithPubSub installs the pub/sub adapter used by Ctx.Publish and
// router-level publish schemas.
func WithPubSub(p PubSubAdapter) Option {
	return func(r *Router) { r.pubsub = p }
}

// WithLimits installs the router's resource limits.
func WithLimits(l Limits) Option {
	return func(r *Router) { r.limits = l }
}

// WithLogger installs a zerolog.Logger as the router's debug-logging sink.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Router) { r.loggerOverride = &l }
}

// PublishSchema registers a schema used to validate payloads published
// under msgType via Ctx.Publish.
func PublishSchema(r *Router, schema MessageSchema) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.publishSchemas[schema.Type] = schema
}

// Use registers global middleware, applied to every registered handler.
func (r *Router) Use(mw ...Middleware) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.globalMiddlewares = append(r.globalMiddlewares, mw...)
}

// UseFor registers middleware scoped to one message type, run after global
// middleware (registration order, global middleware before per-type).
func (r *Router) UseFor(msgType string, mw ...Middleware) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.typeMiddlewares[msgType] = append(r.typeMiddlewares[msgType], mw...)
}

// register adds one entry to the handler table, returning a conflict error
// instead of silently overwriting (Merge makes conflicts possible, and
// they must surface as errors rather than clobber an existing handler).
func (r *Router) register(msgType string, e entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[msgType]; exists {
		return fmt.Errorf("sockrouter: handler already registered for type %q", msgType)
	}
	r.handlers[msgType] = &e
	return nil
}

// Merge imports another router's handlers and middleware into r. Conflicts
// on the same registered type are errors.
func (r *Router) Merge(other *Router) error {
	other.mu.RLock()
	defer other.mu.RUnlock()
	r.mu.Lock()
	defer r.mu.Unlock()

	for msgType, e := range other.handlers {
		if _, exists := r.handlers[msgType]; exists {
			return fmt.Errorf("sockrouter: merge conflict: handler already registered for type %q", msgType)
		}
		r.handlers[msgType] = e
	}
	for msgType, specs := range other.publishSchemas {
		r.publishSchemas[msgType] = specs
	}
	r.globalMiddlewares = append(r.globalMiddlewares, other.globalMiddlewares...)
	for msgType, mws := range other.typeMiddlewares {
		r.typeMiddlewares[msgType] = append(r.typeMiddlewares[msgType], mws...)
	}
	return nil
}

// Open registers a new connection's lifetime with the router: constructs
// its TopicSet and fires onOpen hooks. Platform adapters must call this
// once, immediately after a successful authenticated upgrade.
func (r *Router) Open(ctx context.Context, conn Conn, data map[string]any) {
	r.connsMu.Lock()
	r.conns[conn.ClientID()] = newTopicSet(conn, r.limits, r.metrics)
	r.connsMu.Unlock()
	r.hooks.fireOpen(ctx, conn, data)
}

// Close tears down a connection's topic subscriptions (best-effort) and
// fires onClose hooks. Platform adapters must call this once per
// connection, on disconnect.
func (r *Router) Close(ctx context.Context, conn Conn, code int, reason string) {
	r.connsMu.Lock()
	ts := r.conns[conn.ClientID()]
	delete(r.conns, conn.ClientID())
	r.connsMu.Unlock()
	if ts != nil {
		_ = ts.Clear()
	}
	r.hooks.fireClose(ctx, conn, code, reason)
}

// Topics returns the topic manager for a connection, or nil if the
// connection was never opened through Router.Open.
func (r *Router) Topics(conn Conn) *TopicSet {
	r.connsMu.RLock()
	defer r.connsMu.RUnlock()
	return r.conns[conn.ClientID()]
}

// Process runs the full dispatch pipeline for one inbound frame on behalf
// of conn: size budget, decode, meta sanitation, handler lookup, payload
// and meta schema validation, then the middleware chain and handler.
func (r *Router) Process(ctx context.Context, conn Conn, raw []byte) error {
	// Step 1: payload-byte budget, before any decoding.
	if max := r.limits.maxPayloadBytes(); max >= 0 && len(raw) > max {
		return r.handleOversizePayload(ctx, conn, raw, max)
	}

	// Step 2: decode the envelope.
	env, err := decodeEnvelope(raw)
	if err != nil {
		return r.emitGenericError(conn, "", NewError(CodeInvalidArgument, "malformed envelope", nil))
	}

	correlationID, _ := env.Meta[MetaCorrelationID].(string)

	// Step 3: strip reserved meta from client input. Client-supplied
	// timestamp is kept (untrusted); receivedAt is authoritative. Server-owned
	// meta is stamped after validation (step 6).
	receivedAt := time.Now().UTC()
	inboundMeta := sanitizeMeta(env.Meta)
	if ts, ok := env.Meta[MetaTimestamp]; ok {
		inboundMeta[MetaTimestamp] = ts
	}

	// Step 4: look up handler by type.
	r.mu.RLock()
	e, found := r.handlers[env.Type]
	r.mu.RUnlock()
	if !found {
		return r.emitGenericError(conn, correlationID, NewError(CodeUnsupportedMessageType, fmt.Sprintf("no handler registered for type %q", env.Type), nil))
	}

	// Step 5: validate payload and meta with the validator adapter.
	if e.schema.PayloadSpec != nil {
		issues, verr := r.validator.ValidatePayload(ctx, e.schema.PayloadSpec, env.Payload)
		if verr != nil || len(issues) > 0 {
			details := map[string]any{}
			if len(issues) > 0 {
				details["issues"] = issues
			}
			return r.emitGenericError(conn, correlationID, NewError(CodeInvalidArgument, "payload failed schema validation", details))
		}
	}
	if e.schema.MetaSpec != nil {
		issues, verr := r.validator.ValidateMeta(ctx, e.schema.MetaSpec, inboundMeta)
		if verr != nil || len(issues) > 0 {
			details := map[string]any{}
			if len(issues) > 0 {
				details["issues"] = issues
			}
			return r.emitGenericError(conn, correlationID, NewError(CodeInvalidArgument, "meta failed schema validation", details))
		}
	}

	// Step 6: stamp server-owned meta, then build the Context bound to this
	// dispatch.
	inboundMeta[MetaClientID] = conn.ClientID()
	inboundMeta[MetaReceivedAt] = receivedAt.UnixMilli()
	if correlationID != "" {
		inboundMeta[MetaCorrelationID] = correlationID
	}
	c := &Ctx{
		router:        r,
		conn:          conn,
		msgType:       env.Type,
		clientID:      conn.ClientID(),
		receivedAt:    receivedAt,
		meta:          inboundMeta,
		payload:       env.Payload,
		correlationID: correlationID,
		isRPC:         e.kind == kindRPC,
		ctx:           ctx,
	}
	if c.isRPC {
		c.responseType = e.rpcSchema.ResponseType
		c.responseSpec = e.rpcSchema.ResponseSpec
	}
	c.data = new(atomic.Pointer[map[string]any])

	// Step 7: middleware chain (global before per-type) then the handler.
	chain := r.buildChain(env.Type, e)

	r.hooks.fireDispatch(ctx, env.Type)
	start := time.Now()
	handlerErr := func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("sockrouter: handler panic: %v", p)
			}
		}()
		return chain(ctx, c, env.Payload)
	}()
	duration := time.Since(start)
	r.metrics.observeDuration(env.Type, duration.Seconds())

	// Step 8: on any uncaught error, emit INTERNAL (RPC-aware) and call
	// onError; then check for an incomplete RPC terminal.
	if handlerErr != nil {
		r.metrics.recordDispatch(env.Type, "failure")
		r.hooks.fireFailure(ctx, env.Type, handlerErr, duration)
		r.hooks.fireError(ctx, conn, env.Type, handlerErr)
		r.logger.dispatchFailure(env.Type, handlerErr)
		if !c.terminal.Load() {
			wire := AsWireError(handlerErr)
			_ = r.emitGenericError(conn, correlationID, wire)
			c.terminal.Store(true)
		}
	} else {
		r.metrics.recordDispatch(env.Type, "success")
		r.hooks.fireSuccess(ctx, env.Type, duration)
	}

	r.checkIncompleteRPC(ctx, c)
	return handlerErr
}

func (r *Router) buildChain(msgType string, e *entry) HandlerChain {
	chain := e.invoke

	r.mu.RLock()
	perType := append([]Middleware(nil), r.typeMiddlewares[msgType]...)
	global := append([]Middleware(nil), r.globalMiddlewares...)
	r.mu.RUnlock()

	all := append(global, perType...)
	for i := len(all) - 1; i >= 0; i-- {
		chain = all[i](chain)
	}
	return chain
}

func (r *Router) handleOversizePayload(ctx context.Context, conn Conn, raw []byte, max int) error {
	correlationID, msgType := sniffCorrelationAndType(raw)
	info := LimitExceededInfo{
		Conn:          conn,
		MessageType:   msgType,
		CorrelationID: correlationID,
		ObservedBytes: len(raw),
		LimitBytes:    max,
	}
	r.hooks.fireLimitExceeded(ctx, info)
	r.logger.limitExceeded(info)
	r.metrics.recordDispatch(msgType, "resource_exhausted")

	switch r.limits.onExceeded() {
	case ExceededClose:
		return conn.Close(r.limits.closeCode(), "RESOURCE_EXHAUSTED")
	case ExceededCustom:
		return nil
	default: // ExceededSend
		details := map[string]any{"observed": len(raw), "limit": max}
		return r.emitGenericError(conn, correlationID, NewError(CodeResourceExhausted, "payload exceeds maxPayloadBytes", details))
	}
}

// sniffCorrelationAndType best-effort extracts type/correlationId from raw
// bytes that may be too large to safely fully decode; gjson scans without
// materializing the whole document.
func sniffCorrelationAndType(raw []byte) (correlationID, msgType string) {
	msgType, _ = sniffType(raw)
	correlationID, _ = sniffCorrelationID(raw)
	return correlationID, msgType
}

// emitGenericError applies the generic error emission rule: RPC_ERROR when
// a correlationId is present, else ERROR. Used for every router-originated
// error and for the error a handler returns; Ctx.Error uses emitError.
func (r *Router) emitGenericError(conn Conn, correlationID string, werr *WireError) error {
	msgType := "ERROR"
	meta := map[string]any{}
	if correlationID != "" {
		msgType = "RPC_ERROR"
		meta[MetaCorrelationID] = correlationID
	}
	return r.emit(conn, Envelope{Type: msgType, Meta: meta}, werr)
}

// emitError is used by Ctx.Error, applying the same generic rule but
// layering any user-supplied Options meta underneath the stamped fields.
func (r *Router) emitError(conn Conn, correlationID string, werr *WireError, o Options) error {
	msgType := "ERROR"
	stamped := map[string]any{}
	if correlationID != "" {
		msgType = "RPC_ERROR"
		stamped[MetaCorrelationID] = correlationID
	}
	return r.emit(conn, Envelope{Type: msgType, Meta: o.outboundMeta(stamped)}, werr)
}

// emit marshals payload and writes one outbound envelope to conn.
func (r *Router) emit(conn Conn, env Envelope, payload any) error {
	raw, err := marshalJSON(payload)
	if err != nil {
		return NewError(CodeInternal, "failed to marshal outbound payload", nil)
	}
	env.Payload = raw
	if env.Meta == nil {
		env.Meta = map[string]any{}
	}
	wire, err := encodeEnvelope(env)
	if err != nil {
		return NewError(CodeInternal, "failed to encode outbound envelope", nil)
	}
	if sendErr := conn.Send(wire); sendErr != nil {
		if sendErr == ErrConnectionClosed {
			return NewError(CodeConnectionClosed, "connection closed", nil)
		}
		return NewError(CodeAdapterError, sendErr.Error(), nil)
	}
	return nil
}

// noopValidator is used when no Validator is installed: every payload and
// meta object is accepted. Installing a real validator is required for any
// type registered with a non-nil PayloadSpec/MetaSpec.
type noopValidator struct{}

func (noopValidator) ValidatePayload(context.Context, any, []byte) ([]string, error) { return nil, nil }
func (noopValidator) ValidateMeta(context.Context, any, map[string]any) ([]string, error) {
	return nil, nil
}
