// Package sockrouter routes JSON WebSocket messages to typed handlers.
//
// The router matches each inbound envelope — {type, meta, payload?} — to a
// registered handler by its type string, validates the payload against a
// schema, and dispatches to handler code written against plain Go types.
// It also manages per-connection topic subscriptions, pub/sub fan-out,
// request/response (RPC) correlation, and resource limits.
//
// # Quick Start
//
//	r := sockrouter.New(
//	    sockrouter.WithValidator(jsonschema.New()),
//	    sockrouter.WithPubSub(memory.New()),
//	)
//
//	type PingPayload struct {
//	    Nonce string `json:"nonce"`
//	}
//
//	sockrouter.OnFunc(r, sockrouter.MessageSchema{Type: "ping"},
//	    func(ctx context.Context, c *sockrouter.Ctx, p PingPayload) error {
//	        return c.Send("pong", p)
//	    },
//	)
//
//	// conn is a Conn implementation (see adapter/platform/wsconn).
//	r.Open(ctx, conn, authData)
//	err := r.Process(ctx, conn, rawFrame)
//
// # Registration
//
// Go cannot attach an independent type parameter to a method, so handler
// registration is a pair of package-level generic functions rather than
// Router methods:
//
//	sockrouter.On[T](r, schema, handler)   // fire-and-forget
//	sockrouter.RPC[T](r, schema, handler)  // request/response
//
// OnFunc and RPCFunc accept a plain function instead of an interface value.
//
// # Middleware
//
// Middleware wraps the handler chain in onion order: global middleware runs
// in registration order (the first-registered runs first), and per-type
// middleware (UseFor) runs after all global middleware.
//
//	r.Use(sockrouter.RateLimitMiddleware(limiter, 1))
//	r.UseFor("chat.send", authzMiddleware)
//
// # Topics and pub/sub
//
// Every open connection gets a TopicSet (r.Topics(conn)) tracking its
// subscriptions. Ctx.Publish hands a message to the installed PubSubAdapter
// for fan-out; the result reports whether the adapter could give an exact
// local subscriber count, an estimate, or none at all.
//
// # RPC correlation
//
// A registration made with RPC (rather than On) gets a *Ctx where Reply,
// Progress, and Error participate in a terminal-once guard: the first
// Reply or terminal Error commits the correlation; everything after is a
// no-op. Progress may be sent any number of times before the terminal
// commits. A handler that returns without committing a terminal triggers
// the incomplete-RPC diagnostic (OnIncompleteRPC hook plus a log line),
// unless Limits.DisableIncompleteRPCWarning is set.
//
// # Hooks
//
// Hooks provide observability without coupling the router to a specific
// logging or metrics stack. Configure them with functional options:
//
//	r := sockrouter.New(
//	    sockrouter.WithOnDispatch(func(ctx context.Context, msgType string) {
//	        metrics.Incr("dispatch", "type:"+msgType)
//	    }),
//	    sockrouter.WithOnFailure(func(ctx context.Context, msgType string, err error, d time.Duration) {
//	        metrics.Incr("dispatch.error", "type:"+msgType)
//	    }),
//	)
//
// Multiple hooks of the same kind run in registration order.
//
// # Error handling
//
// Handler errors that are not a *WireError are converted to a generic
// INTERNAL error before being sent to the client; the original error is
// still passed to OnFailure/OnError hooks and the router's logger, so
// internals never leak onto the wire by accident.
//
// # Thread safety
//
// Router is safe for concurrent use once configured. Do not call On, RPC,
// Use, UseFor, or Merge concurrently with Process.
package sockrouter
