package sockrouter

import (
	"context"
	"encoding/json"
	"fmt"
)

// Handler processes a typed payload delivered by a fire-and-forget ("on")
// registration. The type parameter T is the payload type the router
// unmarshals the raw JSON payload into before calling Handle.
type Handler[T any] interface {
	Handle(ctx context.Context, c *Ctx, payload T) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc[T any] func(ctx context.Context, c *Ctx, payload T) error

func (f HandlerFunc[T]) Handle(ctx context.Context, c *Ctx, payload T) error {
	return f(ctx, c, payload)
}

// RPCHandler processes a typed payload delivered by an "rpc" registration.
// RPCHandler and Handler are distinct interfaces (not just a marker) so the
// registry can tell an event registration from an RPC registration without
// a runtime flag leaking into user code.
type RPCHandler[T any] interface {
	HandleRPC(ctx context.Context, c *Ctx, payload T) error
}

// RPCHandlerFunc adapts a function to RPCHandler.
type RPCHandlerFunc[T any] func(ctx context.Context, c *Ctx, payload T) error

func (f RPCHandlerFunc[T]) HandleRPC(ctx context.Context, c *Ctx, payload T) error {
	return f(ctx, c, payload)
}

// invoker is the type-erased form every registration is reduced to so the
// router can store handlers of different payload types in a single map.
type invoker func(ctx context.Context, c *Ctx, raw []byte) error

// entry is one row of the router's handler registry.
type entry struct {
	kind        entryKind
	invoke      invoker
	schema      MessageSchema
	rpcSchema   RPCSchema
	middlewares []Middleware
}

type entryKind int

const (
	kindEvent entryKind = iota
	kindRPC
)

// On registers a fire-and-forget handler for one message type. Go cannot
// attach an independent type parameter to a method, so this is a
// package-level generic function rather than a Router method.
func On[T any](r *Router, schema MessageSchema, h Handler[T]) error {
	return r.register(schema.Type, entry{
		kind:   kindEvent,
		schema: schema,
		invoke: func(ctx context.Context, c *Ctx, raw []byte) error {
			var payload T
			if len(raw) > 0 {
				if err := json.Unmarshal(raw, &payload); err != nil {
					return &unmarshalError{stage: "payload", err: err}
				}
			}
			return h.Handle(ctx, c, payload)
		},
	})
}

// OnFunc registers a fire-and-forget function handler.
func OnFunc[T any](r *Router, schema MessageSchema, fn func(ctx context.Context, c *Ctx, payload T) error) error {
	return On(r, schema, HandlerFunc[T](fn))
}

// RPC registers a request/response handler. The schema's ResponseType
// names the wire type used when the handler calls c.Reply.
func RPC[T any](r *Router, schema RPCSchema, h RPCHandler[T]) error {
	if schema.ResponseType == "" {
		return fmt.Errorf("sockrouter: rpc schema for %q has no ResponseType", schema.Type)
	}
	return r.register(schema.Type, entry{
		kind:      kindRPC,
		rpcSchema: schema,
		schema:    schema.MessageSchema,
		invoke: func(ctx context.Context, c *Ctx, raw []byte) error {
			var payload T
			if len(raw) > 0 {
				if err := json.Unmarshal(raw, &payload); err != nil {
					return &unmarshalError{stage: "payload", err: err}
				}
			}
			return h.HandleRPC(ctx, c, payload)
		},
	})
}

// RPCFunc registers a function-based RPC handler.
func RPCFunc[T any](r *Router, schema RPCSchema, fn func(ctx context.Context, c *Ctx, payload T) error) error {
	return RPC(r, schema, RPCHandlerFunc[T](fn))
}
