package sockrouter

import "context"

// Validator is the external validator-adapter contract. A concrete
// implementation (e.g. adapter/validator/jsonschema) wraps a real schema
// library; the core only ever talks to this interface.
type Validator interface {
	// ValidatePayload validates raw JSON payload bytes against schema.
	// Returns nil on success, or a slice of human-readable issue strings
	// on failure (one per violated constraint).
	ValidatePayload(ctx context.Context, schema any, raw []byte) (issues []string, err error)

	// ValidateMeta validates the sanitized inbound meta (reserved keys
	// removed, except a client-supplied timestamp, which is kept) against an
	// optional meta schema. schema may be nil, meaning "no constraint".
	ValidateMeta(ctx context.Context, schema any, meta map[string]any) (issues []string, err error)
}

// MessageSchema describes one registered message type: its wire type
// string, an opaque payload schema understood by the installed Validator,
// and an optional meta schema.
type MessageSchema struct {
	Type        string
	PayloadSpec any
	MetaSpec    any
}

// RPCSchema is a MessageSchema paired with a bound response type and an
// optional response schema used for egress (reply/progress) validation.
type RPCSchema struct {
	MessageSchema
	ResponseType string
	ResponseSpec any
}
