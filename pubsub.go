package sockrouter

import "context"

// Capability describes the strength of a PublishResult's subscriber count.
type Capability string

const (
	CapabilityExact    Capability = "exact"
	CapabilityEstimate Capability = "estimate"
	CapabilityUnknown  Capability = "unknown"
)

// FailureReason enumerates why a Publish failed: locally before reaching
// the adapter (validation, no_adapter, unsupported) or in the adapter
// itself (adapter_error).
type FailureReason string

const (
	ReasonValidation   FailureReason = "validation"
	ReasonAdapterError FailureReason = "adapter_error"
	ReasonNoAdapter    FailureReason = "no_adapter"
	ReasonUnsupported  FailureReason = "unsupported"
)

// PublishResult is the discriminated result of a publish attempt.
type PublishResult struct {
	OK           bool
	MatchedLocal int
	Capability   Capability
	Reason       FailureReason
	Err          error
}

// PublishEnvelope is handed to the PubSubAdapter. ExcludeClientID is
// stripped before the adapter serializes the message for any subscriber.
type PublishEnvelope struct {
	Topic           string
	Type            string
	Payload         []byte
	Meta            map[string]any
	PartitionKey    string
	ExcludeClientID string
}

// PubSubAdapter is the external pub/sub adapter contract. Implementations
// must never panic or return from Publish by throwing; every outcome is
// expressed in the returned PublishResult.
type PubSubAdapter interface {
	Publish(ctx context.Context, env PublishEnvelope) PublishResult
	Subscribe(ctx context.Context, clientID, topic string) error
	Unsubscribe(ctx context.Context, clientID, topic string) error

	// GetSubscribers streams locally-known subscriber client ids for a
	// topic to fn. Iteration may be partial; fn returning false stops it
	// early.
	GetSubscribers(ctx context.Context, topic string, fn func(clientID string) bool)
}

// BrokerBridge is implemented by distributed adapters (Kafka, RabbitMQ)
// that additionally consume from a remote broker and need to fan inbound
// broker messages out to locally-subscribed connections.
type BrokerBridge interface {
	PubSubAdapter

	// Start begins consuming from the broker. deliverLocally is called
	// for every inbound broker message so it can be fanned out to local
	// subscribers only, applying the same ExcludeClientID filter as a
	// direct Publish.
	Start(ctx context.Context, deliverLocally func(env PublishEnvelope)) error

	Close() error
}

// publish implements the context-level publish flow: validate, then hand
// off to the installed adapter.
func (r *Router) publish(ctx context.Context, from Conn, topic string, msgType string, payload any, o Options) PublishResult {
	if o.ExcludeSelf {
		res := PublishResult{OK: false, Reason: ReasonUnsupported, Err: NewError(
			CodeFailedPrecondition,
			"excludeSelf is not supported at the publish layer; use excludeClientId on the publish envelope instead",
			nil,
		)}
		r.metrics.recordPublish(CapabilityUnknown, "unsupported")
		return res
	}
	if r.pubsub == nil {
		res := PublishResult{OK: false, Reason: ReasonNoAdapter, Err: NewError(CodeAdapterError, "no pub/sub adapter installed", nil)}
		r.metrics.recordPublish(CapabilityUnknown, "no_adapter")
		return res
	}

	raw, err := marshalJSON(payload)
	if err != nil {
		res := PublishResult{OK: false, Reason: ReasonValidation, Err: NewError(CodeInvalidArgument, "failed to marshal publish payload", nil)}
		r.metrics.recordPublish(CapabilityUnknown, "validation")
		return res
	}

	if schema, ok := r.publishSchemas[msgType]; ok {
		issues, verr := r.validator.ValidatePayload(ctx, schema.PayloadSpec, raw)
		if verr != nil || len(issues) > 0 {
			details := map[string]any{}
			if len(issues) > 0 {
				details["issues"] = issues
			}
			res := PublishResult{OK: false, Reason: ReasonValidation, Err: NewError(CodeInvalidArgument, "publish payload failed schema validation", details)}
			r.metrics.recordPublish(CapabilityUnknown, "validation")
			return res
		}
	}

	// ExcludeClientID is an explicit opt-in: a plain publish reaches every
	// subscriber, including the publisher itself when it is subscribed to
	// the topic.
	env := PublishEnvelope{
		Topic:           topic,
		Type:            msgType,
		Payload:         raw,
		Meta:            sanitizeMeta(o.Meta),
		ExcludeClientID: o.ExcludeClientID,
	}
	res := r.pubsub.Publish(ctx, env)
	outcome := "failure"
	if res.OK {
		outcome = "success"
	}
	r.metrics.recordPublish(res.Capability, outcome)
	return res
}
