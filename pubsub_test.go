package sockrouter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/suite"
)

// fakePubSub is a minimal in-test PubSubAdapter.
type fakePubSub struct {
	lastEnv    PublishEnvelope
	result     PublishResult
	subscribed map[string][]string
}

func newFakePubSub() *fakePubSub {
	return &fakePubSub{subscribed: map[string][]string{}}
}

func (f *fakePubSub) Publish(ctx context.Context, env PublishEnvelope) PublishResult {
	f.lastEnv = env
	return f.result
}

func (f *fakePubSub) Subscribe(ctx context.Context, clientID, topic string) error {
	f.subscribed[topic] = append(f.subscribed[topic], clientID)
	return nil
}

func (f *fakePubSub) Unsubscribe(ctx context.Context, clientID, topic string) error { return nil }

func (f *fakePubSub) GetSubscribers(ctx context.Context, topic string, fn func(clientID string) bool) {
	for _, id := range f.subscribed[topic] {
		if !fn(id) {
			return
		}
	}
}

type PubSubSuite struct {
	suite.Suite
}

func TestPubSubSuite(t *testing.T) {
	suite.Run(t, new(PubSubSuite))
}

func (s *PubSubSuite) TestPublishReportsAdapterCapability() {
	ps := newFakePubSub()
	ps.result = PublishResult{OK: true, MatchedLocal: 3, Capability: CapabilityExact}
	r := New(WithPubSub(ps))
	conn := newFakeConn("c1")

	res := r.publish(context.Background(), conn, "room:1", "chat.message", echoPayload{Value: "hi"}, Options{})
	s.True(res.OK)
	s.Equal(3, res.MatchedLocal)
	s.Equal(CapabilityExact, res.Capability)
	s.Equal("room:1", ps.lastEnv.Topic)
	s.Empty(ps.lastEnv.ExcludeClientID)
}

func (s *PubSubSuite) TestPublishWithExplicitExcludeClientID() {
	ps := newFakePubSub()
	ps.result = PublishResult{OK: true, Capability: CapabilityExact}
	r := New(WithPubSub(ps))
	conn := newFakeConn("c1")

	res := r.publish(context.Background(), conn, "room:1", "chat.message", echoPayload{Value: "hi"}, Options{ExcludeClientID: "c1"})
	s.True(res.OK)
	s.Equal("c1", ps.lastEnv.ExcludeClientID)
}

func (s *PubSubSuite) TestPublishWithNoAdapterFails() {
	r := New()
	conn := newFakeConn("c1")
	res := r.publish(context.Background(), conn, "room:1", "chat.message", echoPayload{}, Options{})
	s.False(res.OK)
	s.Equal(ReasonNoAdapter, res.Reason)
}

func (s *PubSubSuite) TestExcludeSelfIsHardRejected() {
	ps := newFakePubSub()
	r := New(WithPubSub(ps))
	conn := newFakeConn("c1")
	res := r.publish(context.Background(), conn, "room:1", "chat.message", echoPayload{}, Options{ExcludeSelf: true})
	s.False(res.OK)
	s.Equal(ReasonUnsupported, res.Reason)
}

func (s *PubSubSuite) TestPublishValidatesAgainstRegisteredSchema() {
	ps := newFakePubSub()
	v := &stubValidator{issues: []string{"value is required"}}
	r := New(WithPubSub(ps), WithValidator(v))
	PublishSchema(r, MessageSchema{Type: "chat.message", PayloadSpec: "schema"})

	conn := newFakeConn("c1")
	res := r.publish(context.Background(), conn, "room:1", "chat.message", echoPayload{}, Options{})
	s.False(res.OK)
	s.Equal(ReasonValidation, res.Reason)
}

type stubValidator struct {
	issues []string
	err    error
}

func (v *stubValidator) ValidatePayload(ctx context.Context, schema any, raw []byte) ([]string, error) {
	return v.issues, v.err
}

func (v *stubValidator) ValidateMeta(ctx context.Context, schema any, meta map[string]any) ([]string, error) {
	return nil, nil
}
