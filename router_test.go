package sockrouter

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type pingPayload struct {
	Nonce string `json:"nonce"`
}

type echoPayload struct {
	Value string `json:"value"`
}

type RouterSuite struct {
	suite.Suite
}

func TestRouterSuite(t *testing.T) {
	suite.Run(t, new(RouterSuite))
}

func (s *RouterSuite) TestDispatchesByType() {
	r := New()
	var got pingPayload
	err := OnFunc(r, MessageSchema{Type: "ping"}, func(ctx context.Context, c *Ctx, p pingPayload) error {
		got = p
		return c.Send("pong", p)
	})
	s.Require().NoError(err)

	conn := newFakeConn("c1")
	r.Open(context.Background(), conn, nil)

	raw, _ := json.Marshal(Envelope{Type: "ping", Payload: json.RawMessage(`{"nonce":"abc"}`)})
	s.Require().NoError(r.Process(context.Background(), conn, raw))
	s.Equal("abc", got.Nonce)

	msgs := conn.messages()
	s.Require().Len(msgs, 1)
	var out Envelope
	s.Require().NoError(json.Unmarshal(msgs[0], &out))
	s.Equal("pong", out.Type)
}

type metaRejectingValidator struct {
	issues []string
}

func (v *metaRejectingValidator) ValidatePayload(context.Context, any, []byte) ([]string, error) {
	return nil, nil
}

func (v *metaRejectingValidator) ValidateMeta(context.Context, any, map[string]any) ([]string, error) {
	return v.issues, nil
}

func (s *RouterSuite) TestMetaSchemaValidationRejectsBadMeta() {
	v := &metaRejectingValidator{issues: []string{"room is required"}}
	r := New(WithValidator(v))
	err := OnFunc(r, MessageSchema{Type: "ping", MetaSpec: "meta-schema"}, func(ctx context.Context, c *Ctx, p pingPayload) error {
		return nil
	})
	s.Require().NoError(err)

	conn := newFakeConn("c1")
	r.Open(context.Background(), conn, nil)

	raw, _ := json.Marshal(Envelope{Type: "ping", Payload: json.RawMessage(`{}`)})
	_ = r.Process(context.Background(), conn, raw)

	msgs := conn.messages()
	s.Require().Len(msgs, 1)
	var out Envelope
	s.Require().NoError(json.Unmarshal(msgs[0], &out))
	s.Equal("ERROR", out.Type)
	var werr WireError
	s.Require().NoError(json.Unmarshal(out.Payload, &werr))
	s.Equal(CodeInvalidArgument, werr.Code)
}

func (s *RouterSuite) TestNoMetaSchemaSkipsMetaValidation() {
	v := &metaRejectingValidator{issues: []string{"would reject everything"}}
	r := New(WithValidator(v))
	called := false
	err := OnFunc(r, MessageSchema{Type: "ping"}, func(ctx context.Context, c *Ctx, p pingPayload) error {
		called = true
		return nil
	})
	s.Require().NoError(err)

	conn := newFakeConn("c1")
	r.Open(context.Background(), conn, nil)

	raw, _ := json.Marshal(Envelope{Type: "ping", Payload: json.RawMessage(`{}`)})
	s.Require().NoError(r.Process(context.Background(), conn, raw))
	s.True(called)
}

func (s *RouterSuite) TestUnsupportedMessageTypeYieldsError() {
	r := New()
	conn := newFakeConn("c1")
	r.Open(context.Background(), conn, nil)

	raw, _ := json.Marshal(Envelope{Type: "nope"})
	_ = r.Process(context.Background(), conn, raw)

	msgs := conn.messages()
	s.Require().Len(msgs, 1)
	var out Envelope
	s.Require().NoError(json.Unmarshal(msgs[0], &out))
	s.Equal("ERROR", out.Type)
	var werr WireError
	s.Require().NoError(json.Unmarshal(out.Payload, &werr))
	s.Equal(CodeUnsupportedMessageType, werr.Code)
}

func (s *RouterSuite) TestRPCErrorUsesRPCErrorTypeWhenCorrelated() {
	r := New()
	err := RPCFunc(r, RPCSchema{MessageSchema: MessageSchema{Type: "do"}, ResponseType: "done"},
		func(ctx context.Context, c *Ctx, p echoPayload) error {
			return NewError(CodeFailedPrecondition, "nope", nil)
		})
	s.Require().NoError(err)

	conn := newFakeConn("c1")
	r.Open(context.Background(), conn, nil)

	raw, _ := json.Marshal(Envelope{
		Type: "do",
		Meta: map[string]any{"correlationId": "xyz"},
	})
	_ = r.Process(context.Background(), conn, raw)

	msgs := conn.messages()
	s.Require().Len(msgs, 1)
	var out Envelope
	s.Require().NoError(json.Unmarshal(msgs[0], &out))
	s.Equal("RPC_ERROR", out.Type)
	s.Equal("xyz", out.Meta["correlationId"])
}

func (s *RouterSuite) TestReplyIsTerminalOnce() {
	r := New()
	replies := 0
	err := RPCFunc(r, RPCSchema{MessageSchema: MessageSchema{Type: "do"}, ResponseType: "done"},
		func(ctx context.Context, c *Ctx, p echoPayload) error {
			_ = c.Reply(echoPayload{Value: "first"})
			err := c.Reply(echoPayload{Value: "second"})
			s.NoError(err)
			replies++
			return nil
		})
	s.Require().NoError(err)

	conn := newFakeConn("c1")
	r.Open(context.Background(), conn, nil)
	raw, _ := json.Marshal(Envelope{Type: "do", Meta: map[string]any{"correlationId": "1"}})
	s.Require().NoError(r.Process(context.Background(), conn, raw))

	s.Equal(1, replies)
	s.Len(conn.messages(), 1, "only the first Reply should have produced a frame")
}

func (s *RouterSuite) TestIncompleteRPCFiresHook() {
	var fired bool
	var firedType string
	r := New(WithOnIncompleteRPC(func(ctx context.Context, msgType, correlationID string) {
		fired = true
		firedType = msgType
	}))
	err := RPCFunc(r, RPCSchema{MessageSchema: MessageSchema{Type: "do"}, ResponseType: "done"},
		func(ctx context.Context, c *Ctx, p echoPayload) error {
			return nil // no Reply/Error committed
		})
	s.Require().NoError(err)

	conn := newFakeConn("c1")
	r.Open(context.Background(), conn, nil)
	raw, _ := json.Marshal(Envelope{Type: "do", Meta: map[string]any{"correlationId": "1"}})
	s.Require().NoError(r.Process(context.Background(), conn, raw))

	s.True(fired)
	s.Equal("do", firedType)
}

func (s *RouterSuite) TestOversizePayloadSendsResourceExhausted() {
	r := New(WithLimits(Limits{MaxPayloadBytes: 10}))
	conn := newFakeConn("c1")
	r.Open(context.Background(), conn, nil)

	raw := []byte(`{"type":"ping","meta":{},"payload":{"nonce":"way too long for the limit"}}`)
	_ = r.Process(context.Background(), conn, raw)

	msgs := conn.messages()
	s.Require().Len(msgs, 1)
	var out Envelope
	s.Require().NoError(json.Unmarshal(msgs[0], &out))
	var werr WireError
	s.Require().NoError(json.Unmarshal(out.Payload, &werr))
	s.Equal(CodeResourceExhausted, werr.Code)
}

func (s *RouterSuite) TestMergeConflictIsError() {
	a := New()
	b := New()
	s.Require().NoError(OnFunc(a, MessageSchema{Type: "ping"}, func(ctx context.Context, c *Ctx, p pingPayload) error { return nil }))
	s.Require().NoError(OnFunc(b, MessageSchema{Type: "ping"}, func(ctx context.Context, c *Ctx, p pingPayload) error { return nil }))

	err := a.Merge(b)
	s.Error(err)
}

func (s *RouterSuite) TestMiddlewareOnionOrdering() {
	r := New()
	var order []string
	mw := func(name string) Middleware {
		return func(next HandlerChain) HandlerChain {
			return func(ctx context.Context, c *Ctx, raw []byte) error {
				order = append(order, name+":before")
				err := next(ctx, c, raw)
				order = append(order, name+":after")
				return err
			}
		}
	}
	r.Use(mw("outer"), mw("inner"))
	s.Require().NoError(OnFunc(r, MessageSchema{Type: "ping"}, func(ctx context.Context, c *Ctx, p pingPayload) error {
		order = append(order, "handler")
		return nil
	}))

	conn := newFakeConn("c1")
	r.Open(context.Background(), conn, nil)
	raw, _ := json.Marshal(Envelope{Type: "ping"})
	s.Require().NoError(r.Process(context.Background(), conn, raw))

	s.Equal([]string{"outer:before", "inner:before", "handler", "inner:after", "outer:after"}, order)
}

func (s *RouterSuite) TestHandlerErrorConvertsToGenericInternal() {
	r := New()
	var caughtErr error
	r2 := New(WithOnFailure(func(ctx context.Context, msgType string, err error, d time.Duration) {
		caughtErr = err
	}))
	_ = r
	s.Require().NoError(OnFunc(r2, MessageSchema{Type: "boom"}, func(ctx context.Context, c *Ctx, p pingPayload) error {
		return assert.AnError
	}))

	conn := newFakeConn("c1")
	r2.Open(context.Background(), conn, nil)
	raw, _ := json.Marshal(Envelope{Type: "boom"})
	err := r2.Process(context.Background(), conn, raw)
	s.Error(err)
	s.Equal(assert.AnError, caughtErr)

	var out Envelope
	require.NoError(s.T(), json.Unmarshal(conn.lastMessage(), &out))
	var werr WireError
	require.NoError(s.T(), json.Unmarshal(out.Payload, &werr))
	s.Equal(CodeInternal, werr.Code)
}
