package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bjaus/sockrouter"
)

type recordingConn struct {
	id   string
	sent [][]byte
}

func (c *recordingConn) ClientID() string                    { return c.id }
func (c *recordingConn) Send(raw []byte) error                { c.sent = append(c.sent, raw); return nil }
func (c *recordingConn) Close(int, string) error               { return nil }
func (c *recordingConn) Subscribe(string) error                { return nil }
func (c *recordingConn) Unsubscribe(string) error              { return nil }
func (c *recordingConn) ReadyState() sockrouter.ReadyState      { return sockrouter.StateOpen }

func TestPublishDeliversToSubscribersExceptExcluded(t *testing.T) {
	a := New()
	c1 := &recordingConn{id: "c1"}
	c2 := &recordingConn{id: "c2"}
	a.Register(c1)
	a.Register(c2)

	require.NoError(t, a.Subscribe(context.Background(), "c1", "room:1"))
	require.NoError(t, a.Subscribe(context.Background(), "c2", "room:1"))

	res := a.Publish(context.Background(), sockrouter.PublishEnvelope{
		Topic: "room:1", Type: "chat.message", Payload: []byte(`{"v":1}`), ExcludeClientID: "c1",
	})

	require.True(t, res.OK)
	assert.Equal(t, 1, res.MatchedLocal)
	assert.Equal(t, sockrouter.CapabilityExact, res.Capability)
	assert.Empty(t, c1.sent)
	assert.Len(t, c2.sent, 1)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	a := New()
	c1 := &recordingConn{id: "c1"}
	a.Register(c1)
	require.NoError(t, a.Subscribe(context.Background(), "c1", "room:1"))
	require.NoError(t, a.Unsubscribe(context.Background(), "c1", "room:1"))

	res := a.Publish(context.Background(), sockrouter.PublishEnvelope{Topic: "room:1", Type: "chat.message"})
	assert.Equal(t, 0, res.MatchedLocal)
	assert.Empty(t, c1.sent)
}

func TestDeregisterRemovesFromAllTopics(t *testing.T) {
	a := New()
	c1 := &recordingConn{id: "c1"}
	a.Register(c1)
	require.NoError(t, a.Subscribe(context.Background(), "c1", "room:1"))
	a.Deregister("c1")

	res := a.Publish(context.Background(), sockrouter.PublishEnvelope{Topic: "room:1", Type: "chat.message"})
	assert.Equal(t, 0, res.MatchedLocal)
}

func TestGetSubscribersStopsOnFalse(t *testing.T) {
	a := New()
	c1 := &recordingConn{id: "c1"}
	c2 := &recordingConn{id: "c2"}
	a.Register(c1)
	a.Register(c2)
	require.NoError(t, a.Subscribe(context.Background(), "c1", "room:1"))
	require.NoError(t, a.Subscribe(context.Background(), "c2", "room:1"))

	seen := 0
	a.GetSubscribers(context.Background(), "room:1", func(string) bool {
		seen++
		return false
	})
	assert.Equal(t, 1, seen)
}
