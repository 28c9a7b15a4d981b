// Package memory provides a single-process sockrouter.PubSubAdapter that
// fans out directly to local connections tracked in its own registry
// (Register/Deregister) — no broker, so its capability is always exact.
package memory

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/bjaus/sockrouter"
)

// Adapter is an in-process PubSubAdapter. Subscriber membership is kept
// per topic as a set of (clientID -> Conn) so Publish can deliver
// synchronously without round-tripping through any external system.
type Adapter struct {
	mu     sync.RWMutex
	conns  map[string]sockrouter.Conn
	topics map[string]map[string]sockrouter.Conn
}

// New returns an empty in-memory adapter.
func New() *Adapter {
	return &Adapter{
		conns:  map[string]sockrouter.Conn{},
		topics: map[string]map[string]sockrouter.Conn{},
	}
}

var _ sockrouter.PubSubAdapter = (*Adapter)(nil)

// Register associates a connection with its client id so later Subscribe
// calls for that id can look it up for delivery. Platform adapters should
// call this once per connection, alongside Router.Open.
func (a *Adapter) Register(conn sockrouter.Conn) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.conns[conn.ClientID()] = conn
}

// Deregister removes a connection's record and its subscriptions from
// every topic. Platform adapters should call this alongside Router.Close.
func (a *Adapter) Deregister(clientID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.conns, clientID)
	for _, members := range a.topics {
		delete(members, clientID)
	}
}

func (a *Adapter) Subscribe(_ context.Context, clientID, topic string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	members, ok := a.topics[topic]
	if !ok {
		members = map[string]sockrouter.Conn{}
		a.topics[topic] = members
	}
	if conn, ok := a.conns[clientID]; ok {
		members[clientID] = conn
	}
	return nil
}

func (a *Adapter) Unsubscribe(_ context.Context, clientID, topic string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if members, ok := a.topics[topic]; ok {
		delete(members, clientID)
	}
	return nil
}

func (a *Adapter) GetSubscribers(_ context.Context, topic string, fn func(clientID string) bool) {
	a.mu.RLock()
	members := make([]string, 0, len(a.topics[topic]))
	for id := range a.topics[topic] {
		members = append(members, id)
	}
	a.mu.RUnlock()

	for _, id := range members {
		if !fn(id) {
			return
		}
	}
}

func (a *Adapter) Publish(_ context.Context, env sockrouter.PublishEnvelope) sockrouter.PublishResult {
	a.mu.RLock()
	members := a.topics[env.Topic]
	recipients := make([]sockrouter.Conn, 0, len(members))
	for clientID, conn := range members {
		if clientID == env.ExcludeClientID {
			continue
		}
		recipients = append(recipients, conn)
	}
	a.mu.RUnlock()

	meta := env.Meta
	if meta == nil {
		meta = map[string]any{}
	}
	wire, err := json.Marshal(sockrouter.Envelope{
		Type:    env.Type,
		Meta:    meta,
		Payload: env.Payload,
	})
	if err != nil {
		return sockrouter.PublishResult{OK: false, Reason: sockrouter.ReasonAdapterError, Err: err}
	}

	matched := 0
	for _, conn := range recipients {
		if conn.Send(wire) == nil {
			matched++
		}
	}
	return sockrouter.PublishResult{OK: true, MatchedLocal: matched, Capability: sockrouter.CapabilityExact}
}
