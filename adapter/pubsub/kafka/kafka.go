// Package kafka provides a sockrouter.BrokerBridge backed by Kafka, using
// one topic-per-connection-room naming convention (the pub/sub topic
// string is used directly as the Kafka topic). A sync producer handles
// Publish; a per-partition consumer goroutine handles Start. Dial
// connection setup retries with bounded backoff via sethvargo/go-retry
// rather than failing fast, since broker availability at process startup
// is not guaranteed in a containerized deployment.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sethvargo/go-retry"

	"github.com/bjaus/sockrouter"
)

var (
	publishTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sockrouter_kafka_publish_total",
		Help: "Total number of Kafka publish attempts by topic and status.",
	}, []string{"topic", "status"})

	publishDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sockrouter_kafka_publish_duration_seconds",
		Help:    "Kafka publish duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"topic"})

	consumeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sockrouter_kafka_consume_errors_total",
		Help: "Total number of Kafka consumer errors.",
	}, []string{"topic"})
)

// Config configures the broker bridge's connection to Kafka.
type Config struct {
	Brokers      []string
	ClientID     string
	RequiredAcks string // "none" | "local" | "all" (default)
	DialRetries  uint64
	DialBackoff  time.Duration
}

// wireMessage is what actually travels on the Kafka topic: the publish
// envelope minus the topic (carried as the Kafka topic itself). The
// exclusion travels with it: every consumer is a different process, so
// exclusion is re-applied by the local deliverLocally callback using the
// ExcludeClientID carried in the message.
type wireMessage struct {
	Type            string         `json:"type"`
	Meta            map[string]any `json:"meta"`
	Payload         []byte         `json:"payload"`
	ExcludeClientID string         `json:"excludeClientId,omitempty"`
}

// Bridge is a sockrouter.BrokerBridge backed by Kafka. Publish synchronously
// produces one message to a topic named after the pub/sub topic; Start
// consumes every partition of every topic this process had subscribed at
// least one local connection to when Start was called.
type Bridge struct {
	cfg      Config
	producer sarama.SyncProducer
	client   sarama.Client

	mu     sync.RWMutex
	local  map[string]map[string]struct{} // topic -> clientIDs subscribed locally
	cancel context.CancelFunc
}

// New dials Kafka (with bounded retry) and returns a ready-to-use Bridge.
func New(ctx context.Context, cfg Config) (*Bridge, error) {
	if len(cfg.Brokers) == 0 {
		cfg.Brokers = []string{"localhost:9092"}
	}
	if cfg.DialRetries == 0 {
		cfg.DialRetries = 5
	}
	if cfg.DialBackoff == 0 {
		cfg.DialBackoff = 250 * time.Millisecond
	}

	saramaCfg := sarama.NewConfig()
	saramaCfg.Producer.Return.Successes = true
	saramaCfg.Producer.Return.Errors = true
	saramaCfg.Consumer.Return.Errors = true
	if cfg.ClientID != "" {
		saramaCfg.ClientID = cfg.ClientID
	} else {
		saramaCfg.ClientID = "sockrouter"
	}
	switch strings.ToLower(cfg.RequiredAcks) {
	case "none":
		saramaCfg.Producer.RequiredAcks = sarama.NoResponse
	case "local":
		saramaCfg.Producer.RequiredAcks = sarama.WaitForLocal
	default:
		saramaCfg.Producer.RequiredAcks = sarama.WaitForAll
	}

	backoff := retry.WithMaxRetries(cfg.DialRetries, retry.NewConstant(cfg.DialBackoff))

	var client sarama.Client
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		c, err := sarama.NewClient(cfg.Brokers, saramaCfg)
		if err != nil {
			return retry.RetryableError(err)
		}
		client = c
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("sockrouter/kafka: dial: %w", err)
	}

	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("sockrouter/kafka: sync producer: %w", err)
	}

	return &Bridge{
		cfg:      cfg,
		producer: producer,
		client:   client,
		local:    map[string]map[string]struct{}{},
	}, nil
}

var _ sockrouter.BrokerBridge = (*Bridge)(nil)

func (b *Bridge) Subscribe(_ context.Context, clientID, topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	members, ok := b.local[topic]
	if !ok {
		members = map[string]struct{}{}
		b.local[topic] = members
	}
	members[clientID] = struct{}{}
	return nil
}

func (b *Bridge) Unsubscribe(_ context.Context, clientID, topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if members, ok := b.local[topic]; ok {
		delete(members, clientID)
	}
	return nil
}

func (b *Bridge) GetSubscribers(_ context.Context, topic string, fn func(clientID string) bool) {
	b.mu.RLock()
	ids := make([]string, 0, len(b.local[topic]))
	for id := range b.local[topic] {
		ids = append(ids, id)
	}
	b.mu.RUnlock()
	for _, id := range ids {
		if !fn(id) {
			return
		}
	}
}

func (b *Bridge) Publish(_ context.Context, env sockrouter.PublishEnvelope) sockrouter.PublishResult {
	start := time.Now()
	wire, err := json.Marshal(wireMessage{
		Type:            env.Type,
		Meta:            env.Meta,
		Payload:         env.Payload,
		ExcludeClientID: env.ExcludeClientID,
	})
	if err != nil {
		publishTotal.WithLabelValues(env.Topic, "marshal_error").Inc()
		return sockrouter.PublishResult{OK: false, Reason: sockrouter.ReasonAdapterError, Err: err}
	}

	msg := &sarama.ProducerMessage{
		Topic: env.Topic,
		Key:   sarama.StringEncoder(env.PartitionKey),
		Value: sarama.ByteEncoder(wire),
	}
	_, _, err = b.producer.SendMessage(msg)
	publishDuration.WithLabelValues(env.Topic).Observe(time.Since(start).Seconds())
	if err != nil {
		publishTotal.WithLabelValues(env.Topic, "error").Inc()
		return sockrouter.PublishResult{OK: false, Reason: sockrouter.ReasonAdapterError, Err: err}
	}
	publishTotal.WithLabelValues(env.Topic, "success").Inc()

	// A broker-backed bridge cannot give a same-process subscriber count
	// across the whole cluster from a single Publish call.
	return sockrouter.PublishResult{OK: true, Capability: sockrouter.CapabilityUnknown}
}

// Start consumes every topic that has an entry in the local membership
// table at the moment Start is called, calling deliverLocally for each
// inbound message. Topics first subscribed after Start is called are not
// consumed. It blocks until ctx is cancelled or Close is called.
func (b *Bridge) Start(ctx context.Context, deliverLocally func(env sockrouter.PublishEnvelope)) error {
	consumer, err := sarama.NewConsumerFromClient(b.client)
	if err != nil {
		return fmt.Errorf("sockrouter/kafka: consumer: %w", err)
	}
	defer consumer.Close()

	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	b.mu.RLock()
	topics := make([]string, 0, len(b.local))
	for topic := range b.local {
		topics = append(topics, topic)
	}
	b.mu.RUnlock()

	var wg sync.WaitGroup
	for _, topic := range topics {
		partitions, err := consumer.Partitions(topic)
		if err != nil {
			consumeErrors.WithLabelValues(topic).Inc()
			continue
		}
		for _, p := range partitions {
			pc, err := consumer.ConsumePartition(topic, p, sarama.OffsetNewest)
			if err != nil {
				consumeErrors.WithLabelValues(topic).Inc()
				continue
			}
			wg.Add(1)
			go func(topic string, pc sarama.PartitionConsumer) {
				defer wg.Done()
				defer pc.Close()
				for {
					select {
					case <-ctx.Done():
						return
					case msg, ok := <-pc.Messages():
						if !ok {
							return
						}
						var wire wireMessage
						if err := json.Unmarshal(msg.Value, &wire); err != nil {
							consumeErrors.WithLabelValues(topic).Inc()
							continue
						}
						deliverLocally(sockrouter.PublishEnvelope{
							Topic:           topic,
							Type:            wire.Type,
							Meta:            wire.Meta,
							Payload:         wire.Payload,
							ExcludeClientID: wire.ExcludeClientID,
						})
					case cErr, ok := <-pc.Errors():
						if !ok {
							return
						}
						consumeErrors.WithLabelValues(topic).Inc()
						_ = cErr
					}
				}
			}(topic, pc)
		}
	}
	<-ctx.Done()
	wg.Wait()
	return nil
}

func (b *Bridge) Close() error {
	if b.cancel != nil {
		b.cancel()
	}
	var firstErr error
	if err := b.producer.Close(); err != nil {
		firstErr = err
	}
	if err := b.client.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Closeable and HealthChecker are small marker interfaces so a process's
// generic shutdown/readiness wiring can manage this bridge without
// depending on the concrete Bridge type.
type Closeable interface {
	Close() error
}

type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

func (b *Bridge) HealthCheck(_ context.Context) error {
	brokers := b.client.Brokers()
	if len(brokers) == 0 {
		return fmt.Errorf("sockrouter/kafka: no brokers available")
	}
	return nil
}

var (
	_ Closeable     = (*Bridge)(nil)
	_ HealthChecker = (*Bridge)(nil)
)
