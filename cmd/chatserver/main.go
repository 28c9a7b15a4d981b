// Command chatserver is a runnable demo wiring sockrouter's pieces
// together: JWT-authenticated upgrade, a gojsonschema-validated chat
// protocol, a coder/websocket transport, and a swappable pub/sub backend
// (in-process by default, Kafka or RabbitMQ when configured).
// Configuration is loaded with kelseyhightower/envconfig into a flat
// struct with a Load/Validate split, so invalid configuration fails fast
// at startup with a readable error instead of surfacing later.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/golang-jwt/jwt/v5"
	"github.com/kelseyhightower/envconfig"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/bjaus/sockrouter"
	"github.com/bjaus/sockrouter/adapter/platform/wsconn"
	"github.com/bjaus/sockrouter/adapter/pubsub/kafka"
	"github.com/bjaus/sockrouter/adapter/pubsub/memory"
	"github.com/bjaus/sockrouter/adapter/pubsub/rabbitmq"
	redisrl "github.com/bjaus/sockrouter/adapter/ratelimit/redis"
	"github.com/bjaus/sockrouter/adapter/validator/jsonschema"
	goredis "github.com/redis/go-redis/v9"
)

// Config holds all configuration for the demo chat server. Required fields
// fail startup; everything else has a sensible default.
type Config struct {
	Port int    `envconfig:"PORT" default:"8080"`
	Env  string `envconfig:"ENV" default:"development"`

	JWTEnabled bool   `envconfig:"JWT_ENABLED" default:"false"`
	JWTSecret  string `envconfig:"JWT_SECRET"`
	JWTIssuer  string `envconfig:"JWT_ISSUER"`

	PubSubBackend string `envconfig:"PUBSUB_BACKEND" default:"memory"` // memory | kafka | rabbitmq
	KafkaBrokers  string `envconfig:"KAFKA_BROKERS"`                   // comma-separated
	RabbitMQURL   string `envconfig:"RABBITMQ_URL"`

	RedisAddr        string        `envconfig:"REDIS_ADDR"`
	RateLimitRPS     int           `envconfig:"RATE_LIMIT_RPS" default:"50"`
	RateLimitWindow  time.Duration `envconfig:"RATE_LIMIT_WINDOW" default:"1m"`
	MaxTopicsPerConn int           `envconfig:"MAX_TOPICS_PER_CONN" default:"50"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// Validate enforces cross-field requirements Load alone can't express.
func (c *Config) Validate() error {
	if c.JWTEnabled && c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required when JWT_ENABLED=true")
	}
	switch c.PubSubBackend {
	case "memory", "kafka", "rabbitmq":
	default:
		return fmt.Errorf("unknown PUBSUB_BACKEND %q", c.PubSubBackend)
	}
	return nil
}

// Load reads Config from the environment, applying defaults and
// validating cross-field constraints.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("chatserver: load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("chatserver: invalid config: %w", err)
	}
	return &cfg, nil
}

func main() {
	cfg, err := Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stdout).Level(level).With().Timestamp().Str("service", "chatserver").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("chatserver exited")
	}
}

type chatMessage struct {
	Room string `json:"room"`
	Text string `json:"text"`
}

const chatMessageSchema = `{
  "type": "object",
  "required": ["room", "text"],
  "properties": {
    "room": {"type": "string", "minLength": 1},
    "text": {"type": "string", "minLength": 1, "maxLength": 4096}
  }
}`

type pingPayload struct {
	Nonce string `json:"nonce"`
}

type pongPayload struct {
	Nonce string `json:"nonce"`
}

const pingSchema = `{
  "type": "object",
  "required": ["nonce"],
  "properties": {"nonce": {"type": "string"}}
}`

func run(ctx context.Context, cfg *Config, logger zerolog.Logger) error {
	validator := jsonschema.New()

	pubsub, local, stopBridge, err := buildPubSub(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("chatserver: build pubsub: %w", err)
	}
	defer stopBridge()

	var limiter sockrouter.RateLimiter = sockrouter.NewMemoryRateLimiter(cfg.RateLimitRPS, cfg.RateLimitRPS, cfg.RateLimitWindow)
	if cfg.RedisAddr != "" {
		client := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
		limiter = redisrl.New(client, redisrl.Config{
			Capacity: cfg.RateLimitRPS,
			Window:   cfg.RateLimitWindow,
			Fallback: sockrouter.NewMemoryRateLimiter(cfg.RateLimitRPS, cfg.RateLimitRPS, cfg.RateLimitWindow),
		})
	}

	r := sockrouter.New(
		sockrouter.WithValidator(validator),
		sockrouter.WithPubSub(pubsub),
		sockrouter.WithLogger(logger),
		sockrouter.WithLimits(sockrouter.Limits{
			MaxTopicsPerConnection: cfg.MaxTopicsPerConn,
		}),
	)
	r.Use(rateLimitMiddleware(limiter))

	if err := sockrouter.OnFunc(r, sockrouter.MessageSchema{
		Type:        "chat.message",
		PayloadSpec: chatMessageSchema,
	}, func(ctx context.Context, c *sockrouter.Ctx, payload chatMessage) error {
		res := c.Publish(roomTopic(payload.Room), "chat.message", payload)
		if !res.OK {
			return c.Error(sockrouter.CodeAdapterError, "publish failed", map[string]any{"reason": res.Reason})
		}
		return nil
	}); err != nil {
		return err
	}

	if err := sockrouter.RPCFunc(r, sockrouter.RPCSchema{
		MessageSchema: sockrouter.MessageSchema{Type: "chat.ping", PayloadSpec: pingSchema},
		ResponseType:  "chat.pong",
	}, func(ctx context.Context, c *sockrouter.Ctx, payload pingPayload) error {
		return c.Reply(pongPayload{Nonce: payload.Nonce})
	}); err != nil {
		return err
	}

	if err := sockrouter.OnFunc(r, sockrouter.MessageSchema{Type: "room.join"}, func(ctx context.Context, c *sockrouter.Ctx, payload struct {
		Room string `json:"room"`
	}) error {
		return r.Topics(c.Conn()).Subscribe(roomTopic(payload.Room))
	}); err != nil {
		return err
	}

	if err := sockrouter.OnFunc(r, sockrouter.MessageSchema{Type: "room.leave"}, func(ctx context.Context, c *sockrouter.Ctx, payload struct {
		Room string `json:"room"`
	}) error {
		return r.Topics(c.Conn()).Unsubscribe(roomTopic(payload.Room))
	}); err != nil {
		return err
	}

	var authenticator sockrouter.Authenticator
	if cfg.JWTEnabled {
		authenticator = jwtAuthenticator(cfg)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", wsHandler(r, local, authenticator, logger))
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info().Int("port", cfg.Port).Str("pubsub", cfg.PubSubBackend).Msg("chatserver listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func roomTopic(room string) string { return "room:" + room }

// wsHandler upgrades an HTTP request to a websocket connection, runs the
// optional authenticator, registers the connection with the local pub/sub
// registry, and pumps frames through r until the socket closes.
func wsHandler(r *sockrouter.Router, local *memory.Adapter, auth sockrouter.Authenticator, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var data map[string]any
		if auth != nil {
			d, err := auth(req.Context(), req)
			if err != nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			data = d
		}

		ws, err := websocket.Accept(w, req, &websocket.AcceptOptions{
			InsecureSkipVerify: false,
		})
		if err != nil {
			logger.Error().Err(err).Msg("ws accept failed")
			return
		}

		conn := wsconn.New(req.Context(), ws, wsconn.Options{})
		local.Register(conn)
		defer local.Deregister(conn.ClientID())

		r.Open(req.Context(), conn, data)
		defer r.Close(req.Context(), conn, int(websocket.StatusNormalClosure), "closed")

		conn.ReadLoop(r)
	}
}

// jwtAuthenticator authenticates HTTP upgrade requests via a Bearer JWT,
// HS256-only with an optional issuer check, adapted to sockrouter's
// Authenticator signature (request is `any`, re-asserted to *http.Request).
func jwtAuthenticator(cfg *Config) sockrouter.Authenticator {
	secret := []byte(cfg.JWTSecret)
	parserOpts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if cfg.JWTIssuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(cfg.JWTIssuer))
	}

	return func(ctx context.Context, request any) (map[string]any, error) {
		req, ok := request.(*http.Request)
		if !ok {
			return nil, errors.New("chatserver: authenticator expects *http.Request")
		}
		header := req.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			return nil, errors.New("chatserver: missing bearer token")
		}
		tokenString := strings.TrimPrefix(header, "Bearer ")

		token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
			return secret, nil
		}, parserOpts...)
		if err != nil || !token.Valid {
			return nil, fmt.Errorf("chatserver: invalid token: %w", err)
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			return nil, errors.New("chatserver: unexpected claims type")
		}
		data := map[string]any{}
		if sub, ok := claims["sub"].(string); ok {
			data["userId"] = sub
		}
		return data, nil
	}
}

// buildPubSub constructs the configured PubSubAdapter and, for the broker
// backends, starts its consume loop in the background. The returned
// *memory.Adapter is always the local connection registry the HTTP handler
// registers sockets with: broker backends still need it to know which
// local connection owns which client id when a broker message arrives.
func buildPubSub(ctx context.Context, cfg *Config, logger zerolog.Logger) (sockrouter.PubSubAdapter, *memory.Adapter, func(), error) {
	local := memory.New()

	switch cfg.PubSubBackend {
	case "memory":
		return local, local, func() {}, nil

	case "kafka":
		var brokers []string
		if cfg.KafkaBrokers != "" {
			brokers = strings.Split(cfg.KafkaBrokers, ",")
		}
		bridge, err := kafka.New(ctx, kafka.Config{Brokers: brokers})
		if err != nil {
			return nil, nil, nil, err
		}
		adapter := newBrokerAdapter(bridge, local)
		go func() {
			if err := bridge.Start(ctx, adapter.deliverLocally); err != nil {
				logger.Error().Err(err).Msg("kafka consume loop exited")
			}
		}()
		return adapter, local, func() { _ = bridge.Close() }, nil

	case "rabbitmq":
		bridge, err := rabbitmq.New(ctx, rabbitmq.Config{URL: cfg.RabbitMQURL})
		if err != nil {
			return nil, nil, nil, err
		}
		adapter := newBrokerAdapter(bridge, local)
		go func() {
			if err := bridge.Start(ctx, adapter.deliverLocally); err != nil {
				logger.Error().Err(err).Msg("rabbitmq consume loop exited")
			}
		}()
		return adapter, local, func() { _ = bridge.Close() }, nil

	default:
		return nil, nil, nil, fmt.Errorf("unknown pubsub backend %q", cfg.PubSubBackend)
	}
}

// brokerAdapter composes a distributed BrokerBridge (membership + remote
// publish) with the in-process memory.Adapter (local Conn registry used to
// deliver broker messages to this process's own sockets). Subscribe fans
// out to both so the bridge's own consume topic filter and the local
// delivery table stay in sync.
type brokerAdapter struct {
	bridge sockrouter.BrokerBridge
	local  *memory.Adapter
}

func newBrokerAdapter(bridge sockrouter.BrokerBridge, local *memory.Adapter) *brokerAdapter {
	return &brokerAdapter{bridge: bridge, local: local}
}

var _ sockrouter.PubSubAdapter = (*brokerAdapter)(nil)

func (a *brokerAdapter) Subscribe(ctx context.Context, clientID, topic string) error {
	if err := a.local.Subscribe(ctx, clientID, topic); err != nil {
		return err
	}
	return a.bridge.Subscribe(ctx, clientID, topic)
}

func (a *brokerAdapter) Unsubscribe(ctx context.Context, clientID, topic string) error {
	if err := a.local.Unsubscribe(ctx, clientID, topic); err != nil {
		return err
	}
	return a.bridge.Unsubscribe(ctx, clientID, topic)
}

func (a *brokerAdapter) GetSubscribers(ctx context.Context, topic string, fn func(clientID string) bool) {
	a.local.GetSubscribers(ctx, topic, fn)
}

// Publish always goes out over the broker; local fan-out happens when the
// broker echoes the message back through deliverLocally, so every
// subscriber (local or remote) is delivered to exactly once via the same
// path.
func (a *brokerAdapter) Publish(ctx context.Context, env sockrouter.PublishEnvelope) sockrouter.PublishResult {
	return a.bridge.Publish(ctx, env)
}

func (a *brokerAdapter) deliverLocally(env sockrouter.PublishEnvelope) {
	a.local.Publish(context.Background(), env)
}

// rateLimitMiddleware rejects a dispatch with RESOURCE_EXHAUSTED before it
// reaches any handler once a connection's budget is spent.
func rateLimitMiddleware(limiter sockrouter.RateLimiter) sockrouter.Middleware {
	return func(next sockrouter.HandlerChain) sockrouter.HandlerChain {
		return func(ctx context.Context, c *sockrouter.Ctx, raw []byte) error {
			res, err := limiter.Consume(ctx, c.ClientID(), 1)
			if err != nil {
				return err
			}
			if !res.Allowed {
				return c.Error(sockrouter.CodeResourceExhausted, "rate limit exceeded", map[string]any{
					"retryAfterMs": res.RetryAfterMs,
				})
			}
			return next(ctx, c, raw)
		}
	}
}
