// Package wsconn adapts coder/websocket connections to sockrouter.Conn,
// running a writer goroutine with a bounded backpressure channel and a
// heartbeat ping loop with a consecutive-failure threshold. Shutdown is
// idempotent via sync.Once so a read error and an explicit Close racing
// each other only tear the connection down once.
package wsconn

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/bjaus/sockrouter"
)

const (
	defaultSendQueueSize       = 128
	defaultWriteTimeout        = 5 * time.Second
	defaultHeartbeatInterval   = 30 * time.Second
	defaultHeartbeatTimeout    = 5 * time.Second
	maxConsecutivePingFailures = 3
)

// Options configures a Conn's queue sizing and heartbeat cadence. Zero
// values fall back to the package defaults.
type Options struct {
	SendQueueSize       int
	WriteTimeout        time.Duration
	HeartbeatInterval   time.Duration
	HeartbeatTimeout    time.Duration
	MaxPingFailures     int
	MaxMessageBytes     int64
}

// Conn wraps a *websocket.Conn to implement sockrouter.Conn. Topic
// subscribe/unsubscribe are no-ops here: fan-out is the installed
// PubSubAdapter's job, not the transport's, matching sockrouter's default
// (in-memory) pub/sub adapter.
type Conn struct {
	clientID string
	ws       *websocket.Conn
	opts     Options

	send chan []byte

	mu      sync.Mutex
	state   sockrouter.ReadyState
	closeMu sync.Once

	ctx    context.Context
	cancel context.CancelFunc

	writerDone    chan struct{}
	heartbeatDone chan struct{}
}

// New wraps ws, mints a time-ordered client id, and starts the writer and
// heartbeat goroutines. The caller is responsible for calling the returned
// Conn's ReadLoop to pump inbound frames into a Router.
func New(parent context.Context, ws *websocket.Conn, opts Options) *Conn {
	opts = withDefaults(opts)
	ws.SetReadLimit(opts.MaxMessageBytes)

	ctx, cancel := context.WithCancel(parent)
	c := &Conn{
		clientID:      uuid.Must(uuid.NewV7()).String(),
		ws:            ws,
		opts:          opts,
		send:          make(chan []byte, opts.SendQueueSize),
		state:         sockrouter.StateOpen,
		ctx:           ctx,
		cancel:        cancel,
		writerDone:    make(chan struct{}),
		heartbeatDone: make(chan struct{}),
	}
	go c.writeLoop()
	go c.heartbeatLoop()
	return c
}

func withDefaults(o Options) Options {
	if o.SendQueueSize <= 0 {
		o.SendQueueSize = defaultSendQueueSize
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = defaultHeartbeatInterval
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	if o.MaxPingFailures <= 0 {
		o.MaxPingFailures = maxConsecutivePingFailures
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = 1 << 20
	}
	return o
}

func (c *Conn) ClientID() string { return c.clientID }

// Send enqueues raw for the writer goroutine. Fails fast (rather than
// blocking the dispatch loop) when the queue is saturated or the
// connection is already shutting down.
func (c *Conn) Send(raw []byte) error {
	select {
	case c.send <- raw:
		return nil
	case <-c.ctx.Done():
		return sockrouter.ErrConnectionClosed
	default:
		return sockrouter.ErrConnectionClosed
	}
}

// Close idempotently tears down the connection: cancels the lifetime
// context, closes the websocket, and waits (briefly) for the writer and
// heartbeat goroutines to exit.
func (c *Conn) Close(code int, reason string) error {
	var closeErr error
	c.closeMu.Do(func() {
		c.mu.Lock()
		c.state = sockrouter.StateClosing
		c.mu.Unlock()

		closeErr = c.ws.Close(websocket.StatusCode(code), reason)
		c.cancel()

		<-c.writerDone
		select {
		case <-c.heartbeatDone:
		case <-time.After(c.opts.HeartbeatTimeout):
		}

		c.mu.Lock()
		c.state = sockrouter.StateClosed
		c.mu.Unlock()
	})
	return closeErr
}

// Subscribe/Unsubscribe are no-ops: this adapter relies entirely on the
// router's installed PubSubAdapter for topic fan-out.
func (c *Conn) Subscribe(topic string) error   { return nil }
func (c *Conn) Unsubscribe(topic string) error { return nil }

func (c *Conn) ReadyState() sockrouter.ReadyState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ReadLoop blocks reading frames from the websocket and calling
// r.Process for each, until the connection closes. Callers should invoke
// r.Open before ReadLoop and r.Close after it returns.
func (c *Conn) ReadLoop(r *sockrouter.Router) {
	for {
		_, data, err := c.ws.Read(c.ctx)
		if err != nil {
			_ = c.Close(int(websocket.StatusAbnormalClosure), "read failed")
			return
		}
		_ = r.Process(c.ctx, c, data)
	}
}

func (c *Conn) writeLoop() {
	defer close(c.writerDone)
	for {
		select {
		case <-c.ctx.Done():
			return
		case raw, ok := <-c.send:
			if !ok {
				return
			}
			ctx, cancel := context.WithTimeout(c.ctx, c.opts.WriteTimeout)
			err := c.ws.Write(ctx, websocket.MessageText, raw)
			cancel()
			if err != nil {
				go c.Close(int(websocket.StatusAbnormalClosure), "write failed")
				return
			}
		}
	}
}

func (c *Conn) heartbeatLoop() {
	defer close(c.heartbeatDone)
	t := time.NewTicker(c.opts.HeartbeatInterval)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-t.C:
			pingCtx, cancel := context.WithTimeout(c.ctx, c.opts.HeartbeatTimeout)
			err := c.ws.Ping(pingCtx)
			cancel()
			if err != nil {
				failures++
				if failures >= c.opts.MaxPingFailures {
					go c.Close(int(websocket.StatusGoingAway), "heartbeat failed")
					return
				}
				continue
			}
			failures = 0
		}
	}
}

var _ sockrouter.Conn = (*Conn)(nil)
