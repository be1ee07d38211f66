// Package graphqlws subscribes to the transaction feed over the
// graphql-transport-ws protocol. All subscriptions share one socket.
package graphqlws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/strogmv/txwatch/internal/domain"
	"github.com/strogmv/txwatch/internal/pkg/logger"
	"github.com/strogmv/txwatch/internal/port"
)

const (
	defaultSubprotocol = "graphql-transport-ws"
	defaultInitTimeout = 10 * time.Second
	writeTimeout       = 10 * time.Second
	streamBuffer       = 64
)

var (
	dials = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "txwatch_upstream_dials_total",
		Help: "Upstream socket dial attempts by result.",
	}, []string{"result"})
	socketLosses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "txwatch_upstream_socket_losses_total",
		Help: "Upstream sockets lost while streams were open.",
	})
)

var errSocketClosed = errors.New("upstream socket closed")

type Options struct {
	URL         string
	Subprotocol string
	APIKey      string
	InitTimeout time.Duration
	Dialer      *websocket.Dialer
}

// Client implements port.UpstreamFactory. The socket is dialed on the first
// Open and again on the first Open after it is lost.
type Client struct {
	opts   Options
	nextID atomic.Uint64

	mu     sync.Mutex
	conn   *conn
	closed bool
}

func NewClient(opts Options) *Client {
	if opts.Subprotocol == "" {
		opts.Subprotocol = defaultSubprotocol
	}
	if opts.InitTimeout <= 0 {
		opts.InitTimeout = defaultInitTimeout
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.InitTimeout,
		}
	}
	return &Client{opts: opts}
}

// Open starts the feed subscription for topic.
func (c *Client) Open(ctx context.Context, topic domain.Topic) (port.Stream, error) {
	cn, err := c.connection(ctx)
	if err != nil {
		return nil, err
	}

	id := strconv.FormatUint(c.nextID.Add(1), 10)
	s := &stream{
		id:    id,
		topic: topic,
		conn:  cn,
		out:   make(chan port.StreamMessage, streamBuffer),
		quit:  make(chan struct{}),
	}
	if !cn.add(s) {
		return nil, cn.failure()
	}

	msg, err := newMessage(id, msgSubscribe, subscribePayload{
		Query:     TransactionSubscription,
		Variables: map[string]any{"slug": string(topic)},
	})
	if err == nil {
		err = cn.write(msg)
	}
	if err != nil {
		cn.remove(id)
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return s, nil
}

// Close drops the socket. Open streams end with an error.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.conn != nil {
		c.conn.fail(errSocketClosed)
		c.conn = nil
	}
	return nil
}

func (c *Client) connection(ctx context.Context) (*conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errSocketClosed
	}
	if c.conn != nil && !c.conn.isDead() {
		return c.conn, nil
	}
	cn, err := c.dial(ctx)
	if err != nil {
		dials.WithLabelValues("error").Inc()
		return nil, err
	}
	dials.WithLabelValues("ok").Inc()
	c.conn = cn
	return cn, nil
}

func (c *Client) dial(ctx context.Context) (*conn, error) {
	ws, resp, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: status %d: %w", c.opts.URL, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial %s: %w", c.opts.URL, err)
	}

	cn := &conn{
		ws:   ws,
		subs: make(map[string]*stream),
		dead: make(chan struct{}),
		log:  logger.From(ctx).With(slog.String("component", "graphqlws")),
	}
	if err := cn.handshake(c.opts); err != nil {
		_ = ws.Close()
		return nil, err
	}
	go cn.readLoop()
	cn.log.Info("upstream socket connected", slog.String("url", c.opts.URL))
	return cn, nil
}

type conn struct {
	ws      *websocket.Conn
	log     *slog.Logger
	writeMu sync.Mutex

	mu   sync.Mutex
	subs map[string]*stream
	dead chan struct{}
	err  error
}

func (cn *conn) handshake(opts Options) error {
	initMsg, err := newMessage("", msgConnectionInit, initPayload{
		Headers: map[string]string{"X-TENSOR-API-KEY": opts.APIKey},
	})
	if err != nil {
		return err
	}
	if err := cn.write(initMsg); err != nil {
		return fmt.Errorf("connection init: %w", err)
	}

	_ = cn.ws.SetReadDeadline(time.Now().Add(opts.InitTimeout))
	defer cn.ws.SetReadDeadline(time.Time{})
	for {
		var msg message
		if err := cn.ws.ReadJSON(&msg); err != nil {
			return fmt.Errorf("await connection ack: %w", err)
		}
		switch msg.Type {
		case msgConnectionAck:
			return nil
		case msgPing:
			if err := cn.write(message{Type: msgPong}); err != nil {
				return fmt.Errorf("connection init: %w", err)
			}
		default:
			return fmt.Errorf("await connection ack: unexpected %q", msg.Type)
		}
	}
}

func (cn *conn) write(msg message) error {
	cn.writeMu.Lock()
	defer cn.writeMu.Unlock()
	_ = cn.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return cn.ws.WriteJSON(msg)
}

func (cn *conn) readLoop() {
	for {
		var msg message
		if err := cn.ws.ReadJSON(&msg); err != nil {
			cn.fail(err)
			return
		}
		cn.handle(msg)
	}
}

func (cn *conn) handle(msg message) {
	switch msg.Type {
	case msgNext:
		s := cn.lookup(msg.ID)
		if s == nil {
			return
		}
		var p nextPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			cn.log.Warn("malformed next payload", slog.String("topic", string(s.topic)), slog.Any("error", err))
			return
		}
		ev, ok := p.event()
		if !ok {
			cn.log.Warn("no data received in response", slog.String("topic", string(s.topic)), slog.Any("errors", p.Errors))
			return
		}
		s.deliver(port.StreamMessage{Kind: port.StreamNext, Event: ev})
	case msgError:
		if s := cn.remove(msg.ID); s != nil {
			s.deliver(port.StreamMessage{Kind: port.StreamError, Err: decodeErrorPayload(msg.Payload)})
		}
	case msgComplete:
		if s := cn.remove(msg.ID); s != nil {
			s.deliver(port.StreamMessage{Kind: port.StreamComplete})
		}
	case msgPing:
		if err := cn.write(message{Type: msgPong}); err != nil {
			cn.log.Warn("pong failed", slog.Any("error", err))
		}
	case msgPong:
	default:
		cn.log.Debug("ignoring message", slog.String("type", msg.Type))
	}
}

// fail marks the socket dead and ends every stream with err.
func (cn *conn) fail(err error) {
	cn.mu.Lock()
	if cn.err != nil {
		cn.mu.Unlock()
		return
	}
	cn.err = fmt.Errorf("%w: %w", errSocketClosed, err)
	close(cn.dead)
	subs := cn.subs
	cn.subs = map[string]*stream{}
	cn.mu.Unlock()

	_ = cn.ws.Close()
	if len(subs) > 0 {
		socketLosses.Inc()
		cn.log.Error("upstream socket lost", slog.Int("streams", len(subs)), slog.Any("error", err))
	}
	for _, s := range subs {
		s.deliver(port.StreamMessage{Kind: port.StreamError, Err: cn.err})
	}
}

func (cn *conn) isDead() bool {
	select {
	case <-cn.dead:
		return true
	default:
		return false
	}
}

func (cn *conn) failure() error {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	return cn.err
}

func (cn *conn) add(s *stream) bool {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	if cn.err != nil {
		return false
	}
	cn.subs[s.id] = s
	return true
}

func (cn *conn) lookup(id string) *stream {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	return cn.subs[id]
}

func (cn *conn) remove(id string) *stream {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	s := cn.subs[id]
	delete(cn.subs, id)
	return s
}

// stream is one subscription on a shared socket.
type stream struct {
	id    string
	topic domain.Topic
	conn  *conn
	out   chan port.StreamMessage
	quit  chan struct{}
	once  sync.Once

	mu       sync.Mutex
	finished bool
}

func (s *stream) Events() <-chan port.StreamMessage { return s.out }

// deliver forwards msg unless the stream has ended. A terminal message
// closes the channel after it.
func (s *stream) deliver(msg port.StreamMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	select {
	case s.out <- msg:
	case <-s.quit:
		return
	}
	if msg.Kind != port.StreamNext {
		s.finished = true
		close(s.out)
	}
}

// Close ends the stream and tells the server, if the server has not ended
// it already. Safe to call more than once.
func (s *stream) Close() {
	s.once.Do(func() { close(s.quit) })

	s.mu.Lock()
	wasOpen := !s.finished
	if wasOpen {
		s.finished = true
		close(s.out)
	}
	s.mu.Unlock()

	if !wasOpen || s.conn.remove(s.id) == nil {
		return
	}
	if err := s.conn.write(message{ID: s.id, Type: msgComplete}); err != nil {
		s.conn.log.Debug("complete not sent", slog.String("topic", string(s.topic)), slog.Any("error", err))
	}
}

var _ port.UpstreamFactory = (*Client)(nil)
