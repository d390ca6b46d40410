package wsbackend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/theplantsprouts/rork-plantspace-sub001/shared"
	"github.com/theplantsprouts/rork-plantspace-sub001/signaling"
)

const defaultAckTimeout = 5 * time.Second

var errConnectionLost = errors.New("relay connection lost")

// Backend keeps one relay connection per conversation. The connection is
// opened on first use and redialed if it drops; the relay's replay after a
// rejoin is deduplicated.
type Backend struct {
	url        string
	senderID   string
	dialer     *websocket.Dialer
	header     http.Header
	logger     shared.LoggerAdapter
	ackTimeout time.Duration
	newBackOff func() backoff.BackOff

	mu     sync.Mutex
	closed bool
	conns  map[string]*conn
}

var _ signaling.Backend = (*Backend)(nil)

type Option func(*Backend)

func WithSenderID(id string) Option {
	return func(b *Backend) {
		if id != "" {
			b.senderID = id
		}
	}
}

func WithLogger(logger shared.LoggerAdapter) Option {
	return func(b *Backend) {
		if logger != nil {
			b.logger = logger
		}
	}
}

func WithDialer(d *websocket.Dialer) Option {
	return func(b *Backend) {
		if d != nil {
			b.dialer = d
		}
	}
}

// WithHeader adds headers to the websocket handshake, e.g. Authorization.
func WithHeader(h http.Header) Option {
	return func(b *Backend) {
		b.header = h
	}
}

func WithAckTimeout(d time.Duration) Option {
	return func(b *Backend) {
		if d > 0 {
			b.ackTimeout = d
		}
	}
}

// WithRedialBackOff sets the policy used to reconnect a dropped connection.
func WithRedialBackOff(newBackOff func() backoff.BackOff) Option {
	return func(b *Backend) {
		if newBackOff != nil {
			b.newBackOff = newBackOff
		}
	}
}

// New returns a Backend for the relay at rawURL (ws:// or wss://).
func New(rawURL string, opts ...Option) (*Backend, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: relay url: %w", shared.ErrInvalidParameters, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("%w: relay url scheme %q", shared.ErrInvalidParameters, u.Scheme)
	}
	b := &Backend{
		url:        rawURL,
		senderID:   uuid.NewString(),
		dialer:     websocket.DefaultDialer,
		logger:     shared.NewNopLogger(),
		ackTimeout: defaultAckTimeout,
		newBackOff: func() backoff.BackOff {
			ebo := backoff.NewExponentialBackOff()
			ebo.InitialInterval = 200 * time.Millisecond
			ebo.MaxInterval = 5 * time.Second
			ebo.MaxElapsedTime = 0
			return ebo
		},
		conns: make(map[string]*conn),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With(zap.String("component", "signaling.ws"), zap.String("sender_id", b.senderID))
	return b, nil
}

func (b *Backend) endpoint(conv string) string {
	u, _ := url.Parse(b.url)
	q := u.Query()
	q.Set("call_id", conv)
	q.Set("sender_id", b.senderID)
	u.RawQuery = q.Encode()
	return u.String()
}

func (b *Backend) conn(ctx context.Context, conv string) (*conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, shared.ErrBackendClosed
	}
	if c, ok := b.conns[conv]; ok {
		return c, nil
	}
	c := newConn(b, conv)
	ws, err := c.dial(ctx)
	if err != nil {
		c.cancel()
		return nil, err
	}
	c.ws = ws
	go c.readLoop(ws)
	b.conns[conv] = c
	return c, nil
}

func (b *Backend) Write(ctx context.Context, conversationID string, rec signaling.Record) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("validating record: %w", err)
	}
	c, err := b.conn(ctx, conversationID)
	if err != nil {
		return err
	}
	return c.request(ctx, fromRecord(conversationID, rec))
}

func (b *Backend) Watch(ctx context.Context, conversationID string, from signaling.Side, fn func(signaling.Record)) (func(), error) {
	c, err := b.conn(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return c.watch(from, fn)
}

// Reset asks the relay to drop the room's stored records.
func (b *Backend) Reset(ctx context.Context, conversationID string) error {
	c, err := b.conn(ctx, conversationID)
	if err != nil {
		return err
	}
	if err := c.request(ctx, &Message{Type: TypeReset, CallID: conversationID, Timestamp: time.Now().UTC()}); err != nil {
		return err
	}
	c.forget()
	return nil
}

func (b *Backend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	conns := b.conns
	b.conns = nil
	b.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
	return nil
}

type watch struct {
	from signaling.Side
	d    *signaling.Dispatcher
}

type conn struct {
	b      *Backend
	conv   string
	logger shared.LoggerAdapter
	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex

	mu       sync.Mutex
	ws       *websocket.Conn
	closed   bool
	pending  map[string]chan error
	watches  map[int]*watch
	nextID   int
	received []signaling.Record
	seen     map[string]struct{}
}

func newConn(b *Backend, conv string) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &conn{
		b:       b,
		conv:    conv,
		logger:  b.logger.With(zap.String("conversation_id", conv)),
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[string]chan error),
		watches: make(map[int]*watch),
		seen:    make(map[string]struct{}),
	}
}

func (c *conn) dial(ctx context.Context) (*websocket.Conn, error) {
	ws, resp, err := c.b.dialer.DialContext(ctx, c.b.endpoint(c.conv), c.b.header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dialing relay: %w", err)
	}
	return ws, nil
}

func (c *conn) readLoop(ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.logger.Warn("relay connection dropped", zap.Error(err))
			c.failPending(errConnectionLost)
			ws, err = c.redial()
			if err != nil {
				return
			}
			continue
		}
		m, err := decodeMessage(data)
		if err != nil {
			c.logger.Warn("invalid message from relay", zap.Error(err))
			continue
		}
		c.handle(m)
	}
}

func (c *conn) redial() (*websocket.Conn, error) {
	var ws *websocket.Conn
	err := backoff.Retry(func() error {
		var err error
		ws, err = c.dial(c.ctx)
		if err != nil && c.ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(c.b.newBackOff(), c.ctx))
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		ws.Close()
		return nil, shared.ErrBackendClosed
	}
	c.ws = ws
	c.logger.Info("relay connection restored")
	return ws, nil
}

func (c *conn) handle(m *Message) {
	switch m.Type {
	case TypeAck:
		c.mu.Lock()
		ch, ok := c.pending[m.ID]
		delete(c.pending, m.ID)
		c.mu.Unlock()
		if !ok {
			return
		}
		switch m.Error {
		case "":
			ch <- nil
		case errAlreadyPublished:
			ch <- shared.ErrAlreadyPublished
		default:
			ch <- fmt.Errorf("relay rejected message: %s", m.Error)
		}
	case TypeJoin, TypeLeave:
		c.logger.Debug("peer presence", zap.String("type", m.Type), zap.String("peer", m.SenderID))
	default:
		if !m.carriesRecord() {
			return
		}
		rec, err := m.record()
		if err != nil {
			c.logger.Warn("dropping invalid record from relay", zap.Error(err))
			return
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		key := recordKey(rec)
		if _, dup := c.seen[key]; dup {
			return
		}
		c.seen[key] = struct{}{}
		c.received = append(c.received, rec)
		for _, w := range c.watches {
			if w.from == rec.From {
				w.d.Push(rec)
			}
		}
	}
}

// request sends m and waits for the relay's ack.
func (c *conn) request(ctx context.Context, m *Message) error {
	m.ID = uuid.NewString()
	data, err := m.encode()
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	ack := make(chan error, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return shared.ErrBackendClosed
	}
	ws := c.ws
	c.pending[m.ID] = ack
	c.mu.Unlock()

	c.writeMu.Lock()
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	err = ws.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		c.dropPending(m.ID)
		return fmt.Errorf("sending %s: %w", m.Type, err)
	}

	timer := time.NewTimer(c.b.ackTimeout)
	defer timer.Stop()
	select {
	case err := <-ack:
		return err
	case <-ctx.Done():
		c.dropPending(m.ID)
		return ctx.Err()
	case <-timer.C:
		c.dropPending(m.ID)
		return fmt.Errorf("waiting for %s ack: %w", m.Type, context.DeadlineExceeded)
	case <-c.ctx.Done():
		return shared.ErrBackendClosed
	}
}

func (c *conn) dropPending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *conn) failPending(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		ch <- err
		delete(c.pending, id)
	}
}

func (c *conn) watch(from signaling.Side, fn func(signaling.Record)) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, shared.ErrBackendClosed
	}
	w := &watch{from: from, d: signaling.NewDispatcher(fn)}
	for _, rec := range c.received {
		if rec.From == from {
			w.d.Push(rec)
		}
	}
	id := c.nextID
	c.nextID++
	c.watches[id] = w

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.watches, id)
			c.mu.Unlock()
			w.d.Close()
		})
	}, nil
}

// forget drops what was received so far, after the room was reset.
func (c *conn) forget() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.received = nil
	c.seen = make(map[string]struct{})
}

func (c *conn) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	ws := c.ws
	watches := c.watches
	c.watches = nil
	c.mu.Unlock()

	c.cancel()
	c.writeMu.Lock()
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	ws.Close()
	for _, w := range watches {
		w.d.Close()
	}
	c.failPending(shared.ErrBackendClosed)
}
