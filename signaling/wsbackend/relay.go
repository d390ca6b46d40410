package wsbackend

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/theplantsprouts/rork-plantspace-sub001/shared"
)

const (
	defaultPingInterval = 54 * time.Second
	writeWait           = 10 * time.Second
	sendBuffer          = 256
)

// Relay is an http.Handler that joins websocket clients into per-call rooms.
// A room keeps the records it has seen so a late joiner gets them replayed;
// a reset message clears them.
type Relay struct {
	upgrader     websocket.Upgrader
	logger       shared.LoggerAdapter
	pingInterval time.Duration
	allowed      map[string]struct{}

	mu    sync.Mutex
	rooms map[string]*room
}

type RelayOption func(*Relay)

func WithRelayLogger(logger shared.LoggerAdapter) RelayOption {
	return func(r *Relay) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func WithPingInterval(d time.Duration) RelayOption {
	return func(r *Relay) {
		if d > 0 {
			r.pingInterval = d
		}
	}
}

// WithAllowedOrigins restricts browser clients to the given origins. With
// no list every origin is accepted.
func WithAllowedOrigins(origins ...string) RelayOption {
	return func(r *Relay) {
		for _, o := range origins {
			r.allowed[o] = struct{}{}
		}
	}
}

type room struct {
	clients map[*relayClient]struct{}
	backlog []*Message
}

// stored returns the backlog entry m would repeat: the offer or answer, or
// the same side's candidate at m.Seq or hangup.
func (rm *room) stored(m *Message) *Message {
	for _, prev := range rm.backlog {
		if prev.Type != m.Type {
			continue
		}
		switch {
		case m.isDescription():
			return prev
		case m.Type == TypeCandidate:
			if prev.Side == m.Side && prev.Seq == m.Seq {
				return prev
			}
		case m.Type == TypeHangup:
			if prev.Side == m.Side {
				return prev
			}
		}
	}
	return nil
}

type relayClient struct {
	relay    *Relay
	conn     *websocket.Conn
	send     chan []byte
	callID   string
	senderID string
	logger   shared.LoggerAdapter
}

func NewRelay(opts ...RelayOption) *Relay {
	r := &Relay{
		logger:       shared.NewNopLogger(),
		pingInterval: defaultPingInterval,
		allowed:      make(map[string]struct{}),
		rooms:        make(map[string]*room),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(zap.String("component", "signaling.relay"))
	r.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     r.checkOrigin,
	}
	return r
}

func (r *Relay) checkOrigin(req *http.Request) bool {
	if len(r.allowed) == 0 {
		return true
	}
	_, ok := r.allowed[req.Header.Get("Origin")]
	return ok
}

// ServeHTTP expects call_id and sender_id query parameters.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	callID := req.URL.Query().Get("call_id")
	senderID := req.URL.Query().Get("sender_id")
	if callID == "" || senderID == "" {
		http.Error(w, "call_id and sender_id required", http.StatusBadRequest)
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", zap.String("call_id", callID), zap.Error(err))
		return
	}

	r.mu.Lock()
	rm := r.room(callID)
	c := &relayClient{
		relay:    r,
		conn:     conn,
		send:     make(chan []byte, sendBuffer+len(rm.backlog)),
		callID:   callID,
		senderID: senderID,
		logger:   r.logger.With(zap.String("call_id", callID), zap.String("sender_id", senderID)),
	}
	for _, m := range rm.backlog {
		if data, err := m.encode(); err == nil {
			c.send <- data
		}
	}
	rm.clients[c] = struct{}{}
	r.broadcastLocked(rm, c, &Message{Type: TypeJoin, CallID: callID, SenderID: senderID, Timestamp: time.Now().UTC()})
	r.mu.Unlock()

	c.logger.Debug("client joined")
	go c.writePump()
	go c.readPump()
}

// Rooms returns the number of live rooms.
func (r *Relay) Rooms() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

func (r *Relay) room(callID string) *room {
	rm, ok := r.rooms[callID]
	if !ok {
		rm = &room{clients: make(map[*relayClient]struct{})}
		r.rooms[callID] = rm
	}
	return rm
}

// broadcastLocked sends m to everyone in rm except from. Clients that cannot
// keep up are dropped.
func (r *Relay) broadcastLocked(rm *room, from *relayClient, m *Message) {
	data, err := m.encode()
	if err != nil {
		r.logger.Error("encoding relay message", err)
		return
	}
	for c := range rm.clients {
		if c == from {
			continue
		}
		select {
		case c.send <- data:
		default:
			c.logger.Warn("dropping slow client")
			delete(rm.clients, c)
			close(c.send)
		}
	}
}

func (r *Relay) handle(c *relayClient, m *Message) {
	m.CallID = c.callID
	m.SenderID = c.senderID
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	ack := &Message{Type: TypeAck, ID: m.ID, CallID: c.callID, Timestamp: time.Now().UTC()}

	r.mu.Lock()
	rm := r.room(c.callID)
	switch {
	case m.Type == TypeReset:
		rm.backlog = nil
	case m.carriesRecord():
		if _, err := m.record(); err != nil {
			ack.Error = err.Error()
			break
		}
		if prev := rm.stored(m); prev != nil {
			// The sender resending its stored record is a retry after a lost
			// ack; it is acked again but neither stored nor forwarded.
			if m.isDescription() && (prev.SenderID != m.SenderID || prev.SDP != m.SDP) {
				ack.Error = errAlreadyPublished
			}
			break
		}
		rm.backlog = append(rm.backlog, m)
		r.broadcastLocked(rm, c, m)
	default:
		ack.Error = "unsupported message type " + m.Type
	}
	r.mu.Unlock()

	if m.ID == "" {
		return
	}
	data, err := ack.encode()
	if err != nil {
		return
	}
	c.deliver(data)
}

func (r *Relay) leave(c *relayClient) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[c.callID]
	if !ok {
		return
	}
	if _, ok := rm.clients[c]; !ok {
		return
	}
	delete(rm.clients, c)
	close(c.send)
	r.broadcastLocked(rm, c, &Message{Type: TypeLeave, CallID: c.callID, SenderID: c.senderID, Timestamp: time.Now().UTC()})
	if len(rm.clients) == 0 && (len(rm.backlog) == 0 || rm.hungUp()) {
		delete(r.rooms, c.callID)
	}
}

func (rm *room) hungUp() bool {
	for _, m := range rm.backlog {
		if m.Type == TypeHangup {
			return true
		}
	}
	return false
}

// deliver queues data unless the client has already left.
func (c *relayClient) deliver(data []byte) {
	c.relay.mu.Lock()
	defer c.relay.mu.Unlock()
	rm, ok := c.relay.rooms[c.callID]
	if !ok {
		return
	}
	if _, ok := rm.clients[c]; !ok {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (c *relayClient) readPump() {
	defer func() {
		c.relay.leave(c)
		c.conn.Close()
		c.logger.Debug("client left")
	}()

	pongWait := c.relay.pingInterval * 10 / 9
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket closed", zap.Error(err))
			}
			return
		}
		m, err := decodeMessage(data)
		if err != nil {
			c.logger.Warn("invalid message from client", zap.Error(err))
			continue
		}
		c.relay.handle(c, m)
	}
}

func (c *relayClient) writePump() {
	ticker := time.NewTicker(c.relay.pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
