package feed

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	ws "github.com/gorilla/websocket"

	"github.com/eventlens/arscan/pkg/streaming"
)

const (
	sendChSize   = 256
	maxReconnect = 10
	maxBackoff   = 30 * time.Second
	writeWait    = 10 * time.Second
)

// connection manages the feed WebSocket with a single write goroutine.
type connection struct {
	mu           sync.Mutex
	conn         *ws.Conn
	sendCh       chan []byte
	done         chan struct{} // closed on shutdown
	closed       bool
	reconnecting bool

	wsURL  string
	secret string

	// onUpdate is invoked from the read loop for every update envelope.
	onUpdate func(streaming.UpdatePayload)
	// replay returns the subscribe messages to re-send after a reconnect,
	// so the server restores the feeds the manager still holds open.
	replay func() [][]byte

	logger *slog.Logger
}

func newConnection(logger *slog.Logger) *connection {
	return &connection{
		sendCh: make(chan []byte, sendChSize),
		done:   make(chan struct{}),
		logger: logger,
	}
}

func (c *connection) current() *ws.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *connection) install(conn *ws.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *connection) shuttingDown() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// dial connects to the feed endpoint and starts the read/write loops.
func (c *connection) dial(rawURL, secret string) error {
	c.wsURL = rawURL
	c.secret = secret

	conn, err := c.dialOnce()
	if err != nil {
		return err
	}
	c.install(conn)

	go c.writeLoop()
	go c.readLoop()
	return nil
}

// dialOnce performs a single WebSocket dial with the secret query param.
func (c *connection) dialOnce() (*ws.Conn, error) {
	u, err := url.Parse(c.wsURL)
	if err != nil {
		return nil, fmt.Errorf("invalid feed URL: %w", err)
	}
	q := u.Query()
	q.Set("secret", c.secret)
	u.RawQuery = q.Encode()

	conn, _, err := ws.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("feed dial failed: %w", err)
	}
	return conn, nil
}

// writeFrame writes one text frame under the write deadline.
func writeFrame(conn *ws.Conn, data []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteMessage(ws.TextMessage, data)
}

// writeLoop drains sendCh onto the socket. Exactly one writeLoop runs at a
// time; it exits on error (handing off to reconnect) or on shutdown.
func (c *connection) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.sendCh:
			conn := c.current()
			if conn == nil {
				continue
			}
			if err := writeFrame(conn, data); err != nil {
				c.logger.Warn("Feed write error", "error", err)
				go c.reconnect()
				return
			}
		}
	}
}

// readLoop reads envelopes from the server and dispatches updates.
func (c *connection) readLoop() {
	for {
		conn := c.current()
		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			if c.shuttingDown() {
				return
			}
			c.logger.Warn("Feed read error", "error", err)
			go c.reconnect()
			return
		}
		c.handleFrame(message)
	}
}

func (c *connection) handleFrame(message []byte) {
	var env streaming.Envelope
	if err := json.Unmarshal(message, &env); err != nil {
		c.logger.Debug("Malformed feed message", "raw", string(message))
		return
	}

	switch env.Type {
	case streaming.TypeUpdate:
		var up streaming.UpdatePayload
		if err := json.Unmarshal(env.Payload, &up); err != nil {
			c.logger.Warn("Malformed update payload", "error", err)
			return
		}
		if c.onUpdate != nil {
			c.onUpdate(up)
		}
	case streaming.TypeAck:
		// Subscribe/unsubscribe acks carry no state we track.
	default:
		c.logger.Debug("Unhandled feed message", "type", env.Type)
	}
}

// reconnect re-establishes the connection with exponential backoff. On
// success it replays the manager's open subscriptions before installing the
// new socket, then restarts the loops.
func (c *connection) reconnect() {
	c.mu.Lock()
	// The read and write loops can both observe the same failure; only
	// the first gets to rebuild the socket.
	if c.closed || c.reconnecting {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
	}()

	backoff := time.Second
	for attempt := 1; attempt <= maxReconnect; attempt++ {
		if c.shuttingDown() {
			return
		}

		c.logger.Info("Reconnecting to feed", "attempt", attempt, "backoff", backoff)
		time.Sleep(backoff)
		backoff = min(backoff*2, maxBackoff)

		conn, err := c.dialOnce()
		if err != nil {
			c.logger.Warn("Feed reconnect dial failed", "attempt", attempt, "error", err)
			continue
		}

		replayed, err := c.restoreSubscriptions(conn)
		if err != nil {
			c.logger.Warn("Subscription replay failed after reconnect", "error", err)
			_ = conn.Close()
			continue
		}

		c.install(conn)
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
		c.logger.Info("Feed reconnected", "attempt", attempt, "replayed", replayed)
		go c.writeLoop()
		go c.readLoop()
		return
	}

	c.logger.Error("Feed reconnect failed after max attempts", "maxAttempts", maxReconnect)
}

func (c *connection) restoreSubscriptions(conn *ws.Conn) (int, error) {
	if c.replay == nil {
		return 0, nil
	}
	pending := c.replay()
	for _, data := range pending {
		if err := writeFrame(conn, data); err != nil {
			return 0, err
		}
	}
	return len(pending), nil
}

// send pushes data to the write loop. Non-blocking; drops if channel full.
func (c *connection) send(data []byte) {
	select {
	case c.sendCh <- data:
	default:
		c.logger.Warn("Feed send channel full, dropping message")
	}
}

// close sends a WebSocket close frame and shuts down all goroutines.
func (c *connection) close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	_ = conn.WriteMessage(ws.CloseMessage, ws.FormatCloseMessage(ws.CloseNormalClosure, ""))
	return conn.Close()
}
