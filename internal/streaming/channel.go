package streaming

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/skypro1111/voice-session-service/internal/metrics"
)

// ErrNotConnected is reported for events sent while the channel is down
var ErrNotConnected = errors.New("streaming channel not connected")

// Handler receives the raw payload of one inbound event. Handlers run on the
// channel's read goroutine.
type Handler func(data json.RawMessage)

// Channel is a persistent bidirectional event channel owned outside the
// streamer; the streamer only emits on it and subscribes to it
type Channel interface {
	Connected() bool
	Emit(event string, payload any) error
	Subscribe(event string, h Handler) (unsubscribe func())
}

// WebSocketConfig contains websocket channel configuration
type WebSocketConfig struct {
	URL              string
	Header           http.Header
	HandshakeTimeout time.Duration
	ReconnectDelay   time.Duration
	WriteTimeout     time.Duration
}

// WebSocketChannel is a Channel over a gorilla websocket connection. Run keeps
// it connected; events emitted while disconnected fail with ErrNotConnected
// and are never replayed after a reconnect.
type WebSocketChannel struct {
	config  WebSocketConfig
	dialer  *websocket.Dialer
	logger  *slog.Logger
	metrics *metrics.Metrics

	conn    *websocket.Conn
	connMu  sync.RWMutex
	writeMu sync.Mutex

	handlers   map[string]map[uint64]Handler
	nextID     uint64
	handlersMu sync.RWMutex
}

// NewWebSocketChannel creates a disconnected channel; call Run to connect
func NewWebSocketChannel(config WebSocketConfig, logger *slog.Logger, m *metrics.Metrics) (*WebSocketChannel, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("websocket URL is required")
	}

	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = 10 * time.Second
	}
	if config.ReconnectDelay <= 0 {
		config.ReconnectDelay = 2 * time.Second
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 5 * time.Second
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &WebSocketChannel{
		config: config,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: config.HandshakeTimeout,
		},
		logger:   logger,
		metrics:  m,
		handlers: make(map[string]map[uint64]Handler),
	}, nil
}

// Run dials, reads and redials until ctx is done
func (c *WebSocketChannel) Run(ctx context.Context) {
	for {
		conn, _, err := c.dialer.DialContext(ctx, c.config.URL, c.config.Header)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("Failed to connect streaming channel",
				slog.String("url", c.config.URL),
				slog.String("error", err.Error()))
		} else {
			c.logger.Info("Streaming channel connected", slog.String("url", c.config.URL))
			c.setConn(conn)

			err = c.readLoop(ctx, conn)

			c.setConn(nil)
			conn.Close()

			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("Streaming channel disconnected",
				slog.String("url", c.config.URL),
				slog.String("error", err.Error()))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.config.ReconnectDelay):
			c.metrics.RecordStreamReconnect()
		}
	}
}

// readLoop dispatches inbound frames until the connection fails or ctx ends
func (c *WebSocketChannel) readLoop(ctx context.Context, conn *websocket.Conn) error {
	stop := make(chan struct{})
	defer close(stop)

	go func() {
		select {
		case <-ctx.Done():
			c.writeMu.Lock()
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutting down"),
				time.Now().Add(time.Second))
			c.writeMu.Unlock()
			conn.Close()
		case <-stop:
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		env, err := DecodeEnvelope(message)
		if err != nil {
			c.logger.Debug("Discarding malformed frame", slog.String("error", err.Error()))
			continue
		}

		c.dispatch(env)
	}
}

func (c *WebSocketChannel) dispatch(env *Envelope) {
	c.handlersMu.RLock()
	handlers := make([]Handler, 0, len(c.handlers[env.Event]))
	for _, h := range c.handlers[env.Event] {
		handlers = append(handlers, h)
	}
	c.handlersMu.RUnlock()

	for _, h := range handlers {
		h(env.Data)
	}
}

func (c *WebSocketChannel) setConn(conn *websocket.Conn) {
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	c.metrics.SetStreamConnected(conn != nil)
}

// Connected reports whether a connection is established
func (c *WebSocketChannel) Connected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.conn != nil
}

// Emit writes one event frame
func (c *WebSocketChannel) Emit(event string, payload any) error {
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()

	if conn == nil {
		return ErrNotConnected
	}

	frame, err := EncodeEnvelope(event, payload)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout)); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("failed to write %s: %w", event, err)
	}
	return nil
}

// Subscribe registers h for event and returns its removal function
func (c *WebSocketChannel) Subscribe(event string, h Handler) func() {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()

	id := c.nextID
	c.nextID++
	if c.handlers[event] == nil {
		c.handlers[event] = make(map[uint64]Handler)
	}
	c.handlers[event][id] = h

	return func() {
		c.handlersMu.Lock()
		defer c.handlersMu.Unlock()
		delete(c.handlers[event], id)
	}
}
