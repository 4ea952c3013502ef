package signaling

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openhuddle/huddle/internal/config"
	"github.com/openhuddle/huddle/internal/metrics"
	"github.com/openhuddle/huddle/internal/ratelimit"
)

const wsWriteWait = 1 * time.Second

// WSServer upgrades signaling requests to WebSocket connections and runs the
// connection handler over them. Connections carry a read size limit, a
// ping/pong idle timeout, and a per-connection message rate limit.
type WSServer struct {
	log     *slog.Logger
	metrics *metrics.Metrics
	handler *ConnectionHandler

	idleTimeout     time.Duration
	pingInterval    time.Duration
	maxMessageBytes int64
	messagesPerSec  int

	upgrader websocket.Upgrader
}

func NewWSServer(log *slog.Logger, m *metrics.Metrics, handler *ConnectionHandler, cfg config.Config) *WSServer {
	if log == nil {
		log = slog.Default()
	}
	return &WSServer{
		log:             log,
		metrics:         m,
		handler:         handler,
		idleTimeout:     cfg.SignalingWSIdleTimeout,
		pingInterval:    cfg.SignalingWSPingInterval,
		maxMessageBytes: cfg.MaxSignalingMessageBytes,
		messagesPerSec:  cfg.MaxSignalingMessagesPerSecond,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (s *WSServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	conn.SetReadLimit(s.maxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
	})

	ch := &wsChannel{
		conn:        conn,
		idleTimeout: s.idleTimeout,
		bucket:      ratelimit.NewBucket(nil, float64(s.messagesPerSec), float64(s.messagesPerSec)),
		metrics:     s.metrics,
	}

	stopPings := make(chan struct{})
	defer close(stopPings)
	go s.pingLoop(ch, stopPings)

	s.handler.Run(ch)
}

func (s *WSServer) pingLoop(ch *wsChannel, stop <-chan struct{}) {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := ch.ping(); err != nil {
				return
			}
		}
	}
}

// wsChannel adapts a websocket connection to the MessageChannel interface.
// Writes are serialized through a mutex; gorilla/websocket allows only one
// concurrent writer.
type wsChannel struct {
	conn        *websocket.Conn
	idleTimeout time.Duration
	bucket      *ratelimit.Bucket
	metrics     *metrics.Metrics

	writeMu sync.Mutex
}

func (c *wsChannel) Send(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *wsChannel) Receive() ([]byte, error) {
	msgType, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(c.idleTimeout))
	if msgType != websocket.TextMessage {
		c.writeClose(websocket.CloseUnsupportedData, "expected text message")
		return nil, errUnsupportedData
	}
	if !c.bucket.Allow(1) {
		c.metrics.Inc(metrics.RateLimited)
		c.writeClose(websocket.ClosePolicyViolation, "rate limit exceeded")
		return nil, errRateLimited
	}
	return data, nil
}

func (c *wsChannel) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}

func (c *wsChannel) writeClose(code int, reason string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

var (
	errUnsupportedData = &websocket.CloseError{Code: websocket.CloseUnsupportedData, Text: "unsupported data"}
	errRateLimited     = &websocket.CloseError{Code: websocket.ClosePolicyViolation, Text: "rate limit exceeded"}
)
