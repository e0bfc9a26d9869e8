package transport

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// frame is the wire envelope exchanged over the WebSocket connection. A
// broker speaking this protocol multiplexes topics over one socket rather
// than one socket per topic.
type frame struct {
	Op      string `json:"op"` // "subscribe", "unsubscribe", "publish", "message"
	Topic   string `json:"topic"`
	QoS     int    `json:"qos,omitempty"`
	Payload string `json:"payload,omitempty"` // base64, present on "publish"/"message"
}

// WSConfig configures a WebSocket Transport.
type WSConfig struct {
	URL        string // e.g. "wss://broker.example.com/ws"
	User       string
	Password   string
	DialTimeout time.Duration
	Logger     *slog.Logger // defaults to slog.Default() if nil
}

// WebSocket is a Transport implementation that multiplexes topic
// subscriptions and publishes over a single persistent WebSocket
// connection, with a background reader dispatching inbound frames to
// registered handlers.
//
// Grounded on a dial/register/heartbeat-free variant of the familiar
// "agent connects out to a relay, reads frames, dispatches by topic"
// pattern used for outbound-only device connectivity: the device always
// dials the broker, never the reverse, so it works behind NAT without
// port forwarding.
type WebSocket struct {
	cfg    WSConfig
	logger *slog.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	handlers map[string]InboundHandler
}

// NewWebSocket creates a WebSocket transport. Connect must be called
// before Subscribe/Publish/Yield.
func NewWebSocket(cfg WSConfig) *WebSocket {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocket{cfg: cfg, logger: logger, handlers: make(map[string]InboundHandler)}
}

// Connect dials the broker. basic auth, when configured, is sent as an
// Authorization header on the dial request.
func (w *WebSocket) Connect(ctx context.Context) error {
	dialCtx := ctx
	var cancel context.CancelFunc
	if w.cfg.DialTimeout > 0 {
		dialCtx, cancel = context.WithTimeout(ctx, w.cfg.DialTimeout)
		defer cancel()
	}

	opts := &websocket.DialOptions{}
	if w.cfg.User != "" || w.cfg.Password != "" {
		hdr := http.Header{}
		hdr.Set("Authorization", basicAuth(w.cfg.User, w.cfg.Password))
		opts.HTTPHeader = hdr
	}

	conn, _, err := websocket.Dial(dialCtx, w.cfg.URL, opts)
	if err != nil {
		return fmt.Errorf("transport: dial %s: %w", w.cfg.URL, err)
	}

	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()
	return nil
}

func basicAuth(user, pass string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
}

// Subscribe registers handler for topic and sends a subscribe frame.
func (w *WebSocket) Subscribe(ctx context.Context, topic string, qos QoS, handler InboundHandler) error {
	w.mu.Lock()
	w.handlers[topic] = handler
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("transport: not connected")
	}
	return wsjson.Write(ctx, conn, frame{Op: "subscribe", Topic: topic, QoS: int(qos)})
}

// Unsubscribe removes the handler for topic and sends an unsubscribe frame.
func (w *WebSocket) Unsubscribe(ctx context.Context, topic string) error {
	w.mu.Lock()
	delete(w.handlers, topic)
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("transport: not connected")
	}
	return wsjson.Write(ctx, conn, frame{Op: "unsubscribe", Topic: topic})
}

// Publish sends payload to topic as a publish frame.
func (w *WebSocket) Publish(ctx context.Context, topic string, qos QoS, payload []byte) error {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("transport: not connected")
	}
	f := frame{
		Op:      "publish",
		Topic:   topic,
		QoS:     int(qos),
		Payload: base64.StdEncoding.EncodeToString(payload),
	}
	if err := wsjson.Write(ctx, conn, f); err != nil {
		return fmt.Errorf("transport: publish %s: %w", topic, err)
	}
	return nil
}

// Yield reads and dispatches one inbound frame if available, blocking
// until ctx is done or a frame arrives. Callers typically wrap ctx in a
// short per-tick deadline so Yield never blocks the caller's main loop
// indefinitely.
func (w *WebSocket) Yield(ctx context.Context) error {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("transport: not connected")
	}

	var f frame
	if err := wsjson.Read(ctx, conn, &f); err != nil {
		if ctx.Err() != nil {
			return nil // deadline tick, not a real failure
		}
		return fmt.Errorf("transport: read: %w", err)
	}
	if f.Op != "message" {
		return nil
	}

	w.mu.Lock()
	handler := w.handlers[f.Topic]
	w.mu.Unlock()
	if handler == nil {
		w.logger.Warn("transport: unexpected topic", "topic", f.Topic)
		return nil
	}

	payload, err := base64.StdEncoding.DecodeString(f.Payload)
	if err != nil {
		return fmt.Errorf("transport: decode payload for %s: %w", f.Topic, err)
	}
	handler(f.Topic, payload)
	return nil
}

// Disconnect closes the connection with a normal closure code.
func (w *WebSocket) Disconnect(ctx context.Context) error {
	w.mu.Lock()
	conn := w.conn
	w.conn = nil
	w.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close(websocket.StatusNormalClosure, "disconnect")
}
