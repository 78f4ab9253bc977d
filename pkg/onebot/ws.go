package onebot

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nasbot/nasbot/pkg/config"
	"github.com/nasbot/nasbot/pkg/logger"
)

// WSTransport keeps a reverse WebSocket open to the gateway as an
// alternative to the HTTP webhook. Incoming event frames are handed to
// the configured handler; outgoing replies travel as API frames on the
// same connection.
type WSTransport struct {
	config  config.NapCatConfig
	handler func([]byte)
	conn    *websocket.Conn
	ctx     context.Context
	cancel  context.CancelFunc

	dedup     map[string]struct{}
	dedupRing []string
	dedupIdx  int

	mu          sync.Mutex
	writeMu     sync.Mutex
	echoCounter int64
}

const wsDedupSize = 1024

func NewWSTransport(cfg config.NapCatConfig, handler func([]byte)) *WSTransport {
	return &WSTransport{
		config:    cfg,
		handler:   handler,
		dedup:     make(map[string]struct{}, wsDedupSize),
		dedupRing: make([]string, wsDedupSize),
	}
}

func (t *WSTransport) Start(ctx context.Context) error {
	if t.config.WSUrl == "" {
		return fmt.Errorf("ws_url not configured")
	}

	logger.InfoCF("onebot", "Starting WebSocket transport", map[string]interface{}{
		"ws_url": t.config.WSUrl,
	})

	t.ctx, t.cancel = context.WithCancel(ctx)

	if err := t.connect(); err != nil {
		logger.WarnCF("onebot", "Initial connection failed, will retry in background", map[string]interface{}{
			"error": err.Error(),
		})
	} else {
		go t.listen()
	}

	if t.config.ReconnectInterval > 0 {
		go t.reconnectLoop()
	} else if t.conn == nil {
		return fmt.Errorf("failed to connect to gateway and reconnect is disabled")
	}

	return nil
}

func (t *WSTransport) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	t.mu.Lock()
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
	t.mu.Unlock()
}

func (t *WSTransport) connect() error {
	dialer := websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second

	header := make(map[string][]string)
	if t.config.Token != "" {
		header["Authorization"] = []string{"Bearer " + t.config.Token}
	}

	conn, _, err := dialer.Dial(t.config.WSUrl, header)
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()

	logger.InfoC("onebot", "WebSocket connected")
	return nil
}

func (t *WSTransport) reconnectLoop() {
	interval := time.Duration(t.config.ReconnectInterval) * time.Second
	if interval < 5*time.Second {
		interval = 5 * time.Second
	}

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-time.After(interval):
			t.mu.Lock()
			conn := t.conn
			t.mu.Unlock()

			if conn == nil {
				logger.InfoC("onebot", "Attempting to reconnect...")
				if err := t.connect(); err != nil {
					logger.ErrorCF("onebot", "Reconnect failed", map[string]interface{}{
						"error": err.Error(),
					})
				} else {
					go t.listen()
				}
			}
		}
	}
}

func (t *WSTransport) listen() {
	for {
		select {
		case <-t.ctx.Done():
			return
		default:
			t.mu.Lock()
			conn := t.conn
			t.mu.Unlock()

			if conn == nil {
				logger.WarnC("onebot", "WebSocket connection is nil, listener exiting")
				return
			}

			_, message, err := conn.ReadMessage()
			if err != nil {
				logger.ErrorCF("onebot", "WebSocket read error", map[string]interface{}{
					"error": err.Error(),
				})
				t.mu.Lock()
				if t.conn != nil {
					t.conn.Close()
					t.conn = nil
				}
				t.mu.Unlock()
				return
			}

			var probe struct {
				Echo      string          `json:"echo"`
				MessageID json.RawMessage `json:"message_id"`
			}
			if err := json.Unmarshal(message, &probe); err != nil {
				logger.WarnCF("onebot", "Unparseable frame, passing to handler", map[string]interface{}{
					"length": len(message),
				})
			}

			// API responses carry an echo; the send path is fire-and-forget
			// so they are only logged.
			if probe.Echo != "" {
				logger.DebugCF("onebot", "Received API response", map[string]interface{}{
					"echo": probe.Echo,
				})
				continue
			}

			if id := parseJSONString(probe.MessageID); id != "" && t.seen(id) {
				logger.DebugCF("onebot", "Duplicate event skipped", map[string]interface{}{
					"message_id": id,
				})
				continue
			}

			if t.handler != nil {
				frame := make([]byte, len(message))
				copy(frame, message)
				go t.handler(frame)
			}
		}
	}
}

// seen records id in a fixed-size ring and reports whether it was
// already present.
func (t *WSTransport) seen(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.dedup[id]; ok {
		return true
	}
	if old := t.dedupRing[t.dedupIdx]; old != "" {
		delete(t.dedup, old)
	}
	t.dedupRing[t.dedupIdx] = id
	t.dedup[id] = struct{}{}
	t.dedupIdx = (t.dedupIdx + 1) % wsDedupSize
	return false
}

type wsAPIRequest struct {
	Action string      `json:"action"`
	Params interface{} `json:"params"`
	Echo   string      `json:"echo,omitempty"`
}

func (t *WSTransport) send(action string, params interface{}) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("WebSocket not connected")
	}

	t.writeMu.Lock()
	t.echoCounter++
	echo := fmt.Sprintf("send_%d", t.echoCounter)
	t.writeMu.Unlock()

	data, err := json.Marshal(wsAPIRequest{Action: action, Params: params, Echo: echo})
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", action, err)
	}

	t.writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, data)
	t.writeMu.Unlock()
	if err != nil {
		logger.ErrorCF("onebot", "Failed to send message", map[string]interface{}{
			"action": action,
			"error":  err.Error(),
		})
	}
	return err
}

func (t *WSTransport) SendPrivateMsg(ctx context.Context, userID int64, message string) error {
	return t.send("send_private_msg", map[string]interface{}{
		"user_id": userID,
		"message": message,
	})
}

func (t *WSTransport) SendGroupMsg(ctx context.Context, groupID int64, message string) error {
	return t.send("send_group_msg", map[string]interface{}{
		"group_id": groupID,
		"message":  message,
	})
}
