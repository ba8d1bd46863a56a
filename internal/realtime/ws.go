// ABOUTME: WebSocket endpoint streaming new-message events to operator clients
// ABOUTME: Clients may also send {"type":"sendMessage"} frames which go through outbound dispatch

package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/wabridge/internal/bridge"
	"github.com/2389/wabridge/internal/conversation"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 64
)

// Client frame types.
const (
	FrameSendMessage       = "sendMessage"
	FrameSendMessageResult = "sendMessageResult"
	FrameError             = "error"
)

// Dispatcher sends operator-originated messages.
type Dispatcher interface {
	Dispatch(ctx context.Context, req bridge.DispatchRequest) (*bridge.Outcome, error)
}

// WSHandler upgrades requests to WebSocket connections.
type WSHandler struct {
	broadcaster *conversation.EventBroadcaster
	dispatcher  Dispatcher
	upgrader    websocket.Upgrader
	logger      *slog.Logger
}

// NewWSHandler creates a handler. dispatcher may be nil, in which case
// sendMessage frames are answered with an error. An empty origins list
// accepts any origin.
func NewWSHandler(b *conversation.EventBroadcaster, d Dispatcher, origins []string, logger *slog.Logger) *WSHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSHandler{
		broadcaster: b,
		dispatcher:  d,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(origins),
		},
		logger: logger.With("component", "ws"),
	}
}

func originChecker(origins []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(origins) == 0 || slices.Contains(origins, "*") {
			return true
		}
		return slices.Contains(origins, origin)
	}
}

type clientFrame struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	To        string `json:"to"`
	RequestID string `json:"request_id,omitempty"`
}

// SendResult answers a sendMessage frame.
type SendResult struct {
	RequestID         string `json:"request_id,omitempty"`
	OK                bool   `json:"ok"`
	ConversationID    string `json:"conversation_id,omitempty"`
	MessageID         string `json:"message_id,omitempty"`
	ProviderMessageID string `json:"provider_message_id,omitempty"`
	Error             string `json:"error,omitempty"`
}

type wsClient struct {
	conn   *websocket.Conn
	send   chan []byte
	logger *slog.Logger
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events, _ := h.broadcaster.Subscribe(ctx, conversation.TopicNewMessage)
	client := &wsClient{
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		logger: h.logger,
	}

	h.logger.Info("websocket client connected", "remote", r.RemoteAddr)
	go client.writePump(ctx, events)
	h.readPump(ctx, client)
	h.logger.Info("websocket client disconnected", "remote", r.RemoteAddr)
}

// readPump owns reads; returning cancels the subscription and write pump.
func (h *WSHandler) readPump(ctx context.Context, c *wsClient) {
	defer c.conn.Close()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.enqueue(Envelope{Type: FrameError, Data: map[string]string{"error": "invalid frame"}})
			continue
		}

		switch frame.Type {
		case FrameSendMessage:
			c.enqueue(Envelope{Type: FrameSendMessageResult, Data: h.dispatch(ctx, frame)})
		default:
			c.enqueue(Envelope{Type: FrameError, Data: map[string]string{"error": "unknown frame type"}})
		}
	}
}

func (h *WSHandler) dispatch(ctx context.Context, frame clientFrame) SendResult {
	res := SendResult{RequestID: frame.RequestID}
	if h.dispatcher == nil {
		res.Error = bridge.ErrNoSender.Error()
		return res
	}

	out, err := h.dispatcher.Dispatch(ctx, bridge.DispatchRequest{Recipient: frame.To, Content: frame.Message})
	if out != nil {
		res.ConversationID = out.ConversationID
		res.MessageID = out.MessageID
		res.ProviderMessageID = out.ProviderMessageID
	}
	if err != nil {
		var shape *bridge.ShapeError
		if !errors.As(err, &shape) {
			h.logger.Warn("websocket dispatch failed", "error", err)
		}
		res.Error = err.Error()
		return res
	}
	res.OK = true
	return res
}

// enqueue drops the frame when the client is not keeping up.
func (c *wsClient) enqueue(env Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		c.logger.Error("encoding websocket frame", "error", err)
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn("websocket send buffer full, dropping frame", "type", env.Type)
	}
}

// writePump is the only writer on the connection.
func (c *wsClient) writePump(ctx context.Context, events <-chan *conversation.NewMessageEvent) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	write := func(msgType int, data []byte) bool {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		return c.conn.WriteMessage(msgType, data) == nil
	}

	for {
		select {
		case <-ctx.Done():
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return

		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(Envelope{Type: conversation.TopicNewMessage, Data: ev})
			if err != nil {
				c.logger.Error("encoding event", "error", err)
				continue
			}
			if !write(websocket.TextMessage, data) {
				return
			}

		case data := <-c.send:
			if !write(websocket.TextMessage, data) {
				return
			}

		case <-ticker.C:
			if !write(websocket.PingMessage, nil) {
				return
			}
		}
	}
}
