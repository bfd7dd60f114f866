package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zhouzirui/convo-bridge/internal/model/chat"
)

const (
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
)

type inboundMessage struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

// TextMessage 文本消息
type TextMessage struct {
	Text string `json:"text"`
}

type outgoingMessage struct {
	Type      string `json:"type"`
	ChatID    string `json:"chatId,omitempty"`
	Data      any    `json:"data,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// wsConn serializes writes from the delivery loop and the read loop.
type wsConn struct {
	conn   *websocket.Conn
	chatID string
	mu     sync.Mutex
}

func (c *wsConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteJSON(v)
}

// handleWebSocket 处理WebSocket连接
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	if chatID == "" {
		http.Error(w, "chatID is required", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	c := &wsConn{conn: conn, chatID: chatID}
	h.logger.Info("new websocket connection", zap.String("chat_id", chatID))

	ctx, cancel := context.WithCancel(r.Context())

	messages, unsubscribe := h.chatSvc.Subscribe(chatID)
	defer unsubscribe()

	var wg sync.WaitGroup
	defer wg.Wait()
	defer cancel()

	wg.Add(2)
	go func() {
		defer wg.Done()
		h.deliverLoop(ctx, c, messages)
	}()
	go func() {
		defer wg.Done()
		h.pingLoop(ctx, c)
	}()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return
		}
		var msg inboundMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Info("websocket read error", zap.String("chat_id", chatID), zap.Error(err))
			}
			return
		}
		h.handleMessage(ctx, c, &msg)
	}
}

func (h *Handler) handleMessage(ctx context.Context, c *wsConn, msg *inboundMessage) {
	switch msg.Type {
	case "text":
		var payload TextMessage
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			h.sendError(c, "invalid text payload")
			return
		}
		text := strings.TrimSpace(payload.Text)
		if text == "" {
			h.sendError(c, "text is required")
			return
		}
		update := chat.Update{ChatID: c.chatID, Text: text, Source: SourceWebSocket}
		if err := h.submit.Submit(ctx, update); err != nil {
			h.logger.Warn("submit failed", zap.String("chat_id", c.chatID), zap.Error(err))
			h.sendError(c, "message not accepted")
		}
	default:
		h.sendError(c, "unsupported message type: "+msg.Type)
	}
}

// deliverLoop 将机器人消息推送给客户端
func (h *Handler) deliverLoop(ctx context.Context, c *wsConn, messages <-chan chat.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			out := outgoingMessage{
				Type:      "message",
				ChatID:    c.chatID,
				Data:      map[string]string{"id": msg.ID, "text": msg.Content},
				Timestamp: msg.CreatedAt.UnixMilli(),
			}
			if err := c.writeJSON(out); err != nil {
				h.logger.Debug("websocket write failed", zap.String("chat_id", c.chatID), zap.Error(err))
				return
			}
		}
	}
}

func (h *Handler) sendError(c *wsConn, message string) {
	msg := outgoingMessage{
		Type:      "error",
		Data:      map[string]string{"message": message},
		Timestamp: time.Now().UnixMilli(),
	}
	if err := c.writeJSON(msg); err != nil {
		h.logger.Debug("write error frame failed", zap.Error(err))
	}
}

// pingLoop 定期发送ping消息
func (h *Handler) pingLoop(ctx context.Context, c *wsConn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}
