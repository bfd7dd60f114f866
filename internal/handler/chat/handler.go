package chat

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zhouzirui/convo-bridge/internal/model/chat"
	chatservice "github.com/zhouzirui/convo-bridge/internal/service/chat"
	"github.com/zhouzirui/convo-bridge/pkg/utils"
)

const (
	// SourceWebSocket 标记通过 websocket 到达的消息
	SourceWebSocket = "websocket"
	// SourceHTTP 标记通过 REST 接口到达的消息
	SourceHTTP = "http"

	heartbeatInterval = 15 * time.Second
)

// Submitter 接收入站消息，通常是 dispatch.Dispatcher
type Submitter interface {
	Submit(ctx context.Context, update chat.Update) error
}

// Handler 聊天网关的HTTP处理器
type Handler struct {
	chatSvc  *chatservice.Service
	submit   Submitter
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// New 创建聊天处理器
func New(chatSvc *chatservice.Service, submit Submitter, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		chatSvc: chatSvc,
		submit:  submit,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger: logger.Named("chat"),
	}
}

// RegisterRoutes 注册聊天相关的路由。submit 为 nil 时只注册只读路由。
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/sessions", h.handleListSessions)
	r.Get("/{chatID}/transcript", h.handleTranscript)
	if h.submit == nil {
		return
	}
	r.Get("/ws/{chatID}", h.handleWebSocket)
	r.Post("/{chatID}/messages", h.handlePostMessage)
	r.Get("/{chatID}/events", h.handleEvents)
}

// handleListSessions 列出会话
func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"sessions": h.chatSvc.ListSessions(r.Context()),
	})
}

// handlePostMessage 提交一条用户消息
func (h *Handler) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")

	var payload struct {
		Text string `json:"text"`
	}
	if err := utils.DecodeJSON(w, r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	text := strings.TrimSpace(payload.Text)
	if text == "" {
		utils.RespondError(w, http.StatusBadRequest, "text is required")
		return
	}

	update := chat.Update{ChatID: chatID, Text: text, Source: SourceHTTP}
	if err := h.submit.Submit(r.Context(), update); err != nil {
		h.logger.Warn("submit failed", zap.String("chat_id", chatID), zap.Error(err))
		utils.RespondError(w, http.StatusServiceUnavailable, "message not accepted")
		return
	}

	utils.RespondJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

// handleTranscript 返回聊天记录
func (h *Handler) handleTranscript(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")

	messages, err := h.chatSvc.LoadTranscript(r.Context(), chatID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, chatservice.ErrSessionNotFound) {
			status = http.StatusNotFound
		}
		utils.RespondError(w, status, err.Error())
		return
	}

	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"chatId":   chatID,
		"messages": messages,
	})
}

// handleEvents 以SSE推送机器人消息
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")

	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	messages, cancel := h.chatSvc.Subscribe(chatID)
	defer cancel()

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)

	ctx := r.Context()
	h.logger.Info("opening event stream", zap.String("chat_id", chatID))
	if err := utils.SendSSEEvent(w, flusher, "status", map[string]string{"message": "stream established"}); err != nil {
		return
	}

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("closing event stream", zap.String("chat_id", chatID))
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			if err := utils.SendSSEEvent(w, flusher, "message", msg); err != nil {
				h.logger.Debug("event stream write failed", zap.String("chat_id", chatID), zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := utils.SendSSEComment(w, flusher, "heartbeat"); err != nil {
				return
			}
		}
	}
}
