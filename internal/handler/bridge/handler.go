// Package bridge exposes the bridge state over HTTP.
package bridge

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	bridgeservice "github.com/zhouzirui/convo-bridge/internal/service/bridge"
	"github.com/zhouzirui/convo-bridge/pkg/utils"
)

// StatusSource reports the conversation state.
type StatusSource interface {
	Snapshot() bridgeservice.Status
}

// EngineState reports the engine connection.
type EngineState interface {
	Ready() bool
	PendingGoals() int
}

// Handler serves the bridge status.
type Handler struct {
	robotName string
	bridge    StatusSource
	engine    EngineState
}

// New 创建状态处理器
func New(robotName string, bridge StatusSource, engine EngineState) *Handler {
	return &Handler{robotName: robotName, bridge: bridge, engine: engine}
}

// RegisterRoutes 注册状态路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/status", h.handleStatus)
}

type engineStatus struct {
	Ready        bool `json:"ready"`
	PendingGoals int  `json:"pendingGoals"`
}

func (h *Handler) handleStatus(w http.ResponseWriter, _ *http.Request) {
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"robot":  h.robotName,
		"bridge": h.bridge.Snapshot(),
		"engine": engineStatus{
			Ready:        h.engine.Ready(),
			PendingGoals: h.engine.PendingGoals(),
		},
	})
}
