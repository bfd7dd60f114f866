package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	bridgehandler "github.com/zhouzirui/convo-bridge/internal/handler/bridge"
	chathandler "github.com/zhouzirui/convo-bridge/internal/handler/chat"
	middlewarePkg "github.com/zhouzirui/convo-bridge/internal/middleware"
	chatService "github.com/zhouzirui/convo-bridge/internal/service/chat"
	"github.com/zhouzirui/convo-bridge/pkg/utils"
)

// Deps 路由依赖
type Deps struct {
	Token     string
	RobotName string
	Chat      *chatService.Service
	// Submit is nil when chat arrives through another gateway; chat routes are then read-only.
	Submit chathandler.Submitter
	Bridge bridgehandler.StatusSource
	Engine bridgehandler.EngineState
	Logger *zap.Logger
}

// NewRouter wires HTTP routes to core services.
func NewRouter(deps Deps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logger.Named("http")))
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	startedAt := time.Now().UTC()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]any{
			"status":    "ok",
			"startedAt": startedAt,
		})
	})

	chatHandler := chathandler.New(deps.Chat, deps.Submit, logger)
	statusHandler := bridgehandler.New(deps.RobotName, deps.Bridge, deps.Engine)

	r.Route("/api", func(api chi.Router) {
		api.Route("/bridge", statusHandler.RegisterRoutes)

		api.Group(func(protected chi.Router) {
			protected.Use(middlewarePkg.TokenAuth(deps.Token))
			protected.Route("/chat", chatHandler.RegisterRoutes)
		})
	})

	return r
}

// requestLogger logs one line per request once it completes.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Info("request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("elapsed", time.Since(start)),
					zap.String("request_id", middleware.GetReqID(r.Context())))
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
