package handler

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	bridgeservice "github.com/zhouzirui/convo-bridge/internal/service/bridge"
	chatService "github.com/zhouzirui/convo-bridge/internal/service/chat"
)

type idleBridge struct{}

func (idleBridge) Snapshot() bridgeservice.Status { return bridgeservice.Status{} }

type idleEngine struct{}

func (idleEngine) Ready() bool       { return false }
func (idleEngine) PendingGoals() int { return 0 }

func newTestRouter() http.Handler {
	return NewRouter(Deps{
		Token:     "secret",
		RobotName: "amigo",
		Chat:      chatService.NewService(10),
		Bridge:    idleBridge{},
		Engine:    idleEngine{},
	})
}

func TestRouterPublicRoutes(t *testing.T) {
	r := newTestRouter()

	for _, path := range []string{"/healthz", "/api/bridge/status"} {
		resp := httptest.NewRecorder()
		r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, resp.Code, path)
		assert.Equal(t, "application/json", resp.Header().Get("Content-Type"), path)
	}
}

func TestRouterChatRoutesRequireToken(t *testing.T) {
	r := newTestRouter()

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/api/chat/sessions", nil))
	assert.Equal(t, http.StatusUnauthorized, resp.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/chat/sessions", nil)
	req.Header.Set("Authorization", "Bearer secret")
	resp = httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	assert.Equal(t, http.StatusOK, resp.Code)
}

func TestRouterCORSPreflight(t *testing.T) {
	r := newTestRouter()

	req := httptest.NewRequest(http.MethodOptions, "/api/chat/sessions", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	assert.Equal(t, "http://localhost:5173", resp.Header().Get("Access-Control-Allow-Origin"))
}

func TestRouterDoesNotLogQueryToken(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	r := NewRouter(Deps{
		Token:     "secret",
		RobotName: "amigo",
		Chat:      chatService.NewService(10),
		Bridge:    idleBridge{},
		Engine:    idleEngine{},
		Logger:    zap.New(core),
	})

	req := httptest.NewRequest(http.MethodGet, "/api/chat/sessions?token=secret", nil)
	req.Header.Set("Accept", "text/event-stream")
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	assert.Equal(t, http.StatusOK, resp.Code)

	entries := logs.FilterMessage("request").All()
	require.Len(t, entries, 1)
	for _, field := range entries[0].Context {
		assert.NotContains(t, field.String, "secret", field.Key)
	}
}
