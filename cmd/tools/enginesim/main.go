package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zhouzirui/convo-bridge/internal/config"
	"github.com/zhouzirui/convo-bridge/internal/logging"
	"github.com/zhouzirui/convo-bridge/internal/service/engine"
)

func main() {
	addr := flag.String("addr", ":9090", "监听地址")
	action := flag.String("action", "conversation_engine", "动作名称")
	verbose := flag.Bool("v", false, "输出调试日志")
	flag.Parse()

	logger, err := logging.New(config.LogConfig{Development: true}, *verbose)
	if err != nil {
		fmt.Fprintf(os.Stderr, "日志初始化失败: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r := chi.NewRouter()
	r.Handle("/actions/"+*action, engine.NewSimulator(engine.DefaultScenarios(), logger))

	srv := &http.Server{
		Addr:              *addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("engine simulator listening", zap.String("addr", *addr), zap.String("action", *action))
	for _, s := range engine.DefaultScenarios() {
		logger.Info("scenario", zap.String("trigger", s.Trigger), zap.String("question", s.Question))
	}

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server error", zap.Error(err))
	}
}
