package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zhouzirui/convo-bridge/internal/analysis/grammar"
	"github.com/zhouzirui/convo-bridge/internal/config"
	"github.com/zhouzirui/convo-bridge/internal/handler"
	chathandler "github.com/zhouzirui/convo-bridge/internal/handler/chat"
	"github.com/zhouzirui/convo-bridge/internal/logging"
	"github.com/zhouzirui/convo-bridge/internal/service/ai"
	"github.com/zhouzirui/convo-bridge/internal/service/bridge"
	chatservice "github.com/zhouzirui/convo-bridge/internal/service/chat"
	"github.com/zhouzirui/convo-bridge/internal/service/dispatch"
	"github.com/zhouzirui/convo-bridge/internal/service/engine"
	"github.com/zhouzirui/convo-bridge/internal/service/telegram"
)

func newRootCmd() *cobra.Command {
	var (
		configPath string
		verbose    bool
	)

	rootCmd := &cobra.Command{
		Use:          "bridge",
		Short:        "Relay chat conversations to the conversation engine",
		Long:         "bridge forwards chat text to the conversation_engine action server as goals, relays feedback and results back to the chat and asks the user when the engine needs clarification.",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configPath, verbose)
		},
	}

	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "TOML config file (default ./bridge.toml when present)")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log at debug level")
	return rootCmd
}

func run(ctx context.Context, configPath string, verbose bool) error {
	envErr := godotenv.Load()

	cfg, err := config.Load(configPath)
	if errors.Is(err, config.ErrMissingToken) {
		logger, logErr := logging.New(config.LogConfig{}, verbose)
		if logErr != nil {
			return logErr
		}
		defer func() { _ = logger.Sync() }()
		logger.Error("not starting", zap.Error(err))
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := logging.New(cfg.Log, verbose)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	undo := zap.ReplaceGlobals(logger)
	defer undo()

	if envErr != nil && !errors.Is(envErr, os.ErrNotExist) {
		logger.Warn("failed to load .env file, continuing with process environment", zap.Error(envErr))
	}

	chatSvc := chatservice.NewService(cfg.Chat.TranscriptLimit)

	engineClient := engine.NewClient(engine.Options{
		URL:            cfg.Engine.URL,
		Action:         cfg.Engine.Action,
		ConnectTimeout: cfg.Engine.ConnectTimeout,
		MaxRetries:     cfg.Engine.MaxRetries,
		ReconnectDelay: cfg.Engine.ReconnectDelay,
	}, logger)

	parser := newSentenceParser(ctx, cfg.AI, logger)
	dispatcher := dispatch.New(cfg.Chat.QueueSize, logger)

	var (
		sender  bridge.Sender
		submit  chathandler.Submitter
		gateway *telegram.Gateway
	)
	switch cfg.Chat.Gateway {
	case config.GatewayTelegram:
		gateway, err = telegram.New(cfg.Chat.Token, logger)
		if err != nil {
			return err
		}
		sender = gateway
	case config.GatewayWebSocket:
		sender = chatSvc
		submit = dispatcher
	default:
		return fmt.Errorf("unsupported chat gateway %q", cfg.Chat.Gateway)
	}

	b := bridge.New(bridge.Config{
		RobotName:   cfg.Robot.Name,
		WaitTimeout: cfg.Engine.WaitTimeout,
	}, sender, engineClient, parser, logger)
	b.SetTranscript(chatSvc)
	engineClient.SetClarifier(b)

	dispatcher.AddCommand("start", b.OnStart)
	dispatcher.AddCommand("stop", b.OnStop)
	dispatcher.AddCommand("help", b.OnHelp)
	dispatcher.SetTextHandler(b.OnTextMessage)
	dispatcher.SetErrorHandler(b.OnError)

	router := handler.NewRouter(handler.Deps{
		Token:     cfg.Chat.Token,
		RobotName: cfg.Robot.Name,
		Chat:      chatSvc,
		Submit:    submit,
		Bridge:    b,
		Engine:    engineClient,
		Logger:    logger,
	})
	srv := newServer(cfg.Server.Addr, router)

	logger.Info("bridge starting",
		zap.String("robot", cfg.Robot.Name),
		zap.String("gateway", cfg.Chat.Gateway),
		zap.String("engine", cfg.Engine.URL))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return engineClient.Run(gctx) })
	g.Go(func() error { return dispatcher.Run(gctx) })
	g.Go(func() error { return runServer(gctx, srv, logger) })
	if gateway != nil {
		g.Go(func() error { return gateway.Run(gctx, dispatcher.Submit) })
	}

	err = g.Wait()
	logger.Info("bridge stopped", zap.Error(err))
	return err
}

func newSentenceParser(ctx context.Context, cfg config.AIConfig, logger *zap.Logger) bridge.SentenceParser {
	grammarParser := grammar.NewParser()
	if !cfg.ParserEnabled {
		return grammarParser
	}
	if !cfg.Enabled() {
		logger.Warn("AI parser enabled but Ark credentials are missing, using grammar parser only")
		return grammarParser
	}

	model, err := ai.NewSemanticParser(ctx, cfg, logger)
	if err != nil {
		logger.Warn("failed to initialize AI parser, using grammar parser only", zap.Error(err))
		return grammarParser
	}
	logger.Info("AI parser fallback enabled", zap.String("model", cfg.Model))
	return ai.NewFallbackParser(grammarParser, model, logger)
}
