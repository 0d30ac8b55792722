package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"rfiassist/internal/app"
	"rfiassist/internal/config"
	"rfiassist/internal/logger"
)

func main() {
	os.Exit(serve())
}

func serve() int {
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		return 1
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		return 1
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.AI.IsEnabled() {
		log.Info("AI config",
			zap.String("extract_model", cfg.AI.ExtractModel),
			zap.String("answer_model", cfg.AI.AnswerModel),
			zap.String("embedding_model", cfg.AI.EmbeddingModel))
	}

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Error("startup failed", zap.Error(err))
		return 1
	}
	defer a.Close(context.Background())

	log.Info("pipeline",
		zap.String("dispatch_mode", cfg.Pipeline.DispatchMode),
		zap.Int("batch_size", cfg.Pipeline.BatchSize),
		zap.Int("concurrency", cfg.Pipeline.Concurrency))

	if err := a.Run(ctx); err != nil {
		log.Error("server stopped", zap.Error(err))
		return 1
	}
	log.Info("server exited")
	return 0
}
