package main

import (
	"context"
	"log"

	"go.uber.org/zap"

	"vmscaled/internal/config"
	"vmscaled/internal/supervisor"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := supervisor.BuildLogger(cfg)
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer logger.Sync()

	sup, err := supervisor.New(cfg, logger)
	if err != nil {
		logger.Error("supervisor initialization failed", zap.Error(err))
		return
	}
	if err := sup.Run(context.Background()); err != nil {
		logger.Error("supervisor runtime failed", zap.Error(err))
	}
}
