package main

import (
	"context"

	"bullion-custody-go/internal/api"
	"bullion-custody-go/internal/common"
	"bullion-custody-go/internal/config"

	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		_, _ = zap.NewProduction()
		zap.L().Fatal("Failed to load configuration", zap.Error(err))
	}

	logger, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	zap.L().Info("Starting custody and settlement server",
		zap.String("provider", cfg.Provider.Name),
		zap.String("ledger_backend", cfg.Ledger.Backend))

	services, err := common.InitializeServices(ctx, cfg)
	if err != nil {
		zap.L().Fatal("Failed to initialize services", zap.Error(err))
	}
	defer services.Close()

	if cfg.Server.AdminToken == "" {
		zap.L().Warn("ADMIN_TOKEN is not set; settlement administration endpoints are disabled")
	}

	server := api.NewServer(logger, services.Ingest, services.Quotes, services.Settlements, cfg.Server)
	if err := server.Start(cfg.Server.ListenAddr); err != nil {
		zap.L().Fatal("Server stopped", zap.Error(err))
	}
}
