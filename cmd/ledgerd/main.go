// Command ledgerd runs the ledger engine with its expiry sweeper and the
// operations HTTP endpoints.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ledger-engine/pkg/api"
	"ledger-engine/pkg/config"
	"ledger-engine/pkg/engine"
	"ledger-engine/pkg/logging"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func main() {
	flags := pflag.NewFlagSet("ledgerd", pflag.ExitOnError)
	envDir := flags.String("env-dir", ".", "directory holding an optional .env file")
	flags.String("store", "", "ledger store backend (postgres or memory), overrides LEDGER_STORE")
	flags.String("admin-addr", "", "operations HTTP address, overrides LEDGER_ADMIN_ADDR")
	flags.Parse(os.Args[1:])

	// Flags win over the environment only when given.
	_ = viper.BindPFlag("LEDGER_STORE", flags.Lookup("store"))
	_ = viper.BindPFlag("LEDGER_ADMIN_ADDR", flags.Lookup("admin-addr"))

	cfg, err := config.LoadConfig(*envDir)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := logging.NewLogger(cfg.Logging())
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	logging.SetGlobal(logger)

	startCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	eng, err := engine.Open(startCtx, cfg, engine.WithLogger(logger.Named("engine")))
	cancel()
	if err != nil {
		logger.Fatal("Failed to open ledger engine", zap.Error(err))
	}

	if err := eng.Start(); err != nil {
		logger.Fatal("Failed to start sweeper", zap.Error(err))
	}

	apiConfig := api.DefaultServerConfig()
	apiConfig.Address = cfg.AdminAddr
	apiConfig.Gatherer = eng.Gatherer()
	server := api.NewServer(eng, eng, apiConfig, logger.Named("api"))
	server.Start()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	logger.Info("Shutting down", zap.String("signal", sig.String()))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Stop(ctx); err != nil {
		logger.Error("Admin API shutdown error", zap.Error(err))
	}
	if err := eng.Close(ctx); err != nil {
		logger.Error("Engine shutdown error", zap.Error(err))
	}

	logger.Info("Stopped")
}
