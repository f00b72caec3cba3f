package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/darkpool-network/control-plane/internal/config"
	"github.com/darkpool-network/control-plane/internal/gateway"
	"github.com/darkpool-network/control-plane/internal/logging"
)

func main() {
	log := logging.NewFromEnv("gateway")
	ctx := context.Background()

	cfg, err := config.LoadGatewayConfig()
	if err != nil {
		log.Fatal(ctx, "load config", err)
	}

	svc, err := gateway.NewService(ctx, cfg, log)
	if err != nil {
		log.Fatal(ctx, "create gateway service", err)
	}
	defer svc.Close()

	if migrationsDir := os.Getenv("GATEWAY_MIGRATIONS_DIR"); migrationsDir != "" {
		if err := svc.MigrateFrom(filepath.Clean(migrationsDir)); err != nil {
			log.Fatal(ctx, "run migrations", err)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- svc.Run(runCtx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info(ctx, "shutting down", map[string]interface{}{"signal": sig.String()})
		cancel()
		<-errCh
	case err := <-errCh:
		if err != nil {
			log.Error(ctx, "gateway service exited", err, nil)
			os.Exit(1)
		}
	}
}
