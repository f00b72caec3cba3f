package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/darkpool-network/control-plane/internal/config"
	"github.com/darkpool-network/control-plane/internal/logging"
	"github.com/darkpool-network/control-plane/internal/metrics"
	"github.com/darkpool-network/control-plane/internal/pricereporter"
)

// defaultPairs is the minimal cross-exchange coverage wired for the demo
// deployment; production deployments are expected to override this via a
// richer registry source once one exists.
var defaultPairs = []string{"BTC-USD", "ETH-USD", "SOL-USD"}

func main() {
	log := logging.NewFromEnv("pricereporter")
	ctx := context.Background()

	cfg, err := config.LoadPriceReporterConfig()
	if err != nil {
		log.Fatal(ctx, "load config", err)
	}

	m := metrics.New("pricereporter")
	registry := buildRegistry(cfg)
	cache := pricereporter.NewStreamCache(registry, log, m)
	hub := pricereporter.NewHub(cache, log)

	mux := http.NewServeMux()
	mux.Handle("/ws", hub)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	server := &http.Server{Addr: cfg.ListenAddr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Info(ctx, "shutting down", nil)
		shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			log.Fatal(ctx, "server exited", err)
		}
	}
}

func buildRegistry(cfg *config.PriceReporterConfig) pricereporter.ExchangeResolver {
	var endpoints []pricereporter.ExchangeEndpoint
	for _, exchange := range cfg.Exchanges {
		for _, pairName := range defaultPairs {
			pair, err := pricereporter.ParsePairInfo(fmt.Sprintf("%s-%s", exchange, pairName))
			if err != nil {
				continue
			}
			connCfg := pricereporter.DefaultConnectorConfig()
			connCfg.WSURL = fmt.Sprintf("wss://%s.example/ws/%s", exchange, pairName)
			connCfg.RESTSnapshotURL = fmt.Sprintf("https://%s.example/api/book/%s", exchange, pairName)
			connCfg.KeepaliveInterval = cfg.KeepaliveInterval
			endpoints = append(endpoints, pricereporter.ExchangeEndpoint{Pair: pair, Config: connCfg})
		}
	}
	return pricereporter.NewStaticRegistry(endpoints, "USD")
}
