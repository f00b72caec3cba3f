package gateway

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"github.com/darkpool-network/control-plane/internal/config"
	"github.com/darkpool-network/control-plane/internal/logging"
	"github.com/darkpool-network/control-plane/internal/metrics"
	"github.com/darkpool-network/control-plane/internal/middleware"
)

// Service wires the authorizer, buckets, bundle/quote caches, sponsorship
// engine, routing, pipeline and HTTP surfaces into a single gateway
// process, plus a standing settlement watcher goroutine.
type Service struct {
	cfg *config.GatewayConfig
	log *logging.Logger

	store    *Store
	keyCache *KeyCache

	authorizer  *Authorizer
	buckets     *BucketManager
	bundles     *BundleStore
	quotes      *QuoteCache
	router      *Router
	sponsorship *SponsorshipEngine
	pipeline    *Pipeline

	adminAuth *AdminAuth

	handlers      *Handlers
	adminHandlers *AdminHandlers

	chain     *ethclient.Client
	watcher   *SettlementWatcher
	httpSrv   *http.Server
}

func NewService(ctx context.Context, cfg *config.GatewayConfig, log *logging.Logger) (*Service, error) {
	store, err := NewStore(cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}

	masterKey, err := decodeHexKey(cfg.MasterKeyHex)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("decode master key: %w", err)
	}
	keyCache := NewKeyCache(store, masterKey, cfg.KeyCacheTTL)
	authorizer := NewAuthorizer(keyCache, log)

	buckets := NewBucketManager(
		float64(cfg.QuoteRateBurst), float64(cfg.QuoteRatePerSecond),
		float64(cfg.BundleRateBurst), float64(cfg.BundleRatePerMinute),
		float64(cfg.GasSponsorRateBurst), float64(cfg.GasSponsorRatePerMinute),
	)

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err := rdb.Ping(ctx).Err(); err != nil {
		store.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	bundles, err := NewBundleStore(rdb, cfg.BundleLRUSize, cfg.BundleTTL, log)
	if err != nil {
		store.Close()
		rdb.Close()
		return nil, err
	}

	quotes := NewQuoteCache(cfg.QuoteCacheTTL)
	router := NewRouter(store, cfg.GlobalMatchingPool)

	var sponsorship *SponsorshipEngine
	var chainClient *ethclient.Client
	if cfg.SponsorSignerKeyHex != "" {
		signerKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.SponsorSignerKeyHex, "0x"))
		if err != nil {
			store.Close()
			rdb.Close()
			return nil, fmt.Errorf("parse sponsor signer key: %w", err)
		}

		chainClient, err = ethclient.DialContext(ctx, cfg.ChainRPCURL)
		if err != nil {
			store.Close()
			rdb.Close()
			return nil, fmt.Errorf("dial chain rpc: %w", err)
		}

		sponsorship = NewSponsorshipEngine(signerKey, common.HexToAddress(cfg.SponsorContractAddr),
			decimal.NewFromInt(cfg.MinSponsorQuoteAmountUSD), chainClient, cfg.GasSponsorGasUnitsEstimate, cfg.GasSponsorConversionRateBps)
	}

	pipeline := &Pipeline{
		Authorizer:     authorizer,
		Buckets:        buckets,
		Router:         router,
		Sponsorship:    sponsorship,
		BundleStore:    bundles,
		QuoteCache:     quotes,
		RelayerBaseURL: cfg.RelayerBaseURL,
		HTTPClient:     &http.Client{Timeout: 30 * time.Second},
		Log:            log,
		Metrics:        metrics.New("gateway"),
	}

	adminAuth := NewAdminAuth([]byte(cfg.AdminJWTSecret), cfg.AdminSessionTTL)

	var watcher *SettlementWatcher
	if chainClient != nil && cfg.SponsorContractAddr != "" {
		watcher = NewSettlementWatcher(chainClient, common.HexToAddress(cfg.SponsorContractAddr), bundles, cfg.SettlementPollInterval, log)
	}

	return &Service{
		cfg: cfg, log: log,
		store: store, keyCache: keyCache,
		authorizer: authorizer, buckets: buckets, bundles: bundles, quotes: quotes,
		router: router, sponsorship: sponsorship, pipeline: pipeline,
		adminAuth:     adminAuth,
		handlers:      NewHandlers(pipeline),
		adminHandlers: NewAdminHandlers(store, keyCache, masterKey, adminAuth, log),
		chain:         chainClient,
		watcher:       watcher,
	}, nil
}

// decodeHexKey accepts an optional "0x" prefix around a 32-byte hex key.
func decodeHexKey(s string) ([]byte, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return nil, err
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("master key must decode to 32 bytes, got %d", len(b))
	}
	return b, nil
}

func (s *Service) MigrateFrom(dir string) error {
	return s.store.Migrate(dir)
}

func (s *Service) Close() error {
	if s.chain != nil {
		s.chain.Close()
	}
	if err := s.bundles.Close(); err != nil && s.log != nil {
		s.log.WithError(err).Warn("failed to close bundle store")
	}
	return s.store.Close()
}

func (s *Service) buildRouter() *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.LoggingMiddleware(s.log))
	r.Use(middleware.NewRecoveryMiddleware(s.log).Handler)
	r.Use(middleware.MetricsMiddleware("gateway", s.pipeline.Metrics))
	r.Use(middleware.NewBodyLimitMiddleware(s.cfg.MaxRequestBodyBytes).Handler)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	if s.cfg.SharedSecret != "" {
		r.Use(middleware.HeaderGateMiddleware(s.cfg.SharedSecret))
	}

	trading := r.NewRoute().Subrouter()
	trading.Use(s.authorizer.Middleware)
	s.handlers.Register(trading)

	s.adminHandlers.Register(r)

	return r
}

// Run starts the HTTP server and, when gas sponsorship is configured, the
// settlement watcher. It blocks until ctx is canceled.
func (s *Service) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	s.httpSrv = &http.Server{Addr: s.cfg.ListenAddr, Handler: s.buildRouter()}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	if s.watcher != nil {
		head, err := s.chain.BlockNumber(ctx)
		if err != nil {
			s.log.WithError(err).Warn("settlement watcher: initial block number fetch failed, starting from 0")
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.watcher.Run(ctx, head); err != nil && ctx.Err() == nil {
				errCh <- err
			}
		}()
	}

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = s.httpSrv.Shutdown(shutdownCtx)

	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			return err
		}
	}
	return nil
}
