package indexer

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"

	"github.com/darkpool-network/control-plane/internal/config"
	svcerrors "github.com/darkpool-network/control-plane/internal/errors"
	"github.com/darkpool-network/control-plane/internal/logging"
)

// Service wires the chain listener, queue, decoder, and applicator into
// the indexer's backfill-then-live-poll lifecycle, plus a small admin HTTP
// surface for health and cursor inspection.
type Service struct {
	cfg   *config.IndexerConfig
	log   *logging.Logger
	store *Store
	queue *Queue
	chain *ChainClient

	listener   *Listener
	decoder    *Decoder
	applicator *Applicator
}

func NewService(ctx context.Context, cfg *config.IndexerConfig, log *logging.Logger) (*Service, error) {
	store, err := NewStore(cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}

	chain, err := DialChainClient(ctx, cfg.ChainRPCURL)
	if err != nil {
		store.Close()
		return nil, err
	}

	queue := NewQueue(store, cfg.QueueVisibilityTimeout)
	listener := NewListener(chain, common.HexToAddress(cfg.SettlementContractAddr), store, queue,
		cfg.ConfirmationDepth, cfg.BackfillBatchSize, cfg.PollInterval, log)
	decoder := NewDecoder(chain)
	applicator := NewApplicator(store)

	return &Service{
		cfg: cfg, log: log, store: store, queue: queue, chain: chain,
		listener: listener, decoder: decoder, applicator: applicator,
	}, nil
}

// MigrateFrom applies the golang-migrate migrations rooted at dir.
func (s *Service) MigrateFrom(dir string) error {
	return s.store.Migrate(dir)
}

func (s *Service) Close() error {
	s.chain.Close()
	return s.store.Close()
}

// Run starts the listener's backfill-then-poll loop and a fixed pool of
// applicator workers draining the queue, plus the admin HTTP server. It
// blocks until ctx is canceled.
func (s *Service) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	errCh := make(chan error, 2+s.cfg.ApplicatorWorkers)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.listener.Run(ctx); err != nil && ctx.Err() == nil {
			errCh <- err
		}
	}()

	for i := 0; i < s.cfg.ApplicatorWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.runApplicatorWorker(ctx, workerID)
		}(i)
	}

	admin := s.adminServer()
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := admin.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = admin.Shutdown(shutdownCtx)

	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			return err
		}
	}
	return nil
}

// runApplicatorWorker repeatedly polls the queue and applies each group's
// oldest message, deleting on success or releasing on a redeliverable
// error, until ctx is canceled.
func (s *Service) runApplicatorWorker(ctx context.Context, workerID int) {
	ticker := time.NewTicker(s.cfg.QueuePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			groups, err := s.queue.Poll(ctx, 32, 1)
			if err != nil {
				s.log.WithError(err).Warn("queue poll failed")
				continue
			}
			for groupID, msgs := range groups {
				for _, msg := range msgs {
					s.applyOne(ctx, groupID, msg)
				}
			}
		}
	}
}

func (s *Service) applyOne(ctx context.Context, groupID string, msg QueueMessage) {
	transition, err := s.decoder.Decode(ctx, msg)
	if err != nil {
		s.handleApplyError(ctx, groupID, msg, err)
		return
	}
	if err := s.applicator.Apply(ctx, transition); err != nil {
		s.handleApplyError(ctx, groupID, msg, err)
		return
	}
	if err := s.queue.Delete(ctx, msg.DeletionID); err != nil {
		s.log.WithError(err).Warn("failed to delete applied queue message")
	}
}

func (s *Service) handleApplyError(ctx context.Context, groupID string, msg QueueMessage, err error) {
	entry := s.log.WithError(err).WithField("group_id", groupID).WithField("dedup_id", msg.DedupID)
	if svcErr := svcerrors.GetServiceError(err); svcErr != nil && svcErr.Redeliver {
		entry.Warn("transition failed, releasing for redelivery")
		if releaseErr := s.queue.Release(ctx, msg.DeletionID); releaseErr != nil {
			s.log.Error(ctx, "failed to release queue message", releaseErr, nil)
		}
		return
	}
	entry.Error("transition failed permanently, dropping message")
	if delErr := s.queue.Delete(ctx, msg.DeletionID); delErr != nil {
		s.log.WithError(delErr).Warn("failed to delete permanently-failed queue message")
	}
}

func (s *Service) adminServer() *http.Server {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	r.HandleFunc("/cursors/{family}", func(w http.ResponseWriter, r *http.Request) {
		family := mux.Vars(r)["family"]
		block, err := s.store.GetCursor(r.Context(), family)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"event_family":"` + family + `","last_block":` + uitoa(block) + `}`))
	}).Methods(http.MethodGet)

	return &http.Server{Addr: s.cfg.AdminListenAddr, Handler: r}
}

func uitoa(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
