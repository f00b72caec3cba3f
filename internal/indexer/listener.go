package indexer

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	svcerrors "github.com/darkpool-network/control-plane/internal/errors"
	"github.com/darkpool-network/control-plane/internal/logging"
)

// chainReader is the subset of *ethclient.Client the listener needs;
// narrowed to an interface so tests can supply a fake.
type chainReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// EventFamily names one of the three independently-cursored log streams
// the listener polls and advances separately.
type EventFamily string

const (
	EventFamilyNullifierSpent       EventFamily = "nullifier_spent"
	EventFamilyRecoveryIDRegistered EventFamily = "recovery_id_registered"
	EventFamilyPublicIntent         EventFamily = "public_intent"
)

// Topic hashes for the three watched events. These are the keccak256 of
// each event's canonical signature, computed once at package init rather
// than per filter call.
var (
	topicNullifierSpent       = eventTopic("NullifierSpent(bytes32,bytes32,uint256)")
	topicRecoveryIDRegistered = eventTopic("RecoveryIdRegistered(bytes32,bytes32,uint256)")
	topicPublicIntentCreate   = eventTopic("PublicIntentCreate(bytes32,bytes32,uint256)")
	topicPublicIntentUpdate   = eventTopic("PublicIntentUpdate(bytes32,bytes32,uint256)")
	topicPublicIntentCancel   = eventTopic("PublicIntentCancel(bytes32,bytes32,uint256)")
)

func eventTopic(signature string) common.Hash {
	return common.BytesToHash(keccak(signature))
}

// Listener watches the settlement contract's logs and turns them into
// queue messages. Reorg policy: it never processes a block less than
// confirmationDepth behind chain head; no speculative state is applied.
type Listener struct {
	chain             chainReader
	contract          common.Address
	store             *Store
	queue             *Queue
	confirmationDepth uint64
	pollInterval      time.Duration
	backfillBatchSize uint64
	log               *logging.Logger
}

func NewListener(chain chainReader, contract common.Address, store *Store, queue *Queue, confirmationDepth, backfillBatchSize uint64, pollInterval time.Duration, log *logging.Logger) *Listener {
	return &Listener{
		chain:             chain,
		contract:          contract,
		store:             store,
		queue:             queue,
		confirmationDepth: confirmationDepth,
		pollInterval:      pollInterval,
		backfillBatchSize: backfillBatchSize,
		log:               log,
	}
}

// Run backfills each event family from its persisted cursor up to
// head-confirmationDepth, then switches to live polling on an interval,
// until ctx is canceled.
func (l *Listener) Run(ctx context.Context) error {
	families := []EventFamily{EventFamilyNullifierSpent, EventFamilyRecoveryIDRegistered, EventFamilyPublicIntent}

	for _, family := range families {
		if err := l.backfill(ctx, family); err != nil {
			return fmt.Errorf("backfill %s: %w", family, err)
		}
	}

	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for _, family := range families {
				if err := l.pollOnce(ctx, family); err != nil {
					if l.log != nil {
						l.log.WithError(err).Warn("listener poll failed, will retry next tick")
					}
				}
			}
		}
	}
}

func (l *Listener) backfill(ctx context.Context, family EventFamily) error {
	for {
		safeHead, cursor, done, err := l.safeRange(ctx, family)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		to := cursor + l.backfillBatchSize
		if to > safeHead {
			to = safeHead
		}
		if err := l.processRange(ctx, family, cursor+1, to); err != nil {
			return err
		}
	}
}

func (l *Listener) pollOnce(ctx context.Context, family EventFamily) error {
	safeHead, cursor, done, err := l.safeRange(ctx, family)
	if err != nil {
		return err
	}
	if done {
		return nil
	}
	return l.processRange(ctx, family, cursor+1, safeHead)
}

// safeRange returns the confirmation-adjusted chain head, the current
// cursor, and whether there is nothing new to process.
func (l *Listener) safeRange(ctx context.Context, family EventFamily) (safeHead, cursor uint64, done bool, err error) {
	head, err := l.chain.BlockNumber(ctx)
	if err != nil {
		return 0, 0, false, svcerrors.ChainRPCError("block_number", err)
	}
	if head < l.confirmationDepth {
		return 0, 0, true, nil
	}
	safeHead = head - l.confirmationDepth

	cursor, err = l.store.GetCursor(ctx, string(family))
	if err != nil {
		return 0, 0, false, svcerrors.DatabaseError("get cursor", err)
	}
	if cursor >= safeHead {
		return 0, 0, true, nil
	}
	return safeHead, cursor, false, nil
}

func (l *Listener) processRange(ctx context.Context, family EventFamily, from, to uint64) error {
	topics := familyTopics(family)
	logs, err := l.chain.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{l.contract},
		Topics:    [][]common.Hash{topics},
	})
	if err != nil {
		return svcerrors.ChainRPCError("filter_logs", err)
	}

	for _, lg := range logs {
		payload, groupID, dedupID, err := decodeLogToPayload(lg)
		if err != nil {
			if l.log != nil {
				l.log.WithError(err).Warn("skipping undecodable log")
			}
			continue
		}
		if err := l.queue.Send(ctx, payload, dedupID, groupID); err != nil {
			return err
		}
	}

	// The cursor advances only after every message in the range has been
	// durably enqueued, so a crash mid-range reprocesses rather than skips.
	return l.store.SetCursor(ctx, string(family), to)
}

func familyTopics(family EventFamily) []common.Hash {
	switch family {
	case EventFamilyNullifierSpent:
		return []common.Hash{topicNullifierSpent}
	case EventFamilyRecoveryIDRegistered:
		return []common.Hash{topicRecoveryIDRegistered}
	case EventFamilyPublicIntent:
		return []common.Hash{topicPublicIntentCreate, topicPublicIntentUpdate, topicPublicIntentCancel}
	default:
		return nil
	}
}

// decodeLogToPayload maps a raw log into its queue payload, group id, and
// dedup id. Each watched event is laid out as (id bytes32, ignored
// bytes32, ignored uint256) indexed topics so the identifier is always
// topics[1].
func decodeLogToPayload(lg types.Log) (ChainEventPayload, string, string, error) {
	if len(lg.Topics) < 2 {
		return ChainEventPayload{}, "", "", fmt.Errorf("log missing identifier topic")
	}
	txHash := lg.TxHash.Hex()
	identifier := lg.Topics[1].Hex()
	block := lg.BlockNumber

	switch lg.Topics[0] {
	case topicNullifierSpent:
		return ChainEventPayload{Kind: KindNullifierSpend, Nullifier: identifier, TxHash: txHash, Block: block},
			identifier, DedupID(KindNullifierSpend, identifier, txHash), nil
	case topicRecoveryIDRegistered:
		return ChainEventPayload{Kind: KindRecoveryID, RecoveryID: identifier, TxHash: txHash, Block: block},
			identifier, DedupID(KindRecoveryID, identifier, txHash), nil
	case topicPublicIntentCreate:
		return ChainEventPayload{Kind: KindPublicIntentCreate, IntentHash: identifier, TxHash: txHash, Block: block},
			identifier, DedupID(KindPublicIntentCreate, identifier, txHash), nil
	case topicPublicIntentUpdate:
		return ChainEventPayload{Kind: KindPublicIntentUpdate, IntentHash: identifier, TxHash: txHash, Block: block},
			identifier, DedupID(KindPublicIntentUpdate, identifier, txHash), nil
	case topicPublicIntentCancel:
		return ChainEventPayload{Kind: KindPublicIntentCancel, IntentHash: identifier, TxHash: txHash, Block: block},
			identifier, DedupID(KindPublicIntentCancel, identifier, txHash), nil
	default:
		return ChainEventPayload{}, "", "", fmt.Errorf("unrecognized topic %s", lg.Topics[0].Hex())
	}
}
