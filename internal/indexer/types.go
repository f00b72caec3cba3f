// Package indexer implements the darkpool indexer: chain event listening,
// message queueing, transaction decoding, and transactional state
// application that reconstructs private balance/intent objects from a
// per-account master view seed.
package indexer

import "math/big"

// ObjectType discriminates the two shapes a GenericStateObject's typed view
// can take.
type ObjectType string

const (
	ObjectTypeIntent  ObjectType = "intent"
	ObjectTypeBalance ObjectType = "balance"
)

// MasterViewSeed is the per-account root from which all of an account's
// state-object identifiers and share-encryption keys derive.
type MasterViewSeed struct {
	AccountID          string
	OwnerAddress       string
	Seed               []byte
	RecoveryCSPRNGIndex uint64
	ShareCSPRNGIndex    uint64
}

// ExpectedStateObject is created when a seed is registered or advanced, and
// deleted atomically when the matching chain event (its RecoveryID) is
// indexed.
type ExpectedStateObject struct {
	RecoveryID        [32]byte
	AccountID         string
	RecoveryStreamSeed []byte
	ShareStreamSeed    []byte
}

// GenericStateObject is the union shape of an on-chain private state
// object: a balance or an intent, represented as public + private secret
// shares, addressable by its current nullifier.
type GenericStateObject struct {
	RecoveryStreamSeed []byte
	ShareStreamSeed    []byte
	RecoveryIndex      uint64 // version: number of times the recovery stream has advanced
	ShareIndex         uint64
	ObjectType         ObjectType
	PublicShares       [][]byte
	PrivateShares      [][]byte
	Version            uint64
	Active             bool
	AccountID          string
	Owner              string
}

// Nullifier is the current one-time spend identifier for a generic object:
// hash(inner, csprng(recovery_stream_seed).ith(version)).
func (g *GenericStateObject) Nullifier(inner []byte) [32]byte {
	recoveryStream := NewCSPRNGStream(g.RecoveryStreamSeed)
	ithValue := recoveryStream.Ith(g.Version)
	return NullifierHash(inner, ithValue)
}

// BalanceStateObject is the typed view of a GenericStateObject holding
// reconstructed plaintext balance fields.
type BalanceStateObject struct {
	RecoveryStreamSeed []byte
	Mint               string
	Amount             *big.Int
	MatchingPool       string
}

// IntentStateObject is the typed view of a GenericStateObject holding
// reconstructed plaintext intent fields.
type IntentStateObject struct {
	RecoveryStreamSeed []byte
	BaseMint           string
	QuoteMint          string
	MinFillSize        *big.Int
	MatchingPool       string
}

// PublicIntent is upserted on public-intent lifecycle events.
type PublicIntent struct {
	IntentHash [32]byte
	Intent     []byte
	Version    uint64
	AccountID  string
	Active     bool
}

// ProcessedNullifier is the idempotency ledger: once recorded, re-applying
// the same nullifier's transition is a no-op.
type ProcessedNullifier struct {
	Nullifier   [32]byte
	BlockNumber uint64
}

// QueueMessageKind discriminates the logical shapes a queue message can take.
type QueueMessageKind string

const (
	KindNullifierSpend      QueueMessageKind = "nullifier_spend"
	KindRecoveryID          QueueMessageKind = "recovery_id"
	KindPublicIntentCreate  QueueMessageKind = "public_intent_create"
	KindPublicIntentUpdate  QueueMessageKind = "public_intent_update"
	KindPublicIntentCancel  QueueMessageKind = "public_intent_cancel"
	KindMasterViewSeed      QueueMessageKind = "master_view_seed"
)

// ChainEventPayload is the decoded body of one queue message.
type ChainEventPayload struct {
	Kind QueueMessageKind `json:"kind"`

	Nullifier   string `json:"nullifier,omitempty"`
	RecoveryID  string `json:"recovery_id,omitempty"`
	IntentHash  string `json:"intent_hash,omitempty"`
	TxHash      string `json:"tx_hash,omitempty"`
	Block       uint64 `json:"block,omitempty"`

	AccountID    string `json:"account_id,omitempty"`
	OwnerAddress string `json:"owner_address,omitempty"`
	Seed         string `json:"seed,omitempty"`
}

// TransitionKind enumerates the state-applicator transition types.
type TransitionKind string

const (
	TransitionCreateBalance           TransitionKind = "create_balance"
	TransitionCreateIntent            TransitionKind = "create_intent"
	TransitionDeposit                 TransitionKind = "deposit"
	TransitionWithdraw                TransitionKind = "withdraw"
	TransitionPayProtocolFee          TransitionKind = "pay_protocol_fee"
	TransitionPayRelayerFee           TransitionKind = "pay_relayer_fee"
	TransitionSettleMatchIntoBalance  TransitionKind = "settle_match_into_balance"
	TransitionSettleMatchIntoIntent   TransitionKind = "settle_match_into_intent"
	TransitionCancelOrder             TransitionKind = "cancel_order"
	TransitionCreatePublicIntent      TransitionKind = "create_public_intent"
	TransitionSettlePublicIntent      TransitionKind = "settle_public_intent"
	TransitionCancelPublicIntent      TransitionKind = "cancel_public_intent"
)

// Transition is the decoded unit the state applicator consumes.
type Transition struct {
	Kind TransitionKind

	Nullifier  [32]byte
	RecoveryID [32]byte
	IntentHash [32]byte

	BlockNumber uint64
	TxHash      string

	NewPublicShare []byte // deposit/withdraw/fee-type transitions
	NewPublicShares [][]byte // create transitions decoded from a settlement bundle
	NewShares       [][]byte // settlement transitions (full post-match share vector)

	PublicIntentBody []byte // create/settle public-intent transitions
}

// BundleType enumerates the seven settlement-bundle wire variants.
type BundleType string

const (
	BundlePublicIntent                       BundleType = "public-intent"
	BundlePrivateIntentFirstFill              BundleType = "private-intent-first-fill"
	BundlePrivateIntent                       BundleType = "private-intent"
	BundleRenegadeSettledFirstFill            BundleType = "renegade-settled-first-fill"
	BundleRenegadeSettled                     BundleType = "renegade-settled"
	BundleRenegadeSettledPrivateFirstFill      BundleType = "renegade-settled-private-first-fill"
	BundleRenegadeSettledPrivateFill           BundleType = "renegade-settled-private-fill"
)
