package indexer

import (
	"context"
	"database/sql"
	"encoding/hex"
	"math/big"

	"github.com/jmoiron/sqlx"

	svcerrors "github.com/darkpool-network/control-plane/internal/errors"
)

// Applicator applies decoded Transitions to the object store inside a
// single database transaction per transition, checking the ledger,
// mutating state, and recording a dedup marker as one atomic unit.
type Applicator struct {
	store *Store
}

func NewApplicator(store *Store) *Applicator {
	return &Applicator{store: store}
}

// Apply runs one transition to completion. The queue serializes messages
// for the same group id (nullifier or recovery id), so no row-level
// locking is needed across transitions touching the same object.
func (a *Applicator) Apply(ctx context.Context, t Transition) error {
	tx, err := a.store.BeginTx(ctx)
	if err != nil {
		return svcerrors.DatabaseError("applicator begin", err)
	}
	defer tx.Rollback()

	var applyErr error
	switch t.Kind {
	case TransitionCreateBalance:
		applyErr = a.applyCreateGeneric(ctx, tx, t, ObjectTypeBalance)
	case TransitionCreateIntent:
		applyErr = a.applyCreateGeneric(ctx, tx, t, ObjectTypeIntent)
	case TransitionDeposit, TransitionWithdraw, TransitionPayProtocolFee, TransitionPayRelayerFee:
		applyErr = a.applySingleFieldUpdate(ctx, tx, t)
	case TransitionSettleMatchIntoBalance, TransitionSettleMatchIntoIntent:
		applyErr = a.applySettlement(ctx, tx, t)
	case TransitionCancelOrder:
		applyErr = a.applyCancelOrder(ctx, tx, t)
	case TransitionCreatePublicIntent, TransitionSettlePublicIntent, TransitionCancelPublicIntent:
		applyErr = a.applyPublicIntentTransition(ctx, tx, t)
	default:
		applyErr = svcerrors.Internal("unhandled transition kind", nil).WithDetails("kind", string(t.Kind))
	}
	if applyErr != nil {
		return applyErr
	}

	if err := tx.Commit(); err != nil {
		return svcerrors.DatabaseError("applicator commit", err)
	}
	return nil
}

// alreadyProcessed checks the processed-nullifier ledger inside tx.
func alreadyProcessed(ctx context.Context, tx *sqlx.Tx, nullifier [32]byte) (bool, error) {
	var exists bool
	err := tx.QueryRowxContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM processed_nullifiers WHERE nullifier = $1)
	`, nullifier[:]).Scan(&exists)
	if err != nil {
		return false, svcerrors.DatabaseError("processed-nullifier check", err)
	}
	return exists, nil
}

func markProcessed(ctx context.Context, tx *sqlx.Tx, nullifier [32]byte, block uint64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO processed_nullifiers (nullifier, block_number)
		VALUES ($1, $2)
		ON CONFLICT (nullifier) DO NOTHING
	`, nullifier[:], block)
	if err != nil {
		return svcerrors.DatabaseError("mark processed", err)
	}
	return nil
}

// applyCreateGeneric handles CreateBalance/CreateIntent: find the
// ExpectedStateObject for recovery_id, reconstruct private shares,
// persist the generic + typed view, delete the expected record, advance
// the owning seed's two CSPRNGs, insert the next expected record.
func (a *Applicator) applyCreateGeneric(ctx context.Context, tx *sqlx.Tx, t Transition, objType ObjectType) error {
	var expected ExpectedStateObject
	var recoverySeed, shareSeed []byte
	var accountID string
	err := tx.QueryRowxContext(ctx, `
		SELECT account_id, recovery_stream_seed, share_stream_seed
		FROM expected_state_objects WHERE recovery_id = $1
	`, t.RecoveryID[:]).Scan(&accountID, &recoverySeed, &shareSeed)
	if err == sql.ErrNoRows {
		// Seed not yet registered; race between seed-registration and the
		// chain event is expected (see design notes). Abort this attempt
		// with a redeliverable error so the worker releases the message
		// for another try; nothing is written.
		return svcerrors.ChainRPCError("expected_state_object_not_found", nil)
	}
	if err != nil {
		return svcerrors.DatabaseError("fetch expected state object", err)
	}
	expected.AccountID = accountID
	expected.RecoveryStreamSeed = recoverySeed
	expected.ShareStreamSeed = shareSeed
	expected.RecoveryID = t.RecoveryID

	shareStream := NewCSPRNGStream(shareSeed)
	publicShares := t.NewPublicShares
	if len(publicShares) == 0 && t.NewPublicShare != nil {
		publicShares = [][]byte{t.NewPublicShare}
	}
	privateShares := decryptShares(shareStream, 0, publicShares)

	var typedExists bool
	if err := tx.QueryRowxContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM generic_state_objects WHERE recovery_id = $1 AND object_type = $2)
	`, t.RecoveryID[:], string(objType)).Scan(&typedExists); err != nil {
		return svcerrors.DatabaseError("check existing typed object", err)
	}

	obj := GenericStateObject{
		RecoveryStreamSeed: recoverySeed,
		ShareStreamSeed:    shareSeed,
		RecoveryIndex:      0,
		ShareIndex:         0,
		ObjectType:         objType,
		PublicShares:       publicShares,
		PrivateShares:      privateShares,
		Version:            0,
		Active:             true,
		AccountID:          accountID,
	}
	initialNullifier := obj.Nullifier(t.RecoveryID[:])

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO generic_state_objects
			(recovery_id, nullifier, recovery_stream_seed, share_stream_seed, object_type, version, active, account_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (recovery_id, object_type) DO NOTHING
	`, t.RecoveryID[:], initialNullifier[:], obj.RecoveryStreamSeed, obj.ShareStreamSeed, string(obj.ObjectType), obj.Version, obj.Active, obj.AccountID); err != nil {
		return svcerrors.DatabaseError("insert generic state object", err)
	}

	// The typed row is only populated on first creation; a public-intent
	// metadata message may have already upserted it.
	if !typedExists {
		if err := insertTypedView(ctx, tx, t.RecoveryID, objType, privateShares); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM expected_state_objects WHERE recovery_id = $1
	`, t.RecoveryID[:]); err != nil {
		return svcerrors.DatabaseError("delete expected state object", err)
	}

	nextRecoverySeed := DeriveChildStreamSeed(recoverySeed, "recovery", 1)
	nextShareSeed := DeriveChildStreamSeed(shareSeed, "share", 1)
	nextRecoveryID := RecoveryIDFromSeed(nextRecoverySeed)

	if _, err := tx.ExecContext(ctx, `
		UPDATE master_view_seeds
		SET recovery_csprng_index = recovery_csprng_index + 1, share_csprng_index = share_csprng_index + 1
		WHERE account_id = $1
	`, accountID); err != nil {
		return svcerrors.DatabaseError("advance master view seed", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO expected_state_objects (recovery_id, account_id, recovery_stream_seed, share_stream_seed)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (recovery_id) DO NOTHING
	`, nextRecoveryID[:], accountID, nextRecoverySeed, nextShareSeed); err != nil {
		return svcerrors.DatabaseError("insert next expected state object", err)
	}

	return nil
}

func insertTypedView(ctx context.Context, tx *sqlx.Tx, recoveryID [32]byte, objType ObjectType, privateShares [][]byte) error {
	switch objType {
	case ObjectTypeBalance:
		bal := decodeBalanceShares(privateShares)
		_, err := tx.ExecContext(ctx, `
			INSERT INTO balances (recovery_id, mint, amount, matching_pool)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (recovery_id) DO NOTHING
		`, recoveryID[:], bal.Mint, bal.Amount.String(), bal.MatchingPool)
		if err != nil {
			return svcerrors.DatabaseError("insert balance", err)
		}
	case ObjectTypeIntent:
		intent := decodeIntentShares(privateShares)
		_, err := tx.ExecContext(ctx, `
			INSERT INTO intents (recovery_id, base_mint, quote_mint, min_fill_size, matching_pool)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (recovery_id) DO NOTHING
		`, recoveryID[:], intent.BaseMint, intent.QuoteMint, intent.MinFillSize.String(), intent.MatchingPool)
		if err != nil {
			return svcerrors.DatabaseError("insert intent", err)
		}
	}
	return nil
}

// applySingleFieldUpdate handles Deposit/Withdraw/PayProtocolFee/
// PayRelayerFee: fetch the generic object by nullifier, decrypt the new
// share under the share CSPRNG, advance the recovery stream one step
// (version += 1), recompute the nullifier.
func (a *Applicator) applySingleFieldUpdate(ctx context.Context, tx *sqlx.Tx, t Transition) error {
	processed, err := alreadyProcessed(ctx, tx, t.Nullifier)
	if err != nil {
		return err
	}
	if processed {
		return nil
	}

	var recoveryID []byte
	var recoverySeed, shareSeed []byte
	var version uint64
	var objType string
	err = tx.QueryRowxContext(ctx, `
		SELECT recovery_id, recovery_stream_seed, share_stream_seed, version, object_type
		FROM generic_state_objects
		WHERE nullifier = $1
	`, t.Nullifier[:]).Scan(&recoveryID, &recoverySeed, &shareSeed, &version, &objType)
	if err == sql.ErrNoRows {
		return svcerrors.NullifierMismatch(hashHex(t.Nullifier))
	}
	if err != nil {
		return svcerrors.DatabaseError("fetch generic object", err)
	}

	shareStream := NewCSPRNGStream(shareSeed)
	newPrivate := decryptShares(shareStream, version+1, [][]byte{t.NewPublicShare})
	recoveryStream := NewCSPRNGStream(recoverySeed)
	nextNullifier := NullifierHash(recoveryID, recoveryStream.Ith(version+1))

	if _, err := tx.ExecContext(ctx, `
		UPDATE generic_state_objects SET version = version + 1, nullifier = $2 WHERE recovery_id = $1
	`, recoveryID, nextNullifier[:]); err != nil {
		return svcerrors.DatabaseError("advance generic object version", err)
	}

	if objType == string(ObjectTypeBalance) {
		bal := decodeBalanceShares(newPrivate)
		if _, err := tx.ExecContext(ctx, `
			UPDATE balances SET amount = $2 WHERE recovery_id = $1
		`, recoveryID, bal.Amount.String()); err != nil {
			return svcerrors.DatabaseError("update balance", err)
		}
	}

	return markProcessed(ctx, tx, t.Nullifier, t.BlockNumber)
}

// applySettlement mirrors applySingleFieldUpdate but derives the new
// shares from a settlement-obligation share vector rather than a single
// raw share.
func (a *Applicator) applySettlement(ctx context.Context, tx *sqlx.Tx, t Transition) error {
	processed, err := alreadyProcessed(ctx, tx, t.Nullifier)
	if err != nil {
		return err
	}
	if processed {
		return nil
	}

	var recoveryID []byte
	var recoverySeed, shareSeed []byte
	var version uint64
	var objType string
	err = tx.QueryRowxContext(ctx, `
		SELECT recovery_id, recovery_stream_seed, share_stream_seed, version, object_type
		FROM generic_state_objects WHERE nullifier = $1
	`, t.Nullifier[:]).Scan(&recoveryID, &recoverySeed, &shareSeed, &version, &objType)
	if err == sql.ErrNoRows {
		return svcerrors.NullifierMismatch(hashHex(t.Nullifier))
	}
	if err != nil {
		return svcerrors.DatabaseError("fetch generic object for settlement", err)
	}

	shareStream := NewCSPRNGStream(shareSeed)
	newPrivate := decryptShares(shareStream, version+1, t.NewShares)
	recoveryStream := NewCSPRNGStream(recoverySeed)
	nextNullifier := NullifierHash(recoveryID, recoveryStream.Ith(version+1))

	if _, err := tx.ExecContext(ctx, `
		UPDATE generic_state_objects SET version = version + 1, nullifier = $2 WHERE recovery_id = $1
	`, recoveryID, nextNullifier[:]); err != nil {
		return svcerrors.DatabaseError("advance generic object version", err)
	}

	switch objType {
	case string(ObjectTypeBalance):
		bal := decodeBalanceShares(newPrivate)
		if _, err := tx.ExecContext(ctx, `
			UPDATE balances SET amount = $2 WHERE recovery_id = $1
		`, recoveryID, bal.Amount.String()); err != nil {
			return svcerrors.DatabaseError("update settled balance", err)
		}
	case string(ObjectTypeIntent):
		intent := decodeIntentShares(newPrivate)
		if _, err := tx.ExecContext(ctx, `
			UPDATE intents SET min_fill_size = $2 WHERE recovery_id = $1
		`, recoveryID, intent.MinFillSize.String()); err != nil {
			return svcerrors.DatabaseError("update settled intent", err)
		}
	}

	return markProcessed(ctx, tx, t.Nullifier, t.BlockNumber)
}

func (a *Applicator) applyCancelOrder(ctx context.Context, tx *sqlx.Tx, t Transition) error {
	processed, err := alreadyProcessed(ctx, tx, t.Nullifier)
	if err != nil {
		return err
	}
	if processed {
		return nil
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE generic_state_objects SET active = false WHERE nullifier = $1
	`, t.Nullifier[:]); err != nil {
		return svcerrors.DatabaseError("cancel order", err)
	}
	return markProcessed(ctx, tx, t.Nullifier, t.BlockNumber)
}

func (a *Applicator) applyPublicIntentTransition(ctx context.Context, tx *sqlx.Tx, t Transition) error {
	switch t.Kind {
	case TransitionCreatePublicIntent:
		_, err := tx.ExecContext(ctx, `
			INSERT INTO public_intents (intent_hash, intent, version, active)
			VALUES ($1, $2, 1, true)
			ON CONFLICT (intent_hash) DO NOTHING
		`, t.IntentHash[:], t.PublicIntentBody)
		if err != nil {
			return svcerrors.DatabaseError("create public intent", err)
		}
	case TransitionSettlePublicIntent:
		_, err := tx.ExecContext(ctx, `
			UPDATE public_intents SET version = version + 1, intent = COALESCE(NULLIF($2, ''::bytea), intent)
			WHERE intent_hash = $1
		`, t.IntentHash[:], t.PublicIntentBody)
		if err != nil {
			return svcerrors.DatabaseError("settle public intent", err)
		}
	case TransitionCancelPublicIntent:
		_, err := tx.ExecContext(ctx, `
			UPDATE public_intents SET active = false WHERE intent_hash = $1
		`, t.IntentHash[:])
		if err != nil {
			return svcerrors.DatabaseError("cancel public intent", err)
		}
	}
	return nil
}

// decryptShares XORs each public share against a keystream block drawn
// from the share CSPRNG at (version, shareIndex), the additive-secret-
// sharing analogue of internal/cryptoutil's HMAC-derived-key construction:
// same derive-then-combine shape, XOR instead of AES-GCM since these are
// onchain field elements, not opaque blobs needing authenticated framing.
func decryptShares(stream *CSPRNGStream, version uint64, publicShares [][]byte) [][]byte {
	out := make([][]byte, len(publicShares))
	for i, share := range publicShares {
		keystream := stream.Ith(version*1000 + uint64(i))
		out[i] = xorBytes(share, keystream)
	}
	return out
}

func xorBytes(data, keystream []byte) []byte {
	out := make([]byte, len(data))
	for i := range data {
		out[i] = data[i] ^ keystream[i%len(keystream)]
	}
	return out
}

// decodeBalanceShares interprets a balance object's reconstructed private
// shares as (mint, amount, matching_pool). Byte layout: share[0] is the
// mint as hex-encoded bytes, share[1] is a big-endian amount, share[2] is
// the matching pool identifier.
func decodeBalanceShares(shares [][]byte) BalanceStateObject {
	b := BalanceStateObject{Amount: big.NewInt(0)}
	if len(shares) > 0 {
		b.Mint = "0x" + hex.EncodeToString(shares[0])
	}
	if len(shares) > 1 {
		b.Amount = new(big.Int).SetBytes(shares[1])
	}
	if len(shares) > 2 {
		b.MatchingPool = "0x" + hex.EncodeToString(shares[2])
	}
	return b
}

// decodeIntentShares interprets an intent object's reconstructed private
// shares as (base_mint, quote_mint, min_fill_size, matching_pool).
func decodeIntentShares(shares [][]byte) IntentStateObject {
	in := IntentStateObject{MinFillSize: big.NewInt(0)}
	if len(shares) > 0 {
		in.BaseMint = "0x" + hex.EncodeToString(shares[0])
	}
	if len(shares) > 1 {
		in.QuoteMint = "0x" + hex.EncodeToString(shares[1])
	}
	if len(shares) > 2 {
		in.MinFillSize = new(big.Int).SetBytes(shares[2])
	}
	if len(shares) > 3 {
		in.MatchingPool = "0x" + hex.EncodeToString(shares[3])
	}
	return in
}
