package indexer

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	svcerrors "github.com/darkpool-network/control-plane/internal/errors"
)

// calldataFetcher fetches the raw input data of a transaction. Narrowed to
// an interface (rather than depending on *ethclient.Client directly) so it
// can be faked in tests.
type calldataFetcher interface {
	TransactionCalldata(ctx context.Context, txHash string) ([]byte, error)
}

// selector is a 4-byte function selector, the first 4 bytes of
// keccak256(canonical function signature).
type selector [4]byte

func selectorOf(signature string) selector {
	var s selector
	copy(s[:], keccak(signature)[:4])
	return s
}

// Selector table, hand-maintained from the settlement contract's ABI
// fragment set rather than generated, per the decoder's narrow surface
// (eight entry points, not a full client binding).
var (
	selectorDeposit             = selectorOf("deposit(bytes32,bytes)")
	selectorWithdraw            = selectorOf("withdraw(bytes32,bytes)")
	selectorPayProtocolFee      = selectorOf("payProtocolFee(bytes32,bytes)")
	selectorPayRelayerFee       = selectorOf("payRelayerFee(bytes32,bytes)")
	selectorSettleMatch         = selectorOf("settleMatch(bytes,bytes)")
	selectorSettleExternalMatch = selectorOf("settleExternalMatch(bytes)")
	selectorDepositNewBalance   = selectorOf("depositNewBalance(bytes)")
	selectorCancelOrder         = selectorOf("cancelOrder(bytes32)")
)

// partySettlementBundle is one party's decoded settlement data: the bundle
// variant plus the candidate identifiers the event could plausibly match
// against, used to dispatch the event to the right pending transition.
type partySettlementBundle struct {
	BundleType BundleType

	InputBalanceNullifier  [32]byte
	OutputBalanceNullifier [32]byte
	IntentNullifier        [32]byte
	NewBalanceRecoveryID   [32]byte
	NewIntentRecoveryID    [32]byte

	NewShare   []byte
	NewShares  [][]byte
}

// Decoder fetches the originating transaction's calldata for a queued
// event and dispatches on its 4-byte selector to produce a Transition.
type Decoder struct {
	chain calldataFetcher
}

func NewDecoder(chain calldataFetcher) *Decoder {
	return &Decoder{chain: chain}
}

// Decode fetches msg's transaction calldata and returns the Transition it
// describes. Unknown selectors fail closed: the returned error has
// Redeliver=true, so the caller must not advance past this message.
func (d *Decoder) Decode(ctx context.Context, msg QueueMessage) (Transition, error) {
	calldata, err := d.chain.TransactionCalldata(ctx, msg.Payload.TxHash)
	if err != nil {
		return Transition{}, svcerrors.ChainRPCError("fetch_calldata", err)
	}
	if len(calldata) < 4 {
		return Transition{}, svcerrors.InvalidSelector(hex.EncodeToString(calldata))
	}
	var sel selector
	copy(sel[:], calldata[:4])
	body := calldata[4:]

	base := Transition{BlockNumber: msg.Payload.Block, TxHash: msg.Payload.TxHash}

	switch sel {
	case selectorDeposit:
		base.Kind = TransitionDeposit
		base.Nullifier = mustParseHash(msg.Payload.Nullifier)
		base.NewPublicShare = body
		return base, nil
	case selectorWithdraw:
		base.Kind = TransitionWithdraw
		base.Nullifier = mustParseHash(msg.Payload.Nullifier)
		base.NewPublicShare = body
		return base, nil
	case selectorPayProtocolFee:
		base.Kind = TransitionPayProtocolFee
		base.Nullifier = mustParseHash(msg.Payload.Nullifier)
		base.NewPublicShare = body
		return base, nil
	case selectorPayRelayerFee:
		base.Kind = TransitionPayRelayerFee
		base.Nullifier = mustParseHash(msg.Payload.Nullifier)
		base.NewPublicShare = body
		return base, nil
	case selectorDepositNewBalance:
		base.Kind = TransitionCreateBalance
		base.RecoveryID = mustParseHash(msg.Payload.RecoveryID)
		base.NewPublicShare = body
		return base, nil
	case selectorCancelOrder:
		base.Kind = TransitionCancelOrder
		base.Nullifier = mustParseHash(msg.Payload.Nullifier)
		return base, nil
	case selectorSettleMatch:
		return decodeSettleMatch(body, msg, base, true)
	case selectorSettleExternalMatch:
		return decodeSettleMatch(body, msg, base, false)
	default:
		return Transition{}, svcerrors.InvalidSelector(hex.EncodeToString(sel[:]))
	}
}

// decodeSettleMatch decodes one or two party settlement bundles and picks
// the transition whose candidate identifier matches the observed event's
// nullifier or recovery id. twoParties is false for settleExternalMatch.
func decodeSettleMatch(body []byte, msg QueueMessage, base Transition, twoParties bool) (Transition, error) {
	bundles, err := parsePartyBundles(body, twoParties)
	if err != nil {
		return Transition{}, svcerrors.SerdeError("settlement bundle", err)
	}

	observedNullifier := msg.Payload.Nullifier
	observedRecoveryID := msg.Payload.RecoveryID

	for _, bundle := range bundles {
		switch {
		case observedNullifier != "" && hashHex(bundle.InputBalanceNullifier) == observedNullifier:
			base.Kind = TransitionSettleMatchIntoBalance
			base.Nullifier = bundle.InputBalanceNullifier
			base.NewShares = bundle.NewShares
			return base, nil
		case observedNullifier != "" && hashHex(bundle.OutputBalanceNullifier) == observedNullifier:
			base.Kind = TransitionSettleMatchIntoBalance
			base.Nullifier = bundle.OutputBalanceNullifier
			base.NewShares = bundle.NewShares
			return base, nil
		case observedNullifier != "" && hashHex(bundle.IntentNullifier) == observedNullifier:
			base.Kind = TransitionSettleMatchIntoIntent
			base.Nullifier = bundle.IntentNullifier
			base.NewShares = bundle.NewShares
			return base, nil
		case observedRecoveryID != "" && hashHex(bundle.NewBalanceRecoveryID) == observedRecoveryID:
			base.Kind = TransitionCreateBalance
			base.RecoveryID = bundle.NewBalanceRecoveryID
			base.NewPublicShares = bundle.NewShares
			return base, nil
		case observedRecoveryID != "" && hashHex(bundle.NewIntentRecoveryID) == observedRecoveryID:
			base.Kind = TransitionCreateIntent
			base.RecoveryID = bundle.NewIntentRecoveryID
			base.NewPublicShares = bundle.NewShares
			return base, nil
		}
	}
	return Transition{}, svcerrors.InvalidPartySettlementData()
}

// parsePartyBundles splits the settleMatch calldata body into one or two
// party bundles and decodes each. Wire layout of a party bundle: a 1-byte
// bundle-type tag, followed by five 32-byte identifier fields (zero means
// "not applicable to this bundle type"), followed by the share blob, which
// runs to the end of the bundle. When twoParties is set, each party bundle
// is preceded by its 4-byte big-endian length.
func parsePartyBundles(body []byte, twoParties bool) ([]partySettlementBundle, error) {
	if twoParties {
		if len(body) < 8 {
			return nil, fmt.Errorf("settleMatch body too short")
		}
		firstLen := binary.BigEndian.Uint32(body[:4])
		body = body[4:]
		if uint32(len(body)) < firstLen {
			return nil, fmt.Errorf("settleMatch party A length out of range")
		}
		first, rest := body[:firstLen], body[firstLen:]
		a, err := parsePartyBundle(first)
		if err != nil {
			return nil, err
		}
		if len(rest) < 4 {
			return nil, fmt.Errorf("settleMatch missing party B length")
		}
		secondLen := binary.BigEndian.Uint32(rest[:4])
		rest = rest[4:]
		if uint32(len(rest)) < secondLen {
			return nil, fmt.Errorf("settleMatch party B length out of range")
		}
		b, err := parsePartyBundle(rest[:secondLen])
		if err != nil {
			return nil, err
		}
		return []partySettlementBundle{a, b}, nil
	}
	only, err := parsePartyBundle(body)
	if err != nil {
		return nil, err
	}
	return []partySettlementBundle{only}, nil
}

func parsePartyBundle(b []byte) (partySettlementBundle, error) {
	if len(b) < 1+32*5 {
		return partySettlementBundle{}, fmt.Errorf("party bundle too short")
	}
	bundleType, err := bundleTypeFromTag(b[0])
	if err != nil {
		return partySettlementBundle{}, err
	}
	off := 1
	read32 := func() [32]byte {
		var out [32]byte
		copy(out[:], b[off:off+32])
		off += 32
		return out
	}
	bundle := partySettlementBundle{
		BundleType:             bundleType,
		InputBalanceNullifier:  read32(),
		OutputBalanceNullifier: read32(),
		IntentNullifier:        read32(),
		NewBalanceRecoveryID:   read32(),
		NewIntentRecoveryID:    read32(),
	}
	rest := b[off:]
	if len(rest) > 0 {
		bundle.NewShares = [][]byte{append([]byte(nil), rest...)}
	}
	return bundle, nil
}

func bundleTypeFromTag(tag byte) (BundleType, error) {
	switch tag {
	case 0:
		return BundlePublicIntent, nil
	case 1:
		return BundlePrivateIntentFirstFill, nil
	case 2:
		return BundlePrivateIntent, nil
	case 3:
		return BundleRenegadeSettledFirstFill, nil
	case 4:
		return BundleRenegadeSettled, nil
	case 5:
		return BundleRenegadeSettledPrivateFirstFill, nil
	case 6:
		return BundleRenegadeSettledPrivateFill, nil
	default:
		return "", svcerrors.UnknownBundleType(fmt.Sprintf("tag-%d", tag))
	}
}

func mustParseHash(hexStr string) [32]byte {
	var out [32]byte
	if hexStr == "" {
		return out
	}
	b, err := hex.DecodeString(trimHexPrefix(hexStr))
	if err != nil || len(b) != 32 {
		return out
	}
	copy(out[:], b)
	return out
}

func hashHex(h [32]byte) string {
	return "0x" + hex.EncodeToString(h[:])
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}
