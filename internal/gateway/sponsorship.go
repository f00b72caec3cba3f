package gateway

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/binary"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	svcerrors "github.com/darkpool-network/control-plane/internal/errors"
)

// GasPriceSource supplies the network's current suggested gas price,
// satisfied by *ethclient.Client.
type GasPriceSource interface {
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
}

// settleSelector is the 4-byte selector identifying which settlement
// entry point the relayer's response calldata targets, so the engine
// knows which sponsor-contract variant to re-encode as.
type settleSelector [4]byte

func selectorOf(signature string) settleSelector {
	var s settleSelector
	copy(s[:], crypto.Keccak256([]byte(signature))[:4])
	return s
}

var (
	selectorAtomicMatchSettle                  = selectorOf("atomicMatchSettle(bytes,bytes)")
	selectorMalleableAtomicMatchSettle          = selectorOf("malleableAtomicMatchSettle(bytes,bytes)")
	selectorExternalMatchSettle                 = selectorOf("externalMatchSettle(bytes)")
	selectorSponsorAtomicMatchSettleWithRefund  = selectorOf("sponsorAtomicMatchSettleWithRefundOptions(bytes,bytes,address,uint256,bool,uint256,bytes)")
)

// SponsorshipEngine grants and encodes gas sponsorship: minting a
// signed refund nonce and rewriting settlement calldata to route
// through the sponsor contract. The signing key is process-local and
// never serialized or persisted.
type SponsorshipEngine struct {
	signerKey       *ecdsa.PrivateKey
	sponsorContract common.Address
	minQuoteAmount  decimal.Decimal

	gasPriceSource    GasPriceSource
	gasUnitsEstimate  uint64
	conversionRateBps uint64
}

// NewSponsorshipEngine wires a gas-price source (the gateway's chain RPC
// client) and a settlement-gas-units estimate so Grant can price a real
// refund instead of a caller-declared one, matching
// original_source/auth/auth-server/src/server/handle_external_match/gas_sponsorship.rs's
// reliance on a live gas estimate rather than a client-supplied amount.
// conversionRateBps is the operator-configured TOKEN-per-ETH rate (in
// basis points of wei) applied when the refund is paid in the buy-side
// token rather than native ETH.
func NewSponsorshipEngine(signerKey *ecdsa.PrivateKey, sponsorContract common.Address, minQuoteAmountUSD decimal.Decimal, gasPriceSource GasPriceSource, gasUnitsEstimate uint64, conversionRateBps uint64) *SponsorshipEngine {
	return &SponsorshipEngine{
		signerKey:         signerKey,
		sponsorContract:   sponsorContract,
		minQuoteAmount:    minQuoteAmountUSD,
		gasPriceSource:    gasPriceSource,
		gasUnitsEstimate:  gasUnitsEstimate,
		conversionRateBps: conversionRateBps,
	}
}

// ShouldOffer checks the three conditions for offering sponsorship: the
// gas_sponsorship bucket is not exhausted, the caller did not opt out,
// and the order's quote amount clears the configured minimum.
func (e *SponsorshipEngine) ShouldOffer(buckets *BucketManager, apiKeyID string, optedOut bool, quoteAmountUSD decimal.Decimal) bool {
	if optedOut {
		return false
	}
	if quoteAmountUSD.LessThan(e.minQuoteAmount) {
		return false
	}
	return buckets.Remaining(apiKeyID, BucketGasSponsorship) > 0
}

// Grant prices the refund off the network's current gas price, generates
// a fresh sponsorship nonce, signs (refund_address, conversion_rate,
// nonce) with the sponsor-auth key, and returns the populated
// GasSponsorshipInfo. The nonce also functions as the bundle id.
func (e *SponsorshipEngine) Grant(ctx context.Context, refundAddress string, refundNativeETH bool) (*GasSponsorshipInfo, error) {
	gasPrice, err := e.gasPriceSource.SuggestGasPrice(ctx)
	if err != nil {
		return nil, svcerrors.UpstreamFailure("chain rpc", err)
	}
	gasCostWei := new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(e.gasUnitsEstimate))

	var refundAmount *big.Int
	var conversionRateBps uint64
	if refundNativeETH {
		refundAmount = gasCostWei
	} else {
		conversionRateBps = e.conversionRateBps
		refundAmount = convertWeiByBps(gasCostWei, conversionRateBps)
	}

	nonce, err := randomUint256()
	if err != nil {
		return nil, svcerrors.Internal("generate sponsorship nonce", err)
	}

	digest := sponsorshipDigest(refundAddress, conversionRateBps, nonce)
	sig, err := crypto.Sign(digest, e.signerKey)
	if err != nil {
		return nil, svcerrors.Internal("sign sponsorship digest", err)
	}

	return &GasSponsorshipInfo{
		Nonce:           nonce,
		RefundAmount:    refundAmount,
		RefundNativeETH: refundNativeETH,
		RefundAddress:   refundAddress,
		Signature:       sig,
	}, nil
}

// convertWeiByBps scales a wei amount by a basis-points rate, used to
// express a native gas cost in buy-side-token terms when bps encodes the
// configured TOKEN-per-ETH conversion rate.
func convertWeiByBps(wei *big.Int, bps uint64) *big.Int {
	if bps == 0 {
		return wei
	}
	num := new(big.Int).Mul(wei, new(big.Int).SetUint64(bps))
	return num.Div(num, big.NewInt(10_000))
}

func sponsorshipDigest(refundAddress string, conversionRateBps uint64, nonce *big.Int) []byte {
	buf := make([]byte, 0, len(refundAddress)+8+32)
	buf = append(buf, []byte(refundAddress)...)
	var rateBuf [8]byte
	binary.BigEndian.PutUint64(rateBuf[:], conversionRateBps)
	buf = append(buf, rateBuf[:]...)
	buf = append(buf, common.LeftPadBytes(nonce.Bytes(), 32)...)
	return crypto.Keccak256(buf)
}

func randomUint256() (*big.Int, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(buf), nil
}

// RewriteCalldata detects which settle variant the relayer's response
// calldata invokes and re-encodes it as a call to the sponsor contract's
// sponsorAtomicMatchSettleWithRefundOptions. Selector matching is a
// hand-maintained lookup table rather than a generated ABI binding,
// matching internal/indexer/decoder.go's own idiom.
func (e *SponsorshipEngine) RewriteCalldata(original []byte, info *GasSponsorshipInfo) ([]byte, error) {
	if len(original) < 4 {
		return nil, svcerrors.InvalidInput("calldata", "too short to contain a selector")
	}
	var sel settleSelector
	copy(sel[:], original[:4])

	switch sel {
	case selectorAtomicMatchSettle, selectorMalleableAtomicMatchSettle, selectorExternalMatchSettle:
	default:
		return nil, svcerrors.InvalidInput("calldata", "unrecognized settle selector for sponsorship rewrite")
	}

	body := original[4:]
	out := make([]byte, 0, 4+len(body)+20+32+1+32+len(info.Signature)+4)
	out = append(out, selectorSponsorAtomicMatchSettleWithRefund[:]...)
	out = append(out, body...)
	out = append(out, common.HexToAddress(info.RefundAddress).Bytes()...)
	out = append(out, common.LeftPadBytes(info.RefundAmount.Bytes(), 32)...)
	if info.RefundNativeETH {
		out = append(out, 1)
	} else {
		out = append(out, 0)
	}
	out = append(out, common.LeftPadBytes(info.Nonce.Bytes(), 32)...)
	out = append(out, info.Signature...)
	return out, nil
}

// AdjustQuoteForRefund accounts for a non-native refund: if the refund is
// paid in the buy-side token rather than native ETH, the client-visible
// receive amount must decrease by the refund amount so the rewritten
// bundle still represents what the client actually receives after the
// sponsor deducts its refund. The quoted price is adjusted separately by
// AdjustQuotePriceForRefund.
func AdjustQuoteForRefund(originalReceiveAmount *big.Int, info *GasSponsorshipInfo) *big.Int {
	if info == nil || info.IsZero() || info.RefundNativeETH {
		return originalReceiveAmount
	}
	adjusted := new(big.Int).Sub(originalReceiveAmount, info.RefundAmount)
	if adjusted.Sign() < 0 {
		return big.NewInt(0)
	}
	return adjusted
}

// RewrittenTo returns the address every sponsored settlement response's
// "to" field is rewritten to.
func (e *SponsorshipEngine) RewrittenTo() common.Address { return e.sponsorContract }

// AdjustQuotePriceForRefund mirrors AdjustQuoteForRefund for the
// client-visible quoted price: a non-native refund lowers what the
// client actually receives, so the refund amount converted from wei to
// whole units (RefundAmount / 1e18) is subtracted from the price, with
// the result floored at zero. This is an absolute deduction, not a
// proportional rescale of the price. Uses shopspring/decimal rather than
// float64 for the wei conversion since the refund amount is an exact
// on-chain integer.
func AdjustQuotePriceForRefund(price float64, info *GasSponsorshipInfo) float64 {
	if info == nil || info.IsZero() || info.RefundNativeETH || info.RefundAmount == nil {
		return price
	}
	refundWei := decimal.NewFromBigInt(info.RefundAmount, 0)
	weiPerETH := decimal.NewFromInt(1_000_000_000_000_000_000)
	refundFraction := refundWei.Div(weiPerETH)
	adjusted := decimal.NewFromFloat(price).Sub(refundFraction)
	if adjusted.IsNegative() {
		return 0
	}
	f, _ := adjusted.Float64()
	return f
}
