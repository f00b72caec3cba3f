package gateway

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type fakeGasPriceSource struct {
	price *big.Int
	err   error
}

func (f *fakeGasPriceSource) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return f.price, f.err
}

func newTestSponsorshipEngine(t *testing.T) *SponsorshipEngine {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	gasSource := &fakeGasPriceSource{price: big.NewInt(20_000_000_000)}
	return NewSponsorshipEngine(key, common.HexToAddress("0x00000000000000000000000000000000000001"),
		decimal.NewFromInt(10), gasSource, 300_000, 10_000)
}

func TestShouldOfferRespectsOptOutMinimumAndBucket(t *testing.T) {
	e := newTestSponsorshipEngine(t)
	buckets := NewBucketManager(1, 0, 1, 0, 1, 0)

	require.False(t, e.ShouldOffer(buckets, "key", true, decimal.NewFromInt(100)))
	require.False(t, e.ShouldOffer(buckets, "key", false, decimal.NewFromInt(5)))
	require.True(t, e.ShouldOffer(buckets, "key", false, decimal.NewFromInt(100)))

	require.NoError(t, buckets.Check("key", BucketGasSponsorship, 1))
	require.False(t, e.ShouldOffer(buckets, "key", false, decimal.NewFromInt(100)))
}

func TestGrantProducesVerifiableSignature(t *testing.T) {
	e := newTestSponsorshipEngine(t)

	info, err := e.Grant(context.Background(), "0x000000000000000000000000000000000000ab", false)
	require.NoError(t, err)
	require.NotNil(t, info.Nonce)
	require.NotNil(t, info.RefundAmount)
	require.True(t, info.RefundAmount.Sign() > 0)
	require.Equal(t, 65, len(info.Signature))

	digest := sponsorshipDigest(info.RefundAddress, e.conversionRateBps, info.Nonce)
	pub, err := crypto.SigToPub(digest, info.Signature)
	require.NoError(t, err)
	require.Equal(t, e.signerKey.PublicKey, *pub)
}

func TestGrantNativeRefundSkipsConversion(t *testing.T) {
	e := newTestSponsorshipEngine(t)

	info, err := e.Grant(context.Background(), "0x000000000000000000000000000000000000ab", true)
	require.NoError(t, err)
	require.True(t, info.RefundNativeETH)

	gasCostWei := new(big.Int).Mul(big.NewInt(20_000_000_000), big.NewInt(300_000))
	require.Equal(t, gasCostWei, info.RefundAmount)
}

func TestGrantPropagatesGasPriceSourceError(t *testing.T) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	gasSource := &fakeGasPriceSource{err: context.DeadlineExceeded}
	e := NewSponsorshipEngine(key, common.HexToAddress("0x00000000000000000000000000000000000001"),
		decimal.NewFromInt(10), gasSource, 300_000, 10_000)

	_, err = e.Grant(context.Background(), "0x000000000000000000000000000000000000ab", true)
	require.Error(t, err)
}

func TestRewriteCalldataRejectsUnknownSelector(t *testing.T) {
	e := newTestSponsorshipEngine(t)
	info := &GasSponsorshipInfo{Nonce: big.NewInt(1), RefundAmount: big.NewInt(1), RefundAddress: "0x00000000000000000000000000000000000001"}

	_, err := e.RewriteCalldata([]byte{0xde, 0xad, 0xbe, 0xef, 0x01}, info)
	require.Error(t, err)
}

func TestRewriteCalldataPrependsSponsorSelector(t *testing.T) {
	e := newTestSponsorshipEngine(t)
	info := &GasSponsorshipInfo{
		Nonce:         big.NewInt(7),
		RefundAmount:  big.NewInt(100),
		RefundAddress: "0x00000000000000000000000000000000000002",
		Signature:     make([]byte, 65),
	}

	original := append(selectorAtomicMatchSettle[:], []byte("body")...)
	out, err := e.RewriteCalldata(original, info)
	require.NoError(t, err)
	require.Equal(t, selectorSponsorAtomicMatchSettleWithRefund[:], out[:4])
}

func TestAdjustQuoteForRefundSubtractsNonNativeRefund(t *testing.T) {
	info := &GasSponsorshipInfo{RefundAmount: big.NewInt(30), RefundNativeETH: false}
	adjusted := AdjustQuoteForRefund(big.NewInt(100), info)
	require.Equal(t, big.NewInt(70), adjusted)

	nativeInfo := &GasSponsorshipInfo{RefundAmount: big.NewInt(30), RefundNativeETH: true}
	require.Equal(t, big.NewInt(100), AdjustQuoteForRefund(big.NewInt(100), nativeInfo))

	largeRefund := &GasSponsorshipInfo{RefundAmount: big.NewInt(200), RefundNativeETH: false}
	require.Equal(t, big.NewInt(0), AdjustQuoteForRefund(big.NewInt(100), largeRefund))
}
