// Package gateway implements the Auth/Gateway Proxy: HMAC-authorized
// request pipeline, per-key token-bucket rate limiting, gas sponsorship
// calldata rewriting, matching-pool routing, and bundle attribution
// against on-chain settlement.
package gateway

import (
	"math/big"
	"time"
)

// BucketKind names one of the three per-API-key token buckets the
// gateway rate limits independently: quoting, bundle requests, and
// gas-sponsorship spend.
type BucketKind string

const (
	BucketQuote           BucketKind = "quote"
	BucketBundle          BucketKind = "bundle"
	BucketGasSponsorship  BucketKind = "gas_sponsorship"
)

// ApiKey is the proxy's caller identity: created by an admin, mutated
// only by deactivate/whitelist operations, never destroyed.
type ApiKey struct {
	ID              string    `db:"id" json:"id"`
	EncryptedSecret []byte    `db:"encrypted_secret" json:"-"`
	Description     string    `db:"description" json:"description"`
	Active          bool      `db:"active" json:"active"`
	MatchingPool    string    `db:"matching_pool" json:"matching_pool"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
}

// GasSponsorshipInfo carries the sponsor-paid refund terms for one
// bundle, plus the nonce that doubles as the bundle attribution id.
type GasSponsorshipInfo struct {
	Nonce           *big.Int `json:"nonce"`
	RefundAmount    *big.Int `json:"refund_amount"`
	RefundNativeETH bool     `json:"refund_native_eth"`
	RefundAddress   string   `json:"refund_address"`
	Signature       []byte   `json:"signature"`
}

// IsZero reports whether this is the zero-sentinel (no sponsorship
// granted) rather than a real grant.
func (g *GasSponsorshipInfo) IsZero() bool {
	return g == nil || g.RefundAmount == nil || g.RefundAmount.Sign() == 0
}

// BundleContext is created when a bundle is emitted to a client and
// consulted when the corresponding on-chain settlement is observed.
type BundleContext struct {
	BundleID             *big.Int            `json:"bundle_id"`
	KeyDescription       string              `json:"key_description"`
	RequestID            string              `json:"request_id"`
	SDKVersion            string              `json:"sdk_version"`
	GasSponsorshipInfo   *GasSponsorshipInfo `json:"gas_sponsorship_info,omitempty"`
	PriceTimestamp       time.Time           `json:"price_timestamp"`
	AssembledTimestamp   *time.Time          `json:"assembled_timestamp,omitempty"`
}

// CachedQuoteContext restores the original, signature-verifiable quote
// at assembly time, removing the sponsorship effect applied to the
// client-visible quote.
type CachedQuoteContext struct {
	GasSponsorshipInfo *GasSponsorshipInfo `json:"gas_sponsorship_info,omitempty"`
	OriginalPrice      float64             `json:"original_price"`
}

// RequestContext threads a request's authenticated identity and derived
// routing/sponsorship decisions through the pre/post hook pipeline. A
// discriminant Stage field distinguishes hops instead of a family of
// per-stage types.
type RequestContext struct {
	Key          ApiKey
	RequestID    string
	Path         string
	Query        string
	Body         []byte
	SDKVersion   string

	UseGasSponsorship bool
	RefundAddress     string
	RefundNativeETH   bool
	UseMalleableMatch bool

	MatchingPool string

	Sponsorship *GasSponsorshipInfo
	QuoteUUID   string

	Stage RequestStage
}

// RequestStage discriminates which hop of the pipeline produced/consumed
// a RequestContext, used by the RFQT two-hop chain.
type RequestStage string

const (
	StageQuote    RequestStage = "quote"
	StageAssemble RequestStage = "assemble"
)
