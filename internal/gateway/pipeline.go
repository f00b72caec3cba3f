package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	svcerrors "github.com/darkpool-network/control-plane/internal/errors"
	"github.com/darkpool-network/control-plane/internal/logging"
	"github.com/darkpool-network/control-plane/internal/metrics"
)

// EndpointKind names which pipeline skeleton step a route follows, since
// the rate-limited bucket and the sponsorship-eligible-ness differ by
// endpoint.
type EndpointKind string

const (
	EndpointQuote           EndpointKind = "quote"
	EndpointAssemble        EndpointKind = "assemble"
	EndpointAssembleMalleable EndpointKind = "assemble_malleable"
	EndpointDirectMatch     EndpointKind = "direct_match"
	EndpointPassthrough     EndpointKind = "passthrough"
)

// Pipeline implements the common request skeleton every trading route
// follows:
//
//	authorize_hmac → build_request_context → pre_request hook →
//	forward_to_relayer → post_request hook → record_metrics (detached)
type Pipeline struct {
	Authorizer  *Authorizer
	Buckets     *BucketManager
	Router      *Router
	Sponsorship *SponsorshipEngine
	BundleStore *BundleStore
	QuoteCache  *QuoteCache

	RelayerBaseURL string
	HTTPClient     *http.Client

	Log     *logging.Logger
	Metrics *metrics.Metrics
}

// BuildRequestContext parses the query params gateway routes accept and
// attaches them to a fresh RequestContext for the authenticated key.
func BuildRequestContext(key ApiKey, requestID, path string, r *http.Request, body []byte) RequestContext {
	q := r.URL.Query()
	return RequestContext{
		Key:               key,
		RequestID:         requestID,
		Path:              path,
		Query:             r.URL.RawQuery,
		Body:              body,
		SDKVersion:        r.Header.Get("X-Sdk-Version"),
		UseGasSponsorship: q.Get("use_gas_sponsorship") == "true",
		RefundAddress:     q.Get("refund_address"),
		RefundNativeETH:   q.Get("refund_native_eth") == "true",
		UseMalleableMatch: q.Get("use_malleable_match_connector") == "true",
		MatchingPool:      key.MatchingPool,
	}
}

// PreRequest applies rate limiting and matching-pool routing ahead of
// forwarding, per endpoint kind.
func (p *Pipeline) PreRequest(ctx context.Context, rc *RequestContext, kind EndpointKind, ticker string) error {
	switch kind {
	case EndpointQuote:
		if err := p.Buckets.Check(rc.Key.ID, BucketQuote, 1); err != nil {
			return err
		}
	case EndpointAssemble, EndpointAssembleMalleable, EndpointDirectMatch:
		if err := p.Buckets.Check(rc.Key.ID, BucketBundle, 1); err != nil {
			return err
		}
	}

	if ticker != "" {
		rc.MatchingPool = p.Router.ResolvePool(ctx, rc.Key.ID, ticker, rc.Key.MatchingPool)
		rc.Body = rewriteJSONField(rc.Body, "matching_pool", rc.MatchingPool)
	}

	if rc.UseGasSponsorship && p.Sponsorship != nil {
		amountUSD, _ := decimalField(rc.Body, "quote_amount_usd")
		if p.Sponsorship.ShouldOffer(p.Buckets, rc.Key.ID, false, amountUSD) {
			info, err := p.Sponsorship.Grant(ctx, rc.RefundAddress, rc.RefundNativeETH)
			if err != nil {
				return err
			}
			rc.Sponsorship = info
		}
	}

	return nil
}

// ForwardToRelayer proxies rc's body to the matching relayer, the
// pipeline's only suspension point that crosses a process boundary.
func (p *Pipeline) ForwardToRelayer(ctx context.Context, rc *RequestContext) ([]byte, int, error) {
	url := p.RelayerBaseURL + rc.Path
	if rc.Query != "" {
		url += "?" + rc.Query
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(rc.Body))
	if err != nil {
		return nil, 0, svcerrors.Internal("build relayer request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.HTTPClient.Do(req)
	if err != nil {
		return nil, 0, svcerrors.UpstreamFailure("relayer", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, svcerrors.UpstreamFailure("relayer", err)
	}
	if resp.StatusCode >= 500 {
		return respBody, resp.StatusCode, svcerrors.UpstreamFailure("relayer", fmt.Errorf("status %d", resp.StatusCode))
	}
	return respBody, resp.StatusCode, nil
}

// PostRequest applies sponsorship-response rewriting and records the
// emitted bundle's attribution context.
func (p *Pipeline) PostRequest(ctx context.Context, rc *RequestContext, respBody []byte) ([]byte, error) {
	if rc.Sponsorship == nil || rc.Sponsorship.IsZero() {
		return respBody, nil
	}

	callData, _ := jsonField(respBody, "data")
	callDataBytes, _ := callData.(string)
	rewritten, err := p.Sponsorship.RewriteCalldata([]byte(callDataBytes), rc.Sponsorship)
	if err != nil {
		// Non-settle responses (e.g. a raw quote with no calldata yet) are
		// not an error; sponsorship info is still cached for assembly.
		rewritten = nil
	}

	out := respBody
	if rewritten != nil {
		out = rewriteJSONField(out, "data", "0x"+fmt.Sprintf("%x", rewritten))
		out = rewriteJSONField(out, "to", p.Sponsorship.RewrittenTo().Hex())

		// Step 4 of the sponsorship contract: a refund paid in the buy-side
		// token (not native ETH) must be reflected back into the
		// client-visible receive amount and price so the rewritten bundle
		// still represents what the client actually receives.
		if receiveAmount, ok := jsonField(out, "receive_amount"); ok {
			if amountStr := fmt.Sprint(receiveAmount); amountStr != "" {
				if original, ok := new(big.Int).SetString(amountStr, 10); ok {
					adjusted := AdjustQuoteForRefund(original, rc.Sponsorship)
					out = rewriteJSONField(out, "receive_amount", adjusted.String())
				}
			}
		}
		if priceField, ok := jsonField(out, "price"); ok {
			if price, ok := priceField.(float64); ok {
				adjustedPrice := AdjustQuotePriceForRefund(price, rc.Sponsorship)
				out = rewriteJSONField(out, "price", adjustedPrice)
			}
		}
	}

	bc := BundleContext{
		BundleID:           rc.Sponsorship.Nonce,
		KeyDescription:     rc.Key.Description,
		RequestID:          rc.RequestID,
		SDKVersion:         rc.SDKVersion,
		GasSponsorshipInfo: rc.Sponsorship,
		PriceTimestamp:     time.Now(),
	}
	if err := p.BundleStore.Put(ctx, bc); err != nil && p.Log != nil {
		p.Log.WithError(err).Warn("failed to persist bundle context")
	}

	if quoteUUID := rc.QuoteUUID; quoteUUID != "" {
		origPrice, _ := jsonField(out, "price")
		price, _ := origPrice.(float64)
		p.QuoteCache.Put(ctx, quoteUUID, CachedQuoteContext{GasSponsorshipInfo: rc.Sponsorship, OriginalPrice: price})
	}

	return out, nil
}

// RecordMetrics is fired in its own goroutine so metric emission never
// blocks response delivery.
func (p *Pipeline) RecordMetrics(rc RequestContext, status int, duration time.Duration) {
	go func() {
		defer func() {
			if r := recover(); r != nil && p.Log != nil {
				p.Log.WithFields(map[string]interface{}{"panic": r}).Error("panic in detached metrics task")
			}
		}()
		if p.Metrics != nil {
			p.Metrics.RecordHTTPRequest("gateway", "POST", rc.Path, fmt.Sprint(status), duration)
		}
	}()
}

// rewriteJSONField replaces a top-level field of a JSON object body,
// silently no-op'ing on a non-object body (a malformed response should
// surface from relayer validation, not from this best-effort rewrite).
func rewriteJSONField(body []byte, field string, value interface{}) []byte {
	var m map[string]interface{}
	if err := json.Unmarshal(body, &m); err != nil {
		return body
	}
	m[field] = value
	out, err := json.Marshal(m)
	if err != nil {
		return body
	}
	return out
}

// jsonField reads a single top-level field without paying for a full
// unmarshal into a map, matching the value types encoding/json would
// have produced (float64 for numbers, string for strings) so existing
// type assertions against its result keep working unchanged.
func jsonField(body []byte, field string) (interface{}, bool) {
	res := gjson.GetBytes(body, field)
	if !res.Exists() {
		return nil, false
	}
	switch res.Type {
	case gjson.Number:
		return res.Float(), true
	case gjson.String:
		return res.String(), true
	case gjson.True, gjson.False:
		return res.Bool(), true
	default:
		return res.Value(), true
	}
}

// decimalField reads a top-level numeric field as an exact decimal,
// parsed straight from its raw JSON text so fractional USD amounts
// (e.g. "123.45") survive without the precision loss a float64 round
// trip through fmt.Sprint would reintroduce.
func decimalField(body []byte, field string) (decimal.Decimal, bool) {
	res := gjson.GetBytes(body, field)
	if !res.Exists() {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(res.Raw)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

// WriteProxyResponse forwards status+body to the client, used by
// handlers after PostRequest has finished rewriting.
func WriteProxyResponse(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
