package gateway

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRewriteJSONFieldReplacesTopLevelField(t *testing.T) {
	body := []byte(`{"matching_pool":"global","price":1.5}`)
	out := rewriteJSONField(body, "matching_pool", "pool-vip")

	v, ok := jsonField(out, "matching_pool")
	require.True(t, ok)
	require.Equal(t, "pool-vip", v)
}

func TestRewriteJSONFieldNoopsOnMalformedBody(t *testing.T) {
	body := []byte("not json")
	require.Equal(t, body, rewriteJSONField(body, "x", "y"))
}

func TestJSONFieldMissingKeyReturnsFalse(t *testing.T) {
	_, ok := jsonField([]byte(`{"a":1}`), "b")
	require.False(t, ok)
}

func TestBuildRequestContextParsesSponsorshipQueryParams(t *testing.T) {
	r := httptest.NewRequest("POST", "/v0/matching-engine/quote?use_gas_sponsorship=true&refund_address=0xabc&refund_native_eth=true", nil)
	key := ApiKey{ID: "key-1", MatchingPool: "global"}

	rc := BuildRequestContext(key, "req-1", "/v0/matching-engine/quote", r, []byte(`{}`))
	require.True(t, rc.UseGasSponsorship)
	require.Equal(t, "0xabc", rc.RefundAddress)
	require.True(t, rc.RefundNativeETH)
	require.Equal(t, "global", rc.MatchingPool)
}

func TestPreRequestEnforcesQuoteBucket(t *testing.T) {
	p := &Pipeline{Buckets: NewBucketManager(1, 0, 1, 0, 1, 0)}
	rc := &RequestContext{Key: ApiKey{ID: "key-1"}}

	require.NoError(t, p.PreRequest(context.Background(), rc, EndpointQuote, ""))
	require.Error(t, p.PreRequest(context.Background(), rc, EndpointQuote, ""))
}

func TestPostRequestNoopsWithoutSponsorship(t *testing.T) {
	p := &Pipeline{}
	rc := &RequestContext{}
	body := []byte(`{"price":1.5}`)

	out, err := p.PostRequest(context.Background(), rc, body)
	require.NoError(t, err)
	require.Equal(t, body, out)
}
