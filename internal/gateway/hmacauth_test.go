package gateway

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCanonicalRequestIsDeterministicRegardlessOfHeaderOrder(t *testing.T) {
	body := []byte(`{"ticker":"ETH-USDC"}`)

	h1 := http.Header{}
	h1.Set("X-Api-Key", "key-1")
	h1.Set("X-Sdk-Version", "1.0.0")
	h1.Set("X-Timestamp", "1000")

	h2 := http.Header{}
	h2.Set("X-Timestamp", "1000")
	h2.Set("X-Api-Key", "key-1")
	h2.Set("X-Sdk-Version", "1.0.0")

	c1 := canonicalRequest("/v0/matching-engine/quote", "a=1&b=2", h1, body)
	c2 := canonicalRequest("/v0/matching-engine/quote", "a=1&b=2", h2, body)
	require.Equal(t, c1, c2)
}

func TestSortedQueryNormalizesParamOrder(t *testing.T) {
	require.Equal(t, sortedQuery("b=2&a=1"), sortedQuery("a=1&b=2"))
	require.Equal(t, "", sortedQuery(""))
}

func TestSignIsDeterministicForSameInputs(t *testing.T) {
	secret := []byte("super-secret")
	canonical := []byte("/path?query")
	require.Equal(t, sign(secret, canonical), sign(secret, canonical))
	require.NotEqual(t, sign(secret, canonical), sign([]byte("other-secret"), canonical))
}

func TestAuthorizeRejectsMissingHeaders(t *testing.T) {
	a := NewAuthorizer(nil, nil)
	r := httptest.NewRequest(http.MethodPost, "/v0/matching-engine/quote", nil)

	_, err := a.Authorize(r.Context(), r, nil)
	require.Error(t, err)
}
