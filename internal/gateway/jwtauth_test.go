package gateway

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/darkpool-network/control-plane/internal/logging"
)

func TestIssueTokenValidateRoundTrip(t *testing.T) {
	a := NewAdminAuth([]byte("admin-secret"), time.Hour)

	token, err := a.IssueToken("admin-1")
	require.NoError(t, err)

	adminID, err := a.validate(token)
	require.NoError(t, err)
	require.Equal(t, "admin-1", adminID)
}

func TestValidateRejectsWrongSecret(t *testing.T) {
	a := NewAdminAuth([]byte("admin-secret"), time.Hour)
	token, err := a.IssueToken("admin-1")
	require.NoError(t, err)

	other := NewAdminAuth([]byte("other-secret"), time.Hour)
	_, err = other.validate(token)
	require.Error(t, err)
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	a := NewAdminAuth([]byte("admin-secret"), time.Hour)
	// NewAdminAuth replaces a non-positive expiry with its 24h default, so
	// set the negative expiry directly to issue an already-expired token.
	a.expiry = -time.Hour
	token, err := a.IssueToken("admin-1")
	require.NoError(t, err)

	_, err = a.validate(token)
	require.Error(t, err)
}

func TestMiddlewareRejectsMissingBearerHeader(t *testing.T) {
	a := NewAdminAuth([]byte("admin-secret"), time.Hour)
	log := logging.New("gateway-test", "error", "json")

	called := false
	h := a.Middleware(log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))

	r := httptest.NewRequest(http.MethodGet, "/v0/api-keys", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	require.False(t, called)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestMiddlewareAllowsValidToken(t *testing.T) {
	a := NewAdminAuth([]byte("admin-secret"), time.Hour)
	log := logging.New("gateway-test", "error", "json")
	token, err := a.IssueToken("admin-1")
	require.NoError(t, err)

	called := false
	h := a.Middleware(log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))

	r := httptest.NewRequest(http.MethodGet, "/v0/api-keys", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	require.True(t, called)
	require.Equal(t, http.StatusOK, w.Code)
}
