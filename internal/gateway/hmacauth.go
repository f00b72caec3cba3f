package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"io"
	"net/http"
	"sort"
	"strings"

	svcerrors "github.com/darkpool-network/control-plane/internal/errors"
	"github.com/darkpool-network/control-plane/internal/httputil"
	"github.com/darkpool-network/control-plane/internal/logging"
	"github.com/darkpool-network/control-plane/internal/middleware"
)

// hmacHeaderNames are the request headers folded into the canonical
// request. Order is fixed so both sides canonicalize identically
// regardless of how the transport reorders headers.
var hmacHeaderNames = []string{"X-Api-Key", "X-Sdk-Version", "X-Timestamp"}

// Authorizer looks up and decrypts an API key's secret, authorizes a
// request's HMAC header against it, and attaches the authenticated key to
// the request context.
type Authorizer struct {
	keys      *KeyCache
	log       *logging.Logger
}

func NewAuthorizer(keys *KeyCache, log *logging.Logger) *Authorizer {
	return &Authorizer{keys: keys, log: log}
}

// canonicalRequest builds `path || "?" || query || headers || body`.
func canonicalRequest(path, query string, header http.Header, body []byte) []byte {
	var sb strings.Builder
	sb.WriteString(path)
	sb.WriteString("?")
	sb.WriteString(query)
	for _, name := range hmacHeaderNames {
		sb.WriteString(name)
		sb.WriteString(":")
		sb.WriteString(header.Get(name))
		sb.WriteString("\n")
	}
	out := make([]byte, 0, sb.Len()+len(body))
	out = append(out, sb.String()...)
	out = append(out, body...)
	return out
}

// sign computes the Base64 of HMAC-SHA256(secret, canonicalRequest).
func sign(secret []byte, canonical []byte) string {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(canonical)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Authorize verifies the HMAC header against the named key's secret and
// returns the authenticated ApiKey. Requests failing authorization map
// to 401.
func (a *Authorizer) Authorize(ctx context.Context, r *http.Request, body []byte) (ApiKey, error) {
	keyID := r.Header.Get("X-Api-Key")
	if keyID == "" {
		return ApiKey{}, svcerrors.Unauthorized("missing X-Api-Key header")
	}
	provided := r.Header.Get("Hmac")
	if provided == "" {
		return ApiKey{}, svcerrors.Unauthorized("missing HMAC header")
	}

	key, secret, err := a.keys.Get(ctx, keyID)
	if err != nil {
		return ApiKey{}, svcerrors.Unauthorized("unknown api key")
	}
	if !key.Active {
		return ApiKey{}, svcerrors.InactiveKey(key.ID)
	}

	canonical := canonicalRequest(r.URL.Path, sortedQuery(r.URL.RawQuery), r.Header, body)
	expected := sign(secret, canonical)
	if !hmac.Equal([]byte(expected), []byte(provided)) {
		return ApiKey{}, svcerrors.InvalidSignature()
	}
	return *key, nil
}

// sortedQuery canonicalizes the query string's parameter order so a
// client's arbitrary ordering still reproduces the same canonical
// request the server computes.
func sortedQuery(raw string) string {
	if raw == "" {
		return ""
	}
	parts := strings.Split(raw, "&")
	sort.Strings(parts)
	return strings.Join(parts, "&")
}

// Middleware wraps next with HMAC authorization, attaching the
// authenticated key's id to the request context for downstream rate
// limiting and routing.
func (a *Authorizer) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" || r.URL.Path == "/ping" {
			next.ServeHTTP(w, r)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			httputil.BadRequest(w, "failed to read request body")
			return
		}
		r.Body = io.NopCloser(strings.NewReader(string(body)))

		key, err := a.Authorize(r.Context(), r, body)
		if err != nil {
			serviceErr := svcerrors.GetServiceError(err)
			if serviceErr == nil {
				serviceErr = svcerrors.Unauthorized("authorization failed")
			}
			a.log.LogSecurityEvent(r.Context(), "hmac_auth_failed", map[string]interface{}{
				"path":   r.URL.Path,
				"reason": serviceErr.Message,
			})
			httputil.WriteErrorResponse(w, r, serviceErr.HTTPStatus, string(serviceErr.Code), serviceErr.Message, serviceErr.Details)
			return
		}

		ctx := middleware.WithAPIKeyID(r.Context(), key.ID)
		r = r.WithContext(ctx)
		r = r.WithContext(context.WithValue(r.Context(), apiKeyContextKey{}, key))
		next.ServeHTTP(w, r)
	})
}

type apiKeyContextKey struct{}

// APIKeyFromContext returns the authenticated ApiKey attached by
// Authorizer.Middleware, ok=false if the request was never authorized
// (e.g. the /health passthrough).
func APIKeyFromContext(ctx context.Context) (ApiKey, bool) {
	key, ok := ctx.Value(apiKeyContextKey{}).(ApiKey)
	return key, ok
}
