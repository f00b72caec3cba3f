package middleware

import "context"

type contextKey string

const apiKeyIDContextKey contextKey = "api_key_id"

// WithAPIKeyID attaches the authenticated API key's ID to the context, set
// by the gateway's HMAC authorization middleware once a request's
// signature has been verified against an active key.
func WithAPIKeyID(ctx context.Context, keyID string) context.Context {
	return context.WithValue(ctx, apiKeyIDContextKey, keyID)
}

// GetUserID returns the identity the rate limiter buckets by: the
// authenticated API key ID if the request passed HMAC authorization,
// otherwise empty (the caller falls back to client IP).
func GetUserID(ctx context.Context) string {
	if v, ok := ctx.Value(apiKeyIDContextKey).(string); ok {
		return v
	}
	return ""
}
