package gateway

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/darkpool-network/control-plane/internal/httputil"
	"github.com/darkpool-network/control-plane/internal/logging"
)

// AdminClaims is the admin-session JWT payload, distinct from the
// per-request HMAC bundle auth used by trading endpoints, layering a
// JWT-plus-API-key scheme for the admin-only `/v0/api-keys` surface.
type AdminClaims struct {
	AdminID string `json:"admin_id"`
	jwt.RegisteredClaims
}

// AdminAuth issues and validates admin-session JWTs.
type AdminAuth struct {
	secret []byte
	expiry time.Duration
}

func NewAdminAuth(secret []byte, expiry time.Duration) *AdminAuth {
	if expiry <= 0 {
		expiry = 24 * time.Hour
	}
	return &AdminAuth{secret: secret, expiry: expiry}
}

func (a *AdminAuth) IssueToken(adminID string) (string, error) {
	claims := &AdminClaims{
		AdminID: adminID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(a.expiry)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "darkpool-gateway",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

func (a *AdminAuth) validate(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &AdminClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return a.secret, nil
	})
	if err != nil {
		return "", err
	}
	claims, ok := token.Claims.(*AdminClaims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("invalid token")
	}
	return claims.AdminID, nil
}

// Middleware requires a Bearer admin session JWT, gating the admin
// API-key CRUD surface.
func (a *AdminAuth) Middleware(log *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				httputil.Unauthorized(w, "missing admin bearer token")
				return
			}
			adminID, err := a.validate(strings.TrimPrefix(authHeader, "Bearer "))
			if err != nil {
				log.LogSecurityEvent(r.Context(), "admin_auth_failed", map[string]interface{}{"error": err.Error()})
				httputil.Unauthorized(w, "invalid admin session")
				return
			}
			r = r.WithContext(logging.WithUserID(r.Context(), adminID))
			next.ServeHTTP(w, r)
		})
	}
}
