package gateway

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/darkpool-network/control-plane/internal/httputil"
	"github.com/darkpool-network/control-plane/internal/logging"
)

// AdminHandlers implements the `/v0/api-keys[...]` admin surface, gated
// by a JWT admin session rather than the per-request HMAC auth used by
// trading endpoints.
type AdminHandlers struct {
	store     *Store
	keyCache  *KeyCache
	masterKey []byte
	auth      *AdminAuth
	log       *logging.Logger
}

func NewAdminHandlers(store *Store, keyCache *KeyCache, masterKey []byte, auth *AdminAuth, log *logging.Logger) *AdminHandlers {
	return &AdminHandlers{store: store, keyCache: keyCache, masterKey: masterKey, auth: auth, log: log}
}

func (h *AdminHandlers) Register(router *mux.Router) {
	keys := router.PathPrefix("/v0/api-keys").Subrouter()
	keys.Use(h.auth.Middleware(h.log))
	keys.HandleFunc("", h.list).Methods(http.MethodGet)
	keys.HandleFunc("", h.create).Methods(http.MethodPost)
	keys.HandleFunc("/{id}/deactivate", h.deactivate).Methods(http.MethodPost)
	keys.HandleFunc("/{id}/whitelist", h.whitelist).Methods(http.MethodPost)
}

func (h *AdminHandlers) list(w http.ResponseWriter, r *http.Request) {
	keys, err := h.store.ListAPIKeys(r.Context())
	if err != nil {
		httputil.InternalError(w, "failed to list api keys")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, keys)
}

type createAPIKeyRequest struct {
	Description  string `json:"description"`
	MatchingPool string `json:"matching_pool"`
}

func (h *AdminHandlers) create(w http.ResponseWriter, r *http.Request) {
	var req createAPIKeyRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	if req.MatchingPool == "" {
		req.MatchingPool = "default"
	}

	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		httputil.InternalError(w, "failed to generate api key secret")
		return
	}

	// The id is allocated up front since the secret's envelope AAD is
	// keyed by it (internal/gateway.KeyCache.Get decrypts the same way).
	id := NewAPIKeyID()
	encrypted, err := EncryptSecret(h.masterKey, id, secretBytes)
	if err != nil {
		httputil.InternalError(w, "failed to encrypt api key secret")
		return
	}
	key, err := h.store.CreateAPIKey(r.Context(), id, encrypted, req.Description, req.MatchingPool)
	if err != nil {
		httputil.InternalError(w, "failed to create api key")
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, map[string]interface{}{
		"id":            key.ID,
		"secret":        hex.EncodeToString(secretBytes), // returned once, never stored in plaintext
		"description":   key.Description,
		"matching_pool": key.MatchingPool,
		"active":        key.Active,
		"created_at":    key.CreatedAt,
	})
}

func (h *AdminHandlers) deactivate(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.store.DeactivateAPIKey(r.Context(), id); err != nil {
		httputil.NotFound(w, "api key not found")
		return
	}
	h.keyCache.Invalidate(r.Context(), id)
	w.WriteHeader(http.StatusNoContent)
}

type whitelistRequest struct {
	MatchingPool string `json:"matching_pool"`
}

func (h *AdminHandlers) whitelist(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req whitelistRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	if req.MatchingPool == "" {
		httputil.BadRequest(w, "matching_pool is required")
		return
	}
	if err := h.store.WhitelistAPIKey(r.Context(), id, req.MatchingPool); err != nil {
		httputil.NotFound(w, "api key not found")
		return
	}
	h.keyCache.Invalidate(r.Context(), id)
	w.WriteHeader(http.StatusNoContent)
}
