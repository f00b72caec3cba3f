package gateway

import (
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	svcerrors "github.com/darkpool-network/control-plane/internal/errors"
	"github.com/darkpool-network/control-plane/internal/httputil"
)

// Handlers implements the proxy HTTP surface, each route a thin wrapper
// around Pipeline's pre/forward/post skeleton.
type Handlers struct {
	pipeline *Pipeline
}

func NewHandlers(p *Pipeline) *Handlers { return &Handlers{pipeline: p} }

// Register wires every proxy route onto router.
func (h *Handlers) Register(router *mux.Router) {
	router.HandleFunc("/ping", h.ping).Methods(http.MethodGet)

	me := router.PathPrefix("/v0/matching-engine").Subrouter()
	me.HandleFunc("/quote", h.proxy(EndpointQuote, true)).Methods(http.MethodPost)
	me.HandleFunc("/assemble-external-match", h.proxy(EndpointAssemble, false)).Methods(http.MethodPost)
	me.HandleFunc("/assemble-malleable-external-match", h.proxy(EndpointAssembleMalleable, false)).Methods(http.MethodPost)
	me.HandleFunc("/request-external-match", h.proxy(EndpointDirectMatch, false)).Methods(http.MethodPost)

	router.HandleFunc("/v0/order_book/depth", h.proxy(EndpointPassthrough, false)).Methods(http.MethodGet)
	router.HandleFunc("/v0/order_book/depth/{mint}", h.proxy(EndpointPassthrough, false)).Methods(http.MethodGet)

	router.HandleFunc("/rfqt/v3/quote", h.rfqtQuote).Methods(http.MethodPost)
	router.HandleFunc("/rfqt/v3/levels", h.proxy(EndpointPassthrough, false)).Methods(http.MethodGet)
}

func (h *Handlers) ping(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// proxy builds the standard single-hop pipeline handler: authorize (done
// by Authorizer.Middleware upstream), build context, pre-hook, forward,
// post-hook, respond, detached metrics.
func (h *Handlers) proxy(kind EndpointKind, isQuote bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		key, ok := APIKeyFromContext(r.Context())
		if !ok {
			httputil.Unauthorized(w, "unauthorized")
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			httputil.BadRequest(w, "failed to read request body")
			return
		}

		rc := BuildRequestContext(key, uuid.NewString(), r.URL.Path, r, body)
		if isQuote {
			rc.QuoteUUID = QuoteUUID(body)
		}

		ticker, _ := jsonField(body, "ticker")
		tickerStr, _ := ticker.(string)

		if err := h.pipeline.PreRequest(r.Context(), &rc, kind, tickerStr); err != nil {
			writeServiceError(w, r, err)
			return
		}

		respBody, status, err := h.pipeline.ForwardToRelayer(r.Context(), &rc)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}

		finalBody, err := h.pipeline.PostRequest(r.Context(), &rc, respBody)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}

		WriteProxyResponse(w, status, finalBody)
		h.pipeline.RecordMetrics(rc, status, time.Since(start))
	}
}

// rfqtQuote is the RFQT pipeline's two-hop chain: a single client call
// expands into quote then assemble-malleable-match, each running its
// own pre/post hooks.
func (h *Handlers) rfqtQuote(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	key, ok := APIKeyFromContext(r.Context())
	if !ok {
		httputil.Unauthorized(w, "unauthorized")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		httputil.BadRequest(w, "failed to read request body")
		return
	}

	// Hop 1: quote.
	quoteCtx := BuildRequestContext(key, uuid.NewString(), "/v0/matching-engine/quote", r, body)
	quoteCtx.Stage = StageQuote
	quoteCtx.QuoteUUID = QuoteUUID(body)

	ticker, _ := jsonField(body, "ticker")
	tickerStr, _ := ticker.(string)

	if err := h.pipeline.PreRequest(r.Context(), &quoteCtx, EndpointQuote, tickerStr); err != nil {
		writeServiceError(w, r, err)
		return
	}
	quoteResp, status, err := h.pipeline.ForwardToRelayer(r.Context(), &quoteCtx)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	quoteResp, err = h.pipeline.PostRequest(r.Context(), &quoteCtx, quoteResp)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if status != http.StatusOK {
		WriteProxyResponse(w, status, quoteResp)
		return
	}

	// Hop 2: assemble-malleable-external-match, body is the quote
	// response augmented with the same RFQT query params.
	assembleCtx := BuildRequestContext(key, uuid.NewString(), "/v0/matching-engine/assemble-malleable-external-match", r, quoteResp)
	assembleCtx.Stage = StageAssemble
	assembleCtx.Sponsorship = quoteCtx.Sponsorship

	if err := h.pipeline.PreRequest(r.Context(), &assembleCtx, EndpointAssembleMalleable, tickerStr); err != nil {
		writeServiceError(w, r, err)
		return
	}
	assembleResp, status, err := h.pipeline.ForwardToRelayer(r.Context(), &assembleCtx)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	assembleResp, err = h.pipeline.PostRequest(r.Context(), &assembleCtx, assembleResp)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	WriteProxyResponse(w, status, assembleResp)
	h.pipeline.RecordMetrics(assembleCtx, status, time.Since(start))
}

func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	serviceErr := svcerrors.GetServiceError(err)
	if serviceErr == nil {
		serviceErr = svcerrors.Internal("request failed", err)
	}
	httputil.WriteErrorResponse(w, r, serviceErr.HTTPStatus, string(serviceErr.Code), serviceErr.Message, serviceErr.Details)
}
