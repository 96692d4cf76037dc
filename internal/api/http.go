// Package api contains the transport adapters. Each adapter parses its
// protocol, resolves the caller to a principal, calls the core service,
// and maps error kinds to wire codes. No business logic lives here.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/browsergrid/browsergrid/internal/config"
	"github.com/browsergrid/browsergrid/internal/core"
	"github.com/browsergrid/browsergrid/internal/executor"
	"github.com/browsergrid/browsergrid/internal/middleware"
	"github.com/browsergrid/browsergrid/internal/registry"
	"github.com/browsergrid/browsergrid/internal/types"
)

// maxBodySize bounds request bodies. Batch payloads dominate; 4MB leaves
// headroom for 100 actions with large scripts.
const maxBodySize = 4 << 20

// HTTPServer is the JSON/REST frontend.
type HTTPServer struct {
	cfg     *config.Config
	svc     *core.Service
	limiter *middleware.RateLimiter
	srv     *http.Server
}

// NewHTTPServer builds the frontend with its middleware chain.
func NewHTTPServer(cfg *config.Config, svc *core.Service) *HTTPServer {
	s := &HTTPServer{cfg: cfg, svc: svc}
	if cfg.RateLimitEnabled {
		s.limiter = middleware.NewRateLimiter(cfg.RateLimitRPM, time.Minute, cfg.TrustProxy)
	}
	s.srv = &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler assembles the middleware chain around the router.
func (s *HTTPServer) Handler() http.Handler {
	chain := []func(http.Handler) http.Handler{
		middleware.Recovery,
		middleware.SecurityHeaders,
		middleware.CORS(s.cfg.CORSOrigins),
		middleware.Logging,
	}
	if s.limiter != nil {
		chain = append(chain, s.limiter.Middleware())
	}
	chain = append(chain, middleware.Auth(s.cfg))
	return middleware.Chain(chain...)(s.router())
}

func (s *HTTPServer) router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/catalog", s.handleCatalog)

	mux.HandleFunc("POST /v1/sessions", s.handleSessionCreate)
	mux.HandleFunc("GET /v1/sessions", s.handleSessionList)
	mux.HandleFunc("GET /v1/sessions/{id}", s.handleSessionGet)
	mux.HandleFunc("PATCH /v1/sessions/{id}", s.handleSessionUpdate)
	mux.HandleFunc("POST /v1/sessions/{id}/extend", s.handleSessionExtend)
	mux.HandleFunc("DELETE /v1/sessions/{id}", s.handleSessionDelete)

	mux.HandleFunc("POST /v1/sessions/{id}/contexts", s.handleContextCreate)
	mux.HandleFunc("GET /v1/sessions/{id}/contexts", s.handleContextList)
	mux.HandleFunc("GET /v1/contexts/{id}", s.handleContextGet)
	mux.HandleFunc("DELETE /v1/contexts/{id}", s.handleContextClose)

	mux.HandleFunc("POST /v1/contexts/{id}/pages", s.handlePageCreate)
	mux.HandleFunc("GET /v1/pages/{id}", s.handlePageGet)
	mux.HandleFunc("DELETE /v1/pages/{id}", s.handlePageClose)

	mux.HandleFunc("POST /v1/contexts/{id}/actions", s.handleExecute)
	mux.HandleFunc("POST /v1/contexts/{id}/batch", s.handleBatch)
	mux.HandleFunc("GET /v1/contexts/{id}/history", s.handleHistory)
	mux.HandleFunc("GET /v1/contexts/{id}/metrics", s.handleMetrics)

	return mux
}

// Start serves until Shutdown. Returns http.ErrServerClosed on clean stop.
func (s *HTTPServer) Start() error {
	log.Info().Str("addr", s.cfg.HTTPAddr).Msg("HTTP frontend listening")
	return s.srv.ListenAndServe()
}

// Shutdown drains in-flight requests and stops the rate limiter.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	err := s.srv.Shutdown(ctx)
	if s.limiter != nil {
		s.limiter.Close()
	}
	return err
}

func principalFrom(r *http.Request) types.Principal {
	p, _ := middleware.PrincipalFrom(r.Context())
	return p
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

// decodeBody parses the JSON request body into v with the size cap applied.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, types.KindInvalidArgument, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

type sessionCreateRequest struct {
	TTLMs    int64             `json:"ttlMs,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type sessionExtendRequest struct {
	TTLMs int64 `json:"ttlMs"`
}

type batchRequest struct {
	Actions     []types.Action `json:"actions"`
	StopOnError *bool          `json:"stopOnError,omitempty"`
	Parallel    int            `json:"parallel,omitempty"`
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.svc.Health()
	status := http.StatusOK
	if h.Status == core.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, h)
}

func (s *HTTPServer) handleCatalog(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Catalog())
}

func (s *HTTPServer) handleSessionCreate(w http.ResponseWriter, r *http.Request) {
	var req sessionCreateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	sess, err := s.svc.CreateSession(principalFrom(r), time.Duration(req.TTLMs)*time.Millisecond, req.Metadata)
	if err != nil {
		middleware.WriteKindError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *HTTPServer) handleSessionList(w http.ResponseWriter, r *http.Request) {
	filter := registry.ListFilter{UserID: r.URL.Query().Get("userId")}
	sessions, err := s.svc.ListSessions(principalFrom(r), filter)
	if err != nil {
		middleware.WriteKindError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *HTTPServer) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	sess, err := s.svc.GetSession(principalFrom(r), r.PathValue("id"))
	if err != nil {
		middleware.WriteKindError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *HTTPServer) handleSessionUpdate(w http.ResponseWriter, r *http.Request) {
	var patch map[string]string
	if !decodeBody(w, r, &patch) {
		return
	}
	sess, err := s.svc.UpdateSessionMetadata(principalFrom(r), r.PathValue("id"), patch)
	if err != nil {
		middleware.WriteKindError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *HTTPServer) handleSessionExtend(w http.ResponseWriter, r *http.Request) {
	var req sessionExtendRequest
	if !decodeBody(w, r, &req) {
		return
	}
	sess, err := s.svc.ExtendSession(principalFrom(r), r.PathValue("id"), time.Duration(req.TTLMs)*time.Millisecond)
	if err != nil {
		middleware.WriteKindError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *HTTPServer) handleSessionDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeleteSession(principalFrom(r), r.PathValue("id")); err != nil {
		middleware.WriteKindError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleContextCreate(w http.ResponseWriter, r *http.Request) {
	var ccfg types.ContextConfig
	if !decodeBody(w, r, &ccfg) {
		return
	}
	c, err := s.svc.CreateContext(principalFrom(r), r.PathValue("id"), ccfg)
	if err != nil {
		middleware.WriteKindError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *HTTPServer) handleContextList(w http.ResponseWriter, r *http.Request) {
	contexts, err := s.svc.ListContexts(principalFrom(r), r.PathValue("id"))
	if err != nil {
		middleware.WriteKindError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"contexts": contexts})
}

func (s *HTTPServer) handleContextGet(w http.ResponseWriter, r *http.Request) {
	c, err := s.svc.GetContext(principalFrom(r), r.PathValue("id"))
	if err != nil {
		middleware.WriteKindError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *HTTPServer) handleContextClose(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.CloseContext(principalFrom(r), r.PathValue("id")); err != nil {
		middleware.WriteKindError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handlePageCreate(w http.ResponseWriter, r *http.Request) {
	p, err := s.svc.CreatePage(principalFrom(r), r.PathValue("id"))
	if err != nil {
		middleware.WriteKindError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *HTTPServer) handlePageGet(w http.ResponseWriter, r *http.Request) {
	p, err := s.svc.GetPage(principalFrom(r), r.PathValue("id"))
	if err != nil {
		middleware.WriteKindError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *HTTPServer) handlePageClose(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.ClosePage(principalFrom(r), r.PathValue("id")); err != nil {
		middleware.WriteKindError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleExecute(w http.ResponseWriter, r *http.Request) {
	var action types.Action
	if !decodeBody(w, r, &action) {
		return
	}
	res, err := s.svc.Execute(r.Context(), principalFrom(r), r.PathValue("id"), &action)
	if err != nil {
		middleware.WriteKindError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *HTTPServer) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if !decodeBody(w, r, &req) {
		return
	}
	opts := executor.BatchOptions{StopOnError: true, Parallel: req.Parallel}
	if req.StopOnError != nil {
		opts.StopOnError = *req.StopOnError
	}
	items, err := s.svc.ExecuteBatch(r.Context(), principalFrom(r), r.PathValue("id"), req.Actions, opts)
	if err != nil {
		middleware.WriteKindError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *HTTPServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			middleware.WriteError(w, http.StatusBadRequest, types.KindInvalidArgument, "invalid limit")
			return
		}
		limit = n
	}
	records, err := s.svc.ActionHistory(principalFrom(r), r.PathValue("id"), limit)
	if err != nil {
		middleware.WriteKindError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

func (s *HTTPServer) handleMetrics(w http.ResponseWriter, r *http.Request) {
	m, err := s.svc.ContextMetrics(principalFrom(r), r.PathValue("id"))
	if err != nil {
		middleware.WriteKindError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}
