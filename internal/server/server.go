// Package server implements the HTTP surface named in spec §6 as the core's
// upward contract: POST /chat, POST /stream (SSE), GET /health, GET /metrics,
// plus a generated OpenAPI document and a dry-run routing-decision endpoint
// supplemented from the original source.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/llm-gateway/internal/config"
	"github.com/tributary-ai/llm-gateway/internal/metrics"
	mw "github.com/tributary-ai/llm-gateway/internal/middleware"
	"github.com/tributary-ai/llm-gateway/internal/orchestrator"
	"github.com/tributary-ai/llm-gateway/internal/providers"
	"github.com/tributary-ai/llm-gateway/internal/routing"
	"github.com/tributary-ai/llm-gateway/internal/security"
	"github.com/tributary-ai/llm-gateway/internal/state"
	"github.com/tributary-ai/llm-gateway/internal/types"
)

const Version = "1.0.0"

type Server struct {
	cfg          *config.Config
	registry     *providers.Registry
	store        state.Store
	orchestrator *orchestrator.Orchestrator
	router       *routing.Router
	auth         *security.Authenticator
	ingress      *security.IngressLimiter
	metrics      *metrics.Metrics
	logger       *logrus.Logger
	httpServer   *http.Server
}

func New(cfg *config.Config, registry *providers.Registry, store state.Store, r *routing.Router, o *orchestrator.Orchestrator, m *metrics.Metrics, logger *logrus.Logger) *Server {
	s := &Server{
		cfg:          cfg,
		registry:     registry,
		store:        store,
		orchestrator: o,
		router:       r,
		auth:         security.NewAuthenticator(cfg.APIKey),
		ingress:      security.NewIngressLimiter(int(cfg.RateLimitRequestsPerMinute), 10),
		metrics:      m,
		logger:       logger,
	}

	router := mux.NewRouter()
	router.HandleFunc("/chat", s.handleChat).Methods(http.MethodPost)
	router.HandleFunc("/stream", s.handleStream).Methods(http.MethodPost)
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/routing/decision", s.handleRoutingDecision).Methods(http.MethodGet)
	router.Handle("/metrics", m.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/openapi.json", s.handleOpenAPI).Methods(http.MethodGet)

	handler := mw.Recover(logger, mw.AccessLog(logger, mw.WithRequestID(
		mw.Auth(s.auth, mw.RateLimit(s.ingress, router)),
	)))

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streaming responses may run long
	}

	return s
}

func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func decodeRequest(r *http.Request) (*types.ChatRequest, error) {
	var req types.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, fmt.Errorf("invalid JSON body: %w", err)
	}
	req.ApplyDefaults()
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return &req, nil
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	requestID := mw.RequestID(r.Context())

	req, err := decodeRequest(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), requestID)
		return
	}

	resp, err := s.orchestrator.GenerateResponse(r.Context(), req, requestID)
	if err != nil {
		s.writeProviderError(w, err, requestID)
		s.metrics.RequestsTotal.WithLabelValues("/chat", "error").Inc()
		return
	}

	s.metrics.RequestsTotal.WithLabelValues("/chat", "ok").Inc()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	requestID := mw.RequestID(r.Context())

	req, err := decodeRequest(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), requestID)
		return
	}

	if s.cfg.MaxConcurrentStreams > 0 {
		acquired, err := s.store.AcquireSlot(r.Context(), "streams", s.cfg.MaxConcurrentStreams)
		if err != nil {
			s.writeError(w, http.StatusServiceUnavailable, "PROVIDER_UNAVAILABLE", "concurrency check failed", requestID)
			return
		}
		if !acquired {
			s.writeError(w, http.StatusServiceUnavailable, "PROVIDER_UNAVAILABLE", "max concurrent streams reached", requestID)
			return
		}
		defer func() {
			_ = s.store.ReleaseSlot(context.Background(), "streams")
		}()
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "UNKNOWN_ERROR", "streaming unsupported", requestID)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	committed := false
	for ev := range s.orchestrator.StreamResponse(r.Context(), req, requestID) {
		if ev.Err != nil {
			writeSSEError(w, ev.Err, requestID)
			flusher.Flush()
			status := "error"
			if committed {
				status = "terminal_after_commit"
			}
			s.metrics.RequestsTotal.WithLabelValues("/stream", status).Inc()
			return
		}
		committed = true
		fmt.Fprintf(w, "data: %s\n\n", ev.Text)
		flusher.Flush()
	}

	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
	s.metrics.RequestsTotal.WithLabelValues("/stream", "ok").Inc()
}

func writeSSEError(w http.ResponseWriter, err error, requestID string) {
	code, message := errorCodeAndMessage(err)
	payload, _ := json.Marshal(map[string]string{"error": code, "message": message, "request_id": requestID})
	fmt.Fprintf(w, "data: %s\n\n", payload)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if err := s.store.Ping(r.Context()); err != nil {
		status = "degraded"
	}

	providerHealth := make(map[string]types.ProviderHealth, len(s.registry.Names()))
	for _, name := range s.registry.Names() {
		blacklisted, _ := s.store.IsBlacklisted(r.Context(), name)
		health := types.ProviderHealth{State: "available"}
		if blacklisted {
			health.State = "blacklisted"
			ttl, _ := s.store.BlacklistTTL(r.Context(), name)
			health.BlacklistTTLSecs = ttl
		}
		count, _ := s.store.FailureCount(r.Context(), name)
		health.ConsecutiveErrors = count
		providerHealth[name] = health
	}

	resp := types.HealthStatus{Status: status, Version: Version, Providers: providerHealth}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// handleRoutingDecision is a dry-run trace endpoint, supplemented from the
// original source: walks the registry in priority order and lists each
// blacklisted provider up to the first one that is not blacklisted, without
// calling any upstream. It reads no request body and does not consult rate
// limits or a pinned provider.
func (s *Server) handleRoutingDecision(w http.ResponseWriter, r *http.Request) {
	type decision struct {
		Provider string `json:"provider"`
		Reason   string `json:"reason"`
	}

	var trace []decision
	for _, name := range s.registry.Names() {
		blacklisted, _ := s.store.IsBlacklisted(r.Context(), name)
		if blacklisted {
			trace = append(trace, decision{Provider: name, Reason: "blacklisted"})
			continue
		}
		trace = append(trace, decision{Provider: name, Reason: "would be attempted first"})
		break
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"candidates": trace})
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message, requestID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code, "message": message, "request_id": requestID})
}

func (s *Server) writeProviderError(w http.ResponseWriter, err error, requestID string) {
	code, message := errorCodeAndMessage(err)
	s.writeError(w, statusForCode(code), code, message, requestID)
}

func errorCodeAndMessage(err error) (string, string) {
	if pe, ok := err.(*types.ProviderError); ok {
		return string(pe.Code), pe.Message
	}
	return string(types.ErrUnknown), err.Error()
}

// statusForCode is the status mapping table from spec §6.
func statusForCode(code string) int {
	switch types.ErrorCode(code) {
	case types.ErrRateLimit:
		return http.StatusTooManyRequests
	case types.ErrUnauthorized, types.ErrForbidden:
		return http.StatusForbidden
	case types.ErrInvalidProvider:
		return http.StatusBadRequest
	case types.ErrAllProvidersFailed, types.ErrProviderUnavailable:
		return http.StatusServiceUnavailable
	case types.ErrGlobalTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
