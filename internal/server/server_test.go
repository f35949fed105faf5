package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/tributary-ai/llm-gateway/internal/config"
	"github.com/tributary-ai/llm-gateway/internal/metrics"
	"github.com/tributary-ai/llm-gateway/internal/orchestrator"
	"github.com/tributary-ai/llm-gateway/internal/providers"
	"github.com/tributary-ai/llm-gateway/internal/routing"
	"github.com/tributary-ai/llm-gateway/internal/state"
	"github.com/tributary-ai/llm-gateway/internal/types"
)

type fakeProvider struct {
	name  string
	text  string
	err   error
	delay time.Duration
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Generate(ctx context.Context, req *types.ChatRequest) (*types.ChatResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &types.ChatResponse{Text: f.text, ProviderName: f.name, Model: req.Model}, nil
}

func (f *fakeProvider) Stream(ctx context.Context, req *types.ChatRequest) (<-chan string, <-chan error) {
	chunks := make(chan string)
	errc := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errc)
		if f.err != nil {
			errc <- f.err
			return
		}
		select {
		case chunks <- f.text:
		case <-ctx.Done():
			return
		}
	}()
	return chunks, errc
}

func newTestServer(t *testing.T, apiKey string) (*Server, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)

	store, err := state.NewRedisStore("redis://" + mr.Addr())
	require.NoError(t, err)

	registry := providers.NewRegistry()
	registry.Register(&fakeProvider{name: "fake", text: "hello there"})

	logger := logrus.New()
	logger.SetOutput(bytes.NewBuffer(nil))

	router := routing.NewRouter(registry, store, routing.Config{}, logger)
	orch := orchestrator.New(router, 5*time.Second, logger)
	m := metrics.New()

	cfg := &config.Config{
		Host:                       "127.0.0.1",
		Port:                       0,
		APIKey:                     apiKey,
		RateLimitRequestsPerMinute: 1000,
	}

	srv := New(cfg, registry, store, router, orch, m, logger)
	return srv, func() { mr.Close() }
}

func validChatBody() []byte {
	body, _ := json.Marshal(map[string]interface{}{
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	})
	return body
}

func TestHandleChatHappyPath(t *testing.T) {
	srv, cleanup := newTestServer(t, "")
	defer cleanup()

	req := httptest.NewRequest(http.MethodPost, "/chat", bytes.NewReader(validChatBody()))
	w := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var resp types.ChatResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "hello there", resp.Text)
}

func TestHandleChatRejectsMalformedJSON(t *testing.T) {
	srv, cleanup := newTestServer(t, "")
	defer cleanup()

	req := httptest.NewRequest(http.MethodPost, "/chat", bytes.NewReader([]byte("not json")))
	w := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleChatRequiresAuthWhenConfigured(t *testing.T) {
	srv, cleanup := newTestServer(t, "secret")
	defer cleanup()

	req := httptest.NewRequest(http.MethodPost, "/chat", bytes.NewReader(validChatBody()))
	w := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	req2 := httptest.NewRequest(http.MethodPost, "/chat", bytes.NewReader(validChatBody()))
	req2.Header.Set("Authorization", "Bearer secret")
	w2 := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(w2, req2)
	require.Equal(t, http.StatusOK, w2.Code)
}

func TestHandleStreamEmitsSSEFrames(t *testing.T) {
	srv, cleanup := newTestServer(t, "")
	defer cleanup()

	req := httptest.NewRequest(http.MethodPost, "/stream", bytes.NewReader(validChatBody()))
	w := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	scanner := bufio.NewScanner(w.Body)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	require.Contains(t, lines, "data: hello there")
	require.Contains(t, lines, "data: [DONE]")
}

func TestHandleHealthReportsProviders(t *testing.T) {
	srv, cleanup := newTestServer(t, "")
	defer cleanup()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var status types.HealthStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	require.Equal(t, "ok", status.Status)
	require.Contains(t, status.Providers, "fake")
}

func TestHandleOpenAPIServesDocument(t *testing.T) {
	srv, cleanup := newTestServer(t, "")
	defer cleanup()

	req := httptest.NewRequest(http.MethodGet, "/openapi.json", nil)
	w := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &doc))
	require.Equal(t, "3.0.3", doc["openapi"])
}

func TestHandleRoutingDecisionTracesCandidates(t *testing.T) {
	srv, cleanup := newTestServer(t, "")
	defer cleanup()

	req := httptest.NewRequest(http.MethodGet, "/routing/decision", nil)
	w := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Candidates []struct {
			Provider string `json:"provider"`
			Reason   string `json:"reason"`
		} `json:"candidates"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Candidates, 1)
	require.Equal(t, "fake", body.Candidates[0].Provider)
	require.Equal(t, "would be attempted first", body.Candidates[0].Reason)
}
