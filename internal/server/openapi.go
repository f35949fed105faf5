package server

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/getkin/kin-openapi/openapi3"
)

var (
	openAPIOnce sync.Once
	openAPIDoc  []byte
)

// buildOpenAPIDocument constructs the document in-memory from a kin-openapi
// model rather than reading a static YAML file off disk. The path list is
// written out here by hand: it covers /chat, /stream, /health and
// /routing/decision; /metrics and /openapi.json are not listed.
func buildOpenAPIDocument() []byte {
	doc := &openapi3.T{
		OpenAPI: "3.0.3",
		Info: &openapi3.Info{
			Title:       "LLM Gateway",
			Version:     Version,
			Description: "Multi-provider chat completion gateway with failover routing.",
		},
		Paths: openapi3.NewPaths(),
	}

	chatOp := &openapi3.Operation{
		Summary:   "Generate a single chat completion",
		Responses: openapi3.NewResponses(),
	}
	chatOp.Responses.Set("200", &openapi3.ResponseRef{Value: openapi3.NewResponse().WithDescription("chat response")})
	doc.Paths.Set("/chat", &openapi3.PathItem{Post: chatOp})

	streamOp := &openapi3.Operation{
		Summary:   "Generate a streamed chat completion (SSE)",
		Responses: openapi3.NewResponses(),
	}
	streamOp.Responses.Set("200", &openapi3.ResponseRef{Value: openapi3.NewResponse().WithDescription("text/event-stream of chunks")})
	doc.Paths.Set("/stream", &openapi3.PathItem{Post: streamOp})

	healthOp := &openapi3.Operation{
		Summary:   "Report gateway and per-provider health",
		Responses: openapi3.NewResponses(),
	}
	healthOp.Responses.Set("200", &openapi3.ResponseRef{Value: openapi3.NewResponse().WithDescription("health status")})
	doc.Paths.Set("/health", &openapi3.PathItem{Get: healthOp})

	decisionOp := &openapi3.Operation{
		Summary:   "Dry-run which provider would be chosen next",
		Responses: openapi3.NewResponses(),
	}
	decisionOp.Responses.Set("200", &openapi3.ResponseRef{Value: openapi3.NewResponse().WithDescription("candidate trace")})
	doc.Paths.Set("/routing/decision", &openapi3.PathItem{Get: decisionOp})

	data, err := doc.MarshalJSON()
	if err != nil {
		// Falls back to a minimal valid document; this only happens if the
		// in-memory model above is malformed, never at request time.
		data, _ = json.Marshal(map[string]string{"openapi": "3.0.3"})
	}
	return data
}

func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	openAPIOnce.Do(func() {
		openAPIDoc = buildOpenAPIDocument()
	})
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(openAPIDoc)
}
