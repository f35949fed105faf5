// Package ollama implements the provider adapter for a local Ollama server.
// Ollama has no chat-messages endpoint in the form this gateway needs, so
// the adapter flattens the transcript into a single role-prefixed prompt and
// talks to /api/generate, whose streaming framing is JSONL rather than SSE.
package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/llm-gateway/internal/types"
)

const (
	Name             = "ollama"
	DefaultBaseURL   = "http://localhost:11434"
	DefaultModel     = "llama3"
)

type Adapter struct {
	baseURL      string
	defaultModel string
	httpClient   *http.Client
	logger       *logrus.Logger
}

func New(baseURL, defaultModel string, timeout time.Duration, logger *logrus.Logger) *Adapter {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if defaultModel == "" {
		defaultModel = DefaultModel
	}
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Adapter{
		baseURL:      baseURL,
		defaultModel: defaultModel,
		httpClient:   &http.Client{Timeout: timeout},
		logger:       logger,
	}
}

func (a *Adapter) Name() string { return Name }

func (a *Adapter) model(req *types.ChatRequest) string {
	if req.Model != "" {
		return req.Model
	}
	return a.defaultModel
}

// messagesToPrompt flattens the transcript into "Role: content" lines,
// newline-joined, matching the original adapter's prompt construction.
func messagesToPrompt(msgs []types.Message) string {
	var b strings.Builder
	for i, m := range msgs {
		if i > 0 {
			b.WriteString("\n")
		}
		role := strings.ToUpper(string(m.Role[:1])) + string(m.Role[1:])
		b.WriteString(role)
		b.WriteString(": ")
		b.WriteString(m.Content)
	}
	return b.String()
}

func (a *Adapter) buildPayload(req *types.ChatRequest, stream bool) map[string]interface{} {
	return map[string]interface{}{
		"model":  a.model(req),
		"prompt": messagesToPrompt(req.Messages),
		"stream": stream,
		"options": map[string]interface{}{
			"num_predict": req.MaxTokens,
			"temperature": req.Temperature,
		},
	}
}

type generateResponse struct {
	Response       string `json:"response"`
	Done           bool   `json:"done"`
	TotalDuration  int64  `json:"total_duration"`
	LoadDuration   int64  `json:"load_duration"`
	PromptEvalCount int   `json:"prompt_eval_count"`
	EvalCount      int    `json:"eval_count"`
}

func (a *Adapter) Generate(ctx context.Context, req *types.ChatRequest) (*types.ChatResponse, error) {
	body, err := json.Marshal(a.buildPayload(req, false))
	if err != nil {
		return nil, types.NewProviderError(Name, types.ErrUnknown, "failed to encode request", false, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, types.NewProviderError(Name, types.ErrUnknown, "failed to build request", false, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, classifyTransport(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, types.ClassifyHTTPStatus(Name, resp.StatusCode, fmt.Sprintf("ollama returned status %d", resp.StatusCode), nil)
	}

	var parsed generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, types.NewProviderError(Name, types.ErrInvalidResponse, "could not decode ollama response", false, err)
	}

	return &types.ChatResponse{
		Text:         parsed.Response,
		ProviderName: Name,
		Model:        a.model(req),
		ProviderMeta: map[string]interface{}{
			"total_duration":    parsed.TotalDuration,
			"load_duration":     parsed.LoadDuration,
			"prompt_eval_count": parsed.PromptEvalCount,
			"eval_count":        parsed.EvalCount,
			"done":              parsed.Done,
		},
	}, nil
}

// Stream parses Ollama's JSONL streaming framing: one JSON object per line,
// emitting the "response" field whenever non-empty, stopping on "done":true.
func (a *Adapter) Stream(ctx context.Context, req *types.ChatRequest) (<-chan string, <-chan error) {
	chunks := make(chan string)
	errc := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errc)

		body, err := json.Marshal(a.buildPayload(req, true))
		if err != nil {
			errc <- types.NewProviderError(Name, types.ErrUnknown, "failed to encode request", false, err)
			return
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/api/generate", bytes.NewReader(body))
		if err != nil {
			errc <- types.NewProviderError(Name, types.ErrUnknown, "failed to build request", false, err)
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := a.httpClient.Do(httpReq)
		if err != nil {
			errc <- classifyTransport(err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			errc <- types.ClassifyHTTPStatus(Name, resp.StatusCode, fmt.Sprintf("ollama returned status %d", resp.StatusCode), nil)
			return
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		for scanner.Scan() {
			select {
			case <-ctx.Done():
				return
			default:
			}

			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}

			var parsed generateResponse
			if err := json.Unmarshal([]byte(line), &parsed); err != nil {
				a.logger.WithField("provider", Name).Warnf("could not parse stream line: %s", line)
				continue
			}

			if parsed.Response != "" {
				select {
				case chunks <- parsed.Response:
				case <-ctx.Done():
					return
				}
			}
			if parsed.Done {
				return
			}
		}

		if err := scanner.Err(); err != nil {
			errc <- classifyTransport(err)
		}
	}()

	return chunks, errc
}

// classifyTransport mirrors the original's distinction between a timeout
// exception (retriable) and every other transport failure (not retriable):
// an unreachable or down local Ollama server is not fixed by backing off
// and retrying it.
func classifyTransport(err error) *types.ProviderError {
	if isTimeout(err) {
		return types.NewProviderError(Name, types.ErrTimeout, fmt.Sprintf("timeout connecting to %s: %v", Name, err), true, err)
	}
	return types.NewProviderError(Name, types.ErrUnknown, err.Error(), false, err)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}
