// Package openaicompat implements the shared adapter logic for upstream
// providers that speak the OpenAI chat-completions wire format: Groq and
// OpenRouter are byte-for-byte the same protocol modulo base URL and a
// couple of extra headers, so both are thin configurations of one Adapter
// rather than duplicated implementations.
package openaicompat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/llm-gateway/internal/types"
)

// Config configures one OpenAI-compatible upstream.
type Config struct {
	ProviderName string
	BaseURL      string
	APIKey       string
	DefaultModel string
	Timeout      time.Duration

	// ExtraHeaders is attached to every Stream request; OpenRouter uses this
	// for HTTP-Referer and X-Title. Generate goes through the go-openai SDK
	// client, which does not send these headers.
	ExtraHeaders map[string]string
}

// Adapter talks to any OpenAI-chat-completions-compatible upstream.
type Adapter struct {
	cfg        Config
	httpClient *http.Client
	sdkClient  *openai.Client
	logger     *logrus.Logger
}

func New(cfg Config, logger *logrus.Logger) *Adapter {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	sdkConfig := openai.DefaultConfig(cfg.APIKey)
	sdkConfig.BaseURL = cfg.BaseURL
	sdkConfig.HTTPClient = &http.Client{Timeout: cfg.Timeout}

	return &Adapter{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		sdkClient:  openai.NewClientWithConfig(sdkConfig),
		logger:     logger,
	}
}

func (a *Adapter) Name() string { return a.cfg.ProviderName }

func (a *Adapter) model(req *types.ChatRequest) string {
	if req.Model != "" {
		return req.Model
	}
	return a.cfg.DefaultModel
}

func toSDKMessages(msgs []types.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, len(msgs))
	for i, m := range msgs {
		out[i] = openai.ChatCompletionMessage{Role: string(m.Role), Content: m.Content}
	}
	return out
}

// Generate performs a unary call via the go-openai SDK client, which already
// speaks this exact wire format — there is no parsing-contract requirement
// on the unary path the way there is on streaming, so reuse is safe here.
func (a *Adapter) Generate(ctx context.Context, req *types.ChatRequest) (*types.ChatResponse, error) {
	sdkReq := openai.ChatCompletionRequest{
		Model:       a.model(req),
		Messages:    toSDKMessages(req.Messages),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}

	resp, err := a.sdkClient.CreateChatCompletion(ctx, sdkReq)
	if err != nil {
		return nil, a.classify(err)
	}

	if len(resp.Choices) == 0 {
		return nil, types.NewProviderError(a.cfg.ProviderName, types.ErrInvalidResponse,
			"response contains no choices", false, nil)
	}

	return &types.ChatResponse{
		Text:         resp.Choices[0].Message.Content,
		ProviderName: a.cfg.ProviderName,
		Model:        resp.Model,
		ProviderMeta: map[string]interface{}{
			"tokens_prompt":     resp.Usage.PromptTokens,
			"tokens_completion": resp.Usage.CompletionTokens,
			"tokens_total":      resp.Usage.TotalTokens,
		},
	}, nil
}

// Stream hand-rolls SSE parsing against the exact contract in spec §4.2:
// "data: " lines, blank/comment lines ignored, "[DONE]" terminates,
// malformed JSON is logged and skipped rather than fatal. The go-openai
// SDK's own stream decoder does not expose that skip-on-malformed behavior,
// so this path talks to the HTTP body directly instead of through the SDK.
func (a *Adapter) Stream(ctx context.Context, req *types.ChatRequest) (<-chan string, <-chan error) {
	chunks := make(chan string)
	errc := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errc)

		payload := map[string]interface{}{
			"model":       a.model(req),
			"messages":    toSDKMessages(req.Messages),
			"max_tokens":  req.MaxTokens,
			"temperature": req.Temperature,
			"stream":      true,
		}
		body, err := json.Marshal(payload)
		if err != nil {
			errc <- types.NewProviderError(a.cfg.ProviderName, types.ErrUnknown, "failed to encode request", false, err)
			return
		}

		url := strings.TrimRight(a.cfg.BaseURL, "/") + "/chat/completions"
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			errc <- types.NewProviderError(a.cfg.ProviderName, types.ErrUnknown, "failed to build request", false, err)
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
		for k, v := range a.cfg.ExtraHeaders {
			httpReq.Header.Set(k, v)
		}

		resp, err := a.httpClient.Do(httpReq)
		if err != nil {
			errc <- a.classifyTransport(err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			errc <- types.ClassifyHTTPStatus(a.cfg.ProviderName, resp.StatusCode, string(msg), nil)
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
			if line == "" || strings.HasPrefix(line, ":") {
				continue
			}
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				return
			}

			var parsed sseChunk
			if err := json.Unmarshal([]byte(data), &parsed); err != nil {
				a.logger.WithFields(logrus.Fields{"provider": a.cfg.ProviderName}).
					Warnf("could not parse stream chunk: %s", data)
				continue
			}
			if len(parsed.Choices) == 0 {
				continue
			}
			content := parsed.Choices[0].Delta.Content
			if content == "" {
				continue
			}

			select {
			case chunks <- content:
			case <-ctx.Done():
				return
			}
		}

		if err := scanner.Err(); err != nil {
			errc <- types.NewProviderError(a.cfg.ProviderName, types.ErrTimeout, "stream read failed", true, err)
		}
	}()

	return chunks, errc
}

type sseChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

func (a *Adapter) classify(err error) *types.ProviderError {
	var apiErr *openai.APIError
	if ok := asAPIError(err, &apiErr); ok {
		return types.ClassifyHTTPStatus(a.cfg.ProviderName, apiErr.HTTPStatusCode, apiErr.Message, err)
	}
	return types.NewProviderError(a.cfg.ProviderName, types.ErrUnknown, err.Error(), false, err)
}

func asAPIError(err error, target **openai.APIError) bool {
	type apiErrUnwrapper interface{ Unwrap() error }
	for err != nil {
		if ae, ok := err.(*openai.APIError); ok {
			*target = ae
			return true
		}
		u, ok := err.(apiErrUnwrapper)
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// classifyTransport mirrors the original's distinction between a timeout
// exception (retriable) and every other transport failure (not retriable) —
// a refused connection, DNS failure, or TLS error is not something backing
// off and retrying the same provider will fix.
func (a *Adapter) classifyTransport(err error) *types.ProviderError {
	if isTimeout(err) {
		return types.NewProviderError(a.cfg.ProviderName, types.ErrTimeout, fmt.Sprintf("timeout connecting to %s: %v", a.cfg.ProviderName, err), true, err)
	}
	return types.NewProviderError(a.cfg.ProviderName, types.ErrUnknown, err.Error(), false, err)
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
