// Package anthropicnative is a fourth provider adapter speaking Anthropic's
// native Messages API directly, rather than through an OpenAI-compatible
// shim. Spec's provider list ends in "Groq, OpenRouter, a local Ollama, …":
// this adapter is the concrete extension that ellipsis invites.
package anthropicnative

import (
	"context"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/llm-gateway/internal/types"
)

const (
	Name         = "anthropic"
	DefaultModel = "claude-3-5-sonnet-latest"
)

type Adapter struct {
	client       anthropic.Client
	defaultModel string
	logger       *logrus.Logger
}

func New(apiKey, defaultModel string, timeout time.Duration, logger *logrus.Logger) *Adapter {
	if defaultModel == "" {
		defaultModel = DefaultModel
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(timeout))
	}
	return &Adapter{
		client:       anthropic.NewClient(opts...),
		defaultModel: defaultModel,
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

func toMessageParams(msgs []types.Message) ([]anthropic.MessageParam, string) {
	var system string
	out := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case types.RoleSystem:
			if system != "" {
				system += "\n"
			}
			system += m.Content
		case types.RoleAssistant:
			out = append(out, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	return out, system
}

func (a *Adapter) Generate(ctx context.Context, req *types.ChatRequest) (*types.ChatResponse, error) {
	messages, system := toMessageParams(req.Messages)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model(req)),
		MaxTokens: int64(req.MaxTokens),
		Messages:  messages,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return nil, a.classify(err)
	}

	var text string
	for _, block := range resp.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	return &types.ChatResponse{
		Text:         text,
		ProviderName: Name,
		Model:        string(resp.Model),
		ProviderMeta: map[string]interface{}{
			"tokens_prompt":     resp.Usage.InputTokens,
			"tokens_completion": resp.Usage.OutputTokens,
			"tokens_total":      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}, nil
}

func (a *Adapter) Stream(ctx context.Context, req *types.ChatRequest) (<-chan string, <-chan error) {
	chunks := make(chan string)
	errc := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errc)

		messages, system := toMessageParams(req.Messages)
		params := anthropic.MessageNewParams{
			Model:     anthropic.Model(a.model(req)),
			MaxTokens: int64(req.MaxTokens),
			Messages:  messages,
		}
		if system != "" {
			params.System = []anthropic.TextBlockParam{{Text: system}}
		}

		stream := a.client.Messages.NewStreaming(ctx, params)
		defer stream.Close()

		for stream.Next() {
			event := stream.Current()
			delta, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent)
			if !ok {
				continue
			}
			text := delta.Delta.Text
			if text == "" {
				continue
			}
			select {
			case chunks <- text:
			case <-ctx.Done():
				return
			}
		}

		if err := stream.Err(); err != nil {
			errc <- a.classify(err)
		}
	}()

	return chunks, errc
}

func (a *Adapter) classify(err error) *types.ProviderError {
	var apiErr *anthropic.Error
	if apiErrP, ok := err.(*anthropic.Error); ok {
		apiErr = apiErrP
		return types.ClassifyHTTPStatus(Name, apiErr.StatusCode, apiErr.Error(), err)
	}
	return types.NewProviderError(Name, types.ErrUnknown, err.Error(), false, err)
}
