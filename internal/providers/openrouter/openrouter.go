// Package openrouter configures the shared OpenAI-compatible adapter for
// OpenRouter, adding HTTP-Referer and X-Title headers (when set in Options)
// to streaming requests; unary Generate calls are sent without them.
package openrouter

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/llm-gateway/internal/providers/openaicompat"
)

const (
	Name           = "openrouter"
	DefaultBaseURL = "https://openrouter.ai/api/v1"
	DefaultModel   = "openrouter/auto"
)

type Options struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	Timeout      time.Duration
	Referer      string
	Title        string
}

func New(opts Options, logger *logrus.Logger) *openaicompat.Adapter {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.DefaultModel == "" {
		opts.DefaultModel = DefaultModel
	}

	headers := map[string]string{}
	if opts.Referer != "" {
		headers["HTTP-Referer"] = opts.Referer
	}
	if opts.Title != "" {
		headers["X-Title"] = opts.Title
	}

	return openaicompat.New(openaicompat.Config{
		ProviderName: Name,
		BaseURL:      opts.BaseURL,
		APIKey:       opts.APIKey,
		DefaultModel: opts.DefaultModel,
		Timeout:      opts.Timeout,
		ExtraHeaders: headers,
	}, logger)
}
