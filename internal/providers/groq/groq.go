// Package groq configures the shared OpenAI-compatible adapter for Groq.
package groq

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/llm-gateway/internal/providers/openaicompat"
)

const (
	Name            = "groq"
	DefaultBaseURL  = "https://api.groq.com/openai/v1"
	DefaultModel    = "llama-3.3-70b-versatile"
)

func New(apiKey, baseURL, defaultModel string, timeout time.Duration, logger *logrus.Logger) *openaicompat.Adapter {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if defaultModel == "" {
		defaultModel = DefaultModel
	}
	return openaicompat.New(openaicompat.Config{
		ProviderName: Name,
		BaseURL:      baseURL,
		APIKey:       apiKey,
		DefaultModel: defaultModel,
		Timeout:      timeout,
	}, logger)
}
