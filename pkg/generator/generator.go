// Package generator talks to the external text generators (LLM APIs)
// that produce insight commentary. Callers see a single Generator; the
// concrete value is usually a Breaker around a Chain of HTTP providers.
package generator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/fincoach/insightcache/pkg/models"
)

var (
	// ErrNoProviders is returned when no upstream provider is configured.
	ErrNoProviders = errors.New("no generator providers configured")

	// ErrEmptyResponse is returned when a provider answers without text.
	ErrEmptyResponse = errors.New("generator returned empty response")
)

// Generator produces commentary for a content context and prompt.
type Generator interface {
	// Generate returns the commentary text. It may take seconds and must
	// honour ctx cancellation.
	Generate(ctx context.Context, content models.ContentContext, prompt string) (string, error)
	// Model names the model recorded alongside generated entries.
	Model() string
}

// Func adapts a function to the Generator interface.
type Func func(ctx context.Context, content models.ContentContext, prompt string) (string, error)

// Generate calls f.
func (f Func) Generate(ctx context.Context, content models.ContentContext, prompt string) (string, error) {
	return f(ctx, content, prompt)
}

// Model implements Generator.
func (f Func) Model() string { return "func" }

// StatusError reports a non-2xx upstream answer.
type StatusError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s API error (status %d): %s", e.Provider, e.StatusCode, e.Body)
}

// Retryable reports whether the next provider in a chain should be tried.
func (e *StatusError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429 || e.StatusCode == 401 || e.StatusCode == 403
}

const systemPrompt = `Você é um assistente financeiro que comenta os dados financeiros pessoais do usuário.
Baseie-se apenas no contexto fornecido e não invente informações.
Responda de forma curta, no estilo da personalidade %q.`

func renderSystem(content models.ContentContext) string {
	personality := content.Personality
	if personality == "" {
		personality = "clara"
	}
	return fmt.Sprintf(systemPrompt, personality)
}

// renderUser appends the JSON rendering of content to the prompt text.
func renderUser(content models.ContentContext, prompt string) (string, error) {
	data, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		return "", fmt.Errorf("render context: %w", err)
	}
	var b strings.Builder
	b.WriteString(strings.TrimSpace(prompt))
	b.WriteString("\n\nContexto financeiro:\n")
	b.Write(data)
	return b.String(), nil
}
