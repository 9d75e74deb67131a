package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fincoach/insightcache/pkg/config"
	"github.com/fincoach/insightcache/pkg/models"
)

const (
	defaultOpenAIURL    = "https://api.openai.com/v1"
	defaultAnthropicURL = "https://api.anthropic.com"
	anthropicVersion    = "2023-06-01"
	anthropicMaxTokens  = 512

	// maxErrorBody caps the upstream body kept on a StatusError.
	maxErrorBody = 512
)

// HTTPProvider calls an OpenAI-compatible or Anthropic chat endpoint.
type HTTPProvider struct {
	name   string
	kind   string
	url    string
	apiKey string
	model  string
	client *http.Client
}

// NewHTTPProvider builds a provider from its config. fallbackModel is used
// when the provider does not name one.
func NewHTTPProvider(cfg config.ProviderConfig, fallbackModel string) *HTTPProvider {
	kind := cfg.Type
	if kind == "" {
		kind = "openai"
	}
	base := cfg.URL
	if base == "" {
		base = defaultOpenAIURL
		if kind == "anthropic" {
			base = defaultAnthropicURL
		}
	}
	model := cfg.Model
	if model == "" {
		model = fallbackModel
	}
	return &HTTPProvider{
		name:   cfg.Name,
		kind:   kind,
		url:    strings.TrimRight(base, "/"),
		apiKey: cfg.APIKey,
		model:  model,
		client: &http.Client{Timeout: 90 * time.Second},
	}
}

// Name returns the configured provider name.
func (p *HTTPProvider) Name() string { return p.name }

// Model implements Generator.
func (p *HTTPProvider) Model() string { return p.model }

// Generate implements Generator.
func (p *HTTPProvider) Generate(ctx context.Context, content models.ContentContext, prompt string) (string, error) {
	user, err := renderUser(content, prompt)
	if err != nil {
		return "", err
	}
	if p.kind == "anthropic" {
		return p.generateAnthropic(ctx, renderSystem(content), user)
	}
	return p.generateOpenAI(ctx, renderSystem(content), user)
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type openAIResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (p *HTTPProvider) generateOpenAI(ctx context.Context, system, user string) (string, error) {
	body, err := json.Marshal(openAIRequest{
		Model: p.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
	})
	if err != nil {
		return "", fmt.Errorf("openai marshal: %w", err)
	}

	headers := map[string]string{"Authorization": "Bearer " + p.apiKey}
	respBody, err := p.do(ctx, "/chat/completions", headers, body)
	if err != nil {
		return "", err
	}

	var result openAIResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("openai unmarshal: %w", err)
	}
	if len(result.Choices) == 0 || strings.TrimSpace(result.Choices[0].Message.Content) == "" {
		return "", ErrEmptyResponse
	}
	return result.Choices[0].Message.Content, nil
}

type anthropicRequest struct {
	Model     string        `json:"model"`
	System    string        `json:"system,omitempty"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

func (p *HTTPProvider) generateAnthropic(ctx context.Context, system, user string) (string, error) {
	body, err := json.Marshal(anthropicRequest{
		Model:     p.model,
		System:    system,
		Messages:  []chatMessage{{Role: "user", Content: user}},
		MaxTokens: anthropicMaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("anthropic marshal: %w", err)
	}

	headers := map[string]string{
		"x-api-key":         p.apiKey,
		"anthropic-version": anthropicVersion,
	}
	respBody, err := p.do(ctx, "/v1/messages", headers, body)
	if err != nil {
		return "", err
	}

	var result anthropicResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("anthropic unmarshal: %w", err)
	}
	var b strings.Builder
	for _, c := range result.Content {
		if c.Type == "text" {
			b.WriteString(c.Text)
		}
	}
	if strings.TrimSpace(b.String()) == "" {
		return "", ErrEmptyResponse
	}
	return b.String(), nil
}

// do posts body to the provider and returns the response body of a 2xx
// answer.
func (p *HTTPProvider) do(ctx context.Context, path string, headers map[string]string, body []byte) ([]byte, error) {
	target, err := url.Parse(p.url + path)
	if err != nil {
		return nil, fmt.Errorf("invalid provider URL: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s http: %w", p.name, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if len(respBody) > maxErrorBody {
			respBody = respBody[:maxErrorBody]
		}
		return nil, &StatusError{Provider: p.name, StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	return respBody, nil
}
