package generator

import (
	"context"
	"errors"
	"fmt"

	"github.com/fincoach/insightcache/pkg/config"
	"github.com/fincoach/insightcache/pkg/models"
)

// NamedGenerator is a Generator that can be identified in a chain.
type NamedGenerator interface {
	Generator
	Name() string
}

// Chain tries its providers in order and returns the first success.
type Chain struct {
	providers []NamedGenerator
}

// NewChain returns a chain over providers in the given order.
func NewChain(providers ...NamedGenerator) *Chain {
	return &Chain{providers: providers}
}

// NewChainFromConfig builds HTTP providers in configuration order.
func NewChainFromConfig(cfg config.GeneratorConfig) *Chain {
	providers := make([]NamedGenerator, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		providers = append(providers, NewHTTPProvider(p, cfg.Model))
	}
	return NewChain(providers...)
}

// Model reports the model of the primary provider.
func (c *Chain) Model() string {
	if len(c.providers) == 0 {
		return ""
	}
	return c.providers[0].Model()
}

// Generate implements Generator.
func (c *Chain) Generate(ctx context.Context, content models.ContentContext, prompt string) (string, error) {
	if len(c.providers) == 0 {
		return "", ErrNoProviders
	}

	var errs []error
	for _, p := range c.providers {
		text, err := p.Generate(ctx, content, prompt)
		if err == nil {
			return text, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
		if !isRetryable(ctx, err) {
			break
		}
	}
	return "", errors.Join(errs...)
}

// isRetryable returns true if the error warrants trying the next provider.
func isRetryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	return true
}
