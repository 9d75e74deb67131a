package generator

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/fincoach/insightcache/pkg/config"
	"github.com/fincoach/insightcache/pkg/models"
)

// Breaker wraps a Generator with a circuit breaker so a failing upstream
// is short-circuited instead of being hit by every cache miss.
type Breaker struct {
	next Generator
	cb   *gobreaker.CircuitBreaker
}

// NewBreaker wraps next using cfg.
func NewBreaker(name string, next Generator, cfg config.BreakerConfig, logger zerolog.Logger) *Breaker {
	minRequests := cfg.MinRequests
	ratio := cfg.FailureRatio
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < minRequests || ratio <= 0 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= ratio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("generator breaker state changed")
		},
		IsSuccessful: func(err error) bool {
			// A caller giving up is not an upstream failure.
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	return &Breaker{next: next, cb: cb}
}

// Model implements Generator.
func (b *Breaker) Model() string { return b.next.Model() }

// State exposes the breaker state for diagnostics.
func (b *Breaker) State() gobreaker.State { return b.cb.State() }

// Generate implements Generator. gobreaker.ErrOpenState and
// gobreaker.ErrTooManyRequests are returned unwrapped when the call is
// rejected.
func (b *Breaker) Generate(ctx context.Context, content models.ContentContext, prompt string) (string, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Generate(ctx, content, prompt)
	})
	if err != nil {
		return "", err
	}
	return out.(string), nil
}

// New builds the configured generator stack: HTTP providers in a fallback
// chain behind a circuit breaker.
func New(cfg config.GeneratorConfig, logger zerolog.Logger) Generator {
	return NewBreaker("generator", NewChainFromConfig(cfg), cfg.Breaker, logger)
}

