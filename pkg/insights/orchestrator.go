// Package insights serves generated financial commentary through the
// persistent cache. The Orchestrator is the single read path used by
// presentation code; Invalidator and Reporter are the write-side and
// diagnostic companions.
package insights

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/fincoach/insightcache/pkg/generator"
	"github.com/fincoach/insightcache/pkg/hasher"
	"github.com/fincoach/insightcache/pkg/models"
	"github.com/fincoach/insightcache/pkg/policy"
	"github.com/fincoach/insightcache/pkg/store"
)

// DefaultPersonality is used when a request does not name one.
const DefaultPersonality = "clara"

// DefaultCoalescedTimeout bounds shared generations when coalescing is on
// and no generation timeout is configured.
const DefaultCoalescedTimeout = 60 * time.Second

// usageTimeout bounds a background usage counter update.
const usageTimeout = 2 * time.Second

// ErrInvalidRequest is returned by GetOrGenerate for malformed requests.
// It is the only error GetOrGenerate returns.
var ErrInvalidRequest = errors.New("invalid insight request")

// Request asks for one insight.
type Request struct {
	UserID          int64                    `json:"user_id" validate:"gt=0"`
	InsightType     models.InsightType       `json:"insight_type" validate:"required,max=64"`
	Personality     string                   `json:"personality" validate:"max=64"`
	Context         models.ContentContext    `json:"context"`
	Prompt          string                   `json:"prompt"`
	Params          models.PersonalityParams `json:"params"`
	ForceRegenerate bool                     `json:"force_regenerate"`
}

// GeneratorError wraps a failed generator call.
type GeneratorError struct {
	InsightType models.InsightType
	Panicked    bool
	Err         error
}

func (e *GeneratorError) Error() string {
	return fmt.Sprintf("generate %s: %v", e.InsightType, e.Err)
}

func (e *GeneratorError) Unwrap() error { return e.Err }

// Orchestrator combines hashing, policy, store and generator.
type Orchestrator struct {
	store    store.Store
	policies *policy.Table
	gen      generator.Generator
	logger   zerolog.Logger
	now      func() time.Time
	timeout  time.Duration
	flight   *singleflight.Group
	validate *validator.Validate

	pending sync.WaitGroup
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithClock overrides the time source used for created/expires stamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithGenerationTimeout bounds each generator call. Zero disables the
// bound and leaves cancellation to the caller's context, except with
// coalescing where DefaultCoalescedTimeout applies.
func WithGenerationTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.timeout = d }
}

// WithCoalescing makes concurrent non-forced misses for the same
// composite key share a single generator call within this process.
func WithCoalescing(enabled bool) Option {
	return func(o *Orchestrator) {
		if enabled {
			o.flight = &singleflight.Group{}
		} else {
			o.flight = nil
		}
	}
}

// NewOrchestrator returns an Orchestrator. It is safe for concurrent use.
func NewOrchestrator(st store.Store, policies *policy.Table, gen generator.Generator, opts ...Option) *Orchestrator {
	if policies == nil {
		policies = policy.Default()
	}
	o := &Orchestrator{
		store:    st,
		policies: policies,
		gen:      gen,
		logger:   zerolog.Nop(),
		now:      time.Now,
		validate: validator.New(),
	}
	for _, opt := range opts {
		opt(o)
	}
	// A shared call is detached from its waiters, so it needs its own bound.
	if o.flight != nil && o.timeout <= 0 {
		o.timeout = DefaultCoalescedTimeout
	}
	return o
}

// Wait blocks until background usage updates have finished. Call it
// before closing the store.
func (o *Orchestrator) Wait() {
	o.pending.Wait()
}

// GetOrGenerate returns the cached insight for the request or generates,
// persists and returns a fresh one. Cache-layer failures are absorbed and
// a generator failure yields a Result with Source models.SourceError.
func (o *Orchestrator) GetOrGenerate(ctx context.Context, req Request) (models.Result, error) {
	if err := o.validate.Struct(req); err != nil {
		return models.Result{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	req = normalize(req)

	key := keyFor(req)
	log := o.logger.With().
		Str("request_id", uuid.NewString()).
		Int64("user_id", req.UserID).
		Str("insight_type", string(req.InsightType)).
		Str("personality", req.Personality).
		Logger()

	if !req.ForceRegenerate {
		if res, ok := o.lookup(ctx, key, log); ok {
			return res, nil
		}
	}
	CacheMisses.WithLabelValues(metricType(req.InsightType)).Inc()
	log.Debug().Bool("forced", req.ForceRegenerate).Str("data_hash", key.DataHash[:12]).Msg("cache miss")

	if o.flight == nil || req.ForceRegenerate {
		return o.generate(ctx, req, key, log), nil
	}
	// The shared call outlives any single waiter; it is bounded by the
	// generation timeout instead.
	shared := context.WithoutCancel(ctx)
	ch := o.flight.DoChan(key.String(), func() (any, error) {
		return o.generate(shared, req, key, log), nil
	})
	select {
	case r := <-ch:
		return r.Val.(models.Result), nil
	case <-ctx.Done():
		log.Warn().Err(ctx.Err()).Msg("caller left before shared generation finished")
		return o.degraded(req, ctx.Err()), nil
	}
}

func (o *Orchestrator) lookup(ctx context.Context, key models.CacheKey, log zerolog.Logger) (models.Result, bool) {
	entry, found, err := o.store.Lookup(ctx, key)
	if err != nil {
		CacheErrors.WithLabelValues("lookup").Inc()
		log.Warn().Err(err).Msg("cache lookup failed, generating")
		return models.Result{}, false
	}
	if !found {
		return models.Result{}, false
	}

	// The counter is informational: report the expected value and update
	// it off the read path.
	entry.UsedCount++
	o.pending.Add(1)
	go o.incrementUsage(context.WithoutCancel(ctx), entry.ID, log)

	CacheHits.WithLabelValues(metricType(key.InsightType)).Inc()
	log.Debug().Str("source", string(models.SourceCache)).Int64("used_count", entry.UsedCount).Msg("cache hit")

	return models.Result{
		Title:      entry.Title,
		Value:      entry.Value,
		Commentary: entry.Commentary,
		Source:     models.SourceCache,
		CreatedAt:  entry.CreatedAt,
		UsedCount:  entry.UsedCount,
	}, true
}

func (o *Orchestrator) incrementUsage(ctx context.Context, id int64, log zerolog.Logger) {
	defer o.pending.Done()
	ctx, cancel := context.WithTimeout(ctx, usageTimeout)
	defer cancel()
	if err := o.store.IncrementUsage(ctx, id); err != nil {
		CacheErrors.WithLabelValues("increment").Inc()
		log.Warn().Err(err).Int64("entry_id", id).Msg("usage increment failed")
	}
}

func (o *Orchestrator) generate(ctx context.Context, req Request, key models.CacheKey, log zerolog.Logger) models.Result {
	start := time.Now()
	commentary, err := o.callGenerator(ctx, req)
	elapsed := time.Since(start)
	now := o.now().UTC()

	if err != nil {
		log.Error().Err(err).Dur("duration", elapsed).Str("source", string(models.SourceError)).Msg("insight generation failed")
		return o.degraded(req, err)
	}

	res := models.Result{
		Title:      Title(req.InsightType),
		Value:      Value(req.InsightType, req.Context),
		Commentary: commentary,
		Source:     models.SourceLLM,
		CreatedAt:  now,
	}
	log.Info().Dur("duration", elapsed).Str("source", string(models.SourceLLM)).Msg("insight generated")

	pol := o.policies.Lookup(req.InsightType)
	o.save(context.WithoutCancel(ctx), models.CacheEntry{
		UserID:         key.UserID,
		InsightType:    key.InsightType,
		Personality:    key.Personality,
		DataHash:       key.DataHash,
		PromptHash:     key.PromptHash,
		Title:          res.Title,
		Value:          res.Value,
		Commentary:     res.Commentary,
		GeneratorModel: o.gen.Model(),
		CreatedAt:      now,
		ExpiresAt:      now.Add(pol.TTL()),
	}, pol.Priority, log)
	return res
}

// degraded builds the error result shown in place of commentary.
func (o *Orchestrator) degraded(req Request, err error) models.Result {
	return models.Result{
		Title:      Title(req.InsightType),
		Commentary: degradedCommentary(err),
		Source:     models.SourceError,
		CreatedAt:  o.now().UTC(),
	}
}

// degradedCommentary renders err for end users. Upstream response bodies
// stay in the logs.
func degradedCommentary(err error) string {
	var se *generator.StatusError
	if errors.As(err, &se) {
		return fmt.Sprintf("Erro ao gerar insight: serviço %s indisponível (status %d)", se.Provider, se.StatusCode)
	}
	var ge *GeneratorError
	if errors.As(err, &ge) {
		err = ge.Err
	}
	return "Erro ao gerar insight: " + err.Error()
}

// callGenerator invokes the generator under the configured timeout and
// converts failures, empty output and panics into a *GeneratorError.
func (o *Orchestrator) callGenerator(ctx context.Context, req Request) (text string, err error) {
	label := metricType(req.InsightType)
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			text = ""
			err = &GeneratorError{InsightType: req.InsightType, Panicked: true, Err: fmt.Errorf("panic: %v", r)}
		}
		GenerationDuration.Observe(time.Since(start).Seconds())
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		Generations.WithLabelValues(label, outcome).Inc()
	}()

	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	text, err = o.gen.Generate(ctx, req.Context, req.Prompt)
	if err == nil && strings.TrimSpace(text) == "" {
		err = generator.ErrEmptyResponse
	}
	if err != nil {
		return "", &GeneratorError{InsightType: req.InsightType, Err: err}
	}
	return text, nil
}

func (o *Orchestrator) save(ctx context.Context, entry models.CacheEntry, priority models.Priority, log zerolog.Logger) {
	if !entry.InsightType.Known() {
		log.Warn().Msg("insight type not accepted by the store, result not cached")
		return
	}
	id, err := o.store.Save(ctx, entry)
	if err != nil {
		CacheErrors.WithLabelValues("save").Inc()
		log.Warn().Err(err).Msg("cache save failed")
		return
	}
	log.Debug().Int64("entry_id", id).Str("priority", string(priority)).Time("expires_at", entry.ExpiresAt).Msg("insight cached")
}

// normalize fills defaults and mirrors request identity into the content
// context so the data hash and the generator see the same user.
func normalize(req Request) Request {
	req.Personality = strings.TrimSpace(req.Personality)
	if req.Personality == "" {
		req.Personality = DefaultPersonality
	}
	if req.Context.UserID == 0 {
		req.Context.UserID = req.UserID
	}
	if req.Context.Personality == "" {
		req.Context.Personality = req.Personality
	}
	return req
}

// keyFor derives the composite cache key of a normalized request.
func keyFor(req Request) models.CacheKey {
	return models.CacheKey{
		UserID:      req.UserID,
		InsightType: req.InsightType,
		Personality: req.Personality,
		DataHash:    hasher.ComputeDataHash(req.InsightType, req.Context),
		PromptHash:  hasher.ComputePromptHash(req.Prompt, req.Params),
	}
}

// metricType bounds label cardinality to the known enumeration.
func metricType(t models.InsightType) string {
	if t.Known() {
		return string(t)
	}
	return "unknown"
}
