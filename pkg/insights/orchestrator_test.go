package insights

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fincoach/insightcache/pkg/generator"
	"github.com/fincoach/insightcache/pkg/models"
	"github.com/fincoach/insightcache/pkg/policy"
	"github.com/fincoach/insightcache/pkg/store"
)

// fakeClock is shared by store and orchestrator so expiry can be tested
// without sleeping.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type countingGenerator struct {
	calls atomic.Int32
	text  string
}

func (g *countingGenerator) Generate(ctx context.Context, content models.ContentContext, prompt string) (string, error) {
	n := g.calls.Add(1)
	if g.text != "" {
		return g.text, nil
	}
	return "Comentário " + string(rune('0'+n)), nil
}

func (g *countingGenerator) Model() string { return "test-model" }

func newTestStore(t *testing.T, clock *fakeClock) *store.SQLStore {
	t.Helper()
	st, err := store.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "insights.db"), store.WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
}

func balanceRequest(userID int64) Request {
	return Request{
		UserID:      userID,
		InsightType: models.InsightMonthlyBalance,
		Personality: "clara",
		Context:     models.ContentContext{Balance: &models.Balance{Remaining: 100}},
		Prompt:      "Analyze balance",
	}
}

func TestGetOrGenerateMissThenHit(t *testing.T) {
	clock := newClock()
	st := newTestStore(t, clock)
	gen := &countingGenerator{}
	o := NewOrchestrator(st, policy.Default(), gen, WithClock(clock.Now))
	t.Cleanup(o.Wait)
	ctx := context.Background()

	hitsBefore := testutil.ToFloat64(CacheHits.WithLabelValues(string(models.InsightMonthlyBalance)))

	first, err := o.GetOrGenerate(ctx, balanceRequest(42))
	require.NoError(t, err)
	assert.Equal(t, models.SourceLLM, first.Source)
	assert.Equal(t, "Saldo do Mês", first.Title)
	assert.Equal(t, "R$ 100,00", first.Value)
	assert.Equal(t, "Comentário 1", first.Commentary)
	assert.Zero(t, first.UsedCount)

	second, err := o.GetOrGenerate(ctx, balanceRequest(42))
	require.NoError(t, err)
	assert.Equal(t, models.SourceCache, second.Source)
	assert.Equal(t, first.Title, second.Title)
	assert.Equal(t, first.Value, second.Value)
	assert.Equal(t, first.Commentary, second.Commentary)
	assert.EqualValues(t, 1, second.UsedCount)
	assert.EqualValues(t, 1, gen.calls.Load(), "hit must not call the generator")

	assert.Equal(t, hitsBefore+1, testutil.ToFloat64(CacheHits.WithLabelValues(string(models.InsightMonthlyBalance))))

	require.Eventually(t, func() bool {
		snap, err := st.Stats(ctx, 42)
		return err == nil && len(snap.MostUsed) == 1 && snap.MostUsed[0].UsedCount == 1
	}, time.Second, 5*time.Millisecond)

	snap, err := st.Stats(ctx, 42)
	require.NoError(t, err)
	assert.EqualValues(t, 1, snap.TotalEntries)
}

// blockingIncrementStore holds IncrementUsage until released.
type blockingIncrementStore struct {
	store.Store
	entered chan struct{}
	release chan struct{}
}

func (b *blockingIncrementStore) IncrementUsage(ctx context.Context, id int64) error {
	b.entered <- struct{}{}
	select {
	case <-b.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return b.Store.IncrementUsage(ctx, id)
}

func TestGetOrGenerateHitDoesNotWaitForUsageUpdate(t *testing.T) {
	clock := newClock()
	bs := &blockingIncrementStore{
		Store:   newTestStore(t, clock),
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	o := NewOrchestrator(bs, policy.Default(), &countingGenerator{}, WithClock(clock.Now))
	ctx := context.Background()

	_, err := o.GetOrGenerate(ctx, balanceRequest(42))
	require.NoError(t, err)

	done := make(chan models.Result, 1)
	go func() {
		res, err := o.GetOrGenerate(ctx, balanceRequest(42))
		assert.NoError(t, err)
		done <- res
	}()

	select {
	case res := <-done:
		assert.Equal(t, models.SourceCache, res.Source)
		assert.EqualValues(t, 1, res.UsedCount)
	case <-time.After(time.Second):
		t.Fatal("cache hit blocked on the usage counter")
	}

	<-bs.entered
	close(bs.release)
	o.Wait()

	snap, err := bs.Stats(ctx, 42)
	require.NoError(t, err)
	require.Len(t, snap.MostUsed, 1)
	assert.EqualValues(t, 1, snap.MostUsed[0].UsedCount)
}

func TestGetOrGenerateStoresPolicyExpiry(t *testing.T) {
	clock := newClock()
	st := newTestStore(t, clock)
	o := NewOrchestrator(st, policy.Default(), &countingGenerator{}, WithClock(clock.Now))
	t.Cleanup(o.Wait)
	ctx := context.Background()

	req := balanceRequest(42)
	_, err := o.GetOrGenerate(ctx, req)
	require.NoError(t, err)

	entry, ok, err := st.Lookup(ctx, keyFor(normalize(req)))
	require.NoError(t, err)
	require.True(t, ok)
	assert.WithinDuration(t, clock.Now().Add(6*time.Hour), entry.ExpiresAt, time.Second)
	assert.Equal(t, "test-model", entry.GeneratorModel)
	assert.Equal(t, "R$ 100,00", entry.Value)
}

func TestGetOrGenerateTTLExpiry(t *testing.T) {
	clock := newClock()
	st := newTestStore(t, clock)
	gen := &countingGenerator{}
	o := NewOrchestrator(st, policy.Default(), gen, WithClock(clock.Now))
	t.Cleanup(o.Wait)
	ctx := context.Background()

	_, err := o.GetOrGenerate(ctx, balanceRequest(42))
	require.NoError(t, err)

	clock.Advance(6*time.Hour + time.Minute)

	res, err := o.GetOrGenerate(ctx, balanceRequest(42))
	require.NoError(t, err)
	assert.Equal(t, models.SourceLLM, res.Source)
	assert.EqualValues(t, 2, gen.calls.Load())

	// The expired row is still present until swept.
	snap, err := st.Stats(ctx, 42)
	require.NoError(t, err)
	assert.EqualValues(t, 1, snap.TotalEntries)
	assert.Empty(t, snap.ValidByType)
}

func TestGetOrGenerateForceRegenerate(t *testing.T) {
	clock := newClock()
	st := newTestStore(t, clock)
	gen := &countingGenerator{}
	o := NewOrchestrator(st, policy.Default(), gen, WithClock(clock.Now))
	t.Cleanup(o.Wait)
	ctx := context.Background()

	first, err := o.GetOrGenerate(ctx, balanceRequest(42))
	require.NoError(t, err)

	forced := balanceRequest(42)
	forced.ForceRegenerate = true
	res, err := o.GetOrGenerate(ctx, forced)
	require.NoError(t, err)
	assert.Equal(t, models.SourceLLM, res.Source)
	assert.Equal(t, "Comentário 2", res.Commentary)
	assert.EqualValues(t, 2, gen.calls.Load())

	snap, err := st.Stats(ctx, 42)
	require.NoError(t, err)
	assert.EqualValues(t, 1, snap.TotalEntries, "forced regeneration must not duplicate the row")

	// First writer wins: the cached commentary is still the first one.
	cached, err := o.GetOrGenerate(ctx, balanceRequest(42))
	require.NoError(t, err)
	assert.Equal(t, models.SourceCache, cached.Source)
	assert.Equal(t, first.Commentary, cached.Commentary)
}

func TestGetOrGenerateKeyComponents(t *testing.T) {
	clock := newClock()
	st := newTestStore(t, clock)
	gen := &countingGenerator{}
	o := NewOrchestrator(st, policy.Default(), gen, WithClock(clock.Now))
	t.Cleanup(o.Wait)
	ctx := context.Background()

	_, err := o.GetOrGenerate(ctx, balanceRequest(42))
	require.NoError(t, err)

	otherPersonality := balanceRequest(42)
	otherPersonality.Personality = "tranquilo"
	otherData := balanceRequest(42)
	otherData.Context.Balance = &models.Balance{Remaining: 100.01}
	otherPrompt := balanceRequest(42)
	otherPrompt.Prompt = "Analyze balance briefly"
	otherParams := balanceRequest(42)
	otherParams.Params.Tone = "formal"
	volatile := balanceRequest(42)
	volatile.Context.SessionID = "abc"
	volatile.Context.GeneratedAt = clock.Now()

	for name, req := range map[string]Request{
		"personality": otherPersonality,
		"data":        otherData,
		"prompt":      otherPrompt,
		"params":      otherParams,
	} {
		res, err := o.GetOrGenerate(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, models.SourceLLM, res.Source, name)
	}

	res, err := o.GetOrGenerate(ctx, volatile)
	require.NoError(t, err)
	assert.Equal(t, models.SourceCache, res.Source)
}

func TestGetOrGenerateDefaultPersonality(t *testing.T) {
	clock := newClock()
	st := newTestStore(t, clock)
	o := NewOrchestrator(st, policy.Default(), &countingGenerator{}, WithClock(clock.Now))
	t.Cleanup(o.Wait)
	ctx := context.Background()

	req := balanceRequest(42)
	req.Personality = ""
	_, err := o.GetOrGenerate(ctx, req)
	require.NoError(t, err)

	res, err := o.GetOrGenerate(ctx, balanceRequest(42))
	require.NoError(t, err)
	assert.Equal(t, models.SourceCache, res.Source)
}

func TestInvalidateForUserScope(t *testing.T) {
	clock := newClock()
	st := newTestStore(t, clock)
	gen := &countingGenerator{}
	o := NewOrchestrator(st, policy.Default(), gen, WithClock(clock.Now))
	t.Cleanup(o.Wait)
	inv := NewInvalidator(st, zerolog.Nop())
	ctx := context.Background()

	card := Request{
		UserID:      42,
		InsightType: models.InsightCardTotalSpent,
		Personality: "analitico",
		Context:     models.ContentContext{Card: &models.CardSummary{TotalSpent: 1500}},
		Prompt:      "Analyze card",
	}
	for _, req := range []Request{balanceRequest(42), card, balanceRequest(7)} {
		_, err := o.GetOrGenerate(ctx, req)
		require.NoError(t, err)
	}

	removed, err := inv.InvalidateForUser(ctx, 42)
	require.NoError(t, err)
	assert.EqualValues(t, 2, removed)

	for _, req := range []Request{balanceRequest(42), card} {
		res, err := o.GetOrGenerate(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, models.SourceLLM, res.Source)
	}

	other, err := o.GetOrGenerate(ctx, balanceRequest(7))
	require.NoError(t, err)
	assert.Equal(t, models.SourceCache, other.Source, "other users are untouched")
}

func TestGetOrGenerateGeneratorFailure(t *testing.T) {
	clock := newClock()
	st := newTestStore(t, clock)
	gen := generator.Func(func(context.Context, models.ContentContext, string) (string, error) {
		return "", errors.New("upstream unavailable")
	})
	o := NewOrchestrator(st, policy.Default(), gen, WithClock(clock.Now))
	t.Cleanup(o.Wait)
	ctx := context.Background()

	res, err := o.GetOrGenerate(ctx, balanceRequest(42))
	require.NoError(t, err)
	assert.Equal(t, models.SourceError, res.Source)
	assert.Equal(t, "Saldo do Mês", res.Title)
	assert.Empty(t, res.Value)
	assert.Equal(t, "Erro ao gerar insight: upstream unavailable", res.Commentary)

	snap, err := st.Stats(ctx, 42)
	require.NoError(t, err)
	assert.Zero(t, snap.TotalEntries, "failures are never cached")
}

func TestGetOrGenerateHidesUpstreamBody(t *testing.T) {
	clock := newClock()
	gen := generator.Func(func(context.Context, models.ContentContext, string) (string, error) {
		return "", &generator.StatusError{Provider: "openai", StatusCode: 429, Body: `{"error":"quota exceeded for org-secret"}`}
	})
	o := NewOrchestrator(newTestStore(t, clock), policy.Default(), gen, WithClock(clock.Now))
	t.Cleanup(o.Wait)

	res, err := o.GetOrGenerate(context.Background(), balanceRequest(42))
	require.NoError(t, err)
	assert.Equal(t, models.SourceError, res.Source)
	assert.Equal(t, "Erro ao gerar insight: serviço openai indisponível (status 429)", res.Commentary)
	assert.NotContains(t, res.Commentary, "org-secret")
}

func TestGetOrGenerateEmptyCommentary(t *testing.T) {
	clock := newClock()
	st := newTestStore(t, clock)
	gen := generator.Func(func(context.Context, models.ContentContext, string) (string, error) {
		return "  ", nil
	})
	o := NewOrchestrator(st, policy.Default(), gen, WithClock(clock.Now))
	t.Cleanup(o.Wait)

	res, err := o.GetOrGenerate(context.Background(), balanceRequest(42))
	require.NoError(t, err)
	assert.Equal(t, models.SourceError, res.Source)
	assert.Contains(t, res.Commentary, generator.ErrEmptyResponse.Error())
}

func TestGetOrGenerateGeneratorPanic(t *testing.T) {
	clock := newClock()
	st := newTestStore(t, clock)
	gen := generator.Func(func(context.Context, models.ContentContext, string) (string, error) {
		panic("nil provider")
	})
	o := NewOrchestrator(st, policy.Default(), gen, WithClock(clock.Now))
	t.Cleanup(o.Wait)

	res, err := o.GetOrGenerate(context.Background(), balanceRequest(42))
	require.NoError(t, err)
	assert.Equal(t, models.SourceError, res.Source)
	assert.Contains(t, res.Commentary, "nil provider")

	_, err = o.callGenerator(context.Background(), normalize(balanceRequest(42)))
	var ge *GeneratorError
	require.ErrorAs(t, err, &ge)
	assert.True(t, ge.Panicked)
	assert.Equal(t, models.InsightMonthlyBalance, ge.InsightType)
}

func TestGetOrGenerateTimeout(t *testing.T) {
	clock := newClock()
	st := newTestStore(t, clock)
	gen := generator.Func(func(ctx context.Context, _ models.ContentContext, _ string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	o := NewOrchestrator(st, policy.Default(), gen, WithClock(clock.Now), WithGenerationTimeout(20*time.Millisecond))
	t.Cleanup(o.Wait)

	res, err := o.GetOrGenerate(context.Background(), balanceRequest(42))
	require.NoError(t, err)
	assert.Equal(t, models.SourceError, res.Source)
	assert.Contains(t, res.Commentary, context.DeadlineExceeded.Error())
}

// flakyStore fails selected operations of an underlying store.
type flakyStore struct {
	store.Store
	failLookup    bool
	failSave      bool
	failIncrement bool
}

func (f *flakyStore) Lookup(ctx context.Context, key models.CacheKey) (models.CacheEntry, bool, error) {
	if f.failLookup {
		return models.CacheEntry{}, false, errors.New("database is locked")
	}
	return f.Store.Lookup(ctx, key)
}

func (f *flakyStore) Save(ctx context.Context, e models.CacheEntry) (int64, error) {
	if f.failSave {
		return 0, errors.New("disk full")
	}
	return f.Store.Save(ctx, e)
}

func (f *flakyStore) IncrementUsage(ctx context.Context, id int64) error {
	if f.failIncrement {
		return errors.New("database is locked")
	}
	return f.Store.IncrementUsage(ctx, id)
}

func TestGetOrGenerateAbsorbsStoreFailures(t *testing.T) {
	clock := newClock()
	ctx := context.Background()

	t.Run("save", func(t *testing.T) {
		fs := &flakyStore{Store: newTestStore(t, clock), failSave: true}
		gen := &countingGenerator{}
		o := NewOrchestrator(fs, policy.Default(), gen, WithClock(clock.Now))
		t.Cleanup(o.Wait)

		res, err := o.GetOrGenerate(ctx, balanceRequest(42))
		require.NoError(t, err)
		assert.Equal(t, models.SourceLLM, res.Source)
		assert.Equal(t, "Comentário 1", res.Commentary)
	})

	t.Run("lookup", func(t *testing.T) {
		fs := &flakyStore{Store: newTestStore(t, clock)}
		gen := &countingGenerator{}
		o := NewOrchestrator(fs, policy.Default(), gen, WithClock(clock.Now))
		t.Cleanup(o.Wait)

		_, err := o.GetOrGenerate(ctx, balanceRequest(42))
		require.NoError(t, err)

		fs.failLookup = true
		res, err := o.GetOrGenerate(ctx, balanceRequest(42))
		require.NoError(t, err)
		assert.Equal(t, models.SourceLLM, res.Source, "lookup failure is a miss")
		assert.EqualValues(t, 2, gen.calls.Load())
	})

	t.Run("increment", func(t *testing.T) {
		fs := &flakyStore{Store: newTestStore(t, clock), failIncrement: true}
		o := NewOrchestrator(fs, policy.Default(), &countingGenerator{}, WithClock(clock.Now))
		t.Cleanup(o.Wait)

		_, err := o.GetOrGenerate(ctx, balanceRequest(42))
		require.NoError(t, err)
		res, err := o.GetOrGenerate(ctx, balanceRequest(42))
		require.NoError(t, err)
		assert.Equal(t, models.SourceCache, res.Source)
		assert.EqualValues(t, 1, res.UsedCount)
		o.Wait()

		snap, err := fs.Stats(ctx, 42)
		require.NoError(t, err)
		require.Len(t, snap.MostUsed, 1)
		assert.Zero(t, snap.MostUsed[0].UsedCount, "failed update leaves the stored count")
	})
}

func TestGetOrGenerateUnknownTypeNotPersisted(t *testing.T) {
	clock := newClock()
	st := newTestStore(t, clock)
	gen := &countingGenerator{}
	o := NewOrchestrator(st, policy.Default(), gen, WithClock(clock.Now))
	t.Cleanup(o.Wait)
	ctx := context.Background()

	req := balanceRequest(42)
	req.InsightType = "resumo_semanal"

	for range 2 {
		res, err := o.GetOrGenerate(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, models.SourceLLM, res.Source)
		assert.Equal(t, DefaultTitle, res.Title)
		assert.Empty(t, res.Value)
	}
	assert.EqualValues(t, 2, gen.calls.Load())

	snap, err := st.Stats(ctx, 42)
	require.NoError(t, err)
	assert.Zero(t, snap.TotalEntries)
}

func TestGetOrGenerateInvalidRequest(t *testing.T) {
	o := NewOrchestrator(newTestStore(t, newClock()), nil, &countingGenerator{})
	t.Cleanup(o.Wait)

	for name, req := range map[string]Request{
		"missing user": {InsightType: models.InsightMonthlyBalance},
		"missing type": {UserID: 42},
	} {
		_, err := o.GetOrGenerate(context.Background(), req)
		assert.ErrorIs(t, err, ErrInvalidRequest, name)
	}
}

func TestGetOrGenerateCoalescesMisses(t *testing.T) {
	clock := newClock()
	st := newTestStore(t, clock)

	release := make(chan struct{})
	var calls atomic.Int32
	gen := generator.Func(func(ctx context.Context, _ models.ContentContext, _ string) (string, error) {
		calls.Add(1)
		<-release
		return "Comentário compartilhado", nil
	})
	o := NewOrchestrator(st, policy.Default(), gen, WithClock(clock.Now), WithCoalescing(true))
	t.Cleanup(o.Wait)

	const workers = 8
	results := make([]models.Result, workers)
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := o.GetOrGenerate(context.Background(), balanceRequest(42))
			assert.NoError(t, err)
			results[i] = res
		}()
	}

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, calls.Load())
	for _, res := range results {
		assert.Equal(t, "Comentário compartilhado", res.Commentary)
	}
}

func TestGetOrGenerateCoalescedWaiterHonorsCancel(t *testing.T) {
	clock := newClock()
	st := newTestStore(t, clock)

	started := make(chan struct{})
	release := make(chan struct{})
	gen := generator.Func(func(ctx context.Context, _ models.ContentContext, _ string) (string, error) {
		close(started)
		<-release
		return "Comentário compartilhado", nil
	})
	o := NewOrchestrator(st, policy.Default(), gen, WithClock(clock.Now), WithCoalescing(true))
	t.Cleanup(o.Wait)

	leader := make(chan models.Result, 1)
	go func() {
		res, err := o.GetOrGenerate(context.Background(), balanceRequest(42))
		assert.NoError(t, err)
		leader <- res
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	waiter := make(chan models.Result, 1)
	go func() {
		res, err := o.GetOrGenerate(ctx, balanceRequest(42))
		assert.NoError(t, err)
		waiter <- res
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case res := <-waiter:
		assert.Equal(t, models.SourceError, res.Source)
		assert.Contains(t, res.Commentary, context.Canceled.Error())
	case <-time.After(time.Second):
		t.Fatal("cancelled waiter stayed blocked on the shared generation")
	}

	close(release)
	res := <-leader
	assert.Equal(t, models.SourceLLM, res.Source)
	assert.Equal(t, "Comentário compartilhado", res.Commentary)
}

func TestCoalescingDefaultsGenerationTimeout(t *testing.T) {
	st := newTestStore(t, newClock())

	o := NewOrchestrator(st, nil, &countingGenerator{}, WithCoalescing(true))
	assert.Equal(t, DefaultCoalescedTimeout, o.timeout)

	o = NewOrchestrator(st, nil, &countingGenerator{}, WithCoalescing(true), WithGenerationTimeout(5*time.Second))
	assert.Equal(t, 5*time.Second, o.timeout)

	o = NewOrchestrator(st, nil, &countingGenerator{})
	assert.Zero(t, o.timeout)
}

func TestGetOrGenerateWithoutCoalescingDuplicatesWork(t *testing.T) {
	clock := newClock()
	st := newTestStore(t, clock)

	var calls atomic.Int32
	started := make(chan struct{}, 2)
	release := make(chan struct{})
	gen := generator.Func(func(ctx context.Context, _ models.ContentContext, _ string) (string, error) {
		calls.Add(1)
		started <- struct{}{}
		<-release
		return "Comentário", nil
	})
	o := NewOrchestrator(st, policy.Default(), gen, WithClock(clock.Now))
	t.Cleanup(o.Wait)

	var wg sync.WaitGroup
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := o.GetOrGenerate(context.Background(), balanceRequest(42))
			assert.NoError(t, err)
		}()
	}
	<-started
	<-started
	close(release)
	wg.Wait()

	assert.EqualValues(t, 2, calls.Load())
	snap, err := st.Stats(context.Background(), 42)
	require.NoError(t, err)
	assert.EqualValues(t, 1, snap.TotalEntries, "unique key keeps a single row")
}
