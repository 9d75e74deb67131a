//go:build integration

package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/fincoach/insightcache/pkg/models"
)

// setupPostgres starts a PostgreSQL container and returns an open store.
func setupPostgres(t *testing.T) *SQLStore {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "insight",
			"POSTGRES_PASSWORD": "insight",
			"POSTGRES_DB":       "insight",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	dsn := fmt.Sprintf("postgres://insight:insight@%s/insight?sslmode=disable", endpoint)
	s, err := OpenPostgres(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPostgres_Integration_Lifecycle(t *testing.T) {
	s := setupPostgres(t)
	ctx := context.Background()

	e := testEntry(42, models.InsightMonthlyBalance, time.Hour)
	id, err := s.Save(ctx, e)
	require.NoError(t, err)

	again, err := s.Save(ctx, e)
	require.NoError(t, err)
	assert.Equal(t, id, again)

	got, ok, err := s.Lookup(ctx, e.Key())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, e.Commentary, got.Commentary)

	require.NoError(t, s.IncrementUsage(ctx, id))

	_, err = s.Save(ctx, testEntry(42, models.InsightLargestExpense, -time.Hour))
	require.NoError(t, err)

	snap, err := s.Stats(ctx, 42)
	require.NoError(t, err)
	assert.EqualValues(t, 2, snap.TotalEntries)
	assert.EqualValues(t, 1, snap.ValidByType[models.InsightMonthlyBalance])

	n, err := s.SweepExpired(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	n, err = s.InvalidateUser(ctx, 42)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestPostgres_Integration_ConcurrentSave(t *testing.T) {
	s := setupPostgres(t)
	ctx := context.Background()
	e := testEntry(42, models.InsightMonthlyBalance, time.Hour)

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Save(ctx, e)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	snap, err := s.Stats(ctx, 42)
	require.NoError(t, err)
	assert.EqualValues(t, 1, snap.TotalEntries)
}
