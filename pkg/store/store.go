// Package store persists generated insights keyed by their composite
// cache key. The same SQL runs on SQLite (default, single node) and
// PostgreSQL; the storage layer's unique constraint is what arbitrates
// concurrent inserts of the same key.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/fincoach/insightcache/pkg/models"
)

// ErrUnknownInsightType is returned by Save for types outside the
// enumeration accepted by the insight_type check constraint.
var ErrUnknownInsightType = errors.New("unknown insight type")

// MostUsedLimit caps the most-used listing returned by Stats.
const MostUsedLimit = 5

// Store is the persistent cache row store.
type Store interface {
	// Lookup returns the entry for key if it exists and has not expired.
	// An expired row is reported as not found and left in place.
	Lookup(ctx context.Context, key models.CacheKey) (models.CacheEntry, bool, error)
	// Save inserts entry and returns its id. When a row with the same key
	// already exists nothing is written and the existing id is returned.
	Save(ctx context.Context, entry models.CacheEntry) (int64, error)
	// IncrementUsage bumps the popularity counter of a row.
	IncrementUsage(ctx context.Context, id int64) error
	// InvalidateUser deletes every row of a user, valid or expired.
	InvalidateUser(ctx context.Context, userID int64) (int64, error)
	// SweepExpired deletes rows past their expiry across all users.
	SweepExpired(ctx context.Context) (int64, error)
	// Stats returns the raw aggregates for one user.
	Stats(ctx context.Context, userID int64) (models.UsageSnapshot, error)
	// Clear deletes every row.
	Clear(ctx context.Context) (int64, error)
	// Close releases the database connection.
	Close() error
}

// Driver names accepted by Open.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Open connects to the configured backend and brings its schema up to date.
func Open(ctx context.Context, driver, dsn string, opts ...Option) (*SQLStore, error) {
	switch driver {
	case DriverSQLite, "":
		return OpenSQLite(ctx, dsn, opts...)
	case DriverPostgres:
		return OpenPostgres(ctx, dsn, opts...)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}
}
