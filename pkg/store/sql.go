package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fincoach/insightcache/pkg/models"
)

// SQLStore implements Store on database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	now     func() time.Time
}

// Option configures a SQLStore.
type Option func(*SQLStore)

// WithClock overrides the time source used for expiry comparisons.
func WithClock(now func() time.Time) Option {
	return func(s *SQLStore) { s.now = now }
}

type dialect struct {
	name        string
	placeholder func(n int) string
}

var (
	sqliteDialect   = dialect{name: DriverSQLite, placeholder: func(int) string { return "?" }}
	postgresDialect = dialect{name: DriverPostgres, placeholder: func(n int) string { return "$" + strconv.Itoa(n) }}
)

func newSQLStore(db *sql.DB, d dialect, opts ...Option) *SQLStore {
	s := &SQLStore{db: db, dialect: d, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// q rewrites ? placeholders for the active dialect.
func (s *SQLStore) q(query string) string {
	if s.dialect.name == DriverSQLite {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString(s.dialect.placeholder(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) clock() time.Time {
	return s.now().UTC()
}

const maxSaveAttempts = 3

const selectEntry = `SELECT id, user_id, insight_type, personality, data_hash, prompt_hash,
	title, value, commentary, model, created_at, expires_at, used_count
	FROM insight_cache`

// Lookup returns the entry for key if it exists and has not expired.
func (s *SQLStore) Lookup(ctx context.Context, key models.CacheKey) (models.CacheEntry, bool, error) {
	var e models.CacheEntry
	var value sql.NullString
	err := s.db.QueryRowContext(ctx, s.q(selectEntry+`
		WHERE user_id = ? AND insight_type = ? AND personality = ? AND data_hash = ? AND prompt_hash = ?
		AND expires_at > ?`),
		key.UserID, string(key.InsightType), key.Personality, key.DataHash, key.PromptHash, s.clock(),
	).Scan(&e.ID, &e.UserID, &e.InsightType, &e.Personality, &e.DataHash, &e.PromptHash,
		&e.Title, &value, &e.Commentary, &e.GeneratorModel, &e.CreatedAt, &e.ExpiresAt, &e.UsedCount)
	if errors.Is(err, sql.ErrNoRows) {
		return models.CacheEntry{}, false, nil
	}
	if err != nil {
		return models.CacheEntry{}, false, fmt.Errorf("cache lookup: %w", err)
	}
	e.Value = value.String
	return e, true, nil
}

// Save inserts entry, ignoring a conflict on the composite key. The first
// writer wins; later writers get the surviving row's id.
func (s *SQLStore) Save(ctx context.Context, e models.CacheEntry) (int64, error) {
	if !e.InsightType.Known() {
		return 0, fmt.Errorf("cache save %q: %w", e.InsightType, ErrUnknownInsightType)
	}

	var value any
	if e.Value != "" {
		value = e.Value
	}

	// A sweep or invalidation may remove the conflicting row between the
	// insert and the read back; the insert is then retried.
	for attempt := 0; ; attempt++ {
		var id int64
		err := s.db.QueryRowContext(ctx, s.q(`INSERT INTO insight_cache
			(user_id, insight_type, personality, data_hash, prompt_hash, title, value, commentary, model, created_at, expires_at, used_count)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
			ON CONFLICT (user_id, insight_type, personality, data_hash, prompt_hash) DO NOTHING
			RETURNING id`),
			e.UserID, string(e.InsightType), e.Personality, e.DataHash, e.PromptHash,
			e.Title, value, e.Commentary, e.GeneratorModel, e.CreatedAt.UTC(), e.ExpiresAt.UTC(),
		).Scan(&id)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("cache save: %w", err)
		}

		// Conflict: report the row that won.
		err = s.db.QueryRowContext(ctx, s.q(`SELECT id FROM insight_cache
			WHERE user_id = ? AND insight_type = ? AND personality = ? AND data_hash = ? AND prompt_hash = ?`),
			e.UserID, string(e.InsightType), e.Personality, e.DataHash, e.PromptHash,
		).Scan(&id)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, sql.ErrNoRows) || attempt >= maxSaveAttempts-1 {
			return 0, fmt.Errorf("cache save existing: %w", err)
		}
	}
}

// IncrementUsage bumps used_count. Concurrent increments may race; the
// counter is informational.
func (s *SQLStore) IncrementUsage(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, s.q(`UPDATE insight_cache SET used_count = used_count + 1 WHERE id = ?`), id); err != nil {
		return fmt.Errorf("cache increment usage: %w", err)
	}
	return nil
}

// InvalidateUser deletes every row of userID.
func (s *SQLStore) InvalidateUser(ctx context.Context, userID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM insight_cache WHERE user_id = ?`), userID)
	if err != nil {
		return 0, fmt.Errorf("cache invalidate user: %w", err)
	}
	return res.RowsAffected()
}

// SweepExpired deletes all rows whose expires_at lies in the past.
func (s *SQLStore) SweepExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM insight_cache WHERE expires_at < ?`), s.clock())
	if err != nil {
		return 0, fmt.Errorf("cache sweep: %w", err)
	}
	return res.RowsAffected()
}

// Clear deletes every row.
func (s *SQLStore) Clear(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM insight_cache`)
	if err != nil {
		return 0, fmt.Errorf("cache clear: %w", err)
	}
	return res.RowsAffected()
}

// Stats returns totals, valid counts per type and the most used rows of
// userID.
func (s *SQLStore) Stats(ctx context.Context, userID int64) (models.UsageSnapshot, error) {
	now := s.clock()
	snap := models.UsageSnapshot{ValidByType: make(map[models.InsightType]int64)}

	err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*), COALESCE(SUM(CASE WHEN created_at >= ? THEN 1 ELSE 0 END), 0)
		FROM insight_cache WHERE user_id = ?`),
		now.Add(-24*time.Hour), userID,
	).Scan(&snap.TotalEntries, &snap.CreatedLast24h)
	if err != nil {
		return snap, fmt.Errorf("cache stats totals: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, s.q(`SELECT insight_type, COUNT(*) FROM insight_cache
		WHERE user_id = ? AND expires_at > ? GROUP BY insight_type`),
		userID, now,
	)
	if err != nil {
		return snap, fmt.Errorf("cache stats by type: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var typ string
		var n int64
		if err := rows.Scan(&typ, &n); err != nil {
			return snap, fmt.Errorf("scan stats by type: %w", err)
		}
		snap.ValidByType[models.InsightType(typ)] = n
	}
	if err := rows.Err(); err != nil {
		return snap, err
	}

	used, err := s.db.QueryContext(ctx, s.q(`SELECT insight_type, personality, title, used_count, created_at
		FROM insight_cache WHERE user_id = ?
		ORDER BY used_count DESC, created_at DESC LIMIT ?`),
		userID, MostUsedLimit,
	)
	if err != nil {
		return snap, fmt.Errorf("cache stats most used: %w", err)
	}
	defer used.Close()
	for used.Next() {
		var u models.UsageEntry
		if err := used.Scan(&u.InsightType, &u.Personality, &u.Title, &u.UsedCount, &u.CreatedAt); err != nil {
			return snap, fmt.Errorf("scan most used: %w", err)
		}
		snap.MostUsed = append(snap.MostUsed, u)
	}
	return snap, used.Err()
}

// Close releases the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// typeCheckList renders the insight_type check constraint body.
func typeCheckList() string {
	types := models.AllInsightTypes()
	quoted := make([]string, len(types))
	for i, t := range types {
		quoted[i] = "'" + string(t) + "'"
	}
	return "insight_type IN (" + strings.Join(quoted, ", ") + ")"
}
