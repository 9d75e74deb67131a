package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/fincoach/insightcache/pkg/models"
)

const sqliteColumns = `
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id INTEGER NOT NULL,
	insight_type TEXT NOT NULL,
	personality TEXT NOT NULL,
	data_hash TEXT NOT NULL,
	prompt_hash TEXT NOT NULL,
	title TEXT NOT NULL,
	value TEXT,
	commentary TEXT NOT NULL,
	model TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	expires_at DATETIME NOT NULL,
	used_count INTEGER NOT NULL DEFAULT 0,
	UNIQUE (user_id, insight_type, personality, data_hash, prompt_hash)`

const sqliteIndexes = `
CREATE INDEX IF NOT EXISTS idx_insight_cache_user_type ON insight_cache(user_id, insight_type, personality);
CREATE INDEX IF NOT EXISTS idx_insight_cache_expires ON insight_cache(expires_at);
CREATE INDEX IF NOT EXISTS idx_insight_cache_used ON insight_cache(user_id, used_count DESC);
`

func sqliteCreateTable(name string) string {
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s,\n\tCONSTRAINT insight_type_valid CHECK (%s)\n)", name, sqliteColumns, typeCheckList())
}

// OpenSQLite opens (or creates) a SQLite cache database at path and runs
// auto-migration.
func OpenSQLite(ctx context.Context, path string, opts ...Option) (*SQLStore, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_time_format=sqlite"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}

	if err := migrateSQLite(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate cache db: %w", err)
	}

	return newSQLStore(db, sqliteDialect, opts...), nil
}

func migrateSQLite(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, sqliteCreateTable("insight_cache")); err != nil {
		return err
	}
	if err := syncSQLiteTypeConstraint(ctx, db); err != nil {
		return err
	}
	_, err := db.ExecContext(ctx, sqliteIndexes)
	return err
}

// syncSQLiteTypeConstraint rebuilds the table when its check constraint
// predates insight types added since. SQLite cannot alter a constraint in
// place, so rows are copied into a fresh table.
func syncSQLiteTypeConstraint(ctx context.Context, db *sql.DB) error {
	var ddl string
	err := db.QueryRowContext(ctx,
		`SELECT sql FROM sqlite_master WHERE type = 'table' AND name = 'insight_cache'`,
	).Scan(&ddl)
	if err != nil {
		return fmt.Errorf("read cache table ddl: %w", err)
	}
	if !missingTypes(ddl) {
		return nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`DROP TABLE IF EXISTS insight_cache_old`,
		`ALTER TABLE insight_cache RENAME TO insight_cache_old`,
		sqliteCreateTable("insight_cache"),
		`INSERT INTO insight_cache
			(id, user_id, insight_type, personality, data_hash, prompt_hash, title, value, commentary, model, created_at, expires_at, used_count)
			SELECT id, user_id, insight_type, personality, data_hash, prompt_hash, title, value, commentary, model, created_at, expires_at, used_count
			FROM insight_cache_old WHERE ` + typeCheckList(),
		`DROP TABLE insight_cache_old`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("rebuild cache table: %w", err)
		}
	}
	return tx.Commit()
}

func missingTypes(ddl string) bool {
	for _, t := range models.AllInsightTypes() {
		if !strings.Contains(ddl, "'"+string(t)+"'") {
			return true
		}
	}
	return false
}
