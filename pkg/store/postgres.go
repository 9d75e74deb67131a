package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// OpenPostgres connects to PostgreSQL, applies the embedded goose
// migrations and aligns the insight_type constraint with the enumeration.
func OpenPostgres(ctx context.Context, dsn string, opts ...Option) (*SQLStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping cache db: %w", err)
	}

	if err := migratePostgres(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate cache db: %w", err)
	}

	return newSQLStore(db, postgresDialect, opts...), nil
}

func migratePostgres(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(embedMigrations)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("goose set dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `ALTER TABLE insight_cache DROP CONSTRAINT IF EXISTS insight_type_valid`); err != nil {
		return fmt.Errorf("drop type constraint: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `ALTER TABLE insight_cache ADD CONSTRAINT insight_type_valid CHECK (`+typeCheckList()+`) NOT VALID`); err != nil {
		return fmt.Errorf("add type constraint: %w", err)
	}
	return tx.Commit()
}
