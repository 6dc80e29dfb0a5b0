package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/extra/bundebug"
	"github.com/uptrace/bun/migrate"

	"github.com/italolelis/discord_archiver/internal/logctx"
)

//go:embed migrations/*.sql
var sqlMigrations embed.FS

// Options configures the archive database connection.
type Options struct {
	Path        string
	BusyTimeout time.Duration
	Debug       bool
}

// InitDB opens the archive database and applies any pending migrations.
func InitDB(ctx context.Context, opts Options) (*bun.DB, error) {
	if opts.Path == "" {
		opts.Path = "archive.db"
	}

	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = 5 * time.Second
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL&_foreign_keys=on&_txlock=immediate",
		opts.Path, opts.BusyTimeout.Milliseconds())

	sqldb, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db := bun.NewDB(sqldb, sqlitedialect.New())

	if opts.Debug {
		db.AddQueryHook(bundebug.NewQueryHook(bundebug.WithVerbose(true)))
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()

		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := Migrate(ctx, db); err != nil {
		db.Close()

		return nil, err
	}

	return db, nil
}

// Migrate applies the embedded schema migrations that have not run yet.
func Migrate(ctx context.Context, db *bun.DB) error {
	logger := logctx.LoggerFromContext(ctx)

	migrations := migrate.NewMigrations()
	if err := migrations.Discover(sqlMigrations); err != nil {
		return fmt.Errorf("failed to discover migrations: %w", err)
	}

	migrator := migrate.NewMigrator(db, migrations)

	if err := migrator.Init(ctx); err != nil {
		return fmt.Errorf("failed to init migrations: %w", err)
	}

	group, err := migrator.Migrate(ctx)
	if err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	if group.IsZero() {
		logger.Debug("database schema is up to date")

		return nil
	}

	logger.Info("database migrated", "group", group.String())

	return nil
}
