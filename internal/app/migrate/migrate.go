package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

const (
	stepTimeout = time.Minute
	pingTimeout = 5 * time.Second
)

// Runner drives schema migrations for the fleet database. It holds one
// database/sql connection for goose next to the pgx pool the repositories
// use, so migration state and serving traffic share a single DSN.
type Runner struct {
	pool *pgxpool.Pool
	db   *sql.DB
	dir  string
	log  *slog.Logger
}

// New validates the migration setup and opens the goose connection. The
// dialect is fixed to postgres; there is no other backend.
func New(pool *pgxpool.Pool, dsn, migrationsDir string, log *slog.Logger) (Runner, error) {
	switch {
	case pool == nil:
		return Runner{}, errors.New("migrate: nil connection pool")
	case dsn == "":
		return Runner{}, errors.New("migrate: empty dsn")
	case migrationsDir == "":
		return Runner{}, errors.New("migrate: empty migrations dir")
	}
	info, err := os.Stat(migrationsDir)
	if err != nil {
		return Runner{}, fmt.Errorf("migrate: stat %s: %w", migrationsDir, err)
	}
	if !info.IsDir() {
		return Runner{}, fmt.Errorf("migrate: %s is not a directory", migrationsDir)
	}
	if log == nil {
		log = slog.Default()
	}
	if err := goose.SetDialect("postgres"); err != nil {
		return Runner{}, fmt.Errorf("migrate: set dialect: %w", err)
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return Runner{}, fmt.Errorf("migrate: open goose connection: %w", err)
	}
	return Runner{pool: pool, db: db, dir: migrationsDir, log: log}, nil
}

// Ensure brings the schema up to the newest migration. Safe to run on
// every boot; goose skips versions already applied.
func (r Runner) Ensure(ctx context.Context) error {
	stepCtx, cancel := context.WithTimeout(ctx, stepTimeout)
	defer cancel()

	before, err := goose.GetDBVersionContext(stepCtx, r.db)
	if err != nil {
		return fmt.Errorf("migrate: read schema version: %w", err)
	}
	if err := goose.UpContext(stepCtx, r.db, r.dir); err != nil {
		return fmt.Errorf("migrate: apply: %w", err)
	}
	after, err := goose.GetDBVersionContext(stepCtx, r.db)
	if err != nil {
		return fmt.Errorf("migrate: read schema version: %w", err)
	}
	if after == before {
		r.log.Info("schema up to date", "version", after)
	} else {
		r.log.Info("schema migrated", "from", before, "to", after)
	}
	return nil
}

// Status prints the per-migration applied/pending table to stdout.
func (r Runner) Status(ctx context.Context) error {
	stepCtx, cancel := context.WithTimeout(ctx, stepTimeout)
	defer cancel()
	if err := goose.StatusContext(stepCtx, r.db, r.dir); err != nil {
		return fmt.Errorf("migrate: status: %w", err)
	}
	return nil
}

// Down rolls the schema back one migration, or down to targetVersion when
// it is positive.
func (r Runner) Down(ctx context.Context, targetVersion int64) error {
	stepCtx, cancel := context.WithTimeout(ctx, stepTimeout)
	defer cancel()

	if targetVersion > 0 {
		r.log.Info("rolling schema back", "target", targetVersion)
		if err := goose.DownToContext(stepCtx, r.db, r.dir, targetVersion); err != nil {
			return fmt.Errorf("migrate: down to %d: %w", targetVersion, err)
		}
		return nil
	}
	r.log.Info("rolling back one migration")
	if err := goose.DownContext(stepCtx, r.db, r.dir); err != nil {
		return fmt.Errorf("migrate: down: %w", err)
	}
	return nil
}

// Ping verifies both connections the runner manages.
func (r Runner) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := r.pool.Ping(pingCtx); err != nil {
		return fmt.Errorf("migrate: ping pool: %w", err)
	}
	if err := r.db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("migrate: ping goose connection: %w", err)
	}
	return nil
}

// Close releases the goose connection and the shared pool.
func (r Runner) Close() {
	if r.db != nil {
		_ = r.db.Close()
	}
	if r.pool != nil {
		r.pool.Close()
	}
}
