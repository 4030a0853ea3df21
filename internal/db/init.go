package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"path"
	"sort"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"gyrex/internal/constants"
	"gyrex/internal/lock"
)

const schema = "gyrex_schema"

//go:embed migrations/*.sql
var migrations embed.FS

// Open opens a PostgreSQL connection pool and verifies it.
func Open(ctx context.Context, postgresURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", postgresURL)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Init runs schema initialization and migration scripts.
// It ensures that only one instance of the application runs the migration logic at a time by using a distributed lock.
//
// The function performs the following steps:
//  1. Acquires a distributed lock to prevent concurrent migrations.
//  2. Creates the required schema if it does not exist.
//  3. Executes the embedded SQL scripts in name order.
//
// The lock is released before returning.
func Init(ctx context.Context, db *sql.DB, locks lock.DistributedLockManager, logger *zap.Logger) error {
	migrationLock, err := locks.Acquire(ctx, constants.MigrationLock)
	if err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		if err := migrationLock.Release(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("failed to release migration lock", zap.Error(err))
		}
	}()

	if _, err := db.ExecContext(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", schema)); err != nil {
		return err
	}

	scripts, err := readSQLScripts()
	if err != nil {
		return err
	}
	for _, script := range scripts {
		logger.Debug("running migration", zap.String("script", script.name))
		if _, err := db.ExecContext(ctx, script.body); err != nil {
			return fmt.Errorf("migration %s: %w", script.name, err)
		}
	}
	return nil
}

type sqlScript struct {
	name string
	body string
}

func readSQLScripts() ([]sqlScript, error) {
	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		return nil, err
	}

	var scripts []sqlScript
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		content, err := migrations.ReadFile(path.Join("migrations", entry.Name()))
		if err != nil {
			return nil, err
		}
		scripts = append(scripts, sqlScript{name: entry.Name(), body: string(content)})
	}
	sort.Slice(scripts, func(i, j int) bool { return scripts[i].name < scripts[j].name })
	return scripts, nil
}
