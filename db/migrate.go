package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrations embed.FS

// migrationLockID serializes concurrent Migrate calls across processes.
const migrationLockID = 0x65736372

// Migrate applies the embedded PostgreSQL migrations in lexical order. Every
// file is idempotent, so re-running is safe.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	files, err := migrationFiles("migrations/postgres")
	if err != nil {
		return err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("db: acquire migration conn: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, migrationLockID); err != nil {
		return fmt.Errorf("db: migration lock: %w", err)
	}
	defer conn.Exec(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, migrationLockID)

	for _, f := range files {
		body, err := migrations.ReadFile(f)
		if err != nil {
			return fmt.Errorf("db: read %s: %w", f, err)
		}
		if _, err := conn.Exec(ctx, string(body)); err != nil {
			return fmt.Errorf("db: apply %s: %w", path.Base(f), err)
		}
	}
	return nil
}

// MigrateSQLite applies the embedded SQLite schema statement by statement.
func MigrateSQLite(ctx context.Context, sqlDB *sql.DB) error {
	files, err := migrationFiles("migrations/sqlite")
	if err != nil {
		return err
	}
	for _, f := range files {
		body, err := migrations.ReadFile(f)
		if err != nil {
			return fmt.Errorf("db: read %s: %w", f, err)
		}
		for _, stmt := range strings.Split(string(body), ";") {
			if strings.TrimSpace(stmt) == "" {
				continue
			}
			if _, err := sqlDB.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("db: apply %s: %w", path.Base(f), err)
			}
		}
	}
	return nil
}

// PostgresSchema returns the concatenated PostgreSQL migrations, for harnesses
// that apply schema over a raw connection.
func PostgresSchema() (string, error) {
	files, err := migrationFiles("migrations/postgres")
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, f := range files {
		body, err := migrations.ReadFile(f)
		if err != nil {
			return "", fmt.Errorf("db: read %s: %w", f, err)
		}
		b.Write(body)
		b.WriteString("\n")
	}
	return b.String(), nil
}

func migrationFiles(dir string) ([]string, error) {
	entries, err := fs.ReadDir(migrations, dir)
	if err != nil {
		return nil, fmt.Errorf("db: read %s: %w", dir, err)
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || path.Ext(e.Name()) != ".sql" {
			continue
		}
		files = append(files, path.Join(dir, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}
