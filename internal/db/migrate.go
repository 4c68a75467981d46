package db

import (
	"context"
	"io/fs"
	"path"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// migrationLockID keys the advisory lock that serializes migration runs.
const migrationLockID = 72310419

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Migrate applies every .sql file under dir in fsys that is not yet recorded
// in schema_migrations, in lexicographic order. The run holds a
// transaction-scoped advisory lock, so the lock lives on the same connection
// as the migrations and is released by commit or rollback. A failed file
// rolls back the whole run.
func Migrate(ctx context.Context, pool Pool, fsys fs.FS, dir string) error {
	log := zap.L().With(zap.String("component", "db.migrate"))

	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return eris.Wrapf(err, "db: read migration dir %s", dir)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	return InTx(ctx, pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", migrationLockID); err != nil {
			return eris.Wrap(err, "db: acquire migration lock")
		}

		if _, err := tx.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
			filename   TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`); err != nil {
			return eris.Wrap(err, "db: ensure migration table")
		}

		applied, err := appliedMigrations(ctx, tx)
		if err != nil {
			return err
		}

		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() || path.Ext(name) != ".sql" || applied[name] {
				continue
			}

			data, err := fs.ReadFile(fsys, path.Join(dir, name))
			if err != nil {
				return eris.Wrapf(err, "db: read migration %s", name)
			}

			log.Info("applying migration", zap.String("file", name))
			if _, err := tx.Exec(ctx, string(data)); err != nil {
				return eris.Wrapf(err, "db: apply migration %s", name)
			}
			if _, err := tx.Exec(ctx, "INSERT INTO schema_migrations (filename) VALUES ($1)", name); err != nil {
				return eris.Wrapf(err, "db: record migration %s", name)
			}
		}
		return nil
	})
}

func appliedMigrations(ctx context.Context, q querier) (map[string]bool, error) {
	rows, err := q.Query(ctx, "SELECT filename FROM schema_migrations")
	if err != nil {
		return nil, eris.Wrap(err, "db: query applied migrations")
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, eris.Wrap(err, "db: scan migration row")
		}
		applied[name] = true
	}
	return applied, eris.Wrap(rows.Err(), "db: iterate migrations")
}
