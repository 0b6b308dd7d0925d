package db

import (
	"context"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var embedded embed.FS

// Migrations returns the SQL migrations compiled into the binary.
func Migrations() fs.FS {
	sub, err := fs.Sub(embedded, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}

// migrationLockID is the advisory lock key held while migrations run, so two
// deploys starting at once apply each file exactly once.
const migrationLockID int64 = 0x6261636b6f6666 // "backoff"

// Migration is one NNN_name.sql file.
type Migration struct {
	Version  int
	Name     string
	SQL      string
	Checksum string
}

// MigrationStatus reports one known migration against a schema. Modified is
// set when the file changed after it was applied.
type MigrationStatus struct {
	Version   int
	Name      string
	Applied   bool
	AppliedAt *time.Time
	Modified  bool
}

type appliedMigration struct {
	checksum  string
	appliedAt time.Time
}

// Migrator applies the SQL files in fsys to a PostgreSQL schema.
type Migrator struct {
	pool *pgxpool.Pool
	fsys fs.FS
}

func NewMigrator(pool *pgxpool.Pool, fsys fs.FS) *Migrator {
	return &Migrator{
		pool: pool,
		fsys: fsys,
	}
}

func checksum(sql string) string {
	sum := sha256.Sum256([]byte(sql))
	return hex.EncodeToString(sum[:])
}

// LoadMigrations reads the .sql files at the root of fsys, sorted by the
// numeric filename prefix ("001_backoffice.sql" is version 1). Files without
// a numeric prefix are skipped. Two files with one version are an error.
func (m *Migrator) LoadMigrations() ([]Migration, error) {
	entries, err := fs.ReadDir(m.fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}

	seen := make(map[int]string)
	var migrations []Migration
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		prefix, _, ok := strings.Cut(name, "_")
		if !ok {
			continue
		}
		version, err := strconv.Atoi(prefix)
		if err != nil {
			continue
		}
		if prev, dup := seen[version]; dup {
			return nil, fmt.Errorf("migrations %s and %s share version %d", prev, name, version)
		}
		seen[version] = name

		content, err := fs.ReadFile(m.fsys, name)
		if err != nil {
			return nil, fmt.Errorf("read migration file %s: %w", name, err)
		}
		migrations = append(migrations, Migration{
			Version:  version,
			Name:     name,
			SQL:      string(content),
			Checksum: checksum(string(content)),
		})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}

// ensureSchema creates schema and its _migrations table on conn.
func ensureSchema(ctx context.Context, conn *pgxpool.Conn, schema string) error {
	ident := pgx.Identifier{schema}.Sanitize()
	query := fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %[1]s;
CREATE TABLE IF NOT EXISTS %[1]s._migrations (
    version    INTEGER PRIMARY KEY,
    name       VARCHAR(255) NOT NULL,
    checksum   VARCHAR(64)  NOT NULL DEFAULT '',
    applied_at TIMESTAMPTZ  NOT NULL DEFAULT NOW()
)`, ident)
	if _, err := conn.Exec(ctx, query); err != nil {
		return fmt.Errorf("create _migrations table in %s: %w", schema, err)
	}
	return nil
}

func applied(ctx context.Context, conn *pgxpool.Conn, schema string) (map[int]appliedMigration, error) {
	query := fmt.Sprintf(`SELECT version, checksum, applied_at FROM %s._migrations`, pgx.Identifier{schema}.Sanitize())
	rows, err := conn.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query applied migrations in %s: %w", schema, err)
	}
	defer rows.Close()

	out := make(map[int]appliedMigration)
	for rows.Next() {
		var (
			v int
			a appliedMigration
		)
		if err := rows.Scan(&v, &a.checksum, &a.appliedAt); err != nil {
			return nil, fmt.Errorf("scan migration row: %w", err)
		}
		out[v] = a
	}
	return out, rows.Err()
}

// withLock runs fn on one pooled connection holding the migration lock.
func (m *Migrator) withLock(ctx context.Context, schema string, fn func(conn *pgxpool.Conn) error) error {
	conn, err := m.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", migrationLockID); err != nil {
		return fmt.Errorf("take migration lock: %w", err)
	}
	defer conn.Exec(context.WithoutCancel(ctx), "SELECT pg_advisory_unlock($1)", migrationLockID)

	if err := ensureSchema(ctx, conn, schema); err != nil {
		return err
	}
	return fn(conn)
}

// Up applies every pending migration in version order, each in its own
// transaction, and returns how many were applied. It refuses to run if an
// applied file has since been edited.
func (m *Migrator) Up(ctx context.Context, schema string) (int, error) {
	migrations, err := m.LoadMigrations()
	if err != nil {
		return 0, err
	}

	count := 0
	err = m.withLock(ctx, schema, func(conn *pgxpool.Conn) error {
		done, err := applied(ctx, conn, schema)
		if err != nil {
			return err
		}
		for _, mig := range migrations {
			if prev, ok := done[mig.Version]; ok {
				if prev.checksum != "" && prev.checksum != mig.Checksum {
					return fmt.Errorf("migration %d (%s) was modified after it was applied", mig.Version, mig.Name)
				}
				continue
			}
			if err := applyMigration(ctx, conn, schema, mig); err != nil {
				return fmt.Errorf("apply migration %d (%s): %w", mig.Version, mig.Name, err)
			}
			count++
		}
		return nil
	})
	return count, err
}

func applyMigration(ctx context.Context, conn *pgxpool.Conn, schema string, mig Migration) error {
	return pgx.BeginFunc(ctx, conn, func(tx pgx.Tx) error {
		ident := pgx.Identifier{schema}.Sanitize()
		if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL search_path TO %s", ident)); err != nil {
			return fmt.Errorf("set search_path: %w", err)
		}
		if _, err := tx.Exec(ctx, mig.SQL); err != nil {
			return fmt.Errorf("execute SQL: %w", err)
		}
		_, err := tx.Exec(ctx,
			fmt.Sprintf("INSERT INTO %s._migrations (version, name, checksum) VALUES ($1, $2, $3)", ident),
			mig.Version, mig.Name, mig.Checksum,
		)
		if err != nil {
			return fmt.Errorf("record migration: %w", err)
		}
		return nil
	})
}

// Status lists every known migration with whether it is applied to schema.
func (m *Migrator) Status(ctx context.Context, schema string) ([]MigrationStatus, error) {
	migrations, err := m.LoadMigrations()
	if err != nil {
		return nil, err
	}

	var done map[int]appliedMigration
	err = m.withLock(ctx, schema, func(conn *pgxpool.Conn) error {
		done, err = applied(ctx, conn, schema)
		return err
	})
	if err != nil {
		return nil, err
	}
	return statusOf(migrations, done), nil
}

func statusOf(migrations []Migration, done map[int]appliedMigration) []MigrationStatus {
	statuses := make([]MigrationStatus, 0, len(migrations))
	for _, mig := range migrations {
		s := MigrationStatus{Version: mig.Version, Name: mig.Name}
		if a, ok := done[mig.Version]; ok {
			at := a.appliedAt
			s.Applied = true
			s.AppliedAt = &at
			s.Modified = a.checksum != "" && a.checksum != mig.Checksum
		}
		statuses = append(statuses, s)
	}
	return statuses
}
