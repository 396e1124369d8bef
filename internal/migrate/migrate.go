// Package migrate applies the embedded MySQL schema for the metrics store.
package migrate

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
)

//go:embed sql/*.sql
var migrationsFS embed.FS

const versionTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
  version    INT          NOT NULL PRIMARY KEY,
  name       VARCHAR(255) NOT NULL,
  applied_at DATETIME(6)  NOT NULL
) ENGINE=InnoDB;`

// migration is one embedded schema file, executed as a single batch.
type migration struct {
	version int
	name    string
	body    string
}

// Run brings the schema behind dsn up to the newest embedded migration.
// Files are named NNNN_description.sql and applied in version order; each
// version is recorded once it has run.
func Run(ctx context.Context, dsn string, log *slog.Logger) error {
	migrations, err := load(migrationsFS)
	if err != nil {
		return err
	}
	db, err := open(ctx, dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, versionTable); err != nil {
		return fmt.Errorf("migrate: create version table: %w", err)
	}
	applied, err := appliedVersions(ctx, db)
	if err != nil {
		return err
	}

	todo := pending(migrations, applied)
	for _, m := range todo {
		log.Info("applying migration", slog.Int("version", m.version), slog.String("file", m.name))
		if err := m.apply(ctx, db); err != nil {
			return err
		}
	}
	log.Info("schema up to date", slog.Int("applied", len(todo)), slog.Int("total", len(migrations)))
	return nil
}

// open connects with multiStatements on, since a migration file may hold
// several statements.
func open(ctx context.Context, dsn string) (*sql.DB, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("migrate: parse dsn: %w", err)
	}
	cfg.MultiStatements = true
	cfg.ParseTime = true
	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, err
	}
	db := sql.OpenDB(connector)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: ping: %w", err)
	}
	return db, nil
}

// load reads every migration in fsys, sorted by version. Two files with the
// same version are rejected.
func load(fsys fs.FS) ([]migration, error) {
	files, err := fs.Glob(fsys, "sql/*.sql")
	if err != nil {
		return nil, err
	}
	out := make([]migration, 0, len(files))
	byVersion := make(map[int]string, len(files))
	for _, f := range files {
		name := path.Base(f)
		ver, err := parseVersion(name)
		if err != nil {
			return nil, fmt.Errorf("migrate: invalid filename %q: %w", name, err)
		}
		if prev, dup := byVersion[ver]; dup {
			return nil, fmt.Errorf("migrate: version %d used by %s and %s", ver, prev, name)
		}
		byVersion[ver] = name
		body, err := fs.ReadFile(fsys, f)
		if err != nil {
			return nil, err
		}
		out = append(out, migration{version: ver, name: name, body: string(body)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

func pending(all []migration, applied map[int]bool) []migration {
	var out []migration
	for _, m := range all {
		if !applied[m.version] {
			out = append(out, m)
		}
	}
	return out
}

func (m migration) apply(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, m.body); err != nil {
		return fmt.Errorf("migrate: apply %s: %w", m.name, err)
	}
	_, err := db.ExecContext(ctx,
		"INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)",
		m.version, m.name, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("migrate: record %s: %w", m.name, err)
	}
	return nil
}

func appliedVersions(ctx context.Context, db *sql.DB) (map[int]bool, error) {
	rows, err := db.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, fmt.Errorf("migrate: read versions: %w", err)
	}
	defer rows.Close()
	out := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out[v] = true
	}
	return out, rows.Err()
}

// parseVersion reads the numeric prefix of NNNN_description.sql.
func parseVersion(name string) (int, error) {
	prefix, _, ok := strings.Cut(name, "_")
	if !ok || prefix == "" {
		return 0, fmt.Errorf("missing version prefix")
	}
	return strconv.Atoi(prefix)
}
