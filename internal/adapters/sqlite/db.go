package sqlite

import (
	"cmp"
	"context"
	"database/sql"
	"embed"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Guilhem-Bonnet/gallery-subscriber/internal/records"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Options règle la connexion. WAL est ignoré pour une base en mémoire.
type Options struct {
	BusyTimeout time.Duration
	WAL         bool
}

func DefaultOptions() Options {
	return Options{BusyTimeout: 5 * time.Second, WAL: true}
}

type DB struct {
	SQL *sql.DB
}

func Open(ctx context.Context, path string) (*DB, error) {
	return OpenWithOptions(ctx, path, DefaultOptions())
}

// OpenWithOptions ouvre la base, applique les migrations puis vérifie que les
// enregistrements stockés sont lisibles par cette version.
func OpenWithOptions(ctx context.Context, path string, opts Options) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// Un seul écrivain: les pragmas restent attachés à l'unique connexion.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	d := &DB{SQL: db}
	if err := d.init(ctx, path, opts); err != nil {
		_ = db.Close()
		return nil, err
	}
	return d, nil
}

func (d *DB) init(ctx context.Context, path string, opts Options) error {
	ctxPing, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := d.SQL.PingContext(ctxPing); err != nil {
		return err
	}
	if err := d.applyPragmas(ctx, path, opts); err != nil {
		return err
	}
	if err := d.Migrate(ctx); err != nil {
		return err
	}
	return d.checkRecordVersions(ctx)
}

func (d *DB) Close() error {
	return d.SQL.Close()
}

func isMemoryPath(path string) bool {
	return path == "" || path == ":memory:" || strings.Contains(path, "mode=memory")
}

func (d *DB) applyPragmas(ctx context.Context, path string, opts Options) error {
	if opts.BusyTimeout > 0 {
		if _, err := d.SQL.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", opts.BusyTimeout.Milliseconds())); err != nil {
			return fmt.Errorf("busy_timeout: %w", err)
		}
	}
	if opts.WAL && !isMemoryPath(path) {
		var mode string
		if err := d.SQL.QueryRowContext(ctx, `PRAGMA journal_mode = WAL`).Scan(&mode); err != nil {
			return fmt.Errorf("journal_mode: %w", err)
		}
		if !strings.EqualFold(mode, "wal") {
			return fmt.Errorf("journal_mode: sqlite kept %q", mode)
		}
	}
	return nil
}

type migration struct {
	version int
	name    string
	up      string
}

func loadMigrations() ([]migration, error) {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return nil, err
	}
	var out []migration
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".sql") {
			continue
		}
		prefix, _, _ := strings.Cut(name, "_")
		v, err := strconv.Atoi(prefix)
		if err != nil {
			return nil, fmt.Errorf("invalid migration name: %s", name)
		}
		b, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return nil, err
		}
		out = append(out, migration{version: v, name: name, up: extractUp(string(b))})
	}
	slices.SortFunc(out, func(a, b migration) int { return cmp.Compare(a.version, b.version) })
	return out, nil
}

func (d *DB) Migrate(ctx context.Context) error {
	if _, err := d.SQL.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY, applied_at TEXT NOT NULL);`); err != nil {
		return err
	}
	applied, err := d.appliedVersions(ctx)
	if err != nil {
		return err
	}
	migrations, err := loadMigrations()
	if err != nil {
		return err
	}
	for _, m := range migrations {
		if applied[m.version] || strings.TrimSpace(m.up) == "" {
			continue
		}
		if err := d.apply(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func (d *DB) apply(ctx context.Context, m migration) error {
	tx, err := d.SQL.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, m.up); err != nil {
		return fmt.Errorf("migration %s failed: %w", m.name, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, applied_at) VALUES(?, ?)`, m.version, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return err
	}
	return tx.Commit()
}

func (d *DB) appliedVersions(ctx context.Context) (map[int]bool, error) {
	rows, err := d.SQL.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[int]bool{}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out[v] = true
	}
	return out, rows.Err()
}

// recordKinds: chaque table d'enregistrements versionnés et la version lue par ce binaire.
var recordKinds = []struct {
	kind    string
	table   string
	current int
}{
	{"subscription", "subscriptions", records.SubscriptionVersion},
	{"container", "query_log_containers", records.ContainerVersion},
	{"settings", "settings", records.SettingsVersion},
}

// RecordVersions renvoie la version enregistrée par type ("subscription", "container", "settings").
func (d *DB) RecordVersions(ctx context.Context) (map[string]int, error) {
	rows, err := d.SQL.QueryContext(ctx, `SELECT kind, version FROM record_versions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var kind string
		var v int
		if err := rows.Scan(&kind, &v); err != nil {
			return nil, err
		}
		out[kind] = v
	}
	return out, rows.Err()
}

// checkRecordVersions refuse une base écrite par une version plus récente,
// puis note les versions courantes.
func (d *DB) checkRecordVersions(ctx context.Context) error {
	stored, err := d.RecordVersions(ctx)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	for _, rk := range recordKinds {
		var highest sql.NullInt64
		if err := d.SQL.QueryRowContext(ctx, `SELECT MAX(version) FROM `+rk.table).Scan(&highest); err != nil {
			return fmt.Errorf("%s versions: %w", rk.kind, err)
		}
		seen := max(int(highest.Int64), stored[rk.kind])
		if seen > rk.current {
			return fmt.Errorf("%s records are v%d, this build reads up to v%d: %w",
				rk.kind, seen, rk.current, records.ErrUnsupportedVersion)
		}
		if _, err := d.SQL.ExecContext(ctx, `
			INSERT INTO record_versions(kind, version, updated_at) VALUES(?, ?, ?)
			ON CONFLICT(kind) DO UPDATE SET version = excluded.version, updated_at = excluded.updated_at
		`, rk.kind, rk.current, now); err != nil {
			return err
		}
	}
	return nil
}

func extractUp(sqlText string) string {
	var out []string
	inUp := false
	for _, line := range strings.Split(sqlText, "\n") {
		switch trim := strings.TrimSpace(line); {
		case strings.HasPrefix(trim, "-- +migrate Up"):
			inUp = true
		case strings.HasPrefix(trim, "-- +migrate Down"):
			inUp = false
		case inUp:
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}
