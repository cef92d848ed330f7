// Package history is an append-only log of engine observations: aggregated
// performance snapshots, workflow runs and scale recommendations. Nothing in
// it is read back into the live registries.
package history

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// DB holds the connection and the placeholder style of its driver.
type DB struct {
	db     *sql.DB
	driver string
}

// Open connects and runs pending migrations. For sqlite, target is a data
// directory and the file is dataDir/history.db; for postgres it is a DSN.
func Open(driver, target string) (*DB, error) {
	var (
		db  *sql.DB
		err error
	)
	switch driver {
	case DriverSQLite, "":
		driver = DriverSQLite
		db, err = openSQLite(target)
	case DriverPostgres:
		if target == "" {
			return nil, fmt.Errorf("history: postgres dsn is required")
		}
		db, err = sql.Open("postgres", target)
		if err == nil {
			err = db.Ping()
			if err != nil {
				_ = db.Close()
			}
		}
	default:
		return nil, fmt.Errorf("history: unknown driver %q", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	d := &DB{db: db, driver: driver}
	if err := d.runMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return d, nil
}

func openSQLite(dataDir string) (*sql.DB, error) {
	if dataDir == "" {
		return nil, fmt.Errorf("data_dir is required")
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, err
	}
	dbPath := filepath.Join(dataDir, "history.db")
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("WAL: %w", err)
	}
	return db, nil
}

func (d *DB) Driver() string { return d.driver }

func (d *DB) Close() error {
	return d.db.Close()
}

// rebind rewrites ? placeholders to $n for postgres.
func (d *DB) rebind(query string) string {
	if d.driver != DriverPostgres {
		return query
	}
	return rebindDollar(query)
}

func rebindDollar(query string) string {
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d *DB) runMigrations() error {
	if _, err := d.db.Exec("CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL PRIMARY KEY)"); err != nil {
		return fmt.Errorf("migrations: create schema_version: %w", err)
	}
	current, err := d.currentVersion()
	if err != nil {
		return err
	}
	names, err := migrationNames()
	if err != nil {
		return err
	}
	for _, name := range names {
		n, err := migrationNumber(name)
		if err != nil || n <= current {
			continue
		}
		data, err := fs.ReadFile(migrationsFS, "migrations/"+name)
		if err != nil {
			return fmt.Errorf("migration %s: %w", name, err)
		}
		tx, err := d.db.Begin()
		if err != nil {
			return fmt.Errorf("migration %s: begin: %w", name, err)
		}
		if _, err := tx.Exec(string(data)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %s: %w", name, err)
		}
		if _, err := tx.Exec("DELETE FROM schema_version"); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %s: clear version: %w", name, err)
		}
		if _, err := tx.Exec(d.rebind("INSERT INTO schema_version (version) VALUES (?)"), n); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %s: set version: %w", name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migration %s: commit: %w", name, err)
		}
	}
	return nil
}

// Version returns the applied schema version.
func (d *DB) Version() (int, error) {
	return d.currentVersion()
}

func (d *DB) currentVersion() (int, error) {
	var v sql.NullInt64
	err := d.db.QueryRow("SELECT version FROM schema_version LIMIT 1").Scan(&v)
	if err == sql.ErrNoRows || (err == nil && !v.Valid) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("migrations: read version: %w", err)
	}
	return int(v.Int64), nil
}

func migrationNames() ([]string, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

func migrationNumber(name string) (int, error) {
	base := strings.TrimSuffix(name, ".sql")
	parts := strings.SplitN(base, "_", 2)
	if len(parts) < 2 {
		return 0, fmt.Errorf("invalid migration name %q", name)
	}
	return strconv.Atoi(parts[0])
}
