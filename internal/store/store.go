package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
)

// Store persists users and sessions. It is safe for concurrent use; the
// database enforces email and token uniqueness.
type Store struct {
	db     *sqlx.DB
	driver string
}

// NewStore opens the embedded SQLite store under dataDir. Pass empty string
// for in-memory.
func NewStore(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == "" {
		dsn = ":memory:?_journal_mode=WAL"
	} else {
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		dsn = filepath.Join(dataDir, "taskauth.db") + "?_journal_mode=WAL&_busy_timeout=5000"
	}
	return Open(DriverSQLite, dsn)
}

// Open connects to the given driver and DSN and applies migrations. MySQL
// DSNs must set parseTime=true so timestamps scan into time.Time.
func Open(driver, dsn string) (*Store, error) {
	sqlDriver, ok := sqlDrivers[driver]
	if !ok {
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sqlx.Connect(sqlDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", driver, err)
	}

	if driver == DriverSQLite {
		db.SetMaxOpenConns(1) // SQLite doesn't support concurrent writes

		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable foreign keys: %w", err)
		}
	}

	s := &Store{db: db, driver: driver}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate %s database: %w", driver, err)
	}
	return s, nil
}

// sqlDrivers maps configuration names to registered database/sql drivers.
var sqlDrivers = map[string]string{
	DriverSQLite:   "sqlite",
	DriverPostgres: "pgx",
	DriverMySQL:    "mysql",
}

// Driver returns the configured driver name.
func (s *Store) Driver() string {
	return s.driver
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// rebind converts ?-style placeholders to the driver's bind style.
func (s *Store) rebind(query string) string {
	return s.db.Rebind(query)
}

// insert runs a named INSERT and returns the generated primary key.
// PostgreSQL has no LastInsertId, so it goes through RETURNING.
func (s *Store) insert(ctx context.Context, query string, arg interface{}) (int64, error) {
	if s.driver != DriverPostgres {
		result, err := s.db.NamedExecContext(ctx, query, arg)
		if err != nil {
			return 0, err
		}
		return result.LastInsertId()
	}

	rows, err := s.db.NamedQueryContext(ctx, query+" RETURNING id", arg)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	var id int64
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return 0, err
		}
		return 0, fmt.Errorf("insert returned no id")
	}
	if err := rows.Scan(&id); err != nil {
		return 0, err
	}
	return id, rows.Err()
}
