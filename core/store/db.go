package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	sqlite "modernc.org/sqlite"

	"casetrack/config"
	"casetrack/core/utils"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// ErrConflict is returned when an insert or guarded update loses to a
// concurrent writer (unique index hit, state guard mismatch).
var ErrConflict = errors.New("conflict")

// DB wraps *sql.DB with the driver name so store queries can be written once
// with ? placeholders and rebound to $N for postgres.
type DB struct {
	*sql.DB
	driver string
}

func NewDB(cfg *config.AppConfig, logger *utils.Logger) (*DB, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.DBDriver))
	switch driver {
	case "", DriverSQLite:
		path := cfg.DBPath
		if path == "" {
			path = "data/casetrack.db"
		}
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, err
			}
		}
		dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
		db, err := sql.Open("sqlite", dsn)
		if err != nil {
			return nil, err
		}
		// modernc sqlite serializes writers; a single connection avoids
		// SQLITE_BUSY on overlapping transactions.
		db.SetMaxOpenConns(1)
		logger.Infof("store: sqlite database at %s", path)
		return &DB{DB: db, driver: DriverSQLite}, nil
	case DriverPostgres:
		if strings.TrimSpace(cfg.DBURL) == "" {
			return nil, errors.New("store: db_url is required for the postgres driver")
		}
		db, err := sql.Open("pgx", cfg.DBURL)
		if err != nil {
			return nil, err
		}
		logger.Infof("store: postgres database")
		return &DB{DB: db, driver: DriverPostgres}, nil
	default:
		return nil, fmt.Errorf("store: unknown db driver %q", cfg.DBDriver)
	}
}

func (d *DB) Driver() string {
	return d.driver
}

// rebind rewrites ? placeholders to $1..$N for postgres. Queries never embed
// literal question marks, so a plain scan is enough.
func (d *DB) rebind(query string) string {
	if d.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (d *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return d.DB.ExecContext(ctx, d.rebind(query), args...)
}

func (d *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return d.DB.QueryContext(ctx, d.rebind(query), args...)
}

func (d *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return d.DB.QueryRowContext(ctx, d.rebind(query), args...)
}

func (d *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (*Tx, error) {
	tx, err := d.DB.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &Tx{tx: tx, db: d}, nil
}

// Tx mirrors the DB wrapper for transaction scope.
type Tx struct {
	tx *sql.Tx
	db *DB
}

func (t *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, t.db.rebind(query), args...)
}

func (t *Tx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, t.db.rebind(query), args...)
}

func (t *Tx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, t.db.rebind(query), args...)
}

func (t *Tx) Commit() error   { return t.tx.Commit() }
func (t *Tx) Rollback() error { return t.tx.Rollback() }

// isUniqueViolation reports whether err is a unique-constraint failure from
// either driver. 1555/2067 are sqlite's primary-key and unique constraint
// extended codes; 23505 is postgres unique_violation.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code()
		return code == 1555 || code == 2067
	}
	return false
}

func nullableStr(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}
