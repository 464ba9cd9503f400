package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"censusbuilder/pkg/domain"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
	_ "modernc.org/sqlite"             // register the sqlite driver
)

// defaultPostgresDSN keeps single-host development working without config.
const defaultPostgresDSN = "postgres://localhost/censusbuilder?sslmode=disable"

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

const catalogDDL = `CREATE TABLE IF NOT EXISTS builds (
	build_tag    TEXT PRIMARY KEY,
	build_id     TEXT NOT NULL UNIQUE,
	census_key   TEXT NOT NULL,
	manifest_key TEXT NOT NULL,
	manifest     TEXT NOT NULL,
	created_at   TEXT NOT NULL
)`

// SQLCatalog is the catalog over a database/sql backend. The same schema
// serves both sqlite and postgres.
type SQLCatalog struct {
	db *sql.DB
	// placeholder renders ? or $N depending on the backend
	placeholder func(int) string
}

// NewSQLite opens (or creates) a sqlite-backed catalog at path.
func NewSQLite(path string) (*SQLCatalog, error) {
	return open("sqlite", path, func(int) string { return "?" })
}

// NewPostgres opens a postgres-backed catalog. An empty DSN falls back to a
// local development default.
func NewPostgres(ctx context.Context, dsn string) (*SQLCatalog, error) {
	if dsn == "" {
		dsn = defaultPostgresDSN
	}
	c, err := open("pgx", dsn, func(i int) string { return fmt.Sprintf("$%d", i) })
	if err != nil {
		return nil, err
	}
	if err := c.db.PingContext(ctx); err != nil {
		_ = c.db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return c, nil
}

func open(driver, dsn string, placeholder func(int) string) (*SQLCatalog, error) {
	openMu.Lock()
	db, err := sqlOpen(driver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open %s catalog: %w", driver, err)
	}
	if _, err := db.Exec(catalogDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply catalog schema: %w", err)
	}
	return &SQLCatalog{db: db, placeholder: placeholder}, nil
}

// Append implements Catalog.
func (c *SQLCatalog) Append(ctx context.Context, rec Record) error {
	if err := validate(rec); err != nil {
		return err
	}
	payload, err := json.Marshal(rec.Manifest)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	q := fmt.Sprintf(`INSERT INTO builds(build_tag, build_id, census_key, manifest_key, manifest, created_at) VALUES(%s,%s,%s,%s,%s,%s)`,
		c.placeholder(1), c.placeholder(2), c.placeholder(3), c.placeholder(4), c.placeholder(5), c.placeholder(6))
	if _, err := c.db.ExecContext(ctx, q,
		rec.BuildTag, rec.BuildID, rec.CensusKey, rec.ManifestKey, string(payload), rec.CreatedAt.UTC().Format(time.RFC3339Nano)); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("append build %s: %w", rec.BuildTag, err)
	}
	return nil
}

// Get implements Catalog.
func (c *SQLCatalog) Get(ctx context.Context, buildTag string) (Record, error) {
	q := fmt.Sprintf(`SELECT build_tag, build_id, census_key, manifest_key, manifest, created_at FROM builds WHERE build_tag = %s`, c.placeholder(1))
	rec, err := scanRecord(c.db.QueryRowContext(ctx, q, buildTag))
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return rec, err
}

// List implements Catalog.
func (c *SQLCatalog) List(ctx context.Context) ([]Record, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT build_tag, build_id, census_key, manifest_key, manifest, created_at FROM builds ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list builds: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close implements Catalog.
func (c *SQLCatalog) Close() error { return c.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var rec Record
	var payload, createdAt string
	if err := row.Scan(&rec.BuildTag, &rec.BuildID, &rec.CensusKey, &rec.ManifestKey, &payload, &createdAt); err != nil {
		return Record{}, err
	}
	var m domain.Manifest
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		return Record{}, fmt.Errorf("decode manifest for %s: %w", rec.BuildTag, err)
	}
	rec.Manifest = m
	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return Record{}, fmt.Errorf("parse created_at for %s: %w", rec.BuildTag, err)
	}
	rec.CreatedAt = t
	return rec, nil
}

// isUniqueViolation matches constraint errors across both backends without
// binding to driver error types.
func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate key")
}

// OverrideSQLOpen swaps the sql.Open function for tests and returns a
// restore function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}
