package catalog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Open selects a Catalog implementation from environment variables.
//
//	CENSUS_CATALOG_DRIVER: sqlite|postgres|memory (default sqlite)
//	CENSUS_CATALOG_PATH:   sqlite file when driver=sqlite
//	CENSUS_CATALOG_DSN:    connection string when driver=postgres
//
// workdir anchors the default sqlite path.
func Open(ctx context.Context, workdir string) (Catalog, error) {
	driver := os.Getenv("CENSUS_CATALOG_DRIVER")
	if driver == "" {
		driver = "sqlite"
	}
	switch driver {
	case "sqlite":
		path := os.Getenv("CENSUS_CATALOG_PATH")
		if path == "" {
			path = filepath.Join(workdir, "catalog.db")
		}
		return NewSQLite(path)
	case "postgres":
		return NewPostgres(ctx, os.Getenv("CENSUS_CATALOG_DSN"))
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown catalog driver %s", driver)
	}
}
