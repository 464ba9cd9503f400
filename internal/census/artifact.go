package census

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"censusbuilder/pkg/domain"
)

// OpenArtifact opens an already-built census database under dir. Unlike
// NewWriter it refuses to create one.
func OpenArtifact(dir string) (*sql.DB, error) {
	path := filepath.Join(dir, ArtifactName)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("census artifact: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open census artifact: %w", err)
	}
	return db, nil
}

// StoredManifest reads the manifest Finalize recorded in census_info.
func StoredManifest(ctx context.Context, db *sql.DB) (domain.Manifest, error) {
	var payload string
	if err := db.QueryRowContext(ctx, `SELECT value FROM census_info WHERE key = 'manifest'`).Scan(&payload); err != nil {
		return domain.Manifest{}, fmt.Errorf("census holds no manifest (was Finalize run?): %w", err)
	}
	var m domain.Manifest
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		return domain.Manifest{}, fmt.Errorf("decode stored manifest: %w", err)
	}
	return m, nil
}
