// Package census persists the consolidated census to a SQLite-backed
// columnar store, validates it after writing, and publishes the validated
// artifact to object storage. The store is assembled under a staging path
// and only published once validation passes.
package census

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"censusbuilder/internal/consolidate"
	"censusbuilder/pkg/domain"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // pure go sqlite driver
)

// ArtifactName is the census database file name inside the build directory.
const ArtifactName = "census.db"

const censusSchema = `
CREATE TABLE IF NOT EXISTS census_info (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS datasets (
	dataset_id         TEXT PRIMARY KEY,
	dataset_version_id TEXT NOT NULL,
	organism           TEXT NOT NULL,
	cell_count         INTEGER NOT NULL,
	first_soma_joinid  INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS var (
	soma_joinid    INTEGER PRIMARY KEY,
	feature_id     TEXT NOT NULL UNIQUE,
	feature_name   TEXT NOT NULL,
	feature_length INTEGER NOT NULL,
	n_datasets     INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS obs (
	soma_joinid                              INTEGER PRIMARY KEY,
	dataset_id                               TEXT NOT NULL,
	cell_type_ontology_term_id               TEXT NOT NULL,
	cell_type                                TEXT NOT NULL,
	tissue_ontology_term_id                  TEXT NOT NULL,
	tissue                                   TEXT NOT NULL,
	tissue_general_ontology_term_id          TEXT NOT NULL,
	tissue_general                           TEXT NOT NULL,
	disease_ontology_term_id                 TEXT NOT NULL,
	disease                                  TEXT NOT NULL,
	assay_ontology_term_id                   TEXT NOT NULL,
	assay                                    TEXT NOT NULL,
	sex_ontology_term_id                     TEXT NOT NULL,
	sex                                      TEXT NOT NULL,
	development_stage_ontology_term_id       TEXT NOT NULL,
	development_stage                        TEXT NOT NULL,
	self_reported_ethnicity_ontology_term_id TEXT NOT NULL,
	self_reported_ethnicity                  TEXT NOT NULL,
	organism_ontology_term_id                TEXT NOT NULL,
	organism                                 TEXT NOT NULL,
	suspension_type                          TEXT NOT NULL,
	is_primary_data                          INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS x (
	obs_soma_joinid INTEGER NOT NULL,
	var_soma_joinid INTEGER NOT NULL,
	value           REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS x_obs ON x(obs_soma_joinid);
CREATE TABLE IF NOT EXISTS summary_cell_counts (
	organism         TEXT NOT NULL,
	category         TEXT NOT NULL,
	ontology_term_id TEXT NOT NULL,
	label            TEXT NOT NULL,
	cell_count       INTEGER NOT NULL
);
`

// Writer assembles a census database. It implements consolidate.Sink.
type Writer struct {
	db   *sql.DB
	path string
	log  *zap.Logger
}

// NewWriter creates the census database under dir and applies the schema.
// A leftover artifact from an earlier run of the same build tag is removed
// first, so re-running a build starts from an empty store.
func NewWriter(dir string, log *zap.Logger) (*Writer, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create census dir: %w", err)
	}
	path := filepath.Join(dir, ArtifactName)
	for _, stale := range []string{path, path + "-wal", path + "-shm", path + "-journal"} {
		if err := os.Remove(stale); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("reset census store: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open census store: %w", err)
	}
	if _, err := db.Exec(censusSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply census schema: %w", err)
	}
	return &Writer{db: db, path: path, log: log}, nil
}

// Path returns the census database file path.
func (w *Writer) Path() string { return w.path }

// DB exposes the underlying handle for validation and tests.
func (w *Writer) DB() *sql.DB { return w.db }

// Close releases the database handle.
func (w *Writer) Close() error { return w.db.Close() }

// WriteVars persists the consolidated feature axis in one transaction.
func (w *Writer) WriteVars(ctx context.Context, vars []domain.ConsolidatedVar) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin vars tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO var(soma_joinid, feature_id, feature_name, feature_length, n_datasets) VALUES(?,?,?,?,?)`)
	if err != nil {
		return fmt.Errorf("prepare var insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()
	for _, v := range vars {
		if _, err := stmt.ExecContext(ctx, v.JoinID, v.FeatureID, v.FeatureName, v.FeatureLength, v.NDatasets); err != nil {
			return fmt.Errorf("insert var %s: %w", v.FeatureID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit vars: %w", err)
	}
	committed = true
	return nil
}

// WriteDataset persists one dataset's obs rows and remapped matrix triples
// in a single transaction: a dataset lands in the census completely or not
// at all.
func (w *Writer) WriteDataset(ctx context.Context, summary domain.DatasetSummary, obs []domain.HarmonizedObs, x consolidate.XStream) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin dataset tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO datasets(dataset_id, dataset_version_id, organism, cell_count, first_soma_joinid) VALUES(?,?,?,?,?)`,
		summary.DatasetID, summary.DatasetVersionID, summary.Organism, summary.CellCount, summary.FirstJoinID); err != nil {
		return fmt.Errorf("insert dataset %s: %w", summary.DatasetID, err)
	}

	obsStmt, err := tx.PrepareContext(ctx, `INSERT INTO obs(
		soma_joinid, dataset_id,
		cell_type_ontology_term_id, cell_type,
		tissue_ontology_term_id, tissue,
		tissue_general_ontology_term_id, tissue_general,
		disease_ontology_term_id, disease,
		assay_ontology_term_id, assay,
		sex_ontology_term_id, sex,
		development_stage_ontology_term_id, development_stage,
		self_reported_ethnicity_ontology_term_id, self_reported_ethnicity,
		organism_ontology_term_id, organism,
		suspension_type, is_primary_data
	) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return fmt.Errorf("prepare obs insert: %w", err)
	}
	defer func() { _ = obsStmt.Close() }()
	for _, o := range obs {
		primary := 0
		if o.IsPrimaryData {
			primary = 1
		}
		if _, err := obsStmt.ExecContext(ctx,
			o.JoinID, o.DatasetID,
			o.CellType.ID, o.CellType.Label,
			o.Tissue.ID, o.Tissue.Label,
			o.TissueGeneral.ID, o.TissueGeneral.Label,
			o.Disease.ID, o.Disease.Label,
			o.Assay.ID, o.Assay.Label,
			o.Sex.ID, o.Sex.Label,
			o.DevelopmentStage.ID, o.DevelopmentStage.Label,
			o.SelfReportedEthnicity.ID, o.SelfReportedEthnicity.Label,
			o.Organism.ID, o.Organism.Label,
			o.SuspensionType, primary); err != nil {
			return fmt.Errorf("insert obs %d: %w", o.JoinID, err)
		}
	}

	xStmt, err := tx.PrepareContext(ctx, `INSERT INTO x(obs_soma_joinid, var_soma_joinid, value) VALUES(?,?,?)`)
	if err != nil {
		return fmt.Errorf("prepare x insert: %w", err)
	}
	defer func() { _ = xStmt.Close() }()
	n := 0
	if err := x(func(tr domain.Triple) error {
		if _, err := xStmt.ExecContext(ctx, tr.Row, tr.Col, tr.Value); err != nil {
			return fmt.Errorf("insert x (%d,%d): %w", tr.Row, tr.Col, err)
		}
		n++
		return nil
	}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit dataset %s: %w", summary.DatasetID, err)
	}
	committed = true
	w.log.Debug("dataset written", zap.String("dataset_id", summary.DatasetID), zap.Int("nnz", n))
	return nil
}

// summaryCategories maps summary_cell_counts categories onto obs columns.
var summaryCategories = map[string][2]string{
	"cell_type":      {"cell_type_ontology_term_id", "cell_type"},
	"tissue_general": {"tissue_general_ontology_term_id", "tissue_general"},
	"disease":        {"disease_ontology_term_id", "disease"},
	"assay":          {"assay_ontology_term_id", "assay"},
	"sex":            {"sex_ontology_term_id", "sex"},
}

// Finalize records the manifest and build metadata in census_info and
// derives summary_cell_counts from the obs axis. Called once, after the
// last dataset.
func (w *Writer) Finalize(ctx context.Context, m domain.Manifest) error {
	manifestJSON, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin finalize tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	info := map[string]string{
		"census_schema_version": m.CensusSchemaVersion,
		"build_id":              m.BuildID,
		"build_tag":             m.BuildTag,
		"created_at":            m.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		"total_cells":           fmt.Sprintf("%d", m.TotalCells),
		"total_features":        fmt.Sprintf("%d", m.TotalFeatures),
		"manifest":              string(manifestJSON),
	}
	for k, v := range info {
		if _, err := tx.ExecContext(ctx, `INSERT INTO census_info(key, value) VALUES(?,?) ON CONFLICT(key) DO UPDATE SET value=excluded.value`, k, v); err != nil {
			return fmt.Errorf("upsert census_info %s: %w", k, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM summary_cell_counts`); err != nil {
		return fmt.Errorf("reset summaries: %w", err)
	}
	for category, cols := range summaryCategories {
		q := fmt.Sprintf(`INSERT INTO summary_cell_counts(organism, category, ontology_term_id, label, cell_count)
			SELECT organism, ?, %s, %s, COUNT(*) FROM obs GROUP BY organism, %s, %s`,
			cols[0], cols[1], cols[0], cols[1])
		if _, err := tx.ExecContext(ctx, q, category); err != nil {
			return fmt.Errorf("summarize %s: %w", category, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit finalize: %w", err)
	}
	committed = true
	return nil
}
