package census

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"censusbuilder/internal/ontology"
	"censusbuilder/pkg/domain"

	"go.uber.org/zap"
)

// ErrValidation wraps all findings of a failed validation run. A census that
// fails validation must not be published.
var ErrValidation = errors.New("census validation failed")

// Validator checks a finished census database against its manifest and the
// ontologies it was built with.
type Validator struct {
	onts *ontology.Set
	log  *zap.Logger
}

// NewValidator constructs a validator. A nil logger is replaced with a nop.
func NewValidator(onts *ontology.Set, log *zap.Logger) *Validator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Validator{onts: onts, log: log}
}

// termColumns are the obs columns whose values must resolve in the loaded
// ontologies unless they are the unknown sentinel.
var termColumns = []string{
	"cell_type_ontology_term_id",
	"tissue_ontology_term_id",
	"tissue_general_ontology_term_id",
	"disease_ontology_term_id",
	"assay_ontology_term_id",
	"sex_ontology_term_id",
	"development_stage_ontology_term_id",
	"self_reported_ethnicity_ontology_term_id",
	"organism_ontology_term_id",
}

// Validate runs every check and returns ErrValidation carrying all findings
// when any check fails.
func (v *Validator) Validate(ctx context.Context, db *sql.DB, m domain.Manifest) error {
	var findings []string
	add := func(format string, args ...any) {
		findings = append(findings, fmt.Sprintf(format, args...))
	}

	if err := v.checkAxes(ctx, db, m, add); err != nil {
		return err
	}
	if err := v.checkDatasets(ctx, db, m, add); err != nil {
		return err
	}
	if err := v.checkMatrix(ctx, db, add); err != nil {
		return err
	}
	if err := v.checkTerms(ctx, db, add); err != nil {
		return err
	}

	if len(findings) > 0 {
		for _, f := range findings {
			v.log.Error("validation finding", zap.String("finding", f))
		}
		return fmt.Errorf("%w: %s", ErrValidation, strings.Join(findings, "; "))
	}
	v.log.Info("census validated",
		zap.Int64("cells", m.TotalCells),
		zap.Int64("features", m.TotalFeatures),
		zap.Int("datasets", len(m.Datasets)))
	return nil
}

// checkAxes verifies obs and var row counts against the manifest and that
// joinids on both axes are dense from zero.
func (v *Validator) checkAxes(ctx context.Context, db *sql.DB, m domain.Manifest, add func(string, ...any)) error {
	for _, axis := range []struct {
		table string
		want  int64
	}{
		{"obs", m.TotalCells},
		{"var", m.TotalFeatures},
	} {
		var count, distinct int64
		var minID, maxID sql.NullInt64
		q := fmt.Sprintf(`SELECT COUNT(*), COUNT(DISTINCT soma_joinid), MIN(soma_joinid), MAX(soma_joinid) FROM %s`, axis.table)
		if err := db.QueryRowContext(ctx, q).Scan(&count, &distinct, &minID, &maxID); err != nil {
			return fmt.Errorf("inspect %s axis: %w", axis.table, err)
		}
		if count != axis.want {
			add("%s rows %d, manifest declares %d", axis.table, count, axis.want)
		}
		if count == 0 {
			continue
		}
		if distinct != count {
			add("%s joinids not unique: %d distinct of %d", axis.table, distinct, count)
		}
		if minID.Int64 != 0 || maxID.Int64 != count-1 {
			add("%s joinids not dense: span [%d,%d] for %d rows", axis.table, minID.Int64, maxID.Int64, count)
		}
	}
	return nil
}

// checkDatasets verifies the datasets table agrees with the manifest and
// that per-dataset obs counts match the recorded cell counts.
func (v *Validator) checkDatasets(ctx context.Context, db *sql.DB, m domain.Manifest, add func(string, ...any)) error {
	recorded := make(map[string]domain.DatasetSummary, len(m.Datasets))
	for _, d := range m.Datasets {
		recorded[d.DatasetID] = d
	}

	rows, err := db.QueryContext(ctx, `SELECT dataset_id, cell_count, first_soma_joinid FROM datasets`)
	if err != nil {
		return fmt.Errorf("list datasets: %w", err)
	}
	defer func() { _ = rows.Close() }()
	seen := 0
	for rows.Next() {
		var id string
		var cells, first int64
		if err := rows.Scan(&id, &cells, &first); err != nil {
			return fmt.Errorf("scan dataset row: %w", err)
		}
		seen++
		want, ok := recorded[id]
		if !ok {
			add("dataset %s present in census but absent from manifest", id)
			continue
		}
		if cells != want.CellCount || first != want.FirstJoinID {
			add("dataset %s recorded as (%d cells from %d), manifest declares (%d from %d)",
				id, cells, first, want.CellCount, want.FirstJoinID)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate datasets: %w", err)
	}
	if seen != len(m.Datasets) {
		add("census holds %d datasets, manifest declares %d", seen, len(m.Datasets))
	}

	obsRows, err := db.QueryContext(ctx, `SELECT dataset_id, COUNT(*) FROM obs GROUP BY dataset_id`)
	if err != nil {
		return fmt.Errorf("count obs per dataset: %w", err)
	}
	defer func() { _ = obsRows.Close() }()
	for obsRows.Next() {
		var id string
		var n int64
		if err := obsRows.Scan(&id, &n); err != nil {
			return fmt.Errorf("scan obs count: %w", err)
		}
		if want, ok := recorded[id]; ok && n != want.CellCount {
			add("dataset %s has %d obs rows, manifest declares %d", id, n, want.CellCount)
		}
	}
	return obsRows.Err()
}

// checkMatrix verifies every matrix triple references an existing obs row
// and an existing var row.
func (v *Validator) checkMatrix(ctx context.Context, db *sql.DB, add func(string, ...any)) error {
	var orphanObs, orphanVar int64
	if err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM x WHERE NOT EXISTS (SELECT 1 FROM obs WHERE obs.soma_joinid = x.obs_soma_joinid)`).Scan(&orphanObs); err != nil {
		return fmt.Errorf("check x obs references: %w", err)
	}
	if err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM x WHERE NOT EXISTS (SELECT 1 FROM var WHERE var.soma_joinid = x.var_soma_joinid)`).Scan(&orphanVar); err != nil {
		return fmt.Errorf("check x var references: %w", err)
	}
	if orphanObs > 0 {
		add("%d matrix entries reference missing obs joinids", orphanObs)
	}
	if orphanVar > 0 {
		add("%d matrix entries reference missing var joinids", orphanVar)
	}
	return nil
}

// checkTerms verifies every non-unknown ontology term id stored in obs
// resolves to a live term.
func (v *Validator) checkTerms(ctx context.Context, db *sql.DB, add func(string, ...any)) error {
	for _, col := range termColumns {
		q := fmt.Sprintf(`SELECT DISTINCT %s FROM obs WHERE %s != ?`, col, col)
		rows, err := db.QueryContext(ctx, q, domain.UnknownTerm.ID)
		if err != nil {
			return fmt.Errorf("list %s values: %w", col, err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				_ = rows.Close()
				return fmt.Errorf("scan %s value: %w", col, err)
			}
			term, ok := v.onts.Resolve(id)
			if !ok {
				add("%s holds unresolvable term %s", col, id)
				continue
			}
			if term.Deprecated {
				add("%s holds deprecated term %s", col, id)
			}
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return fmt.Errorf("iterate %s values: %w", col, err)
		}
		_ = rows.Close()
	}
	return nil
}
