// Package domain defines the core entities shared across the census build
// pipeline: source datasets, ontology term references, harmonized axis
// records, and the build manifest.
package domain

import (
	"fmt"
	"time"
)

// CensusSchemaVersion identifies the schema of the census artifact produced
// by this builder. Bumped whenever the obs/var column contract changes.
const CensusSchemaVersion = "2.1.0"

// AcceptedSchemaVersions lists the source dataset schema versions the reader
// will ingest. Datasets declaring any other version are rejected.
var AcceptedSchemaVersions = []string{"5.0.0", "5.1.0", "5.2.0"}

// SchemaVersionAccepted reports whether a source dataset schema version is
// supported by this builder.
func SchemaVersionAccepted(version string) bool {
	for _, v := range AcceptedSchemaVersions {
		if v == version {
			return true
		}
	}
	return false
}

// SourceDataset describes one externally produced annotated-matrix package
// included in a build. Read-only input, fetched once per build.
type SourceDataset struct {
	DatasetID        string `json:"dataset_id" yaml:"dataset_id"`
	DatasetVersionID string `json:"dataset_version_id" yaml:"dataset_version_id"`
	CollectionID     string `json:"collection_id,omitempty" yaml:"collection_id,omitempty"`
	Title            string `json:"title,omitempty" yaml:"title,omitempty"`
	Organism         string `json:"organism" yaml:"organism"`
	SchemaVersion    string `json:"schema_version" yaml:"schema_version"`
	BlobKey          string `json:"blob_key" yaml:"blob_key"`
	CellCount        int64  `json:"cell_count" yaml:"cell_count"`
	FeatureCount     int64  `json:"feature_count" yaml:"feature_count"`
}

// Term is a reference to a canonical ontology concept. A zero Term is not
// meaningful; unresolved categorical values use UnknownTerm.
type Term struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// UnknownTerm marks a categorical value that could not be mapped onto the
// loaded ontologies. Records carrying it are kept, never dropped.
var UnknownTerm = Term{ID: "unknown", Label: "unknown"}

// IsUnknown reports whether the term is the unresolved sentinel.
func (t Term) IsUnknown() bool { return t.ID == UnknownTerm.ID }

// ObsRecord is one cell's metadata as read from a source dataset, before
// harmonization. Term ID fields carry whatever the submitter declared.
type ObsRecord struct {
	DatasetID                    string
	CellTypeTermID               string
	CellType                     string
	TissueTermID                 string
	Tissue                       string
	DiseaseTermID                string
	Disease                      string
	AssayTermID                  string
	Assay                        string
	SexTermID                    string
	Sex                          string
	DevelopmentStageTermID       string
	DevelopmentStage             string
	SelfReportedEthnicityTermID  string
	SelfReportedEthnicity        string
	OrganismTermID               string
	Organism                     string
	SuspensionType               string
	IsPrimaryData                bool
	RawSumComputed               float64
	NonzeroComputed              int64
}

// HarmonizedObs is an ObsRecord with every categorical field resolved to
// exactly one canonical term or marked unknown.
type HarmonizedObs struct {
	JoinID                int64 `json:"soma_joinid"`
	DatasetID             string
	CellType              Term
	Tissue                Term
	TissueGeneral         Term
	Disease               Term
	Assay                 Term
	Sex                   Term
	DevelopmentStage      Term
	SelfReportedEthnicity Term
	Organism              Term
	SuspensionType        string
	IsPrimaryData         bool
}

// VarRecord is one gene/feature on a dataset's var axis.
type VarRecord struct {
	FeatureID     string
	FeatureName   string
	FeatureLength int64
}

// ConsolidatedVar is a feature after cross-dataset deduplication, carrying
// its global coordinate and the number of datasets that measured it.
type ConsolidatedVar struct {
	JoinID        int64
	FeatureID     string
	FeatureName   string
	FeatureLength int64
	NDatasets     int64
}

// Triple is one nonzero entry of an expression matrix in COO form.
// Coordinates are dataset-local before consolidation and global after.
type Triple struct {
	Row   int64
	Col   int64
	Value float64
}

// DatasetError marks a per-dataset rejection. The build continues; the
// dataset is excluded and the reason surfaced in the build report.
type DatasetError struct {
	DatasetID string
	Err       error
}

func (e DatasetError) Error() string {
	return fmt.Sprintf("dataset %s rejected: %v", e.DatasetID, e.Err)
}

func (e DatasetError) Unwrap() error { return e.Err }

// DatasetSummary records one accepted dataset's contribution to a build.
type DatasetSummary struct {
	DatasetID        string `json:"dataset_id"`
	DatasetVersionID string `json:"dataset_version_id"`
	Organism         string `json:"organism"`
	CellCount        int64  `json:"cell_count"`
	FirstJoinID      int64  `json:"first_soma_joinid"`
}

// Manifest is the provenance record written alongside a census artifact.
// Manifests are append-only across builds: a published build is never
// rewritten, a rebuild appends a new record.
type Manifest struct {
	BuildID             string            `json:"build_id"`
	BuildTag            string            `json:"build_tag"`
	CensusSchemaVersion string            `json:"census_schema_version"`
	OntologyReleases    map[string]string `json:"ontology_releases"`
	Datasets            []DatasetSummary  `json:"datasets"`
	RejectedDatasets    []string          `json:"rejected_datasets,omitempty"`
	TotalCells          int64             `json:"total_cells"`
	TotalFeatures       int64             `json:"total_features"`
	CreatedAt           time.Time         `json:"created_at"`
}
