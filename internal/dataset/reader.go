package dataset

import (
	"compress/gzip"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"censusbuilder/internal/blob"
	"censusbuilder/pkg/domain"

	"go.uber.org/zap"
)

// Object names inside a dataset package prefix.
const (
	headerObject = "header.json"
	obsObject    = "obs.csv"
	varObject    = "var.csv"
	xObject      = "x.csv.gz"
)

// Header is the self-description every dataset package carries.
type Header struct {
	SchemaVersion    string `json:"schema_version"`
	DatasetID        string `json:"dataset_id"`
	DatasetVersionID string `json:"dataset_version_id"`
	Title            string `json:"title"`
	Organism         string `json:"organism"`
	CellCount        int64  `json:"cell_count"`
	FeatureCount     int64  `json:"feature_count"`
}

// Reader opens dataset packages from a blob store.
type Reader struct {
	store blob.Store
	log   *zap.Logger
}

// NewReader constructs a Reader. A nil logger is replaced with a nop.
func NewReader(store blob.Store, log *zap.Logger) *Reader {
	if log == nil {
		log = zap.NewNop()
	}
	return &Reader{store: store, log: log}
}

// Package is an opened dataset whose header passed the schema contract.
// Axis rows and matrix triples are streamed on demand.
type Package struct {
	Source domain.SourceDataset
	Header Header

	store blob.Store
	log   *zap.Logger
}

// Open fetches and validates a dataset's header against the manifest entry
// and the builder's schema contract. Any violation rejects the dataset.
func (r *Reader) Open(ctx context.Context, src domain.SourceDataset) (*Package, error) {
	_, rc, err := r.store.Get(ctx, src.BlobKey+"/"+headerObject)
	if err != nil {
		return nil, domain.DatasetError{DatasetID: src.DatasetID, Err: fmt.Errorf("fetch header: %w", err)}
	}
	defer func() { _ = rc.Close() }()
	var hdr Header
	if err := json.NewDecoder(rc).Decode(&hdr); err != nil {
		return nil, domain.DatasetError{DatasetID: src.DatasetID, Err: fmt.Errorf("decode header: %w", err)}
	}
	if err := validateHeader(src, hdr); err != nil {
		return nil, domain.DatasetError{DatasetID: src.DatasetID, Err: err}
	}
	r.log.Debug("dataset opened",
		zap.String("dataset_id", src.DatasetID),
		zap.String("schema_version", hdr.SchemaVersion),
		zap.Int64("cells", hdr.CellCount),
		zap.Int64("features", hdr.FeatureCount))
	return &Package{Source: src, Header: hdr, store: r.store, log: r.log}, nil
}

func validateHeader(src domain.SourceDataset, hdr Header) error {
	if hdr.DatasetID != src.DatasetID {
		return fmt.Errorf("header dataset_id %q does not match manifest %q", hdr.DatasetID, src.DatasetID)
	}
	if !domain.SchemaVersionAccepted(hdr.SchemaVersion) {
		return fmt.Errorf("unsupported schema version %q", hdr.SchemaVersion)
	}
	if hdr.Organism != src.Organism {
		return fmt.Errorf("header organism %q does not match manifest %q", hdr.Organism, src.Organism)
	}
	if _, err := domain.OrganismByName(hdr.Organism); err != nil {
		return err
	}
	if hdr.CellCount <= 0 || hdr.FeatureCount <= 0 {
		return fmt.Errorf("header declares empty axes (%d cells, %d features)", hdr.CellCount, hdr.FeatureCount)
	}
	return nil
}

// obs.csv columns. Order in the file is free; the header row is mapped.
var obsColumns = []string{
	"cell_type_ontology_term_id", "cell_type",
	"tissue_ontology_term_id", "tissue",
	"disease_ontology_term_id", "disease",
	"assay_ontology_term_id", "assay",
	"sex_ontology_term_id", "sex",
	"development_stage_ontology_term_id", "development_stage",
	"self_reported_ethnicity_ontology_term_id", "self_reported_ethnicity",
	"organism_ontology_term_id", "organism",
	"suspension_type", "is_primary_data",
}

// Obs streams the cell axis, invoking fn per record in file order. The
// stream stops on the first malformed row; the dataset is then rejected.
func (p *Package) Obs(ctx context.Context, fn func(domain.ObsRecord) error) error {
	return p.streamCSV(ctx, obsObject, obsColumns, func(get func(string) string) error {
		rec := domain.ObsRecord{
			DatasetID:                   p.Source.DatasetID,
			CellTypeTermID:              get("cell_type_ontology_term_id"),
			CellType:                    get("cell_type"),
			TissueTermID:                get("tissue_ontology_term_id"),
			Tissue:                      get("tissue"),
			DiseaseTermID:               get("disease_ontology_term_id"),
			Disease:                     get("disease"),
			AssayTermID:                 get("assay_ontology_term_id"),
			Assay:                       get("assay"),
			SexTermID:                   get("sex_ontology_term_id"),
			Sex:                         get("sex"),
			DevelopmentStageTermID:      get("development_stage_ontology_term_id"),
			DevelopmentStage:            get("development_stage"),
			SelfReportedEthnicityTermID: get("self_reported_ethnicity_ontology_term_id"),
			SelfReportedEthnicity:       get("self_reported_ethnicity"),
			OrganismTermID:              get("organism_ontology_term_id"),
			Organism:                    get("organism"),
			SuspensionType:              get("suspension_type"),
			IsPrimaryData:               strings.EqualFold(get("is_primary_data"), "true"),
		}
		return fn(rec)
	})
}

var varColumns = []string{"feature_id", "feature_name", "feature_length"}

// Vars streams the feature axis in file order.
func (p *Package) Vars(ctx context.Context, fn func(domain.VarRecord) error) error {
	return p.streamCSV(ctx, varObject, varColumns, func(get func(string) string) error {
		length, err := strconv.ParseInt(get("feature_length"), 10, 64)
		if err != nil {
			return fmt.Errorf("feature_length: %w", err)
		}
		id := get("feature_id")
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("empty feature_id")
		}
		return fn(domain.VarRecord{FeatureID: id, FeatureName: get("feature_name"), FeatureLength: length})
	})
}

// X streams the expression matrix triples. Coordinates are dataset-local
// and bounds-checked against the header axes.
func (p *Package) X(ctx context.Context, fn func(domain.Triple) error) error {
	_, rc, err := p.store.Get(ctx, p.Source.BlobKey+"/"+xObject)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", xObject, err)
	}
	defer func() { _ = rc.Close() }()
	gz, err := gzip.NewReader(rc)
	if err != nil {
		return fmt.Errorf("open %s: %w", xObject, err)
	}
	defer func() { _ = gz.Close() }()

	cr := csv.NewReader(gz)
	cr.FieldsPerRecord = 3
	cr.ReuseRecord = true
	line := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		row, err := cr.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%s line %d: %w", xObject, line+1, err)
		}
		line++
		r, err := strconv.ParseInt(row[0], 10, 64)
		if err != nil {
			return fmt.Errorf("%s line %d row coord: %w", xObject, line, err)
		}
		c, err := strconv.ParseInt(row[1], 10, 64)
		if err != nil {
			return fmt.Errorf("%s line %d col coord: %w", xObject, line, err)
		}
		v, err := strconv.ParseFloat(row[2], 64)
		if err != nil {
			return fmt.Errorf("%s line %d value: %w", xObject, line, err)
		}
		if r < 0 || r >= p.Header.CellCount || c < 0 || c >= p.Header.FeatureCount {
			return fmt.Errorf("%s line %d: coordinate (%d,%d) outside %dx%d", xObject, line, r, c, p.Header.CellCount, p.Header.FeatureCount)
		}
		if err := fn(domain.Triple{Row: r, Col: c, Value: v}); err != nil {
			return err
		}
	}
}

// streamCSV reads an axis CSV object, maps its header row against required
// columns, and invokes row for each record.
func (p *Package) streamCSV(ctx context.Context, object string, required []string, row func(get func(string) string) error) error {
	_, rc, err := p.store.Get(ctx, p.Source.BlobKey+"/"+object)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", object, err)
	}
	defer func() { _ = rc.Close() }()

	cr := csv.NewReader(rc)
	header, err := cr.Read()
	if err != nil {
		return fmt.Errorf("%s: read header: %w", object, err)
	}
	idx := make(map[string]int, len(header))
	for i, name := range header {
		idx[strings.TrimSpace(name)] = i
	}
	for _, col := range required {
		if _, ok := idx[col]; !ok {
			return fmt.Errorf("%s: missing column %q", object, col)
		}
	}
	cr.FieldsPerRecord = len(header)
	line := 1
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		fields, err := cr.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%s line %d: %w", object, line+1, err)
		}
		line++
		get := func(name string) string { return fields[idx[name]] }
		if err := row(get); err != nil {
			return fmt.Errorf("%s line %d: %w", object, line, err)
		}
	}
}
