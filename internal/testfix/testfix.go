// Package testfix builds in-memory dataset packages and ontology fixtures
// shared by pipeline tests.
package testfix

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"censusbuilder/internal/blob"
	"censusbuilder/internal/ontology"
	"censusbuilder/pkg/domain"
)

// ObsRow is one obs.csv row in the writer's column order.
type ObsRow struct {
	CellTypeTermID string
	CellType       string
	TissueTermID   string
	Tissue         string
	DiseaseTermID  string
	Disease        string
	AssayTermID    string
	Assay          string
	SexTermID      string
	Sex            string
	DevStageTermID string
	DevStage       string
	EthnicityTermID string
	Ethnicity      string
	OrganismTermID string
	Organism       string
	SuspensionType string
	IsPrimaryData  bool
}

// DefaultObsRow returns a fully resolved human obs row; tests override the
// fields under exercise.
func DefaultObsRow() ObsRow {
	return ObsRow{
		CellTypeTermID: "CL:0000540", CellType: "neuron",
		TissueTermID: "UBERON:0002048", Tissue: "lung",
		DiseaseTermID: "PATO:0000461", Disease: "normal",
		AssayTermID: "EFO:0009922", Assay: "10x 3' v3",
		SexTermID: "PATO:0000384", Sex: "male",
		DevStageTermID: "HsapDv:0000087", DevStage: "human adult stage",
		EthnicityTermID: "unknown", Ethnicity: "unknown",
		OrganismTermID: "NCBITaxon:9606", Organism: "Homo sapiens",
		SuspensionType: "cell", IsPrimaryData: true,
	}
}

// VarRow is one var.csv row.
type VarRow struct {
	FeatureID     string
	FeatureName   string
	FeatureLength int64
}

// Pkg describes one dataset package to materialize.
type Pkg struct {
	Source domain.SourceDataset
	// SchemaVersion overrides the accepted default when set.
	SchemaVersion string
	Obs           []ObsRow
	Vars          []VarRow
	X             []domain.Triple
}

// WritePackage materializes a dataset package into the blob store under the
// source's blob key.
func WritePackage(ctx context.Context, store blob.Store, p Pkg) error {
	schema := p.SchemaVersion
	if schema == "" {
		schema = domain.AcceptedSchemaVersions[len(domain.AcceptedSchemaVersions)-1]
	}
	hdr := map[string]any{
		"schema_version":     schema,
		"dataset_id":         p.Source.DatasetID,
		"dataset_version_id": p.Source.DatasetVersionID,
		"title":              p.Source.Title,
		"organism":           p.Source.Organism,
		"cell_count":         len(p.Obs),
		"feature_count":      len(p.Vars),
	}
	hb, err := json.Marshal(hdr)
	if err != nil {
		return err
	}
	if err := put(ctx, store, p.Source.BlobKey+"/header.json", hb, "application/json"); err != nil {
		return err
	}

	var obsBuf bytes.Buffer
	ow := csv.NewWriter(&obsBuf)
	_ = ow.Write([]string{
		"cell_type_ontology_term_id", "cell_type",
		"tissue_ontology_term_id", "tissue",
		"disease_ontology_term_id", "disease",
		"assay_ontology_term_id", "assay",
		"sex_ontology_term_id", "sex",
		"development_stage_ontology_term_id", "development_stage",
		"self_reported_ethnicity_ontology_term_id", "self_reported_ethnicity",
		"organism_ontology_term_id", "organism",
		"suspension_type", "is_primary_data",
	})
	for _, r := range p.Obs {
		_ = ow.Write([]string{
			r.CellTypeTermID, r.CellType,
			r.TissueTermID, r.Tissue,
			r.DiseaseTermID, r.Disease,
			r.AssayTermID, r.Assay,
			r.SexTermID, r.Sex,
			r.DevStageTermID, r.DevStage,
			r.EthnicityTermID, r.Ethnicity,
			r.OrganismTermID, r.Organism,
			r.SuspensionType, strconv.FormatBool(r.IsPrimaryData),
		})
	}
	ow.Flush()
	if err := put(ctx, store, p.Source.BlobKey+"/obs.csv", obsBuf.Bytes(), "text/csv"); err != nil {
		return err
	}

	var varBuf bytes.Buffer
	vw := csv.NewWriter(&varBuf)
	_ = vw.Write([]string{"feature_id", "feature_name", "feature_length"})
	for _, r := range p.Vars {
		_ = vw.Write([]string{r.FeatureID, r.FeatureName, strconv.FormatInt(r.FeatureLength, 10)})
	}
	vw.Flush()
	if err := put(ctx, store, p.Source.BlobKey+"/var.csv", varBuf.Bytes(), "text/csv"); err != nil {
		return err
	}

	var xBuf bytes.Buffer
	gz := gzip.NewWriter(&xBuf)
	xw := csv.NewWriter(gz)
	for _, t := range p.X {
		_ = xw.Write([]string{
			strconv.FormatInt(t.Row, 10),
			strconv.FormatInt(t.Col, 10),
			strconv.FormatFloat(t.Value, 'g', -1, 64),
		})
	}
	xw.Flush()
	if err := gz.Close(); err != nil {
		return err
	}
	return put(ctx, store, p.Source.BlobKey+"/x.csv.gz", xBuf.Bytes(), "application/gzip")
}

func put(ctx context.Context, store blob.Store, key string, payload []byte, contentType string) error {
	if _, err := store.Put(ctx, key, bytes.NewReader(payload), blob.PutOptions{ContentType: contentType}); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// Ontologies returns a loaded ontology set covering the terms DefaultObsRow
// uses, enough for harmonizer and validator tests.
func Ontologies() (*ontology.Set, error) {
	set := ontology.NewSet()
	for prefix, doc := range fixtureDocs() {
		o, err := ontology.Load(strings.NewReader(doc), prefix)
		if err != nil {
			return nil, err
		}
		if err := set.Add(o); err != nil {
			return nil, err
		}
	}
	return set, nil
}

// OntologyFiles writes the fixture ontologies into dir and returns the
// prefix -> path map a build config expects.
func OntologyFiles(dir string) (map[string]string, error) {
	out := make(map[string]string)
	for prefix, doc := range fixtureDocs() {
		path := filepath.Join(dir, strings.ToLower(prefix)+".owl")
		if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
			return nil, err
		}
		out[prefix] = path
	}
	return out, nil
}

func fixtureDocs() map[string]string {
	return map[string]string{
		"CL": owl("cl", "2025-04-10", []owlClass{
			{id: "CL_0000000", label: "cell"},
			{id: "CL_0002319", label: "neural cell", parents: []string{"CL_0000000"}},
			{id: "CL_0000540", label: "neuron", parents: []string{"CL_0002319"}},
			{id: "CL_0000999", label: "obsolete fancy neuron", deprecated: true, replacedBy: "CL_0000540"},
		}),
		"UBERON": owl("uberon", "2025-03-30", []owlClass{
			{id: "UBERON_0000061", label: "anatomical structure"},
			{id: "UBERON_0001004", label: "respiratory system", parents: []string{"UBERON_0000061"}},
			{id: "UBERON_0002048", label: "lung", parents: []string{"UBERON_0001004"}},
			{id: "UBERON_0002185", label: "bronchus", parents: []string{"UBERON_0001004"}},
			{id: "UBERON_0000955", label: "brain", parents: []string{"UBERON_0000061"}},
		}),
		"PATO": owl("pato", "2025-02-01", []owlClass{
			{id: "PATO_0000461", label: "normal"},
			{id: "PATO_0000384", label: "male"},
			{id: "PATO_0000383", label: "female"},
		}),
		"EFO": owl("efo", "2025-05-20", []owlClass{
			{id: "EFO_0002772", label: "assay by molecule"},
			{id: "EFO_0009922", label: "10x 3' v3", parents: []string{"EFO_0002772"}},
		}),
		"HsapDv": owl("hsapdv", "2025-01-23", []owlClass{
			{id: "HsapDv_0000087", label: "human adult stage"},
		}),
		"MmusDv": owl("mmusdv", "2025-01-23", []owlClass{
			{id: "MmusDv_0000110", label: "mouse adult stage"},
		}),
		"NCBITaxon": owl("ncbitaxon", "2025-03-13", []owlClass{
			{id: "NCBITaxon_9606", label: "Homo sapiens"},
			{id: "NCBITaxon_10090", label: "Mus musculus"},
		}),
		"MONDO": owl("mondo", "2025-06-03", []owlClass{
			{id: "MONDO_0000001", label: "disease"},
			{id: "MONDO_0005812", label: "influenza", parents: []string{"MONDO_0000001"}},
		}),
	}
}

type owlClass struct {
	id         string
	label      string
	parents    []string
	deprecated bool
	replacedBy string
}

func owl(name, release string, classes []owlClass) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0"?>
<rdf:RDF xmlns:rdf="http://www.w3.org/1999/02/22-rdf-syntax-ns#"
         xmlns:rdfs="http://www.w3.org/2000/01/rdf-schema#"
         xmlns:owl="http://www.w3.org/2002/07/owl#"
         xmlns:obo="http://purl.obolibrary.org/obo/">
`)
	fmt.Fprintf(&b, `  <owl:Ontology rdf:about="http://purl.obolibrary.org/obo/%s.owl">
    <owl:versionIRI rdf:resource="http://purl.obolibrary.org/obo/%s/releases/%s/%s.owl"/>
  </owl:Ontology>
`, name, name, release, name)
	for _, c := range classes {
		fmt.Fprintf(&b, `  <owl:Class rdf:about="http://purl.obolibrary.org/obo/%s">
`, c.id)
		fmt.Fprintf(&b, "    <rdfs:label>%s</rdfs:label>\n", c.label)
		for _, p := range c.parents {
			fmt.Fprintf(&b, `    <rdfs:subClassOf rdf:resource="http://purl.obolibrary.org/obo/%s"/>
`, p)
		}
		if c.deprecated {
			b.WriteString("    <owl:deprecated>true</owl:deprecated>\n")
		}
		if c.replacedBy != "" {
			fmt.Fprintf(&b, `    <obo:IAO_0100001 rdf:resource="http://purl.obolibrary.org/obo/%s"/>
`, c.replacedBy)
		}
		b.WriteString("  </owl:Class>\n")
	}
	b.WriteString("</rdf:RDF>\n")
	return b.String()
}
