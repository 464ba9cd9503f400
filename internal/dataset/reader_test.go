package dataset

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"censusbuilder/internal/blob"
	"censusbuilder/internal/testfix"
	"censusbuilder/pkg/domain"
)

func humanSource(id, key string) domain.SourceDataset {
	return domain.SourceDataset{
		DatasetID:        id,
		DatasetVersionID: id + "-v1",
		Organism:         "homo_sapiens",
		BlobKey:          key,
	}
}

func writeFixture(t *testing.T, store blob.Store, src domain.SourceDataset) {
	t.Helper()
	obs := []testfix.ObsRow{testfix.DefaultObsRow(), testfix.DefaultObsRow()}
	obs[1].TissueTermID = "UBERON:0000955"
	obs[1].Tissue = "brain"
	err := testfix.WritePackage(context.Background(), store, testfix.Pkg{
		Source: src,
		Obs:    obs,
		Vars: []testfix.VarRow{
			{FeatureID: "ENSG00000139618", FeatureName: "BRCA2", FeatureLength: 84793},
			{FeatureID: "ENSG00000141510", FeatureName: "TP53", FeatureLength: 25772},
		},
		X: []domain.Triple{{Row: 0, Col: 0, Value: 3}, {Row: 1, Col: 1, Value: 7.5}},
	})
	if err != nil {
		t.Fatalf("write fixture: %v", err)
	}
}

func TestReaderStreamsAxesAndMatrix(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemory()
	src := humanSource("d1", "datasets/d1")
	writeFixture(t, store, src)

	pkg, err := NewReader(store, nil).Open(ctx, src)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if pkg.Header.CellCount != 2 || pkg.Header.FeatureCount != 2 {
		t.Fatalf("header %+v", pkg.Header)
	}

	var obs []domain.ObsRecord
	if err := pkg.Obs(ctx, func(r domain.ObsRecord) error {
		obs = append(obs, r)
		return nil
	}); err != nil {
		t.Fatalf("obs: %v", err)
	}
	if len(obs) != 2 {
		t.Fatalf("expected 2 obs rows, got %d", len(obs))
	}
	if obs[0].CellTypeTermID != "CL:0000540" || !obs[0].IsPrimaryData {
		t.Fatalf("obs[0] %+v", obs[0])
	}
	if obs[1].TissueTermID != "UBERON:0000955" {
		t.Fatalf("obs[1] %+v", obs[1])
	}

	var vars []domain.VarRecord
	if err := pkg.Vars(ctx, func(r domain.VarRecord) error {
		vars = append(vars, r)
		return nil
	}); err != nil {
		t.Fatalf("vars: %v", err)
	}
	if len(vars) != 2 || vars[1].FeatureID != "ENSG00000141510" || vars[1].FeatureLength != 25772 {
		t.Fatalf("vars %+v", vars)
	}

	var triples []domain.Triple
	if err := pkg.X(ctx, func(tr domain.Triple) error {
		triples = append(triples, tr)
		return nil
	}); err != nil {
		t.Fatalf("x: %v", err)
	}
	if len(triples) != 2 || triples[1].Value != 7.5 {
		t.Fatalf("triples %+v", triples)
	}
}

func TestReaderRejectsBadHeaders(t *testing.T) {
	ctx := context.Background()
	r := NewReader(blob.NewMemory(), nil)

	// missing package entirely
	if _, err := r.Open(ctx, humanSource("absent", "datasets/absent")); err == nil {
		t.Fatalf("expected fetch error")
	} else {
		var de domain.DatasetError
		if !errors.As(err, &de) || de.DatasetID != "absent" {
			t.Fatalf("expected DatasetError, got %v", err)
		}
	}

	// unsupported schema version
	store := blob.NewMemory()
	src := humanSource("d2", "datasets/d2")
	err := testfix.WritePackage(ctx, store, testfix.Pkg{
		Source:        src,
		SchemaVersion: "3.0.0",
		Obs:           []testfix.ObsRow{testfix.DefaultObsRow()},
		Vars:          []testfix.VarRow{{FeatureID: "ENSG1", FeatureLength: 1}},
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := NewReader(store, nil).Open(ctx, src); err == nil || !strings.Contains(err.Error(), "schema version") {
		t.Fatalf("expected schema rejection, got %v", err)
	}

	// manifest/header identity mismatch
	store2 := blob.NewMemory()
	src2 := humanSource("d3", "datasets/d3")
	if err := testfix.WritePackage(ctx, store2, testfix.Pkg{
		Source: src2,
		Obs:    []testfix.ObsRow{testfix.DefaultObsRow()},
		Vars:   []testfix.VarRow{{FeatureID: "ENSG1", FeatureLength: 1}},
	}); err != nil {
		t.Fatalf("write: %v", err)
	}
	lying := src2
	lying.DatasetID = "other"
	lying.DatasetVersionID = "other-v1"
	if _, err := NewReader(store2, nil).Open(ctx, lying); err == nil || !strings.Contains(err.Error(), "does not match manifest") {
		t.Fatalf("expected identity mismatch, got %v", err)
	}
}

func TestReaderRejectsMalformedRows(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemory()
	src := humanSource("d4", "datasets/d4")
	if err := testfix.WritePackage(ctx, store, testfix.Pkg{
		Source: src,
		Obs:    []testfix.ObsRow{testfix.DefaultObsRow()},
		Vars:   []testfix.VarRow{{FeatureID: "ENSG1", FeatureLength: 10}},
		X:      []domain.Triple{{Row: 5, Col: 0, Value: 1}}, // out of bounds
	}); err != nil {
		t.Fatalf("write: %v", err)
	}
	pkg, err := NewReader(store, nil).Open(ctx, src)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := pkg.X(ctx, func(domain.Triple) error { return nil }); err == nil || !strings.Contains(err.Error(), "outside") {
		t.Fatalf("expected bounds error, got %v", err)
	}
}

func TestReaderMissingObsColumn(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemory()
	src := humanSource("d5", "datasets/d5")
	if err := testfix.WritePackage(ctx, store, testfix.Pkg{
		Source: src,
		Obs:    []testfix.ObsRow{testfix.DefaultObsRow()},
		Vars:   []testfix.VarRow{{FeatureID: "ENSG1", FeatureLength: 10}},
	}); err != nil {
		t.Fatalf("write: %v", err)
	}
	// overwrite obs.csv with a truncated header
	if _, err := store.Delete(ctx, "datasets/d5/obs.csv"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Put(ctx, "datasets/d5/obs.csv", bytes.NewReader([]byte("cell_type\nneuron\n")), blob.PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	pkg, err := NewReader(store, nil).Open(ctx, src)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := pkg.Obs(ctx, func(domain.ObsRecord) error { return nil }); err == nil || !strings.Contains(err.Error(), "missing column") {
		t.Fatalf("expected missing column error, got %v", err)
	}
}

func TestManifest(t *testing.T) {
	src := `
datasets:
  - dataset_id: d1
    dataset_version_id: d1-v1
    organism: homo_sapiens
    blob_key: datasets/d1
  - dataset_id: d2
    dataset_version_id: d2-v1
    organism: mus_musculus
    blob_key: datasets/d2
`
	m, err := ReadManifest(strings.NewReader(src))
	if err != nil {
		t.Fatalf("ReadManifest: %v", err)
	}
	if len(m.Datasets) != 2 || m.Datasets[1].Organism != "mus_musculus" {
		t.Fatalf("manifest %+v", m)
	}
	if got := m.FirstN(1); len(got.Datasets) != 1 || got.Datasets[0].DatasetID != "d1" {
		t.Fatalf("FirstN %+v", got)
	}
	if got := m.FirstN(0); len(got.Datasets) != 2 {
		t.Fatalf("FirstN(0) must keep all")
	}

	bad := []string{
		"datasets: []\n",
		"datasets:\n  - dataset_id: d1\n    organism: homo_sapiens\n",                                           // no blob key
		"datasets:\n  - dataset_id: d1\n    organism: felis_catus\n    blob_key: k\n",                            // organism
		"datasets:\n  - dataset_id: d1\n    organism: homo_sapiens\n    blob_key: k\n  - dataset_id: d1\n    organism: homo_sapiens\n    blob_key: k2\n", // dup
	}
	for i, src := range bad {
		if _, err := ReadManifest(strings.NewReader(src)); err == nil {
			t.Fatalf("case %d: expected manifest error", i)
		}
	}
}
