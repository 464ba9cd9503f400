package consolidate

import (
	"context"
	"errors"
	"testing"

	"censusbuilder/internal/blob"
	"censusbuilder/internal/dataset"
	"censusbuilder/internal/harmonize"
	"censusbuilder/internal/testfix"
	"censusbuilder/pkg/domain"
)

// memSink captures everything the engine hands a census writer.
type memSink struct {
	vars     []domain.ConsolidatedVar
	datasets []domain.DatasetSummary
	obs      map[string][]domain.HarmonizedObs
	triples  map[string][]domain.Triple
}

func newMemSink() *memSink {
	return &memSink{
		obs:     make(map[string][]domain.HarmonizedObs),
		triples: make(map[string][]domain.Triple),
	}
}

func (s *memSink) WriteVars(_ context.Context, vars []domain.ConsolidatedVar) error {
	s.vars = vars
	return nil
}

func (s *memSink) WriteDataset(_ context.Context, summary domain.DatasetSummary, obs []domain.HarmonizedObs, x XStream) error {
	s.datasets = append(s.datasets, summary)
	s.obs[summary.DatasetID] = obs
	return x(func(tr domain.Triple) error {
		s.triples[summary.DatasetID] = append(s.triples[summary.DatasetID], tr)
		return nil
	})
}

func source(id, key string) domain.SourceDataset {
	return domain.SourceDataset{
		DatasetID:        id,
		DatasetVersionID: id + "-v1",
		Title:            "dataset " + id,
		Organism:         "homo_sapiens",
		BlobKey:          key,
	}
}

func newEngine(t *testing.T, store blob.Store) *Engine {
	t.Helper()
	onts, err := testfix.Ontologies()
	if err != nil {
		t.Fatalf("ontologies: %v", err)
	}
	return New(dataset.NewReader(store, nil), harmonize.New(onts, nil), nil, nil, 2)
}

func TestRunConsolidatesInManifestOrder(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemory()

	d1 := source("d1", "datasets/d1")
	d2 := source("d2", "datasets/d2")
	for _, p := range []testfix.Pkg{
		{
			Source: d1,
			Obs:    []testfix.ObsRow{testfix.DefaultObsRow(), testfix.DefaultObsRow()},
			Vars: []testfix.VarRow{
				{FeatureID: "ENSG00000000001", FeatureName: "TP53", FeatureLength: 1200},
				{FeatureID: "ENSG00000000002", FeatureName: "BRCA1", FeatureLength: 2400},
			},
			X: []domain.Triple{{Row: 0, Col: 0, Value: 3}, {Row: 1, Col: 1, Value: 5}},
		},
		{
			Source: d2,
			Obs:    []testfix.ObsRow{testfix.DefaultObsRow(), testfix.DefaultObsRow(), testfix.DefaultObsRow()},
			Vars: []testfix.VarRow{
				{FeatureID: "ENSG00000000002", FeatureName: "BRCA1", FeatureLength: 2400},
				{FeatureID: "ENSG00000000003", FeatureName: "EGFR", FeatureLength: 1800},
			},
			X: []domain.Triple{{Row: 0, Col: 0, Value: 7}, {Row: 2, Col: 1, Value: 11}},
		},
	} {
		if err := testfix.WritePackage(ctx, store, p); err != nil {
			t.Fatalf("write package: %v", err)
		}
	}

	sink := newMemSink()
	res, err := newEngine(t, store).Run(ctx, dataset.Manifest{Datasets: []domain.SourceDataset{d1, d2}}, sink)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if res.TotalCells != 5 || res.TotalFeatures != 3 {
		t.Fatalf("totals cells=%d features=%d", res.TotalCells, res.TotalFeatures)
	}
	if len(res.Rejected) != 0 {
		t.Fatalf("unexpected rejections %+v", res.Rejected)
	}
	if len(res.Unresolved) != 0 {
		t.Fatalf("unexpected unresolved %+v", res.Unresolved)
	}

	// cell joinids are dense and follow manifest order
	if len(sink.datasets) != 2 {
		t.Fatalf("datasets written %d", len(sink.datasets))
	}
	if sink.datasets[0].DatasetID != "d1" || sink.datasets[0].FirstJoinID != 0 {
		t.Fatalf("first dataset %+v", sink.datasets[0])
	}
	if sink.datasets[1].DatasetID != "d2" || sink.datasets[1].FirstJoinID != 2 {
		t.Fatalf("second dataset %+v", sink.datasets[1])
	}
	for i, o := range sink.obs["d2"] {
		if o.JoinID != int64(2+i) {
			t.Fatalf("d2 obs[%d] joinid %d", i, o.JoinID)
		}
	}

	// shared feature deduplicated, joinids in first-seen order
	wantVars := map[string]struct {
		join      int64
		nDatasets int64
	}{
		"ENSG00000000001": {0, 1},
		"ENSG00000000002": {1, 2},
		"ENSG00000000003": {2, 1},
	}
	if len(sink.vars) != len(wantVars) {
		t.Fatalf("vars %+v", sink.vars)
	}
	for _, v := range sink.vars {
		want, ok := wantVars[v.FeatureID]
		if !ok || v.JoinID != want.join || v.NDatasets != want.nDatasets {
			t.Fatalf("var %+v, want %+v", v, want)
		}
	}

	// d2's triples remapped to global coordinates
	got := sink.triples["d2"]
	want := []domain.Triple{{Row: 2, Col: 1, Value: 7}, {Row: 4, Col: 2, Value: 11}}
	if len(got) != len(want) {
		t.Fatalf("d2 triples %+v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("d2 triple[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestRunRejectionDoesNotPerturbAcceptedDatasets(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemory()

	good := source("good", "datasets/good")
	bad := source("bad", "datasets/bad")
	if err := testfix.WritePackage(ctx, store, testfix.Pkg{
		Source: good,
		Obs:    []testfix.ObsRow{testfix.DefaultObsRow()},
		Vars:   []testfix.VarRow{{FeatureID: "ENSG00000000001", FeatureName: "TP53", FeatureLength: 1200}},
		X:      []domain.Triple{{Row: 0, Col: 0, Value: 1}},
	}); err != nil {
		t.Fatalf("write good: %v", err)
	}
	if err := testfix.WritePackage(ctx, store, testfix.Pkg{
		Source:        bad,
		SchemaVersion: "3.0.0", // unsupported
		Obs:           []testfix.ObsRow{testfix.DefaultObsRow()},
		Vars:          []testfix.VarRow{{FeatureID: "ENSG00000000009", FeatureName: "X", FeatureLength: 10}},
	}); err != nil {
		t.Fatalf("write bad: %v", err)
	}

	sink := newMemSink()
	// bad listed first: its rejection must not shift good's coordinates
	res, err := newEngine(t, store).Run(ctx, dataset.Manifest{Datasets: []domain.SourceDataset{bad, good}}, sink)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(res.Rejected) != 1 || res.Rejected[0].DatasetID != "bad" {
		t.Fatalf("rejected %+v", res.Rejected)
	}
	var derr domain.DatasetError
	if !errors.As(res.Rejected[0].Err, &derr) || derr.DatasetID != "bad" {
		t.Fatalf("rejection error %v", res.Rejected[0].Err)
	}
	if res.TotalCells != 1 || res.TotalFeatures != 1 {
		t.Fatalf("totals %+v", res)
	}
	if len(sink.datasets) != 1 || sink.datasets[0].DatasetID != "good" || sink.datasets[0].FirstJoinID != 0 {
		t.Fatalf("datasets %+v", sink.datasets)
	}
	for _, v := range sink.vars {
		if v.FeatureID == "ENSG00000000009" {
			t.Fatalf("rejected dataset leaked into var axis: %+v", sink.vars)
		}
	}
}

func TestRunReportsUnresolvedTerms(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemory()

	d := source("d1", "datasets/d1")
	row := testfix.DefaultObsRow()
	row.CellTypeTermID = "CL:7777777" // not in any loaded ontology
	if err := testfix.WritePackage(ctx, store, testfix.Pkg{
		Source: d,
		Obs:    []testfix.ObsRow{row},
		Vars:   []testfix.VarRow{{FeatureID: "ENSG00000000001", FeatureName: "TP53", FeatureLength: 1200}},
	}); err != nil {
		t.Fatalf("write package: %v", err)
	}

	sink := newMemSink()
	res, err := newEngine(t, store).Run(ctx, dataset.Manifest{Datasets: []domain.SourceDataset{d}}, sink)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(res.Rejected) != 0 {
		t.Fatalf("unresolvable terms must not reject the dataset: %+v", res.Rejected)
	}
	if len(res.Unresolved) != 1 || res.Unresolved[0].Value != "CL:7777777" || res.Unresolved[0].Count != 1 {
		t.Fatalf("unresolved %+v", res.Unresolved)
	}
	if got := sink.obs["d1"][0].CellType; !got.IsUnknown() {
		t.Fatalf("cell type should be unknown: %+v", got)
	}
}

func TestRunUnresolvedReportExcludesRejectedDatasets(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemory()

	// kept: one unresolvable tissue term; dropped: its obs axis harmonizes
	// fine but the var axis violates the organism feature namespace, so the
	// dataset is rejected after harmonization already ran
	kept := source("kept", "datasets/kept")
	keptRow := testfix.DefaultObsRow()
	keptRow.TissueTermID = "UBERON:7777777"
	if err := testfix.WritePackage(ctx, store, testfix.Pkg{
		Source: kept,
		Obs:    []testfix.ObsRow{keptRow},
		Vars:   []testfix.VarRow{{FeatureID: "ENSG00000000001", FeatureName: "TP53", FeatureLength: 1200}},
	}); err != nil {
		t.Fatalf("write kept: %v", err)
	}
	dropped := source("dropped", "datasets/dropped")
	droppedRow := testfix.DefaultObsRow()
	droppedRow.CellTypeTermID = "CL:7777777"
	if err := testfix.WritePackage(ctx, store, testfix.Pkg{
		Source: dropped,
		Obs:    []testfix.ObsRow{droppedRow},
		Vars:   []testfix.VarRow{{FeatureID: "FBgn0000001", FeatureName: "w", FeatureLength: 800}},
	}); err != nil {
		t.Fatalf("write dropped: %v", err)
	}

	sink := newMemSink()
	res, err := newEngine(t, store).Run(ctx, dataset.Manifest{Datasets: []domain.SourceDataset{dropped, kept}}, sink)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(res.Rejected) != 1 || res.Rejected[0].DatasetID != "dropped" {
		t.Fatalf("rejected %+v", res.Rejected)
	}
	// the report must only carry values from cells that entered the census
	if len(res.Unresolved) != 1 {
		t.Fatalf("unresolved %+v", res.Unresolved)
	}
	if u := res.Unresolved[0]; u.DatasetID != "kept" || u.Value != "UBERON:7777777" {
		t.Fatalf("unresolved entry %+v", u)
	}
}
