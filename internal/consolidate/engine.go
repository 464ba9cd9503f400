// Package consolidate merges many harmonized datasets into one census:
// per-dataset reading and harmonization runs in parallel, global coordinate
// assignment serializes in manifest order so identical inputs always yield
// identical coordinates.
package consolidate

import (
	"context"
	"fmt"
	"sort"
	"time"

	"censusbuilder/internal/dataset"
	"censusbuilder/internal/harmonize"
	"censusbuilder/internal/observe"
	"censusbuilder/pkg/domain"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// XStream replays a dataset's expression triples, already remapped to
// global coordinates, into emit.
type XStream func(emit func(domain.Triple) error) error

// Sink receives the consolidated census. Implemented by the census writer.
// WriteVars is called once, before any dataset; WriteDataset once per
// accepted dataset, in manifest order.
type Sink interface {
	WriteVars(ctx context.Context, vars []domain.ConsolidatedVar) error
	WriteDataset(ctx context.Context, summary domain.DatasetSummary, obs []domain.HarmonizedObs, x XStream) error
}

// Rejection records one dataset excluded from the build.
type Rejection struct {
	DatasetID string
	Err       error
}

// Result summarizes a consolidation run.
type Result struct {
	Datasets      []domain.DatasetSummary
	Rejected      []Rejection
	TotalCells    int64
	TotalFeatures int64
	Unresolved    []harmonize.Unresolved
}

// Engine drives the read -> harmonize -> consolidate -> write flow.
type Engine struct {
	reader     *dataset.Reader
	harmonizer *harmonize.Harmonizer
	metrics    *observe.Metrics
	log        *zap.Logger
	workers    int
}

// New constructs an engine. workers < 1 is clamped to 1; nil metrics and
// logger are replaced with inert implementations.
func New(reader *dataset.Reader, h *harmonize.Harmonizer, metrics *observe.Metrics, log *zap.Logger, workers int) *Engine {
	if workers < 1 {
		workers = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	if metrics == nil {
		metrics = observe.NewMetrics(nil)
	}
	return &Engine{reader: reader, harmonizer: h, metrics: metrics, log: log, workers: workers}
}

// staged is one dataset fully read and harmonized, awaiting coordinates.
type staged struct {
	src  domain.SourceDataset
	pkg  *dataset.Package
	obs  []domain.HarmonizedObs
	vars []domain.VarRecord
	nnz  int64
	err  error
}

// Run executes the consolidation over every manifest dataset. Per-dataset
// failures become Rejections; only infrastructure failures (sink errors,
// context cancellation) abort the run.
func (e *Engine) Run(ctx context.Context, m dataset.Manifest, sink Sink) (Result, error) {
	start := time.Now()
	stagedSets := make([]*staged, len(m.Datasets))

	// Phase 1: read, validate, and harmonize each dataset independently.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for i, src := range m.Datasets {
		i, src := i, src
		g.Go(func() error {
			st := e.stage(gctx, src)
			stagedSets[i] = st
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}
	e.metrics.StageDuration.WithLabelValues("stage_datasets").Observe(time.Since(start).Seconds())

	// Phase 2: serialize global coordinate assignment in manifest order.
	assignStart := time.Now()
	var res Result
	vars, varJoin := e.consolidateVars(stagedSets)
	if err := sink.WriteVars(ctx, vars); err != nil {
		return Result{}, fmt.Errorf("write vars: %w", err)
	}
	res.TotalFeatures = int64(len(vars))
	e.metrics.FeaturesIngested.Add(float64(len(vars)))

	var nextJoin int64
	for _, st := range stagedSets {
		if st.err != nil {
			e.log.Warn("dataset rejected", zap.String("dataset_id", st.src.DatasetID), zap.Error(st.err))
			e.metrics.DatasetsProcessed.WithLabelValues("rejected").Inc()
			res.Rejected = append(res.Rejected, Rejection{DatasetID: st.src.DatasetID, Err: st.err})
			continue
		}
		summary := domain.DatasetSummary{
			DatasetID:        st.src.DatasetID,
			DatasetVersionID: st.src.DatasetVersionID,
			Organism:         st.src.Organism,
			CellCount:        int64(len(st.obs)),
			FirstJoinID:      nextJoin,
		}
		for i := range st.obs {
			st.obs[i].JoinID = nextJoin + int64(i)
		}
		stream := e.remapX(ctx, st, nextJoin, varJoin)
		if err := sink.WriteDataset(ctx, summary, st.obs, stream); err != nil {
			return Result{}, fmt.Errorf("write dataset %s: %w", st.src.DatasetID, err)
		}
		nextJoin += summary.CellCount
		res.TotalCells += summary.CellCount
		res.Datasets = append(res.Datasets, summary)
		e.metrics.DatasetsProcessed.WithLabelValues("accepted").Inc()
		e.metrics.CellsIngested.WithLabelValues(st.src.Organism).Add(float64(summary.CellCount))
		e.log.Info("dataset consolidated",
			zap.String("dataset_id", st.src.DatasetID),
			zap.Int64("cells", summary.CellCount),
			zap.Int64("first_soma_joinid", summary.FirstJoinID),
			zap.Int64("nnz", st.nnz))
	}

	// The report covers only cells that entered the census: a dataset
	// harmonized during staging but rejected afterwards must not surface
	// its values for curator review.
	rejected := make(map[string]struct{}, len(res.Rejected))
	for _, r := range res.Rejected {
		rejected[r.DatasetID] = struct{}{}
	}
	for _, u := range e.harmonizer.UnresolvedReport() {
		if _, skip := rejected[u.DatasetID]; skip {
			continue
		}
		res.Unresolved = append(res.Unresolved, u)
		e.metrics.UnresolvedTerms.WithLabelValues(u.Field).Add(float64(u.Count))
	}
	e.metrics.StageDuration.WithLabelValues("consolidate").Observe(time.Since(assignStart).Seconds())
	return res, nil
}

// stage reads one dataset end to end: header contract, harmonized obs axis,
// var axis, and a bounds-checking pass over the matrix. Any failure marks
// the dataset rejected without touching shared state.
func (e *Engine) stage(ctx context.Context, src domain.SourceDataset) *staged {
	st := &staged{src: src}
	pkg, err := e.reader.Open(ctx, src)
	if err != nil {
		st.err = err
		return st
	}
	st.pkg = pkg

	org, err := domain.OrganismByName(src.Organism)
	if err != nil {
		st.err = domain.DatasetError{DatasetID: src.DatasetID, Err: err}
		return st
	}

	st.obs = make([]domain.HarmonizedObs, 0, pkg.Header.CellCount)
	if err := pkg.Obs(ctx, func(rec domain.ObsRecord) error {
		st.obs = append(st.obs, e.harmonizer.Obs(rec))
		return nil
	}); err != nil {
		st.err = domain.DatasetError{DatasetID: src.DatasetID, Err: err}
		return st
	}
	if int64(len(st.obs)) != pkg.Header.CellCount {
		st.err = domain.DatasetError{DatasetID: src.DatasetID, Err: fmt.Errorf("obs rows %d do not match declared cell_count %d", len(st.obs), pkg.Header.CellCount)}
		return st
	}

	st.vars = make([]domain.VarRecord, 0, pkg.Header.FeatureCount)
	if err := pkg.Vars(ctx, func(rec domain.VarRecord) error {
		if !org.ValidFeatureID(rec.FeatureID) {
			return fmt.Errorf("feature %s outside %s namespace %s*", rec.FeatureID, org.Name, org.FeatureIDPrefix)
		}
		st.vars = append(st.vars, rec)
		return nil
	}); err != nil {
		st.err = domain.DatasetError{DatasetID: src.DatasetID, Err: err}
		return st
	}
	if int64(len(st.vars)) != pkg.Header.FeatureCount {
		st.err = domain.DatasetError{DatasetID: src.DatasetID, Err: fmt.Errorf("var rows %d do not match declared feature_count %d", len(st.vars), pkg.Header.FeatureCount)}
		return st
	}

	// validation pass over the matrix; triples are re-streamed at write time
	if err := pkg.X(ctx, func(domain.Triple) error {
		st.nnz++
		return nil
	}); err != nil {
		st.err = domain.DatasetError{DatasetID: src.DatasetID, Err: err}
		return st
	}
	return st
}

// consolidateVars builds the global feature axis: deduplicated by feature
// ID across accepted datasets, joinids assigned in first-seen manifest
// order. The first label observed for a feature wins; conflicts are logged.
func (e *Engine) consolidateVars(stagedSets []*staged) ([]domain.ConsolidatedVar, map[string]int64) {
	var vars []domain.ConsolidatedVar
	join := make(map[string]int64)
	for _, st := range stagedSets {
		if st.err != nil {
			continue
		}
		perDataset := make(map[string]struct{}, len(st.vars))
		for _, v := range st.vars {
			if _, dup := perDataset[v.FeatureID]; dup {
				continue
			}
			perDataset[v.FeatureID] = struct{}{}
			if id, seen := join[v.FeatureID]; seen {
				existing := &vars[id]
				existing.NDatasets++
				if existing.FeatureName != v.FeatureName {
					e.log.Warn("feature label conflict",
						zap.String("feature_id", v.FeatureID),
						zap.String("kept", existing.FeatureName),
						zap.String("dropped", v.FeatureName),
						zap.String("dataset_id", st.src.DatasetID))
				}
				continue
			}
			join[v.FeatureID] = int64(len(vars))
			vars = append(vars, domain.ConsolidatedVar{
				JoinID:        int64(len(vars)),
				FeatureID:     v.FeatureID,
				FeatureName:   v.FeatureName,
				FeatureLength: v.FeatureLength,
				NDatasets:     1,
			})
		}
	}
	return vars, join
}

// remapX re-streams a dataset's matrix, translating dataset-local
// coordinates to global ones.
func (e *Engine) remapX(ctx context.Context, st *staged, firstJoin int64, varJoin map[string]int64) XStream {
	return func(emit func(domain.Triple) error) error {
		return st.pkg.X(ctx, func(tr domain.Triple) error {
			globalVar, ok := varJoin[st.vars[tr.Col].FeatureID]
			if !ok {
				return fmt.Errorf("feature %s missing from consolidated axis", st.vars[tr.Col].FeatureID)
			}
			return emit(domain.Triple{Row: firstJoin + tr.Row, Col: globalVar, Value: tr.Value})
		})
	}
}

// SortRejections orders rejections by dataset ID for stable reporting.
func SortRejections(rejected []Rejection) {
	sort.Slice(rejected, func(i, j int) bool { return rejected[i].DatasetID < rejected[j].DatasetID })
}
