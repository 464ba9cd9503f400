package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"censusbuilder/internal/blob"
	"censusbuilder/internal/build"
	"censusbuilder/internal/census"
	"censusbuilder/internal/consolidate"
	"censusbuilder/internal/dataset"
	"censusbuilder/internal/harmonize"
	"censusbuilder/internal/observe"
	"censusbuilder/internal/ontology"
	"censusbuilder/pkg/domain"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// MetricsName is the Prometheus textfile dropped next to the build output.
const MetricsName = "metrics.prom"

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Build a consolidated census from the dataset manifest",
	Long: `Read every dataset listed in the manifest out of object storage,
harmonize its metadata against the pinned ontology releases, consolidate
the result into one census store, and validate it. Publication is a
separate step ('publish').

With consolidate disabled in the config, datasets are read and harmonized
but nothing is written: a dry run that surfaces rejections and
unresolvable terms.`,
	RunE: runBuild,
}

// discardSink satisfies the consolidation engine during dry runs.
type discardSink struct{}

func (discardSink) WriteVars(context.Context, []domain.ConsolidatedVar) error { return nil }

func (discardSink) WriteDataset(_ context.Context, _ domain.DatasetSummary, _ []domain.HarmonizedObs, x consolidate.XStream) error {
	return x(func(domain.Triple) error { return nil })
}

func runBuild(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := loadArgs()
	if err != nil {
		return err
	}
	log, err := newLogger(a.Config)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	if err := a.ValidateHost(); err != nil {
		return err
	}
	if a.Config.Manifest == "" {
		return errors.New("config: manifest path required for a build")
	}

	store, err := blob.Open(ctx)
	if err != nil {
		return err
	}
	onts, err := ontology.LoadSet(a.Config.Ontologies)
	if err != nil {
		return err
	}
	m, err := dataset.LoadManifest(a.Config.Manifest)
	if err != nil {
		return err
	}
	m = m.FirstN(a.Config.TestFirstN)
	log.Info("build starting",
		zap.String("build_tag", a.Config.BuildTag),
		zap.Int("datasets", len(m.Datasets)),
		zap.Int("workers", a.Config.Workers()),
		zap.Bool("consolidate", a.Config.Consolidate))

	reg := prometheus.NewRegistry()
	engine := consolidate.New(
		dataset.NewReader(store, log),
		harmonize.New(onts, log),
		observe.NewMetrics(reg),
		log,
		a.Config.Workers())

	var sink consolidate.Sink = discardSink{}
	var w *census.Writer
	if a.Config.Consolidate {
		w, err = census.NewWriter(a.CensusPath(), log)
		if err != nil {
			return err
		}
		defer func() { _ = w.Close() }()
		sink = w
	}

	res, err := engine.Run(ctx, m, sink)
	if err != nil {
		return err
	}
	consolidate.SortRejections(res.Rejected)
	rejected := make([]string, 0, len(res.Rejected))
	for _, r := range res.Rejected {
		rejected = append(rejected, r.DatasetID)
	}

	manifest := domain.Manifest{
		BuildID:             uuid.NewString(),
		BuildTag:            a.Config.BuildTag,
		CensusSchemaVersion: domain.CensusSchemaVersion,
		OntologyReleases:    onts.Releases(),
		Datasets:            res.Datasets,
		RejectedDatasets:    rejected,
		TotalCells:          res.TotalCells,
		TotalFeatures:       res.TotalFeatures,
		CreatedAt:           time.Now().UTC(),
	}

	if w != nil {
		if err := w.Finalize(ctx, manifest); err != nil {
			return err
		}
		if err := census.NewValidator(onts, log).Validate(ctx, w.DB(), manifest); err != nil {
			return err
		}
	}
	if err := writeUnresolvedReport(a, res.Unresolved); err != nil {
		return err
	}
	if err := writeMetrics(a, reg); err != nil {
		return err
	}

	a.State.Set("build_id", manifest.BuildID)
	a.State.Set("build_tag", manifest.BuildTag)
	a.State.Set("total_cells", res.TotalCells)
	a.State.Set("total_features", res.TotalFeatures)
	a.State.Set("rejected_datasets", rejected)
	if w != nil {
		a.State.Set("census_path", w.Path())
	}
	if err := a.State.Commit(a.StateLogPath()); err != nil {
		return err
	}

	log.Info("build finished",
		zap.String("build_id", manifest.BuildID),
		zap.Int64("cells", res.TotalCells),
		zap.Int64("features", res.TotalFeatures),
		zap.Int("rejected", len(rejected)),
		zap.Int("unresolved_values", len(res.Unresolved)))
	return nil
}

// writeMetrics dumps the run's collectors as a textfile under the build
// tag directory.
func writeMetrics(a build.Args, reg prometheus.Gatherer) error {
	dir := filepath.Join(a.WorkingDir, a.Config.BuildTag)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create metrics dir: %w", err)
	}
	return observe.WriteTextfile(reg, filepath.Join(dir, MetricsName))
}

// writeUnresolvedReport leaves the aggregated unresolvable metadata values
// next to the build output for curator review. No report file when the
// build resolved everything.
func writeUnresolvedReport(a build.Args, unresolved []harmonize.Unresolved) error {
	if len(unresolved) == 0 {
		return nil
	}
	dir := filepath.Join(a.WorkingDir, a.Config.BuildTag)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create report dir: %w", err)
	}
	payload, err := json.MarshalIndent(unresolved, "", "  ")
	if err != nil {
		return fmt.Errorf("encode unresolved report: %w", err)
	}
	path := filepath.Join(dir, "unresolved.json")
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return fmt.Errorf("write unresolved report: %w", err)
	}
	return nil
}
