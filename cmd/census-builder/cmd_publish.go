package main

import (
	"path/filepath"
	"time"

	"censusbuilder/internal/blob"
	"censusbuilder/internal/catalog"
	"censusbuilder/internal/census"
	"censusbuilder/internal/ontology"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Publish a validated census to object storage",
	Long: `Validate the census built under the current build tag one final time,
upload it together with its manifest to the configured blob prefix, and
append the build to the catalog. Published builds are immutable; a build
tag can only be published once.`,
	RunE: runPublish,
}

func runPublish(cmd *cobra.Command, _ []string) error {
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

	db, err := census.OpenArtifact(a.CensusPath())
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	m, err := census.StoredManifest(ctx, db)
	if err != nil {
		return err
	}
	onts, err := ontology.LoadSet(a.Config.Ontologies)
	if err != nil {
		return err
	}
	// an invalid census must never leave the working directory
	if err := census.NewValidator(onts, log).Validate(ctx, db, m); err != nil {
		return err
	}

	store, err := blob.Open(ctx)
	if err != nil {
		return err
	}
	pub := census.NewPublisher(store, a.Config.CensusBlobPrefix, log)
	info, err := pub.Publish(ctx, filepath.Join(a.CensusPath(), census.ArtifactName), m)
	if err != nil {
		return err
	}

	cat, err := catalog.Open(ctx, a.WorkingDir)
	if err != nil {
		return err
	}
	defer func() { _ = cat.Close() }()
	if err := cat.Append(ctx, catalog.Record{
		BuildID:     m.BuildID,
		BuildTag:    m.BuildTag,
		CensusKey:   info.CensusKey,
		ManifestKey: info.ManifestKey,
		Manifest:    m,
		CreatedAt:   time.Now().UTC(),
	}); err != nil {
		return err
	}

	a.State.Set("published_census_key", info.CensusKey)
	a.State.Set("published_manifest_key", info.ManifestKey)
	if err := a.State.Commit(a.StateLogPath()); err != nil {
		return err
	}
	log.Info("publish finished",
		zap.String("build_tag", m.BuildTag),
		zap.String("census_key", info.CensusKey))
	return nil
}
