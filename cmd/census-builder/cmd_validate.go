package main

import (
	"censusbuilder/internal/census"
	"censusbuilder/internal/ontology"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Re-validate an already built census",
	Long: `Open the census built under the current build tag and run the full
validation suite against its stored manifest: axis counts, joinid
density, per-dataset counts, matrix referential integrity, and ontology
term resolution.`,
	RunE: runValidate,
}

func runValidate(cmd *cobra.Command, _ []string) error {
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
	if err := census.NewValidator(onts, log).Validate(ctx, db, m); err != nil {
		return err
	}
	log.Info("census valid", zap.String("build_tag", m.BuildTag), zap.String("build_id", m.BuildID))
	return nil
}
