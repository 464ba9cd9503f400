// census-builder assembles a consolidated cell census from source dataset
// packages in object storage: build, validate, publish, inspect state.
package main

import (
	"fmt"
	"os"

	"censusbuilder/internal/build"
	"censusbuilder/internal/observe"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	flagConfig   string
	flagWorkdir  string
	flagBuildTag string
)

var rootCmd = &cobra.Command{
	Use:           "census-builder",
	Short:         "Build and publish consolidated cell census releases",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "build config YAML; defaults apply when omitted")
	rootCmd.PersistentFlags().StringVarP(&flagWorkdir, "workdir", "w", ".", "build working directory")
	rootCmd.PersistentFlags().StringVar(&flagBuildTag, "build-tag", "", "override the configured build tag")
	rootCmd.AddCommand(buildCmd, validateCmd, publishCmd, stateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "census-builder: %v\n", err)
		os.Exit(1)
	}
}

// loadArgs assembles the run's arguments from flags: merged config plus the
// working directory's state log.
func loadArgs() (build.Args, error) {
	cfg := build.DefaultConfig()
	if flagConfig != "" {
		var err error
		cfg, err = build.LoadConfig(flagConfig)
		if err != nil {
			return build.Args{}, err
		}
	}
	if flagBuildTag != "" {
		cfg.BuildTag = flagBuildTag
	}
	a := build.NewArgs(flagWorkdir, cfg)
	st, err := build.LoadState(a.StateLogPath())
	if err != nil {
		return build.Args{}, err
	}
	a.State = st
	return a, nil
}

func newLogger(cfg build.Config) (*zap.Logger, error) {
	return observe.NewLogger(cfg.Verbose)
}
