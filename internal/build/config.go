// Package build manages the static configuration and dynamic state of a
// census build: YAML config with defaults, an append-only YAML state log,
// and the derived working-directory layout.
package build

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the static configuration for one build. Fields left unset in
// the user's YAML file take the documented defaults.
type Config struct {
	Verbose     int    `yaml:"verbose"`
	LogDir      string `yaml:"log_dir"`
	LogFile     string `yaml:"log_file"`
	Consolidate bool   `yaml:"consolidate"`

	// CensusBlobPrefix is the object-store prefix published censuses live
	// under, e.g. "cell-census".
	CensusBlobPrefix string `yaml:"census_blob_prefix"`
	// BuildTag names the build; defaults to the current date (ISO-8601).
	BuildTag string `yaml:"build_tag"`

	MultiProcess bool `yaml:"multi_process"`
	MaxWorkers   int  `yaml:"max_workers"`

	// Host minimum resource validation. Empirical minima for a full build;
	// disable for test runs on small hosts.
	HostValidationDisable             bool  `yaml:"host_validation_disable"`
	HostValidationMinPhysicalMemoryGB int64 `yaml:"host_validation_min_physical_memory_gb"`
	HostValidationMinSwapMemoryGB     int64 `yaml:"host_validation_min_swap_memory_gb"`
	HostValidationMinFreeDiskGB       int64 `yaml:"host_validation_min_free_disk_gb"`

	// Manifest points at the dataset manifest; TestFirstN truncates it for
	// test builds. Both are conveniences for development.
	Manifest   string `yaml:"manifest"`
	TestFirstN int    `yaml:"test_first_n"`

	// Ontologies maps a CURIE prefix (CL, UBERON, ...) to the OWL file for
	// the pinned ontology release.
	Ontologies map[string]string `yaml:"ontologies"`
}

// DefaultConfig returns the documented configuration defaults.
func DefaultConfig() Config {
	return Config{
		Verbose:                     1,
		LogDir:                      "logs",
		LogFile:                     "build.log",
		Consolidate:                 true,
		CensusBlobPrefix:            "cell-census",
		BuildTag:                    time.Now().UTC().Format("2006-01-02"),
		MultiProcess:                      true,
		MaxWorkers:                        2 + runtime.NumCPU()/4,
		HostValidationMinPhysicalMemoryGB: 512,
		HostValidationMinSwapMemoryGB:     2048,
		HostValidationMinFreeDiskGB:       1024,
	}
}

// LoadConfig reads a YAML config file and merges it over the defaults. An
// empty file is legal; anything but a top-level mapping is an error.
func LoadConfig(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	defer func() { _ = f.Close() }()
	return ReadConfig(f)
}

// ReadConfig parses configuration YAML from r, merging over defaults.
func ReadConfig(r io.Reader) (Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var top any
	if err := yaml.Unmarshal(raw, &top); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg := DefaultConfig()
	switch top.(type) {
	case nil:
		return cfg, nil
	case map[string]any:
	default:
		return Config{}, fmt.Errorf("config malformed: expected top-level mapping")
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// Workers returns the effective worker count for the parallel phase.
func (c Config) Workers() int {
	if !c.MultiProcess || c.MaxWorkers < 1 {
		return 1
	}
	return c.MaxWorkers
}
