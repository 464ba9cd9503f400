// Package dataset reads source dataset packages out of object storage. A
// package is a blob-key prefix holding header.json, obs.csv, var.csv, and
// x.csv.gz (expression matrix in COO form). The reader streams axis rows
// and matrix triples; it never materializes a full matrix.
package dataset

import (
	"fmt"
	"io"
	"os"
	"strings"

	"censusbuilder/pkg/domain"

	"gopkg.in/yaml.v3"
)

// Manifest lists the source datasets included in a build, in build order.
// Order is significant: global coordinate assignment follows it, which is
// what makes rebuilds against identical inputs reproducible.
type Manifest struct {
	Datasets []domain.SourceDataset `yaml:"datasets"`
}

// LoadManifest reads a dataset manifest from a YAML file.
func LoadManifest(path string) (Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("open manifest: %w", err)
	}
	defer func() { _ = f.Close() }()
	return ReadManifest(f)
}

// ReadManifest parses a dataset manifest from r and validates it.
func ReadManifest(r io.Reader) (Manifest, error) {
	var m Manifest
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return Manifest{}, fmt.Errorf("parse manifest: %w", err)
	}
	if len(m.Datasets) == 0 {
		return Manifest{}, fmt.Errorf("manifest lists no datasets")
	}
	seen := make(map[string]struct{}, len(m.Datasets))
	for i, ds := range m.Datasets {
		if strings.TrimSpace(ds.DatasetID) == "" {
			return Manifest{}, fmt.Errorf("manifest entry %d: dataset_id required", i)
		}
		if _, dup := seen[ds.DatasetID]; dup {
			return Manifest{}, fmt.Errorf("manifest lists dataset %s twice", ds.DatasetID)
		}
		seen[ds.DatasetID] = struct{}{}
		if strings.TrimSpace(ds.BlobKey) == "" {
			return Manifest{}, fmt.Errorf("dataset %s: blob_key required", ds.DatasetID)
		}
		if _, err := domain.OrganismByName(ds.Organism); err != nil {
			return Manifest{}, fmt.Errorf("dataset %s: %w", ds.DatasetID, err)
		}
	}
	return m, nil
}

// FirstN truncates the manifest to its first n datasets; n <= 0 keeps all.
// Test-build convenience.
func (m Manifest) FirstN(n int) Manifest {
	if n <= 0 || n >= len(m.Datasets) {
		return m
	}
	return Manifest{Datasets: m.Datasets[:n]}
}
