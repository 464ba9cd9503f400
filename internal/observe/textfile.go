package observe

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// WriteTextfile gathers reg and writes the families in Prometheus text
// exposition format, the layout the node_exporter textfile collector scrapes.
// Batch runs have no endpoint to pull from, so the build drops its counters
// on disk next to the artifact instead.
func WriteTextfile(reg prometheus.Gatherer, path string) error {
	families, err := reg.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".metrics-*")
	if err != nil {
		return fmt.Errorf("stage metrics file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(tmp, mf); err != nil {
			_ = tmp.Close()
			return fmt.Errorf("encode metric family %s: %w", mf.GetName(), err)
		}
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close metrics file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("place metrics file: %w", err)
	}
	return nil
}
