package observe

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap/zapcore"
)

func TestNewLoggerVerbosity(t *testing.T) {
	cases := []struct {
		verbosity int
		level     zapcore.Level
	}{
		{0, zapcore.WarnLevel},
		{1, zapcore.InfoLevel},
		{2, zapcore.DebugLevel},
		{5, zapcore.DebugLevel},
	}
	for _, tc := range cases {
		log, err := NewLogger(tc.verbosity)
		if err != nil {
			t.Fatalf("verbosity %d: %v", tc.verbosity, err)
		}
		if !log.Core().Enabled(tc.level) {
			t.Fatalf("verbosity %d should enable %v", tc.verbosity, tc.level)
		}
		if tc.level != zapcore.DebugLevel && log.Core().Enabled(tc.level-1) {
			t.Fatalf("verbosity %d should not enable %v", tc.verbosity, tc.level-1)
		}
	}
}

func TestNewMetricsRegisters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.DatasetsProcessed.WithLabelValues("accepted").Inc()
	m.CellsIngested.WithLabelValues("homo_sapiens").Add(10)
	m.FeaturesIngested.Add(3)
	m.UnresolvedTerms.WithLabelValues("tissue").Inc()
	m.StageDuration.WithLabelValues("consolidate").Observe(0.5)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	want := map[string]bool{
		"census_builder_datasets_processed_total": false,
		"census_builder_cells_ingested_total":     false,
		"census_builder_features_ingested_total":  false,
		"census_builder_unresolved_terms_total":   false,
		"census_builder_stage_duration_seconds":   false,
	}
	for _, f := range families {
		if _, ok := want[f.GetName()]; ok {
			want[f.GetName()] = true
		}
	}
	for name, seen := range want {
		if !seen {
			t.Fatalf("collector %s not registered", name)
		}
	}
}

func TestNewMetricsNilRegistry(t *testing.T) {
	m := NewMetrics(nil)
	m.DatasetsProcessed.WithLabelValues("rejected").Inc()
}

func TestWriteTextfile(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.DatasetsProcessed.WithLabelValues("accepted").Add(4)
	m.CellsIngested.WithLabelValues("homo_sapiens").Add(120)

	path := filepath.Join(t.TempDir(), "metrics.prom")
	if err := WriteTextfile(reg, path); err != nil {
		t.Fatalf("write textfile: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read textfile: %v", err)
	}
	text := string(raw)
	for _, want := range []string{
		`census_builder_datasets_processed_total{outcome="accepted"} 4`,
		`census_builder_cells_ingested_total{organism="homo_sapiens"} 120`,
		"# HELP census_builder_datasets_processed_total",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("textfile missing %q:\n%s", want, text)
		}
	}
}
