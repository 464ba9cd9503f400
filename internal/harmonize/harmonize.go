// Package harmonize rewrites source dataset metadata in terms of canonical
// ontology terms. Every categorical field resolves to exactly one term or
// is explicitly marked unknown; records are never dropped. Values that
// fail resolution are aggregated for human review.
package harmonize

import (
	"sort"
	"strings"
	"sync"

	"censusbuilder/internal/ontology"
	"censusbuilder/pkg/domain"

	"go.uber.org/zap"
)

// Fields a harmonizer resolves, as reported in UnresolvedReport entries.
const (
	FieldCellType         = "cell_type"
	FieldTissue           = "tissue"
	FieldDisease          = "disease"
	FieldAssay            = "assay"
	FieldSex              = "sex"
	FieldDevelopmentStage = "development_stage"
	FieldEthnicity        = "self_reported_ethnicity"
	FieldOrganism         = "organism"
)

// maxReplacementHops bounds deprecated-term replacement chains.
const maxReplacementHops = 4

// DefaultTissueGeneral is the coarse anatomy set tissue terms roll up to.
// The first ancestor found in this set becomes tissue_general; a tissue
// already in the set maps to itself.
var DefaultTissueGeneral = map[string]struct{}{
	"UBERON:0000955": {}, // brain
	"UBERON:0000948": {}, // heart
	"UBERON:0001004": {}, // respiratory system
	"UBERON:0001155": {}, // colon
	"UBERON:0002048": {}, // lung
	"UBERON:0002097": {}, // skin of body
	"UBERON:0002107": {}, // liver
	"UBERON:0002113": {}, // kidney
	"UBERON:0000178": {}, // blood
	"UBERON:0002371": {}, // bone marrow
}

// Unresolved is one aggregated resolution failure.
type Unresolved struct {
	DatasetID string `json:"dataset_id"`
	Field     string `json:"field"`
	Value     string `json:"value"`
	Count     int64  `json:"count"`
}

type unresolvedKey struct {
	datasetID string
	field     string
	value     string
}

// Harmonizer resolves categorical metadata against a loaded ontology set.
// Safe for concurrent use across dataset workers.
type Harmonizer struct {
	onts          *ontology.Set
	tissueGeneral map[string]struct{}
	log           *zap.Logger

	mu         sync.Mutex
	unresolved map[unresolvedKey]int64
}

// New constructs a Harmonizer over the loaded ontologies. A nil logger is
// replaced with a nop.
func New(onts *ontology.Set, log *zap.Logger) *Harmonizer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Harmonizer{
		onts:          onts,
		tissueGeneral: DefaultTissueGeneral,
		log:           log,
		unresolved:    make(map[unresolvedKey]int64),
	}
}

// Obs harmonizes one cell record. The returned record carries a canonical
// or unknown term for every categorical field.
func (h *Harmonizer) Obs(rec domain.ObsRecord) domain.HarmonizedObs {
	out := domain.HarmonizedObs{
		DatasetID:      rec.DatasetID,
		SuspensionType: rec.SuspensionType,
		IsPrimaryData:  rec.IsPrimaryData,
	}
	out.CellType = h.resolve(rec.DatasetID, FieldCellType, rec.CellTypeTermID)
	out.Tissue = h.resolve(rec.DatasetID, FieldTissue, rec.TissueTermID)
	out.TissueGeneral = h.rollUpTissue(out.Tissue)
	out.Disease = h.resolve(rec.DatasetID, FieldDisease, rec.DiseaseTermID)
	out.Assay = h.resolve(rec.DatasetID, FieldAssay, rec.AssayTermID)
	out.Sex = h.resolve(rec.DatasetID, FieldSex, rec.SexTermID)
	out.DevelopmentStage = h.resolve(rec.DatasetID, FieldDevelopmentStage, rec.DevelopmentStageTermID)
	out.SelfReportedEthnicity = h.resolve(rec.DatasetID, FieldEthnicity, rec.SelfReportedEthnicityTermID)
	out.Organism = h.resolveOrganism(rec)
	return out
}

// resolve maps a declared term ID onto the loaded ontologies. Deprecated
// terms follow their replacement chain. The literal values "unknown" and
// "na" are legal unknowns and are not reported; anything else that fails
// resolution is recorded for review.
func (h *Harmonizer) resolve(datasetID, field, termID string) domain.Term {
	id := strings.TrimSpace(termID)
	switch strings.ToLower(id) {
	case "unknown", "na":
		return domain.UnknownTerm
	}
	if id == "" {
		h.record(datasetID, field, "")
		return domain.UnknownTerm
	}
	for hop := 0; hop <= maxReplacementHops; hop++ {
		term, ok := h.onts.Resolve(id)
		if !ok {
			break
		}
		if !term.Deprecated {
			return domain.Term{ID: term.ID, Label: term.Label}
		}
		if term.ReplacedBy == "" {
			h.log.Warn("deprecated term without replacement",
				zap.String("dataset_id", datasetID),
				zap.String("field", field),
				zap.String("term", id))
			break
		}
		id = term.ReplacedBy
	}
	h.record(datasetID, field, strings.TrimSpace(termID))
	return domain.UnknownTerm
}

// resolveOrganism maps the declared taxon onto the organism registry and
// cross-checks the ontology label.
func (h *Harmonizer) resolveOrganism(rec domain.ObsRecord) domain.Term {
	org, err := domain.OrganismByTaxon(strings.TrimSpace(rec.OrganismTermID))
	if err != nil {
		h.record(rec.DatasetID, FieldOrganism, rec.OrganismTermID)
		return domain.UnknownTerm
	}
	label := rec.Organism
	if term, ok := h.onts.Resolve(org.TaxonID); ok && term.Label != "" {
		label = term.Label
	}
	return domain.Term{ID: org.TaxonID, Label: label}
}

// rollUpTissue derives the coarse tissue_general term: the tissue itself
// when already coarse, otherwise the first listed ancestor in closure order.
func (h *Harmonizer) rollUpTissue(tissue domain.Term) domain.Term {
	if tissue.IsUnknown() {
		return domain.UnknownTerm
	}
	if _, ok := h.tissueGeneral[tissue.ID]; ok {
		return tissue
	}
	for _, anc := range h.onts.Ancestors(tissue.ID) {
		if _, ok := h.tissueGeneral[anc]; !ok {
			continue
		}
		if term, found := h.onts.Resolve(anc); found {
			return domain.Term{ID: term.ID, Label: term.Label}
		}
	}
	// no coarse ancestor: keep the specific tissue
	return tissue
}

func (h *Harmonizer) record(datasetID, field, value string) {
	h.mu.Lock()
	h.unresolved[unresolvedKey{datasetID, field, value}]++
	h.mu.Unlock()
}

// UnresolvedReport returns the aggregated resolution failures sorted by
// dataset, field, then value.
func (h *Harmonizer) UnresolvedReport() []Unresolved {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Unresolved, 0, len(h.unresolved))
	for k, n := range h.unresolved {
		out = append(out, Unresolved{DatasetID: k.datasetID, Field: k.field, Value: k.value, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.DatasetID != b.DatasetID {
			return a.DatasetID < b.DatasetID
		}
		if a.Field != b.Field {
			return a.Field < b.Field
		}
		return a.Value < b.Value
	})
	return out
}
