package domain

import (
	"fmt"
	"strings"
)

// Organism describes one species included in the census and the identifier
// conventions its datasets must follow.
type Organism struct {
	// Name is the snake_case census label, e.g. "homo_sapiens".
	Name string
	// TaxonID is the NCBITaxon term for the species.
	TaxonID string
	// FeatureIDPrefix anchors the Ensembl gene identifier namespace.
	FeatureIDPrefix string
}

// Census organisms. The builder rejects datasets for any other species.
var (
	Human = Organism{Name: "homo_sapiens", TaxonID: "NCBITaxon:9606", FeatureIDPrefix: "ENSG"}
	Mouse = Organism{Name: "mus_musculus", TaxonID: "NCBITaxon:10090", FeatureIDPrefix: "ENSMUSG"}
)

var organisms = map[string]Organism{
	Human.Name: Human,
	Mouse.Name: Mouse,
}

// Organisms returns the census organisms in deterministic order.
func Organisms() []Organism { return []Organism{Human, Mouse} }

// OrganismByName resolves a census organism label.
func OrganismByName(name string) (Organism, error) {
	org, ok := organisms[strings.TrimSpace(strings.ToLower(name))]
	if !ok {
		return Organism{}, fmt.Errorf("unsupported organism %q", name)
	}
	return org, nil
}

// OrganismByTaxon resolves an organism from its NCBITaxon term ID.
func OrganismByTaxon(taxonID string) (Organism, error) {
	for _, org := range organisms {
		if org.TaxonID == taxonID {
			return org, nil
		}
	}
	return Organism{}, fmt.Errorf("unsupported organism taxon %q", taxonID)
}

// ValidFeatureID reports whether a feature identifier belongs to the
// organism's expected namespace.
func (o Organism) ValidFeatureID(featureID string) bool {
	return strings.HasPrefix(featureID, o.FeatureIDPrefix)
}
