// Package ontology loads OWL ontology releases (Cell Ontology, UBERON,
// MONDO, ...) and answers term lookup and ancestor queries for metadata
// harmonization. Ontology files are pinned per build; a missing or
// unparseable file is a configuration error and fails the build fast.
package ontology

import (
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
)

// Term is one canonical concept of a loaded ontology release. Immutable
// once the release is loaded.
type Term struct {
	ID         string // CURIE, e.g. "CL:0000540"
	Label      string
	Deprecated bool
	ReplacedBy string // CURIE of the successor term, when deprecated
}

// Ontology holds one parsed ontology release and its is-a hierarchy.
// Lookup methods are safe for concurrent use: terms and parents are frozen
// after Load, and the closure memo is guarded by ancMu.
type Ontology struct {
	prefix  string
	release string
	terms   map[string]Term
	parents map[string][]string

	ancMu     sync.Mutex
	ancestors map[string][]string // memoized transitive closure
}

// rdf/xml subset: owl:Class carrying rdfs:label, rdfs:subClassOf resource
// references, owl:deprecated, and IAO:0100001 (term replaced by).
type rdfDocument struct {
	XMLName  xml.Name    `xml:"RDF"`
	Ontology rdfOntology `xml:"Ontology"`
	Classes  []rdfClass  `xml:"Class"`
}

type rdfOntology struct {
	VersionIRI rdfResource `xml:"versionIRI"`
}

type rdfClass struct {
	About      string        `xml:"about,attr"`
	Labels     []string      `xml:"label"`
	SubClassOf []rdfResource `xml:"subClassOf"`
	Deprecated string        `xml:"deprecated"`
	ReplacedBy []rdfResource `xml:"IAO_0100001"`
}

type rdfResource struct {
	Resource string `xml:"resource,attr"`
}

// LoadFile parses the OWL file at path for the given CURIE prefix.
func LoadFile(path, prefix string) (*Ontology, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open ontology %s: %w", prefix, err)
	}
	defer func() { _ = f.Close() }()
	return Load(f, prefix)
}

// Load parses OWL RDF/XML from r. Only terms whose CURIE carries the given
// prefix are indexed; cross-ontology imports are ignored.
func Load(r io.Reader, prefix string) (*Ontology, error) {
	if strings.TrimSpace(prefix) == "" {
		return nil, fmt.Errorf("ontology prefix required")
	}
	var doc rdfDocument
	dec := xml.NewDecoder(r)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse ontology %s: %w", prefix, err)
	}
	o := &Ontology{
		prefix:    prefix,
		release:   releaseFromIRI(doc.Ontology.VersionIRI.Resource),
		terms:     make(map[string]Term, len(doc.Classes)),
		parents:   make(map[string][]string),
		ancestors: make(map[string][]string),
	}
	for _, cls := range doc.Classes {
		id := curieFromIRI(cls.About)
		if id == "" || !strings.HasPrefix(id, prefix+":") {
			continue
		}
		term := Term{ID: id, Deprecated: parseBool(cls.Deprecated)}
		if len(cls.Labels) > 0 {
			term.Label = strings.TrimSpace(cls.Labels[0])
		}
		if term.Deprecated && len(cls.ReplacedBy) > 0 {
			term.ReplacedBy = curieFromIRI(cls.ReplacedBy[0].Resource)
		}
		o.terms[id] = term
		for _, sub := range cls.SubClassOf {
			// anonymous restrictions have no resource attribute
			parent := curieFromIRI(sub.Resource)
			if parent != "" && strings.HasPrefix(parent, prefix+":") {
				o.parents[id] = append(o.parents[id], parent)
			}
		}
	}
	if len(o.terms) == 0 {
		return nil, fmt.Errorf("ontology %s: no %s terms found", prefix, prefix)
	}
	return o, nil
}

// Prefix returns the CURIE prefix the ontology indexes.
func (o *Ontology) Prefix() string { return o.prefix }

// Release returns the ontology release identifier from the version IRI,
// empty when the file declares none.
func (o *Ontology) Release() string { return o.release }

// Len returns the number of indexed terms.
func (o *Ontology) Len() int { return len(o.terms) }

// Resolve returns the term for a CURIE.
func (o *Ontology) Resolve(id string) (Term, bool) {
	t, ok := o.terms[id]
	return t, ok
}

// Ancestors returns the transitive is-a closure of id, sorted. The term
// itself is not included. Unknown ids yield nil. Callers must not mutate
// the returned slice.
func (o *Ontology) Ancestors(id string) []string {
	o.ancMu.Lock()
	defer o.ancMu.Unlock()
	if cached, ok := o.ancestors[id]; ok {
		return cached
	}
	if _, ok := o.terms[id]; !ok {
		return nil
	}
	seen := map[string]struct{}{}
	o.walk(id, id, seen)
	out := make([]string, 0, len(seen))
	for a := range seen {
		out = append(out, a)
	}
	sort.Strings(out)
	o.ancestors[id] = out
	return out
}

func (o *Ontology) walk(origin, id string, seen map[string]struct{}) {
	for _, p := range o.parents[id] {
		if p == origin {
			continue // cycle guard
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		o.walk(origin, p, seen)
	}
}

// IsA reports whether ancestor is in id's transitive is-a closure.
func (o *Ontology) IsA(id, ancestor string) bool {
	for _, a := range o.Ancestors(id) {
		if a == ancestor {
			return true
		}
	}
	return false
}

func parseBool(s string) bool {
	return strings.EqualFold(strings.TrimSpace(s), "true")
}

// curieFromIRI converts an OBO IRI to CURIE form:
// http://purl.obolibrary.org/obo/CL_0000540 -> CL:0000540.
func curieFromIRI(iri string) string {
	iri = strings.TrimSpace(iri)
	if iri == "" {
		return ""
	}
	seg := iri
	if i := strings.LastIndexAny(iri, "/#"); i >= 0 {
		seg = iri[i+1:]
	}
	if i := strings.Index(seg, "_"); i > 0 {
		return seg[:i] + ":" + seg[i+1:]
	}
	return seg
}

// releaseFromIRI extracts the release date from a version IRI such as
// http://purl.obolibrary.org/obo/cl/releases/2025-04-10/cl.owl.
func releaseFromIRI(iri string) string {
	parts := strings.Split(strings.TrimSpace(iri), "/")
	for i, p := range parts {
		if p == "releases" && i+1 < len(parts) {
			return parts[i+1]
		}
	}
	return ""
}
