package ontology

import (
	"fmt"
	"sort"
	"strings"
)

// Set routes term lookups across several loaded ontologies by CURIE prefix.
type Set struct {
	byPrefix map[string]*Ontology
}

// NewSet returns an empty ontology set.
func NewSet() *Set { return &Set{byPrefix: make(map[string]*Ontology)} }

// LoadSet loads every prefix -> OWL file pair. Any failure aborts: ontology
// files are build configuration and must all load.
func LoadSet(files map[string]string) (*Set, error) {
	s := NewSet()
	prefixes := make([]string, 0, len(files))
	for p := range files {
		prefixes = append(prefixes, p)
	}
	sort.Strings(prefixes)
	for _, prefix := range prefixes {
		o, err := LoadFile(files[prefix], prefix)
		if err != nil {
			return nil, err
		}
		if err := s.Add(o); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Add registers a loaded ontology.
func (s *Set) Add(o *Ontology) error {
	if o == nil {
		return fmt.Errorf("nil ontology")
	}
	if _, dup := s.byPrefix[o.Prefix()]; dup {
		return fmt.Errorf("ontology prefix %s already registered", o.Prefix())
	}
	s.byPrefix[o.Prefix()] = o
	return nil
}

// Ontology returns the loaded ontology for a prefix.
func (s *Set) Ontology(prefix string) (*Ontology, bool) {
	o, ok := s.byPrefix[prefix]
	return o, ok
}

// Resolve routes a CURIE to its ontology and returns the term.
func (s *Set) Resolve(id string) (Term, bool) {
	o, ok := s.forID(id)
	if !ok {
		return Term{}, false
	}
	return o.Resolve(id)
}

// Ancestors returns the is-a closure for a CURIE, nil when the term or its
// ontology is unknown.
func (s *Set) Ancestors(id string) []string {
	o, ok := s.forID(id)
	if !ok {
		return nil
	}
	return o.Ancestors(id)
}

// Releases maps each loaded prefix to its release identifier, for the
// build manifest.
func (s *Set) Releases() map[string]string {
	out := make(map[string]string, len(s.byPrefix))
	for p, o := range s.byPrefix {
		out[p] = o.Release()
	}
	return out
}

func (s *Set) forID(id string) (*Ontology, bool) {
	i := strings.Index(id, ":")
	if i <= 0 {
		return nil, false
	}
	o, ok := s.byPrefix[id[:i]]
	return o, ok
}
