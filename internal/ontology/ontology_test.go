package ontology

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

const clFixture = `<?xml version="1.0"?>
<rdf:RDF xmlns:rdf="http://www.w3.org/1999/02/22-rdf-syntax-ns#"
         xmlns:rdfs="http://www.w3.org/2000/01/rdf-schema#"
         xmlns:owl="http://www.w3.org/2002/07/owl#"
         xmlns:obo="http://purl.obolibrary.org/obo/">
  <owl:Ontology rdf:about="http://purl.obolibrary.org/obo/cl.owl">
    <owl:versionIRI rdf:resource="http://purl.obolibrary.org/obo/cl/releases/2025-04-10/cl.owl"/>
  </owl:Ontology>
  <owl:Class rdf:about="http://purl.obolibrary.org/obo/CL_0000000">
    <rdfs:label>cell</rdfs:label>
  </owl:Class>
  <owl:Class rdf:about="http://purl.obolibrary.org/obo/CL_0000540">
    <rdfs:label>neuron</rdfs:label>
    <rdfs:subClassOf rdf:resource="http://purl.obolibrary.org/obo/CL_0002319"/>
  </owl:Class>
  <owl:Class rdf:about="http://purl.obolibrary.org/obo/CL_0002319">
    <rdfs:label>neural cell</rdfs:label>
    <rdfs:subClassOf rdf:resource="http://purl.obolibrary.org/obo/CL_0000000"/>
    <rdfs:subClassOf>
      <owl:Restriction/>
    </rdfs:subClassOf>
  </owl:Class>
  <owl:Class rdf:about="http://purl.obolibrary.org/obo/CL_0000999">
    <rdfs:label>obsolete fancy neuron</rdfs:label>
    <owl:deprecated>true</owl:deprecated>
    <obo:IAO_0100001 rdf:resource="http://purl.obolibrary.org/obo/CL_0000540"/>
  </owl:Class>
  <owl:Class rdf:about="http://purl.obolibrary.org/obo/UBERON_0000061">
    <rdfs:label>imported foreign term</rdfs:label>
  </owl:Class>
</rdf:RDF>`

func loadFixture(t *testing.T) *Ontology {
	t.Helper()
	o, err := Load(strings.NewReader(clFixture), "CL")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return o
}

func TestLoadIndexesOwnPrefixOnly(t *testing.T) {
	o := loadFixture(t)
	if o.Len() != 4 {
		t.Fatalf("expected 4 CL terms, got %d", o.Len())
	}
	if _, ok := o.Resolve("UBERON:0000061"); ok {
		t.Fatalf("foreign term must not be indexed")
	}
	if o.Release() != "2025-04-10" {
		t.Fatalf("release %q", o.Release())
	}
}

func TestResolveAndLabels(t *testing.T) {
	o := loadFixture(t)
	term, ok := o.Resolve("CL:0000540")
	if !ok || term.Label != "neuron" {
		t.Fatalf("resolve neuron: %v %+v", ok, term)
	}
	dep, ok := o.Resolve("CL:0000999")
	if !ok || !dep.Deprecated || dep.ReplacedBy != "CL:0000540" {
		t.Fatalf("deprecated term: %+v", dep)
	}
	if _, ok := o.Resolve("CL:9999999"); ok {
		t.Fatalf("unknown term resolved")
	}
}

func TestAncestors(t *testing.T) {
	o := loadFixture(t)
	anc := o.Ancestors("CL:0000540")
	want := []string{"CL:0000000", "CL:0002319"}
	if len(anc) != len(want) || anc[0] != want[0] || anc[1] != want[1] {
		t.Fatalf("ancestors %v want %v", anc, want)
	}
	if !o.IsA("CL:0000540", "CL:0000000") {
		t.Fatalf("neuron is-a cell expected")
	}
	if o.IsA("CL:0000000", "CL:0000540") {
		t.Fatalf("inverted is-a")
	}
	if o.Ancestors("CL:404") != nil {
		t.Fatalf("unknown id must yield nil ancestors")
	}
	// memoized second call
	if got := o.Ancestors("CL:0000540"); len(got) != 2 {
		t.Fatalf("memoized ancestors %v", got)
	}
}

// chainFixture builds an ontology where term i is a subclass of term i-1,
// deep enough that closure computation does real work per lookup.
func chainFixture(t *testing.T, depth int) *Ontology {
	t.Helper()
	var b strings.Builder
	b.WriteString(`<?xml version="1.0"?>
<rdf:RDF xmlns:rdf="http://www.w3.org/1999/02/22-rdf-syntax-ns#"
         xmlns:rdfs="http://www.w3.org/2000/01/rdf-schema#"
         xmlns:owl="http://www.w3.org/2002/07/owl#">
`)
	for i := 0; i < depth; i++ {
		fmt.Fprintf(&b, `  <owl:Class rdf:about="http://purl.obolibrary.org/obo/CL_%07d">`+"\n", i)
		fmt.Fprintf(&b, "    <rdfs:label>term %d</rdfs:label>\n", i)
		if i > 0 {
			fmt.Fprintf(&b, `    <rdfs:subClassOf rdf:resource="http://purl.obolibrary.org/obo/CL_%07d"/>`+"\n", i-1)
		}
		b.WriteString("  </owl:Class>\n")
	}
	b.WriteString("</rdf:RDF>\n")
	o, err := Load(strings.NewReader(b.String()), "CL")
	if err != nil {
		t.Fatalf("Load chain: %v", err)
	}
	return o
}

func TestAncestorsConcurrent(t *testing.T) {
	const depth = 200
	o := chainFixture(t, depth)
	// dataset workers hit the same ontology concurrently during a build;
	// run under -race to exercise the closure memo
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < depth; i++ {
				id := fmt.Sprintf("CL:%07d", i)
				if got := o.Ancestors(id); len(got) != i {
					t.Errorf("ancestors(%s) = %d terms, want %d", id, len(got), i)
					return
				}
			}
		}()
	}
	wg.Wait()
	if !o.IsA(fmt.Sprintf("CL:%07d", depth-1), "CL:0000000") {
		t.Fatalf("deepest term must descend from the root")
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(strings.NewReader("<not-xml"), "CL"); err == nil {
		t.Fatalf("expected parse error")
	}
	if _, err := Load(strings.NewReader(clFixture), ""); err == nil {
		t.Fatalf("expected prefix error")
	}
	if _, err := Load(strings.NewReader(clFixture), "MONDO"); err == nil {
		t.Fatalf("expected no-terms error for wrong prefix")
	}
	if _, err := LoadFile(filepath.Join(t.TempDir(), "absent.owl"), "CL"); err == nil {
		t.Fatalf("expected open error")
	}
}

func TestSetRouting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cl.owl")
	if err := os.WriteFile(path, []byte(clFixture), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	set, err := LoadSet(map[string]string{"CL": path})
	if err != nil {
		t.Fatalf("LoadSet: %v", err)
	}
	if term, ok := set.Resolve("CL:0000540"); !ok || term.Label != "neuron" {
		t.Fatalf("set resolve: %v %+v", ok, term)
	}
	if _, ok := set.Resolve("UBERON:0002048"); ok {
		t.Fatalf("unloaded prefix must not resolve")
	}
	if _, ok := set.Resolve("garbage"); ok {
		t.Fatalf("non-CURIE must not resolve")
	}
	if rel := set.Releases(); rel["CL"] != "2025-04-10" {
		t.Fatalf("releases %v", rel)
	}
	o, _ := set.Ontology("CL")
	if err := set.Add(o); err == nil {
		t.Fatalf("duplicate prefix must error")
	}
	if _, err := LoadSet(map[string]string{"CL": filepath.Join(dir, "missing.owl")}); err == nil {
		t.Fatalf("missing ontology file must fail fast")
	}
}
