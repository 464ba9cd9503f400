package build

import (
	"fmt"
	"io"
	"os"
	"reflect"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// State is the mutable key/value state of a running build, persisted as an
// append-only YAML multi-document log. Keys are never deleted: the log
// format has no deletion marker.
type State struct {
	values map[string]any
	dirty  map[string]struct{}
}

// NewState returns an empty build state.
func NewState() *State {
	return &State{values: map[string]any{}, dirty: map[string]struct{}{}}
}

// LoadState folds every document of a state log into the current state.
// A missing file yields an empty state.
func LoadState(path string) (*State, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return NewState(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("open state log: %w", err)
	}
	defer func() { _ = f.Close() }()
	return ReadState(f)
}

// ReadState folds every YAML document from r into a state.
func ReadState(r io.Reader) (*State, error) {
	s := NewState()
	dec := yaml.NewDecoder(r)
	for {
		var doc map[string]any
		err := dec.Decode(&doc)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse state log: %w", err)
		}
		for k, v := range doc {
			s.values[k] = v
		}
	}
	return s, nil
}

// Get returns the value stored under key.
func (s *State) Get(key string) (any, bool) {
	v, ok := s.values[key]
	return v, ok
}

// Set stores key=value and marks the key dirty if the value changed.
func (s *State) Set(key string, value any) {
	if prev, ok := s.values[key]; ok && reflect.DeepEqual(prev, value) {
		return
	}
	s.values[key] = value
	s.dirty[key] = struct{}{}
}

// Len returns the number of keys held.
func (s *State) Len() int { return len(s.values) }

// Keys returns every key held, sorted.
func (s *State) Keys() []string {
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Commit appends the dirty keys to the state log as one timestamped YAML
// document, then clears the dirty set. A commit with nothing dirty is a
// no-op. Appends are atomic on POSIX filesystems.
func (s *State) Commit(path string) error {
	if len(s.dirty) == 0 {
		return nil
	}
	keys := make([]string, 0, len(s.dirty))
	for k := range s.dirty {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	doc := make(map[string]any, len(keys))
	for _, k := range keys {
		doc[k] = s.values[k]
	}
	payload, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open state log: %w", err)
	}
	defer func() { _ = f.Close() }()
	record := fmt.Sprintf("--- # %s\n%s", time.Now().UTC().Format(time.RFC3339), payload)
	if _, err := f.WriteString(record); err != nil {
		return fmt.Errorf("append state: %w", err)
	}
	for k := range s.dirty {
		delete(s.dirty, k)
	}
	return nil
}
