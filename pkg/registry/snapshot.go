package registry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/aretw0/arbor/pkg/domain"
)

// Snapshot is an immutable, versioned view of the tool catalog. Readers hold
// one snapshot reference for the duration of a call; a reload publishes a
// new snapshot and never mutates a published one.
type Snapshot struct {
	version  int64
	tools    map[string]domain.ToolDescriptor
	compiled map[string]*jsonschema.Schema
}

func newSnapshot(version int64) *Snapshot {
	return &Snapshot{
		version:  version,
		tools:    make(map[string]domain.ToolDescriptor),
		compiled: make(map[string]*jsonschema.Schema),
	}
}

// Version returns the registry version this snapshot was published at.
func (s *Snapshot) Version() int64 { return s.version }

// Lookup returns the descriptor for an exact, case-sensitive name.
func (s *Snapshot) Lookup(name string) (domain.ToolDescriptor, bool) {
	d, ok := s.tools[name]
	return d, ok
}

// List returns all descriptors sorted by name.
func (s *Snapshot) List() []domain.ToolDescriptor {
	out := make([]domain.ToolDescriptor, 0, len(s.tools))
	for _, d := range s.tools {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Filter returns the subset of the catalog matched by the allow-list.
// A nil list or a "*" entry means no restriction. Matching is exact and
// case-sensitive; unknown names are silently ignored, since they may denote
// tools that get added later.
func (s *Snapshot) Filter(allowed []string) []domain.ToolDescriptor {
	if allowed == nil {
		return s.List()
	}
	for _, name := range allowed {
		if name == domain.WildcardTools {
			return s.List()
		}
	}

	out := make([]domain.ToolDescriptor, 0, len(allowed))
	seen := make(map[string]bool, len(allowed))
	for _, name := range allowed {
		if seen[name] {
			continue
		}
		seen[name] = true
		if d, ok := s.tools[name]; ok {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Allowed reports whether a single name passes the allow-list.
func Allowed(allowed []string, name string) bool {
	if allowed == nil {
		return true
	}
	for _, a := range allowed {
		if a == domain.WildcardTools || a == name {
			return true
		}
	}
	return false
}

// validator returns the compiled schema for a tool, or nil when the tool
// declares no schema (or it failed to compile at publication).
func (s *Snapshot) validator(name string) *jsonschema.Schema {
	return s.compiled[name]
}

// normalizeArgs round-trips tool arguments through JSON so the validator
// sees the canonical decoded representation (json.Number and friends)
// regardless of how the caller constructed the map.
func normalizeArgs(args map[string]any) any {
	data, err := json.Marshal(args)
	if err != nil {
		return args
	}
	v, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return args
	}
	return v
}

// compileSchema builds a validator from a descriptor's raw input schema.
func compileSchema(name string, raw map[string]any) (*jsonschema.Schema, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	c := jsonschema.NewCompiler()
	url := fmt.Sprintf("arbor://tools/%s/schema.json", name)
	if err := c.AddResource(url, normalizeArgs(raw)); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}
	sch, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}
	return sch, nil
}
