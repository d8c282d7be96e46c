// Package schema parses node type definitions into a typed AST and extracts
// the relator declarations and history rules the rest of the system needs.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

var ErrInvalidDefinition = errors.New("invalid definition")

type Kind string

const (
	KindObject  Kind = "object"
	KindArray   Kind = "array"
	KindScalar  Kind = "scalar"
	KindRelator Kind = "relator"
)

// Field is one node of the schema tree. Properties is set for objects and
// relators, Items for arrays and Relator for relators.
type Field struct {
	Kind          Kind
	Type          string
	Properties    map[string]*Field
	Items         *Field
	Relator       *RelatorSpec
	IgnoreHistory IgnoreRule
}

// RelatorSpec is the parsed "relator" (or "join") marker of a field.
type RelatorSpec struct {
	Collection string
	Mappings   []Mapping
	Sync       *bool
}

type Mapping struct {
	From string `json:"from"`
	To   string `json:"to"`
	Sync *bool  `json:"sync,omitempty"`
}

// Synced reports whether the mapping takes part in propagation.
func (m Mapping) Synced() bool {
	return m.Sync == nil || *m.Sync
}

// IgnoreRule excludes either the whole field or some of its children from
// history replay.
type IgnoreRule struct {
	All   bool
	Names []string
}

// Definition is a parsed node type schema.
type Definition struct {
	Name string
	Root *Field
	raw  map[string]any
}

// Parse builds the AST of one definition. raw is the JSON-Schema-like body
// ("type", "properties", "items", "relator"/"join", "ignoreHistory").
func Parse(name string, raw map[string]any) (*Definition, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: name required", ErrInvalidDefinition)
	}
	root, err := parseField(raw, name)
	if err != nil {
		return nil, err
	}
	if root.Kind != KindObject {
		return nil, fmt.Errorf("%w: %s must be an object", ErrInvalidDefinition, name)
	}
	return &Definition{Name: name, Root: root, raw: raw}, nil
}

// Raw returns the source body the definition was parsed from.
func (d *Definition) Raw() map[string]any {
	return d.raw
}

type wireDefinition struct {
	Name   string         `json:"name"`
	Schema map[string]any `json:"schema"`
}

func (d *Definition) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireDefinition{Name: d.Name, Schema: d.raw})
}

func (d *Definition) UnmarshalJSON(raw []byte) error {
	var w wireDefinition
	if err := json.Unmarshal(raw, &w); err != nil {
		return fmt.Errorf("decode definition: %w", err)
	}
	parsed, err := Parse(w.Name, w.Schema)
	if err != nil {
		return err
	}
	*d = *parsed
	return nil
}

func parseField(raw map[string]any, path string) (*Field, error) {
	f := &Field{}
	f.Type, _ = raw["type"].(string)

	ignore, err := parseIgnore(raw["ignoreHistory"], path)
	if err != nil {
		return nil, err
	}
	f.IgnoreHistory = ignore

	marker, hasMarker := raw["relator"]
	if !hasMarker {
		marker, hasMarker = raw["join"]
	}

	switch {
	case hasMarker:
		spec, err := parseRelator(marker, path)
		if err != nil {
			return nil, err
		}
		f.Kind = KindRelator
		f.Relator = spec
		if f.Properties, err = parseProperties(raw["properties"], path); err != nil {
			return nil, err
		}
	case f.Type == "array":
		f.Kind = KindArray
		if items, ok := asMap(raw["items"]); ok {
			child, err := parseField(items, path+"[]")
			if err != nil {
				return nil, err
			}
			f.Items = child
		}
	case f.Type == "object" || raw["properties"] != nil:
		f.Kind = KindObject
		if f.Properties, err = parseProperties(raw["properties"], path); err != nil {
			return nil, err
		}
	default:
		f.Kind = KindScalar
	}
	return f, nil
}

func parseProperties(value any, path string) (map[string]*Field, error) {
	if value == nil {
		return map[string]*Field{}, nil
	}
	props, ok := asMap(value)
	if !ok {
		return nil, fmt.Errorf("%w: %s.properties must be an object", ErrInvalidDefinition, path)
	}
	out := make(map[string]*Field, len(props))
	for name, rawChild := range props {
		child, ok := asMap(rawChild)
		if !ok {
			return nil, fmt.Errorf("%w: %s.%s must be an object", ErrInvalidDefinition, path, name)
		}
		field, err := parseField(child, path+"."+name)
		if err != nil {
			return nil, err
		}
		out[name] = field
	}
	return out, nil
}

func parseRelator(value any, path string) (*RelatorSpec, error) {
	marker, ok := asMap(value)
	if !ok {
		return nil, fmt.Errorf("%w: %s relator marker must be an object", ErrInvalidDefinition, path)
	}
	spec := &RelatorSpec{}
	spec.Collection, _ = marker["collection"].(string)
	if spec.Collection == "" {
		return nil, fmt.Errorf("%w: %s relator needs a collection", ErrInvalidDefinition, path)
	}
	if sync, ok := marker["sync"].(bool); ok {
		spec.Sync = &sync
	}
	if rawMappings, ok := marker["mappings"].([]any); ok {
		for i, rawMapping := range rawMappings {
			m, ok := asMap(rawMapping)
			if !ok {
				return nil, fmt.Errorf("%w: %s mapping %d must be an object", ErrInvalidDefinition, path, i)
			}
			mapping := Mapping{}
			mapping.From, _ = m["from"].(string)
			mapping.To, _ = m["to"].(string)
			if mapping.To == "" {
				mapping.To = mapping.From
			}
			if mapping.From == "" {
				return nil, fmt.Errorf("%w: %s mapping %d needs from", ErrInvalidDefinition, path, i)
			}
			if sync, ok := m["sync"].(bool); ok {
				mapping.Sync = &sync
			}
			spec.Mappings = append(spec.Mappings, mapping)
		}
	}
	return spec, nil
}

func parseIgnore(value any, path string) (IgnoreRule, error) {
	switch v := value.(type) {
	case nil:
		return IgnoreRule{}, nil
	case bool:
		return IgnoreRule{All: v}, nil
	case []any:
		names := make([]string, 0, len(v))
		for _, item := range v {
			name, ok := item.(string)
			if !ok {
				return IgnoreRule{}, fmt.Errorf("%w: %s.ignoreHistory entries must be strings", ErrInvalidDefinition, path)
			}
			names = append(names, name)
		}
		sort.Strings(names)
		return IgnoreRule{Names: names}, nil
	}
	return IgnoreRule{}, fmt.Errorf("%w: %s.ignoreHistory must be a bool or a list", ErrInvalidDefinition, path)
}

// asMap accepts the map shapes produced by encoding/json and yaml.v3.
func asMap(value any) (map[string]any, bool) {
	switch v := value.(type) {
	case map[string]any:
		return v, true
	case map[any]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			key, ok := k.(string)
			if !ok {
				return nil, false
			}
			out[key] = item
		}
		return out, true
	}
	return nil, false
}
