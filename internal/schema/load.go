package schema

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ParseDocument reads a definition file body. The name comes from a top-level
// "name" key or falls back to fallbackName; the schema is either under
// "schema" or the document itself. JSON bodies parse as YAML.
func ParseDocument(body []byte, fallbackName string) (*Definition, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: empty document", ErrInvalidDefinition)
	}
	name, _ := doc["name"].(string)
	if name == "" {
		name = fallbackName
	}
	schemaBody, ok := asMap(doc["schema"])
	if !ok {
		schemaBody = make(map[string]any, len(doc))
		for k, v := range doc {
			if k != "name" {
				schemaBody[k] = v
			}
		}
	}
	return Parse(name, normalize(schemaBody).(map[string]any))
}

// LoadFile parses one definition file.
func LoadFile(path string) (*Definition, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definition %s: %w", path, err)
	}
	base := filepath.Base(path)
	def, err := ParseDocument(body, strings.TrimSuffix(base, filepath.Ext(base)))
	if err != nil {
		return nil, fmt.Errorf("parse definition %s: %w", path, err)
	}
	return def, nil
}

// LoadDir parses every *.yaml, *.yml and *.json file in dir, sorted by file
// name.
func LoadDir(dir string) ([]*Definition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read definitions dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() && IsDefinitionFile(entry.Name()) {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	defs := make([]*Definition, 0, len(names))
	for _, name := range names {
		def, err := LoadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

func IsDefinitionFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".json":
		return !strings.HasPrefix(filepath.Base(name), ".")
	}
	return false
}

// normalize converts yaml.v3 decoded values into the encoding/json shapes the
// rest of the system stores.
func normalize(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = normalize(item)
		}
		return out
	case map[any]any:
		m, ok := asMap(v)
		if !ok {
			return v
		}
		return normalize(m)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = normalize(item)
		}
		return out
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case uint64:
		return float64(v)
	}
	return value
}
