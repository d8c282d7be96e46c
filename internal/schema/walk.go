package schema

import (
	"sort"
	"strings"
)

const itemsMarker = "[]"

// Path addresses a field from the definition root. Array item shapes are a
// "[]" segment.
type Path []string

func (p Path) Child(name string) Path {
	out := make(Path, len(p), len(p)+1)
	copy(out, p)
	return append(out, name)
}

// Original renders the path with array markers, e.g. "lines[].product".
func (p Path) Original() string {
	var b strings.Builder
	for _, seg := range p {
		if seg == itemsMarker {
			b.WriteString(itemsMarker)
			continue
		}
		if b.Len() > 0 {
			b.WriteString(".")
		}
		b.WriteString(seg)
	}
	return b.String()
}

// Target renders the path without array markers, e.g. "lines.product".
func (p Path) Target() string {
	parts := make([]string, 0, len(p))
	for _, seg := range p {
		if seg != itemsMarker {
			parts = append(parts, seg)
		}
	}
	return strings.Join(parts, ".")
}

// Visitor is called for every field in deterministic order. Returning false
// skips the field's children.
type Visitor interface {
	Visit(path Path, f *Field) bool
}

type VisitorFunc func(path Path, f *Field) bool

func (fn VisitorFunc) Visit(path Path, f *Field) bool { return fn(path, f) }

// Walk visits the definition tree depth first. Object properties are visited
// in sorted order; relator properties are not descended into.
func Walk(def *Definition, v Visitor) {
	if def == nil || def.Root == nil {
		return
	}
	walk(Path{}, def.Root, v)
}

func walk(path Path, f *Field, v Visitor) {
	if f == nil || !v.Visit(path, f) {
		return
	}
	switch f.Kind {
	case KindObject:
		for _, name := range sortedNames(f.Properties) {
			walk(path.Child(name), f.Properties[name], v)
		}
	case KindArray:
		walk(path.Child(itemsMarker), f.Items, v)
	}
}

// AssociationDetail is one declared relator relationship.
type AssociationDetail struct {
	ID           string    `json:"id,omitempty"`
	SourceType   string    `json:"sourceType"`
	TargetType   string    `json:"targetType"`
	TargetPath   string    `json:"targetPath"`
	OriginalPath string    `json:"originalPath"`
	Mappings     []Mapping `json:"mappings"`
	Sync         *bool     `json:"sync,omitempty"`
}

// Key identifies a detail within one target type.
func (d AssociationDetail) Key() string {
	return d.SourceType + "|" + d.TargetPath
}

// Unsynced reports an explicit sync: false.
func (d AssociationDetail) Unsynced() bool {
	return d.Sync != nil && !*d.Sync
}

// ExtractAssociationDetails collects every relator of the definition.
func ExtractAssociationDetails(def *Definition) []AssociationDetail {
	details := make([]AssociationDetail, 0)
	Walk(def, VisitorFunc(func(path Path, f *Field) bool {
		if f.Kind != KindRelator {
			return true
		}
		mappings := make([]Mapping, len(f.Relator.Mappings))
		copy(mappings, f.Relator.Mappings)
		details = append(details, AssociationDetail{
			SourceType:   f.Relator.Collection,
			TargetType:   def.Name,
			TargetPath:   path.Target(),
			OriginalPath: path.Original(),
			Mappings:     mappings,
			Sync:         f.Relator.Sync,
		})
		return false
	}))
	return details
}

// IgnoreHistoryPaths returns the flat dot-paths excluded from history replay.
// Array item shapes add no segment.
func IgnoreHistoryPaths(def *Definition) []string {
	paths := make([]string, 0)
	Walk(def, VisitorFunc(func(path Path, f *Field) bool {
		target := path.Target()
		if f.IgnoreHistory.All && target != "" {
			paths = append(paths, target)
			return false
		}
		for _, name := range f.IgnoreHistory.Names {
			if target == "" {
				paths = append(paths, name)
			} else {
				paths = append(paths, target+"."+name)
			}
		}
		return true
	}))
	return paths
}

// Relator returns the relator field declared at originalPath.
func (d *Definition) Relator(originalPath string) (*Field, bool) {
	var found *Field
	Walk(d, VisitorFunc(func(path Path, f *Field) bool {
		if found != nil {
			return false
		}
		if f.Kind == KindRelator && path.Original() == originalPath {
			found = f
		}
		return f.Kind != KindRelator
	}))
	return found, found != nil
}

// RelatorFieldNames returns the declared property names of the relator object
// at originalPath.
func (d *Definition) RelatorFieldNames(originalPath string) []string {
	f, ok := d.Relator(originalPath)
	if !ok {
		return nil
	}
	return sortedNames(f.Properties)
}

// Detail returns the live declaration matching a stored detail's
// {targetPath, sourceType}.
func (d *Definition) Detail(targetPath, sourceType string) (AssociationDetail, bool) {
	for _, detail := range ExtractAssociationDetails(d) {
		if detail.TargetPath == targetPath && detail.SourceType == sourceType {
			return detail, true
		}
	}
	return AssociationDetail{}, false
}

func sortedNames(props map[string]*Field) []string {
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
