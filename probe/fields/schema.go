// Package fields declares the named, ordered attribute sets carried by probing
// samples, materialized columns and batches.
//
// A Schema is built once per dataset variant from a static field list and
// alias table. Construction validates the table so that every alias resolves
// to exactly one canonical field; lookups afterwards are plain map reads.
package fields

import (
	"errors"
	"fmt"
	"sort"
)

// ErrSchema is the sentinel matched by every SchemaError.
var ErrSchema = errors.New("schema error")

// SchemaError reports an unknown field name or an invalid schema declaration.
type SchemaError struct {
	Schema string
	Name   string
	Reason string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("%s: field %q: %s", e.Schema, e.Name, e.Reason)
}

func (e *SchemaError) Unwrap() error { return ErrSchema }

// Spec is the static declaration a Schema is built from.
type Spec struct {
	Name           string
	Fields         []string
	Aliases        map[string]string // alias -> canonical field
	NeedsVocab     []string
	NeedsPadding   []string
	NeedsConstants []string
}

// Schema is a validated field table.
type Schema struct {
	name      string
	fields    []string
	position  map[string]int // canonical names and aliases
	aliases   map[string]string
	vocab     map[string]bool
	padding   map[string]bool
	constants map[string]bool
}

// NewSchema validates spec and builds its lookup table.
func NewSchema(spec Spec) (*Schema, error) {
	s := &Schema{
		name:      spec.Name,
		fields:    append([]string(nil), spec.Fields...),
		position:  make(map[string]int, len(spec.Fields)+len(spec.Aliases)),
		aliases:   make(map[string]string, len(spec.Aliases)),
		vocab:     make(map[string]bool),
		padding:   make(map[string]bool),
		constants: make(map[string]bool),
	}
	for i, f := range spec.Fields {
		if _, dup := s.position[f]; dup {
			return nil, &SchemaError{Schema: spec.Name, Name: f, Reason: "declared twice"}
		}
		s.position[f] = i
	}

	// sorted for deterministic error reporting
	names := make([]string, 0, len(spec.Aliases))
	for alias := range spec.Aliases {
		names = append(names, alias)
	}
	sort.Strings(names)
	for _, alias := range names {
		target := spec.Aliases[alias]
		if _, clash := s.position[alias]; clash {
			return nil, &SchemaError{Schema: spec.Name, Name: alias, Reason: "alias shadows a field"}
		}
		pos, ok := s.position[target]
		if !ok {
			return nil, &SchemaError{Schema: spec.Name, Name: alias, Reason: fmt.Sprintf("alias of unknown field %q", target)}
		}
		s.aliases[alias] = target
		s.position[alias] = pos
	}

	for _, set := range []struct {
		names []string
		dst   map[string]bool
	}{
		{spec.NeedsVocab, s.vocab},
		{spec.NeedsPadding, s.padding},
		{spec.NeedsConstants, s.constants},
	} {
		for _, n := range set.names {
			canonical, err := s.Resolve(n)
			if err != nil {
				return nil, err
			}
			set.dst[canonical] = true
		}
	}
	return s, nil
}

// MustSchema is NewSchema for package-level declarations.
func MustSchema(spec Spec) *Schema {
	s, err := NewSchema(spec)
	if err != nil {
		panic(err)
	}
	return s
}

// Name returns the schema name.
func (s *Schema) Name() string { return s.name }

// Fields returns the canonical field names in declaration order.
func (s *Schema) Fields() []string { return append([]string(nil), s.fields...) }

// Resolve maps a canonical name or alias to the canonical field name.
func (s *Schema) Resolve(name string) (string, error) {
	pos, ok := s.position[name]
	if !ok {
		return "", &SchemaError{Schema: s.name, Name: name, Reason: "unknown field"}
	}
	return s.fields[pos], nil
}

// Has reports whether name is a canonical field or an alias.
func (s *Schema) Has(name string) bool {
	_, ok := s.position[name]
	return ok
}

func (s *Schema) NeedsVocab(field string) bool     { return s.vocab[s.canonical(field)] }
func (s *Schema) NeedsPadding(field string) bool   { return s.padding[s.canonical(field)] }
func (s *Schema) NeedsConstants(field string) bool { return s.constants[s.canonical(field)] }

// VocabFields returns the fields needing a vocabulary, in declaration order.
func (s *Schema) VocabFields() []string { return s.filter(s.vocab) }

// PaddingFields returns the fields padded when batched, in declaration order.
func (s *Schema) PaddingFields() []string { return s.filter(s.padding) }

func (s *Schema) filter(set map[string]bool) []string {
	var out []string
	for _, f := range s.fields {
		if set[f] {
			out = append(out, f)
		}
	}
	return out
}

func (s *Schema) canonical(name string) string {
	if c, ok := s.aliases[name]; ok {
		return c
	}
	return name
}
