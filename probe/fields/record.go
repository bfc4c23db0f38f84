package fields

import "fmt"

// Column types held by materialized records. Each is sliceable by Record.Slice.
type (
	IntColumn  []int
	SeqColumn  [][]int
	VecColumn  [][]float64
	TextColumn []string
)

// Record holds one value per canonical field of its schema. It serves both
// as a raw sample (scalar values) and as a materialized source or batch
// (column values).
type Record struct {
	schema *Schema
	values []any
}

// New builds a record from keyword-named values. Names may be canonical or
// aliases; an unknown name fails with a SchemaError.
func (s *Schema) New(values map[string]any) (*Record, error) {
	r := s.Empty()
	for name, v := range values {
		if err := r.Set(name, v); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Empty returns a record with every field unset.
func (s *Schema) Empty() *Record {
	return &Record{schema: s, values: make([]any, len(s.fields))}
}

func (r *Record) Schema() *Schema { return r.schema }

// Get returns the value stored under a canonical name or alias.
func (r *Record) Get(name string) (any, error) {
	pos, ok := r.schema.position[name]
	if !ok {
		return nil, &SchemaError{Schema: r.schema.name, Name: name, Reason: "unknown field"}
	}
	return r.values[pos], nil
}

// Set stores v under a canonical name or alias.
func (r *Record) Set(name string, v any) error {
	pos, ok := r.schema.position[name]
	if !ok {
		return &SchemaError{Schema: r.schema.name, Name: name, Reason: "unknown field"}
	}
	r.values[pos] = v
	return nil
}

// MustGet is Get for names fixed at compile time.
func (r *Record) MustGet(name string) any {
	v, err := r.Get(name)
	if err != nil {
		panic(err)
	}
	return v
}

// MustSet is Set for names fixed at compile time.
func (r *Record) MustSet(name string, v any) {
	if err := r.Set(name, v); err != nil {
		panic(err)
	}
}

func (r *Record) Str(name string) string {
	s, _ := r.MustGet(name).(string)
	return s
}

func (r *Record) Int(name string) int {
	n, _ := r.MustGet(name).(int)
	return n
}

func (r *Record) Strings(name string) []string {
	s, _ := r.MustGet(name).([]string)
	return s
}

func (r *Record) Ints(name string) []int {
	s, _ := r.MustGet(name).([]int)
	return s
}

// Has reports whether the field holds a non-nil value.
func (r *Record) Has(name string) bool {
	v, err := r.Get(name)
	return err == nil && v != nil
}

// Slice returns a record whose column values are restricted to [start, end).
// Scalar values are carried over unchanged.
func (r *Record) Slice(start, end int) *Record {
	out := r.schema.Empty()
	for i, v := range r.values {
		switch col := v.(type) {
		case IntColumn:
			out.values[i] = col[start:end]
		case SeqColumn:
			out.values[i] = col[start:end]
		case VecColumn:
			out.values[i] = col[start:end]
		case TextColumn:
			out.values[i] = col[start:end]
		default:
			out.values[i] = v
		}
	}
	return out
}

// Len returns the length of the first column found, or 0.
func (r *Record) Len() int {
	for _, v := range r.values {
		switch col := v.(type) {
		case IntColumn:
			return len(col)
		case SeqColumn:
			return len(col)
		case VecColumn:
			return len(col)
		case TextColumn:
			return len(col)
		}
	}
	return 0
}

func (r *Record) String() string {
	return fmt.Sprintf("%s%v", r.schema.name, r.values)
}
