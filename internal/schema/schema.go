// =============================================================================
// Usage Reconciler - Column Schema Resolution
// =============================================================================
//
// Input files come from several upstream exports whose header spellings drift
// ("Acct #", "AccountID", "Account Number"...). Instead of guessing column
// names at every lookup site, each consumer declares the logical fields it
// needs together with an ordered list of candidate spellings:
//
//   specs := []schema.FieldSpec{
//       {Field: "account", Candidates: []string{"acct#", "account id"}},
//       {Field: "quantity", Candidates: []string{"units"}, Required: true},
//   }
//
// Resolve runs once per table and produces a Schema: an explicit, inspectable
// map from logical field to the actual header in the file.
//
// MATCHING RULES:
//   - Headers and candidates are compared with normalize.Name, so case,
//     spaces and punctuation are ignored.
//   - Candidates are tried in order; the first one present wins.
//   - When two headers normalize to the same key, the leftmost header wins.
//   - A missing optional field is not an error; the lookup path is simply
//     unavailable. A missing Required field is reported by Missing().
//
// =============================================================================

package schema

import (
	"sort"
	"strings"

	"github.com/ginjaninja78/usage-reconciler/internal/normalize"
)

// FieldSpec declares one logical field and the header spellings that may
// carry it.
type FieldSpec struct {
	Field      string   `yaml:"field" json:"field"`
	Candidates []string `yaml:"candidates" json:"candidates"`
	Required   bool     `yaml:"required" json:"required"`
}

// Schema is the resolved mapping from logical field to actual header.
type Schema struct {
	columns  map[string]string
	required map[string]bool
	order    []string
}

// Resolve matches specs against headers.
func Resolve(headers []string, specs []FieldSpec) Schema {
	index := make(map[string]string, len(headers))
	for _, h := range headers {
		key := normalize.Name(h)
		if key == "" {
			continue
		}
		if _, seen := index[key]; !seen {
			index[key] = h
		}
	}

	s := Schema{
		columns:  make(map[string]string, len(specs)),
		required: make(map[string]bool, len(specs)),
		order:    make([]string, 0, len(specs)),
	}
	for _, spec := range specs {
		s.order = append(s.order, spec.Field)
		if spec.Required {
			s.required[spec.Field] = true
		}
		for _, candidate := range spec.Candidates {
			if header, ok := index[normalize.Name(candidate)]; ok {
				s.columns[spec.Field] = header
				break
			}
		}
	}
	return s
}

// Column returns the header resolved for field.
func (s Schema) Column(field string) (string, bool) {
	h, ok := s.columns[field]
	return h, ok
}

// Has reports whether field was resolved.
func (s Schema) Has(field string) bool {
	_, ok := s.columns[field]
	return ok
}

// Value reads field out of row, returning "" when the field is unresolved.
func (s Schema) Value(row map[string]string, field string) string {
	h, ok := s.columns[field]
	if !ok {
		return ""
	}
	return strings.TrimSpace(row[h])
}

// Missing lists the required fields that could not be resolved, in
// declaration order.
func (s Schema) Missing() []string {
	var missing []string
	for _, field := range s.order {
		if s.required[field] && !s.Has(field) {
			missing = append(missing, field)
		}
	}
	return missing
}

// Columns returns a copy of the resolved mapping.
func (s Schema) Columns() map[string]string {
	out := make(map[string]string, len(s.columns))
	for k, v := range s.columns {
		out[k] = v
	}
	return out
}

// String renders the mapping as "field=header" pairs sorted by field, for
// log output.
func (s Schema) String() string {
	fields := make([]string, 0, len(s.columns))
	for f := range s.columns {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		parts = append(parts, f+"="+s.columns[f])
	}
	return strings.Join(parts, ", ")
}

// Override replaces the candidate list of every spec whose field appears in
// overrides. Fields absent from overrides keep their defaults.
func Override(specs []FieldSpec, overrides map[string][]string) []FieldSpec {
	out := make([]FieldSpec, len(specs))
	for i, spec := range specs {
		if alt, ok := overrides[spec.Field]; ok && len(alt) > 0 {
			spec.Candidates = append([]string(nil), alt...)
		}
		out[i] = spec
	}
	return out
}
