package catalog

import (
	"fmt"
	"slices"
	"strings"

	"zela-agent/internal/domain"
)

// Result is the outcome of validating extracted fields.
type Result struct {
	Valid  bool
	Errors []string
}

// ValidationError reports every schema violation found for a decision.
type ValidationError struct {
	ServiceID domain.ServiceID
	Errors    []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("catalog: %s: invalid fields: %s", e.ServiceID, strings.Join(e.Errors, "; "))
}

// Validate checks fields against the schema of id. Violations are collected
// in order: missing required fields, type mismatches, enum mismatches.
func (c *Catalog) Validate(id domain.ServiceID, fields map[string]any) Result {
	def, ok := c.Lookup(id)
	if !ok {
		return Result{Errors: []string{fmt.Sprintf("unknown service %q", id)}}
	}

	var errs []string
	for _, name := range def.Fields.Required {
		if v, present := fields[name]; !present || v == nil {
			errs = append(errs, fmt.Sprintf("%s: required field missing", name))
		}
	}

	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		spec, ok := def.Fields.Properties[name]
		if !ok || fields[name] == nil {
			continue
		}
		if got := typeOf(fields[name]); got != spec.Type {
			errs = append(errs, fmt.Sprintf("%s: expected %s, got %s", name, spec.Type, got))
		}
	}
	for _, name := range names {
		spec, ok := def.Fields.Properties[name]
		if !ok || len(spec.Enum) == 0 {
			continue
		}
		s, isString := fields[name].(string)
		if isString && !slices.Contains(spec.Enum, s) {
			errs = append(errs, fmt.Sprintf("%s: %v is not one of [%s]", name, fields[name], strings.Join(spec.Enum, ", ")))
		}
	}

	return Result{Valid: len(errs) == 0, Errors: errs}
}

// Err converts a failed result into a *ValidationError.
func (r Result) Err(id domain.ServiceID) error {
	if r.Valid {
		return nil
	}
	return &ValidationError{ServiceID: id, Errors: r.Errors}
}

func typeOf(v any) FieldType {
	switch v.(type) {
	case string:
		return TypeString
	case float64, float32, int, int32, int64, uint, uint32, uint64:
		return TypeNumber
	case bool:
		return TypeBoolean
	default:
		return FieldType(fmt.Sprintf("%T", v))
	}
}
