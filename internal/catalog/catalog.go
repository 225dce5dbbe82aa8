// Package catalog holds the static registry of operation kinds and their
// field schemas.
package catalog

import (
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"zela-agent/internal/domain"
)

//go:embed catalog.yaml
var defaultCatalog []byte

// FieldType is the runtime type a field value must have.
type FieldType string

const (
	TypeString  FieldType = "string"
	TypeNumber  FieldType = "number"
	TypeBoolean FieldType = "boolean"
)

// FieldSpec constrains the value of one field.
type FieldSpec struct {
	Type FieldType `yaml:"type"`
	Enum []string  `yaml:"enum"`
}

// FieldSchema lists the required fields and the type constraints of every
// known field, required or optional.
type FieldSchema struct {
	Required   []string             `yaml:"required"`
	Properties map[string]FieldSpec `yaml:"properties"`
}

// ServiceDefinition describes one recognised operation kind.
type ServiceDefinition struct {
	ID          domain.ServiceID `yaml:"id"`
	Name        string           `yaml:"name"`
	Description string           `yaml:"description"`
	Keywords    []string         `yaml:"keywords"`
	Examples    []string         `yaml:"examples"`
	Fields      FieldSchema      `yaml:"fields"`
}

// Catalog is an immutable ordered collection of service definitions.
type Catalog struct {
	services []ServiceDefinition
	byID     map[domain.ServiceID]int
}

type catalogFile struct {
	Services []ServiceDefinition `yaml:"services"`
}

// Default returns the catalog embedded in the binary.
func Default() (*Catalog, error) {
	return Parse(defaultCatalog)
}

// Parse builds a catalog from its YAML definition. Every service id must be
// part of the closed domain.ServiceIDs set and appear once.
func Parse(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("catalog: decode: %w", err)
	}
	return New(f.Services)
}

// New builds a catalog from definitions in order.
func New(services []ServiceDefinition) (*Catalog, error) {
	if len(services) == 0 {
		return nil, errors.New("catalog: no services defined")
	}
	c := &Catalog{
		services: make([]ServiceDefinition, 0, len(services)),
		byID:     make(map[domain.ServiceID]int, len(services)),
	}
	for _, svc := range services {
		if !svc.ID.Known() {
			return nil, fmt.Errorf("catalog: unknown service id %q", svc.ID)
		}
		if _, dup := c.byID[svc.ID]; dup {
			return nil, fmt.Errorf("catalog: duplicate service id %q", svc.ID)
		}
		for _, name := range svc.Fields.Required {
			if _, ok := svc.Fields.Properties[name]; !ok {
				return nil, fmt.Errorf("catalog: %s.%s: required field has no type", svc.ID, name)
			}
		}
		for name, spec := range svc.Fields.Properties {
			switch spec.Type {
			case TypeString, TypeNumber, TypeBoolean:
			default:
				return nil, fmt.Errorf("catalog: %s.%s: unsupported type %q", svc.ID, name, spec.Type)
			}
		}
		c.byID[svc.ID] = len(c.services)
		c.services = append(c.services, svc)
	}
	return c, nil
}

// Lookup returns the definition registered under id.
func (c *Catalog) Lookup(id domain.ServiceID) (ServiceDefinition, bool) {
	i, ok := c.byID[id]
	if !ok {
		return ServiceDefinition{}, false
	}
	return c.services[i], true
}

// At returns the definition at position i of the ordered catalog.
func (c *Catalog) At(i int) (ServiceDefinition, bool) {
	if i < 0 || i >= len(c.services) {
		return ServiceDefinition{}, false
	}
	return c.services[i], true
}

// Services returns the definitions in catalog order.
func (c *Catalog) Services() []ServiceDefinition {
	out := make([]ServiceDefinition, len(c.services))
	copy(out, c.services)
	return out
}

// Describe renders the definition for inclusion in a classification prompt.
func (d ServiceDefinition) Describe(index int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d) %s (%s): %s\n", index, d.Name, d.ID, d.Description)
	if len(d.Fields.Required) > 0 {
		fmt.Fprintf(&b, "   required: %s\n", strings.Join(d.Fields.Required, ", "))
	}
	if len(d.Fields.Properties) > 0 {
		names := make([]string, 0, len(d.Fields.Properties))
		for name := range d.Fields.Properties {
			names = append(names, name)
		}
		sort.Strings(names)
		parts := make([]string, 0, len(names))
		for _, name := range names {
			spec := d.Fields.Properties[name]
			part := name + ":" + string(spec.Type)
			if len(spec.Enum) > 0 {
				part += "[" + strings.Join(spec.Enum, "|") + "]"
			}
			parts = append(parts, part)
		}
		fmt.Fprintf(&b, "   fields: %s\n", strings.Join(parts, ", "))
	}
	for _, ex := range d.Examples {
		fmt.Fprintf(&b, "   e.g. %q\n", ex)
	}
	return b.String()
}
