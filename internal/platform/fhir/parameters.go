package fhir

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
)

// Parameters is the FHIR Parameters resource used for operation input and
// output.
type Parameters struct {
	ResourceType string      `json:"resourceType"`
	Parameter    []Parameter `json:"parameter,omitempty"`
}

// Parameter is one named entry. At most one value[x], a resource or a list
// of parts is set.
type Parameter struct {
	Name           string          `json:"name"`
	ValueString    *string         `json:"valueString,omitempty"`
	ValueCode      *string         `json:"valueCode,omitempty"`
	ValueURI       *string         `json:"valueUri,omitempty"`
	ValueCanonical *string         `json:"valueCanonical,omitempty"`
	ValueDateTime  *string         `json:"valueDateTime,omitempty"`
	ValueBoolean   *bool           `json:"valueBoolean,omitempty"`
	ValueInteger   *int            `json:"valueInteger,omitempty"`
	ValueCoding    *Coding         `json:"valueCoding,omitempty"`
	Resource       json.RawMessage `json:"resource,omitempty"`
	Part           []Parameter     `json:"part,omitempty"`
	Extension      []Extension     `json:"extension,omitempty"`
}

// NewParameters returns an empty Parameters resource.
func NewParameters() *Parameters {
	return &Parameters{ResourceType: "Parameters"}
}

// DecodeParameters reads a Parameters resource from r.
func DecodeParameters(r io.Reader) (*Parameters, error) {
	var p Parameters
	if err := json.NewDecoder(r).Decode(&p); err != nil {
		return nil, fmt.Errorf("decode Parameters: %w", err)
	}
	if p.ResourceType != "Parameters" {
		return nil, fmt.Errorf("expected resourceType Parameters, got %q", p.ResourceType)
	}
	return &p, nil
}

// Get returns the first parameter named name.
func (p *Parameters) Get(name string) (*Parameter, bool) {
	for i := range p.Parameter {
		if p.Parameter[i].Name == name {
			return &p.Parameter[i], true
		}
	}
	return nil, false
}

// Lookup returns the primitive value of the first parameter named name, or
// "" when absent.
func (p *Parameters) Lookup(name string) string {
	if prm, ok := p.Get(name); ok {
		return prm.Primitive()
	}
	return ""
}

// Primitive renders the parameter's primitive value as a string. Codings
// yield their code.
func (prm *Parameter) Primitive() string {
	switch {
	case prm.ValueString != nil:
		return *prm.ValueString
	case prm.ValueCode != nil:
		return *prm.ValueCode
	case prm.ValueURI != nil:
		return *prm.ValueURI
	case prm.ValueCanonical != nil:
		return *prm.ValueCanonical
	case prm.ValueDateTime != nil:
		return *prm.ValueDateTime
	case prm.ValueBoolean != nil:
		return strconv.FormatBool(*prm.ValueBoolean)
	case prm.ValueInteger != nil:
		return strconv.Itoa(*prm.ValueInteger)
	case prm.ValueCoding != nil:
		return prm.ValueCoding.Code
	}
	return ""
}

// Add appends a prepared parameter.
func (p *Parameters) Add(prm Parameter) *Parameters {
	p.Parameter = append(p.Parameter, prm)
	return p
}

// AddString appends a valueString parameter; empty values are skipped.
func (p *Parameters) AddString(name, v string) *Parameters {
	if v == "" {
		return p
	}
	return p.Add(StringPart(name, v))
}

// AddCode appends a valueCode parameter; empty values are skipped.
func (p *Parameters) AddCode(name, v string) *Parameters {
	if v == "" {
		return p
	}
	return p.Add(CodePart(name, v))
}

// AddURI appends a valueUri parameter; empty values are skipped.
func (p *Parameters) AddURI(name, v string) *Parameters {
	if v == "" {
		return p
	}
	return p.Add(Parameter{Name: name, ValueURI: &v})
}

func (p *Parameters) AddBoolean(name string, v bool) *Parameters {
	return p.Add(Parameter{Name: name, ValueBoolean: &v})
}

func (p *Parameters) AddInteger(name string, v int) *Parameters {
	return p.Add(Parameter{Name: name, ValueInteger: &v})
}

func (p *Parameters) AddCoding(name string, c Coding) *Parameters {
	return p.Add(Parameter{Name: name, ValueCoding: &c})
}

// AddParts appends a parameter made of nested parts.
func (p *Parameters) AddParts(name string, parts ...Parameter) *Parameters {
	return p.Add(Parameter{Name: name, Part: parts})
}

func StringPart(name, v string) Parameter { return Parameter{Name: name, ValueString: &v} }

func CodePart(name, v string) Parameter { return Parameter{Name: name, ValueCode: &v} }

func CodingPart(name string, c Coding) Parameter { return Parameter{Name: name, ValueCoding: &c} }

func BooleanPart(name string, v bool) Parameter { return Parameter{Name: name, ValueBoolean: &v} }
