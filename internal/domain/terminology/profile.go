package terminology

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"
)

//go:embed default_profile.yaml
var defaultProfileYAML []byte

// CodeSystemProfile carries the identifiers the engine needs to interpret one
// code system's store: relationship and description type ids, acceptability
// values and the dialect to reference set mapping.
type CodeSystemProfile struct {
	URL                string            `yaml:"url"`
	Name               string            `yaml:"name"`
	Version            string            `yaml:"version"`
	Copyright          string            `yaml:"copyright"`
	DefaultLanguage    string            `yaml:"defaultLanguage"`
	IsATypeID          string            `yaml:"isATypeId"`
	FSNTypeID          string            `yaml:"fsnTypeId"`
	SynonymTypeID      string            `yaml:"synonymTypeId"`
	PreferredID        string            `yaml:"preferredId"`
	AcceptableID       string            `yaml:"acceptableId"`
	DefaultRefset      string            `yaml:"defaultRefset"`
	Dialects           map[string]string `yaml:"dialects"`
	DesignationRefsets []string          `yaml:"designationRefsets"`
	Schema             string            `yaml:"schema"`
}

// NamedValueSet is a ValueSet resolvable by canonical url.
type NamedValueSet struct {
	URL     string  `yaml:"url"`
	Name    string  `yaml:"name"`
	Compose Compose `yaml:"compose"`
}

// Profile is the engine's static configuration data.
type Profile struct {
	CodeSystems []CodeSystemProfile `yaml:"codeSystems"`
	ValueSets   []NamedValueSet     `yaml:"valueSets"`
}

// DefaultProfile returns the compiled-in profile for SNOMED CT and LOINC.
func DefaultProfile() *Profile {
	p, err := ParseProfile(defaultProfileYAML)
	if err != nil {
		panic(fmt.Sprintf("default terminology profile: %v", err))
	}
	return p
}

// LoadProfile reads a profile file. An empty path yields the default profile.
func LoadProfile(path string) (*Profile, error) {
	if path == "" {
		return DefaultProfile(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read terminology profile: %w", err)
	}
	return ParseProfile(data)
}

// ParseProfile decodes and validates a YAML profile.
func ParseProfile(data []byte) (*Profile, error) {
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse terminology profile: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks that every code system names the identifiers the engine
// relies on.
func (p *Profile) Validate() error {
	if len(p.CodeSystems) == 0 {
		return fmt.Errorf("terminology profile: no code systems")
	}
	seen := make(map[string]bool)
	for i := range p.CodeSystems {
		cs := &p.CodeSystems[i]
		if cs.URL == "" {
			return fmt.Errorf("terminology profile: code system %d has no url", i)
		}
		if seen[cs.URL] {
			return fmt.Errorf("terminology profile: duplicate code system %s", cs.URL)
		}
		seen[cs.URL] = true
		if cs.IsATypeID == "" || cs.FSNTypeID == "" || cs.SynonymTypeID == "" || cs.PreferredID == "" {
			return fmt.Errorf("terminology profile: %s must set isATypeId, fsnTypeId, synonymTypeId and preferredId", cs.URL)
		}
		if cs.DefaultLanguage == "" {
			cs.DefaultLanguage = "en"
		}
		if cs.Schema == "" {
			cs.Schema = schemaName(cs.Name)
		}
		normalized := make(map[string]string, len(cs.Dialects))
		for tag, refset := range cs.Dialects {
			normalized[strings.ToLower(tag)] = refset
		}
		cs.Dialects = normalized
	}
	for _, vs := range p.ValueSets {
		if vs.URL == "" {
			return fmt.Errorf("terminology profile: named value set without url")
		}
	}
	return nil
}

// schemaName derives a Postgres schema name from a code system name.
func schemaName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case b.Len() > 0:
			b.WriteByte('_')
		}
	}
	return strings.Trim(b.String(), "_")
}

// ValueSet returns the named ValueSet registered under url.
func (p *Profile) ValueSet(url string) (*NamedValueSet, bool) {
	for i := range p.ValueSets {
		if p.ValueSets[i].URL == url {
			return &p.ValueSets[i], true
		}
	}
	return nil, false
}

// displayLanguage is a parsed request language: Base selects descriptions and
// Tag selects the acceptability reference set.
type displayLanguage struct {
	Tag  string
	Base string
}

// parseDisplayLanguage accepts a single tag or an Accept-Language style list
// and keeps the highest weighted entry.
func parseDisplayLanguage(raw, fallback string) displayLanguage {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		raw = fallback
	}
	tags, _, err := language.ParseAcceptLanguage(raw)
	if err != nil || len(tags) == 0 {
		tags = []language.Tag{language.Make(fallback)}
	}
	tag := tags[0]
	base, _ := tag.Base()
	return displayLanguage{Tag: strings.ToLower(tag.String()), Base: base.String()}
}

// refsetFor returns the acceptability reference set for a dialect, trying the
// full tag, then the base language, then the profile default.
func (cs *CodeSystemProfile) refsetFor(lang displayLanguage) string {
	if r, ok := cs.Dialects[lang.Tag]; ok {
		return r
	}
	if r, ok := cs.Dialects[lang.Base]; ok {
		return r
	}
	return cs.DefaultRefset
}
