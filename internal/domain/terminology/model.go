package terminology

import "time"

const (
	SystemSNOMED = "http://snomed.info/sct"
	SystemLOINC  = "http://loinc.org"
)

// Well-known SNOMED CT identifiers used by the default profile.
const (
	SnomedIsA             = "116680003"
	SnomedFSN             = "900000000000003001"
	SnomedSynonym         = "900000000000013009"
	SnomedPreferred       = "900000000000548007"
	SnomedAcceptable      = "900000000000549004"
	SnomedUSEnglishRefset = "900000000000509007"
	SnomedGBEnglishRefset = "900000000000508004"
)

// Compose filter operators.
const (
	FilterOpIsA          = "is-a"
	FilterOpDescendentOf = "descendent-of"
	FilterOpEqual        = "="
	FilterOpIn           = "in"
)

// Subsumption outcomes for CodeSystem/$subsumes.
const (
	SubsumesEquivalent  = "equivalent"
	SubsumesSubsumes    = "subsumes"
	SubsumesSubsumedBy  = "subsumed-by"
	SubsumesNotSubsumed = "not-subsumed"
)

// Concept is a code system concept as held by the store.
type Concept struct {
	ID            string `json:"id"`
	Active        bool   `json:"active"`
	EffectiveTime string `json:"effectiveTime,omitempty"`
	ModuleID      string `json:"moduleId,omitempty"`
}

// Description is a term attached to exactly one concept.
type Description struct {
	ID           string `json:"id"`
	ConceptID    string `json:"conceptId"`
	LanguageCode string `json:"languageCode"`
	TypeID       string `json:"typeId"`
	Term         string `json:"term"`
	Active       bool   `json:"active"`

	// Score is the store's relevance for text queries; zero otherwise.
	Score float64 `json:"-"`
}

// Relationship is a directed edge. For IS-A, source is the child and
// destination the parent.
type Relationship struct {
	ID            string `json:"id"`
	SourceID      string `json:"sourceId"`
	DestinationID string `json:"destinationId"`
	TypeID        string `json:"typeId"`
	Active        bool   `json:"active"`
}

// AcceptabilityMember marks a description Preferred or Acceptable in a
// language reference set.
type AcceptabilityMember struct {
	DescriptionID   string `json:"descriptionId"`
	RefsetID        string `json:"refsetId"`
	AcceptabilityID string `json:"acceptabilityId"`
	Active          bool   `json:"active"`
}

// ConceptRef identifies a member of an expansion.
type ConceptRef struct {
	System string `json:"system"`
	Code   string `json:"code"`
}

// Compose is a ValueSet compose definition.
type Compose struct {
	Include []ComposeClause `json:"include,omitempty" yaml:"include,omitempty" validate:"dive"`
	Exclude []ComposeClause `json:"exclude,omitempty" yaml:"exclude,omitempty" validate:"dive"`
}

type ComposeClause struct {
	System  string           `json:"system,omitempty" yaml:"system,omitempty"`
	Version string           `json:"version,omitempty" yaml:"version,omitempty"`
	Concept []ComposeConcept `json:"concept,omitempty" yaml:"concept,omitempty" validate:"dive"`
	Filter  []ComposeFilter  `json:"filter,omitempty" yaml:"filter,omitempty" validate:"dive"`
}

type ComposeConcept struct {
	Code    string `json:"code" yaml:"code" validate:"required"`
	Display string `json:"display,omitempty" yaml:"display,omitempty"`
}

type ComposeFilter struct {
	Property string `json:"property" yaml:"property" validate:"required"`
	Op       string `json:"op" yaml:"op" validate:"required"`
	Value    string `json:"value" yaml:"value" validate:"required"`
}

// UseContext records the acceptability of a designation in one dialect.
type UseContext struct {
	RefsetID string `json:"refsetId"`
	Role     string `json:"role"`
}

// Designation roles.
const (
	RolePreferred  = "PREFERRED"
	RoleAcceptable = "ACCEPTABLE"
)

// Designation is one way of naming a concept.
type Designation struct {
	Language   string       `json:"language"`
	UseCode    string       `json:"useCode,omitempty"`
	UseDisplay string       `json:"useDisplay,omitempty"`
	Value      string       `json:"value"`
	Contexts   []UseContext `json:"contexts,omitempty"`
}

// ResolvedTerm is the display chosen for a concept.
type ResolvedTerm struct {
	Text          string
	DescriptionID string
	TypeID        string
	UsedFallback  bool
}

// LookupRequest is a CodeSystem/$lookup request.
type LookupRequest struct {
	System          string `json:"system" validate:"required"`
	Code            string `json:"code" validate:"required"`
	Version         string `json:"version,omitempty"`
	DisplayLanguage string `json:"displayLanguage,omitempty"`
}

// LookupResult is the detail record returned by Lookup.
type LookupResult struct {
	System        string        `json:"system"`
	Name          string        `json:"name"`
	Version       string        `json:"version,omitempty"`
	Code          string        `json:"code"`
	Display       string        `json:"display"`
	Active        bool          `json:"active"`
	EffectiveTime string        `json:"effectiveTime,omitempty"`
	ModuleID      string        `json:"moduleId,omitempty"`
	Designations  []Designation `json:"designations,omitempty"`
	Parents       []string      `json:"parents,omitempty"`
	Children      []string      `json:"children,omitempty"`
}

// ValidateRequest is a $validate-code request. Compose or URL selects the
// ValueSet; with neither, only the code system is consulted.
type ValidateRequest struct {
	Code            string   `json:"code" validate:"required"`
	System          string   `json:"system,omitempty"`
	Display         string   `json:"display,omitempty"`
	URL             string   `json:"url,omitempty"`
	Compose         *Compose `json:"compose,omitempty"`
	DisplayLanguage string   `json:"displayLanguage,omitempty"`
}

// ValidateResult reports the outcome of ValidateCode. A false Valid is a
// normal result, not an error.
type ValidateResult struct {
	Valid   bool   `json:"result"`
	System  string `json:"system,omitempty"`
	Code    string `json:"code"`
	Display string `json:"display,omitempty"`
	Message string `json:"message,omitempty"`
	Version string `json:"version,omitempty"`
}

// ExpandRequest is a ValueSet/$expand request.
type ExpandRequest struct {
	URL                 string   `json:"url,omitempty"`
	Compose             *Compose `json:"compose,omitempty" validate:"required_without=URL"`
	Filter              string   `json:"filter,omitempty"`
	DisplayLanguage     string   `json:"displayLanguage,omitempty"`
	Count               *int     `json:"count,omitempty" validate:"omitempty,min=0"`
	Offset              int      `json:"offset,omitempty" validate:"min=0"`
	IncludeDesignations bool     `json:"includeDesignations,omitempty"`
}

// ExpansionItem is one entry of an expansion page.
type ExpansionItem struct {
	System       string        `json:"system"`
	Code         string        `json:"code"`
	Display      string        `json:"display"`
	Designations []Designation `json:"designations,omitempty"`
}

// UsedCodeSystem names a code system version that contributed to an expansion.
type UsedCodeSystem struct {
	System  string `json:"system"`
	Version string `json:"version"`
}

// Expansion is a paginated ValueSet expansion.
type Expansion struct {
	ID              string           `json:"id"`
	URL             string           `json:"url,omitempty"`
	Timestamp       time.Time        `json:"timestamp"`
	Total           int              `json:"total"`
	Offset          int              `json:"offset"`
	Count           int              `json:"count"`
	DisplayLanguage string           `json:"displayLanguage"`
	Filter          string           `json:"filter,omitempty"`
	UsedSystems     []UsedCodeSystem `json:"usedSystems,omitempty"`
	Copyright       string           `json:"copyright,omitempty"`
	Contains        []ExpansionItem  `json:"contains"`
	Warnings        []string         `json:"warnings,omitempty"`
}

// SubsumesRequest is a CodeSystem/$subsumes request.
type SubsumesRequest struct {
	System string `json:"system" validate:"required"`
	CodeA  string `json:"codeA" validate:"required"`
	CodeB  string `json:"codeB" validate:"required"`
}

// SubsumesResult is the outcome of a subsumption test.
type SubsumesResult struct {
	System  string `json:"system"`
	CodeA   string `json:"codeA"`
	CodeB   string `json:"codeB"`
	Outcome string `json:"outcome"`
}
