package terminology

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// Codes of the test graph.
//
//	404684003 Clinical finding
//	├── 64572001 Disease
//	│   ├── 73211009 Diabetes mellitus
//	│   │   └── 44054006 Type 2 diabetes mellitus
//	│   └── 22298006 Myocardial infarction
//	│       └── 57054005 Acute myocardial infarction
//	└── 418799008 Finding reported by subject
//	    └── 57054005 (second parent)
//	71388002 Procedure
//	└── 80146002 Appendectomy
//	900100 Cardiac finding panel
//	└── 900101..900125 Cardiac finding 01..25
const (
	codeClinicalFinding = "404684003"
	codeDisease         = "64572001"
	codeDiabetes        = "73211009"
	codeDiabetesType2   = "44054006"
	codeMI              = "22298006"
	codeAcuteMI         = "57054005"
	codeReported        = "418799008"
	codeProcedure       = "71388002"
	codeAppendectomy    = "80146002"
	codeInactive        = "190000003"
	codeNoTerms         = "190000004"
	codeCardiacPanel    = "900100"
	codeUnknown         = "999999999"

	loincHbA1c = "4548-4"
	loincGroup = "LP14542-8"
)

const usRefset = SnomedUSEnglishRefset

type fixtureBuilder struct {
	fx     Fixture
	nextID int
}

func (b *fixtureBuilder) id() string {
	b.nextID++
	return fmt.Sprintf("%d", 1000000+b.nextID)
}

func (b *fixtureBuilder) concept(id string, active bool) {
	b.fx.Concepts = append(b.fx.Concepts, Concept{ID: id, Active: active, EffectiveTime: "20240731", ModuleID: "900000000000207008"})
}

func (b *fixtureBuilder) desc(concept, typeID, lang, term string, active bool) string {
	id := b.id()
	b.fx.Descriptions = append(b.fx.Descriptions, Description{
		ID: id, ConceptID: concept, LanguageCode: lang, TypeID: typeID, Term: term, Active: active,
	})
	return id
}

func (b *fixtureBuilder) accept(descID, refset, acceptability string) {
	b.fx.Acceptability = append(b.fx.Acceptability, AcceptabilityMember{
		DescriptionID: descID, RefsetID: refset, AcceptabilityID: acceptability, Active: true,
	})
}

func (b *fixtureBuilder) rel(child, parent, typeID string, active bool) {
	b.fx.Relationships = append(b.fx.Relationships, Relationship{
		ID: b.id(), SourceID: child, DestinationID: parent, TypeID: typeID, Active: active,
	})
}

// named adds an active concept with a preferred FSN and a preferred synonym.
func (b *fixtureBuilder) named(id, synonym, fsn string, parents ...string) {
	b.concept(id, true)
	if fsn != "" {
		b.accept(b.desc(id, SnomedFSN, "en", fsn, true), usRefset, SnomedPreferred)
	}
	b.accept(b.desc(id, SnomedSynonym, "en", synonym, true), usRefset, SnomedPreferred)
	for _, p := range parents {
		b.rel(id, p, SnomedIsA, true)
	}
}

func snomedFixture() Fixture {
	b := &fixtureBuilder{}
	b.named(codeClinicalFinding, "Clinical finding", "Clinical finding (finding)")
	b.named(codeDisease, "Disease", "Disease (disorder)", codeClinicalFinding)
	b.named(codeDiabetes, "Diabetes mellitus", "Diabetes mellitus (disorder)", codeDisease)
	b.named(codeDiabetesType2, "Type 2 diabetes mellitus", "Type 2 diabetes mellitus (disorder)", codeDiabetes)
	b.named(codeMI, "Myocardial infarction", "Myocardial infarction (disorder)", codeDisease)
	b.accept(b.desc(codeMI, SnomedSynonym, "en", "Heart attack", true), usRefset, SnomedAcceptable)
	b.desc(codeMI, SnomedSynonym, "fr", "Infarctus du myocarde", true)
	b.desc(codeMI, SnomedSynonym, "en", "Cardiac infarction", false)
	b.named(codeReported, "Finding reported by subject", "Finding reported by subject or history provider (finding)", codeClinicalFinding)
	b.named(codeAcuteMI, "Acute myocardial infarction", "Acute myocardial infarction (disorder)", codeMI, codeReported)
	b.accept(b.desc(codeAcuteMI, SnomedSynonym, "en", "Acute heart attack syndrome", true), usRefset, SnomedAcceptable)

	b.named(codeProcedure, "Procedure", "Procedure (procedure)")
	b.named(codeAppendectomy, "Appendectomy", "Appendectomy (procedure)", codeProcedure)

	b.concept(codeInactive, false)
	b.desc(codeInactive, SnomedSynonym, "en", "Old finding", true)
	b.rel(codeInactive, codeClinicalFinding, SnomedIsA, false)

	b.concept(codeNoTerms, true)

	b.named(codeCardiacPanel, "Heart panel root", "")
	for i := 1; i <= 25; i++ {
		b.named(fmt.Sprintf("9001%02d", i), fmt.Sprintf("Cardiac finding %02d", i), "", codeCardiacPanel)
	}

	// self loop must not hang or leak into results
	b.rel(codeDiabetesType2, codeDiabetesType2, SnomedIsA, true)
	return b.fx
}

func loincFixture() Fixture {
	b := &fixtureBuilder{}
	for _, c := range []struct{ id, fsn, lcn string }{
		{loincGroup, "Hemoglobin A1c group", "Hemoglobin A1c measurements"},
		{loincHbA1c, "Hemoglobin A1c/Hemoglobin.total:MFr:Pt:Bld:Qn", "Hemoglobin A1c/Hemoglobin.total in Blood"},
	} {
		b.concept(c.id, true)
		b.desc(c.id, "fully-specified-name", "en", c.fsn, true)
		b.accept(b.desc(c.id, "synonym", "en", c.lcn, true), "long-common-name", "preferred")
	}
	b.rel(loincHbA1c, loincGroup, "parent", true)
	return b.fx
}

func newFixtureStores(t testing.TB) (*MemoryStore, *MemoryStore) {
	t.Helper()
	snomed := NewMemoryStore()
	snomed.Load(snomedFixture())
	loinc := NewMemoryStore()
	loinc.Load(loincFixture())
	return snomed, loinc
}

func testOptions() Options {
	o := DefaultOptions()
	o.StoreTimeout = time.Second
	o.RetryInterval = time.Millisecond
	o.StoreMaxRetries = 2
	return o
}

func newTestRegistry(t testing.TB, snomed, loinc Store) *Registry {
	t.Helper()
	stores := map[string]Store{SystemSNOMED: snomed}
	if loinc != nil {
		stores[SystemLOINC] = loinc
	}
	reg, err := NewRegistry(DefaultProfile(), stores)
	require.NoError(t, err)
	return reg
}

func newTestService(t testing.TB) *Service {
	t.Helper()
	return newTestServiceWith(t, testOptions(), nil)
}

func newTestServiceWith(t testing.TB, opts Options, cache ExpansionCache) *Service {
	t.Helper()
	snomed, loinc := newFixtureStores(t)
	return NewService(newTestRegistry(t, snomed, loinc), opts, cache, zerolog.Nop())
}

func newServiceOver(t testing.TB, snomed Store, opts Options) *Service {
	t.Helper()
	return NewService(newTestRegistry(t, snomed, nil), opts, nil, zerolog.Nop())
}

func snomedSystem(t testing.TB, svc *Service) *CodeSystem {
	t.Helper()
	cs, ok := svc.Registry().Get(SystemSNOMED)
	require.True(t, ok)
	return cs
}

func isA(system, root string) Compose {
	return Compose{Include: []ComposeClause{{
		System: system,
		Filter: []ComposeFilter{{Property: "concept", Op: FilterOpIsA, Value: root}},
	}}}
}

func codesOf(refs []ConceptRef) []string {
	out := make([]string, 0, len(refs))
	for _, r := range refs {
		out = append(out, r.Code)
	}
	return out
}

func itemCodes(items []ExpansionItem) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.Code)
	}
	return out
}

func intPtr(n int) *int { return &n }

var errConnReset = errors.New("connection reset by peer")

// flakyStore fails the first failures calls of every method, or every call
// when failures is negative. A non-empty only restricts failures to one
// method. It counts calls for cache assertions.
type flakyStore struct {
	Store
	failures int
	only     string

	mu    sync.Mutex
	seen  map[string]int
	calls atomic.Int64
}

func newFlakyStore(inner Store, failures int) *flakyStore {
	return &flakyStore{Store: inner, failures: failures, seen: make(map[string]int)}
}

func (f *flakyStore) fail(method string) error {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen[method]++
	if f.only != "" && f.only != method {
		return nil
	}
	if f.failures < 0 || f.seen[method] <= f.failures {
		return errConnReset
	}
	return nil
}

func (f *flakyStore) GetConcept(ctx context.Context, id string) (*Concept, error) {
	if err := f.fail("GetConcept"); err != nil {
		return nil, err
	}
	return f.Store.GetConcept(ctx, id)
}

func (f *flakyStore) SearchDescriptions(ctx context.Context, df DescriptionFilter, p Page) ([]*Description, string, error) {
	if err := f.fail("SearchDescriptions"); err != nil {
		return nil, "", err
	}
	return f.Store.SearchDescriptions(ctx, df, p)
}

func (f *flakyStore) SearchRelationships(ctx context.Context, rf RelationshipFilter, p Page) ([]*Relationship, string, error) {
	if err := f.fail("SearchRelationships"); err != nil {
		return nil, "", err
	}
	return f.Store.SearchRelationships(ctx, rf, p)
}

func (f *flakyStore) SearchAcceptability(ctx context.Context, af AcceptabilityFilter, p Page) ([]*AcceptabilityMember, string, error) {
	if err := f.fail("SearchAcceptability"); err != nil {
		return nil, "", err
	}
	return f.Store.SearchAcceptability(ctx, af, p)
}
