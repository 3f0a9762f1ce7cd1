package terminology

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/termserver/internal/platform/graph"
)

func TestCursorRoundTrip(t *testing.T) {
	for _, n := range []int{0, 1, 999, 1000000} {
		got, err := decodeCursor(encodeCursor(n))
		require.NoError(t, err)
		assert.Equal(t, n, got)
	}
	got, err := decodeCursor("")
	require.NoError(t, err)
	assert.Zero(t, got)

	for _, bad := range []string{"o", "x10", "o-1", "oabc", "10"} {
		_, err := decodeCursor(bad)
		assert.Error(t, err, bad)
	}
}

func TestPageOf(t *testing.T) {
	items := []int{1, 2, 3, 4, 5}

	page, next, err := pageOf(items, Page{Size: 2})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, page)
	assert.Equal(t, "o2", next)

	page, next, err = pageOf(items, Page{Cursor: next, Size: 2})
	require.NoError(t, err)
	assert.Equal(t, []int{3, 4}, page)

	page, next, err = pageOf(items, Page{Cursor: next, Size: 2})
	require.NoError(t, err)
	assert.Equal(t, []int{5}, page)
	assert.Empty(t, next)

	page, next, err = pageOf(items, Page{Cursor: "o10", Size: 2})
	require.NoError(t, err)
	assert.Empty(t, page)
	assert.Empty(t, next)
}

func TestMemoryStore_GetConcept(t *testing.T) {
	st, _ := newFixtureStores(t)
	c, err := st.GetConcept(context.Background(), codeDiabetes)
	require.NoError(t, err)
	assert.True(t, c.Active)

	_, err = st.GetConcept(context.Background(), codeUnknown)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_SearchDescriptionsPages(t *testing.T) {
	st, _ := newFixtureStores(t)
	ctx := context.Background()
	f := DescriptionFilter{ConceptIDs: []string{codeMI}, Active: activeOnly}

	var all []*Description
	cursor := ""
	pages := 0
	for {
		page, next, err := st.SearchDescriptions(ctx, f, Page{Cursor: cursor, Size: 1})
		require.NoError(t, err)
		all = append(all, page...)
		pages++
		if next == "" {
			break
		}
		cursor = next
	}
	assert.Len(t, all, 4)
	assert.Equal(t, 4, pages)
	for i := 1; i < len(all); i++ {
		assert.True(t, idLess(all[i-1].ID, all[i].ID))
	}
}

func TestMemoryStore_TextQueryOrdering(t *testing.T) {
	st, _ := newFixtureStores(t)
	page, _, err := st.SearchDescriptions(context.Background(), DescriptionFilter{
		ConceptIDs: []string{codeMI, codeAcuteMI},
		Active:     activeOnly,
		TextQuery:  "heart attack",
	}, Page{})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "Heart attack", page[0].Term)
	assert.Equal(t, float64(15), page[0].Score)
	assert.Equal(t, "Acute heart attack syndrome", page[1].Term)
	assert.Equal(t, float64(10), page[1].Score)
}

func TestMemoryStore_RelationshipsAndAcceptability(t *testing.T) {
	st, _ := newFixtureStores(t)
	ctx := context.Background()

	rels, _, err := st.SearchRelationships(ctx, RelationshipFilter{DestinationIDs: []string{codeClinicalFinding}, TypeID: SnomedIsA}, Page{})
	require.NoError(t, err)
	assert.Len(t, rels, 3, "includes the inactive edge when Active is unset")

	rels, _, err = st.SearchRelationships(ctx, RelationshipFilter{DestinationIDs: []string{codeClinicalFinding}, TypeID: SnomedIsA, Active: activeOnly}, Page{})
	require.NoError(t, err)
	assert.Len(t, rels, 2)

	descs, _, err := st.SearchDescriptions(ctx, DescriptionFilter{ConceptIDs: []string{codeMI}, TypeIDs: []string{SnomedSynonym}, LanguageCode: "en", Active: activeOnly}, Page{})
	require.NoError(t, err)
	var ids []string
	for _, d := range descs {
		ids = append(ids, d.ID)
	}
	members, _, err := st.SearchAcceptability(ctx, AcceptabilityFilter{DescriptionIDs: ids, AcceptabilityID: SnomedPreferred}, Page{})
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, usRefset, members[0].RefsetID)
}

func TestMemoryStore_MalformedCursor(t *testing.T) {
	st, _ := newFixtureStores(t)
	_, _, err := st.SearchDescriptions(context.Background(), DescriptionFilter{ConceptIDs: []string{codeMI}}, Page{Cursor: "bogus"})
	assert.Error(t, err)
}

func TestMemoryStore_CancelledContext(t *testing.T) {
	st, _ := newFixtureStores(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := st.GetConcept(ctx, codeDiabetes)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLoadMemoryStore(t *testing.T) {
	st, err := LoadMemoryStore("testdata/snomed_sample.json")
	require.NoError(t, err)
	concepts, descriptions, relationships := st.Counts()
	assert.Equal(t, 2, concepts)
	assert.Equal(t, 4, descriptions)
	assert.Equal(t, 1, relationships)

	svc := newServiceOver(t, st, testOptions())
	res, err := svc.Lookup(context.Background(), LookupRequest{System: SystemSNOMED, Code: "73211009"})
	require.NoError(t, err)
	assert.Equal(t, "Diabetes mellitus", res.Display)

	_, err = LoadMemoryStore("testdata/missing.json")
	assert.Error(t, err)
}

func TestNewMemoryStoreFromFixture_Invalid(t *testing.T) {
	_, err := NewMemoryStoreFromFixture(strings.NewReader("{not json"))
	assert.Error(t, err)
}

func TestPGStore_DescriptionQuery(t *testing.T) {
	s := &PGStore{schema: "snomed"}
	query, args, offset, err := s.descriptionQuery(DescriptionFilter{
		ConceptIDs:   []string{codeMI, codeAcuteMI},
		Active:       activeOnly,
		LanguageCode: "en",
		TypeIDs:      []string{SnomedSynonym},
		TextQuery:    "50% heart_attack",
	}, Page{Cursor: "o20", Size: 10})
	require.NoError(t, err)

	assert.Equal(t, 20, offset)
	assert.Contains(t, query, `FROM "snomed"."descriptions"`)
	assert.Contains(t, query, "concept_id = ANY($")
	assert.Contains(t, query, "type_id = ANY($")
	assert.Contains(t, query, "AS score")
	assert.Contains(t, query, "ORDER BY score DESC, lower(term), id")
	assert.Contains(t, query, "LIMIT")
	assert.Contains(t, args, []string{codeMI, codeAcuteMI})
	assert.Contains(t, args, `% 50\% heart\_attack %`)
	assert.Contains(t, args, `50\% heart\_attack%`)
	assert.Contains(t, args, `% 50\% heart\_attack%`)
	assert.Contains(t, query, "term_normalized LIKE $")
}

func TestPGStore_DescriptionQueryWithoutText(t *testing.T) {
	s := &PGStore{schema: "loinc"}
	query, _, offset, err := s.descriptionQuery(DescriptionFilter{ConceptIDs: []string{loincHbA1c}}, Page{})
	require.NoError(t, err)
	assert.Zero(t, offset)
	assert.NotContains(t, query, "score")
	assert.Contains(t, query, "ORDER BY id")
}

func TestPGStore_RelationshipQuery(t *testing.T) {
	s := &PGStore{schema: "snomed"}
	query, args, _, err := s.relationshipQuery(RelationshipFilter{
		DestinationIDs: []string{codeDisease},
		TypeID:         SnomedIsA,
		Active:         activeOnly,
	}, Page{Size: 5})
	require.NoError(t, err)
	assert.Contains(t, query, `FROM "snomed"."relationships"`)
	assert.Contains(t, query, "destination_id = ANY($")
	assert.NotContains(t, query, "source_id = ANY")
	assert.Contains(t, args, SnomedIsA)

	_, _, _, err = s.relationshipQuery(RelationshipFilter{}, Page{})
	assert.Error(t, err)

	_, _, _, err = s.relationshipQuery(RelationshipFilter{SourceIDs: []string{"1"}}, Page{Cursor: "nope"})
	assert.Error(t, err)
}

func TestPGStore_AcceptabilityQuery(t *testing.T) {
	s := &PGStore{schema: "snomed"}
	query, args, _, err := s.acceptabilityQuery(AcceptabilityFilter{
		DescriptionIDs:  []string{"1", "2"},
		RefsetIDs:       []string{usRefset},
		AcceptabilityID: SnomedPreferred,
	}, Page{})
	require.NoError(t, err)
	assert.Contains(t, query, `FROM "snomed"."language_refset_members"`)
	assert.Contains(t, query, "ORDER BY description_id, refset_id")
	assert.Contains(t, args, SnomedPreferred)
}

func TestNextCursor(t *testing.T) {
	items, next := nextCursor([]int{1, 2, 3}, 10, Page{Size: 2})
	assert.Equal(t, []int{1, 2}, items)
	assert.Equal(t, "o12", next)

	items, next = nextCursor([]int{1, 2}, 10, Page{Size: 2})
	assert.Equal(t, []int{1, 2}, items)
	assert.Empty(t, next)
}

func TestMigrations(t *testing.T) {
	fsys := Migrations()
	for _, name := range []string{"001_terminology.sql", "002_trigram_search.sql", "003_fold_term_punctuation.sql"} {
		_, err := fsys.Open(name)
		assert.NoError(t, err, name)
	}
}

// fakeCypher records queries and replays canned rows.
type fakeCypher struct {
	rows   graph.Rows
	err    error
	cypher []string
	params []map[string]any
}

func (f *fakeCypher) Query(_ context.Context, cypher string, params map[string]any) (graph.Rows, error) {
	f.cypher = append(f.cypher, cypher)
	f.params = append(f.params, params)
	return f.rows, f.err
}

func TestGraphStore_GetConcept(t *testing.T) {
	fake := &fakeCypher{rows: graph.Rows{{"id": codeDiabetes, "active": true, "effectiveTime": "20020131", "moduleId": "900000000000207008"}}}
	s := &GraphStore{db: fake, system: SystemSNOMED}

	c, err := s.GetConcept(context.Background(), codeDiabetes)
	require.NoError(t, err)
	assert.Equal(t, &Concept{ID: codeDiabetes, Active: true, EffectiveTime: "20020131", ModuleID: "900000000000207008"}, c)
	assert.Equal(t, SystemSNOMED, fake.params[0]["system"])

	fake.rows = nil
	_, err = s.GetConcept(context.Background(), codeUnknown)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGraphStore_SearchDescriptions(t *testing.T) {
	fake := &fakeCypher{rows: graph.Rows{
		{"id": "1", "conceptId": codeMI, "languageCode": "en", "typeId": SnomedSynonym, "term": "Heart attack", "active": true, "score": 15.0},
		{"id": "2", "conceptId": codeAcuteMI, "languageCode": "en", "typeId": SnomedSynonym, "term": "Acute heart attack syndrome", "active": true, "score": int64(10)},
		{"id": "3", "conceptId": codeAcuteMI, "languageCode": "en", "typeId": SnomedSynonym, "term": "Heart attack, acute", "active": true, "score": 15.0},
	}}
	s := &GraphStore{db: fake, system: SystemSNOMED}

	page, next, err := s.SearchDescriptions(context.Background(), DescriptionFilter{
		ConceptIDs: []string{codeMI, codeAcuteMI},
		Active:     activeOnly,
		TextQuery:  "heart attack",
	}, Page{Size: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "o2", next)
	assert.Equal(t, float64(15), page[0].Score)
	assert.Equal(t, float64(10), page[1].Score)

	params := fake.params[0]
	assert.Equal(t, " heart attack ", params["phrase"])
	assert.Equal(t, "heart attack", params["query"])
	assert.Equal(t, " heart attack", params["wordPrefix"])
	assert.Contains(t, fake.cypher[0], "d.termNormalized CONTAINS $wordPrefix")
	assert.Equal(t, 3, params["limit"])
	assert.Equal(t, 0, params["skip"])
	assert.Contains(t, fake.cypher[0], "ORDER BY score DESC, toLower(d.term), d.id")
	assert.Contains(t, fake.cypher[0], "d.conceptId IN $conceptIds")
}

func TestGraphStore_SearchRelationships(t *testing.T) {
	fake := &fakeCypher{rows: graph.Rows{
		{"id": "10", "sourceId": codeDiabetes, "destinationId": codeDisease, "typeId": SnomedIsA, "active": true},
	}}
	s := &GraphStore{db: fake, system: SystemSNOMED}

	rels, next, err := s.SearchRelationships(context.Background(), RelationshipFilter{
		SourceIDs: []string{codeDiabetes},
		TypeID:    SnomedIsA,
	}, Page{Cursor: "o5", Size: 10})
	require.NoError(t, err)
	assert.Empty(t, next)
	require.Len(t, rels, 1)
	assert.Equal(t, codeDisease, rels[0].DestinationID)
	assert.Equal(t, 5, fake.params[0]["skip"])
	assert.Contains(t, fake.cypher[0], "s.id IN $ids")

	_, _, err = s.SearchRelationships(context.Background(), RelationshipFilter{}, Page{})
	assert.Error(t, err)
}

func TestGraphStore_SearchAcceptability(t *testing.T) {
	fake := &fakeCypher{rows: graph.Rows{
		{"descriptionId": "1", "refsetId": usRefset, "acceptabilityId": SnomedPreferred, "active": true},
	}}
	s := &GraphStore{db: fake, system: SystemSNOMED}

	members, _, err := s.SearchAcceptability(context.Background(), AcceptabilityFilter{DescriptionIDs: []string{"1"}, RefsetIDs: []string{usRefset}}, Page{})
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, SnomedPreferred, members[0].AcceptabilityID)

	members, _, err = s.SearchAcceptability(context.Background(), AcceptabilityFilter{}, Page{})
	require.NoError(t, err)
	assert.Empty(t, members)
	assert.Len(t, fake.cypher, 1, "empty description lists do not reach the database")
}

func TestGraphStore_ServesEngine(t *testing.T) {
	fake := &fakeCypher{rows: graph.Rows{{"id": codeDiabetes, "active": true}}}
	svc := newServiceOver(t, &GraphStore{db: fake, system: SystemSNOMED}, testOptions())

	res, err := svc.ValidateCode(context.Background(), ValidateRequest{System: SystemSNOMED, Code: codeDiabetes})
	require.NoError(t, err)
	assert.True(t, res.Valid)
}

func TestGraphRows(t *testing.T) {
	fx := snomedFixture()
	assert.Len(t, graphConceptRows(fx.Concepts), len(fx.Concepts))
	rows := graphDescriptionRows(fx.Descriptions[:1])
	assert.Equal(t, "clinical finding (finding)", rows[0]["termNormalized"])
	assert.Len(t, graphRelationshipRows(fx.Relationships), len(fx.Relationships))
	assert.Len(t, graphMemberRows(fx.Acceptability), len(fx.Acceptability))
}
