package terminology

import (
	"context"
	"fmt"
	"strings"

	"github.com/ehr/termserver/internal/platform/graph"
	"github.com/ehr/termserver/pkg/textnorm"
)

// cypherRunner is the part of graph.Client the graph store reads through.
type cypherRunner interface {
	Query(ctx context.Context, cypher string, params map[string]any) (graph.Rows, error)
}

// GraphStore reads one code system from Neo4j. Nodes of every system share
// the database and are told apart by their system property:
//
//	(:Concept {system, id, active, effectiveTime, moduleId})
//	(:Concept)-[:REL {id, typeId, active}]->(:Concept)
//	(:Description {system, id, conceptId, languageCode, typeId, term, termNormalized, active})
//	(:RefsetMember {system, descriptionId, refsetId, acceptabilityId, active})
type GraphStore struct {
	db     cypherRunner
	system string
}

func NewGraphStore(client *graph.Client, system string) *GraphStore {
	return &GraphStore{db: client, system: system}
}

// GraphIndexes are the constraints and indexes the graph store relies on.
var GraphIndexes = []string{
	"CREATE CONSTRAINT concept_key IF NOT EXISTS FOR (c:Concept) REQUIRE (c.system, c.id) IS UNIQUE",
	"CREATE CONSTRAINT description_key IF NOT EXISTS FOR (d:Description) REQUIRE (d.system, d.id) IS UNIQUE",
	"CREATE INDEX description_concept IF NOT EXISTS FOR (d:Description) ON (d.system, d.conceptId)",
	"CREATE TEXT INDEX description_term IF NOT EXISTS FOR (d:Description) ON (d.termNormalized)",
	"CREATE INDEX refset_member_description IF NOT EXISTS FOR (m:RefsetMember) ON (m.system, m.descriptionId)",
	"CREATE INDEX rel_type IF NOT EXISTS FOR ()-[r:REL]-() ON (r.typeId)",
}

// EnsureGraphIndexes creates GraphIndexes.
func EnsureGraphIndexes(ctx context.Context, client *graph.Client) error {
	return client.Exec(ctx, GraphIndexes...)
}

// cypherQuery accumulates WHERE predicates and parameters.
type cypherQuery struct {
	where  []string
	params map[string]any
}

func newCypherQuery(system string) *cypherQuery {
	return &cypherQuery{params: map[string]any{"system": system}}
}

func (q *cypherQuery) add(predicate, name string, value any) {
	q.where = append(q.where, predicate)
	q.params[name] = value
}

func (q *cypherQuery) whereClause() string {
	if len(q.where) == 0 {
		return ""
	}
	return "WHERE " + strings.Join(q.where, " AND ")
}

// page sets skip and limit, fetching one extra row to detect a next page.
func (q *cypherQuery) page(p Page) (int, error) {
	offset, err := decodeCursor(p.Cursor)
	if err != nil {
		return 0, err
	}
	q.params["skip"] = offset
	q.params["limit"] = pageSize(p) + 1
	return offset, nil
}

func (s *GraphStore) GetConcept(ctx context.Context, id string) (*Concept, error) {
	rows, err := s.db.Query(ctx, `MATCH (c:Concept {system: $system, id: $id})
RETURN c.id AS id, c.active AS active, coalesce(c.effectiveTime, '') AS effectiveTime, coalesce(c.moduleId, '') AS moduleId`,
		map[string]any{"system": s.system, "id": id})
	if err != nil {
		return nil, fmt.Errorf("get concept %s: %w", id, err)
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return &Concept{
		ID:            rows.String(0, "id"),
		Active:        rows.Bool(0, "active"),
		EffectiveTime: rows.String(0, "effectiveTime"),
		ModuleID:      rows.String(0, "moduleId"),
	}, nil
}

func (s *GraphStore) descriptionCypher(f DescriptionFilter, p Page) (string, map[string]any, int, error) {
	q := newCypherQuery(s.system)
	if len(f.ConceptIDs) > 0 {
		q.add("d.conceptId IN $conceptIds", "conceptIds", f.ConceptIDs)
	}
	if f.Active != nil {
		q.add("d.active = $active", "active", *f.Active)
	}
	if f.LanguageCode != "" {
		q.add("d.languageCode = $languageCode", "languageCode", f.LanguageCode)
	}
	if len(f.TypeIDs) > 0 {
		q.add("d.typeId IN $typeIds", "typeIds", f.TypeIDs)
	}
	score, order := "0.0", "d.id"
	if f.TextQuery != "" {
		q.add("(d.termNormalized STARTS WITH $query OR d.termNormalized CONTAINS $wordPrefix)", "query", f.TextQuery)
		q.params["wordPrefix"] = " " + f.TextQuery
		q.params["phrase"] = " " + f.TextQuery + " "
		score = "(CASE WHEN (' ' + d.termNormalized + ' ') CONTAINS $phrase THEN 10.0 ELSE 0.0 END) + (CASE WHEN d.termNormalized STARTS WITH $query THEN 5.0 ELSE 0.0 END)"
		order = "score DESC, toLower(d.term), d.id"
	}
	offset, err := q.page(p)
	if err != nil {
		return "", nil, 0, err
	}
	cypher := fmt.Sprintf(`MATCH (d:Description {system: $system})
%s
WITH d, %s AS score
RETURN d.id AS id, d.conceptId AS conceptId, d.languageCode AS languageCode, d.typeId AS typeId, d.term AS term, d.active AS active, score
ORDER BY %s
SKIP $skip LIMIT $limit`, q.whereClause(), score, order)
	return cypher, q.params, offset, nil
}

func (s *GraphStore) SearchDescriptions(ctx context.Context, f DescriptionFilter, p Page) ([]*Description, string, error) {
	cypher, params, offset, err := s.descriptionCypher(f, p)
	if err != nil {
		return nil, "", err
	}
	rows, err := s.db.Query(ctx, cypher, params)
	if err != nil {
		return nil, "", fmt.Errorf("search descriptions: %w", err)
	}
	out := make([]*Description, 0, len(rows))
	for i := range rows {
		d := &Description{
			ID:           rows.String(i, "id"),
			ConceptID:    rows.String(i, "conceptId"),
			LanguageCode: rows.String(i, "languageCode"),
			TypeID:       rows.String(i, "typeId"),
			Term:         rows.String(i, "term"),
			Active:       rows.Bool(i, "active"),
		}
		if f.TextQuery != "" {
			d.Score = rows.Float(i, "score")
		}
		out = append(out, d)
	}
	page, next := nextCursor(out, offset, p)
	return page, next, nil
}

func (s *GraphStore) relationshipCypher(f RelationshipFilter, p Page) (string, map[string]any, int, error) {
	q := newCypherQuery(s.system)
	switch {
	case len(f.SourceIDs) > 0:
		q.add("s.id IN $ids", "ids", f.SourceIDs)
	case len(f.DestinationIDs) > 0:
		q.add("t.id IN $ids", "ids", f.DestinationIDs)
	default:
		return "", nil, 0, fmt.Errorf("relationship search needs source or destination ids")
	}
	if f.TypeID != "" {
		q.add("r.typeId = $typeId", "typeId", f.TypeID)
	}
	if f.Active != nil {
		q.add("r.active = $active", "active", *f.Active)
	}
	offset, err := q.page(p)
	if err != nil {
		return "", nil, 0, err
	}
	cypher := fmt.Sprintf(`MATCH (s:Concept {system: $system})-[r:REL]->(t:Concept {system: $system})
%s
RETURN r.id AS id, s.id AS sourceId, t.id AS destinationId, r.typeId AS typeId, r.active AS active
ORDER BY id
SKIP $skip LIMIT $limit`, q.whereClause())
	return cypher, q.params, offset, nil
}

func (s *GraphStore) SearchRelationships(ctx context.Context, f RelationshipFilter, p Page) ([]*Relationship, string, error) {
	cypher, params, offset, err := s.relationshipCypher(f, p)
	if err != nil {
		return nil, "", err
	}
	rows, err := s.db.Query(ctx, cypher, params)
	if err != nil {
		return nil, "", fmt.Errorf("search relationships: %w", err)
	}
	out := make([]*Relationship, 0, len(rows))
	for i := range rows {
		out = append(out, &Relationship{
			ID:            rows.String(i, "id"),
			SourceID:      rows.String(i, "sourceId"),
			DestinationID: rows.String(i, "destinationId"),
			TypeID:        rows.String(i, "typeId"),
			Active:        rows.Bool(i, "active"),
		})
	}
	page, next := nextCursor(out, offset, p)
	return page, next, nil
}

func (s *GraphStore) SearchAcceptability(ctx context.Context, f AcceptabilityFilter, p Page) ([]*AcceptabilityMember, string, error) {
	if len(f.DescriptionIDs) == 0 {
		return nil, "", nil
	}
	q := newCypherQuery(s.system)
	q.add("m.descriptionId IN $descriptionIds", "descriptionIds", f.DescriptionIDs)
	if len(f.RefsetIDs) > 0 {
		q.add("m.refsetId IN $refsetIds", "refsetIds", f.RefsetIDs)
	}
	if f.AcceptabilityID != "" {
		q.add("m.acceptabilityId = $acceptabilityId", "acceptabilityId", f.AcceptabilityID)
	}
	if f.Active != nil {
		q.add("m.active = $active", "active", *f.Active)
	}
	offset, err := q.page(p)
	if err != nil {
		return nil, "", err
	}
	cypher := fmt.Sprintf(`MATCH (m:RefsetMember {system: $system})
%s
RETURN m.descriptionId AS descriptionId, m.refsetId AS refsetId, m.acceptabilityId AS acceptabilityId, m.active AS active
ORDER BY descriptionId, refsetId
SKIP $skip LIMIT $limit`, q.whereClause())

	rows, err := s.db.Query(ctx, cypher, q.params)
	if err != nil {
		return nil, "", fmt.Errorf("search acceptability: %w", err)
	}
	out := make([]*AcceptabilityMember, 0, len(rows))
	for i := range rows {
		out = append(out, &AcceptabilityMember{
			DescriptionID:   rows.String(i, "descriptionId"),
			RefsetID:        rows.String(i, "refsetId"),
			AcceptabilityID: rows.String(i, "acceptabilityId"),
			Active:          rows.Bool(i, "active"),
		})
	}
	page, next := nextCursor(out, offset, p)
	return page, next, nil
}

// graphImportBatch bounds the rows sent in one UNWIND statement.
const graphImportBatch = 5000

// ImportGraph merges fx into the graph under system, in batches.
func ImportGraph(ctx context.Context, client *graph.Client, system string, fx Fixture) error {
	steps := []struct {
		cypher string
		rows   []map[string]any
	}{
		{`UNWIND $rows AS row
MERGE (c:Concept {system: $system, id: row.id})
SET c.active = row.active, c.effectiveTime = row.effectiveTime, c.moduleId = row.moduleId`, graphConceptRows(fx.Concepts)},
		{`UNWIND $rows AS row
MERGE (d:Description {system: $system, id: row.id})
SET d.conceptId = row.conceptId, d.languageCode = row.languageCode, d.typeId = row.typeId,
    d.term = row.term, d.termNormalized = row.termNormalized, d.active = row.active`, graphDescriptionRows(fx.Descriptions)},
		{`UNWIND $rows AS row
MATCH (s:Concept {system: $system, id: row.sourceId}), (t:Concept {system: $system, id: row.destinationId})
MERGE (s)-[r:REL {id: row.id}]->(t)
SET r.typeId = row.typeId, r.active = row.active`, graphRelationshipRows(fx.Relationships)},
		{`UNWIND $rows AS row
MERGE (m:RefsetMember {system: $system, descriptionId: row.descriptionId, refsetId: row.refsetId})
SET m.acceptabilityId = row.acceptabilityId, m.active = row.active`, graphMemberRows(fx.Acceptability)},
	}
	for _, step := range steps {
		for start := 0; start < len(step.rows); start += graphImportBatch {
			end := min(start+graphImportBatch, len(step.rows))
			params := map[string]any{"system": system, "rows": step.rows[start:end]}
			if err := client.Write(ctx, step.cypher, params); err != nil {
				return err
			}
		}
	}
	return nil
}

func graphConceptRows(cs []Concept) []map[string]any {
	rows := make([]map[string]any, 0, len(cs))
	for _, c := range cs {
		rows = append(rows, map[string]any{"id": c.ID, "active": c.Active, "effectiveTime": c.EffectiveTime, "moduleId": c.ModuleID})
	}
	return rows
}

func graphDescriptionRows(ds []Description) []map[string]any {
	rows := make([]map[string]any, 0, len(ds))
	for _, d := range ds {
		rows = append(rows, map[string]any{
			"id": d.ID, "conceptId": d.ConceptID, "languageCode": d.LanguageCode, "typeId": d.TypeID,
			"term": d.Term, "termNormalized": textnorm.NormalizeDisplay(d.Term), "active": d.Active,
		})
	}
	return rows
}

func graphRelationshipRows(rs []Relationship) []map[string]any {
	rows := make([]map[string]any, 0, len(rs))
	for _, r := range rs {
		rows = append(rows, map[string]any{"id": r.ID, "sourceId": r.SourceID, "destinationId": r.DestinationID, "typeId": r.TypeID, "active": r.Active})
	}
	return rows
}

func graphMemberRows(ms []AcceptabilityMember) []map[string]any {
	rows := make([]map[string]any, 0, len(ms))
	for _, m := range ms {
		rows = append(rows, map[string]any{"descriptionId": m.DescriptionID, "refsetId": m.RefsetID, "acceptabilityId": m.AcceptabilityID, "active": m.Active})
	}
	return rows
}
