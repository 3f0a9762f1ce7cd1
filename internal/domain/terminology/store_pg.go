package terminology

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/huandu/go-sqlbuilder"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/termserver/pkg/textnorm"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrations returns the schema migrations for a Postgres concept store.
func Migrations() fs.FS {
	sub, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// PGStore reads one code system from a Postgres schema created by the
// migrations in Migrations.
type PGStore struct {
	pool   *pgxpool.Pool
	db     querier
	schema string
}

func NewPGStore(pool *pgxpool.Pool, schema string) *PGStore {
	return &PGStore{pool: pool, db: pool, schema: schema}
}

func (s *PGStore) table(name string) string {
	return pgx.Identifier{s.schema, name}.Sanitize()
}

func (s *PGStore) GetConcept(ctx context.Context, id string) (*Concept, error) {
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("id", "active", "effective_time", "module_id")
	sb.From(s.table("concepts"))
	sb.Where(sb.Equal("id", id))
	query, args := sb.Build()

	var c Concept
	err := s.db.QueryRow(ctx, query, args...).Scan(&c.ID, &c.Active, &c.EffectiveTime, &c.ModuleID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get concept %s: %w", id, err)
	}
	return &c, nil
}

// anyOf renders "col = ANY($n)" so long id lists travel as one array
// parameter instead of a clause per value.
func anyOf(sb *sqlbuilder.SelectBuilder, col string, values []string) string {
	return fmt.Sprintf("%s = ANY(%s)", col, sb.Var(values))
}

// paged applies the offset cursor and fetches one extra row to learn
// whether another page follows.
func paged(sb *sqlbuilder.SelectBuilder, p Page) (int, error) {
	offset, err := decodeCursor(p.Cursor)
	if err != nil {
		return 0, err
	}
	sb.Limit(pageSize(p) + 1).Offset(offset)
	return offset, nil
}

func nextCursor[T any](items []T, offset int, p Page) ([]T, string) {
	size := pageSize(p)
	if len(items) <= size {
		return items, ""
	}
	return items[:size], encodeCursor(offset + size)
}

func (s *PGStore) descriptionQuery(f DescriptionFilter, p Page) (string, []interface{}, int, error) {
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	cols := []string{"id", "concept_id", "language_code", "type_id", "term", "active"}
	var where []string
	if f.TextQuery != "" {
		phrase := sb.Var("% " + textnorm.EscapeLike(f.TextQuery) + " %")
		prefix := sb.Var(textnorm.EscapeLike(f.TextQuery) + "%")
		wordPrefix := sb.Var("% " + textnorm.EscapeLike(f.TextQuery) + "%")
		cols = append(cols, fmt.Sprintf(
			"(CASE WHEN ' ' || term_normalized || ' ' LIKE %s THEN 10 ELSE 0 END + CASE WHEN term_normalized LIKE %s THEN 5 ELSE 0 END)::float8 AS score",
			phrase, prefix))
		where = append(where, sb.Or(
			fmt.Sprintf("term_normalized LIKE %s", prefix),
			fmt.Sprintf("term_normalized LIKE %s", wordPrefix),
		))
	}
	sb.Select(cols...)
	sb.From(s.table("descriptions"))
	if len(f.ConceptIDs) > 0 {
		where = append(where, anyOf(sb, "concept_id", f.ConceptIDs))
	}
	if f.Active != nil {
		where = append(where, sb.Equal("active", *f.Active))
	}
	if f.LanguageCode != "" {
		where = append(where, sb.Equal("language_code", f.LanguageCode))
	}
	if len(f.TypeIDs) > 0 {
		where = append(where, anyOf(sb, "type_id", f.TypeIDs))
	}
	if len(where) > 0 {
		sb.Where(where...)
	}
	if f.TextQuery != "" {
		sb.OrderBy("score DESC", "lower(term)", "id")
	} else {
		sb.OrderBy("id")
	}
	offset, err := paged(sb, p)
	if err != nil {
		return "", nil, 0, err
	}
	query, args := sb.Build()
	return query, args, offset, nil
}

func (s *PGStore) SearchDescriptions(ctx context.Context, f DescriptionFilter, p Page) ([]*Description, string, error) {
	query, args, offset, err := s.descriptionQuery(f, p)
	if err != nil {
		return nil, "", err
	}
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("search descriptions: %w", err)
	}
	defer rows.Close()

	var out []*Description
	for rows.Next() {
		var d Description
		dest := []any{&d.ID, &d.ConceptID, &d.LanguageCode, &d.TypeID, &d.Term, &d.Active}
		if f.TextQuery != "" {
			dest = append(dest, &d.Score)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, "", fmt.Errorf("scan description: %w", err)
		}
		out = append(out, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("iterate descriptions: %w", err)
	}
	page, next := nextCursor(out, offset, p)
	return page, next, nil
}

func (s *PGStore) relationshipQuery(f RelationshipFilter, p Page) (string, []interface{}, int, error) {
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("id", "source_id", "destination_id", "type_id", "active")
	sb.From(s.table("relationships"))
	var where []string
	switch {
	case len(f.SourceIDs) > 0:
		where = append(where, anyOf(sb, "source_id", f.SourceIDs))
	case len(f.DestinationIDs) > 0:
		where = append(where, anyOf(sb, "destination_id", f.DestinationIDs))
	default:
		return "", nil, 0, fmt.Errorf("relationship search needs source or destination ids")
	}
	if f.TypeID != "" {
		where = append(where, sb.Equal("type_id", f.TypeID))
	}
	if f.Active != nil {
		where = append(where, sb.Equal("active", *f.Active))
	}
	sb.Where(where...)
	sb.OrderBy("id")
	offset, err := paged(sb, p)
	if err != nil {
		return "", nil, 0, err
	}
	query, args := sb.Build()
	return query, args, offset, nil
}

func (s *PGStore) SearchRelationships(ctx context.Context, f RelationshipFilter, p Page) ([]*Relationship, string, error) {
	query, args, offset, err := s.relationshipQuery(f, p)
	if err != nil {
		return nil, "", err
	}
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("search relationships: %w", err)
	}
	defer rows.Close()

	var out []*Relationship
	for rows.Next() {
		var r Relationship
		if err := rows.Scan(&r.ID, &r.SourceID, &r.DestinationID, &r.TypeID, &r.Active); err != nil {
			return nil, "", fmt.Errorf("scan relationship: %w", err)
		}
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("iterate relationships: %w", err)
	}
	page, next := nextCursor(out, offset, p)
	return page, next, nil
}

func (s *PGStore) acceptabilityQuery(f AcceptabilityFilter, p Page) (string, []interface{}, int, error) {
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("description_id", "refset_id", "acceptability_id", "active")
	sb.From(s.table("language_refset_members"))
	where := []string{anyOf(sb, "description_id", f.DescriptionIDs)}
	if len(f.RefsetIDs) > 0 {
		where = append(where, anyOf(sb, "refset_id", f.RefsetIDs))
	}
	if f.AcceptabilityID != "" {
		where = append(where, sb.Equal("acceptability_id", f.AcceptabilityID))
	}
	if f.Active != nil {
		where = append(where, sb.Equal("active", *f.Active))
	}
	sb.Where(where...)
	sb.OrderBy("description_id", "refset_id")
	offset, err := paged(sb, p)
	if err != nil {
		return "", nil, 0, err
	}
	query, args := sb.Build()
	return query, args, offset, nil
}

func (s *PGStore) SearchAcceptability(ctx context.Context, f AcceptabilityFilter, p Page) ([]*AcceptabilityMember, string, error) {
	if len(f.DescriptionIDs) == 0 {
		return nil, "", nil
	}
	query, args, offset, err := s.acceptabilityQuery(f, p)
	if err != nil {
		return nil, "", err
	}
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("search acceptability: %w", err)
	}
	defer rows.Close()

	var out []*AcceptabilityMember
	for rows.Next() {
		var m AcceptabilityMember
		if err := rows.Scan(&m.DescriptionID, &m.RefsetID, &m.AcceptabilityID, &m.Active); err != nil {
			return nil, "", fmt.Errorf("scan refset member: %w", err)
		}
		out = append(out, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("iterate refset members: %w", err)
	}
	page, next := nextCursor(out, offset, p)
	return page, next, nil
}

// Import bulk loads fx in one transaction using COPY. Existing rows are
// left in place; the tables are expected to be empty.
func (s *PGStore) Import(ctx context.Context, fx Fixture) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin import: %w", err)
	}
	defer tx.Rollback(ctx)

	copies := []struct {
		table string
		cols  []string
		rows  [][]any
	}{
		{"concepts", []string{"id", "active", "effective_time", "module_id"}, conceptRows(fx.Concepts)},
		{"descriptions", []string{"id", "concept_id", "language_code", "type_id", "term", "term_normalized", "active"}, descriptionRows(fx.Descriptions)},
		{"relationships", []string{"id", "source_id", "destination_id", "type_id", "active"}, relationshipRows(fx.Relationships)},
		{"language_refset_members", []string{"description_id", "refset_id", "acceptability_id", "active"}, memberRows(fx.Acceptability)},
	}
	for _, c := range copies {
		if len(c.rows) == 0 {
			continue
		}
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{s.schema, c.table}, c.cols, pgx.CopyFromRows(c.rows)); err != nil {
			return fmt.Errorf("copy %s.%s: %w", s.schema, c.table, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit import: %w", err)
	}
	return nil
}

func conceptRows(cs []Concept) [][]any {
	rows := make([][]any, 0, len(cs))
	for _, c := range cs {
		rows = append(rows, []any{c.ID, c.Active, c.EffectiveTime, c.ModuleID})
	}
	return rows
}

func descriptionRows(ds []Description) [][]any {
	rows := make([][]any, 0, len(ds))
	for _, d := range ds {
		rows = append(rows, []any{d.ID, d.ConceptID, d.LanguageCode, d.TypeID, d.Term, textnorm.NormalizeDisplay(d.Term), d.Active})
	}
	return rows
}

func relationshipRows(rs []Relationship) [][]any {
	rows := make([][]any, 0, len(rs))
	for _, r := range rs {
		rows = append(rows, []any{r.ID, r.SourceID, r.DestinationID, r.TypeID, r.Active})
	}
	return rows
}

func memberRows(ms []AcceptabilityMember) [][]any {
	rows := make([][]any, 0, len(ms))
	for _, m := range ms {
		rows = append(rows, []any{m.DescriptionID, m.RefsetID, m.AcceptabilityID, m.Active})
	}
	return rows
}
