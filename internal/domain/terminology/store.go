package terminology

import (
	"context"
	"fmt"
	"strconv"
)

// Page selects one page of a search. An empty Cursor starts from the
// beginning.
type Page struct {
	Cursor string
	Size   int
}

// DescriptionFilter narrows SearchDescriptions. Zero values do not filter.
// TextQuery must already be normalized; when set, results carry a Score and
// are ordered by score desc, term asc, id asc. Otherwise by id.
type DescriptionFilter struct {
	ConceptIDs   []string
	Active       *bool
	LanguageCode string
	TypeIDs      []string
	TextQuery    string
}

// RelationshipFilter narrows SearchRelationships. Exactly one of SourceIDs or
// DestinationIDs is expected.
type RelationshipFilter struct {
	SourceIDs      []string
	DestinationIDs []string
	TypeID         string
	Active         *bool
}

// AcceptabilityFilter narrows SearchAcceptability.
type AcceptabilityFilter struct {
	DescriptionIDs  []string
	RefsetIDs       []string
	AcceptabilityID string
	Active          *bool
}

// Store is the read-only concept graph the engine queries. Search methods
// return the next cursor, or "" on the last page.
type Store interface {
	GetConcept(ctx context.Context, id string) (*Concept, error)
	SearchDescriptions(ctx context.Context, f DescriptionFilter, p Page) ([]*Description, string, error)
	SearchRelationships(ctx context.Context, f RelationshipFilter, p Page) ([]*Relationship, string, error)
	SearchAcceptability(ctx context.Context, f AcceptabilityFilter, p Page) ([]*AcceptabilityMember, string, error)
}

func boolPtr(b bool) *bool { return &b }

var activeOnly = boolPtr(true)

// encodeCursor and decodeCursor implement the offset cursors used by the
// bundled stores. Callers treat cursors as opaque.
func encodeCursor(offset int) string {
	return "o" + strconv.Itoa(offset)
}

func decodeCursor(cursor string) (int, error) {
	if cursor == "" {
		return 0, nil
	}
	if len(cursor) < 2 || cursor[0] != 'o' {
		return 0, fmt.Errorf("malformed cursor %q", cursor)
	}
	n, err := strconv.Atoi(cursor[1:])
	if err != nil || n < 0 {
		return 0, fmt.Errorf("malformed cursor %q", cursor)
	}
	return n, nil
}

// pageSize returns the effective page size, defaulting to 1000.
func pageSize(p Page) int {
	if p.Size <= 0 {
		return 1000
	}
	return p.Size
}

// pageOf slices items for p and returns the next cursor.
func pageOf[T any](items []T, p Page) ([]T, string, error) {
	offset, err := decodeCursor(p.Cursor)
	if err != nil {
		return nil, "", err
	}
	if offset >= len(items) {
		return nil, "", nil
	}
	end := offset + pageSize(p)
	if end >= len(items) {
		return items[offset:], "", nil
	}
	return items[offset:end], encodeCursor(end), nil
}
