package terminology

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
)

// Hierarchy walks the IS-A graph of a code system. Edges run child (source)
// to parent (destination); only active edges of the profile's IS-A type are
// followed.
type Hierarchy struct {
	opts   Options
	call   caller
	logger zerolog.Logger
}

func newHierarchy(opts Options, logger zerolog.Logger) *Hierarchy {
	return &Hierarchy{opts: opts, call: caller{opts: opts}, logger: logger}
}

// Descendants returns every concept with an IS-A path to root, root
// excluded. It fails with NotFound when root is absent or inactive, and with
// Transient when any level cannot be fetched; partial sets are never
// returned.
func (h *Hierarchy) Descendants(ctx context.Context, cs *CodeSystem, root string) (IDSet, error) {
	if err := h.requireActive(ctx, cs, "Descendants", root); err != nil {
		return nil, err
	}
	return h.walk(ctx, cs, root, false)
}

// Ancestors returns every concept reachable from code by following IS-A
// edges upwards, code excluded.
func (h *Hierarchy) Ancestors(ctx context.Context, cs *CodeSystem, code string) (IDSet, error) {
	return h.walk(ctx, cs, code, true)
}

// Parents returns the direct IS-A targets of code, sorted.
func (h *Hierarchy) Parents(ctx context.Context, cs *CodeSystem, code string) ([]string, error) {
	ids, err := h.step(ctx, cs, []string{code}, true)
	if err != nil {
		return nil, err
	}
	return dedupe(ids, code).Sorted(), nil
}

// Children returns the direct IS-A sources of code, sorted.
func (h *Hierarchy) Children(ctx context.Context, cs *CodeSystem, code string) ([]string, error) {
	ids, err := h.step(ctx, cs, []string{code}, false)
	if err != nil {
		return nil, err
	}
	return dedupe(ids, code).Sorted(), nil
}

func dedupe(ids []string, exclude string) IDSet {
	set := make(IDSet, len(ids))
	for _, id := range ids {
		if id != exclude {
			set.Add(id)
		}
	}
	return set
}

// getConcept fetches one concept through the retry policy.
func (h *Hierarchy) getConcept(ctx context.Context, cs *CodeSystem, id string) (*Concept, error) {
	var c *Concept
	err := h.call.do(ctx, "GetConcept", func(ctx context.Context) error {
		var err error
		c, err = cs.Store.GetConcept(ctx, id)
		return err
	})
	return c, err
}

func (h *Hierarchy) requireActive(ctx context.Context, cs *CodeSystem, op, id string) error {
	c, err := h.getConcept(ctx, cs, id)
	if errors.Is(err, ErrNotFound) {
		return notFound(op, "concept %s not found in %s", id, cs.URL())
	}
	if err != nil {
		return err
	}
	if !c.Active {
		return notFound(op, "concept %s in %s is inactive", id, cs.URL())
	}
	return nil
}

// walk runs a level-by-level breadth first search from start. The start node
// counts as discovered so self loops and cycles through it terminate.
func (h *Hierarchy) walk(ctx context.Context, cs *CodeSystem, start string, up bool) (IDSet, error) {
	discovered := IDSet{start: {}}
	frontier := []string{start}

	for depth := 0; len(frontier) > 0; depth++ {
		if depth == h.opts.MaxDepth {
			h.logger.Warn().
				Str("system", cs.URL()).
				Str("start", start).
				Bool("upwards", up).
				Int("max_depth", h.opts.MaxDepth).
				Int("pending", len(frontier)).
				Msg("hierarchy walk stopped at depth bound")
			break
		}

		found, err := h.step(ctx, cs, frontier, up)
		if err != nil {
			return nil, err
		}

		next := make(IDSet)
		for _, id := range found {
			if !discovered.Has(id) {
				discovered.Add(id)
				next.Add(id)
			}
		}
		frontier = next.Sorted()
	}

	delete(discovered, start)
	return discovered, nil
}

// step returns the neighbours of every frontier id, one level up or down.
// The result may contain duplicates.
func (h *Hierarchy) step(ctx context.Context, cs *CodeSystem, frontier []string, up bool) ([]string, error) {
	return mapChunks(ctx, h.opts, frontier, func(ctx context.Context, ids []string) ([]string, error) {
		f := RelationshipFilter{TypeID: cs.Profile.IsATypeID, Active: activeOnly}
		if up {
			f.SourceIDs = ids
		} else {
			f.DestinationIDs = ids
		}
		rels, err := drain(ctx, h.call, "SearchRelationships", func(ctx context.Context, p Page) ([]*Relationship, string, error) {
			return cs.Store.SearchRelationships(ctx, f, p)
		})
		if err != nil {
			return nil, err
		}
		out := make([]string, 0, len(rels))
		for _, r := range rels {
			if up {
				out = append(out, r.DestinationID)
			} else {
				out = append(out, r.SourceID)
			}
		}
		return out, nil
	})
}
