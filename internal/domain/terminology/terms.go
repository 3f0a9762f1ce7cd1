package terminology

import (
	"context"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ehr/termserver/pkg/textnorm"
)

// TermResolver picks display terms and lists designations. All lookups are
// batched over concept id chunks.
type TermResolver struct {
	opts   Options
	call   caller
	logger zerolog.Logger
}

func newTermResolver(opts Options, logger zerolog.Logger) *TermResolver {
	return &TermResolver{opts: opts, call: caller{opts: opts}, logger: logger}
}

// ResolveDisplays returns the display term of every id for the requested
// language. Concepts with no usable description resolve to their own code
// with UsedFallback set. Only the description query is able to fail the
// call; acceptability and English fallback lookups degrade.
func (r *TermResolver) ResolveDisplays(ctx context.Context, cs *CodeSystem, ids []string, language string) (map[string]ResolvedTerm, error) {
	lang := parseDisplayLanguage(language, cs.Profile.DefaultLanguage)
	out, err := r.resolveIn(ctx, cs, ids, lang)
	if err != nil {
		return nil, err
	}

	var missing []string
	for _, id := range ids {
		if _, ok := out[id]; !ok {
			missing = append(missing, id)
		}
	}

	if len(missing) > 0 && lang.Base != "en" {
		en, err := r.resolveIn(ctx, cs, missing, parseDisplayLanguage("en", "en"))
		if err != nil {
			r.logger.Warn().Err(err).Str("system", cs.URL()).Int("concepts", len(missing)).
				Msg("english display fallback failed")
		}
		for id, t := range en {
			t.UsedFallback = true
			out[id] = t
		}
	}

	for _, id := range ids {
		if _, ok := out[id]; !ok {
			out[id] = ResolvedTerm{Text: id, UsedFallback: true}
		}
	}
	return out, nil
}

// resolveIn resolves ids that own at least one active FSN or synonym in
// lang.Base. Ids without such descriptions are absent from the result.
func (r *TermResolver) resolveIn(ctx context.Context, cs *CodeSystem, ids []string, lang displayLanguage) (map[string]ResolvedTerm, error) {
	p := &cs.Profile
	descs, err := r.descriptions(ctx, cs, ids, DescriptionFilter{
		Active:       activeOnly,
		LanguageCode: lang.Base,
		TypeIDs:      []string{p.SynonymTypeID, p.FSNTypeID},
	})
	if err != nil {
		return nil, err
	}

	byConcept := make(map[string][]*Description)
	descIDs := make([]string, 0, len(descs))
	for _, d := range descs {
		byConcept[d.ConceptID] = append(byConcept[d.ConceptID], d)
		descIDs = append(descIDs, d.ID)
	}

	preferred := make(IDSet)
	if refset := p.refsetFor(lang); refset != "" && len(descIDs) > 0 {
		members, err := r.members(ctx, cs, descIDs, AcceptabilityFilter{
			RefsetIDs:       []string{refset},
			AcceptabilityID: p.PreferredID,
			Active:          activeOnly,
		})
		if err != nil {
			r.logger.Warn().Err(err).Str("system", cs.URL()).Str("refset", refset).
				Msg("acceptability lookup failed; falling back to synonym order")
		}
		for _, m := range members {
			preferred.Add(m.DescriptionID)
		}
	}

	out := make(map[string]ResolvedTerm, len(byConcept))
	for id, ds := range byConcept {
		out[id] = pickDisplay(ds, preferred, p)
	}
	return out, nil
}

// pickDisplay applies the preference order: a Preferred synonym, a Preferred
// FSN, the first synonym by term, then the FSN. Ties go to the lowest
// description id.
func pickDisplay(ds []*Description, preferred IDSet, p *CodeSystemProfile) ResolvedTerm {
	var best *Description
	for _, d := range ds {
		if !preferred.Has(d.ID) {
			continue
		}
		if best == nil || betterPreferred(d, best, p) {
			best = d
		}
	}
	if best != nil {
		return ResolvedTerm{Text: best.Term, DescriptionID: best.ID, TypeID: best.TypeID}
	}

	var syn, fsn *Description
	for _, d := range ds {
		switch d.TypeID {
		case p.SynonymTypeID:
			if syn == nil || d.Term < syn.Term || (d.Term == syn.Term && idLess(d.ID, syn.ID)) {
				syn = d
			}
		case p.FSNTypeID:
			if fsn == nil || idLess(d.ID, fsn.ID) {
				fsn = d
			}
		}
	}
	if syn != nil {
		return ResolvedTerm{Text: syn.Term, DescriptionID: syn.ID, TypeID: syn.TypeID, UsedFallback: true}
	}
	if fsn != nil {
		return ResolvedTerm{Text: fsn.Term, DescriptionID: fsn.ID, TypeID: fsn.TypeID, UsedFallback: true}
	}
	return ResolvedTerm{}
}

func betterPreferred(a, b *Description, p *CodeSystemProfile) bool {
	aSyn, bSyn := a.TypeID == p.SynonymTypeID, b.TypeID == p.SynonymTypeID
	if aSyn != bSyn {
		return aSyn
	}
	return idLess(a.ID, b.ID)
}

// Designations lists every active description of ids in every language,
// each decorated with its acceptability in the profile's designation
// reference sets. Ordered by language, FSN first, then term.
func (r *TermResolver) Designations(ctx context.Context, cs *CodeSystem, ids []string) (map[string][]Designation, error) {
	p := &cs.Profile
	descs, err := r.descriptions(ctx, cs, ids, DescriptionFilter{Active: activeOnly})
	if err != nil {
		return nil, err
	}

	contexts := make(map[string][]UseContext)
	if len(p.DesignationRefsets) > 0 && len(descs) > 0 {
		descIDs := make([]string, 0, len(descs))
		for _, d := range descs {
			descIDs = append(descIDs, d.ID)
		}
		members, err := r.members(ctx, cs, descIDs, AcceptabilityFilter{
			RefsetIDs: p.DesignationRefsets,
			Active:    activeOnly,
		})
		if err != nil {
			r.logger.Warn().Err(err).Str("system", cs.URL()).Msg("designation use contexts unavailable")
		}
		for _, m := range members {
			role := ""
			switch m.AcceptabilityID {
			case p.PreferredID:
				role = RolePreferred
			case p.AcceptableID:
				role = RoleAcceptable
			default:
				continue
			}
			contexts[m.DescriptionID] = append(contexts[m.DescriptionID], UseContext{RefsetID: m.RefsetID, Role: role})
		}
	}

	sort.Slice(descs, func(i, j int) bool {
		a, b := descs[i], descs[j]
		if a.LanguageCode != b.LanguageCode {
			return a.LanguageCode < b.LanguageCode
		}
		if aFSN, bFSN := a.TypeID == p.FSNTypeID, b.TypeID == p.FSNTypeID; aFSN != bFSN {
			return aFSN
		}
		if a.Term != b.Term {
			return a.Term < b.Term
		}
		return idLess(a.ID, b.ID)
	})

	out := make(map[string][]Designation, len(ids))
	for _, d := range descs {
		ctxs := contexts[d.ID]
		sort.Slice(ctxs, func(i, j int) bool { return ctxs[i].RefsetID < ctxs[j].RefsetID })
		out[d.ConceptID] = append(out[d.ConceptID], Designation{
			Language:   d.LanguageCode,
			UseCode:    d.TypeID,
			UseDisplay: useDisplay(d.TypeID, p),
			Value:      d.Term,
			Contexts:   ctxs,
		})
	}
	return out, nil
}

func useDisplay(typeID string, p *CodeSystemProfile) string {
	switch typeID {
	case p.FSNTypeID:
		return "Fully specified name"
	case p.SynonymTypeID:
		return "Synonym"
	}
	return ""
}

// descriptions drains descriptions of ids chunk by chunk; base supplies the
// remaining filter fields.
func (r *TermResolver) descriptions(ctx context.Context, cs *CodeSystem, ids []string, base DescriptionFilter) ([]*Description, error) {
	return mapChunks(ctx, r.opts, ids, func(ctx context.Context, chunk []string) ([]*Description, error) {
		f := base
		f.ConceptIDs = chunk
		return drain(ctx, r.call, "SearchDescriptions", func(ctx context.Context, p Page) ([]*Description, string, error) {
			return cs.Store.SearchDescriptions(ctx, f, p)
		})
	})
}

func (r *TermResolver) members(ctx context.Context, cs *CodeSystem, descIDs []string, base AcceptabilityFilter) ([]*AcceptabilityMember, error) {
	return mapChunks(ctx, r.opts, descIDs, func(ctx context.Context, chunk []string) ([]*AcceptabilityMember, error) {
		f := base
		f.DescriptionIDs = chunk
		return drain(ctx, r.call, "SearchAcceptability", func(ctx context.Context, p Page) ([]*AcceptabilityMember, string, error) {
			return cs.Store.SearchAcceptability(ctx, f, p)
		})
	})
}

// displayMatches compares a caller supplied display with the expected one
// after display normalisation. Containment in either direction is accepted
// only when both sides have at least minLen characters.
func displayMatches(given, expected string, minLen int) bool {
	a, b := textnorm.NormalizeDisplay(given), textnorm.NormalizeDisplay(expected)
	if a == "" || b == "" {
		return a == b
	}
	if a == b {
		return true
	}
	if len([]rune(a)) < minLen || len([]rune(b)) < minLen {
		return false
	}
	return strings.Contains(a, b) || strings.Contains(b, a)
}
