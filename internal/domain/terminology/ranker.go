package terminology

import (
	"context"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ehr/termserver/pkg/textnorm"
)

// Score adjustments layered over the store's text relevance.
const (
	boostExact        = 50
	boostStartsWith   = 30
	boostWordBoundary = 20
	boostSynonym      = 10
	boostFSN          = 5
	penaltyLongTerm   = 5
	longTermRunes     = 100
)

// Ranked is one concept matched by a text filter, represented by its best
// scoring description.
type Ranked struct {
	Ref    ConceptRef
	Term   string
	TypeID string
	Score  float64

	descID string
}

// Ranker filters concept sets by free text and orders them by relevance.
type Ranker struct {
	opts   Options
	call   caller
	logger zerolog.Logger
}

func newRanker(opts Options, logger zerolog.Logger) *Ranker {
	return &Ranker{opts: opts, call: caller{opts: opts}, logger: logger}
}

// FilterAndRank returns the members of ids that have an active description
// in the requested language matching filter, best first. Candidate sets are
// queried in chunks and merged before ordering, so the result and its
// length do not depend on chunking.
func (r *Ranker) FilterAndRank(ctx context.Context, cs *CodeSystem, ids []string, filter, language string) ([]Ranked, error) {
	q := textnorm.NormalizeDisplay(filter)
	if q == "" {
		return nil, invalidInput("FilterAndRank", "filter text is empty after normalisation")
	}
	lang := parseDisplayLanguage(language, cs.Profile.DefaultLanguage)
	p := &cs.Profile

	descs, err := mapChunks(ctx, r.opts, ids, func(ctx context.Context, chunk []string) ([]*Description, error) {
		f := DescriptionFilter{
			ConceptIDs:   chunk,
			Active:       activeOnly,
			LanguageCode: lang.Base,
			TypeIDs:      []string{p.SynonymTypeID, p.FSNTypeID},
			TextQuery:    q,
		}
		return drain(ctx, r.call, "SearchDescriptions", func(ctx context.Context, pg Page) ([]*Description, string, error) {
			return cs.Store.SearchDescriptions(ctx, f, pg)
		})
	})
	if err != nil {
		return nil, err
	}

	best := make(map[string]Ranked)
	for _, d := range descs {
		cand := Ranked{
			Ref:    ConceptRef{System: cs.URL(), Code: d.ConceptID},
			Term:   d.Term,
			TypeID: d.TypeID,
			Score:  d.Score + adjustScore(q, d.Term, d.TypeID, p),
			descID: d.ID,
		}
		if cur, ok := best[d.ConceptID]; !ok || rankedBefore(cand, cur) {
			best[d.ConceptID] = cand
		}
	}

	out := make([]Ranked, 0, len(best))
	for _, rk := range best {
		out = append(out, rk)
	}
	sortRanked(out)
	return out, nil
}

// adjustScore computes the deterministic boosts for one description. Exact,
// starts-with and word-boundary boosts are mutually exclusive.
func adjustScore(q, term, typeID string, p *CodeSystemProfile) float64 {
	t := textnorm.NormalizeDisplay(term)
	var score float64
	switch {
	case t == q:
		score += boostExact
	case strings.HasPrefix(t, q):
		score += boostStartsWith
	case textnorm.HasWordPrefix(t, q):
		score += boostWordBoundary
	}
	switch typeID {
	case p.SynonymTypeID:
		score += boostSynonym
	case p.FSNTypeID:
		score += boostFSN
	}
	if len([]rune(term)) > longTermRunes {
		score -= penaltyLongTerm
	}
	return score
}

// substrateScore is the store side relevance of a normalized term. A term
// matches when q is a prefix of the term or of one of its words; a whole word
// phrase match then scores 10 and a prefix of the whole term 5. ok is false
// when the term does not match q at all.
func substrateScore(normTerm, q string) (score float64, ok bool) {
	if !textnorm.MatchesWordPrefix(normTerm, q) {
		return 0, false
	}
	if textnorm.HasPhrase(normTerm, q) {
		score += 10
	}
	if strings.HasPrefix(normTerm, q) {
		score += 5
	}
	return score, true
}

// rankedBefore is the total order of ranked results: score desc, then
// case-insensitive term, then system and code. Description id breaks the
// remaining ties between descriptions of one concept.
func rankedBefore(a, b Ranked) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if la, lb := strings.ToLower(a.Term), strings.ToLower(b.Term); la != lb {
		return la < lb
	}
	if a.Ref.System != b.Ref.System {
		return a.Ref.System < b.Ref.System
	}
	if a.Ref.Code != b.Ref.Code {
		return idLess(a.Ref.Code, b.Ref.Code)
	}
	return idLess(a.descID, b.descID)
}

func sortRanked(rs []Ranked) {
	sort.Slice(rs, func(i, j int) bool { return rankedBefore(rs[i], rs[j]) })
}
