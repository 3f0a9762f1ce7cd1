package terminology

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/termserver/internal/platform/telemetry"
	"github.com/ehr/termserver/pkg/pagination"
	"github.com/ehr/termserver/pkg/textnorm"
)

// Service answers $lookup, $validate-code, $expand and $subsumes. It holds no
// per-request state; concurrent calls are safe.
type Service struct {
	reg    *Registry
	opts   Options
	hier   *Hierarchy
	exp    *Expander
	terms  *TermResolver
	ranker *Ranker
	logger zerolog.Logger
	now    func() time.Time
}

// NewService wires the engine. cache may be nil.
func NewService(reg *Registry, opts Options, cache ExpansionCache, logger zerolog.Logger) *Service {
	opts = opts.withDefaults()
	logger = logger.With().Str("component", "terminology").Logger()
	hier := newHierarchy(opts, logger)
	return &Service{
		reg:    reg,
		opts:   opts,
		hier:   hier,
		exp:    newExpander(reg, hier, opts, cache, logger),
		terms:  newTermResolver(opts, logger),
		ranker: newRanker(opts, logger),
		logger: logger,
		now:    time.Now,
	}
}

// Registry exposes the code systems and named ValueSets served.
func (s *Service) Registry() *Registry { return s.reg }

// track opens the operation span and returns a func recording its outcome.
func (s *Service) track(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(*error)) {
	ctx, span := telemetry.StartSpan(ctx, "terminology."+op, attrs...)
	start := time.Now()
	return ctx, func(errp *error) {
		outcome := "ok"
		if err := *errp; err != nil {
			outcome = KindOf(err).String()
			span.RecordError(err)
			span.SetStatus(codes.Error, outcome)
		}
		telemetry.ObserveOperation(op, outcome, time.Since(start))
		span.End()
	}
}

// Lookup returns the details of one concept.
func (s *Service) Lookup(ctx context.Context, req LookupRequest) (res *LookupResult, err error) {
	ctx, done := s.track(ctx, "lookup", attribute.String("system", req.System), attribute.String("code", req.Code))
	defer done(&err)

	if req.System == "" {
		return nil, invalidInput("Lookup", "system is required")
	}
	if req.Code == "" {
		return nil, invalidInput("Lookup", "code is required")
	}
	cs, ok := s.reg.Get(req.System)
	if !ok {
		return nil, unsupportedSystem("Lookup", req.System)
	}

	concept, err := s.hier.getConcept(ctx, cs, req.Code)
	if errors.Is(err, ErrNotFound) {
		return nil, notFound("Lookup", "code %q not found in %s", req.Code, cs.URL())
	}
	if err != nil {
		return nil, err
	}

	res = &LookupResult{
		System:        cs.URL(),
		Name:          cs.Profile.Name,
		Version:       cs.Profile.Version,
		Code:          concept.ID,
		Active:        concept.Active,
		EffectiveTime: concept.EffectiveTime,
		ModuleID:      concept.ModuleID,
	}

	ids := []string{concept.ID}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		terms, err := s.terms.ResolveDisplays(gctx, cs, ids, req.DisplayLanguage)
		if err != nil {
			return err
		}
		res.Display = terms[concept.ID].Text
		return nil
	})
	g.Go(func() error {
		ds, err := s.terms.Designations(gctx, cs, ids)
		if err != nil {
			return err
		}
		res.Designations = ds[concept.ID]
		return nil
	})
	g.Go(func() error {
		var err error
		res.Parents, err = s.hier.Parents(gctx, cs, concept.ID)
		return err
	})
	g.Go(func() error {
		var err error
		res.Children, err = s.hier.Children(gctx, cs, concept.ID)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return res, nil
}

// resolveCompose returns the compose of a request and a label naming it in
// messages. URL is used only when no inline compose is given.
func (s *Service) resolveCompose(op, url string, compose *Compose) (*Compose, string, error) {
	if compose != nil {
		label := url
		if label == "" {
			label = "the supplied value set"
		}
		return compose, label, nil
	}
	if url == "" {
		return nil, "", nil
	}
	vs, ok := s.reg.ValueSet(url)
	if !ok {
		return nil, "", notFound(op, "value set %q not found", url)
	}
	return &vs.Compose, url, nil
}

// ValidateCode checks a code against its code system and optionally a
// ValueSet. An invalid code is a result with Valid=false, never an error.
func (s *Service) ValidateCode(ctx context.Context, req ValidateRequest) (res *ValidateResult, err error) {
	ctx, done := s.track(ctx, "validate-code", attribute.String("system", req.System), attribute.String("code", req.Code))
	defer done(&err)

	if strings.TrimSpace(req.Code) == "" {
		return nil, invalidInput("ValidateCode", "code is required")
	}
	system := req.System
	if system == "" {
		system = SystemSNOMED
	}
	compose, label, err := s.resolveCompose("ValidateCode", req.URL, req.Compose)
	if err != nil {
		return nil, err
	}

	res = &ValidateResult{System: system, Code: req.Code}
	cs, ok := s.reg.Get(system)
	if !ok {
		res.Message = fmt.Sprintf("Code system %s is not supported", system)
		return res, nil
	}
	res.Version = cs.Profile.Version

	concept, err := s.hier.getConcept(ctx, cs, req.Code)
	if errors.Is(err, ErrNotFound) {
		res.Message = fmt.Sprintf("Unknown code %q in code system %s", req.Code, system)
		return res, nil
	}
	if err != nil {
		return nil, err
	}
	if !concept.Active {
		res.Message = fmt.Sprintf("Code %q in code system %s is inactive", req.Code, system)
		return res, nil
	}

	terms, err := s.terms.ResolveDisplays(ctx, cs, []string{concept.ID}, req.DisplayLanguage)
	if err != nil {
		return nil, err
	}
	res.Display = terms[concept.ID].Text

	if compose != nil {
		member, err := s.exp.Contains(ctx, compose, ConceptRef{System: system, Code: concept.ID})
		if err != nil {
			return nil, err
		}
		if !member {
			res.Message = fmt.Sprintf("Code %q from %s is not in %s", req.Code, system, label)
			return res, nil
		}
	}

	res.Valid = true
	if req.Display != "" && !displayMatches(req.Display, res.Display, s.opts.MinDisplayMatchLength) {
		res.Message = fmt.Sprintf("Display %q does not match the expected display %q for code %q", req.Display, res.Display, req.Code)
		if s.opts.StrictDisplay {
			res.Valid = false
		}
	}
	return res, nil
}

// Expand evaluates a ValueSet, filters and ranks it when filter text is
// given, and returns one page with displays resolved for that page only.
func (s *Service) Expand(ctx context.Context, req ExpandRequest) (res *Expansion, err error) {
	ctx, done := s.track(ctx, "expand", attribute.String("url", req.URL), attribute.String("filter", req.Filter))
	defer done(&err)

	compose, _, err := s.resolveCompose("Expand", req.URL, req.Compose)
	if err != nil {
		return nil, err
	}
	if compose == nil {
		return nil, invalidInput("Expand", "a value set url or compose is required")
	}
	if req.Offset < 0 {
		return nil, invalidInput("Expand", "offset must not be negative")
	}
	if req.Count != nil && *req.Count < 0 {
		return nil, invalidInput("Expand", "count must not be negative")
	}
	count := pagination.DefaultLimit
	if req.Count != nil {
		count = pagination.ClampLimit(*req.Count)
	}

	members, err := s.exp.Expand(ctx, compose)
	if err != nil {
		return nil, err
	}

	var (
		page   []ConceptRef
		terms  = make(map[ConceptRef]string)
		total  int
		filter = strings.TrimSpace(req.Filter)
	)
	if textnorm.NormalizeDisplay(filter) == "" {
		total = len(members.Members)
		page = pagination.Window(members.Members, req.Offset, count)
	} else {
		ranked, err := s.rankAll(ctx, members.Members, filter, req.DisplayLanguage)
		if err != nil {
			return nil, err
		}
		total = len(ranked)
		for _, rk := range pagination.Window(ranked, req.Offset, count) {
			page = append(page, rk.Ref)
			terms[rk.Ref] = rk.Term
		}
	}

	contains, err := s.describePage(ctx, page, terms, req.DisplayLanguage, req.IncludeDesignations)
	if err != nil {
		return nil, err
	}

	res = &Expansion{
		ID:              uuid.NewString(),
		URL:             req.URL,
		Timestamp:       s.now().UTC(),
		Total:           total,
		Offset:          req.Offset,
		Count:           count,
		DisplayLanguage: parseDisplayLanguage(req.DisplayLanguage, "en").Tag,
		Filter:          filter,
		UsedSystems:     members.Systems,
		Contains:        contains,
		Warnings:        members.Warnings,
	}
	var copyrights []string
	for _, u := range members.Systems {
		if cs, ok := s.reg.Get(u.System); ok && cs.Profile.Copyright != "" {
			copyrights = append(copyrights, cs.Profile.Copyright)
		}
	}
	res.Copyright = strings.Join(copyrights, " ")
	return res, nil
}

// rankAll ranks members system by system and merges the results.
func (s *Service) rankAll(ctx context.Context, members []ConceptRef, filter, language string) ([]Ranked, error) {
	var all []Ranked
	for _, group := range groupBySystem(members) {
		cs, ok := s.reg.Get(group.system)
		if !ok {
			continue
		}
		ranked, err := s.ranker.FilterAndRank(ctx, cs, group.codes, filter, language)
		if err != nil {
			return nil, err
		}
		all = append(all, ranked...)
	}
	sortRanked(all)
	return all, nil
}

// describePage resolves displays, and designations when asked, for one page.
// matched holds the filter-matched term, used when no display resolves.
func (s *Service) describePage(ctx context.Context, page []ConceptRef, matched map[ConceptRef]string, language string, designations bool) ([]ExpansionItem, error) {
	displays := make(map[ConceptRef]ResolvedTerm, len(page))
	desigs := make(map[ConceptRef][]Designation)
	for _, group := range groupBySystem(page) {
		cs, ok := s.reg.Get(group.system)
		if !ok {
			continue
		}
		resolved, err := s.terms.ResolveDisplays(ctx, cs, group.codes, language)
		if err != nil {
			return nil, err
		}
		for code, t := range resolved {
			displays[ConceptRef{System: group.system, Code: code}] = t
		}
		if designations {
			ds, err := s.terms.Designations(ctx, cs, group.codes)
			if err != nil {
				return nil, err
			}
			for code, d := range ds {
				desigs[ConceptRef{System: group.system, Code: code}] = d
			}
		}
	}

	items := make([]ExpansionItem, 0, len(page))
	for _, ref := range page {
		t := displays[ref]
		display := t.Text
		if term := matched[ref]; term != "" && t.UsedFallback && t.Text == ref.Code {
			display = term
		}
		items = append(items, ExpansionItem{
			System:       ref.System,
			Code:         ref.Code,
			Display:      display,
			Designations: desigs[ref],
		})
	}
	return items, nil
}

type systemGroup struct {
	system string
	codes  []string
}

// groupBySystem splits refs per system, keeping first-seen system order and
// the order of codes within each system.
func groupBySystem(refs []ConceptRef) []systemGroup {
	var groups []systemGroup
	index := make(map[string]int)
	for _, r := range refs {
		i, ok := index[r.System]
		if !ok {
			i = len(groups)
			index[r.System] = i
			groups = append(groups, systemGroup{system: r.System})
		}
		groups[i].codes = append(groups[i].codes, r.Code)
	}
	return groups
}

// Subsumes tests the hierarchical relation between two codes of one system.
func (s *Service) Subsumes(ctx context.Context, req SubsumesRequest) (res *SubsumesResult, err error) {
	ctx, done := s.track(ctx, "subsumes", attribute.String("system", req.System))
	defer done(&err)

	if req.System == "" {
		return nil, invalidInput("Subsumes", "system is required")
	}
	if req.CodeA == "" || req.CodeB == "" {
		return nil, invalidInput("Subsumes", "codeA and codeB are required")
	}
	cs, ok := s.reg.Get(req.System)
	if !ok {
		return nil, unsupportedSystem("Subsumes", req.System)
	}
	for _, code := range []string{req.CodeA, req.CodeB} {
		if _, err := s.hier.getConcept(ctx, cs, code); errors.Is(err, ErrNotFound) {
			return nil, notFound("Subsumes", "code %q not found in %s", code, cs.URL())
		} else if err != nil {
			return nil, err
		}
	}

	res = &SubsumesResult{System: cs.URL(), CodeA: req.CodeA, CodeB: req.CodeB, Outcome: SubsumesNotSubsumed}
	if req.CodeA == req.CodeB {
		res.Outcome = SubsumesEquivalent
		return res, nil
	}
	ancB, err := s.hier.Ancestors(ctx, cs, req.CodeB)
	if err != nil {
		return nil, err
	}
	if ancB.Has(req.CodeA) {
		res.Outcome = SubsumesSubsumes
		return res, nil
	}
	ancA, err := s.hier.Ancestors(ctx, cs, req.CodeA)
	if err != nil {
		return nil, err
	}
	if ancA.Has(req.CodeB) {
		res.Outcome = SubsumesSubsumedBy
	}
	return res, nil
}
