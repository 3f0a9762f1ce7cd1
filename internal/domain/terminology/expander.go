package terminology

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/termserver/internal/platform/telemetry"
)

// ExpansionCache memoises complete expansions. A miss is (nil, false, nil).
type ExpansionCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// MemberSet is the evaluated membership of a compose, before ranking and
// pagination.
type MemberSet struct {
	Members  []ConceptRef     `json:"members"`
	Systems  []UsedCodeSystem `json:"systems,omitempty"`
	Warnings []string         `json:"warnings,omitempty"`
}

// Expander evaluates compose definitions into concept sets.
type Expander struct {
	reg    *Registry
	hier   *Hierarchy
	opts   Options
	cache  ExpansionCache
	logger zerolog.Logger
}

func newExpander(reg *Registry, hier *Hierarchy, opts Options, cache ExpansionCache, logger zerolog.Logger) *Expander {
	return &Expander{reg: reg, hier: hier, opts: opts, cache: cache, logger: logger}
}

type refSet map[ConceptRef]struct{}

// clauseEval accumulates warnings and contributing systems while clauses are
// evaluated.
type clauseEval struct {
	warnings []string
	systems  map[string]bool
}

func (e *clauseEval) warn(format string, args ...any) {
	e.warnings = append(e.warnings, fmt.Sprintf(format, args...))
}

// Expand returns (union of includes) minus (union of excludes), sorted by
// system then code. Unsupported systems, empty clauses and invalid filter
// roots are skipped with a warning; store failures abort the expansion.
func (x *Expander) Expand(ctx context.Context, compose *Compose) (*MemberSet, error) {
	if compose == nil {
		return nil, invalidInput("Expand", "compose is required")
	}

	key := x.cacheKey(compose)
	if cached, ok := x.fromCache(ctx, key); ok {
		return cached, nil
	}

	ev := &clauseEval{systems: make(map[string]bool)}
	include := make(refSet)
	for i := range compose.Include {
		if err := x.evalClause(ctx, &compose.Include[i], ev, include, true); err != nil {
			return nil, err
		}
	}
	exclude := make(refSet)
	for i := range compose.Exclude {
		if err := x.evalClause(ctx, &compose.Exclude[i], ev, exclude, false); err != nil {
			return nil, err
		}
	}

	members := make([]ConceptRef, 0, len(include))
	for ref := range include {
		if _, drop := exclude[ref]; !drop {
			members = append(members, ref)
		}
	}
	sortRefs(members)

	result := &MemberSet{Members: members, Warnings: ev.warnings}
	for _, url := range x.reg.URLs() {
		if ev.systems[url] {
			cs, _ := x.reg.Get(url)
			result.Systems = append(result.Systems, UsedCodeSystem{System: url, Version: cs.Profile.Version})
		}
	}

	for _, w := range ev.warnings {
		x.logger.Warn().Str("warning", w).Msg("compose clause skipped")
	}
	x.toCache(ctx, key, result)
	return result, nil
}

func sortRefs(refs []ConceptRef) {
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].System != refs[j].System {
			return refs[i].System < refs[j].System
		}
		return idLess(refs[i].Code, refs[j].Code)
	})
}

func (x *Expander) evalClause(ctx context.Context, cl *ComposeClause, ev *clauseEval, into refSet, include bool) error {
	kind := "include"
	if !include {
		kind = "exclude"
	}
	if cl.System == "" {
		ev.warn("%s clause without a system ignored", kind)
		return nil
	}
	cs, ok := x.reg.Get(cl.System)
	if !ok {
		ev.warn("%s clause for unsupported code system %s ignored", kind, cl.System)
		return nil
	}
	if len(cl.Concept) == 0 && len(cl.Filter) == 0 {
		ev.warn("%s clause for %s has neither concepts nor filters and was ignored", kind, cl.System)
		return nil
	}
	if include {
		ev.systems[cs.URL()] = true
	}

	add := func(ids ...string) {
		for _, id := range ids {
			into[ConceptRef{System: cs.URL(), Code: id}] = struct{}{}
		}
	}

	explicit := make([]string, 0, len(cl.Concept))
	for _, c := range cl.Concept {
		explicit = append(explicit, c.Code)
	}

	for _, f := range cl.Filter {
		if f.Property != "concept" {
			ev.warn("filter on unsupported property %q in %s ignored", f.Property, cs.URL())
			continue
		}
		switch f.Op {
		case FilterOpIsA, FilterOpDescendentOf:
			desc, err := x.hier.Descendants(ctx, cs, f.Value)
			if KindOf(err) == KindNotFound {
				ev.warn("%s filter root %s: %s; filter ignored", f.Op, f.Value, Message(err))
				continue
			}
			if err != nil {
				return err
			}
			if f.Op == FilterOpIsA {
				add(f.Value)
			}
			for id := range desc {
				add(id)
			}
		case FilterOpEqual:
			explicit = append(explicit, strings.TrimSpace(f.Value))
		case FilterOpIn:
			for _, code := range strings.Split(f.Value, ",") {
				if code = strings.TrimSpace(code); code != "" {
					explicit = append(explicit, code)
				}
			}
		default:
			ev.warn("filter operator %q in %s is not supported; filter ignored", f.Op, cs.URL())
		}
	}

	if len(explicit) == 0 {
		return nil
	}
	if !x.opts.StrictExplicitCodes {
		add(explicit...)
		return nil
	}
	known, err := x.activeCodes(ctx, cs, explicit)
	if err != nil {
		return err
	}
	for _, code := range explicit {
		if known.Has(code) {
			add(code)
		} else {
			ev.warn("code %s is unknown or inactive in %s and was ignored", code, cs.URL())
		}
	}
	return nil
}

// activeCodes returns the subset of codes that exist and are active.
func (x *Expander) activeCodes(ctx context.Context, cs *CodeSystem, codes []string) (IDSet, error) {
	unique := dedupe(codes, "").Sorted()
	active := make([]bool, len(unique))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(x.opts.BatchConcurrency)
	for i, code := range unique {
		g.Go(func() error {
			c, err := x.hier.getConcept(gctx, cs, code)
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			active[i] = c.Active
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(IDSet)
	for i, code := range unique {
		if active[i] {
			out.Add(code)
		}
	}
	return out, nil
}

// Contains reports whether ref is a member of compose without expanding it.
// IS-A filters are answered from the ancestors of ref, so the cost is bound
// by the depth of ref rather than the size of the value set.
func (x *Expander) Contains(ctx context.Context, compose *Compose, ref ConceptRef) (bool, error) {
	if compose == nil {
		return false, invalidInput("Contains", "compose is required")
	}
	cs, ok := x.reg.Get(ref.System)
	if !ok {
		return false, nil
	}

	m := &membership{x: x, cs: cs, code: ref.Code}
	included := false
	for i := range compose.Include {
		hit, err := m.matches(ctx, &compose.Include[i])
		if err != nil {
			return false, err
		}
		if hit {
			included = true
			break
		}
	}
	if !included {
		return false, nil
	}
	for i := range compose.Exclude {
		hit, err := m.matches(ctx, &compose.Exclude[i])
		if err != nil {
			return false, err
		}
		if hit {
			return false, nil
		}
	}
	return true, nil
}

// membership answers clause matches for one code, fetching its ancestors and
// root activity lazily and at most once.
type membership struct {
	x    *Expander
	cs   *CodeSystem
	code string

	once      sync.Once
	ancestors IDSet
	ancErr    error
	active    map[string]bool
}

func (m *membership) ancestorSet(ctx context.Context) (IDSet, error) {
	m.once.Do(func() {
		m.ancestors, m.ancErr = m.x.hier.Ancestors(ctx, m.cs, m.code)
	})
	return m.ancestors, m.ancErr
}

func (m *membership) isActive(ctx context.Context, id string) (bool, error) {
	if v, ok := m.active[id]; ok {
		return v, nil
	}
	c, err := m.x.hier.getConcept(ctx, m.cs, id)
	if errors.Is(err, ErrNotFound) {
		err, c = nil, &Concept{ID: id}
	}
	if err != nil {
		return false, err
	}
	if m.active == nil {
		m.active = make(map[string]bool)
	}
	m.active[id] = c.Active
	return c.Active, nil
}

func (m *membership) explicitHit(ctx context.Context) (bool, error) {
	if !m.x.opts.StrictExplicitCodes {
		return true, nil
	}
	return m.isActive(ctx, m.code)
}

func (m *membership) matches(ctx context.Context, cl *ComposeClause) (bool, error) {
	if cl.System != m.cs.URL() {
		return false, nil
	}
	for _, c := range cl.Concept {
		if c.Code == m.code {
			return m.explicitHit(ctx)
		}
	}
	for _, f := range cl.Filter {
		if f.Property != "concept" {
			continue
		}
		switch f.Op {
		case FilterOpIsA, FilterOpDescendentOf:
			if f.Op == FilterOpDescendentOf && f.Value == m.code {
				continue
			}
			if f.Value != m.code {
				anc, err := m.ancestorSet(ctx)
				if err != nil {
					return false, err
				}
				if !anc.Has(f.Value) {
					continue
				}
			}
			active, err := m.isActive(ctx, f.Value)
			if err != nil {
				return false, err
			}
			if active {
				return true, nil
			}
		case FilterOpEqual:
			if strings.TrimSpace(f.Value) == m.code {
				return m.explicitHit(ctx)
			}
		case FilterOpIn:
			for _, code := range strings.Split(f.Value, ",") {
				if strings.TrimSpace(code) == m.code {
					return m.explicitHit(ctx)
				}
			}
		}
	}
	return false, nil
}

// cacheKey hashes the compose together with every registered code system
// version so a release change invalidates old entries.
func (x *Expander) cacheKey(compose *Compose) string {
	if x.cache == nil {
		return ""
	}
	h := sha256.New()
	_ = json.NewEncoder(h).Encode(compose)
	for _, url := range x.reg.URLs() {
		cs, _ := x.reg.Get(url)
		fmt.Fprintf(h, "%s|%s\n", url, cs.Profile.Version)
	}
	fmt.Fprintf(h, "strict=%t\n", x.opts.StrictExplicitCodes)
	return hex.EncodeToString(h.Sum(nil))
}

func (x *Expander) fromCache(ctx context.Context, key string) (*MemberSet, bool) {
	if x.cache == nil {
		return nil, false
	}
	data, ok, err := x.cache.Get(ctx, key)
	if err != nil {
		telemetry.ExpansionCacheTotal.WithLabelValues("error").Inc()
		x.logger.Warn().Err(err).Msg("expansion cache read failed")
		return nil, false
	}
	if !ok {
		telemetry.ExpansionCacheTotal.WithLabelValues("miss").Inc()
		return nil, false
	}
	var ms MemberSet
	if err := json.Unmarshal(data, &ms); err != nil {
		telemetry.ExpansionCacheTotal.WithLabelValues("error").Inc()
		x.logger.Warn().Err(err).Msg("discarding undecodable expansion cache entry")
		return nil, false
	}
	telemetry.ExpansionCacheTotal.WithLabelValues("hit").Inc()
	return &ms, true
}

func (x *Expander) toCache(ctx context.Context, key string, ms *MemberSet) {
	if x.cache == nil {
		return
	}
	data, err := json.Marshal(ms)
	if err != nil {
		return
	}
	if err := x.cache.Set(ctx, key, data, x.opts.CacheTTL); err != nil {
		x.logger.Warn().Err(err).Msg("expansion cache write failed")
	}
}
