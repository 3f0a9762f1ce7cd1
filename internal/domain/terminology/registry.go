package terminology

import (
	"fmt"
	"sort"
)

// CodeSystem pairs a code system's profile with the store holding its
// content.
type CodeSystem struct {
	Profile CodeSystemProfile
	Store   Store
}

// URL returns the canonical url of the code system.
func (cs *CodeSystem) URL() string { return cs.Profile.URL }

// Registry resolves code system urls to their profile and store. It is
// built once at startup and read-only afterwards.
type Registry struct {
	profile *Profile
	systems map[string]*CodeSystem
}

// NewRegistry registers every profiled code system that has a store. A store
// for a system missing from the profile is a configuration error.
func NewRegistry(profile *Profile, stores map[string]Store) (*Registry, error) {
	r := &Registry{profile: profile, systems: make(map[string]*CodeSystem)}
	for url := range stores {
		found := false
		for _, cs := range profile.CodeSystems {
			if cs.URL == url {
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("terminology: store registered for unprofiled code system %s", url)
		}
	}
	for _, p := range profile.CodeSystems {
		if st, ok := stores[p.URL]; ok && st != nil {
			r.systems[p.URL] = &CodeSystem{Profile: p, Store: st}
		}
	}
	if len(r.systems) == 0 {
		return nil, fmt.Errorf("terminology: no code system has a store")
	}
	return r, nil
}

// Get returns the code system registered under url.
func (r *Registry) Get(url string) (*CodeSystem, bool) {
	cs, ok := r.systems[url]
	return cs, ok
}

// URLs returns the registered code system urls in sorted order.
func (r *Registry) URLs() []string {
	urls := make([]string, 0, len(r.systems))
	for u := range r.systems {
		urls = append(urls, u)
	}
	sort.Strings(urls)
	return urls
}

// ValueSet returns the named ValueSet registered under url.
func (r *Registry) ValueSet(url string) (*NamedValueSet, bool) {
	return r.profile.ValueSet(url)
}

// ValueSets returns every named ValueSet.
func (r *Registry) ValueSets() []NamedValueSet {
	return r.profile.ValueSets
}

// IDSet is a set of concept ids.
type IDSet map[string]struct{}

func (s IDSet) Add(id string) { s[id] = struct{}{} }

func (s IDSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Sorted returns the members in ascending id order.
func (s IDSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return idLess(out[i], out[j]) })
	return out
}

// idLess orders ids numerically when both are digit strings and
// lexicographically otherwise.
func idLess(a, b string) bool {
	if isDigits(a) && isDigits(b) {
		a, b = trimZeros(a), trimZeros(b)
		if len(a) != len(b) {
			return len(a) < len(b)
		}
	}
	return a < b
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func trimZeros(s string) string {
	for len(s) > 1 && s[0] == '0' {
		s = s[1:]
	}
	return s
}
