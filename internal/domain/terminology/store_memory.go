package terminology

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/ehr/termserver/pkg/textnorm"
)

// Fixture is the JSON document accepted by LoadMemoryStore.
type Fixture struct {
	Concepts      []Concept             `json:"concepts"`
	Descriptions  []Description         `json:"descriptions"`
	Relationships []Relationship        `json:"relationships"`
	Acceptability []AcceptabilityMember `json:"acceptability"`
}

// MemoryStore is an in-process Store for tests, demos and small
// terminologies. It is safe for concurrent use.
type MemoryStore struct {
	mu            sync.RWMutex
	concepts      map[string]Concept
	descriptions  map[string][]Description
	bySource      map[string][]Relationship
	byDestination map[string][]Relationship
	acceptability map[string][]AcceptabilityMember
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		concepts:      make(map[string]Concept),
		descriptions:  make(map[string][]Description),
		bySource:      make(map[string][]Relationship),
		byDestination: make(map[string][]Relationship),
		acceptability: make(map[string][]AcceptabilityMember),
	}
}

// ReadFixture reads a JSON fixture file.
func ReadFixture(path string) (Fixture, error) {
	f, err := os.Open(path)
	if err != nil {
		return Fixture{}, fmt.Errorf("open fixture: %w", err)
	}
	defer f.Close()
	return DecodeFixture(f)
}

// DecodeFixture decodes a JSON fixture.
func DecodeFixture(r io.Reader) (Fixture, error) {
	var fx Fixture
	if err := json.NewDecoder(r).Decode(&fx); err != nil {
		return Fixture{}, fmt.Errorf("decode fixture: %w", err)
	}
	return fx, nil
}

// LoadMemoryStore reads a JSON fixture file into a new store.
func LoadMemoryStore(path string) (*MemoryStore, error) {
	fx, err := ReadFixture(path)
	if err != nil {
		return nil, err
	}
	s := NewMemoryStore()
	s.Load(fx)
	return s, nil
}

// NewMemoryStoreFromFixture decodes a JSON fixture into a new store.
func NewMemoryStoreFromFixture(r io.Reader) (*MemoryStore, error) {
	fx, err := DecodeFixture(r)
	if err != nil {
		return nil, err
	}
	s := NewMemoryStore()
	s.Load(fx)
	return s, nil
}

// Load adds every record of fx.
func (s *MemoryStore) Load(fx Fixture) {
	for _, c := range fx.Concepts {
		s.AddConcept(c)
	}
	for _, d := range fx.Descriptions {
		s.AddDescription(d)
	}
	for _, r := range fx.Relationships {
		s.AddRelationship(r)
	}
	for _, m := range fx.Acceptability {
		s.AddAcceptability(m)
	}
}

func (s *MemoryStore) AddConcept(c Concept) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.concepts[c.ID] = c
}

func (s *MemoryStore) AddDescription(d Description) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d.Score = 0
	s.descriptions[d.ConceptID] = append(s.descriptions[d.ConceptID], d)
}

func (s *MemoryStore) AddRelationship(r Relationship) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bySource[r.SourceID] = append(s.bySource[r.SourceID], r)
	s.byDestination[r.DestinationID] = append(s.byDestination[r.DestinationID], r)
}

func (s *MemoryStore) AddAcceptability(m AcceptabilityMember) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acceptability[m.DescriptionID] = append(s.acceptability[m.DescriptionID], m)
}

// Counts reports the number of records held, for startup logging.
func (s *MemoryStore) Counts() (concepts, descriptions, relationships int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ds := range s.descriptions {
		descriptions += len(ds)
	}
	for _, rs := range s.bySource {
		relationships += len(rs)
	}
	return len(s.concepts), descriptions, relationships
}

func (s *MemoryStore) GetConcept(ctx context.Context, id string) (*Concept, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.concepts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

func matchesActive(want *bool, active bool) bool {
	return want == nil || *want == active
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func (s *MemoryStore) SearchDescriptions(ctx context.Context, f DescriptionFilter, p Page) ([]*Description, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	s.mu.RLock()
	var out []*Description
	visit := func(ds []Description) {
		for _, d := range ds {
			if !matchesActive(f.Active, d.Active) {
				continue
			}
			if f.LanguageCode != "" && !strings.EqualFold(d.LanguageCode, f.LanguageCode) {
				continue
			}
			if len(f.TypeIDs) > 0 && !containsString(f.TypeIDs, d.TypeID) {
				continue
			}
			if f.TextQuery != "" {
				score, ok := substrateScore(textnorm.NormalizeDisplay(d.Term), f.TextQuery)
				if !ok {
					continue
				}
				d.Score = score
			}
			out = append(out, &d)
		}
	}
	if len(f.ConceptIDs) > 0 {
		seen := make(map[string]bool, len(f.ConceptIDs))
		for _, id := range f.ConceptIDs {
			if !seen[id] {
				seen[id] = true
				visit(s.descriptions[id])
			}
		}
	} else {
		for _, ds := range s.descriptions {
			visit(ds)
		}
	}
	s.mu.RUnlock()

	if f.TextQuery != "" {
		sort.Slice(out, func(i, j int) bool {
			a, b := out[i], out[j]
			if a.Score != b.Score {
				return a.Score > b.Score
			}
			if la, lb := strings.ToLower(a.Term), strings.ToLower(b.Term); la != lb {
				return la < lb
			}
			return idLess(a.ID, b.ID)
		})
	} else {
		sort.Slice(out, func(i, j int) bool { return idLess(out[i].ID, out[j].ID) })
	}
	return pageOf(out, p)
}

func (s *MemoryStore) SearchRelationships(ctx context.Context, f RelationshipFilter, p Page) ([]*Relationship, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	index, ids := s.bySource, f.SourceIDs
	if len(f.DestinationIDs) > 0 {
		index, ids = s.byDestination, f.DestinationIDs
	}
	s.mu.RLock()
	var out []*Relationship
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		for _, r := range index[id] {
			if f.TypeID != "" && r.TypeID != f.TypeID {
				continue
			}
			if !matchesActive(f.Active, r.Active) {
				continue
			}
			out = append(out, &r)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return idLess(out[i].ID, out[j].ID) })
	return pageOf(out, p)
}

func (s *MemoryStore) SearchAcceptability(ctx context.Context, f AcceptabilityFilter, p Page) ([]*AcceptabilityMember, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	s.mu.RLock()
	var out []*AcceptabilityMember
	seen := make(map[string]bool, len(f.DescriptionIDs))
	for _, id := range f.DescriptionIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		for _, m := range s.acceptability[id] {
			if len(f.RefsetIDs) > 0 && !containsString(f.RefsetIDs, m.RefsetID) {
				continue
			}
			if f.AcceptabilityID != "" && m.AcceptabilityID != f.AcceptabilityID {
				continue
			}
			if !matchesActive(f.Active, m.Active) {
				continue
			}
			out = append(out, &m)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].DescriptionID != out[j].DescriptionID {
			return idLess(out[i].DescriptionID, out[j].DescriptionID)
		}
		return out[i].RefsetID < out[j].RefsetID
	})
	return pageOf(out, p)
}
