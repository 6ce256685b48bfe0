// Package memory provides in-memory stores for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/JakeFAU/travel-routes/internal/routes"
)

// RouteStore keeps route records in a map guarded by a single mutex, so an
// upsert's lookup and write happen atomically.
type RouteStore struct {
	mu     sync.RWMutex
	byID   map[string]routes.RouteRecord
	byName map[string]string
	ids    routes.IDGenerator
}

// NewRouteStore constructs a RouteStore using ids for new records.
func NewRouteStore(ids routes.IDGenerator) *RouteStore {
	return &RouteStore{
		byID:   make(map[string]routes.RouteRecord),
		byName: make(map[string]string),
		ids:    ids,
	}
}

// Upsert replaces the record stored under the same name, or inserts it.
func (s *RouteStore) Upsert(ctx context.Context, record routes.RouteRecord) (routes.RouteRecord, error) {
	if err := ctx.Err(); err != nil {
		return routes.RouteRecord{}, fmt.Errorf("upsert %q: %w", record.Name, err)
	}
	if record.Name == "" {
		return routes.RouteRecord{}, routes.ErrMissingName
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	next := record.Clone().Normalize()
	if id, ok := s.byName[record.Name]; ok {
		prev := s.byID[id]
		next.ID = id
		if prev.LastUpdated.After(next.LastUpdated) {
			next.LastUpdated = prev.LastUpdated
		}
	} else {
		id, err := s.ids.NewID()
		if err != nil {
			return routes.RouteRecord{}, fmt.Errorf("upsert %q: %w", record.Name, err)
		}
		next.ID = id
		s.byName[record.Name] = id
	}
	s.byID[next.ID] = next
	return next.Clone(), nil
}

// Find returns the records matching filter ordered by name.
func (s *RouteStore) Find(ctx context.Context, filter routes.Filter) ([]routes.RouteRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("find routes: %w", err)
	}
	terms := searchTerms(filter.Search)

	s.mu.RLock()
	out := make([]routes.RouteRecord, 0, len(s.byID))
	for _, rec := range s.byID {
		if matches(rec, filter, terms) {
			out = append(out, rec.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return paginate(out, filter.Offset, filter.Limit), nil
}

// FindByID fetches a record by its storage id.
func (s *RouteStore) FindByID(ctx context.Context, id string) (routes.RouteRecord, error) {
	if err := ctx.Err(); err != nil {
		return routes.RouteRecord{}, fmt.Errorf("find route %q: %w", id, err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byID[id]
	if !ok {
		return routes.RouteRecord{}, routes.ErrNotFound
	}
	return rec.Clone(), nil
}

// Ping always succeeds.
func (s *RouteStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *RouteStore) Close() {}

// Len reports the number of stored records.
func (s *RouteStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

func matches(rec routes.RouteRecord, f routes.Filter, terms []string) bool {
	if len(terms) > 0 && !matchesText(rec, terms) {
		return false
	}
	if f.MinPrice != "" && rec.Price < f.MinPrice {
		return false
	}
	if f.MaxPrice != "" && rec.Price > f.MaxPrice {
		return false
	}
	if f.MaxDuration != "" && rec.Duration > f.MaxDuration {
		return false
	}
	return true
}

// matchesText reports whether any search term appears as a word of the name
// or description, ignoring case.
func matchesText(rec routes.RouteRecord, terms []string) bool {
	words := make(map[string]struct{})
	for _, w := range searchTerms(rec.Name + " " + rec.Description) {
		words[w] = struct{}{}
	}
	for _, term := range terms {
		if _, ok := words[term]; ok {
			return true
		}
	}
	return false
}

func searchTerms(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// paginate treats a negative offset as zero, like the SQL and Mongo stores.
func paginate(recs []routes.RouteRecord, offset, limit int) []routes.RouteRecord {
	offset = max(offset, 0)
	if offset >= len(recs) {
		return []routes.RouteRecord{}
	}
	recs = recs[offset:]
	if limit > 0 && limit < len(recs) {
		recs = recs[:limit]
	}
	return recs
}
