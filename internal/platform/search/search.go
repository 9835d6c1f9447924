// Package search evaluates FHIR search parameters against the current
// versions held by a store.
package search

import (
	"context"
	"net/url"
	"sort"
	"strings"

	"github.com/ehr/fhirtx/internal/platform/fhir"
)

// Source lists the live resources of a type.
type Source interface {
	Current(ctx context.Context, typeName string) ([]*fhir.Entry, error)
}

// Results are the keys matching a search, in result order.
type Results struct {
	Keys  []fhir.Key
	Count int
}

// Searcher evaluates search parameters. It holds no mutable state.
type Searcher struct {
	source Source
}

// New returns a Searcher over source.
func New(source Source) *Searcher {
	return &Searcher{source: source}
}

// GetSearchResults returns the keys of resources of typeName matching the
// filter. Result-shaping parameters (_count, _sort and the like) are
// ignored. Unknown parameters and malformed values are a BadRequest.
func (s *Searcher) GetSearchResults(ctx context.Context, typeName string, filter url.Values) (*Results, error) {
	entries, err := s.match(ctx, typeName, fhir.MatchParameters(filter))
	if err != nil {
		return nil, err
	}
	res := &Results{Keys: make([]fhir.Key, 0, len(entries)), Count: len(entries)}
	for _, e := range entries {
		res.Keys = append(res.Keys, e.Key.WithoutVersion())
	}
	return res, nil
}

// Search returns matching entries ordered by _sort (default: resource id).
func (s *Searcher) Search(ctx context.Context, typeName string, query url.Values) ([]*fhir.Entry, error) {
	entries, err := s.match(ctx, typeName, fhir.MatchParameters(query))
	if err != nil {
		return nil, err
	}
	if err := sortEntries(entries, query.Get("_sort")); err != nil {
		return nil, err
	}
	return entries, nil
}

type criterion struct {
	name     string
	param    param
	modifier Modifier
	// values are ORed; criteria are ANDed.
	values []string
}

func compile(filter url.Values) ([]criterion, error) {
	names := make([]string, 0, len(filter))
	for k := range filter {
		names = append(names, k)
	}
	sort.Strings(names)

	var out []criterion
	for _, raw := range names {
		name, mod := ParseParamModifier(raw)
		p, ok := params[name]
		if !ok {
			return nil, fhir.BadRequest("unknown search parameter %q", name)
		}
		if !p.accepts(mod) {
			return nil, fhir.BadRequest("modifier %q is not supported on %q", mod, name)
		}
		for _, v := range filter[raw] {
			c := criterion{name: name, param: p, modifier: mod}
			for _, part := range strings.Split(v, ",") {
				if part = strings.TrimSpace(part); part != "" {
					c.values = append(c.values, part)
				}
			}
			if len(c.values) == 0 {
				return nil, fhir.BadRequest("search parameter %q has no value", raw)
			}
			if err := c.validate(); err != nil {
				return nil, err
			}
			out = append(out, c)
		}
	}
	return out, nil
}

func (c criterion) validate() error {
	for _, v := range c.values {
		switch {
		case c.modifier == ModifierMissing:
			if v != "true" && v != "false" {
				return fhir.BadRequest("%s:missing must be true or false", c.name)
			}
		case c.param.kind == kindDate:
			_, value := ParseSearchValue(v)
			if _, err := parseDateRange(value); err != nil {
				return fhir.BadRequest("%s: %s", c.name, err.Error())
			}
		}
	}
	return nil
}

func (s *Searcher) match(ctx context.Context, typeName string, filter url.Values) ([]*fhir.Entry, error) {
	criteria, err := compile(filter)
	if err != nil {
		return nil, err
	}
	entries, err := s.source.Current(ctx, typeName)
	if err != nil {
		return nil, err
	}

	out := entries[:0]
	for _, e := range entries {
		if matchesAll(e.Resource, criteria) {
			out = append(out, e)
		}
	}
	return out, nil
}

func matchesAll(resource map[string]interface{}, criteria []criterion) bool {
	for _, c := range criteria {
		if !c.matches(resource) {
			return false
		}
	}
	return true
}

func (c criterion) matches(resource map[string]interface{}) bool {
	var nodes []interface{}
	for _, p := range c.param.paths {
		nodes = append(nodes, collect(resource, strings.Split(p, "."))...)
	}

	if c.modifier == ModifierMissing {
		return (len(nodes) == 0) == (c.values[0] == "true")
	}
	if c.modifier == ModifierNot {
		for _, v := range c.values {
			if anyNode(nodes, c.param.kind, ModifierNone, v) {
				return false
			}
		}
		return true
	}
	for _, v := range c.values {
		if anyNode(nodes, c.param.kind, c.modifier, v) {
			return true
		}
	}
	return false
}

func anyNode(nodes []interface{}, kind paramKind, mod Modifier, value string) bool {
	for _, n := range nodes {
		var ok bool
		switch kind {
		case kindToken:
			ok = matchToken(n, value)
		case kindString:
			ok = matchString(n, mod, value)
		case kindReference:
			ok = matchReference(n, value)
		case kindURI:
			s, isStr := n.(string)
			ok = isStr && s == value
		case kindDate:
			ok = matchDate(n, value)
		}
		if ok {
			return true
		}
	}
	return false
}

// collect returns every value at path under node, flattening arrays.
func collect(node interface{}, path []string) []interface{} {
	switch n := node.(type) {
	case []interface{}:
		var out []interface{}
		for _, item := range n {
			out = append(out, collect(item, path)...)
		}
		return out
	case map[string]interface{}:
		if len(path) == 0 {
			return []interface{}{n}
		}
		child, ok := n[path[0]]
		if !ok || child == nil {
			return nil
		}
		return collect(child, path[1:])
	default:
		if len(path) == 0 && node != nil {
			return []interface{}{node}
		}
		return nil
	}
}

func sortEntries(entries []*fhir.Entry, sortParam string) error {
	if sortParam == "" {
		return nil
	}
	desc := strings.HasPrefix(sortParam, "-")
	var less func(a, b *fhir.Entry) bool
	switch strings.TrimPrefix(sortParam, "-") {
	case "_id":
		less = func(a, b *fhir.Entry) bool { return a.Key.ResourceID < b.Key.ResourceID }
	case "_lastUpdated":
		less = func(a, b *fhir.Entry) bool { return a.When.Before(b.When) }
	default:
		return fhir.BadRequest("unsupported _sort %q", sortParam)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if desc {
			return less(entries[j], entries[i])
		}
		return less(entries[i], entries[j])
	})
	return nil
}
