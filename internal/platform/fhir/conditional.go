package fhir

import (
	"net/url"
	"strings"
)

// resultParameters control paging and rendering, not matching, and are
// dropped from conditional filters.
var resultParameters = map[string]bool{
	"_count":    true,
	"_offset":   true,
	"_sort":     true,
	"_format":   true,
	"_elements": true,
	"_summary":  true,
	"_total":    true,
}

// ParseSearchString parses a search query string like
// "identifier=foo&name=bar" (with or without a leading '?').
func ParseSearchString(query string) (url.Values, error) {
	values, err := url.ParseQuery(strings.TrimPrefix(strings.TrimSpace(query), "?"))
	if err != nil {
		return nil, BadRequest("invalid search string %q: %s", query, err.Error())
	}
	return values, nil
}

// MatchParameters returns the subset of params that select resources.
func MatchParameters(params url.Values) url.Values {
	out := make(url.Values, len(params))
	for k, v := range params {
		if resultParameters[k] || len(v) == 0 {
			continue
		}
		out[k] = v
	}
	return out
}
