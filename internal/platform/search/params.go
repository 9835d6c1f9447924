package search

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ehr/fhirtx/internal/platform/fhir"
)

// paramKind selects how a parameter value is compared to resource content.
type paramKind int

const (
	kindToken paramKind = iota
	kindString
	kindReference
	kindURI
	kindDate
)

// param is one supported search parameter: its comparison and the dotted
// element paths it reads. Paths traverse arrays transparently.
type param struct {
	kind  paramKind
	paths []string
}

// params is the registry of supported parameters. It applies to every
// resource type; a resource without the element simply does not match.
var params = map[string]param{
	"_id":          {kind: kindToken, paths: []string{"id"}},
	"_lastUpdated": {kind: kindDate, paths: []string{"meta.lastUpdated"}},
	"identifier":   {kind: kindToken, paths: []string{"identifier"}},
	"name":         {kind: kindString, paths: []string{"name", "name.family", "name.given", "name.text"}},
	"family":       {kind: kindString, paths: []string{"name.family"}},
	"given":        {kind: kindString, paths: []string{"name.given"}},
	"status":       {kind: kindToken, paths: []string{"status"}},
	"gender":       {kind: kindToken, paths: []string{"gender"}},
	"code":         {kind: kindToken, paths: []string{"code"}},
	"subject":      {kind: kindReference, paths: []string{"subject"}},
	"patient":      {kind: kindReference, paths: []string{"patient", "subject"}},
	"url":          {kind: kindURI, paths: []string{"url"}},
	"birthdate":    {kind: kindDate, paths: []string{"birthDate"}},
	"date":         {kind: kindDate, paths: []string{"effectiveDateTime", "issued", "date", "authoredOn"}},
}

func (k paramKind) String() string {
	switch k {
	case kindToken:
		return "token"
	case kindString:
		return "string"
	case kindReference:
		return "reference"
	case kindURI:
		return "uri"
	case kindDate:
		return "date"
	}
	return "unknown"
}

// SupportedParameters lists the registry sorted by name.
func SupportedParameters() []fhir.SearchParam {
	out := make([]fhir.SearchParam, 0, len(params))
	for name, p := range params {
		out = append(out, fhir.SearchParam{Name: name, Type: p.kind.String()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Modifier is a search parameter modifier such as :exact.
type Modifier string

const (
	ModifierNone     Modifier = ""
	ModifierExact    Modifier = "exact"
	ModifierContains Modifier = "contains"
	ModifierMissing  Modifier = "missing"
	ModifierNot      Modifier = "not"
)

// ParseParamModifier splits a parameter name from its modifier.
// Examples: "name:exact" -> ("name", "exact"), "code" -> ("code", "")
func ParseParamModifier(paramName string) (string, Modifier) {
	name, mod, _ := strings.Cut(paramName, ":")
	return name, Modifier(mod)
}

// Prefix is a comparison prefix on ordered values.
type Prefix string

const (
	PrefixEq Prefix = "eq"
	PrefixNe Prefix = "ne"
	PrefixGt Prefix = "gt"
	PrefixLt Prefix = "lt"
	PrefixGe Prefix = "ge"
	PrefixLe Prefix = "le"
)

// ParseSearchValue extracts the prefix from an ordered search value.
// Examples: "gt2023-01-01" -> (gt, "2023-01-01"), "2023" -> (eq, "2023")
func ParseSearchValue(raw string) (Prefix, string) {
	if len(raw) >= 2 {
		switch p := Prefix(strings.ToLower(raw[:2])); p {
		case PrefixEq, PrefixNe, PrefixGt, PrefixLt, PrefixGe, PrefixLe:
			return p, raw[2:]
		}
	}
	return PrefixEq, raw
}

// allowedModifiers lists the modifiers each kind understands besides
// :missing, which every kind accepts.
var allowedModifiers = map[paramKind][]Modifier{
	kindToken:     {ModifierNot},
	kindString:    {ModifierExact, ModifierContains},
	kindReference: nil,
	kindURI:       nil,
	kindDate:      nil,
}

func (p param) accepts(m Modifier) bool {
	if m == ModifierNone || m == ModifierMissing {
		return true
	}
	for _, a := range allowedModifiers[p.kind] {
		if a == m {
			return true
		}
	}
	return false
}

// dateRange is the half-open interval [start, end) a date value denotes at
// its precision.
type dateRange struct {
	start, end time.Time
}

var dateLayouts = []struct {
	layout string
	step   func(time.Time) time.Time
}{
	{time.RFC3339Nano, func(t time.Time) time.Time { return t.Add(time.Nanosecond) }},
	{"2006-01-02T15:04:05", func(t time.Time) time.Time { return t.Add(time.Second) }},
	{"2006-01-02T15:04", func(t time.Time) time.Time { return t.Add(time.Minute) }},
	{"2006-01-02", func(t time.Time) time.Time { return t.AddDate(0, 0, 1) }},
	{"2006-01", func(t time.Time) time.Time { return t.AddDate(0, 1, 0) }},
	{"2006", func(t time.Time) time.Time { return t.AddDate(1, 0, 0) }},
}

func parseDateRange(s string) (dateRange, error) {
	for _, l := range dateLayouts {
		if t, err := time.Parse(l.layout, s); err == nil {
			return dateRange{start: t, end: l.step(t)}, nil
		}
	}
	return dateRange{}, fmt.Errorf("invalid date %q", s)
}

// compareDates reports whether target satisfies prefix against value.
func compareDates(prefix Prefix, value, target dateRange) bool {
	overlaps := target.start.Before(value.end) && value.start.Before(target.end)
	switch prefix {
	case PrefixNe:
		return !overlaps
	case PrefixGt:
		return !target.start.Before(value.end)
	case PrefixLt:
		return target.start.Before(value.start)
	case PrefixGe:
		return !target.start.Before(value.start)
	case PrefixLe:
		return target.start.Before(value.end)
	default:
		return overlaps
	}
}
