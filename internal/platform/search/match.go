package search

import (
	"strings"
)

// matchToken compares "[system|]code" against a code, Coding, Identifier or
// CodeableConcept.
func matchToken(node interface{}, value string) bool {
	system, code, hasSystem := strings.Cut(value, "|")
	if !hasSystem {
		code, system = value, ""
	}

	switch n := node.(type) {
	case string:
		return !hasSystem && n == code
	case bool:
		return !hasSystem && strings.EqualFold(code, boolString(n))
	case map[string]interface{}:
		if codings, ok := n["coding"].([]interface{}); ok {
			for _, c := range codings {
				if matchToken(c, value) {
					return true
				}
			}
			return false
		}
		nodeSystem, _ := n["system"].(string)
		nodeCode, _ := n["code"].(string)
		if nodeCode == "" {
			nodeCode, _ = n["value"].(string)
		}
		if hasSystem {
			if system == "" && nodeSystem != "" {
				return false
			}
			if system != "" && nodeSystem != system {
				return false
			}
			if code == "" {
				return true
			}
		}
		return nodeCode == code
	}
	return false
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// matchString is a case-insensitive prefix match by default.
func matchString(node interface{}, mod Modifier, value string) bool {
	s, ok := node.(string)
	if !ok {
		return false
	}
	switch mod {
	case ModifierExact:
		return s == value
	case ModifierContains:
		return strings.Contains(strings.ToLower(s), strings.ToLower(value))
	default:
		return strings.HasPrefix(strings.ToLower(s), strings.ToLower(value))
	}
}

// matchReference matches a Reference whose reference ends with value. A
// bare id matches any type.
func matchReference(node interface{}, value string) bool {
	m, ok := node.(map[string]interface{})
	if !ok {
		return false
	}
	ref, _ := m["reference"].(string)
	if ref == "" {
		return false
	}
	if i := strings.Index(ref, "/_history/"); i >= 0 {
		ref = ref[:i]
	}
	return ref == value || strings.HasSuffix(ref, "/"+value)
}

// matchDate compares a date, dateTime or instant element against a
// prefixed date value.
func matchDate(node interface{}, value string) bool {
	s, ok := node.(string)
	if !ok {
		return false
	}
	target, err := parseDateRange(s)
	if err != nil {
		return false
	}
	prefix, v := ParseSearchValue(value)
	want, err := parseDateRange(v)
	if err != nil {
		return false
	}
	return compareDates(prefix, want, target)
}
