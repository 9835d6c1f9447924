package fhir

import (
	"encoding/json"
	"fmt"
	"strings"
)

// TransactionEntry represents a single entry in a transaction or batch Bundle.
type TransactionEntry struct {
	FullURL  string                 `json:"fullUrl,omitempty"`
	Resource map[string]interface{} `json:"resource,omitempty"`
	Request  BundleRequest          `json:"request"`
}

// TransactionBundle is the parsed representation of a FHIR transaction or
// batch Bundle ready for processing.
type TransactionBundle struct {
	ResourceType string             `json:"resourceType"`
	Type         string             `json:"type"`
	Entries      []TransactionEntry `json:"entry,omitempty"`
}

// ParseTransactionBundle parses a raw JSON body into a TransactionBundle.
func ParseTransactionBundle(body []byte) (*TransactionBundle, error) {
	// First, parse into a generic structure to extract entries with raw resources.
	var raw struct {
		ResourceType string `json:"resourceType"`
		Type         string `json:"type"`
		Entry        []struct {
			FullURL  string          `json:"fullUrl,omitempty"`
			Resource json.RawMessage `json:"resource,omitempty"`
			Request  *BundleRequest  `json:"request,omitempty"`
		} `json:"entry,omitempty"`
	}

	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, BadRequest("invalid JSON: %s", err.Error())
	}

	if raw.ResourceType != "Bundle" {
		return nil, BadRequest("expected resourceType Bundle, got %q", raw.ResourceType)
	}

	if raw.Type == "" {
		return nil, BadRequest("bundle type is required")
	}

	bundle := &TransactionBundle{
		ResourceType: raw.ResourceType,
		Type:         raw.Type,
		Entries:      make([]TransactionEntry, 0, len(raw.Entry)),
	}

	for i, e := range raw.Entry {
		entry := TransactionEntry{
			FullURL: e.FullURL,
		}

		if len(e.Resource) > 0 && string(e.Resource) != "null" {
			var res map[string]interface{}
			if err := json.Unmarshal(e.Resource, &res); err != nil {
				return nil, BadRequest("invalid resource in entry %d: %s", i, err.Error())
			}
			entry.Resource = res
		}

		if e.Request != nil {
			entry.Request = *e.Request
			entry.Request.Method = strings.ToUpper(entry.Request.Method)
		}

		bundle.Entries = append(bundle.Entries, entry)
	}

	return bundle, nil
}

// ValidateTransactionBundle checks the structure of a transaction or batch
// Bundle. maxEntries <= 0 disables the size check.
func ValidateTransactionBundle(bundle *TransactionBundle, maxEntries int) []OperationOutcomeIssue {
	var issues []OperationOutcomeIssue
	add := func(code, location, format string, args ...interface{}) {
		issues = append(issues, OperationOutcomeIssue{
			Severity:    IssueSeverityError,
			Code:        code,
			Diagnostics: fmt.Sprintf(format, args...),
			Expression:  []string{location},
		})
	}

	if bundle.Type != BundleTypeTransaction && bundle.Type != BundleTypeBatch {
		add(IssueTypeValue, "Bundle.type", "bundle type must be 'transaction' or 'batch', got %q", bundle.Type)
	}
	if maxEntries > 0 && len(bundle.Entries) > maxEntries {
		add(IssueTypeBusinessRule, "Bundle.entry", "bundle has %d entries; the limit is %d", len(bundle.Entries), maxEntries)
	}

	fullURLs := make(map[string]bool)
	for i, entry := range bundle.Entries {
		prefix := fmt.Sprintf("Bundle.entry[%d]", i)

		method, ok := ParseMethod(entry.Request.Method)
		switch {
		case entry.Request.Method == "":
			add(IssueTypeRequired, prefix+".request.method", "entry %d: request.method is required", i)
		case !ok:
			add(IssueTypeValue, prefix+".request.method", "entry %d: invalid HTTP method %q", i, entry.Request.Method)
		}

		if entry.Request.URL == "" {
			add(IssueTypeRequired, prefix+".request.url", "entry %d: request.url is required", i)
		}

		if (method == MethodPOST || method == MethodPUT) && entry.Resource == nil {
			add(IssueTypeRequired, prefix+".resource", "entry %d: %s requires a resource", i, method)
		}

		if entry.FullURL != "" {
			if fullURLs[entry.FullURL] {
				add(IssueTypeBusinessRule, prefix+".fullUrl", "entry %d: duplicate fullUrl %q", i, entry.FullURL)
			}
			fullURLs[entry.FullURL] = true
		}
	}

	return issues
}

// EntryURL is a parsed bundle request url or REST path.
type EntryURL struct {
	Key Key
	// Query is the raw search filter of a conditional url, without '?'.
	Query string
}

// IsConditional reports whether the url carries a search filter.
func (u EntryURL) IsConditional() bool { return u.Query != "" }

// ParseEntryURL parses a FHIR request url.
//
// Examples:
//
//	"Patient/123"           -> Patient/123
//	"Patient?name=Smith"    -> Patient, conditional "name=Smith"
//	"Patient"               -> Patient
func ParseEntryURL(url string) (EntryURL, error) {
	var u EntryURL
	if idx := strings.Index(url, "?"); idx >= 0 {
		u.Query = url[idx+1:]
		url = url[:idx]
	}
	key, err := ParseKey(strings.TrimPrefix(url, "/"))
	if err != nil {
		return EntryURL{}, BadRequest("invalid request url %q: %s", url, err.Error())
	}
	if key.IsTemporary() {
		return EntryURL{}, BadRequest("request url %q may not be a temporary id", url)
	}
	u.Key = key
	return u, nil
}
