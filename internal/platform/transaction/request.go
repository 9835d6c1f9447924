package transaction

import (
	"context"
	"encoding/base64"
	"net/url"

	"github.com/ehr/fhirtx/internal/platform/fhir"
	"github.com/ehr/fhirtx/internal/platform/search"
)

// Searcher resolves conditional filters.
type Searcher interface {
	GetSearchResults(ctx context.Context, typeName string, filter url.Values) (*search.Results, error)
}

// Request is one interaction as the client submitted it, either as a bundle
// entry or as a REST call.
type Request struct {
	Method fhir.Method
	URL    fhir.EntryURL
	// FullURL is the identity the client gave the entry, possibly a
	// temporary urn other entries reference.
	FullURL  string
	Resource map[string]interface{}
	Patch    *fhir.Patch
	// IfMatch is an ETag naming the version the client expects to replace.
	IfMatch string
	// IfNoneExist is the conditional-create filter.
	IfNoneExist string
}

// NewRequest returns a request for a REST interaction on rawURL, a path
// relative to the server base such as "Patient/1" or "Patient?name=x".
func NewRequest(method fhir.Method, rawURL string) (*Request, error) {
	u, err := fhir.ParseEntryURL(rawURL)
	if err != nil {
		return nil, err
	}
	return &Request{Method: method, URL: u}, nil
}

// RequestFromEntry converts a transaction or batch bundle entry. A PATCH
// entry carries its document as a Binary resource.
func RequestFromEntry(e fhir.TransactionEntry) (*Request, error) {
	method, ok := fhir.ParseMethod(e.Request.Method)
	if !ok {
		return nil, fhir.BadRequest("invalid request method %q", e.Request.Method)
	}
	r, err := NewRequest(method, e.Request.URL)
	if err != nil {
		return nil, err
	}
	r.FullURL = e.FullURL
	r.IfMatch = e.Request.IfMatch
	r.IfNoneExist = e.Request.IfNoneExist
	if method == fhir.MethodPATCH {
		r.Patch, err = patchFromBinary(e.Resource)
		if err != nil {
			return nil, err
		}
	} else {
		r.Resource = e.Resource
	}
	return r, nil
}

func patchFromBinary(resource map[string]interface{}) (*fhir.Patch, error) {
	if fhir.ResourceType(resource) != "Binary" {
		return nil, fhir.BadRequest("a PATCH entry must carry its document as a Binary resource")
	}
	contentType, _ := resource["contentType"].(string)
	data, _ := resource["data"].(string)
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fhir.BadRequest("Binary.data is not valid base64: %s", err.Error())
	}
	return fhir.ParsePatch(contentType, raw)
}

// fullURLKey parses the entry's fullUrl. A temporary urn takes the type of
// the request url.
func (r *Request) fullURLKey() (fhir.Key, bool, error) {
	if r.FullURL == "" {
		return fhir.Key{}, false, nil
	}
	k, err := fhir.ParseKey(r.FullURL)
	if err != nil {
		return fhir.Key{}, false, fhir.BadRequest("invalid fullUrl %q: %s", r.FullURL, err.Error())
	}
	if k.IsTemporary() {
		k.TypeName = r.URL.Key.TypeName
	} else if k.TypeName != r.URL.Key.TypeName {
		return fhir.Key{}, false, fhir.BadRequest("fullUrl %q does not match request url type %s", r.FullURL, r.URL.Key.TypeName)
	}
	return k, true, nil
}

// condition evaluates query against the search collaborator.
func condition(ctx context.Context, searcher Searcher, typeName, query string) (*Condition, error) {
	filter, err := fhir.ParseSearchString(query)
	if err != nil {
		return nil, err
	}
	if len(fhir.MatchParameters(filter)) == 0 {
		return nil, fhir.BadRequest("conditional %s has no search criteria", typeName)
	}
	results, err := searcher.GetSearchResults(ctx, typeName, filter)
	if err != nil {
		return nil, err
	}
	return &Condition{Filter: filter, Results: results}, nil
}

// buildOperation resolves a request into an operation. alias is the
// client's identity for the entry when it differs from the operation key.
func buildOperation(ctx context.Context, searcher Searcher, r *Request) (op *Operation, alias fhir.Key, err error) {
	key := r.URL.Key
	if key.HasVersionID() && r.Method != fhir.MethodGET {
		return nil, alias, fhir.BadRequest("%s url may not name a version", r.Method)
	}
	switch {
	case (r.Method == fhir.MethodPOST || r.Method == fhir.MethodPUT) && r.Resource == nil:
		return nil, alias, fhir.BadRequest("%s requires a resource", r.Method)
	case r.Method == fhir.MethodPATCH && r.Patch == nil:
		return nil, alias, fhir.BadRequest("PATCH requires a patch document")
	}
	if r.Resource != nil {
		if err := fhir.CheckResourceType(key, r.Resource); err != nil {
			return nil, alias, err
		}
	}
	full, hasFull, err := r.fullURLKey()
	if err != nil {
		return nil, alias, err
	}
	if hasFull {
		alias = full
	}
	if r.IfMatch != "" {
		if !key.HasResourceID() {
			return nil, alias, fhir.BadRequest("If-Match requires a resource id")
		}
		v, err := fhir.ParseETag(r.IfMatch)
		if err != nil {
			return nil, alias, fhir.BadRequest("invalid If-Match: %s", err.Error())
		}
		key = key.WithVersion(v)
	}

	var cond *Condition
	query := r.URL.Query
	if r.Method == fhir.MethodPOST {
		if query != "" {
			return nil, alias, fhir.BadRequest("POST url may not carry a search; use If-None-Exist")
		}
		query = r.IfNoneExist
	}
	if query != "" {
		if key.HasResourceID() {
			return nil, alias, fhir.BadRequest("conditional %s url may not name a resource id", r.Method)
		}
		if cond, err = condition(ctx, searcher, key.TypeName, query); err != nil {
			return nil, alias, err
		}
	}

	switch r.Method {
	case fhir.MethodGET:
		if cond != nil || !key.HasResourceID() {
			return nil, alias, fhir.BadRequest("search is not supported inside a transaction")
		}
		return NewRead(key), alias, nil
	case fhir.MethodPOST:
		if key.HasResourceID() {
			return nil, alias, fhir.BadRequest("POST url must name a resource type, got %s", key)
		}
		if hasFull {
			key = full
		}
		op, err = NewPost(key, r.Resource, cond)
		return op, alias, err
	case fhir.MethodPUT:
		if cond == nil && !key.HasResourceID() {
			return nil, alias, fhir.BadRequest("PUT url must name a resource id or carry a search")
		}
		if cond != nil && hasFull {
			key = full
		}
		op, err = NewPut(key, r.Resource, cond)
		return op, alias, err
	case fhir.MethodPATCH:
		if cond == nil && !key.HasResourceID() {
			return nil, alias, fhir.BadRequest("PATCH url must name a resource id or carry a search")
		}
		op, err = NewPatch(key, r.Patch, cond)
		return op, alias, err
	case fhir.MethodDELETE:
		if cond == nil && !key.HasResourceID() {
			return nil, alias, fhir.BadRequest("DELETE url must name a resource id or carry a search")
		}
		return NewDelete(key, cond), alias, nil
	default:
		return nil, alias, fhir.BadRequest("unsupported method %q", r.Method)
	}
}
