package fhir

import (
	"net/http"
	"time"
)

// Method is the interaction an Entry asks for.
type Method string

const (
	MethodGET    Method = http.MethodGet
	MethodPOST   Method = http.MethodPost
	MethodPUT    Method = http.MethodPut
	MethodPATCH  Method = http.MethodPatch
	MethodDELETE Method = http.MethodDelete
)

// ParseMethod validates a bundle request method.
func ParseMethod(s string) (Method, bool) {
	switch m := Method(s); m {
	case MethodGET, MethodPOST, MethodPUT, MethodPATCH, MethodDELETE:
		return m, true
	}
	return "", false
}

// Mutates reports whether the method writes a new resource version.
func (m Method) Mutates() bool {
	return m == MethodPOST || m == MethodPUT || m == MethodPATCH || m == MethodDELETE
}

// EntryState tracks which side of the reference rewrite an Entry is on.
type EntryState int

const (
	// StateUndefined entries came from a client and have not been resolved.
	StateUndefined EntryState = iota
	// StateInternal entries have server keys and local references; only
	// these may be handed to a store.
	StateInternal
	// StateExternal entries have absolute keys and references; only these
	// may be handed back to a client.
	StateExternal
)

func (s EntryState) String() string {
	switch s {
	case StateInternal:
		return "internal"
	case StateExternal:
		return "external"
	default:
		return "undefined"
	}
}

// Entry is one resource operation, either requested or stored.
type Entry struct {
	Key      Key
	Resource map[string]interface{}
	// Patch is set instead of Resource on PATCH entries.
	Patch  *Patch
	Method Method
	State  EntryState
	// When is the store's timestamp for the version; zero on requests.
	When time.Time
}

// NewEntry returns an Undefined entry.
func NewEntry(method Method, key Key, resource map[string]interface{}) *Entry {
	return &Entry{Key: key, Resource: resource, Method: method}
}

// IsDelete reports whether the entry is (or records) a deletion.
func (e *Entry) IsDelete() bool { return e.Method == MethodDELETE }

// Response is the outcome of one interaction against the store.
type Response struct {
	Status int
	// Entry is the stored or read version, if any.
	Entry   *Entry
	Outcome *OperationOutcome
}

// IsValid reports whether the interaction succeeded.
func (r *Response) IsValid() bool {
	return r != nil && r.Status >= 200 && r.Status < 300
}
