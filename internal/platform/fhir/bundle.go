package fhir

import (
	"fmt"
	"net/http"
	"time"
)

// Bundle types handled by the server.
const (
	BundleTypeTransaction         = "transaction"
	BundleTypeBatch               = "batch"
	BundleTypeTransactionResponse = "transaction-response"
	BundleTypeBatchResponse       = "batch-response"
	BundleTypeSearchset           = "searchset"
	BundleTypeHistory             = "history"
)

// Bundle represents a FHIR Bundle resource.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type"`
	Total        *int          `json:"total,omitempty"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
	Timestamp    *time.Time    `json:"timestamp,omitempty"`
}

type BundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource interface{}     `json:"resource,omitempty"`
	Search   *BundleSearch   `json:"search,omitempty"`
	Request  *BundleRequest  `json:"request,omitempty"`
	Response *BundleResponse `json:"response,omitempty"`
}

type BundleSearch struct {
	Mode string `json:"mode,omitempty"`
}

// BundleRequest is the request element of a transaction, batch or history
// entry, including the conditional headers a client may set per entry.
type BundleRequest struct {
	Method      string `json:"method"`
	URL         string `json:"url"`
	IfNoneMatch string `json:"ifNoneMatch,omitempty"`
	IfMatch     string `json:"ifMatch,omitempty"`
	IfNoneExist string `json:"ifNoneExist,omitempty"`
}

type BundleResponse struct {
	Status       string      `json:"status"`
	Location     string      `json:"location,omitempty"`
	Etag         string      `json:"etag,omitempty"`
	LastModified *time.Time  `json:"lastModified,omitempty"`
	Outcome      interface{} `json:"outcome,omitempty"`
}

func newBundle(bundleType string, entries []BundleEntry) *Bundle {
	now := time.Now().UTC()
	return &Bundle{
		ResourceType: "Bundle",
		Type:         bundleType,
		Timestamp:    &now,
		Entry:        entries,
	}
}

// NewTransactionResponse creates a transaction-response Bundle from entry outcomes.
func NewTransactionResponse(entries []BundleEntry) *Bundle {
	return newBundle(BundleTypeTransactionResponse, entries)
}

// NewBatchResponse creates a batch-response Bundle from entry outcomes.
func NewBatchResponse(entries []BundleEntry) *Bundle {
	return newBundle(BundleTypeBatchResponse, entries)
}

// NewSearchBundle creates a searchset Bundle. Entries must already be
// externalized.
func NewSearchBundle(entries []*Entry, total int, links []BundleLink) *Bundle {
	b := newBundle(BundleTypeSearchset, make([]BundleEntry, 0, len(entries)))
	b.Total = &total
	b.Link = links
	for _, e := range entries {
		b.Entry = append(b.Entry, BundleEntry{
			FullURL:  e.Key.WithoutVersion().String(),
			Resource: e.Resource,
			Search:   &BundleSearch{Mode: "match"},
		})
	}
	return b
}

// NewHistoryBundle creates a history Bundle, newest version first. Entries
// must already be externalized.
func NewHistoryBundle(entries []*Entry, total int, links []BundleLink) *Bundle {
	b := newBundle(BundleTypeHistory, make([]BundleEntry, 0, len(entries)))
	b.Total = &total
	b.Link = links
	for _, e := range entries {
		when := e.When
		status := "200 OK"
		if e.IsDelete() {
			status = StatusLine(http.StatusNoContent)
		} else if e.Key.VersionID == FirstVersion {
			status = StatusLine(http.StatusCreated)
		}
		be := BundleEntry{
			FullURL: e.Key.WithoutVersion().String(),
			Request: &BundleRequest{
				Method: string(historyMethod(e)),
				URL:    e.Key.WithoutBase().WithoutVersion().Path(),
			},
			Response: &BundleResponse{
				Status:       status,
				Etag:         FormatETag(e.Key.VersionID),
				LastModified: &when,
			},
		}
		if !e.IsDelete() {
			be.Resource = e.Resource
		}
		b.Entry = append(b.Entry, be)
	}
	return b
}

func historyMethod(e *Entry) Method {
	switch {
	case e.IsDelete():
		return MethodDELETE
	case e.Key.VersionID == FirstVersion:
		return MethodPOST
	default:
		return MethodPUT
	}
}

// StatusLine renders a status code the way bundle responses carry it,
// e.g. "201 Created".
func StatusLine(code int) string {
	return fmt.Sprintf("%d %s", code, http.StatusText(code))
}
