package fhir

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"
)

const testServerBase = "http://localhost:8000/fhir"

func storedEntry(method Method, ref string, resource map[string]interface{}) *Entry {
	e := NewEntry(method, MustParseKey(ref), resource)
	e.When = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	return e
}

func TestNewSearchBundle(t *testing.T) {
	entries := []*Entry{
		storedEntry(MethodPUT, testServerBase+"/Patient/1/_history/2", map[string]interface{}{"resourceType": "Patient", "id": "1"}),
		storedEntry(MethodPOST, testServerBase+"/Patient/2/_history/1", map[string]interface{}{"resourceType": "Patient", "id": "2"}),
	}
	links := []BundleLink{{Relation: "self", URL: testServerBase + "/Patient?_count=2"}}
	b := NewSearchBundle(entries, 5, links)

	if b.ResourceType != "Bundle" || b.Type != BundleTypeSearchset {
		t.Fatalf("unexpected bundle header: %s %s", b.ResourceType, b.Type)
	}
	if b.Total == nil || *b.Total != 5 {
		t.Errorf("expected total 5, got %v", b.Total)
	}
	if len(b.Link) != 1 || b.Timestamp == nil {
		t.Errorf("expected links and a timestamp, got %+v", b)
	}
	if len(b.Entry) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(b.Entry))
	}
	if b.Entry[0].FullURL != testServerBase+"/Patient/1" {
		t.Errorf("expected versionless fullUrl, got %q", b.Entry[0].FullURL)
	}
	if b.Entry[0].Search == nil || b.Entry[0].Search.Mode != "match" {
		t.Errorf("expected search mode match, got %+v", b.Entry[0].Search)
	}
}

func TestNewSearchBundle_EmptyMarshalsTotal(t *testing.T) {
	data, err := json.Marshal(NewSearchBundle(nil, 0, nil))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m["total"] != float64(0) {
		t.Errorf("expected total 0 to be present, got %v", m["total"])
	}
	if _, ok := m["entry"]; ok {
		t.Error("expected no entry element")
	}
}

func TestNewHistoryBundle(t *testing.T) {
	entries := []*Entry{
		storedEntry(MethodDELETE, testServerBase+"/Patient/1/_history/3", nil),
		storedEntry(MethodPUT, testServerBase+"/Patient/1/_history/2", map[string]interface{}{"resourceType": "Patient"}),
		storedEntry(MethodPUT, testServerBase+"/Patient/1/_history/1", map[string]interface{}{"resourceType": "Patient"}),
	}
	b := NewHistoryBundle(entries, 3, nil)
	if b.Type != BundleTypeHistory || len(b.Entry) != 3 {
		t.Fatalf("unexpected bundle: %s with %d entries", b.Type, len(b.Entry))
	}

	tests := []struct {
		method string
		status string
		etag   string
	}{
		{"DELETE", "204 No Content", `W/"3"`},
		{"PUT", "200 OK", `W/"2"`},
		{"POST", "201 Created", `W/"1"`},
	}
	for i, tt := range tests {
		e := b.Entry[i]
		if e.Request.Method != tt.method || e.Request.URL != "Patient/1" {
			t.Errorf("entry %d: expected %s Patient/1, got %s %s", i, tt.method, e.Request.Method, e.Request.URL)
		}
		if e.Response.Status != tt.status || e.Response.Etag != tt.etag {
			t.Errorf("entry %d: expected %s %s, got %s %s", i, tt.status, tt.etag, e.Response.Status, e.Response.Etag)
		}
		if e.Response.LastModified == nil || !e.Response.LastModified.Equal(entries[i].When) {
			t.Errorf("entry %d: expected lastModified %v", i, entries[i].When)
		}
	}
	if b.Entry[0].Resource != nil {
		t.Error("expected deleted version to carry no resource")
	}
}

func TestResponseBundles(t *testing.T) {
	entries := []BundleEntry{{Response: &BundleResponse{Status: StatusLine(http.StatusCreated)}}}
	if b := NewTransactionResponse(entries); b.Type != BundleTypeTransactionResponse || len(b.Entry) != 1 {
		t.Errorf("unexpected transaction response: %+v", b)
	}
	if b := NewBatchResponse(entries); b.Type != BundleTypeBatchResponse {
		t.Errorf("unexpected batch response type %q", b.Type)
	}
}

func TestStatusLine(t *testing.T) {
	tests := map[int]string{
		http.StatusOK:                 "200 OK",
		http.StatusCreated:            "201 Created",
		http.StatusNoContent:          "204 No Content",
		http.StatusPreconditionFailed: "412 Precondition Failed",
	}
	for code, want := range tests {
		if got := StatusLine(code); got != want {
			t.Errorf("StatusLine(%d) = %q, want %q", code, got, want)
		}
	}
}
