package transaction

import (
	"fmt"
	"net/http"
	"net/url"
	"testing"

	"github.com/ehr/fhirtx/internal/platform/fhir"
	"github.com/ehr/fhirtx/internal/platform/search"
)

func matches(n int) *Condition {
	res := &search.Results{Count: n}
	for i := 0; i < n; i++ {
		res.Keys = append(res.Keys, fhir.NewKey("Patient", fmt.Sprintf("m%d", i)))
	}
	return &Condition{Filter: url.Values{"gender": {"female"}}, Results: res}
}

func methods(entries []*fhir.Entry) []fhir.Method {
	out := make([]fhir.Method, len(entries))
	for i, e := range entries {
		out[i] = e.Method
	}
	return out
}

func TestNewPost(t *testing.T) {
	key := fhir.NewKey("Patient", "")
	res := map[string]interface{}{"resourceType": "Patient"}

	op, err := NewPost(key, res, nil)
	if err != nil || len(op.Entries()) != 1 || op.Entries()[0].Method != fhir.MethodPOST {
		t.Fatalf("unconditional: expected one POST, got %v %v", methods(op.Entries()), err)
	}

	op, err = NewPost(key, res, matches(0))
	if err != nil || op.Entries()[0].Method != fhir.MethodPOST {
		t.Errorf("no match: expected POST, got %v %v", op, err)
	}

	op, err = NewPost(key, res, matches(1))
	if err != nil {
		t.Fatal(err)
	}
	if e := op.Entries()[0]; e.Method != fhir.MethodGET || e.Key != fhir.NewKey("Patient", "m0") {
		t.Errorf("one match: expected GET Patient/m0, got %s %s", e.Method, e.Key)
	}
}

func TestNewPut(t *testing.T) {
	key := fhir.NewKey("Patient", "42")
	res := map[string]interface{}{"resourceType": "Patient"}

	op, _ := NewPut(key, res, nil)
	if e := op.Entries()[0]; e.Method != fhir.MethodPUT || e.Key != key {
		t.Errorf("unconditional: expected PUT %s, got %s %s", key, e.Method, e.Key)
	}

	typeKey := fhir.NewKey("Patient", "")
	op, _ = NewPut(typeKey, res, matches(0))
	if e := op.Entries()[0]; e.Method != fhir.MethodPOST || e.Key != typeKey {
		t.Errorf("no match: expected POST at the operation key, got %s %s", e.Method, e.Key)
	}

	op, _ = NewPut(typeKey, res, matches(1))
	if e := op.Entries()[0]; e.Method != fhir.MethodPUT || e.Key != fhir.NewKey("Patient", "m0") {
		t.Errorf("one match: expected PUT at the match, got %s %s", e.Method, e.Key)
	}
}

func TestNewPatch(t *testing.T) {
	patch := &fhir.Patch{Merge: map[string]interface{}{"active": true}}

	op, err := NewPatch(fhir.NewKey("Patient", "1"), patch, nil)
	if err != nil || op.Entries()[0].Patch != patch || op.Entries()[0].Method != fhir.MethodPATCH {
		t.Errorf("expected PATCH carrying the document, got %+v %v", op, err)
	}

	op, err = NewPatch(fhir.NewKey("Patient", ""), patch, matches(1))
	if err != nil || op.Entries()[0].Key != fhir.NewKey("Patient", "m0") {
		t.Errorf("expected PATCH at the match, got %+v %v", op, err)
	}

	if _, err := NewPatch(fhir.NewKey("Patient", ""), patch, matches(0)); fhir.StatusOf(err) != http.StatusNotFound {
		t.Errorf("expected 404 without a match, got %v", err)
	}
}

func TestConditional_MultipleMatchesFail(t *testing.T) {
	key := fhir.NewKey("Patient", "")
	res := map[string]interface{}{"resourceType": "Patient"}
	patch := &fhir.Patch{Merge: map[string]interface{}{}}

	for n := 2; n <= 5; n++ {
		if _, err := NewPost(key, res, matches(n)); fhir.StatusOf(err) != http.StatusPreconditionFailed {
			t.Errorf("POST with %d matches: expected 412, got %v", n, err)
		}
		if _, err := NewPut(key, res, matches(n)); fhir.StatusOf(err) != http.StatusPreconditionFailed {
			t.Errorf("PUT with %d matches: expected 412, got %v", n, err)
		}
		if _, err := NewPatch(key, patch, matches(n)); fhir.StatusOf(err) != http.StatusPreconditionFailed {
			t.Errorf("PATCH with %d matches: expected 412, got %v", n, err)
		}
	}
}

func TestNewDelete_FansOut(t *testing.T) {
	key := fhir.NewKey("Patient", "")
	for n := 0; n <= 4; n++ {
		op := NewDelete(key, matches(n))
		if len(op.Entries()) != n {
			t.Errorf("expected %d DELETE entries, got %d", n, len(op.Entries()))
		}
		for _, e := range op.Entries() {
			if e.Method != fhir.MethodDELETE {
				t.Errorf("expected DELETE, got %s", e.Method)
			}
		}
	}

	op := NewDelete(fhir.NewKey("Patient", "1"), nil)
	if len(op.Entries()) != 1 || op.Entries()[0].Key != fhir.NewKey("Patient", "1") {
		t.Errorf("expected one DELETE at the key, got %v", op.Entries())
	}
}

func TestRequestFromEntry(t *testing.T) {
	tests := []struct {
		name       string
		entry      fhir.TransactionEntry
		wantStatus int
		check      func(t *testing.T, r *Request)
	}{
		{
			name: "post with conditional create",
			entry: fhir.TransactionEntry{
				FullURL:  "urn:uuid:a",
				Resource: map[string]interface{}{"resourceType": "Patient"},
				Request:  fhir.BundleRequest{Method: "POST", URL: "Patient", IfNoneExist: "identifier=x"},
			},
			check: func(t *testing.T, r *Request) {
				if r.IfNoneExist != "identifier=x" || r.FullURL != "urn:uuid:a" || r.URL.Key.TypeName != "Patient" {
					t.Errorf("unexpected request %+v", r)
				}
			},
		},
		{
			name: "conditional put",
			entry: fhir.TransactionEntry{
				Resource: map[string]interface{}{"resourceType": "Patient"},
				Request:  fhir.BundleRequest{Method: "PUT", URL: "Patient?identifier=x"},
			},
			check: func(t *testing.T, r *Request) {
				if !r.URL.IsConditional() || r.URL.Query != "identifier=x" {
					t.Errorf("expected conditional url, got %+v", r.URL)
				}
			},
		},
		{
			name: "patch as binary",
			entry: fhir.TransactionEntry{
				Resource: map[string]interface{}{
					"resourceType": "Binary",
					"contentType":  fhir.MediaJSONPatch,
					// [{"op":"replace","path":"/active","value":false}]
					"data": "W3sib3AiOiJyZXBsYWNlIiwicGF0aCI6Ii9hY3RpdmUiLCJ2YWx1ZSI6ZmFsc2V9XQ==",
				},
				Request: fhir.BundleRequest{Method: "PATCH", URL: "Patient/1"},
			},
			check: func(t *testing.T, r *Request) {
				if r.Patch == nil || len(r.Patch.Operations) != 1 || r.Patch.Operations[0].Op != "replace" {
					t.Errorf("expected one replace operation, got %+v", r.Patch)
				}
				if r.Resource != nil {
					t.Error("expected the Binary not to be kept as the resource")
				}
			},
		},
		{
			name: "patch without binary",
			entry: fhir.TransactionEntry{
				Resource: map[string]interface{}{"resourceType": "Patient"},
				Request:  fhir.BundleRequest{Method: "PATCH", URL: "Patient/1"},
			},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "bad method",
			entry:      fhir.TransactionEntry{Request: fhir.BundleRequest{Method: "HEAD", URL: "Patient/1"}},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "temporary url",
			entry:      fhir.TransactionEntry{Request: fhir.BundleRequest{Method: "DELETE", URL: "urn:uuid:x"}},
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := RequestFromEntry(tt.entry)
			if tt.wantStatus != 0 {
				if fhir.StatusOf(err) != tt.wantStatus {
					t.Fatalf("expected %d, got %v", tt.wantStatus, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			tt.check(t, r)
		})
	}
}
