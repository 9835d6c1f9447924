package reference

import (
	"context"
	"testing"

	"github.com/ehr/fhirtx/internal/platform/fhir"
)

func newTestExporter(t *testing.T, base string) *Exporter {
	t.Helper()
	lh, err := fhir.NewLocalhost(base)
	if err != nil {
		t.Fatal(err)
	}
	return NewExporter(lh)
}

func TestExternalize_KeysAndReferences(t *testing.T) {
	ex := newTestExporter(t, "http://example.org/")

	e := &fhir.Entry{
		Key:   fhir.NewKey("Observation", "1").WithVersion("2"),
		State: fhir.StateInternal,
		Resource: map[string]interface{}{
			"resourceType": "Observation",
			"subject":      map[string]interface{}{"reference": "Patient/5"},
			"performer": []interface{}{
				map[string]interface{}{"reference": "#p1"},
				map[string]interface{}{"reference": "http://other.org/Practitioner/3"},
			},
			"text": map[string]interface{}{
				"div": `<div><a href="Patient/5">p</a></div>`,
			},
		},
	}

	if err := ex.Externalize(e); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := e.Key.String(); got != "http://example.org/Observation/1/_history/2" {
		t.Errorf("expected absolute key, got %q", got)
	}
	if e.State != fhir.StateExternal {
		t.Errorf("expected external state, got %s", e.State)
	}
	subject := e.Resource["subject"].(map[string]interface{})
	if subject["reference"] != "http://example.org/Patient/5" {
		t.Errorf("expected absolute reference, got %v", subject["reference"])
	}
	perf := e.Resource["performer"].([]interface{})
	if perf[0].(map[string]interface{})["reference"] != "#p1" {
		t.Error("expected fragment reference unchanged")
	}
	if perf[1].(map[string]interface{})["reference"] != "http://other.org/Practitioner/3" {
		t.Error("expected absolute reference unchanged")
	}
	div := e.Resource["text"].(map[string]interface{})["div"]
	if div != `<div><a href="http://example.org/Patient/5">p</a></div>` {
		t.Errorf("unexpected narrative %q", div)
	}
}

func TestExternalize_SkipsExternalEntries(t *testing.T) {
	ex := newTestExporter(t, "http://example.org")
	e := &fhir.Entry{Key: fhir.NewKey("Patient", "1"), State: fhir.StateExternal}
	if err := ex.Externalize(e); err != nil {
		t.Fatal(err)
	}
	if e.Key.HasBase() {
		t.Error("expected external entry untouched")
	}
}

func TestImportExport_RoundTripPreservesIdentity(t *testing.T) {
	gen := newFakeGenerator()
	im := newTestImporter(t, gen)
	lh, _ := fhir.NewLocalhost("http://localhost:8000/fhir")
	ex := NewExporter(lh)

	patient := fhir.NewEntry(fhir.MethodPOST, fhir.Key{Base: "urn:uuid:", TypeName: "Patient", ResourceID: "x"}, map[string]interface{}{
		"resourceType": "Patient",
	})
	obs := fhir.NewEntry(fhir.MethodPOST, fhir.NewKey("Observation", ""), map[string]interface{}{
		"resourceType": "Observation",
		"subject":      map[string]interface{}{"reference": "urn:uuid:x"},
	})
	entries := []*fhir.Entry{patient, obs}
	if err := im.Internalize(context.Background(), NewKeyMapper(), entries); err != nil {
		t.Fatal(err)
	}
	internal := patient.Key

	if err := ex.Externalize(entries...); err != nil {
		t.Fatal(err)
	}
	if !patient.Key.SameResource(internal) {
		t.Errorf("expected %v to address %v", patient.Key, internal)
	}
	ref := obs.Resource["subject"].(map[string]interface{})["reference"]
	if want := "http://localhost:8000/fhir/Patient/" + internal.ResourceID; ref != want {
		t.Errorf("expected %q, got %v", want, ref)
	}
}

func TestExternalize_KeepsQueryAndFragment(t *testing.T) {
	ex := newTestExporter(t, "http://example.org/fhir")

	tests := map[string]string{
		"Patient/5#obs":          "http://example.org/fhir/Patient/5#obs",
		"Patient/5?_format=json": "http://example.org/fhir/Patient/5?_format=json",
		"Patient/5":              "http://example.org/fhir/Patient/5",
	}
	for in, want := range tests {
		e := &fhir.Entry{
			Key:   fhir.NewKey("Observation", "1"),
			State: fhir.StateInternal,
			Resource: map[string]interface{}{
				"resourceType": "Observation",
				"subject":      map[string]interface{}{"reference": in},
				"text":         map[string]interface{}{"div": `<div><a href="` + in + `">p</a></div>`},
			},
		}
		if err := ex.Externalize(e); err != nil {
			t.Fatalf("%s: unexpected error: %v", in, err)
		}
		if got := e.Resource["subject"].(map[string]interface{})["reference"]; got != want {
			t.Errorf("%s: expected %q, got %v", in, want, got)
		}
		div := e.Resource["text"].(map[string]interface{})["div"]
		if wantDiv := `<div><a href="` + want + `">p</a></div>`; div != wantDiv {
			t.Errorf("%s: expected %q, got %q", in, wantDiv, div)
		}
	}
}
