package fhir

import "testing"

func TestParseKey(t *testing.T) {
	tests := []struct {
		in   string
		want Key
	}{
		{"Patient", Key{TypeName: "Patient"}},
		{"Patient/123", Key{TypeName: "Patient", ResourceID: "123"}},
		{"/Patient/123/", Key{TypeName: "Patient", ResourceID: "123"}},
		{"Patient/123/_history/4", Key{TypeName: "Patient", ResourceID: "123", VersionID: "4"}},
		{"http://example.org/fhir/Patient/5", Key{Base: "http://example.org/fhir", TypeName: "Patient", ResourceID: "5"}},
		{"https://other.org/Observation/9/_history/2", Key{Base: "https://other.org", TypeName: "Observation", ResourceID: "9", VersionID: "2"}},
		{"http://example.org/fhir/Patient", Key{Base: "http://example.org/fhir", TypeName: "Patient"}},
		{"urn:uuid:61ebe359-bfdc-4613-8bf2-c5e300945f0a", Key{Base: "urn:uuid:", ResourceID: "61ebe359-bfdc-4613-8bf2-c5e300945f0a"}},
		{"urn:oid:1.2.3", Key{Base: "urn:oid:", ResourceID: "1.2.3"}},
		{"Patient?identifier=x", Key{TypeName: "Patient"}},
	}
	for _, tt := range tests {
		got, err := ParseKey(tt.in)
		if err != nil {
			t.Errorf("ParseKey(%q): unexpected error %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseKey(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestParseKey_Invalid(t *testing.T) {
	for _, in := range []string{"", "#contained", "http://loinc.org", "lowercase/1", "a/b/Patient/1"} {
		if _, err := ParseKey(in); err == nil {
			t.Errorf("ParseKey(%q): expected error", in)
		}
	}
}

func TestKey_String(t *testing.T) {
	tests := []struct {
		key  Key
		want string
	}{
		{Key{TypeName: "Patient"}, "Patient"},
		{Key{TypeName: "Patient", ResourceID: "1"}, "Patient/1"},
		{Key{TypeName: "Patient", ResourceID: "1", VersionID: "2"}, "Patient/1/_history/2"},
		{Key{Base: "http://example.org/fhir", TypeName: "Patient", ResourceID: "1"}, "http://example.org/fhir/Patient/1"},
		{Key{Base: "urn:uuid:", TypeName: "Patient", ResourceID: "abc"}, "urn:uuid:abc"},
	}
	for _, tt := range tests {
		if got := tt.key.String(); got != tt.want {
			t.Errorf("%+v.String() = %q, want %q", tt.key, got, tt.want)
		}
	}
}

func TestKey_SameResourceIgnoresBaseAndVersion(t *testing.T) {
	a := Key{Base: "http://example.org/fhir", TypeName: "Patient", ResourceID: "1", VersionID: "3"}
	b := NewKey("Patient", "1")
	if !a.SameResource(b) {
		t.Error("expected keys to address the same resource")
	}
	if a.SameResource(NewKey("Patient", "2")) {
		t.Error("different ids must not match")
	}
}

func TestKey_RoundTrip(t *testing.T) {
	for _, in := range []string{"Patient/1", "Patient/1/_history/7", "http://example.org/fhir/Encounter/x-1", "urn:uuid:abc"} {
		k, err := ParseKey(in)
		if err != nil {
			t.Fatalf("ParseKey(%q): %v", in, err)
		}
		if k.String() != in {
			t.Errorf("round trip %q -> %q", in, k.String())
		}
	}
}

func TestSplitSuffix(t *testing.T) {
	tests := []struct {
		in, ref, suffix string
	}{
		{"Patient/5", "Patient/5", ""},
		{"Patient/5#obs", "Patient/5", "#obs"},
		{"http://a.org/Patient/5?x=1#y", "http://a.org/Patient/5", "?x=1#y"},
		{"#c1", "#c1", ""},
	}
	for _, tt := range tests {
		ref, suffix := SplitSuffix(tt.in)
		if ref != tt.ref || suffix != tt.suffix {
			t.Errorf("SplitSuffix(%q) = %q, %q; want %q, %q", tt.in, ref, suffix, tt.ref, tt.suffix)
		}
	}
}
