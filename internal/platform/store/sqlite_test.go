package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/ehr/fhirtx/internal/platform/fhir"
)

func openTestSQLite(t *testing.T, path string) *SQLite {
	t.Helper()
	s, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLite_Contract(t *testing.T) {
	s := openTestSQLite(t, filepath.Join(t.TempDir(), "fhir.db"))
	runStoreSuite(t, s, "")
}

func TestSQLite_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "fhir.db")
	ctx := context.Background()

	s, err := OpenSQLite(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Add(ctx, internalEntry(fhir.MethodPOST, "Patient", "p", "1", patient("p", "Keep"))); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	reopened := openTestSQLite(t, path)
	got, err := reopened.Get(ctx, fhir.NewKey("Patient", "p"))
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if got.Key.VersionID != "1" {
		t.Errorf("expected version 1, got %q", got.Key.VersionID)
	}
	if got.When.IsZero() {
		t.Error("expected lastUpdated to round-trip")
	}
	if err := reopened.Ping(ctx); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
