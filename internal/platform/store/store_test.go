package store

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/ehr/fhirtx/internal/platform/fhir"
)

// txStore is what every bundled store implements.
type txStore interface {
	Store
	Transactor
}

func internalEntry(method fhir.Method, typeName, id, version string, resource map[string]interface{}) *fhir.Entry {
	e := fhir.NewEntry(method, fhir.NewKey(typeName, id).WithVersion(version), resource)
	e.State = fhir.StateInternal
	return e
}

func patient(id, family string) map[string]interface{} {
	return map[string]interface{}{
		"resourceType": "Patient",
		"id":           id,
		"name":         []interface{}{map[string]interface{}{"family": family}},
	}
}

// runStoreSuite exercises the Store contract against s. id prefixes keep
// runs against a shared database apart.
func runStoreSuite(t *testing.T, s txStore, prefix string) {
	ctx := context.Background()
	id := func(n string) string { return prefix + n }

	t.Run("create then read current and version", func(t *testing.T) {
		if _, err := s.Add(ctx, internalEntry(fhir.MethodPOST, "Patient", id("a"), "1", patient(id("a"), "One"))); err != nil {
			t.Fatalf("Add v1: %v", err)
		}
		if _, err := s.Add(ctx, internalEntry(fhir.MethodPUT, "Patient", id("a"), "2", patient(id("a"), "Two"))); err != nil {
			t.Fatalf("Add v2: %v", err)
		}

		cur, err := s.Get(ctx, fhir.NewKey("Patient", id("a")))
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if cur.Key.VersionID != "2" {
			t.Errorf("expected current version 2, got %q", cur.Key.VersionID)
		}
		if cur.State != fhir.StateInternal {
			t.Errorf("expected internal entry, got %s", cur.State)
		}

		v1, err := s.Get(ctx, fhir.NewKey("Patient", id("a")).WithVersion("1"))
		if err != nil {
			t.Fatalf("Get v1: %v", err)
		}
		name := v1.Resource["name"].([]interface{})[0].(map[string]interface{})
		if name["family"] != "One" {
			t.Errorf("expected family One at v1, got %v", name["family"])
		}

		v, err := s.CurrentVersion(ctx, "Patient", id("a"))
		if err != nil || v != "2" {
			t.Errorf("expected current version 2, got %q (%v)", v, err)
		}
	})

	t.Run("version must be the successor", func(t *testing.T) {
		for _, version := range []string{"2", "4", "1"} {
			_, err := s.Add(ctx, internalEntry(fhir.MethodPUT, "Patient", id("a"), version, patient(id("a"), "X")))
			if !errors.Is(err, ErrVersionConflict) {
				t.Errorf("version %s: expected ErrVersionConflict, got %v", version, err)
			}
		}
		_, err := s.Add(ctx, internalEntry(fhir.MethodPOST, "Patient", id("new"), "2", patient(id("new"), "X")))
		if !errors.Is(err, ErrVersionConflict) {
			t.Errorf("expected ErrVersionConflict creating at version 2, got %v", err)
		}
		if v, _ := s.CurrentVersion(ctx, "Patient", id("a")); v != "2" {
			t.Errorf("expected rejected writes to leave version 2, got %q", v)
		}
	})

	t.Run("rejects non-internal entries", func(t *testing.T) {
		e := fhir.NewEntry(fhir.MethodPOST, fhir.NewKey("Patient", id("u")).WithVersion("1"), patient(id("u"), "U"))
		if _, err := s.Add(ctx, e); err == nil {
			t.Error("expected error storing an undefined entry")
		}
	})

	t.Run("missing resource", func(t *testing.T) {
		_, err := s.Get(ctx, fhir.NewKey("Patient", id("missing")))
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		if v, err := s.CurrentVersion(ctx, "Patient", id("missing")); err != nil || v != "" {
			t.Errorf("expected empty current version, got %q (%v)", v, err)
		}
	})

	t.Run("delete hides from current", func(t *testing.T) {
		if _, err := s.Add(ctx, internalEntry(fhir.MethodPOST, "Patient", id("d"), "1", patient(id("d"), "D"))); err != nil {
			t.Fatal(err)
		}
		if _, err := s.Add(ctx, internalEntry(fhir.MethodDELETE, "Patient", id("d"), "2", nil)); err != nil {
			t.Fatalf("delete: %v", err)
		}
		cur, err := s.Get(ctx, fhir.NewKey("Patient", id("d")))
		if err != nil {
			t.Fatal(err)
		}
		if !cur.IsDelete() {
			t.Error("expected current version to be the deletion")
		}
		live, err := s.Current(ctx, "Patient")
		if err != nil {
			t.Fatal(err)
		}
		for _, e := range live {
			if e.Key.ResourceID == id("d") {
				t.Error("expected deleted resource absent from Current")
			}
		}
		hist, err := s.History(ctx, fhir.NewKey("Patient", id("d")))
		if err != nil {
			t.Fatal(err)
		}
		if len(hist) != 2 || hist[0].Key.VersionID != "2" {
			t.Errorf("expected 2 versions newest first, got %d", len(hist))
		}
	})

	t.Run("get many skips missing", func(t *testing.T) {
		got, err := s.GetMany(ctx, []fhir.Key{
			fhir.NewKey("Patient", id("a")),
			fhir.NewKey("Patient", id("nope")),
		})
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 1 || got[0].Key.ResourceID != id("a") {
			t.Errorf("expected only %s, got %d entries", id("a"), len(got))
		}
	})

	t.Run("failed transaction rolls back", func(t *testing.T) {
		boom := errors.New("boom")
		err := s.InTx(ctx, func(ctx context.Context) error {
			if _, err := s.Add(ctx, internalEntry(fhir.MethodPOST, "Patient", id("tx1"), "1", patient(id("tx1"), "T"))); err != nil {
				return err
			}
			if _, err := s.Add(ctx, internalEntry(fhir.MethodPUT, "Patient", id("a"), "3", patient(id("a"), "Three"))); err != nil {
				return err
			}
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("expected boom, got %v", err)
		}
		if _, err := s.Get(ctx, fhir.NewKey("Patient", id("tx1"))); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected rolled back create, got %v", err)
		}
		if v, _ := s.CurrentVersion(ctx, "Patient", id("a")); v != "2" {
			t.Errorf("expected rolled back update to leave version 2, got %q", v)
		}
	})

	t.Run("committed transaction persists", func(t *testing.T) {
		err := s.InTx(ctx, func(ctx context.Context) error {
			for i := 0; i < 3; i++ {
				rid := id(fmt.Sprintf("c%d", i))
				if _, err := s.Add(ctx, internalEntry(fhir.MethodPOST, "Patient", rid, "1", patient(rid, "C"))); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
		if _, err := s.Get(ctx, fhir.NewKey("Patient", id("c2"))); err != nil {
			t.Errorf("expected committed create, got %v", err)
		}
	})
}

func TestHeadNotAdvanced(t *testing.T) {
	tests := []struct {
		name    string
		version string
		current string
	}{
		{"head moved past", "2", "2"},
		{"head behind", "3", "1"},
		{"head reads as predecessor", "2", "1"},
		{"first version taken", "1", "1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := headNotAdvanced(fhir.NewKey("Patient", "a").WithVersion(tt.version), tt.current)
			if !errors.Is(err, ErrVersionConflict) {
				t.Errorf("expected ErrVersionConflict, got %v", err)
			}
		})
	}
}
