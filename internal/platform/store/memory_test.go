package store

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/ehr/fhirtx/internal/platform/fhir"
)

func TestMemory_Contract(t *testing.T) {
	runStoreSuite(t, NewMemory(), "")
}

func TestMemory_ReturnsCopies(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	if _, err := m.Add(ctx, internalEntry(fhir.MethodPOST, "Patient", "1", "1", patient("1", "Orig"))); err != nil {
		t.Fatal(err)
	}
	got, _ := m.Get(ctx, fhir.NewKey("Patient", "1"))
	got.Resource["id"] = "mutated"

	again, _ := m.Get(ctx, fhir.NewKey("Patient", "1"))
	if again.Resource["id"] != "1" {
		t.Error("expected store contents isolated from callers")
	}
}

func TestMemory_ConcurrentWritersOneWins(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	if _, err := m.Add(ctx, internalEntry(fhir.MethodPOST, "Patient", "1", "1", patient("1", "A"))); err != nil {
		t.Fatal(err)
	}

	const writers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		ok        int
		conflicts int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Add(ctx, internalEntry(fhir.MethodPUT, "Patient", "1", "2", patient("1", "B")))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrVersionConflict):
				conflicts++
			}
		}()
	}
	wg.Wait()

	if ok != 1 || conflicts != writers-1 {
		t.Errorf("expected 1 success and %d conflicts, got %d and %d", writers-1, ok, conflicts)
	}
}

func TestMemory_NestedTxJoinsOuter(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	boom := errors.New("boom")

	err := m.InTx(ctx, func(ctx context.Context) error {
		return m.InTx(ctx, func(ctx context.Context) error {
			if _, err := m.Add(ctx, internalEntry(fhir.MethodPOST, "Patient", "n", "1", patient("n", "N"))); err != nil {
				return err
			}
			return boom
		})
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if _, err := m.Get(ctx, fhir.NewKey("Patient", "n")); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected nested write rolled back, got %v", err)
	}
}
