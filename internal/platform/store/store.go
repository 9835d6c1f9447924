// Package store persists versioned FHIR resources.
//
// Every write appends a version. Add is the only place optimistic
// concurrency is decided: a write carries the version it will create, and
// the store accepts it only when that version is the immediate successor of
// the current one. The check and the write happen atomically, so concurrent
// writers to one resource cannot both succeed with the same version.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ehr/fhirtx/internal/platform/fhir"
)

var (
	// ErrNotFound is returned when no version matches a key.
	ErrNotFound = errors.New("resource not found")
	// ErrVersionConflict is returned by Add when the entry's version is not
	// the successor of the current version.
	ErrVersionConflict = errors.New("version conflict")
)

// Store is a versioned resource store.
type Store interface {
	// Get returns the version named by key, or the current version when key
	// has no version. A deleted resource is returned as its DELETE entry.
	Get(ctx context.Context, key fhir.Key) (*fhir.Entry, error)
	// GetMany returns the current version of each key that exists, in key
	// order. Missing keys are skipped.
	GetMany(ctx context.Context, keys []fhir.Key) ([]*fhir.Entry, error)
	// Add appends entry as a new version and returns the stored copy.
	// entry must be internal and its key must carry the candidate version.
	Add(ctx context.Context, entry *fhir.Entry) (*fhir.Entry, error)
	// History returns every version of a resource, newest first.
	History(ctx context.Context, key fhir.Key) ([]*fhir.Entry, error)
	// Current returns the current, non-deleted version of every resource of
	// typeName, ordered by resource id.
	Current(ctx context.Context, typeName string) ([]*fhir.Entry, error)
	// CurrentVersion returns the current version id of a resource, or "" if
	// it has never been written.
	CurrentVersion(ctx context.Context, typeName, resourceID string) (string, error)
}

// Transactor is implemented by stores that can apply several writes as one
// unit. fn runs with a context bound to the transaction; if it returns an
// error every write made through that context is discarded.
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// checkWritable validates an entry before it is stored.
func checkWritable(e *fhir.Entry) error {
	if e == nil {
		return fmt.Errorf("nil entry")
	}
	if e.State != fhir.StateInternal {
		return fmt.Errorf("entry %s is %s; only internal entries may be stored", e.Key, e.State)
	}
	if e.Key.HasBase() || e.Key.TypeName == "" || !e.Key.HasResourceID() || !e.Key.HasVersionID() {
		return fmt.Errorf("entry key %q must be relative and fully versioned", e.Key)
	}
	if !e.IsDelete() && e.Resource == nil {
		return fmt.Errorf("entry %s has no resource", e.Key)
	}
	return nil
}

// checkSuccessor reports ErrVersionConflict unless candidate follows current.
func checkSuccessor(key fhir.Key, current string) error {
	want, err := fhir.NextVersion(current)
	if err != nil {
		return err
	}
	if key.VersionID != want {
		return fmt.Errorf("%w: %s/%s is at version %q, write carries %q",
			ErrVersionConflict, key.TypeName, key.ResourceID, current, key.VersionID)
	}
	return nil
}

// headNotAdvanced is the error for a conditional head update that matched
// no row. When the head now reads as the predecessor it moved and moved
// back under us, which is a conflict all the same.
func headNotAdvanced(key fhir.Key, current string) error {
	if err := checkSuccessor(key, current); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s/%s head changed during the write", ErrVersionConflict, key.TypeName, key.ResourceID)
}

// stored returns the copy of e that a store keeps.
func stored(e *fhir.Entry) *fhir.Entry {
	when := e.When
	if when.IsZero() {
		when = time.Now().UTC()
	}
	return &fhir.Entry{
		Key:      e.Key.WithoutBase(),
		Resource: fhir.CloneResource(e.Resource),
		Method:   e.Method,
		State:    fhir.StateInternal,
		When:     when,
	}
}

// clone returns a copy of a stored entry safe to hand to callers.
func clone(e *fhir.Entry) *fhir.Entry {
	c := *e
	c.Resource = fhir.CloneResource(e.Resource)
	return &c
}
