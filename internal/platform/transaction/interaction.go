package transaction

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/ehr/fhirtx/internal/platform/fhir"
	"github.com/ehr/fhirtx/internal/platform/store"
)

// InteractionHandler applies one internal entry and reports the outcome.
// The returned response carries the stored or read version on success.
type InteractionHandler interface {
	Handle(ctx context.Context, entry *fhir.Entry) (*fhir.Response, error)
}

// StoreInteraction is the InteractionHandler backed by a Store.
type StoreInteraction struct {
	store store.Store
	now   func() time.Time
}

// NewStoreInteraction returns a handler writing to s.
func NewStoreInteraction(s store.Store) *StoreInteraction {
	return &StoreInteraction{store: s, now: time.Now}
}

// Handle dispatches entry by method. Store failures are reported in the
// fhir error taxonomy.
func (si *StoreInteraction) Handle(ctx context.Context, entry *fhir.Entry) (*fhir.Response, error) {
	if entry.State != fhir.StateInternal {
		return nil, fhir.Internal("entry %s is %s; only internal entries may be dispatched", entry.Key, entry.State)
	}
	var (
		resp *fhir.Response
		err  error
	)
	switch entry.Method {
	case fhir.MethodGET:
		resp, err = si.read(ctx, entry)
	case fhir.MethodPOST:
		resp, err = si.create(ctx, entry)
	case fhir.MethodPUT:
		resp, err = si.update(ctx, entry)
	case fhir.MethodPATCH:
		resp, err = si.patch(ctx, entry)
	case fhir.MethodDELETE:
		resp, err = si.remove(ctx, entry)
	default:
		err = fhir.BadRequest("unsupported method %q", entry.Method)
	}
	if err != nil {
		return nil, storeError(err)
	}
	return resp, nil
}

func (si *StoreInteraction) read(ctx context.Context, entry *fhir.Entry) (*fhir.Response, error) {
	got, err := si.store.Get(ctx, entry.Key)
	if err != nil {
		return nil, err
	}
	if got.IsDelete() {
		return nil, fhir.Gone("%s was deleted", entry.Key.WithoutVersion())
	}
	return &fhir.Response{Status: http.StatusOK, Entry: got}, nil
}

func (si *StoreInteraction) create(ctx context.Context, entry *fhir.Entry) (*fhir.Response, error) {
	stored, err := si.write(ctx, entry)
	if err != nil {
		return nil, err
	}
	return &fhir.Response{Status: http.StatusCreated, Entry: stored}, nil
}

func (si *StoreInteraction) update(ctx context.Context, entry *fhir.Entry) (*fhir.Response, error) {
	if id := fhir.ResourceID(entry.Resource); id != "" && id != entry.Key.ResourceID {
		return nil, fhir.BadRequest("resource id %q does not match %s", id, entry.Key.WithoutVersion())
	}
	status := http.StatusOK
	current, err := si.current(ctx, entry.Key)
	if err != nil {
		return nil, err
	}
	if current == nil {
		status = http.StatusCreated
	}
	stored, err := si.write(ctx, entry)
	if err != nil {
		return nil, err
	}
	return &fhir.Response{Status: status, Entry: stored}, nil
}

func (si *StoreInteraction) patch(ctx context.Context, entry *fhir.Entry) (*fhir.Response, error) {
	if entry.Patch == nil {
		return nil, fhir.BadRequest("PATCH %s carries no patch document", entry.Key.WithoutVersion())
	}
	current, err := si.current(ctx, entry.Key)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, fhir.NotFound("%s does not exist", entry.Key.WithoutVersion())
	}
	patched, err := entry.Patch.Apply(current.Resource)
	if err != nil {
		return nil, err
	}
	next := *entry
	next.Resource = patched
	next.Patch = nil
	stored, err := si.write(ctx, &next)
	if err != nil {
		return nil, err
	}
	return &fhir.Response{Status: http.StatusOK, Entry: stored}, nil
}

// remove deletes the current version. Deleting something absent or already
// deleted succeeds without writing.
func (si *StoreInteraction) remove(ctx context.Context, entry *fhir.Entry) (*fhir.Response, error) {
	current, err := si.current(ctx, entry.Key)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return &fhir.Response{Status: http.StatusNoContent}, nil
	}
	del := &fhir.Entry{Key: entry.Key, Method: fhir.MethodDELETE, State: fhir.StateInternal, When: si.now().UTC()}
	stored, err := si.store.Add(ctx, del)
	if err != nil {
		return nil, err
	}
	return &fhir.Response{Status: http.StatusNoContent, Entry: stored}, nil
}

// current returns the live version of the resource, or nil when it does not
// exist or is deleted.
func (si *StoreInteraction) current(ctx context.Context, key fhir.Key) (*fhir.Entry, error) {
	got, err := si.store.Get(ctx, key.WithoutVersion())
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if got.IsDelete() {
		return nil, nil
	}
	return got, nil
}

// write stamps the resource with its key and timestamp and stores it.
func (si *StoreInteraction) write(ctx context.Context, entry *fhir.Entry) (*fhir.Entry, error) {
	if err := fhir.CheckResourceType(entry.Key, entry.Resource); err != nil {
		return nil, err
	}
	when := si.now().UTC()
	resource := fhir.CloneResource(entry.Resource)
	fhir.StampResource(resource, entry.Key, when)
	return si.store.Add(ctx, &fhir.Entry{
		Key:      entry.Key,
		Resource: resource,
		Method:   entry.Method,
		State:    fhir.StateInternal,
		When:     when,
	})
}

// storeError maps store sentinels onto the fhir taxonomy.
func storeError(err error) error {
	var fe *fhir.Error
	switch {
	case errors.As(err, &fe):
		return err
	case errors.Is(err, store.ErrVersionConflict):
		return fhir.Conflict("%s", err.Error())
	case errors.Is(err, store.ErrNotFound):
		return fhir.NotFound("%s", err.Error())
	default:
		return err
	}
}
