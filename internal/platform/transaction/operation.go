package transaction

import (
	"net/url"

	"github.com/ehr/fhirtx/internal/platform/fhir"
	"github.com/ehr/fhirtx/internal/platform/search"
)

// Condition is a conditional filter together with what it matched.
type Condition struct {
	Filter  url.Values
	Results *search.Results
}

func (c *Condition) describe() string {
	return c.Filter.Encode()
}

// Operation is one requested manipulation resolved to the concrete entries
// it will apply. Entries are computed when the operation is built and never
// change afterwards.
type Operation struct {
	Method    fhir.Method
	Key       fhir.Key
	Condition *Condition
	entries   []*fhir.Entry
}

// Entries returns the concrete entries, in dispatch order.
func (o *Operation) Entries() []*fhir.Entry { return o.entries }

// NewRead returns an operation reading key.
func NewRead(key fhir.Key) *Operation {
	return &Operation{
		Method:  fhir.MethodGET,
		Key:     key,
		entries: []*fhir.Entry{fhir.NewEntry(fhir.MethodGET, key, nil)},
	}
}

// NewPost returns a create. With a condition, no match creates, one match
// reads the existing resource and several matches are a PreconditionFailed.
func NewPost(key fhir.Key, resource map[string]interface{}, cond *Condition) (*Operation, error) {
	op := &Operation{Method: fhir.MethodPOST, Key: key, Condition: cond}
	if cond == nil {
		op.entries = []*fhir.Entry{fhir.NewEntry(fhir.MethodPOST, key, resource)}
		return op, nil
	}
	match, ok, err := single(cond, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		op.entries = []*fhir.Entry{fhir.NewEntry(fhir.MethodPOST, key, resource)}
	} else {
		op.entries = []*fhir.Entry{fhir.NewEntry(fhir.MethodGET, match, nil)}
	}
	return op, nil
}

// NewPut returns an update. With a condition, no match creates the resource
// at key, one match updates the matched resource instead of key and several
// matches are a PreconditionFailed.
func NewPut(key fhir.Key, resource map[string]interface{}, cond *Condition) (*Operation, error) {
	op := &Operation{Method: fhir.MethodPUT, Key: key, Condition: cond}
	if cond == nil {
		op.entries = []*fhir.Entry{fhir.NewEntry(fhir.MethodPUT, key, resource)}
		return op, nil
	}
	match, ok, err := single(cond, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		op.entries = []*fhir.Entry{fhir.NewEntry(fhir.MethodPOST, key, resource)}
	} else {
		op.entries = []*fhir.Entry{fhir.NewEntry(fhir.MethodPUT, match, resource)}
	}
	return op, nil
}

// NewPatch follows the matching rules of NewPut but carries a patch
// document. A conditional patch that matches nothing is a NotFound, since
// there is nothing to apply the document to.
func NewPatch(key fhir.Key, patch *fhir.Patch, cond *Condition) (*Operation, error) {
	op := &Operation{Method: fhir.MethodPATCH, Key: key, Condition: cond}
	target := key
	if cond != nil {
		match, ok, err := single(cond, key)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fhir.NotFound("conditional patch of %s matched no resource (%s)", key.TypeName, cond.describe())
		}
		target = match
	}
	e := fhir.NewEntry(fhir.MethodPATCH, target, nil)
	e.Patch = patch
	op.entries = []*fhir.Entry{e}
	return op, nil
}

// NewDelete returns a delete. A conditional delete removes every match,
// which may be none.
func NewDelete(key fhir.Key, cond *Condition) *Operation {
	op := &Operation{Method: fhir.MethodDELETE, Key: key, Condition: cond}
	if cond == nil {
		op.entries = []*fhir.Entry{fhir.NewEntry(fhir.MethodDELETE, key, nil)}
		return op
	}
	for _, k := range cond.Results.Keys {
		op.entries = append(op.entries, fhir.NewEntry(fhir.MethodDELETE, k.WithoutVersion(), nil))
	}
	return op
}

// single returns the only match of cond, false when there is none, and a
// PreconditionFailed when there are several.
func single(cond *Condition, key fhir.Key) (fhir.Key, bool, error) {
	switch n := len(cond.Results.Keys); n {
	case 0:
		return fhir.Key{}, false, nil
	case 1:
		return cond.Results.Keys[0].WithoutVersion(), true, nil
	default:
		return fhir.Key{}, false, fhir.PreconditionFailed(
			"conditional %s matched %d resources (%s); the criteria must select one", key.TypeName, n, cond.describe())
	}
}
