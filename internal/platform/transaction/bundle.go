package transaction

import (
	"context"
	"net/http"
	"strings"

	"github.com/ehr/fhirtx/internal/platform/fhir"
)

// HandleBundle parses, validates and applies a transaction or batch bundle
// and renders the response bundle. maxEntries <= 0 disables the size limit.
func (en *Engine) HandleBundle(ctx context.Context, body []byte, maxEntries int) (*fhir.Bundle, error) {
	bundle, err := fhir.ParseTransactionBundle(body)
	if err != nil {
		return nil, err
	}
	if issues := fhir.ValidateTransactionBundle(bundle, maxEntries); len(issues) > 0 {
		return nil, validationError(issues)
	}

	requests := make([]*Request, len(bundle.Entries))
	invalid := make([]error, len(bundle.Entries))
	for i, e := range bundle.Entries {
		r, err := RequestFromEntry(e)
		if err != nil {
			if bundle.Type == fhir.BundleTypeTransaction {
				return nil, &EntryError{Index: i, Method: fhir.Method(e.Request.Method), Err: err}
			}
			invalid[i] = err
			continue
		}
		requests[i] = r
	}

	if bundle.Type == fhir.BundleTypeTransaction {
		responses, err := en.HandleTransaction(ctx, requests)
		if err != nil {
			return nil, err
		}
		return fhir.NewTransactionResponse(RenderEntries(responses)), nil
	}

	valid := make([]*Request, 0, len(requests))
	for _, r := range requests {
		if r != nil {
			valid = append(valid, r)
		}
	}
	results := en.HandleBatch(ctx, valid)
	responses := make([]*fhir.Response, len(requests))
	next := 0
	for i := range requests {
		if invalid[i] != nil {
			responses[i] = errorResponse(invalid[i])
			continue
		}
		responses[i] = results[next]
		next++
	}
	return fhir.NewBatchResponse(RenderEntries(responses)), nil
}

// RenderEntries converts externalized responses into response bundle
// entries.
func RenderEntries(responses []*fhir.Response) []fhir.BundleEntry {
	out := make([]fhir.BundleEntry, len(responses))
	for i, resp := range responses {
		out[i] = RenderEntry(resp)
	}
	return out
}

// RenderEntry converts one externalized response into a bundle entry.
func RenderEntry(resp *fhir.Response) fhir.BundleEntry {
	be := fhir.BundleEntry{Response: &fhir.BundleResponse{Status: fhir.StatusLine(resp.Status)}}
	if e := resp.Entry; e != nil {
		be.Response.Etag = fhir.FormatETag(e.Key.VersionID)
		if !e.When.IsZero() {
			when := e.When
			be.Response.LastModified = &when
		}
		if !e.IsDelete() {
			be.FullURL = e.Key.WithoutVersion().String()
			be.Resource = e.Resource
			if resp.Status == http.StatusCreated || resp.Status == http.StatusOK {
				be.Response.Location = e.Key.String()
			}
		}
	}
	if resp.Outcome != nil {
		be.Response.Outcome = resp.Outcome
	}
	return be
}

func validationError(issues []fhir.OperationOutcomeIssue) error {
	msgs := make([]string, len(issues))
	for i, is := range issues {
		msgs[i] = is.Diagnostics
	}
	return &fhir.Error{
		Status:      http.StatusBadRequest,
		IssueType:   issues[0].Code,
		Diagnostics: strings.Join(msgs, "; "),
		Issues:      issues,
	}
}
