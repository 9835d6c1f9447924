// Package transaction applies FHIR interactions, bundles of them in
// particular, against a store. Every request goes through the same
// lifecycle: it is resolved into concrete operations, internalized with one
// key mapper shared by the whole bundle, dispatched in order and
// externalized for the response.
package transaction

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/fhirtx/internal/platform/fhir"
	"github.com/ehr/fhirtx/internal/platform/reference"
	"github.com/ehr/fhirtx/internal/platform/store"
	"github.com/ehr/fhirtx/internal/platform/telemetry"
)

// State is the progress of one transaction.
type State int

const (
	StateReceived State = iota
	StateOperationsBuilt
	StateInternalized
	StateDispatched
	StateExternalized
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StateOperationsBuilt:
		return "operations_built"
	case StateInternalized:
		return "internalized"
	case StateDispatched:
		return "dispatched"
	case StateExternalized:
		return "externalized"
	case StateCompleted:
		return "completed"
	default:
		return "failed"
	}
}

// EntryError reports which request of a transaction failed. It unwraps to
// the underlying error so the status is preserved.
type EntryError struct {
	Index  int
	Method fhir.Method
	Key    fhir.Key
	Err    error
}

func (e *EntryError) Error() string {
	if e.Key.TypeName == "" {
		return fmt.Sprintf("entry %d (%s): %v", e.Index, e.Method, e.Err)
	}
	return fmt.Sprintf("entry %d (%s %s): %v", e.Index, e.Method, e.Key, e.Err)
}

func (e *EntryError) Unwrap() error { return e.Err }

// Authorizer vets a request before it is resolved. A non-nil error aborts
// the transaction, or fails the entry in a batch.
type Authorizer func(ctx context.Context, r *Request) error

// Config wires an Engine to its collaborators. Transactor, Authorize and
// Metrics are optional.
type Config struct {
	Localhost  *fhir.Localhost
	Generator  reference.Generator
	Searcher   Searcher
	Handler    InteractionHandler
	Transactor store.Transactor
	Authorize  Authorizer
	Metrics    *telemetry.Metrics
	Logger     zerolog.Logger
}

// Engine runs transactions. It keeps no per-transaction state, so
// transactions may run concurrently; consistency between them is left to
// the store's version check.
type Engine struct {
	localhost  *fhir.Localhost
	importer   *reference.Importer
	exporter   *reference.Exporter
	searcher   Searcher
	handler    InteractionHandler
	transactor store.Transactor
	authorize  Authorizer
	metrics    *telemetry.Metrics
	logger     zerolog.Logger
}

// NewEngine returns an Engine wired per cfg.
func NewEngine(cfg Config) *Engine {
	return &Engine{
		localhost:  cfg.Localhost,
		importer:   reference.NewImporter(cfg.Localhost, cfg.Generator),
		exporter:   reference.NewExporter(cfg.Localhost),
		searcher:   cfg.Searcher,
		handler:    cfg.Handler,
		transactor: cfg.Transactor,
		authorize:  cfg.Authorize,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
	}
}

// Exporter returns the exporter responses are externalized with.
func (en *Engine) Exporter() *reference.Exporter { return en.exporter }

// Do runs a single interaction as a one-entry transaction.
func (en *Engine) Do(ctx context.Context, r *Request) (*fhir.Response, error) {
	responses, err := en.observe(ctx, "interaction", []*Request{r})
	if err != nil {
		return nil, unwrapEntry(err)
	}
	return responses[0], nil
}

// HandleTransaction applies requests as one unit and returns one response
// per request. The first failure aborts the transaction; when the store
// supports transactions no write survives it.
func (en *Engine) HandleTransaction(ctx context.Context, requests []*Request) ([]*fhir.Response, error) {
	return en.observe(ctx, fhir.BundleTypeTransaction, requests)
}

// HandleBatch applies each request as its own transaction. Failures are
// reported as error responses and do not stop the batch.
func (en *Engine) HandleBatch(ctx context.Context, requests []*Request) []*fhir.Response {
	start := time.Now()
	responses := make([]*fhir.Response, len(requests))
	failed := 0
	for i, r := range requests {
		res, err := en.run(ctx, []*Request{r})
		if err != nil {
			failed++
			responses[i] = errorResponse(unwrapEntry(err))
			continue
		}
		responses[i] = res[0]
	}
	en.metrics.ObserveTransaction(fhir.BundleTypeBatch, "success", time.Since(start))
	en.logger.Info().
		Str("bundle_type", fhir.BundleTypeBatch).
		Int("entries", len(requests)).
		Int("failed", failed).
		Dur("latency", time.Since(start)).
		Msg("batch processed")
	return responses
}

func (en *Engine) observe(ctx context.Context, kind string, requests []*Request) ([]*fhir.Response, error) {
	start := time.Now()
	responses, err := en.run(ctx, requests)
	latency := time.Since(start)

	if err != nil {
		en.metrics.ObserveTransaction(kind, "failure", latency)
		evt := en.logger.Warn().Err(err).
			Str("bundle_type", kind).
			Int("entries", len(requests)).
			Int("status", fhir.StatusOf(err))
		var ee *EntryError
		if errors.As(err, &ee) {
			evt = evt.Int("entry", ee.Index).Str("method", string(ee.Method)).Str("key", ee.Key.String())
		}
		evt.Dur("latency", latency).Msg("transaction failed")
		return nil, err
	}

	en.metrics.ObserveTransaction(kind, "success", latency)
	en.logger.Info().
		Str("bundle_type", kind).
		Int("entries", len(requests)).
		Str("state", StateCompleted.String()).
		Dur("latency", latency).
		Msg("transaction completed")
	return responses, nil
}

// run is one transaction from Received to Completed.
func (en *Engine) run(ctx context.Context, requests []*Request) ([]*fhir.Response, error) {
	t := &txn{engine: en, mapper: reference.NewKeyMapper(), state: StateReceived}
	responses, err := t.execute(ctx, requests)
	if err != nil {
		t.fail(err)
		return nil, err
	}
	return responses, nil
}

// txn is the working state of one transaction. It is owned by a single
// goroutine.
type txn struct {
	engine *Engine
	mapper *reference.KeyMapper
	state  State

	entries []*fhir.Entry
	// owner maps each flattened entry to the request it came from.
	owner     []int
	ops       []*Operation
	responses []*fhir.Response
}

func (t *txn) advance(s State) {
	t.engine.logger.Debug().
		Str("from", t.state.String()).
		Str("to", s.String()).
		Int("entries", len(t.entries)).
		Msg("transaction state")
	t.state = s
}

func (t *txn) fail(err error) {
	t.engine.logger.Debug().Err(err).Str("from", t.state.String()).Msg("transaction state failed")
	t.state = StateFailed
}

func (t *txn) execute(ctx context.Context, requests []*Request) ([]*fhir.Response, error) {
	if err := t.build(ctx, requests); err != nil {
		return nil, err
	}
	t.advance(StateOperationsBuilt)

	if err := t.engine.importer.Internalize(ctx, t.mapper, t.entries); err != nil {
		return nil, err
	}
	if err := t.checkOverlap(); err != nil {
		return nil, err
	}
	t.advance(StateInternalized)

	if err := t.dispatch(ctx); err != nil {
		return nil, err
	}
	t.advance(StateDispatched)

	for _, resp := range t.responses {
		if err := t.engine.exporter.Externalize(resp.Entry); err != nil {
			return nil, err
		}
	}
	t.advance(StateExternalized)

	out := t.collate(requests)
	t.advance(StateCompleted)
	return out, nil
}

// build resolves every request into operations and flattens their entries.
// An operation that resolved to a different resource than the client named
// is recorded in the mapper so later entries can reference it.
func (t *txn) build(ctx context.Context, requests []*Request) error {
	t.ops = make([]*Operation, len(requests))
	for i, r := range requests {
		if t.engine.authorize != nil {
			if err := t.engine.authorize(ctx, r); err != nil {
				return &EntryError{Index: i, Method: r.Method, Key: r.URL.Key, Err: err}
			}
		}
		op, alias, err := buildOperation(ctx, t.engine.searcher, r)
		if err != nil {
			return &EntryError{Index: i, Method: r.Method, Key: r.URL.Key, Err: err}
		}
		if err := t.alias(op, alias); err != nil {
			return &EntryError{Index: i, Method: r.Method, Key: r.URL.Key, Err: err}
		}
		t.ops[i] = op
		for _, e := range op.Entries() {
			t.entries = append(t.entries, e)
			t.owner = append(t.owner, i)
		}
	}
	return nil
}

func (t *txn) alias(op *Operation, alias fhir.Key) error {
	entries := op.Entries()
	if !alias.HasResourceID() || len(entries) != 1 || entries[0].Method == fhir.MethodPOST {
		return nil
	}
	target := entries[0].Key.WithoutVersion()
	switch t.engine.localhost.Classify(alias) {
	case fhir.KindInternal, fhir.KindLocal:
		if alias.WithoutBase().WithoutVersion() == target {
			return nil
		}
	}
	return t.engine.importer.Alias(t.mapper, alias, target)
}

// checkOverlap rejects transactions in which two requests resolve to the
// same resource.
func (t *txn) checkOverlap() error {
	seen := make(map[string]int, len(t.entries))
	for i, e := range t.entries {
		path := e.Key.WithoutVersion().Path()
		if first, ok := seen[path]; ok && first != t.owner[i] {
			return &EntryError{
				Index:  t.owner[i],
				Method: e.Method,
				Key:    e.Key,
				Err:    fhir.BadRequest("%s is also addressed by entry %d", e.Key.WithoutVersion(), first),
			}
		}
		seen[path] = t.owner[i]
	}
	return nil
}

// dispatch hands entries to the interaction handler strictly in order,
// inside a store transaction when the store offers one.
func (t *txn) dispatch(ctx context.Context) error {
	en := t.engine
	apply := func(ctx context.Context) error {
		t.responses = make([]*fhir.Response, len(t.entries))
		for i, e := range t.entries {
			resp, err := en.handler.Handle(ctx, e)
			if err == nil && !resp.IsValid() {
				err = invalidResponse(resp)
			}
			if err != nil {
				en.metrics.ObserveEntry(string(e.Method), fhir.StatusOf(err))
				return &EntryError{Index: t.owner[i], Method: e.Method, Key: e.Key, Err: err}
			}
			en.metrics.ObserveEntry(string(e.Method), resp.Status)
			t.responses[i] = resp
		}
		return nil
	}
	if en.transactor != nil {
		return en.transactor.InTx(ctx, apply)
	}
	return apply(ctx)
}

// collate returns one response per request. A conditional delete that
// removed other than exactly one resource is summarized.
func (t *txn) collate(requests []*Request) []*fhir.Response {
	grouped := make([][]*fhir.Response, len(requests))
	for i, resp := range t.responses {
		grouped[t.owner[i]] = append(grouped[t.owner[i]], resp)
	}
	out := make([]*fhir.Response, len(requests))
	for i, group := range grouped {
		if len(group) == 1 {
			out[i] = group[0]
			continue
		}
		out[i] = &fhir.Response{
			Status:  http.StatusNoContent,
			Outcome: fhir.InformationOutcome(fmt.Sprintf("deleted %d %s resources matching the criteria", len(group), t.ops[i].Key.TypeName)),
		}
	}
	return out
}

func invalidResponse(resp *fhir.Response) error {
	if resp == nil {
		return fhir.Internal("interaction returned no response")
	}
	diag := http.StatusText(resp.Status)
	if resp.Outcome != nil && len(resp.Outcome.Issue) > 0 {
		diag = resp.Outcome.Issue[0].Diagnostics
	}
	return &fhir.Error{Status: resp.Status, IssueType: fhir.IssueTypeProcessing, Diagnostics: diag}
}

func errorResponse(err error) *fhir.Response {
	return &fhir.Response{Status: fhir.StatusOf(err), Outcome: fhir.OutcomeOf(err)}
}

// unwrapEntry drops the entry annotation from err, for results that
// concern a single request.
func unwrapEntry(err error) error {
	var ee *EntryError
	if errors.As(err, &ee) {
		return ee.Err
	}
	return err
}
