package reference

import (
	"github.com/ehr/fhirtx/internal/platform/fhir"
)

// Exporter externalizes stored entries for a client: keys and relative
// references become absolute URLs on this server. It is the inverse of
// Importer for everything an import produced.
type Exporter struct {
	localhost *fhir.Localhost
}

// NewExporter returns an Exporter for the given server identity.
func NewExporter(localhost *fhir.Localhost) *Exporter {
	return &Exporter{localhost: localhost}
}

// Externalize rewrites entries in place. Entries already external are
// skipped.
func (ex *Exporter) Externalize(entries ...*fhir.Entry) error {
	for _, e := range entries {
		if e == nil || e.State == fhir.StateExternal {
			continue
		}
		if !e.Key.HasBase() && e.Key.TypeName != "" {
			e.Key = ex.localhost.Absolute(e.Key)
		}
		if e.Resource != nil {
			if err := VisitResource(e.Resource, AllElements, ex.externalizeElement); err != nil {
				return err
			}
		}
		e.State = fhir.StateExternal
	}
	return nil
}

func (ex *Exporter) externalizeElement(el *Element) error {
	var v string
	if el.Kind == Narrative {
		div, err := RewriteNarrative(el.Value, func(uri string) (string, error) {
			return ex.externalizeURI(uri), nil
		})
		if err != nil {
			return err
		}
		v = div
	} else {
		v = ex.externalizeURI(el.Value)
	}
	if v != el.Value {
		el.Set(v)
	}
	return nil
}

// externalizeURI prefixes relative resource references with the server
// base. Fragments, absolute URLs and anything that is not a resource path
// are returned unchanged.
func (ex *Exporter) externalizeURI(uri string) string {
	if uri == "" || fhir.IsFragment(uri) || fhir.IsTemporaryURI(uri) {
		return uri
	}
	key, err := fhir.ParseKey(uri)
	if err != nil || key.HasBase() || !key.HasResourceID() {
		return uri
	}
	_, suffix := fhir.SplitSuffix(uri)
	return ex.localhost.URI(key) + suffix
}
