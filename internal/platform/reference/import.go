package reference

import (
	"context"

	"github.com/ehr/fhirtx/internal/platform/fhir"
)

// Generator mints server identities for imported entries.
type Generator interface {
	// NextResourceID returns a fresh logical id for a resource of typeName.
	NextResourceID(ctx context.Context, typeName string) (string, error)
	// NextVersionID returns the version id the next write to the resource
	// will carry.
	NextVersionID(ctx context.Context, typeName, resourceID string) (string, error)
}

// Importer internalizes client entries: it resolves every entry key to a
// server key and rewrites the references in their resources to match. An
// Importer holds no per-call state and may be shared.
type Importer struct {
	localhost *fhir.Localhost
	generator Generator
}

// NewImporter returns an Importer for the given server identity.
func NewImporter(localhost *fhir.Localhost, generator Generator) *Importer {
	return &Importer{localhost: localhost, generator: generator}
}

// importPass is the working state of one Internalize call.
type importPass struct {
	*Importer
	shared  *KeyMapper
	scratch *KeyMapper
}

// Internalize resolves keys and references of all entries as one pass.
// Keys are resolved first, in order, so that any entry may reference any
// other. On error no entry and no mapping is modified.
//
// mapper carries mappings already known to the caller (for example from
// conditional operations) and receives the new ones on success.
func (im *Importer) Internalize(ctx context.Context, mapper *KeyMapper, entries []*fhir.Entry) error {
	p := &importPass{
		Importer: im,
		shared:   mapper,
		scratch:  NewKeyMapper(),
	}

	keys := make([]fhir.Key, len(entries))
	for i, e := range entries {
		if e.State != fhir.StateUndefined {
			return fhir.Internal("entry %s is already %s", e.Key, e.State)
		}
		k, err := p.internalizeKey(ctx, e)
		if err != nil {
			return err
		}
		keys[i] = k
	}

	resources := make([]map[string]interface{}, len(entries))
	patches := make([]*fhir.Patch, len(entries))
	for i, e := range entries {
		if e.Resource != nil {
			resources[i] = fhir.CloneResource(e.Resource)
			if err := VisitResource(resources[i], AllElements, p.internalizeElement); err != nil {
				return err
			}
		}
		if e.Patch != nil {
			patches[i] = e.Patch.Clone()
			if err := VisitPatch(patches[i], keys[i].TypeName, AllElements, p.internalizeElement); err != nil {
				return err
			}
		}
	}

	if err := mapper.Merge(p.scratch); err != nil {
		return err
	}
	for i, e := range entries {
		e.Key = keys[i]
		e.Resource = resources[i]
		e.Patch = patches[i]
		e.State = fhir.StateInternal
	}
	return nil
}

// Alias records that the client identifier original resolves to the
// server key resolved, as when a conditional update matched an existing
// resource. A different earlier mapping for original is a conflict.
func (im *Importer) Alias(mapper *KeyMapper, original, resolved fhir.Key) error {
	p := &importPass{Importer: im}
	alias := NewKeyMapper()
	alias.Remap(p.mappingID(original), resolved.WithoutBase().WithoutVersion())
	return mapper.Merge(alias)
}

// mappingID is the mapper key for a client identifier: the urn of a
// temporary key, the relative path of a key on this server and the full URL
// otherwise. Versions are ignored.
func (p *importPass) mappingID(k fhir.Key) string {
	if p.localhost.Classify(k) == fhir.KindLocal {
		k = k.WithoutBase()
	}
	return k.WithoutVersion().String()
}

func (p *importPass) lookup(id string) (fhir.Key, bool) {
	if k, ok := p.scratch.TryGet(id); ok {
		return k, true
	}
	return p.shared.TryGet(id)
}

func (p *importPass) internalizeKey(ctx context.Context, e *fhir.Entry) (fhir.Key, error) {
	key := e.Key
	if key.TypeName == "" {
		key.TypeName = fhir.ResourceType(e.Resource)
	}
	if key.TypeName == "" {
		return fhir.Key{}, fhir.BadRequest("entry %s does not name a resource type", e.Key)
	}

	switch p.localhost.Classify(key) {
	case fhir.KindForeign, fhir.KindTemporary:
		if mapped, ok := p.lookup(p.mappingID(e.Key)); ok {
			return p.withVersion(ctx, e.Method, mapped, "")
		}
		if e.Method != fhir.MethodPOST && e.Method != fhir.MethodPUT {
			return fhir.Key{}, fhir.BadRequest("cannot %s %s: resource does not belong to this server", e.Method, e.Key)
		}
		return p.mint(ctx, e.Key, key.TypeName)
	default:
		local := key.WithoutBase()
		if e.Method == fhir.MethodPOST {
			return p.mint(ctx, e.Key, local.TypeName)
		}
		return p.withVersion(ctx, e.Method, local.WithoutVersion(), local.VersionID)
	}
}

// mint assigns a new resource id and records the mapping from the client's
// identifier when it named one.
func (p *importPass) mint(ctx context.Context, original fhir.Key, typeName string) (fhir.Key, error) {
	id, err := p.generator.NextResourceID(ctx, typeName)
	if err != nil {
		return fhir.Key{}, err
	}
	key := fhir.NewKey(typeName, id)
	version, err := p.nextVersion(ctx, key, "")
	if err != nil {
		return fhir.Key{}, err
	}
	if original.HasResourceID() {
		p.scratch.Remap(p.mappingID(original), key)
	}
	return key.WithVersion(version), nil
}

// withVersion assigns the version a write to key will produce. expected is
// the version the client believes current, if it said.
func (p *importPass) withVersion(ctx context.Context, method fhir.Method, key fhir.Key, expected string) (fhir.Key, error) {
	if !key.HasResourceID() {
		return fhir.Key{}, fhir.BadRequest("%s %s requires a resource id", method, key)
	}
	if !method.Mutates() {
		return key.WithVersion(expected), nil
	}
	version, err := p.nextVersion(ctx, key, expected)
	if err != nil {
		return fhir.Key{}, err
	}
	return key.WithVersion(version), nil
}

// nextVersion returns the successor of expected, or of the stored version
// when the client did not say which version it expects.
func (p *importPass) nextVersion(ctx context.Context, key fhir.Key, expected string) (string, error) {
	if expected != "" {
		return fhir.NextVersion(expected)
	}
	return p.generator.NextVersionID(ctx, key.TypeName, key.ResourceID)
}

func (p *importPass) internalizeElement(el *Element) error {
	switch el.Kind {
	case Narrative:
		div, err := RewriteNarrative(el.Value, func(uri string) (string, error) {
			return p.internalizeURI(uri, false)
		})
		if err != nil {
			return err
		}
		if div != el.Value {
			el.Set(div)
		}
		return nil
	default:
		v, err := p.internalizeURI(el.Value, el.Kind == TypedReference)
		if err != nil {
			return err
		}
		if v != el.Value {
			el.Set(v)
		}
		return nil
	}
}

// internalizeURI resolves one reference. Typed references must resolve to a
// resource on this server; bare uris that address nothing here are left
// alone.
func (p *importPass) internalizeURI(uri string, typed bool) (string, error) {
	if uri == "" || fhir.IsFragment(uri) {
		return uri, nil
	}
	if fhir.IsTemporaryURI(uri) {
		key, err := fhir.ParseKey(uri)
		if err != nil {
			return "", fhir.BadRequest("invalid reference %q: %s", uri, err.Error())
		}
		if mapped, ok := p.lookup(p.mappingID(key)); ok {
			return mapped.WithoutVersion().String(), nil
		}
		return "", fhir.Conflict("dangling reference %q: no entry in this bundle has that fullUrl", uri)
	}

	key, err := fhir.ParseKey(uri)
	if err != nil {
		if typed {
			return "", fhir.BadRequest("invalid reference %q: %s", uri, err.Error())
		}
		return uri, nil
	}
	if !key.HasResourceID() {
		if typed {
			return "", fhir.BadRequest("reference %q does not name a resource", uri)
		}
		return uri, nil
	}

	_, suffix := fhir.SplitSuffix(uri)
	mapped, isMapped := p.lookup(p.mappingID(key))
	switch p.localhost.Classify(key) {
	case fhir.KindLocal:
		if isMapped && !key.HasVersionID() {
			return mapped.WithoutVersion().String() + suffix, nil
		}
		return key.WithoutBase().String() + suffix, nil
	case fhir.KindInternal:
		if isMapped && !key.HasVersionID() {
			return mapped.WithoutVersion().String() + suffix, nil
		}
		return uri, nil
	default:
		if isMapped {
			return mapped.WithoutVersion().String() + suffix, nil
		}
		if typed {
			return "", fhir.Conflict("reference %q points to another server and is not created by this bundle", uri)
		}
		return uri, nil
	}
}
