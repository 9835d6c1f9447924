package reference

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ehr/fhirtx/internal/platform/fhir"
)

// ElementKind is a class of reference-bearing element. The set is closed;
// kinds combine as a bit mask when visiting.
type ElementKind uint8

const (
	// TypedReference is the reference element of a FHIR Reference datatype.
	TypedReference ElementKind = 1 << iota
	// BareURI is a uri-typed element that may address a resource, such as
	// Attachment.url.
	BareURI
	// Narrative is the XHTML div of a resource's text element.
	Narrative

	AllElements = TypedReference | BareURI | Narrative
)

func (k ElementKind) String() string {
	switch k {
	case TypedReference:
		return "reference"
	case BareURI:
		return "uri"
	case Narrative:
		return "narrative"
	default:
		return fmt.Sprintf("kinds(%d)", uint8(k))
	}
}

// Element is one reference-bearing location in a resource tree.
type Element struct {
	Kind ElementKind
	// ResourceType is the type of the innermost resource containing the
	// element (contained resources and nested bundle entries count).
	ResourceType string
	// Path is a dotted location from the visited root, e.g.
	// "contained[0].subject.reference".
	Path  string
	Value string
	set   func(string)
}

// Set replaces the element's value in the tree.
func (e *Element) Set(v string) {
	e.Value = v
	e.set(v)
}

// Action is invoked for every matching element. Returning an error stops
// the visit.
type Action func(el *Element) error

// bareURIElements lists, per resource type, the uri-typed elements that
// address other resources. Paths are relative to the resource and skip array
// indices. Attachment.url is recognised structurally wherever it occurs.
var bareURIElements = map[string]map[string]bool{
	"Bundle":        {"entry.fullUrl": true},
	"Endpoint":      {"address": true},
	"Subscription":  {"channel.endpoint": true},
	"MessageHeader": {"source.endpoint": true, "destination.endpoint": true},
}

// attachmentFields mark an object as an Attachment when present beside url.
var attachmentFields = []string{"contentType", "data", "size", "hash", "title", "creation", "language"}

// Visit walks tree and invokes action for every element of the requested
// kinds. rootType is the resource type of tree when tree itself does not
// carry resourceType (for example a patch document).
func Visit(tree interface{}, rootType string, kinds ElementKind, action Action) error {
	w := walker{kinds: kinds, action: action}
	return w.walk(tree, rootType, nil, "")
}

// VisitResource walks a resource map.
func VisitResource(resource map[string]interface{}, kinds ElementKind, action Action) error {
	if resource == nil {
		return nil
	}
	rt, _ := resource["resourceType"].(string)
	return Visit(resource, rt, kinds, action)
}

type walker struct {
	kinds  ElementKind
	action Action
}

func (w *walker) on(kind ElementKind) bool { return w.kinds&kind != 0 }

func (w *walker) emit(kind ElementKind, rt, path, value string, set func(string)) error {
	return w.action(&Element{Kind: kind, ResourceType: rt, Path: path, Value: value, set: set})
}

// walk visits node. rel is the index-free path from the innermost resource
// root, used to consult bareURIElements.
func (w *walker) walk(node interface{}, rt string, rel []string, path string) error {
	switch n := node.(type) {
	case map[string]interface{}:
		atRoot := len(rel) == 0
		if t, ok := n["resourceType"].(string); ok && t != "" {
			rt, rel, atRoot = t, nil, true
		}

		if ref, ok := n["reference"].(string); ok && w.on(TypedReference) {
			if err := w.emit(TypedReference, rt, join(path, "reference"), ref, func(v string) { n["reference"] = v }); err != nil {
				return err
			}
		}
		if url, ok := n["url"].(string); ok && w.on(BareURI) && isAttachment(n) {
			if err := w.emit(BareURI, rt, join(path, "url"), url, func(v string) { n["url"] = v }); err != nil {
				return err
			}
		}

		keys := make([]string, 0, len(n))
		for k := range n {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		for _, k := range keys {
			child := n[k]
			childPath := join(path, k)
			childRel := append(rel[:len(rel):len(rel)], k)

			if atRoot && k == "text" && w.on(Narrative) {
				if text, ok := child.(map[string]interface{}); ok {
					if div, ok := text["div"].(string); ok {
						if err := w.emit(Narrative, rt, childPath+".div", div, func(v string) { text["div"] = v }); err != nil {
							return err
						}
					}
				}
				continue
			}

			if w.on(BareURI) && bareURIElements[rt][strings.Join(childRel, ".")] {
				switch v := child.(type) {
				case string:
					if err := w.emit(BareURI, rt, childPath, v, func(s string) { n[k] = s }); err != nil {
						return err
					}
					continue
				case []interface{}:
					for i := range v {
						s, ok := v[i].(string)
						if !ok {
							continue
						}
						idx := i
						if err := w.emit(BareURI, rt, fmt.Sprintf("%s[%d]", childPath, i), s, func(s string) { v[idx] = s }); err != nil {
							return err
						}
					}
					continue
				}
			}

			switch child.(type) {
			case map[string]interface{}, []interface{}:
				if err := w.walk(child, rt, childRel, childPath); err != nil {
					return err
				}
			}
		}
	case []interface{}:
		for i, item := range n {
			if err := w.walk(item, rt, rel, fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
	}
	return nil
}

func isAttachment(n map[string]interface{}) bool {
	for _, f := range attachmentFields {
		if _, ok := n[f]; ok {
			return true
		}
	}
	return false
}

func join(path, field string) string {
	if path == "" {
		return field
	}
	return path + "." + field
}

// VisitPatch walks the parts of a patch document that may carry references:
// the merge document, object or array operation values, and string values
// written directly to a reference element.
func VisitPatch(p *fhir.Patch, resourceType string, kinds ElementKind, action Action) error {
	if p == nil {
		return nil
	}
	for _, tree := range p.Trees() {
		if err := Visit(tree, resourceType, kinds, action); err != nil {
			return err
		}
	}
	if kinds&TypedReference == 0 {
		return nil
	}
	for i := range p.Operations {
		op := &p.Operations[i]
		s, ok := op.Value.(string)
		if !ok || !strings.HasSuffix(op.Path, "/reference") {
			continue
		}
		el := &Element{Kind: TypedReference, ResourceType: resourceType, Path: op.Path, Value: s, set: func(v string) { op.Value = v }}
		if err := action(el); err != nil {
			return err
		}
	}
	return nil
}
