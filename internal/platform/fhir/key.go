package fhir

import (
	"fmt"
	"strings"
	"unicode"
)

// historySegment separates a resource id from its version in a FHIR URL.
const historySegment = "_history"

// Temporary identifier schemes. A bundle may use these as fullUrl placeholders
// for resources that do not exist yet.
const (
	schemeUUID = "urn:uuid:"
	schemeOID  = "urn:oid:"
)

// Key identifies a resource: optional base (origin), type name, optional
// resource id and optional version id. A key without a ResourceID is only
// meaningful for a type-level create.
type Key struct {
	Base       string
	TypeName   string
	ResourceID string
	VersionID  string
}

// NewKey returns a relative key for the given type and id.
func NewKey(typeName, resourceID string) Key {
	return Key{TypeName: typeName, ResourceID: resourceID}
}

// HasBase reports whether the key carries an origin.
func (k Key) HasBase() bool { return k.Base != "" }

// HasResourceID reports whether the key names a single resource.
func (k Key) HasResourceID() bool { return k.ResourceID != "" }

// HasVersionID reports whether the key pins a version.
func (k Key) HasVersionID() bool { return k.VersionID != "" }

// IsTemporary reports whether the key is a bundle-scoped placeholder
// (urn:uuid: or urn:oid:).
func (k Key) IsTemporary() bool {
	return k.Base == schemeUUID || k.Base == schemeOID
}

// WithoutBase returns a copy of the key with the origin removed.
func (k Key) WithoutBase() Key {
	k.Base = ""
	return k
}

// WithoutVersion returns a copy of the key with the version removed.
func (k Key) WithoutVersion() Key {
	k.VersionID = ""
	return k
}

// WithBase returns a copy of the key with the given origin.
func (k Key) WithBase(base string) Key {
	k.Base = strings.TrimSuffix(base, "/")
	return k
}

// WithVersion returns a copy of the key pinned to the given version.
func (k Key) WithVersion(versionID string) Key {
	k.VersionID = versionID
	return k
}

// SameResource reports whether both keys address the same logical resource.
// The origin and version are ignored.
func (k Key) SameResource(other Key) bool {
	return k.TypeName == other.TypeName && k.ResourceID == other.ResourceID
}

// Path renders the key relative to any base: Type, Type/id or
// Type/id/_history/vid.
func (k Key) Path() string {
	var parts []string
	if k.TypeName != "" {
		parts = append(parts, k.TypeName)
	}
	if k.ResourceID != "" {
		parts = append(parts, k.ResourceID)
		if k.VersionID != "" {
			parts = append(parts, historySegment, k.VersionID)
		}
	}
	return strings.Join(parts, "/")
}

// String renders the key in the form it was (or would be) written by a
// client. Temporary keys render as their urn.
func (k Key) String() string {
	if k.IsTemporary() {
		return k.Base + k.ResourceID
	}
	if k.Base == "" {
		return k.Path()
	}
	return k.Base + "/" + k.Path()
}

// ParseKey parses a resource reference. It accepts relative references
// (Patient, Patient/1, Patient/1/_history/2), absolute URLs ending in one of
// those forms, and urn:uuid:/urn:oid: placeholders. Fragment references
// (#id) are not keys.
func ParseKey(ref string) (Key, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return Key{}, fmt.Errorf("empty reference")
	}
	if IsFragment(ref) {
		return Key{}, fmt.Errorf("fragment reference %q is not a resource key", ref)
	}
	for _, scheme := range []string{schemeUUID, schemeOID} {
		if len(ref) > len(scheme) && strings.EqualFold(ref[:len(scheme)], scheme) {
			return Key{Base: scheme, ResourceID: ref[len(scheme):]}, nil
		}
	}
	if i := strings.IndexAny(ref, "?#"); i >= 0 {
		ref = ref[:i]
	}

	var base string
	path := ref
	if i := strings.Index(ref, "://"); i >= 0 {
		rest := ref[i+3:]
		slash := strings.Index(rest, "/")
		if slash < 0 {
			return Key{}, fmt.Errorf("reference %q has no resource path", ref)
		}
		base = ref[:i+3+slash]
		path = rest[slash+1:]
	}
	path = strings.Trim(path, "/")
	segs := strings.Split(path, "/")

	// Walk from the tail: [..prefix.., Type, id, _history, vid].
	n := len(segs)
	var k Key
	switch {
	case n >= 4 && segs[n-2] == historySegment && isTypeName(segs[n-4]):
		k = Key{TypeName: segs[n-4], ResourceID: segs[n-3], VersionID: segs[n-1]}
		segs = segs[:n-4]
	case n >= 2 && isTypeName(segs[n-2]) && segs[n-1] != "":
		k = Key{TypeName: segs[n-2], ResourceID: segs[n-1]}
		segs = segs[:n-2]
	case n >= 1 && isTypeName(segs[n-1]):
		k = Key{TypeName: segs[n-1]}
		segs = segs[:n-1]
	default:
		return Key{}, fmt.Errorf("reference %q does not name a resource type", ref)
	}

	if base != "" {
		if len(segs) > 0 {
			base += "/" + strings.Join(segs, "/")
		}
		k.Base = base
	} else if len(segs) > 0 {
		return Key{}, fmt.Errorf("relative reference %q has unexpected prefix", ref)
	}
	return k, nil
}

// MustParseKey is ParseKey for literals known to be valid.
func MustParseKey(ref string) Key {
	k, err := ParseKey(ref)
	if err != nil {
		panic(err)
	}
	return k
}

// IsFragment reports whether ref points at a contained resource in the same
// document.
func IsFragment(ref string) bool {
	return strings.HasPrefix(ref, "#")
}

// SplitSuffix separates a trailing ?query or #fragment from ref. A
// fragment-only reference has no suffix.
func SplitSuffix(ref string) (string, string) {
	if i := strings.IndexAny(ref, "?#"); i > 0 {
		return ref[:i], ref[i:]
	}
	return ref, ""
}

// IsTemporaryURI reports whether uri is a urn:uuid: or urn:oid: placeholder.
func IsTemporaryURI(uri string) bool {
	lower := strings.ToLower(uri)
	return strings.HasPrefix(lower, schemeUUID) || strings.HasPrefix(lower, schemeOID)
}

// isTypeName reports whether s looks like a FHIR resource type name.
func isTypeName(s string) bool {
	if s == "" || s == historySegment {
		return false
	}
	for i, r := range s {
		if i == 0 && !unicode.IsUpper(r) {
			return false
		}
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
