package fhir

import (
	"fmt"
	"net/url"
	"strings"
)

// KeyKind classifies a key's provenance relative to this server.
type KeyKind int

const (
	// KindForeign keys belong to another origin, or to no namespace this
	// server recognises.
	KindForeign KeyKind = iota
	// KindTemporary keys are bundle-scoped placeholders that are never
	// persisted.
	KindTemporary
	// KindLocal keys carry this server's own base as an absolute URL.
	KindLocal
	// KindInternal keys have no base and are already resolved.
	KindInternal
)

func (k KeyKind) String() string {
	switch k {
	case KindTemporary:
		return "temporary"
	case KindLocal:
		return "local"
	case KindInternal:
		return "internal"
	default:
		return "foreign"
	}
}

// Localhost is the server's public identity. It classifies keys and converts
// between relative and absolute forms. It holds no mutable state and is safe
// for concurrent use.
type Localhost struct {
	base   string
	parsed *url.URL
}

// NewLocalhost validates base as an absolute http(s) URL and returns the
// server identity rooted there.
func NewLocalhost(base string) (*Localhost, error) {
	base = strings.TrimSuffix(strings.TrimSpace(base), "/")
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if !u.IsAbs() || u.Host == "" {
		return nil, fmt.Errorf("base url %q must be absolute", base)
	}
	return &Localhost{base: base, parsed: u}, nil
}

// Base returns the server's base URL without a trailing slash.
func (l *Localhost) Base() string { return l.base }

// IsBaseOf reports whether base designates this server. Scheme and host are
// compared case-insensitively; the path must match exactly.
func (l *Localhost) IsBaseOf(base string) bool {
	if base == "" {
		return false
	}
	u, err := url.Parse(strings.TrimSuffix(base, "/"))
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Scheme, l.parsed.Scheme) &&
		strings.EqualFold(u.Host, l.parsed.Host) &&
		strings.TrimSuffix(u.Path, "/") == strings.TrimSuffix(l.parsed.Path, "/")
}

// Classify returns the kind of k. Rules apply in order: temporary
// placeholder, no base, this server's base, anything else.
func (l *Localhost) Classify(k Key) KeyKind {
	switch {
	case k.IsTemporary():
		return KindTemporary
	case !k.HasBase():
		return KindInternal
	case l.IsBaseOf(k.Base):
		return KindLocal
	default:
		return KindForeign
	}
}

// ClassifyURI parses uri and classifies the resulting key. Unparseable
// input is foreign.
func (l *Localhost) ClassifyURI(uri string) (Key, KeyKind) {
	k, err := ParseKey(uri)
	if err != nil {
		return Key{}, KindForeign
	}
	return k, l.Classify(k)
}

// Absolute returns k rooted at this server's base.
func (l *Localhost) Absolute(k Key) Key {
	return k.WithBase(l.base)
}

// URI renders k as an absolute URL on this server.
func (l *Localhost) URI(k Key) string {
	return l.base + "/" + k.WithoutBase().Path()
}
