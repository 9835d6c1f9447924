// Package idgen mints resource and version identities.
package idgen

import (
	"context"

	"github.com/google/uuid"

	"github.com/ehr/fhirtx/internal/platform/fhir"
)

// VersionSource reports the current version of a resource.
type VersionSource interface {
	CurrentVersion(ctx context.Context, typeName, resourceID string) (string, error)
}

// Generator issues random UUID resource ids and integer versions one past
// what the store currently holds. The store still decides whether a version
// is accepted.
type Generator struct {
	versions VersionSource
	newID    func() string
}

// New returns a Generator reading current versions from versions.
func New(versions VersionSource) *Generator {
	return &Generator{versions: versions, newID: uuid.NewString}
}

// NextResourceID returns a fresh logical id.
func (g *Generator) NextResourceID(ctx context.Context, typeName string) (string, error) {
	return g.newID(), nil
}

// NextVersionID returns the successor of the resource's current version, or
// the first version for a resource never written.
func (g *Generator) NextVersionID(ctx context.Context, typeName, resourceID string) (string, error) {
	current, err := g.versions.CurrentVersion(ctx, typeName, resourceID)
	if err != nil {
		return "", err
	}
	return fhir.NextVersion(current)
}
