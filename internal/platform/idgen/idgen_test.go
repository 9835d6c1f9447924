package idgen

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
)

type versionMap map[string]string

func (m versionMap) CurrentVersion(_ context.Context, typeName, resourceID string) (string, error) {
	if typeName == "Broken" {
		return "", errors.New("store down")
	}
	return m[typeName+"/"+resourceID], nil
}

func TestNextResourceID_IsUUID(t *testing.T) {
	g := New(versionMap{})
	a, _ := g.NextResourceID(context.Background(), "Patient")
	b, _ := g.NextResourceID(context.Background(), "Patient")
	if _, err := uuid.Parse(a); err != nil {
		t.Errorf("expected uuid, got %q", a)
	}
	if a == b {
		t.Error("expected distinct ids")
	}
}

func TestNextVersionID(t *testing.T) {
	g := New(versionMap{"Patient/1": "3"})

	tests := []struct {
		typeName, id string
		want         string
		wantErr      bool
	}{
		{"Patient", "1", "4", false},
		{"Patient", "new", "1", false},
		{"Broken", "1", "", true},
	}
	for _, tt := range tests {
		got, err := g.NextVersionID(context.Background(), tt.typeName, tt.id)
		if (err != nil) != tt.wantErr {
			t.Errorf("%s/%s: unexpected error %v", tt.typeName, tt.id, err)
		}
		if got != tt.want {
			t.Errorf("%s/%s: expected %q, got %q", tt.typeName, tt.id, tt.want, got)
		}
	}
}
