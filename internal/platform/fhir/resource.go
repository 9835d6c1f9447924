package fhir

import (
	"encoding/json"
	"time"
)

// Coding is a FHIR Coding datatype.
type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

// CodeableConcept is a FHIR CodeableConcept datatype.
type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

// OperationOutcome represents a FHIR OperationOutcome for errors.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

type OperationOutcomeIssue struct {
	Severity    string           `json:"severity"`
	Code        string           `json:"code"`
	Details     *CodeableConcept `json:"details,omitempty"`
	Diagnostics string           `json:"diagnostics,omitempty"`
	Expression  []string         `json:"expression,omitempty"`
}

func NewOperationOutcome(severity, code, diagnostics string) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue: []OperationOutcomeIssue{
			{
				Severity:    severity,
				Code:        code,
				Diagnostics: diagnostics,
			},
		},
	}
}

// ResourceType returns the resourceType element of a resource map.
func ResourceType(resource map[string]interface{}) string {
	rt, _ := resource["resourceType"].(string)
	return rt
}

// ResourceID returns the id element of a resource map.
func ResourceID(resource map[string]interface{}) string {
	id, _ := resource["id"].(string)
	return id
}

// StampResource writes id, meta.versionId and meta.lastUpdated onto a
// resource so that the stored document agrees with its key.
func StampResource(resource map[string]interface{}, key Key, when time.Time) {
	resource["id"] = key.ResourceID
	meta, _ := resource["meta"].(map[string]interface{})
	if meta == nil {
		meta = make(map[string]interface{})
		resource["meta"] = meta
	}
	meta["versionId"] = key.VersionID
	meta["lastUpdated"] = when.UTC().Format(time.RFC3339Nano)
}

// CheckResourceType verifies that the resource is of the key's type.
func CheckResourceType(key Key, resource map[string]interface{}) error {
	rt := ResourceType(resource)
	if rt == "" {
		return BadRequest("resource is missing resourceType")
	}
	if key.TypeName != "" && rt != key.TypeName {
		return BadRequest("resource type %s does not match %s", rt, key.TypeName)
	}
	return nil
}

// CloneResource returns a deep copy of a resource map.
func CloneResource(resource map[string]interface{}) map[string]interface{} {
	if resource == nil {
		return nil
	}
	return deepCopyMap(resource)
}

// DecodeResource parses a JSON resource body.
func DecodeResource(data []byte) (map[string]interface{}, error) {
	var res map[string]interface{}
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, BadRequest("invalid resource JSON: %s", err.Error())
	}
	if res == nil {
		return nil, BadRequest("resource body must be a JSON object")
	}
	return res, nil
}
