package fhir

import (
	"time"
)

// SearchParam is a search parameter advertised in the CapabilityStatement.
type SearchParam struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// CapabilityStatement describes this server: a type-generic store where
// every resource type supports the same interactions and search
// parameters, plus transaction and batch at system level.
func CapabilityStatement(baseURL, version string, params []SearchParam) map[string]interface{} {
	interactions := []map[string]string{}
	for _, code := range []string{"read", "vread", "update", "patch", "delete", "history-instance", "create", "search-type"} {
		interactions = append(interactions, map[string]string{"code": code})
	}

	return map[string]interface{}{
		"resourceType": "CapabilityStatement",
		"status":       "active",
		"date":         time.Now().UTC().Format("2006-01-02"),
		"kind":         "instance",
		"fhirVersion":  "4.0.1",
		"format":       []string{"application/fhir+json"},
		"patchFormat":  []string{"application/json-patch+json", "application/merge-patch+json"},
		"software": map[string]string{
			"name":    "fhirtx",
			"version": version,
		},
		"implementation": map[string]string{
			"description": "FHIR R4 transaction server",
			"url":         baseURL,
		},
		"rest": []map[string]interface{}{{
			"mode": "server",
			"resource": []map[string]interface{}{{
				"type":              "Resource",
				"versioning":        "versioned-update",
				"readHistory":       true,
				"updateCreate":      true,
				"conditionalCreate": true,
				"conditionalUpdate": true,
				"conditionalDelete": "multiple",
				"interaction":       interactions,
				"searchParam":       params,
			}},
			"interaction": []map[string]string{{"code": "transaction"}, {"code": "batch"}},
		}},
	}
}
