package fhir

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Patch media types accepted on PATCH interactions.
const (
	MediaJSONPatch  = "application/json-patch+json"
	MediaMergePatch = "application/merge-patch+json"
)

// PatchOperation represents a single JSON Patch operation (RFC 6902).
type PatchOperation struct {
	Op    string      `json:"op"`
	Path  string      `json:"path"`
	Value interface{} `json:"value,omitempty"`
	From  string      `json:"from,omitempty"`
}

// Patch is the document carried by a PATCH entry: either a JSON Patch
// operation list or a JSON Merge Patch object.
type Patch struct {
	Operations []PatchOperation
	Merge      map[string]interface{}
}

// ParsePatch decodes a patch body according to its media type. A bare
// application/json body is accepted as JSON Patch when it is an array and as
// Merge Patch when it is an object.
func ParsePatch(contentType string, data []byte) (*Patch, error) {
	mediaType := strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])
	switch mediaType {
	case MediaJSONPatch:
		ops, err := ParseJSONPatch(data)
		if err != nil {
			return nil, BadRequest("%s", err.Error())
		}
		return &Patch{Operations: ops}, nil
	case MediaMergePatch:
		merge, err := ParseMergePatch(data)
		if err != nil {
			return nil, BadRequest("%s", err.Error())
		}
		return &Patch{Merge: merge}, nil
	}
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		return ParsePatch(MediaJSONPatch, data)
	}
	return ParsePatch(MediaMergePatch, data)
}

// Apply returns a patched copy of resource. The resource type and id may not
// be changed by a patch.
func (p *Patch) Apply(resource map[string]interface{}) (map[string]interface{}, error) {
	var (
		out map[string]interface{}
		err error
	)
	if p.Merge != nil {
		out, err = ApplyMergePatch(resource, p.Merge)
	} else {
		out, err = ApplyJSONPatch(resource, p.Operations)
	}
	if err != nil {
		return nil, BadRequest("%s", err.Error())
	}
	if ResourceType(out) != ResourceType(resource) {
		return nil, BadRequest("patch may not change resourceType")
	}
	if ResourceID(out) != ResourceID(resource) {
		return nil, BadRequest("patch may not change id")
	}
	return out, nil
}

// Trees returns the JSON subtrees of the patch that may carry references:
// the merge document, or each operation value that is an object or array.
func (p *Patch) Trees() []interface{} {
	if p.Merge != nil {
		return []interface{}{p.Merge}
	}
	var trees []interface{}
	for i := range p.Operations {
		switch p.Operations[i].Value.(type) {
		case map[string]interface{}, []interface{}:
			trees = append(trees, p.Operations[i].Value)
		}
	}
	return trees
}

// Clone returns a deep copy of the patch document.
func (p *Patch) Clone() *Patch {
	if p == nil {
		return nil
	}
	out := &Patch{Merge: CloneResource(p.Merge)}
	if p.Operations != nil {
		out.Operations = make([]PatchOperation, len(p.Operations))
		for i, op := range p.Operations {
			out.Operations[i] = op
			switch v := op.Value.(type) {
			case map[string]interface{}:
				out.Operations[i].Value = deepCopyMap(v)
			case []interface{}:
				out.Operations[i].Value = deepCopyMap(map[string]interface{}{"v": v})["v"]
			}
		}
	}
	return out
}

// ApplyJSONPatch applies a JSON Patch (RFC 6902) to a FHIR resource map.
func ApplyJSONPatch(resource map[string]interface{}, patchOps []PatchOperation) (map[string]interface{}, error) {
	result := deepCopyMap(resource)

	for i, op := range patchOps {
		var err error
		switch op.Op {
		case "add":
			err = patchAdd(result, op.Path, op.Value)
		case "remove":
			err = patchRemove(result, op.Path)
		case "replace":
			err = patchReplace(result, op.Path, op.Value)
		case "move":
			err = patchMove(result, op.From, op.Path)
		case "copy":
			err = patchCopy(result, op.From, op.Path)
		case "test":
			err = patchTest(result, op.Path, op.Value)
		default:
			err = fmt.Errorf("unknown patch operation: %s", op.Op)
		}
		if err != nil {
			return nil, fmt.Errorf("patch operation %d (%s) failed: %w", i, op.Op, err)
		}
	}

	return result, nil
}

// ApplyMergePatch applies a JSON Merge Patch (RFC 7386) to a FHIR resource map.
func ApplyMergePatch(resource map[string]interface{}, patch map[string]interface{}) (map[string]interface{}, error) {
	result := deepCopyMap(resource)
	mergePatchRecursive(result, patch)
	return result, nil
}

func mergePatchRecursive(target, patch map[string]interface{}) {
	for key, patchVal := range patch {
		if patchVal == nil {
			delete(target, key)
			continue
		}

		patchMap, patchIsMap := patchVal.(map[string]interface{})
		if patchIsMap {
			targetVal, targetExists := target[key]
			targetMap, targetIsMap := targetVal.(map[string]interface{})
			if targetExists && targetIsMap {
				mergePatchRecursive(targetMap, patchMap)
			} else {
				target[key] = deepCopyMap(patchMap)
			}
		} else {
			target[key] = patchVal
		}
	}
}

// ParseJSONPatch parses a JSON Patch document from raw JSON.
func ParseJSONPatch(data []byte) ([]PatchOperation, error) {
	var ops []PatchOperation
	if err := json.Unmarshal(data, &ops); err != nil {
		return nil, fmt.Errorf("invalid JSON Patch document: %w", err)
	}
	for i, op := range ops {
		if op.Op == "" {
			return nil, fmt.Errorf("patch operation %d: missing 'op' field", i)
		}
		if op.Path == "" && op.Op != "test" {
			return nil, fmt.Errorf("patch operation %d: missing 'path' field", i)
		}
	}
	return ops, nil
}

// ParseMergePatch parses a JSON Merge Patch document from raw JSON.
func ParseMergePatch(data []byte) (map[string]interface{}, error) {
	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return nil, fmt.Errorf("invalid JSON Merge Patch document: %w", err)
	}
	if patch == nil {
		return nil, fmt.Errorf("invalid JSON Merge Patch document: expected an object")
	}
	return patch, nil
}

// JSON Pointer (RFC 6901) operations. Objects are updated in place; arrays
// that change length are reallocated and stored back into their parent.

func patchAdd(doc map[string]interface{}, path string, value interface{}) error {
	parts, err := splitPointer(path)
	if err != nil {
		return err
	}
	return mutate(doc, parts, true, func(c interface{}, key string) (interface{}, error) {
		switch c := c.(type) {
		case map[string]interface{}:
			c[key] = value
			return c, nil
		case []interface{}:
			if key == "-" {
				return append(c, value), nil
			}
			idx, err := arrayIndex(key, len(c)+1)
			if err != nil {
				return nil, err
			}
			out := make([]interface{}, 0, len(c)+1)
			out = append(out, c[:idx]...)
			out = append(out, value)
			return append(out, c[idx:]...), nil
		}
		return nil, fmt.Errorf("cannot add below a scalar at %s", path)
	})
}

func patchRemove(doc map[string]interface{}, path string) error {
	parts, err := splitPointer(path)
	if err != nil {
		return err
	}
	return mutate(doc, parts, false, func(c interface{}, key string) (interface{}, error) {
		switch c := c.(type) {
		case map[string]interface{}:
			if _, ok := c[key]; !ok {
				return nil, fmt.Errorf("path not found: %s", path)
			}
			delete(c, key)
			return c, nil
		case []interface{}:
			idx, err := arrayIndex(key, len(c))
			if err != nil {
				return nil, err
			}
			out := make([]interface{}, 0, len(c)-1)
			out = append(out, c[:idx]...)
			return append(out, c[idx+1:]...), nil
		}
		return nil, fmt.Errorf("path not found: %s", path)
	})
}

func patchReplace(doc map[string]interface{}, path string, value interface{}) error {
	parts, err := splitPointer(path)
	if err != nil {
		return err
	}
	return mutate(doc, parts, false, func(c interface{}, key string) (interface{}, error) {
		switch c := c.(type) {
		case map[string]interface{}:
			if _, ok := c[key]; !ok {
				return nil, fmt.Errorf("path not found: %s", path)
			}
			c[key] = value
			return c, nil
		case []interface{}:
			idx, err := arrayIndex(key, len(c))
			if err != nil {
				return nil, err
			}
			c[idx] = value
			return c, nil
		}
		return nil, fmt.Errorf("path not found: %s", path)
	})
}

func patchMove(doc map[string]interface{}, from, path string) error {
	if path == from || strings.HasPrefix(path, from+"/") {
		return fmt.Errorf("cannot move %s into itself", from)
	}
	value, err := valueAt(doc, from)
	if err != nil {
		return fmt.Errorf("move from: %w", err)
	}
	if err := patchRemove(doc, from); err != nil {
		return fmt.Errorf("move: %w", err)
	}
	return patchAdd(doc, path, value)
}

func patchCopy(doc map[string]interface{}, from, path string) error {
	value, err := valueAt(doc, from)
	if err != nil {
		return fmt.Errorf("copy from: %w", err)
	}
	// Copy the subtree so later operations cannot alias it.
	return patchAdd(doc, path, deepCopyMap(map[string]interface{}{"v": value})["v"])
}

func patchTest(doc map[string]interface{}, path string, expected interface{}) error {
	actual, err := valueAt(doc, path)
	if err != nil {
		return fmt.Errorf("test: %w", err)
	}
	actualJSON, _ := json.Marshal(actual)
	expectedJSON, _ := json.Marshal(expected)
	if string(actualJSON) != string(expectedJSON) {
		return fmt.Errorf("test failed at %s: expected %s, got %s", path, expectedJSON, actualJSON)
	}
	return nil
}

// mutate walks parts below node and lets fn rewrite the container holding
// the final segment. With create set, missing objects along the way are
// created.
func mutate(node interface{}, parts []string, create bool, fn func(c interface{}, key string) (interface{}, error)) error {
	_, err := mutateAt(node, parts, create, fn)
	return err
}

func mutateAt(node interface{}, parts []string, create bool, fn func(c interface{}, key string) (interface{}, error)) (interface{}, error) {
	if len(parts) == 1 {
		return fn(node, parts[0])
	}
	switch n := node.(type) {
	case map[string]interface{}:
		child, ok := n[parts[0]]
		if !ok {
			if !create {
				return nil, fmt.Errorf("path not found at segment: %s", parts[0])
			}
			child = make(map[string]interface{})
		}
		updated, err := mutateAt(child, parts[1:], create, fn)
		if err != nil {
			return nil, err
		}
		n[parts[0]] = updated
		return n, nil
	case []interface{}:
		idx, err := arrayIndex(parts[0], len(n))
		if err != nil {
			return nil, err
		}
		updated, err := mutateAt(n[idx], parts[1:], create, fn)
		if err != nil {
			return nil, err
		}
		n[idx] = updated
		return n, nil
	}
	return nil, fmt.Errorf("cannot traverse into non-container at: %s", parts[0])
}

// valueAt returns the value a pointer addresses.
func valueAt(doc map[string]interface{}, path string) (interface{}, error) {
	parts, err := splitPointer(path)
	if err != nil {
		return nil, err
	}
	var node interface{} = doc
	for _, part := range parts {
		switch n := node.(type) {
		case map[string]interface{}:
			v, ok := n[part]
			if !ok {
				return nil, fmt.Errorf("path not found: %s", path)
			}
			node = v
		case []interface{}:
			idx, err := arrayIndex(part, len(n))
			if err != nil {
				return nil, err
			}
			node = n[idx]
		default:
			return nil, fmt.Errorf("path not found: %s", path)
		}
	}
	return node, nil
}

// arrayIndex parses an array segment; valid indexes are below limit.
func arrayIndex(s string, limit int) (int, error) {
	idx, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid array index: %s", s)
	}
	if idx < 0 || idx >= limit {
		return 0, fmt.Errorf("array index out of bounds: %d", idx)
	}
	return idx, nil
}

// splitPointer splits a JSON Pointer and unescapes ~1 and ~0. The whole
// document cannot be targeted.
func splitPointer(path string) ([]string, error) {
	if !strings.HasPrefix(path, "/") || path == "/" {
		return nil, fmt.Errorf("invalid path %q", path)
	}
	parts := strings.Split(path[1:], "/")
	for i, p := range parts {
		parts[i] = strings.ReplaceAll(strings.ReplaceAll(p, "~1", "/"), "~0", "~")
	}
	return parts, nil
}

func deepCopyMap(m map[string]interface{}) map[string]interface{} {
	data, _ := json.Marshal(m)
	var result map[string]interface{}
	_ = json.Unmarshal(data, &result)
	return result
}
