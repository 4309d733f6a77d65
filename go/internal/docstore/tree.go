package docstore

import (
	"encoding/json"
	"fmt"
)

// Documents are stored as JSON-native trees: map[string]any, []any, string,
// float64, bool. Empty maps are pruned so a removed last child removes its parent.

// Normalize converts v into its JSON-native representation.
func Normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal value: %w", err)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("unmarshal value: %w", err)
	}
	return out, nil
}

// NormalizeFields converts every field value into its JSON-native representation.
// Nil values are kept as nil so the merge removes them.
func NormalizeFields(fields Fields) (map[string]any, error) {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if k == "" {
			return nil, fmt.Errorf("%w: empty field name", ErrInvalidPath)
		}
		nv, err := Normalize(v)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", k, err)
		}
		out[k] = nv
	}
	return out, nil
}

// Decode converts a JSON-native value into out.
func Decode(v any, out any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	return nil
}

// Clone deep-copies a JSON-native value.
func Clone(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			out[k] = Clone(child)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, child := range t {
			out[i] = Clone(child)
		}
		return out
	default:
		return v
	}
}

// GetAt returns the value at inner within root.
func GetAt(root map[string]any, inner []string) (any, bool) {
	if root == nil {
		return nil, false
	}
	var cur any = root
	for _, seg := range inner {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// SetAt replaces the value at inner and returns the new root. A nil root result
// means the document no longer exists.
func SetAt(root map[string]any, inner []string, value any) (map[string]any, error) {
	if len(inner) == 0 {
		if value == nil {
			return nil, nil
		}
		m, ok := value.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: document root must be an object", ErrInvalidPath)
		}
		return emptyToNil(m), nil
	}
	if value == nil {
		return RemoveAt(root, inner), nil
	}
	if root == nil {
		root = make(map[string]any)
	}
	parent, err := ensure(root, inner[:len(inner)-1])
	if err != nil {
		return nil, err
	}
	parent[inner[len(inner)-1]] = value
	prune(root, inner)
	return emptyToNil(root), nil
}

// MergeAt merges fields into the object at inner and returns the new root.
func MergeAt(root map[string]any, inner []string, fields map[string]any) (map[string]any, error) {
	if root == nil {
		root = make(map[string]any)
	}
	node, err := ensure(root, inner)
	if err != nil {
		return nil, err
	}
	for k, v := range fields {
		if v == nil {
			delete(node, k)
			continue
		}
		node[k] = v
	}
	prune(root, inner)
	return emptyToNil(root), nil
}

// RemoveAt deletes the value at inner and returns the new root.
func RemoveAt(root map[string]any, inner []string) map[string]any {
	if root == nil || len(inner) == 0 {
		return nil
	}
	cur := root
	for _, seg := range inner[:len(inner)-1] {
		next, ok := cur[seg].(map[string]any)
		if !ok {
			return root
		}
		cur = next
	}
	delete(cur, inner[len(inner)-1])
	prune(root, inner[:len(inner)-1])
	return emptyToNil(root)
}

func ensure(root map[string]any, segs []string) (map[string]any, error) {
	cur := root
	for _, seg := range segs {
		child, ok := cur[seg]
		if !ok || child == nil {
			next := make(map[string]any)
			cur[seg] = next
			cur = next
			continue
		}
		next, ok := child.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: %s is not an object", ErrInvalidPath, seg)
		}
		cur = next
	}
	return cur, nil
}

func prune(m map[string]any, segs []string) {
	if len(segs) == 0 {
		return
	}
	child, ok := m[segs[0]].(map[string]any)
	if !ok {
		return
	}
	prune(child, segs[1:])
	if len(child) == 0 {
		delete(m, segs[0])
	}
}

func emptyToNil(m map[string]any) map[string]any {
	if len(m) == 0 {
		return nil
	}
	return m
}
