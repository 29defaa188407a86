// Package jsonx converts between typed values and the dynamic JSON documents
// that json0 operations are applied to.
package jsonx

import (
	"fmt"

	json "github.com/goccy/go-json"
)

// ToDynamicJSON converts any Go value to a dynamic JSON object represented as
// a map[string]any by marshaling and unmarshaling it.
func ToDynamicJSON(val any) (map[string]any, error) {
	result := make(map[string]any)
	b, err := json.Marshal(val)
	if err != nil {
		return nil, err
	}
	if err = json.Unmarshal(b, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// FromDynamicJSON decodes a dynamic JSON document into T.
func FromDynamicJSON[T any](doc any) (T, error) {
	var result T
	b, err := json.Marshal(doc)
	if err != nil {
		return result, err
	}
	if err := json.Unmarshal(b, &result); err != nil {
		return result, fmt.Errorf("decode %T: %w", result, err)
	}
	return result, nil
}
