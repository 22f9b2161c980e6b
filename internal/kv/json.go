package kv

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// jsonFieldName extracts the field name from a top-level JSON path of the
// form "$.name". Nested paths are not supported.
func jsonFieldName(path string) (string, error) {
	name, ok := strings.CutPrefix(path, "$.")
	if !ok || name == "" || strings.ContainsAny(name, ".[]") {
		return "", fmt.Errorf("kv: unsupported JSON path %q", path)
	}
	return name, nil
}

// UpdateJSONField atomically sets one top-level field of the JSON document
// stored at key, leaving every other field untouched. The document must
// already exist; ErrNotFound is returned otherwise.
func UpdateJSONField(ctx context.Context, store Store, key string, ttl time.Duration, path string, value any) error {
	name, err := jsonFieldName(path)
	if err != nil {
		return err
	}
	return store.Update(ctx, key, ttl, func(current []byte) ([]byte, error) {
		if current == nil {
			return nil, ErrNotFound
		}
		var doc map[string]json.RawMessage
		if err := json.Unmarshal(current, &doc); err != nil {
			return nil, fmt.Errorf("kv: decoding document at %q: %w", key, err)
		}
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		doc[name] = raw
		return json.Marshal(doc)
	})
}

// AppendJSONArray atomically appends value to a top-level array field of the
// JSON document stored at key, creating the array when the field is absent.
// The document must already exist; ErrNotFound is returned otherwise.
func AppendJSONArray(ctx context.Context, store Store, key string, ttl time.Duration, path string, value any) error {
	name, err := jsonFieldName(path)
	if err != nil {
		return err
	}
	return store.Update(ctx, key, ttl, func(current []byte) ([]byte, error) {
		if current == nil {
			return nil, ErrNotFound
		}
		var doc map[string]json.RawMessage
		if err := json.Unmarshal(current, &doc); err != nil {
			return nil, fmt.Errorf("kv: decoding document at %q: %w", key, err)
		}
		var arr []json.RawMessage
		if field, ok := doc[name]; ok && string(field) != "null" {
			if err := json.Unmarshal(field, &arr); err != nil {
				return nil, fmt.Errorf("kv: field %q at %q is not an array: %w", name, key, err)
			}
		}
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		arr = append(arr, raw)
		field, err := json.Marshal(arr)
		if err != nil {
			return nil, err
		}
		doc[name] = field
		return json.Marshal(doc)
	})
}
