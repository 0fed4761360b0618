package introspect

import (
	"bytes"
	"fmt"

	json "github.com/goccy/go-json"

	"persistctx/pkg/domain"
)

// Factory returns an EntityFactory that hydrates a new *T from stored field
// values. Fields are matched by json name, so records decoded from SQL
// payloads (json.Number values) hydrate into typed numeric fields.
func Factory[T any]() domain.EntityFactory {
	return func(key domain.EntityKey, fields map[string]any) (any, error) {
		raw, err := json.Marshal(fields)
		if err != nil {
			return nil, fmt.Errorf("hydrate %s: %w", key, err)
		}
		out := new(T)
		dec := json.NewDecoder(bytes.NewReader(raw))
		if err := dec.Decode(out); err != nil {
			return nil, fmt.Errorf("hydrate %s: %w", key, err)
		}
		return out, nil
	}
}
