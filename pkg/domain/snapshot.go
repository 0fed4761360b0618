package domain

import (
	"bytes"
	"reflect"
	"sort"

	json "github.com/goccy/go-json"
)

// EntitySnapshot holds the field values of a record captured at a point in
// time. The values are copied on capture so later mutation of the live record
// is not observed.
type EntitySnapshot struct {
	fields map[string]any
}

// NewEntitySnapshot copies the provided field values into a new snapshot.
func NewEntitySnapshot(fields map[string]any) EntitySnapshot {
	cp := make(map[string]any, len(fields))
	for name, value := range fields {
		cp[name] = cloneValue(value)
	}
	return EntitySnapshot{fields: cp}
}

// Get returns the captured value for the named field.
func (s EntitySnapshot) Get(name string) (any, bool) {
	v, ok := s.fields[name]
	if !ok {
		return nil, false
	}
	return cloneValue(v), true
}

// Fields returns a copy of all captured values.
func (s EntitySnapshot) Fields() map[string]any {
	out := make(map[string]any, len(s.fields))
	for name, value := range s.fields {
		out[name] = cloneValue(value)
	}
	return out
}

// Names returns the captured field names in ascending order.
func (s EntitySnapshot) Names() []string {
	names := make([]string, 0, len(s.fields))
	for name := range s.fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len reports the number of captured fields.
func (s EntitySnapshot) Len() int { return len(s.fields) }

// IsZero reports whether the snapshot was never captured.
func (s EntitySnapshot) IsZero() bool { return s.fields == nil }

// Equal reports whether both snapshots hold the same field names and values.
func (s EntitySnapshot) Equal(other EntitySnapshot) bool {
	if len(s.fields) != len(other.fields) {
		return false
	}
	for name, value := range s.fields {
		ov, ok := other.fields[name]
		if !ok || !reflect.DeepEqual(value, ov) {
			return false
		}
	}
	return true
}

// Diff returns the sorted names of fields whose values differ between the two
// snapshots, including fields present on only one side.
func (s EntitySnapshot) Diff(other EntitySnapshot) []string {
	seen := make(map[string]struct{}, len(s.fields)+len(other.fields))
	var changed []string
	for name, value := range s.fields {
		seen[name] = struct{}{}
		ov, ok := other.fields[name]
		if !ok || !reflect.DeepEqual(value, ov) {
			changed = append(changed, name)
		}
	}
	for name := range other.fields {
		if _, ok := seen[name]; !ok {
			changed = append(changed, name)
		}
	}
	sort.Strings(changed)
	return changed
}

// MarshalJSON encodes the snapshot as a JSON object of field values.
func (s EntitySnapshot) MarshalJSON() ([]byte, error) {
	if s.fields == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(s.fields)
}

// UnmarshalJSON decodes a JSON object of field values. Numbers decode as
// json.Number so integer identifiers keep their precision.
func (s *EntitySnapshot) UnmarshalJSON(data []byte) error {
	fields := map[string]any{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&fields); err != nil {
		return err
	}
	s.fields = fields
	return nil
}

// cloneValue copies slices, maps, pointers, arrays and struct fields
// recursively. Unexported struct fields are copied by value.
func cloneValue(v any) any {
	if v == nil {
		return nil
	}
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = cloneValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = cloneValue(val)
		}
		return out
	case []byte:
		return append([]byte(nil), t...)
	case []string:
		return append([]string(nil), t...)
	}
	return cloneReflect(reflect.ValueOf(v)).Interface()
}

func cloneReflect(rv reflect.Value) reflect.Value {
	switch rv.Kind() {
	case reflect.Slice:
		if rv.IsNil() {
			return rv
		}
		out := reflect.MakeSlice(rv.Type(), rv.Len(), rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out.Index(i).Set(cloneReflect(rv.Index(i)))
		}
		return out
	case reflect.Map:
		if rv.IsNil() {
			return rv
		}
		out := reflect.MakeMapWithSize(rv.Type(), rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out.SetMapIndex(iter.Key(), cloneReflect(iter.Value()))
		}
		return out
	case reflect.Pointer:
		if rv.IsNil() {
			return rv
		}
		out := reflect.New(rv.Elem().Type())
		out.Elem().Set(cloneReflect(rv.Elem()))
		return out
	case reflect.Struct:
		out := reflect.New(rv.Type()).Elem()
		out.Set(rv)
		for i := 0; i < rv.NumField(); i++ {
			if f := out.Field(i); f.CanSet() {
				f.Set(cloneReflect(rv.Field(i)))
			}
		}
		return out
	case reflect.Array:
		out := reflect.New(rv.Type()).Elem()
		for i := 0; i < rv.Len(); i++ {
			out.Index(i).Set(cloneReflect(rv.Index(i)))
		}
		return out
	case reflect.Interface:
		if rv.IsNil() {
			return rv
		}
		inner := cloneReflect(rv.Elem())
		out := reflect.New(rv.Type()).Elem()
		out.Set(inner)
		return out
	default:
		return rv
	}
}
