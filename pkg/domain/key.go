// Package domain defines the value types shared by the persistence context,
// its collaborators, and the record store backends.
package domain

import (
	"fmt"
	"math"
	"reflect"

	"github.com/google/uuid"
)

// RecordType identifies the kind of record an entity represents.
type RecordType string

// EntityKey uniquely identifies a tracked record by identifier and record type.
// It is a comparable value and is used directly as a map key.
type EntityKey struct {
	ID   any
	Type RecordType
}

// NewEntityKey builds the key for the identifier/type pair. Identifiers are
// normalized by kind: integers of any width become int64 (uint64 above
// math.MaxInt64 stays uint64), named string, bool and float types become
// their base type, and [16]byte arrays become uuid.UUID. So 1, int32(1) and
// int64(1) address the same record, as do UserID("a") and "a".
func NewEntityKey(id any, recordType RecordType) EntityKey {
	return EntityKey{ID: normalizeID(id), Type: recordType}
}

var uuidType = reflect.TypeOf(uuid.UUID{})

func normalizeID(id any) any {
	switch v := id.(type) {
	case nil:
		return nil
	case int64, string, bool, uuid.UUID:
		return v
	}
	rv := reflect.ValueOf(id)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		if u := rv.Uint(); u <= math.MaxInt64 {
			return int64(u)
		}
		return rv.Uint()
	case reflect.String:
		return rv.String()
	case reflect.Bool:
		return rv.Bool()
	case reflect.Float32, reflect.Float64:
		return rv.Float()
	case reflect.Array:
		if rv.Type().ConvertibleTo(uuidType) {
			return rv.Convert(uuidType).Interface()
		}
	}
	return id
}

// Validate reports identifiers whose dynamic type cannot be compared. Using
// such a key as a map key panics at runtime.
func (k EntityKey) Validate() error {
	if k.ID == nil {
		return nil
	}
	if !reflect.TypeOf(k.ID).Comparable() {
		return fmt.Errorf("%w: %T", ErrInvalidIdentifier, k.ID)
	}
	if f, ok := k.ID.(float64); ok && math.IsNaN(f) {
		return fmt.Errorf("%w: NaN", ErrInvalidIdentifier)
	}
	return nil
}

// String renders the key as type#id.
func (k EntityKey) String() string {
	if k.ID == nil {
		return string(k.Type) + "#<nil>"
	}
	return fmt.Sprintf("%s#%v", k.Type, k.ID)
}
