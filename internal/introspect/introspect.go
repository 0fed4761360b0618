// Package introspect provides the reflection-backed RecordIntrospector used
// by default. Records are structs or pointers to structs. The identifier is
// the field tagged `persist:"id"` (falling back to a field named ID), the type
// tag comes from domain.RecordTyper or the snake-cased struct name, and field
// values are the exported fields keyed by their json names.
package introspect

import (
	"fmt"
	"reflect"
	"strings"
	"sync"
	"unicode"

	"persistctx/pkg/domain"
)

// TagName is the struct tag consulted for identifier discovery.
const TagName = "persist"

var _ domain.RecordIntrospector = (*Introspector)(nil)

type fieldInfo struct {
	name  string
	index []int
}

type typeInfo struct {
	recordType domain.RecordType
	id         []int
	fields     []fieldInfo
}

// Introspector describes records through reflection. Type metadata is
// computed once per struct type. Safe for concurrent use.
type Introspector struct {
	mu    sync.RWMutex
	types map[reflect.Type]*typeInfo
}

// New returns an Introspector with an empty metadata cache.
func New() *Introspector {
	return &Introspector{types: make(map[reflect.Type]*typeInfo)}
}

// IdentifierOf returns the identifier field value. Nil pointer identifiers
// are reported as nil.
func (in *Introspector) IdentifierOf(entity any) (any, error) {
	rv, info, err := in.inspect(entity)
	if err != nil {
		return nil, err
	}
	if info.id == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrNoIdentifier, rv.Type())
	}
	return valueOf(rv.FieldByIndex(info.id)), nil
}

// TypeTagOf returns the record type declared by the entity, or the snake-cased
// type name. Only the dynamic type is consulted, so nil pointers and
// non-struct values have a tag too.
func (in *Introspector) TypeTagOf(entity any) (domain.RecordType, error) {
	if entity == nil {
		return "", fmt.Errorf("%w: nil record", domain.ErrUnsupportedRecord)
	}
	rv := reflect.ValueOf(entity)
	if rv.Kind() != reflect.Pointer || !rv.IsNil() {
		if typer, ok := entity.(domain.RecordTyper); ok {
			return typer.RecordType(), nil
		}
	}
	t := rv.Type()
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	// A nil *T still answers through a value-receiver RecordType on T.
	if typer, ok := reflect.Zero(t).Interface().(domain.RecordTyper); ok {
		return typer.RecordType(), nil
	}
	if t.Kind() == reflect.Struct {
		return in.typeInfo(t).recordType, nil
	}
	return typeName(t), nil
}

// FieldValuesOf extracts the exported field values keyed by json name.
func (in *Introspector) FieldValuesOf(entity any) (map[string]any, error) {
	rv, info, err := in.inspect(entity)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(info.fields))
	for _, f := range info.fields {
		out[f.name] = valueOf(rv.FieldByIndex(f.index))
	}
	return out, nil
}

func (in *Introspector) inspect(entity any) (reflect.Value, *typeInfo, error) {
	rv := reflect.ValueOf(entity)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return reflect.Value{}, nil, fmt.Errorf("%w: nil %T", domain.ErrUnsupportedRecord, entity)
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return reflect.Value{}, nil, fmt.Errorf("%w: %T is not a struct", domain.ErrUnsupportedRecord, entity)
	}
	return rv, in.typeInfo(rv.Type()), nil
}

func (in *Introspector) typeInfo(t reflect.Type) *typeInfo {
	in.mu.RLock()
	info, ok := in.types[t]
	in.mu.RUnlock()
	if ok {
		return info
	}
	info = buildTypeInfo(t)
	in.mu.Lock()
	if existing, ok := in.types[t]; ok {
		info = existing
	} else {
		in.types[t] = info
	}
	in.mu.Unlock()
	return info
}

func buildTypeInfo(t reflect.Type) *typeInfo {
	info := &typeInfo{recordType: domain.RecordType(snakeCase(t.Name()))}
	var fallbackID []int
	collectFields(t, nil, info, &fallbackID)
	if info.id == nil {
		info.id = fallbackID
	}
	return info
}

func collectFields(t reflect.Type, prefix []int, info *typeInfo, fallbackID *[]int) {
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		index := append(append([]int(nil), prefix...), i)
		if sf.Anonymous && sf.IsExported() && sf.Type.Kind() == reflect.Struct && sf.Tag.Get("json") == "" {
			collectFields(sf.Type, index, info, fallbackID)
			continue
		}
		if !sf.IsExported() {
			continue
		}
		name, skip := jsonName(sf)
		if skip {
			continue
		}
		if hasOption(sf.Tag.Get(TagName), "id") && info.id == nil {
			info.id = index
		}
		if sf.Name == "ID" && *fallbackID == nil {
			*fallbackID = index
		}
		info.fields = append(info.fields, fieldInfo{name: name, index: index})
	}
}

func jsonName(sf reflect.StructField) (string, bool) {
	tag := sf.Tag.Get("json")
	if tag == "-" {
		return "", true
	}
	name, _, _ := strings.Cut(tag, ",")
	if name == "" {
		name = sf.Name
	}
	return name, false
}

func hasOption(tag, option string) bool {
	for _, part := range strings.Split(tag, ",") {
		if strings.TrimSpace(part) == option {
			return true
		}
	}
	return false
}

// valueOf dereferences pointers so captured values do not alias the record.
func valueOf(fv reflect.Value) any {
	for fv.Kind() == reflect.Pointer {
		if fv.IsNil() {
			return nil
		}
		fv = fv.Elem()
	}
	return fv.Interface()
}

func typeName(t reflect.Type) domain.RecordType {
	if t.Name() == "" {
		return domain.RecordType(t.String())
	}
	return domain.RecordType(snakeCase(t.Name()))
}

func snakeCase(name string) string {
	var b strings.Builder
	runes := []rune(name)
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 && (unicode.IsLower(runes[i-1]) || (i+1 < len(runes) && unicode.IsLower(runes[i+1]))) {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
