package domain

import (
	"fmt"
	"math"
	"strconv"

	"github.com/google/uuid"
)

// IdentifierKind tags the Go type of an identifier persisted as text.
type IdentifierKind string

// Identifier kinds understood by EncodeIdentifier and DecodeIdentifier.
const (
	IdentifierInt    IdentifierKind = "int"
	IdentifierUint   IdentifierKind = "uint"
	IdentifierString IdentifierKind = "string"
	IdentifierBool   IdentifierKind = "bool"
	IdentifierFloat  IdentifierKind = "float"
	IdentifierUUID   IdentifierKind = "uuid"
	IdentifierNil    IdentifierKind = "nil"
)

// EncodeIdentifier renders an identifier as kind and text so backends can
// store keys in text columns. The identifier is normalized first, so decoding
// restores the base type NewEntityKey would produce.
func EncodeIdentifier(id any) (IdentifierKind, string, error) {
	switch v := normalizeID(id).(type) {
	case nil:
		return IdentifierNil, "", nil
	case int64:
		return IdentifierInt, strconv.FormatInt(v, 10), nil
	case uint64:
		return IdentifierUint, strconv.FormatUint(v, 10), nil
	case string:
		return IdentifierString, v, nil
	case bool:
		return IdentifierBool, strconv.FormatBool(v), nil
	case float64:
		if math.IsNaN(v) {
			return "", "", fmt.Errorf("%w: NaN", ErrInvalidIdentifier)
		}
		return IdentifierFloat, strconv.FormatFloat(v, 'g', -1, 64), nil
	case uuid.UUID:
		return IdentifierUUID, v.String(), nil
	default:
		return "", "", fmt.Errorf("%w: cannot encode %T", ErrInvalidIdentifier, id)
	}
}

// DecodeIdentifier reverses EncodeIdentifier.
func DecodeIdentifier(kind IdentifierKind, text string) (any, error) {
	switch kind {
	case IdentifierNil:
		return nil, nil
	case IdentifierInt:
		v, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidIdentifier, err)
		}
		return v, nil
	case IdentifierUint:
		v, err := strconv.ParseUint(text, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidIdentifier, err)
		}
		return v, nil
	case IdentifierString:
		return text, nil
	case IdentifierFloat:
		v, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidIdentifier, err)
		}
		return v, nil
	case IdentifierUUID:
		v, err := uuid.Parse(text)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidIdentifier, err)
		}
		return v, nil
	case IdentifierBool:
		v, err := strconv.ParseBool(text)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidIdentifier, err)
		}
		return v, nil
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidIdentifier, kind)
	}
}
