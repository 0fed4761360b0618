package domain

import (
	"errors"
	"fmt"
)

// NotPersistedMessage is the fixed message reported when removing an entity
// that is not tracked by the persistence context.
const NotPersistedMessage = "영속화되어있지 않은 entity입니다."

var (
	// ErrIllegalState marks operations attempted against state that does not
	// permit them. Match with errors.Is.
	ErrIllegalState = errors.New("illegal state")
	// ErrNotFound reports a record absent from the backing store.
	ErrNotFound = errors.New("record not found")
	// ErrConflict reports a create for a record the store already holds.
	ErrConflict = errors.New("record already exists")
	// ErrNoIdentifier reports a record without a discoverable identifier field.
	ErrNoIdentifier = errors.New("record has no identifier")
	// ErrInvalidIdentifier reports an identifier that cannot be used as a key.
	ErrInvalidIdentifier = errors.New("invalid identifier")
	// ErrUnsupportedRecord reports a value the introspector cannot describe.
	ErrUnsupportedRecord = errors.New("unsupported record")
	// ErrClosed reports use of a unit of work after Close.
	ErrClosed = errors.New("unit of work closed")
)

// IllegalStateError carries the key and message of a rejected operation.
type IllegalStateError struct {
	Key     EntityKey
	Message string
}

// NewNotPersistedError builds the error returned when removing an untracked key.
func NewNotPersistedError(key EntityKey) *IllegalStateError {
	return &IllegalStateError{Key: key, Message: NotPersistedMessage}
}

func (e *IllegalStateError) Error() string { return e.Message }

// Is matches ErrIllegalState.
func (e *IllegalStateError) Is(target error) bool { return target == ErrIllegalState }

// RecordError wraps a collaborator failure with the key it was raised for.
type RecordError struct {
	Key EntityKey
	Op  string
	Err error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Key, e.Err)
}

func (e *RecordError) Unwrap() error { return e.Err }
