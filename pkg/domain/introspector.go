package domain

// RecordIntrospector describes live records to the persistence context. It
// is the metadata collaborator that discovers identifiers, type tags and
// field values; implementations may use reflection, generated code or
// hand-written accessors.
type RecordIntrospector interface {
	IdentifierOf(entity any) (any, error)
	TypeTagOf(entity any) (RecordType, error)
	FieldValuesOf(entity any) (map[string]any, error)
}

// RecordTyper lets a record declare its own type tag.
type RecordTyper interface {
	RecordType() RecordType
}

// EntityFactory builds a new live instance for key from stored field values.
type EntityFactory func(key EntityKey, fields map[string]any) (any, error)

// KeyOf derives the entity key for a live record.
func KeyOf(in RecordIntrospector, entity any) (EntityKey, error) {
	id, err := in.IdentifierOf(entity)
	if err != nil {
		return EntityKey{}, err
	}
	recordType, err := in.TypeTagOf(entity)
	if err != nil {
		return EntityKey{}, err
	}
	key := NewEntityKey(id, recordType)
	if err := key.Validate(); err != nil {
		return EntityKey{}, err
	}
	return key, nil
}
