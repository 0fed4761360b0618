// Package rowcodec converts records to and from the single-table layout
// shared by the SQL backends:
//
//	records(entity_key TEXT PRIMARY KEY, record_type TEXT, id_kind TEXT, identifier TEXT, payload JSON)
package rowcodec

import (
	"bytes"
	"fmt"
	"net/url"

	json "github.com/goccy/go-json"

	"persistctx/internal/infra/persistence/memory"
	"persistctx/pkg/domain"
)

// Row is the column form of one record.
type Row struct {
	EntityKey  string
	RecordType string
	IDKind     string
	Identifier string
	Payload    []byte
}

// RowKey returns the primary-key column value for key.
func RowKey(key domain.EntityKey) (string, error) {
	kind, text, err := domain.EncodeIdentifier(key.ID)
	if err != nil {
		return "", err
	}
	return joinKey(key.Type, kind, text), nil
}

// joinKey renders type/kind/text with the type and text path-escaped, so a
// "/" inside either cannot make two keys collide.
func joinKey(recordType domain.RecordType, kind domain.IdentifierKind, text string) string {
	return url.PathEscape(string(recordType)) + "/" + string(kind) + "/" + url.PathEscape(text)
}

// Encode renders key and fields as a Row.
func Encode(key domain.EntityKey, fields map[string]any) (Row, error) {
	kind, text, err := domain.EncodeIdentifier(key.ID)
	if err != nil {
		return Row{}, err
	}
	payload, err := json.Marshal(fields)
	if err != nil {
		return Row{}, fmt.Errorf("encode %s: %w", key, err)
	}
	return Row{
		EntityKey:  joinKey(key.Type, kind, text),
		RecordType: string(key.Type),
		IDKind:     string(kind),
		Identifier: text,
		Payload:    payload,
	}, nil
}

// Decode restores the record stored in row. Numbers decode as json.Number.
func Decode(row Row) (memory.Record, error) {
	id, err := domain.DecodeIdentifier(domain.IdentifierKind(row.IDKind), row.Identifier)
	if err != nil {
		return memory.Record{}, fmt.Errorf("decode %s: %w", row.EntityKey, err)
	}
	fields := map[string]any{}
	dec := json.NewDecoder(bytes.NewReader(row.Payload))
	dec.UseNumber()
	if err := dec.Decode(&fields); err != nil {
		return memory.Record{}, fmt.Errorf("decode %s payload: %w", row.EntityKey, err)
	}
	return memory.Record{Key: domain.NewEntityKey(id, domain.RecordType(row.RecordType)), Fields: fields}, nil
}
