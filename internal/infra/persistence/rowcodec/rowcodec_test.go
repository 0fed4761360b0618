package rowcodec

import (
	"errors"
	"testing"

	json "github.com/goccy/go-json"

	"persistctx/pkg/domain"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	key := domain.NewEntityKey(uint16(12), "member")
	row, err := Encode(key, map[string]any{"email": "kim@example.com", "age": 30})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if row.EntityKey != "member/int/12" || row.RecordType != "member" || row.IDKind != "int" || row.Identifier != "12" {
		t.Fatalf("unexpected row %+v", row)
	}
	rec, err := Decode(row)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.Key != key {
		t.Fatalf("expected key %v, got %v", key, rec.Key)
	}
	if age, ok := rec.Fields["age"].(json.Number); !ok || age.String() != "30" {
		t.Fatalf("expected json.Number age, got %#v", rec.Fields["age"])
	}
	if rk, _ := RowKey(domain.NewEntityKey("12", "member")); rk == row.EntityKey {
		t.Fatalf("string and integer identifiers must map to different rows")
	}
}

func TestRowKeyEscapesSeparator(t *testing.T) {
	a, err := RowKey(domain.NewEntityKey("y", "x/string"))
	if err != nil {
		t.Fatalf("row key: %v", err)
	}
	b, err := RowKey(domain.NewEntityKey("string/y", "x"))
	if err != nil {
		t.Fatalf("row key: %v", err)
	}
	if a == b {
		t.Fatalf("distinct keys share row key %q", a)
	}
	if a != "x%2Fstring/string/y" || b != "x/string/string%2Fy" {
		t.Fatalf("unexpected row keys %q %q", a, b)
	}
	row, err := Encode(domain.NewEntityKey("string/y", "x"), map[string]any{})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	rec, err := Decode(row)
	if err != nil || rec.Key != domain.NewEntityKey("string/y", "x") {
		t.Fatalf("expected escaped key to round trip, got %v err=%v", rec.Key, err)
	}
}

func TestCodecErrors(t *testing.T) {
	if _, err := Encode(domain.NewEntityKey(struct{ A int }{1}, "member"), nil); !errors.Is(err, domain.ErrInvalidIdentifier) {
		t.Fatalf("expected invalid identifier, got %v", err)
	}
	if _, err := RowKey(domain.NewEntityKey(struct{}{}, "member")); err == nil {
		t.Fatalf("expected row key error")
	}
	if _, err := Encode(domain.NewEntityKey(1, "member"), map[string]any{"ch": make(chan int)}); err == nil {
		t.Fatalf("expected payload encode error")
	}
	if _, err := Decode(Row{EntityKey: "member/int/x", IDKind: "int", Identifier: "x", Payload: []byte(`{}`)}); !errors.Is(err, domain.ErrInvalidIdentifier) {
		t.Fatalf("expected identifier decode error, got %v", err)
	}
	if _, err := Decode(Row{EntityKey: "member/int/1", IDKind: "int", Identifier: "1", Payload: []byte(`nope`)}); err == nil {
		t.Fatalf("expected payload decode error")
	}
}
