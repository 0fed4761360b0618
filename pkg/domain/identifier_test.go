package domain

import (
	"errors"
	"math"
	"testing"

	"github.com/google/uuid"
)

type userID string

type ticket uint32

type rawID [16]byte

func TestIdentifierRoundTrip(t *testing.T) {
	cases := []struct {
		id   any
		kind IdentifierKind
		text string
	}{
		{nil, IdentifierNil, ""},
		{42, IdentifierInt, "42"},
		{int64(-3), IdentifierInt, "-3"},
		{uint64(1 << 63), IdentifierUint, "9223372036854775808"},
		{"m-1", IdentifierString, "m-1"},
		{true, IdentifierBool, "true"},
		{userID("u-7"), IdentifierString, "u-7"},
		{ticket(12), IdentifierInt, "12"},
		{1.5, IdentifierFloat, "1.5"},
		{float32(0.25), IdentifierFloat, "0.25"},
		{uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8"), IdentifierUUID, "6ba7b810-9dad-11d1-80b4-00c04fd430c8"},
		{rawID(uuid.MustParse("6ba7b811-9dad-11d1-80b4-00c04fd430c8")), IdentifierUUID, "6ba7b811-9dad-11d1-80b4-00c04fd430c8"},
	}
	for _, c := range cases {
		kind, text, err := EncodeIdentifier(c.id)
		if err != nil {
			t.Fatalf("encode %v: %v", c.id, err)
		}
		if kind != c.kind || text != c.text {
			t.Fatalf("encode %v = %s/%s, want %s/%s", c.id, kind, text, c.kind, c.text)
		}
		back, err := DecodeIdentifier(kind, text)
		if err != nil {
			t.Fatalf("decode %s/%s: %v", kind, text, err)
		}
		if NewEntityKey(back, "x") != NewEntityKey(c.id, "x") {
			t.Fatalf("round trip of %v produced %#v", c.id, back)
		}
	}
}

func TestIdentifierErrors(t *testing.T) {
	if _, _, err := EncodeIdentifier(struct{ A int }{1}); !errors.Is(err, ErrInvalidIdentifier) {
		t.Fatalf("expected struct identifiers rejected, got %v", err)
	}
	if _, _, err := EncodeIdentifier(math.NaN()); !errors.Is(err, ErrInvalidIdentifier) {
		t.Fatalf("expected NaN rejected, got %v", err)
	}
	for _, c := range []struct {
		kind IdentifierKind
		text string
	}{
		{IdentifierInt, "x"},
		{IdentifierUint, "-1"},
		{IdentifierBool, "maybe"},
		{IdentifierFloat, "one"},
		{IdentifierUUID, "not-a-uuid"},
		{"decimal", "1"},
	} {
		if _, err := DecodeIdentifier(c.kind, c.text); !errors.Is(err, ErrInvalidIdentifier) {
			t.Fatalf("decode %s/%s: expected ErrInvalidIdentifier, got %v", c.kind, c.text, err)
		}
	}
}
