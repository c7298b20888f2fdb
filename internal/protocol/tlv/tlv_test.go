package tlv

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeDecodeFieldsRoundTripPreservesUnknown(t *testing.T) {
	in := []Field{
		String(1, "status"),
		{ID: 9999, Type: TypeBytes, Value: []byte{0xAA, 0xBB}}, // unknown field id
	}
	b := EncodeFields(in)
	out, err := DecodeFields(b)
	if err != nil {
		t.Fatalf("decode fields: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 fields, got %d", len(out))
	}
	if out[1].ID != 9999 || out[1].Type != TypeBytes || !bytes.Equal(out[1].Value, []byte{0xAA, 0xBB}) {
		t.Fatalf("unknown field not preserved: %+v", out[1])
	}
	if GetString(out, 1) != "status" {
		t.Fatalf("string getter mismatch: %q", GetString(out, 1))
	}
	if GetBytes(out, 2) != nil || GetString(out, 2) != "" {
		t.Fatalf("absent field should read as zero value")
	}
}

func TestU64Field(t *testing.T) {
	f := U64(4, 1760000000000)
	v, err := U64FromBytes(f.Value)
	if err != nil {
		t.Fatalf("u64 from bytes: %v", err)
	}
	if v != 1760000000000 {
		t.Fatalf("u64 mismatch: %d", v)
	}
	if _, err := U64FromBytes([]byte{1, 2}); err == nil {
		t.Fatalf("expected short u64 error")
	}
}

func TestDecodeFieldsMalformedHeaderIsDeterministic(t *testing.T) {
	_, err := DecodeFields([]byte{1, 2, 3})
	if !errors.Is(err, ErrShortFieldHeader) {
		t.Fatalf("expected ErrShortFieldHeader, got %v", err)
	}
}

func TestDecodeFieldsMalformedLengthIsDeterministic(t *testing.T) {
	// id=1, type=string, len=5, value only 2 bytes
	payload := []byte{0, 1, TypeString, 0, 0, 0, 5, 'a', 'b'}
	_, err := DecodeFields(payload)
	if !errors.Is(err, ErrShortFieldValue) {
		t.Fatalf("expected ErrShortFieldValue, got %v", err)
	}
}

func TestDecodeFieldsRejectsDuplicateID(t *testing.T) {
	payload := EncodeFields([]Field{String(1, "a"), String(1, "b")})
	_, err := DecodeFields(payload)
	if !errors.Is(err, ErrDuplicateField) {
		t.Fatalf("expected ErrDuplicateField, got %v", err)
	}
}
