package csvcodec

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	d := DefaultDialect
	values := []string{
		"plain",
		"has,comma",
		`has\backslash`,
		"has\"quote",
		"has\nnewline",
		"",
	}
	for _, v := range values {
		encoded := d.Encode([]byte(v), false)
		decoded, isNull, consumed, err := d.Decode(encoded)
		if err != nil {
			t.Fatalf("Decode(%q): %v", encoded, err)
		}
		if isNull {
			t.Fatalf("Decode(%q) reported NULL for non-null value", encoded)
		}
		if consumed != len(encoded) {
			t.Fatalf("Decode(%q) consumed %d of %d bytes", encoded, consumed, len(encoded))
		}
		if !bytes.Equal(decoded, []byte(v)) {
			t.Fatalf("round trip mismatch: got %q, want %q", decoded, v)
		}
	}
}

func TestDecodeNull(t *testing.T) {
	d := DefaultDialect
	_, isNull, consumed, err := d.Decode([]byte(`\N,rest`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !isNull {
		t.Fatal("expected NULL literal to decode as null")
	}
	if consumed != 2 {
		t.Fatalf("expected to consume 2 bytes for \\N, got %d", consumed)
	}
}

func TestEncodeNullUsesLiteral(t *testing.T) {
	d := DefaultDialect
	got := d.Encode(nil, true)
	if string(got) != d.NullLiteral {
		t.Fatalf("Encode(nil, true) = %q, want %q", got, d.NullLiteral)
	}
}

func TestQuoteDoublingRoundTrip(t *testing.T) {
	d := DefaultDialect
	value := `she said "hi"`
	encoded := d.Encode([]byte(value), false)
	decoded, _, _, err := d.Decode(encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if string(decoded) != value {
		t.Fatalf("got %q, want %q", decoded, value)
	}
}

func TestEditorDecodeEncodeRow(t *testing.T) {
	e := NewEditor(DefaultDialect, DefaultDialect, []string{"objId", "ra", "decl"})
	if err := e.SelectOutput([]string{"decl", "objId"}); err != nil {
		t.Fatalf("SelectOutput: %v", err)
	}

	line := []byte(`123,45.5,-10.25`)
	values, nulls, err := e.DecodeRow(line)
	if err != nil {
		t.Fatalf("DecodeRow: %v", err)
	}
	if len(values) != 3 {
		t.Fatalf("expected 3 fields, got %d", len(values))
	}

	out, err := e.EncodeRow(values, nulls)
	if err != nil {
		t.Fatalf("EncodeRow: %v", err)
	}
	if string(out) != "-10.25,123" {
		t.Fatalf("EncodeRow = %q, want %q", out, "-10.25,123")
	}
}

func TestEditorRejectsUnknownOutputField(t *testing.T) {
	e := NewEditor(DefaultDialect, DefaultDialect, []string{"a", "b"})
	if err := e.SelectOutput([]string{"c"}); err == nil {
		t.Fatal("expected an error selecting an unknown field")
	}
}

func TestParseInt64AndFloat64(t *testing.T) {
	n, isNull, err := ParseInt64([]byte("42"), false)
	if err != nil || isNull || n != 42 {
		t.Fatalf("ParseInt64: got (%d, %v, %v)", n, isNull, err)
	}
	f, isNull, err := ParseFloat64([]byte(FormatFloat64(3.14159265358979)), false)
	if err != nil || isNull {
		t.Fatalf("ParseFloat64: %v, isNull=%v", err, isNull)
	}
	if f != 3.14159265358979 {
		t.Fatalf("ParseFloat64 round trip mismatch: got %v", f)
	}
}

func TestFieldSizeLimit(t *testing.T) {
	e := NewEditor(DefaultDialect, DefaultDialect, []string{"a"})
	big := bytes.Repeat([]byte("x"), MaxFieldSize+1)
	if _, _, err := e.DecodeRow(big); err == nil {
		t.Fatal("expected an error for a field exceeding MaxFieldSize")
	}
}
