package model

import (
	"reflect"
	"testing"
	"time"
)

func TestPrimaryKeyRoundTrip_SingleColumn(t *testing.T) {
	ts := time.Date(2024, 5, 17, 10, 30, 0, 0, time.UTC)
	tests := []struct {
		name  string
		typ   ColumnType
		value any
		want  any
	}{
		{"string", TypeString, "alpha", "alpha"},
		{"integer", TypeInteger, int32(41), int32(41)},
		{"integer from int", TypeInteger, 41, int32(41)},
		{"long", TypeLong, int64(1 << 40), int64(1 << 40)},
		{"bytes", TypeByteArray, []byte{1, 2, 3}, []byte{1, 2, 3}},
		{"timestamp", TypeTimestamp, ts, ts},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			table := &Table{
				TableSpace: "ts1",
				Name:       "t",
				Columns:    []Column{{Name: "k", Type: tt.typ}},
				PrimaryKey: []string{"k"},
			}
			encoded, err := EncodePrimaryKey(Tuple{"k": tt.value}, table)
			if err != nil {
				t.Fatalf("encode error: %v", err)
			}
			decoded, err := DecodePrimaryKey(encoded, table)
			if err != nil {
				t.Fatalf("decode error: %v", err)
			}
			if !reflect.DeepEqual(decoded, tt.want) {
				t.Fatalf("round trip = %v (%T), want %v (%T)", decoded, decoded, tt.want, tt.want)
			}
		})
	}
}

func TestPrimaryKeyRoundTrip_Composite(t *testing.T) {
	table := &Table{
		TableSpace: "ts1",
		Name:       "t",
		Columns: []Column{
			{Name: "a", Type: TypeString},
			{Name: "b", Type: TypeLong},
			{Name: "c", Type: TypeString},
		},
		PrimaryKey: []string{"a", "b"},
	}
	row := Tuple{"a": "left", "b": int64(99), "c": "ignored"}

	encoded, err := EncodePrimaryKey(row, table)
	if err != nil {
		t.Fatalf("encode error: %v", err)
	}
	decoded, err := DecodePrimaryKey(encoded, table)
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	key, ok := decoded.(Tuple)
	if !ok {
		t.Fatalf("composite key decoded to %T", decoded)
	}
	if key["a"] != "left" || key["b"] != int64(99) {
		t.Fatalf("unexpected key %v", key)
	}
	if _, present := key["c"]; present {
		t.Fatal("non-key column leaked into decoded key")
	}
}

func TestDecodePrimaryKey_Truncated(t *testing.T) {
	table := &Table{
		TableSpace: "ts1",
		Name:       "t",
		Columns: []Column{
			{Name: "a", Type: TypeString},
			{Name: "b", Type: TypeLong},
		},
		PrimaryKey: []string{"a", "b"},
	}
	if _, err := DecodePrimaryKey([]byte{0, 0}, table); err == nil {
		t.Fatal("expected error for truncated composite key")
	}
}

func TestEncodePrimaryKey_UnsupportedType(t *testing.T) {
	table := &Table{
		TableSpace: "ts1",
		Name:       "t",
		Columns:    []Column{{Name: "k", Type: TypeBoolean}},
		PrimaryKey: []string{"k"},
	}
	if _, err := EncodePrimaryKey(Tuple{"k": true}, table); err == nil {
		t.Fatal("expected error for boolean primary key")
	}
}
