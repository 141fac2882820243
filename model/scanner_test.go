package model

import "testing"

func makeRows(n int) []Tuple {
	rows := make([]Tuple, n)
	for i := range rows {
		rows[i] = Tuple{"a": int64(i)}
	}
	return rows
}

func TestSliceDataScanner_ConsumeAndFinish(t *testing.T) {
	schema := []Column{{Name: "a", Type: TypeLong}}
	scanner := NewSliceDataScanner(schema, makeRows(5))

	rows, err := scanner.Consume(2)
	if err != nil {
		t.Fatalf("Consume error: %v", err)
	}
	if len(rows) != 2 || scanner.Finished() {
		t.Fatalf("after first consume: %d rows, finished=%v", len(rows), scanner.Finished())
	}

	rows, _ = scanner.Consume(10)
	if len(rows) != 3 || !scanner.Finished() {
		t.Fatalf("after draining: %d rows, finished=%v", len(rows), scanner.Finished())
	}

	rows, _ = scanner.Consume(1)
	if len(rows) != 0 {
		t.Fatalf("exhausted scanner returned %d rows", len(rows))
	}
}

func TestLimitedDataScanner_BoundsRows(t *testing.T) {
	schema := []Column{{Name: "a", Type: TypeLong}}
	inner := NewSliceDataScanner(schema, makeRows(10))
	limited := NewLimitedDataScanner(inner, ScanLimits{MaxRows: 3})

	rows, err := limited.Consume(2)
	if err != nil {
		t.Fatalf("Consume error: %v", err)
	}
	if len(rows) != 2 || limited.Finished() {
		t.Fatalf("after first consume: %d rows, finished=%v", len(rows), limited.Finished())
	}

	rows, _ = limited.Consume(5)
	if len(rows) != 1 {
		t.Fatalf("limit overrun: got %d extra rows", len(rows))
	}
	if !limited.Finished() {
		t.Fatal("limited scanner must be finished at the bound")
	}

	rows, _ = limited.Consume(5)
	if len(rows) != 0 {
		t.Fatalf("consume past the bound returned %d rows", len(rows))
	}
}

func TestSliceDataScanner_ClosedErrors(t *testing.T) {
	scanner := NewSliceDataScanner(nil, makeRows(1))
	if err := scanner.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
	if _, err := scanner.Consume(1); err == nil {
		t.Fatal("expected error consuming a closed scanner")
	}
}
