package model

import (
	"bytes"
	"fmt"
	"strings"
	"time"
)

// CompareValues orders two non-nil values of compatible types. Integer
// widths coerce to int64; strings, booleans, byte slices and timestamps
// compare natively. Incompatible types are an error.
func CompareValues(a, b any) (int, error) {
	an, aErr := coerceInt64(a)
	bn, bErr := coerceInt64(b)
	if aErr == nil && bErr == nil {
		switch {
		case an < bn:
			return -1, nil
		case an > bn:
			return 1, nil
		default:
			return 0, nil
		}
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0, compareMismatch(a, b)
		}
		return strings.Compare(av, bv), nil
	case bool:
		bv, ok := b.(bool)
		if !ok {
			return 0, compareMismatch(a, b)
		}
		switch {
		case av == bv:
			return 0, nil
		case !av:
			return -1, nil
		default:
			return 1, nil
		}
	case []byte:
		bv, ok := b.([]byte)
		if !ok {
			return 0, compareMismatch(a, b)
		}
		return bytes.Compare(av, bv), nil
	case time.Time:
		bv, ok := b.(time.Time)
		if !ok {
			return 0, compareMismatch(a, b)
		}
		switch {
		case av.Before(bv):
			return -1, nil
		case av.After(bv):
			return 1, nil
		default:
			return 0, nil
		}
	default:
		return 0, compareMismatch(a, b)
	}
}

func compareMismatch(a, b any) error {
	return StatementExecutionErrorf("cannot compare %T with %T", a, b)
}

func coerceInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case uint64:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("not a number: %T", v)
	}
}
