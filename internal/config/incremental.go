package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/spf13/cast"
)

// Parse converts a stored or configured watermark string into its typed value:
// int64 for Int and BigInt, UTC time.Time for DateTime.
func (t IncrementalType) Parse(s string) (any, error) {
	s = strings.TrimSpace(s)
	switch t {
	case IncrementalInt, IncrementalBigInt:
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing %s watermark %q: %w", t, s, err)
		}
		if t == IncrementalInt && (v > 1<<31-1 || v < -1<<31) {
			return nil, fmt.Errorf("watermark %d overflows Int", v)
		}
		return v, nil
	case IncrementalDateTime:
		ts, err := dateparse.ParseIn(s, time.UTC)
		if err != nil {
			return nil, fmt.Errorf("parsing DateTime watermark %q: %w", s, err)
		}
		return ts.UTC(), nil
	default:
		return nil, fmt.Errorf("incremental type %q has no watermark", t)
	}
}

// Format renders a typed watermark value for storage.
func (t IncrementalType) Format(v any) (string, error) {
	n, err := t.Normalize(v)
	if err != nil {
		return "", err
	}
	switch val := n.(type) {
	case int64:
		return strconv.FormatInt(val, 10), nil
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano), nil
	}
	return "", fmt.Errorf("cannot format %T as %s watermark", v, t)
}

// Normalize converts a value scanned from a database driver into the typed
// watermark representation.
func (t IncrementalType) Normalize(v any) (any, error) {
	if v == nil {
		return nil, fmt.Errorf("NULL value in %s incremental column", t)
	}
	if b, ok := v.([]byte); ok {
		v = string(b)
	}
	switch t {
	case IncrementalInt, IncrementalBigInt:
		if s, ok := v.(string); ok {
			return t.Parse(s)
		}
		n, err := cast.ToInt64E(v)
		if err != nil {
			return nil, fmt.Errorf("converting %T to %s watermark: %w", v, t, err)
		}
		return n, nil
	case IncrementalDateTime:
		switch val := v.(type) {
		case time.Time:
			return val.UTC(), nil
		case string:
			return t.Parse(val)
		}
		ts, err := cast.ToTimeE(v)
		if err != nil {
			return nil, fmt.Errorf("converting %T to DateTime watermark: %w", v, err)
		}
		return ts.UTC(), nil
	}
	return nil, fmt.Errorf("incremental type %q has no watermark", t)
}

// Compare orders two normalized watermark values of the same type.
func Compare(a, b any) int {
	switch av := a.(type) {
	case int64:
		bv, _ := b.(int64)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
		return 0
	case time.Time:
		bv, _ := b.(time.Time)
		return av.Compare(bv)
	}
	return 0
}
