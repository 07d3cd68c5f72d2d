package driver

import "context"

// Writer performs idempotent bulk upserts into a destination table.
//
// UpsertBatch must be safe to call twice with the same rows: the second call
// leaves the destination row set unchanged. It returns the number of rows
// submitted, which is len(rows) on success.
type Writer interface {
	UpsertBatch(ctx context.Context, target WriteTarget, rows [][]any) (int64, error)
}

// ConvertRow prepares a row for cross-engine writes. Drivers return DECIMAL
// and NUMERIC values as ASCII []byte; those become strings so that the
// destination parses them as numbers instead of binary data.
func ConvertRow(row []any) []any {
	result := make([]any, len(row))
	for i, v := range row {
		if b, ok := v.([]byte); ok && isASCIINumeric(b) {
			result[i] = string(b)
			continue
		}
		result[i] = v
	}
	return result
}

func isASCIINumeric(b []byte) bool {
	if len(b) == 0 {
		return false
	}

	hasDigit := false
	hasDot := false
	hasE := false
	i := 0

	if b[i] == '+' || b[i] == '-' {
		i++
		if i >= len(b) {
			return false
		}
	}

	for i < len(b) {
		c := b[i]
		switch {
		case c >= '0' && c <= '9':
			hasDigit = true
		case c == '.':
			if hasDot || hasE {
				return false
			}
			hasDot = true
		case c == 'E' || c == 'e':
			if hasE || !hasDigit {
				return false
			}
			hasE = true
			i++
			if i < len(b) && (b[i] == '+' || b[i] == '-') {
				i++
			}
			if i >= len(b) || b[i] < '0' || b[i] > '9' {
				return false
			}
			continue
		default:
			return false
		}
		i++
	}

	return hasDigit
}
