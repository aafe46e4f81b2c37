package store

import (
	"context"
	"fmt"
)

// NextFieldName allocates the next globally-unique dynamic field name from
// the single counter row. The increment happens in one atomic
// UPDATE ... RETURNING statement so concurrent field creation can never mint
// the same name. Numbers are strictly increasing and never reused; a gap is
// left behind if the caller's field insert fails afterwards, which is fine.
func NextFieldName(ctx context.Context, q Querier) (string, error) {
	row, err := QueryRow(ctx, q,
		"UPDATE custom_field_counter SET last_cf_number = last_cf_number + 1 WHERE id = 1 RETURNING last_cf_number")
	if err != nil {
		return "", fmt.Errorf("advance field counter: %w", err)
	}
	n, ok := toInt64(row["last_cf_number"])
	if !ok {
		return "", fmt.Errorf("advance field counter: unexpected value %v", row["last_cf_number"])
	}
	return fmt.Sprintf("cf_%d", n), nil
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}
