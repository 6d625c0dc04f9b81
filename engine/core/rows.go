package core

// RowCount reports the number of rows in a driver result value when the shape
// is discoverable. Drivers exchange tabular data as []map[string]any or
// []any; anything else has no countable rows.
func RowCount(v any) (int, bool) {
	switch t := v.(type) {
	case []map[string]any:
		return len(t), true
	case []any:
		return len(t), true
	default:
		return 0, false
	}
}

// ResultRows scans a driver result map for the first countable value and
// returns its row count. Writers returning an empty map yield (0, false).
func ResultRows(result map[string]any) (int, bool) {
	for _, v := range result {
		if n, ok := RowCount(v); ok {
			return n, true
		}
	}
	return 0, false
}
