package storage

import (
	"database/sql"
	"time"
)

// toUnixNano converts a timestamp for integer-backed columns. The zero time
// maps to 0 so an unopened window sorts before every real instant.
func toUnixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

// fromUnixNano is the inverse of toUnixNano. Results are in UTC.
func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// nullableUnixNano converts an optional timestamp for a nullable integer column.
func nullableUnixNano(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toUnixNano(*t), Valid: true}
}
