package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// NextValue increments the named counter and returns the new value. It must
// run inside a transaction: the UPDATE holds the row lock until commit, so
// concurrent callers never observe the same value.
func NextValue(ctx context.Context, tx *sql.Tx, name string) (int64, error) {
	for attempt := 0; attempt < 2; attempt++ {
		res, err := tx.ExecContext(ctx, "UPDATE sequences SET value = value + 1 WHERE name = ?", name)
		if err != nil {
			return 0, fmt.Errorf("sequence %s: %w", name, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			if _, err := tx.ExecContext(ctx, "INSERT INTO sequences (name, value) VALUES (?, 0)", name); err != nil {
				// Another writer created the row first; retry the increment.
				continue
			}
			continue
		}
		var v int64
		if err := tx.QueryRowContext(ctx, "SELECT value FROM sequences WHERE name = ?", name).Scan(&v); err != nil {
			return 0, fmt.Errorf("sequence %s: %w", name, err)
		}
		return v, nil
	}
	return 0, fmt.Errorf("sequence %s: could not allocate value", name)
}

// NextNumber allocates a yearly reference number such as SR8-2026-00001.
// Each prefix keeps its own counter per calendar year.
func NextNumber(ctx context.Context, tx *sql.Tx, prefix string, width int, now time.Time) (string, error) {
	year := now.UTC().Year()
	v, err := NextValue(ctx, tx, fmt.Sprintf("%s:%d", prefix, year))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%d-%0*d", prefix, year, width, v), nil
}
