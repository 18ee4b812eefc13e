package database

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

var identRe = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// writable lists the tables SaveData may touch.
var writable = func() map[string]bool {
	m := make(map[string]bool, len(schema))
	for _, s := range schema {
		m[s.table] = true
	}
	return m
}()

// SaveData inserts a row when id is zero and updates the row with that id
// otherwise. It returns the id of the written row. updated_at is maintained
// automatically for tables that have it.
func SaveData(ctx context.Context, q Querier, table string, id int64, data map[string]any) (int64, error) {
	if !writable[table] {
		return 0, fmt.Errorf("save: unknown table %q", table)
	}
	if len(data) == 0 {
		return 0, fmt.Errorf("save %s: no columns", table)
	}
	cols := make([]string, 0, len(data)+1)
	for col := range data {
		if !identRe.MatchString(col) || col == "id" {
			return 0, fmt.Errorf("save %s: invalid column %q", table, col)
		}
		cols = append(cols, col)
	}
	if hasUpdatedAt(table) {
		if _, ok := data["updated_at"]; !ok {
			data["updated_at"] = Now()
			cols = append(cols, "updated_at")
		}
	}
	sort.Strings(cols)

	args := make([]any, 0, len(cols)+1)
	for _, c := range cols {
		args = append(args, data[c])
	}

	if id == 0 {
		query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
			table, strings.Join(cols, ", "), strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", "))
		res, err := q.ExecContext(ctx, query, args...)
		if err != nil {
			return 0, fmt.Errorf("insert %s: %w", table, err)
		}
		newID, err := res.LastInsertId()
		if err != nil {
			return 0, fmt.Errorf("insert %s: last id: %w", table, err)
		}
		return newID, nil
	}

	n, err := updateWhere(ctx, q, table, cols, args, "id = ?", id)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, ErrNotFound
	}
	return id, nil
}

// UpdateWhere updates table with data for rows matching where and returns the
// number of rows changed. It is the compare-and-set form of SaveData.
func UpdateWhere(ctx context.Context, q Querier, table string, data map[string]any, where string, whereArgs ...any) (int64, error) {
	if !writable[table] {
		return 0, fmt.Errorf("update: unknown table %q", table)
	}
	cols := make([]string, 0, len(data)+1)
	for col := range data {
		if !identRe.MatchString(col) || col == "id" {
			return 0, fmt.Errorf("update %s: invalid column %q", table, col)
		}
		cols = append(cols, col)
	}
	if hasUpdatedAt(table) {
		if _, ok := data["updated_at"]; !ok {
			data["updated_at"] = Now()
			cols = append(cols, "updated_at")
		}
	}
	sort.Strings(cols)
	args := make([]any, 0, len(cols)+len(whereArgs))
	for _, c := range cols {
		args = append(args, data[c])
	}
	return updateWhere(ctx, q, table, cols, args, where, whereArgs...)
}

func updateWhere(ctx context.Context, q Querier, table string, cols []string, args []any, where string, whereArgs ...any) (int64, error) {
	sets := make([]string, len(cols))
	for i, c := range cols {
		sets[i] = c + " = ?"
	}
	args = append(args, whereArgs...)
	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s", table, strings.Join(sets, ", "), where)
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("update %s: %w", table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("update %s: rows affected: %w", table, err)
	}
	return n, nil
}

func hasUpdatedAt(table string) bool {
	for _, s := range schema {
		if s.table == table {
			return strings.Contains(s.ddl, "updated_at DATETIME")
		}
	}
	return false
}
