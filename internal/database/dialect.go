package database

import "strings"

// Dialect names the SQL flavour the schema is rendered for.
type Dialect string

const (
	SQLite Dialect = "sqlite"
	MySQL  Dialect = "mysql"
)

// render expands the {{pk}} and {{engine}} placeholders used by the schema.
func (d Dialect) render(ddl string) string {
	pk := "INTEGER PRIMARY KEY AUTOINCREMENT"
	engine := ""
	if d == MySQL {
		pk = "BIGINT PRIMARY KEY AUTO_INCREMENT"
		engine = " ENGINE=InnoDB DEFAULT CHARSET=utf8mb4"
	}
	r := strings.NewReplacer("{{pk}}", pk, "{{engine}}", engine)
	return r.Replace(ddl)
}

// InsertIgnore returns the statement prefix that skips duplicate keys.
func (d Dialect) InsertIgnore() string {
	if d == MySQL {
		return "INSERT IGNORE INTO"
	}
	return "INSERT OR IGNORE INTO"
}
