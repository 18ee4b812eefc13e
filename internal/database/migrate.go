package database

import (
	"context"
	"database/sql"
	"fmt"
)

var schema = []struct {
	table string
	ddl   string
}{
	{"users", `CREATE TABLE IF NOT EXISTS users (
		id {{pk}},
		username VARCHAR(100) NOT NULL UNIQUE,
		email VARCHAR(255) NOT NULL DEFAULT '',
		display_name VARCHAR(255) NOT NULL DEFAULT '',
		password_hash VARCHAR(255) NOT NULL,
		role VARCHAR(50) NOT NULL DEFAULT 'seed_producer',
		active INTEGER NOT NULL DEFAULT 1,
		last_login DATETIME NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	){{engine}}`},
	{"role_permissions", `CREATE TABLE IF NOT EXISTS role_permissions (
		id {{pk}},
		role VARCHAR(50) NOT NULL,
		permission VARCHAR(100) NOT NULL,
		UNIQUE (role, permission)
	){{engine}}`},
	{"crops", `CREATE TABLE IF NOT EXISTS crops (
		id {{pk}},
		name VARCHAR(100) NOT NULL UNIQUE,
		code VARCHAR(20) NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	){{engine}}`},
	{"crop_varieties", `CREATE TABLE IF NOT EXISTS crop_varieties (
		id {{pk}},
		crop_id BIGINT NOT NULL,
		name VARCHAR(150) NOT NULL,
		category VARCHAR(30) NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (crop_id, name),
		FOREIGN KEY (crop_id) REFERENCES crops(id) ON DELETE CASCADE
	){{engine}}`},
	{"application_forms", `CREATE TABLE IF NOT EXISTS application_forms (
		id {{pk}},
		form_type VARCHAR(10) NOT NULL,
		user_id BIGINT NOT NULL,
		applicant_name VARCHAR(255) NOT NULL,
		address VARCHAR(255) NOT NULL DEFAULT '',
		phone VARCHAR(50) NOT NULL DEFAULT '',
		premises_location VARCHAR(255) NOT NULL DEFAULT '',
		experience VARCHAR(255) NOT NULL DEFAULT '',
		dealers_in VARCHAR(255) NOT NULL DEFAULT '',
		details TEXT NULL,
		status VARCHAR(30) NOT NULL DEFAULT 'pending',
		status_comment TEXT NULL,
		inspector_id BIGINT NULL,
		receipt_id BIGINT NULL,
		registration_number VARCHAR(50) NULL UNIQUE,
		valid_from VARCHAR(10) NOT NULL DEFAULT '',
		valid_until VARCHAR(10) NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	){{engine}}`},
	{"import_permits", `CREATE TABLE IF NOT EXISTS import_permits (
		id {{pk}},
		user_id BIGINT NOT NULL,
		permit_type VARCHAR(30) NOT NULL,
		applicant_name VARCHAR(255) NOT NULL,
		address VARCHAR(255) NOT NULL DEFAULT '',
		phone VARCHAR(50) NOT NULL DEFAULT '',
		country_of_origin VARCHAR(100) NOT NULL,
		supplier_name VARCHAR(255) NOT NULL DEFAULT '',
		supplier_address VARCHAR(255) NOT NULL DEFAULT '',
		purpose VARCHAR(255) NOT NULL DEFAULT '',
		status VARCHAR(30) NOT NULL DEFAULT 'pending',
		status_comment TEXT NULL,
		inspector_id BIGINT NULL,
		permit_number VARCHAR(50) NULL UNIQUE,
		valid_until VARCHAR(10) NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	){{engine}}`},
	{"import_permit_items", `CREATE TABLE IF NOT EXISTS import_permit_items (
		id {{pk}},
		permit_id BIGINT NOT NULL,
		crop_id BIGINT NOT NULL,
		variety VARCHAR(150) NOT NULL DEFAULT '',
		category VARCHAR(30) NOT NULL DEFAULT '',
		weight DECIMAL(14,3) NOT NULL,
		unit VARCHAR(10) NOT NULL DEFAULT 'kg',
		FOREIGN KEY (permit_id) REFERENCES import_permits(id) ON DELETE CASCADE
	){{engine}}`},
	{"planting_returns", `CREATE TABLE IF NOT EXISTS planting_returns (
		id {{pk}},
		user_id BIGINT NOT NULL,
		applicant_name VARCHAR(255) NOT NULL,
		district VARCHAR(100) NOT NULL,
		subcounty VARCHAR(100) NOT NULL DEFAULT '',
		village VARCHAR(100) NOT NULL DEFAULT '',
		crop_id BIGINT NOT NULL,
		variety VARCHAR(150) NOT NULL DEFAULT '',
		seed_class VARCHAR(30) NOT NULL DEFAULT '',
		quantity_planted DECIMAL(14,3) NOT NULL,
		area_ha DECIMAL(14,3) NOT NULL,
		planting_date VARCHAR(10) NOT NULL,
		expected_harvest_date VARCHAR(10) NOT NULL DEFAULT '',
		source_lot_number VARCHAR(50) NOT NULL DEFAULT '',
		sr8_number VARCHAR(50) NOT NULL UNIQUE,
		status VARCHAR(30) NOT NULL DEFAULT 'pending',
		status_comment TEXT NULL,
		inspector_id BIGINT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	){{engine}}`},
	{"crop_declarations", `CREATE TABLE IF NOT EXISTS crop_declarations (
		id {{pk}},
		user_id BIGINT NOT NULL,
		planting_return_id BIGINT NULL,
		crop_id BIGINT NOT NULL,
		variety VARCHAR(150) NOT NULL DEFAULT '',
		category VARCHAR(30) NOT NULL DEFAULT '',
		field_size_ha DECIMAL(14,3) NOT NULL,
		seed_source VARCHAR(255) NOT NULL DEFAULT '',
		source_lot_number VARCHAR(50) NOT NULL DEFAULT '',
		location VARCHAR(255) NOT NULL DEFAULT '',
		status VARCHAR(30) NOT NULL DEFAULT 'pending',
		status_comment TEXT NULL,
		inspector_id BIGINT NULL,
		current_stage VARCHAR(30) NOT NULL DEFAULT 'pre_flowering',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	){{engine}}`},
	{"crop_inspections", `CREATE TABLE IF NOT EXISTS crop_inspections (
		id {{pk}},
		declaration_id BIGINT NOT NULL,
		stage VARCHAR(30) NOT NULL,
		decision VARCHAR(20) NOT NULL,
		remarks TEXT NULL,
		estimated_yield_kg DECIMAL(14,3) NOT NULL DEFAULT 0,
		inspector_id BIGINT NOT NULL,
		inspected_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (declaration_id) REFERENCES crop_declarations(id) ON DELETE CASCADE
	){{engine}}`},
	{"stock_examinations", `CREATE TABLE IF NOT EXISTS stock_examinations (
		id {{pk}},
		user_id BIGINT NOT NULL,
		crop_declaration_id BIGINT NULL,
		crop_id BIGINT NOT NULL,
		variety VARCHAR(150) NOT NULL DEFAULT '',
		category VARCHAR(30) NOT NULL DEFAULT '',
		quantity_kg DECIMAL(14,3) NOT NULL,
		storage_location VARCHAR(255) NOT NULL DEFAULT '',
		status VARCHAR(30) NOT NULL DEFAULT 'pending',
		status_comment TEXT NULL,
		inspector_id BIGINT NULL,
		moisture_pct DECIMAL(6,2) NULL,
		purity_pct DECIMAL(6,2) NULL,
		germination_pct DECIMAL(6,2) NULL,
		report_remarks TEXT NULL,
		lot_number VARCHAR(50) NULL UNIQUE,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	){{engine}}`},
	{"stock_records", `CREATE TABLE IF NOT EXISTS stock_records (
		id {{pk}},
		user_id BIGINT NOT NULL,
		lot_number VARCHAR(50) NOT NULL UNIQUE,
		crop_id BIGINT NOT NULL,
		variety VARCHAR(150) NOT NULL DEFAULT '',
		category VARCHAR(30) NOT NULL DEFAULT '',
		quantity_kg DECIMAL(14,3) NOT NULL,
		source VARCHAR(30) NOT NULL,
		source_id BIGINT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	){{engine}}`},
	{"seed_labs", `CREATE TABLE IF NOT EXISTS seed_labs (
		id {{pk}},
		user_id BIGINT NOT NULL,
		stock_record_id BIGINT NOT NULL,
		lot_number VARCHAR(50) NOT NULL,
		sample_size_kg DECIMAL(14,3) NOT NULL,
		status VARCHAR(30) NOT NULL DEFAULT 'pending',
		status_comment TEXT NULL,
		technician_id BIGINT NULL,
		lab_number VARCHAR(50) NULL UNIQUE,
		test_report TEXT NULL,
		decision VARCHAR(30) NOT NULL DEFAULT '',
		received_at DATETIME NULL,
		tested_at DATETIME NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	){{engine}}`},
	{"marketable_seeds", `CREATE TABLE IF NOT EXISTS marketable_seeds (
		id {{pk}},
		user_id BIGINT NOT NULL,
		seed_lab_id BIGINT NOT NULL UNIQUE,
		lot_number VARCHAR(50) NOT NULL,
		crop_id BIGINT NOT NULL,
		variety VARCHAR(150) NOT NULL DEFAULT '',
		category VARCHAR(30) NOT NULL DEFAULT '',
		quantity_kg DECIMAL(14,3) NOT NULL,
		available_kg DECIMAL(14,3) NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	){{engine}}`},
	{"seed_labels", `CREATE TABLE IF NOT EXISTS seed_labels (
		id {{pk}},
		user_id BIGINT NOT NULL,
		marketable_seed_id BIGINT NOT NULL,
		lot_number VARCHAR(50) NOT NULL,
		package_size_kg DECIMAL(14,3) NOT NULL,
		quantity_kg DECIMAL(14,3) NOT NULL,
		label_count INTEGER NOT NULL,
		status VARCHAR(30) NOT NULL DEFAULT 'pending',
		status_comment TEXT NULL,
		approved_by BIGINT NULL,
		approved_at DATETIME NULL,
		printed_at DATETIME NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	){{engine}}`},
	{"seed_label_codes", `CREATE TABLE IF NOT EXISTS seed_label_codes (
		id {{pk}},
		label_id BIGINT NOT NULL,
		serial INTEGER NOT NULL,
		code VARCHAR(64) NOT NULL UNIQUE,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (label_id) REFERENCES seed_labels(id) ON DELETE CASCADE
	){{engine}}`},
	{"attachments", `CREATE TABLE IF NOT EXISTS attachments (
		id {{pk}},
		module VARCHAR(50) NOT NULL,
		record_id BIGINT NOT NULL,
		storage_key VARCHAR(255) NOT NULL,
		original_name VARCHAR(255) NOT NULL,
		size_bytes BIGINT NOT NULL DEFAULT 0,
		mime_type VARCHAR(100) NOT NULL DEFAULT '',
		uploaded_by BIGINT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	){{engine}}`},
	{"status_history", `CREATE TABLE IF NOT EXISTS status_history (
		id {{pk}},
		entity VARCHAR(50) NOT NULL,
		record_id BIGINT NOT NULL,
		from_status VARCHAR(30) NOT NULL,
		to_status VARCHAR(30) NOT NULL,
		actor_id BIGINT NULL,
		comment TEXT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	){{engine}}`},
	{"audit_log", `CREATE TABLE IF NOT EXISTS audit_log (
		id {{pk}},
		username VARCHAR(100) NOT NULL,
		action VARCHAR(50) NOT NULL,
		module VARCHAR(50) NOT NULL,
		record_id VARCHAR(50) NOT NULL,
		summary TEXT NULL,
		ip_address VARCHAR(64) NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	){{engine}}`},
	{"email_log", `CREATE TABLE IF NOT EXISTS email_log (
		id {{pk}},
		to_address VARCHAR(255) NOT NULL,
		subject VARCHAR(255) NOT NULL,
		body TEXT NULL,
		event_type VARCHAR(50) NOT NULL DEFAULT '',
		status VARCHAR(20) NOT NULL,
		error TEXT NULL,
		sent_at DATETIME DEFAULT CURRENT_TIMESTAMP
	){{engine}}`},
	{"sequences", `CREATE TABLE IF NOT EXISTS sequences (
		name VARCHAR(64) PRIMARY KEY,
		value BIGINT NOT NULL DEFAULT 0
	){{engine}}`},
}

var indexes = []struct {
	name, table, columns string
}{
	{"idx_application_forms_user", "application_forms", "user_id"},
	{"idx_application_forms_status", "application_forms", "form_type, status"},
	{"idx_import_permits_user", "import_permits", "user_id"},
	{"idx_planting_returns_user", "planting_returns", "user_id"},
	{"idx_crop_declarations_user", "crop_declarations", "user_id"},
	{"idx_stock_examinations_user", "stock_examinations", "user_id"},
	{"idx_stock_records_user", "stock_records", "user_id"},
	{"idx_seed_labs_user", "seed_labs", "user_id"},
	{"idx_seed_labs_stock", "seed_labs", "stock_record_id"},
	{"idx_seed_labels_user", "seed_labels", "user_id"},
	{"idx_attachments_record", "attachments", "module, record_id"},
	{"idx_status_history_record", "status_history", "entity, record_id"},
}

// Tables lists every table the schema creates.
func Tables() []string {
	out := make([]string, 0, len(schema))
	for _, s := range schema {
		out = append(out, s.table)
	}
	return out
}

// Migrate creates missing tables and indexes. It is safe to run repeatedly.
func Migrate(ctx context.Context, db *sql.DB, d Dialect) error {
	for _, s := range schema {
		if _, err := db.ExecContext(ctx, d.render(s.ddl)); err != nil {
			return fmt.Errorf("create table %s: %w", s.table, err)
		}
	}
	for _, idx := range indexes {
		if err := createIndex(ctx, db, d, idx.name, idx.table, idx.columns); err != nil {
			return fmt.Errorf("create index %s: %w", idx.name, err)
		}
	}
	return nil
}

func createIndex(ctx context.Context, db *sql.DB, d Dialect, name, table, columns string) error {
	if d == SQLite {
		_, err := db.ExecContext(ctx, fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)", name, table, columns))
		return err
	}
	// MySQL has no IF NOT EXISTS for indexes.
	var n int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM information_schema.statistics
		WHERE table_schema = DATABASE() AND table_name = ? AND index_name = ?`, table, name).Scan(&n)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	_, err = db.ExecContext(ctx, fmt.Sprintf("CREATE INDEX %s ON %s (%s)", name, table, columns))
	return err
}
