// Package quality serves seed lab inspections: a sample of an examined lot
// is received by the lab, tested, and declared marketable or not.
package quality

import (
	"context"
	"database/sql"

	"agroreg/internal/database"
	"agroreg/internal/models"
	"agroreg/internal/server"
)

// Handler holds dependencies for seed lab handlers.
type Handler struct {
	*server.App
}

const Module = "seed_labs"

const labCols = `id, user_id, stock_record_id, lot_number, sample_size_kg, status, COALESCE(status_comment, ''),
	technician_id, lab_number, test_report, decision, received_at, tested_at, created_at, updated_at`

func scanLab(row interface{ Scan(...any) error }) (models.SeedLab, error) {
	var l models.SeedLab
	var tech sql.NullInt64
	var number, report, received, tested sql.NullString
	err := row.Scan(&l.ID, &l.UserID, &l.StockRecordID, &l.LotNumber, &l.SampleSizeKg, &l.Status, &l.StatusComment,
		&tech, &number, &report, &l.Decision, &received, &tested, &l.CreatedAt, &l.UpdatedAt)
	l.TechnicianID = database.IntPtr(tech)
	l.LabNumber = database.StrPtr(number)
	l.ReceivedAt = database.StrPtr(received)
	l.TestedAt = database.StrPtr(tested)
	if report.Valid && report.String != "" {
		l.TestReport = []byte(report.String)
	}
	return l, err
}

func load(ctx context.Context, q database.Querier, id int64) (models.SeedLab, error) {
	l, err := scanLab(q.QueryRowContext(ctx, "SELECT "+labCols+" FROM seed_labs WHERE id = ?", id))
	return l, database.NotFound(err)
}

func reference(l models.SeedLab) string {
	if l.LabNumber != nil {
		return *l.LabNumber + " (" + l.LotNumber + ")"
	}
	return l.LotNumber
}
