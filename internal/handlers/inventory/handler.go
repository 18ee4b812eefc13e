// Package inventory serves stock examinations of harvested seed and the
// stock a producer holds once a lot has been examined: stock records and
// marketable seed lots.
package inventory

import (
	"context"
	"database/sql"

	"agroreg/internal/database"
	"agroreg/internal/models"
	"agroreg/internal/server"
)

// Handler holds dependencies for inventory handlers.
type Handler struct {
	*server.App
}

const Module = "stock_examinations"

const examCols = `e.id, e.user_id, e.crop_declaration_id, e.crop_id, c.name, e.variety, e.category, e.quantity_kg,
	e.storage_location, e.status, COALESCE(e.status_comment, ''), e.inspector_id, e.moisture_pct, e.purity_pct,
	e.germination_pct, COALESCE(e.report_remarks, ''), e.lot_number, e.created_at, e.updated_at`

const examFrom = " FROM stock_examinations e JOIN crops c ON c.id = e.crop_id"

func scanExam(row interface{ Scan(...any) error }) (models.StockExamination, error) {
	var e models.StockExamination
	var decl, inspector sql.NullInt64
	var lot sql.NullString
	err := row.Scan(&e.ID, &e.UserID, &decl, &e.CropID, &e.CropName, &e.Variety, &e.Category, &e.QuantityKg,
		&e.StorageLocation, &e.Status, &e.StatusComment, &inspector, &e.MoisturePct, &e.PurityPct,
		&e.GerminationPct, &e.ReportRemarks, &lot, &e.CreatedAt, &e.UpdatedAt)
	e.CropDeclarationID = database.IntPtr(decl)
	e.InspectorID = database.IntPtr(inspector)
	e.LotNumber = database.StrPtr(lot)
	return e, err
}

func loadExam(ctx context.Context, q database.Querier, id int64) (models.StockExamination, error) {
	e, err := scanExam(q.QueryRowContext(ctx, "SELECT "+examCols+examFrom+" WHERE e.id = ?", id))
	return e, database.NotFound(err)
}

func examReference(e models.StockExamination) string {
	if e.LotNumber != nil {
		return *e.LotNumber
	}
	return ""
}
